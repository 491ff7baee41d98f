package manifest

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// NewRun builds a run body. history holds the full metric histories by key;
// keys missing from it fall back to the latest values in run.Data.
func NewRun(run mlflow.Run, history map[string][]mlflow.Metric) Run {
	out := Run{
		RunID:          run.Info.ID(),
		ExperimentID:   run.Info.ExperimentID,
		RunName:        run.Info.RunName,
		UserID:         run.Info.UserID,
		Status:         run.Info.Status,
		LifecycleStage: run.Info.LifecycleStage,
		StartTime:      int64(run.Info.StartTime),
		EndTime:        int64(run.Info.EndTime),
		ArtifactURI:    run.Info.ArtifactURI,
		Params:         map[string]string{},
		Metrics:        map[string][]MetricPoint{},
		Tags:           mlflow.TagMap(run.Data.Tags),
	}
	if out.LifecycleStage == "" {
		out.LifecycleStage = mlflow.LifecycleActive
	}
	for _, p := range run.Data.Params {
		out.Params[p.Key] = p.Value
	}
	for _, m := range run.Data.Metrics {
		if _, ok := history[m.Key]; !ok {
			out.Metrics[m.Key] = append(out.Metrics[m.Key], point(m))
		}
	}
	for key, points := range history {
		for _, m := range points {
			out.Metrics[key] = append(out.Metrics[key], point(m))
		}
	}
	for key := range out.Metrics {
		SortPoints(out.Metrics[key])
	}
	if len(run.Inputs.DatasetInputs) > 0 {
		out.Inputs = append([]mlflow.DatasetInput(nil), run.Inputs.DatasetInputs...)
		sort.SliceStable(out.Inputs, func(i, j int) bool {
			a, b := out.Inputs[i].Dataset, out.Inputs[j].Dataset
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Digest < b.Digest
		})
	}
	return out
}

func point(m mlflow.Metric) MetricPoint {
	return MetricPoint{Value: m.Value, Timestamp: int64(m.Timestamp), Step: int64(m.Step)}
}

// SortPoints orders a history by (step, timestamp), breaking ties by value.
func SortPoints(points []MetricPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return lessFloat(float64(a.Value), float64(b.Value))
	})
}

// lessFloat is a total order: NaN first, and -0 before 0.
func lessFloat(a, b float64) bool {
	if math.IsNaN(a) {
		return !math.IsNaN(b)
	}
	if a == b {
		return math.Signbit(a) && !math.Signbit(b)
	}
	return a < b
}

// NewExperiment builds an experiment body embedding runs, ordered by run id.
func NewExperiment(exp mlflow.Experiment, runs []Run) Experiment {
	out := Experiment{
		ExperimentID:     exp.ExperimentID,
		Name:             exp.Name,
		ArtifactLocation: exp.ArtifactLocation,
		LifecycleStage:   exp.LifecycleStage,
		CreationTime:     int64(exp.CreationTime),
		LastUpdateTime:   int64(exp.LastUpdateTime),
		Tags:             mlflow.TagMap(exp.Tags),
		Runs:             append([]Run{}, runs...),
	}
	sort.Slice(out.Runs, func(i, j int) bool { return out.Runs[i].RunID < out.Runs[j].RunID })
	return out
}

// NewVersion builds a version body. run is the backing run's body, or nil
// when the run is absent from the source.
func NewVersion(mv mlflow.ModelVersion, run *Run, artifactURI string) Version {
	stage := mv.CurrentStage
	if stage == "" {
		stage = mlflow.StageNone
	}
	out := Version{
		Name:                 mv.Name,
		Version:              mv.Version,
		Stage:                stage,
		Description:          mv.Description,
		Source:               mv.Source,
		RunLink:              mv.RunLink,
		UserID:               mv.UserID,
		Status:               mv.Status,
		CreationTimestamp:    int64(mv.CreationTimestamp),
		LastUpdatedTimestamp: int64(mv.LastUpdatedTimestamp),
		Tags:                 mlflow.TagMap(mv.Tags),
		Aliases:              append([]string{}, mv.Aliases...),
		RunRef: RunRef{
			RunID:        mv.RunID,
			RelativePath: RelativePath(mv.Source, mv.RunID, artifactURI),
			RunAbsent:    run == nil,
		},
		Run: run,
	}
	sort.Strings(out.Aliases)
	if run != nil {
		out.RunRef.ExperimentID = run.ExperimentID
		if out.RunRef.RunID == "" {
			out.RunRef.RunID = run.RunID
		}
	}
	return out
}

// NewModel builds a model body embedding versions in ascending order.
func NewModel(m mlflow.RegisteredModel, versions []Version) Model {
	out := Model{
		Name:                 m.Name,
		Description:          m.Description,
		CreationTimestamp:    int64(m.CreationTimestamp),
		LastUpdatedTimestamp: int64(m.LastUpdatedTimestamp),
		Tags:                 mlflow.TagMap(m.Tags),
		Aliases:              append([]mlflow.Alias{}, m.Aliases...),
		Versions:             append([]Version{}, versions...),
	}
	sort.Slice(out.Aliases, func(i, j int) bool { return out.Aliases[i].Alias < out.Aliases[j].Alias })
	SortVersions(out.Versions)
	return out
}

// SortVersions orders versions by their integer number.
func SortVersions(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool { return NumericLess(vs[i].Version, vs[j].Version) })
}

// NumericLess compares ids and version numbers numerically, falling back to
// string order for non-numeric values.
func NumericLess(a, b string) bool {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}

// RelativePath returns the path of a version source inside its run's
// artifact tree: the tail of a runs:/<id>/<path> URI, or the part of the
// source below the run's artifact URI. It returns "" when the source lies
// outside the run.
func RelativePath(source, runID, artifactURI string) string {
	if rest, ok := strings.CutPrefix(source, "runs:/"); ok {
		_, rel, _ := strings.Cut(rest, "/")
		return strings.Trim(rel, "/")
	}
	if artifactURI != "" {
		root := strings.TrimRight(artifactURI, "/")
		if rel, ok := strings.CutPrefix(source, root+"/"); ok {
			return strings.Trim(rel, "/")
		}
	}
	// Sources often embed "<run id>/artifacts/<path>" in a store URI.
	if runID != "" {
		if _, rel, ok := strings.Cut(source, "/"+runID+"/artifacts/"); ok {
			return strings.Trim(rel, "/")
		}
	}
	return ""
}
