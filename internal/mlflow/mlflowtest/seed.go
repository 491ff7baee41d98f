package mlflowtest

import (
	"sort"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// RunSeed describes a run created directly in server state.
type RunSeed struct {
	Name      string
	User      string
	Status    string
	StartTime int64
	EndTime   int64
	Params    map[string]string
	Metrics   []mlflow.Metric
	Tags      map[string]string
	Inputs    []mlflow.DatasetInput
	Deleted   bool
	// Artifacts maps relative paths to content.
	Artifacts map[string]string
}

// AddExperiment creates an experiment and returns its id.
func (s *Server) AddExperiment(name string, tags map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	return s.addExperimentLocked(name, "", cp)
}

// DeleteExperiment soft-deletes an experiment.
func (s *Server) DeleteExperiment(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.experiments[id]; ok {
		e.LifecycleStage = mlflow.LifecycleDeleted
	}
}

// AddRun creates a run under expID and returns its id.
func (s *Server) AddRun(expID string, seed RunSeed) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make(map[string]string, len(seed.Tags))
	for k, v := range seed.Tags {
		tags[k] = v
	}
	rn := s.addRunLocked(expID, seed.Name, seed.User, seed.StartTime, tags)
	rn.Info.Status = "FINISHED"
	if seed.Status != "" {
		rn.Info.Status = seed.Status
	}
	rn.Info.EndTime = mlflow.Int64(seed.EndTime)
	for k, v := range seed.Params {
		rn.params[k] = v
	}
	for _, m := range seed.Metrics {
		rn.history[m.Key] = append(rn.history[m.Key], m)
	}
	rn.Inputs.DatasetInputs = append(rn.Inputs.DatasetInputs, seed.Inputs...)
	if seed.Deleted {
		rn.Info.LifecycleStage = mlflow.LifecycleDeleted
	}
	root, _ := artifactKey(rn.Info.ArtifactURI)
	for rel, data := range seed.Artifacts {
		s.artifacts[root+"/"+rel] = []byte(data)
	}
	return rn.Info.RunID
}

// PurgeRun removes a run and its artifacts entirely.
func (s *Server) PurgeRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[runID]
	if !ok {
		return
	}
	root, _ := artifactKey(rn.Info.ArtifactURI)
	for key := range s.artifacts {
		if strings.HasPrefix(key, root+"/") {
			delete(s.artifacts, key)
		}
	}
	delete(s.runs, runID)
}

// PutArtifact stores a file in a run's artifact area.
func (s *Server) PutArtifact(runID, rel string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, _ := artifactKey(s.runs[runID].Info.ArtifactURI)
	s.artifacts[root+"/"+rel] = data
}

// AddModel creates a registered model.
func (s *Server) AddModel(name, description string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	s.addModelLocked(name, description, cp)
}

// AddVersion registers runs:/<runID>/<path> as a new version of name in stage
// and returns the version number.
func (s *Server) AddVersion(name, runID, path, stage string, tags map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	v := s.addVersionLocked(name, "runs:/"+runID+"/"+path, runID, "", cp)
	if stage != "" {
		v.CurrentStage = stage
	}
	return v.Version
}

// SetAlias points alias at version.
func (s *Server) SetAlias(name, alias, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[name].aliases[alias] = version
}

// SetPermissions replaces the permissions of an experiment.
func (s *Server) SetPermissions(expID string, acl []mlflow.AccessControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[expID].permissions = append([]mlflow.AccessControl(nil), acl...)
}

// ExperimentByName returns the experiment with name.
func (s *Server) ExperimentByName(name string) (mlflow.Experiment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.experiments {
		if e.Name == name {
			return s.expSnapshot(e), true
		}
	}
	return mlflow.Experiment{}, false
}

// Experiments returns every experiment.
func (s *Server) Experiments() []mlflow.Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mlflow.Experiment
	for _, e := range s.experiments {
		out = append(out, s.expSnapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runs returns every run of an experiment, deleted ones included.
func (s *Server) Runs(expID string) []mlflow.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mlflow.Run
	for _, rn := range s.runs {
		if rn.Info.ExperimentID == expID {
			out = append(out, s.runSnapshot(rn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.RunID < out[j].Info.RunID })
	return out
}

// RunCount returns the number of runs on the server.
func (s *Server) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Run returns one run.
func (s *Server) Run(runID string) (mlflow.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[runID]
	if !ok {
		return mlflow.Run{}, false
	}
	return s.runSnapshot(rn), true
}

// MetricHistory returns every logged point of a metric.
func (s *Server) MetricHistory(runID, key string) []mlflow.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mlflow.Metric(nil), s.runs[runID].history[key]...)
}

// RunArtifacts returns a run's artifacts keyed by relative path.
func (s *Server) RunArtifacts(runID string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string][]byte{}
	rn, ok := s.runs[runID]
	if !ok {
		return out
	}
	root, _ := artifactKey(rn.Info.ArtifactURI)
	for key, data := range s.artifacts {
		if rel, ok := strings.CutPrefix(key, root+"/"); ok {
			out[rel] = data
		}
	}
	return out
}

// Model returns a registered model.
func (s *Server) Model(name string) (mlflow.RegisteredModel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[name]
	if !ok {
		return mlflow.RegisteredModel{}, false
	}
	return s.modelSnapshot(m), true
}

// Versions returns the versions of a model in ascending order.
func (s *Server) Versions(name string) []mlflow.ModelVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[name]
	if !ok {
		return nil
	}
	var out []mlflow.ModelVersion
	for _, v := range m.versions {
		out = append(out, s.versionSnapshot(v))
	}
	return out
}

// Permissions returns the stored permissions of an experiment.
func (s *Server) Permissions(expID string) []mlflow.AccessControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mlflow.AccessControl(nil), s.experiments[expID].permissions...)
}
