// Package exporter writes manifests and artifact mirrors of source objects
// into an export directory.
//
// Runs and versions are exported first and kept in memory so their parents
// can embed them: an experiment manifest carries its runs, a model manifest
// its versions. A child that failed is listed under the parent's failed_runs
// or failed_versions instead.
package exporter

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/artifacts"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// Options controls what an export writes.
type Options struct {
	Layout     manifest.Layout
	Provenance manifest.Provenance
	// NotebookFormats are workspace export formats for run notebooks; empty
	// disables notebook export.
	NotebookFormats   []string
	ExportPermissions bool
	// ExportVersionModel mirrors each version's source tree next to its
	// manifest even when the backing run is exported.
	ExportVersionModel bool
}

// Exporter exports objects of one source server.
type Exporter struct {
	client   *mlflow.Client
	opener   *artifacts.Opener
	transfer *artifacts.Transfer
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	runs     map[string]*manifest.Run
	versions map[string]*manifest.Version
}

// New creates an Exporter.
func New(client *mlflow.Client, opener *artifacts.Opener, transfer *artifacts.Transfer, opts Options, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		client:   client,
		opener:   opener,
		transfer: transfer,
		opts:     opts,
		logger:   logger.With(zap.String("component", "exporter")),
		runs:     make(map[string]*manifest.Run),
		versions: make(map[string]*manifest.Version),
	}
}

func (e *Exporter) header(kind string) manifest.Header {
	return manifest.Header{Schema: manifest.Schema(kind), Provenance: e.opts.Provenance}
}

func (e *Exporter) run(id string) *manifest.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func (e *Exporter) version(id string) *manifest.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions[id]
}

// ExportRun writes a run's manifest, full metric histories, artifacts and
// notebooks under experiments/<exp>/runs/<run>.
func (e *Exporter) ExportRun(ctx context.Context, runID string) error {
	run, err := e.client.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	history := make(map[string][]mlflow.Metric, len(run.Data.Metrics))
	for _, m := range run.Data.Metrics {
		if _, ok := history[m.Key]; ok {
			continue
		}
		points, err := e.client.GetMetricHistory(ctx, runID, m.Key)
		if err != nil {
			return err
		}
		history[m.Key] = points
	}
	body := manifest.NewRun(*run, history)
	expID := body.ExperimentID

	src, err := e.opener.ForRun(ctx, run.Info)
	if err != nil {
		return err
	}
	dir := e.opts.Layout.RunArtifacts(expID, runID)
	if _, err := e.transfer.Download(ctx, src, dir); err != nil {
		return err
	}
	body.Artifacts, err = summarize(dir)
	if err != nil {
		return err
	}

	if nb := body.Tags[mlflow.NotebookPathTag]; nb != "" && len(e.opts.NotebookFormats) > 0 {
		body.Notebooks = e.exportNotebooks(ctx, e.opts.Layout.RunDir(expID, runID), nb)
	}

	m := manifest.RunManifest{Header: e.header(manifest.KindRun), Run: body}
	if err := manifest.WriteFile(e.opts.Layout.RunManifest(expID, runID), m); err != nil {
		return err
	}
	e.mu.Lock()
	e.runs[runID] = &body
	e.mu.Unlock()
	e.logger.Debug("run exported",
		zap.String("run_id", runID),
		zap.Int("metrics", len(body.Metrics)),
		zap.Int("artifacts", body.Artifacts.Files))
	return nil
}

// exportNotebooks writes the run's notebook in each configured format.
// Failures are logged and leave the format out.
func (e *Exporter) exportNotebooks(ctx context.Context, runDir, nbPath string) []string {
	var names []string
	for _, format := range e.opts.NotebookFormats {
		format = strings.ToUpper(format)
		data, err := e.client.ExportNotebook(ctx, nbPath, format)
		if err != nil {
			e.logger.Warn("notebook export failed",
				zap.String("notebook", nbPath), zap.String("format", format), zap.Error(err))
			continue
		}
		name := path.Base(nbPath) + mlflow.NotebookExt[format]
		dst := filepath.Join(runDir, manifest.NotebooksDir, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
			err = os.WriteFile(dst, data, 0o644)
		}
		if err != nil {
			e.logger.Warn("notebook write failed", zap.String("path", dst), zap.Error(err))
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportExperiment writes an experiment manifest embedding the runs of
// runIDs exported earlier in the batch.
func (e *Exporter) ExportExperiment(ctx context.Context, expID string, runIDs []string) error {
	exp, err := e.client.GetExperiment(ctx, expID)
	if err != nil {
		return err
	}
	var runs []manifest.Run
	var failed []string
	for _, id := range runIDs {
		if r := e.run(id); r != nil {
			runs = append(runs, *r)
		} else {
			failed = append(failed, id)
		}
	}
	body := manifest.NewExperiment(*exp, runs)
	sort.Strings(failed)
	body.FailedRuns = failed

	if e.opts.ExportPermissions {
		perms, err := e.client.GetExperimentPermissions(ctx, expID)
		if err != nil {
			e.logger.Warn("experiment permissions not exported",
				zap.String("experiment_id", expID), zap.Error(err))
		} else {
			body.Permissions = perms
		}
	}

	m := manifest.ExperimentManifest{Header: e.header(manifest.KindExperiment), Experiment: body}
	return manifest.WriteFile(e.opts.Layout.ExperimentManifest(expID), m)
}

// ExportVersion writes a version manifest. runID is the backing run when it
// was exported in this batch, or "" when the run is absent from the source.
func (e *Exporter) ExportVersion(ctx context.Context, model, number, runID string) error {
	mv, err := e.client.GetModelVersion(ctx, model, number)
	if err != nil {
		return err
	}
	var run *manifest.Run
	if runID != "" {
		if run = e.run(runID); run == nil {
			return errs.Errorf(errs.KindUpstreamFailed, "export version", "run %s of %s/%s was not exported", runID, model, number)
		}
	}
	var artifactURI string
	if run != nil {
		artifactURI = run.ArtifactURI
	}
	body := manifest.NewVersion(*mv, run, artifactURI)
	if body.RunRef.RunAbsent {
		e.logger.Warn("backing run absent",
			zap.String("model", model), zap.String("version", number), zap.String("run_id", mv.RunID))
	}

	layout := e.opts.Layout
	if e.opts.ExportVersionModel || body.RunRef.RunAbsent {
		dir := layout.VersionArtifacts(model, number)
		body.Artifacts, err = e.mirrorSource(ctx, *mv, dir)
		if err != nil {
			if !body.RunRef.RunAbsent {
				return err
			}
			e.logger.Warn("version source not mirrored",
				zap.String("model", model), zap.String("version", number), zap.Error(err))
		}
	}

	m := manifest.VersionManifest{Header: e.header(manifest.KindVersion), Version: body}
	if err := manifest.WriteFile(layout.VersionManifest(model, number), m); err != nil {
		return err
	}
	if run != nil {
		rm := manifest.RunManifest{Header: e.header(manifest.KindRun), Run: *run}
		if err := manifest.WriteFile(layout.VersionRunManifest(model, number), rm); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.versions[model+"/"+number] = &body
	e.mu.Unlock()
	return nil
}

func (e *Exporter) mirrorSource(ctx context.Context, mv mlflow.ModelVersion, dir string) (*manifest.Artifacts, error) {
	src, err := e.opener.ForSource(ctx, mv.Source, mv.RunID)
	if err != nil {
		return nil, err
	}
	if _, err := e.transfer.Download(ctx, src, dir); err != nil {
		return nil, err
	}
	return summarize(dir)
}

// ExportModel writes a model manifest embedding the versions exported
// earlier in the batch.
func (e *Exporter) ExportModel(ctx context.Context, name string, versions []string) error {
	rm, err := e.client.GetRegisteredModel(ctx, name)
	if err != nil {
		return err
	}
	var bodies []manifest.Version
	var failed []string
	for _, num := range versions {
		if v := e.version(name + "/" + num); v != nil {
			bodies = append(bodies, *v)
		} else {
			failed = append(failed, num)
		}
	}
	body := manifest.NewModel(*rm, bodies)
	sort.SliceStable(failed, func(i, j int) bool { return manifest.NumericLess(failed[i], failed[j]) })
	body.FailedVersions = failed

	m := manifest.ModelManifest{Header: e.header(manifest.KindModel), Model: body}
	return manifest.WriteFile(e.opts.Layout.ModelManifest(name), m)
}

// summarize counts the files under dir. A missing dir is an empty tree.
func summarize(dir string) (*manifest.Artifacts, error) {
	out := &manifest.Artifacts{Path: manifest.ArtifactsDir}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".partial") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out.Files++
		out.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "summarize artifacts", err)
	}
	return out, nil
}
