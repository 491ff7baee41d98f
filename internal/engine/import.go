package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/importer"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/resolver"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
	"github.com/fentz26/mlflow-exim/internal/store"
)

// lockTTL bounds how long a crashed import keeps its record directory locked.
const lockTTL = 30 * time.Minute

// holdLock renews a record lock every ttl/3 until stop is called. Losing the
// lock calls lost, which stops dispatch of the batch.
func holdLock(ctx context.Context, ledger *store.Store, lockID string, ttl time.Duration, lost func(error), logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := ledger.RenewLock(ctx, lockID, ttl)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrLockLost):
				logger.Error("record lock lost, stopping import", zap.String("lock_id", lockID))
				lost(err)
				return
			default:
				logger.Warn("record lock not renewed", zap.String("lock_id", lockID), zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ImportRequest selects what an import replays from an export directory.
type ImportRequest struct {
	Command  string `json:"command"`
	InputDir string `json:"input_dir"`
	// RecordDir holds the import's batch record and ledger. It defaults to
	// a directory under InputDir keyed by the target tracking URI.
	RecordDir string `json:"record_dir,omitempty"`
	// Experiments imports every exported experiment and run.
	Experiments bool `json:"experiments"`
	// Models imports every exported model with the runs its versions need.
	Models  bool             `json:"models"`
	Options importer.Options `json:"options"`
}

func (r ImportRequest) filters() map[string]string {
	out := map[string]string{}
	if r.Options.ExperimentName != "" {
		out["experiment_name"] = r.Options.ExperimentName
	}
	if r.Options.ModelName != "" {
		out["model_name"] = r.Options.ModelName
	}
	return out
}

// loader reads the selection of an import from an export directory.
type loader struct {
	layout manifest.Layout

	sel     resolver.Selection
	missing []missing
	runExp  map[string]string
	exps    map[string]*manifest.ExperimentManifest
	models  map[string]*manifest.ModelManifest
}

func newLoader(dir string) *loader {
	return &loader{
		layout: manifest.Layout{Root: dir},
		runExp: make(map[string]string),
		exps:   make(map[string]*manifest.ExperimentManifest),
		models: make(map[string]*manifest.ModelManifest),
	}
}

// loadExperiments selects every exported experiment with its runs. Runs
// exported without their experiment are selected on their own.
func (l *loader) loadExperiments() error {
	ids, err := l.layout.ExperimentIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		runIDs, err := l.layout.RunIDs(id)
		if err != nil {
			return err
		}
		m, err := manifest.ReadExperiment(l.layout.ExperimentManifest(id))
		switch {
		case err == nil:
			l.exps[id] = m
			es := resolver.ExperimentSel{ID: id}
			for _, r := range runIDs {
				l.runExp[r] = id
				es.Runs = append(es.Runs, resolver.RunSel{ID: r, ExperimentID: id})
			}
			l.sel.Experiments = append(l.sel.Experiments, es)
		case errs.IsNotFound(err):
			for _, r := range runIDs {
				l.runExp[r] = id
				l.sel.Runs = append(l.sel.Runs, resolver.RunSel{ID: r, ExperimentID: id})
			}
		default:
			l.missing = append(l.missing, missing{kind: manifest.KindExperiment, token: id, err: err})
		}
	}
	return nil
}

// loadModels selects every exported model with the versions its manifest lists.
func (l *loader) loadModels() error {
	names, err := l.layout.ModelNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		m, err := manifest.ReadModel(l.layout.ModelManifest(name))
		if err != nil {
			l.missing = append(l.missing, missing{kind: manifest.KindModel, token: name, err: err})
			continue
		}
		l.models[name] = m
		ms := resolver.ModelSel{Name: name}
		for _, v := range m.Model.Versions {
			vs := resolver.VersionSel{Model: name, Version: v.Version}
			if ref := v.RunRef; !ref.RunAbsent {
				vs.Run = &resolver.RunSel{ID: ref.RunID, ExperimentID: ref.ExperimentID}
				if _, ok := l.runExp[ref.RunID]; !ok {
					l.runExp[ref.RunID] = ref.ExperimentID
				}
			}
			ms.Versions = append(ms.Versions, vs)
		}
		l.sel.Models = append(l.sel.Models, ms)
	}
	return nil
}

// experimentManifest returns the manifest of a pulled or selected
// experiment, or nil when only its runs were exported.
func (l *loader) experimentManifest(id string) (*manifest.ExperimentManifest, error) {
	if m, ok := l.exps[id]; ok {
		return m, nil
	}
	m, err := manifest.ReadExperiment(l.layout.ExperimentManifest(id))
	if errs.IsNotFound(err) {
		return nil, nil
	}
	return m, err
}

// Import replays an export directory onto the engine's server and returns
// the batch summary.
func (e *Engine) Import(ctx context.Context, req ImportRequest) (*audit.Summary, error) {
	if req.InputDir == "" {
		return nil, errs.Errorf(errs.KindInvalid, "import", "input directory is required")
	}
	if st, err := os.Stat(req.InputDir); err != nil || !st.IsDir() {
		return nil, errs.Errorf(errs.KindInvalid, "import", "input directory %s does not exist", req.InputDir)
	}
	recordDir := req.RecordDir
	if recordDir == "" {
		recordDir = audit.ImportDir(req.InputDir, e.TrackingURI())
	}
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return nil, errs.E(errs.KindPermanent, "import", err)
	}

	l := newLoader(req.InputDir)
	if req.Experiments {
		if err := l.loadExperiments(); err != nil {
			return nil, errs.E(errs.KindPermanent, "import", err)
		}
	}
	if req.Models {
		if err := l.loadModels(); err != nil {
			return nil, errs.E(errs.KindPermanent, "import", err)
		}
	}
	g := resolver.ForImport(l.sel)
	sorted, err := g.Sorted()
	if err != nil {
		return nil, err
	}

	ledger, err := store.New(filepath.Join(recordDir, manifest.LedgerFile))
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "import", err)
	}
	defer ledger.Close()

	batchID := uuid.New().String()
	lock, err := ledger.AcquireLock(ctx, recordDir, batchID, lockTTL)
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "import", fmt.Errorf("record directory %s: %w", recordDir, err))
	}
	defer ledger.ReleaseLock(context.WithoutCancel(ctx), lock.ID)

	ctx, lost := context.WithCancelCause(ctx)
	defer lost(nil)
	stop := holdLock(ctx, ledger, lock.ID, lockTTL, lost, e.logger)
	defer stop()

	imp := importer.New(e.client, e.opener, e.transfer, ledger, req.Options, e.logger)
	layout := l.layout
	b := &batch{
		graph:  g,
		sorted: sorted,
		paths:  make(map[string]string, g.Len()),
		tasks:  make(map[string]func(ctx context.Context) scheduler.Result, g.Len()),
	}
	for _, n := range sorted {
		switch n.Kind {
		case manifest.KindExperiment:
			b.paths[n.ID] = layout.Rel(layout.ExperimentDir(n.SourceID))
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				m, err := l.experimentManifest(n.SourceID)
				if err != nil {
					return taskResult("import experiment "+n.SourceID, err)
				}
				return imp.ImportExperiment(ctx, n.SourceID, m)
			}
		case manifest.KindRun:
			expID := l.runExp[n.SourceID]
			b.paths[n.ID] = layout.Rel(layout.RunDir(expID, n.SourceID))
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				m, err := manifest.ReadRun(layout.RunManifest(expID, n.SourceID))
				if err != nil {
					return taskResult("import run "+n.SourceID, err)
				}
				return imp.ImportRun(ctx, m, layout.RunArtifacts(expID, n.SourceID))
			}
		case manifest.KindVersion:
			model, number := splitVersion(n.SourceID)
			dir := layout.VersionDir(model, number)
			b.paths[n.ID] = layout.Rel(dir)
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				m, err := manifest.ReadVersion(layout.VersionManifest(model, number))
				if err != nil {
					return taskResult("import version "+n.SourceID, err)
				}
				return imp.ImportVersion(ctx, m, dir)
			}
		case manifest.KindModel:
			b.paths[n.ID] = layout.Rel(layout.ModelDir(n.SourceID))
			m := l.models[n.SourceID]
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				return imp.ImportModel(ctx, m)
			}
		}
	}

	w, err := audit.Open(ctx, recordDir, audit.BatchManifest{
		BatchID:     batchID,
		TrackingURI: e.TrackingURI(),
		Command:     req.Command,
		Filters:     req.filters(),
		InputsHash:  audit.HashInputs(req),
		Roots:       b.roots(),
		Index:       b.index(),
	}, ledger, e.logger)
	if err != nil {
		return nil, err
	}
	b.writer = w

	runErr := e.run(ctx, b, l.missing)
	sum, err := w.Close(context.WithoutCancel(ctx))
	if runErr != nil {
		return sum, runErr
	}
	if err != nil {
		e.logger.Error("batch record incomplete", zap.Error(err))
	}
	return sum, err
}
