package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/exporter"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/resolver"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
	"github.com/fentz26/mlflow-exim/internal/store"
	"github.com/fentz26/mlflow-exim/internal/version"
)

// ExportRequest selects what an export writes. Experiments and Models take
// ids or names, trailing-* globs, or "all".
type ExportRequest struct {
	Command     string   `json:"command"`
	OutputDir   string   `json:"output_dir"`
	Experiments []string `json:"experiments,omitempty"`
	Runs        []string `json:"runs,omitempty"`
	Models      []string `json:"models,omitempty"`
	// Versions restricts the versions of selected models.
	Versions []string `json:"versions,omitempty"`
	// Filter is a server search filter applied to "all" and glob selections.
	Filter string   `json:"filter,omitempty"`
	Stages []string `json:"stages,omitempty"`
	// ViewType selects runs by lifecycle stage; ACTIVE_ONLY by default.
	ViewType           string   `json:"view_type,omitempty"`
	NotebookFormats    []string `json:"notebook_formats,omitempty"`
	ExportPermissions  bool     `json:"export_permissions,omitempty"`
	ExportVersionModel bool     `json:"export_version_model,omitempty"`
}

func (r ExportRequest) filters() map[string]string {
	out := map[string]string{}
	set := func(k string, v []string) {
		if len(v) > 0 {
			out[k] = strings.Join(v, ",")
		}
	}
	set("experiments", r.Experiments)
	set("runs", r.Runs)
	set("models", r.Models)
	set("versions", r.Versions)
	set("stages", r.Stages)
	if r.Filter != "" {
		out["filter"] = r.Filter
	}
	if r.ViewType != "" {
		out["view_type"] = r.ViewType
	}
	return out
}

// Export writes the selected objects under req.OutputDir and returns the
// batch summary. Objects that fail are reported in the summary; the error
// is reserved for failures of the batch itself.
func (e *Engine) Export(ctx context.Context, req ExportRequest) (*audit.Summary, error) {
	if req.OutputDir == "" {
		return nil, errs.Errorf(errs.KindInvalid, "export", "output directory is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, errs.E(errs.KindPermanent, "export", err)
	}

	s := newSelector(e.client, req)
	if err := s.experiments(ctx, req.Experiments); err != nil {
		return nil, err
	}
	if err := s.runs(ctx, req.Runs); err != nil {
		return nil, err
	}
	if err := s.models(ctx, req.Models); err != nil {
		return nil, err
	}

	g := resolver.ForExport(s.sel)
	sorted, err := g.Sorted()
	if err != nil {
		return nil, err
	}

	ledger, err := store.New(filepath.Join(req.OutputDir, manifest.LedgerFile))
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "export", err)
	}
	defer ledger.Close()

	started := time.Now()
	batchID := uuid.New().String()
	layout := manifest.Layout{Root: req.OutputDir}
	exp := exporter.New(e.client, e.opener, e.transfer, exporter.Options{
		Layout: layout,
		Provenance: manifest.Provenance{
			Tool:        version.UserAgent(),
			TrackingURI: e.TrackingURI(),
			ExportedAt:  started.UnixMilli(),
			BatchID:     batchID,
		},
		NotebookFormats:    req.NotebookFormats,
		ExportPermissions:  req.ExportPermissions,
		ExportVersionModel: req.ExportVersionModel,
	}, e.logger)

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
			var runIDs []string
			for _, r := range g.Linked(n, manifest.KindRun) {
				runIDs = append(runIDs, r.SourceID)
			}
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				return taskResult("export experiment "+n.SourceID, exp.ExportExperiment(ctx, n.SourceID, runIDs))
			}
		case manifest.KindRun:
			b.paths[n.ID] = layout.Rel(layout.RunDir(s.runExp[n.SourceID], n.SourceID))
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				return taskResult("export run "+n.SourceID, exp.ExportRun(ctx, n.SourceID))
			}
		case manifest.KindVersion:
			model, number := splitVersion(n.SourceID)
			b.paths[n.ID] = layout.Rel(layout.VersionDir(model, number))
			runID := s.versionRun[n.SourceID]
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				return taskResult("export version "+n.SourceID, exp.ExportVersion(ctx, model, number, runID))
			}
		case manifest.KindModel:
			b.paths[n.ID] = layout.Rel(layout.ModelDir(n.SourceID))
			var numbers []string
			for _, v := range g.Linked(n, manifest.KindVersion) {
				_, num := splitVersion(v.SourceID)
				numbers = append(numbers, num)
			}
			b.tasks[n.ID] = func(ctx context.Context) scheduler.Result {
				return taskResult("export model "+n.SourceID, exp.ExportModel(ctx, n.SourceID, numbers))
			}
		}
	}

	w, err := audit.Open(ctx, req.OutputDir, audit.BatchManifest{
		BatchID:     batchID,
		InvokedAt:   started.UnixMilli(),
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

	runErr := e.run(ctx, b, s.missing)
	sum, err := w.Close(context.WithoutCancel(ctx))
	if runErr != nil {
		return sum, runErr
	}
	if err != nil {
		e.logger.Error("batch record incomplete", zap.Error(err))
	}
	return sum, err
}

// splitVersion splits "<model>/<version>" on its last slash.
func splitVersion(id string) (model, number string) {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return id, ""
	}
	return id[:i], id[i+1:]
}
