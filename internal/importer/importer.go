// Package importer replays exported manifests onto a target tracking server.
//
// Every import is idempotent against the ledger: source ids map to target
// ids once an object is complete, and a rerun reports those objects as
// skipped with reason "exists". Runs move through created, logged and
// complete stages so an interrupted run is either resumed (artifact uploads)
// or recreated (partially logged data).
package importer

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/artifacts"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
	"github.com/fentz26/mlflow-exim/internal/store"
)

// Reasons and notes attached to import results.
const (
	ReasonExists = "exists"
	NoteReused   = "reused"
	NoteRecreate = "recreated"
)

// DefaultPlaceholderExperiment receives synthesized runs when no destination
// experiment name is configured.
const DefaultPlaceholderExperiment = "mlflow-exim-placeholders"

// PlaceholderTag marks runs synthesized for versions whose run was absent.
const PlaceholderTag = manifest.CopyTagPrefix + "placeholder"

// kindPlaceholder keys synthesized runs in the ledger by source version.
const kindPlaceholder = "placeholder"

// Options controls how manifests are replayed.
type Options struct {
	// ExperimentName overrides the destination experiment of every imported
	// experiment and standalone run.
	ExperimentName string
	// ModelName overrides the destination model name.
	ModelName string
	// CopyTags writes mlflow_exim.* provenance tags on created objects.
	CopyTags          bool
	ImportPermissions bool
	// DeleteModel deletes an existing destination model before importing it.
	DeleteModel bool
	// SynthesizeRuns creates a placeholder run for versions whose backing run
	// is absent, instead of failing them.
	SynthesizeRuns bool
	// NotebookDir is a workspace directory that receives the exported
	// notebooks of imported runs. Empty skips notebooks.
	NotebookDir string
}

// Importer imports objects into one target server.
type Importer struct {
	client   *mlflow.Client
	opener   *artifacts.Opener
	transfer *artifacts.Transfer
	ledger   *store.Store
	opts     Options
	logger   *zap.Logger

	mu sync.Mutex
	// placeholderExp caches the destination experiment of synthesized runs.
	placeholderExp string
}

// New creates an Importer.
func New(client *mlflow.Client, opener *artifacts.Opener, transfer *artifacts.Transfer, ledger *store.Store, opts Options, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		client:   client,
		opener:   opener,
		transfer: transfer,
		ledger:   ledger,
		opts:     opts,
		logger:   logger.With(zap.String("component", "importer")),
	}
}

func (i *Importer) targetModel(source string) string {
	if i.opts.ModelName != "" {
		return i.opts.ModelName
	}
	return source
}

// withCopyTags returns tags plus the provenance tags built by copy when copy
// tags are enabled.
func (i *Importer) withCopyTags(tags map[string]string, copy func() map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	if i.opts.CopyTags {
		for k, v := range copy() {
			out[k] = v
		}
	}
	return out
}

// tagList converts a tag map to a list sorted by key.
func tagList(m map[string]string) []mlflow.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]mlflow.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, mlflow.Tag{Key: k, Value: m[k]})
	}
	return out
}

func failed(op string, err error) scheduler.Result {
	return scheduler.Failed(errs.E(errs.KindOf(err), op, err))
}

// ensureExperiment returns the id of the experiment called name, creating it
// when missing and restoring it when deleted. created reports whether this
// call created it.
func (i *Importer) ensureExperiment(ctx context.Context, name string, tags []mlflow.Tag) (exp *mlflow.Experiment, created bool, err error) {
	exp, err = i.client.GetExperimentByName(ctx, name)
	if err == nil {
		if exp.LifecycleStage == mlflow.LifecycleDeleted {
			if err := i.client.RestoreExperiment(ctx, exp.ExperimentID); err != nil {
				return nil, false, err
			}
			exp.LifecycleStage = mlflow.LifecycleActive
			i.logger.Info("restored deleted experiment",
				zap.String("experiment_id", exp.ExperimentID), zap.String("name", name))
		}
		return exp, false, nil
	}
	if !errs.IsNotFound(err) {
		return nil, false, err
	}
	id, err := i.client.CreateExperiment(ctx, name, "", tags)
	if errs.IsAlreadyExists(err) {
		// Another node created it first.
		exp, err = i.client.GetExperimentByName(ctx, name)
		return exp, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return &mlflow.Experiment{ExperimentID: id, Name: name, Tags: tags}, true, nil
}
