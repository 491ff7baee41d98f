// Package engine runs export, import and copy batches: it turns a command's
// selection into a dependency graph, schedules one task per object and
// records every transition in the batch record.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/artifacts"
	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/metrics"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/resolver"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
)

// ReasonNotFound is recorded for selected objects that do not exist.
const ReasonNotFound = "not_found"

// Engine runs batches against one tracking server.
type Engine struct {
	cfg      *config.Config
	client   *mlflow.Client
	opener   *artifacts.Opener
	transfer *artifacts.Transfer
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New creates an Engine. cfg supplies scheduler, artifact and tracking
// settings; m may be nil.
func New(cfg *config.Config, client *mlflow.Client, logger *zap.Logger, m *metrics.Collector) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		opener:   artifacts.NewOpener(client, cfg.Artifacts, logger),
		transfer: artifacts.NewTransfer(cfg.Artifacts.Workers, client.Retryer(), logger, m),
		logger:   logger.With(zap.String("component", "engine")),
		metrics:  m,
	}
}

// Client returns the engine's tracking client.
func (e *Engine) Client() *mlflow.Client {
	return e.client
}

// TrackingURI is the configured tracking URI, or the client host.
func (e *Engine) TrackingURI() string {
	if e.cfg.Tracking.URI != "" {
		return e.cfg.Tracking.URI
	}
	return e.client.Host()
}

// missing is a selected token that did not resolve to an object.
type missing struct {
	kind  string
	token string
	err   error
}

// batch ties a resolver graph to the scheduler and the batch record.
type batch struct {
	graph  *resolver.Graph
	sorted []*resolver.Node
	writer *audit.Writer
	// paths maps node ids to their directory relative to the batch root.
	paths map[string]string
	tasks map[string]func(ctx context.Context) scheduler.Result
}

// roots lists the root nodes for manifest.json.
func (b *batch) roots() []audit.Root {
	var out []audit.Root
	for _, n := range b.graph.Roots() {
		out = append(out, audit.Root{Kind: n.Kind, SourceID: n.SourceID, RelativePath: b.paths[n.ID]})
	}
	return out
}

// index lists every object of the graph per kind. Versions are covered by
// their model.
func (b *batch) index() audit.Index {
	idx := audit.Index{}
	for _, n := range b.graph.Nodes() {
		switch n.Kind {
		case manifest.KindExperiment:
			idx.Experiments = append(idx.Experiments, n.SourceID)
		case manifest.KindRun:
			idx.Runs = append(idx.Runs, n.SourceID)
		case manifest.KindModel:
			idx.Models = append(idx.Models, n.SourceID)
		}
	}
	sort.SliceStable(idx.Experiments, func(i, j int) bool {
		return manifest.NumericLess(idx.Experiments[i], idx.Experiments[j])
	})
	sort.Strings(idx.Runs)
	sort.Strings(idx.Models)
	return idx
}

// run schedules every node and feeds the writer. Tokens that did not resolve
// are recorded as failed roots first.
func (e *Engine) run(ctx context.Context, b *batch, unresolved []missing) error {
	for _, m := range unresolved {
		b.writer.Queued(m.kind, m.token, true)
		entry := audit.Entry{
			Kind:     m.kind,
			SourceID: m.token,
			Root:     true,
			Outcome:  audit.StateFailed,
			Reason:   ReasonNotFound,
			Error:    m.err.Error(),
		}
		if k := errs.KindOf(m.err); k != errs.KindNotFound {
			entry.Reason = string(k)
		}
		b.writer.Finish(entry)
		e.logger.Error("object failed",
			zap.String("kind", m.kind), zap.String("id", m.token), zap.Error(m.err))
	}

	byID := make(map[string]*resolver.Node, len(b.sorted))
	nodes := make([]*scheduler.Node, 0, len(b.sorted))
	for _, n := range b.sorted {
		byID[n.ID] = n
		b.writer.Queued(n.Kind, n.SourceID, n.Root)
		nodes = append(nodes, &scheduler.Node{
			ID:    n.ID,
			Kind:  n.Kind,
			Deps:  n.Deps,
			After: n.After,
			Task:  b.tasks[n.ID],
		})
	}

	hooks := scheduler.Hooks{
		OnStart: func(n *scheduler.Node) {
			rn := byID[n.ID]
			b.writer.Started(rn.Kind, rn.SourceID)
		},
		OnFinish: func(n *scheduler.Node, r scheduler.Result, d time.Duration) {
			rn := byID[n.ID]
			entry := audit.Entry{
				Kind:         rn.Kind,
				SourceID:     rn.SourceID,
				RelativePath: b.paths[rn.ID],
				Root:         rn.Root,
				Outcome:      string(r.Status),
				Reason:       r.Reason,
				TargetID:     r.TargetID,
				Note:         r.Note,
				DurationMs:   d.Milliseconds(),
			}
			if entry.Note == "" {
				entry.Note = rn.Note
			}
			if r.Err != nil {
				entry.Error = r.Err.Error()
			}
			b.writer.Finish(entry)
		},
	}
	sch := scheduler.New(&e.cfg.Scheduler, e.logger, e.metrics)
	_, err := sch.Run(ctx, nodes, hooks)
	return err
}

// taskResult maps a task error to a result.
func taskResult(op string, err error) scheduler.Result {
	if err != nil {
		return scheduler.Failed(errs.E(errs.KindOf(err), op, err))
	}
	return scheduler.OK("")
}

func firstFailure(entries []audit.Entry) string {
	if len(entries) == 0 {
		return "no outcome recorded"
	}
	f := entries[0]
	return fmt.Sprintf("%s %s: %s", f.Kind, f.SourceID, f.Error)
}
