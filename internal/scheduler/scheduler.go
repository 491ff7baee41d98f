package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/metrics"
)

// Status is the final state of a node.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Reasons attached to skipped and failed results by the scheduler itself.
const (
	ReasonUpstreamFailed = "upstream_failed"
	ReasonInterrupted    = "interrupted"
	ReasonPanic          = "panic"
)

// Result is what a task reports.
type Result struct {
	Status   Status
	Reason   string
	TargetID string
	Note     string
	Err      error
}

// OK is a successful result pointing at the created or written object.
func OK(targetID string) Result {
	return Result{Status: StatusOK, TargetID: targetID}
}

// Skipped is a skipped result.
func Skipped(reason, targetID string) Result {
	return Result{Status: StatusSkipped, Reason: reason, TargetID: targetID}
}

// Failed turns err into a failed result whose reason is the error kind.
func Failed(err error) Result {
	kind := errs.KindOf(err)
	reason := string(kind)
	if kind == errs.KindCancelled {
		reason = ReasonInterrupted
	}
	return Result{Status: StatusFailed, Reason: reason, Err: err}
}

// blocksDependents reports whether dependents of a node with this result must
// not run.
func (r Result) blocksDependents() bool {
	return r.Status == StatusFailed || (r.Status == StatusSkipped && r.Reason == ReasonUpstreamFailed)
}

// Node is one schedulable object.
type Node struct {
	ID   string
	Kind string
	// Deps are the IDs of nodes that must finish ok or skipped first.
	Deps []string
	// After are the IDs of nodes that must finish first, whatever their
	// outcome.
	After []string
	Task func(ctx context.Context) Result
}

// Hooks observe node transitions. They are called from the dispatcher
// goroutine, one at a time.
type Hooks struct {
	OnStart  func(n *Node)
	OnFinish func(n *Node, r Result, d time.Duration)
}

// Stats is a snapshot of scheduler state.
type Stats struct {
	ActiveWorkers int
	Workers       int
	KindCounts    map[string]int
	Outcomes      map[Status]int
}

// Scheduler dispatches nodes in dependency order.
type Scheduler struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu            sync.Mutex
	activeWorkers int
	kindCounts    map[string]int
	outcomes      map[Status]int
}

// New creates a new scheduler.
func New(cfg *Config, logger *zap.Logger, m *metrics.Collector) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config:     cfg,
		logger:     logger.With(zap.String("component", "scheduler")),
		metrics:    m,
		kindCounts: make(map[string]int),
		outcomes:   make(map[Status]int),
	}
}

type edge struct {
	node *Node
	hard bool
}

type completion struct {
	node   *Node
	result Result
	took   time.Duration
}

// Run executes every node and returns the results by node ID. It returns an
// error only when the graph itself is invalid.
//
// Cancelling ctx stops dispatch. Tasks already running continue on a context
// that is not cancelled and report their own outcome; nodes never dispatched
// are failed as interrupted.
func (sch *Scheduler) Run(ctx context.Context, nodes []*Node, hooks Hooks) (map[string]Result, error) {
	if err := validate(nodes); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]edge, len(nodes))
	var ready []*Node
	for _, n := range nodes {
		indegree[n.ID] = len(n.Deps) + len(n.After)
		for _, d := range n.Deps {
			dependents[d] = append(dependents[d], edge{node: n, hard: true})
		}
		for _, d := range n.After {
			dependents[d] = append(dependents[d], edge{node: n})
		}
		if indegree[n.ID] == 0 {
			ready = append(ready, n)
		}
	}

	global := semaphore.NewWeighted(int64(sch.config.Workers))
	byKind := make(map[string]*semaphore.Weighted)
	kindSem := func(kind string) *semaphore.Weighted {
		s, ok := byKind[kind]
		if !ok {
			s = semaphore.NewWeighted(int64(sch.config.KindLimit(kind)))
			byKind[kind] = s
		}
		return s
	}

	results := make(map[string]Result, len(nodes))
	done := make(chan completion, len(nodes))
	taskCtx := context.WithoutCancel(ctx)
	inFlight := 0
	cancelled := ctx.Done()
	stopped := false

	var finish func(n *Node, r Result, took time.Duration)
	finish = func(n *Node, r Result, took time.Duration) {
		results[n.ID] = r
		sch.record(n, r, took)
		if hooks.OnFinish != nil {
			hooks.OnFinish(n, r, took)
		}
		for _, e := range dependents[n.ID] {
			dep := e.node
			if _, seen := results[dep.ID]; seen {
				continue
			}
			if e.hard && r.blocksDependents() {
				finish(dep, Result{
					Status: StatusSkipped,
					Reason: ReasonUpstreamFailed,
					Note:   fmt.Sprintf("%s %s", n.Kind, n.ID),
				}, 0)
				continue
			}
			indegree[dep.ID]--
			if indegree[dep.ID] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	for len(results) < len(nodes) {
		if !stopped && ctx.Err() != nil {
			stopped = true
			cancelled = nil
		}
		if !stopped {
			var waiting []*Node
			for _, n := range ready {
				if _, seen := results[n.ID]; seen {
					continue
				}
				if !global.TryAcquire(1) {
					waiting = append(waiting, n)
					continue
				}
				ks := kindSem(n.Kind)
				if !ks.TryAcquire(1) {
					global.Release(1)
					waiting = append(waiting, n)
					continue
				}
				inFlight++
				sch.started(n)
				if hooks.OnStart != nil {
					hooks.OnStart(n)
				}
				go func(n *Node, ks *semaphore.Weighted) {
					start := time.Now()
					r := runTask(taskCtx, n)
					ks.Release(1)
					global.Release(1)
					done <- completion{node: n, result: r, took: time.Since(start)}
				}(n, ks)
			}
			ready = waiting
		}

		if inFlight == 0 {
			if stopped || len(ready) == 0 {
				break
			}
			continue
		}

		select {
		case c := <-done:
			inFlight--
			sch.stopped(c.node)
			finish(c.node, c.result, c.took)
		case <-cancelled:
			stopped = true
			cancelled = nil
			sch.logger.Warn("batch cancelled, waiting for in-flight tasks", zap.Int("in_flight", inFlight))
		}
	}

	// Never dispatched: interrupted, not upstream_failed.
	for _, n := range nodes {
		if _, seen := results[n.ID]; seen {
			continue
		}
		r := Result{
			Status: StatusFailed,
			Reason: ReasonInterrupted,
			Err:    errs.E(errs.KindCancelled, "schedule "+n.ID, context.Canceled),
		}
		results[n.ID] = r
		sch.record(n, r, 0)
		if hooks.OnFinish != nil {
			hooks.OnFinish(n, r, 0)
		}
	}
	return results, nil
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	kinds := make(map[string]int, len(sch.kindCounts))
	for k, v := range sch.kindCounts {
		kinds[k] = v
	}
	outcomes := make(map[Status]int, len(sch.outcomes))
	for k, v := range sch.outcomes {
		outcomes[k] = v
	}
	return Stats{
		ActiveWorkers: sch.activeWorkers,
		Workers:       sch.config.Workers,
		KindCounts:    kinds,
		Outcomes:      outcomes,
	}
}

func (sch *Scheduler) started(n *Node) {
	sch.mu.Lock()
	sch.activeWorkers++
	sch.kindCounts[n.Kind]++
	sch.mu.Unlock()
	sch.metrics.WorkerStarted()
}

func (sch *Scheduler) stopped(n *Node) {
	sch.mu.Lock()
	sch.activeWorkers--
	sch.kindCounts[n.Kind]--
	sch.mu.Unlock()
	sch.metrics.WorkerDone()
}

func (sch *Scheduler) record(n *Node, r Result, took time.Duration) {
	sch.mu.Lock()
	sch.outcomes[r.Status]++
	sch.mu.Unlock()
	sch.metrics.ObserveObject(n.Kind, string(r.Status), took)

	fields := []zap.Field{
		zap.String("kind", n.Kind),
		zap.String("id", n.ID),
		zap.Duration("took", took),
	}
	if r.TargetID != "" {
		fields = append(fields, zap.String("target_id", r.TargetID))
	}
	if r.Reason != "" {
		fields = append(fields, zap.String("reason", r.Reason))
	}
	switch r.Status {
	case StatusOK:
		sch.logger.Debug("object ok", fields...)
	case StatusSkipped:
		sch.logger.Warn("object skipped", fields...)
	default:
		sch.logger.Error("object failed", append(fields, zap.Error(r.Err))...)
	}
}

func runTask(ctx context.Context, n *Node) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			r = Result{
				Status: StatusFailed,
				Reason: ReasonPanic,
				Err:    errs.Errorf(errs.KindPermanent, n.ID, "task panicked: %v", p),
			}
		}
	}()
	r = n.Task(ctx)
	if r.Status == "" {
		r.Status = StatusOK
	}
	if r.Status == StatusFailed && r.Reason == "" {
		r.Reason = Failed(r.Err).Reason
	}
	return r
}

// validate checks IDs are unique, dependencies exist and the graph is acyclic.
func validate(nodes []*Node) error {
	index := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if n.Task == nil {
			return errs.Errorf(errs.KindInvalid, "schedule", "node %s has no task", n.ID)
		}
		if _, dup := index[n.ID]; dup {
			return errs.Errorf(errs.KindInvalid, "schedule", "duplicate node %s", n.ID)
		}
		index[n.ID] = n
	}

	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		seen := make(map[string]bool, len(n.Deps)+len(n.After))
		for _, d := range append(append([]string(nil), n.Deps...), n.After...) {
			if _, ok := index[d]; !ok {
				return errs.Errorf(errs.KindInvalid, "schedule", "node %s depends on unknown node %s", n.ID, d)
			}
			if seen[d] || d == n.ID {
				return errs.Errorf(errs.KindInvalid, "schedule", "node %s lists dependency %s twice or on itself", n.ID, d)
			}
			seen[d] = true
		}
		indegree[n.ID] = len(seen)
	}
	dependents := make(map[string][]string)
	var queue []string
	for _, n := range nodes {
		for _, d := range append(append([]string(nil), n.Deps...), n.After...) {
			dependents[d] = append(dependents[d], n.ID)
		}
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(nodes) {
		return errs.Errorf(errs.KindInvalid, "schedule", "dependency cycle among %d nodes", len(nodes)-visited)
	}
	return nil
}
