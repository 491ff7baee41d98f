package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// orderLog records task start order.
type orderLog struct {
	mu    sync.Mutex
	order []string
}

func (l *orderLog) task(id string, r Result) func(context.Context) Result {
	return func(context.Context) Result {
		l.mu.Lock()
		l.order = append(l.order, id)
		l.mu.Unlock()
		return r
	}
}

func (l *orderLog) indexOf(id string) int {
	for i, v := range l.order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestRunRespectsDependencies(t *testing.T) {
	log := &orderLog{}
	nodes := []*Node{
		{ID: "version:M/1", Kind: "version", Deps: []string{"model:M", "run:R"}, Task: log.task("version:M/1", OK("M/1"))},
		{ID: "version:M/2", Kind: "version", Deps: []string{"model:M", "run:R"}, Task: log.task("version:M/2", OK("M/2"))},
		{ID: "run:R", Kind: "run", Deps: []string{"experiment:E"}, Task: log.task("run:R", OK("R2"))},
		{ID: "experiment:E", Kind: "experiment", Task: log.task("experiment:E", OK("E2"))},
		{ID: "model:M", Kind: "model", Task: log.task("model:M", OK("M"))},
	}

	sch := New(&Config{Workers: 4}, nil, nil)
	results, err := sch.Run(context.Background(), nodes, Hooks{})
	require.NoError(t, err)
	require.Len(t, results, 5)

	for id, r := range results {
		assert.Equal(t, StatusOK, r.Status, id)
	}
	assert.Less(t, log.indexOf("experiment:E"), log.indexOf("run:R"))
	assert.Less(t, log.indexOf("run:R"), log.indexOf("version:M/1"))
	assert.Less(t, log.indexOf("run:R"), log.indexOf("version:M/2"))
	assert.Less(t, log.indexOf("model:M"), log.indexOf("version:M/1"))
	assert.Equal(t, "R2", results["run:R"].TargetID)
}

func TestRunSkipsDependentsOfFailure(t *testing.T) {
	ran := map[string]bool{}
	var mu sync.Mutex
	task := func(id string, r Result) func(context.Context) Result {
		return func(context.Context) Result {
			mu.Lock()
			ran[id] = true
			mu.Unlock()
			return r
		}
	}
	nodes := []*Node{
		{ID: "run:R", Kind: "run", Task: task("run:R", Failed(errs.Errorf(errs.KindPermissionDenied, "create run", "denied")))},
		{ID: "version:1", Kind: "version", Deps: []string{"run:R"}, Task: task("version:1", OK("1"))},
		{ID: "alias:1", Kind: "alias", Deps: []string{"version:1"}, Task: task("alias:1", OK("a"))},
		{ID: "run:S", Kind: "run", Task: task("run:S", OK("S2"))},
		{ID: "version:2", Kind: "version", Deps: []string{"run:S"}, Task: task("version:2", OK("2"))},
	}

	results, err := New(nil, nil, nil).Run(context.Background(), nodes, Hooks{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, results["run:R"].Status)
	assert.Equal(t, string(errs.KindPermissionDenied), results["run:R"].Reason)

	assert.Equal(t, StatusSkipped, results["version:1"].Status)
	assert.Equal(t, ReasonUpstreamFailed, results["version:1"].Reason)
	assert.Equal(t, StatusSkipped, results["alias:1"].Status)
	assert.Equal(t, ReasonUpstreamFailed, results["alias:1"].Reason)
	assert.False(t, ran["version:1"])
	assert.False(t, ran["alias:1"])

	assert.Equal(t, StatusOK, results["version:2"].Status)
}

func TestRunSkippedPredecessorDoesNotBlock(t *testing.T) {
	nodes := []*Node{
		{ID: "model:M", Kind: "model", Task: func(context.Context) Result { return Skipped("exists", "M") }},
		{ID: "version:1", Kind: "version", Deps: []string{"model:M"}, Task: func(context.Context) Result { return OK("1") }},
	}
	results, err := New(nil, nil, nil).Run(context.Background(), nodes, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, results["version:1"].Status)
}

func TestRunAfterOrdersWithoutBlocking(t *testing.T) {
	log := &orderLog{}
	failure := errs.Errorf(errs.KindNotFound, "get", "gone")
	nodes := []*Node{
		{ID: "version:3", Kind: "version", After: []string{"version:2"}, Task: log.task("version:3", OK("3"))},
		{ID: "version:2", Kind: "version", After: []string{"version:1"}, Task: log.task("version:2", Failed(failure))},
		{ID: "version:1", Kind: "version", Task: log.task("version:1", OK("1"))},
		{ID: "model:M", Kind: "model", After: []string{"version:1", "version:2", "version:3"}, Task: log.task("model:M", OK("M"))},
	}
	results, err := New(&Config{Workers: 4}, nil, nil).Run(context.Background(), nodes, Hooks{})
	require.NoError(t, err)

	assert.Equal(t, []string{"version:1", "version:2", "version:3", "model:M"}, log.order)
	assert.Equal(t, StatusFailed, results["version:2"].Status)
	assert.Equal(t, StatusOK, results["version:3"].Status)
	assert.Equal(t, StatusOK, results["model:M"].Status)
}

func TestRunCancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	started := make(chan struct{})

	nodes := []*Node{
		{ID: "a", Kind: "run", Task: func(ctx context.Context) Result {
			close(started)
			<-release
			// In-flight tasks never observe the batch cancellation.
			if ctx.Err() != nil {
				return Failed(ctx.Err())
			}
			return OK("a2")
		}},
		{ID: "b", Kind: "run", Deps: []string{"a"}, Task: func(context.Context) Result { return OK("b2") }},
		{ID: "c", Kind: "run", Deps: []string{"a"}, Task: func(context.Context) Result { return OK("c2") }},
	}

	sch := New(&Config{Workers: 1}, nil, nil)
	var results map[string]Result
	var runErr error
	finished := make(chan struct{})
	go func() {
		results, runErr = sch.Run(ctx, nodes, Hooks{})
		close(finished)
	}()

	<-started
	cancel()
	// Let the dispatcher observe the cancellation before the task completes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-finished

	require.NoError(t, runErr)
	assert.Equal(t, StatusOK, results["a"].Status)
	for _, id := range []string{"b", "c"} {
		assert.Equal(t, StatusFailed, results[id].Status, id)
		assert.Equal(t, ReasonInterrupted, results[id].Reason, id)
		assert.True(t, errs.Is(results[id].Err, errs.KindCancelled), id)
	}
}

func TestRunAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	nodes := []*Node{{ID: "a", Kind: "run", Task: func(context.Context) Result {
		called = true
		return OK("")
	}}}
	results, err := New(nil, nil, nil).Run(ctx, nodes, Hooks{})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, ReasonInterrupted, results["a"].Reason)
}

func TestRunRecoversPanics(t *testing.T) {
	nodes := []*Node{
		{ID: "a", Kind: "run", Task: func(context.Context) Result { panic("boom") }},
		{ID: "b", Kind: "run", Deps: []string{"a"}, Task: func(context.Context) Result { return OK("") }},
	}
	results, err := New(nil, nil, nil).Run(context.Background(), nodes, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results["a"].Status)
	assert.Equal(t, ReasonPanic, results["a"].Reason)
	assert.Equal(t, ReasonUpstreamFailed, results["b"].Reason)
}

func TestRunFailedReasonFromErrorKind(t *testing.T) {
	nodes := []*Node{
		{ID: "a", Kind: "run", Task: func(context.Context) Result {
			return Result{Status: StatusFailed, Err: errs.Errorf(errs.KindTransient, "upload", "503")}
		}},
		{ID: "b", Kind: "run", Task: func(context.Context) Result {
			return Result{Status: StatusFailed, Err: context.Canceled}
		}},
	}
	results, err := New(nil, nil, nil).Run(context.Background(), nodes, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, string(errs.KindTransient), results["a"].Reason)
	assert.Equal(t, ReasonInterrupted, results["b"].Reason)
}

func TestRunRejectsInvalidGraphs(t *testing.T) {
	noop := func(context.Context) Result { return OK("") }
	tests := []struct {
		name  string
		nodes []*Node
	}{
		{"unknown dep", []*Node{{ID: "a", Task: noop, Deps: []string{"missing"}}}},
		{"duplicate id", []*Node{{ID: "a", Task: noop}, {ID: "a", Task: noop}}},
		{"cycle", []*Node{{ID: "a", Task: noop, Deps: []string{"b"}}, {ID: "b", Task: noop, Deps: []string{"a"}}}},
		{"self", []*Node{{ID: "a", Task: noop, Deps: []string{"a"}}}},
		{"after cycle", []*Node{{ID: "a", Task: noop, After: []string{"b"}}, {ID: "b", Task: noop, Deps: []string{"a"}}}},
		{"no task", []*Node{{ID: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, nil, nil).Run(context.Background(), tt.nodes, Hooks{})
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindInvalid))
		})
	}
}

func TestRunHooksAndStats(t *testing.T) {
	var starts, finishes []string
	nodes := []*Node{
		{ID: "a", Kind: "experiment", Task: func(context.Context) Result { return OK("") }},
		{ID: "b", Kind: "run", Deps: []string{"a"}, Task: func(context.Context) Result {
			return Failed(errors.New("bad manifest"))
		}},
		{ID: "c", Kind: "run", Deps: []string{"b"}, Task: func(context.Context) Result { return OK("") }},
	}
	m := metrics.New()
	sch := New(nil, nil, m)
	_, err := sch.Run(context.Background(), nodes, Hooks{
		OnStart:  func(n *Node) { starts = append(starts, n.ID) },
		OnFinish: func(n *Node, _ Result, _ time.Duration) { finishes = append(finishes, n.ID) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, starts)
	assert.Equal(t, []string{"a", "b", "c"}, finishes)

	stats := sch.GetStats()
	assert.Equal(t, 0, stats.ActiveWorkers)
	assert.Equal(t, 8, stats.Workers)
	assert.Equal(t, 1, stats.Outcomes[StatusOK])
	assert.Equal(t, 1, stats.Outcomes[StatusFailed])
	assert.Equal(t, 1, stats.Outcomes[StatusSkipped])
}

func TestKindLimit(t *testing.T) {
	cfg := &Config{Workers: 8, ByKind: map[string]int{"run": 2, "model": 20}}
	assert.Equal(t, 2, cfg.KindLimit("run"))
	assert.Equal(t, 8, cfg.KindLimit("model"))
	assert.Equal(t, 8, cfg.KindLimit("version"))
}
