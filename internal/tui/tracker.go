package tui

import (
	"sort"

	"github.com/fentz26/mlflow-exim/internal/audit"
)

// maxRecent bounds the finished objects kept for display.
const maxRecent = 8

// Tracker folds progress events into per-batch counts. A progress log that
// holds several batches is tracked from the latest batch id seen.
type Tracker struct {
	BatchID string

	Roots        audit.Counts
	Dependencies audit.Counts

	queuedRoots int
	root        map[string]bool
	state       map[string]string
	active      map[string]audit.Event
	recent      []audit.Event
	failures    []audit.Event
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.reset("")
	return t
}

func (t *Tracker) reset(batchID string) {
	*t = Tracker{
		BatchID: batchID,
		root:    make(map[string]bool),
		state:   make(map[string]string),
		active:  make(map[string]audit.Event),
	}
}

// Apply records one event.
func (t *Tracker) Apply(e audit.Event) {
	if e.BatchID != "" && e.BatchID != t.BatchID {
		t.reset(e.BatchID)
	}
	k := e.Kind + ":" + e.SourceID
	prev := t.state[k]
	if isTerminal(prev) {
		return
	}
	t.state[k] = e.State

	switch e.State {
	case audit.StateQueued:
		if e.Root && !t.root[k] {
			t.root[k] = true
			t.queuedRoots++
		}
	case audit.StateStarted:
		t.active[k] = e
	default:
		delete(t.active, k)
		if t.root[k] || e.Root {
			t.Roots = tally(t.Roots, e.State)
		} else {
			t.Dependencies = tally(t.Dependencies, e.State)
		}
		t.recent = append(t.recent, e)
		if len(t.recent) > maxRecent {
			t.recent = t.recent[len(t.recent)-maxRecent:]
		}
		if e.State == audit.StateFailed {
			t.failures = append(t.failures, e)
		}
	}
}

func isTerminal(state string) bool {
	return state == audit.StateOK || state == audit.StateSkipped || state == audit.StateFailed
}

func tally(c audit.Counts, state string) audit.Counts {
	c.Total++
	switch state {
	case audit.StateOK:
		c.OK++
	case audit.StateSkipped:
		c.Skipped++
	default:
		c.Failed++
	}
	return c
}

// QueuedRoots is the number of roots enumerated so far.
func (t *Tracker) QueuedRoots() int {
	return t.queuedRoots
}

// Percent is the finished share of the enumerated roots.
func (t *Tracker) Percent() float64 {
	if t.queuedRoots == 0 {
		return 0
	}
	return float64(t.Roots.Total) / float64(t.queuedRoots)
}

// Active returns the objects currently being worked on, by kind and id.
func (t *Tracker) Active() []audit.Event {
	out := make([]audit.Event, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// Recent returns the last finished objects, oldest first.
func (t *Tracker) Recent() []audit.Event {
	return append([]audit.Event(nil), t.recent...)
}

// Failures returns every failed object in the order they failed.
func (t *Tracker) Failures() []audit.Event {
	return append([]audit.Event(nil), t.failures...)
}
