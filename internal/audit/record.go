// Package audit writes the batch record of an export or import: the root
// manifest.json, the tailable progress.jsonl and the final summary.json.
//
// Workers never touch the files. They hand transitions to a Writer, whose
// single goroutine appends them in order.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/store"
	"github.com/fentz26/mlflow-exim/internal/version"
)

// Progress states.
const (
	StateQueued  = "queued"
	StateStarted = "started"
	StateOK      = "ok"
	StateSkipped = "skipped"
	StateFailed  = "failed"
)

// Root is one enumerated root of a batch.
type Root struct {
	Kind         string `json:"kind"`
	SourceID     string `json:"source_id"`
	RelativePath string `json:"relative_path"`
}

// Index lists the objects of a batch per kind.
type Index struct {
	Experiments []string `json:"experiments"`
	Runs        []string `json:"runs"`
	Models      []string `json:"models"`
}

// BatchManifest is manifest.json.
type BatchManifest struct {
	Schema      string `json:"schema"`
	Tool        string `json:"tool"`
	ToolVersion string `json:"tool_version"`
	BatchID     string `json:"batch_id"`
	InvokedAt   int64  `json:"invoked_at"`
	// TrackingURI is the source for exports and the target for imports.
	TrackingURI string            `json:"tracking_uri"`
	Command     string            `json:"command"`
	Filters     map[string]string `json:"filters"`
	InputsHash  string            `json:"inputs_hash"`
	Roots       []Root            `json:"roots"`
	Index       Index             `json:"index"`
}

// Event is one line of progress.jsonl.
type Event struct {
	BatchID  string `json:"batch_id"`
	Time     int64  `json:"ts"`
	State    string `json:"state"`
	Kind     string `json:"kind"`
	SourceID string `json:"source_id"`
	Root     bool   `json:"root,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	TargetID string `json:"target_id,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Terminal reports whether the event is a final outcome.
func (e Event) Terminal() bool {
	return e.State == StateOK || e.State == StateSkipped || e.State == StateFailed
}

// Entry is the final state of one object.
type Entry struct {
	Kind         string `json:"kind"`
	SourceID     string `json:"source_id"`
	RelativePath string `json:"relative_path,omitempty"`
	Root         bool   `json:"root"`
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
	TargetID     string `json:"target_id,omitempty"`
	Note         string `json:"note,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// Counts tallies outcomes.
type Counts struct {
	OK      int `json:"ok"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

func (c *Counts) add(outcome string) {
	c.Total++
	switch outcome {
	case StateOK:
		c.OK++
	case StateSkipped:
		c.Skipped++
	default:
		c.Failed++
	}
}

// Summary is summary.json. The top-level counts cover the roots only.
type Summary struct {
	Schema     string `json:"schema"`
	BatchID    string `json:"batch_id"`
	Command    string `json:"command"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
	Counts
	Dependencies  Counts            `json:"dependencies"`
	Entries       []Entry           `json:"entries"`
	ExperimentMap map[string]string `json:"experiment_map"`
	RunMap        map[string]string `json:"run_map"`
	// VersionMap maps "<model>/<version>" on the source to the same on the target.
	VersionMap map[string]string `json:"version_map"`
}

// HasFailures reports whether any object, root or dependency, failed.
func (s *Summary) HasFailures() bool {
	return s.Failed > 0 || s.Dependencies.Failed > 0
}

// Failures returns the failed entries.
func (s *Summary) Failures() []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.Outcome == StateFailed {
			out = append(out, e)
		}
	}
	return out
}

type op struct {
	event Event
	entry *Entry
}

// Writer is the single writer of a batch record.
type Writer struct {
	dir      string
	manifest BatchManifest
	ledger   *store.Store
	logger   *zap.Logger
	now      func() time.Time
	started  time.Time

	ops  chan op
	done chan struct{}

	// Owned by the loop goroutine.
	progress *os.File
	buf      *bufio.Writer
	entries  map[string]*Entry
	writeErr error
}

// Open writes manifest.json under dir and starts the writer. ledger may be
// nil; when set, outcomes are also stored in it.
func Open(ctx context.Context, dir string, m BatchManifest, ledger *store.Store, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	started := now()

	m.Schema = manifest.Schema(manifest.KindBatch)
	m.Tool = version.Product
	m.ToolVersion = version.Version
	if m.BatchID == "" {
		m.BatchID = uuid.New().String()
	}
	if m.InvokedAt == 0 {
		m.InvokedAt = started.UnixMilli()
	}
	if m.Filters == nil {
		m.Filters = map[string]string{}
	}
	if m.Roots == nil {
		m.Roots = []Root{}
	}
	for _, list := range []*[]string{&m.Index.Experiments, &m.Index.Runs, &m.Index.Models} {
		if *list == nil {
			*list = []string{}
		}
	}

	if err := manifest.WriteFile(filepath.Join(dir, manifest.BatchFile), m); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, manifest.ProgressFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "open progress log", err)
	}
	if ledger != nil {
		if err := ledger.BeginBatch(ctx, m.BatchID, m.Command, m.InputsHash, started); err != nil {
			f.Close()
			return nil, err
		}
	}

	w := &Writer{
		dir:      dir,
		manifest: m,
		ledger:   ledger,
		logger:   logger.With(zap.String("component", "audit"), zap.String("batch_id", m.BatchID)),
		now:      now,
		started:  started,
		ops:      make(chan op, 256),
		done:     make(chan struct{}),
		progress: f,
		buf:      bufio.NewWriter(f),
		entries:  make(map[string]*Entry),
	}
	go w.loop()

	w.logger.Info("batch started",
		zap.String("command", m.Command),
		zap.String("tracking_uri", m.TrackingURI),
		zap.Int("roots", len(m.Roots)),
		zap.String("dir", dir))
	return w, nil
}

// BatchID returns the id of the batch.
func (w *Writer) BatchID() string {
	return w.manifest.BatchID
}

// Queued records that an object was enumerated.
func (w *Writer) Queued(kind, sourceID string, root bool) {
	w.ops <- op{event: Event{State: StateQueued, Kind: kind, SourceID: sourceID, Root: root}}
}

// Started records that a worker picked up an object.
func (w *Writer) Started(kind, sourceID string) {
	w.ops <- op{event: Event{State: StateStarted, Kind: kind, SourceID: sourceID}}
}

// Finish records the final outcome of an object.
func (w *Writer) Finish(e Entry) {
	w.ops <- op{
		event: Event{
			State:    e.Outcome,
			Kind:     e.Kind,
			SourceID: e.SourceID,
			Root:     e.Root,
			Reason:   e.Reason,
			Error:    e.Error,
			TargetID: e.TargetID,
			Note:     e.Note,
		},
		entry: &e,
	}
}

func key(kind, sourceID string) string {
	return kind + ":" + sourceID
}

func (w *Writer) loop() {
	defer close(w.done)
	for o := range w.ops {
		o.event.BatchID = w.manifest.BatchID
		o.event.Time = w.now().UnixMilli()
		w.append(o.event)

		k := key(o.event.Kind, o.event.SourceID)
		switch {
		case o.entry != nil:
			w.entries[k] = o.entry
			w.recordOutcome(*o.entry)
		case o.event.State == StateQueued:
			if _, ok := w.entries[k]; !ok {
				w.entries[k] = &Entry{Kind: o.event.Kind, SourceID: o.event.SourceID, Root: o.event.Root, Outcome: StateQueued}
			}
		}
	}
}

func (w *Writer) append(e Event) {
	line, err := json.Marshal(e)
	if err == nil {
		line = append(line, '\n')
		_, err = w.buf.Write(line)
	}
	if err == nil {
		// Flush every line so the log can be tailed.
		err = w.buf.Flush()
	}
	if err != nil && w.writeErr == nil {
		w.writeErr = errs.E(errs.KindPermanent, "append progress", err)
		w.logger.Error("cannot append to progress log", zap.Error(err))
	}
}

func (w *Writer) recordOutcome(e Entry) {
	if w.ledger == nil {
		return
	}
	err := w.ledger.RecordOutcome(context.Background(), store.Outcome{
		BatchID:    w.manifest.BatchID,
		NodeID:     key(e.Kind, e.SourceID),
		Kind:       e.Kind,
		SourceID:   e.SourceID,
		Status:     e.Outcome,
		Reason:     e.Reason,
		TargetID:   e.TargetID,
		Error:      e.Error,
		Root:       e.Root,
		FinishedAt: w.now(),
	})
	if err != nil {
		w.logger.Warn("cannot record outcome in ledger", zap.String("source_id", e.SourceID), zap.Error(err))
	}
}

// Close drains the writer, writes summary.json and returns the summary.
// Objects queued but never finished are reported as interrupted failures.
// No other method may be called after Close.
func (w *Writer) Close(ctx context.Context) (*Summary, error) {
	close(w.ops)
	<-w.done

	finished := w.now()
	sum := &Summary{
		Schema:        manifest.Schema(manifest.KindSummary),
		BatchID:       w.manifest.BatchID,
		Command:       w.manifest.Command,
		StartedAt:     w.started.UnixMilli(),
		FinishedAt:    finished.UnixMilli(),
		DurationMs:    finished.Sub(w.started).Milliseconds(),
		Entries:       []Entry{},
		ExperimentMap: map[string]string{},
		RunMap:        map[string]string{},
		VersionMap:    map[string]string{},
	}
	for _, e := range w.entries {
		if e.Outcome == StateQueued {
			e.Outcome = StateFailed
			e.Reason = "interrupted"
			e.Error = "never finished"
			w.append(Event{BatchID: sum.BatchID, Time: finished.UnixMilli(), State: StateFailed,
				Kind: e.Kind, SourceID: e.SourceID, Root: e.Root, Reason: e.Reason, Error: e.Error})
			w.recordOutcome(*e)
		}
		sum.Entries = append(sum.Entries, *e)
		if e.Root {
			sum.Counts.add(e.Outcome)
		} else {
			sum.Dependencies.add(e.Outcome)
		}
		if e.TargetID == "" || e.Outcome == StateFailed {
			continue
		}
		switch e.Kind {
		case manifest.KindExperiment:
			sum.ExperimentMap[e.SourceID] = e.TargetID
		case manifest.KindRun:
			sum.RunMap[e.SourceID] = e.TargetID
		case manifest.KindVersion:
			sum.VersionMap[e.SourceID] = e.TargetID
		}
	}
	sort.Slice(sum.Entries, func(i, j int) bool {
		a, b := sum.Entries[i], sum.Entries[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.SourceID < b.SourceID
	})

	err := w.writeErr
	if werr := manifest.WriteFile(filepath.Join(w.dir, manifest.SummaryFile), sum); werr != nil && err == nil {
		err = werr
	}
	if cerr := w.progress.Close(); cerr != nil && err == nil {
		err = errs.E(errs.KindPermanent, "close progress log", cerr)
	}
	if w.ledger != nil {
		if lerr := w.ledger.FinishBatch(ctx, sum.BatchID, sum.OK, sum.Skipped, sum.Failed, finished); lerr != nil && err == nil {
			err = lerr
		}
	}

	w.logger.Info("batch finished",
		zap.Int("ok", sum.OK),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("dependencies", sum.Dependencies.Total),
		zap.Int("dependencies_failed", sum.Dependencies.Failed),
		zap.Duration("took", finished.Sub(w.started)))
	return sum, err
}

// ReadSummary reads a summary.json.
func ReadSummary(path string) (*Summary, error) {
	var s Summary
	if err := manifest.ReadFile(path, manifest.KindSummary, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadBatchManifest reads a manifest.json.
func ReadBatchManifest(path string) (*BatchManifest, error) {
	var m BatchManifest
	if err := manifest.ReadFile(path, manifest.KindBatch, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseEvent decodes one progress line.
func ParseEvent(line []byte) (Event, error) {
	var e Event
	line = bytes.TrimSpace(line)
	if err := json.Unmarshal(line, &e); err != nil {
		return e, fmt.Errorf("parse progress line: %w", err)
	}
	if e.State == "" || e.Kind == "" {
		return e, fmt.Errorf("parse progress line: missing state or kind")
	}
	return e, nil
}
