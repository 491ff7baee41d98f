// Package store provides the SQLite-backed ledger of an import or export
// directory: identifier mappings, run import stages, acknowledged artifact
// uploads, per-batch outcomes and the directory lock.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to a ledger database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS id_map (
		kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (kind, source_id)
	);

	CREATE TABLE IF NOT EXISTS run_stage (
		source_run_id TEXT PRIMARY KEY,
		target_run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS uploaded_files (
		target_run_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		uploaded_at DATETIME NOT NULL,
		PRIMARY KEY (target_run_id, rel_path)
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		ok INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		batch_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		target_id TEXT,
		error TEXT,
		root INTEGER NOT NULL DEFAULT 0,
		finished_at DATETIME NOT NULL,
		PRIMARY KEY (batch_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_id_map_kind ON id_map(kind);
	CREATE INDEX IF NOT EXISTS idx_outcomes_source ON outcomes(kind, source_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Identifier mappings ---

// Mapping links a source object to the object created for it on the target.
type Mapping struct {
	Kind      string
	SourceID  string
	TargetID  string
	UpdatedAt time.Time
}

// PutMapping records or replaces the target id of a source object.
func (s *Store) PutMapping(ctx context.Context, kind, sourceID, targetID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO id_map (kind, source_id, target_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, source_id) DO UPDATE SET target_id = excluded.target_id, updated_at = excluded.updated_at`,
		kind, sourceID, targetID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put mapping: %w", err)
	}
	return nil
}

// GetMapping returns the target id of a source object, or "" when unknown.
func (s *Store) GetMapping(ctx context.Context, kind, sourceID string) (string, error) {
	var target string
	err := s.db.QueryRowContext(ctx,
		`SELECT target_id FROM id_map WHERE kind = ? AND source_id = ?`, kind, sourceID,
	).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query mapping: %w", err)
	}
	return target, nil
}

// DeleteMapping forgets a source object.
func (s *Store) DeleteMapping(ctx context.Context, kind, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM id_map WHERE kind = ? AND source_id = ?`, kind, sourceID)
	return err
}

// ListMappings returns every mapping of kind ordered by source id.
func (s *Store) ListMappings(ctx context.Context, kind string) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, source_id, target_id, updated_at FROM id_map WHERE kind = ? ORDER BY source_id`, kind)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Kind, &m.SourceID, &m.TargetID, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Run import stages ---

// RunStage is how far the import of one run got.
type RunStage string

const (
	// StageCreated: the target run exists but nothing was logged.
	StageCreated RunStage = "created"
	// StageLogged: params, metrics and tags are logged; artifacts may be partial.
	StageLogged RunStage = "logged"
	// StageComplete: artifacts uploaded and the run closed.
	StageComplete RunStage = "complete"
)

// RunState is the ledger row of one run.
type RunState struct {
	SourceRunID string
	TargetRunID string
	Stage       RunStage
	UpdatedAt   time.Time
}

// SetRunStage records the stage of a run import.
func (s *Store) SetRunStage(ctx context.Context, sourceRunID, targetRunID string, stage RunStage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stage (source_run_id, target_run_id, stage, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_run_id) DO UPDATE SET target_run_id = excluded.target_run_id, stage = excluded.stage, updated_at = excluded.updated_at`,
		sourceRunID, targetRunID, string(stage), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set run stage: %w", err)
	}
	return nil
}

// GetRunState returns the ledger row of a run, or nil when the run was never
// imported.
func (s *Store) GetRunState(ctx context.Context, sourceRunID string) (*RunState, error) {
	st := &RunState{}
	var stage string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_run_id, target_run_id, stage, updated_at FROM run_stage WHERE source_run_id = ?`, sourceRunID,
	).Scan(&st.SourceRunID, &st.TargetRunID, &stage, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run stage: %w", err)
	}
	st.Stage = RunStage(stage)
	return st, nil
}

// ResetRun forgets a run import and its acknowledged uploads, in one
// transaction.
func (s *Store) ResetRun(ctx context.Context, sourceRunID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var target string
	err = tx.QueryRowContext(ctx, `SELECT target_run_id FROM run_stage WHERE source_run_id = ?`, sourceRunID).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query run stage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uploaded_files WHERE target_run_id = ?`, target); err != nil {
		return fmt.Errorf("delete uploads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_stage WHERE source_run_id = ?`, sourceRunID); err != nil {
		return fmt.Errorf("delete run stage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM id_map WHERE kind = 'run' AND source_id = ?`, sourceRunID); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return tx.Commit()
}

// --- Artifact uploads ---

// MarkUploaded acknowledges one uploaded file of a target run.
func (s *Store) MarkUploaded(ctx context.Context, targetRunID, relPath string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploaded_files (target_run_id, rel_path, size, uploaded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (target_run_id, rel_path) DO UPDATE SET size = excluded.size, uploaded_at = excluded.uploaded_at`,
		targetRunID, relPath, size, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// Uploaded returns the acknowledged files of a target run.
func (s *Store) Uploaded(ctx context.Context, targetRunID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rel_path FROM uploaded_files WHERE target_run_id = ?`, targetRunID)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out[p] = true
	}
	return out, rows.Err()
}

// UploadLog binds the upload ledger to one target run.
type UploadLog struct {
	s     *Store
	runID string
}

// UploadLog returns the upload ledger of a target run.
func (s *Store) UploadLog(targetRunID string) *UploadLog {
	return &UploadLog{s: s, runID: targetRunID}
}

// Uploaded returns the acknowledged files.
func (l *UploadLog) Uploaded(ctx context.Context) (map[string]bool, error) {
	return l.s.Uploaded(ctx, l.runID)
}

// MarkUploaded acknowledges one file.
func (l *UploadLog) MarkUploaded(ctx context.Context, relPath string, size int64) error {
	return l.s.MarkUploaded(ctx, l.runID, relPath, size)
}

// --- Batches and outcomes ---

// Outcome is the final state of one object in a batch.
type Outcome struct {
	BatchID    string
	NodeID     string
	Kind       string
	SourceID   string
	Status     string
	Reason     string
	TargetID   string
	Error      string
	Root       bool
	FinishedAt time.Time
}

// BeginBatch records the start of a batch. inputsHash identifies the
// invocation's inputs.
func (s *Store) BeginBatch(ctx context.Context, id, command, inputsHash string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, command, inputs_hash, started_at) VALUES (?, ?, ?, ?)`,
		id, command, inputsHash, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// FinishBatch records the root counts of a finished batch.
func (s *Store) FinishBatch(ctx context.Context, id string, ok, skipped, failed int, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET ok = ?, skipped = ?, failed = ?, finished_at = ? WHERE id = ?`,
		ok, skipped, failed, finishedAt.UTC(), id,
	)
	return err
}

// RecordOutcome stores or replaces the outcome of one node.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO outcomes (batch_id, node_id, kind, source_id, status, reason, target_id, error, root, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.BatchID, o.NodeID, o.Kind, o.SourceID, o.Status, o.Reason, o.TargetID, o.Error, o.Root, o.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Outcomes returns the outcomes of a batch ordered by node id.
func (s *Store) Outcomes(ctx context.Context, batchID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, node_id, kind, source_id, status, reason, target_id, error, root, finished_at
		 FROM outcomes WHERE batch_id = ? ORDER BY node_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var reason, target, msg sql.NullString
		if err := rows.Scan(&o.BatchID, &o.NodeID, &o.Kind, &o.SourceID, &o.Status, &reason, &target, &msg, &o.Root, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Reason, o.TargetID, o.Error = reason.String, target.String, msg.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Locks ---

// ErrLocked indicates another holder owns an unexpired lock on the resource.
var ErrLocked = errors.New("resource is locked by another process")

// Lock is a held lock.
type Lock struct {
	ID         string
	ResourceID string
	HolderID   string
	ExpiresAt  time.Time
}

// AcquireLock takes an exclusive lock on resourceID for ttl. Expired locks
// are taken over.
func (s *Store) AcquireLock(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ? AND expires_at <= ?`, resourceID, now); err != nil {
		return nil, fmt.Errorf("clean expired lock: %w", err)
	}

	lock := &Lock{ID: uuid.New().String(), ResourceID: resourceID, HolderID: holderID, ExpiresAt: now.Add(ttl)}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO locks (id, resource_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		lock.ID, resourceID, holderID, now, lock.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrLocked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lock: %w", err)
	}
	return lock, nil
}

// ErrLockLost indicates a renewed lock was released or taken over.
var ErrLockLost = errors.New("lock no longer held")

// RenewLock extends a held lock to ttl from now (heartbeat).
func (s *Store) RenewLock(ctx context.Context, lockID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(ttl), lockID,
	)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// ReleaseLock releases a held lock.
func (s *Store) ReleaseLock(ctx context.Context, lockID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, lockID)
	return err
}
