package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "state.db")

	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestReopenKeepsState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.PutMapping(ctx, "run", "src", "dst"))
	require.NoError(t, s.Close())

	s, err = New(dbPath)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetMapping(ctx, "run", "src")
	require.NoError(t, err)
	assert.Equal(t, "dst", got)
}

func TestMappings(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	got, err := s.GetMapping(ctx, "run", "missing")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.PutMapping(ctx, "version", "m/2", "m_copy/1"))
	require.NoError(t, s.PutMapping(ctx, "version", "m/1", "m_copy/3"))
	require.NoError(t, s.PutMapping(ctx, "version", "m/1", "m_copy/2"))
	require.NoError(t, s.PutMapping(ctx, "run", "r", "r2"))

	list, err := s.ListMappings(ctx, "version")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m/1", list[0].SourceID)
	assert.Equal(t, "m_copy/2", list[0].TargetID)
	assert.Equal(t, "m/2", list[1].SourceID)

	require.NoError(t, s.DeleteMapping(ctx, "version", "m/1"))
	got, err = s.GetMapping(ctx, "version", "m/1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunStages(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	st, err := s.GetRunState(ctx, "src")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, s.SetRunStage(ctx, "src", "dst", StageCreated))
	require.NoError(t, s.SetRunStage(ctx, "src", "dst", StageLogged))
	require.NoError(t, s.PutMapping(ctx, "run", "src", "dst"))
	require.NoError(t, s.MarkUploaded(ctx, "dst", "model/MLmodel", 11))

	st, err = s.GetRunState(ctx, "src")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "dst", st.TargetRunID)
	assert.Equal(t, StageLogged, st.Stage)

	require.NoError(t, s.ResetRun(ctx, "src"))
	st, err = s.GetRunState(ctx, "src")
	require.NoError(t, err)
	assert.Nil(t, st)
	up, err := s.Uploaded(ctx, "dst")
	require.NoError(t, err)
	assert.Empty(t, up)
	m, err := s.GetMapping(ctx, "run", "src")
	require.NoError(t, err)
	assert.Empty(t, m)

	assert.NoError(t, s.ResetRun(ctx, "never-seen"))
}

func TestUploadLog(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	log := s.UploadLog("dst")
	require.NoError(t, log.MarkUploaded(ctx, "a.txt", 1))
	require.NoError(t, log.MarkUploaded(ctx, "a.txt", 2))
	require.NoError(t, s.UploadLog("other").MarkUploaded(ctx, "b.txt", 1))

	done, err := log.Uploaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a.txt": true}, done)
}

func TestOutcomes(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.BeginBatch(ctx, "b1", "import-model", "abc123", now))
	require.NoError(t, s.RecordOutcome(ctx, Outcome{BatchID: "b1", NodeID: "model:m", Kind: "model", SourceID: "m", Status: "skipped", Reason: "exists", Root: true, FinishedAt: now}))
	require.NoError(t, s.RecordOutcome(ctx, Outcome{BatchID: "b1", NodeID: "version:m/1", Kind: "version", SourceID: "m/1", Status: "ok", TargetID: "m_copy/1", FinishedAt: now}))
	require.NoError(t, s.RecordOutcome(ctx, Outcome{BatchID: "b2", NodeID: "model:m", Kind: "model", SourceID: "m", Status: "ok", FinishedAt: now}))
	require.NoError(t, s.FinishBatch(ctx, "b1", 1, 1, 0, now))

	got, err := s.Outcomes(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "model:m", got[0].NodeID)
	assert.True(t, got[0].Root)
	assert.Equal(t, "exists", got[0].Reason)
	assert.Equal(t, "m_copy/1", got[1].TargetID)
	assert.False(t, got[1].Root)
}

func TestAcquireLock_Exclusive(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "batch", "holder-1", time.Minute)
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, "batch", "holder-2", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.ReleaseLock(ctx, lock.ID))
	_, err = s.AcquireLock(ctx, "batch", "holder-2", time.Minute)
	assert.NoError(t, err)
}

func TestAcquireLock_ExpiredTakeover(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "batch", "holder-1", -time.Second)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "batch", "holder-2", time.Minute)
	assert.NoError(t, err)
}

func TestRenewLock(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "batch", "holder-1", -time.Second)
	require.NoError(t, err)
	require.NoError(t, s.RenewLock(ctx, lock.ID, time.Minute))

	// A renewed lock is no longer expired, so nobody can take it over.
	_, err = s.AcquireLock(ctx, "batch", "holder-2", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestRenewLock_AfterTakeover(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "batch", "holder-1", -time.Second)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "batch", "holder-2", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, s.RenewLock(ctx, lock.ID, time.Minute), ErrLockLost)
}

func TestAcquireLock_ConcurrentAttempts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AcquireLock(ctx, "batch", "holder", time.Minute); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Ping(ctx))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	return s
}
