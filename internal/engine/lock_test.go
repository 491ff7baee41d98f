package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/store"
)

func newLedger(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHoldLockOutlivesTTL(t *testing.T) {
	ledger := newLedger(t)
	ctx := context.Background()
	ttl := 150 * time.Millisecond

	lock, err := ledger.AcquireLock(ctx, "record", "import-a", ttl)
	require.NoError(t, err)
	stop := holdLock(ctx, ledger, lock.ID, ttl, func(error) { t.Error("lock reported lost") }, zap.NewNop())

	time.Sleep(3 * ttl)
	_, err = ledger.AcquireLock(ctx, "record", "import-b", ttl)
	assert.ErrorIs(t, err, store.ErrLocked)

	stop()
	time.Sleep(2 * ttl)
	_, err = ledger.AcquireLock(ctx, "record", "import-b", ttl)
	assert.NoError(t, err, "expired lock is taken over once renewal stops")
}

func TestHoldLockReportsLoss(t *testing.T) {
	ledger := newLedger(t)
	ctx := context.Background()
	ttl := 60 * time.Millisecond

	lock, err := ledger.AcquireLock(ctx, "record", "import-a", ttl)
	require.NoError(t, err)
	require.NoError(t, ledger.ReleaseLock(ctx, lock.ID))

	lostCh := make(chan error, 1)
	stop := holdLock(ctx, ledger, lock.ID, ttl, func(err error) { lostCh <- err }, zap.NewNop())
	defer stop()

	select {
	case err := <-lostCh:
		assert.True(t, errors.Is(err, store.ErrLockLost))
	case <-time.After(2 * time.Second):
		t.Fatal("lock loss not reported")
	}
}
