package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_TransientThenSuccess(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), "upload", func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.Errorf(errs.KindTransient, "upload", "503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentNotRetried(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), "get", func(context.Context) error {
		calls++
		return errs.Errorf(errs.KindNotFound, "get", "missing")
	})

	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, 1, calls)
}

func TestDo_CapsAttempts(t *testing.T) {
	var retries []int
	p := fastPolicy(5)
	p.OnRetry = func(_ string, attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }
	r := New(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), "get", func(context.Context) error {
		calls++
		return errs.Errorf(errs.KindTransient, "get", "throttled")
	})

	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 5, calls)
	assert.Equal(t, []int{2, 3, 4, 5}, retries)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour
	r := New(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, "get", func(context.Context) error {
		calls++
		cancel()
		return errs.Errorf(errs.KindTransient, "get", "503")
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestDelay(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil)

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(10))
}

func TestDelay_JitterBounds(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}, nil)
	for i := 0; i < 100; i++ {
		d := r.Delay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestValue(t *testing.T) {
	r := New(fastPolicy(3), nil)
	calls := 0
	v, err := Value(context.Background(), r, "list", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errs.Errorf(errs.KindTransient, "list", "reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
