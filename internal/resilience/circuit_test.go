package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(_ context.Context) (int, error) { return 0, errors.New("fail") }

func succeeding(_ context.Context) (int, error) { return 7, nil }

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("gate"))

	val, err := ExecuteVal(context.Background(), cb, succeeding)
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gate", FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, _ = ExecuteVal(context.Background(), cb, failing)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called when circuit is open")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gate", FailureThreshold: 3, ResetTimeout: time.Minute})

	_, _ = ExecuteVal(context.Background(), cb, failing)
	_, _ = ExecuteVal(context.Background(), cb, failing)
	_, _ = ExecuteVal(context.Background(), cb, succeeding)
	_, _ = ExecuteVal(context.Background(), cb, failing)
	_, _ = ExecuteVal(context.Background(), cb, failing)

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gate", FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_, _ = ExecuteVal(context.Background(), cb, failing)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	_, err := ExecuteVal(context.Background(), cb, succeeding)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gate", FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_, _ = ExecuteVal(context.Background(), cb, failing)
	now = now.Add(11 * time.Second)
	_, _ = ExecuteVal(context.Background(), cb, failing)

	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_CancelledContextNotCounted(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gate", FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _ = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
