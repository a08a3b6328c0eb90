package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow(now), "call %d", i)
		b.RecordFailure(now)
	}

	require.Equal(t, Open, b.Current())
	require.ErrorIs(t, b.Allow(now), ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(1, time.Second)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, b.Allow(start))
	b.RecordFailure(start)
	require.Equal(t, Open, b.Current())

	afterCooldown := start.Add(2 * time.Second)
	require.NoError(t, b.Allow(afterCooldown), "trial call should be allowed after cooldown")
	require.Equal(t, HalfOpen, b.Current())

	b.RecordSuccess()
	require.Equal(t, Closed, b.Current())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(1, time.Second)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = b.Allow(start)
	b.RecordFailure(start)

	afterCooldown := start.Add(2 * time.Second)
	require.NoError(t, b.Allow(afterCooldown))
	b.RecordFailure(afterCooldown)
	require.Equal(t, Open, b.Current())
}

func TestBreakerConcurrentTrialRejected(t *testing.T) {
	b := New(1, time.Second)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = b.Allow(start)
	b.RecordFailure(start)

	afterCooldown := start.Add(2 * time.Second)
	require.NoError(t, b.Allow(afterCooldown), "first trial")
	require.ErrorIs(t, b.Allow(afterCooldown), ErrOpen, "second concurrent trial should be rejected")
}
