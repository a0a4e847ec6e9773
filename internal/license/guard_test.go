package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"licensor/internal/shared/testutil"
)

func newTestGuard(t *testing.T, max int) (*AttemptGuard, *time.Time) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	g := NewAttemptGuard(max, 15*time.Minute, 15*time.Minute, logger)
	t.Cleanup(g.Stop)
	now := testutil.FixedNow
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAttemptGuard_BlocksAtMax(t *testing.T) {
	g, now := newTestGuard(t, 3)
	ctx := context.Background()

	assert.False(t, g.RecordFailure(ctx, "198.51.100.1"))
	assert.False(t, g.RecordFailure(ctx, "198.51.100.1"))
	blocked, _ := g.Blocked("198.51.100.1")
	assert.False(t, blocked)

	assert.True(t, g.RecordFailure(ctx, "198.51.100.1"))
	blocked, remaining := g.Blocked("198.51.100.1")
	assert.True(t, blocked)
	assert.Equal(t, 15*time.Minute, remaining)

	other, _ := g.Blocked("198.51.100.2")
	assert.False(t, other)

	*now = now.Add(16 * time.Minute)
	blocked, _ = g.Blocked("198.51.100.1")
	assert.False(t, blocked)
}

func TestAttemptGuard_SuccessResets(t *testing.T) {
	g, _ := newTestGuard(t, 2)
	ctx := context.Background()

	g.RecordFailure(ctx, "ip")
	g.RecordSuccess("ip")
	assert.False(t, g.RecordFailure(ctx, "ip"))
	assert.Equal(t, 1, g.Stats().ActiveAttempts)
}

func TestAttemptGuard_WindowRollsOver(t *testing.T) {
	g, now := newTestGuard(t, 2)
	ctx := context.Background()

	g.RecordFailure(ctx, "ip")
	*now = now.Add(20 * time.Minute)
	assert.False(t, g.RecordFailure(ctx, "ip"), "first failure fell out of the window")
	assert.True(t, g.RecordFailure(ctx, "ip"))
}

func TestAttemptGuard_DisabledWithZeroMax(t *testing.T) {
	g, _ := newTestGuard(t, 0)
	for i := 0; i < 10; i++ {
		assert.False(t, g.RecordFailure(context.Background(), "ip"))
	}
	assert.Equal(t, 0, g.Stats().Blocked)
}

func TestAttemptGuard_Sweep(t *testing.T) {
	g, now := newTestGuard(t, 1)
	g.RecordFailure(context.Background(), "a")
	assert.Equal(t, 1, g.Stats().Blocked)

	*now = now.Add(time.Hour)
	g.sweep()
	stats := g.Stats()
	assert.Equal(t, 0, stats.Blocked)
	assert.Equal(t, 1, stats.MaxAttempts)
	assert.Equal(t, "15m0s", stats.BlockDuration)
}
