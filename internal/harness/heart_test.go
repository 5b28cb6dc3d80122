package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartLifetimeExceeded(t *testing.T) {
	ctx := context.Background()
	heart, _ := NewHeart(ctx, 20*time.Millisecond)

	reason := heart.Wait(ctx)
	assert.Equal(t, LifetimeExceeded, reason.Kind)
}

func TestHeartKilledExternally(t *testing.T) {
	ctx := context.Background()
	heart, stone := NewHeart(ctx, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		stone.Kill("closed by client")
	}()

	reason := heart.Wait(ctx)
	assert.Equal(t, ExternallyKilled, reason.Kind)
	assert.Equal(t, "closed by client", reason.Message)
}

func TestHeartResetLifetimeSlidesDeadline(t *testing.T) {
	ctx := context.Background()
	heart, stone := NewHeart(ctx, 30*time.Millisecond)

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		stone.ResetLifetime(40 * time.Millisecond)
	}()

	reason := heart.Wait(ctx)
	elapsed := time.Since(start)

	assert.Equal(t, LifetimeExceeded, reason.Kind)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "reset should have pushed the deadline out")
}

func TestHeartContextCancelTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	heart, _ := NewHeart(ctx, time.Minute)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	reason := heart.Wait(context.Background())
	assert.Equal(t, Terminated, reason.Kind)
}

func TestHeartKillOnlyTakesFirstReason(t *testing.T) {
	ctx := context.Background()
	heart, stone := NewHeart(ctx, 0)

	stone.Kill("first")
	stone.Kill("second")

	reason := heart.Wait(ctx)
	assert.Equal(t, "first", reason.Message)
}
