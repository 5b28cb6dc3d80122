package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/domain"
)

func TestPermitPoolAcquireRelease(t *testing.T) {
	pool := NewPermitPool(2)
	ctx := context.Background()

	id1, id2 := domain.NewID(), domain.NewID()

	require.NoError(t, pool.Acquire(ctx, id1))
	require.NoError(t, pool.Acquire(ctx, id2))
	assert.Equal(t, 2, pool.InFlight())

	id3 := domain.NewID()
	acquireCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := pool.Acquire(acquireCtx, id3)
	assert.Error(t, err, "pool at capacity should block until cancelled")

	pool.Release(id1)
	assert.Equal(t, 1, pool.InFlight())

	require.NoError(t, pool.Acquire(ctx, id3))
	assert.Equal(t, 2, pool.InFlight())
}

func TestPermitPoolReleaseDead(t *testing.T) {
	pool := NewPermitPool(3)
	ctx := context.Background()

	alive, dead := domain.NewID(), domain.NewID()
	require.NoError(t, pool.Acquire(ctx, alive))
	require.NoError(t, pool.Acquire(ctx, dead))

	pool.ReleaseDead(map[domain.ID]struct{}{alive: {}})

	assert.Equal(t, 1, pool.InFlight())
}

func TestPermitPoolNeverExceedsCapacity(t *testing.T) {
	pool := NewPermitPool(1)
	ctx := context.Background()

	id := domain.NewID()
	require.NoError(t, pool.Acquire(ctx, id))
	assert.LessOrEqual(t, pool.InFlight(), pool.Capacity())
}
