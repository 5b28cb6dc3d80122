package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAppendReadAck(t *testing.T) {
	b := New()
	ctx := context.Background()

	id, err := b.Append(ctx, "session.created", 1000, []byte(`{"id":"1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := b.Read(ctx, "session.created", "worker", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte(`{"id":"1"}`), entries[0].Payload)

	require.NoError(t, b.Ack(ctx, "session.created", "worker", entries[0].ID))

	// No further entries until another append.
	more, err := b.Read(ctx, "session.created", "worker", "c1", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestStreamMultipleGroupsIndependentCursors(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Append(ctx, "session.terminated", 1000, []byte("a"))
	require.NoError(t, err)

	g1, err := b.Read(ctx, "session.terminated", "collector", "c1", 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, g1, 1)

	g2, err := b.Read(ctx, "session.terminated", "another-group", "c1", 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, g2, 1, "a second group should see the same entry independently")
}

func TestListsRPushBLPop(t *testing.T) {
	b := New()
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.RPush(ctx, "reply.abc", []byte("payload"))
	}()

	got, err := b.BLPop(ctx, "reply.abc", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestBLPopTimesOut(t *testing.T) {
	b := New()
	ctx := context.Background()

	got, err := b.BLPop(ctx, "reply.none", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPubSubPatternMatch(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, closer, err := b.Subscribe(ctx, "discover.*")
	require.NoError(t, err)
	defer closer()

	require.NoError(t, b.Publish(ctx, "discover.node.abc", []byte("endpoint")))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("endpoint"), msg)
	case <-time.After(time.Second):
		t.Fatal("expected message on matching pattern")
	}
}

func TestKVSetGetTTL(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "orchestrator:1:heartbeat", []byte("alive"), 20*time.Millisecond))

	val, ok, err := b.Get(ctx, "orchestrator:1:heartbeat")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("alive"), val)

	time.Sleep(40 * time.Millisecond)
	_, ok, err = b.Get(ctx, "orchestrator:1:heartbeat")
	require.NoError(t, err)
	assert.False(t, ok, "key should have expired")
}

func TestHashFields(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.HSet(ctx, "session:1", "status", []byte("Operational")))
	val, ok, err := b.HGet(ctx, "session:1", "status")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("Operational"), val)
}
