package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/bus/membus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
)

func TestManagerCreatePublishesSessionCreated(t *testing.T) {
	ctx := context.Background()
	b := membus.New()
	m, err := New(b, "ingress-1", 16)
	require.NoError(t, err)

	id, _, err := m.Create(ctx, map[string]any{"browserName": "chrome"})
	require.NoError(t, err)

	entries, err := b.Read(ctx, string(domain.KindSessionCreated), "test", "test", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var created domain.SessionCreated
	require.NoError(t, json.Unmarshal(entries[0].Payload, &created))
	assert.Equal(t, id, created.ID)
	assert.Equal(t, "chrome", created.RawCapabilities["browserName"])
}

func TestOperationalListenerResolvesParkedRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	m, err := New(b, "ingress-1", 16)
	require.NoError(t, err)

	id, outcome, err := m.Create(ctx, map[string]any{})
	require.NoError(t, err)

	job := m.NewOperationalListenerJob()
	scheduler := harness.NewScheduler(ctx)
	scheduler.Spawn(job)
	require.Eventually(t, func() bool {
		return scheduler.Status()[job.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	ev := domain.SessionOperational{ID: id, ActualCapabilities: map[string]any{"browserVersion": "120"}}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = b.Append(ctx, string(domain.KindSessionOperational), 1000, payload)
	require.NoError(t, err)

	select {
	case got := <-outcome:
		require.NotNil(t, got.Operational)
		assert.Equal(t, id, got.Operational.ID)
		assert.False(t, got.Evicted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestTerminatedListenerResolvesParkedRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	m, err := New(b, "ingress-1", 16)
	require.NoError(t, err)

	id, outcome, err := m.Create(ctx, map[string]any{})
	require.NoError(t, err)

	job := m.NewTerminatedListenerJob()
	scheduler := harness.NewScheduler(ctx)
	scheduler.Spawn(job)
	require.Eventually(t, func() bool {
		return scheduler.Status()[job.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	ev := domain.SessionTerminated{ID: id, Reason: domain.TerminationReason{Kind: domain.StartupFailed, Message: "boom"}}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = b.Append(ctx, string(domain.KindSessionTerminated), 1000, payload)
	require.NoError(t, err)

	select {
	case got := <-outcome:
		require.NotNil(t, got.Terminated)
		assert.Equal(t, domain.StartupFailed, got.Terminated.Reason.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestUnmatchedOutcomeIsDroppedSilently(t *testing.T) {
	b := membus.New()
	m, err := New(b, "ingress-1", 16)
	require.NoError(t, err)

	// No Create call happened for this id; resolveParked must be a no-op
	// rather than panicking or blocking (spec.md §4.4 step 3).
	m.resolveParked(domain.NewID(), Outcome{Operational: &domain.SessionOperational{}})
}

func TestParkSlotEvictionDeliversEvictedOutcome(t *testing.T) {
	ctx := context.Background()
	b := membus.New()
	m, err := New(b, "ingress-1", 1)
	require.NoError(t, err)

	_, firstOutcome, err := m.Create(ctx, map[string]any{})
	require.NoError(t, err)

	_, _, err = m.Create(ctx, map[string]any{})
	require.NoError(t, err)

	select {
	case got := <-firstOutcome:
		assert.True(t, got.Evicted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eviction outcome")
	}
}
