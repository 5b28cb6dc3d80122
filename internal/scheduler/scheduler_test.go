package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/bus/membus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
)

// respondToNextMatchRequest plays the orchestrator side of one
// ProvisionerMatchRequest/reply exchange, replying with orchestratorID.
func respondToNextMatchRequest(t *testing.T, ctx context.Context, b *membus.Bus, orchestratorID string) {
	t.Helper()
	entries, err := b.Read(ctx, string(domain.KindProvisionerMatchRequest), "test-orchestrator", "test-orchestrator", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var req domain.ProvisionerMatchRequest
	require.NoError(t, json.Unmarshal(entries[0].Payload, &req))

	reply, err := json.Marshal(domain.ProvisionerMatchReply{OrchestratorID: orchestratorID})
	require.NoError(t, err)
	require.NoError(t, b.RPush(ctx, req.ResponseLocation, reply))
}

func TestSchedulerAssignsOnFirstReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	job := New(b, "sched-1", 2*time.Second)

	sched := harness.NewScheduler(ctx)
	sched.Spawn(job)
	require.Eventually(t, func() bool {
		return sched.Status()[job.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	sessionID := domain.NewID()
	created := domain.SessionCreated{ID: sessionID, RawCapabilities: map[string]any{"browserName": "chrome"}}
	payload, err := json.Marshal(created)
	require.NoError(t, err)
	_, err = b.Append(ctx, string(domain.KindSessionCreated), 1000, payload)
	require.NoError(t, err)

	respondToNextMatchRequest(t, ctx, b, "orch-7")

	scheduledEntries, err := b.Read(ctx, string(domain.KindSessionScheduled), "test", "test", 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, scheduledEntries, 1)

	var scheduled domain.SessionScheduled
	require.NoError(t, json.Unmarshal(scheduledEntries[0].Payload, &scheduled))
	assert.Equal(t, sessionID, scheduled.ID)
	assert.Equal(t, "orch-7", scheduled.Provisioner)

	subkey := string(domain.KindProvisioningJobAssigned) + ".orch-7"
	assignedEntries, err := b.Read(ctx, subkey, "test", "test", 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, assignedEntries, 1)

	var assigned domain.ProvisioningJobAssigned
	require.NoError(t, json.Unmarshal(assignedEntries[0].Payload, &assigned))
	assert.Equal(t, sessionID, assigned.SessionID)
	assert.Equal(t, "chrome", assigned.RawCapabilities["browserName"])
}

func TestSchedulerIgnoresExtraReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	job := New(b, "sched-1", 2*time.Second)

	sched := harness.NewScheduler(ctx)
	sched.Spawn(job)
	require.Eventually(t, func() bool {
		return sched.Status()[job.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	sessionID := domain.NewID()
	created := domain.SessionCreated{ID: sessionID, RawCapabilities: map[string]any{}}
	payload, err := json.Marshal(created)
	require.NoError(t, err)
	_, err = b.Append(ctx, string(domain.KindSessionCreated), 1000, payload)
	require.NoError(t, err)

	entries, err := b.Read(ctx, string(domain.KindProvisionerMatchRequest), "test-orchestrator", "test-orchestrator", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var req domain.ProvisionerMatchRequest
	require.NoError(t, json.Unmarshal(entries[0].Payload, &req))

	firstReply, err := json.Marshal(domain.ProvisionerMatchReply{OrchestratorID: "orch-first"})
	require.NoError(t, err)
	require.NoError(t, b.RPush(ctx, req.ResponseLocation, firstReply))

	secondReply, err := json.Marshal(domain.ProvisionerMatchReply{OrchestratorID: "orch-second"})
	require.NoError(t, err)
	require.NoError(t, b.RPush(ctx, req.ResponseLocation, secondReply))

	scheduledEntries, err := b.Read(ctx, string(domain.KindSessionScheduled), "test", "test", 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, scheduledEntries, 1)

	var scheduled domain.SessionScheduled
	require.NoError(t, json.Unmarshal(scheduledEntries[0].Payload, &scheduled))
	assert.Equal(t, "orch-first", scheduled.Provisioner)

	// The second, unconsumed reply is simply left in the list; the scheduler
	// never looks at it again.
	leftover, err := b.BLPop(ctx, req.ResponseLocation, 0)
	require.NoError(t, err)
	assert.NotNil(t, leftover)
}

func TestSchedulerTerminatesOnNoResponder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	job := New(b, "sched-1", 30*time.Millisecond)

	sched := harness.NewScheduler(ctx)
	sched.Spawn(job)
	require.Eventually(t, func() bool {
		return sched.Status()[job.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	sessionID := domain.NewID()
	created := domain.SessionCreated{ID: sessionID, RawCapabilities: map[string]any{}}
	payload, err := json.Marshal(created)
	require.NoError(t, err)
	_, err = b.Append(ctx, string(domain.KindSessionCreated), 1000, payload)
	require.NoError(t, err)

	var entries []bus.StreamEntry
	require.Eventually(t, func() bool {
		var err error
		entries, err = b.Read(ctx, string(domain.KindSessionTerminated), "test", "test", 10, 50*time.Millisecond)
		require.NoError(t, err)
		return len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	var terminated domain.SessionTerminated
	require.NoError(t, json.Unmarshal(entries[0].Payload, &terminated))
	assert.Equal(t, sessionID, terminated.ID)
	assert.Equal(t, domain.StartupFailed, terminated.Reason.Kind)
}
