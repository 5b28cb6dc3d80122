package ingress

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

func TestRoutingCleanupJobForgetsTerminatedSession(t *testing.T) {
	b := membus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routing := NewRoutingCache()
	sessionID := domain.NewID()
	routing.RememberCapabilities(sessionID, map[string]any{"browserName": "chrome"})
	routing.RememberEndpoint(sessionID, "http://node-1:4444")

	job := NewRoutingCleanupJob(b, routing, "ingress-1")
	scheduler := harness.NewScheduler(ctx)
	scheduler.Spawn(job)
	require.Eventually(t, func() bool {
		return scheduler.Status()[job.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	payload, err := json.Marshal(domain.SessionTerminated{ID: sessionID, Reason: domain.TerminationReason{Kind: domain.ClosedByClient}})
	require.NoError(t, err)
	_, err = b.Append(ctx, string(domain.KindSessionTerminated), 1000, payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := routing.Lookup(sessionID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok := routing.Lookup(sessionID)
	assert.False(t, ok)
}
