package ingress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

const (
	cleanupReadBatch   = 32
	cleanupIdleTimeout = 2 * time.Second
)

// RoutingCleanupJob drops a terminated session's RoutingCache entry so the
// forwarder's richer error reporting doesn't accumulate stale capability
// data forever.
type RoutingCleanupJob struct {
	Bus        bus.Streams
	Routing    *RoutingCache
	InstanceID string
}

func NewRoutingCleanupJob(b bus.Streams, routing *RoutingCache, instanceID string) *RoutingCleanupJob {
	return &RoutingCleanupJob{Bus: b, Routing: routing, InstanceID: instanceID}
}

var _ harness.Job = (*RoutingCleanupJob)(nil)

func (j *RoutingCleanupJob) Name() string                   { return "ingress.routing-cleanup." + j.InstanceID }
func (j *RoutingCleanupJob) HonorsGracefulTermination() bool { return false }

func (j *RoutingCleanupJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	key := string(domain.KindSessionTerminated)
	group := "routing-cleanup." + j.InstanceID

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		default:
		}

		entries, err := j.Bus.Read(ctx, key, group, group, cleanupReadBatch, cleanupIdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "ingress: read session terminated")
		}

		for _, entry := range entries {
			var ev domain.SessionTerminated
			if err := json.Unmarshal(entry.Payload, &ev); err != nil {
				logger.Warnw("ingress: malformed session terminated event", "error", err)
			} else {
				j.Routing.Forget(ev.ID)
			}
			if err := j.Bus.Ack(ctx, key, group, entry.ID); err != nil {
				logger.Warnw("ingress: failed to ack session terminated", "error", err)
			}
		}
	}
}
