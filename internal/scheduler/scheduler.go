// Package scheduler implements the scheduler side of the session creation
// workflow (spec.md §4.4 "Scheduler side"): for each SessionCreated event,
// ask every orchestrator whether it can provision the requested
// capabilities, pick the first responder, and hand the job off to it.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

const (
	streamMaxLen        = 10_000
	defaultReadBatch    = 16
	defaultIdleTimeout  = 2 * time.Second
	defaultSchedulingTO = 60 * time.Second
	consumerGroup       = "worker"
)

// Job consumes SessionCreated via consumer group "worker" and drives a
// session through matching and assignment.
type Job struct {
	Bus               bus.Bus
	InstanceID        string
	SchedulingTimeout time.Duration
}

// New constructs the scheduler job. schedulingTimeout <= 0 defaults to 60s
// (spec.md §4.4 "Timeout ≈ \"scheduling\" (default 60 s)").
func New(b bus.Bus, instanceID string, schedulingTimeout time.Duration) *Job {
	if schedulingTimeout <= 0 {
		schedulingTimeout = defaultSchedulingTO
	}
	return &Job{Bus: b, InstanceID: instanceID, SchedulingTimeout: schedulingTimeout}
}

var _ harness.Job = (*Job)(nil)

func (j *Job) Name() string                   { return "scheduler." + j.InstanceID }
func (j *Job) HonorsGracefulTermination() bool { return false }

func (j *Job) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	key := string(domain.KindSessionCreated)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		default:
		}

		entries, err := j.Bus.Read(ctx, key, consumerGroup, j.InstanceID, defaultReadBatch, defaultIdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "scheduler: read session created")
		}

		for _, entry := range entries {
			j.handle(ctx, entry)
		}
	}
}

func (j *Job) handle(ctx context.Context, entry bus.StreamEntry) {
	defer func() {
		if err := j.Bus.Ack(ctx, string(domain.KindSessionCreated), consumerGroup, entry.ID); err != nil {
			logger.Warnw("scheduler: failed to ack session created", "error", err)
		}
	}()

	var created domain.SessionCreated
	if err := json.Unmarshal(entry.Payload, &created); err != nil {
		logger.Warnw("scheduler: malformed session created event", "error", err)
		return
	}

	provisionerID, err := j.match(ctx, created)
	if err != nil {
		j.terminate(ctx, created.ID, err.Error())
		return
	}

	if err := j.assign(ctx, created, provisionerID); err != nil {
		j.terminate(ctx, created.ID, err.Error())
	}
}

// match issues a ProvisionerMatchRequest and waits for the first reply, or
// returns an error once SchedulingTimeout elapses with no responder
// (spec.md §4.4: "Collect ≥1 reply; pick one. Tie-break rule: first-reply
// wins... Multiple replies are permitted; extras are dropped.").
func (j *Job) match(ctx context.Context, created domain.SessionCreated) (string, error) {
	replyLocation := "match-reply:" + uuid.NewString()

	req := domain.ProvisionerMatchRequest{
		SessionID:        created.ID,
		RawCapabilities:  created.RawCapabilities,
		ResponseLocation: replyLocation,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "scheduler: marshal match request")
	}

	if _, err := j.Bus.Append(ctx, string(domain.KindProvisionerMatchRequest), streamMaxLen, payload); err != nil {
		return "", errors.Wrap(err, "scheduler: publish match request")
	}

	reply, err := j.Bus.BLPop(ctx, replyLocation, j.SchedulingTimeout)
	if err != nil {
		return "", errors.Wrap(err, "scheduler: await match reply")
	}
	if reply == nil {
		return "", errors.Newf("scheduler: no orchestrator matched session %s within %s", created.ID, j.SchedulingTimeout)
	}

	var parsed domain.ProvisionerMatchReply
	if err := json.Unmarshal(reply, &parsed); err != nil {
		return "", errors.Wrap(err, "scheduler: malformed match reply")
	}
	return parsed.OrchestratorID, nil
}

func (j *Job) assign(ctx context.Context, created domain.SessionCreated, provisionerID string) error {
	scheduled, err := json.Marshal(domain.SessionScheduled{ID: created.ID, Provisioner: provisionerID})
	if err != nil {
		return errors.Wrap(err, "scheduler: marshal session scheduled")
	}
	if _, err := j.Bus.Append(ctx, string(domain.KindSessionScheduled), streamMaxLen, scheduled); err != nil {
		return errors.Wrap(err, "scheduler: publish session scheduled")
	}

	assigned, err := json.Marshal(domain.ProvisioningJobAssigned{SessionID: created.ID, RawCapabilities: created.RawCapabilities})
	if err != nil {
		return errors.Wrap(err, "scheduler: marshal provisioning job")
	}
	subkey := string(domain.KindProvisioningJobAssigned) + "." + provisionerID
	if _, err := j.Bus.Append(ctx, subkey, streamMaxLen, assigned); err != nil {
		return errors.Wrap(err, "scheduler: publish provisioning job")
	}
	return nil
}

func (j *Job) terminate(ctx context.Context, id domain.ID, message string) {
	payload, err := json.Marshal(domain.SessionTerminated{
		ID: id,
		Reason: domain.TerminationReason{
			Kind:    domain.StartupFailed,
			Message: message,
		},
	})
	if err != nil {
		logger.Warnw("scheduler: failed to marshal termination", "error", err)
		return
	}
	if _, err := j.Bus.Append(ctx, string(domain.KindSessionTerminated), streamMaxLen, payload); err != nil {
		logger.Warnw("scheduler: failed to publish termination", "error", err)
	}
}
