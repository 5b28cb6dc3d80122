package orchestrator

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
	streamMaxLen       = 10_000
	defaultReadBatch   = 16
	defaultIdleTimeout = 2 * time.Second
)

// Orchestrator bundles the permit pool, provisioner, and image set one
// instance of the `orchestrator` service operates, wiring together the two
// consumer-group jobs and the reconciliation job spec.md §4.5 describes.
type Orchestrator struct {
	InstanceID  string
	Bus         bus.Bus
	Permits     *PermitPool
	Provisioner Provisioner
	Images      ImageSet
}

// MatcherJob answers ProvisionerMatchRequest events whose capabilities this
// orchestrator's ImageSet can satisfy (spec.md §4.4 "Orchestrator side:
// Matcher").
type MatcherJob struct {
	o *Orchestrator
}

func (o *Orchestrator) NewMatcherJob() *MatcherJob { return &MatcherJob{o: o} }

var _ harness.Job = (*MatcherJob)(nil)

func (j *MatcherJob) Name() string                   { return "orchestrator.matcher." + j.o.InstanceID }
func (j *MatcherJob) HonorsGracefulTermination() bool { return false }

func (j *MatcherJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	group := "matcher"
	consumer := j.o.InstanceID

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		default:
		}

		entries, err := j.o.Bus.Read(ctx, string(domain.KindProvisionerMatchRequest), group, consumer, defaultReadBatch, defaultIdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "orchestrator: matcher read")
		}

		for _, entry := range entries {
			j.handle(ctx, entry)
		}
	}
}

func (j *MatcherJob) handle(ctx context.Context, entry bus.StreamEntry) {
	defer func() {
		if err := j.o.Bus.Ack(ctx, string(domain.KindProvisionerMatchRequest), "matcher", entry.ID); err != nil {
			logger.Warnw("orchestrator: failed to ack match request", "error", err)
		}
	}()

	var req domain.ProvisionerMatchRequest
	if err := json.Unmarshal(entry.Payload, &req); err != nil {
		logger.Warnw("orchestrator: malformed match request", "error", err)
		return
	}

	if _, ok := j.o.Images.Match(req.RawCapabilities); !ok {
		return // non-matching requests are ack'd without reply
	}

	reply, err := json.Marshal(domain.ProvisionerMatchReply{OrchestratorID: j.o.InstanceID})
	if err != nil {
		logger.Warnw("orchestrator: failed to marshal match reply", "error", err)
		return
	}
	if err := j.o.Bus.RPush(ctx, req.ResponseLocation, reply); err != nil {
		logger.Warnw("orchestrator: failed to push match reply", "error", err)
	}
}

// ProvisionJob consumes ProvisioningJobAssigned events restricted to this
// orchestrator's subkey, acquires a permit, and calls the provisioner
// (spec.md §4.4 "Orchestrator side: Provisioner").
type ProvisionJob struct {
	o *Orchestrator
}

func (o *Orchestrator) NewProvisionJob() *ProvisionJob { return &ProvisionJob{o: o} }

var _ harness.Job = (*ProvisionJob)(nil)

func (j *ProvisionJob) Name() string                   { return "orchestrator.provision." + j.o.InstanceID }
func (j *ProvisionJob) HonorsGracefulTermination() bool { return false }

// streamKey returns the per-orchestrator stream key
// ProvisioningJobAssigned events are published to.
func (j *ProvisionJob) streamKey() string {
	return string(domain.KindProvisioningJobAssigned) + "." + j.o.InstanceID
}

func (j *ProvisionJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	group := "provisioner"
	consumer := j.o.InstanceID
	key := j.streamKey()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		default:
		}

		entries, err := j.o.Bus.Read(ctx, key, group, consumer, defaultReadBatch, defaultIdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "orchestrator: provision read")
		}

		for _, entry := range entries {
			j.handle(ctx, key, entry)
		}
	}
}

func (j *ProvisionJob) handle(ctx context.Context, key string, entry bus.StreamEntry) {
	var assigned domain.ProvisioningJobAssigned
	if err := json.Unmarshal(entry.Payload, &assigned); err != nil {
		logger.Warnw("orchestrator: malformed provisioning job", "error", err)
		_ = j.o.Bus.Ack(ctx, key, "provisioner", entry.ID)
		return
	}

	spec, ok := j.o.Images.Match(assigned.RawCapabilities)
	if !ok {
		j.terminate(ctx, assigned.SessionID, "no matching image for capabilities")
		_ = j.o.Bus.Ack(ctx, key, "provisioner", entry.ID)
		return
	}

	if err := j.o.Permits.Acquire(ctx, assigned.SessionID); err != nil {
		if ctx.Err() != nil {
			return // shutting down; leave unacked for redelivery
		}
		j.terminate(ctx, assigned.SessionID, err.Error())
		_ = j.o.Bus.Ack(ctx, key, "provisioner", entry.ID)
		return
	}

	meta, err := j.o.Provisioner.Provision(ctx, assigned.SessionID, assigned.RawCapabilities, spec)
	if err != nil {
		j.o.Permits.Release(assigned.SessionID)
		j.terminate(ctx, assigned.SessionID, err.Error())
		_ = j.o.Bus.Ack(ctx, key, "provisioner", entry.ID)
		return
	}

	payload, err := json.Marshal(domain.SessionProvisioned{ID: assigned.SessionID, Metadata: meta})
	if err == nil {
		_, _ = j.o.Bus.Append(ctx, string(domain.KindSessionProvisioned), streamMaxLen, payload)
	}

	_ = j.o.Bus.Ack(ctx, key, "provisioner", entry.ID)
}

func (j *ProvisionJob) terminate(ctx context.Context, id domain.ID, message string) {
	payload, err := json.Marshal(domain.SessionTerminated{
		ID: id,
		Reason: domain.TerminationReason{
			Kind:    domain.StartupFailed,
			Message: message,
		},
	})
	if err != nil {
		logger.Warnw("orchestrator: failed to marshal termination", "error", err)
		return
	}
	if _, err := j.o.Bus.Append(ctx, string(domain.KindSessionTerminated), streamMaxLen, payload); err != nil {
		logger.Warnw("orchestrator: failed to publish termination", "error", err)
	}
}

// ReconcileJob runs purge + alive_sessions + release_dead every
// cleanup_interval (spec.md §4.5 "Hardware reconciliation job"), covering
// the loss of a SessionTerminated event.
type ReconcileJob struct {
	o        *Orchestrator
	interval time.Duration
}

func (o *Orchestrator) NewReconcileJob(interval time.Duration) *ReconcileJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ReconcileJob{o: o, interval: interval}
}

var _ harness.Job = (*ReconcileJob)(nil)

func (j *ReconcileJob) Name() string                   { return "orchestrator.reconcile." + j.o.InstanceID }
func (j *ReconcileJob) HonorsGracefulTermination() bool { return false }

func (j *ReconcileJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *ReconcileJob) tick(ctx context.Context) {
	if err := j.o.Provisioner.PurgeTerminated(ctx); err != nil {
		logger.Warnw("orchestrator: purge terminated failed", "error", err)
	}

	alive, err := j.o.Provisioner.AliveSessions(ctx)
	if err != nil {
		logger.Warnw("orchestrator: alive sessions failed", "error", err)
		return
	}

	aliveSet := make(map[domain.ID]struct{}, len(alive))
	for _, id := range alive {
		aliveSet[id] = struct{}{}
	}
	j.o.Permits.ReleaseDead(aliveSet)
}
