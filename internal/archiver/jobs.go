package archiver

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
	consumerGroup    = "collector"
	readBatch        = 64
	readIdleTimeout  = 2 * time.Second
)

// Archiver wires the six event-kind consumer jobs spec.md §4.7 names, all
// in the shared "collector" consumer group, onto one Store.
type Archiver struct {
	Bus   bus.Streams
	Store Store
}

func New(b bus.Streams, store Store) *Archiver {
	return &Archiver{Bus: b, Store: store}
}

// Jobs returns one harness.Job per lifecycle event kind, ready to be
// spawned on a harness.Scheduler.
func (a *Archiver) Jobs() []harness.Job {
	return []harness.Job{
		&createdJob{a: a},
		&scheduledJob{a: a},
		&provisionedJob{a: a},
		&operationalJob{a: a},
		&metadataJob{a: a},
		&terminatedJob{a: a},
	}
}

// consumeLoop is the shared read/handle/ack body every consumer job runs,
// grounded on internal/manager's consumeLoop of the same shape.
func consumeLoop(ctx context.Context, tm *harness.TaskManager, b bus.Streams, key string, handle func(bus.StreamEntry)) error {
	tm.Ready()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		default:
		}

		entries, err := b.Read(ctx, key, consumerGroup, consumerGroup, readBatch, readIdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "archiver: read %s", key)
		}

		for _, entry := range entries {
			handle(entry)
			if err := b.Ack(ctx, key, consumerGroup, entry.ID); err != nil {
				logger.Warnw("archiver: failed to ack entry", "key", key, "error", err)
			}
		}
	}
}

type createdJob struct{ a *Archiver }

var _ harness.Job = (*createdJob)(nil)

func (j *createdJob) Name() string                   { return "archiver.collector.session-created" }
func (j *createdJob) HonorsGracefulTermination() bool { return false }

func (j *createdJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	key := string(domain.KindSessionCreated)
	return consumeLoop(ctx, tm, j.a.Bus, key, func(entry bus.StreamEntry) {
		var ev domain.SessionCreated
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("archiver: malformed session created event", "error", err)
			return
		}
		if err := j.a.Store.UpsertCreated(ctx, ev.ID, time.Now()); err != nil {
			logger.Warnw("archiver: failed to project session created", "session", ev.ID, "error", err)
		}
	})
}

type scheduledJob struct{ a *Archiver }

var _ harness.Job = (*scheduledJob)(nil)

func (j *scheduledJob) Name() string                   { return "archiver.collector.session-scheduled" }
func (j *scheduledJob) HonorsGracefulTermination() bool { return false }

func (j *scheduledJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	key := string(domain.KindSessionScheduled)
	return consumeLoop(ctx, tm, j.a.Bus, key, func(entry bus.StreamEntry) {
		var ev domain.SessionScheduled
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("archiver: malformed session scheduled event", "error", err)
			return
		}
		if err := j.a.Store.UpsertScheduled(ctx, ev.ID, ev.Provisioner); err != nil {
			logger.Warnw("archiver: failed to project session scheduled", "session", ev.ID, "error", err)
		}
	})
}

type provisionedJob struct{ a *Archiver }

var _ harness.Job = (*provisionedJob)(nil)

func (j *provisionedJob) Name() string                   { return "archiver.collector.session-provisioned" }
func (j *provisionedJob) HonorsGracefulTermination() bool { return false }

func (j *provisionedJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	key := string(domain.KindSessionProvisioned)
	return consumeLoop(ctx, tm, j.a.Bus, key, func(entry bus.StreamEntry) {
		var ev domain.SessionProvisioned
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("archiver: malformed session provisioned event", "error", err)
			return
		}
		if err := j.a.Store.UpsertProvisioned(ctx, ev.ID, time.Now(), ev.Metadata); err != nil {
			logger.Warnw("archiver: failed to project session provisioned", "session", ev.ID, "error", err)
		}
	})
}

type operationalJob struct{ a *Archiver }

var _ harness.Job = (*operationalJob)(nil)

func (j *operationalJob) Name() string                   { return "archiver.collector.session-operational" }
func (j *operationalJob) HonorsGracefulTermination() bool { return false }

func (j *operationalJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	key := string(domain.KindSessionOperational)
	return consumeLoop(ctx, tm, j.a.Bus, key, func(entry bus.StreamEntry) {
		var ev domain.SessionOperational
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("archiver: malformed session operational event", "error", err)
			return
		}
		browserName, _ := ev.ActualCapabilities["browserName"].(string)
		browserVersion, _ := ev.ActualCapabilities["browserVersion"].(string)
		if err := j.a.Store.UpsertOperational(ctx, ev.ID, time.Now(), browserName, browserVersion); err != nil {
			logger.Warnw("archiver: failed to project session operational", "session", ev.ID, "error", err)
		}
	})
}

type metadataJob struct{ a *Archiver }

var _ harness.Job = (*metadataJob)(nil)

func (j *metadataJob) Name() string                   { return "archiver.collector.session-metadata" }
func (j *metadataJob) HonorsGracefulTermination() bool { return false }

func (j *metadataJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	key := string(domain.KindSessionMetadataModified)
	return consumeLoop(ctx, tm, j.a.Bus, key, func(entry bus.StreamEntry) {
		var ev domain.SessionMetadataModified
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("archiver: malformed session metadata event", "error", err)
			return
		}
		if err := j.a.Store.PatchMetadata(ctx, ev.ID, ev.Metadata); err != nil {
			logger.Warnw("archiver: failed to project session metadata", "session", ev.ID, "error", err)
		}
	})
}

type terminatedJob struct{ a *Archiver }

var _ harness.Job = (*terminatedJob)(nil)

func (j *terminatedJob) Name() string                   { return "archiver.collector.session-terminated" }
func (j *terminatedJob) HonorsGracefulTermination() bool { return false }

func (j *terminatedJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	key := string(domain.KindSessionTerminated)
	return consumeLoop(ctx, tm, j.a.Bus, key, func(entry bus.StreamEntry) {
		var ev domain.SessionTerminated
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("archiver: malformed session terminated event", "error", err)
			return
		}
		if err := j.a.Store.Finalize(ctx, ev.ID, time.Now(), ev.Reason, ev.RecordingBytes); err != nil {
			logger.Warnw("archiver: failed to project session terminated", "session", ev.ID, "error", err)
		}
	})
}
