// Package manager turns an ingress request into a SessionCreated event and
// parks the caller until the session reaches Operational or is terminated
// (spec.md §4.4 "Ingress side (creator + listeners)"). It is kept separate
// from internal/ingress so the parking LRU and its two outcome-listener
// jobs can be reused by any responder that needs to await a session's
// outcome, not only the HTTP-facing one.
package manager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

const streamMaxLen = 10_000

// Outcome is delivered to a parked request exactly once: either the session
// became Operational, was Terminated, or the parking slot was evicted
// because the request pool was saturated (spec.md §4.4 step 1: "bound ≈
// request-limit; eviction drops oldest request").
type Outcome struct {
	Operational *domain.SessionOperational
	Terminated  *domain.SessionTerminated
	Evicted     bool
}

type waiter struct {
	ch   chan Outcome
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan Outcome, 1)}
}

// deliver sends outcome if this waiter has not already been resolved
// (idempotent: both the listener jobs and an LRU eviction may race to
// resolve the same waiter, and only the first should count).
func (w *waiter) deliver(o Outcome) {
	w.once.Do(func() {
		w.ch <- o
		close(w.ch)
	})
}

// Manager publishes SessionCreated events and parks the caller's one-shot
// outcome channel in a bounded LRU keyed by session id.
type Manager struct {
	Bus        bus.Bus
	InstanceID string

	mu     sync.Mutex
	parked *lru.Cache[domain.ID, *waiter]
}

// New constructs a manager whose park slots are bounded by requestLimit.
func New(b bus.Bus, instanceID string, requestLimit int) (*Manager, error) {
	m := &Manager{Bus: b, InstanceID: instanceID}

	parked, err := lru.NewWithEvict[domain.ID, *waiter](requestLimit, func(_ domain.ID, w *waiter) {
		w.deliver(Outcome{Evicted: true})
	})
	if err != nil {
		return nil, errors.Wrap(err, "manager: construct park-slot LRU")
	}
	m.parked = parked
	return m, nil
}

// Create generates a session id, publishes SessionCreated, and parks a
// one-shot outcome channel for it. The caller should select on the returned
// channel against its own overall timeout.
func (m *Manager) Create(ctx context.Context, rawCapabilities map[string]any) (domain.ID, <-chan Outcome, error) {
	id := domain.NewID()
	w := newWaiter()

	m.mu.Lock()
	m.parked.Add(id, w)
	m.mu.Unlock()

	payload, err := json.Marshal(domain.SessionCreated{ID: id, RawCapabilities: rawCapabilities})
	if err != nil {
		m.removeParked(id)
		return id, nil, errors.Wrap(err, "manager: marshal session created")
	}

	if _, err := m.Bus.Append(ctx, string(domain.KindSessionCreated), streamMaxLen, payload); err != nil {
		m.removeParked(id)
		return id, nil, errors.Wrap(err, "manager: publish session created")
	}

	return id, w.ch, nil
}

func (m *Manager) removeParked(id domain.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked.Remove(id)
}

// Cancel drops id's park slot immediately, used when the client's HTTP
// request is cancelled before an outcome arrives (spec.md §4.3: "cancellation
// of the client HTTP request must drop the park slot").
func (m *Manager) Cancel(id domain.ID) {
	m.removeParked(id)
}

// resolveParked delivers outcome to id's parked waiter, if any, then removes
// it from the LRU. Delivery happens before removal: Remove also triggers
// the LRU's eviction callback (which would otherwise deliver a spurious
// Evicted outcome), but waiter.deliver is idempotent so that second
// delivery attempt is a harmless no-op once the real outcome has already
// been sent.
func (m *Manager) resolveParked(id domain.ID, outcome Outcome) {
	m.mu.Lock()
	w, ok := m.parked.Get(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	w.deliver(outcome)
	m.removeParked(id)
}

// OperationalListenerJob consumes SessionOperational and resolves any
// matching parked request (spec.md §4.4 step 3).
type OperationalListenerJob struct {
	m *Manager
}

func (m *Manager) NewOperationalListenerJob() *OperationalListenerJob {
	return &OperationalListenerJob{m: m}
}

var _ harness.Job = (*OperationalListenerJob)(nil)

func (j *OperationalListenerJob) Name() string                   { return "manager.operational." + j.m.InstanceID }
func (j *OperationalListenerJob) HonorsGracefulTermination() bool { return false }

func (j *OperationalListenerJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	return consumeLoop(ctx, tm, j.m.Bus, string(domain.KindSessionOperational), j.m.InstanceID, func(entry bus.StreamEntry) {
		var ev domain.SessionOperational
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("manager: malformed session operational event", "error", err)
			return
		}
		j.m.resolveParked(ev.ID, Outcome{Operational: &ev})
	})
}

// TerminatedListenerJob consumes SessionTerminated and resolves any
// matching parked request (spec.md §4.4 step 3).
type TerminatedListenerJob struct {
	m *Manager
}

func (m *Manager) NewTerminatedListenerJob() *TerminatedListenerJob {
	return &TerminatedListenerJob{m: m}
}

var _ harness.Job = (*TerminatedListenerJob)(nil)

func (j *TerminatedListenerJob) Name() string                   { return "manager.terminated." + j.m.InstanceID }
func (j *TerminatedListenerJob) HonorsGracefulTermination() bool { return false }

func (j *TerminatedListenerJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	return consumeLoop(ctx, tm, j.m.Bus, string(domain.KindSessionTerminated), j.m.InstanceID, func(entry bus.StreamEntry) {
		var ev domain.SessionTerminated
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			logger.Warnw("manager: malformed session terminated event", "error", err)
			return
		}
		j.m.resolveParked(ev.ID, Outcome{Terminated: &ev})
	})
}

const (
	listenerReadBatch   = 32
	listenerIdleTimeout = 2 * time.Second
)

// consumeLoop is the shared consumer-group read/handle/ack loop both
// listener jobs run; each ingress instance uses its own group (named by
// instance id) so every instance observes every event, since only that
// instance's park-slot LRU can hold the matching waiter (spec.md §4.4 step
// 3: "unmatched events are silently dropped").
func consumeLoop(ctx context.Context, tm *harness.TaskManager, b bus.Streams, key, group string, handle func(bus.StreamEntry)) error {
	tm.Ready()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		default:
		}

		entries, err := b.Read(ctx, key, group, group, listenerReadBatch, listenerIdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "manager: read %s", key)
		}

		for _, entry := range entries {
			handle(entry)
			if err := b.Ack(ctx, key, group, entry.ID); err != nil {
				logger.Warnw("manager: failed to ack entry", "key", key, "error", err)
			}
		}
	}
}
