// Package harness is the shared substrate every grid service is built on
// top of (spec.md §4.1): a job scheduler with crash-loop backoff, the
// Heart/HeartStone lifetime primitive, a heartbeat publisher, and factories
// for bus-backed resource handles. Grounded on the teacher's
// pulse/async.WorkerPool (context-cancellation shutdown, sync.WaitGroup,
// exponential backoff, zap-wrapped logger) generalised from "job = async
// unit of work pulled off a queue" to "job = long-running named goroutine
// with startup/termination hooks."
package harness

import (
	"context"
	"sync"
)

// Job is a named, potentially long-running unit of work (spec.md §4.1).
type Job interface {
	// Name identifies the job in the scheduler's status map and logs.
	Name() string
	// HonorsGracefulTermination reports whether TerminateAll should wait
	// for this job to observe its termination signal before aborting it.
	HonorsGracefulTermination() bool
	// Execute runs the job. Returning nil means the job completed
	// normally (no restart); returning an error triggers a restart with
	// backoff.
	Execute(ctx context.Context, tm *TaskManager) error
}

// TaskManager is the per-job handle the scheduler wires up on each spawn
// (and re-wires on each restart): a fresh context, a call-once ready latch,
// a broadcast-watchable termination signal, and a resource-handle factory.
type TaskManager struct {
	ctx          context.Context
	terminate    chan struct{}
	terminateOne sync.Once

	readyOnce sync.Once
	readyCh   chan struct{}

	onResourceDied func()
}

func newTaskManager(ctx context.Context, onResourceDied func()) *TaskManager {
	return &TaskManager{
		ctx:            ctx,
		terminate:      make(chan struct{}),
		readyCh:        make(chan struct{}),
		onResourceDied: onResourceDied,
	}
}

// Context returns the job's context, cancelled when the scheduler restarts
// or tears down the job.
func (tm *TaskManager) Context() context.Context {
	return tm.ctx
}

// Ready signals the job has finished its startup hook. Call-once: later
// calls are no-ops.
func (tm *TaskManager) Ready() {
	tm.readyOnce.Do(func() { close(tm.readyCh) })
}

// ReadyChan is closed once Ready has been called.
func (tm *TaskManager) ReadyChan() <-chan struct{} {
	return tm.readyCh
}

// Terminating is closed when the scheduler asserts the termination signal
// for this job (graceful shutdown request).
func (tm *TaskManager) Terminating() <-chan struct{} {
	return tm.terminate
}

func (tm *TaskManager) assertTermination() {
	tm.terminateOne.Do(func() { close(tm.terminate) })
}

// NewResourceHandle mints a handle to a bus connection this job depends on.
// Calling ResourceDied on any handle minted from this task manager triggers
// the scheduler to restart the job (dropping its context and reconnecting).
func (tm *TaskManager) NewResourceHandle() *ResourceHandle {
	return &ResourceHandle{tm: tm}
}

// ResourceHandle is a lightweight capability a job hands to the connections
// it owns; multiple handles may share one underlying bus connection, and
// invalidation notifies all of them because they all route through the same
// TaskManager.
type ResourceHandle struct {
	tm *TaskManager
	mu sync.Mutex
	hit bool
}

// ResourceDied reports that the underlying connection has failed. It is
// safe to call more than once or concurrently; only the first call takes
// effect.
func (h *ResourceHandle) ResourceDied() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hit {
		return
	}
	h.hit = true
	if h.tm.onResourceDied != nil {
		h.tm.onResourceDied()
	}
}
