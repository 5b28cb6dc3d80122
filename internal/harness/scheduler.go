package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webgrid-go/webgrid/logger"
)

// Status is a job's externally observable lifecycle state (spec.md §4.1).
type Status string

const (
	StatusStartup          Status = "Startup"
	StatusRunning           Status = "Running"
	StatusRestarting        Status = "Restarting"
	StatusCrashLoopBackOff  Status = "CrashLoopBackOff"
	StatusTerminated        Status = "Terminated"
)

// backoffBase and backoffCap are vars (not consts) so tests can shrink them
// rather than waiting out a realistic multi-minute crash-loop backoff.
var (
	backoffBase = 25 * time.Millisecond
	backoffCap  = 13 // retries before CrashLoopBackOff
)

type entry struct {
	job     Job
	tm      *TaskManager
	cancel  context.CancelFunc
	retries int
}

// Scheduler spawns and supervises jobs, restarting failed ones with
// exponential backoff and exposing a concurrently-readable status map
// (spec.md §4.1 "Scheduler contract").
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	status  map[string]Status

	wg  sync.WaitGroup
	log *zap.SugaredLogger
}

// NewScheduler builds a scheduler bound to parentCtx; cancelling parentCtx
// tears down every spawned job.
func NewScheduler(parentCtx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry{},
		status:  map[string]Status{},
		log:     logger.ComponentLogger("harness.scheduler"),
	}
}

// Spawn starts job, wiring it to a fresh TaskManager. If the job later
// returns an error (or its resource handle reports death), it is restarted
// with backoff; once it has been restarted backoffCap times (the count is
// never reset), the next failure sets its status to CrashLoopBackOff and it
// is no longer retried automatically.
func (s *Scheduler) Spawn(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	e := &entry{job: job}
	s.entries[name] = e
	s.setStatus(name, StatusStartup)

	s.startLocked(e)
}

// startLocked must be called with s.mu held.
func (s *Scheduler) startLocked(e *entry) {
	jobCtx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	e.tm = newTaskManager(jobCtx, func() {
		s.restart(e.job.Name(), "resource died")
	})

	s.wg.Add(1)
	go s.run(e)
}

func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()

	name := e.job.Name()
	s.setStatus(name, StatusRunning)

	err := e.job.Execute(e.tm.Context(), e.tm)

	select {
	case <-s.ctx.Done():
		s.setStatus(name, StatusTerminated)
		return
	default:
	}

	if err == nil {
		s.setStatus(name, StatusTerminated)
		return
	}

	s.log.Warnw("job exited with error, scheduling restart", "job", name, "error", err)
	s.restart(name, "execute error")
}

// restart applies exponential backoff (base 25ms, x2, capped at 13 retries)
// before re-spawning the job; past the cap the job's status becomes
// CrashLoopBackOff and it stays there.
func (s *Scheduler) restart(name string, reason string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return
	}

	select {
	case <-s.ctx.Done():
		s.mu.Unlock()
		return
	default:
	}

	e.retries++
	if e.retries > backoffCap {
		s.setStatus(name, StatusCrashLoopBackOff)
		s.mu.Unlock()
		return
	}

	s.setStatus(name, StatusRestarting)
	delay := backoffDelay(e.retries)
	s.mu.Unlock()

	s.log.Infow("restarting job", "job", name, "reason", reason, "attempt", e.retries, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	s.startLocked(e)
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (s *Scheduler) setStatus(name string, st Status) {
	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
}

// Status returns a snapshot of every spawned job's current status.
func (s *Scheduler) Status() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Overall reports the aggregate health used by the status-probe endpoint:
// Operational if every job is Running or Terminated cleanly, Degraded if
// any job is Restarting or still in Startup, Unrecoverable if any job is CrashLoopBackOff.
func (s *Scheduler) Overall() string {
	statuses := s.Status()
	unrecoverable := false
	degraded := false
	for _, st := range statuses {
		switch st {
		case StatusCrashLoopBackOff:
			unrecoverable = true
		case StatusRestarting, StatusStartup:
			degraded = true
		}
	}
	switch {
	case unrecoverable:
		return "Unrecoverable"
	case degraded:
		return "Degraded"
	default:
		return "Operational"
	}
}

// TerminateAll asserts the termination signal on every job that honors
// graceful termination, awaits exit up to gracePeriod, then cancels the
// root context to abort the rest.
func (s *Scheduler) TerminateAll(gracePeriod time.Duration) {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.job.HonorsGracefulTermination() && e.tm != nil {
			e.tm.assertTermination()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warnw("terminate grace period elapsed, aborting remaining jobs", "grace_period", gracePeriod)
	}
	s.cancel()
	<-doneOrImmediate(done)
}

func doneOrImmediate(done <-chan struct{}) <-chan struct{} {
	select {
	case <-done:
		return done
	default:
	}
	out := make(chan struct{})
	go func() {
		<-done
		close(out)
	}()
	return out
}

// ProbeHandler serves the scheduler's status map as JSON, with HTTP
// 200/503/410 for Operational/Degraded/Unrecoverable respectively
// (spec.md §4.1).
func (s *Scheduler) ProbeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overall := s.Overall()
		w.Header().Set("Content-Type", "application/json")
		switch overall {
		case "Operational":
			w.WriteHeader(http.StatusOK)
		case "Degraded":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusGone)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"overall": overall,
			"jobs":    s.Status(),
		})
	})
}
