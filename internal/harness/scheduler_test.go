package harness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/errors"
)

type fnJob struct {
	name      string
	graceful  bool
	executeFn func(ctx context.Context, tm *TaskManager) error
}

func (f *fnJob) Name() string                      { return f.name }
func (f *fnJob) HonorsGracefulTermination() bool    { return f.graceful }
func (f *fnJob) Execute(ctx context.Context, tm *TaskManager) error {
	return f.executeFn(ctx, tm)
}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	s := NewScheduler(context.Background())
	ran := make(chan struct{})

	s.Spawn(&fnJob{
		name:     "noop",
		graceful: false,
		executeFn: func(ctx context.Context, tm *TaskManager) error {
			close(ran)
			return nil
		},
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	require.Eventually(t, func() bool {
		return s.Status()["noop"] == StatusTerminated
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRestartsFailedJob(t *testing.T) {
	s := NewScheduler(context.Background())
	var attempts int32

	s.Spawn(&fnJob{
		name:     "flaky",
		graceful: false,
		executeFn: func(ctx context.Context, tm *TaskManager) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return assertErr
			}
			return nil
		},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerCrashLoopBackOff(t *testing.T) {
	origBase, origCap := backoffBase, backoffCap
	backoffBase = time.Millisecond
	backoffCap = 3
	defer func() { backoffBase, backoffCap = origBase, origCap }()

	s := NewScheduler(context.Background())

	s.Spawn(&fnJob{
		name:     "always-fails",
		graceful: false,
		executeFn: func(ctx context.Context, tm *TaskManager) error {
			return assertErr
		},
	})

	require.Eventually(t, func() bool {
		return s.Status()["always-fails"] == StatusCrashLoopBackOff
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSchedulerTerminateAllGraceful(t *testing.T) {
	s := NewScheduler(context.Background())
	exited := make(chan struct{})

	s.Spawn(&fnJob{
		name:     "long-runner",
		graceful: true,
		executeFn: func(ctx context.Context, tm *TaskManager) error {
			tm.Ready()
			<-tm.Terminating()
			close(exited)
			return nil
		},
	})

	require.Eventually(t, func() bool {
		return s.Status()["long-runner"] == StatusRunning
	}, time.Second, 5*time.Millisecond)

	s.TerminateAll(time.Second)

	select {
	case <-exited:
	default:
		t.Fatal("graceful job should have observed termination signal")
	}
}

func TestResourceHandleTriggersRestart(t *testing.T) {
	s := NewScheduler(context.Background())
	var starts int32

	s.Spawn(&fnJob{
		name:     "resource-dependent",
		graceful: false,
		executeFn: func(ctx context.Context, tm *TaskManager) error {
			n := atomic.AddInt32(&starts, 1)
			handle := tm.NewResourceHandle()
			if n == 1 {
				handle.ResourceDied()
			}
			<-ctx.Done()
			return nil
		},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&starts) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOverallIsOperationalWithNoJobs(t *testing.T) {
	s := NewScheduler(context.Background())
	assert.Equal(t, "Operational", s.Overall())
}

var assertErr = errors.New("simulated job failure")
