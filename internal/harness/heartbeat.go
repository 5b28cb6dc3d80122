package harness

import (
	"context"
	"time"

	"github.com/webgrid-go/webgrid/internal/bus"
)

// HeartbeatPublisher rewrites a TTL'd key on a timer and deletes it on
// termination, so the key's absence signals its owner is presumed dead
// (spec.md §3 "Heartbeat", §4.1 "Heartbeat publisher").
type HeartbeatPublisher struct {
	kv       bus.KV
	key      string
	interval time.Duration
	ttl      time.Duration
	value    []byte
}

// NewHeartbeatPublisher registers a heartbeat for key with the given
// refresh interval and TTL.
func NewHeartbeatPublisher(kv bus.KV, key string, interval, ttl time.Duration, value []byte) *HeartbeatPublisher {
	return &HeartbeatPublisher{kv: kv, key: key, interval: interval, ttl: ttl, value: value}
}

// Name implements Job.
func (h *HeartbeatPublisher) Name() string {
	return "heartbeat:" + h.key
}

// HonorsGracefulTermination implements Job: the publisher deletes its key
// on the way out, so it must be given the chance to do so.
func (h *HeartbeatPublisher) HonorsGracefulTermination() bool {
	return true
}

// Execute implements Job: writes the key immediately, then on each tick,
// deleting it when the termination signal fires or the context is done.
func (h *HeartbeatPublisher) Execute(ctx context.Context, tm *TaskManager) error {
	if err := h.kv.Set(ctx, h.key, h.value, h.ttl); err != nil {
		return err
	}
	tm.Ready()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.cleanup()
			return nil
		case <-tm.Terminating():
			h.cleanup()
			return nil
		case <-ticker.C:
			if err := h.kv.Set(context.Background(), h.key, h.value, h.ttl); err != nil {
				return err
			}
		}
	}
}

func (h *HeartbeatPublisher) cleanup() {
	_ = h.kv.Del(context.Background(), h.key)
}
