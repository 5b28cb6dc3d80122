// Package bus defines the coordination substrate every grid service talks
// through instead of calling each other directly (spec.md §2, §4.2):
// streams with consumer groups, ephemeral reply lists, pub/sub, a
// key-value store, and a narrow atomic-script escape hatch. Two
// implementations live here: Redis (internal/bus/redisbus, the production
// backend) and an in-memory one (internal/bus/membus, used by every other
// package's tests).
package bus

import (
	"context"
	"time"
)

// StreamEntry is one delivered record from a stream read.
type StreamEntry struct {
	ID      string
	Payload []byte
}

// Streams is the append/consume half of the bus: an append-only log per
// key, with approximate length capping and at-least-once delivery per
// consumer group (spec.md §4.2.1).
type Streams interface {
	// Append adds payload to the stream at key, trimming to approximately
	// maxLen entries, and returns the opaque entry id assigned.
	Append(ctx context.Context, key string, maxLen int64, payload []byte) (string, error)

	// Read fetches up to batch entries for group/consumer on key, creating
	// the group lazily at the head (so entries appended before the group's
	// first read are still delivered) if it doesn't exist yet, and blocking up
	// to idleTimeout if nothing is immediately available.
	Read(ctx context.Context, key, group, consumer string, batch int, idleTimeout time.Duration) ([]StreamEntry, error)

	// Ack acknowledges processing of id for group on key so it will not be
	// redelivered.
	Ack(ctx context.Context, key, group, id string) error
}

// Lists is the ephemeral-reply-location half of request/response
// (spec.md §4.2.2).
type Lists interface {
	RPush(ctx context.Context, location string, payload []byte) error
	BLPop(ctx context.Context, location string, timeout time.Duration) ([]byte, error)
}

// PubSub is pattern-subscribe + one-shot publish, used by service discovery
// (spec.md §4.2.3, §4.7).
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads matching the pattern and a
	// closer to stop the subscription. The returned channel is closed when
	// the subscription ends (ctx cancelled or Close called).
	Subscribe(ctx context.Context, pattern string) (<-chan []byte, func() error, error)
}

// KV is the small-structured-record key-value store (spec.md §4.2.4), used
// for heartbeats and persisted-state keys like session:{id}:upstream.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
}

// Scripts is the narrow atomic-transaction escape hatch used only for
// session-termination finalisation bookkeeping (spec.md §4.2.5, §4.6).
type Scripts interface {
	// RunTerminationFinalizer atomically records a session's termination
	// bookkeeping (recording byte count keyed by session id) under a single
	// server-side transaction, mirroring the source's Lua EVAL.
	RunTerminationFinalizer(ctx context.Context, sessionKey string, recordingBytes int64) error
}

// Bus aggregates the five capabilities. Components depend on the narrowest
// sub-interface they actually use; Bus exists for wiring at process entry.
type Bus interface {
	Streams
	Lists
	PubSub
	KV
	Scripts

	Close() error
}
