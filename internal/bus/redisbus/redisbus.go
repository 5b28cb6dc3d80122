// Package redisbus implements bus.Bus on top of Redis, the production
// coordination backend (spec.md §4.2; grounded on original_source's
// core/harness/src/redis — the original WebGrid is itself Redis-native).
// Streams map to XADD/XREADGROUP/XACK, ephemeral lists to RPUSH/BLPOP,
// pub/sub to PUBLISH/PSUBSCRIBE, and the finaliser script to a single Lua
// EVAL so the recording-byte-count write is atomic with the finalised-at
// marker.
package redisbus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/logger"
)

// terminationFinalizerScript mirrors the source's Lua EVAL for session
// termination: it records the recording byte count and stamps a
// finalised-at marker in one round trip so a crash between the two writes
// can never be observed.
const terminationFinalizerScript = `
redis.call("HSET", KEYS[1], "recordingBytes", ARGV[1])
redis.call("HSET", KEYS[1], "finalizedAt", ARGV[2])
return 1
`

// Config configures the Redis client. Field names mirror the CLI flags
// from spec.md §6 ("bus URL").
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Bus is a bus.Bus backed by a Redis client. A single shared client is used
// for non-blocking operations; blocking reads (Read, BLPop) borrow their own
// connection from the pool per spec.md §4.2's "blocking reads use their own
// connection" requirement — go-redis's pool already isolates blocking calls,
// so no separate client is constructed.
type Bus struct {
	client *redis.Client
	script *redis.Script
}

// New connects to Redis and returns a ready bus.Bus.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "redisbus: connect to %s", cfg.Addr)
	}

	logger.Infow("connected to coordination bus", "addr", cfg.Addr)

	return &Bus{
		client: client,
		script: redis.NewScript(terminationFinalizerScript),
	}, nil
}

var _ bus.Bus = (*Bus)(nil)

// Append implements bus.Streams via XADD with approximate MAXLEN trimming.
func (b *Bus) Append(ctx context.Context, key string, maxLen int64, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", errors.Wrapf(err, "redisbus: XADD %s", key)
	}
	return id, nil
}

// Read implements bus.Streams via XREADGROUP, creating the group lazily at
// "0" (head) with MKSTREAM so a fresh stream doesn't error the first read.
func (b *Bus) Read(ctx context.Context, key, group, consumer string, batch int, idleTimeout time.Duration) ([]bus.StreamEntry, error) {
	if err := b.ensureGroup(ctx, key, group); err != nil {
		return nil, err
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    int64(batch),
		Block:    idleTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "redisbus: XREADGROUP %s/%s", key, group)
	}

	var out []bus.StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			out = append(out, bus.StreamEntry{ID: msg.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

func (b *Bus) ensureGroup(ctx context.Context, key, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return errors.Wrapf(err, "redisbus: XGROUP CREATE %s/%s", key, group)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Ack implements bus.Streams via XACK.
func (b *Bus) Ack(ctx context.Context, key, group, id string) error {
	if err := b.client.XAck(ctx, key, group, id).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: XACK %s/%s/%s", key, group, id)
	}
	return nil
}

// RPush implements bus.Lists.
func (b *Bus) RPush(ctx context.Context, location string, payload []byte) error {
	if err := b.client.RPush(ctx, location, payload).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: RPUSH %s", location)
	}
	return nil
}

// BLPop implements bus.Lists.
func (b *Bus) BLPop(ctx context.Context, location string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BLPop(ctx, timeout, location).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redisbus: BLPOP %s", location)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Publish implements bus.PubSub.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: PUBLISH %s", channel)
	}
	return nil
}

// Subscribe implements bus.PubSub via PSUBSCRIBE.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan []byte, func() error, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, nil, errors.Wrapf(err, "redisbus: PSUBSCRIBE %s", pattern)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()

	return out, ps.Close, nil
}

// Set implements bus.KV.
func (b *Bus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: SET %s", key)
	}
	return nil
}

// Get implements bus.KV.
func (b *Bus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redisbus: GET %s", key)
	}
	return val, true, nil
}

// Del implements bus.KV.
func (b *Bus) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: DEL %s", key)
	}
	return nil
}

// HSet implements bus.KV.
func (b *Bus) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := b.client.HSet(ctx, key, field, value).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: HSET %s/%s", key, field)
	}
	return nil
}

// HGet implements bus.KV.
func (b *Bus) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	val, err := b.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redisbus: HGET %s/%s", key, field)
	}
	return val, true, nil
}

// RunTerminationFinalizer implements bus.Scripts via EVAL.
func (b *Bus) RunTerminationFinalizer(ctx context.Context, sessionKey string, recordingBytes int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := b.script.Run(ctx, b.client, []string{sessionKey}, recordingBytes, now).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: termination finalizer %s", sessionKey)
	}
	return nil
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	return b.client.Close()
}
