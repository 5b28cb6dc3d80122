// Package membus is an in-memory bus.Bus used by every other package's
// tests, so they can exercise real stream/consumer-group/pubsub semantics
// without a live Redis. Grounded on the teacher pack's convention of a
// same-shape in-memory stand-in behind a storage interface (see
// internal/testing and the sqlmock-backed store tests) generalised to the
// bus's five operations.
package membus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/webgrid-go/webgrid/internal/bus"
)

type streamRecord struct {
	id      string
	payload []byte
}

type consumerGroup struct {
	mu      sync.Mutex
	cursor  int // index into stream.entries already delivered
	pending map[string][]byte
}

type stream struct {
	mu      sync.Mutex
	entries []streamRecord
	groups  map[string]*consumerGroup
	seq     int64
	cond    *sync.Cond
}

func newStream() *stream {
	s := &stream{groups: map[string]*consumerGroup{}}
	s.cond = sync.NewCond(&s.mu)
	return s
}

type list struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items [][]byte
}

func newList() *list {
	l := &list{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

type subscription struct {
	ch chan []byte
}

// Bus is an in-process, single-binary implementation of bus.Bus. Safe for
// concurrent use.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
	lists   map[string]*list
	kv      map[string]kvEntry
	hashes  map[string]map[string][]byte
	subsMu  sync.Mutex
	subs    map[string][]*subscription // pattern -> subscribers
}

type kvEntry struct {
	value   []byte
	expires time.Time // zero means no TTL
}

// New constructs an empty in-memory bus.
func New() *Bus {
	return &Bus{
		streams: map[string]*stream{},
		lists:   map[string]*list{},
		kv:      map[string]kvEntry{},
		hashes:  map[string]map[string][]byte{},
		subs:    map[string][]*subscription{},
	}
}

var _ bus.Bus = (*Bus)(nil)

func (b *Bus) streamFor(key string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[key]
	if !ok {
		s = newStream()
		b.streams[key] = s
	}
	return s
}

func (b *Bus) listFor(location string) *list {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lists[location]
	if !ok {
		l = newList()
		b.lists[location] = l
	}
	return l
}

// Append implements bus.Streams.
func (b *Bus) Append(ctx context.Context, key string, maxLen int64, payload []byte) (string, error) {
	s := b.streamFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := strconv.FormatInt(s.seq, 10)
	s.entries = append(s.entries, streamRecord{id: id, payload: payload})

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		trim := int64(len(s.entries)) - maxLen
		s.entries = s.entries[trim:]
		for _, g := range s.groups {
			g.mu.Lock()
			g.cursor -= int(trim)
			if g.cursor < 0 {
				g.cursor = 0
			}
			g.mu.Unlock()
		}
	}

	s.cond.Broadcast()
	return id, nil
}

func (b *Bus) groupFor(s *stream, group string) *consumerGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		// New groups start at the head so a lazily-created group (e.g. a
		// freshly deployed archiver) still observes entries appended
		// before it first read, matching at-least-once delivery.
		g = &consumerGroup{pending: map[string][]byte{}, cursor: 0}
		s.groups[group] = g
	}
	return g
}

// Read implements bus.Streams. Delivery is at-least-once per group:
// entries are handed out in append order and only removed from "undelivered"
// bookkeeping on Ack; a crashed consumer's unacked entries remain pending
// and are not redelivered automatically here (the in-memory bus doesn't
// model claim-based redelivery; callers rely on their own retry loop, as
// spec.md §4.2 allows for "a single shared connection" simplifications).
func (b *Bus) Read(ctx context.Context, key, group, consumer string, batch int, idleTimeout time.Duration) ([]bus.StreamEntry, error) {
	s := b.streamFor(key)
	g := b.groupFor(s, group)

	deadline := time.Now().Add(idleTimeout)
	for {
		s.mu.Lock()
		if g.cursor < len(s.entries) {
			end := g.cursor + batch
			if end > len(s.entries) {
				end = len(s.entries)
			}
			out := make([]bus.StreamEntry, 0, end-g.cursor)
			g.mu.Lock()
			for _, rec := range s.entries[g.cursor:end] {
				g.pending[rec.id] = rec.payload
				out = append(out, bus.StreamEntry{ID: rec.id, Payload: rec.payload})
			}
			g.mu.Unlock()
			g.cursor = end
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Ack implements bus.Streams.
func (b *Bus) Ack(ctx context.Context, key, group, id string) error {
	s := b.streamFor(key)
	g := b.groupFor(s, group)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, id)
	return nil
}

// RPush implements bus.Lists.
func (b *Bus) RPush(ctx context.Context, location string, payload []byte) error {
	l := b.listFor(location)
	l.mu.Lock()
	l.items = append(l.items, payload)
	l.mu.Unlock()
	l.cond.Broadcast()
	return nil
}

// BLPop implements bus.Lists.
func (b *Bus) BLPop(ctx context.Context, location string, timeout time.Duration) ([]byte, error) {
	l := b.listFor(location)
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.items) == 0 {
		if time.Now().After(deadline) {
			return nil, nil
		}
		waitCh := make(chan struct{})
		go func() {
			time.Sleep(5 * time.Millisecond)
			close(waitCh)
		}()
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			l.mu.Lock()
			return nil, ctx.Err()
		case <-waitCh:
		}
		l.mu.Lock()
	}
	item := l.items[0]
	l.items = l.items[1:]
	return item, nil
}

// Publish implements bus.PubSub.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for pattern, subs := range b.subs {
		if !patternMatch(pattern, channel) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.ch <- payload:
			default:
			}
		}
	}
	return nil
}

// Subscribe implements bus.PubSub.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan []byte, func() error, error) {
	sub := &subscription{ch: make(chan []byte, 64)}

	b.subsMu.Lock()
	b.subs[pattern] = append(b.subs[pattern], sub)
	b.subsMu.Unlock()

	closeOnce := sync.Once{}
	closer := func() error {
		closeOnce.Do(func() {
			b.subsMu.Lock()
			defer b.subsMu.Unlock()
			peers := b.subs[pattern]
			for i, s := range peers {
				if s == sub {
					b.subs[pattern] = append(peers[:i], peers[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
		return nil
	}

	go func() {
		<-ctx.Done()
		closer()
	}()

	return sub.ch, closer, nil
}

// patternMatch supports the one wildcard shape the grid needs:
// "discover.*" style prefix globs, matching Redis PSUBSCRIBE semantics
// closely enough for tests.
func patternMatch(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(channel) >= len(prefix) && channel[:len(prefix)] == prefix
	}
	return false
}

// Set implements bus.KV.
func (b *Bus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	b.kv[key] = kvEntry{value: append([]byte(nil), value...), expires: exp}
	return nil
}

// Get implements bus.KV.
func (b *Bus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(b.kv, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Del implements bus.KV.
func (b *Bus) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

// HSet implements bus.KV.
func (b *Bus) HSet(ctx context.Context, key, field string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[key]
	if !ok {
		h = map[string][]byte{}
		b.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

// HGet implements bus.KV.
func (b *Bus) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

// RunTerminationFinalizer implements bus.Scripts with a mutex-guarded
// critical section standing in for Redis's Lua EVAL atomicity.
func (b *Bus) RunTerminationFinalizer(ctx context.Context, sessionKey string, recordingBytes int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[sessionKey+":recordingBytes"] = kvEntry{value: []byte(strconv.FormatInt(recordingBytes, 10))}
	return nil
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	return nil
}
