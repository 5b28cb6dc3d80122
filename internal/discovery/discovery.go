// Package discovery implements service announcement (spec.md §3, §4.7 v2):
// a request/response pubsub exchange backed by an LRU cache so repeated
// lookups for the same descriptor don't round-trip the bus, with
// in-flight coalescing so concurrent callers asking for the same
// descriptor share one outstanding request. The legacy v1 broadcast-only
// design mentioned in spec.md's Open Questions is deliberately not built.
package discovery

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

const responseChannel = "discover.response"

// Endpoint implements DiscoveredServiceEndpoint (spec.md §4.7): a resolved
// endpoint string that can flag itself unreachable to force re-discovery.
type Endpoint struct {
	descriptor domain.ServiceDescriptor
	value      string
	cache      *Cache
}

func (e *Endpoint) String() string { return e.value }

// FlagUnreachable evicts the entry from the cache so the next lookup
// re-discovers it.
func (e *Endpoint) FlagUnreachable() {
	e.cache.evict(e.descriptor)
}

// Cache is a background-maintained LRU of descriptor -> endpoint plus
// in-flight request coalescing.
type Cache struct {
	bus  bus.PubSub
	size int

	mu    sync.Mutex
	store *lru.Cache[string, string]

	inflightMu sync.Mutex
	inflight   map[string][]chan string
}

// NewCache constructs a discovery cache of the given size (spec.md §4.7
// "configurable, e.g. 1000") and starts its background response listener.
func NewCache(ctx context.Context, b bus.PubSub, size int) (*Cache, error) {
	store, err := lru.New[string, string](size)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: construct LRU cache")
	}

	c := &Cache{
		bus:      b,
		size:     size,
		store:    store,
		inflight: map[string][]chan string{},
	}

	responses, _, err := b.Subscribe(ctx, responseChannel)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: subscribe to response channel")
	}

	go c.listen(ctx, responses)

	return c, nil
}

func (c *Cache) listen(ctx context.Context, responses <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-responses:
			if !ok {
				return
			}
			var ann domain.ServiceAnnouncement
			if err := json.Unmarshal(payload, &ann); err != nil {
				logger.Warnw("discovery: malformed announcement", "error", err)
				continue
			}
			c.observe(ann)
		}
	}
}

// observe fills the passive cache from any announcement snooped on the
// response channel (spec.md §3 "a passive cache that fills by snooping
// responses"), and wakes any in-flight waiters for this descriptor.
func (c *Cache) observe(ann domain.ServiceAnnouncement) {
	c.mu.Lock()
	c.store.Add(ann.Service, ann.Endpoint)
	c.mu.Unlock()

	c.inflightMu.Lock()
	waiters := c.inflight[ann.Service]
	delete(c.inflight, ann.Service)
	c.inflightMu.Unlock()

	for _, w := range waiters {
		select {
		case w <- ann.Endpoint:
		default:
		}
		close(w)
	}
}

func (c *Cache) evict(descriptor domain.ServiceDescriptor) {
	c.mu.Lock()
	c.store.Remove(descriptor.String())
	c.mu.Unlock()
}

// Discover resolves descriptor to an endpoint, first checking the cache,
// otherwise publishing a discovery request and waiting (coalesced with any
// other concurrent caller asking for the same descriptor) up to timeout.
func (c *Cache) Discover(ctx context.Context, descriptor domain.ServiceDescriptor, timeout time.Duration) (*Endpoint, error) {
	key := descriptor.String()

	c.mu.Lock()
	if val, ok := c.store.Get(key); ok {
		c.mu.Unlock()
		return &Endpoint{descriptor: descriptor, value: val, cache: c}, nil
	}
	c.mu.Unlock()

	c.inflightMu.Lock()
	waiter := make(chan string, 1)
	existing := c.inflight[key]
	c.inflight[key] = append(existing, waiter)
	shouldPublish := len(existing) == 0
	c.inflightMu.Unlock()

	dropWaiter := func() {
		c.inflightMu.Lock()
		defer c.inflightMu.Unlock()
		waiters := c.inflight[key]
		for i, w := range waiters {
			if w == waiter {
				c.inflight[key] = append(waiters[:i:i], waiters[i+1:]...)
			}
		}
	}

	if shouldPublish {
		if err := c.bus.Publish(ctx, key, nil); err != nil {
			dropWaiter()
			return nil, errors.Wrapf(err, "discovery: publish request for %s", key)
		}
	}

	select {
	case val, ok := <-waiter:
		if !ok {
			return nil, errors.Newf("discovery: no advertiser responded for %s", key)
		}
		return &Endpoint{descriptor: descriptor, value: val, cache: c}, nil
	case <-time.After(timeout):
		dropWaiter()
		return nil, errors.Newf("discovery: timed out waiting for %s", key)
	case <-ctx.Done():
		dropWaiter()
		return nil, ctx.Err()
	}
}

// Advertiser runs as a harness.Job: pattern-subscribes to its descriptor's
// request channel and replies with its endpoint for as long as it is alive
// (spec.md §4.7 "Advertisers run a job that pattern-subscribes...").
type Advertiser struct {
	bus        bus.PubSub
	descriptor domain.ServiceDescriptor
	endpoint   string
}

// NewAdvertiser builds an advertiser job for descriptor, answering requests
// with endpoint.
func NewAdvertiser(b bus.PubSub, descriptor domain.ServiceDescriptor, endpoint string) *Advertiser {
	return &Advertiser{bus: b, descriptor: descriptor, endpoint: endpoint}
}

var _ harness.Job = (*Advertiser)(nil)

func (a *Advertiser) Name() string                   { return "discovery.advertiser." + a.descriptor.String() }
func (a *Advertiser) HonorsGracefulTermination() bool { return false }

func (a *Advertiser) Execute(ctx context.Context, tm *harness.TaskManager) error {
	requests, closer, err := a.bus.Subscribe(ctx, a.descriptor.String())
	if err != nil {
		return errors.Wrap(err, "discovery: advertiser subscribe")
	}
	defer closer()

	tm.Ready()

	payload, err := json.Marshal(domain.ServiceAnnouncement{Service: a.descriptor.String(), Endpoint: a.endpoint})
	if err != nil {
		return errors.Wrap(err, "discovery: marshal announcement")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		case _, ok := <-requests:
			if !ok {
				return nil
			}
			if err := a.bus.Publish(ctx, responseChannel, payload); err != nil {
				logger.Warnw("discovery: failed to answer request", "descriptor", a.descriptor.String(), "error", err)
			}
		}
	}
}
