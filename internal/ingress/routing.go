package ingress

import (
	"sync"

	"github.com/webgrid-go/webgrid/internal/domain"
)

// RouteInfo is what the ingress remembers about a session beyond its
// discovered endpoint (spec.md §6 supplement, grounded on
// original_source/core/modules/src/gangway/routing_info.rs): the original
// requested capabilities, kept so a proxy failure can report "session not
// created" with the capabilities that were never satisfied instead of a
// bare "unknown error".
type RouteInfo struct {
	Endpoint        string
	RawCapabilities map[string]any
}

// RoutingCache is a small per-ingress-instance map from session id to
// RouteInfo, filled by the session creator (capabilities, on Create) and
// the session forwarder (endpoint, on first successful discovery).
type RoutingCache struct {
	mu      sync.Mutex
	entries map[domain.ID]RouteInfo
}

func NewRoutingCache() *RoutingCache {
	return &RoutingCache{entries: map[domain.ID]RouteInfo{}}
}

// RememberCapabilities records the capabilities a session was created with.
func (c *RoutingCache) RememberCapabilities(id domain.ID, raw map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.entries[id]
	info.RawCapabilities = raw
	c.entries[id] = info
}

// RememberEndpoint records the node endpoint most recently resolved for a
// session.
func (c *RoutingCache) RememberEndpoint(id domain.ID, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.entries[id]
	info.Endpoint = endpoint
	c.entries[id] = info
}

// Lookup returns what is known about id, if anything.
func (c *RoutingCache) Lookup(id domain.ID) (RouteInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[id]
	return info, ok
}

// Forget drops a session's routing info (called on SessionTerminated).
func (c *RoutingCache) Forget(id domain.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
