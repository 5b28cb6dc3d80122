package ingress

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/bus/membus"
	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
)

// newH2CServer starts a plaintext HTTP/2 (h2c) server, matching what a node
// actually advertises (spec.md §4.6), so the forwarder's http2.Transport has
// something real to speak to.
func newH2CServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	h2s := &http2.Server{}
	srv := httptest.NewUnstartedServer(h2c.NewHandler(handler, h2s))
	srv.Start()
	return srv
}

func TestSessionForwarderProxiesToDiscoveredNode(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("X-Upstream", "node")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":{}}`))
	})
	srv := newH2CServer(t, handler)
	defer srv.Close()

	b := membus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := discovery.NewCache(ctx, b, 16)
	require.NoError(t, err)

	sessionID := domain.NewID()
	descriptor := domain.NodeDescriptor(sessionID)
	adv := discovery.NewAdvertiser(b, descriptor, srv.URL)
	scheduler := harness.NewScheduler(ctx)
	scheduler.Spawn(adv)
	require.Eventually(t, func() bool {
		return scheduler.Status()[adv.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	routing := NewRoutingCache()
	fwd := NewSessionForwarder(cache, routing, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/session/"+sessionID.String()+"/window", nil)
	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/window", gotPath)
	assert.Equal(t, "node", rec.Header().Get("X-Upstream"))

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `"value"`)
}

func TestSessionForwarderMalformedPathReturnsWebDriverError(t *testing.T) {
	fwd := NewSessionForwarder(nil, NewRoutingCache(), time.Second)

	req := httptest.NewRequest(http.MethodGet, "/session/", nil)
	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown error")
}

func TestSessionForwarderNoNodeAdvertisedReturnsSessionNotCreated(t *testing.T) {
	b := membus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := discovery.NewCache(ctx, b, 16)
	require.NoError(t, err)

	sessionID := domain.NewID()
	routing := NewRoutingCache()
	routing.RememberCapabilities(sessionID, map[string]any{"browserName": "chrome"})
	fwd := NewSessionForwarder(cache, routing, 20*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/session/"+sessionID.String()+"/window", nil)
	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "session not created")
}

func TestSessionForwarderUnreachableNodeFlagsEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	b := membus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := discovery.NewCache(ctx, b, 16)
	require.NoError(t, err)

	sessionID := domain.NewID()
	descriptor := domain.NodeDescriptor(sessionID)
	adv := discovery.NewAdvertiser(b, descriptor, deadAddr)
	scheduler := harness.NewScheduler(ctx)
	scheduler.Spawn(adv)
	require.Eventually(t, func() bool {
		return scheduler.Status()[adv.Name()] == harness.StatusRunning
	}, time.Second, 5*time.Millisecond)

	routing := NewRoutingCache()
	routing.RememberEndpoint(sessionID, deadAddr)
	fwd := NewSessionForwarder(cache, routing, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/session/"+sessionID.String()+"/window", nil)
	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown error")

	// FlagUnreachable evicts the cache entry; with the advertiser stopped,
	// a fresh lookup has nothing left to fall back on.
	scheduler.TerminateAll(time.Second)
	_, err = cache.Discover(context.Background(), descriptor, 20*time.Millisecond)
	assert.Error(t, err)
}
