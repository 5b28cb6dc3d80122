package ingress

import (
	"net/http"
	"time"

	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/internal/manager"
)

// Config bundles everything NewRouter needs to wire the responder chain.
type Config struct {
	Bus              bus.Bus
	InstanceID       string
	Discovery        *discovery.Cache
	Store            BlobStore
	RequestLimit     int
	CreateTimeout    time.Duration
	DiscoveryTimeout time.Duration

	// CreateRatePerSecond/CreateRateBurst bound session creation per client
	// IP (spec.md §4.3 admission control). CreateRatePerSecond <= 0 disables
	// limiting.
	CreateRatePerSecond float64
	CreateRateBurst     int
}

// NewRouter builds the ingress responder chain on an http.ServeMux, relying
// on Go's most-specific-pattern-wins matching to get the ordering spec.md
// §4.3 calls out (session traffic first, creation next, artifacts, then
// catch-all) — mirroring the teacher's server/routing.go ServeMux style.
func NewRouter(cfg Config) (*http.ServeMux, *manager.Manager, *RoutingCache, []harness.Job, error) {
	routing := NewRoutingCache()

	mgr, err := manager.New(cfg.Bus, cfg.InstanceID, cfg.RequestLimit)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	forwarder := NewSessionForwarder(cfg.Discovery, routing, cfg.DiscoveryTimeout)
	creator := NewSessionCreator(mgr, routing, cfg.CreateTimeout)
	artifacts := NewArtifactServer(cfg.Store)
	catchAll := NewCatchAll(cfg.Discovery, cfg.DiscoveryTimeout)

	limiter := NewClientRateLimiter(cfg.CreateRatePerSecond, cfg.CreateRateBurst)

	mux := http.NewServeMux()
	mux.Handle("POST /session", limiter.Wrap(http.HandlerFunc(creator.ServeHTTP)))
	mux.HandleFunc("/session/{id}/{rest...}", forwarder.ServeHTTP)
	mux.HandleFunc("GET /storage/{sessionId}/{path...}", artifacts.ServeHTTP)
	mux.HandleFunc("OPTIONS /storage/{sessionId}/{path...}", artifacts.ServeHTTP)
	mux.HandleFunc("/", catchAll.ServeHTTP)

	jobs := []harness.Job{
		mgr.NewOperationalListenerJob(),
		mgr.NewTerminatedListenerJob(),
		NewRoutingCleanupJob(cfg.Bus, routing, cfg.InstanceID),
	}

	return mux, mgr, routing, jobs, nil
}
