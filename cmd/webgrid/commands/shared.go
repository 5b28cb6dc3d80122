// Package commands holds one file per webgrid subcommand (ingress,
// scheduler, orchestrator, node, archiver, api-query), mirroring
// teranos-QNTX/cmd/qntx/commands's one-file-per-subcommand layout. This
// file holds the wiring every subcommand shares: the resolved
// configuration, bus construction, and the status-probe HTTP server.
package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/archiver"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/bus/redisbus"
	"github.com/webgrid-go/webgrid/internal/config"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/internal/ingress"
	"github.com/webgrid-go/webgrid/internal/node"
	"github.com/webgrid-go/webgrid/logger"
)

// cfg is populated once by main's PersistentPreRunE, before any
// subcommand's RunE runs.
var cfg = &config.Config{}

// SetConfig is called by main once the root command has resolved flags,
// env vars, and the config file into a single Config.
func SetConfig(c *config.Config) { cfg = c }

// Cfg returns the resolved configuration shared by every subcommand.
func Cfg() *config.Config { return cfg }

// ConnectBus dials the coordination bus described by the resolved config
// (spec.md §4.2; production backend is always Redis — the in-memory bus is
// test-only).
func ConnectBus(ctx context.Context) (bus.Bus, error) {
	b, err := redisbus.New(ctx, redisbus.Config{
		Addr:     cfg.Bus.Addr,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to coordination bus")
	}
	return b, nil
}

// RunWithProbe spawns every job on a fresh harness.Scheduler, serves the
// status-probe endpoint (spec.md §6 "status-probe port") on cfg.Probe.Addr,
// and blocks until SIGINT/SIGTERM, then drains gracefully — the same
// signal-driven shutdown shape as the teacher's server command.
func RunWithProbe(parentCtx context.Context, serviceName string, jobs []harness.Job) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sched := harness.NewScheduler(ctx)
	for _, j := range jobs {
		sched.Spawn(j)
	}

	mux := http.NewServeMux()
	mux.Handle("/admin/status", sched.ProbeHandler())
	mux.Handle("/admin/jobs/watch", sched.WatchHandler(time.Second))

	probeServer := &http.Server{Addr: cfg.Probe.Addr, Handler: mux}
	probeErr := make(chan error, 1)
	go func() { probeErr <- probeServer.ListenAndServe() }()

	logger.Infow("service started", "service", serviceName, "probe_addr", cfg.Probe.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Infow("shutdown signal received", "service", serviceName)
	case err := <-probeErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Warnw("status-probe server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = probeServer.Shutdown(shutdownCtx)

	sched.TerminateAll(10 * time.Second)
	return nil
}

// archiveBlobStore adapts *archiver.SQLiteStore to ingress.BlobStore,
// translating archiver's own not-found sentinel to ingress's. The two
// packages deliberately keep distinct sentinels so neither imports the
// other; this adapter is where the translation belongs.
type archiveBlobStore struct {
	store *archiver.SQLiteStore
}

// NewArchiveBlobStore wraps store so it can back ingress's artifact server.
func NewArchiveBlobStore(store *archiver.SQLiteStore) ingress.BlobStore {
	return &archiveBlobStore{store: store}
}

func (a *archiveBlobStore) Read(ctx context.Context, sessionID domain.ID, path string) ([]byte, error) {
	data, err := a.store.ReadArtifact(ctx, sessionID, path)
	if err != nil {
		if errors.Is(err, archiver.ErrArtifactNotFound) {
			return nil, ingress.ErrArtifactNotFound
		}
		return nil, err
	}
	return data, nil
}

// archiveArtifactRegistry adapts *archiver.SQLiteStore to node.ArtifactRegistry
// (method name Register, not RegisterArtifact).
type archiveArtifactRegistry struct {
	store *archiver.SQLiteStore
}

// NewArchiveArtifactRegistry wraps store so a node process can register its
// recorder artifacts directly against the shared archive database.
func NewArchiveArtifactRegistry(store *archiver.SQLiteStore) node.ArtifactRegistry {
	return &archiveArtifactRegistry{store: store}
}

func (a *archiveArtifactRegistry) Register(ctx context.Context, sessionID domain.ID, path string, sizeBytes int64) error {
	return a.store.RegisterArtifact(ctx, sessionID, path, sizeBytes)
}
