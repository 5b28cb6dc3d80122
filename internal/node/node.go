package node

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/blackbox"
	"github.com/webgrid-go/webgrid/internal/bus"
	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

// Config parametrizes one node process: one WebDriver session, start to
// finish (spec.md §4.6 "One process per session").
type Config struct {
	SessionID       domain.ID
	RawCapabilities map[string]any

	Bus bus.Bus

	DriverLauncher DriverLauncher
	DriverBinary   string
	DriverVariant  Variant
	DriverPort     int

	// ListenAddr is where the in-session HTTP/2 proxy listens.
	ListenAddr string
	// AdvertisedEndpoint is the URL ingress is told to reach this node at
	// (spec.md §4.6 step 6).
	AdvertisedEndpoint string

	InitialTimeout    time.Duration
	IdleTimeout       time.Duration
	IdleTimeoutJitter float64
	StartupTimeout    time.Duration

	RecorderLauncher   RecorderLauncher
	Recorder           RecorderConfig
	ArtifactRegistry   ArtifactRegistry
	ReportSizeInterval time.Duration

	Uploads UploadStore
}

// Node runs the full per-session lifecycle as a single harness.Job: startup
// sequence, in-session proxy, recorder, and termination.
type Node struct {
	cfg Config
}

func New(cfg Config) *Node {
	return &Node{cfg: cfg}
}

var _ harness.Job = (*Node)(nil)

func (n *Node) Name() string                   { return "node." + n.cfg.SessionID.String() }
func (n *Node) HonorsGracefulTermination() bool { return true }

func (n *Node) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	id := n.cfg.SessionID

	heartbeatKey := "session:" + id.String() + ":heartbeat.node"
	hb := harness.NewHeartbeatPublisher(n.cfg.Bus, heartbeatKey, 2*time.Second, 10*time.Second, []byte("alive"))

	sub := harness.NewScheduler(ctx)
	sub.Spawn(hb)
	defer sub.TerminateAll(5 * time.Second)

	heart, stone := harness.NewHeart(ctx, n.cfg.InitialTimeout)

	driverPort := n.cfg.DriverPort
	launcher := n.cfg.DriverLauncher
	process, err := launcher.Launch(ctx, DriverConfig{Binary: n.cfg.DriverBinary, Port: driverPort, Variant: n.cfg.DriverVariant})
	if err != nil {
		return n.terminateStartupFailed(ctx, blackbox.Wrap(err, "launch driver subprocess"))
	}
	defer process.Kill()

	driverClient := &http.Client{Timeout: 30 * time.Second}
	baseURL := driverBaseURL(driverPort)

	if err := pollStatus(ctx, driverClient, baseURL, n.cfg.StartupTimeout); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return n.terminateStartupFailed(ctx, blackbox.Wrap(err, "driver did not become healthy"))
	}

	internalID, actualCapabilities, err := createDriverSession(ctx, driverClient, baseURL, n.cfg.RawCapabilities)
	if err != nil {
		return n.terminateStartupFailed(ctx, blackbox.Wrap(err, "negotiate driver session"))
	}

	if err := n.cfg.Bus.Set(ctx, "session:"+id.String()+":upstream", []byte(internalID), 0); err != nil {
		logger.Warnw("node: failed to persist upstream driver session id", "session", id, "error", err)
	}

	if err := n.publishOperational(ctx, actualCapabilities); err != nil {
		return n.terminateStartupFailed(ctx, blackbox.Wrap(err, "publish session operational"))
	}

	metadataCh := make(chan domain.SessionMetadataModified, 64)
	metadataJob := NewMetadataPublisherJob(n.cfg.Bus, id, metadataCh)
	sub.Spawn(metadataJob)

	var recorder RecorderProcess
	var sizeTracker *SizeTracker
	if n.cfg.RecorderLauncher != nil {
		recorder, err = n.cfg.RecorderLauncher.Launch(ctx, n.cfg.Recorder)
		if err != nil {
			logger.Warnw("node: failed to start recorder", "session", id, "error", err)
		} else {
			paths := []string{n.cfg.Recorder.ManifestFile, n.cfg.Recorder.SegmentFile, n.cfg.Recorder.LogFile}
			if n.cfg.ArtifactRegistry != nil {
				for _, p := range paths {
					if err := n.cfg.ArtifactRegistry.Register(ctx, id, p, 0); err != nil {
						logger.Warnw("node: failed to register artifact at start", "path", p, "error", err)
					}
				}
			}
			sizeTracker = NewSizeTracker(id, n.cfg.ArtifactRegistry, paths, n.cfg.ReportSizeInterval)
			sub.Spawn(sizeTracker)
		}
	}

	proxy := &SessionProxy{
		ExternalID:        id,
		InternalID:        internalID,
		Heart:             stone,
		MetadataOut:       metadataCh,
		Uploads:           n.cfg.Uploads,
		DriverClient:      driverClient,
		DriverPort:        driverPort,
		IdleTimeout:       n.cfg.IdleTimeout,
		IdleTimeoutJitter: n.cfg.IdleTimeoutJitter,
	}

	server := &http.Server{
		Addr:    n.cfg.ListenAddr,
		Handler: h2c.NewHandler(proxy, &http2.Server{}),
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()
	defer server.Close()

	var advertiser *discovery.Advertiser
	if n.cfg.AdvertisedEndpoint != "" {
		advertiser = discovery.NewAdvertiser(n.cfg.Bus, domain.NodeDescriptor(id), n.cfg.AdvertisedEndpoint)
		sub.Spawn(advertiser)
	}

	stone.ResetLifetime(n.cfg.IdleTimeout)

	var death harness.DeathReason
	select {
	case death = <-waitHeart(ctx, heart):
	case <-ctx.Done():
		death = harness.DeathReason{Kind: harness.Terminated}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Warnw("node: in-session proxy listener failed", "session", id, "error", err)
		}
		death = harness.DeathReason{Kind: harness.Terminated}
	}

	var recordingBytes int64
	if recorder != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := recorder.Stop(stopCtx); err != nil {
			logger.Warnw("node: recorder did not stop cleanly", "session", id, "error", err)
		}
		cancel()
		if sizeTracker != nil {
			sizeTracker.sample(context.WithoutCancel(ctx))
			recordingBytes = sizeTracker.Bytes()
		}
	}

	reason := mapDeathReason(death)
	n.publishTerminated(ctx, reason, recordingBytes)
	n.finalize(ctx, recordingBytes)

	return nil
}

func waitHeart(ctx context.Context, heart *harness.Heart) <-chan harness.DeathReason {
	out := make(chan harness.DeathReason, 1)
	go func() { out <- heart.Wait(ctx) }()
	return out
}

func (n *Node) publishOperational(ctx context.Context, actualCapabilities map[string]any) error {
	return publishEvent(ctx, n.cfg.Bus, domain.KindSessionOperational, domain.SessionOperational{
		ID:                 n.cfg.SessionID,
		ActualCapabilities: actualCapabilities,
	})
}

func (n *Node) publishTerminated(ctx context.Context, reason domain.TerminationReason, recordingBytes int64) {
	if err := publishEvent(ctx, n.cfg.Bus, domain.KindSessionTerminated, domain.SessionTerminated{
		ID:             n.cfg.SessionID,
		Reason:         reason,
		RecordingBytes: recordingBytes,
	}); err != nil {
		logger.Warnw("node: failed to publish session terminated", "session", n.cfg.SessionID, "error", err)
	}
}

// terminateStartupFailed publishes SessionTerminated{StartupFailed} for a
// session that never got past the startup sequence (spec.md §4.6 step 3/4)
// and returns nil so the scheduler does not restart this one-shot job.
func (n *Node) terminateStartupFailed(ctx context.Context, cause *blackbox.Error) error {
	logger.Warnw("node: startup failed", "session", n.cfg.SessionID, "error", cause.Error())
	n.publishTerminated(ctx, startupFailureReason(cause), 0)
	return nil
}

// finalize runs the best-effort atomic bookkeeping update (spec.md §4.6
// "Termination": "Best-effort Lua script updates derived bookkeeping in one
// atomic transaction").
func (n *Node) finalize(ctx context.Context, recordingBytes int64) {
	sessionKey := "session:" + n.cfg.SessionID.String()
	if err := n.cfg.Bus.RunTerminationFinalizer(ctx, sessionKey, recordingBytes); err != nil {
		logger.Warnw("node: termination finalizer failed", "session", n.cfg.SessionID, "error", err)
	}
}

func publishEvent(ctx context.Context, streams bus.Streams, kind domain.EventKind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "node: marshal %s", kind)
	}
	if _, err := streams.Append(ctx, string(kind), eventStreamMaxLen, body); err != nil {
		return errors.Wrapf(err, "node: publish %s", kind)
	}
	return nil
}

const eventStreamMaxLen = 10_000
