package commands

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/archiver"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/internal/node"
)

var (
	nodeSessionID         string
	nodeCapabilitiesJSON  string
	nodeDriverBinary      string
	nodeDriverVariant     string
	nodeDriverPort        int
	nodeListenAddr        string
	nodeAdvertisedURL     string
	nodeInitialTimeout    time.Duration
	nodeIdleTimeout       time.Duration
	nodeIdleTimeoutJitter float64
	nodeStartupTimeout    time.Duration

	nodeRecorderBinary   string
	nodeRecorderInputURL string
	nodeRecorderFPS      int
	nodeRecorderDir      string
	nodeReportSizeEvery  time.Duration

	nodeArchiveDB string
)

// NodeCmd runs a single node process: one WebDriver session, start to
// finish (spec.md §4.6 "one process per session").
var NodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a single node process (one WebDriver session)",
	RunE:  runNode,
}

func init() {
	NodeCmd.Flags().StringVar(&nodeSessionID, "session-id", "", "the session id this node was provisioned for (required)")
	NodeCmd.Flags().StringVar(&nodeCapabilitiesJSON, "capabilities", "{}", "JSON-encoded raw capabilities requested for this session")
	NodeCmd.Flags().StringVar(&nodeDriverBinary, "driver-binary", "", "path to the WebDriver binary (required)")
	NodeCmd.Flags().StringVar(&nodeDriverVariant, "driver-variant", "chrome", "WebDriver variant (chrome|firefox|safari|edge)")
	NodeCmd.Flags().IntVar(&nodeDriverPort, "driver-port", 9515, "local port the WebDriver binary listens on")
	NodeCmd.Flags().StringVar(&nodeListenAddr, "listen", ":5555", "address the in-session HTTP/2 proxy listens on")
	NodeCmd.Flags().StringVar(&nodeAdvertisedURL, "advertised-endpoint", "", "URL ingress is told to reach this node at (required)")
	NodeCmd.Flags().DurationVar(&nodeInitialTimeout, "initial-timeout", 60*time.Second, "max time allowed before the first request arrives")
	NodeCmd.Flags().DurationVar(&nodeIdleTimeout, "idle-timeout", 90*time.Second, "rolling idle timeout reset by every request")
	NodeCmd.Flags().Float64Var(&nodeIdleTimeoutJitter, "idle-timeout-jitter", 0.1, "fraction of idle-timeout added as random slack on every reset")
	NodeCmd.Flags().DurationVar(&nodeStartupTimeout, "startup-timeout", 30*time.Second, "max time to wait for the driver's /status to report ready")

	NodeCmd.Flags().StringVar(&nodeRecorderBinary, "recorder-binary", "", "video-recording encoder binary (empty disables recording)")
	NodeCmd.Flags().StringVar(&nodeRecorderInputURL, "recorder-input", "", "recorder input URL (e.g. the session's X display or framebuffer source)")
	NodeCmd.Flags().IntVar(&nodeRecorderFPS, "recorder-fps", 15, "recording framerate")
	NodeCmd.Flags().StringVar(&nodeRecorderDir, "recorder-dir", "", "directory the recorder writes its manifest/segments/log under")
	NodeCmd.Flags().DurationVar(&nodeReportSizeEvery, "report-size-interval", 10*time.Second, "how often the recorder's manifest size is re-registered while recording")

	NodeCmd.Flags().StringVar(&nodeArchiveDB, "archive-db", "", "sqlite archive database artifacts are registered against (empty disables artifact registration)")
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if nodeSessionID == "" || nodeDriverBinary == "" || nodeAdvertisedURL == "" {
		return errors.New("node: --session-id, --driver-binary, and --advertised-endpoint are required")
	}

	id, err := domain.ParseID(nodeSessionID)
	if err != nil {
		return errors.Wrap(err, "node: parse --session-id")
	}

	var rawCapabilities map[string]any
	if err := json.Unmarshal([]byte(nodeCapabilitiesJSON), &rawCapabilities); err != nil {
		return errors.Wrap(err, "node: parse --capabilities")
	}

	b, err := ConnectBus(ctx)
	if err != nil {
		return err
	}

	var registry node.ArtifactRegistry
	if nodeArchiveDB != "" {
		db, err := archiver.OpenDB(nodeArchiveDB)
		if err != nil {
			return errors.Wrap(err, "node: open archive database")
		}
		registry = NewArchiveArtifactRegistry(archiver.NewSQLiteStore(db, "", 0))
	}

	var recorderLauncher node.RecorderLauncher
	var recorderCfg node.RecorderConfig
	if nodeRecorderBinary != "" {
		recorderLauncher = node.NewExecRecorderLauncher()
		recorderCfg = node.RecorderConfig{
			Encoder:      nodeRecorderBinary,
			InputURL:     nodeRecorderInputURL,
			Framerate:    nodeRecorderFPS,
			OutputDir:    nodeRecorderDir,
			ManifestFile: nodeRecorderDir + "/manifest.m3u8",
			SegmentFile:  nodeRecorderDir + "/segment-%03d.ts",
			LogFile:      nodeRecorderDir + "/recorder.log",
		}
	}

	n := node.New(node.Config{
		SessionID:          id,
		RawCapabilities:    rawCapabilities,
		Bus:                b,
		DriverLauncher:     node.NewSubprocessLauncher(),
		DriverBinary:       nodeDriverBinary,
		DriverVariant:      node.Variant(nodeDriverVariant),
		DriverPort:         nodeDriverPort,
		ListenAddr:         nodeListenAddr,
		AdvertisedEndpoint: nodeAdvertisedURL,
		InitialTimeout:     nodeInitialTimeout,
		IdleTimeout:        nodeIdleTimeout,
		IdleTimeoutJitter:  nodeIdleTimeoutJitter,
		StartupTimeout:     nodeStartupTimeout,
		RecorderLauncher:   recorderLauncher,
		Recorder:           recorderCfg,
		ArtifactRegistry:   registry,
		ReportSizeInterval: nodeReportSizeEvery,
	})

	return RunWithProbe(ctx, "node."+id.String(), []harness.Job{n})
}
