package node

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
	"github.com/webgrid-go/webgrid/logger"
)

// RecorderConfig is the fixed argv template spec.md §6 describes: an
// HLS-capable encoder reading inputURL, writing segments under
// outputDir/manifest.
type RecorderConfig struct {
	Encoder    string
	InputURL   string
	Framerate  int
	OutputDir  string
	ManifestFile string
	SegmentFile  string
	LogFile      string
}

func (c RecorderConfig) args() []string {
	return []string{
		"-i", c.InputURL,
		"-r", strconv.Itoa(c.Framerate),
		"-c:v", "libx264",
		"-f", "hls",
		"-hls_segment_filename", c.SegmentFile,
		c.ManifestFile,
	}
}

// ArtifactRegistry is the narrow write surface the recorder needs to
// register its manifest/segment/log paths with the blob store, both at
// start (zero size) and on exit (final size) — spec.md §6 "Recorder
// subprocess".
type ArtifactRegistry interface {
	Register(ctx context.Context, sessionID domain.ID, path string, sizeBytes int64) error
}

// RecorderProcess is a running recorder subprocess: stop it by writing "q"
// to stdin and waiting for a clean exit (spec.md §4.6 "Termination").
type RecorderProcess interface {
	Stop(ctx context.Context) error
}

// RecorderLauncher starts the recorder subprocess. Swappable so tests don't
// need a real encoder binary on PATH.
type RecorderLauncher interface {
	Launch(ctx context.Context, cfg RecorderConfig) (RecorderProcess, error)
}

type execRecorderLauncher struct{}

// NewExecRecorderLauncher is the production, os/exec-backed launcher.
func NewExecRecorderLauncher() RecorderLauncher { return execRecorderLauncher{} }

type execRecorderProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (l execRecorderLauncher) Launch(ctx context.Context, cfg RecorderConfig) (RecorderProcess, error) {
	cmd := exec.CommandContext(ctx, cfg.Encoder, cfg.args()...)
	logFile, err := os.Create(cfg.LogFile)
	if err != nil {
		return nil, errors.Wrap(err, "node: create recorder log file")
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "node: open recorder stdin pipe")
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "node: start recorder process")
	}

	return &execRecorderProcess{cmd: cmd, stdin: stdin}, nil
}

// Stop writes "q" to the encoder's stdin and awaits a clean exit (spec.md
// §4.6 "Termination": "send q to its stdin, await exit").
func (p *execRecorderProcess) Stop(ctx context.Context) error {
	_, writeErr := io.WriteString(p.stdin, "q")
	p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		if writeErr != nil {
			return errors.Wrap(writeErr, "node: write quit byte to recorder stdin")
		}
		return err
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		return ctx.Err()
	}
}

// SizeTracker periodically stats the recorder's manifest/segment files and
// keeps a running total available via Bytes(), so SessionTerminated's
// recordingBytes field reflects the recording as of shutdown without
// needing the encoder to report it itself (spec.md §6's "reportSizeInterval"
// supplement).
type SizeTracker struct {
	sessionID domain.ID
	registry  ArtifactRegistry
	paths     []string
	interval  time.Duration

	total atomic.Int64
}

// NewSizeTracker builds a tracker that sums the size of paths every
// interval. interval <= 0 defaults to 5s.
func NewSizeTracker(sessionID domain.ID, registry ArtifactRegistry, paths []string, interval time.Duration) *SizeTracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SizeTracker{sessionID: sessionID, registry: registry, paths: paths, interval: interval}
}

// Bytes returns the most recently observed total size across all tracked
// paths.
func (s *SizeTracker) Bytes() int64 {
	return s.total.Load()
}

var _ harness.Job = (*SizeTracker)(nil)

func (s *SizeTracker) Name() string                   { return "node.recorder-size-tracker." + s.sessionID.String() }
func (s *SizeTracker) HonorsGracefulTermination() bool { return false }

func (s *SizeTracker) Execute(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tm.Terminating():
			return nil
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *SizeTracker) sample(ctx context.Context) {
	var sum int64
	for _, p := range s.paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		sum += info.Size()
	}
	s.total.Store(sum)

	if s.registry == nil {
		return
	}
	for _, p := range s.paths {
		info, err := os.Stat(p)
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		if err := s.registry.Register(ctx, s.sessionID, p, size); err != nil {
			logger.Warnw("node: failed to register artifact size", "path", p, "error", err)
		}
	}
}
