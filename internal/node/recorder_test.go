package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/domain"
)

type recordedRegistration struct {
	path string
	size int64
}

type fakeArtifactRegistry struct {
	calls chan recordedRegistration
}

func newFakeArtifactRegistry() *fakeArtifactRegistry {
	return &fakeArtifactRegistry{calls: make(chan recordedRegistration, 64)}
}

func (f *fakeArtifactRegistry) Register(ctx context.Context, sessionID domain.ID, path string, sizeBytes int64) error {
	f.calls <- recordedRegistration{path: path, size: sizeBytes}
	return nil
}

func TestSizeTrackerSamplesFileSizesPeriodically(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.m3u8")
	require.NoError(t, os.WriteFile(manifest, []byte("0123456789"), 0o644))

	registry := newFakeArtifactRegistry()
	tracker := NewSizeTracker(domain.NewID(), registry, []string{manifest}, 10*time.Millisecond)

	scheduler := newTestScheduler(t)
	scheduler.Spawn(tracker)

	require.Eventually(t, func() bool {
		return tracker.Bytes() == 10
	}, time.Second, 5*time.Millisecond)

	select {
	case call := <-registry.calls:
		assert.Equal(t, manifest, call.path)
	case <-time.After(time.Second):
		t.Fatal("expected at least one artifact registration")
	}
}

func TestSizeTrackerIgnoresMissingFiles(t *testing.T) {
	tracker := NewSizeTracker(domain.NewID(), nil, []string{filepath.Join(t.TempDir(), "missing.log")}, 5*time.Millisecond)
	scheduler := newTestScheduler(t)
	scheduler.Spawn(tracker)

	require.Never(t, func() bool {
		return tracker.Bytes() != 0
	}, 50*time.Millisecond, 10*time.Millisecond)
}

func TestRecorderConfigArgsIncludesHLSSegmentFilename(t *testing.T) {
	cfg := RecorderConfig{
		InputURL:    "rtsp://127.0.0.1/session",
		Framerate:   24,
		SegmentFile: "segment_%03d.ts",
		ManifestFile: "manifest.m3u8",
	}
	args := cfg.args()
	assert.Contains(t, args, "-hls_segment_filename")
	assert.Contains(t, args, "segment_%03d.ts")
	assert.Contains(t, args, "manifest.m3u8")
	assert.Contains(t, args, "24")
}
