package archiver

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid-go/webgrid/internal/bus/membus"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
)

func newTestArchiver(t *testing.T) (*Archiver, *membus.Bus, *sql.DB) {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := membus.New()
	store := NewSQLiteStore(db, t.TempDir(), 0)
	a := New(b, store)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	scheduler := harness.NewScheduler(ctx)
	for _, job := range a.Jobs() {
		scheduler.Spawn(job)
	}

	return a, b, db
}

func appendEvent(t *testing.T, b *membus.Bus, kind domain.EventKind, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = b.Append(context.Background(), string(kind), 1000, body)
	require.NoError(t, err)
}

func TestArchiverProjectsFullLifecycleIntoFinalRecord(t *testing.T) {
	_, b, db := newTestArchiver(t)
	id := domain.NewID()

	appendEvent(t, b, domain.KindSessionCreated, domain.SessionCreated{ID: id, RawCapabilities: map[string]any{"browserName": "chrome"}})
	appendEvent(t, b, domain.KindSessionScheduled, domain.SessionScheduled{ID: id, Provisioner: "docker-1"})
	appendEvent(t, b, domain.KindSessionProvisioned, domain.SessionProvisioned{ID: id, Metadata: map[string]string{"containerId": "abc123"}})
	appendEvent(t, b, domain.KindSessionOperational, domain.SessionOperational{ID: id, ActualCapabilities: map[string]any{"browserName": "chrome", "browserVersion": "120.0"}})
	appendEvent(t, b, domain.KindSessionMetadataModified, domain.SessionMetadataModified{ID: id, Metadata: map[string]string{"testName": "login flow"}})

	require.Eventually(t, func() bool {
		var exists bool
		db.QueryRow(`SELECT EXISTS(SELECT 1 FROM staging_sessions WHERE id = ? AND browser_version = '120.0')`, id.String()).Scan(&exists)
		return exists
	}, 2*time.Second, 10*time.Millisecond)

	appendEvent(t, b, domain.KindSessionTerminated, domain.SessionTerminated{
		ID:             id,
		Reason:         domain.TerminationReason{Kind: domain.IdleTimeoutReached},
		RecordingBytes: 2048,
	})

	var recordJSON string
	require.Eventually(t, func() bool {
		return db.QueryRow(`SELECT record_json FROM archive_sessions WHERE id = ?`, id.String()).Scan(&recordJSON) == nil
	}, 2*time.Second, 10*time.Millisecond)

	var record domain.Record
	require.NoError(t, json.Unmarshal([]byte(recordJSON), &record))
	assert.Equal(t, "docker-1", record.Provisioner)
	assert.Equal(t, "abc123", record.ProvisionerMetadata["containerId"])
	assert.Equal(t, "chrome", record.BrowserName)
	assert.Equal(t, "120.0", record.BrowserVersion)
	assert.Equal(t, "login flow", record.ClientMetadata["testName"])
	assert.Equal(t, int64(2048), record.RecordingBytes)

	var stagingCount int
	db.QueryRow(`SELECT COUNT(*) FROM staging_sessions WHERE id = ?`, id.String()).Scan(&stagingCount)
	assert.Zero(t, stagingCount)
}

func TestArchiverToleratesOutOfOrderOperationalAfterTerminated(t *testing.T) {
	_, b, db := newTestArchiver(t)
	id := domain.NewID()

	appendEvent(t, b, domain.KindSessionCreated, domain.SessionCreated{ID: id})
	appendEvent(t, b, domain.KindSessionTerminated, domain.SessionTerminated{ID: id, Reason: domain.TerminationReason{Kind: domain.SchedulingTimeout}})

	require.Eventually(t, func() bool {
		var exists bool
		db.QueryRow(`SELECT EXISTS(SELECT 1 FROM archive_sessions WHERE id = ?)`, id.String()).Scan(&exists)
		return exists
	}, 2*time.Second, 10*time.Millisecond)

	// Operational arrives after the staging row was already deleted by
	// Finalize; the projection re-creates a fresh staging row rather than
	// erroring (spec.md §5's "no ordering guarantees across streams").
	appendEvent(t, b, domain.KindSessionOperational, domain.SessionOperational{ID: id, ActualCapabilities: map[string]any{"browserName": "firefox"}})

	require.Eventually(t, func() bool {
		var exists bool
		db.QueryRow(`SELECT EXISTS(SELECT 1 FROM staging_sessions WHERE id = ? AND browser_name = 'firefox')`, id.String()).Scan(&exists)
		return exists
	}, 2*time.Second, 10*time.Millisecond)
}
