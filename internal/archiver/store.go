package archiver

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/util"
)

// Store is the archiver's write surface: the six projections spec.md §4.7
// names, plus the read paths the ingress blob store and node artifact
// registry need. One implementation, SQLiteStore, backs all of it.
type Store interface {
	UpsertCreated(ctx context.Context, id domain.ID, createdAt time.Time) error
	UpsertScheduled(ctx context.Context, id domain.ID, provisioner string) error
	UpsertProvisioned(ctx context.Context, id domain.ID, provisionedAt time.Time, metadata map[string]string) error
	UpsertOperational(ctx context.Context, id domain.ID, operationalAt time.Time, browserName, browserVersion string) error
	PatchMetadata(ctx context.Context, id domain.ID, metadata map[string]string) error
	Finalize(ctx context.Context, id domain.ID, terminatedAt time.Time, reason domain.TerminationReason, recordingBytes int64) error

	// RegisterArtifact implements node.ArtifactRegistry.
	RegisterArtifact(ctx context.Context, sessionID domain.ID, path string, sizeBytes int64) error
	// ReadArtifact implements ingress.BlobStore.
	ReadArtifact(ctx context.Context, sessionID domain.ID, path string) ([]byte, error)
}

// SQLiteStore implements Store on top of the grid's SQLite database,
// grounded on the teacher's SQLStore (ats/storage/sql_store.go): plain
// database/sql, JSON-serialised nested fields, cockroachdb/errors wrapping
// on every query.
type SQLiteStore struct {
	db *sql.DB
	// archiveCapBytes bounds the final collection's total JSON payload
	// size (spec.md §4.7: "append-only and bounded in byte size");
	// <= 0 disables eviction.
	archiveCapBytes int64
	// artifactRoot resolves a registered path to bytes on disk. The
	// archiver and every node share this volume (spec.md §6's blob
	// store is a shared filesystem, not a remote object store).
	artifactRoot string
}

// NewSQLiteStore wraps db. archiveCapBytes <= 0 means no eviction.
func NewSQLiteStore(db *sql.DB, artifactRoot string, archiveCapBytes int64) *SQLiteStore {
	return &SQLiteStore{db: db, artifactRoot: artifactRoot, archiveCapBytes: archiveCapBytes}
}

func (s *SQLiteStore) UpsertCreated(ctx context.Context, id domain.ID, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging_sessions (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
		id.String(), createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "archiver: upsert created for %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpsertScheduled(ctx context.Context, id domain.ID, provisioner string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging_sessions (id, created_at, scheduled_at, provisioner) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET scheduled_at = excluded.scheduled_at, provisioner = excluded.provisioner`,
		id.String(), now, now, provisioner)
	if err != nil {
		return errors.Wrapf(err, "archiver: upsert scheduled for %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpsertProvisioned(ctx context.Context, id domain.ID, provisionedAt time.Time, metadata map[string]string) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrapf(err, "archiver: marshal provisioner metadata for %s", id)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO staging_sessions (id, created_at, provisioned_at, provisioner_metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET provisioned_at = excluded.provisioned_at, provisioner_metadata = excluded.provisioner_metadata`,
		id.String(), now, provisionedAt.UTC().Format(time.RFC3339Nano), string(metadataJSON))
	if err != nil {
		return errors.Wrapf(err, "archiver: upsert provisioned for %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpsertOperational(ctx context.Context, id domain.ID, operationalAt time.Time, browserName, browserVersion string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging_sessions (id, created_at, operational_at, browser_name, browser_version) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET operational_at = excluded.operational_at, browser_name = excluded.browser_name, browser_version = excluded.browser_version`,
		id.String(), now, operationalAt.UTC().Format(time.RFC3339Nano), browserName, browserVersion)
	if err != nil {
		return errors.Wrapf(err, "archiver: upsert operational for %s", id)
	}
	return nil
}

// PatchMetadata merges each key of metadata into the staging row's
// clientMetadata map (spec.md §4.7: "patch clientMetadata.<key> for each
// key").
func (s *SQLiteStore) PatchMetadata(ctx context.Context, id domain.ID, metadata map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "archiver: begin patch metadata tx")
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT client_metadata FROM staging_sessions WHERE id = ?`, id.String()).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrapf(err, "archiver: read client metadata for %s", id)
	}

	merged := map[string]string{}
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &merged); err != nil {
			return errors.Wrapf(err, "archiver: unmarshal client metadata for %s", id)
		}
	}
	for k, v := range metadata {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrapf(err, "archiver: marshal client metadata for %s", id)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO staging_sessions (id, created_at, client_metadata) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET client_metadata = excluded.client_metadata`,
		id.String(), now, string(mergedJSON))
	if err != nil {
		return errors.Wrapf(err, "archiver: upsert client metadata for %s", id)
	}

	return errors.Wrap(tx.Commit(), "archiver: commit patch metadata")
}

type stagingRow struct {
	CreatedAt           string
	ScheduledAt         sql.NullString
	Provisioner         sql.NullString
	ProvisionedAt       sql.NullString
	ProvisionerMetadata sql.NullString
	OperationalAt       sql.NullString
	BrowserName         sql.NullString
	BrowserVersion      sql.NullString
	ClientMetadata      sql.NullString
}

// Finalize reads the staging row (falling back to a skeleton keyed only by
// id if none exists — spec.md §4.7: "read staging row, fall back to a
// skeleton"), folds in the termination fields, inserts the assembled
// domain.Record into the final collection, evicts the oldest rows if the
// byte-size cap is exceeded, and deletes the staging row.
func (s *SQLiteStore) Finalize(ctx context.Context, id domain.ID, terminatedAt time.Time, reason domain.TerminationReason, recordingBytes int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "archiver: begin finalize tx")
	}
	defer tx.Rollback()

	var row stagingRow
	err = tx.QueryRowContext(ctx, `
		SELECT created_at, scheduled_at, provisioner, provisioned_at, provisioner_metadata,
		       operational_at, browser_name, browser_version, client_metadata
		FROM staging_sessions WHERE id = ?`, id.String()).Scan(
		&row.CreatedAt, &row.ScheduledAt, &row.Provisioner, &row.ProvisionedAt, &row.ProvisionerMetadata,
		&row.OperationalAt, &row.BrowserName, &row.BrowserVersion, &row.ClientMetadata)

	record := domain.Record{ID: id}
	switch {
	case err == sql.ErrNoRows:
		record.CreatedAt = terminatedAt
	case err != nil:
		return errors.Wrapf(err, "archiver: read staging row for %s", id)
	default:
		if err := fillRecordFromStaging(&record, row); err != nil {
			return errors.Wrapf(err, "archiver: decode staging row for %s", id)
		}
	}

	record.TerminatedAt = util.Ptr(terminatedAt)
	record.RecordingBytes = recordingBytes
	reasonCopy := reason
	record.Termination = &reasonCopy

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "archiver: marshal final record for %s", id)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archive_sessions (id, terminated_at, record_json) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET terminated_at = excluded.terminated_at, record_json = excluded.record_json`,
		id.String(), terminatedAt.UTC().Format(time.RFC3339Nano), string(recordJSON)); err != nil {
		return errors.Wrapf(err, "archiver: insert final record for %s", id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM staging_sessions WHERE id = ?`, id.String()); err != nil {
		return errors.Wrapf(err, "archiver: delete staging row for %s", id)
	}

	if s.archiveCapBytes > 0 {
		if err := evictOldestOverCap(ctx, tx, s.archiveCapBytes); err != nil {
			return errors.Wrap(err, "archiver: evict final collection over cap")
		}
	}

	return errors.Wrap(tx.Commit(), "archiver: commit finalize")
}

func fillRecordFromStaging(record *domain.Record, row stagingRow) error {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "parse createdAt")
	}
	record.CreatedAt = createdAt

	record.ScheduledAt = parseNullableTime(row.ScheduledAt)
	record.Provisioner = row.Provisioner.String
	record.ProvisionedAt = parseNullableTime(row.ProvisionedAt)
	record.OperationalAt = parseNullableTime(row.OperationalAt)
	record.BrowserName = row.BrowserName.String
	record.BrowserVersion = row.BrowserVersion.String

	if row.ProvisionerMetadata.Valid && row.ProvisionerMetadata.String != "" {
		if err := json.Unmarshal([]byte(row.ProvisionerMetadata.String), &record.ProvisionerMetadata); err != nil {
			return errors.Wrap(err, "unmarshal provisionerMetadata")
		}
	}
	if row.ClientMetadata.Valid && row.ClientMetadata.String != "" {
		if err := json.Unmarshal([]byte(row.ClientMetadata.String), &record.ClientMetadata); err != nil {
			return errors.Wrap(err, "unmarshal clientMetadata")
		}
	}
	return nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return util.Ptr(t)
}

// evictOldestOverCap deletes the oldest archive_sessions rows, by
// terminated_at, until the remaining rows' total record_json length is
// within capBytes.
func evictOldestOverCap(ctx context.Context, tx *sql.Tx, capBytes int64) error {
	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(record_json)), 0) FROM archive_sessions`).Scan(&total); err != nil {
		return errors.Wrap(err, "sum archive size")
	}
	if total <= capBytes {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, LENGTH(record_json) FROM archive_sessions ORDER BY terminated_at ASC`)
	if err != nil {
		return errors.Wrap(err, "list archive rows for eviction")
	}
	defer rows.Close()

	var toDelete []string
	for rows.Next() && total > capBytes {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			return errors.Wrap(err, "scan archive row for eviction")
		}
		toDelete = append(toDelete, id)
		total -= size
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate archive rows for eviction")
	}

	for _, id := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM archive_sessions WHERE id = ?`, id); err != nil {
			return errors.Wrapf(err, "evict archive row %s", id)
		}
	}
	return nil
}

func (s *SQLiteStore) RegisterArtifact(ctx context.Context, sessionID domain.ID, path string, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (session_id, path, size_bytes) VALUES (?, ?, ?)
		ON CONFLICT(session_id, path) DO UPDATE SET size_bytes = excluded.size_bytes`,
		sessionID.String(), path, sizeBytes)
	if err != nil {
		return errors.Wrapf(err, "archiver: register artifact %s for %s", path, sessionID)
	}
	return nil
}

func (s *SQLiteStore) ReadArtifact(ctx context.Context, sessionID domain.ID, path string) ([]byte, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM artifacts WHERE session_id = ? AND path = ?)`,
		sessionID.String(), path).Scan(&exists)
	if err != nil {
		return nil, errors.Wrapf(err, "archiver: look up artifact %s for %s", path, sessionID)
	}
	if !exists {
		return nil, ErrArtifactNotFound
	}
	return readArtifactFile(s.artifactRoot, path)
}

// ErrSessionNotFound is returned by GetRecord when no finalised session
// exists at the given id.
var ErrSessionNotFound = errors.New("archiver: session record not found")

// GetRecord returns the finalised record for id, the api-query service's
// single-session read path.
func (s *SQLiteStore) GetRecord(ctx context.Context, id domain.ID) (domain.Record, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM archive_sessions WHERE id = ?`, id.String()).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return domain.Record{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Record{}, errors.Wrapf(err, "archiver: query record %s", id)
	}

	var record domain.Record
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return domain.Record{}, errors.Wrapf(err, "archiver: decode record %s", id)
	}
	return record, nil
}

// ListRecords returns up to limit finalised records, most recently
// terminated first, the api-query service's listing read path.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM archive_sessions ORDER BY terminated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "archiver: list records")
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, errors.Wrap(err, "archiver: scan record")
		}
		var record domain.Record
		if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
			return nil, errors.Wrap(err, "archiver: decode record")
		}
		records = append(records, record)
	}
	return records, errors.Wrap(rows.Err(), "archiver: iterate records")
}
