package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialogtree/dialog/pkg/crmsync"
)

const createSyncRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS sync_records (
    tenant_id VARCHAR(255) NOT NULL,
    object_type VARCHAR(100) NOT NULL,
    local_id VARCHAR(255) NOT NULL,
    remote_id VARCHAR(255),
    direction VARCHAR(20) NOT NULL,
    last_sync_at TIMESTAMP,
    local_modified_at TIMESTAMP,
    remote_modified_at TIMESTAMP,
    status VARCHAR(20) NOT NULL,
    strategy VARCHAR(20),
    last_error TEXT,
    retries INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, object_type, local_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_records_remote ON sync_records(tenant_id, object_type, remote_id);
`

func (s *SQLStore) initSyncSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSyncRecordsTableSQL); err != nil {
		return fmt.Errorf("failed to create sync_records table: %w", err)
	}
	return nil
}

// SQLSyncRecordStore persists CRM sync records in the shared database.
// The synchroniser's record interface reports presence rather than
// errors, so query failures are logged and read as absent.
type SQLSyncRecordStore struct {
	db      *sql.DB
	dialect string
}

var _ crmsync.RecordStore = (*SQLSyncRecordStore)(nil)

// SyncRecords exposes the sync-record table of the store.
func (s *SQLStore) SyncRecords() *SQLSyncRecordStore {
	return &SQLSyncRecordStore{db: s.db, dialect: s.dialect}
}

func (s *SQLSyncRecordStore) Get(tenantID, objectType, localID string) (*crmsync.SyncRecord, bool) {
	query := `
SELECT tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
       local_modified_at, remote_modified_at, status, strategy, last_error, retries
FROM sync_records WHERE tenant_id = ? AND object_type = ? AND local_id = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
       local_modified_at, remote_modified_at, status, strategy, last_error, retries
FROM sync_records WHERE tenant_id = $1 AND object_type = $2 AND local_id = $3
`
	}
	return s.queryOne(query, tenantID, objectType, localID)
}

func (s *SQLSyncRecordStore) ByRemoteID(tenantID, objectType, remoteID string) (*crmsync.SyncRecord, bool) {
	query := `
SELECT tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
       local_modified_at, remote_modified_at, status, strategy, last_error, retries
FROM sync_records WHERE tenant_id = ? AND object_type = ? AND remote_id = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
       local_modified_at, remote_modified_at, status, strategy, last_error, retries
FROM sync_records WHERE tenant_id = $1 AND object_type = $2 AND remote_id = $3
`
	}
	return s.queryOne(query, tenantID, objectType, remoteID)
}

func (s *SQLSyncRecordStore) queryOne(query string, args ...any) (*crmsync.SyncRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := scanSyncRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		slog.Warn("Failed to query sync record", "error", err)
		return nil, false
	}
	return rec, true
}

func (s *SQLSyncRecordStore) Put(rec *crmsync.SyncRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := `
INSERT INTO sync_records (tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
    local_modified_at, remote_modified_at, status, strategy, last_error, retries)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, object_type, local_id) DO UPDATE SET
    remote_id = excluded.remote_id,
    last_sync_at = excluded.last_sync_at,
    local_modified_at = excluded.local_modified_at,
    remote_modified_at = excluded.remote_modified_at,
    status = excluded.status,
    strategy = excluded.strategy,
    last_error = excluded.last_error,
    retries = excluded.retries
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO sync_records (tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
    local_modified_at, remote_modified_at, status, strategy, last_error, retries)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT(tenant_id, object_type, local_id) DO UPDATE SET
    remote_id = excluded.remote_id,
    last_sync_at = excluded.last_sync_at,
    local_modified_at = excluded.local_modified_at,
    remote_modified_at = excluded.remote_modified_at,
    status = excluded.status,
    strategy = excluded.strategy,
    last_error = excluded.last_error,
    retries = excluded.retries
`
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.TenantID, rec.ObjectType, rec.LocalID, rec.RemoteID, string(rec.Direction),
		rec.LastSyncAt, rec.LocalModifiedAt, rec.RemoteModifiedAt,
		string(rec.Status), string(rec.Strategy), rec.LastError, rec.Retries,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync record: %w", err)
	}
	return nil
}

func (s *SQLSyncRecordStore) List(tenantID, objectType string) []*crmsync.SyncRecord {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := `
SELECT tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
       local_modified_at, remote_modified_at, status, strategy, last_error, retries
FROM sync_records WHERE tenant_id = ? AND object_type = ?
ORDER BY local_id ASC
`
	if s.dialect == "postgres" {
		query = `
SELECT tenant_id, object_type, local_id, remote_id, direction, last_sync_at,
       local_modified_at, remote_modified_at, status, strategy, last_error, retries
FROM sync_records WHERE tenant_id = $1 AND object_type = $2
ORDER BY local_id ASC
`
	}

	rows, err := s.db.QueryContext(ctx, query, tenantID, objectType)
	if err != nil {
		slog.Warn("Failed to list sync records", "error", err)
		return nil
	}
	defer rows.Close()

	var out []*crmsync.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			slog.Warn("Failed to scan sync record", "error", err)
			return out
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("Error iterating sync records", "error", err)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncRecord(row rowScanner) (*crmsync.SyncRecord, error) {
	var rec crmsync.SyncRecord
	var remoteID, direction, status, strategy, lastError sql.NullString
	var lastSync, localMod, remoteMod sql.NullTime
	if err := row.Scan(
		&rec.TenantID, &rec.ObjectType, &rec.LocalID, &remoteID, &direction,
		&lastSync, &localMod, &remoteMod, &status, &strategy, &lastError, &rec.Retries,
	); err != nil {
		return nil, err
	}
	rec.RemoteID = remoteID.String
	rec.Direction = crmsync.Direction(direction.String)
	rec.Status = crmsync.Status(status.String)
	rec.Strategy = crmsync.Strategy(strategy.String)
	rec.LastError = lastError.String
	rec.LastSyncAt = lastSync.Time
	rec.LocalModifiedAt = localMod.Time
	rec.RemoteModifiedAt = remoteMod.Time
	return &rec, nil
}
