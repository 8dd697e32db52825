// Package database is the relational store for syncs, jobs, connections,
// collections, destination slots, rate-limit configs, and the per-sync
// entity index the pipeline dedups against. SQLite in WAL mode backs it.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// Store is the database handle shared across the engine.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens and migrates the store at path. The parent directory is created
// when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, now: time.Now}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// SetClock overrides the wall clock, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS syncs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		source_connection_id TEXT NOT NULL,
		source_short_name TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		schedule TEXT NOT NULL DEFAULT '',
		cursor_field TEXT NOT NULL DEFAULT '',
		cursor TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_syncs_org ON syncs(organization_id);

	CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		sync_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		force_full_sync INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		kept INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		failed_at TIMESTAMP,
		last_progress_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_jobs_sync ON sync_jobs(sync_id);
	CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status);

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		short_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		auth_type TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expiry TIMESTAMP,
		config TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connections_org ON connections(organization_id);

	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		readable_id TEXT NOT NULL UNIQUE,
		vector_size INTEGER NOT NULL,
		embedding_model_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_connections (
		slot_id TEXT PRIMARY KEY,
		sync_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		role TEXT NOT NULL,
		live_mirror INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(sync_id, connection_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_slot
		ON sync_connections(sync_id) WHERE role = 'ACTIVE';

	CREATE TABLE IF NOT EXISTS rate_limit_configs (
		organization_id TEXT NOT NULL,
		source_short_name TEXT NOT NULL,
		scope TEXT NOT NULL,
		call_limit INTEGER NOT NULL,
		window_seconds INTEGER NOT NULL,
		PRIMARY KEY (organization_id, source_short_name)
	);

	CREATE TABLE IF NOT EXISTS entity_index (
		sync_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		processor_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (sync_id, entity_id)
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Sync operations

// CreateSync inserts a sync row. ID and timestamps are filled when zero.
func (s *Store) CreateSync(ctx context.Context, sync *models.Sync) error {
	if sync.ID == "" {
		sync.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if sync.CreatedAt.IsZero() {
		sync.CreatedAt = now
	}
	sync.UpdatedAt = now

	cursor, err := marshalCursor(sync.Cursor)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO syncs (id, name, organization_id, source_connection_id,
			source_short_name, collection_id, schedule, cursor_field, cursor,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sync.ID, sync.Name, sync.OrganizationID, sync.SourceConnectionID,
		sync.SourceShortName, sync.CollectionID, sync.Schedule, sync.CursorField,
		cursor, sync.CreatedAt, sync.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync: %w", err)
	}
	return nil
}

// GetSync loads one sync by id.
func (s *Store) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, name, organization_id, source_connection_id, source_short_name,
			collection_id, schedule, cursor_field, cursor, created_at, updated_at
		FROM syncs WHERE id = ?`, id)
	sync, err := scanSync(row)
	if syncerrors.IsNotFound(err) {
		return nil, syncerrors.NewNotFoundError("sync", id)
	}
	return sync, err
}

// ListSyncs returns every sync, newest first.
func (s *Store) ListSyncs(ctx context.Context) ([]*models.Sync, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, organization_id, source_connection_id, source_short_name,
			collection_id, schedule, cursor_field, cursor, created_at, updated_at
		FROM syncs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncs: %w", err)
	}
	defer rows.Close()

	var out []*models.Sync
	for rows.Next() {
		sync, err := scanSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sync)
	}
	return out, rows.Err()
}

// UpdateSyncCursor persists the committed incremental cursor on the sync row.
func (s *Store) UpdateSyncCursor(ctx context.Context, syncID string, cursor models.CursorData) error {
	raw, err := marshalCursor(cursor)
	if err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE syncs SET cursor = ?, updated_at = ? WHERE id = ?`,
		raw, s.now().UTC(), syncID)
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return requireAffected(res, "sync", syncID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSync(row rowScanner) (*models.Sync, error) {
	var sync models.Sync
	var cursor string
	err := row.Scan(&sync.ID, &sync.Name, &sync.OrganizationID,
		&sync.SourceConnectionID, &sync.SourceShortName, &sync.CollectionID,
		&sync.Schedule, &sync.CursorField, &cursor, &sync.CreatedAt, &sync.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, syncerrors.NewNotFoundError("sync", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync: %w", err)
	}
	if err := json.Unmarshal([]byte(cursor), &sync.Cursor); err != nil {
		return nil, fmt.Errorf("failed to decode cursor of sync %s: %w", sync.ID, err)
	}
	return &sync, nil
}

// Job operations

// CreateJob inserts a job row, defaulting to PENDING.
func (s *Store) CreateJob(ctx context.Context, job *models.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	now := s.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, sync_id, organization_id, status, error,
			force_full_sync, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SyncID, job.OrganizationID, string(job.Status), job.Error,
		boolToInt(job.ForceFullSync), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	row := s.conn.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if syncerrors.IsNotFound(err) {
		return nil, syncerrors.NewNotFoundError("job", id)
	}
	return job, err
}

// GetJobStatus loads just the status of one job; the orchestrator polls it
// at heartbeat points to observe cancellation.
func (s *Store) GetJobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	var status string
	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM sync_jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", syncerrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load job status: %w", err)
	}
	return models.JobStatus(status), nil
}

// ActiveJobForSync returns the job occupying the sync's uniqueness slot, or
// nil when the sync is idle. excludeJobID ignores the caller's own job.
func (s *Store) ActiveJobForSync(ctx context.Context, syncID, excludeJobID string) (*models.SyncJob, error) {
	row := s.conn.QueryRowContext(ctx, jobSelect+`
		WHERE sync_id = ? AND id != ? AND status IN ('PENDING', 'RUNNING', 'CANCELLING')
		ORDER BY created_at LIMIT 1`, syncID, excludeJobID)
	job, err := scanJob(row)
	if syncerrors.IsNotFound(err) {
		return nil, nil
	}
	return job, err
}

// ListJobs returns the sync's jobs, newest first, capped at limit.
func (s *Store) ListJobs(ctx context.Context, syncID string, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, jobSelect+`
		WHERE sync_id = ? ORDER BY created_at DESC LIMIT ?`, syncID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// LatestJobTime returns the creation time of the sync's most recent job. The
// scheduler anchors cron computations on it.
func (s *Store) LatestJobTime(ctx context.Context, syncID string) (time.Time, bool, error) {
	var created time.Time
	err := s.conn.QueryRowContext(ctx,
		`SELECT created_at FROM sync_jobs WHERE sync_id = ? ORDER BY created_at DESC LIMIT 1`,
		syncID).Scan(&created)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load latest job time: %w", err)
	}
	return created, true, nil
}

// TransitionJob moves a job along the lifecycle graph. Illegal edges fail
// with InvalidStateError; timestamps are stamped per target state. errMsg is
// recorded alongside FAILED and CANCELLED.
func (s *Store) TransitionJob(ctx context.Context, jobID string, to models.JobStatus, errMsg string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sync_jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return syncerrors.NewNotFoundError("job", jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to load job status: %w", err)
	}
	from := models.JobStatus(current)
	if !from.CanTransition(to) {
		return syncerrors.NewInvalidStateError("job %s cannot transition %s -> %s", jobID, from, to)
	}

	now := s.now().UTC()
	set := `status = ?, error = ?, updated_at = ?`
	args := []any{string(to), errMsg, now}
	switch to {
	case models.JobRunning:
		set += `, started_at = ?, last_progress_at = ?`
		args = append(args, now, now)
	case models.JobCompleted:
		set += `, completed_at = ?`
		args = append(args, now)
	case models.JobFailed, models.JobCancelled:
		set += `, failed_at = ?`
		args = append(args, now)
	}
	args = append(args, jobID)

	if _, err := tx.ExecContext(ctx, `UPDATE sync_jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", jobID, to, err)
	}
	return tx.Commit()
}

// UpdateJobCounters persists the authoritative counters of a job.
func (s *Store) UpdateJobCounters(ctx context.Context, jobID string, c models.JobCounters) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sync_jobs SET inserted = ?, updated = ?, deleted = ?, kept = ?,
			skipped = ?, updated_at = ? WHERE id = ?`,
		c.Inserted, c.Updated, c.Deleted, c.Kept, c.Skipped, s.now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	return requireAffected(res, "job", jobID)
}

// TouchJobProgress stamps last_progress_at so the janitor sees the job alive.
func (s *Store) TouchJobProgress(ctx context.Context, jobID string) error {
	now := s.now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE sync_jobs SET last_progress_at = ?, updated_at = ? WHERE id = ?`,
		now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to touch job progress: %w", err)
	}
	return requireAffected(res, "job", jobID)
}

// StuckJobs returns jobs the janitor should force-terminate: PENDING and
// CANCELLING rows untouched for pendingCutoff, and RUNNING rows whose last
// progress is older than progressCutoff. A PENDING job waiting out another
// job stays off this list as long as its waiter keeps touching progress.
func (s *Store) StuckJobs(ctx context.Context, pendingCutoff, progressCutoff time.Duration) ([]*models.SyncJob, error) {
	now := s.now().UTC()
	rows, err := s.conn.QueryContext(ctx, jobSelect+`
		WHERE (status IN ('PENDING', 'CANCELLING') AND COALESCE(last_progress_at, created_at) < ?)
		   OR (status = 'RUNNING' AND last_progress_at IS NOT NULL AND last_progress_at < ?)`,
		now.Add(-pendingCutoff), now.Add(-progressCutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const jobSelect = `
	SELECT id, sync_id, organization_id, status, error, force_full_sync,
		inserted, updated, deleted, kept, skipped,
		started_at, completed_at, failed_at, last_progress_at,
		created_at, updated_at
	FROM sync_jobs`

func scanJob(row rowScanner) (*models.SyncJob, error) {
	var job models.SyncJob
	var status string
	var force int
	var started, completed, failed, progress sql.NullTime
	err := row.Scan(&job.ID, &job.SyncID, &job.OrganizationID, &status, &job.Error,
		&force, &job.Counters.Inserted, &job.Counters.Updated, &job.Counters.Deleted,
		&job.Counters.Kept, &job.Counters.Skipped,
		&started, &completed, &failed, &progress, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, syncerrors.NewNotFoundError("job", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.ForceFullSync = force != 0
	job.StartedAt = nullTime(started)
	job.CompletedAt = nullTime(completed)
	job.FailedAt = nullTime(failed)
	job.LastProgressAt = nullTime(progress)
	return &job, nil
}

// Connection operations

// CreateConnection inserts a connection row.
func (s *Store) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	cfg, err := json.Marshal(configOrEmpty(conn.Config))
	if err != nil {
		return fmt.Errorf("failed to encode connection config: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO connections (id, organization_id, short_name, kind, auth_type,
			access_token, refresh_token, token_expiry, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.OrganizationID, conn.ShortName, conn.Kind, string(conn.AuthType),
		conn.AccessToken, conn.RefreshToken, timeArg(conn.TokenExpiry),
		string(cfg), conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection by id, credentials included.
func (s *Store) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, organization_id, short_name, kind, auth_type, access_token,
			refresh_token, token_expiry, config, created_at, updated_at
		FROM connections WHERE id = ?`, id)

	var conn models.Connection
	var authType, cfg string
	var expiry sql.NullTime
	err := row.Scan(&conn.ID, &conn.OrganizationID, &conn.ShortName, &conn.Kind,
		&authType, &conn.AccessToken, &conn.RefreshToken, &expiry, &cfg,
		&conn.CreatedAt, &conn.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, syncerrors.NewNotFoundError("connection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	conn.AuthType = models.AuthType(authType)
	conn.TokenExpiry = nullTime(expiry)
	if err := json.Unmarshal([]byte(cfg), &conn.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of connection %s: %w", id, err)
	}
	return &conn, nil
}

// PersistTokens stores refreshed credentials for a connection. It satisfies
// the token manager's persistence contract, so rotated refresh tokens
// survive process death.
func (s *Store) PersistTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiry *time.Time) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE connections SET access_token = ?, refresh_token = ?, token_expiry = ?,
			updated_at = ? WHERE id = ?`,
		accessToken, refreshToken, timeArg(expiry), s.now().UTC(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	return requireAffected(res, "connection", connectionID)
}

// Collection operations

// CreateCollection inserts a collection row.
func (s *Store) CreateCollection(ctx context.Context, col *models.Collection) error {
	if col.ID == "" {
		col.ID = uuid.NewString()
	}
	if col.CreatedAt.IsZero() {
		col.CreatedAt = s.now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO collections (id, readable_id, vector_size, embedding_model_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		col.ID, col.ReadableID, col.VectorSize, col.EmbeddingModelName, col.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// GetCollection loads one collection by id.
func (s *Store) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, readable_id, vector_size, embedding_model_name, created_at
		FROM collections WHERE id = ?`, id)

	var col models.Collection
	err := row.Scan(&col.ID, &col.ReadableID, &col.VectorSize,
		&col.EmbeddingModelName, &col.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, syncerrors.NewNotFoundError("collection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	return &col, nil
}

// Destination slot operations

// CreateSlot inserts a destination slot. A partial unique index backs the
// one-ACTIVE-per-sync invariant, so racing creators cannot produce two
// ACTIVE slots.
func (s *Store) CreateSlot(ctx context.Context, slot *models.DestinationSlot) error {
	if slot.SlotID == "" {
		slot.SlotID = uuid.NewString()
	}
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = s.now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_connections (slot_id, sync_id, connection_id, role, live_mirror, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		slot.SlotID, slot.SyncID, slot.ConnectionID, string(slot.Role),
		boolToInt(slot.LiveMirror), slot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	return nil
}

// GetSlot loads one slot by id.
func (s *Store) GetSlot(ctx context.Context, slotID string) (*models.DestinationSlot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT slot_id, sync_id, connection_id, role, live_mirror, created_at
		FROM sync_connections WHERE slot_id = ?`, slotID)
	slot, err := scanSlot(row)
	if syncerrors.IsNotFound(err) {
		return nil, syncerrors.NewNotFoundError("slot", slotID)
	}
	return slot, err
}

// ListSlots returns the sync's slots ordered ACTIVE, SHADOW, DEPRECATED,
// then by creation time.
func (s *Store) ListSlots(ctx context.Context, syncID string) ([]*models.DestinationSlot, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT slot_id, sync_id, connection_id, role, live_mirror, created_at
		FROM sync_connections WHERE sync_id = ?
		ORDER BY CASE role WHEN 'ACTIVE' THEN 0 WHEN 'SHADOW' THEN 1 ELSE 2 END, created_at`,
		syncID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var out []*models.DestinationSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// SwitchSlots atomically demotes the sync's ACTIVE slot to DEPRECATED and
// promotes the target SHADOW slot to ACTIVE. The whole move is one
// transaction: a concurrent switch sees either the old assignment or the
// new one, never both or neither.
func (s *Store) SwitchSlots(ctx context.Context, syncID, newSlotID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx,
		`SELECT role FROM sync_connections WHERE slot_id = ? AND sync_id = ?`,
		newSlotID, syncID).Scan(&role)
	if err == sql.ErrNoRows {
		return syncerrors.NewNotFoundError("slot", newSlotID)
	}
	if err != nil {
		return fmt.Errorf("failed to load slot: %w", err)
	}
	if models.SlotRole(role) != models.SlotShadow {
		return syncerrors.NewInvalidStateError("slot %s has role %s, only SHADOW slots can be promoted", newSlotID, role)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_connections SET role = 'DEPRECATED'
		WHERE sync_id = ? AND role = 'ACTIVE'`, syncID); err != nil {
		return fmt.Errorf("failed to demote active slot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_connections SET role = 'ACTIVE', live_mirror = 0
		WHERE slot_id = ?`, newSlotID); err != nil {
		return fmt.Errorf("failed to promote slot %s: %w", newSlotID, err)
	}
	return tx.Commit()
}

func scanSlot(row rowScanner) (*models.DestinationSlot, error) {
	var slot models.DestinationSlot
	var role string
	var mirror int
	err := row.Scan(&slot.SlotID, &slot.SyncID, &slot.ConnectionID, &role, &mirror, &slot.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, syncerrors.NewNotFoundError("slot", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan slot: %w", err)
	}
	slot.Role = models.SlotRole(role)
	slot.LiveMirror = mirror != 0
	return &slot, nil
}

// Rate limit config operations

// RateLimitConfig returns the limit row for (org, source), or nil when none
// is configured. The source limiter negative-caches the nil.
func (s *Store) RateLimitConfig(ctx context.Context, orgID, sourceShortName string) (*models.RateLimitConfig, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT organization_id, source_short_name, scope, call_limit, window_seconds
		FROM rate_limit_configs WHERE organization_id = ? AND source_short_name = ?`,
		orgID, sourceShortName)

	var cfg models.RateLimitConfig
	var scope string
	err := row.Scan(&cfg.OrganizationID, &cfg.SourceShortName, &scope, &cfg.Limit, &cfg.WindowSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rate limit config: %w", err)
	}
	cfg.Scope = models.RateLimitScope(scope)
	return &cfg, nil
}

// UpsertRateLimitConfig creates or replaces the limit row for (org, source).
func (s *Store) UpsertRateLimitConfig(ctx context.Context, cfg *models.RateLimitConfig) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO rate_limit_configs
			(organization_id, source_short_name, scope, call_limit, window_seconds)
		VALUES (?, ?, ?, ?, ?)`,
		cfg.OrganizationID, cfg.SourceShortName, string(cfg.Scope), cfg.Limit, cfg.WindowSeconds)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit config: %w", err)
	}
	return nil
}

// Entity index operations

// EntityRecord is what the dedup decision reads: the content hash recorded
// for an entity id in a previous run plus the processor that shaped it.
type EntityRecord struct {
	Hash        string
	ProcessorID string
}

// LookupEntity returns the indexed record for (sync, entity), or nil when
// the entity has not been seen.
func (s *Store) LookupEntity(ctx context.Context, syncID, entityID string) (*EntityRecord, error) {
	var rec EntityRecord
	err := s.conn.QueryRowContext(ctx,
		`SELECT hash, processor_id FROM entity_index WHERE sync_id = ? AND entity_id = ?`,
		syncID, entityID).Scan(&rec.Hash, &rec.ProcessorID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up entity %s: %w", entityID, err)
	}
	return &rec, nil
}

// StoreEntity records the hash and processor identity of a persisted entity.
func (s *Store) StoreEntity(ctx context.Context, syncID, entityID, hash, processorID string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO entity_index (sync_id, entity_id, hash, processor_id, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		syncID, entityID, hash, processorID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store entity index row: %w", err)
	}
	return nil
}

// RemoveEntities drops index rows for deleted entities.
func (s *Store) RemoveEntities(ctx context.Context, syncID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`DELETE FROM entity_index WHERE sync_id = ? AND entity_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range entityIDs {
		if _, err := stmt.ExecContext(ctx, syncID, id); err != nil {
			return fmt.Errorf("failed to remove entity %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountEntities returns the number of indexed entities for a sync.
func (s *Store) CountEntities(ctx context.Context, syncID string) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_index WHERE sync_id = ?`, syncID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

// helpers

func marshalCursor(c models.CursorData) (string, error) {
	if c == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return string(raw), nil
}

func configOrEmpty(cfg map[string]string) map[string]string {
	if cfg == nil {
		return map[string]string{}
	}
	return cfg
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return syncerrors.NewNotFoundError(kind, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
