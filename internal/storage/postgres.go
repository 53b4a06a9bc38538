package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/rekeyd/pkg/models"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection and returns a ready store.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// --- Key registry ---

// RegisterKeyVersion assigns the next monotonic version number and
// inserts the row. Never updates or deletes existing versions.
func (p *PostgresStore) RegisterKeyVersion(ctx context.Context, kv *models.KeyVersion) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var maxVer int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM key_versions`,
	).Scan(&maxVer)
	if err != nil {
		return 0, fmt.Errorf("fetching max key version: %w", err)
	}
	kv.Version = maxVer + 1

	metaJSON, err := json.Marshal(kv.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO key_versions (version, key_hash, wrapped_key, algorithm, created_by, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		kv.Version, kv.KeyHash, kv.WrappedKey, kv.Algorithm, kv.CreatedBy, kv.CreatedAt, metaJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting key version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return kv.Version, nil
}

func (p *PostgresStore) GetKeyVersion(ctx context.Context, version int) (*models.KeyVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT version, key_hash, wrapped_key, algorithm, created_by, created_at, metadata
		 FROM key_versions WHERE version = $1`,
		version,
	)
	return scanKeyVersion(row)
}

func (p *PostgresStore) LatestKeyVersion(ctx context.Context) (*models.KeyVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT version, key_hash, wrapped_key, algorithm, created_by, created_at, metadata
		 FROM key_versions ORDER BY version DESC LIMIT 1`,
	)
	return scanKeyVersion(row)
}

func (p *PostgresStore) ListKeyVersions(ctx context.Context) ([]*models.KeyVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT version, key_hash, wrapped_key, algorithm, created_by, created_at, metadata
		 FROM key_versions ORDER BY version`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []*models.KeyVersion
	for rows.Next() {
		kv, err := scanKeyVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, kv)
	}
	return versions, rows.Err()
}

func scanKeyVersion(row pgx.Row) (*models.KeyVersion, error) {
	var kv models.KeyVersion
	var metaJSON []byte
	err := row.Scan(&kv.Version, &kv.KeyHash, &kv.WrappedKey, &kv.Algorithm,
		&kv.CreatedBy, &kv.CreatedAt, &metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	json.Unmarshal(metaJSON, &kv.Metadata) //nolint:errcheck
	return &kv, nil
}

// --- Rotations ---

func (p *PostgresStore) CreateRotation(ctx context.Context, r *models.Rotation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rotations (id, rotation_type, from_version, to_version, status,
		                        schedule_id, initiated_by, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Type, r.FromVersion, r.ToVersion, r.Status,
		nullableString(r.ScheduleID), r.InitiatedBy, r.StartedAt,
	)
	return err
}

func (p *PostgresStore) GetRotation(ctx context.Context, id string) (*models.Rotation, error) {
	row := p.pool.QueryRow(ctx, rotationSelect+` WHERE id = $1`, id)
	return scanRotation(row)
}

// ActiveRotation returns the rotation still in a non-terminal status,
// or ErrNotFound. The partial unique index on rotations guarantees at
// most one such row.
func (p *PostgresStore) ActiveRotation(ctx context.Context) (*models.Rotation, error) {
	row := p.pool.QueryRow(ctx,
		rotationSelect+` WHERE status IN ('started', 'in_progress') LIMIT 1`,
	)
	return scanRotation(row)
}

func (p *PostgresStore) MarkRotationInProgress(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE rotations SET status = 'in_progress' WHERE id = $1 AND status = 'started'`,
		id,
	)
	return err
}

func (p *PostgresStore) CompleteRotation(ctx context.Context, id string, succeeded, failed int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rotations
		 SET status = 'completed', records_reencrypted = $2, records_failed = $3, completed_at = NOW()
		 WHERE id = $1 AND status IN ('started', 'in_progress', 'completed')`,
		id, succeeded, failed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) FailRotation(ctx context.Context, id, reason string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rotations
		 SET status = 'failed', error_message = $2, completed_at = NOW()
		 WHERE id = $1 AND status IN ('started', 'in_progress')`,
		id, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkRotationRolledBack(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rotations SET status = 'rolled_back'
		 WHERE id = $1 AND status IN ('completed', 'failed')`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRotations(ctx context.Context, limit int) ([]*models.Rotation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, rotationSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rotations []*models.Rotation
	for rows.Next() {
		r, err := scanRotation(rows)
		if err != nil {
			return nil, err
		}
		rotations = append(rotations, r)
	}
	return rotations, rows.Err()
}

const rotationSelect = `SELECT id, rotation_type, from_version, to_version, status, schedule_id,
       initiated_by, records_reencrypted, records_failed, error_message, started_at, completed_at
FROM rotations`

func scanRotation(row pgx.Row) (*models.Rotation, error) {
	var r models.Rotation
	var scheduleID, errMsg *string
	err := row.Scan(&r.ID, &r.Type, &r.FromVersion, &r.ToVersion, &r.Status, &scheduleID,
		&r.InitiatedBy, &r.RecordsReEncrypted, &r.RecordsFailed, &errMsg, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if scheduleID != nil {
		r.ScheduleID = *scheduleID
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	return &r, nil
}

func (p *PostgresStore) RotationStats(ctx context.Context, id string) (*models.RotationStats, error) {
	rot, err := p.GetRotation(ctx, id)
	if err != nil {
		return nil, err
	}

	var s models.RotationStats
	err = p.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'pending'),
		        COUNT(*) FILTER (WHERE status = 'processing'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM reencryption_queue WHERE rotation_id = $1`,
		id,
	).Scan(&s.Total, &s.Completed, &s.Pending, &s.Processing, &s.Failed)
	if err != nil {
		return nil, err
	}

	if s.Total > 0 {
		s.Percent = float64(s.Completed+s.Failed) / float64(s.Total) * 100
	} else {
		s.Percent = 100
	}
	end := time.Now().UTC()
	if rot.CompletedAt != nil {
		end = *rot.CompletedAt
	}
	s.DurationSeconds = end.Sub(rot.StartedAt).Seconds()
	return &s, nil
}

// --- Re-encryption queue ---

// EnqueueItems inserts pending queue items, skipping rows that already
// have an item for the same (rotation, table, record, column). Returns
// the number actually inserted, making enqueue safe to re-drive.
func (p *PostgresStore) EnqueueItems(ctx context.Context, items []*models.ReEncryptionQueueItem) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inserted := 0
	for _, it := range items {
		tag, err := tx.Exec(ctx,
			`INSERT INTO reencryption_queue
			   (rotation_id, table_name, record_id, column_name, from_version, to_version, status)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			 ON CONFLICT (rotation_id, table_name, record_id, column_name) DO NOTHING`,
			it.RotationID, it.TableName, it.RecordID, it.ColumnName, it.FromVersion, it.ToVersion,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueuing item for %s.%s row %s: %w", it.TableName, it.ColumnName, it.RecordID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (p *PostgresStore) PendingItems(ctx context.Context, rotationID string, limit int) ([]*models.ReEncryptionQueueItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, rotation_id, table_name, record_id, column_name, from_version, to_version,
		        status, retry_count, last_error, processed_at
		 FROM reencryption_queue
		 WHERE rotation_id = $1 AND status = 'pending'
		 ORDER BY id
		 LIMIT $2`,
		rotationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*models.ReEncryptionQueueItem
	for rows.Next() {
		var it models.ReEncryptionQueueItem
		var lastErr *string
		if err := rows.Scan(&it.ID, &it.RotationID, &it.TableName, &it.RecordID, &it.ColumnName,
			&it.FromVersion, &it.ToVersion, &it.Status, &it.RetryCount, &lastErr, &it.ProcessedAt); err != nil {
			return nil, err
		}
		if lastErr != nil {
			it.LastError = *lastErr
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (p *PostgresStore) MarkItemProcessing(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE reencryption_queue SET status = 'processing' WHERE id = $1`,
		id,
	)
	return err
}

func (p *PostgresStore) MarkItemCompleted(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE reencryption_queue SET status = 'completed', processed_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}

func (p *PostgresStore) MarkItemFailed(ctx context.Context, id int64, reason string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE reencryption_queue
		 SET status = 'failed', last_error = $2, retry_count = retry_count + 1, processed_at = NOW()
		 WHERE id = $1`,
		id, reason,
	)
	return err
}

// ResetFailedItems flips failed items back to pending for an explicit
// operator retry pass.
func (p *PostgresStore) ResetFailedItems(ctx context.Context, rotationID string) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE reencryption_queue SET status = 'pending', last_error = NULL
		 WHERE rotation_id = $1 AND status = 'failed'`,
		rotationID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ResetProcessingItems flips items stuck in 'processing' back to
// 'pending'. Only called at the start of a drain; with a single worker
// process, anything still marked processing at that point was orphaned
// by a crash.
func (p *PostgresStore) ResetProcessingItems(ctx context.Context, rotationID string) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE reencryption_queue SET status = 'pending'
		 WHERE rotation_id = $1 AND status = 'processing'`,
		rotationID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Encrypted column access ---

// Table and column names come from the static EncryptedColumn config,
// known at startup; they are still quoted as identifiers.

func (p *PostgresStore) EncryptedRowIDs(ctx context.Context, col EncryptedColumn) ([]string, error) {
	q := fmt.Sprintf(`SELECT %s::text FROM %s WHERE %s IS NOT NULL`,
		pgx.Identifier{col.IDColumn}.Sanitize(),
		pgx.Identifier{col.Table}.Sanitize(),
		pgx.Identifier{col.Column}.Sanitize(),
	)
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing rows of %s.%s: %w", col.Table, col.Column, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ReadEncryptedValue(ctx context.Context, col EncryptedColumn, recordID string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s::text = $1`,
		pgx.Identifier{col.Column}.Sanitize(),
		pgx.Identifier{col.Table}.Sanitize(),
		pgx.Identifier{col.IDColumn}.Sanitize(),
	)
	var value []byte
	if err := p.pool.QueryRow(ctx, q, recordID).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (p *PostgresStore) WriteEncryptedValue(ctx context.Context, col EncryptedColumn, recordID string, value []byte) error {
	q := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s::text = $2`,
		pgx.Identifier{col.Table}.Sanitize(),
		pgx.Identifier{col.Column}.Sanitize(),
		pgx.Identifier{col.IDColumn}.Sanitize(),
	)
	tag, err := p.pool.Exec(ctx, q, value, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Schedules ---

func (p *PostgresStore) UpsertSchedule(ctx context.Context, s *models.RotationSchedule) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rotation_schedules
		   (id, name, interval_days, enabled, auto_rotate, notify_before_days, notify_recipients,
		    last_rotation, next_rotation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE
		 SET interval_days = EXCLUDED.interval_days,
		     enabled = EXCLUDED.enabled,
		     auto_rotate = EXCLUDED.auto_rotate,
		     notify_before_days = EXCLUDED.notify_before_days,
		     notify_recipients = EXCLUDED.notify_recipients,
		     next_rotation = EXCLUDED.next_rotation,
		     updated_at = NOW()`,
		s.ID, s.Name, s.IntervalDays, s.Enabled, s.AutoRotate, s.NotifyBeforeDays,
		s.NotifyRecipients, s.LastRotation, s.NextRotation,
	)
	return err
}

func (p *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.RotationSchedule, error) {
	row := p.pool.QueryRow(ctx, scheduleSelect+` WHERE id = $1`, id)
	return scanSchedule(row)
}

func (p *PostgresStore) ListSchedules(ctx context.Context) ([]*models.RotationSchedule, error) {
	rows, err := p.pool.Query(ctx, scheduleSelect+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schedules []*models.RotationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

const scheduleSelect = `SELECT id, name, interval_days, enabled, auto_rotate, notify_before_days,
       notify_recipients, last_rotation, next_rotation, created_at, updated_at
FROM rotation_schedules`

func scanSchedule(row pgx.Row) (*models.RotationSchedule, error) {
	var s models.RotationSchedule
	err := row.Scan(&s.ID, &s.Name, &s.IntervalDays, &s.Enabled, &s.AutoRotate, &s.NotifyBeforeDays,
		&s.NotifyRecipients, &s.LastRotation, &s.NextRotation, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) DueSchedules(ctx context.Context, now time.Time) ([]*models.DueRotation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, interval_days, auto_rotate, last_rotation, next_rotation, notify_recipients
		 FROM rotation_schedules
		 WHERE enabled AND next_rotation IS NOT NULL AND next_rotation <= $1
		 ORDER BY next_rotation`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []*models.DueRotation
	for rows.Next() {
		var d models.DueRotation
		if err := rows.Scan(&d.ScheduleID, &d.Name, &d.IntervalDays, &d.AutoRotate,
			&d.LastRotation, &d.NextRotation, &d.Recipients); err != nil {
			return nil, err
		}
		d.DaysOverdue = int(now.Sub(d.NextRotation).Hours() / 24)
		due = append(due, &d)
	}
	return due, rows.Err()
}

func (p *PostgresStore) UpcomingSchedules(ctx context.Context, now time.Time) ([]*models.UpcomingRotation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, next_rotation, notify_recipients
		 FROM rotation_schedules
		 WHERE enabled AND next_rotation IS NOT NULL
		   AND next_rotation > $1
		   AND next_rotation <= $1 + notify_before_days * INTERVAL '1 day'
		 ORDER BY next_rotation`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var upcoming []*models.UpcomingRotation
	for rows.Next() {
		var u models.UpcomingRotation
		if err := rows.Scan(&u.ScheduleID, &u.Name, &u.NextRotation, &u.Recipients); err != nil {
			return nil, err
		}
		u.DaysUntil = int(u.NextRotation.Sub(now).Hours() / 24)
		upcoming = append(upcoming, &u)
	}
	return upcoming, rows.Err()
}

func (p *PostgresStore) MarkScheduleRotated(ctx context.Context, scheduleID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE rotation_schedules
		 SET last_rotation = $2,
		     next_rotation = $2 + interval_days * INTERVAL '1 day',
		     updated_at = NOW()
		 WHERE id = $1`,
		scheduleID, at,
	)
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
