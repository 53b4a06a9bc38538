package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/rekeyd/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrRotationActive is returned when a rotation is requested while
// another rotation is still non-terminal. This is a conflict the caller
// must surface, never retry.
var ErrRotationActive = errors.New("a rotation is already in progress")

// EncryptedColumn identifies one statically configured column holding
// values encrypted under the rotated key. The set of migratable columns
// is fixed at startup; identifiers here are configuration, not user
// input.
type EncryptedColumn struct {
	Table    string `yaml:"table"`
	IDColumn string `yaml:"id_column"`
	Column   string `yaml:"column"`
}

// Store defines the persistence interface for the rotation engine.
type Store interface {
	// Key registry (append-only)
	RegisterKeyVersion(ctx context.Context, kv *models.KeyVersion) (int, error)
	GetKeyVersion(ctx context.Context, version int) (*models.KeyVersion, error)
	LatestKeyVersion(ctx context.Context) (*models.KeyVersion, error)
	ListKeyVersions(ctx context.Context) ([]*models.KeyVersion, error)

	// Rotations
	CreateRotation(ctx context.Context, r *models.Rotation) error
	GetRotation(ctx context.Context, id string) (*models.Rotation, error)
	ActiveRotation(ctx context.Context) (*models.Rotation, error)
	MarkRotationInProgress(ctx context.Context, id string) error
	CompleteRotation(ctx context.Context, id string, succeeded, failed int) error
	FailRotation(ctx context.Context, id, reason string) error
	MarkRotationRolledBack(ctx context.Context, id string) error
	ListRotations(ctx context.Context, limit int) ([]*models.Rotation, error)
	RotationStats(ctx context.Context, id string) (*models.RotationStats, error)

	// Re-encryption queue
	EnqueueItems(ctx context.Context, items []*models.ReEncryptionQueueItem) (int, error)
	PendingItems(ctx context.Context, rotationID string, limit int) ([]*models.ReEncryptionQueueItem, error)
	MarkItemProcessing(ctx context.Context, id int64) error
	MarkItemCompleted(ctx context.Context, id int64) error
	MarkItemFailed(ctx context.Context, id int64, reason string) error
	ResetFailedItems(ctx context.Context, rotationID string) (int, error)
	ResetProcessingItems(ctx context.Context, rotationID string) (int, error)

	// Encrypted column access (the migrated application data)
	EncryptedRowIDs(ctx context.Context, col EncryptedColumn) ([]string, error)
	ReadEncryptedValue(ctx context.Context, col EncryptedColumn, recordID string) ([]byte, error)
	WriteEncryptedValue(ctx context.Context, col EncryptedColumn, recordID string, value []byte) error

	// Schedules
	UpsertSchedule(ctx context.Context, s *models.RotationSchedule) error
	GetSchedule(ctx context.Context, id string) (*models.RotationSchedule, error)
	ListSchedules(ctx context.Context) ([]*models.RotationSchedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]*models.DueRotation, error)
	UpcomingSchedules(ctx context.Context, now time.Time) ([]*models.UpcomingRotation, error)
	MarkScheduleRotated(ctx context.Context, scheduleID string, at time.Time) error

	// Lifecycle
	Close()
}
