package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/rekeyd/internal/crypto"
	"github.com/org/rekeyd/internal/keyring"
	"github.com/org/rekeyd/internal/storage"
	"github.com/org/rekeyd/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize is the number of queue items drained per batch.
const DefaultBatchSize = 100

// Worker migrates encrypted column values from the old key version to
// the new one. All of its progress state lives in the queue table, so a
// worker re-attached after a crash picks up exactly where the last one
// stopped.
type Worker struct {
	store     storage.Store
	keys      *keyring.Keyring
	columns   []storage.EncryptedColumn
	batchSize int
}

// NewWorker creates a Worker over the statically configured set of
// encrypted columns.
func NewWorker(store storage.Store, keys *keyring.Keyring, columns []storage.EncryptedColumn, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{store: store, keys: keys, columns: columns, batchSize: batchSize}
}

// Enqueue creates one pending queue item per non-null encrypted value.
// Called exactly once, when the rotation is created; duplicate rows are
// skipped by the store, so a partially persisted enqueue is safe to
// re-drive.
func (w *Worker) Enqueue(ctx context.Context, rot *models.Rotation) (int, error) {
	var items []*models.ReEncryptionQueueItem
	for _, col := range w.columns {
		ids, err := w.store.EncryptedRowIDs(ctx, col)
		if err != nil {
			return 0, fmt.Errorf("scanning %s.%s: %w", col.Table, col.Column, err)
		}
		for _, id := range ids {
			items = append(items, &models.ReEncryptionQueueItem{
				RotationID:  rot.ID,
				TableName:   col.Table,
				RecordID:    id,
				ColumnName:  col.Column,
				FromVersion: rot.FromVersion,
				ToVersion:   rot.ToVersion,
				Status:      models.ItemPending,
			})
		}
	}
	n, err := w.store.EnqueueItems(ctx, items)
	if err != nil {
		return 0, err
	}
	log.Info().
		Str("rotation_id", rot.ID).
		Int("items", n).
		Int("columns", len(w.columns)).
		Msg("re-encryption queue populated")
	return n, nil
}

// Drain processes pending queue items in batches until none remain.
// A failure on a single item marks that item failed and moves on; only
// infrastructure errors (the queue itself unreachable) are returned.
func (w *Worker) Drain(ctx context.Context, rot *models.Rotation) error {
	// Items left in 'processing' belong to a crashed worker.
	reclaimed, err := w.store.ResetProcessingItems(ctx, rot.ID)
	if err != nil {
		return fmt.Errorf("reclaiming in-flight items: %w", err)
	}
	if reclaimed > 0 {
		log.Warn().Str("rotation_id", rot.ID).Int("items", reclaimed).Msg("reclaimed orphaned in-flight items")
	}

	for {
		items, err := w.store.PendingItems(ctx, rot.ID, w.batchSize)
		if err != nil {
			return fmt.Errorf("querying pending items: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		start := time.Now()
		for _, it := range items {
			if err := w.processItem(ctx, it); err != nil {
				return err
			}
		}
		batchDuration.Observe(time.Since(start).Seconds())
	}
}

// processItem re-encrypts one cell. A returned error is always an
// infrastructure failure; per-record problems are absorbed via
// recordFailure.
func (w *Worker) processItem(ctx context.Context, it *models.ReEncryptionQueueItem) error {
	if err := w.store.MarkItemProcessing(ctx, it.ID); err != nil {
		return fmt.Errorf("marking item %d processing: %w", it.ID, err)
	}

	col, ok := w.columnFor(it)
	if !ok {
		return w.recordFailure(ctx, it, fmt.Errorf("column %s.%s is no longer configured", it.TableName, it.ColumnName))
	}

	value, err := w.store.ReadEncryptedValue(ctx, col, it.RecordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Row deleted since enqueue; nothing left to migrate.
			return w.complete(ctx, it)
		}
		return w.recordFailure(ctx, it, fmt.Errorf("reading value: %w", err))
	}
	if value == nil {
		// NULL stays NULL.
		return w.complete(ctx, it)
	}

	if v, err := keyring.ParseVersion(value); err == nil && v == it.ToVersion {
		// Already migrated; a crash landed between write and mark.
		return w.complete(ctx, it)
	}

	plaintext, err := w.keys.DecryptWithVersion(ctx, value, it.FromVersion)
	if err != nil {
		return w.recordFailure(ctx, it, fmt.Errorf("decrypting under version %d: %w", it.FromVersion, err))
	}
	rewrapped, err := w.keys.EncryptWithVersion(ctx, plaintext, it.ToVersion)
	crypto.Zero(plaintext)
	if err != nil {
		return w.recordFailure(ctx, it, fmt.Errorf("re-encrypting under version %d: %w", it.ToVersion, err))
	}

	if err := w.store.WriteEncryptedValue(ctx, col, it.RecordID, rewrapped); err != nil {
		return w.recordFailure(ctx, it, fmt.Errorf("writing value: %w", err))
	}
	return w.complete(ctx, it)
}

func (w *Worker) complete(ctx context.Context, it *models.ReEncryptionQueueItem) error {
	if err := w.store.MarkItemCompleted(ctx, it.ID); err != nil {
		return fmt.Errorf("marking item %d completed: %w", it.ID, err)
	}
	itemsTotal.WithLabelValues("completed").Inc()
	return nil
}

// recordFailure absorbs a per-record error: the item is marked failed
// and the drain continues. Corrupt or missing records must never abort
// a rotation.
func (w *Worker) recordFailure(ctx context.Context, it *models.ReEncryptionQueueItem, cause error) error {
	log.Warn().
		Str("rotation_id", it.RotationID).
		Str("table", it.TableName).
		Str("record_id", it.RecordID).
		Str("column", it.ColumnName).
		Err(cause).
		Msg("queue item failed")
	if err := w.store.MarkItemFailed(ctx, it.ID, cause.Error()); err != nil {
		return fmt.Errorf("marking item %d failed: %w", it.ID, err)
	}
	itemsTotal.WithLabelValues("failed").Inc()
	return nil
}

func (w *Worker) columnFor(it *models.ReEncryptionQueueItem) (storage.EncryptedColumn, bool) {
	for _, col := range w.columns {
		if col.Table == it.TableName && col.Column == it.ColumnName {
			return col, true
		}
	}
	return storage.EncryptedColumn{}, false
}
