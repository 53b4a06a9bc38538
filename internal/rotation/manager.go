// Package rotation owns the key rotation lifecycle: the manager is the
// only component allowed to transition rotation state, the worker
// migrates data between key versions, and the scheduler decides when
// rotations happen.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/rekeyd/internal/keyring"
	"github.com/org/rekeyd/internal/notify"
	"github.com/org/rekeyd/internal/storage"
	"github.com/org/rekeyd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Manager enforces the single-active-rotation invariant and owns every
// rotation state transition. The in-process guard is a fast path; the
// persisted rotation status is the source of truth across restarts.
type Manager struct {
	store    storage.Store
	keys     *keyring.Keyring
	worker   *Worker
	notifier notify.Notifier

	mu       sync.Mutex
	activeID string
	wg       sync.WaitGroup
}

// NewManager wires a Manager with its Worker.
func NewManager(store storage.Store, keys *keyring.Keyring, notifier notify.Notifier, columns []storage.EncryptedColumn, batchSize int) *Manager {
	return &Manager{
		store:    store,
		keys:     keys,
		worker:   NewWorker(store, keys, columns, batchSize),
		notifier: notifier,
	}
}

// InitiateRotation registers a new key version, creates the rotation
// record, populates the re-encryption queue, and hands the drain to a
// background task. It returns as soon as the rotation is durable.
//
// Returns storage.ErrRotationActive without creating anything if a
// rotation is already non-terminal.
func (m *Manager) InitiateRotation(ctx context.Context, typ models.RotationType, initiatedBy, scheduleID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" {
		return "", storage.ErrRotationActive
	}
	// Fresh read: the flag alone cannot be trusted across restarts.
	if _, err := m.store.ActiveRotation(ctx); err == nil {
		return "", storage.ErrRotationActive
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("checking active rotation: %w", err)
	}

	fromVersion, err := m.keys.LatestVersion(ctx)
	if err != nil {
		return "", err
	}
	kv, err := m.keys.CreateVersion(ctx, initiatedBy, map[string]string{"rotation_type": string(typ)})
	if err != nil {
		return "", fmt.Errorf("creating key version: %w", err)
	}

	rot := &models.Rotation{
		ID:          models.NewID(),
		Type:        typ,
		FromVersion: fromVersion,
		ToVersion:   kv.Version,
		Status:      models.RotationStarted,
		ScheduleID:  scheduleID,
		InitiatedBy: initiatedBy,
		StartedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateRotation(ctx, rot); err != nil {
		return "", fmt.Errorf("creating rotation: %w", err)
	}

	// Enqueue happens here and only here; resume re-derives remaining
	// work from item status, never by re-enqueuing.
	if fromVersion > 0 {
		if _, err := m.worker.Enqueue(ctx, rot); err != nil {
			if ferr := m.store.FailRotation(ctx, rot.ID, err.Error()); ferr != nil {
				log.Error().Err(ferr).Str("rotation_id", rot.ID).Msg("failed to record rotation failure")
			}
			return "", fmt.Errorf("populating re-encryption queue: %w", err)
		}
	}

	m.activeID = rot.ID
	rotationActive.Set(1)
	rotationsTotal.WithLabelValues("started").Inc()
	log.Info().
		Str("rotation_id", rot.ID).
		Str("type", string(typ)).
		Int("from_version", fromVersion).
		Int("to_version", kv.Version).
		Str("initiated_by", initiatedBy).
		Msg("rotation initiated")

	m.launch(rot)
	return rot.ID, nil
}

// launch runs the drain as a supervised background task. Its failure
// path, including panics, always lands in FailRotation; a rotation is
// never left dangling by a swallowed error.
func (m *Manager) launch(rot *models.Rotation) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("rotation_id", rot.ID).Interface("panic", p).Msg("re-encryption worker panicked")
				m.FailRotation(context.Background(), rot.ID, fmt.Sprintf("worker panic: %v", p))
			}
		}()
		m.run(context.Background(), rot)
	}()
}

func (m *Manager) run(ctx context.Context, rot *models.Rotation) {
	if err := m.store.MarkRotationInProgress(ctx, rot.ID); err != nil {
		m.FailRotation(ctx, rot.ID, fmt.Sprintf("marking in progress: %v", err))
		return
	}
	if err := m.worker.Drain(ctx, rot); err != nil {
		m.FailRotation(ctx, rot.ID, err.Error())
		return
	}
	// Final counters come from persisted queue state, not from what
	// this particular process happened to do: a resumed rotation must
	// report totals across all attempts.
	stats, err := m.store.RotationStats(ctx, rot.ID)
	if err != nil {
		m.FailRotation(ctx, rot.ID, fmt.Sprintf("reading final statistics: %v", err))
		return
	}
	if err := m.CompleteRotation(ctx, rot.ID, stats.Completed, stats.Failed); err != nil {
		log.Error().Err(err).Str("rotation_id", rot.ID).Msg("failed to complete rotation")
	}
}

// CompleteRotation transitions the rotation to completed, records final
// counters, releases the guard, and raises the completion signal.
func (m *Manager) CompleteRotation(ctx context.Context, id string, succeeded, failed int) error {
	if err := m.store.CompleteRotation(ctx, id, succeeded, failed); err != nil {
		return err
	}
	m.releaseGuard(id)
	rotationsTotal.WithLabelValues("completed").Inc()

	rot, err := m.store.GetRotation(ctx, id)
	if err != nil {
		return err
	}
	if rot.ScheduleID != "" && rot.CompletedAt != nil {
		if err := m.store.MarkScheduleRotated(ctx, rot.ScheduleID, *rot.CompletedAt); err != nil {
			log.Error().Err(err).Str("schedule_id", rot.ScheduleID).Msg("failed to advance schedule")
		}
	}
	m.notifier.RotationCompleted(ctx, rot)
	log.Info().
		Str("rotation_id", id).
		Int("reencrypted", succeeded).
		Int("failed", failed).
		Msg("rotation completed")
	return nil
}

// FailRotation transitions the rotation to failed. Used for
// infrastructure-level errors only; per-record failures stay on their
// queue items and do not fail the rotation.
func (m *Manager) FailRotation(ctx context.Context, id, reason string) {
	if err := m.store.FailRotation(ctx, id, reason); err != nil {
		log.Error().Err(err).Str("rotation_id", id).Str("reason", reason).Msg("failed to persist rotation failure")
	}
	m.releaseGuard(id)
	rotationsTotal.WithLabelValues("failed").Inc()

	rot, err := m.store.GetRotation(ctx, id)
	if err == nil {
		m.notifier.RotationFailed(ctx, rot, reason)
	}
	log.Error().Str("rotation_id", id).Str("reason", reason).Msg("rotation failed")
}

// ResumeIncompleteRotations re-attaches a worker to any rotation left
// non-terminal by a previous process. Called once at startup. An error
// here means encrypted data is in an indeterminate state and must be
// treated as startup-fatal by the caller.
func (m *Manager) ResumeIncompleteRotations(ctx context.Context) error {
	rot, err := m.store.ActiveRotation(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("querying incomplete rotations: %w", err)
	}

	if err := m.keys.Verify(ctx, rot.ToVersion); err != nil {
		return fmt.Errorf("cannot resume rotation %s: target key version %d unusable: %w", rot.ID, rot.ToVersion, err)
	}
	if rot.FromVersion > 0 {
		if err := m.keys.Verify(ctx, rot.FromVersion); err != nil {
			return fmt.Errorf("cannot resume rotation %s: source key version %d unusable: %w", rot.ID, rot.FromVersion, err)
		}
	}

	m.mu.Lock()
	if m.activeID == rot.ID {
		// Already attached; a second resume call is a no-op.
		m.mu.Unlock()
		return nil
	}
	if m.activeID != "" {
		m.mu.Unlock()
		return storage.ErrRotationActive
	}
	m.activeID = rot.ID
	rotationActive.Set(1)
	m.mu.Unlock()

	log.Warn().
		Str("rotation_id", rot.ID).
		Str("status", string(rot.Status)).
		Int("to_version", rot.ToVersion).
		Msg("resuming interrupted rotation")
	m.launch(rot)
	return nil
}

// RetryFailedItems resets failed queue items of a completed rotation
// back to pending and re-drains them. This is an explicit operator
// action; the worker never retries failed items on its own. Returns the
// number of items reset.
func (m *Manager) RetryFailedItems(ctx context.Context, id string) (int, error) {
	rot, err := m.store.GetRotation(ctx, id)
	if err != nil {
		return 0, err
	}
	if rot.Status != models.RotationCompleted {
		return 0, fmt.Errorf("rotation %s is %s; only completed rotations can retry failed items", id, rot.Status)
	}

	m.mu.Lock()
	if m.activeID != "" {
		m.mu.Unlock()
		return 0, storage.ErrRotationActive
	}
	m.activeID = id
	rotationActive.Set(1)
	m.mu.Unlock()

	n, err := m.store.ResetFailedItems(ctx, id)
	if err != nil {
		m.releaseGuard(id)
		return 0, err
	}
	if n == 0 {
		m.releaseGuard(id)
		return 0, nil
	}

	log.Info().Str("rotation_id", id).Int("items", n).Msg("retrying failed queue items")
	m.launch(rot)
	return n, nil
}

// RollBack marks a terminal rotation as rolled back. This is an audit
// marker only: no data is re-encrypted to the previous key. Moving data
// back is a fresh rotation.
func (m *Manager) RollBack(ctx context.Context, id string) error {
	return m.store.MarkRotationRolledBack(ctx, id)
}

// Progress returns the rotation record and its queue statistics.
func (m *Manager) Progress(ctx context.Context, id string) (*models.Rotation, *models.RotationStats, error) {
	rot, err := m.store.GetRotation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	stats, err := m.store.RotationStats(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return rot, stats, nil
}

// History returns the most recent rotations, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*models.Rotation, error) {
	return m.store.ListRotations(ctx, limit)
}

// InProgress reports whether a rotation is currently active.
func (m *Manager) InProgress(ctx context.Context) (bool, error) {
	m.mu.Lock()
	active := m.activeID != ""
	m.mu.Unlock()
	if active {
		return true, nil
	}
	_, err := m.store.ActiveRotation(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Wait blocks until any background drain task finishes. Used by tests
// and during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) releaseGuard(id string) {
	m.mu.Lock()
	if m.activeID == id {
		m.activeID = ""
		rotationActive.Set(0)
	}
	m.mu.Unlock()
}
