package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/org/rekeyd/pkg/models"
)

// MemStore is an in-memory Store used for tests and dev mode. It
// mirrors the PostgresStore semantics, including the single active
// rotation constraint and idempotent enqueue.
type MemStore struct {
	mu          sync.Mutex
	keyVersions []*models.KeyVersion
	rotations   map[string]*models.Rotation
	order       []string // rotation ids, insertion order
	queue       []*models.ReEncryptionQueueItem
	nextItemID  int64
	schedules   map[string]*models.RotationSchedule
	data        map[string]map[string][]byte // "table.column" → record id → value
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		rotations: map[string]*models.Rotation{},
		schedules: map[string]*models.RotationSchedule{},
		data:      map[string]map[string][]byte{},
	}
}

func colKey(col EncryptedColumn) string {
	return col.Table + "." + col.Column
}

// SeedRow plants an encrypted value in a simulated application table.
func (m *MemStore) SeedRow(col EncryptedColumn, recordID string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := colKey(col)
	if m.data[k] == nil {
		m.data[k] = map[string][]byte{}
	}
	m.data[k][recordID] = value
}

// --- Key registry ---

func (m *MemStore) RegisterKeyVersion(ctx context.Context, kv *models.KeyVersion) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv.Version = len(m.keyVersions) + 1
	cp := *kv
	m.keyVersions = append(m.keyVersions, &cp)
	return kv.Version, nil
}

func (m *MemStore) GetKeyVersion(ctx context.Context, version int) (*models.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < 1 || version > len(m.keyVersions) {
		return nil, ErrNotFound
	}
	cp := *m.keyVersions[version-1]
	return &cp, nil
}

func (m *MemStore) LatestKeyVersion(ctx context.Context) (*models.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keyVersions) == 0 {
		return nil, ErrNotFound
	}
	cp := *m.keyVersions[len(m.keyVersions)-1]
	return &cp, nil
}

func (m *MemStore) ListKeyVersions(ctx context.Context) ([]*models.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.KeyVersion, len(m.keyVersions))
	for i, kv := range m.keyVersions {
		cp := *kv
		out[i] = &cp
	}
	return out, nil
}

// --- Rotations ---

func (m *MemStore) CreateRotation(ctx context.Context, r *models.Rotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rotations {
		if !existing.Status.Terminal() {
			return ErrRotationActive
		}
	}
	cp := *r
	m.rotations[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemStore) GetRotation(ctx context.Context, id string) (*models.Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rotations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ActiveRotation(ctx context.Context) (*models.Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rotations {
		if !r.Status.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) MarkRotationInProgress(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rotations[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status == models.RotationStarted {
		r.Status = models.RotationInProgress
	}
	return nil
}

func (m *MemStore) CompleteRotation(ctx context.Context, id string, succeeded, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rotations[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() && r.Status != models.RotationCompleted {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = models.RotationCompleted
	r.RecordsReEncrypted = succeeded
	r.RecordsFailed = failed
	r.CompletedAt = &now
	return nil
}

func (m *MemStore) FailRotation(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rotations[id]
	if !ok || r.Status.Terminal() {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = models.RotationFailed
	r.ErrorMessage = reason
	r.CompletedAt = &now
	return nil
}

func (m *MemStore) MarkRotationRolledBack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rotations[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RotationCompleted && r.Status != models.RotationFailed {
		return ErrNotFound
	}
	r.Status = models.RotationRolledBack
	return nil
}

func (m *MemStore) ListRotations(ctx context.Context, limit int) ([]*models.Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Rotation
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.rotations[m.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) RotationStats(ctx context.Context, id string) (*models.RotationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rotations[id]
	if !ok {
		return nil, ErrNotFound
	}
	var s models.RotationStats
	for _, it := range m.queue {
		if it.RotationID != id {
			continue
		}
		s.Total++
		switch it.Status {
		case models.ItemCompleted:
			s.Completed++
		case models.ItemPending:
			s.Pending++
		case models.ItemProcessing:
			s.Processing++
		case models.ItemFailed:
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.Percent = float64(s.Completed+s.Failed) / float64(s.Total) * 100
	} else {
		s.Percent = 100
	}
	end := time.Now().UTC()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	s.DurationSeconds = end.Sub(r.StartedAt).Seconds()
	return &s, nil
}

// --- Re-encryption queue ---

func (m *MemStore) EnqueueItems(ctx context.Context, items []*models.ReEncryptionQueueItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, it := range items {
		if m.hasItemLocked(it.RotationID, it.TableName, it.RecordID, it.ColumnName) {
			continue
		}
		m.nextItemID++
		cp := *it
		cp.ID = m.nextItemID
		cp.Status = models.ItemPending
		m.queue = append(m.queue, &cp)
		inserted++
	}
	return inserted, nil
}

func (m *MemStore) hasItemLocked(rotationID, table, record, column string) bool {
	for _, it := range m.queue {
		if it.RotationID == rotationID && it.TableName == table && it.RecordID == record && it.ColumnName == column {
			return true
		}
	}
	return false
}

func (m *MemStore) PendingItems(ctx context.Context, rotationID string, limit int) ([]*models.ReEncryptionQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReEncryptionQueueItem
	for _, it := range m.queue {
		if it.RotationID == rotationID && it.Status == models.ItemPending {
			cp := *it
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) itemByID(id int64) *models.ReEncryptionQueueItem {
	for _, it := range m.queue {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (m *MemStore) MarkItemProcessing(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.itemByID(id)
	if it == nil {
		return ErrNotFound
	}
	it.Status = models.ItemProcessing
	return nil
}

func (m *MemStore) MarkItemCompleted(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.itemByID(id)
	if it == nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	it.Status = models.ItemCompleted
	it.ProcessedAt = &now
	return nil
}

func (m *MemStore) MarkItemFailed(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.itemByID(id)
	if it == nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	it.Status = models.ItemFailed
	it.LastError = reason
	it.RetryCount++
	it.ProcessedAt = &now
	return nil
}

func (m *MemStore) ResetFailedItems(ctx context.Context, rotationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for _, it := range m.queue {
		if it.RotationID == rotationID && it.Status == models.ItemFailed {
			it.Status = models.ItemPending
			it.LastError = ""
			reset++
		}
	}
	return reset, nil
}

func (m *MemStore) ResetProcessingItems(ctx context.Context, rotationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for _, it := range m.queue {
		if it.RotationID == rotationID && it.Status == models.ItemProcessing {
			it.Status = models.ItemPending
			reset++
		}
	}
	return reset, nil
}

// --- Encrypted column access ---

func (m *MemStore) EncryptedRowIDs(ctx context.Context, col EncryptedColumn) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, v := range m.data[colKey(col)] {
		if v != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemStore) ReadEncryptedValue(ctx context.Context, col EncryptedColumn, recordID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.data[colKey(col)]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := rows[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MemStore) WriteEncryptedValue(ctx context.Context, col EncryptedColumn, recordID string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.data[colKey(col)]
	if !ok {
		return ErrNotFound
	}
	if _, ok := rows[recordID]; !ok {
		return ErrNotFound
	}
	rows[recordID] = value
	return nil
}

// --- Schedules ---

func (m *MemStore) UpsertSchedule(ctx context.Context, s *models.RotationSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.schedules {
		if existing.Name == s.Name && existing.ID != s.ID {
			return fmt.Errorf("schedule name %q already in use", s.Name)
		}
	}
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	if old, ok := m.schedules[s.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSchedule(ctx context.Context, id string) (*models.RotationSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) ListSchedules(ctx context.Context) ([]*models.RotationSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RotationSchedule
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) DueSchedules(ctx context.Context, now time.Time) ([]*models.DueRotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.DueRotation
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRotation == nil || s.NextRotation.After(now) {
			continue
		}
		due = append(due, &models.DueRotation{
			ScheduleID:   s.ID,
			Name:         s.Name,
			IntervalDays: s.IntervalDays,
			AutoRotate:   s.AutoRotate,
			LastRotation: s.LastRotation,
			NextRotation: *s.NextRotation,
			DaysOverdue:  int(now.Sub(*s.NextRotation).Hours() / 24),
			Recipients:   s.NotifyRecipients,
		})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRotation.Before(due[j].NextRotation) })
	return due, nil
}

func (m *MemStore) UpcomingSchedules(ctx context.Context, now time.Time) ([]*models.UpcomingRotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var upcoming []*models.UpcomingRotation
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRotation == nil || !s.NextRotation.After(now) {
			continue
		}
		window := now.Add(time.Duration(s.NotifyBeforeDays) * 24 * time.Hour)
		if s.NextRotation.After(window) {
			continue
		}
		upcoming = append(upcoming, &models.UpcomingRotation{
			ScheduleID:   s.ID,
			Name:         s.Name,
			NextRotation: *s.NextRotation,
			DaysUntil:    int(s.NextRotation.Sub(now).Hours() / 24),
			Recipients:   s.NotifyRecipients,
		})
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].NextRotation.Before(upcoming[j].NextRotation) })
	return upcoming, nil
}

func (m *MemStore) MarkScheduleRotated(ctx context.Context, scheduleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	atCopy := at
	next := at.Add(time.Duration(s.IntervalDays) * 24 * time.Hour)
	s.LastRotation = &atCopy
	s.NextRotation = &next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) Close() {}
