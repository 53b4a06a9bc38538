package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/org/rekeyd/internal/keyring"
	"github.com/org/rekeyd/pkg/models"
)

func newTestRotation(t *testing.T, e *testEngine) *models.Rotation {
	t.Helper()
	ctx := context.Background()
	kv, err := e.keys.CreateVersion(ctx, "rotator", nil)
	if err != nil {
		t.Fatal(err)
	}
	rot := &models.Rotation{
		ID:          models.NewID(),
		Type:        models.RotationManual,
		FromVersion: kv.Version - 1,
		ToVersion:   kv.Version,
		Status:      models.RotationInProgress,
		InitiatedBy: "tester",
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRotation(ctx, rot); err != nil {
		t.Fatal(err)
	}
	return rot
}

func TestEnqueueIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	e.seedEncrypted(t, testColumns[0], "r1", "a", 1)
	e.seedEncrypted(t, testColumns[1], "r2", "b", 1)
	rot := newTestRotation(t, e)

	w := NewWorker(e.store, e.keys, testColumns, 10)
	n, err := w.Enqueue(ctx, rot)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 items, got %d", n)
	}

	// Re-driving enqueue must not duplicate.
	n, err = w.Enqueue(ctx, rot)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second enqueue should insert nothing, got %d", n)
	}
	stats, _ := e.store.RotationStats(ctx, rot.ID)
	if stats.Total != 2 {
		t.Errorf("expected 2 total items, got %d", stats.Total)
	}
}

func TestDrainSkipsAlreadyMigratedValue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	e.seedEncrypted(t, testColumns[0], "r1", "v", 1)
	rot := newTestRotation(t, e)

	w := NewWorker(e.store, e.keys, testColumns, 10)
	if _, err := w.Enqueue(ctx, rot); err != nil {
		t.Fatal(err)
	}

	// The value was already rewritten under the target version, as
	// happens when a crash lands between write and completion mark.
	ct, _ := e.keys.EncryptWithVersion(ctx, []byte("v"), rot.ToVersion)
	e.store.WriteEncryptedValue(ctx, testColumns[0], "r1", ct)

	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}
	stats, _ := e.store.RotationStats(ctx, rot.ID)
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("expected item treated as completed, got %+v", stats)
	}
	if got := e.readPlain(t, testColumns[0], "r1"); string(got) != "v" {
		t.Errorf("plaintext corrupted: %q", got)
	}
}

func TestDrainCompletesDeletedRowAsNoop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	rot := newTestRotation(t, e)

	// The row vanished between enqueue and drain.
	if _, err := e.store.EnqueueItems(ctx, []*models.ReEncryptionQueueItem{{
		RotationID:  rot.ID,
		TableName:   testColumns[0].Table,
		RecordID:    "ghost",
		ColumnName:  testColumns[0].Column,
		FromVersion: rot.FromVersion,
		ToVersion:   rot.ToVersion,
	}}); err != nil {
		t.Fatal(err)
	}

	w := NewWorker(e.store, e.keys, testColumns, 10)
	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}
	stats, _ := e.store.RotationStats(ctx, rot.ID)
	if stats.Completed != 1 {
		t.Errorf("deleted row should complete as a no-op, got %+v", stats)
	}
}

func TestDrainReclaimsOrphanedProcessingItems(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	e.seedEncrypted(t, testColumns[0], "r1", "v", 1)
	rot := newTestRotation(t, e)

	w := NewWorker(e.store, e.keys, testColumns, 10)
	if _, err := w.Enqueue(ctx, rot); err != nil {
		t.Fatal(err)
	}
	// A crashed worker left the item mid-flight.
	items, _ := e.store.PendingItems(ctx, rot.ID, 1)
	e.store.MarkItemProcessing(ctx, items[0].ID)

	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}
	stats, _ := e.store.RotationStats(ctx, rot.ID)
	if stats.Completed != 1 || stats.Processing != 0 {
		t.Errorf("orphaned item should be reclaimed and drained, got %+v", stats)
	}
}

func TestDrainBatchesUntilEmpty(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	for i := 0; i < 25; i++ {
		e.seedEncrypted(t, testColumns[0], string(rune('a'+i)), "v", 1)
	}
	rot := newTestRotation(t, e)

	// Batch size 4 forces multiple passes.
	w := NewWorker(e.store, e.keys, testColumns, 4)
	if _, err := w.Enqueue(ctx, rot); err != nil {
		t.Fatal(err)
	}
	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}
	stats, _ := e.store.RotationStats(ctx, rot.ID)
	if stats.Completed != 25 || stats.Pending != 0 {
		t.Errorf("expected all 25 drained, got %+v", stats)
	}
}

func TestFailedItemsAreNotRetriedByDrain(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	valid, _ := e.keys.EncryptWithVersion(ctx, []byte("x"), 1)
	corrupt := make([]byte, len(valid))
	copy(corrupt, valid)
	corrupt[len(corrupt)-1] ^= 0xff
	e.store.SeedRow(testColumns[0], "bad", corrupt)
	rot := newTestRotation(t, e)

	w := NewWorker(e.store, e.keys, testColumns, 10)
	if _, err := w.Enqueue(ctx, rot); err != nil {
		t.Fatal(err)
	}
	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}

	stats, _ := e.store.RotationStats(ctx, rot.ID)
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}
	items, _ := e.store.PendingItems(ctx, rot.ID, 10)
	if len(items) != 0 {
		t.Error("failed item must not reappear as pending")
	}

	// A second drain pass finds nothing; the failed item stays failed
	// with its error recorded.
	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}
	stats, _ = e.store.RotationStats(ctx, rot.ID)
	if stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("drain must not touch failed items, got %+v", stats)
	}
}

func TestCiphertextVersionRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.keys.CreateVersion(ctx, "init", nil)
	e.seedEncrypted(t, testColumns[0], "r1", "round-trip", 1)
	rot := newTestRotation(t, e)

	w := NewWorker(e.store, e.keys, testColumns, 10)
	w.Enqueue(ctx, rot)
	if err := w.Drain(ctx, rot); err != nil {
		t.Fatal(err)
	}

	ct, _ := e.store.ReadEncryptedValue(ctx, testColumns[0], "r1")
	v, err := keyring.ParseVersion(ct)
	if err != nil {
		t.Fatal(err)
	}
	if v != rot.ToVersion {
		t.Errorf("migrated value under version %d, want %d", v, rot.ToVersion)
	}
	got, err := e.keys.DecryptWithVersion(ctx, ct, rot.ToVersion)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "round-trip" {
		t.Errorf("plaintext not preserved: %q", got)
	}
}
