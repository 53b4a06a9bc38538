package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/org/rekeyd/pkg/models"
)

func seedSchedule(t *testing.T, e *testEngine, s *models.RotationSchedule) *models.RotationSchedule {
	t.Helper()
	if s.ID == "" {
		s.ID = models.NewID()
	}
	if err := e.store.UpsertSchedule(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCheckDueRotationsAutoRotate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sched := NewScheduler(e.store, e.manager, e.notifier, time.Hour)

	overdue := time.Now().UTC().Add(-48 * time.Hour)
	s := seedSchedule(t, e, &models.RotationSchedule{
		Name:         "quarterly",
		IntervalDays: 90,
		Enabled:      true,
		AutoRotate:   true,
		NextRotation: &overdue,
	})

	if err := sched.CheckDueRotations(ctx); err != nil {
		t.Fatal(err)
	}
	e.manager.Wait()

	hist, _ := e.manager.History(ctx, 10)
	if len(hist) != 1 {
		t.Fatalf("expected 1 rotation, got %d", len(hist))
	}
	rot := hist[0]
	if rot.Type != models.RotationScheduled || rot.ScheduleID != s.ID {
		t.Errorf("unexpected rotation: %+v", rot)
	}
	if rot.Status != models.RotationCompleted {
		t.Errorf("expected completed, got %s", rot.Status)
	}

	// On completion, the schedule advances past now: the next tick
	// must not start another rotation.
	got, _ := e.store.GetSchedule(ctx, s.ID)
	if got.LastRotation == nil || got.NextRotation == nil || !got.NextRotation.After(time.Now().UTC()) {
		t.Errorf("schedule not advanced: %+v", got)
	}
	if err := sched.CheckDueRotations(ctx); err != nil {
		t.Fatal(err)
	}
	e.manager.Wait()
	hist, _ = e.manager.History(ctx, 10)
	if len(hist) != 1 {
		t.Errorf("re-running the due check must be idempotent, got %d rotations", len(hist))
	}
}

func TestCheckDueRotationsApprovalNeeded(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sched := NewScheduler(e.store, e.manager, e.notifier, time.Hour)

	overdue := time.Now().UTC().Add(-24 * time.Hour)
	s := seedSchedule(t, e, &models.RotationSchedule{
		Name:         "manual-approval",
		IntervalDays: 30,
		Enabled:      true,
		AutoRotate:   false,
		NextRotation: &overdue,
	})

	if err := sched.CheckDueRotations(ctx); err != nil {
		t.Fatal(err)
	}

	hist, _ := e.manager.History(ctx, 10)
	if len(hist) != 0 {
		t.Error("approval-gated schedule must not start a rotation")
	}
	if len(e.notifier.approval) != 1 || e.notifier.approval[0] != s.ID {
		t.Errorf("expected one approval signal for %s, got %v", s.ID, e.notifier.approval)
	}
}

func TestCheckDueSkipsWhileRotationActive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sched := NewScheduler(e.store, e.manager, e.notifier, time.Hour)

	e.keys.CreateVersion(ctx, "init", nil)
	kv2, _ := e.keys.CreateVersion(ctx, "init", nil)
	e.store.CreateRotation(ctx, &models.Rotation{
		ID:          models.NewID(),
		Type:        models.RotationManual,
		FromVersion: 1,
		ToVersion:   kv2.Version,
		Status:      models.RotationInProgress,
		InitiatedBy: "operator",
		StartedAt:   time.Now().UTC(),
	})

	overdue := time.Now().UTC().Add(-24 * time.Hour)
	seedSchedule(t, e, &models.RotationSchedule{
		Name:         "auto",
		IntervalDays: 30,
		Enabled:      true,
		AutoRotate:   true,
		NextRotation: &overdue,
	})

	// The conflict is absorbed; the check itself succeeds.
	if err := sched.CheckDueRotations(ctx); err != nil {
		t.Fatal(err)
	}
	hist, _ := e.manager.History(ctx, 10)
	if len(hist) != 1 {
		t.Errorf("no second rotation may start, got %d", len(hist))
	}
}

func TestCheckUpcomingRotations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sched := NewScheduler(e.store, e.manager, e.notifier, time.Hour)

	soon := time.Now().UTC().Add(3 * 24 * time.Hour)
	far := time.Now().UTC().Add(60 * 24 * time.Hour)
	inWindow := seedSchedule(t, e, &models.RotationSchedule{
		Name: "soon", IntervalDays: 90, Enabled: true,
		NotifyBeforeDays: 7, NextRotation: &soon,
	})
	seedSchedule(t, e, &models.RotationSchedule{
		Name: "far", IntervalDays: 90, Enabled: true,
		NotifyBeforeDays: 7, NextRotation: &far,
	})
	seedSchedule(t, e, &models.RotationSchedule{
		Name: "disabled", IntervalDays: 90, Enabled: false,
		NotifyBeforeDays: 7, NextRotation: &soon,
	})

	if err := sched.CheckUpcomingRotations(ctx); err != nil {
		t.Fatal(err)
	}
	if len(e.notifier.upcoming) != 1 || e.notifier.upcoming[0] != inWindow.ID {
		t.Errorf("expected one upcoming signal for %s, got %v", inWindow.ID, e.notifier.upcoming)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t)
	sched := NewScheduler(e.store, e.manager, e.notifier, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
