package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/org/rekeyd/internal/notify"
	"github.com/org/rekeyd/internal/storage"
	"github.com/org/rekeyd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Scheduler is the time-driven control loop. It decides when rotations
// happen and raises notification signals; it never re-encrypts anything
// itself, and all state mutation goes through the Manager.
type Scheduler struct {
	store    storage.Store
	manager  *Manager
	notifier notify.Notifier
	interval time.Duration
}

// NewScheduler creates a Scheduler ticking at the given interval
// (typically once per day).
func NewScheduler(store storage.Store, manager *Manager, notifier notify.Notifier, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{store: store, manager: manager, notifier: notifier, interval: interval}
}

// Run ticks until the context is cancelled. The first pass runs
// immediately so an overdue schedule is not left waiting a full
// interval after startup.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs both checks. They are independent, idempotent scans; safe
// to re-run on every tick.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.CheckDueRotations(ctx); err != nil {
		log.Error().Err(err).Msg("due rotation check failed")
	}
	if err := s.CheckUpcomingRotations(ctx); err != nil {
		log.Error().Err(err).Msg("upcoming rotation check failed")
	}
}

// CheckDueRotations starts a scheduled rotation for each overdue
// auto-rotate schedule, and raises an approval-needed signal for the
// rest.
func (s *Scheduler) CheckDueRotations(ctx context.Context) error {
	due, err := s.store.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, d := range due {
		if !d.AutoRotate {
			s.notifier.ApprovalNeeded(ctx, d)
			continue
		}
		id, err := s.manager.InitiateRotation(ctx, models.RotationScheduled, "scheduler", d.ScheduleID)
		if err != nil {
			if errors.Is(err, storage.ErrRotationActive) {
				log.Debug().Str("schedule", d.Name).Msg("rotation already active, skipping schedule")
				continue
			}
			log.Error().Err(err).Str("schedule", d.Name).Msg("failed to start scheduled rotation")
			continue
		}
		log.Info().Str("schedule", d.Name).Str("rotation_id", id).Int("days_overdue", d.DaysOverdue).Msg("scheduled rotation started")
	}
	return nil
}

// CheckUpcomingRotations raises an upcoming signal for each schedule
// inside its notify-before window. Dedup across ticks is the
// notification dispatcher's concern.
func (s *Scheduler) CheckUpcomingRotations(ctx context.Context) error {
	upcoming, err := s.store.UpcomingSchedules(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, u := range upcoming {
		s.notifier.UpcomingRotation(ctx, u)
	}
	return nil
}
