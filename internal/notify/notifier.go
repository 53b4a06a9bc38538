// Package notify is the boundary to the external notification
// dispatcher. The engine only raises signals; delivery, templating, and
// dedup are the dispatcher's concern.
package notify

import (
	"context"

	"github.com/org/rekeyd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Notifier receives rotation lifecycle signals.
type Notifier interface {
	RotationCompleted(ctx context.Context, r *models.Rotation)
	RotationFailed(ctx context.Context, r *models.Rotation, reason string)
	ApprovalNeeded(ctx context.Context, due *models.DueRotation)
	UpcomingRotation(ctx context.Context, up *models.UpcomingRotation)
}

// LogNotifier writes notification signals to the structured log. It is
// the default sink when no dispatcher is wired.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) RotationCompleted(ctx context.Context, r *models.Rotation) {
	log.Info().
		Str("rotation_id", r.ID).
		Int("to_version", r.ToVersion).
		Int("reencrypted", r.RecordsReEncrypted).
		Int("failed", r.RecordsFailed).
		Msg("rotation completed")
}

func (n *LogNotifier) RotationFailed(ctx context.Context, r *models.Rotation, reason string) {
	log.Error().
		Str("rotation_id", r.ID).
		Int("to_version", r.ToVersion).
		Str("reason", reason).
		Msg("rotation failed")
}

func (n *LogNotifier) ApprovalNeeded(ctx context.Context, due *models.DueRotation) {
	log.Warn().
		Str("schedule_id", due.ScheduleID).
		Str("schedule", due.Name).
		Int("days_overdue", due.DaysOverdue).
		Strs("recipients", due.Recipients).
		Msg("rotation due, approval needed")
}

func (n *LogNotifier) UpcomingRotation(ctx context.Context, up *models.UpcomingRotation) {
	log.Info().
		Str("schedule_id", up.ScheduleID).
		Str("schedule", up.Name).
		Int("days_until", up.DaysUntil).
		Strs("recipients", up.Recipients).
		Msg("rotation upcoming")
}
