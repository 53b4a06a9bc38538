package models

import "time"

// RotationSchedule is operator-edited configuration; the engine only
// reads it, except for recording a completed rotation's timestamps.
type RotationSchedule struct {
	ID               string
	Name             string
	IntervalDays     int
	Enabled          bool
	AutoRotate       bool
	NotifyBeforeDays int
	NotifyRecipients []string
	LastRotation     *time.Time
	NextRotation     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DueRotation is a schedule whose next-rotation date has passed.
type DueRotation struct {
	ScheduleID   string
	Name         string
	IntervalDays int
	AutoRotate   bool
	LastRotation *time.Time
	NextRotation time.Time
	DaysOverdue  int
	Recipients   []string
}

// UpcomingRotation is a schedule inside its notify-before window.
type UpcomingRotation struct {
	ScheduleID   string
	Name         string
	NextRotation time.Time
	DaysUntil    int
	Recipients   []string
}
