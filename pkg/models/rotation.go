package models

import "time"

// RotationType classifies how a rotation was triggered.
type RotationType string

const (
	RotationScheduled RotationType = "scheduled"
	RotationManual    RotationType = "manual"
	RotationEmergency RotationType = "emergency"
)

// RotationStatus is the rotation state machine.
//
//	started → in_progress → completed
//	started|in_progress  → failed
//	completed|failed     → rolled_back (operator audit marker)
type RotationStatus string

const (
	RotationStarted    RotationStatus = "started"
	RotationInProgress RotationStatus = "in_progress"
	RotationCompleted  RotationStatus = "completed"
	RotationFailed     RotationStatus = "failed"
	RotationRolledBack RotationStatus = "rolled_back"
)

// Terminal reports whether a rotation in this status is finished.
func (s RotationStatus) Terminal() bool {
	return s == RotationCompleted || s == RotationFailed || s == RotationRolledBack
}

// Rotation is one end-to-end attempt to move all encrypted data from
// one key version to the next. Rows are never deleted (audit trail).
type Rotation struct {
	ID                 string
	Type               RotationType
	FromVersion        int
	ToVersion          int
	Status             RotationStatus
	ScheduleID         string // empty unless scheduler-initiated
	InitiatedBy        string
	RecordsReEncrypted int
	RecordsFailed      int
	ErrorMessage       string
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// RotationStats summarizes queue progress for one rotation.
type RotationStats struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Failed          int     `json:"failed"`
	Percent         float64 `json:"percent"`
	DurationSeconds float64 `json:"duration_seconds"`
}
