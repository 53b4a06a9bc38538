package models

import "time"

// QueueItemStatus tracks one item through pending → processing →
// {completed | failed}. Failed items are only retried by an explicit
// operator pass, never automatically.
type QueueItemStatus string

const (
	ItemPending    QueueItemStatus = "pending"
	ItemProcessing QueueItemStatus = "processing"
	ItemCompleted  QueueItemStatus = "completed"
	ItemFailed     QueueItemStatus = "failed"
)

// ReEncryptionQueueItem is the unit of re-encryption work for a single
// (table, record, column) cell under one rotation.
type ReEncryptionQueueItem struct {
	ID          int64
	RotationID  string
	TableName   string
	RecordID    string
	ColumnName  string
	FromVersion int
	ToVersion   int
	Status      QueueItemStatus
	RetryCount  int
	LastError   string
	ProcessedAt *time.Time
}
