package models

import "time"

// BatchStatus is the reported status of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// Batch groups lessons that were submitted together.
// Status only stores pending, processing or cancelled; the reported
// aggregate is derived from member processing logs.
type Batch struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	TotalUnits     int         `json:"total_units"`
	ConcurrencyCap int         `json:"concurrency_cap"`
	Priority       int         `json:"priority"`
	FailFast       bool        `json:"fail_fast"`
	Status         BatchStatus `json:"status"`
	InFlight       int         `json:"in_flight"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsCancelled reports whether the batch was cancelled.
func (b *Batch) IsCancelled() bool {
	return b.Status == BatchStatusCancelled
}
