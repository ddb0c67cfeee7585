package domain

import "time"

type EventType string

const (
	EventJobSubmitted         EventType = "job_submitted"
	EventJobCompleted         EventType = "job_completed"
	EventJobRetryScheduled    EventType = "job_retry_scheduled"
	EventJobFailedPermanently EventType = "job_failed_permanently"
	EventJobCancelled         EventType = "job_cancelled"
)

// Event is an append-only audit record emitted on every job transition.
// The pipeline writes events and never reads them back.
type Event struct {
	ID         string
	Type       EventType
	JobID      string
	ListingID  string
	Detail     string
	OccurredAt time.Time
}
