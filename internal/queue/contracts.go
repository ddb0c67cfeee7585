package queue

import (
	"context"
	"time"
)

// RetryMessage asks the retry worker to resubmit one job that is sitting
// in pending_retry.
type RetryMessage struct {
	JobID       string    `json:"job_id"`
	ListingID   string    `json:"listing_id"`
	Attempt     int       `json:"attempt"`
	Reason      string    `json:"reason"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Producer schedules retry resubmissions.
type Producer interface {
	Enqueue(ctx context.Context, message RetryMessage) error
}

// Consumer receives retry messages and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, RetryMessage) error) error
}
