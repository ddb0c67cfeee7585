package domain

import (
	"time"
)

type JobKind string

const (
	// KindBracketFusion is the only kind handled today. A second provider
	// or pipeline adds a variant here plus a matching submit/callback pair.
	KindBracketFusion JobKind = "bracket_fusion"
)

type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusQueued       JobStatus = "queued"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusUploading    JobStatus = "uploading"
	JobStatusPendingRetry JobStatus = "pending_retry"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

const (
	MinBracketCount = 2
	MaxBracketCount = 7
	MaxRetries      = 3
)

// IsActive reports whether a job in this status blocks new submissions
// for the same listing.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing, JobStatusUploading, JobStatusPendingRetry:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// StageTimings carries per-stage durations reported by the provider, in
// milliseconds. A zero field means the provider did not report the stage.
type StageTimings struct {
	FuseMS    int64 `json:"fuse_ms"`
	TonemapMS int64 `json:"tonemap_ms"`
	UploadMS  int64 `json:"upload_ms"`
}

// ProcessingJob is one HDR processing request for one listing.
type ProcessingJob struct {
	ID             string
	Kind           JobKind
	ListingID      string
	ProviderJobID  string
	Status         JobStatus
	SourceAssetIDs []string
	BracketCount   int
	RetryCount     int
	OutputRef      string
	StageTimings   *StageTimings
	ErrorMessage   string

	CreatedAt         time.Time
	QueuedAt          *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	LastFailedAt      *time.Time
	WebhookReceivedAt *time.Time
	UpdatedAt         time.Time
}

// CallbackPayload is the body the provider posts when a job finishes.
type CallbackPayload struct {
	ProviderJobID string        `json:"provider_job_id"`
	Status        string        `json:"status"`
	OutputRef     string        `json:"output_ref,omitempty"`
	Metrics       *StageTimings `json:"metrics,omitempty"`
	ListingID     string        `json:"listing_id,omitempty"`
	MediaAssetIDs []string      `json:"media_asset_ids,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

const (
	CallbackStatusCompleted = "completed"
	CallbackStatusFailed    = "failed"
)
