package domain

import "time"

type MediaStatus string

const (
	MediaStatusProcessing       MediaStatus = "processing"
	MediaStatusReadyForQC       MediaStatus = "ready_for_qc"
	MediaStatusRetryScheduled   MediaStatus = "retry_scheduled"
	MediaStatusProcessingFailed MediaStatus = "processing_failed"
)

// MediaPatch is applied to every asset referenced by a job transition.
type MediaPatch struct {
	Status    MediaStatus
	OutputRef string
	Note      string
}

// MediaAsset is owned by the portal's media tables; the pipeline only
// reads status and writes patches.
type MediaAsset struct {
	ID        string
	ListingID string
	Status    MediaStatus
	OutputRef string
	Note      string
	UpdatedAt time.Time
}

// ListingStatus is the listing's operational pipeline stage. Order matters:
// completion advances one step, permanent failure regresses to the
// pre-processing stage.
type ListingStatus string

const (
	ListingStatusShootScheduled  ListingStatus = "shoot_scheduled"
	ListingStatusMediaProcessing ListingStatus = "media_processing"
	ListingStatusQCReview        ListingStatus = "qc_review"
	ListingStatusDelivered       ListingStatus = "delivered"
)

var listingPipeline = []ListingStatus{
	ListingStatusShootScheduled,
	ListingStatusMediaProcessing,
	ListingStatusQCReview,
	ListingStatusDelivered,
}

// NextListingStatus returns the stage one step forward, or the same stage
// when already at the end of the pipeline.
func NextListingStatus(current ListingStatus) ListingStatus {
	for i, status := range listingPipeline {
		if status == current && i+1 < len(listingPipeline) {
			return listingPipeline[i+1]
		}
	}
	return current
}
