package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brightlist/media-pipeline/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")

	// ErrActiveJobExists is returned by CreateJob when the listing already
	// has a job in an active status. The store enforces this atomically so
	// concurrent submissions cannot both win the check-then-insert race.
	ErrActiveJobExists = errors.New("listing already has an active job")

	// ErrStaleTransition is returned by TransitionJob when the job is no
	// longer in any of the expected source statuses.
	ErrStaleTransition = errors.New("job not in expected status for transition")
)

// JobStore abstracts persistence for jobs and their dependent records.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error)
	GetJobByProviderID(ctx context.Context, providerJobID string) (*domain.ProcessingJob, error)
	GetActiveJobForListing(ctx context.Context, listingID string) (*domain.ProcessingJob, error)
	UpdateJob(ctx context.Context, job *domain.ProcessingJob) error

	// TransitionJob applies mutate to the job only when its current status
	// is one of from, under the store's concurrency control. Late or
	// duplicate callbacks observe ErrStaleTransition instead of clobbering
	// a newer state.
	TransitionJob(
		ctx context.Context,
		jobID string,
		from []domain.JobStatus,
		mutate func(*domain.ProcessingJob),
	) (*domain.ProcessingJob, error)

	UpdateMediaAssets(ctx context.Context, assetIDs []string, patch domain.MediaPatch) error
	CountMediaAssetsInStatus(ctx context.Context, listingID string, status domain.MediaStatus) (int, error)
	GetListingStatus(ctx context.Context, listingID string) (domain.ListingStatus, error)
	UpdateListingStatus(ctx context.Context, listingID string, status domain.ListingStatus) error
	AppendAuditEvent(ctx context.Context, event domain.Event) error
}

// MemoryJobStore keeps everything in process memory for local development
// and tests.
type MemoryJobStore struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.ProcessingJob
	assets   map[string]*domain.MediaAsset
	listings map[string]domain.ListingStatus
	events   []domain.Event
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:     make(map[string]*domain.ProcessingJob),
		assets:   make(map[string]*domain.MediaAsset),
		listings: make(map[string]domain.ListingStatus),
		events:   make([]domain.Event, 0),
	}
}

// SeedListing registers a listing with its current pipeline stage.
func (s *MemoryJobStore) SeedListing(listingID string, status domain.ListingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[listingID] = status
}

// SeedMediaAsset registers a media asset row.
func (s *MemoryJobStore) SeedMediaAsset(asset domain.MediaAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := asset
	s.assets[asset.ID] = &clone
}

// MediaAsset returns a copy of one asset row, for assertions.
func (s *MemoryJobStore) MediaAsset(assetID string) (domain.MediaAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[assetID]
	if !ok {
		return domain.MediaAsset{}, false
	}
	return *asset, true
}

// Events returns a copy of all appended audit events, for assertions.
func (s *MemoryJobStore) Events() []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.events...)
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *domain.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.ListingID == job.ListingID && existing.Status.IsActive() {
			return ErrActiveJobExists
		}
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*domain.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) GetJobByProviderID(_ context.Context, providerJobID string) (*domain.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if providerJobID == "" {
		return nil, ErrNotFound
	}
	var latest *domain.ProcessingJob
	for _, job := range s.jobs {
		if job.ProviderJobID != providerJobID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneJob(latest), nil
}

func (s *MemoryJobStore) GetActiveJobForListing(_ context.Context, listingID string) (*domain.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.ListingID == listingID && job.Status.IsActive() {
			return cloneJob(job), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, job *domain.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) TransitionJob(
	_ context.Context,
	jobID string,
	from []domain.JobStatus,
	mutate func(*domain.ProcessingJob),
) (*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(job.Status, from) {
		return nil, ErrStaleTransition
	}

	mutate(job)
	job.UpdatedAt = time.Now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryJobStore) UpdateMediaAssets(_ context.Context, assetIDs []string, patch domain.MediaPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, assetID := range assetIDs {
		asset, ok := s.assets[assetID]
		if !ok {
			continue
		}
		asset.Status = patch.Status
		if patch.OutputRef != "" {
			asset.OutputRef = patch.OutputRef
		}
		asset.Note = patch.Note
		asset.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryJobStore) CountMediaAssetsInStatus(
	_ context.Context,
	listingID string,
	status domain.MediaStatus,
) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, asset := range s.assets {
		if asset.ListingID == listingID && asset.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryJobStore) GetListingStatus(_ context.Context, listingID string) (domain.ListingStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.listings[listingID]
	if !ok {
		return "", ErrNotFound
	}
	return status, nil
}

func (s *MemoryJobStore) UpdateListingStatus(
	_ context.Context,
	listingID string,
	status domain.ListingStatus,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[listingID]; !ok {
		return ErrNotFound
	}
	s.listings[listingID] = status
	return nil
}

func (s *MemoryJobStore) AppendAuditEvent(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func statusIn(status domain.JobStatus, set []domain.JobStatus) bool {
	for _, candidate := range set {
		if status == candidate {
			return true
		}
	}
	return false
}

func cloneJob(job *domain.ProcessingJob) *domain.ProcessingJob {
	if job == nil {
		return nil
	}
	clone := *job
	clone.SourceAssetIDs = append([]string(nil), job.SourceAssetIDs...)
	if job.StageTimings != nil {
		timings := *job.StageTimings
		clone.StageTimings = &timings
	}
	clone.QueuedAt = cloneTime(job.QueuedAt)
	clone.StartedAt = cloneTime(job.StartedAt)
	clone.CompletedAt = cloneTime(job.CompletedAt)
	clone.LastFailedAt = cloneTime(job.LastFailedAt)
	clone.WebhookReceivedAt = cloneTime(job.WebhookReceivedAt)
	return &clone
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
