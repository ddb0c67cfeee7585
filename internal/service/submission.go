package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/brightlist/media-pipeline/internal/breaker"
	"github.com/brightlist/media-pipeline/internal/domain"
	"github.com/brightlist/media-pipeline/internal/provider"
	"github.com/brightlist/media-pipeline/internal/repository"
	"github.com/brightlist/media-pipeline/internal/storage"
	"github.com/google/uuid"
)

// Dependency names used against the breaker registry.
const (
	DependencyHDRProvider  = "hdr_provider"
	DependencyMediaStorage = "media_storage"
)

type SubmitInput struct {
	ListingID      string
	SourceAssetIDs []string
	Kind           domain.JobKind
}

type SubmissionDependencies struct {
	Store        repository.JobStore
	Signer       storage.Signer
	Provider     provider.Client
	Breakers     *breaker.Registry
	Callbacks    *CallbackService
	CallbackURL  string
	SignedURLTTL time.Duration
	Logger       *log.Logger
}

// SubmissionService validates processing requests, dispatches them to the
// provider through the circuit breaker, and owns the pending/queued side of
// the job state machine.
type SubmissionService struct {
	store        repository.JobStore
	signer       storage.Signer
	provider     provider.Client
	breakers     *breaker.Registry
	callbacks    *CallbackService
	callbackURL  string
	signedURLTTL time.Duration
	logger       *log.Logger
	now          func() time.Time
}

func NewSubmissionService(deps SubmissionDependencies) *SubmissionService {
	ttl := deps.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SubmissionService{
		store:        deps.Store,
		signer:       deps.Signer,
		provider:     deps.Provider,
		breakers:     deps.Breakers,
		callbacks:    deps.Callbacks,
		callbackURL:  deps.CallbackURL,
		signedURLTTL: ttl,
		logger:       deps.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a job for the listing and dispatches it to the provider.
// Validation and conflict errors leave no job row; dispatch errors leave a
// failed row so operators have something to inspect.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (*domain.ProcessingJob, error) {
	if strings.TrimSpace(input.ListingID) == "" {
		return nil, &domain.ValidationError{Field: "listing_id", Message: "listing_id is required"}
	}
	bracketCount := len(input.SourceAssetIDs)
	if bracketCount < domain.MinBracketCount || bracketCount > domain.MaxBracketCount {
		return nil, &domain.ValidationError{
			Field: "source_asset_ids",
			Message: fmt.Sprintf(
				"bracket count must be between %d and %d, got %d",
				domain.MinBracketCount, domain.MaxBracketCount, bracketCount,
			),
		}
	}
	kind := input.Kind
	if kind == "" {
		kind = domain.KindBracketFusion
	}
	if kind != domain.KindBracketFusion {
		return nil, &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unsupported job kind %q", kind)}
	}

	if existing, err := s.store.GetActiveJobForListing(ctx, input.ListingID); err == nil {
		return nil, &domain.ConflictError{
			ListingID:      input.ListingID,
			ExistingJobID:  existing.ID,
			ExistingStatus: existing.Status,
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check active job: %w", err)
	}

	now := s.now()
	job := &domain.ProcessingJob{
		ID:             uuid.NewString(),
		Kind:           kind,
		ListingID:      input.ListingID,
		Status:         domain.JobStatusPending,
		SourceAssetIDs: append([]string(nil), input.SourceAssetIDs...),
		BracketCount:   bracketCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			// Lost the race against a concurrent submission; report the winner.
			if existing, lookupErr := s.store.GetActiveJobForListing(ctx, input.ListingID); lookupErr == nil {
				return nil, &domain.ConflictError{
					ListingID:      input.ListingID,
					ExistingJobID:  existing.ID,
					ExistingStatus: existing.Status,
				}
			}
			return nil, &domain.ConflictError{ListingID: input.ListingID}
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.dispatch(ctx, job, domain.JobStatusPending); err != nil {
		s.markDispatchFailed(ctx, job, err)
		return job, s.classifyDispatchError(job, err)
	}

	return job, nil
}

// Resubmit re-dispatches a job sitting in pending_retry. An open circuit
// leaves the job where it is and reports the error so the retry queue
// redelivers later; a provider-side rejection counts as another failure
// against the job's retry budget.
func (s *SubmissionService) Resubmit(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if s.logger != nil {
				s.logger.Printf("resubmit skipped, job not found job_id=%s", jobID)
			}
			return nil
		}
		return fmt.Errorf("load job for resubmit: %w", err)
	}
	if job.Status != domain.JobStatusPendingRetry {
		if s.logger != nil {
			s.logger.Printf("resubmit skipped, job not pending_retry job_id=%s status=%s", jobID, job.Status)
		}
		return nil
	}

	dispatchErr := s.dispatch(ctx, job, domain.JobStatusPendingRetry)
	if dispatchErr == nil {
		return nil
	}

	var openErr *breaker.OpenError
	if errors.As(dispatchErr, &openErr) {
		if s.logger != nil {
			s.logger.Printf(
				"resubmit deferred, circuit open job_id=%s dependency=%s",
				jobID, openErr.Dependency,
			)
		}
		return dispatchErr
	}

	return s.callbacks.FailRetryDispatch(ctx, job, dispatchErr.Error())
}

// Cancel is permitted only while the job is pending or queued. The provider
// is not informed; a late callback for a cancelled job is ignored.
func (s *SubmissionService) Cancel(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	job, err := s.store.TransitionJob(
		ctx,
		jobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusQueued},
		func(job *domain.ProcessingJob) {
			job.Status = domain.JobStatusCancelled
		},
	)
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, job, domain.EventJobCancelled, "cancelled by user")
	return job, nil
}

// Get reads the local job record without touching the provider.
func (s *SubmissionService) Get(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// Poll drives the synchronous-provider path: it fetches the provider's view
// of the job and applies the same transitions the webhook would.
func (s *SubmissionService) Poll(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || job.ProviderJobID == "" {
		return job, nil
	}

	var result provider.JobResult
	err = s.breakers.Do(ctx, DependencyHDRProvider, func(callCtx context.Context) error {
		fetched, fetchErr := s.provider.GetResult(callCtx, job.ProviderJobID)
		if fetchErr != nil {
			return fetchErr
		}
		result = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case provider.ResultStatusProcessing:
		startedAt := s.now()
		_, transitionErr := s.store.TransitionJob(
			ctx,
			job.ID,
			[]domain.JobStatus{domain.JobStatusQueued},
			func(job *domain.ProcessingJob) {
				job.Status = domain.JobStatusProcessing
				job.StartedAt = &startedAt
			},
		)
		if transitionErr != nil && !errors.Is(transitionErr, repository.ErrStaleTransition) {
			return nil, transitionErr
		}
	case provider.ResultStatusCompleted:
		if err := s.callbacks.CompleteJob(ctx, job, result.OutputRef, result.Metrics, nil); err != nil {
			return nil, err
		}
	case provider.ResultStatusFailed:
		if err := s.callbacks.FailJob(ctx, job, result.ErrorMessage); err != nil {
			return nil, err
		}
	}

	return s.store.GetJob(ctx, jobID)
}

// dispatch signs source images, submits to the provider through the breaker
// and, on acceptance, moves the job from its current status to queued.
func (s *SubmissionService) dispatch(
	ctx context.Context,
	job *domain.ProcessingJob,
	from domain.JobStatus,
) error {
	signedURLs := make([]string, 0, len(job.SourceAssetIDs))
	err := s.breakers.Do(ctx, DependencyMediaStorage, func(callCtx context.Context) error {
		for _, assetID := range job.SourceAssetIDs {
			signedURL, signErr := s.signer.SignedURL(callCtx, assetID, s.signedURLTTL)
			if signErr != nil {
				return fmt.Errorf("sign source image %s: %w", assetID, signErr)
			}
			signedURLs = append(signedURLs, signedURL)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var response provider.SubmitResponse
	err = s.breakers.Do(ctx, DependencyHDRProvider, func(callCtx context.Context) error {
		submitted, submitErr := s.provider.Submit(callCtx, provider.SubmitRequest{
			JobID:         job.ID,
			ListingID:     job.ListingID,
			Kind:          string(job.Kind),
			SourceURLs:    signedURLs,
			MediaAssetIDs: job.SourceAssetIDs,
			CallbackURL:   s.callbackURL,
		})
		if submitErr != nil {
			return submitErr
		}
		response = submitted
		return nil
	})
	if err != nil {
		return err
	}

	queuedAt := s.now()
	transitioned, err := s.store.TransitionJob(
		ctx,
		job.ID,
		[]domain.JobStatus{from},
		func(job *domain.ProcessingJob) {
			job.Status = domain.JobStatusQueued
			job.ProviderJobID = response.ProviderJobID
			job.QueuedAt = &queuedAt
			job.ErrorMessage = ""
		},
	)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			// Cancelled between dispatch and persistence; the provider will
			// finish on its own and the late callback is ignored.
			if s.logger != nil {
				s.logger.Printf("dispatch raced a concurrent transition job_id=%s", job.ID)
			}
			return nil
		}
		return fmt.Errorf("persist dispatch: %w", err)
	}
	*job = *transitioned

	if err := s.store.UpdateMediaAssets(ctx, job.SourceAssetIDs, domain.MediaPatch{
		Status: domain.MediaStatusProcessing,
	}); err != nil {
		return fmt.Errorf("mark assets processing: %w", err)
	}
	if err := s.store.UpdateListingStatus(ctx, job.ListingID, domain.ListingStatusMediaProcessing); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("mark listing processing: %w", err)
		}
	}

	detail := "dispatched to provider"
	if from == domain.JobStatusPendingRetry {
		detail = fmt.Sprintf("retry attempt %d/%d dispatched to provider", job.RetryCount, domain.MaxRetries)
	}
	s.appendEvent(ctx, job, domain.EventJobSubmitted, detail)

	if s.logger != nil {
		s.logger.Printf(
			"job dispatched job_id=%s listing_id=%s provider_job_id=%s brackets=%d",
			job.ID, job.ListingID, job.ProviderJobID, job.BracketCount,
		)
	}
	return nil
}

// markDispatchFailed makes a submission-side failure visible as a terminal
// failed row instead of silently dropping the request.
func (s *SubmissionService) markDispatchFailed(ctx context.Context, job *domain.ProcessingJob, cause error) {
	failedAt := s.now()
	transitioned, err := s.store.TransitionJob(
		ctx,
		job.ID,
		[]domain.JobStatus{domain.JobStatusPending},
		func(job *domain.ProcessingJob) {
			job.Status = domain.JobStatusFailed
			job.ErrorMessage = cause.Error()
			job.LastFailedAt = &failedAt
		},
	)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("failed to record dispatch failure job_id=%s err=%v", job.ID, err)
		}
		return
	}
	*job = *transitioned
	s.appendEvent(ctx, job, domain.EventJobFailedPermanently, "dispatch failed: "+cause.Error())
}

func (s *SubmissionService) classifyDispatchError(job *domain.ProcessingJob, err error) error {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return &domain.DependencyUnavailableError{
			Dependency: openErr.Dependency,
			JobID:      job.ID,
			Reason:     err.Error(),
		}
	}
	return err
}

func (s *SubmissionService) appendEvent(
	ctx context.Context,
	job *domain.ProcessingJob,
	eventType domain.EventType,
	detail string,
) {
	err := s.store.AppendAuditEvent(ctx, domain.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		JobID:      job.ID,
		ListingID:  job.ListingID,
		Detail:     detail,
		OccurredAt: s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Printf("append audit event failed job_id=%s type=%s err=%v", job.ID, eventType, err)
	}
}
