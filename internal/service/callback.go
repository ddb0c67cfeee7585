package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/brightlist/media-pipeline/internal/domain"
	"github.com/brightlist/media-pipeline/internal/queue"
	"github.com/brightlist/media-pipeline/internal/repository"
	"github.com/google/uuid"
)

// Statuses a provider-side result may legally move the job out of. A job
// already past these (completed, failed, cancelled, pending_retry) treats
// the callback as late or duplicated and ignores it.
var providerResultStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusProcessing,
	domain.JobStatusUploading,
}

type CallbackDependencies struct {
	Store   repository.JobStore
	Retries queue.Producer
	Secret  string
	Logger  *log.Logger
}

// CallbackService applies provider results to the job record and its
// dependent media/listing records. The webhook handler and the status
// poller both drive this one state machine.
type CallbackService struct {
	store   repository.JobStore
	retries queue.Producer
	secret  string
	logger  *log.Logger
	now     func() time.Time
}

func NewCallbackService(deps CallbackDependencies) *CallbackService {
	return &CallbackService{
		store:   deps.Store,
		retries: deps.Retries,
		secret:  deps.Secret,
		logger:  deps.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate checks the shared webhook secret. When no secret is
// configured every caller is accepted.
func (s *CallbackService) Authenticate(providedSecret string) error {
	if s.secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(s.secret)) != 1 {
		return &domain.AuthenticationError{Message: "webhook secret mismatch"}
	}
	return nil
}

// Handle applies one webhook delivery. Unknown provider job ids are
// acknowledged without any state change; the provider must never see an
// error just because the job was already finalized or pruned.
func (s *CallbackService) Handle(ctx context.Context, payload domain.CallbackPayload) error {
	if strings.TrimSpace(payload.ProviderJobID) == "" {
		return &domain.ValidationError{Field: "provider_job_id", Message: "provider_job_id is required"}
	}
	if payload.Status != domain.CallbackStatusCompleted && payload.Status != domain.CallbackStatusFailed {
		return &domain.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("status must be %q or %q", domain.CallbackStatusCompleted, domain.CallbackStatusFailed),
		}
	}

	job, err := s.store.GetJobByProviderID(ctx, payload.ProviderJobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if s.logger != nil {
				s.logger.Printf(
					"callback acknowledged for unknown job provider_job_id=%s status=%s",
					payload.ProviderJobID, payload.Status,
				)
			}
			return nil
		}
		return fmt.Errorf("load job by provider id: %w", err)
	}

	if payload.Status == domain.CallbackStatusCompleted {
		return s.CompleteJob(ctx, job, payload.OutputRef, payload.Metrics, payload.MediaAssetIDs)
	}
	return s.FailJob(ctx, job, payload.ErrorMessage)
}

// CompleteJob moves the job to completed, hands the output to the media
// assets, and advances the listing when nothing for it is still processing.
// Applying the same completion twice is a logged no-op.
func (s *CallbackService) CompleteJob(
	ctx context.Context,
	job *domain.ProcessingJob,
	outputRef string,
	metrics *domain.StageTimings,
	assetIDs []string,
) error {
	now := s.now()
	transitioned, err := s.store.TransitionJob(
		ctx,
		job.ID,
		providerResultStatuses,
		func(job *domain.ProcessingJob) {
			job.Status = domain.JobStatusCompleted
			job.OutputRef = outputRef
			job.StageTimings = metrics
			job.CompletedAt = &now
			job.WebhookReceivedAt = &now
			job.ErrorMessage = ""
		},
	)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
			if s.logger != nil {
				s.logger.Printf(
					"completion ignored, job already transitioned job_id=%s status=%s",
					job.ID, job.Status,
				)
			}
			return nil
		}
		return fmt.Errorf("apply completion: %w", err)
	}

	targets := assetIDs
	if len(targets) == 0 {
		targets = transitioned.SourceAssetIDs
	}
	if err := s.store.UpdateMediaAssets(ctx, targets, domain.MediaPatch{
		Status:    domain.MediaStatusReadyForQC,
		OutputRef: outputRef,
	}); err != nil {
		return fmt.Errorf("update media assets: %w", err)
	}

	if err := s.advanceListing(ctx, transitioned.ListingID); err != nil {
		return err
	}

	s.appendEvent(ctx, transitioned, domain.EventJobCompleted, "output "+outputRef)
	if s.logger != nil {
		s.logger.Printf(
			"job completed job_id=%s listing_id=%s output_ref=%s",
			transitioned.ID, transitioned.ListingID, outputRef,
		)
	}
	return nil
}

// FailJob applies a provider-reported failure: either schedules an
// automatic retry or, once the retry budget is spent, finalizes the job and
// regresses the listing for manual intervention.
func (s *CallbackService) FailJob(ctx context.Context, job *domain.ProcessingJob, reason string) error {
	return s.applyFailure(ctx, job, reason, providerResultStatuses)
}

// FailRetryDispatch records a failed re-dispatch of a pending_retry job,
// spending another unit of the retry budget.
func (s *CallbackService) FailRetryDispatch(ctx context.Context, job *domain.ProcessingJob, reason string) error {
	return s.applyFailure(ctx, job, reason, []domain.JobStatus{domain.JobStatusPendingRetry})
}

func (s *CallbackService) applyFailure(
	ctx context.Context,
	job *domain.ProcessingJob,
	reason string,
	from []domain.JobStatus,
) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "provider reported failure"
	}
	now := s.now()

	if job.RetryCount < domain.MaxRetries {
		attempt := job.RetryCount + 1
		message := fmt.Sprintf("will retry automatically (attempt %d/%d): %s", attempt, domain.MaxRetries, reason)

		transitioned, err := s.store.TransitionJob(
			ctx,
			job.ID,
			from,
			func(job *domain.ProcessingJob) {
				job.Status = domain.JobStatusPendingRetry
				job.RetryCount = attempt
				job.LastFailedAt = &now
				job.WebhookReceivedAt = &now
				job.ErrorMessage = message
			},
		)
		if err != nil {
			if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
				if s.logger != nil {
					s.logger.Printf("failure ignored, job already transitioned job_id=%s", job.ID)
				}
				return nil
			}
			return fmt.Errorf("apply retry transition: %w", err)
		}

		if err := s.store.UpdateMediaAssets(ctx, transitioned.SourceAssetIDs, domain.MediaPatch{
			Status: domain.MediaStatusRetryScheduled,
			Note:   message,
		}); err != nil {
			return fmt.Errorf("mark assets for retry: %w", err)
		}

		if err := s.retries.Enqueue(ctx, queue.RetryMessage{
			JobID:       transitioned.ID,
			ListingID:   transitioned.ListingID,
			Attempt:     attempt,
			Reason:      reason,
			ScheduledAt: now,
		}); err != nil {
			// The job stays in pending_retry; the DLQ and breaker stats give
			// operators the trail to resubmit manually.
			if s.logger != nil {
				s.logger.Printf("enqueue retry failed job_id=%s err=%v", transitioned.ID, err)
			}
		}

		s.appendEvent(ctx, transitioned, domain.EventJobRetryScheduled, message)
		if s.logger != nil {
			s.logger.Printf(
				"job retry scheduled job_id=%s attempt=%d/%d reason=%q",
				transitioned.ID, attempt, domain.MaxRetries, reason,
			)
		}
		return nil
	}

	message := "failed permanently, needs manual resubmission: " + reason
	transitioned, err := s.store.TransitionJob(
		ctx,
		job.ID,
		from,
		func(job *domain.ProcessingJob) {
			job.Status = domain.JobStatusFailed
			job.LastFailedAt = &now
			job.WebhookReceivedAt = &now
			job.ErrorMessage = message
		},
	)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
			if s.logger != nil {
				s.logger.Printf("failure ignored, job already transitioned job_id=%s", job.ID)
			}
			return nil
		}
		return fmt.Errorf("apply terminal failure: %w", err)
	}

	if err := s.store.UpdateMediaAssets(ctx, transitioned.SourceAssetIDs, domain.MediaPatch{
		Status: domain.MediaStatusProcessingFailed,
		Note:   message,
	}); err != nil {
		return fmt.Errorf("mark assets failed: %w", err)
	}

	// Regress the listing to the pre-processing stage so a human can step
	// in. The conditional transition above guarantees this runs once.
	if err := s.store.UpdateListingStatus(ctx, transitioned.ListingID, domain.ListingStatusShootScheduled); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("regress listing: %w", err)
		}
	}

	s.appendEvent(ctx, transitioned, domain.EventJobFailedPermanently, message)
	if s.logger != nil {
		s.logger.Printf(
			"job failed permanently job_id=%s listing_id=%s reason=%q",
			transitioned.ID, transitioned.ListingID, reason,
		)
	}
	return nil
}

func (s *CallbackService) advanceListing(ctx context.Context, listingID string) error {
	stillProcessing, err := s.store.CountMediaAssetsInStatus(ctx, listingID, domain.MediaStatusProcessing)
	if err != nil {
		return fmt.Errorf("count processing assets: %w", err)
	}
	if stillProcessing > 0 {
		return nil
	}

	current, err := s.store.GetListingStatus(ctx, listingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load listing status: %w", err)
	}

	next := domain.NextListingStatus(current)
	if next == current {
		return nil
	}
	if err := s.store.UpdateListingStatus(ctx, listingID, next); err != nil {
		return fmt.Errorf("advance listing: %w", err)
	}
	return nil
}

func (s *CallbackService) appendEvent(
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
