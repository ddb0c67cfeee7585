package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brightlist/media-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJobStore persists jobs, media assets, listings and audit events.
//
// The one-active-job-per-listing invariant is enforced by a partial unique
// index rather than the application-level check alone:
//
//	CREATE UNIQUE INDEX uq_processing_jobs_active_listing
//	ON processing_jobs (listing_id)
//	WHERE status IN ('pending','queued','processing','uploading','pending_retry');
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

func NewPostgresJobStore(ctx context.Context, databaseURL string) (*PostgresJobStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresJobStore{pool: pool}, nil
}

func (s *PostgresJobStore) Close() {
	s.pool.Close()
}

const uniqueViolationCode = "23505"

func (s *PostgresJobStore) CreateJob(ctx context.Context, job *domain.ProcessingJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_jobs (
			id,
			kind,
			listing_id,
			provider_job_id,
			status,
			source_asset_ids,
			bracket_count,
			retry_count,
			output_ref,
			error_message,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		job.ID,
		string(job.Kind),
		job.ListingID,
		nullableString(job.ProviderJobID),
		string(job.Status),
		job.SourceAssetIDs,
		job.BracketCount,
		job.RetryCount,
		nullableString(job.OutputRef),
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrActiveJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	return s.queryJob(ctx, "WHERE id = $1", jobID)
}

func (s *PostgresJobStore) GetJobByProviderID(ctx context.Context, providerJobID string) (*domain.ProcessingJob, error) {
	if providerJobID == "" {
		return nil, ErrNotFound
	}
	return s.queryJob(ctx, "WHERE provider_job_id = $1 ORDER BY created_at DESC LIMIT 1", providerJobID)
}

func (s *PostgresJobStore) GetActiveJobForListing(ctx context.Context, listingID string) (*domain.ProcessingJob, error) {
	return s.queryJob(
		ctx,
		`WHERE listing_id = $1
		AND status IN ('pending','queued','processing','uploading','pending_retry')
		LIMIT 1`,
		listingID,
	)
}

const jobColumns = `
	id, kind, listing_id, provider_job_id, status, source_asset_ids,
	bracket_count, retry_count, output_ref,
	fuse_ms, tonemap_ms, upload_ms, error_message,
	created_at, queued_at, started_at, completed_at,
	last_failed_at, webhook_received_at, updated_at`

func (s *PostgresJobStore) queryJob(ctx context.Context, where string, args ...any) (*domain.ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM processing_jobs "+where, args...)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*domain.ProcessingJob, error) {
	var (
		job           domain.ProcessingJob
		kind          string
		status        string
		providerJobID *string
		outputRef     *string
		fuseMS        *int64
		tonemapMS     *int64
		uploadMS      *int64
	)

	err := row.Scan(
		&job.ID,
		&kind,
		&job.ListingID,
		&providerJobID,
		&status,
		&job.SourceAssetIDs,
		&job.BracketCount,
		&job.RetryCount,
		&outputRef,
		&fuseMS,
		&tonemapMS,
		&uploadMS,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.QueuedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastFailedAt,
		&job.WebhookReceivedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	if providerJobID != nil {
		job.ProviderJobID = *providerJobID
	}
	if outputRef != nil {
		job.OutputRef = *outputRef
	}
	if fuseMS != nil || tonemapMS != nil || uploadMS != nil {
		timings := domain.StageTimings{}
		if fuseMS != nil {
			timings.FuseMS = *fuseMS
		}
		if tonemapMS != nil {
			timings.TonemapMS = *tonemapMS
		}
		if uploadMS != nil {
			timings.UploadMS = *uploadMS
		}
		job.StageTimings = &timings
	}
	return &job, nil
}

func (s *PostgresJobStore) UpdateJob(ctx context.Context, job *domain.ProcessingJob) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET provider_job_id = $2,
			status = $3,
			retry_count = $4,
			output_ref = $5,
			fuse_ms = $6,
			tonemap_ms = $7,
			upload_ms = $8,
			error_message = $9,
			queued_at = $10,
			started_at = $11,
			completed_at = $12,
			last_failed_at = $13,
			webhook_received_at = $14,
			updated_at = $15
		WHERE id = $1
	`, jobUpdateArgs(job)...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	from []domain.JobStatus,
	mutate func(*domain.ProcessingJob),
) (*domain.ProcessingJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM processing_jobs WHERE id = $1 FOR UPDATE", jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if !statusIn(job.Status, from) {
		return nil, ErrStaleTransition
	}

	mutate(job)
	job.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx, `
		UPDATE processing_jobs
		SET provider_job_id = $2,
			status = $3,
			retry_count = $4,
			output_ref = $5,
			fuse_ms = $6,
			tonemap_ms = $7,
			upload_ms = $8,
			error_message = $9,
			queued_at = $10,
			started_at = $11,
			completed_at = $12,
			last_failed_at = $13,
			webhook_received_at = $14,
			updated_at = $15
		WHERE id = $1
	`, jobUpdateArgs(job)...); err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

func jobUpdateArgs(job *domain.ProcessingJob) []any {
	var fuseMS, tonemapMS, uploadMS *int64
	if job.StageTimings != nil {
		fuseMS = &job.StageTimings.FuseMS
		tonemapMS = &job.StageTimings.TonemapMS
		uploadMS = &job.StageTimings.UploadMS
	}
	return []any{
		job.ID,
		nullableString(job.ProviderJobID),
		string(job.Status),
		job.RetryCount,
		nullableString(job.OutputRef),
		fuseMS,
		tonemapMS,
		uploadMS,
		job.ErrorMessage,
		job.QueuedAt,
		job.StartedAt,
		job.CompletedAt,
		job.LastFailedAt,
		job.WebhookReceivedAt,
		job.UpdatedAt,
	}
}

func (s *PostgresJobStore) UpdateMediaAssets(
	ctx context.Context,
	assetIDs []string,
	patch domain.MediaPatch,
) error {
	if len(assetIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE media_assets
		SET status = $2,
			output_ref = COALESCE(NULLIF($3, ''), output_ref),
			note = $4,
			updated_at = NOW()
		WHERE id = ANY($1)
	`, assetIDs, string(patch.Status), patch.OutputRef, patch.Note)
	if err != nil {
		return fmt.Errorf("update media assets: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) CountMediaAssetsInStatus(
	ctx context.Context,
	listingID string,
	status domain.MediaStatus,
) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM media_assets
		WHERE listing_id = $1 AND status = $2
	`, listingID, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count media assets: %w", err)
	}
	return count, nil
}

func (s *PostgresJobStore) GetListingStatus(ctx context.Context, listingID string) (domain.ListingStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM listings WHERE id = $1
	`, listingID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query listing status: %w", err)
	}
	return domain.ListingStatus(status), nil
}

func (s *PostgresJobStore) UpdateListingStatus(
	ctx context.Context,
	listingID string,
	status domain.ListingStatus,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE listings SET status = $2, updated_at = NOW() WHERE id = $1
	`, listingID, string(status))
	if err != nil {
		return fmt.Errorf("update listing status: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) AppendAuditEvent(ctx context.Context, event domain.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, type, job_id, listing_id, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`,
		event.ID,
		string(event.Type),
		event.JobID,
		event.ListingID,
		event.Detail,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
