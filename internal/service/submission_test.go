package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brightlist/media-pipeline/internal/breaker"
	"github.com/brightlist/media-pipeline/internal/domain"
	"github.com/brightlist/media-pipeline/internal/provider"
	"github.com/brightlist/media-pipeline/internal/queue"
	"github.com/brightlist/media-pipeline/internal/repository"
)

type fakeSigner struct {
	mu     sync.Mutex
	err    error
	signed []string
}

func (f *fakeSigner) SignedURL(_ context.Context, assetPath string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.signed = append(f.signed, assetPath)
	return "https://signed.example/" + assetPath, nil
}

type fakeProvider struct {
	mu          sync.Mutex
	submitErr   error
	submitCalls int
	lastSubmit  provider.SubmitRequest
	result      provider.JobResult
	resultErr   error
}

func (f *fakeProvider) Submit(_ context.Context, request provider.SubmitRequest) (provider.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return provider.SubmitResponse{}, f.submitErr
	}
	f.submitCalls++
	f.lastSubmit = request
	return provider.SubmitResponse{ProviderJobID: fmt.Sprintf("prov-%d", f.submitCalls)}, nil
}

func (f *fakeProvider) GetResult(_ context.Context, _ string) (provider.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultErr != nil {
		return provider.JobResult{}, f.resultErr
	}
	return f.result, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

type fakeProducer struct {
	mu       sync.Mutex
	err      error
	messages []queue.RetryMessage
}

func (f *fakeProducer) Enqueue(_ context.Context, message queue.RetryMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeProducer) enqueued() []queue.RetryMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.RetryMessage(nil), f.messages...)
}

type testEnv struct {
	store      *repository.MemoryJobStore
	signer     *fakeSigner
	provider   *fakeProvider
	producer   *fakeProducer
	breakers   *breaker.Registry
	callbacks  *CallbackService
	submission *SubmissionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := repository.NewMemoryJobStore()
	signer := &fakeSigner{}
	prov := &fakeProvider{}
	producer := &fakeProducer{}
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)

	callbacks := NewCallbackService(CallbackDependencies{
		Store:   store,
		Retries: producer,
		Secret:  "hook-secret",
		Logger:  logger,
	})
	submission := NewSubmissionService(SubmissionDependencies{
		Store:        store,
		Signer:       signer,
		Provider:     prov,
		Breakers:     breakers,
		Callbacks:    callbacks,
		CallbackURL:  "http://localhost:8080/v1/callbacks/hdr",
		SignedURLTTL: 15 * time.Minute,
		Logger:       logger,
	})

	return &testEnv{
		store:      store,
		signer:     signer,
		provider:   prov,
		producer:   producer,
		breakers:   breakers,
		callbacks:  callbacks,
		submission: submission,
	}
}

func (e *testEnv) seedListing(listingID string, assetIDs ...string) {
	e.store.SeedListing(listingID, domain.ListingStatusShootScheduled)
	for _, assetID := range assetIDs {
		e.store.SeedMediaAsset(domain.MediaAsset{ID: assetID, ListingID: listingID})
	}
}

func (e *testEnv) eventsOfType(eventType domain.EventType) []domain.Event {
	matched := make([]domain.Event, 0)
	for _, event := range e.store.Events() {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestSubmitDispatchesJobToQueued(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2", "a3")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2", "a3"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.ProviderJobID == "" || job.QueuedAt == nil {
		t.Fatalf("dispatch fields missing: %+v", job)
	}
	if job.Kind != domain.KindBracketFusion || job.BracketCount != 3 {
		t.Fatalf("job shape wrong: %+v", job)
	}

	if got := env.provider.lastSubmit; len(got.SourceURLs) != 3 || !strings.HasPrefix(got.SourceURLs[0], "https://signed.example/") {
		t.Fatalf("provider did not receive signed urls: %+v", got)
	}

	asset, _ := env.store.MediaAsset("a1")
	if asset.Status != domain.MediaStatusProcessing {
		t.Fatalf("expected asset processing, got %s", asset.Status)
	}
	status, _ := env.store.GetListingStatus(context.Background(), "listing-1")
	if status != domain.ListingStatusMediaProcessing {
		t.Fatalf("expected listing media_processing, got %s", status)
	}
	if events := env.eventsOfType(domain.EventJobSubmitted); len(events) != 1 {
		t.Fatalf("expected 1 submitted event, got %d", len(events))
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []SubmitInput{
		{ListingID: "", SourceAssetIDs: []string{"a1", "a2"}},
		{ListingID: "listing-1", SourceAssetIDs: []string{"a1"}},
		{ListingID: "listing-1", SourceAssetIDs: []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}},
		{ListingID: "listing-1", SourceAssetIDs: []string{"a1", "a2"}, Kind: "panorama_stitch"},
	}
	for i, input := range cases {
		_, err := env.submission.Submit(ctx, input)
		var validationErr *domain.ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if env.provider.calls() != 0 {
		t.Fatalf("provider must not be called for invalid input")
	}
}

func TestSubmitRejectsSecondActiveJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	first, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err = env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	var conflictErr *domain.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflictErr.ExistingJobID != first.ID || conflictErr.ExistingStatus != domain.JobStatusQueued {
		t.Fatalf("conflict must name the winning job: %+v", conflictErr)
	}
}

func TestSubmitProviderRejectionLeavesFailedRow(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	env.provider.submitErr = &domain.ProviderError{Provider: "hdr_provider", StatusCode: 422, Message: "bad brackets"}
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	var providerErr *domain.ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}

	stored, getErr := env.store.GetJob(ctx, job.ID)
	if getErr != nil {
		t.Fatalf("job row missing after dispatch failure: %v", getErr)
	}
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed row, got %s", stored.Status)
	}
	if !strings.Contains(stored.ErrorMessage, "bad brackets") {
		t.Fatalf("error message not recorded: %q", stored.ErrorMessage)
	}

	// The failed row no longer blocks the listing.
	if _, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	}); err == nil {
		t.Fatalf("expected second submit to fail too (provider still broken)")
	}
}

func TestSubmitWithOpenCircuitSkipsProvider(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	env.breakers.ForceOpen(DependencyHDRProvider)
	ctx := context.Background()

	_, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	var dependencyErr *domain.DependencyUnavailableError
	if !errors.As(err, &dependencyErr) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	if dependencyErr.Dependency != DependencyHDRProvider {
		t.Fatalf("wrong dependency: %s", dependencyErr.Dependency)
	}
	if env.provider.calls() != 0 {
		t.Fatalf("provider must not be invoked while the circuit is open")
	}
}

func TestCancelAllowedOnlyBeforeProcessing(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	cancelled, err := env.submission.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if events := env.eventsOfType(domain.EventJobCancelled); len(events) != 1 {
		t.Fatalf("expected 1 cancelled event, got %d", len(events))
	}

	// A second cancel finds the job outside pending/queued.
	if _, err := env.submission.Cancel(ctx, job.ID); !errors.Is(err, repository.ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
}

func TestResubmitDispatchesPendingRetryJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := env.callbacks.FailJob(ctx, job, "fusion error"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	if err := env.submission.Resubmit(ctx, job.ID); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}

	stored, _ := env.store.GetJob(ctx, job.ID)
	if stored.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued after resubmit, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("resubmit must not spend retry budget, count = %d", stored.RetryCount)
	}
	if env.provider.calls() != 2 {
		t.Fatalf("expected 2 provider submits, got %d", env.provider.calls())
	}
}

func TestResubmitWithOpenCircuitLeavesJobForRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := env.callbacks.FailJob(ctx, job, "fusion error"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	env.breakers.ForceOpen(DependencyHDRProvider)
	err = env.submission.Resubmit(ctx, job.ID)
	var openErr *breaker.OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected open error for queue redelivery, got %v", err)
	}

	stored, _ := env.store.GetJob(ctx, job.ID)
	if stored.Status != domain.JobStatusPendingRetry || stored.RetryCount != 1 {
		t.Fatalf("deferred retry must not change the job: status=%s count=%d", stored.Status, stored.RetryCount)
	}
}

func TestResubmitProviderRejectionSpendsRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := env.callbacks.FailJob(ctx, job, "fusion error"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	env.provider.submitErr = &domain.ProviderError{Provider: "hdr_provider", StatusCode: 503, Message: "overloaded"}
	if err := env.submission.Resubmit(ctx, job.ID); err != nil {
		t.Fatalf("resubmit should absorb the provider error into the job, got %v", err)
	}

	stored, _ := env.store.GetJob(ctx, job.ID)
	if stored.Status != domain.JobStatusPendingRetry || stored.RetryCount != 2 {
		t.Fatalf("expected pending_retry attempt 2, got status=%s count=%d", stored.Status, stored.RetryCount)
	}
	if messages := env.producer.enqueued(); len(messages) != 2 || messages[1].Attempt != 2 {
		t.Fatalf("expected second retry enqueued: %+v", messages)
	}
}

func TestResubmitSkipsJobsNotPendingRetry(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := env.submission.Resubmit(ctx, job.ID); err != nil {
		t.Fatalf("resubmit of queued job must be a no-op, got %v", err)
	}
	if err := env.submission.Resubmit(ctx, "missing-job"); err != nil {
		t.Fatalf("resubmit of unknown job must be a no-op, got %v", err)
	}
	if env.provider.calls() != 1 {
		t.Fatalf("no extra provider submits expected, got %d", env.provider.calls())
	}
}

func TestPollAppliesProviderResult(t *testing.T) {
	env := newTestEnv(t)
	env.seedListing("listing-1", "a1", "a2")
	ctx := context.Background()

	job, err := env.submission.Submit(ctx, SubmitInput{
		ListingID:      "listing-1",
		SourceAssetIDs: []string{"a1", "a2"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	env.provider.result = provider.JobResult{Status: provider.ResultStatusProcessing}
	polled, err := env.submission.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if polled.Status != domain.JobStatusProcessing || polled.StartedAt == nil {
		t.Fatalf("expected processing with start time, got %+v", polled)
	}

	env.provider.result = provider.JobResult{
		Status:    provider.ResultStatusCompleted,
		OutputRef: "out/listing-1/1.jpg",
		Metrics:   &domain.StageTimings{FuseMS: 1200, TonemapMS: 300, UploadMS: 150},
	}
	polled, err = env.submission.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if polled.Status != domain.JobStatusCompleted || polled.OutputRef != "out/listing-1/1.jpg" {
		t.Fatalf("expected completed with output, got %+v", polled)
	}

	// Terminal jobs are answered from the store without a provider call.
	env.provider.resultErr = errors.New("should not be called")
	if _, err := env.submission.Poll(ctx, job.ID); err != nil {
		t.Fatalf("poll of terminal job failed: %v", err)
	}
}
