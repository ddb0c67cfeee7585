// Command load runs a local latency/throughput benchmark of the pipeline
// API against an in-process server: submissions, completion callbacks and
// status reads over the memory store and the local retry queue.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/brightlist/media-pipeline/internal/breaker"
	"github.com/brightlist/media-pipeline/internal/domain"
	httpserver "github.com/brightlist/media-pipeline/internal/http"
	"github.com/brightlist/media-pipeline/internal/http/handlers"
	"github.com/brightlist/media-pipeline/internal/provider"
	"github.com/brightlist/media-pipeline/internal/queue"
	"github.com/brightlist/media-pipeline/internal/repository"
	"github.com/brightlist/media-pipeline/internal/service"
	"github.com/brightlist/media-pipeline/internal/storage"
	"github.com/brightlist/media-pipeline/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	store  *repository.MemoryJobStore
	cancel context.CancelFunc
}

// acceptingProvider immediately accepts every submission; the benchmark
// measures the pipeline's own overhead, not a remote provider.
type acceptingProvider struct {
	mu      sync.Mutex
	counter int
}

func (p *acceptingProvider) Submit(_ context.Context, _ provider.SubmitRequest) (provider.SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return provider.SubmitResponse{ProviderJobID: fmt.Sprintf("prov-%d", p.counter)}, nil
}

func (p *acceptingProvider) GetResult(_ context.Context, _ string) (provider.JobResult, error) {
	return provider.JobResult{Status: provider.ResultStatusProcessing}, nil
}

func main() {
	lifecycleTotal := flag.Int("lifecycle-total", 240, "total submit+complete lifecycles")
	lifecycleConcurrency := flag.Int("lifecycle-concurrency", 24, "concurrency for lifecycles")
	statusTotal := flag.Int("status-total", 400, "total status read requests")
	statusConcurrency := flag.Int("status-concurrency", 32, "concurrency for status reads")
	breakersTotal := flag.Int("breakers-total", 200, "total breaker stats requests")
	breakersConcurrency := flag.Int("breakers-concurrency", 16, "concurrency for breaker stats requests")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cancel()
	defer env.server.Close()

	for i := 0; i < *lifecycleTotal; i++ {
		listingID := fmt.Sprintf("L%d", i)
		env.store.SeedListing(listingID, domain.ListingStatusShootScheduled)
		for b := 0; b < 3; b++ {
			env.store.SeedMediaAsset(domain.MediaAsset{
				ID:        fmt.Sprintf("%s-a%d", listingID, b),
				ListingID: listingID,
			})
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var jobIDsMu sync.Mutex
	jobIDs := make([]string, 0, *lifecycleTotal)

	lifecycleScenario := runScenario("job_lifecycle", *lifecycleTotal, *lifecycleConcurrency, func(index int) error {
		listingID := fmt.Sprintf("L%d", index)
		submitted, err := postForBody(client, env.server.URL+"/v1/jobs", map[string]any{
			"listing_id": listingID,
			"source_asset_ids": []string{
				listingID + "-a0", listingID + "-a1", listingID + "-a2",
			},
		}, nil, http.StatusAccepted)
		if err != nil {
			return err
		}
		jobID, _ := submitted["job_id"].(string)
		providerJobID, _ := submitted["provider_job_id"].(string)
		if jobID == "" || providerJobID == "" {
			return fmt.Errorf("submission response incomplete: %v", submitted)
		}

		jobIDsMu.Lock()
		jobIDs = append(jobIDs, jobID)
		jobIDsMu.Unlock()

		_, err = postForBody(client, env.server.URL+"/v1/callbacks/hdr", map[string]any{
			"provider_job_id": providerJobID,
			"status":          "completed",
			"output_ref":      fmt.Sprintf("out/%s/1.jpg", listingID),
			"metrics":         map[string]any{"fuse_ms": 900, "tonemap_ms": 200, "upload_ms": 120},
		}, nil, http.StatusOK)
		return err
	})

	statusScenario := runScenario("status_reads", *statusTotal, *statusConcurrency, func(index int) error {
		jobIDsMu.Lock()
		if len(jobIDs) == 0 {
			jobIDsMu.Unlock()
			return fmt.Errorf("no jobs available for status reads")
		}
		jobID := jobIDs[index%len(jobIDs)]
		jobIDsMu.Unlock()
		return getJSON(client, env.server.URL+"/v1/jobs/"+jobID, http.StatusOK)
	})

	breakersScenario := runScenario("breaker_stats", *breakersTotal, *breakersConcurrency, func(_ int) error {
		return getJSON(client, env.server.URL+"/v1/breakers", http.StatusOK)
	})

	results := []scenarioResult{lifecycleScenario, statusScenario, breakersScenario}

	slo := map[string]bool{
		"lifecycle_p95_le_250ms":    lifecycleScenario.P95MS <= 250,
		"status_read_p95_le_50ms":   statusScenario.P95MS <= 50,
		"breaker_stats_p95_le_50ms": breakersScenario.P95MS <= 50,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	store := repository.NewMemoryJobStore()
	localQueue := queue.NewLocalQueue(4096, 3, logger)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)

	callbacks := service.NewCallbackService(service.CallbackDependencies{
		Store:   store,
		Retries: localQueue,
		Logger:  logger,
	})
	submission := service.NewSubmissionService(service.SubmissionDependencies{
		Store:        store,
		Signer:       storage.StaticSigner{},
		Provider:     &acceptingProvider{},
		Breakers:     breakers,
		Callbacks:    callbacks,
		CallbackURL:  "http://localhost:8080/v1/callbacks/hdr",
		SignedURLTTL: 15 * time.Minute,
		Logger:       logger,
	})

	api := handlers.NewAPI(submission, callbacks, breakers, logger)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      "",
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	processor := worker.NewRetryProcessor(localQueue, submission, 0, logger)
	go processor.Start(ctx)

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		server: server,
		store:  store,
		cancel: cancel,
	}, nil
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postForBody(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	if response.StatusCode != expectedStatus {
		return nil, fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(raw))
	}

	decoded := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return decoded, nil
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
