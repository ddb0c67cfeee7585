package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/brightlist/media-pipeline/internal/domain"
)

// SubmitRequest is the dispatch payload for one bracket-fusion job.
type SubmitRequest struct {
	JobID         string   `json:"job_id"`
	ListingID     string   `json:"listing_id"`
	Kind          string   `json:"kind"`
	SourceURLs    []string `json:"source_urls"`
	MediaAssetIDs []string `json:"media_asset_ids"`
	CallbackURL   string   `json:"callback_url"`
}

type SubmitResponse struct {
	ProviderJobID string `json:"provider_job_id"`
}

// JobResult is what the synchronous status endpoint reports for a job.
type JobResult struct {
	Status       string               `json:"status"`
	OutputRef    string               `json:"output_ref"`
	Metrics      *domain.StageTimings `json:"metrics"`
	ErrorMessage string               `json:"error_message"`
}

// Client is the external HDR processing provider. Implementations must not
// retry internally; retry policy lives in the job layer and availability
// policy in the circuit breaker.
type Client interface {
	Submit(ctx context.Context, request SubmitRequest) (SubmitResponse, error)
	GetResult(ctx context.Context, providerJobID string) (JobResult, error)
}

type HTTPClientConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.hdrfusion.example.com/v1"
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &HTTPClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		httpClient: config.HTTPClient,
	}
}

func (c *HTTPClient) Submit(ctx context.Context, request SubmitRequest) (SubmitResponse, error) {
	encoded, err := json.Marshal(request)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("marshal submit payload: %w", err)
	}

	body, err := c.post(ctx, "/jobs", encoded)
	if err != nil {
		return SubmitResponse{}, err
	}

	var response SubmitResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return SubmitResponse{}, fmt.Errorf("decode submit response: %w", err)
	}
	if strings.TrimSpace(response.ProviderJobID) == "" {
		return SubmitResponse{}, errors.New("provider accepted job without an id")
	}
	return response, nil
}

func (c *HTTPClient) GetResult(ctx context.Context, providerJobID string) (JobResult, error) {
	httpRequest, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+"/jobs/"+providerJobID,
		nil,
	)
	if err != nil {
		return JobResult{}, fmt.Errorf("create result request: %w", err)
	}
	c.setHeaders(httpRequest)

	body, err := c.do(httpRequest)
	if err != nil {
		return JobResult{}, err
	}

	var result JobResult
	if err := json.Unmarshal(body, &result); err != nil {
		return JobResult{}, fmt.Errorf("decode result response: %w", err)
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	httpRequest, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+path,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("create provider request: %w", err)
	}
	c.setHeaders(httpRequest)
	return c.do(httpRequest)
}

func (c *HTTPClient) setHeaders(request *http.Request) {
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
}

func (c *HTTPClient) do(request *http.Request) ([]byte, error) {
	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("provider timeout: %w", err)
		}
		return nil, fmt.Errorf("provider transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &domain.ProviderError{
			Provider:   "hdr_provider",
			StatusCode: httpResponse.StatusCode,
			Message:    message,
		}
	}
	return body, nil
}

var _ Client = (*HTTPClient)(nil)

// Statuses the provider reports on the synchronous result endpoint.
const (
	ResultStatusQueued     = "queued"
	ResultStatusProcessing = "processing"
	ResultStatusCompleted  = "completed"
	ResultStatusFailed     = "failed"
)
