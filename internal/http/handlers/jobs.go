package handlers

import (
	"net/http"
	"strings"

	"github.com/brightlist/media-pipeline/internal/domain"
	"github.com/brightlist/media-pipeline/internal/service"
)

type submitRequest struct {
	ListingID      string   `json:"listing_id"`
	SourceAssetIDs []string `json:"source_asset_ids"`
	Kind           string   `json:"kind,omitempty"`
}

// Jobs handles POST /v1/jobs.
func (api *API) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request submitRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed submission payload")
		return
	}

	job, err := api.submission.Submit(r.Context(), service.SubmitInput{
		ListingID:      strings.TrimSpace(request.ListingID),
		SourceAssetIDs: request.SourceAssetIDs,
		Kind:           domain.JobKind(request.Kind),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, jobResponse(job))
}

// JobByID handles GET /v1/jobs/{id}, POST /v1/jobs/{id}/cancel and
// GET /v1/jobs/{id}/poll.
func (api *API) JobByID(w http.ResponseWriter, r *http.Request) {
	remainder := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	jobID, action, _ := strings.Cut(strings.Trim(remainder, "/"), "/")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := api.submission.Get(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(job))
	case action == "poll" && r.Method == http.MethodGet:
		job, err := api.submission.Poll(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(job))
	case action == "cancel" && r.Method == http.MethodPost:
		job, err := api.submission.Cancel(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(job))
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func jobResponse(job *domain.ProcessingJob) map[string]any {
	response := map[string]any{
		"job_id":        job.ID,
		"kind":          job.Kind,
		"listing_id":    job.ListingID,
		"status":        job.Status,
		"bracket_count": job.BracketCount,
		"retry_count":   job.RetryCount,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}
	if job.ProviderJobID != "" {
		response["provider_job_id"] = job.ProviderJobID
	}
	if job.OutputRef != "" {
		response["output_ref"] = job.OutputRef
	}
	if job.StageTimings != nil {
		response["metrics"] = job.StageTimings
	}
	if job.CompletedAt != nil {
		response["completed_at"] = job.CompletedAt
	}
	if strings.TrimSpace(job.ErrorMessage) != "" {
		response["error"] = map[string]any{
			"code":    "processing_error",
			"message": job.ErrorMessage,
		}
	}
	return response
}
