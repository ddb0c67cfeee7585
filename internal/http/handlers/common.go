package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/brightlist/media-pipeline/internal/breaker"
	"github.com/brightlist/media-pipeline/internal/domain"
	"github.com/brightlist/media-pipeline/internal/http/middleware"
	"github.com/brightlist/media-pipeline/internal/repository"
	"github.com/brightlist/media-pipeline/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	submission *service.SubmissionService
	callbacks  *service.CallbackService
	breakers   *breaker.Registry
	logger     *log.Logger
}

func NewAPI(
	submission *service.SubmissionService,
	callbacks *service.CallbackService,
	breakers *breaker.Registry,
	logger *log.Logger,
) *API {
	return &API{
		submission: submission,
		callbacks:  callbacks,
		breakers:   breakers,
		logger:     logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeErrorDetails(w, r, statusCode, code, message, nil)
}

func writeErrorDetails(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	code, message string,
	details map[string]any,
) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.Details = details
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps the pipeline's error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", validationErr.Error())
		return
	}

	var conflictErr *domain.ConflictError
	if errors.As(err, &conflictErr) {
		writeErrorDetails(w, r, http.StatusConflict, "active_job_exists", conflictErr.Error(), map[string]any{
			"existing_job_id":     conflictErr.ExistingJobID,
			"existing_job_status": conflictErr.ExistingStatus,
		})
		return
	}

	var authErr *domain.AuthenticationError
	if errors.As(err, &authErr) {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", authErr.Error())
		return
	}

	var dependencyErr *domain.DependencyUnavailableError
	if errors.As(err, &dependencyErr) {
		writeErrorDetails(w, r, http.StatusServiceUnavailable, "dependency_unavailable", dependencyErr.Error(), map[string]any{
			"job_id": dependencyErr.JobID,
		})
		return
	}

	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		writeError(w, r, http.StatusServiceUnavailable, "dependency_unavailable", openErr.Error())
		return
	}

	var timeoutErr *breaker.TimeoutError
	if errors.As(err, &timeoutErr) {
		writeError(w, r, http.StatusGatewayTimeout, "dependency_timeout", timeoutErr.Error())
		return
	}

	var providerErr *domain.ProviderError
	if errors.As(err, &providerErr) {
		writeError(w, r, http.StatusBadGateway, "provider_error", providerErr.Error())
		return
	}

	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if errors.Is(err, repository.ErrStaleTransition) {
		writeError(w, r, http.StatusConflict, "invalid_state", "job is not in a state that allows this operation")
		return
	}

	writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected internal error")
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}
