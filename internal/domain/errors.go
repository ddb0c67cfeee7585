package domain

import "fmt"

// ValidationError rejects a submission before any job row is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError is returned when a listing already has an active job. It
// carries the existing job so callers can poll it instead of resubmitting.
type ConflictError struct {
	ListingID      string
	ExistingJobID  string
	ExistingStatus JobStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"listing %s already has active job %s in status %s",
		e.ListingID, e.ExistingJobID, e.ExistingStatus,
	)
}

// DependencyUnavailableError marks a submission refused because the
// dependency's circuit is open or the provider is unreachable. The job row
// exists and is marked failed so operators can follow up.
type DependencyUnavailableError struct {
	Dependency string
	JobID      string
	Reason     string
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %s", e.Dependency, e.Reason)
}

// AuthenticationError rejects a callback whose shared secret does not match.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

// ProviderError wraps a non-2xx response from the processing provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}
