package handlers

import (
	"net/http"
	"strings"
)

// Breakers handles GET /v1/breakers.
func (api *API) Breakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": api.breakers.AllStats()})
}

// BreakerByName handles POST /v1/breakers/{name}/open|close|reset, the
// manual overrides for maintenance windows and administrative recovery.
func (api *API) BreakerByName(w http.ResponseWriter, r *http.Request) {
	remainder := strings.TrimPrefix(r.URL.Path, "/v1/breakers/")
	name, action, _ := strings.Cut(strings.Trim(remainder, "/"), "/")
	name = strings.TrimSpace(name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "breaker name is required")
		return
	}

	if action == "" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, api.breakers.Stats(name))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	switch action {
	case "open":
		api.breakers.ForceOpen(name)
	case "close":
		api.breakers.ForceClose(name)
	case "reset":
		api.breakers.Reset(name)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "unknown breaker action")
		return
	}

	if api.logger != nil {
		api.logger.Printf("breaker override applied dependency=%s action=%s", name, action)
	}
	writeJSON(w, http.StatusOK, api.breakers.Stats(name))
}
