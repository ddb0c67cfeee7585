package handlers

import (
	"net/http"

	"github.com/brightlist/media-pipeline/internal/domain"
)

// WebhookSecretHeader carries the shared secret on provider callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// Callback handles POST /v1/callbacks/hdr. Any syntactically valid,
// authenticated payload is acknowledged with 200, whether or not a matching
// local job exists; 500 is reserved for store failures so the provider's
// redelivery can catch up later.
func (api *API) Callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := api.callbacks.Authenticate(r.Header.Get(WebhookSecretHeader)); err != nil {
		writeServiceError(w, r, err)
		return
	}

	var payload domain.CallbackPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed callback payload")
		return
	}

	if err := api.callbacks.Handle(r.Context(), payload); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}
