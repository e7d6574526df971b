package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"vendora.org/internal/fulfill"
)

// handlePaymentConfirmation receives at-least-once payment confirmations from
// the external payment collaborator. Replays return the existing state with
// 200; a fresh transition returns 201.
func (a *API) handlePaymentConfirmation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	if a.webhookSecret != "" {
		got := strings.TrimSpace(r.Header.Get("X-Webhook-Secret"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.webhookSecret)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}

	var event fulfill.Event
	if err := decodeJSON(w, r, &event); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.processor.HandlePaymentConfirmation(r.Context(), event)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, result)
}
