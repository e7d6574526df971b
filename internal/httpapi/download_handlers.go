package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vendora.org/internal/audit"
	"vendora.org/internal/auth"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/stream"
)

type issueTokenRequest struct {
	SingleUse bool `json:"single_use,omitempty"`
}

// entitlementView is the buyer-facing shape of an entitlement: quota and
// expiry are presented as "unlimited" / "never" instead of nulls.
type entitlementView struct {
	entitlement.Entitlement
	Remaining any `json:"remaining"`
	Expiry    any `json:"expiry"`
}

func viewOf(ent entitlement.Entitlement) entitlementView {
	v := entitlementView{Entitlement: ent}
	if left, unlimited := ent.Remaining(); unlimited {
		v.Remaining = "unlimited"
	} else {
		v.Remaining = left
	}
	if ent.ExpiresAt == nil {
		v.Expiry = "never"
	} else {
		v.Expiry = ent.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (a *API) handleEntitlementsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ents, err := a.ents.ListForUser(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]entitlementView, 0, len(ents))
	for _, ent := range ents {
		items = append(items, viewOf(ent))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleEntitlementResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/entitlements/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case strings.HasSuffix(path, "/token"):
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/token"), "/")
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.issueDownloadToken(w, r, id)
	case strings.HasSuffix(path, "/history"):
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/history"), "/")
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.downloadHistory(w, r, id)
	case strings.Contains(path, "/"):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case r.Method == http.MethodGet:
		a.getEntitlement(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) getEntitlement(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ent, err := a.ents.GetByID(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if ent.UserID != userID {
		writeError(w, r, http.StatusNotFound, "entitlement not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ent))
}

func (a *API) issueDownloadToken(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if id == "" {
		writeError(w, r, http.StatusNotFound, "entitlement not found")
		return
	}

	var req issueTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	token, err := a.guard.IssueToken(r.Context(), userID, id, req.SingleUse)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (a *API) downloadHistory(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ent, err := a.ents.GetByID(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if ent.UserID != userID {
		writeError(w, r, http.StatusNotFound, "entitlement not found")
		return
	}
	events, err := a.auditLog.ListForEntitlement(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

// handleDownloadRedeem spends one download and redirects to the short-lived
// file URL. Denials carry the status taxonomy: 401 bad token, 410 dead grant.
func (a *API) handleDownloadRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rawToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if rawToken == "" {
		writeError(w, r, http.StatusBadRequest, "token query parameter is required")
		return
	}

	result, err := a.guard.Redeem(r.Context(), rawToken, clientIP(r))
	if err != nil {
		a.publishDownload(stream.DownloadActivity{Outcome: denialOutcome(err), Timestamp: time.Now().UTC()})
		handleDomainError(w, r, err)
		return
	}

	a.publishDownload(stream.DownloadActivity{
		EntitlementID: result.Entitlement.ID,
		ProductID:     result.Entitlement.ProductID,
		Outcome:       audit.OutcomeGranted,
		Timestamp:     time.Now().UTC(),
	})
	http.Redirect(w, r, result.FileURL, http.StatusSeeOther)
}

func (a *API) publishDownload(evt stream.DownloadActivity) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}

func denialOutcome(err error) audit.Outcome {
	switch {
	case errors.Is(err, entitlement.ErrExpired):
		return audit.OutcomeDeniedExpired
	case errors.Is(err, entitlement.ErrExhausted):
		return audit.OutcomeDeniedExhausted
	case errors.Is(err, entitlement.ErrRevoked):
		return audit.OutcomeDeniedRevoked
	default:
		return audit.OutcomeDeniedTokenInvalid
	}
}
