package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"vendora.org/internal/audit"
	"vendora.org/internal/catalog"
	"vendora.org/internal/download"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/fulfill"
	"vendora.org/internal/identity"
	"vendora.org/internal/obs"
	"vendora.org/internal/order"
	"vendora.org/internal/stream"
)

// ReadyProbe reports readiness (pings the database when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators of the HTTP layer.
type Config struct {
	Ready        ReadyProbe
	Version      string
	Identity     *identity.Service
	Orders       order.Ledger
	Entitlements entitlement.Store
	Audit        audit.Log
	Processor    *fulfill.Processor
	Guard        *download.Guard
	Stream       *stream.Stream

	// WebhookSecret, when set, is required in the X-Webhook-Secret header of
	// payment confirmations.
	WebhookSecret string

	// Rate limiting knobs; zero values fall back to defaults.
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	identity      *identity.Service
	orders        order.Ledger
	ents          entitlement.Store
	auditLog      audit.Log
	processor     *fulfill.Processor
	guard         *download.Guard
	stream        *stream.Stream
	webhookSecret string
	rateBurst     int
	ratePerSec    int
}

func New(cfg Config) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    cfg.Ready,
		version:       cfg.Version,
		identity:      cfg.Identity,
		orders:        cfg.Orders,
		ents:          cfg.Entitlements,
		auditLog:      cfg.Audit,
		processor:     cfg.Processor,
		guard:         cfg.Guard,
		stream:        cfg.Stream,
		webhookSecret: cfg.WebhookSecret,
		rateBurst:     cfg.RateBurst,
		ratePerSec:    cfg.RatePerSecond,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// identity
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/creator/upgrade", a.handleCreatorUpgrade)

	// orders and payments
	a.mux.HandleFunc("/v1/orders", a.handleOrdersCollection)
	a.mux.HandleFunc("/v1/orders/", a.handleOrderResource)
	a.mux.HandleFunc("/v1/payments/confirmations", a.handlePaymentConfirmation)

	// entitlements and downloads
	a.mux.HandleFunc("/v1/entitlements", a.handleEntitlementsCollection)
	a.mux.HandleFunc("/v1/entitlements/", a.handleEntitlementResource)
	a.mux.HandleFunc("/v1/downloads", a.handleDownloadRedeem)
	a.mux.HandleFunc("/v1/downloads/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vendora-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vendora-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps domain sentinels onto the HTTP status taxonomy:
// malformed input is 400, a live-but-denied grant is 403, a spent or dead
// grant is 410, duplicates and double transitions are 409.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, order.ErrInvalidLineItem),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, fulfill.ErrInvalidEvent),
		errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, download.ErrInvalidToken),
		errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, download.ErrNotEntitled):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrConflictingPaymentRef),
		errors.Is(err, identity.ErrAlreadyCreator),
		errors.Is(err, identity.ErrSlugTaken),
		errors.Is(err, identity.ErrEmailTaken):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, entitlement.ErrExpired),
		errors.Is(err, entitlement.ErrExhausted),
		errors.Is(err, entitlement.ErrRevoked):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, fulfill.ErrUnknownOrder),
		errors.Is(err, entitlement.ErrNotFound),
		errors.Is(err, identity.ErrNotFound),
		errors.Is(err, catalog.ErrUnknownProduct):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
