package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"vendora.org/internal/ids"
	"vendora.org/internal/obs"
)

// Outcome classifies a download attempt.
type Outcome string

const (
	OutcomeGranted            Outcome = "granted"
	OutcomeDeniedExpired      Outcome = "denied_expired"
	OutcomeDeniedExhausted    Outcome = "denied_exhausted"
	OutcomeDeniedRevoked      Outcome = "denied_revoked"
	OutcomeDeniedTokenInvalid Outcome = "denied_token_invalid"
)

// Event is one download attempt. Events are append-only; they are never
// mutated or deleted.
type Event struct {
	ID            string    `json:"id"`
	EntitlementID string    `json:"entitlement_id"`
	TokenID       string    `json:"token_id,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ClientRef     string    `json:"client_ref,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

var ErrUnavailable = errors.New("audit: log storage unavailable")

// Log records download attempts. Append failures are fatal to the caller and
// surfaced, never retried here.
type Log interface {
	Append(ctx context.Context, event *Event) error
	// ListForEntitlement returns events in chronological order.
	ListForEntitlement(ctx context.Context, entitlementID string) ([]Event, error)
	// ClaimToken atomically marks a single-use token as spent. It reports
	// true when this call took the claim and false when the token was
	// claimed before; at most one caller ever gets true for a token id.
	ClaimToken(ctx context.Context, tokenID string) (bool, error)
}

// Emit writes the audit entry as a structured JSON line through the shared
// logger, alongside whatever durable store the Log implementation uses.
func Emit(event Event) {
	entry := map[string]any{
		"ts":             event.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":           "audit",
		"event":          "download." + string(event.Outcome),
		"entitlement_id": event.EntitlementID,
	}
	if event.TokenID != "" {
		entry["token_id"] = event.TokenID
	}
	if event.ClientRef != "" {
		entry["client_ref"] = event.ClientRef
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}

// InMemory implements Log for tests and single-binary runs.
type InMemory struct {
	mu     sync.Mutex
	events []Event
	claims map[string]struct{}
	now    func() time.Time
}

// InMemoryOption configures the in-memory log.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(l *InMemory) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewInMemory(opts ...InMemoryOption) *InMemory {
	l := &InMemory{claims: make(map[string]struct{}), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemory) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("audit: event is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now().UTC()
	}
	l.events = append(l.events, *event)
	Emit(*event)
	return nil
}

func (l *InMemory) ListForEntitlement(ctx context.Context, entitlementID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.EntitlementID == entitlementID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (l *InMemory) ClaimToken(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, errors.New("audit: token id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.claims[tokenID]; taken {
		return false, nil
	}
	l.claims[tokenID] = struct{}{}
	return true, nil
}
