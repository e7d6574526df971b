package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vendora.org/internal/audit"
	"vendora.org/internal/blob"
	"vendora.org/internal/catalog"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/obs"
)

const (
	defaultTokenTTL = 5 * time.Minute
	defaultBlobTTL  = 2 * time.Minute
)

// ErrNotEntitled indicates the caller has no active grant for the requested
// entitlement.
var ErrNotEntitled = errors.New("download: not entitled")

// Guard issues time-limited download tokens and redeems them. Redemption is
// the single authoritative point where quota is spent; a browser retry or
// pre-fetch of the token endpoint never exhausts a limited entitlement.
type Guard struct {
	ents     entitlement.Store
	log      audit.Log
	blobs    blob.Store
	resolver catalog.Resolver
	secret   []byte
	tokenTTL time.Duration
	blobTTL  time.Duration
	now      func() time.Time
}

// Option configures the guard.
type Option func(*Guard)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.tokenTTL = ttl
		}
	}
}

// WithBlobTTL sets the lifetime of returned file URLs.
func WithBlobTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.blobTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard builds a guard signing tokens with the given secret.
func NewGuard(ents entitlement.Store, log audit.Log, blobs blob.Store, resolver catalog.Resolver, secret []byte, opts ...Option) (*Guard, error) {
	if len(secret) == 0 {
		return nil, errors.New("download: token secret is required")
	}
	g := &Guard{
		ents:     ents,
		log:      log,
		blobs:    blobs,
		resolver: resolver,
		secret:   secret,
		tokenTTL: defaultTokenTTL,
		blobTTL:  defaultBlobTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// IssueToken checks the entitlement optimistically and signs a token for it.
// Final enforcement happens at redemption, closing the gap between check and
// use.
func (g *Guard) IssueToken(ctx context.Context, userID, entitlementID string, singleUse bool) (Token, error) {
	ent, err := g.ents.GetByID(ctx, entitlementID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return Token{}, ErrNotEntitled
		}
		return Token{}, err
	}
	if ent.UserID != userID {
		return Token{}, ErrNotEntitled
	}
	if ent.Status != entitlement.StatusActive {
		return Token{}, ErrNotEntitled
	}
	now := g.now().UTC()
	if ent.ExpiresAt != nil && !now.Before(*ent.ExpiresAt) {
		return Token{}, ErrNotEntitled
	}
	return signToken(g.secret, userID, entitlementID, singleUse, g.tokenTTL, now)
}

// RedeemResult is the successful outcome of a redemption.
type RedeemResult struct {
	Entitlement entitlement.Entitlement `json:"entitlement"`
	FileURL     string                  `json:"file_url"`
}

// Redeem verifies the token, spends one download and returns a short-lived
// file URL. Every denial appends the matching audit entry before returning.
// Once the quota decrement commits it is final; a later client cancellation
// does not roll it back.
func (g *Guard) Redeem(ctx context.Context, rawToken, clientRef string) (RedeemResult, error) {
	claims, err := parseToken(g.secret, rawToken, g.now)
	if err != nil {
		if aerr := g.deny(ctx, "", "", clientRef, audit.OutcomeDeniedTokenInvalid); aerr != nil {
			return RedeemResult{}, aerr
		}
		return RedeemResult{}, ErrInvalidToken
	}

	if claims.SingleUse {
		// The claim is taken atomically before quota is spent, so two
		// concurrent redemptions of the same token cannot both pass. A claim
		// holds even when the consume below is denied: the token carries one
		// attempt, not one success.
		taken, err := g.log.ClaimToken(ctx, claims.ID)
		if err != nil {
			return RedeemResult{}, fmt.Errorf("claim token: %w", err)
		}
		if !taken {
			if aerr := g.deny(ctx, claims.EntitlementID, claims.ID, clientRef, audit.OutcomeDeniedTokenInvalid); aerr != nil {
				return RedeemResult{}, aerr
			}
			return RedeemResult{}, ErrInvalidToken
		}
	}

	ent, err := g.ents.Consume(ctx, claims.EntitlementID)
	if err != nil {
		var outcome audit.Outcome
		switch {
		case errors.Is(err, entitlement.ErrExpired):
			outcome = audit.OutcomeDeniedExpired
		case errors.Is(err, entitlement.ErrExhausted):
			outcome = audit.OutcomeDeniedExhausted
		case errors.Is(err, entitlement.ErrRevoked):
			outcome = audit.OutcomeDeniedRevoked
		case errors.Is(err, entitlement.ErrNotFound):
			outcome = audit.OutcomeDeniedTokenInvalid
			err = ErrNotEntitled
		}
		if outcome != "" {
			if aerr := g.deny(ctx, claims.EntitlementID, claims.ID, clientRef, outcome); aerr != nil {
				return RedeemResult{}, aerr
			}
		}
		return RedeemResult{}, err
	}

	// The decrement has committed; no lock is held while talking to the
	// catalog or the blob store.
	product, err := g.resolver.Resolve(ctx, ent.ProductID)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("resolve product %s: %w", ent.ProductID, err)
	}
	fileURL, err := g.blobs.TemporaryURL(ctx, product.FileBlobRef, g.blobTTL)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("temporary url for %s: %w", product.FileBlobRef, err)
	}

	if err := g.log.Append(ctx, &audit.Event{
		EntitlementID: ent.ID,
		TokenID:       claims.ID,
		Outcome:       audit.OutcomeGranted,
		ClientRef:     clientRef,
	}); err != nil {
		return RedeemResult{}, fmt.Errorf("append audit entry: %w", err)
	}
	obs.CountDownload(string(audit.OutcomeGranted))
	return RedeemResult{Entitlement: ent, FileURL: fileURL}, nil
}

// deny writes the audit entry for a refused redemption. A failed append is
// surfaced to the caller; a denial that cannot be recorded fails the request.
func (g *Guard) deny(ctx context.Context, entitlementID, tokenID, clientRef string, outcome audit.Outcome) error {
	obs.CountDownload(string(outcome))
	if err := g.log.Append(ctx, &audit.Event{
		EntitlementID: entitlementID,
		TokenID:       tokenID,
		Outcome:       outcome,
		ClientRef:     clientRef,
	}); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
