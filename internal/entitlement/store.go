package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"vendora.org/internal/ids"
)

// Store defines entitlement persistence. Consume and Revoke are the only
// mutations after creation; both are atomic with respect to concurrent
// callers.
type Store interface {
	// CreateForOrder materializes grants keyed by (order, product). Grants
	// that already exist for the order are skipped, so a crash-and-retry of
	// fulfillment is idempotent. Returns every entitlement sourced from the
	// order, pre-existing ones included.
	CreateForOrder(ctx context.Context, orderID string, grants []Grant) ([]Entitlement, error)
	// Latest returns the newest entitlement for the user and product.
	Latest(ctx context.Context, userID, productID string) (Entitlement, error)
	GetByID(ctx context.Context, id string) (Entitlement, error)
	ListForUser(ctx context.Context, userID string) ([]Entitlement, error)
	ListByOrder(ctx context.Context, orderID string) ([]Entitlement, error)
	// Consume spends one download iff the entitlement is active, under its
	// limit and unexpired; otherwise it fails without mutating anything.
	Consume(ctx context.Context, id string) (Entitlement, error)
	// Revoke is unconditional and idempotent (used by the refund flow).
	Revoke(ctx context.Context, id string) error
	RevokeForOrder(ctx context.Context, orderID string) (int, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu      sync.Mutex
	byID    map[string]*Entitlement
	byOrder map[string][]string // orderID -> entitlement ids
	now     func() time.Time
}

// InMemoryOption configures the in-memory store.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		byID:    make(map[string]*Entitlement),
		byOrder: make(map[string][]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CreateForOrder(ctx context.Context, orderID string, grants []Grant) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{})
	for _, id := range s.byOrder[orderID] {
		existing[s.byID[id].ProductID] = struct{}{}
	}

	now := s.now().UTC()
	for _, g := range grants {
		if _, ok := existing[g.ProductID]; ok {
			continue
		}
		ent := &Entitlement{
			ID:        ids.New(),
			UserID:    g.UserID,
			ProductID: g.ProductID,
			OrderID:   orderID,
			Limit:     g.Limit,
			ExpiresAt: g.ExpiresAt,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.byID[ent.ID] = ent
		s.byOrder[orderID] = append(s.byOrder[orderID], ent.ID)
		existing[g.ProductID] = struct{}{}
	}

	out := make([]Entitlement, 0, len(s.byOrder[orderID]))
	for _, id := range s.byOrder[orderID] {
		out = append(out, *s.byID[id])
	}
	return out, nil
}

func (s *InMemory) Latest(ctx context.Context, userID, productID string) (Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Entitlement
	for _, ent := range s.byID {
		if ent.UserID != userID || ent.ProductID != productID {
			continue
		}
		if found == nil || ent.CreatedAt.After(found.CreatedAt) {
			found = ent
		}
	}
	if found == nil {
		return Entitlement{}, ErrNotFound
	}
	return *found, nil
}

func (s *InMemory) GetByID(ctx context.Context, id string) (Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.byID[id]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	return *ent, nil
}

func (s *InMemory) ListForUser(ctx context.Context, userID string) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entitlement
	for _, ent := range s.byID {
		if ent.UserID == userID {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ListByOrder(ctx context.Context, orderID string) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entitlement, 0, len(s.byOrder[orderID]))
	for _, id := range s.byOrder[orderID] {
		out = append(out, *s.byID[id])
	}
	return out, nil
}

func (s *InMemory) Consume(ctx context.Context, id string) (Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.byID[id]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	now := s.now().UTC()
	if err := CheckConsumable(*ent, now); err != nil {
		return Entitlement{}, err
	}

	ent.Consumed++
	if ent.Limit != nil && ent.Consumed >= *ent.Limit {
		ent.Status = StatusExhausted
	}
	ent.LastAccessAt = &now
	ent.UpdatedAt = now
	return *ent, nil
}

func (s *InMemory) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if ent.Status != StatusRevoked {
		ent.Status = StatusRevoked
		ent.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *InMemory) RevokeForOrder(ctx context.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	now := s.now().UTC()
	for _, id := range s.byOrder[orderID] {
		ent := s.byID[id]
		if ent.Status == StatusRevoked {
			continue
		}
		ent.Status = StatusRevoked
		ent.UpdatedAt = now
		revoked++
	}
	return revoked, nil
}

// CheckConsumable checks status, quota and expiry in denial-precedence order:
// revocation first, then exhaustion, then expiry.
func CheckConsumable(ent Entitlement, now time.Time) error {
	switch ent.Status {
	case StatusRevoked:
		return ErrRevoked
	case StatusExhausted:
		return ErrExhausted
	}
	if ent.ExpiresAt != nil && !now.Before(*ent.ExpiresAt) {
		return ErrExpired
	}
	if ent.Limit != nil && ent.Consumed >= *ent.Limit {
		return ErrExhausted
	}
	return nil
}
