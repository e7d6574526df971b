package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vendora.org/internal/catalog"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/ids"
	"vendora.org/internal/money"
)

// Ledger defines order operations. MarkPaid and MarkFailed return whether the
// call caused a fresh transition (false on an idempotent replay).
type Ledger interface {
	Create(ctx context.Context, userID string, productIDs []string) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	MarkPaid(ctx context.Context, id, paymentRef string) (Order, bool, error)
	MarkFailed(ctx context.Context, id, paymentRef string) (Order, bool, error)
	// Refund transitions paid -> refunded and revokes every entitlement
	// sourced from the order before returning.
	Refund(ctx context.Context, id string) (Order, error)
}

// InMemory implements Ledger with in-process concurrency safety.
type InMemory struct {
	mu       sync.Mutex
	orders   map[string]*Order
	resolver catalog.Resolver
	ents     entitlement.Store
	now      func() time.Time
}

// InMemoryOption configures the in-memory ledger.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates a fresh order ledger. The entitlement store is consulted
// only by Refund.
func NewInMemory(resolver catalog.Resolver, ents entitlement.Store, opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		orders:   make(map[string]*Order),
		resolver: resolver,
		ents:     ents,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Create(ctx context.Context, userID string, productIDs []string) (Order, error) {
	if len(productIDs) == 0 {
		return Order{}, fmt.Errorf("%w: order has no line items", ErrInvalidLineItem)
	}
	seen := make(map[string]struct{}, len(productIDs))
	for _, pid := range productIDs {
		if _, dup := seen[pid]; dup {
			return Order{}, fmt.Errorf("%w: duplicate product %s", ErrInvalidLineItem, pid)
		}
		seen[pid] = struct{}{}
	}

	// Resolve prices before taking the lock; the catalog call may be remote.
	items := make([]LineItem, 0, len(productIDs))
	var total money.Money
	for _, pid := range productIDs {
		product, err := s.resolver.Resolve(ctx, pid)
		if err != nil {
			return Order{}, fmt.Errorf("%w: product %s: %v", ErrInvalidLineItem, pid, err)
		}
		if !product.Price.IsPositive() || product.Price.Currency == "" {
			return Order{}, fmt.Errorf("%w: product %s has no resolvable price", ErrInvalidLineItem, pid)
		}
		if total.Currency == "" {
			total.Currency = product.Price.Currency
		} else if total.Currency != product.Price.Currency {
			return Order{}, fmt.Errorf("%w: mixed currencies in one order", ErrInvalidLineItem)
		}
		items = append(items, LineItem{ProductID: pid, UnitPrice: product.Price})
		total = total.Add(product.Price)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	ord := &Order{
		ID:        ids.New(),
		Number:    NewNumber(),
		UserID:    userID,
		Items:     items,
		Total:     total,
		Status:    StatusPendingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.orders[ord.ID] = ord
	return cloned(ord), nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloned(ord), nil
}

func (s *InMemory) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, ord := range s.orders {
		if ord.UserID == userID {
			out = append(out, cloned(ord))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) MarkPaid(ctx context.Context, id, paymentRef string) (Order, bool, error) {
	return s.settle(id, paymentRef, StatusPaid)
}

func (s *InMemory) MarkFailed(ctx context.Context, id, paymentRef string) (Order, bool, error) {
	return s.settle(id, paymentRef, StatusFailed)
}

// settle applies the pending_payment -> {paid, failed} transition with
// idempotency on the payment reference. A replay with the same reference on a
// terminal order returns the existing state; a different reference on a
// terminal order signals a duplicate-order bug upstream and must conflict
// rather than silently overwrite.
func (s *InMemory) settle(id, paymentRef string, target Status) (Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[id]
	if !ok {
		return Order{}, false, ErrNotFound
	}
	switch ord.Status {
	case StatusPendingPayment:
		ord.Status = target
		ord.PaymentRef = paymentRef
		ord.UpdatedAt = s.now().UTC()
		return cloned(ord), true, nil
	case StatusPaid, StatusFailed, StatusRefunded:
		if ord.PaymentRef == paymentRef {
			return cloned(ord), false, nil
		}
		return Order{}, false, ErrConflictingPaymentRef
	default:
		return Order{}, false, ErrInvalidTransition
	}
}

func (s *InMemory) Refund(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	ord, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return Order{}, ErrNotFound
	}
	if ord.Status != StatusPaid {
		s.mu.Unlock()
		return Order{}, ErrInvalidTransition
	}
	ord.Status = StatusRefunded
	ord.UpdatedAt = s.now().UTC()
	out := cloned(ord)
	s.mu.Unlock()

	// Revocation happens synchronously within the refund: there is no window
	// in which a refunded order still has consumable entitlements.
	if _, err := s.ents.RevokeForOrder(ctx, id); err != nil {
		return Order{}, fmt.Errorf("revoke entitlements for order %s: %w", id, err)
	}
	return out, nil
}

func cloned(ord *Order) Order {
	out := *ord
	out.Items = make([]LineItem, len(ord.Items))
	copy(out.Items, ord.Items)
	return out
}
