package fulfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vendora.org/internal/catalog"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/obs"
	"vendora.org/internal/order"
)

// Outcome of the external payment attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Event is a payment confirmation delivered at-least-once by the external
// payment collaborator. PaymentRef is the idempotency key.
type Event struct {
	OrderID    string  `json:"order_id"`
	PaymentRef string  `json:"payment_ref"`
	Outcome    Outcome `json:"outcome"`
	Sequence   uint64  `json:"sequence"`
}

// Result reports what a confirmation did.
type Result struct {
	Order        order.Order               `json:"order"`
	Entitlements []entitlement.Entitlement `json:"entitlements,omitempty"`
	Replayed     bool                      `json:"replayed"`
}

var (
	ErrUnknownOrder = errors.New("fulfill: unknown order")
	ErrInvalidEvent = errors.New("fulfill: invalid confirmation event")
)

// Processor consumes payment confirmations and materializes entitlements.
// Every step is idempotent so the caller's delivery-retry mechanism can
// re-invoke it safely after any failure.
type Processor struct {
	orders   order.Ledger
	ents     entitlement.Store
	resolver catalog.Resolver
	now      func() time.Time
}

// Option configures the processor.
type Option func(*Processor)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(p *Processor) {
		if fn != nil {
			p.now = fn
		}
	}
}

func NewProcessor(orders order.Ledger, ents entitlement.Store, resolver catalog.Resolver, opts ...Option) *Processor {
	p := &Processor{orders: orders, ents: ents, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandlePaymentConfirmation validates the event, advances the order ledger
// and, on a transition into paid, creates one entitlement per line item.
// Download policy is fetched from the catalog at fulfillment time, not at
// order-creation time, so policy changes between checkout and payment are
// honored. Entitlement creation is keyed by (order, line item) and checked
// for existence, so a crash-and-retry of that step is also idempotent.
func (p *Processor) HandlePaymentConfirmation(ctx context.Context, event Event) (Result, error) {
	if event.OrderID == "" || event.PaymentRef == "" {
		return Result{}, fmt.Errorf("%w: order id and payment ref are required", ErrInvalidEvent)
	}
	if event.Outcome != OutcomeSucceeded && event.Outcome != OutcomeFailed {
		return Result{}, fmt.Errorf("%w: outcome %q", ErrInvalidEvent, event.Outcome)
	}

	if _, err := p.orders.Get(ctx, event.OrderID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownOrder, event.OrderID)
		}
		return Result{}, err
	}

	if event.Outcome == OutcomeFailed {
		ord, fresh, err := p.orders.MarkFailed(ctx, event.OrderID, event.PaymentRef)
		if err != nil {
			return Result{}, err
		}
		if fresh {
			obs.CountFulfillment("failed")
		} else {
			obs.CountFulfillment("replay")
		}
		return Result{Order: ord, Replayed: !fresh}, nil
	}

	ord, fresh, err := p.orders.MarkPaid(ctx, event.OrderID, event.PaymentRef)
	if err != nil {
		return Result{}, err
	}

	// Materialize entitlements whenever the order is paid, not only on the
	// fresh transition: a crash between MarkPaid and CreateForOrder leaves a
	// paid order without entitlements, and the redelivered event must repair
	// it. CreateForOrder skips grants that already exist.
	if ord.Status == order.StatusPaid {
		grants := make([]entitlement.Grant, 0, len(ord.Items))
		fulfilledAt := p.now().UTC()
		for _, item := range ord.Items {
			product, err := p.resolver.Resolve(ctx, item.ProductID)
			if err != nil {
				// Surface and let upstream redelivery retry; nothing was
				// created for this item yet.
				return Result{}, fmt.Errorf("resolve product %s at fulfillment: %w", item.ProductID, err)
			}
			grant := entitlement.Grant{
				UserID:    ord.UserID,
				ProductID: item.ProductID,
				Limit:     product.DownloadLimit,
			}
			if product.DownloadTTL != nil {
				expiry := fulfilledAt.Add(*product.DownloadTTL)
				grant.ExpiresAt = &expiry
			}
			grants = append(grants, grant)
		}
		ents, err := p.ents.CreateForOrder(ctx, ord.ID, grants)
		if err != nil {
			return Result{}, fmt.Errorf("materialize entitlements for order %s: %w", ord.ID, err)
		}
		if fresh {
			obs.CountFulfillment("fresh")
		} else {
			obs.CountFulfillment("replay")
		}
		return Result{Order: ord, Entitlements: ents, Replayed: !fresh}, nil
	}

	obs.CountFulfillment("replay")
	return Result{Order: ord, Replayed: !fresh}, nil
}
