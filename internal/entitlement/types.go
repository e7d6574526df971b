package entitlement

import (
	"errors"
	"time"
)

// Status of an entitlement. Expiry is computed from ExpiresAt, not stored as
// a status.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusRevoked   Status = "revoked"
)

// Entitlement is a durable grant allowing a user to download a purchased
// product, bounded by quota and expiry. It holds a back-reference to its
// source order for audit and refund traversal only; the order never mutates
// it after fulfillment, other than through explicit revocation.
type Entitlement struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ProductID    string     `json:"product_id"`
	OrderID      string     `json:"order_id"`
	Limit        *int       `json:"download_limit,omitempty"` // nil = unlimited
	Consumed     int        `json:"downloads_consumed"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil = never
	Status       Status     `json:"status"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Remaining reports downloads left, and whether the grant is unlimited.
func (e Entitlement) Remaining() (int, bool) {
	if e.Limit == nil {
		return 0, true
	}
	left := *e.Limit - e.Consumed
	if left < 0 {
		left = 0
	}
	return left, false
}

// Grant describes one entitlement to materialize during fulfillment.
type Grant struct {
	UserID    string
	ProductID string
	Limit     *int
	ExpiresAt *time.Time
}

var (
	ErrNotFound  = errors.New("entitlement: not found")
	ErrExhausted = errors.New("entitlement: download limit exhausted")
	ErrExpired   = errors.New("entitlement: access expired")
	ErrRevoked   = errors.New("entitlement: revoked")
)
