package order

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"vendora.org/internal/money"
)

// Status is the order state machine:
// pending_payment -> {paid, failed}; paid -> refunded. Nothing else.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusFailed         Status = "failed"
	StatusRefunded       Status = "refunded"
)

// LineItem is an immutable value embedded in its order. Prices are captured
// at order-creation time and never change afterwards.
type LineItem struct {
	ProductID string      `json:"product_id"`
	UnitPrice money.Money `json:"unit_price"`
}

// Order owns its line items. Total equals the sum of line items at creation
// time and is immutable thereafter.
type Order struct {
	ID         string      `json:"id"`
	Number     string      `json:"number"`
	UserID     string      `json:"user_id"`
	Items      []LineItem  `json:"items"`
	Total      money.Money `json:"total"`
	Status     Status      `json:"status"`
	PaymentRef string      `json:"payment_ref,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

var (
	ErrNotFound              = errors.New("order: not found")
	ErrInvalidLineItem       = errors.New("order: invalid line item")
	ErrInvalidTransition     = errors.New("order: invalid status transition")
	ErrConflictingPaymentRef = errors.New("order: conflicting payment reference")
)

// NewNumber generates a short human-facing order reference (e.g. ORD-3F9A21C4).
func NewNumber() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "ORD-" + strings.ToUpper(hex.EncodeToString(b[:]))
}
