package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vendora.org/internal/ids"
	"vendora.org/internal/money"
	"vendora.org/internal/order"
)

var _ order.Ledger = (*Store)(nil)

func (s *Store) Create(ctx context.Context, userID string, productIDs []string) (order.Order, error) {
	if len(productIDs) == 0 {
		return order.Order{}, fmt.Errorf("%w: order has no line items", order.ErrInvalidLineItem)
	}
	seen := make(map[string]struct{}, len(productIDs))
	for _, pid := range productIDs {
		if _, dup := seen[pid]; dup {
			return order.Order{}, fmt.Errorf("%w: duplicate product %s", order.ErrInvalidLineItem, pid)
		}
		seen[pid] = struct{}{}
	}

	items := make([]order.LineItem, 0, len(productIDs))
	var total money.Money
	for _, pid := range productIDs {
		product, err := s.resolver.Resolve(ctx, pid)
		if err != nil {
			return order.Order{}, fmt.Errorf("%w: product %s: %v", order.ErrInvalidLineItem, pid, err)
		}
		if !product.Price.IsPositive() || product.Price.Currency == "" {
			return order.Order{}, fmt.Errorf("%w: product %s has no resolvable price", order.ErrInvalidLineItem, pid)
		}
		if total.Currency == "" {
			total.Currency = product.Price.Currency
		} else if total.Currency != product.Price.Currency {
			return order.Order{}, fmt.Errorf("%w: mixed currencies in one order", order.ErrInvalidLineItem)
		}
		items = append(items, order.LineItem{ProductID: pid, UnitPrice: product.Price})
		total = total.Add(product.Price)
	}

	ord := order.Order{
		ID:     ids.New(),
		Number: order.NewNumber(),
		UserID: userID,
		Items:  items,
		Total:  total,
		Status: order.StatusPendingPayment,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into orders (id, number, user_id, currency, total, status)
		values ($1,$2,$3,$4,$5,$6)
		returning created_at, updated_at
	`, ord.ID, ord.Number, ord.UserID, ord.Total.Currency, ord.Total.Amount, ord.Status).Scan(&ord.CreatedAt, &ord.UpdatedAt)
	if err != nil {
		return order.Order{}, err
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
			insert into order_items (order_id, product_id, currency, unit_amount)
			values ($1,$2,$3,$4)
		`, ord.ID, it.ProductID, it.UnitPrice.Currency, it.UnitPrice.Amount); err != nil {
			return order.Order{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return order.Order{}, err
	}
	return ord, nil
}

func (s *Store) Get(ctx context.Context, id string) (order.Order, error) {
	ord, err := scanOrder(s.db.QueryRowContext(ctx, `
		select id, number, user_id, currency, total, status, coalesce(payment_ref,''), created_at, updated_at
		from orders where id=$1
	`, id))
	if err != nil {
		return order.Order{}, err
	}
	items, err := s.orderItems(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	ord.Items = items
	return ord, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, number, user_id, currency, total, status, coalesce(payment_ref,''), created_at, updated_at
		from orders where user_id=$1
		order by created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ord)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		items, err := s.orderItems(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func (s *Store) MarkPaid(ctx context.Context, id, paymentRef string) (order.Order, bool, error) {
	return s.settle(ctx, id, paymentRef, order.StatusPaid)
}

func (s *Store) MarkFailed(ctx context.Context, id, paymentRef string) (order.Order, bool, error) {
	return s.settle(ctx, id, paymentRef, order.StatusFailed)
}

// settle applies the pending_payment -> {paid, failed} transition under a row
// lock. Same reference on a terminal order replays; a different reference
// conflicts rather than silently overwriting.
func (s *Store) settle(ctx context.Context, id, paymentRef string, target order.Status) (order.Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return order.Order{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status  order.Status
		haveRef string
	)
	err = tx.QueryRowContext(ctx, `
		select status, coalesce(payment_ref,'') from orders where id=$1 for update
	`, id).Scan(&status, &haveRef)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, false, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, false, err
	}

	fresh := false
	switch status {
	case order.StatusPendingPayment:
		if _, err := tx.ExecContext(ctx, `
			update orders set status=$2, payment_ref=$3, updated_at=now() where id=$1
		`, id, target, paymentRef); err != nil {
			return order.Order{}, false, err
		}
		fresh = true
	case order.StatusPaid, order.StatusFailed, order.StatusRefunded:
		if haveRef != paymentRef {
			return order.Order{}, false, order.ErrConflictingPaymentRef
		}
	default:
		return order.Order{}, false, order.ErrInvalidTransition
	}
	if err := tx.Commit(); err != nil {
		return order.Order{}, false, err
	}

	ord, err := s.Get(ctx, id)
	if err != nil {
		return order.Order{}, false, err
	}
	return ord, fresh, nil
}

func (s *Store) Refund(ctx context.Context, id string) (order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status order.Status
	err = tx.QueryRowContext(ctx, `select status from orders where id=$1 for update`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, err
	}
	if status != order.StatusPaid {
		return order.Order{}, order.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `
		update orders set status=$2, updated_at=now() where id=$1
	`, id, order.StatusRefunded); err != nil {
		return order.Order{}, err
	}
	// Revocation commits with the refund: a refunded order never has
	// consumable entitlements, not even transiently.
	if _, err := tx.ExecContext(ctx, `
		update entitlements set status='revoked', updated_at=now()
		where order_id=$1 and status <> 'revoked'
	`, id); err != nil {
		return order.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return order.Order{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) orderItems(ctx context.Context, orderID string) ([]order.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		select product_id, currency, unit_amount from order_items where order_id=$1 order by product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []order.LineItem
	for rows.Next() {
		var it order.LineItem
		if err := rows.Scan(&it.ProductID, &it.UnitPrice.Currency, &it.UnitPrice.Amount); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		ord order.Order
		ref string
	)
	err := row.Scan(&ord.ID, &ord.Number, &ord.UserID, &ord.Total.Currency, &ord.Total.Amount, &ord.Status, &ref, &ord.CreatedAt, &ord.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, err
	}
	ord.PaymentRef = ref
	ord.CreatedAt = ord.CreatedAt.UTC()
	ord.UpdatedAt = ord.UpdatedAt.UTC()
	return ord, nil
}
