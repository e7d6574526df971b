package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vendora.org/internal/entitlement"
	"vendora.org/internal/ids"
)

var _ entitlement.Store = (*Store)(nil)

const entitlementColumns = `
	id, user_id, product_id, order_id, download_limit, consumed,
	expires_at, status, last_access_at, created_at, updated_at
`

func (s *Store) CreateForOrder(ctx context.Context, orderID string, grants []entitlement.Grant) ([]entitlement.Entitlement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, g := range grants {
		var limit sql.NullInt64
		if g.Limit != nil {
			limit = sql.NullInt64{Int64: int64(*g.Limit), Valid: true}
		}
		var expires sql.NullTime
		if g.ExpiresAt != nil {
			expires = sql.NullTime{Time: g.ExpiresAt.UTC(), Valid: true}
		}
		// The (order_id, product_id) unique constraint makes a fulfillment
		// retry skip grants that already landed.
		if _, err := tx.ExecContext(ctx, `
			insert into entitlements (id, user_id, product_id, order_id, download_limit, expires_at, status)
			values ($1,$2,$3,$4,$5,$6,'active')
			on conflict (order_id, product_id) do nothing
		`, ids.New(), g.UserID, g.ProductID, orderID, limit, expires); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.ListByOrder(ctx, orderID)
}

func (s *Store) Latest(ctx context.Context, userID, productID string) (entitlement.Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx, `
		select `+entitlementColumns+`
		from entitlements where user_id=$1 and product_id=$2
		order by created_at desc limit 1
	`, userID, productID))
}

func (s *Store) GetByID(ctx context.Context, id string) (entitlement.Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx, `
		select `+entitlementColumns+`
		from entitlements where id=$1
	`, id))
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]entitlement.Entitlement, error) {
	return s.listEntitlements(ctx, `user_id`, userID)
}

func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]entitlement.Entitlement, error) {
	return s.listEntitlements(ctx, `order_id`, orderID)
}

func (s *Store) listEntitlements(ctx context.Context, column, value string) ([]entitlement.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entitlementColumns+`
		from entitlements where `+column+`=$1
		order by created_at, id
	`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entitlement.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// Consume spends one download in a single conditional update: status, quota
// and expiry are all checked by the predicate, so two concurrent redemptions
// can never both take the last download.
func (s *Store) Consume(ctx context.Context, id string) (entitlement.Entitlement, error) {
	ent, err := scanEntitlement(s.db.QueryRowContext(ctx, `
		update entitlements set
			consumed = consumed + 1,
			status = case
				when download_limit is not null and consumed + 1 >= download_limit then 'exhausted'
				else status
			end,
			last_access_at = now(),
			updated_at = now()
		where id=$1
			and status = 'active'
			and (download_limit is null or consumed < download_limit)
			and (expires_at is null or expires_at > now())
		returning `+entitlementColumns+`
	`, id))
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, entitlement.ErrNotFound) {
		return entitlement.Entitlement{}, err
	}

	// The predicate rejected the row; re-read it to classify the denial.
	ent, err = s.GetByID(ctx, id)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	return entitlement.Entitlement{}, denialReason(ent, s.now())
}

func (s *Store) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update entitlements set status='revoked', updated_at=now() where id=$1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeForOrder(ctx context.Context, orderID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update entitlements set status='revoked', updated_at=now()
		where order_id=$1 and status <> 'revoked'
	`, orderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// denialReason classifies a predicate rejection from the re-read row. When the
// re-read row still looks consumable, a concurrent consume spent the last
// download between the two statements.
func denialReason(ent entitlement.Entitlement, now time.Time) error {
	if err := entitlement.CheckConsumable(ent, now.UTC()); err != nil {
		return err
	}
	return entitlement.ErrExhausted
}

func scanEntitlement(row rowScanner) (entitlement.Entitlement, error) {
	var (
		ent        entitlement.Entitlement
		limit      sql.NullInt64
		expires    sql.NullTime
		lastAccess sql.NullTime
	)
	err := row.Scan(&ent.ID, &ent.UserID, &ent.ProductID, &ent.OrderID, &limit, &ent.Consumed,
		&expires, &ent.Status, &lastAccess, &ent.CreatedAt, &ent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	if limit.Valid {
		n := int(limit.Int64)
		ent.Limit = &n
	}
	if expires.Valid {
		t := expires.Time.UTC()
		ent.ExpiresAt = &t
	}
	if lastAccess.Valid {
		t := lastAccess.Time.UTC()
		ent.LastAccessAt = &t
	}
	ent.CreatedAt = ent.CreatedAt.UTC()
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return ent, nil
}
