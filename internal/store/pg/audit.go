package pg

import (
	"context"
	"errors"
	"fmt"

	"vendora.org/internal/audit"
	"vendora.org/internal/ids"
)

var _ audit.Log = (*Store)(nil)

func (s *Store) Append(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return errors.New("audit: event is required")
	}
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into download_events (id, entitlement_id, token_id, outcome, client_ref, occurred_at)
		values ($1,$2,nullif($3,''),$4,nullif($5,''),$6)
	`, event.ID, event.EntitlementID, event.TokenID, event.Outcome, event.ClientRef, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrUnavailable, err)
	}
	audit.Emit(*event)
	return nil
}

func (s *Store) ListForEntitlement(ctx context.Context, entitlementID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, entitlement_id, coalesce(token_id,''), outcome, coalesce(client_ref,''), occurred_at
		from download_events
		where entitlement_id=$1
		order by occurred_at, id
	`, entitlementID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		if err := rows.Scan(&ev.ID, &ev.EntitlementID, &ev.TokenID, &ev.Outcome, &ev.ClientRef, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClaimToken takes the claim with a conditional insert: the primary key on
// download_token_claims lets exactly one of two concurrent redemptions win.
func (s *Store) ClaimToken(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, errors.New("audit: token id is required")
	}
	res, err := s.db.ExecContext(ctx, `
		insert into download_token_claims (token_id, claimed_at)
		values ($1, $2)
		on conflict (token_id) do nothing
	`, tokenID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("%w: %v", audit.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", audit.ErrUnavailable, err)
	}
	return n == 1, nil
}
