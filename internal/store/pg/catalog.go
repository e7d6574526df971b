package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vendora.org/internal/catalog"
)

var _ catalog.Resolver = (*Store)(nil)

func (s *Store) Resolve(ctx context.Context, productID string) (catalog.Product, error) {
	var (
		p          catalog.Product
		limit      sql.NullInt64
		ttlSeconds sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, currency, amount, download_limit, download_ttl_seconds, file_blob_ref, available
		from products where id=$1
	`, productID).Scan(&p.ID, &p.Name, &p.Price.Currency, &p.Price.Amount, &limit, &ttlSeconds, &p.FileBlobRef, &p.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Product{}, catalog.ErrUnknownProduct
	}
	if err != nil {
		return catalog.Product{}, err
	}
	if !p.Available {
		return catalog.Product{}, catalog.ErrUnknownProduct
	}
	if limit.Valid {
		n := int(limit.Int64)
		p.DownloadLimit = &n
	}
	if ttlSeconds.Valid {
		d := time.Duration(ttlSeconds.Int64) * time.Second
		p.DownloadTTL = &d
	}
	return p, nil
}

// PutProduct upserts a catalog row. Used by seeds and the smoke tool.
func (s *Store) PutProduct(ctx context.Context, p catalog.Product) error {
	var limit sql.NullInt64
	if p.DownloadLimit != nil {
		limit = sql.NullInt64{Int64: int64(*p.DownloadLimit), Valid: true}
	}
	var ttlSeconds sql.NullInt64
	if p.DownloadTTL != nil {
		ttlSeconds = sql.NullInt64{Int64: int64(p.DownloadTTL.Seconds()), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into products (id, name, currency, amount, download_limit, download_ttl_seconds, file_blob_ref, available)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (id) do update set
			name = excluded.name,
			currency = excluded.currency,
			amount = excluded.amount,
			download_limit = excluded.download_limit,
			download_ttl_seconds = excluded.download_ttl_seconds,
			file_blob_ref = excluded.file_blob_ref,
			available = excluded.available
	`, p.ID, p.Name, p.Price.Currency, p.Price.Amount, limit, ttlSeconds, p.FileBlobRef, p.Available)
	return err
}
