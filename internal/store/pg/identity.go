package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"vendora.org/internal/identity"
	"vendora.org/internal/ids"
)

var _ identity.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Role == "" {
		u.Role = identity.RoleBuyer
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, role)
		values ($1,$2,$3,$4)
		returning created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.Role).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrEmailTaken
		}
		return err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return nil
}

func (s *Store) FindUser(ctx context.Context, id string) (identity.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, role, created_at, updated_at
		from users where id=$1
	`, id))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (identity.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, role, created_at, updated_at
		from users where email=$1
	`, strings.ToLower(strings.TrimSpace(email))))
}

// PromoteToCreator flips the role with a conditional update so the buyer
// check and the write are one statement; the losing caller of a concurrent
// double-upgrade sees zero rows affected.
func (s *Store) PromoteToCreator(ctx context.Context, userID string, rec *identity.CreatorCapabilityRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users set role='creator', updated_at=now()
		where id=$1 and role='buyer'
	`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var role identity.Role
		err := tx.QueryRowContext(ctx, `select role from users where id=$1`, userID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return identity.ErrNotFound
		}
		if err != nil {
			return err
		}
		return identity.ErrAlreadyCreator
	}

	if rec.ID == "" {
		rec.ID = ids.New()
	}
	rec.UserID = userID
	err = tx.QueryRowContext(ctx, `
		insert into creator_profiles (id, user_id, store_name, store_slug, description)
		values ($1,$2,$3,$4,$5)
		returning created_at
	`, rec.ID, rec.UserID, rec.StoreName, rec.StoreSlug, rec.Description).Scan(&rec.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "slug") {
				return identity.ErrSlugTaken
			}
			return identity.ErrAlreadyCreator
		}
		return err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return tx.Commit()
}

func (s *Store) CreatorRecord(ctx context.Context, userID string) (identity.CreatorCapabilityRecord, error) {
	var rec identity.CreatorCapabilityRecord
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, store_name, store_slug, coalesce(description,''), created_at
		from creator_profiles where user_id=$1
	`, userID).Scan(&rec.ID, &rec.UserID, &rec.StoreName, &rec.StoreSlug, &rec.Description, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.CreatorCapabilityRecord{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.CreatorCapabilityRecord{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func scanUser(row rowScanner) (identity.User, error) {
	var u identity.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}
