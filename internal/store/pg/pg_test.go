package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"vendora.org/internal/entitlement"
	"vendora.org/internal/identity"
	"vendora.org/internal/order"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func entitlementRows(consumed int, limit sql.NullInt64, status string, expires sql.NullTime) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "user_id", "product_id", "order_id", "download_limit", "consumed",
		"expires_at", "status", "last_access_at", "created_at", "updated_at",
	}).AddRow("ent-1", "user-1", "prod-1", "order-1", limit, consumed, expires, status, nil, now, now)
}

func TestConsumeSpendsOneDownload(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("update entitlements").
		WithArgs("ent-1").
		WillReturnRows(entitlementRows(1, sql.NullInt64{Int64: 3, Valid: true}, "active", sql.NullTime{}))

	ent, err := s.Consume(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ent.Consumed != 1 {
		t.Fatalf("consumed = %d, want 1", ent.Consumed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeClassifiesRevoked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("update entitlements").WithArgs("ent-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from entitlements where id").
		WithArgs("ent-1").
		WillReturnRows(entitlementRows(0, sql.NullInt64{}, "revoked", sql.NullTime{}))

	_, err := s.Consume(context.Background(), "ent-1")
	if !errors.Is(err, entitlement.ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeClassifiesExpired(t *testing.T) {
	s, mock := newMockStore(t)

	past := sql.NullTime{Time: time.Now().Add(-time.Hour).UTC(), Valid: true}
	mock.ExpectQuery("update entitlements").WithArgs("ent-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from entitlements where id").
		WithArgs("ent-1").
		WillReturnRows(entitlementRows(0, sql.NullInt64{}, "active", past))

	_, err := s.Consume(context.Background(), "ent-1")
	if !errors.Is(err, entitlement.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestConsumeClassifiesExhausted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("update entitlements").WithArgs("ent-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from entitlements where id").
		WithArgs("ent-1").
		WillReturnRows(entitlementRows(3, sql.NullInt64{Int64: 3, Valid: true}, "exhausted", sql.NullTime{}))

	_, err := s.Consume(context.Background(), "ent-1")
	if !errors.Is(err, entitlement.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestConsumeUnknownEntitlement(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("update entitlements").WithArgs("ent-x").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from entitlements where id").WithArgs("ent-x").WillReturnError(sql.ErrNoRows)

	_, err := s.Consume(context.Background(), "ent-x")
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPromoteToCreatorLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update users set role='creator'").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select role from users").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("creator"))
	mock.ExpectRollback()

	rec := identity.CreatorCapabilityRecord{StoreName: "Late Shop", StoreSlug: "late-shop"}
	err := s.PromoteToCreator(context.Background(), "user-1", &rec)
	if !errors.Is(err, identity.ErrAlreadyCreator) {
		t.Fatalf("err = %v, want ErrAlreadyCreator", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPromoteToCreatorSlugConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update users set role='creator'").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into creator_profiles").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "creator_profiles_store_slug_key"})
	mock.ExpectRollback()

	rec := identity.CreatorCapabilityRecord{StoreName: "Taken Shop", StoreSlug: "taken"}
	err := s.PromoteToCreator(context.Background(), "user-1", &rec)
	if !errors.Is(err, identity.ErrSlugTaken) {
		t.Fatalf("err = %v, want ErrSlugTaken", err)
	}
}

func TestPromoteToCreatorWins(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update users set role='creator'").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into creator_profiles").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))
	mock.ExpectCommit()

	rec := identity.CreatorCapabilityRecord{StoreName: "Fresh Shop", StoreSlug: "fresh-shop"}
	if err := s.PromoteToCreator(context.Background(), "user-1", &rec); err != nil {
		t.Fatalf("PromoteToCreator: %v", err)
	}
	if rec.ID == "" || rec.UserID != "user-1" {
		t.Fatalf("record identity not assigned: %+v", rec)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_email_key"})

	u := identity.User{Email: "Buyer@Example.com", PasswordHash: "hash"}
	err := s.CreateUser(context.Background(), &u)
	if !errors.Is(err, identity.ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
	if u.Email != "buyer@example.com" {
		t.Fatalf("email not normalised: %s", u.Email)
	}
}

func TestLatestPicksNewestEntitlement(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from entitlements where user_id").
		WithArgs("user-1", "prod-1").
		WillReturnRows(entitlementRows(0, sql.NullInt64{Int64: 5, Valid: true}, "active", sql.NullTime{}))

	ent, err := s.Latest(context.Background(), "user-1", "prod-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ent.ID != "ent-1" || ent.Status != entitlement.StatusActive {
		t.Fatalf("unexpected entitlement: %+v", ent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateOrderRejectsDuplicateProducts(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.Create(context.Background(), "user-1", []string{"prod-1", "prod-1"})
	if !errors.Is(err, order.ErrInvalidLineItem) {
		t.Fatalf("err = %v, want ErrInvalidLineItem", err)
	}
}

func TestClaimTokenReplay(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into download_token_claims").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into download_token_claims").
		WillReturnResult(sqlmock.NewResult(0, 0))

	taken, err := s.ClaimToken(context.Background(), "tok-1")
	if err != nil || !taken {
		t.Fatalf("first claim: taken=%v err=%v", taken, err)
	}
	taken, err = s.ClaimToken(context.Background(), "tok-1")
	if err != nil || taken {
		t.Fatalf("replayed claim must lose: taken=%v err=%v", taken, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
