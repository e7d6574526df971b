package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestCreateForOrderIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	grants := []Grant{
		{UserID: "u1", ProductID: "p1", Limit: intPtr(3)},
		{UserID: "u1", ProductID: "p2"},
	}
	first, err := s.CreateForOrder(ctx, "o1", grants)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 entitlements, got %d", len(first))
	}

	second, err := s.CreateForOrder(ctx, "o1", grants)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 {
		t.Fatalf("replay created duplicates: %d", len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("replay changed entitlement identity: %s != %s", first[i].ID, second[i].ID)
		}
	}
}

func TestConsumeQuota(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	ents, _ := s.CreateForOrder(ctx, "o1", []Grant{{UserID: "u1", ProductID: "p1", Limit: intPtr(3)}})
	id := ents[0].ID

	for i := 1; i <= 3; i++ {
		ent, err := s.Consume(ctx, id)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if ent.Consumed != i {
			t.Fatalf("expected consumed=%d, got %d", i, ent.Consumed)
		}
	}
	if _, err := s.Consume(ctx, id); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	ent, _ := s.GetByID(ctx, id)
	if ent.Status != StatusExhausted || ent.Consumed != 3 {
		t.Fatalf("exhaustion not recorded: %+v", ent)
	}
}

func TestConsumeConcurrentNeverOverspends(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	ents, _ := s.CreateForOrder(ctx, "o1", []Grant{{UserID: "u1", ProductID: "p1", Limit: intPtr(5)}})
	id := ents[0].ID

	var wg sync.WaitGroup
	granted := make(chan struct{}, 64)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, id); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	var ok int
	for range granted {
		ok++
	}
	if ok != 5 {
		t.Fatalf("expected exactly 5 grants, got %d", ok)
	}
	ent, _ := s.GetByID(ctx, id)
	if ent.Consumed != 5 {
		t.Fatalf("consumed=%d, want 5", ent.Consumed)
	}
}

func TestConsumeExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	past := now.Add(-time.Hour)
	ents, _ := s.CreateForOrder(ctx, "o1", []Grant{{UserID: "u1", ProductID: "p1", Limit: intPtr(10), ExpiresAt: &past}})

	if _, err := s.Consume(ctx, ents[0].ID); err != ErrExpired {
		t.Fatalf("expected ErrExpired regardless of quota, got %v", err)
	}
	ent, _ := s.GetByID(ctx, ents[0].ID)
	if ent.Consumed != 0 {
		t.Fatalf("denied consume must not mutate: %+v", ent)
	}
}

func TestRevokeIsIdempotentAndBlocksConsume(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	ents, _ := s.CreateForOrder(ctx, "o1", []Grant{
		{UserID: "u1", ProductID: "p1", Limit: intPtr(3)},
		{UserID: "u1", ProductID: "p2", Limit: intPtr(3)},
	})

	if n, err := s.RevokeForOrder(ctx, "o1"); err != nil || n != 2 {
		t.Fatalf("RevokeForOrder=%d,%v", n, err)
	}
	if n, err := s.RevokeForOrder(ctx, "o1"); err != nil || n != 0 {
		t.Fatalf("second revoke should be a no-op: %d,%v", n, err)
	}
	if err := s.Revoke(ctx, ents[0].ID); err != nil {
		t.Fatalf("Revoke on revoked entitlement must be idempotent: %v", err)
	}
	if _, err := s.Consume(ctx, ents[0].ID); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestLatestReturnsNewestForUserProduct(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	current := base
	s := NewInMemory(WithClock(func() time.Time { return current }))
	ctx := context.Background()

	s.CreateForOrder(ctx, "o1", []Grant{{UserID: "u1", ProductID: "p1", Limit: intPtr(1)}})
	current = base.Add(time.Hour)
	ents, _ := s.CreateForOrder(ctx, "o2", []Grant{{UserID: "u1", ProductID: "p1", Limit: intPtr(5)}})

	got, err := s.Latest(ctx, "u1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != ents[0].ID {
		t.Fatalf("expected most recent entitlement, got %s", got.ID)
	}
	if _, err := s.Latest(ctx, "u1", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
