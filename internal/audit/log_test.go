package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"vendora.org/internal/obs"
)

func TestAppendAssignsIdentityAndEmitsJSON(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	l := NewInMemory()
	ev := &Event{EntitlementID: "ent-1", TokenID: "tok-1", Outcome: OutcomeGranted, ClientRef: "10.0.0.5"}
	if err := l.Append(context.Background(), ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ID == "" || ev.OccurredAt.IsZero() {
		t.Fatalf("identity not assigned: %+v", ev)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "download.granted" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["entitlement_id"] != "ent-1" {
		t.Fatalf("unexpected entitlement: %v", entry["entitlement_id"])
	}
}

func TestListForEntitlementChronological(t *testing.T) {
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	current := base
	l := NewInMemory(WithClock(func() time.Time { return current }))
	ctx := context.Background()

	outcomes := []Outcome{OutcomeGranted, OutcomeDeniedExhausted, OutcomeDeniedRevoked}
	for i, outcome := range outcomes {
		current = base.Add(time.Duration(i) * time.Minute)
		if err := l.Append(ctx, &Event{EntitlementID: "ent-1", Outcome: outcome}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Append(ctx, &Event{EntitlementID: "ent-2", Outcome: OutcomeGranted}); err != nil {
		t.Fatal(err)
	}

	events, err := l.ListForEntitlement(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := range outcomes {
		if events[i].Outcome != outcomes[i] {
			t.Fatalf("events out of order: %v", events)
		}
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Fatal("events not chronological")
		}
	}
}

func TestClaimTokenFirstCallerWins(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	taken, err := l.ClaimToken(ctx, "tok-1")
	if err != nil || !taken {
		t.Fatalf("first claim: taken=%v err=%v", taken, err)
	}
	taken, err = l.ClaimToken(ctx, "tok-1")
	if err != nil || taken {
		t.Fatalf("second claim must lose: taken=%v err=%v", taken, err)
	}
	if _, err := l.ClaimToken(ctx, ""); err == nil {
		t.Fatal("expected error for empty token id")
	}
}

func TestClaimTokenConcurrentSingleWinner(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			taken, err := l.ClaimToken(ctx, "tok-race")
			if err != nil {
				t.Error(err)
				return
			}
			if taken {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", n)
	}
}
