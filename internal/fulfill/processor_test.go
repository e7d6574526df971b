package fulfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vendora.org/internal/catalog"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/money"
	"vendora.org/internal/obs"
	"vendora.org/internal/order"
)

type fixture struct {
	catalog *catalog.InMemory
	ents    *entitlement.InMemory
	orders  *order.InMemory
	proc    *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := catalog.NewInMemory()
	limit := 3
	ttl := 72 * time.Hour
	c.Put(catalog.Product{ID: "p1", Name: "E-Book", Price: money.Money{Currency: "ZAR", Amount: 9900}, DownloadLimit: &limit, FileBlobRef: "blobs/p1", Available: true})
	c.Put(catalog.Product{ID: "p2", Name: "Course", Price: money.Money{Currency: "ZAR", Amount: 24900}, DownloadTTL: &ttl, FileBlobRef: "blobs/p2", Available: true})

	ents := entitlement.NewInMemory()
	orders := order.NewInMemory(c, ents)
	return &fixture{
		catalog: c,
		ents:    ents,
		orders:  orders,
		proc:    NewProcessor(orders, ents, c),
	}
}

func TestConfirmationCreatesEntitlementsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1", "p2"})

	event := Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeSucceeded, Sequence: 1}
	res, err := f.proc.HandlePaymentConfirmation(ctx, event)
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed {
		t.Fatal("first confirmation must not be a replay")
	}
	if res.Order.Status != order.StatusPaid {
		t.Fatalf("expected paid, got %s", res.Order.Status)
	}
	if len(res.Entitlements) != 2 {
		t.Fatalf("expected 2 entitlements, got %d", len(res.Entitlements))
	}
	for _, ent := range res.Entitlements {
		if ent.Status != entitlement.StatusActive || ent.Consumed != 0 {
			t.Fatalf("unexpected entitlement state: %+v", ent)
		}
	}

	replay, err := f.proc.HandlePaymentConfirmation(ctx, event)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("expected replay flag")
	}
	if len(replay.Entitlements) != 2 {
		t.Fatalf("replay must not create duplicates: %d", len(replay.Entitlements))
	}
	for i := range res.Entitlements {
		if res.Entitlements[i].ID != replay.Entitlements[i].ID {
			t.Fatal("replay changed entitlement identities")
		}
	}
}

func TestConfirmationUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.HandlePaymentConfirmation(context.Background(), Event{OrderID: "nope", PaymentRef: "pay-1", Outcome: OutcomeSucceeded})
	if !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestConfirmationConflictingReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1"})

	if _, err := f.proc.HandlePaymentConfirmation(ctx, Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeSucceeded}); err != nil {
		t.Fatal(err)
	}
	_, err := f.proc.HandlePaymentConfirmation(ctx, Event{OrderID: ord.ID, PaymentRef: "pay-2", Outcome: OutcomeSucceeded})
	if !errors.Is(err, order.ErrConflictingPaymentRef) {
		t.Fatalf("expected ErrConflictingPaymentRef, got %v", err)
	}
}

func TestFailedOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1"})

	res, err := f.proc.HandlePaymentConfirmation(ctx, Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeFailed})
	if err != nil {
		t.Fatal(err)
	}
	if res.Order.Status != order.StatusFailed || len(res.Entitlements) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ents, _ := f.ents.ListByOrder(ctx, ord.ID); len(ents) != 0 {
		t.Fatalf("failed payment must not create entitlements: %d", len(ents))
	}
}

func TestFailedReplayCountedAsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1"})

	event := Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeFailed}
	if _, err := f.proc.HandlePaymentConfirmation(ctx, event); err != nil {
		t.Fatal(err)
	}

	failedBefore := testutil.ToFloat64(obs.FulfillmentMetric("failed"))
	res, err := f.proc.HandlePaymentConfirmation(ctx, event)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Replayed {
		t.Fatal("expected replay on redelivered failure")
	}
	if after := testutil.ToFloat64(obs.FulfillmentMetric("failed")); after != failedBefore {
		t.Fatalf("failed counter moved on a replay: %v -> %v", failedBefore, after)
	}
}

func TestPolicyFetchedAtFulfillmentTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1"})

	// Policy tightens between checkout and payment; fulfillment must honor
	// the new limit.
	newLimit := 1
	f.catalog.Put(catalog.Product{ID: "p1", Name: "E-Book", Price: money.Money{Currency: "ZAR", Amount: 9900}, DownloadLimit: &newLimit, FileBlobRef: "blobs/p1", Available: true})

	res, err := f.proc.HandlePaymentConfirmation(ctx, Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entitlements[0].Limit == nil || *res.Entitlements[0].Limit != 1 {
		t.Fatalf("expected fulfillment-time limit 1, got %+v", res.Entitlements[0].Limit)
	}
}

func TestCrashRetryRepairsMissingEntitlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1"})

	// Simulate a crash after MarkPaid but before entitlement creation.
	if _, fresh, err := f.orders.MarkPaid(ctx, ord.ID, "pay-1"); err != nil || !fresh {
		t.Fatalf("MarkPaid: fresh=%v err=%v", fresh, err)
	}

	res, err := f.proc.HandlePaymentConfirmation(ctx, Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Replayed {
		t.Fatal("expected replay of the paid transition")
	}
	if len(res.Entitlements) != 1 {
		t.Fatalf("retry must repair missing entitlements, got %d", len(res.Entitlements))
	}
}

func TestConcurrentConfirmationsNoDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ord, _ := f.orders.Create(ctx, "u1", []string{"p1", "p2"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.proc.HandlePaymentConfirmation(ctx, Event{OrderID: ord.ID, PaymentRef: "pay-1", Outcome: OutcomeSucceeded})
		}()
	}
	wg.Wait()

	ents, _ := f.ents.ListByOrder(ctx, ord.ID)
	if len(ents) != 2 {
		t.Fatalf("expected 2 entitlements after concurrent confirmations, got %d", len(ents))
	}
}
