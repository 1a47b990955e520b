package broadcast

import (
	"testing"

	"kinboardBack/internal/models"
)

type nopLogger struct{}

func (nopLogger) Errorf(format string, args ...interface{}) {}

func TestNotifyDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nopLogger{})

	var order []string
	b.Subscribe(func(models.EntitlementState) { order = append(order, "first") })
	b.Subscribe(func(models.EntitlementState) { order = append(order, "second") })
	b.Subscribe(func(models.EntitlementState) { order = append(order, "third") })

	b.Notify(models.EntitlementState{IsActive: true})

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nopLogger{})

	calls := 0
	unsubscribe := b.Subscribe(func(models.EntitlementState) { calls++ })

	b.Notify(models.EntitlementState{})
	unsubscribe()
	unsubscribe() // second call is a no-op
	b.Notify(models.EntitlementState{})

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
	if b.Len() != 0 {
		t.Fatalf("expected no listeners after unsubscribe, got %d", b.Len())
	}
}

func TestPanickingListenerDoesNotStarveOthers(t *testing.T) {
	b := New(nopLogger{})

	b.Subscribe(func(models.EntitlementState) { panic("listener bug") })
	delivered := false
	b.Subscribe(func(models.EntitlementState) { delivered = true })

	b.Notify(models.EntitlementState{IsActive: true})

	if !delivered {
		t.Fatal("listener after a panicking one was not notified")
	}
}
