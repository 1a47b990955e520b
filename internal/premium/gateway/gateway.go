package gateway

import (
	"context"

	"kinboardBack/internal/models"
)

// Logger provides minimal logging required by the gateway.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Event is one item on the purchase-lifecycle stream: either a purchase
// record or a failure code for an operation that never produced one.
type Event struct {
	UserID  int
	Record  *models.PurchaseRecord
	Code    models.GatewayErrorCode
	Message string
}

// Store wraps the native purchase store. It supplies raw purchase records
// and never interprets entitlement.
type Store interface {
	// Initialize opens the store connection. Calling it while already open
	// or opening is a no-op.
	Initialize(ctx context.Context) error

	// LoadCatalog is best-effort: on failure it returns an empty list so a
	// missing catalog never blocks reconciliation of owned purchases.
	LoadCatalog(ctx context.Context, productIDs []string) []models.Plan

	// ListOwnedPurchases returns every record the store still attributes to
	// the account, i.e. records not yet acknowledged.
	ListOwnedPurchases(ctx context.Context, userID int) ([]models.PurchaseRecord, error)

	// BeginPurchase is fire-and-forget; the outcome arrives on the event
	// stream, never as a return value.
	BeginPurchase(ctx context.Context, userID int, productID string) error

	// Acknowledge marks a record fully processed so it is not redelivered.
	// Called exactly once per successfully reconciled record.
	Acknowledge(ctx context.Context, record models.PurchaseRecord) error

	Events() <-chan Event
}
