package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"kinboardBack/internal/models"
)

const eventBuffer = 64

// EventJournal persists purchase events so that records survive a crash
// between delivery and acknowledgment and are redelivered on the next
// initialize.
type EventJournal interface {
	SavePurchaseEvent(ctx context.Context, record models.PurchaseRecord) error
	PendingPurchaseEvents(ctx context.Context, userID int) ([]models.PurchaseRecord, error)
	MarkPurchaseEventAcknowledged(ctx context.Context, transactionID string, at time.Time) error
	SavePurchaseIntent(ctx context.Context, userID int, intentID, productID string) error
}

type PlayStoreConfig struct {
	PackageName        string
	ServiceAccountJSON string
}

// PlayStore is the Google Play backed Store implementation. The device
// relays billing callbacks through Ingest/ReportFailure; acknowledgment goes
// back to Play so the record stops being redelivered.
type PlayStore struct {
	cfg     PlayStoreConfig
	journal EventJournal
	logger  Logger

	mu           sync.Mutex
	svc          *androidpublisher.Service
	initializing bool

	events chan Event
}

func NewPlayStore(cfg PlayStoreConfig, journal EventJournal, logger Logger) *PlayStore {
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	return &PlayStore{
		cfg:     cfg,
		journal: journal,
		logger:  logger,
		events:  make(chan Event, eventBuffer),
	}
}

func (s *PlayStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.svc != nil || s.initializing {
		s.mu.Unlock()
		return nil
	}
	if s.cfg.PackageName == "" || strings.TrimSpace(s.cfg.ServiceAccountJSON) == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: play credentials are not configured", models.ErrStoreUnavailable)
	}
	s.initializing = true
	s.mu.Unlock()

	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON([]byte(s.cfg.ServiceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializing = false
	if err != nil {
		return fmt.Errorf("%w: androidpublisher.NewService: %v", models.ErrStoreUnavailable, err)
	}
	s.svc = svc
	return nil
}

func (s *PlayStore) service() *androidpublisher.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

func (s *PlayStore) LoadCatalog(ctx context.Context, productIDs []string) []models.Plan {
	svc := s.service()
	if svc == nil {
		return nil
	}

	var plans []models.Plan
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		sub, err := svc.Monetization.Subscriptions.Get(s.cfg.PackageName, id).Context(ctx).Do()
		if err != nil {
			// Best-effort: keep whatever the store did answer for.
			s.logger.Errorf("play catalog: subscriptions.get %s: %v", id, err)
			continue
		}
		plans = append(plans, planFromSubscription(sub))
	}
	return plans
}

func planFromSubscription(sub *androidpublisher.Subscription) models.Plan {
	plan := models.Plan{
		ID:             sub.ProductId,
		StoreProductID: sub.ProductId,
		Period:         models.PlanPeriodMonthly,
	}
	if len(sub.Listings) > 0 {
		plan.DisplayName = sub.Listings[0].Title
	}
	for _, base := range sub.BasePlans {
		if base.AutoRenewingBasePlanType == nil {
			continue
		}
		if period, err := parseBillingPeriod(base.AutoRenewingBasePlanType.BillingPeriodDuration); err == nil {
			plan.Period = period
			break
		}
	}
	return plan
}

// parseBillingPeriod maps Play's ISO 8601 billing periods onto plan periods.
func parseBillingPeriod(raw string) (models.PlanPeriod, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "P1M":
		return models.PlanPeriodMonthly, nil
	case "P1Y", "P12M":
		return models.PlanPeriodYearly, nil
	default:
		return "", fmt.Errorf("unsupported billing period: %s", raw)
	}
}

func (s *PlayStore) ListOwnedPurchases(ctx context.Context, userID int) ([]models.PurchaseRecord, error) {
	return s.journal.PendingPurchaseEvents(ctx, userID)
}

func (s *PlayStore) BeginPurchase(ctx context.Context, userID int, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("product id is required")
	}
	return s.journal.SavePurchaseIntent(ctx, userID, uuid.NewString(), productID)
}

func (s *PlayStore) Acknowledge(ctx context.Context, record models.PurchaseRecord) error {
	svc := s.service()
	if svc == nil {
		return fmt.Errorf("%w: store is not initialized", models.ErrStoreUnavailable)
	}
	if record.ProductID == "" || record.ReceiptPayload == "" {
		return fmt.Errorf("product_id and purchase token are required")
	}

	req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
	err := svc.Purchases.Subscriptions.Acknowledge(s.cfg.PackageName, record.ProductID, record.ReceiptPayload, req).
		Context(ctx).
		Do()
	if err != nil && !alreadyAcknowledged(err) {
		return fmt.Errorf("google subscriptions.acknowledge: %w", err)
	}
	return s.journal.MarkPurchaseEventAcknowledged(ctx, record.TransactionID, time.Now())
}

// Play returns 400 when a purchase token was already acknowledged, which is
// expected on redelivery after a crash between acknowledge and journal mark.
func alreadyAcknowledged(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 400
	}
	return false
}

func (s *PlayStore) Events() <-chan Event {
	return s.events
}

// Ingest journals a relayed purchase record and pushes it onto the stream.
// Journaling first means a crash before reconciliation still redelivers the
// record on the next initialize.
func (s *PlayStore) Ingest(ctx context.Context, record models.PurchaseRecord) error {
	if strings.TrimSpace(record.TransactionID) == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if err := s.journal.SavePurchaseEvent(ctx, record); err != nil {
		return fmt.Errorf("journal purchase event: %w", err)
	}
	s.emit(Event{UserID: record.UserID, Record: &record})
	return nil
}

// ReportFailure pushes a store failure (cancellation, network error) that
// never produced a purchase record.
func (s *PlayStore) ReportFailure(userID int, code models.GatewayErrorCode, message string) {
	s.emit(Event{UserID: userID, Code: code, Message: message})
}

func (s *PlayStore) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Errorf("play gateway: event buffer full, dropping event for user %d", ev.UserID)
	}
}
