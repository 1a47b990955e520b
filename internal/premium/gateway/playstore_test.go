package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"kinboardBack/internal/models"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Infof(format string, args ...interface{})  { l.t.Logf("INFO "+format, args...) }
func (l testLogger) Errorf(format string, args ...interface{}) { l.t.Logf("ERROR "+format, args...) }

type memJournal struct {
	events  []models.PurchaseRecord
	acked   map[string]time.Time
	intents []string
	saveErr error
}

func newMemJournal() *memJournal {
	return &memJournal{acked: make(map[string]time.Time)}
}

func (j *memJournal) SavePurchaseEvent(ctx context.Context, record models.PurchaseRecord) error {
	if j.saveErr != nil {
		return j.saveErr
	}
	for _, existing := range j.events {
		if existing.TransactionID == record.TransactionID {
			return nil
		}
	}
	j.events = append(j.events, record)
	return nil
}

func (j *memJournal) PendingPurchaseEvents(ctx context.Context, userID int) ([]models.PurchaseRecord, error) {
	var out []models.PurchaseRecord
	for _, rec := range j.events {
		if rec.UserID == userID {
			if _, ok := j.acked[rec.TransactionID]; !ok {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (j *memJournal) MarkPurchaseEventAcknowledged(ctx context.Context, transactionID string, at time.Time) error {
	j.acked[transactionID] = at
	return nil
}

func (j *memJournal) SavePurchaseIntent(ctx context.Context, userID int, intentID, productID string) error {
	j.intents = append(j.intents, intentID)
	return nil
}

func TestInitializeFailsWithoutCredentials(t *testing.T) {
	store := NewPlayStore(PlayStoreConfig{}, newMemJournal(), testLogger{t})

	err := store.Initialize(context.Background())
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestIngestJournalsBeforeEmitting(t *testing.T) {
	journal := newMemJournal()
	store := NewPlayStore(PlayStoreConfig{}, journal, testLogger{t})

	rec := models.PurchaseRecord{UserID: 7, ProductID: "p", TransactionID: "txn-1", ReceiptPayload: "tok"}
	if err := store.Ingest(context.Background(), rec); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if len(journal.events) != 1 {
		t.Fatalf("expected journaled event, got %d", len(journal.events))
	}
	select {
	case ev := <-store.Events():
		if ev.Record == nil || ev.Record.TransactionID != "txn-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected event on the stream")
	}
}

func TestIngestJournalFailureDoesNotEmit(t *testing.T) {
	journal := newMemJournal()
	journal.saveErr = errors.New("mysql is down")
	store := NewPlayStore(PlayStoreConfig{}, journal, testLogger{t})

	rec := models.PurchaseRecord{UserID: 7, TransactionID: "txn-1"}
	if err := store.Ingest(context.Background(), rec); err == nil {
		t.Fatal("expected journal failure to propagate")
	}
	select {
	case ev := <-store.Events():
		t.Fatalf("event emitted despite journal failure: %+v", ev)
	default:
	}
}

func TestIngestRequiresTransactionID(t *testing.T) {
	store := NewPlayStore(PlayStoreConfig{}, newMemJournal(), testLogger{t})
	if err := store.Ingest(context.Background(), models.PurchaseRecord{UserID: 7}); err == nil {
		t.Fatal("expected error for missing transaction id")
	}
}

func TestListOwnedPurchasesSkipsAcknowledged(t *testing.T) {
	journal := newMemJournal()
	store := NewPlayStore(PlayStoreConfig{}, journal, testLogger{t})

	_ = store.Ingest(context.Background(), models.PurchaseRecord{UserID: 7, TransactionID: "txn-1"})
	_ = store.Ingest(context.Background(), models.PurchaseRecord{UserID: 7, TransactionID: "txn-2"})
	_ = journal.MarkPurchaseEventAcknowledged(context.Background(), "txn-1", time.Now())

	owned, err := store.ListOwnedPurchases(context.Background(), 7)
	if err != nil {
		t.Fatalf("ListOwnedPurchases: %v", err)
	}
	if len(owned) != 1 || owned[0].TransactionID != "txn-2" {
		t.Fatalf("expected only the un-acknowledged record, got %+v", owned)
	}
}

func TestBeginPurchaseRecordsIntent(t *testing.T) {
	journal := newMemJournal()
	store := NewPlayStore(PlayStoreConfig{}, journal, testLogger{t})

	if err := store.BeginPurchase(context.Background(), 7, "kinboard.premium.monthly"); err != nil {
		t.Fatalf("BeginPurchase: %v", err)
	}
	if len(journal.intents) != 1 {
		t.Fatalf("expected one intent, got %d", len(journal.intents))
	}

	if err := store.BeginPurchase(context.Background(), 7, "  "); err == nil {
		t.Fatal("expected error for empty product id")
	}
}

func TestReportFailureEmitsCode(t *testing.T) {
	store := NewPlayStore(PlayStoreConfig{}, newMemJournal(), testLogger{t})

	store.ReportFailure(7, models.GatewayErrUserCancelled, "dismissed sheet")

	select {
	case ev := <-store.Events():
		if ev.Record != nil || ev.Code != models.GatewayErrUserCancelled || ev.UserID != 7 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected failure event on the stream")
	}
}

func TestLoadCatalogKeepsPartialResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimRight(r.URL.Path, "/"), "/")
		id := parts[len(parts)-1]
		if id == "broken" {
			http.Error(w, `{"error":{"code":500,"message":"backend"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"productId":%q,"listings":[{"title":"Premium"}]}`, id)
	}))
	defer srv.Close()

	svc, err := androidpublisher.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	store := NewPlayStore(PlayStoreConfig{PackageName: "app.kinboard.family"}, newMemJournal(), testLogger{t})
	store.svc = svc

	plans := store.LoadCatalog(context.Background(), []string{"monthly", "broken", "yearly"})
	if len(plans) != 2 {
		t.Fatalf("expected the reachable products to survive, got %+v", plans)
	}
	if plans[0].StoreProductID != "monthly" || plans[1].StoreProductID != "yearly" {
		t.Fatalf("unexpected catalog: %+v", plans)
	}
}

func TestParseBillingPeriod(t *testing.T) {
	if p, err := parseBillingPeriod("P1M"); err != nil || p != models.PlanPeriodMonthly {
		t.Fatalf("P1M: %v %v", p, err)
	}
	if p, err := parseBillingPeriod("p1y"); err != nil || p != models.PlanPeriodYearly {
		t.Fatalf("p1y: %v %v", p, err)
	}
	if _, err := parseBillingPeriod("P1W"); err == nil {
		t.Fatal("expected error for unsupported period")
	}
}
