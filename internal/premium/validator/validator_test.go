package validator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kinboardBack/internal/models"
)

func TestValidateAcceptsValidReceipt(t *testing.T) {
	txMillis := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/verify" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Receipt string `json:"receipt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Receipt != "token-abc" {
			t.Errorf("receipt payload not forwarded: %q", req.Receipt)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"valid":                   true,
			"product_id":              "kinboard.premium.monthly",
			"transaction_id":          "txn-1",
			"original_transaction_id": "orig-1",
			"transaction_time_millis": txMillis,
			"environment":             "production",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, 2*time.Second, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got, err := client.Validate(context.Background(), "token-abc")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.OriginalTransactionID != "orig-1" || got.ProductID != "kinboard.premium.monthly" {
		t.Fatalf("unexpected verdict: %+v", got)
	}
	if got.TransactionTime.UnixMilli() != txMillis {
		t.Fatalf("transaction time not preserved: %v", got.TransactionTime)
	}
}

func TestValidateRejectsInvalidReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"valid": false})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, 2*time.Second, srv.Client())
	_, err := client.Validate(context.Background(), "tampered")
	if !errors.Is(err, models.ErrReceiptRejected) {
		t.Fatalf("expected ErrReceiptRejected, got %v", err)
	}
}

func TestValidateTreatsClientErrorAsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed receipt", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, 2*time.Second, srv.Client())
	_, err := client.Validate(context.Background(), "garbage")
	if !errors.Is(err, models.ErrReceiptRejected) {
		t.Fatalf("expected ErrReceiptRejected, got %v", err)
	}
}

func TestValidateTreatsServerErrorAsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, 2*time.Second, srv.Client())
	_, err := client.Validate(context.Background(), "token-abc")
	if !errors.Is(err, models.ErrValidatorUnreachable) {
		t.Fatalf("expected ErrValidatorUnreachable, got %v", err)
	}
}

func TestValidateTreatsThrottlingAsUnreachable(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", code)
		}))

		client, _ := NewClient(srv.URL, 2*time.Second, srv.Client())
		_, err := client.Validate(context.Background(), "token-abc")
		srv.Close()
		if !errors.Is(err, models.ErrValidatorUnreachable) {
			t.Fatalf("status %d: expected ErrValidatorUnreachable, got %v", code, err)
		}
	}
}

func TestNewClientLeavesSharedClientUntouched(t *testing.T) {
	shared := &http.Client{}
	if _, err := NewClient("http://validator.local", 3*time.Second, shared); err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if shared.Timeout != 0 {
		t.Fatalf("shared client timeout was mutated: %v", shared.Timeout)
	}
}

func TestValidateTransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client, _ := NewClient(srv.URL, time.Second, nil)
	_, err := client.Validate(context.Background(), "token-abc")
	if !errors.Is(err, models.ErrValidatorUnreachable) {
		t.Fatalf("expected ErrValidatorUnreachable, got %v", err)
	}
}

func TestValidateEmptyPayloadRejected(t *testing.T) {
	client, _ := NewClient("http://validator.local", time.Second, nil)
	_, err := client.Validate(context.Background(), "   ")
	if !errors.Is(err, models.ErrReceiptRejected) {
		t.Fatalf("expected ErrReceiptRejected, got %v", err)
	}
}
