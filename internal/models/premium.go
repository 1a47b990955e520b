package models

import (
	"fmt"
	"strings"
	"time"
)

type PlanPeriod string

const (
	PlanPeriodMonthly PlanPeriod = "monthly"
	PlanPeriodYearly  PlanPeriod = "yearly"
)

func ParsePlanPeriod(raw string) (PlanPeriod, error) {
	switch PlanPeriod(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanPeriodMonthly:
		return PlanPeriodMonthly, nil
	case PlanPeriodYearly:
		return PlanPeriodYearly, nil
	default:
		return "", fmt.Errorf("unsupported plan period: %s", raw)
	}
}

// AddTo returns the expiration for a purchase made at t. Calendar months and
// years, not fixed durations, so a monthly plan bought on Jan 31 behaves the
// way the stores bill it.
func (p PlanPeriod) AddTo(t time.Time) time.Time {
	switch p {
	case PlanPeriodYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Plan is a static catalog entry. Loaded once at startup from config and
// optionally enriched from the store catalog; never persisted by the engine.
type Plan struct {
	ID             string     `json:"id"`
	StoreProductID string     `json:"store_product_id"`
	DisplayName    string     `json:"display_name"`
	Price          string     `json:"price,omitempty"`
	Period         PlanPeriod `json:"period"`
	Features       []string   `json:"features,omitempty"`
}

// PurchaseRecord is a single observation relayed from the device's native
// store. It lives only for the duration of one reconciliation pass and is
// then acknowledged or left for redelivery.
type PurchaseRecord struct {
	UserID                int       `json:"user_id,omitempty"`
	ProductID             string    `json:"product_id"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	TransactionTime       time.Time `json:"transaction_time"`
	ReceiptPayload        string    `json:"receipt_payload"`
}

// ValidatedPurchase carries the verification endpoint's verdict plus the
// normalized fields the raw payload is not trusted for.
type ValidatedPurchase struct {
	ProductID             string    `json:"product_id"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	TransactionTime       time.Time `json:"transaction_time"`
	Environment           string    `json:"environment,omitempty"`
}

// EntitlementState is the reconciled snapshot of whether the user is entitled
// to premium functionality. Mutated only through the reconciliation engine.
type EntitlementState struct {
	IsActive              bool       `json:"is_active"`
	Plan                  *Plan      `json:"plan,omitempty"`
	ExpirationTime        *time.Time `json:"expiration_time,omitempty"`
	IsTrialActive         bool       `json:"is_trial_active"`
	TrialEndTime          *time.Time `json:"trial_end_time,omitempty"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at,omitempty"`
}

// TrialWindow is a time-boxed entitlement grant independent of any purchase.
type TrialWindow struct {
	UserID   int       `json:"user_id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type GatewayErrorCode string

const (
	GatewayErrUserCancelled    GatewayErrorCode = "user_cancelled"
	GatewayErrNetwork          GatewayErrorCode = "network"
	GatewayErrStoreUnavailable GatewayErrorCode = "store_unavailable"
	GatewayErrUnknown          GatewayErrorCode = "unknown"

	// Raised by the engine when the validator rejects a receipt; never
	// relayed by the device.
	GatewayErrReceiptRejected GatewayErrorCode = "receipt_rejected"
)

func ParseGatewayErrorCode(raw string) GatewayErrorCode {
	switch GatewayErrorCode(strings.ToLower(strings.TrimSpace(raw))) {
	case GatewayErrUserCancelled:
		return GatewayErrUserCancelled
	case GatewayErrNetwork:
		return GatewayErrNetwork
	case GatewayErrStoreUnavailable:
		return GatewayErrStoreUnavailable
	default:
		return GatewayErrUnknown
	}
}

// PurchaseFailure is the user-facing shape of a gateway error surfaced by the
// engine. Cancellations are never turned into one of these.
type PurchaseFailure struct {
	Code      GatewayErrorCode `json:"code"`
	Retryable bool             `json:"retryable"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}
