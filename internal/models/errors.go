package models

import (
	"errors"
)

var ErrNoRecord = errors.New("models: no matching record found")

// Purchase reconciliation error taxonomy. Transport-class errors are
// retryable by the next natural trigger; rejection-class errors are terminal
// for the record that produced them.
var (
	ErrValidatorUnreachable = errors.New("premium: receipt validator unreachable")
	ErrReceiptRejected      = errors.New("premium: receipt rejected by validator")
	ErrStoreUnavailable     = errors.New("premium: purchase store unavailable")
	ErrPlanUnavailable      = errors.New("premium: plan not present in catalog")
	ErrOperationInFlight    = errors.New("premium: another purchase or restore is in flight")
	ErrEngineNotReady       = errors.New("premium: engine is not initialized")
)
