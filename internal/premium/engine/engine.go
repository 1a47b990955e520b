package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kinboardBack/internal/models"
	"kinboardBack/internal/premium/broadcast"
	"kinboardBack/internal/premium/gateway"
	"kinboardBack/internal/premium/state"
	"kinboardBack/internal/premium/trial"
)

// Phase is the engine lifecycle. Purchase operations are accepted only in
// PhaseReady; everything before that answers conservatively.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
)

// Flight is the in-flight sub-state while the engine is ready. At most one
// user-triggered operation runs at a time.
type Flight string

const (
	FlightIdle     Flight = "idle"
	FlightPurchase Flight = "purchase"
	FlightRestore  Flight = "restore"
)

// Validator verifies an opaque receipt payload against the trusted endpoint.
type Validator interface {
	Validate(ctx context.Context, receiptPayload string) (models.ValidatedPurchase, error)
}

// Persistence stores the reconciled snapshot. Writes are best-effort: a
// failed write never rolls back an in-memory entitlement.
type Persistence interface {
	ReadEntitlement(ctx context.Context, userID int) (*models.EntitlementState, error)
	WriteEntitlement(ctx context.Context, userID int, st models.EntitlementState) error
}

// Archiver keeps raw receipts for audit. Optional and best-effort.
type Archiver interface {
	ArchiveReceipt(ctx context.Context, userID int, transactionID, payload string) error
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Status is the engine snapshot handed to the API layer.
type Status struct {
	Phase       Phase                   `json:"phase"`
	Flight      Flight                  `json:"flight"`
	Entitled    bool                    `json:"entitled"`
	Entitlement models.EntitlementState `json:"entitlement"`
	Plans       []models.Plan           `json:"plans"`
	LastFailure *models.PurchaseFailure `json:"last_failure,omitempty"`
}

// Config wires one user's engine.
type Config struct {
	UserID      int
	Store       gateway.Store
	Validator   Validator
	Persistence Persistence
	Trials      *trial.Tracker
	Broadcaster *broadcast.Broadcaster
	Archiver    Archiver
	Plans       []models.Plan
	Logger      Logger
	Now         func() time.Time
}

// Engine reconciles one user's purchases into an entitlement snapshot. All
// transitions run under mu; reconciliations are additionally serialized by
// reconcileMu so records apply one at a time even when triggers overlap.
type Engine struct {
	cfg   Config
	state *state.Store

	mu          sync.Mutex
	phase       Phase
	flight      Flight
	lastFailure *models.PurchaseFailure
	catalog     []models.Plan

	reconcileMu sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Validator == nil || cfg.Persistence == nil {
		return nil, fmt.Errorf("engine: store, validator and persistence are required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("engine: broadcaster is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("engine: logger is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:    cfg,
		state:  state.NewStore(),
		phase:  PhaseUninitialized,
		flight: FlightIdle,
	}, nil
}

// Initialize brings the engine to ready: open the store, load the catalog,
// rebuild the snapshot from persistence and the trial window, then reconcile
// every un-acknowledged purchase the store still attributes to the account.
// Safe to call again after a failure; a second call while ready is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	switch e.phase {
	case PhaseReady:
		e.mu.Unlock()
		return nil
	case PhaseInitializing:
		// Another caller is already bringing the engine up; nothing to do.
		e.mu.Unlock()
		return nil
	}
	e.phase = PhaseInitializing
	e.mu.Unlock()

	if err := e.initialize(ctx); err != nil {
		e.mu.Lock()
		e.phase = PhaseUninitialized
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.phase = PhaseReady
	e.flight = FlightIdle
	e.mu.Unlock()

	e.cfg.Broadcaster.Notify(e.state.Snapshot())
	return nil
}

func (e *Engine) initialize(ctx context.Context) error {
	if err := e.cfg.Store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	// Catalog is best-effort. Config plans always work for period math, so a
	// store catalog outage must not block reconciliation of owned purchases.
	ids := make([]string, 0, len(e.cfg.Plans))
	for _, p := range e.cfg.Plans {
		ids = append(ids, p.StoreProductID)
	}
	catalog := e.cfg.Store.LoadCatalog(ctx, ids)
	e.mu.Lock()
	e.catalog = catalog
	e.mu.Unlock()

	// Rebuild from persistence. A read failure falls back to the zero value,
	// never to a guessed entitlement.
	if persisted, err := e.cfg.Persistence.ReadEntitlement(ctx, e.cfg.UserID); err != nil {
		if !errors.Is(err, models.ErrNoRecord) {
			e.cfg.Logger.Errorf("premium engine user %d: read entitlement: %v", e.cfg.UserID, err)
		}
	} else if persisted != nil {
		e.state.Replace(*persisted)
	}

	if e.cfg.Trials != nil {
		win, err := e.cfg.Trials.LoadWindow(ctx, e.cfg.UserID)
		if err != nil {
			e.cfg.Logger.Errorf("premium engine user %d: load trial window: %v", e.cfg.UserID, err)
		} else if win != nil {
			e.state.ApplyTrial(win.EndsAt, e.cfg.Now())
		}
	}

	owned, err := e.cfg.Store.ListOwnedPurchases(ctx, e.cfg.UserID)
	if err != nil {
		return fmt.Errorf("list owned purchases: %w", err)
	}
	for _, record := range owned {
		// Sequential on purpose: apply is idempotent but ordering keeps the
		// snapshot deterministic, and a transport failure simply leaves the
		// rest for the next initialize.
		if _, err := e.reconcileOne(ctx, record); err != nil {
			e.cfg.Logger.Errorf("premium engine user %d: startup reconcile %s: %v", e.cfg.UserID, record.TransactionID, err)
		}
	}
	return nil
}

// StartSubscription kicks off a purchase for the given plan. Fire-and-forget:
// the outcome arrives on the store's event stream. Fails fast when the plan
// is unknown or another operation is in flight.
func (e *Engine) StartSubscription(ctx context.Context, planID string) error {
	plan, ok := e.lookupPlan(planID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrPlanUnavailable, planID)
	}

	e.mu.Lock()
	if e.phase != PhaseReady {
		e.mu.Unlock()
		return models.ErrEngineNotReady
	}
	if e.flight != FlightIdle {
		e.mu.Unlock()
		return models.ErrOperationInFlight
	}
	e.flight = FlightPurchase
	e.lastFailure = nil
	e.mu.Unlock()

	if err := e.cfg.Store.BeginPurchase(ctx, e.cfg.UserID, plan.StoreProductID); err != nil {
		e.mu.Lock()
		e.flight = FlightIdle
		e.mu.Unlock()
		return fmt.Errorf("begin purchase: %w", err)
	}
	e.cfg.Logger.Infof("premium engine user %d: purchase started for plan %s", e.cfg.UserID, plan.ID)
	return nil
}

// Restore re-reconciles every purchase the store still attributes to the
// account. Returns whether any record actually yielded entitlement; rejected
// or unvalidated records do not count.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.phase != PhaseReady {
		e.mu.Unlock()
		return false, models.ErrEngineNotReady
	}
	if e.flight != FlightIdle {
		e.mu.Unlock()
		return false, models.ErrOperationInFlight
	}
	e.flight = FlightRestore
	e.lastFailure = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.flight = FlightIdle
		e.mu.Unlock()
	}()

	owned, err := e.cfg.Store.ListOwnedPurchases(ctx, e.cfg.UserID)
	if err != nil {
		return false, fmt.Errorf("list owned purchases: %w", err)
	}

	restored := false
	for _, record := range owned {
		applied, err := e.reconcileOne(ctx, record)
		if err != nil {
			e.cfg.Logger.Errorf("premium engine user %d: restore reconcile %s: %v", e.cfg.UserID, record.TransactionID, err)
			continue
		}
		if applied {
			restored = true
		}
	}
	return restored, nil
}

// StartTrial opens the one-per-lifetime trial window and folds it into the
// snapshot immediately.
func (e *Engine) StartTrial(ctx context.Context) (models.TrialWindow, error) {
	e.mu.Lock()
	if e.phase != PhaseReady {
		e.mu.Unlock()
		return models.TrialWindow{}, models.ErrEngineNotReady
	}
	e.mu.Unlock()

	if e.cfg.Trials == nil {
		return models.TrialWindow{}, fmt.Errorf("trials are not configured")
	}

	win, err := e.cfg.Trials.Start(ctx, e.cfg.UserID, e.cfg.Now())
	if err != nil {
		return models.TrialWindow{}, err
	}

	st := e.state.ApplyTrial(win.EndsAt, e.cfg.Now())
	e.persist(ctx, st)
	e.cfg.Broadcaster.Notify(st)
	return win, nil
}

// HandleEvent processes one item from the store's event stream: a relayed
// purchase record or a failure for an operation that never produced one.
// Either way a purchase flight ends here; only Restore's own defer ends a
// restore flight, so events arriving mid-restore cannot release its lock on
// the engine.
func (e *Engine) HandleEvent(ctx context.Context, ev gateway.Event) {
	if ev.Record != nil {
		if _, err := e.reconcileOne(ctx, *ev.Record); err != nil {
			e.cfg.Logger.Errorf("premium engine user %d: reconcile %s: %v", e.cfg.UserID, ev.Record.TransactionID, err)
		}
		e.finishPurchaseFlight()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flight == FlightPurchase {
		e.flight = FlightIdle
	}

	switch ev.Code {
	case models.GatewayErrUserCancelled:
		// Cancellation is a normal outcome, not a failure to surface.
		e.lastFailure = nil
	case models.GatewayErrNetwork, models.GatewayErrStoreUnavailable:
		e.lastFailure = &models.PurchaseFailure{Code: ev.Code, Retryable: true, Message: ev.Message, At: e.cfg.Now()}
	default:
		e.lastFailure = &models.PurchaseFailure{Code: models.GatewayErrUnknown, Retryable: false, Message: ev.Message, At: e.cfg.Now()}
	}
}

// reconcileOne runs the full pipeline for one record: validate, apply,
// persist, archive, acknowledge, broadcast. Acknowledgment comes last so any
// earlier failure leaves the record owned by the store for redelivery. A
// rejected receipt is terminal: never acknowledged, never retried, never
// applied. Reports whether the record yielded entitlement; the flight
// sub-state belongs to the caller that set it, never to this pipeline.
func (e *Engine) reconcileOne(ctx context.Context, record models.PurchaseRecord) (bool, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	validated, err := e.cfg.Validator.Validate(ctx, record.ReceiptPayload)
	if err != nil {
		if errors.Is(err, models.ErrReceiptRejected) {
			e.cfg.Logger.Errorf("premium engine user %d: receipt rejected for %s: %v", e.cfg.UserID, record.TransactionID, err)
			e.mu.Lock()
			e.lastFailure = &models.PurchaseFailure{
				Code:      models.GatewayErrReceiptRejected,
				Retryable: false,
				Message:   "receipt rejected by validator",
				At:        e.cfg.Now(),
			}
			e.mu.Unlock()
			return false, nil
		}
		return false, err
	}

	plan, ok := e.lookupPlanByProduct(validated.ProductID)
	if !ok {
		return false, fmt.Errorf("%w: product %s", models.ErrPlanUnavailable, validated.ProductID)
	}

	st, changed := e.state.Apply(validated, plan, e.cfg.Now())
	e.persist(ctx, st)

	if e.cfg.Archiver != nil && record.ReceiptPayload != "" {
		if err := e.cfg.Archiver.ArchiveReceipt(ctx, e.cfg.UserID, validated.TransactionID, record.ReceiptPayload); err != nil {
			e.cfg.Logger.Errorf("premium engine user %d: archive receipt %s: %v", e.cfg.UserID, validated.TransactionID, err)
		}
	}

	if err := e.cfg.Store.Acknowledge(ctx, record); err != nil {
		// The entitlement is already applied and applying again is idempotent,
		// so an acknowledge failure only means one more redelivery.
		e.cfg.Logger.Errorf("premium engine user %d: acknowledge %s: %v", e.cfg.UserID, record.TransactionID, err)
	}

	e.mu.Lock()
	e.lastFailure = nil
	e.mu.Unlock()
	// Redelivered records from the same lineage leave the snapshot unchanged;
	// subscribers only hear about committed transitions.
	if changed {
		e.cfg.Broadcaster.Notify(st)
	}
	return true, nil
}

// finishPurchaseFlight returns the engine to idle once the record or failure
// event closing a purchase flow has been processed, whatever the outcome.
func (e *Engine) finishPurchaseFlight() {
	e.mu.Lock()
	if e.flight == FlightPurchase {
		e.flight = FlightIdle
	}
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context, st models.EntitlementState) {
	if err := e.cfg.Persistence.WriteEntitlement(ctx, e.cfg.UserID, st); err != nil {
		e.cfg.Logger.Errorf("premium engine user %d: write entitlement: %v", e.cfg.UserID, err)
	}
}

// lookupPlan resolves a catalog plan by its plan id.
func (e *Engine) lookupPlan(planID string) (models.Plan, bool) {
	for _, p := range e.plans() {
		if p.ID == planID {
			return p, true
		}
	}
	return models.Plan{}, false
}

// lookupPlanByProduct resolves by store product id, the key validated
// purchases carry. Config plans win over the store catalog because their
// periods drive expiration math.
func (e *Engine) lookupPlanByProduct(productID string) (models.Plan, bool) {
	for _, p := range e.cfg.Plans {
		if p.StoreProductID == productID {
			return p, true
		}
	}
	e.mu.Lock()
	catalog := e.catalog
	e.mu.Unlock()
	for _, p := range catalog {
		if p.StoreProductID == productID {
			return p, true
		}
	}
	return models.Plan{}, false
}

// plans returns the user-facing catalog: store-loaded entries when the
// catalog call succeeded, config entries otherwise.
func (e *Engine) plans() []models.Plan {
	e.mu.Lock()
	catalog := e.catalog
	e.mu.Unlock()
	if len(catalog) > 0 {
		merged := make([]models.Plan, 0, len(catalog))
		for _, c := range catalog {
			// Keep the config plan's id and period; enrich with store listing.
			if cfgPlan, ok := e.configPlanByProduct(c.StoreProductID); ok {
				if c.DisplayName != "" {
					cfgPlan.DisplayName = c.DisplayName
				}
				merged = append(merged, cfgPlan)
				continue
			}
			merged = append(merged, c)
		}
		return merged
	}
	return e.cfg.Plans
}

func (e *Engine) configPlanByProduct(productID string) (models.Plan, bool) {
	for _, p := range e.cfg.Plans {
		if p.StoreProductID == productID {
			return p, true
		}
	}
	return models.Plan{}, false
}

// CurrentlyEntitled is the sanctioned entitlement predicate: trial and paid
// windows OR-combined against the current clock.
func (e *Engine) CurrentlyEntitled() bool {
	return e.state.CurrentlyEntitled(e.cfg.Now())
}

// Status reports the full engine snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	phase := e.phase
	flight := e.flight
	var failure *models.PurchaseFailure
	if e.lastFailure != nil {
		f := *e.lastFailure
		failure = &f
	}
	e.mu.Unlock()

	return Status{
		Phase:       phase,
		Flight:      flight,
		Entitled:    e.CurrentlyEntitled(),
		Entitlement: e.state.Snapshot(),
		Plans:       e.plans(),
		LastFailure: failure,
	}
}

// Subscribe registers for entitlement updates; returns the unsubscribe func.
func (e *Engine) Subscribe(l broadcast.Listener) func() {
	return e.cfg.Broadcaster.Subscribe(l)
}

// CancelGuidance explains where a subscription is actually cancelled. The
// engine never cancels anything itself; billing is owned by the store.
func (e *Engine) CancelGuidance() string {
	return "Subscriptions are managed by Google Play. Open Play Store > Payments & subscriptions > Subscriptions to cancel; premium stays active until the end of the paid period."
}
