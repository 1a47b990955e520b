package premium

import (
	"context"
	"sync"
	"time"

	"kinboardBack/internal/models"
	"kinboardBack/internal/premium/broadcast"
	"kinboardBack/internal/premium/engine"
	"kinboardBack/internal/premium/gateway"
	"kinboardBack/internal/premium/push"
	"kinboardBack/internal/premium/state"
	"kinboardBack/internal/premium/trial"
	"kinboardBack/internal/premium/validator"
	"kinboardBack/internal/premium/ws"
	"kinboardBack/internal/repositories"
	"kinboardBack/utils"
)

// Module owns one reconciliation engine per user plus the shared plumbing:
// the store gateway, the validator client, the push fan-out and the journal.
type Module struct {
	deps Deps

	repo    *repositories.EntitlementRepository
	tokens  *repositories.NotifyTokenRepository
	store   *gateway.PlayStore
	valid   *validator.Client
	trials  *trial.Tracker
	hub     *ws.Hub
	notify  *push.Notifier
	archive engine.Archiver
	tickets *utils.TicketManager

	mu      sync.Mutex
	engines map[int]*engine.Engine
}

func NewModule(deps Deps) (*Module, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	repo := repositories.NewEntitlementRepository(deps.DB, deps.RDB)
	tokens := repositories.NewNotifyTokenRepository(deps.DB)

	store := gateway.NewPlayStore(gateway.PlayStoreConfig{
		PackageName:        deps.Config.PackageName,
		ServiceAccountJSON: deps.Config.ServiceAccountJSON,
	}, repo, deps.Logger)

	valid, err := validator.NewClient(deps.Config.ValidatorURL, deps.Config.ValidatorTimeout, deps.HTTPClient)
	if err != nil {
		return nil, err
	}

	tickets, err := utils.NewTicketManager(deps.Config.TicketSecret)
	if err != nil {
		return nil, err
	}

	m := &Module{
		deps:    deps,
		repo:    repo,
		tokens:  tokens,
		store:   store,
		valid:   valid,
		trials:  trial.NewTracker(repo, deps.Config.TrialDays),
		tickets: tickets,
		engines: make(map[int]*engine.Engine),
	}
	m.hub = ws.NewHub(tickets, deps.Logger)
	m.notify = push.NewNotifier(deps.FCM, tokens, deps.Logger)
	if archive := utils.NewReceiptArchive(); archive != nil {
		m.archive = archive
	}
	return m, nil
}

// EngineFor returns the user's engine, creating and initializing it on first
// use. An initialization failure is returned but the engine stays registered
// so the next request retries it.
func (m *Module) EngineFor(ctx context.Context, userID int) (*engine.Engine, error) {
	m.mu.Lock()
	eng, ok := m.engines[userID]
	m.mu.Unlock()

	if !ok {
		broadcaster := broadcast.New(m.deps.Logger)
		broadcaster.Subscribe(func(st models.EntitlementState) {
			m.hub.Push(userID, state.Entitled(st, time.Now()), st)
		})
		broadcaster.Subscribe(func(st models.EntitlementState) {
			go m.notify.EntitlementChanged(context.Background(), userID, st)
		})

		var err error
		eng, err = engine.New(engine.Config{
			UserID:      userID,
			Store:       m.store,
			Validator:   m.valid,
			Persistence: m.repo,
			Trials:      m.trials,
			Broadcaster: broadcaster,
			Archiver:    m.archive,
			Plans:       m.deps.Config.Plans,
			Logger:      m.deps.Logger,
		})
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if existing, raced := m.engines[userID]; raced {
			eng = existing
		} else {
			m.engines[userID] = eng
		}
		m.mu.Unlock()
	}

	if err := eng.Initialize(ctx); err != nil {
		return eng, err
	}
	return eng, nil
}

// Store exposes the gateway for the device relay endpoint.
func (m *Module) Store() *gateway.PlayStore { return m.store }

// Hub exposes the entitlement websocket hub.
func (m *Module) Hub() *ws.Hub { return m.hub }

// Tickets exposes the ws ticket issuer.
func (m *Module) Tickets() *utils.TicketManager { return m.tickets }

// Tokens exposes the FCM token registry.
func (m *Module) Tokens() *repositories.NotifyTokenRepository { return m.tokens }

// Entitlements exposes the persistence layer for maintenance workers.
func (m *Module) Entitlements() *repositories.EntitlementRepository { return m.repo }

// StartWorkers launches the event dispatch loop. Events carry the user they
// belong to; each is routed to that user's engine.
func (m *Module) StartWorkers(ctx context.Context) {
	go m.dispatchEvents(ctx)
}

func (m *Module) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.store.Events():
			if !ok {
				return
			}
			eng, err := m.EngineFor(ctx, ev.UserID)
			if err != nil {
				m.deps.Logger.Errorf("premium dispatch: engine for user %d: %v", ev.UserID, err)
				continue
			}
			eng.HandleEvent(ctx, ev)
		}
	}
}
