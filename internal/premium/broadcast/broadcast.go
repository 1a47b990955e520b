package broadcast

import (
	"sort"
	"sync"

	"kinboardBack/internal/models"
)

// Listener receives entitlement snapshots. Implementations must not block;
// anything slow should hand off to its own goroutine.
type Listener func(st models.EntitlementState)

// Logger is the minimal logging surface the broadcaster needs.
type Logger interface {
	Errorf(format string, args ...interface{})
}

// Broadcaster fans entitlement updates out to subscribers in subscription
// order. A panicking listener is isolated so it cannot take down the
// reconciliation loop or starve later subscribers.
type Broadcaster struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
	logger    Logger
}

func New(logger Logger) *Broadcaster {
	return &Broadcaster{
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Subscribe registers a listener and returns its unsubscribe func. The func
// is idempotent.
func (b *Broadcaster) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Notify delivers the snapshot to every listener, oldest subscription first.
func (b *Broadcaster) Notify(st models.EntitlementState) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Listener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.Unlock()

	for _, l := range snapshot {
		b.deliver(l, st)
	}
}

func (b *Broadcaster) deliver(l Listener, st models.EntitlementState) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Errorf("entitlement listener panicked: %v", r)
		}
	}()
	l(st)
}

// Len reports the current subscriber count.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
