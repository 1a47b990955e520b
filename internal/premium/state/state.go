package state

import (
	"sync"
	"time"

	"kinboardBack/internal/models"
)

// Apply merges a validated purchase into the current entitlement snapshot.
// Pure: the expiration is derived from the validated transaction time and the
// plan period, never from the wall clock, so re-applying the same purchase is
// idempotent and cannot double-extend the expiration.
func Apply(cur models.EntitlementState, validated models.ValidatedPurchase, plan models.Plan) models.EntitlementState {
	next := cur
	exp := plan.Period.AddTo(validated.TransactionTime)
	p := plan
	next.IsActive = true
	next.Plan = &p
	next.ExpirationTime = &exp
	next.OriginalTransactionID = validated.OriginalTransactionID
	return next
}

// ApplyTrial sets the trial fields without touching the paid-plan fields, so
// a trial and a paid plan can be active at the same time.
func ApplyTrial(cur models.EntitlementState, trialEnd time.Time) models.EntitlementState {
	next := cur
	end := trialEnd
	next.IsTrialActive = true
	next.TrialEndTime = &end
	return next
}

// Store holds the reconciled entitlement snapshot for one user. Transitions
// are applied only by the reconciliation engine; reads may come from any
// goroutine serving the UI.
type Store struct {
	mu sync.RWMutex
	st models.EntitlementState
}

func NewStore() *Store {
	return &Store{}
}

// Replace installs a snapshot rebuilt from backend persistence at startup.
func (s *Store) Replace(st models.EntitlementState) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// Apply merges the validated purchase and reports whether the snapshot
// actually changed. Redelivered records from the same purchase lineage leave
// the snapshot untouched, so callers can skip the broadcast.
func (s *Store) Apply(validated models.ValidatedPurchase, plan models.Plan, at time.Time) (models.EntitlementState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Apply(s.st, validated, plan)
	changed := !equivalent(s.st, next)
	s.st = next
	if changed {
		s.st.UpdatedAt = at
	}
	return s.st, changed
}

// equivalent ignores the bookkeeping timestamp: two snapshots are the same
// when they grant the same windows under the same lineage.
func equivalent(a, b models.EntitlementState) bool {
	if a.IsActive != b.IsActive || a.IsTrialActive != b.IsTrialActive {
		return false
	}
	if a.OriginalTransactionID != b.OriginalTransactionID {
		return false
	}
	if !sameTime(a.ExpirationTime, b.ExpirationTime) || !sameTime(a.TrialEndTime, b.TrialEndTime) {
		return false
	}
	if (a.Plan == nil) != (b.Plan == nil) {
		return false
	}
	if a.Plan != nil && a.Plan.ID != b.Plan.ID {
		return false
	}
	return true
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Store) ApplyTrial(trialEnd, at time.Time) models.EntitlementState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = ApplyTrial(s.st, trialEnd)
	s.st.UpdatedAt = at
	return s.st
}

// Entitled is the only sanctioned entitlement predicate. Paid and trial
// windows are OR-combined; no caller recomputes this from raw fields.
func Entitled(st models.EntitlementState, now time.Time) bool {
	if st.IsActive && st.ExpirationTime != nil && st.ExpirationTime.After(now) {
		return true
	}
	if st.IsTrialActive && st.TrialEndTime != nil && st.TrialEndTime.After(now) {
		return true
	}
	return false
}

func (s *Store) CurrentlyEntitled(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Entitled(s.st, now)
}

// Snapshot returns a read-only copy for diagnostics and persistence.
func (s *Store) Snapshot() models.EntitlementState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.st
	if s.st.Plan != nil {
		p := *s.st.Plan
		st.Plan = &p
	}
	if s.st.ExpirationTime != nil {
		t := *s.st.ExpirationTime
		st.ExpirationTime = &t
	}
	if s.st.TrialEndTime != nil {
		t := *s.st.TrialEndTime
		st.TrialEndTime = &t
	}
	return st
}
