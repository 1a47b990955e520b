package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kinboardBack/internal/models"
)

var ErrTrialAlreadyUsed = errors.New("trial: already used")

// Repository persists trial windows. A window is written once per user and
// never extended or deleted.
type Repository interface {
	ReadTrialWindow(ctx context.Context, userID int) (*models.TrialWindow, error)
	StartTrial(ctx context.Context, window models.TrialWindow) error
}

// Tracker answers whether a user's trial window is active and hands out at
// most one window per user lifetime.
type Tracker struct {
	repo Repository
	days int
}

func NewTracker(repo Repository, days int) *Tracker {
	if days <= 0 {
		days = 14
	}
	return &Tracker{repo: repo, days: days}
}

// LoadWindow returns the user's window, or nil if no trial has ever been
// started. An expired window is still returned so callers can tell "never
// started" from "used up".
func (t *Tracker) LoadWindow(ctx context.Context, userID int) (*models.TrialWindow, error) {
	win, err := t.repo.ReadTrialWindow(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trial window: %w", err)
	}
	return win, nil
}

// Start opens the user's one trial window. Returns ErrTrialAlreadyUsed when a
// window exists, active or not.
func (t *Tracker) Start(ctx context.Context, userID int, now time.Time) (models.TrialWindow, error) {
	existing, err := t.LoadWindow(ctx, userID)
	if err != nil {
		return models.TrialWindow{}, err
	}
	if existing != nil {
		return models.TrialWindow{}, ErrTrialAlreadyUsed
	}

	win := models.TrialWindow{
		UserID:   userID,
		StartsAt: now,
		EndsAt:   now.AddDate(0, 0, t.days),
	}
	if err := t.repo.StartTrial(ctx, win); err != nil {
		return models.TrialWindow{}, fmt.Errorf("start trial: %w", err)
	}
	return win, nil
}
