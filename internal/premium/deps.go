package premium

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/redis/go-redis/v9"

	"kinboardBack/internal/models"
)

// Logger provides minimal logging required by the premium module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ModuleConfig carries the static settings of the premium module.
type ModuleConfig struct {
	PackageName        string
	ServiceAccountJSON string
	ValidatorURL       string
	ValidatorTimeout   time.Duration
	TrialDays          int
	TicketSecret       string
	Plans              []models.Plan
}

// Deps groups external dependencies needed by the premium module.
type Deps struct {
	DB         *sql.DB
	RDB        *redis.Client
	Logger     Logger
	Config     ModuleConfig
	HTTPClient *http.Client
	FCM        *messaging.Client
}

// Validate ensures required dependencies are provided.
func (d *Deps) Validate() error {
	if d.DB == nil {
		return errors.New("premium deps: DB is required")
	}
	if d.Logger == nil {
		return errors.New("premium deps: Logger is required")
	}
	if d.Config.ValidatorURL == "" {
		return errors.New("premium deps: validator URL is required")
	}
	if d.Config.TicketSecret == "" {
		return errors.New("premium deps: ticket secret is required")
	}
	if len(d.Config.Plans) == 0 {
		return errors.New("premium deps: at least one plan must be configured")
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
