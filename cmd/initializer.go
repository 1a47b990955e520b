package main

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/redis/go-redis/v9"

	"kinboardBack/internal/config"
	"kinboardBack/internal/handlers"
	"kinboardBack/internal/models"
	"kinboardBack/internal/premium"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	db       *sql.DB

	jwtSecret string

	premiumModule  *premium.Module
	premiumHandler *handlers.PremiumHandler
}

// moduleLogger adapts the two stdlib loggers to the premium module's Logger.
type moduleLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l moduleLogger) Infof(format string, args ...interface{})  { l.info.Printf(format, args...) }
func (l moduleLogger) Errorf(format string, args ...interface{}) { l.err.Printf(format, args...) }

func initializeApp(db *sql.DB, rdb *redis.Client, fcm *messaging.Client, cfg config.Config, errorLog, infoLog *log.Logger) (*application, error) {
	plans, err := plansFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var serviceAccountJSON string
	if cfg.Premium.ServiceAccountJSONPath != "" {
		data, err := os.ReadFile(cfg.Premium.ServiceAccountJSONPath)
		if err != nil {
			// The store gateway reports unavailable until credentials appear;
			// the rest of the module still serves conservative answers.
			errorLog.Printf("read play service account: %v", err)
		} else {
			serviceAccountJSON = string(data)
		}
	}

	premiumModule, err := premium.NewModule(premium.Deps{
		DB:     db,
		RDB:    rdb,
		Logger: moduleLogger{info: infoLog, err: errorLog},
		FCM:    fcm,
		Config: premium.ModuleConfig{
			PackageName:        cfg.Premium.PackageName,
			ServiceAccountJSON: serviceAccountJSON,
			ValidatorURL:       cfg.Premium.ValidatorURL,
			ValidatorTimeout:   time.Duration(cfg.Premium.ValidatorTimeoutSeconds) * time.Second,
			TrialDays:          cfg.Premium.TrialDays,
			TicketSecret:       cfg.JWT.Secret,
			Plans:              plans,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize premium module: %w", err)
	}

	return &application{
		errorLog:       errorLog,
		infoLog:        infoLog,
		db:             db,
		jwtSecret:      cfg.JWT.Secret,
		premiumModule:  premiumModule,
		premiumHandler: handlers.NewPremiumHandler(premiumModule),
	}, nil
}

func plansFromConfig(cfg config.Config) ([]models.Plan, error) {
	plans := make([]models.Plan, 0, len(cfg.Premium.Plans))
	for _, pc := range cfg.Premium.Plans {
		period, err := models.ParsePlanPeriod(pc.Period)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.ID, err)
		}
		plans = append(plans, models.Plan{
			ID:             pc.ID,
			StoreProductID: pc.StoreProductID,
			DisplayName:    pc.DisplayName,
			Price:          pc.Price,
			Period:         period,
			Features:       pc.Features,
		})
	}
	return plans, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
