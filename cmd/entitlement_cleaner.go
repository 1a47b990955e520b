package main

import (
	"context"
	"log"
	"time"

	"kinboardBack/internal/repositories"
)

const entitlementCleanerTimeout = 1 * time.Minute

// startEntitlementCleaner flips persisted rows whose paid or trial windows
// have passed, once at startup and then daily. The engines answer from the
// clock regardless; this keeps the database and the Redis mirror honest for
// services that read the rows directly.
func startEntitlementCleaner(ctx context.Context, repo *repositories.EntitlementRepository, infoLog, errorLog *log.Logger) {
	if repo == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		runOnce := func() {
			runCtx, cancel := context.WithTimeout(ctx, entitlementCleanerTimeout)
			expired, err := repo.ExpireEntitlements(runCtx, time.Now().UTC())
			cancel()
			if err != nil {
				if errorLog != nil {
					errorLog.Printf("entitlement cleaner: failed to expire entitlements: %v", err)
				}
			} else if expired > 0 && infoLog != nil {
				infoLog.Printf("entitlement cleaner: expired %d entitlements", expired)
			}
		}

		runOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}
