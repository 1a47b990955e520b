package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"kinboardBack/internal/models"
)

const entitlementCacheTTL = 24 * time.Hour

// EntitlementRepository persists reconciled entitlement snapshots, trial
// windows and the purchase-event journal. MySQL is authoritative; Redis
// mirrors the snapshot for cheap entitlement checks by other services.
type EntitlementRepository struct {
	DB  *sql.DB
	RDB *redis.Client

	once sync.Once
	err  error
}

func NewEntitlementRepository(db *sql.DB, rdb *redis.Client) *EntitlementRepository {
	return &EntitlementRepository{DB: db, RDB: rdb}
}

func (r *EntitlementRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS premium_entitlements (
    user_id INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 0,
    plan_json LONGTEXT,
    expiration_time DATETIME NULL,
    is_trial_active TINYINT(1) NOT NULL DEFAULT 0,
    trial_end_time DATETIME NULL,
    original_transaction_id VARCHAR(255) DEFAULT '',
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		if _, r.err = r.DB.ExecContext(ctx, ddl); r.err != nil {
			return
		}

		const trialDDL = `
CREATE TABLE IF NOT EXISTS premium_trial_windows (
    user_id INT NOT NULL,
    starts_at DATETIME NOT NULL,
    ends_at DATETIME NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		if _, r.err = r.DB.ExecContext(ctx, trialDDL); r.err != nil {
			return
		}

		const eventsDDL = `
CREATE TABLE IF NOT EXISTS premium_purchase_events (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    user_id INT NOT NULL,
    product_id VARCHAR(255) NOT NULL,
    transaction_id VARCHAR(255) NOT NULL,
    original_transaction_id VARCHAR(255) DEFAULT '',
    transaction_time DATETIME NULL,
    receipt_payload LONGTEXT,
    acknowledged_at DATETIME NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_transaction_id (transaction_id),
    KEY idx_user_pending (user_id, acknowledged_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		if _, r.err = r.DB.ExecContext(ctx, eventsDDL); r.err != nil {
			return
		}

		const intentsDDL = `
CREATE TABLE IF NOT EXISTS premium_purchase_intents (
    intent_id VARCHAR(64) NOT NULL,
    user_id INT NOT NULL,
    product_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (intent_id),
    KEY idx_user (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		_, r.err = r.DB.ExecContext(ctx, intentsDDL)
	})
	return r.err
}

func entitlementCacheKey(userID int) string {
	return fmt.Sprintf("premium:entitlement:%d", userID)
}

// ReadEntitlement loads the persisted snapshot, preferring the Redis mirror.
// Returns models.ErrNoRecord when the user has never been reconciled.
func (r *EntitlementRepository) ReadEntitlement(ctx context.Context, userID int) (*models.EntitlementState, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}

	if r.RDB != nil {
		if cached, err := r.RDB.Get(ctx, entitlementCacheKey(userID)).Result(); err == nil {
			var st models.EntitlementState
			if json.Unmarshal([]byte(cached), &st) == nil {
				return &st, nil
			}
		}
	}

	row := r.DB.QueryRowContext(ctx, `
SELECT is_active, plan_json, expiration_time, is_trial_active, trial_end_time, original_transaction_id, updated_at
FROM premium_entitlements WHERE user_id = ?`, userID)

	var (
		st       models.EntitlementState
		planJSON sql.NullString
		exp      sql.NullTime
		trialEnd sql.NullTime
	)
	err := row.Scan(&st.IsActive, &planJSON, &exp, &st.IsTrialActive, &trialEnd, &st.OriginalTransactionID, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNoRecord
		}
		return nil, err
	}
	if planJSON.Valid && planJSON.String != "" {
		var plan models.Plan
		if unmarshalErr := json.Unmarshal([]byte(planJSON.String), &plan); unmarshalErr == nil {
			st.Plan = &plan
		}
	}
	if exp.Valid {
		t := exp.Time
		st.ExpirationTime = &t
	}
	if trialEnd.Valid {
		t := trialEnd.Time
		st.TrialEndTime = &t
	}

	r.mirror(ctx, userID, st)
	return &st, nil
}

// WriteEntitlement upserts the snapshot and refreshes the Redis mirror.
func (r *EntitlementRepository) WriteEntitlement(ctx context.Context, userID int, st models.EntitlementState) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}

	var planJSON interface{}
	if st.Plan != nil {
		data, err := json.Marshal(st.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		planJSON = string(data)
	}

	_, err := r.DB.ExecContext(ctx, `
INSERT INTO premium_entitlements (user_id, is_active, plan_json, expiration_time, is_trial_active, trial_end_time, original_transaction_id)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    is_active = VALUES(is_active),
    plan_json = VALUES(plan_json),
    expiration_time = VALUES(expiration_time),
    is_trial_active = VALUES(is_trial_active),
    trial_end_time = VALUES(trial_end_time),
    original_transaction_id = VALUES(original_transaction_id)
`, userID, st.IsActive, planJSON, nullableTime(st.ExpirationTime), st.IsTrialActive, nullableTime(st.TrialEndTime), st.OriginalTransactionID)
	if err != nil {
		return err
	}

	r.mirror(ctx, userID, st)
	return nil
}

func (r *EntitlementRepository) mirror(ctx context.Context, userID int, st models.EntitlementState) {
	if r.RDB == nil {
		return
	}
	if data, err := json.Marshal(st); err == nil {
		// Mirror failures are ignored: MySQL already holds the truth.
		r.RDB.Set(ctx, entitlementCacheKey(userID), data, entitlementCacheTTL)
	}
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// ReadTrialWindow returns the user's trial window, or models.ErrNoRecord if
// none was ever started.
func (r *EntitlementRepository) ReadTrialWindow(ctx context.Context, userID int) (*models.TrialWindow, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var win models.TrialWindow
	win.UserID = userID
	err := r.DB.QueryRowContext(ctx,
		`SELECT starts_at, ends_at FROM premium_trial_windows WHERE user_id = ?`, userID,
	).Scan(&win.StartsAt, &win.EndsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNoRecord
		}
		return nil, err
	}
	return &win, nil
}

// StartTrial inserts the one trial window. The primary key makes a second
// insert fail, so the one-per-lifetime rule holds even across racing calls.
func (r *EntitlementRepository) StartTrial(ctx context.Context, win models.TrialWindow) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO premium_trial_windows (user_id, starts_at, ends_at) VALUES (?, ?, ?)`,
		win.UserID, win.StartsAt, win.EndsAt,
	)
	return err
}

// SavePurchaseEvent journals a relayed purchase record. Safe to call more
// than once for the same transaction id: duplicates are ignored.
func (r *EntitlementRepository) SavePurchaseEvent(ctx context.Context, record models.PurchaseRecord) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if record.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	var txTime interface{}
	if !record.TransactionTime.IsZero() {
		txTime = record.TransactionTime
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO premium_purchase_events (user_id, product_id, transaction_id, original_transaction_id, transaction_time, receipt_payload)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE transaction_id = transaction_id
`, record.UserID, record.ProductID, record.TransactionID, record.OriginalTransactionID, txTime, record.ReceiptPayload)
	return err
}

// PendingPurchaseEvents lists the user's journaled records that were never
// acknowledged. These are exactly the records the store still owes the
// engine, oldest first.
func (r *EntitlementRepository) PendingPurchaseEvents(ctx context.Context, userID int) ([]models.PurchaseRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `
SELECT user_id, product_id, transaction_id, original_transaction_id, transaction_time, receipt_payload
FROM premium_purchase_events
WHERE user_id = ? AND acknowledged_at IS NULL
ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.PurchaseRecord
	for rows.Next() {
		var (
			rec    models.PurchaseRecord
			txTime sql.NullTime
		)
		if err := rows.Scan(&rec.UserID, &rec.ProductID, &rec.TransactionID, &rec.OriginalTransactionID, &txTime, &rec.ReceiptPayload); err != nil {
			return nil, err
		}
		if txTime.Valid {
			rec.TransactionTime = txTime.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkPurchaseEventAcknowledged stamps the journal row after the store
// confirmed the acknowledgment.
func (r *EntitlementRepository) MarkPurchaseEventAcknowledged(ctx context.Context, transactionID string, at time.Time) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE premium_purchase_events SET acknowledged_at = ? WHERE transaction_id = ? AND acknowledged_at IS NULL`,
		at, transactionID,
	)
	return err
}

// SavePurchaseIntent records that a purchase flow was started. Intents are
// diagnostic: they let support correlate an abandoned flow with the user who
// started it.
func (r *EntitlementRepository) SavePurchaseIntent(ctx context.Context, userID int, intentID, productID string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO premium_purchase_intents (intent_id, user_id, product_id) VALUES (?, ?, ?)`,
		intentID, userID, productID,
	)
	return err
}

// ExpireEntitlements flips rows whose paid or trial windows have passed.
// Returns how many rows changed. The in-memory engines recompute entitlement
// from the clock anyway; this keeps the persisted rows and the Redis mirror
// from advertising stale entitlement to other services.
func (r *EntitlementRepository) ExpireEntitlements(ctx context.Context, now time.Time) (int, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return 0, err
	}

	res, err := r.DB.ExecContext(ctx, `
UPDATE premium_entitlements
SET is_active = CASE WHEN expiration_time IS NOT NULL AND expiration_time <= ? THEN 0 ELSE is_active END,
    is_trial_active = CASE WHEN trial_end_time IS NOT NULL AND trial_end_time <= ? THEN 0 ELSE is_trial_active END
WHERE (is_active = 1 AND expiration_time IS NOT NULL AND expiration_time <= ?)
   OR (is_trial_active = 1 AND trial_end_time IS NOT NULL AND trial_end_time <= ?)
`, now, now, now, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if affected > 0 && r.RDB != nil {
		// Drop stale mirrors; they repopulate on the next read.
		rows, qErr := r.DB.QueryContext(ctx,
			`SELECT user_id FROM premium_entitlements WHERE is_active = 0 AND is_trial_active = 0`)
		if qErr == nil {
			defer rows.Close()
			for rows.Next() {
				var userID int
				if rows.Scan(&userID) == nil {
					r.RDB.Del(ctx, entitlementCacheKey(userID))
				}
			}
		}
	}
	return int(affected), nil
}
