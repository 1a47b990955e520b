package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// NotifyTokenRepository stores FCM registration tokens per user.
type NotifyTokenRepository struct {
	DB *sql.DB

	once sync.Once
	err  error
}

func NewNotifyTokenRepository(db *sql.DB) *NotifyTokenRepository {
	return &NotifyTokenRepository{DB: db}
}

func (r *NotifyTokenRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS notify_tokens (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    user_id INT NOT NULL,
    token VARCHAR(512) NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_token (token),
    KEY idx_user (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		_, r.err = r.DB.ExecContext(ctx, ddl)
	})
	return r.err
}

func (r *NotifyTokenRepository) TokensByUserID(ctx context.Context, userID int) ([]string, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT token FROM notify_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// InsertToken registers a device token. Re-registering the same token moves
// it to the new user, which is what happens when a device changes accounts.
func (r *NotifyTokenRepository) InsertToken(ctx context.Context, userID int, token string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO notify_tokens (user_id, token) VALUES (?, ?)
ON DUPLICATE KEY UPDATE user_id = VALUES(user_id)
`, userID, token)
	return err
}

func (r *NotifyTokenRepository) DeleteToken(ctx context.Context, token string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM notify_tokens WHERE token = ?`, token)
	return err
}
