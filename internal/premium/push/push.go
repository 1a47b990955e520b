package push

import (
	"context"
	"time"

	"firebase.google.com/go/messaging"

	"kinboardBack/internal/models"
)

// TokenSource lists the FCM registration tokens for a user's devices.
type TokenSource interface {
	TokensByUserID(ctx context.Context, userID int) ([]string, error)
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier pushes entitlement changes to the user's other devices over FCM,
// so a purchase on the phone flips premium on the tablet without a restart.
// Every send is best-effort.
type Notifier struct {
	client *messaging.Client
	tokens TokenSource
	logger Logger
}

func NewNotifier(client *messaging.Client, tokens TokenSource, logger Logger) *Notifier {
	return &Notifier{client: client, tokens: tokens, logger: logger}
}

// EntitlementChanged sends a data push per registered device. Delivery
// failures are logged and skipped; the device reconciles over HTTP anyway.
func (n *Notifier) EntitlementChanged(ctx context.Context, userID int, st models.EntitlementState) {
	if n.client == nil {
		return
	}
	tokens, err := n.tokens.TokensByUserID(ctx, userID)
	if err != nil {
		n.logger.Errorf("premium push user %d: fetch tokens: %v", userID, err)
		return
	}

	data := map[string]string{
		"type":       "entitlement_updated",
		"is_active":  boolString(st.IsActive),
		"trial":      boolString(st.IsTrialActive),
		"updated_at": st.UpdatedAt.Format(time.RFC3339),
	}
	if st.Plan != nil {
		data["plan_id"] = st.Plan.ID
	}
	if st.ExpirationTime != nil {
		data["expiration_time"] = st.ExpirationTime.Format(time.RFC3339)
	}

	for _, token := range tokens {
		message := &messaging.Message{
			Token: token,
			Data:  data,
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
			APNS: &messaging.APNSConfig{
				Headers: map[string]string{
					"apns-priority": "10",
				},
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{
						ContentAvailable: true,
					},
				},
			},
		}
		if _, err := n.client.Send(ctx, message); err != nil {
			n.logger.Errorf("premium push user %d: send to token %s: %v", userID, token, err)
		}
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
