// Package push delivers best-effort web-push notifications to direct
// message recipients who have no live connection. Failures are logged and
// never surfaced to the sender; the message is durable regardless.
package push

import (
	"encoding/json"
	"errors"
	"log/slog"

	"parley/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const notificationTTL = 60 // seconds

// SubscriptionStore provides stored web-push subscriptions.
type SubscriptionStore interface {
	GetPushSubscription(userID string) ([]byte, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Contact is the VAPID subscriber address, e.g. "mailto:admin@host".
	Contact string
}

type Notifier struct {
	store   SubscriptionStore
	config  Config
	enabled bool
}

func NewNotifier(store SubscriptionStore, config Config) *Notifier {
	return &Notifier{
		store:   store,
		config:  config,
		enabled: config.VAPIDPublicKey != "" && config.VAPIDPrivateKey != "",
	}
}

// NotifyOffline sends a notification about a direct message to a user with
// no live handle. No-op when push is not configured or the user has no
// stored subscription.
func (n *Notifier) NotifyOffline(userID string, msg models.Message) {
	if n == nil || !n.enabled {
		return
	}

	raw, err := n.store.GetPushSubscription(userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("push subscription lookup failed", "user_id", userID, "error", err)
		}
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		slog.Error("corrupt push subscription", "user_id", userID, "error", err)
		return
	}

	payload, err := json.Marshal(map[string]string{
		"title": msg.SenderName,
		"body":  msg.Content,
	})
	if err != nil {
		slog.Error("failed to encode push payload", "error", err)
		return
	}

	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      n.config.Contact,
		VAPIDPublicKey:  n.config.VAPIDPublicKey,
		VAPIDPrivateKey: n.config.VAPIDPrivateKey,
		TTL:             notificationTTL,
	})
	if err != nil {
		slog.Error("push delivery failed", "user_id", userID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
