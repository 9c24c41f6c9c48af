package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"
)

// Notifier delivers user-facing events for terminal job transitions. Delivery
// is fire-and-forget: failures are logged, never retried here, and never roll
// back ledger state.
type Notifier interface {
	Notify(ctx context.Context, accountID, title, body, deepLink string)
}

// RedisNotifier publishes notifications on a per-account channel for the
// push-delivery collaborator to pick up. A nil redis client degrades to
// log-only, matching the rest of the redis-optional wiring.
type RedisNotifier struct {
	redis *redis.Client
}

func NewRedisNotifier(redisClient *redis.Client) *RedisNotifier {
	return &RedisNotifier{redis: redisClient}
}

type notification struct {
	AccountID string `json:"accountId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	DeepLink  string `json:"deepLink,omitempty"`
}

func (n *RedisNotifier) Notify(ctx context.Context, accountID, title, body, deepLink string) {
	log.Printf("Notification: %s for account %s", title, accountID)

	if n.redis == nil {
		return
	}

	data, err := json.Marshal(notification{
		AccountID: accountID,
		Title:     title,
		Body:      body,
		DeepLink:  deepLink,
	})
	if err != nil {
		log.Printf("[NOTIFY] Failed to marshal notification: %v", err)
		return
	}

	if err := n.redis.Publish(ctx, "notify:"+accountID, data).Err(); err != nil {
		log.Printf("[NOTIFY] Failed to publish notification for %s: %v", accountID, err)
	}
}
