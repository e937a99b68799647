package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var webhookUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisWebhookLock serializes webhook handling per payment across service
// instances. Concurrent deliveries for different payments proceed in
// parallel; two deliveries for the same payment take turns.
type RedisWebhookLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWebhookLock(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "vibestream:webhook_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &RedisWebhookLock{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// Acquire takes the per-payment lock. It reports false when another worker
// holds it; the caller should retry the delivery later rather than block.
// The returned token must be passed to Release.
func (l *RedisWebhookLock) Acquire(ctx context.Context, paymentKey string) (token string, acquired bool, err error) {
	if l == nil || l.client == nil {
		// No Redis configured: single-instance deployments fall through.
		return "", true, nil
	}
	key := fmt.Sprintf("%s:%s", l.prefix, paymentKey)
	token = fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire webhook lock %s: %w", key, err)
	}
	return token, ok, nil
}

// Release frees the lock, but only if this worker still owns it. An expired
// lock taken over by another worker is left alone.
func (l *RedisWebhookLock) Release(ctx context.Context, paymentKey, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	key := fmt.Sprintf("%s:%s", l.prefix, paymentKey)
	return webhookUnlockScript.Run(ctx, l.client, []string{key}, token).Err()
}
