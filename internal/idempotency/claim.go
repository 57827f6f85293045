// Package idempotency is the fast-path dedupe gate in front of the
// durable webhook ledger. Losing it (restarted cache) is safe: the
// ledger's unique index remains the final authority, the claim store
// only sheds duplicate verification work under provider retry storms.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"github.com/sakashimaa/shop-payments/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const claimKeyPrefix = "webhook:claim:"

type ClaimStore interface {
	// Claim returns true when this key was seen for the first time.
	Claim(ctx context.Context, key string) (bool, error)
}

type redisClaimStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	cb     *gobreaker.CircuitBreaker
}

func NewRedisClaimStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) ClaimStore {
	settings := gobreaker.Settings{
		Name:        "WebhookClaimStore",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(
				"Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &redisClaimStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		cb:     gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *redisClaimStore) Claim(ctx context.Context, key string) (bool, error) {
	accepted, err := utils.ExecuteWithBreaker(s.cb, func() (bool, error) {
		return s.client.SetNX(ctx, claimKeyPrefix+key, 1, s.ttl).Result()
	})
	if err != nil {
		// Fail open: the durable ledger still dedupes, this path only
		// saves work.
		mylogger.Warn(
			ctx,
			s.logger,
			"Claim store unavailable, admitting event",
			zap.String("key", key),
			zap.Error(err),
		)

		return true, nil
	}

	return accepted, nil
}
