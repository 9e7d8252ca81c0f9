// Package ratelimit guards the WebSocket endpoint against connection floods,
// backed by Redis when available and local memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/config"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
)

// RateLimiter holds the per-IP and per-player limiter instances.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsPlayer    *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a limiter from the configured rates. A nil redisClient
// selects the in-process memory store; counts then reset on restart and are
// not shared across replicas.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	playerRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsPlayer)
	if err != nil {
		return nil, fmt.Errorf("invalid WS player rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "landsync:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, ipRate),
		wsPlayer:    limiter.New(store, playerRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckWebSocket enforces the per-IP connection limit. Returns false after
// writing the 429 response. Store failures fail open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("scope", "ip"), zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}

// CheckWebSocketPlayer enforces the per-player connection limit. Call after
// the token resolved to a player identity. Store failures fail open.
func (rl *RateLimiter) CheckWebSocketPlayer(ctx context.Context, playerID string) error {
	playerContext, err := rl.wsPlayer.Get(ctx, playerID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("scope", "player"), zap.Error(err))
		return nil
	}

	if playerContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("player").Inc()
		return fmt.Errorf("connection rate limit exceeded for player")
	}
	return nil
}

// Ping verifies the backing Redis store, for readiness checks. Memory-store
// limiters always report healthy.
func (rl *RateLimiter) Ping(ctx context.Context) error {
	if rl.redisClient == nil {
		return nil
	}
	return rl.redisClient.Ping(ctx).Err()
}
