package sned

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// ChannelRateLimiter is a token-bucket flood guard keyed by channel.
// Every inbound message consumes one token from its channel's bucket;
// when no token is available the message is dropped outright - never
// queued, never retried, no backpressure to the gateway.
type ChannelRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
}

func NewChannelRateLimiter(
	cfg *RateLimitConfig,
	log *slog.Logger,
) *ChannelRateLimiter {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = &RateLimitConfig{
			Burst:  DefaultRateLimitBurst,
			Window: DefaultRateLimitWindow,
		}
	}
	return &ChannelRateLimiter{
		buckets: map[string]*rate.Limiter{},
		limit:   rate.Limit(float64(cfg.Burst) / cfg.Window.Seconds()),
		burst:   cfg.Burst,
		logger:  log.With(loggerNameKey, "rate_limiter"),
	}
}

// Allow consumes one token from the channel's bucket, creating the bucket
// on first sight. Returns false when the event should be dropped.
func (c *ChannelRateLimiter) Allow(channelID string) bool {
	c.mu.Lock()
	bucket, ok := c.buckets[channelID]
	if !ok {
		bucket = rate.NewLimiter(c.limit, c.burst)
		c.buckets[channelID] = bucket
	}
	c.mu.Unlock()

	allowed := bucket.Allow()
	if !allowed {
		c.logger.Debug("dropping rate-limited event", "channel_id", channelID)
	}
	return allowed
}
