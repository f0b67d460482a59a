package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimiter implements a fixed-window counter in Redis. It fails
// open: a Redis hiccup must never take the challenge API down with it.
type RateLimiter struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

func NewRateLimiter(rdb *redis.Client, log logrus.FieldLogger) *RateLimiter {
	return &RateLimiter{rdb: rdb, log: log.WithField("component", "ratelimit")}
}

// Allow consumes one slot from the window identified by key.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	if l == nil || l.rdb == nil {
		return true
	}

	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(window.Seconds()))

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.WithError(err).Warn("rate limit check failed, allowing request")
		return true
	}

	return count.Val() <= int64(limit)
}
