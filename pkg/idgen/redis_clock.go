package idgen

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/redis/go-redis/v9"
)

// Clock is the millisecond time source of a Snowflake.
type Clock interface {
	Now() int64
}

// SystemClock reads the local time.
type SystemClock struct{}

func (SystemClock) Now() int64 {
	return time.Now().UnixMilli()
}

// RedisClock reads time from Redis so several gateways order IDs against one
// clock. When Redis is unreachable it falls back to local time.
type RedisClock struct {
	client   redis.Cmdable
	timeout  time.Duration
	degraded atomic.Bool
}

// NewRedisClock wraps client. Every TIME call is bounded by timeout.
func NewRedisClock(client redis.Cmdable, timeout time.Duration) *RedisClock {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &RedisClock{client: client, timeout: timeout}
}

func (r *RedisClock) Now() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := r.client.Time(ctx).Result()
	if err != nil {
		if r.degraded.CompareAndSwap(false, true) {
			logger.Warnw("Redis clock unavailable, using local time", "error", err.Error())
		}
		return time.Now().UnixMilli()
	}
	if r.degraded.CompareAndSwap(true, false) {
		logger.Infow("Redis clock recovered")
	}
	return res.UnixMilli()
}
