package idgen

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisClock_FallsBackToLocalTime(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	clock := NewRedisClock(client, 100*time.Millisecond)

	before := time.Now().UnixMilli()
	got := clock.Now()
	after := time.Now().UnixMilli()

	if got < before || got > after {
		t.Fatalf("expected local time in [%d, %d], got %d", before, after, got)
	}
	if !clock.degraded.Load() {
		t.Fatalf("expected clock to be marked degraded")
	}
}
