package client

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestCheckPoolReportsNewTimeouts(t *testing.T) {
	r := &RedisClient{}

	if err := r.checkPool(&redis.PoolStats{TotalConns: 4, IdleConns: 4}); err != nil {
		t.Fatalf("healthy pool: %v", err)
	}
	if err := r.checkPool(&redis.PoolStats{Timeouts: 3, TotalConns: 10}); err == nil {
		t.Fatal("new wait timeouts not reported")
	}
	// Only timeouts since the previous check count.
	if err := r.checkPool(&redis.PoolStats{Timeouts: 3, TotalConns: 10, IdleConns: 2}); err != nil {
		t.Fatalf("old timeouts reported again: %v", err)
	}
	if err := r.checkPool(&redis.PoolStats{Timeouts: 4, TotalConns: 10}); err == nil {
		t.Fatal("further timeout not reported")
	}
}
