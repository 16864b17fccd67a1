// Package cache keeps a bounded, TTL'd queue of recent update payloads per
// document. It lets a cold-starting session close the gap between the last
// durable read and the present moment without hitting the update log again.
// Purely best-effort: losing the whole queue only slows cold starts down.
package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultMaxLen = 100
	DefaultTTL    = 300 * time.Second
)

type UpdateQueue interface {
	// Push appends a payload, evicting the oldest entry once the queue is
	// at capacity and refreshing the sliding TTL.
	Push(ctx context.Context, docID string, payload []byte) error
	// ReadAll returns the queued payloads, oldest first.
	ReadAll(ctx context.Context, docID string) ([][]byte, error)
}

type redisQueue struct {
	rdb    *redis.Client
	maxLen int64
	ttl    time.Duration
}

func NewRedisQueue(rdb *redis.Client, maxLen int, ttl time.Duration) UpdateQueue {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisQueue{rdb: rdb, maxLen: int64(maxLen), ttl: ttl}
}

func (q *redisQueue) Push(ctx context.Context, docID string, payload []byte) error {
	key := recentUpdatesKey(docID)
	n, err := q.rdb.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	if n >= q.maxLen {
		pipe.LPop(ctx, key)
	}
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, q.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) ReadAll(ctx context.Context, docID string) ([][]byte, error) {
	vals, err := q.rdb.LRange(ctx, recentUpdatesKey(docID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	payloads := make([][]byte, len(vals))
	for i, v := range vals {
		payloads[i] = []byte(v)
	}
	return payloads, nil
}
