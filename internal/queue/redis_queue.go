// Package queue coordinates deferred task execution and per-tenant sweep
// locks in Redis. Postgres stays the source of truth for task state; Redis
// only decides which worker runs what, and when.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach-orchestrator/internal/config"
)

// RedisQueue tracks due scheduled tasks and execution leases.
type RedisQueue struct {
	client        *redis.Client
	scheduledKey  string
	readyKey      string
	inflightKey   string
	lockPrefix    string
	visibilityTTL time.Duration
	lockTTL       time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	return NewRedisQueueWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), cfg)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.TaskLeaseTTL
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	lockTTL := cfg.TenantLockTTL
	if lockTTL == 0 {
		lockTTL = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		scheduledKey:  "outreach:scheduled",
		readyKey:      "outreach:ready",
		inflightKey:   "outreach:inflight",
		lockPrefix:    "outreach:sweep:",
		visibilityTTL: visibility,
		lockTTL:       lockTTL,
	}
}

// Schedule places a task id into the scheduled set keyed by its run time.
// Scheduling is idempotent: re-adding an id just refreshes its score.
func (q *RedisQueue) Schedule(ctx context.Context, taskID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: taskID,
	}).Err()
}

// PromoteDue moves due scheduled task ids into the ready list. It returns how
// many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a ready task and places it into inflight with a
// visibility timeout, so a crashed worker's task is reclaimed.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// Ack removes a task from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, q.inflightKey, taskID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from the scheduled set and the ready list.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.LRem(ctx, q.readyKey, 0, taskID)
	pipe.ZRem(ctx, q.inflightKey, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// AcquireSweepLock takes the per-tenant sweep mutex. No two sweeps for the
// same tenant may run concurrently; the TTL bounds the damage of a holder
// dying mid-sweep.
func (q *RedisQueue) AcquireSweepLock(ctx context.Context, tenantID string) (bool, error) {
	return q.client.SetNX(ctx, q.lockPrefix+tenantID, 1, q.lockTTL).Result()
}

// ReleaseSweepLock drops the tenant's sweep mutex.
func (q *RedisQueue) ReleaseSweepLock(ctx context.Context, tenantID string) error {
	return q.client.Del(ctx, q.lockPrefix+tenantID).Err()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
