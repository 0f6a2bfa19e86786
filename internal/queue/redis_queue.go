package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps one Redis list per identity plus a shared dead-letter list,
// so pending work can be inspected from outside the process. Entries a later
// run does not own are dead-lettered by the engine, not replayed.
type RedisQueue struct {
	client    *redis.Client
	prefix    string
	laneIndex string
	dlqKey    string
}

// NewRedisQueue builds a queue storing lists under prefix.
func NewRedisQueue(client *redis.Client, prefix, dlqName string) *RedisQueue {
	if prefix == "" {
		prefix = "dispatch:"
	}
	if dlqName == "" {
		dlqName = prefix + "dlq"
	}
	return &RedisQueue{
		client:    client,
		prefix:    prefix,
		laneIndex: prefix + "lanes",
		dlqKey:    dlqName,
	}
}

func (q *RedisQueue) laneKey(identity string) string {
	return fmt.Sprintf("%slane:%s", q.prefix, identity)
}

// PushBack appends a fresh job to the identity lane.
func (q *RedisQueue) PushBack(ctx context.Context, identity, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.laneIndex, identity)
	pipe.RPush(ctx, q.laneKey(identity), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// PushFront puts a requeued job ahead of untried work.
func (q *RedisQueue) PushFront(ctx context.Context, identity, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.laneIndex, identity)
	pipe.LPush(ctx, q.laneKey(identity), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Pop removes the head of the identity lane.
func (q *RedisQueue) Pop(ctx context.Context, identity string) (string, bool, error) {
	id, err := q.client.LPop(ctx, q.laneKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Len returns the lane depth.
func (q *RedisQueue) Len(ctx context.Context, identity string) (int, error) {
	n, err := q.client.LLen(ctx, q.laneKey(identity)).Result()
	return int(n), err
}

// DeadLetter appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, identity, jobID string) error {
	return q.client.LPush(ctx, q.dlqKey, identity+"/"+jobID).Err()
}

// DeadLetters reads the latest dead-lettered entries as identity/jobID pairs.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Drain atomically empties the identity lane and returns its contents.
func (q *RedisQueue) Drain(ctx context.Context, identity string) ([]string, error) {
	res, err := drainScript.Run(ctx, q.client, []string{q.laneKey(identity)}).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Clear removes every lane and the dead-letter list.
func (q *RedisQueue) Clear(ctx context.Context) error {
	lanes, err := q.client.SMembers(ctx, q.laneIndex).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(lanes)+2)
	for _, l := range lanes {
		keys = append(keys, q.laneKey(l))
	}
	keys = append(keys, q.laneIndex, q.dlqKey)
	return q.client.Del(ctx, keys...).Err()
}

var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)
