package taskq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fluentloop/synapse/internal/metrics"
)

// pendingTTL bounds how long a dedupe marker can outlive a lost task.
const pendingTTL = time.Hour

// Queue is the producer side of the training queue.
type Queue struct {
	rdb *redis.Client
	log zerolog.Logger
	sf  singleflight.Group
}

// NewQueue wraps a shared Redis client.
func NewQueue(rdb *redis.Client, log zerolog.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

func pendingKey(name string) string {
	return "synapse:tasks:pending:" + name
}

// Enqueue adds a task by name. Enqueueing a task that is already
// pending returns the pending task's id instead of adding a duplicate;
// concurrent callers collapse onto one add per name.
func (q *Queue) Enqueue(ctx context.Context, name string) (string, error) {
	if !IsKnownTask(name) {
		return "", fmt.Errorf("unknown task: %s", name)
	}

	v, err, _ := q.sf.Do(name, func() (interface{}, error) {
		existing, err := q.rdb.Get(ctx, pendingKey(name)).Result()
		if err == nil && existing != "" {
			q.log.Debug().Str("task", name).Str("id", existing).Msg("task already pending")
			return existing, nil
		}
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("check pending marker: %w", err)
		}

		task := NewTask(name)
		id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamTrain,
			Values: task.ToRedisValues(),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", name, err)
		}

		if err := q.rdb.Set(ctx, pendingKey(name), id, pendingTTL).Err(); err != nil {
			q.log.Warn().Err(err).Str("task", name).Msg("pending marker not set")
		}

		q.refreshDepth(ctx)
		q.log.Info().Str("task", name).Str("id", id).Msg("training task enqueued")
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Depth returns the number of entries currently on the training stream.
// Completed entries are deleted on ack, so this tracks outstanding work.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, StreamTrain).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.rdb.XLen(ctx, StreamTrain).Result(); err == nil {
		metrics.TaskQueueDepth.Set(float64(n))
	}
}

// DeadLetters returns the most recent entries on the dead stream.
func (q *Queue) DeadLetters(ctx context.Context, count int) ([]DeadLetter, error) {
	if count <= 0 {
		count = 20
	}
	results, err := q.rdb.XRevRangeN(ctx, StreamDead, "+", "-", int64(count)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}

	letters := make([]DeadLetter, 0, len(results))
	for _, msg := range results {
		letters = append(letters, parseDeadLetter(msg))
	}
	return letters, nil
}

// Requeue republishes a dead letter to the training stream with a fresh
// attempt counter and removes it from the dead stream.
func (q *Queue) Requeue(ctx context.Context, dlqID string) (string, error) {
	results, err := q.rdb.XRange(ctx, StreamDead, dlqID, dlqID).Result()
	if err != nil {
		return "", fmt.Errorf("read dead letter: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("dead letter not found: %s", dlqID)
	}

	letter := parseDeadLetter(results[0])
	task := NewTask(letter.Task.Name)

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamTrain,
		Values: task.ToRedisValues(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("requeue %s: %w", letter.Task.Name, err)
	}

	q.rdb.Set(ctx, pendingKey(letter.Task.Name), id, pendingTTL)
	q.rdb.XDel(ctx, StreamDead, dlqID)
	q.refreshDepth(ctx)

	q.log.Info().Str("task", letter.Task.Name).Str("dlq_id", dlqID).Str("id", id).Msg("dead letter requeued")
	return id, nil
}

func parseDeadLetter(msg redis.XMessage) DeadLetter {
	letter := DeadLetter{DLQID: msg.ID}

	if v, ok := msg.Values["original_id"].(string); ok {
		letter.Task.ID = v
	}
	if v, ok := msg.Values["original_name"].(string); ok {
		letter.Task.Name = v
	}
	if v, ok := msg.Values["original_requested"].(string); ok {
		requested, _ := strconv.ParseInt(v, 10, 64)
		letter.Task.Requested = requested
	}
	if v, ok := msg.Values["error"].(string); ok {
		letter.Error = v
	}
	if v, ok := msg.Values["retry_count"].(string); ok {
		count, _ := strconv.Atoi(v)
		letter.RetryCount = count
	}
	if v, ok := msg.Values["dead_at"].(string); ok {
		deadAt, _ := strconv.ParseInt(v, 10, 64)
		letter.DeadAt = deadAt
	}
	return letter
}
