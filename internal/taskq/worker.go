package taskq

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/logging"
	"github.com/fluentloop/synapse/internal/metrics"
)

// Handler executes one training task. The context carries the per-task
// timeout; handlers own their registry bookkeeping (StartRun/FinishRun).
type Handler func(ctx context.Context) error

// taskTimeout bounds a single training attempt.
const taskTimeout = 30 * time.Minute

// Worker consumes the training stream through a consumer group and runs
// registered handlers. Tasks are retried with backoff, then dead-lettered.
type Worker struct {
	rdb      *redis.Client
	log      zerolog.Logger
	handlers map[string]Handler
	delays   []time.Duration
	consumer string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker wraps a shared Redis client. Register handlers before Start.
func NewWorker(rdb *redis.Client, log zerolog.Logger) *Worker {
	host, _ := os.Hostname()
	if host == "" {
		host = "synapse"
	}
	return &Worker{
		rdb:      rdb,
		log:      log,
		handlers: make(map[string]Handler),
		delays:   []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second},
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Register binds a handler to a task name.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Start creates the consumer group and begins consuming. Returns once
// the read loop is running.
func (w *Worker) Start(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, StreamTrain, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.readLoop(ctx)

	w.log.Info().Str("consumer", w.consumer).Msg("training worker started")
	return nil
}

// Stop cancels the read loop and waits for in-flight work to settle.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) readLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: w.consumer,
			Streams:  []string{StreamTrain, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				// Nothing delivered within the block window.
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("stream read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				w.process(ctx, msg)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, msg redis.XMessage) {
	task, err := TaskFromRedisValues(msg.Values)
	if err != nil {
		w.log.Error().Err(err).Str("stream_id", msg.ID).Msg("dropping malformed task")
		w.finish(ctx, msg.ID)
		return
	}

	log := w.log.With().Str("task", task.Name).Str("id", task.ID).Int("attempt", task.Attempt).Logger()

	handler, ok := w.handlers[task.Name]
	if !ok {
		log.Error().Msg("no handler registered, dead-lettering")
		w.deadLetter(ctx, task, "no handler registered")
		w.finish(ctx, msg.ID)
		w.clearPending(ctx, task.Name)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, taskTimeout)
	start := time.Now()
	runErr := handler(hctx)
	cancel()

	if runErr == nil {
		log.Info().Dur("took", time.Since(start)).Msg("training task succeeded")
		metrics.TrainingRuns.WithLabelValues(task.Name, "succeeded").Inc()
		w.finish(ctx, msg.ID)
		w.clearPending(ctx, task.Name)
		return
	}

	if task.Attempt < len(w.delays) {
		delay := w.delays[task.Attempt]
		log.Warn().Err(runErr).Dur("retry_in", delay).Msg("training task failed, scheduling retry")
		metrics.TrainingRuns.WithLabelValues(task.Name, "retried").Inc()
		w.finish(ctx, msg.ID)
		w.scheduleRetry(ctx, task, delay)
		return
	}

	log.Error().Err(runErr).Msg("training task exhausted retries, dead-lettering")
	metrics.TrainingRuns.WithLabelValues(task.Name, "dead").Inc()
	w.deadLetter(ctx, task, runErr.Error())
	w.finish(ctx, msg.ID)
	w.clearPending(ctx, task.Name)
}

// scheduleRetry re-adds the task after delay with the attempt bumped.
// On shutdown the retry is added immediately so it survives the restart.
func (w *Worker) scheduleRetry(ctx context.Context, task Task, delay time.Duration) {
	retry := task
	retry.Attempt++

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}

		addCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := w.rdb.XAdd(addCtx, &redis.XAddArgs{
			Stream: StreamTrain,
			Values: retry.ToRedisValues(),
		}).Err(); err != nil {
			w.log.Error().Err(err).Str("task", retry.Name).Msg("retry add failed, task lost until next schedule")
		}
	}()
}

func (w *Worker) deadLetter(ctx context.Context, task Task, errMsg string) {
	err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDead,
		Values: map[string]interface{}{
			"original_id":        task.ID,
			"original_name":      task.Name,
			"original_requested": fmt.Sprintf("%d", task.Requested),
			"error":              errMsg,
			"retry_count":        fmt.Sprintf("%d", task.Attempt),
			"dead_at":            fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Err()
	if err != nil {
		w.log.Error().Err(err).Str("task", task.Name).Msg("dead letter add failed")
	}
}

// finish acknowledges and deletes a processed stream entry so XLEN
// tracks outstanding work.
func (w *Worker) finish(ctx context.Context, streamID string) {
	w.rdb.XAck(ctx, StreamTrain, ConsumerGroup, streamID)
	w.rdb.XDel(ctx, StreamTrain, streamID)
	if n, err := w.rdb.XLen(ctx, StreamTrain).Result(); err == nil {
		metrics.TaskQueueDepth.Set(float64(n))
	}
}

func (w *Worker) clearPending(ctx context.Context, name string) {
	w.rdb.Del(ctx, pendingKey(name))
}
