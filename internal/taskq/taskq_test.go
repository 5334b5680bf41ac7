package taskq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestQueue(t *testing.T) (*Queue, *Worker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := NewQueue(rdb, zerolog.Nop())
	w := NewWorker(rdb, zerolog.Nop())
	w.delays = []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}
	return q, w, rdb
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueDedupe(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, TaskDKT)
	if err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	id2, err := q.Enqueue(ctx, TaskDKT)
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("pending task re-added: %s vs %s", id1, id2)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}

	// A different task is independent.
	id3, err := q.Enqueue(ctx, TaskColdStart)
	if err != nil {
		t.Fatalf("Enqueue cold_start failed: %v", err)
	}
	if id3 == id1 {
		t.Error("distinct tasks must get distinct stream ids")
	}
}

func TestEnqueueUnknownTask(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), "definitely_not_a_task"); err == nil {
		t.Error("expected error for unknown task name")
	}
}

func TestWorkerRunsHandler(t *testing.T) {
	q, w, _ := newTestQueue(t)
	ctx := context.Background()

	var ran atomic.Int32
	w.Register(TaskChurnPre, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	first, err := q.Enqueue(ctx, TaskChurnPre)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, 5*time.Second, "handler execution", func() bool {
		return ran.Load() == 1
	})

	waitFor(t, 5*time.Second, "stream drain", func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	})

	// Pending marker cleared, so the task can be enqueued again.
	waitFor(t, 5*time.Second, "pending marker clear", func() bool {
		second, err := q.Enqueue(ctx, TaskChurnPre)
		return err == nil && second != first
	})
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	q, w, _ := newTestQueue(t)
	ctx := context.Background()

	var attempts atomic.Int32
	w.Register(TaskComplexity, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("insufficient training data")
	})

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if _, err := q.Enqueue(ctx, TaskComplexity); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Initial attempt plus three retries.
	waitFor(t, 10*time.Second, "retry exhaustion", func() bool {
		return attempts.Load() == 4
	})

	var letters []DeadLetter
	waitFor(t, 5*time.Second, "dead letter", func() bool {
		var err error
		letters, err = q.DeadLetters(ctx, 10)
		return err == nil && len(letters) == 1
	})

	letter := letters[0]
	if letter.Task.Name != TaskComplexity {
		t.Errorf("dead letter task = %s, want %s", letter.Task.Name, TaskComplexity)
	}
	if letter.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", letter.RetryCount)
	}
	if letter.Error != "insufficient training data" {
		t.Errorf("error = %q", letter.Error)
	}
	if letter.DeadAt == 0 {
		t.Error("dead_at not recorded")
	}

	waitFor(t, 5*time.Second, "stream drain", func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	})
}

func TestRequeueDeadLetter(t *testing.T) {
	q, w, _ := newTestQueue(t)
	ctx := context.Background()

	w.Register(TaskRLRouter, func(ctx context.Context) error {
		return errors.New("boom")
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := q.Enqueue(ctx, TaskRLRouter); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var letters []DeadLetter
	waitFor(t, 10*time.Second, "dead letter", func() bool {
		var err error
		letters, err = q.DeadLetters(ctx, 1)
		return err == nil && len(letters) == 1
	})

	// Stop the worker so the requeued task stays observable on the stream.
	w.Stop()

	id, err := q.Requeue(ctx, letters[0].DLQID)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Requeue returned empty id")
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth after requeue = %d, want 1", depth)
	}

	remaining, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("dead stream should be empty, has %d", len(remaining))
	}
}

func TestUnregisteredTaskDeadLettersImmediately(t *testing.T) {
	q, w, _ := newTestQueue(t)
	ctx := context.Background()

	// No handler registered for cold_start.
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if _, err := q.Enqueue(ctx, TaskColdStart); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, 5*time.Second, "dead letter", func() bool {
		letters, err := q.DeadLetters(ctx, 1)
		return err == nil && len(letters) == 1 && letters[0].Error == "no handler registered"
	})
}

func TestTaskRoundTrip(t *testing.T) {
	task := NewTask(TaskDKT)
	task.Attempt = 2

	parsed, err := TaskFromRedisValues(task.ToRedisValues())
	if err != nil {
		t.Fatalf("TaskFromRedisValues failed: %v", err)
	}
	if parsed != task {
		t.Errorf("round trip mismatch: %+v vs %+v", parsed, task)
	}

	if _, err := TaskFromRedisValues(map[string]interface{}{"name": "dkt"}); err == nil {
		t.Error("expected error for message without id")
	}
}
