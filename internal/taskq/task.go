// Package taskq is the Redis-streams work queue for training tasks.
//
// Producers (the scheduler, the /ml/{service}/train endpoints) enqueue
// tasks by name; a consumer-group worker executes the registered handler
// with retries and a dead-letter stream for tasks that keep failing.
package taskq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Training task names. Each maps to one registered handler.
const (
	TaskDKT        = "dkt"
	TaskChurnPre   = "churn_pre"
	TaskChurnMid   = "churn_mid"
	TaskComplexity = "complexity"
	TaskRLRouter   = "rl_router"
	TaskColdStart  = "cold_start"
)

// Stream names.
const (
	StreamTrain = "synapse:tasks:train"
	StreamDead  = "synapse:tasks:dead"

	ConsumerGroup = "trainers"
)

// KnownTasks lists every task name the worker accepts.
var KnownTasks = []string{
	TaskDKT, TaskChurnPre, TaskChurnMid, TaskComplexity, TaskRLRouter, TaskColdStart,
}

// IsKnownTask reports whether name maps to a registered training task.
func IsKnownTask(name string) bool {
	for _, t := range KnownTasks {
		if t == name {
			return true
		}
	}
	return false
}

// Task is one unit of training work on the stream.
type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Attempt   int    `json:"attempt"`
	Requested int64  `json:"requested"`
}

// NewTask builds a first-attempt task with a fresh id.
func NewTask(name string) Task {
	return Task{
		ID:        uuid.NewString(),
		Name:      name,
		Attempt:   0,
		Requested: time.Now().Unix(),
	}
}

// ToRedisValues converts the task to stream field/value pairs.
func (t Task) ToRedisValues() map[string]interface{} {
	return map[string]interface{}{
		"id":        t.ID,
		"name":      t.Name,
		"attempt":   strconv.Itoa(t.Attempt),
		"requested": strconv.FormatInt(t.Requested, 10),
	}
}

// TaskFromRedisValues parses stream values back into a Task.
func TaskFromRedisValues(values map[string]interface{}) (Task, error) {
	var t Task
	if v, ok := values["id"].(string); ok {
		t.ID = v
	}
	if v, ok := values["name"].(string); ok {
		t.Name = v
	}
	if t.ID == "" || t.Name == "" {
		return t, fmt.Errorf("malformed task message: %v", values)
	}
	if v, ok := values["attempt"].(string); ok {
		attempt, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("parse attempt: %w", err)
		}
		t.Attempt = attempt
	}
	if v, ok := values["requested"].(string); ok {
		requested, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return t, fmt.Errorf("parse requested: %w", err)
		}
		t.Requested = requested
	}
	return t, nil
}

// DeadLetter is one failed task on the dead stream.
type DeadLetter struct {
	DLQID      string `json:"dlqId"`
	Task       Task   `json:"task"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
	DeadAt     int64  `json:"deadAt"`
}
