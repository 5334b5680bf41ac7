// Package scheduler runs the nightly retrain cron. Each tick enqueues
// training tasks; the queue owns dedupe, retries, and dead-lettering.
package scheduler

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fluentloop/synapse/internal/taskq"
)

//go:embed schedules.yaml
var schedulesYAML []byte

// scheduleTasks maps a schedule name to the tasks its tick enqueues.
// The churn tick trains both horizons.
var scheduleTasks = map[string][]string{
	"dkt":        {taskq.TaskDKT},
	"churn":      {taskq.TaskChurnPre, taskq.TaskChurnMid},
	"complexity": {taskq.TaskComplexity},
	"rl_router":  {taskq.TaskRLRouter},
	"cold_start": {taskq.TaskColdStart},
}

// Enqueuer is the slice of the task queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string) (string, error)
}

type manifest struct {
	Schedules map[string]string `yaml:"schedules"`
}

// Scheduler owns the cron engine.
type Scheduler struct {
	cron    *cron.Cron
	queue   Enqueuer
	log     zerolog.Logger
	specs   map[string]string
	baseCtx context.Context
}

// New builds the scheduler from the embedded manifest, applying any
// per-schedule overrides from the config.
func New(queue Enqueuer, overrides map[string]string, log zerolog.Logger) (*Scheduler, error) {
	var m manifest
	if err := yaml.Unmarshal(schedulesYAML, &m); err != nil {
		return nil, fmt.Errorf("parse embedded schedules: %w", err)
	}

	specs := make(map[string]string, len(m.Schedules))
	for name, spec := range m.Schedules {
		specs[name] = spec
	}
	for name, spec := range overrides {
		if _, ok := specs[name]; !ok {
			log.Warn().Str("schedule", name).Msg("override for unknown schedule ignored")
			continue
		}
		specs[name] = spec
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		queue:   queue,
		log:     log,
		specs:   specs,
		baseCtx: context.Background(),
	}

	for name, spec := range specs {
		name := name
		if _, err := s.cron.AddFunc(spec, func() { s.fire(name) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
	}
	return s, nil
}

// Start begins ticking. ctx bounds the enqueues issued by future ticks.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.cron.Start()
	s.log.Info().Int("schedules", len(s.specs)).Msg("retrain scheduler started")
}

// Stop halts the cron engine and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("retrain scheduler stopped")
}

// Schedules returns the effective cron spec per schedule name.
func (s *Scheduler) Schedules() map[string]string {
	out := make(map[string]string, len(s.specs))
	for name, spec := range s.specs {
		out[name] = spec
	}
	return out
}

// fire enqueues every task behind one schedule tick.
func (s *Scheduler) fire(name string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()

	for _, task := range scheduleTasks[name] {
		id, err := s.queue.Enqueue(ctx, task)
		if err != nil {
			s.log.Error().Err(err).Str("schedule", name).Str("task", task).Msg("scheduled enqueue failed")
			continue
		}
		s.log.Info().Str("schedule", name).Str("task", task).Str("id", id).Msg("scheduled training task")
	}
}
