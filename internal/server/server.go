// Package server wires the serving cores, the task queue, and the
// retrain scheduler into a single HTTP process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/churn"
	"github.com/fluentloop/synapse/internal/cogload"
	"github.com/fluentloop/synapse/internal/coldstart"
	"github.com/fluentloop/synapse/internal/complexity"
	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/feedback"
	"github.com/fluentloop/synapse/internal/gateway"
	"github.com/fluentloop/synapse/internal/gdpr"
	"github.com/fluentloop/synapse/internal/llm"
	"github.com/fluentloop/synapse/internal/predlog"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/reward"
	"github.com/fluentloop/synapse/internal/router"
	"github.com/fluentloop/synapse/internal/scheduler"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/story"
	"github.com/fluentloop/synapse/internal/taskq"
	"github.com/fluentloop/synapse/internal/tracer"
)

const shutdownTimeout = 15 * time.Second

// Server owns the process-wide resources and the HTTP listener.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	rdb      *redis.Client
	db       *store.Store
	reg      *registry.Registry
	cache    *cache.Cache
	recorder *predlog.Recorder

	tracerPred *tracer.Predictor
	dkt        *tracer.Client
	sessions   *cogload.Service
	engine     *router.Engine
	rewards    *reward.Attributor
	selector   *story.Selector
	churnPred  *churn.Predictor
	planner    *complexity.Planner
	assigner   *coldstart.Assigner
	composer   *feedback.Composer

	queue     *taskq.Queue
	worker    *taskq.Worker
	scheduler *scheduler.Scheduler
	gateway   *gateway.Handler

	httpServer *http.Server
}

// New builds every component from configuration. The data plane and
// Redis are not contacted here; only the artifact registry is opened.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})

	db := store.New(cfg.Data)

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	c := cache.New(rdb, time.Duration(cfg.Cache.TTL)*time.Second, log)
	rec := predlog.New(rdb, db, log)

	tracerPred := tracer.NewPredictor(db, reg, cfg.Tracer, log)
	dkt := tracer.NewClient(tracerPred, log)

	est := cogload.NewEstimator(cfg.CogLoad.DefaultBaselineMs, cfg.CogLoad.Window, cfg.CogLoad.TrendWindow)
	sessions := cogload.NewService(est, db, log)

	engine := router.NewEngine(db, dkt, reg, cfg.Router, log)
	rewards := reward.NewAttributor(db, dkt, log)
	selector := story.NewSelector(db, dkt, cfg.Story, log)
	churnPred := churn.NewPredictor(db, reg, cfg.Churn, log)
	planner := complexity.NewPlanner(db, dkt, reg, cfg.Complexity, log)
	assigner := coldstart.NewAssigner(db, reg, cfg.ColdStart, log)

	provider, err := llm.New(cfg.LLM)
	if err != nil {
		log.Warn().Err(err).Msg("llm provider unavailable, feedback degrades to pattern descriptions")
		provider = nil
	}
	composer := feedback.NewComposer(db, provider, log)

	eraser := gdpr.NewCoordinator(db, c, sessions, log)
	checks := []gateway.Check{
		{Name: "redis", Probe: cacheProbe(c)},
		{Name: "store", Probe: db.Health},
		{Name: "registry", Probe: reg.Health},
	}
	gw := gateway.NewHandler(db, eraser, checks, log)

	queue := taskq.NewQueue(rdb, log)
	worker := taskq.NewWorker(rdb, log)
	worker.Register(taskq.TaskDKT, tracer.NewTrainer(db, reg, tracerPred, c, log).Train)
	worker.Register(taskq.TaskRLRouter, router.NewTrainer(db, reg, engine, c, cfg.Router, log).Train)
	churnTrainer := churn.NewTrainer(db, reg, churnPred, c, log)
	worker.Register(taskq.TaskChurnPre, churnTrainer.TrainPre)
	worker.Register(taskq.TaskChurnMid, churnTrainer.TrainMid)
	worker.Register(taskq.TaskComplexity, complexity.NewTrainer(db, reg, planner, c, log).Train)
	worker.Register(taskq.TaskColdStart, coldstart.NewTrainer(db, reg, assigner, c, log).Train)

	sched, err := scheduler.New(queue, cfg.Scheduler.Specs, log)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		rdb:        rdb,
		db:         db,
		reg:        reg,
		cache:      c,
		recorder:   rec,
		tracerPred: tracerPred,
		dkt:        dkt,
		sessions:   sessions,
		engine:     engine,
		rewards:    rewards,
		selector:   selector,
		churnPred:  churnPred,
		planner:    planner,
		assigner:   assigner,
		composer:   composer,
		queue:      queue,
		worker:     worker,
		scheduler:  sched,
		gateway:    gw,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts
// down in order: HTTP drain, scheduler, worker, prediction log,
// registry, Redis.
func (s *Server) Run(ctx context.Context) error {
	if err := s.recorder.Start(ctx); err != nil {
		s.log.Warn().Err(err).Msg("prediction log recorder failed to start")
	}
	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("start task worker: %w", err)
	}
	s.scheduler.Start(ctx)
	s.warmLoad(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
	s.scheduler.Stop()
	s.worker.Stop()
	s.recorder.Stop()
	if err := s.reg.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close registry")
	}
	if err := s.rdb.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close redis")
	}
	s.log.Info().Msg("stopped")
	return serveErr
}

// warmLoad pulls the active artifact for each serving core. A missing
// artifact is normal before the first training run.
func (s *Server) warmLoad(ctx context.Context) {
	cores := []struct {
		name string
		load func(context.Context) error
	}{
		{"dkt", s.tracerPred.Load},
		{"router", s.engine.Load},
		{"churn", s.churnPred.Load},
		{"complexity", s.planner.Load},
		{"coldstart", s.assigner.Load},
	}
	for _, c := range cores {
		if err := c.load(ctx); err != nil {
			s.log.Warn().Err(err).Str("service", c.name).Msg("no serving artifact loaded")
		}
	}
}

func cacheProbe(c *cache.Cache) func(context.Context) error {
	return func(ctx context.Context) error {
		st := c.Health(ctx)
		if !st.Connected {
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return errors.New("not connected")
		}
		return nil
	}
}
