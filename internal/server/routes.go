package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/auth"
	"github.com/fluentloop/synapse/internal/churn"
	"github.com/fluentloop/synapse/internal/cogload"
	"github.com/fluentloop/synapse/internal/coldstart"
	"github.com/fluentloop/synapse/internal/complexity"
	"github.com/fluentloop/synapse/internal/feedback"
	"github.com/fluentloop/synapse/internal/logging"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/router"
	"github.com/fluentloop/synapse/internal/story"
	"github.com/fluentloop/synapse/internal/taskq"
	"github.com/fluentloop/synapse/internal/tracer"
)

// trainTasks maps a service path segment to the tasks its train
// endpoint enqueues. Churn retrains both horizon models.
var trainTasks = map[string][]string{
	"dkt":        {taskq.TaskDKT},
	"router":     {taskq.TaskRLRouter},
	"churn":      {taskq.TaskChurnPre, taskq.TaskChurnMid},
	"complexity": {taskq.TaskComplexity},
	"coldstart":  {taskq.TaskColdStart},
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health", s.gateway.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	keys := auth.NewMiddleware(s.cfg.Server.APIKey)
	r.Route("/ml", func(r chi.Router) {
		r.Use(keys.RequireKey)

		r.Mount("/dkt", s.withTrain("dkt",
			tracer.NewHandler(s.tracerPred, s.cache, s.recorder, s.log).Routes()))
		r.Mount("/cognitive-load",
			cogload.NewHandler(s.sessions, s.recorder, s.log).Routes())
		r.Mount("/router", s.withTrain("router",
			router.NewHandler(s.engine, s.rewards, s.recorder, s.log).Routes()))
		storyTTL := time.Duration(s.cfg.Story.CacheTTL) * time.Second
		r.Mount("/story",
			story.NewHandler(s.selector, s.cache, s.recorder, storyTTL, s.log).Routes())
		r.Mount("/churn", s.withTrain("churn",
			churn.NewHandler(s.churnPred, s.cache, s.recorder, s.log).Routes()))
		r.Mount("/complexity", s.withTrain("complexity",
			complexity.NewHandler(s.planner, s.cache, s.recorder, s.log).Routes()))
		r.Mount("/coldstart", s.withTrain("coldstart",
			coldstart.NewHandler(s.assigner, s.cache, s.recorder, s.log).Routes()))
		r.Mount("/feedback",
			feedback.NewHandler(s.composer, s.cache, s.recorder, s.log).Routes())

		r.Delete("/user/{userID}", s.gateway.Erase)
		r.Get("/data-summary/{userID}", s.gateway.DataSummary)
	})

	return r
}

// withTrain attaches the retrain trigger to a service subrouter before
// it is mounted.
func (s *Server) withTrain(service string, sub chi.Router) chi.Router {
	sub.Post("/train", s.train(service))
	return sub
}

func (s *Server) train(service string) http.HandlerFunc {
	tasks := trainTasks[service]
	return func(w http.ResponseWriter, r *http.Request) {
		ids := make([]string, 0, len(tasks))
		for _, task := range tasks {
			id, err := s.queue.Enqueue(r.Context(), task)
			if err != nil {
				s.log.Error().Err(err).Str("task", task).Msg("enqueue failed")
				api.Error(w, http.StatusServiceUnavailable, "task queue unavailable")
				return
			}
			ids = append(ids, id)
		}
		s.log.Info().Str("service", service).Strs("taskIds", ids).Msg("training enqueued")
		resp := trainResponse{TaskID: ids[0]}
		if len(ids) > 1 {
			resp.TaskIDs = ids
		}
		api.JSON(w, http.StatusAccepted, resp)
	}
}

type trainResponse struct {
	TaskID  string   `json:"taskId"`
	TaskIDs []string `json:"taskIds,omitempty"`
}
