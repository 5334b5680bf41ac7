package churn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
)

// notificationTemplates are the re-engagement copy variants. {count},
// {streak}, and {language} are substituted before delivery.
var notificationTemplates = []string{
	"{count} words you're about to forget",
	"Your {streak}-day streak is at risk!",
	"Just 5 minutes to keep your progress",
	"Quick review: {language} words fading from memory",
	"Your brain wants to practice — {count} words ready",
}

// Datastore is the slice of the store the churn predictor touches.
type Datastore interface {
	SessionSummaries(ctx context.Context, userID string, limit int) ([]store.SessionSummary, error)
	SessionSummary(ctx context.Context, sessionID string) (store.SessionSummary, error)
	EventsForSession(ctx context.Context, sessionID string) ([]store.InteractionEvent, error)
	UserWords(ctx context.Context, userID, language string) ([]store.UserWord, error)
	Profile(ctx context.Context, userID string) (store.Profile, error)
	SaveChurnPrediction(ctx context.Context, p store.ChurnPrediction) (string, error)
	SaveAbandonmentSnapshot(ctx context.Context, snap store.AbandonmentSnapshot) (string, error)
	SaveIntervention(ctx context.Context, iv store.RescueIntervention) (string, error)
}

// Predictor serves churn and abandonment estimates. Both model pointers
// are swapped atomically on retrain; the heuristics serve whenever a
// pointer is empty.
type Predictor struct {
	db  Datastore
	reg *registry.Registry
	cfg config.ChurnConfig
	log zerolog.Logger

	pre atomic.Pointer[Model]
	mid atomic.Pointer[Model]
}

// NewPredictor builds a predictor with no models loaded. Call Load to
// pull the active artifacts.
func NewPredictor(db Datastore, reg *registry.Registry, cfg config.ChurnConfig, log zerolog.Logger) *Predictor {
	return &Predictor{db: db, reg: reg, cfg: cfg, log: log}
}

// Load pulls both active artifacts from the registry. Missing artifacts
// are not errors; the heuristics carry the service until training runs.
func (p *Predictor) Load(ctx context.Context) error {
	if err := p.loadSlug(ctx, preSlug, preFeatureDim, p.installPre); err != nil {
		return err
	}
	return p.loadSlug(ctx, midSlug, midFeatureDim, p.installMid)
}

func (p *Predictor) loadSlug(ctx context.Context, slug string, dim int, install func(*Model)) error {
	art, err := p.reg.ActiveArtifact(ctx, slug)
	if err != nil {
		if errors.Is(err, registry.ErrNoArtifact) {
			metrics.ModelLoaded.WithLabelValues(slug).Set(0)
			p.log.Info().Str("model", slug).Msg("no churn artifact yet, heuristic serving")
			return nil
		}
		return fmt.Errorf("load %s artifact: %w", slug, err)
	}
	model, err := DecodeModel(art.Payload, dim)
	if err != nil {
		return err
	}
	install(model)
	p.log.Info().Str("model", slug).Str("version", model.Version).Msg("churn model loaded")
	return nil
}

func (p *Predictor) installPre(m *Model) {
	p.pre.Store(m)
	metrics.ModelLoaded.WithLabelValues(preSlug).Set(1)
}

func (p *Predictor) installMid(m *Model) {
	p.mid.Store(m)
	metrics.ModelLoaded.WithLabelValues(midSlug).Set(1)
}

// PreVersion returns the serving pre-session model version, or empty.
func (p *Predictor) PreVersion() string {
	if m := p.pre.Load(); m != nil {
		return m.Version
	}
	return ""
}

// MidVersion returns the serving mid-session model version, or empty.
func (p *Predictor) MidVersion() string {
	if m := p.mid.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Prediction is one pre-session churn estimate.
type Prediction struct {
	UserID              string             `json:"userId"`
	ChurnProbability    float64            `json:"churnProbability"`
	TriggerNotification bool               `json:"triggerNotification"`
	NotificationHook    *string            `json:"notificationHook,omitempty"`
	UsingModel          bool               `json:"usingModel"`
	ModelVersion        string             `json:"modelVersion"`
	Features            map[string]float64 `json:"features"`
	PredictionID        string             `json:"predictionId,omitempty"`
}

// PredictChurn estimates the probability the learner skips their next
// session, persists the prediction, and attaches a notification hook
// when risk crosses the threshold.
func (p *Predictor) PredictChurn(ctx context.Context, userID string) (Prediction, error) {
	now := time.Now().UTC()

	sums, err := p.db.SessionSummaries(ctx, userID, streakLookback)
	if err != nil {
		return Prediction{}, fmt.Errorf("session history: %w", err)
	}
	if len(sums) == 0 {
		// Nothing to condition on. A neutral answer with no nudge; the
		// cold-start path owns brand-new learners.
		pred := Prediction{
			UserID:           userID,
			ChurnProbability: 0.5,
			ModelVersion:     "heuristic",
			Features:         map[string]float64{},
		}
		pred.PredictionID = p.persistChurn(ctx, pred, now)
		return pred, nil
	}

	f := buildPreFeatures(sums, now)
	pred := Prediction{
		UserID:       userID,
		ModelVersion: "heuristic",
		Features:     f.asMap(),
	}
	if m := p.pre.Load(); m != nil && m.Samples >= p.cfg.MinTrainingSamples {
		pred.ChurnProbability = round4(m.Prob(f.vector()))
		pred.UsingModel = true
		pred.ModelVersion = m.Version
	} else {
		pred.ChurnProbability = heuristicChurn(f)
	}

	if pred.ChurnProbability >= p.cfg.ChurnThreshold {
		pred.TriggerNotification = true
		hook := p.notificationHook(ctx, userID, int(f.CurrentStreakDays), now)
		pred.NotificationHook = &hook
	}

	pred.PredictionID = p.persistChurn(ctx, pred, now)
	return pred, nil
}

// notificationHook renders one re-engagement message. The template
// rotates by weekday so repeat nudges do not read identically, except a
// live streak always leads with the streak message.
func (p *Predictor) notificationHook(ctx context.Context, userID string, streak int, now time.Time) string {
	total := 0
	if words, err := p.db.UserWords(ctx, userID, ""); err == nil {
		total = len(words)
	}
	language := "your"
	if prof, err := p.db.Profile(ctx, userID); err == nil && prof.TargetLanguage != "" {
		language = prof.TargetLanguage
	}

	tpl := notificationTemplates[int(now.Weekday())%len(notificationTemplates)]
	if streak >= 3 {
		tpl = notificationTemplates[1]
	}

	count := max(3, total*15/100)
	r := strings.NewReplacer(
		"{count}", fmt.Sprintf("%d", count),
		"{streak}", fmt.Sprintf("%d", streak),
		"{language}", language,
	)
	return r.Replace(tpl)
}

// persistChurn writes the churn_predictions row, one per user per day.
// A write failure downgrades to a log line; the estimate still serves.
func (p *Predictor) persistChurn(ctx context.Context, pred Prediction, now time.Time) string {
	features, _ := json.Marshal(pred.Features)
	id, err := p.db.SaveChurnPrediction(ctx, store.ChurnPrediction{
		UserID:              pred.UserID,
		ChurnProbability:    pred.ChurnProbability,
		TriggerNotification: pred.TriggerNotification,
		NotificationHook:    pred.NotificationHook,
		ModelVersion:        pred.ModelVersion,
		Features:            features,
		PredictionDate:      now.Format("2006-01-02"),
	})
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", pred.UserID).Msg("churn prediction not persisted")
		return ""
	}
	return id
}
