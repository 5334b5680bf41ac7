package tracer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// ErrModelNotTrained means no half-life artifact has been published yet.
// Handlers surface it as 503; in-process callers take their fallback path.
var ErrModelNotTrained = errors.New("model not trained yet")

// maxHistoryEvents caps the per-user history scanned for word statistics.
const maxHistoryEvents = 10000

// Datastore is the slice of the store the predictor reads.
type Datastore interface {
	CountUserEvents(ctx context.Context, userID string) (int, error)
	UserEvents(ctx context.Context, userID string, limit int) ([]store.InteractionEvent, error)
	RecentEvents(ctx context.Context, userID string, since time.Time, limit int) ([]store.InteractionEvent, error)
	UserWords(ctx context.Context, userID, language string) ([]store.UserWord, error)
	GrammarMastery(ctx context.Context, userID string) ([]store.ConceptMastery, error)
}

// Predictor serves knowledge-state reads from the active artifact. The
// model pointer is swapped atomically on retrain, so readers never see a
// half-loaded model.
type Predictor struct {
	db    Datastore
	reg   *registry.Registry
	cfg   config.TracerConfig
	log   zerolog.Logger
	model atomic.Pointer[Model]
}

// NewPredictor builds a predictor with no model loaded. Call Load to pull
// the active artifact.
func NewPredictor(db Datastore, reg *registry.Registry, cfg config.TracerConfig, log zerolog.Logger) *Predictor {
	return &Predictor{db: db, reg: reg, cfg: cfg, log: log}
}

// Load pulls the active artifact from the registry. A missing artifact is
// not an error at startup; the service answers 503 until training runs.
func (p *Predictor) Load(ctx context.Context) error {
	art, err := p.reg.ActiveArtifact(ctx, serviceName)
	if err != nil {
		if errors.Is(err, registry.ErrNoArtifact) {
			metrics.ModelLoaded.WithLabelValues(serviceName).Set(0)
			p.log.Info().Msg("no tracer artifact yet, knowledge state unavailable until first training run")
			return nil
		}
		return fmt.Errorf("load tracer artifact: %w", err)
	}

	model, err := DecodeModel(art.Payload)
	if err != nil {
		return err
	}
	p.install(model)
	p.log.Info().Str("version", model.Version).Time("trained_at", model.TrainedAt).Msg("tracer model loaded")
	return nil
}

// install swaps the serving model.
func (p *Predictor) install(m *Model) {
	p.model.Store(m)
	metrics.ModelLoaded.WithLabelValues(serviceName).Set(1)
}

// Loaded reports whether an artifact is serving.
func (p *Predictor) Loaded() bool {
	return p.model.Load() != nil
}

// Version returns the serving model version, or empty when none is loaded.
func (p *Predictor) Version() string {
	if m := p.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// KnowledgeState computes the learner's full per-word recall picture.
// Below the event threshold it reports fallback with empty word states;
// the app keeps using its own scheduling until enough history accrues.
func (p *Predictor) KnowledgeState(ctx context.Context, userID string) (types.KnowledgeState, error) {
	model := p.model.Load()
	if model == nil {
		return types.KnowledgeState{}, ErrModelNotTrained
	}

	count, err := p.db.CountUserEvents(ctx, userID)
	if err != nil {
		return types.KnowledgeState{}, err
	}
	if count < p.cfg.MinEvents {
		return types.KnowledgeState{
			WordStates:     []types.WordState{},
			ConceptMastery: map[string]float64{},
			EventCount:     count,
			UsingFallback:  true,
		}, nil
	}

	events, err := p.db.UserEvents(ctx, userID, maxHistoryEvents)
	if err != nil {
		return types.KnowledgeState{}, err
	}
	stats := statsFromEvents(events)

	words, err := p.db.UserWords(ctx, userID, "")
	if err != nil {
		return types.KnowledgeState{}, err
	}

	now := time.Now().UTC()
	states := make([]types.WordState, 0, len(words))
	for _, w := range words {
		st := stats[w.ID]
		if st == nil {
			// No recall signal in the event stream. Old vocabulary
			// predating event collection still gets a state from its
			// SRS columns; words never reviewed at all get none.
			if w.LastReviewed == nil {
				continue
			}
			st = &wordStats{right: w.Repetitions, lastSeen: *w.LastReviewed}
		}
		elapsed := now.Sub(st.lastSeen).Hours() / 24
		pr := model.Recall(st.right, st.wrong, elapsed)
		states = append(states, types.WordState{
			WordID:     w.ID,
			PRecall:    round4(pr),
			PForget48h: round4(model.Forecast(Horizon48h) * (1 - pr)),
			PForget7d:  round4(model.Forecast(Horizon7d) * (1 - pr)),
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].WordID < states[j].WordID })

	return types.KnowledgeState{
		WordStates:     states,
		ConceptMastery: p.conceptMastery(ctx, userID),
		EventCount:     count,
		UsingFallback:  false,
	}, nil
}

// WordPrediction is one planned word's predicted recall.
type WordPrediction struct {
	WordID          string  `json:"wordId"`
	PredictedRecall float64 `json:"predictedRecall"`
}

// SessionPrediction is the predicted performance for a planned session.
type SessionPrediction struct {
	Predictions   []WordPrediction `json:"predictions"`
	UsingFallback bool             `json:"usingFallback"`
}

// PredictSession estimates recall for each planned word as of now. Words
// the learner has no history with get the 0.5 coin-flip prior.
func (p *Predictor) PredictSession(ctx context.Context, userID string, plannedWords []string) (SessionPrediction, error) {
	model := p.model.Load()
	if model == nil {
		return SessionPrediction{}, ErrModelNotTrained
	}

	count, err := p.db.CountUserEvents(ctx, userID)
	if err != nil {
		return SessionPrediction{}, err
	}
	if count < p.cfg.MinEvents {
		return SessionPrediction{Predictions: []WordPrediction{}, UsingFallback: true}, nil
	}

	events, err := p.db.UserEvents(ctx, userID, maxHistoryEvents)
	if err != nil {
		return SessionPrediction{}, err
	}
	stats := statsFromEvents(events)

	now := time.Now().UTC()
	preds := make([]WordPrediction, 0, len(plannedWords))
	for _, wid := range plannedWords {
		pr := 0.5
		if st, ok := stats[wid]; ok {
			elapsed := now.Sub(st.lastSeen).Hours() / 24
			pr = model.Recall(st.right, st.wrong, elapsed)
		}
		preds = append(preds, WordPrediction{WordID: wid, PredictedRecall: round4(pr)})
	}
	return SessionPrediction{Predictions: preds, UsingFallback: false}, nil
}

// FallbackKnowledge returns plain per-word accuracy over the recent
// window. It needs no artifact; routing uses it when the model is
// missing or the breaker is open.
func (p *Predictor) FallbackKnowledge(ctx context.Context, userID string) (map[string]float64, error) {
	since := time.Now().UTC().AddDate(0, 0, -p.cfg.FallbackDays)
	events, err := p.db.RecentEvents(ctx, userID, since, p.cfg.FallbackLimit)
	if err != nil {
		return nil, err
	}

	type counts struct{ right, total int }
	perWord := make(map[string]*counts)
	for _, e := range events {
		if e.WordID == "" || e.Correct == nil {
			continue
		}
		c := perWord[e.WordID]
		if c == nil {
			c = &counts{}
			perWord[e.WordID] = c
		}
		c.total++
		if *e.Correct {
			c.right++
		}
	}

	acc := make(map[string]float64, len(perWord))
	for wid, c := range perWord {
		acc[wid] = round4(float64(c.right) / float64(c.total))
	}
	return acc, nil
}

// conceptMastery is best effort: a failing mastery function should not
// take down the word states.
func (p *Predictor) conceptMastery(ctx context.Context, userID string) map[string]float64 {
	rows, err := p.db.GrammarMastery(ctx, userID)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("grammar mastery fetch failed, omitting")
		return map[string]float64{}
	}
	mastery := make(map[string]float64, len(rows))
	for _, r := range rows {
		mastery[r.Tag()] = round4(r.MasteryScore)
	}
	return mastery
}

// wordStats accumulates one word's recall history.
type wordStats struct {
	right, wrong int
	lastSeen     time.Time
}

// statsFromEvents folds an event stream into per-word stats. Events
// without a word or correctness flag carry no recall signal.
func statsFromEvents(events []store.InteractionEvent) map[string]*wordStats {
	stats := make(map[string]*wordStats)
	for _, e := range events {
		if e.WordID == "" || e.Correct == nil {
			continue
		}
		st := stats[e.WordID]
		if st == nil {
			st = &wordStats{}
			stats[e.WordID] = st
		}
		if *e.Correct {
			st.right++
		} else {
			st.wrong++
		}
		if e.CreatedAt.After(st.lastSeen) {
			st.lastSeen = e.CreatedAt
		}
	}
	return stats
}
