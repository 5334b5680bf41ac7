package churn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fluentloop/synapse/internal/store"
)

// RiskAssessment is one mid-session abandonment estimate, with the
// chosen rescue intervention when risk crosses the threshold.
type RiskAssessment struct {
	UserID                 string             `json:"userId"`
	SessionID              string             `json:"sessionId"`
	AbandonmentProbability float64            `json:"abandonmentProbability"`
	ShouldIntervene        bool               `json:"shouldIntervene"`
	Intervention           *Intervention      `json:"intervention,omitempty"`
	UsingModel             bool               `json:"usingModel"`
	ModelVersion           string             `json:"modelVersion"`
	Features               map[string]float64 `json:"features"`
	CheckAgainInWords      int                `json:"checkAgainInWords"`
}

// PredictAbandonment estimates the probability the learner quits the
// running session, persists a snapshot, and picks a rescue intervention
// above the threshold. totalWords is the planned session length; zero
// means unknown.
func (p *Predictor) PredictAbandonment(ctx context.Context, userID, sessionID string, totalWords int) (RiskAssessment, error) {
	now := time.Now().UTC()

	events, err := p.db.EventsForSession(ctx, sessionID)
	if err != nil {
		return RiskAssessment{}, fmt.Errorf("session events: %w", err)
	}

	if totalWords <= 0 {
		if sum, err := p.db.SessionSummary(ctx, sessionID); err == nil {
			totalWords = sum.TotalWords
		} else if !errors.Is(err, store.ErrNotFound) {
			return RiskAssessment{}, fmt.Errorf("session summary: %w", err)
		}
	}

	risk := RiskAssessment{
		UserID:            userID,
		SessionID:         sessionID,
		ModelVersion:      "heuristic",
		Features:          map[string]float64{},
		CheckAgainInWords: p.cfg.CheckIntervalWords,
	}

	if len(events) == 0 {
		// The session just opened; nothing observed yet.
		risk.AbandonmentProbability = 0.3
		p.persistSnapshot(ctx, risk, 0)
		return risk, nil
	}

	f := buildMidFeatures(events, totalWords, now)
	risk.Features = f.asMap()
	if m := p.mid.Load(); m != nil && m.Samples >= p.cfg.MidMinTrainingSamples {
		risk.AbandonmentProbability = round4(m.Prob(f.vector()))
		risk.UsingModel = true
		risk.ModelVersion = m.Version
	} else {
		risk.AbandonmentProbability = heuristicAbandonment(f)
	}

	if risk.AbandonmentProbability >= p.cfg.AbandonmentThreshold {
		risk.ShouldIntervene = true
		risk.Intervention = p.pickIntervention(ctx, userID, f)
	}

	p.persistSnapshot(ctx, risk, len(events))
	if risk.Intervention != nil {
		p.persistIntervention(ctx, risk)
	}
	return risk, nil
}

// persistSnapshot writes the session_abandonment_snapshots row. Write
// failures never block the live estimate.
func (p *Predictor) persistSnapshot(ctx context.Context, risk RiskAssessment, done int) {
	features, _ := json.Marshal(risk.Features)
	var intervention *string
	if risk.Intervention != nil {
		intervention = &risk.Intervention.Type
	}
	_, err := p.db.SaveAbandonmentSnapshot(ctx, store.AbandonmentSnapshot{
		UserID:                  risk.UserID,
		SessionID:               risk.SessionID,
		WordsCompletedSoFar:     done,
		AbandonmentProbability:  risk.AbandonmentProbability,
		RecommendedIntervention: intervention,
		Features:                features,
		ModelVersion:            risk.ModelVersion,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("session_id", risk.SessionID).Msg("abandonment snapshot not persisted")
	}
}

func (p *Predictor) persistIntervention(ctx context.Context, risk RiskAssessment) {
	payload, _ := json.Marshal(risk.Intervention.Payload)
	_, err := p.db.SaveIntervention(ctx, store.RescueIntervention{
		UserID:             risk.UserID,
		SessionID:          risk.SessionID,
		InterventionType:   risk.Intervention.Type,
		TriggerProbability: risk.AbandonmentProbability,
		Payload:            payload,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("session_id", risk.SessionID).Msg("rescue intervention not persisted")
	}
}
