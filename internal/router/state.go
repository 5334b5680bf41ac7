package router

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// StateDim is the length of the learner-state vector both policies
// consume. Changing it invalidates every published policy artifact.
const StateDim = 24

const (
	lowProductionThreshold    = 0.4
	lowPronunciationThreshold = 0.3
	maxLowWordIDs             = 20

	recentSessionWindow  = 50
	completionRateWindow = 10
	minutesLookbackDays  = 60
	minutesSampleCap     = 20
	defaultMinutes       = 15.0
	defaultDaysSince     = 30.0
)

// learnerState is the assembled routing context: everything the policies
// and the rule cascade look at for one decision.
type learnerState struct {
	userID     string
	eventCount int

	recallMean float64
	recallStd  float64
	recallMin  float64
	recallMax  float64
	recallP25  float64
	recallP75  float64

	lastModules []string // newest first, at most three

	avgProduction    float64 // 0-1
	avgPronunciation float64 // 0-1

	weakestConceptTag   string
	weakestConceptScore float64

	lastSessionLoad float64
	minutesAvail    float64
	daysSinceLast   float64

	dueWords   int
	totalWords int

	lowProductionWordIDs    []string
	lowPronunciationWordIDs []string

	completionRate float64

	now time.Time
}

// defaultState returns a state with every signal at its neutral value,
// the shape a brand-new learner presents.
func defaultState(userID string, now time.Time) *learnerState {
	return &learnerState{
		userID:              userID,
		recallMean:          0.5,
		recallStd:           0.5,
		recallMin:           0.5,
		recallMax:           0.5,
		recallP25:           0.5,
		recallP75:           0.5,
		avgProduction:       0.5,
		avgPronunciation:    0.5,
		weakestConceptScore: 1.0,
		lastSessionLoad:     0.5,
		minutesAvail:        defaultMinutes,
		daysSinceLast:       defaultDaysSince,
		completionRate:      1.0,
		now:                 now,
	}
}

// buildState assembles the learner state from the knowledge tracer and
// the data plane. Tracer failures degrade to neutral recall features
// instead of failing the routing request.
func (e *Engine) buildState(ctx context.Context, userID string, availableMinutes *float64) (*learnerState, error) {
	now := time.Now().UTC()
	st := defaultState(userID, now)

	count, err := e.db.CountUserEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	st.eventCount = count

	if ks, err := e.dkt.KnowledgeState(ctx, userID); err == nil {
		fillRecallStats(st, ks)
	} else {
		e.log.Debug().Err(err).Str("user_id", userID).Msg("knowledge state unavailable, using neutral recall features")
	}

	sessions, err := e.db.SessionSummaries(ctx, userID, recentSessionWindow)
	if err != nil {
		return nil, err
	}
	fillSessionStats(st, sessions, availableMinutes)

	words, err := e.db.UserWords(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	fillWordStats(st, words)

	mastery, err := e.db.GrammarMastery(ctx, userID)
	if err != nil {
		return nil, err
	}
	fillMasteryStats(st, mastery)

	return st, nil
}

func fillRecallStats(st *learnerState, ks types.KnowledgeState) {
	if len(ks.WordStates) == 0 {
		return
	}
	recalls := make([]float64, len(ks.WordStates))
	for i, w := range ks.WordStates {
		recalls[i] = w.PRecall
	}
	sort.Float64s(recalls)

	var sum float64
	for _, r := range recalls {
		sum += r
	}
	mean := sum / float64(len(recalls))
	var sq float64
	for _, r := range recalls {
		d := r - mean
		sq += d * d
	}

	st.recallMean = round4(mean)
	st.recallStd = round4(math.Sqrt(sq / float64(len(recalls))))
	st.recallMin = recalls[0]
	st.recallMax = recalls[len(recalls)-1]
	st.recallP25 = round4(percentile(recalls, 0.25))
	st.recallP75 = round4(percentile(recalls, 0.75))
}

// percentile with linear interpolation over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func fillSessionStats(st *learnerState, sessions []store.SessionSummary, availableMinutes *float64) {
	for _, s := range sessions[:min(3, len(sessions))] {
		st.lastModules = append(st.lastModules, s.ModuleSource)
	}

	if len(sessions) > 0 {
		last := sessions[0]
		if last.EstimatedCognitiveLoad != nil {
			st.lastSessionLoad = *last.EstimatedCognitiveLoad
		}
		days := st.now.Sub(last.StartedAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		st.daysSinceLast = math.Round(days*100) / 100

		completed := 0
		window := sessions[:min(completionRateWindow, len(sessions))]
		for _, s := range window {
			if s.CompletedSession {
				completed++
			}
		}
		st.completionRate = round4(float64(completed) / float64(len(window)))
	}

	if availableMinutes != nil && *availableMinutes > 0 {
		st.minutesAvail = *availableMinutes
	} else {
		st.minutesAvail = historicalMinutes(sessions, st.now)
	}
}

// historicalMinutes estimates session length from history: the average
// duration of recent sessions in the same time-of-day bucket, falling
// back to the overall recent average, then to the platform default.
func historicalMinutes(sessions []store.SessionSummary, now time.Time) float64 {
	cutoff := now.AddDate(0, 0, -minutesLookbackDays)
	bucket := types.TimeBucket(now.Hour())

	var bucketMin, allMin []float64
	for _, s := range sessions {
		if s.StartedAt.Before(cutoff) || s.SessionDurationMs <= 0 {
			continue
		}
		minutes := s.SessionDurationMs / 60000
		if len(allMin) < minutesSampleCap {
			allMin = append(allMin, minutes)
		}
		if types.TimeBucket(s.StartedAt.Hour()) == bucket && len(bucketMin) < minutesSampleCap {
			bucketMin = append(bucketMin, minutes)
		}
	}

	if len(bucketMin) > 0 {
		return mean(bucketMin)
	}
	if len(allMin) > 0 {
		return mean(allMin)
	}
	return defaultMinutes
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func fillWordStats(st *learnerState, words []store.UserWord) {
	st.totalWords = len(words)
	if len(words) == 0 {
		return
	}

	var prodSum, pronSum float64
	for _, w := range words {
		prod := w.ProductionScore / 100
		pron := w.PronunciationScore / 100
		prodSum += prod
		pronSum += pron

		if prod < lowProductionThreshold && len(st.lowProductionWordIDs) < maxLowWordIDs {
			st.lowProductionWordIDs = append(st.lowProductionWordIDs, w.ID)
		}
		if pron < lowPronunciationThreshold && len(st.lowPronunciationWordIDs) < maxLowWordIDs {
			st.lowPronunciationWordIDs = append(st.lowPronunciationWordIDs, w.ID)
		}
		if w.NextReview != nil && !w.NextReview.After(st.now) {
			st.dueWords++
		}
	}
	st.avgProduction = round4(prodSum / float64(len(words)))
	st.avgPronunciation = round4(pronSum / float64(len(words)))
}

func fillMasteryStats(st *learnerState, mastery []store.ConceptMastery) {
	for _, m := range mastery {
		if st.weakestConceptTag == "" || m.MasteryScore < st.weakestConceptScore {
			st.weakestConceptTag = m.Tag()
			st.weakestConceptScore = m.MasteryScore
		}
	}
	st.weakestConceptScore = round4(st.weakestConceptScore)
}

// vector flattens the state into the policy input layout:
//
//	[0-5]   recall mean, std, min, max, p25, p75
//	[6-8]   last three session modules as normalized action indices
//	[9-12]  production, pronunciation, weakest mastery, last load
//	[13-18] minutes/60, days/30, due/200, total/2000, lowProd/50, lowPron/50
//	[19-22] sin/cos hour of day, sin/cos day of week
//	[23]    session completion rate
//
// Every ratio is capped at 1 so one prolific learner cannot stretch the
// feature scale.
func (st *learnerState) vector() []float64 {
	x := make([]float64, StateDim)

	x[0] = st.recallMean
	x[1] = st.recallStd
	x[2] = st.recallMin
	x[3] = st.recallMax
	x[4] = st.recallP25
	x[5] = st.recallP75

	fillModuleDims(x, st.lastModules)

	x[9] = st.avgProduction
	x[10] = st.avgPronunciation
	x[11] = st.weakestConceptScore
	x[12] = st.lastSessionLoad

	x[13] = math.Min(st.minutesAvail/60, 1)
	x[14] = math.Min(st.daysSinceLast/30, 1)
	x[15] = math.Min(float64(st.dueWords)/200, 1)
	x[16] = math.Min(float64(st.totalWords)/2000, 1)
	x[17] = math.Min(float64(len(st.lowProductionWordIDs))/50, 1)
	x[18] = math.Min(float64(len(st.lowPronunciationWordIDs))/50, 1)

	fillTimeDims(x, st.now)

	x[23] = st.completionRate
	return x
}

// fillModuleDims encodes the last three session modules into dims 6-8 as
// action indices scaled to [0,1]. Modules outside the action set map to
// index zero; missing history reads as the neutral 0.5.
func fillModuleDims(x []float64, lastModules []string) {
	span := float64(len(types.Actions) - 1)
	for i := 0; i < 3; i++ {
		if i < len(lastModules) {
			idx := types.ActionIndex(types.Action(lastModules[i]))
			if idx < 0 {
				idx = 0
			}
			x[6+i] = float64(idx) / span
		} else {
			x[6+i] = 0.5
		}
	}
}

// fillTimeDims encodes the decision time cyclically: hour of day and day
// of week, Monday first.
func fillTimeDims(x []float64, now time.Time) {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	x[19] = math.Sin(2 * math.Pi * hour / 24)
	x[20] = math.Cos(2 * math.Pi * hour / 24)

	weekday := float64((int(now.Weekday()) + 6) % 7)
	x[21] = math.Sin(2 * math.Pi * weekday / 7)
	x[22] = math.Cos(2 * math.Pi * weekday / 7)
}

// StateSnapshot is the compact state summary persisted with every
// decision. It carries enough to rebuild an approximate policy vector
// when the reward lands, and the pre-decision metrics the reward
// computation compares against.
type StateSnapshot struct {
	RecallMean            float64  `json:"recallMean"`
	EventCount            int      `json:"eventCount"`
	AvgProductionScore    float64  `json:"avgProductionScore"`
	AvgPronunciationScore float64  `json:"avgPronunciationScore"`
	WeakestConceptTag     string   `json:"weakestConceptTag,omitempty"`
	WeakestConceptScore   float64  `json:"weakestConceptScore"`
	CognitiveLoadLast     float64  `json:"cognitiveLoadLastSession"`
	DaysSinceLastSession  float64  `json:"daysSinceLastSession"`
	EstimatedMinutes      float64  `json:"estimatedAvailableMinutes"`
	DueWordCount          int      `json:"dueWordCount"`
	TotalWords            int      `json:"totalWords"`
	LastModules           []string `json:"lastModules,omitempty"`
	SessionCompletionRate float64  `json:"sessionCompletionRate"`
}

func (st *learnerState) snapshot() StateSnapshot {
	return StateSnapshot{
		RecallMean:            st.recallMean,
		EventCount:            st.eventCount,
		AvgProductionScore:    st.avgProduction,
		AvgPronunciationScore: st.avgPronunciation,
		WeakestConceptTag:     st.weakestConceptTag,
		WeakestConceptScore:   st.weakestConceptScore,
		CognitiveLoadLast:     st.lastSessionLoad,
		DaysSinceLastSession:  st.daysSinceLast,
		EstimatedMinutes:      st.minutesAvail,
		DueWordCount:          st.dueWords,
		TotalWords:            st.totalWords,
		LastModules:           st.lastModules,
		SessionCompletionRate: st.completionRate,
	}
}

// DecodeSnapshot parses a persisted state snapshot.
func DecodeSnapshot(raw json.RawMessage) (StateSnapshot, error) {
	var snap StateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return StateSnapshot{}, err
	}
	return snap, nil
}

// Vector reconstructs an approximate policy vector from a snapshot taken
// at decisionTime. Recall distribution and weak-word counts are not
// persisted, so those dims sit at the neutral 0.5; the mean and the time
// features are rebuilt exactly.
func (s StateSnapshot) Vector(decisionTime time.Time) []float64 {
	x := make([]float64, StateDim)
	for i := range x {
		x[i] = 0.5
	}

	x[0] = s.RecallMean
	fillModuleDims(x, s.LastModules)

	x[9] = s.AvgProductionScore
	x[10] = s.AvgPronunciationScore
	x[11] = s.WeakestConceptScore
	x[12] = s.CognitiveLoadLast

	x[13] = math.Min(s.EstimatedMinutes/60, 1)
	x[14] = math.Min(s.DaysSinceLastSession/30, 1)
	x[15] = math.Min(float64(s.DueWordCount)/200, 1)
	x[16] = math.Min(float64(s.TotalWords)/2000, 1)

	fillTimeDims(x, decisionTime)

	x[23] = s.SessionCompletionRate
	return x
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
