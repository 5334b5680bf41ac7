package tracer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fluentloop/synapse/internal/types"
)

// Client guards in-process knowledge-state reads behind a circuit
// breaker. Story selection and session planning call the tracer on their
// own hot paths; when the data plane struggles the breaker opens and
// they take their degraded branch immediately instead of stacking
// timeouts.
//
// ErrModelNotTrained counts as success for the breaker: an untrained
// model is a domain outcome, not a sign the tracer is unhealthy.
type Client struct {
	pred *Predictor
	cb   *gobreaker.CircuitBreaker
}

// NewClient wraps a predictor with the breaker.
func NewClient(pred *Predictor, log zerolog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "knowledge-tracer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrModelNotTrained)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("tracer breaker state change")
		},
	}
	return &Client{pred: pred, cb: gobreaker.NewCircuitBreaker(settings)}
}

// KnowledgeState proxies Predictor.KnowledgeState through the breaker.
// An open breaker returns gobreaker.ErrOpenState; callers treat any
// error as "use the fallback".
func (c *Client) KnowledgeState(ctx context.Context, userID string) (types.KnowledgeState, error) {
	v, err := c.cb.Execute(func() (any, error) {
		return c.pred.KnowledgeState(ctx, userID)
	})
	if err != nil {
		return types.KnowledgeState{}, err
	}
	return v.(types.KnowledgeState), nil
}

// FallbackKnowledge bypasses the breaker: it reads plain accuracy and is
// itself the degraded path.
func (c *Client) FallbackKnowledge(ctx context.Context, userID string) (map[string]float64, error) {
	return c.pred.FallbackKnowledge(ctx, userID)
}
