package ppo

import (
	"encoding/json"
	"fmt"
)

// Model wraps a trained network together with the artifact version it
// was decoded from. Serving is deterministic: argmax over logits.
type Model struct {
	Version string
	net     *Network
}

// NewModel wraps a network for serving.
func NewModel(net *Network, version string) *Model {
	return &Model{Version: version, net: net}
}

// Net exposes the underlying network for trainer replay.
func (m *Model) Net() *Network { return m.net }

// Decision is one served action with its softmax probabilities.
type Decision struct {
	Action     int
	Confidence float64
	Probs      []float64
}

// Decide picks the highest-logit action. Confidence is that action's
// softmax probability.
func (m *Model) Decide(state []float64) (Decision, error) {
	logits, _, err := m.net.Forward(state)
	if err != nil {
		return Decision{}, err
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	probs := softmax(logits)
	return Decision{Action: best, Confidence: probs[best], Probs: probs}, nil
}

// artifact is the registry payload: explicit dimensions plus a weight
// map keyed by layer name, so a payload trained against a different
// state layout can never be installed silently.
type artifact struct {
	StateDim int     `json:"stateDim"`
	Actions  int     `json:"nActions"`
	Hidden   int     `json:"hiddenSize"`
	Weights  weights `json:"weights"`
	Version  string  `json:"version"`
}

type weights struct {
	Fc1W [][]float64 `json:"fc1.weight"`
	Fc1B []float64   `json:"fc1.bias"`
	Ln1G []float64   `json:"ln1.weight"`
	Ln1B []float64   `json:"ln1.bias"`
	Fc2W [][]float64 `json:"fc2.weight"`
	Fc2B []float64   `json:"fc2.bias"`
	Ln2G []float64   `json:"ln2.weight"`
	Ln2B []float64   `json:"ln2.bias"`
	PolW [][]float64 `json:"policy.weight"`
	PolB []float64   `json:"policy.bias"`
	ValW [][]float64 `json:"value.weight"`
	ValB []float64   `json:"value.bias"`
}

// Encode serializes the network for the artifact registry.
func (m *Model) Encode(version string) ([]byte, error) {
	n := m.net
	art := artifact{
		StateDim: n.stateDim,
		Actions:  n.nActions,
		Hidden:   hiddenSize,
		Version:  version,
		Weights: weights{
			Fc1W: rowsOf(n.fc1W.val, hiddenSize, n.stateDim),
			Fc1B: append([]float64(nil), n.fc1B.val...),
			Ln1G: append([]float64(nil), n.ln1G.val...),
			Ln1B: append([]float64(nil), n.ln1B.val...),
			Fc2W: rowsOf(n.fc2W.val, hiddenSize, hiddenSize),
			Fc2B: append([]float64(nil), n.fc2B.val...),
			Ln2G: append([]float64(nil), n.ln2G.val...),
			Ln2B: append([]float64(nil), n.ln2B.val...),
			PolW: rowsOf(n.polW.val, n.nActions, hiddenSize),
			PolB: append([]float64(nil), n.polB.val...),
			ValW: rowsOf(n.valW.val, 1, hiddenSize),
			ValB: append([]float64(nil), n.valB.val...),
		},
	}
	payload, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("encode ppo artifact: %w", err)
	}
	return payload, nil
}

// Decode parses a registry payload and validates every tensor shape
// against the expected dimensions.
func Decode(payload []byte, stateDim, nActions int) (*Model, error) {
	var art artifact
	if err := json.Unmarshal(payload, &art); err != nil {
		return nil, fmt.Errorf("decode ppo artifact: %w", err)
	}
	if art.StateDim != stateDim {
		return nil, fmt.Errorf("ppo artifact trained on %d state dims, want %d", art.StateDim, stateDim)
	}
	if art.Actions != nActions {
		return nil, fmt.Errorf("ppo artifact has %d actions, want %d", art.Actions, nActions)
	}
	if art.Hidden != hiddenSize {
		return nil, fmt.Errorf("ppo artifact hidden size %d, want %d", art.Hidden, hiddenSize)
	}

	n := NewNetwork(stateDim, nActions, 0)
	w := art.Weights
	if err := fillMatrix(n.fc1W, w.Fc1W, hiddenSize, stateDim, "fc1.weight"); err != nil {
		return nil, err
	}
	if err := fillVector(n.fc1B, w.Fc1B, hiddenSize, "fc1.bias"); err != nil {
		return nil, err
	}
	if err := fillVector(n.ln1G, w.Ln1G, hiddenSize, "ln1.weight"); err != nil {
		return nil, err
	}
	if err := fillVector(n.ln1B, w.Ln1B, hiddenSize, "ln1.bias"); err != nil {
		return nil, err
	}
	if err := fillMatrix(n.fc2W, w.Fc2W, hiddenSize, hiddenSize, "fc2.weight"); err != nil {
		return nil, err
	}
	if err := fillVector(n.fc2B, w.Fc2B, hiddenSize, "fc2.bias"); err != nil {
		return nil, err
	}
	if err := fillVector(n.ln2G, w.Ln2G, hiddenSize, "ln2.weight"); err != nil {
		return nil, err
	}
	if err := fillVector(n.ln2B, w.Ln2B, hiddenSize, "ln2.bias"); err != nil {
		return nil, err
	}
	if err := fillMatrix(n.polW, w.PolW, nActions, hiddenSize, "policy.weight"); err != nil {
		return nil, err
	}
	if err := fillVector(n.polB, w.PolB, nActions, "policy.bias"); err != nil {
		return nil, err
	}
	if err := fillMatrix(n.valW, w.ValW, 1, hiddenSize, "value.weight"); err != nil {
		return nil, err
	}
	if err := fillVector(n.valB, w.ValB, 1, "value.bias"); err != nil {
		return nil, err
	}
	return &Model{Version: art.Version, net: n}, nil
}

func rowsOf(flat []float64, rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		out[r] = append([]float64(nil), flat[r*cols:(r+1)*cols]...)
	}
	return out
}

func fillMatrix(p *param, rows [][]float64, wantRows, wantCols int, name string) error {
	if len(rows) != wantRows {
		return fmt.Errorf("ppo artifact %s has %d rows, want %d", name, len(rows), wantRows)
	}
	for r, row := range rows {
		if len(row) != wantCols {
			return fmt.Errorf("ppo artifact %s row %d has %d columns, want %d", name, r, len(row), wantCols)
		}
		copy(p.val[r*wantCols:(r+1)*wantCols], row)
	}
	return nil
}

func fillVector(p *param, vec []float64, want int, name string) error {
	if len(vec) != want {
		return fmt.Errorf("ppo artifact %s has %d values, want %d", name, len(vec), want)
	}
	copy(p.val, vec)
	return nil
}
