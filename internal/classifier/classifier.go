// Package classifier is the boundary to the page classifier: a model maps a
// fixed-length feature vector to a label. Inference never fails the caller;
// any problem yields a benign result and a warning log.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/vigilant/internal/logging"
)

// FeatureCount is the expected feature vector length.
const FeatureCount = 48

// Label is a model output.
type Label int

const (
	LabelBenign    Label = 0
	LabelMalicious Label = 1
)

var (
	ErrFeatureCount = errors.New("classifier: wrong feature vector length")
	ErrBadLabel     = errors.New("classifier: model returned an unknown label")
)

// Model predicts a label from features.
type Model interface {
	Predict(ctx context.Context, features []float64) (Label, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, features []float64) (Label, error)

func (f ModelFunc) Predict(ctx context.Context, features []float64) (Label, error) {
	return f(ctx, features)
}

// Result is a guarded classification.
type Result struct {
	Label      Label  `json:"label"`
	Malicious  bool   `json:"malicious"`
	FailedOpen bool   `json:"failedOpen"`
	Reason     string `json:"reason,omitempty"`
}

// Guard wraps a Model with input validation and fail-open handling.
type Guard struct {
	model Model
}

// NewGuard creates a guard. A nil model always fails open.
func NewGuard(model Model) *Guard {
	return &Guard{model: model}
}

// Classify validates features and runs the model. It never returns an error:
// invalid input, model errors and panics all produce a benign, failed-open
// result.
func (g *Guard) Classify(ctx context.Context, features []float64) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = g.failOpen(ctx, fmt.Errorf("classifier: model panicked: %v", r))
		}
	}()

	if g.model == nil {
		return g.failOpen(ctx, errors.New("classifier: no model configured"))
	}
	if len(features) != FeatureCount {
		return g.failOpen(ctx, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(features), FeatureCount))
	}

	label, err := g.model.Predict(ctx, features)
	if err != nil {
		return g.failOpen(ctx, err)
	}
	switch label {
	case LabelBenign, LabelMalicious:
	default:
		return g.failOpen(ctx, fmt.Errorf("%w: %d", ErrBadLabel, label))
	}

	outcome := "benign"
	if label == LabelMalicious {
		outcome = "malicious"
	}
	inferencesTotal.WithLabelValues(outcome).Inc()
	return Result{Label: label, Malicious: label == LabelMalicious}
}

func (g *Guard) failOpen(ctx context.Context, err error) Result {
	inferencesTotal.WithLabelValues("failed_open").Inc()
	logging.L(ctx).Warn("classifier failed, allowing", "error", err)
	return Result{Label: LabelBenign, FailedOpen: true, Reason: err.Error()}
}
