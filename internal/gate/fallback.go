package gate

import (
	"context"

	"go.uber.org/zap"
)

// WithFallback evaluates with primary and falls back to fallback when
// primary errors. It never returns an error unless both fail.
type WithFallback struct {
	Primary  Evaluator
	Fallback Evaluator
}

// NewWithFallback wraps primary. A nil primary evaluates with fallback only.
func NewWithFallback(primary, fallback Evaluator) *WithFallback {
	return &WithFallback{Primary: primary, Fallback: fallback}
}

// Evaluate implements Evaluator.
func (w *WithFallback) Evaluate(ctx context.Context, text string, s Strictness) (Verdict, error) {
	if w.Primary != nil {
		v, err := w.Primary.Evaluate(ctx, text, s)
		if err == nil {
			return v, nil
		}
		zap.L().Warn("quality gate evaluator failed, using length heuristic",
			zap.String("strictness", s.String()),
			zap.Error(err),
		)
	}
	v, err := w.Fallback.Evaluate(ctx, text, s)
	if err != nil {
		return Verdict{}, err
	}
	v.Fallback = w.Primary != nil
	return v, nil
}
