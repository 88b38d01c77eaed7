// Package gate decides whether an item's descriptive metadata is good enough
// to skip enrichment.
package gate

import (
	"context"

	"github.com/rotisserie/eris"
)

// Strictness selects which threshold a verdict is measured against.
type Strictness int

const (
	// Lenient is used when re-checking items parked for user input.
	Lenient Strictness = iota
	// Normal is used when no enrichment source exists.
	Normal
	// Strict is used when an enrichment source could still improve the text.
	Strict
)

func (s Strictness) String() string {
	switch s {
	case Lenient:
		return "lenient"
	case Normal:
		return "normal"
	case Strict:
		return "strict"
	default:
		return "unknown"
	}
}

// StrictnessFor returns the strictness for a conditional step.
func StrictnessFor(hasEnrichmentSource bool) Strictness {
	if hasEnrichmentSource {
		return Strict
	}
	return Normal
}

// Thresholds are minimum scores per strictness, each in [0, 1].
type Thresholds struct {
	Lenient float64 `yaml:"lenient" mapstructure:"lenient"`
	Normal  float64 `yaml:"normal" mapstructure:"normal"`
	Strict  float64 `yaml:"strict" mapstructure:"strict"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Lenient: 0.3, Normal: 0.5, Strict: 0.7}
}

// For returns the threshold for s. Unknown values use Strict.
func (t Thresholds) For(s Strictness) float64 {
	switch s {
	case Lenient:
		return t.Lenient
	case Normal:
		return t.Normal
	default:
		return t.Strict
	}
}

// Validate enforces lenient <= normal <= strict within [0, 1].
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.Lenient, t.Normal, t.Strict} {
		if v < 0 || v > 1 {
			return eris.Errorf("gate: threshold %.2f outside [0, 1]", v)
		}
	}
	if t.Lenient > t.Normal || t.Normal > t.Strict {
		return eris.Errorf("gate: thresholds must satisfy lenient (%.2f) <= normal (%.2f) <= strict (%.2f)",
			t.Lenient, t.Normal, t.Strict)
	}
	return nil
}

// Sufficient reports whether score meets the threshold for s.
func (t Thresholds) Sufficient(score float64, s Strictness) bool {
	return score >= t.For(s)
}

// Verdict is the result of one evaluation.
type Verdict struct {
	Sufficient bool
	Score      float64
	Reason     string
	// Fallback is set when the verdict came from the heuristic after the
	// primary evaluator failed.
	Fallback bool
}

// Evaluator scores metadata text.
type Evaluator interface {
	Evaluate(ctx context.Context, text string, strictness Strictness) (Verdict, error)
}
