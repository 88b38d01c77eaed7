package gate

import (
	"context"
	"fmt"
	"strings"
)

// Heuristic scores text by its word count relative to TargetWords.
type Heuristic struct {
	Thresholds  Thresholds
	TargetWords int
}

// NewHeuristic returns a Heuristic. targetWords <= 0 uses 60.
func NewHeuristic(t Thresholds, targetWords int) *Heuristic {
	if targetWords <= 0 {
		targetWords = 60
	}
	return &Heuristic{Thresholds: t, TargetWords: targetWords}
}

// Evaluate never fails.
func (h *Heuristic) Evaluate(_ context.Context, text string, s Strictness) (Verdict, error) {
	words := len(strings.Fields(text))
	score := min(float64(words)/float64(h.TargetWords), 1)
	return Verdict{
		Sufficient: h.Thresholds.Sufficient(score, s),
		Score:      score,
		Reason:     fmt.Sprintf("%d words against a target of %d", words, h.TargetWords),
	}, nil
}
