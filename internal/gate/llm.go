package gate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/pkg/anthropic"
)

const systemPrompt = `You review catalogue metadata for archival film and photographs.
Rate how completely the text identifies the subject, people, place and date of the item.
Answer with JSON only: {"score": <number between 0 and 1>, "reason": "<one sentence>"}.`

// LLM asks a language model to score the text. Scores are memoised per
// text so every strictness is judged against the same number.
type LLM struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	thresholds Thresholds
	breaker    *resilience.CircuitBreaker

	scores sync.Map // text -> llmScore
}

type llmScore struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// NewLLM creates an LLM evaluator. breaker may be nil.
func NewLLM(client anthropic.Client, model string, t Thresholds, breaker *resilience.CircuitBreaker) *LLM {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("anthropic"))
	}
	return &LLM{
		client:     client,
		model:      model,
		maxTokens:  256,
		thresholds: t,
		breaker:    breaker,
	}
}

// WithMaxTokens sets the response budget; non-positive values are ignored.
func (l *LLM) WithMaxTokens(n int) *LLM {
	if n > 0 {
		l.maxTokens = int64(n)
	}
	return l
}

// Evaluate scores text and compares it to the threshold for s.
func (l *LLM) Evaluate(ctx context.Context, text string, s Strictness) (Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return l.verdict(llmScore{Reason: "no metadata"}, s), nil
	}

	if cached, ok := l.scores.Load(text); ok {
		sc := cached.(llmScore)
		return l.verdict(sc, s), nil
	}

	sc, err := resilience.ExecuteVal(ctx, l.breaker, func(ctx context.Context) (llmScore, error) {
		return l.score(ctx, text)
	})
	if err != nil {
		return Verdict{}, &resilience.GateError{Err: err}
	}
	l.scores.Store(text, sc)
	return l.verdict(sc, s), nil
}

func (l *LLM) verdict(sc llmScore, s Strictness) Verdict {
	return Verdict{
		Sufficient: l.thresholds.Sufficient(sc.Score, s),
		Score:      sc.Score,
		Reason:     sc.Reason,
	}
}

func (l *LLM) score(ctx context.Context, text string) (llmScore, error) {
	temp := 0.0
	resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		System:      systemPrompt,
		Prompt:      text,
		Temperature: &temp,
	})
	if err != nil {
		return llmScore{}, err
	}
	resp.Usage.LogUsage(l.model, "quality_gate")
	return parseScore(resp.Text())
}

// parseScore extracts the first JSON object from raw.
func parseScore(raw string) (llmScore, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return llmScore{}, eris.Errorf("gate: no JSON object in reply %q", truncate(raw, 120))
	}
	var sc llmScore
	if err := json.Unmarshal([]byte(raw[start:end+1]), &sc); err != nil {
		return llmScore{}, eris.Wrap(err, "gate: decode score")
	}
	if sc.Score < 0 || sc.Score > 1 {
		return llmScore{}, eris.Errorf("gate: score %.3f outside [0, 1]", sc.Score)
	}
	return sc, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
