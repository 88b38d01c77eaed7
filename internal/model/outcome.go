package model

import (
	"time"
)

// ErrorClass is the failure taxonomy used for retry decisions and reporting.
type ErrorClass string

const (
	ErrorClassTransient     ErrorClass = "transient"
	ErrorClassTaskFailure   ErrorClass = "task_failure"
	ErrorClassConfiguration ErrorClass = "configuration"
	ErrorClassGateFailure   ErrorClass = "gate_failure"
)

// Label is the human-readable error type used in diagnostic entries.
func (c ErrorClass) Label() string {
	switch c {
	case ErrorClassTransient:
		return "Transient Error"
	case ErrorClassTaskFailure:
		return "Task Failure"
	case ErrorClassConfiguration:
		return "Configuration Error"
	case ErrorClassGateFailure:
		return "Quality Gate Failure"
	default:
		return "Error"
	}
}

// OutcomeError is the classified failure attached to a WorkflowOutcome.
type OutcomeError struct {
	Class   ErrorClass `json:"class"`
	Step    string     `json:"step,omitempty"`
	Message string     `json:"message"`
}

func (e *OutcomeError) Error() string {
	if e.Step == "" {
		return string(e.Class) + ": " + e.Message
	}
	return string(e.Class) + " in " + e.Step + ": " + e.Message
}

// WorkflowOutcome is the result of running one item's workflow.
type WorkflowOutcome struct {
	ItemID      string        `json:"item_id"`
	Success     bool          `json:"success"`
	Error       *OutcomeError `json:"error,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
	CompletedAt time.Time     `json:"completed_at"`

	// LastStep is the task id of the last step attempted.
	LastStep string `json:"last_step,omitempty"`
	// StepsRun counts tasks actually invoked.
	StepsRun int `json:"steps_run"`
	// Halted means the item waits on a person (Awaiting User Input).
	Halted bool `json:"halted,omitempty"`
	// Deferred means the barrier was not satisfied in time or the task quota
	// stayed exhausted; retry next run.
	Deferred bool `json:"deferred,omitempty"`
	// ReadyForPhase2 is set by phased dispatch after the barrier passes.
	ReadyForPhase2 bool `json:"ready_for_phase2,omitempty"`
	// Skipped means the run budget elapsed before the item was submitted.
	Skipped bool `json:"skipped,omitempty"`
}

// BatchResult aggregates outcomes of one dispatcher run.
type BatchResult struct {
	RunID      string            `json:"run_id"`
	Strategy   string            `json:"strategy"`
	TotalItems int               `json:"total_items"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Outcomes   []WorkflowOutcome `json:"outcomes"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Add records an outcome and updates the counters.
func (b *BatchResult) Add(o WorkflowOutcome) {
	b.Outcomes = append(b.Outcomes, o)
	b.TotalItems++
	switch {
	case o.Skipped:
		b.Skipped++
	case o.Success:
		b.Succeeded++
	default:
		b.Failed++
	}
}

// Duration is the wall-clock time of the run.
func (b *BatchResult) Duration() time.Duration {
	if b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// Throughput returns finished items per minute.
func (b *BatchResult) Throughput() float64 {
	d := b.Duration()
	if d <= 0 {
		return 0
	}
	return float64(b.Succeeded+b.Failed) / d.Minutes()
}

// SuccessRate returns succeeded / (succeeded + failed), or 0 when nothing ran.
func (b *BatchResult) SuccessRate() float64 {
	finished := b.Succeeded + b.Failed
	if finished == 0 {
		return 0
	}
	return float64(b.Succeeded) / float64(finished)
}

// FailureRate returns failed / (succeeded + failed), or 0 when nothing ran.
func (b *BatchResult) FailureRate() float64 {
	finished := b.Succeeded + b.Failed
	if finished == 0 {
		return 0
	}
	return float64(b.Failed) / float64(finished)
}
