package workflow

import (
	"time"

	"github.com/sells-group/archive-flow/internal/model"
)

// TimeoutPolicy sizes the time limit of each task invocation.
type TimeoutPolicy struct {
	// Fixed applies to steps that do not scale with media length.
	Fixed time.Duration
	// Duration-bearing steps get Base + PerMediaSecond*duration + Overhead,
	// clamped to [Min, Max].
	Base           time.Duration
	PerMediaSecond float64
	Overhead       time.Duration
	Min            time.Duration
	Max            time.Duration
}

// DefaultTimeoutPolicy returns the production limits.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Fixed:          30 * time.Minute,
		Base:           5 * time.Minute,
		PerMediaSecond: 2,
		Overhead:       2 * time.Minute,
		Min:            10 * time.Minute,
		Max:            4 * time.Hour,
	}
}

// For returns the limit for running step on item.
func (p TimeoutPolicy) For(step Step, item *model.WorkItem) time.Duration {
	if !step.DurationBearing {
		return p.Fixed
	}
	media := item.DurationSeconds
	if media < 0 {
		media = 0
	}
	d := p.Base + time.Duration(p.PerMediaSecond*media*float64(time.Second)) + p.Overhead
	if d < p.Min {
		d = p.Min
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
