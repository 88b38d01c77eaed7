package workflow

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/gate"
	"github.com/sells-group/archive-flow/internal/model"
)

// Resolution is where an item's workflow starts.
type Resolution struct {
	// Start is the 1-based step index to run first. It is 0 when Done or Halt.
	Start int
	// Done means the item is already complete.
	Done bool
	// Halt means the item waits on a person.
	Halt bool
	// ResetChildren asks the engine to return every child to the variant's
	// reset status before running Start.
	ResetChildren bool
	Reason        string
}

// Resolver maps persisted statuses to start steps.
type Resolver struct {
	variant *Variant
	gate    gate.Evaluator
	lookup  map[model.Status]int
}

// NewResolver builds the status lookup for v. A status that a step requires
// starts at the first such step. A status that is only ever written as a
// step's StatusAfter starts at the following step, or re-runs the step when
// it is the last one.
func NewResolver(v *Variant, g gate.Evaluator) *Resolver {
	lookup := make(map[model.Status]int)
	for _, s := range v.Steps {
		for _, st := range s.RequiredStatuses {
			if _, ok := lookup[st]; !ok {
				lookup[st] = s.Index
			}
		}
	}
	for _, s := range v.Steps {
		for _, st := range []model.Status{s.StatusAfter, s.BranchStatus} {
			if st == "" {
				continue
			}
			if _, ok := lookup[st]; ok {
				continue
			}
			next := s.Index + 1
			if next > len(v.Steps) {
				next = s.Index
			}
			lookup[st] = next
		}
	}
	return &Resolver{variant: v, gate: g, lookup: lookup}
}

// Resolve decides where item's workflow starts. Precedence, highest first:
// recovery statuses, an unfinished active task, the terminal status, the
// status lookup, and finally step 1 for anything unknown.
func (r *Resolver) Resolve(ctx context.Context, item *model.WorkItem) (Resolution, error) {
	switch item.Status {
	case model.StatusResumeProcessing:
		return Resolution{
			Start:         r.variant.IndexOf(r.variant.ResumeTask),
			ResetChildren: true,
			Reason:        "resume requested",
		}, nil
	case model.StatusAwaitingUserInput:
		return r.resolveAwaiting(ctx, item)
	}

	if item.ActiveTask != "" {
		if i := r.variant.IndexOf(item.ActiveTask); i > 0 {
			return Resolution{Start: i, Reason: "unfinished task " + item.ActiveTask}, nil
		}
		zap.L().Warn("workflow: ignoring unknown active task",
			zap.String("item", item.ID),
			zap.String("task", item.ActiveTask),
		)
	}

	if item.Status.Kind() == model.KindTerminal {
		return Resolution{Done: true, Reason: "complete"}, nil
	}

	if i, ok := r.lookup[item.Status]; ok {
		return Resolution{Start: i, Reason: fmt.Sprintf("status %q", item.Status)}, nil
	}

	zap.L().Warn("workflow: unrecognized status, starting from step 1",
		zap.String("item", item.ID),
		zap.String("status", string(item.Status)),
	)
	return Resolution{Start: 1, Reason: fmt.Sprintf("unknown status %q", item.Status)}, nil
}

func (r *Resolver) resolveAwaiting(ctx context.Context, item *model.WorkItem) (Resolution, error) {
	v, err := r.gate.Evaluate(ctx, item.MetadataText(), gate.Lenient)
	if err != nil {
		return Resolution{}, err
	}
	if !v.Sufficient {
		return Resolution{Halt: true, Reason: "metadata still insufficient: " + v.Reason}, nil
	}
	return Resolution{
		Start:  r.variant.IndexOf(r.variant.DescribeTask),
		Reason: "metadata supplied",
	}, nil
}

// EligibleStatuses lists every status from which the engine can make
// progress. The dispatcher queries the store for these.
func (r *Resolver) EligibleStatuses() []model.Status {
	out := make([]model.Status, 0, len(r.lookup)+2)
	for _, s := range r.variant.Steps {
		for _, st := range append(append([]model.Status{}, s.RequiredStatuses...), s.StatusAfter, s.BranchStatus) {
			if st != "" && !slices.Contains(out, st) {
				out = append(out, st)
			}
		}
	}
	return append(out, model.StatusResumeProcessing, model.StatusAwaitingUserInput)
}
