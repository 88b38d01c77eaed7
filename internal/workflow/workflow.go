package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/report"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/internal/store"
)

// Phase selects which part of the step table a run covers.
type Phase int

const (
	// PhaseAll runs every remaining step.
	PhaseAll Phase = iota
	// PhaseOne stops after the variant's phase split.
	PhaseOne
	// PhaseTwo runs only the steps after the phase split.
	PhaseTwo
)

func (p Phase) String() string {
	switch p {
	case PhaseOne:
		return "phase1"
	case PhaseTwo:
		return "phase2"
	default:
		return "all"
	}
}

// Engine drives one item at a time through a variant's step table.
type Engine struct {
	variant  *Variant
	store    store.Store
	resolver *Resolver
	executor *Executor
	barrier  *Barrier
	reporter *report.Reporter
	now      func() time.Time
}

// NewEngine wires an Engine. The variant must already be validated.
func NewEngine(v *Variant, st store.Store, resolver *Resolver, executor *Executor, barrier *Barrier, reporter *report.Reporter) *Engine {
	executor.variant = v
	return &Engine{
		variant:  v,
		store:    st,
		resolver: resolver,
		executor: executor,
		barrier:  barrier,
		reporter: reporter,
		now:      time.Now,
	}
}

// Variant returns the engine's step table.
func (e *Engine) Variant() *Variant { return e.variant }

// EligibleStatuses lists the statuses the dispatcher should query.
func (e *Engine) EligibleStatuses() []model.Status {
	return e.resolver.EligibleStatuses()
}

// Run executes the rest of item's workflow.
func (e *Engine) Run(ctx context.Context, item *model.WorkItem, cred *credential.Credential) model.WorkflowOutcome {
	return e.RunPhase(ctx, item, cred, PhaseAll)
}

// RunPhase executes the part of item's workflow selected by phase. item is
// updated in place as statuses are written.
func (e *Engine) RunPhase(ctx context.Context, item *model.WorkItem, cred *credential.Credential, phase Phase) model.WorkflowOutcome {
	start := e.now()
	out := e.run(ctx, item, cred, phase)
	out.ItemID = item.ID
	out.CompletedAt = e.now()
	out.DurationMs = out.CompletedAt.Sub(start).Milliseconds()
	return out
}

func (e *Engine) run(ctx context.Context, item *model.WorkItem, cred *credential.Credential, phase Phase) model.WorkflowOutcome {
	log := zap.L().With(
		zap.String("item", item.ID),
		zap.String("variant", e.variant.Name),
		zap.String("phase", phase.String()),
	)

	res, err := e.resolver.Resolve(ctx, item)
	if err != nil {
		return e.failed(ctx, item, "Resolve start step", err)
	}
	log.Info("workflow: resolved start",
		zap.String("status", string(item.Status)),
		zap.Int("start", res.Start),
		zap.String("reason", res.Reason),
	)
	switch {
	case res.Done:
		return model.WorkflowOutcome{Success: true}
	case res.Halt:
		log.Info("workflow: halted awaiting user input")
		return model.WorkflowOutcome{Success: true, Halted: true}
	}

	first, last := 1, len(e.variant.Steps)
	split := e.variant.PhaseSplit()
	switch phase {
	case PhaseOne:
		last = split
	case PhaseTwo:
		first = split + 1
	}

	if res.Start > last {
		return model.WorkflowOutcome{Success: true, ReadyForPhase2: phase == PhaseOne}
	}
	if res.Start < first {
		return e.failed(ctx, item, "Resolve start step",
			resilience.NewConfigError("item at step %d is not ready for %s", res.Start, phase))
	}

	if res.ResetChildren {
		if err := e.resetChildren(ctx, item); err != nil {
			return e.failed(ctx, item, "Reset children", err)
		}
	}

	// An item resuming past the barrier re-confirms its children first.
	if b := e.variant.BarrierIndex(); b > 0 && res.Start > b {
		if !e.barrier.AwaitChildrenReady(ctx, item.ID) {
			return e.deferred(ctx, log, model.WorkflowOutcome{})
		}
	}

	var out model.WorkflowOutcome
	for i := res.Start; i <= last; i++ {
		step, _ := e.variant.Step(i)
		out.LastStep = step.TaskID

		r, err := e.executor.RunStep(ctx, step, item, cred)
		if err != nil {
			out.Error = outcomeError(err, step.Name)
			return out
		}
		if r.Ran {
			out.StepsRun++
		}
		if r.Deferred {
			return e.deferred(ctx, log, out)
		}

		if step.HasBarrier && i < len(e.variant.Steps) {
			if !e.barrier.AwaitChildrenReady(ctx, item.ID) {
				return e.deferred(ctx, log, out)
			}
		}
	}

	out.Success = true
	out.ReadyForPhase2 = phase == PhaseOne
	log.Info("workflow: finished", zap.Int("steps_run", out.StepsRun), zap.String("status", string(item.Status)))
	return out
}

// resetChildren returns every child to the reset status. Anything short of
// all children is a failure.
func (e *Engine) resetChildren(ctx context.Context, item *model.WorkItem) error {
	children, err := e.store.FindByParent(ctx, item.ID)
	if err != nil {
		return eris.Wrapf(err, "workflow: list children of %s", item.ID)
	}
	if len(children) == 0 {
		return nil
	}
	patches := make([]model.Patch, len(children))
	for i, c := range children {
		patches[i] = model.Patch{Handle: c.Handle, Fields: model.Fields{model.FieldStatus: string(e.variant.ChildResetStatus)}}
	}
	n, err := e.store.PatchMany(ctx, patches)
	if err != nil || n != len(patches) {
		if err == nil {
			err = eris.New("partial update")
		}
		return eris.Wrapf(err, "workflow: reset %d of %d children of %s", n, len(patches), item.ID)
	}
	zap.L().Info("workflow: children reset",
		zap.String("item", item.ID),
		zap.Int("children", n),
		zap.String("status", string(e.variant.ChildResetStatus)),
	)
	return nil
}

func (e *Engine) deferred(ctx context.Context, log *zap.Logger, out model.WorkflowOutcome) model.WorkflowOutcome {
	if ctx.Err() != nil {
		out.Error = &model.OutcomeError{Class: model.ErrorClassTransient, Step: out.LastStep, Message: ctx.Err().Error()}
		return out
	}
	log.Info("workflow: deferred to a later run")
	out.Success = true
	out.Deferred = true
	return out
}

func (e *Engine) failed(ctx context.Context, item *model.WorkItem, stepName string, err error) model.WorkflowOutcome {
	zap.L().Error("workflow: failed", zap.String("item", item.ID), zap.String("stage", stepName), zap.Error(err))
	return model.WorkflowOutcome{Error: outcomeError(reportFailure(ctx, e.reporter, item, stepName, err), stepName)}
}

func outcomeError(err error, stepName string) *model.OutcomeError {
	var oe *model.OutcomeError
	if errors.As(err, &oe) {
		return oe
	}
	return &model.OutcomeError{Class: model.ErrorClassTaskFailure, Step: stepName, Message: err.Error()}
}
