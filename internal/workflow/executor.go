package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/gate"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/report"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/internal/runner"
	"github.com/sells-group/archive-flow/internal/store"
)

// StepResult describes what RunStep did.
type StepResult struct {
	// Ran means the task was invoked and succeeded.
	Ran bool
	// Skipped means a conditional step decided not to run.
	Skipped bool
	// Deferred means the shared quota stayed exhausted through every retry;
	// the item keeps its status and active task for the next run.
	Deferred bool
}

// Executor runs single steps: precondition, status write, task invocation
// with retry, and success or failure bookkeeping.
type Executor struct {
	store    store.Store
	runner   runner.Runner
	gate     gate.Evaluator
	creds    credential.Provider
	reporter *report.Reporter
	timeouts TimeoutPolicy
	retry    resilience.RetryConfig
	// variant widens step preconditions; NewEngine sets it.
	variant *Variant
}

// NewExecutor wires an Executor.
func NewExecutor(
	st store.Store,
	r runner.Runner,
	g gate.Evaluator,
	creds credential.Provider,
	reporter *report.Reporter,
	timeouts TimeoutPolicy,
	retry resilience.RetryConfig,
) *Executor {
	return &Executor{
		store:    st,
		runner:   r,
		gate:     g,
		creds:    creds,
		reporter: reporter,
		timeouts: timeouts,
		retry:    retry,
	}
}

// RunStep runs step for item. Every task invocation draws a credential from
// the provider and stores it in cred, so the per-key quota meters each call. On failure the error has already been
// written to the item's diagnostic log and is returned as *model.OutcomeError.
func (e *Executor) RunStep(ctx context.Context, step Step, item *model.WorkItem, cred *credential.Credential) (StepResult, error) {
	log := zap.L().With(
		zap.String("item", item.ID),
		zap.String("task", step.TaskID),
		zap.Int("step", step.Index),
	)

	if !e.admits(step, item.Status) {
		return StepResult{}, e.fail(ctx, item, step, resilience.NewConfigError(
			"status %q cannot run step %d (%s)", item.Status, step.Index, step.TaskID))
	}

	target := step.StatusAfter
	if step.IsConditional {
		run, err := e.shouldRun(ctx, item)
		if err != nil {
			return StepResult{}, e.fail(ctx, item, step, err)
		}
		if !run {
			log.Info("workflow: skipping conditional step")
			if item.ActiveTask == step.TaskID {
				if err := e.patch(ctx, item, model.Fields{model.FieldActiveTask: ""}); err != nil {
					return StepResult{}, e.fail(ctx, item, step, err)
				}
			}
			return StepResult{Skipped: true}, nil
		}
		target = step.BranchStatus
	}

	before := model.Fields{}
	if target != "" && item.Status != target {
		before[model.FieldStatus] = string(target)
	}
	if item.ActiveTask != step.TaskID {
		before[model.FieldActiveTask] = step.TaskID
	}
	if len(before) > 0 {
		if err := e.patch(ctx, item, before); err != nil {
			return StepResult{}, e.fail(ctx, item, step, err)
		}
	}

	timeout := e.timeouts.For(step, item)
	log.Info("workflow: running step", zap.Duration("timeout", timeout))
	start := time.Now()

	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("runner", step.TaskID)
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		c, err := e.creds.Acquire(ctx)
		if err != nil {
			return err
		}
		*cred = c
		_, err = e.runner.Run(ctx, step.TaskID, item.ID, *cred, timeout)
		if errors.Is(err, resilience.ErrAuthExpired) {
			fresh, rerr := e.creds.Refresh(ctx, *cred)
			if rerr != nil {
				log.Warn("workflow: credential refresh failed", zap.Error(rerr))
			} else {
				*cred = fresh
			}
		}
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrNoCapacity) && ctx.Err() == nil {
			log.Warn("workflow: no task capacity, deferring item", zap.Error(err))
			return StepResult{Deferred: true}, nil
		}
		return StepResult{}, e.fail(ctx, item, step, err)
	}
	log.Info("workflow: step complete", zap.Duration("elapsed", time.Since(start)))

	if step.IsTerminal {
		if err := e.finalize(ctx, item, step); err != nil {
			return StepResult{}, e.fail(ctx, item, step, err)
		}
		return StepResult{Ran: true}, nil
	}
	if err := e.patch(ctx, item, model.Fields{model.FieldActiveTask: ""}); err != nil {
		return StepResult{}, e.fail(ctx, item, step, err)
	}
	return StepResult{Ran: true}, nil
}

func (e *Executor) admits(step Step, st model.Status) bool {
	if e.variant == nil {
		return step.Accepts(st)
	}
	return e.variant.Admits(step, st)
}

// shouldRun is the conditional step's gate: run only when the metadata is
// insufficient and there is a source to enrich from. Strictness rises when a
// source exists because the enrichment is cheap to try.
func (e *Executor) shouldRun(ctx context.Context, item *model.WorkItem) (bool, error) {
	hasSource := item.HasEnrichmentSource()
	v, err := e.gate.Evaluate(ctx, item.MetadataText(), gate.StrictnessFor(hasSource))
	if err != nil {
		var ge *resilience.GateError
		if !errors.As(err, &ge) {
			err = &resilience.GateError{Err: err}
		}
		return false, err
	}
	zap.L().Debug("workflow: quality gate verdict",
		zap.String("item", item.ID),
		zap.Bool("sufficient", v.Sufficient),
		zap.Float64("score", v.Score),
		zap.Bool("fallback", v.Fallback),
	)
	return !v.Sufficient && hasSource, nil
}

// finalize marks every child final, then the parent. Children go first so a
// complete parent always has complete children.
func (e *Executor) finalize(ctx context.Context, item *model.WorkItem, step Step) error {
	children, err := e.store.FindByParent(ctx, item.ID)
	if err != nil {
		return eris.Wrapf(err, "workflow: list children of %s", item.ID)
	}
	if len(children) > 0 {
		patches := make([]model.Patch, len(children))
		for i, c := range children {
			patches[i] = model.Patch{Handle: c.Handle, Fields: model.Fields{model.FieldStatus: string(step.FinalStatus)}}
		}
		n, err := e.store.PatchMany(ctx, patches)
		if err != nil || n != len(patches) {
			if err == nil {
				err = eris.New("partial update")
			}
			return eris.Wrapf(err, "workflow: completed %d of %d children of %s", n, len(patches), item.ID)
		}
	}
	return e.patch(ctx, item, model.Fields{
		model.FieldStatus:     string(step.FinalStatus),
		model.FieldActiveTask: "",
	})
}

func (e *Executor) patch(ctx context.Context, item *model.WorkItem, fields model.Fields) error {
	if err := e.store.PatchFields(ctx, item.Handle, fields); err != nil {
		return eris.Wrapf(err, "workflow: update %s", item.ID)
	}
	item.Apply(fields)
	return nil
}

func (e *Executor) fail(ctx context.Context, item *model.WorkItem, step Step, err error) error {
	zap.L().Error("workflow: step failed",
		zap.String("item", item.ID),
		zap.String("task", step.TaskID),
		zap.String("error_class", string(resilience.Classify(err))),
		zap.Error(err),
	)
	return reportFailure(ctx, e.reporter, item, step.Name, err)
}

// reportFailure writes err to the item's log and returns the classified
// outcome error. A failed write is logged by the reporter and otherwise
// ignored so the original failure is what the caller sees.
func reportFailure(ctx context.Context, r *report.Reporter, item *model.WorkItem, stepName string, err error) error {
	oe, _ := r.ReportError(ctx, item, stepName, err)
	return oe
}
