// Package dispatch runs many items' workflows concurrently under a
// scheduling strategy.
package dispatch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/internal/store"
	"github.com/sells-group/archive-flow/internal/workflow"
)

// Strategy selects how item workflows are scheduled.
type Strategy string

const (
	// Batch runs each item's whole workflow in one worker slot.
	Batch Strategy = "batch"
	// Streaming is Batch with the larger streaming pool.
	Streaming Strategy = "streaming"
	// Phased runs every item up to the barrier, then runs the remaining
	// steps for ready items in a second, smaller pool.
	Phased Strategy = "phased"
)

// Strategies lists every supported strategy.
func Strategies() []Strategy {
	return []Strategy{Batch, Streaming, Phased}
}

// ParseStrategy parses a strategy name case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Strategies(), st) {
		return st, nil
	}
	return "", eris.Errorf("dispatch: unknown strategy %q (want batch, streaming or phased)", s)
}

// Engine runs one item's workflow.
type Engine interface {
	RunPhase(ctx context.Context, item *model.WorkItem, cred *credential.Credential, phase workflow.Phase) model.WorkflowOutcome
	EligibleStatuses() []model.Status
}

// Config sizes the worker pools.
type Config struct {
	MaxWorkers       int
	StreamingWorkers int
	Phase2Workers    int
	// RunBudget stops new submissions once elapsed. Zero means unbounded.
	RunBudget time.Duration
	// Acquire retries the starting credential while the quota is exhausted.
	// A zero MaxAttempts uses DefaultAcquireRetry.
	Acquire resilience.RetryConfig
}

// DefaultConfig returns the production pool sizes.
func DefaultConfig() Config {
	return Config{MaxWorkers: 4, StreamingWorkers: 8, Phase2Workers: 2, Acquire: DefaultAcquireRetry()}
}

// DefaultAcquireRetry waits up to about fifteen seconds for quota to free up.
func DefaultAcquireRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    6,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2.0,
	}
}

// Dispatcher schedules item workflows.
type Dispatcher struct {
	engine Engine
	store  store.Store
	creds  credential.Provider
	cfg    Config
	now    func() time.Time
}

// New creates a Dispatcher. Non-positive pool sizes fall back to defaults.
func New(engine Engine, st store.Store, creds credential.Provider, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.StreamingWorkers <= 0 {
		cfg.StreamingWorkers = def.StreamingWorkers
	}
	if cfg.Phase2Workers <= 0 {
		cfg.Phase2Workers = def.Phase2Workers
	}
	if cfg.Acquire.MaxAttempts <= 0 {
		cfg.Acquire = def.Acquire
	}
	cfg.Acquire.ShouldRetry = func(err error) bool { return errors.Is(err, resilience.ErrNoCapacity) }
	cfg.Acquire.OnRetry = resilience.RetryLogger("credential", "starting credential")
	return &Dispatcher{engine: engine, store: st, creds: creds, cfg: cfg, now: time.Now}
}

// RunIDs runs the named items. Items that cannot be found become failed
// outcomes without being scheduled. The only error returned is failure to
// acquire the starting credential for any reason other than exhausted
// quota; when the quota stays exhausted every item is deferred instead.
func (d *Dispatcher) RunIDs(ctx context.Context, ids []string, strategy Strategy) (*model.BatchResult, error) {
	ids = normalizeIDs(ids)
	res := d.newResult(strategy)

	cred, starved, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*model.WorkItem, 0, len(ids))
	for _, id := range ids {
		it, err := d.store.FindByID(ctx, id)
		if err != nil {
			res.Add(d.immediateFailure(id, err))
			continue
		}
		if it.IsChild() {
			res.Add(d.immediateFailure(id, resilience.NewConfigError("item %s is a child of %s", id, it.ParentID)))
			continue
		}
		items = append(items, it)
	}

	if starved {
		return d.finish(res, d.deferAll(items)), nil
	}
	return d.finish(res, d.dispatch(ctx, strategy, items, cred)), nil
}

// RunEligible runs every top-level item whose status lets the workflow make
// progress, up to limit items (0 means no limit).
func (d *Dispatcher) RunEligible(ctx context.Context, strategy Strategy, limit int) (*model.BatchResult, error) {
	res := d.newResult(strategy)

	cred, starved, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}

	items, err := d.Eligible(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if starved {
		return d.finish(res, d.deferAll(items)), nil
	}
	return d.finish(res, d.dispatch(ctx, strategy, items, cred)), nil
}

// Eligible lists top-level items in any status the engine can advance,
// sorted by id.
func (d *Dispatcher) Eligible(ctx context.Context) ([]*model.WorkItem, error) {
	seen := make(map[string]bool)
	var items []*model.WorkItem
	for _, st := range d.engine.EligibleStatuses() {
		found, err := d.store.FindByStatus(ctx, st)
		if err != nil {
			return nil, eris.Wrapf(err, "dispatch: find items in %q", st)
		}
		for i := range found {
			it := found[i]
			if it.IsChild() || seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, &it)
		}
	}
	slices.SortFunc(items, func(a, b *model.WorkItem) int { return strings.Compare(a.ID, b.ID) })
	return items, nil
}

func (d *Dispatcher) newResult(strategy Strategy) *model.BatchResult {
	return &model.BatchResult{
		RunID:     uuid.NewString(),
		Strategy:  string(strategy),
		StartedAt: d.now(),
		Outcomes:  make([]model.WorkflowOutcome, 0),
	}
}

func (d *Dispatcher) finish(res *model.BatchResult, outcomes []model.WorkflowOutcome) *model.BatchResult {
	for _, o := range outcomes {
		res.Add(o)
	}
	res.FinishedAt = d.now()
	zap.L().Info("dispatch: run complete",
		zap.String("run_id", res.RunID),
		zap.String("strategy", res.Strategy),
		zap.Int("total", res.TotalItems),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("elapsed", res.Duration()),
		zap.Float64("items_per_minute", res.Throughput()),
	)
	return res
}

// acquire gets the starting credential, retrying while the quota is
// exhausted. starved is true when it never freed up; other errors are fatal.
func (d *Dispatcher) acquire(ctx context.Context) (cred credential.Credential, starved bool, err error) {
	cred, err = resilience.DoVal(ctx, d.cfg.Acquire, d.creds.Acquire)
	switch {
	case err == nil:
		return cred, false, nil
	case errors.Is(err, resilience.ErrNoCapacity) && ctx.Err() == nil:
		zap.L().Warn("dispatch: task quota exhausted, deferring run", zap.Error(err))
		return credential.Credential{}, true, nil
	default:
		return credential.Credential{}, false, eris.Wrap(err, "dispatch: acquire starting credential")
	}
}

// deferAll leaves every item untouched for the next run.
func (d *Dispatcher) deferAll(items []*model.WorkItem) []model.WorkflowOutcome {
	out := make([]model.WorkflowOutcome, len(items))
	for i, it := range items {
		out[i] = model.WorkflowOutcome{ItemID: it.ID, Success: true, Deferred: true, CompletedAt: d.now()}
	}
	return out
}

func (d *Dispatcher) immediateFailure(id string, err error) model.WorkflowOutcome {
	class := resilience.Classify(err)
	if errors.Is(err, store.ErrNotFound) {
		class = model.ErrorClassConfiguration
	}
	zap.L().Warn("dispatch: item lookup failed", zap.String("item", id), zap.Error(err))
	return model.WorkflowOutcome{
		ItemID:      id,
		Error:       &model.OutcomeError{Class: class, Step: "Lookup", Message: err.Error()},
		CompletedAt: d.now(),
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, strategy Strategy, items []*model.WorkItem, cred credential.Credential) []model.WorkflowOutcome {
	if len(items) == 0 {
		zap.L().Info("dispatch: no items to process")
		return nil
	}
	var deadline time.Time
	if d.cfg.RunBudget > 0 {
		deadline = d.now().Add(d.cfg.RunBudget)
	}

	switch strategy {
	case Streaming:
		return d.pool(ctx, items, cred, d.cfg.StreamingWorkers, workflow.PhaseAll, deadline)
	case Phased:
		return d.phased(ctx, items, cred, deadline)
	default:
		return d.pool(ctx, items, cred, d.cfg.MaxWorkers, workflow.PhaseAll, deadline)
	}
}

func (d *Dispatcher) phased(ctx context.Context, items []*model.WorkItem, cred credential.Credential, deadline time.Time) []model.WorkflowOutcome {
	first := d.pool(ctx, items, cred, d.cfg.MaxWorkers, workflow.PhaseOne, deadline)

	var ready []*model.WorkItem
	readyAt := make(map[string]int)
	for i, o := range first {
		if o.ReadyForPhase2 {
			readyAt[o.ItemID] = i
			ready = append(ready, items[i])
		}
	}
	zap.L().Info("dispatch: phase 1 complete",
		zap.Int("items", len(items)),
		zap.Int("ready_for_phase2", len(ready)),
	)
	if len(ready) == 0 {
		return first
	}

	second := d.pool(ctx, ready, cred, d.cfg.Phase2Workers, workflow.PhaseTwo, deadline)
	for _, o := range second {
		i := readyAt[o.ItemID]
		if !o.Skipped {
			o.StepsRun += first[i].StepsRun
			o.DurationMs += first[i].DurationMs
		}
		first[i] = o
	}
	return first
}

// pool runs items with at most min(workers, len(items)) in flight. Outcomes
// are returned in item order. Items not yet submitted when the deadline
// passes are skipped; in-flight items are never interrupted.
func (d *Dispatcher) pool(ctx context.Context, items []*model.WorkItem, cred credential.Credential, workers int, phase workflow.Phase, deadline time.Time) []model.WorkflowOutcome {
	size := min(workers, len(items))
	log := zap.L().With(zap.String("phase", phase.String()))
	log.Info("dispatch: starting pool", zap.Int("items", len(items)), zap.Int("workers", size))

	outcomes := make([]model.WorkflowOutcome, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(size)

	for i, item := range items {
		// g.Go blocks until a slot frees, so the budget is checked when the
		// item actually starts.
		g.Go(func() error {
			if ctx.Err() != nil || (!deadline.IsZero() && !d.now().Before(deadline)) {
				log.Warn("dispatch: run budget exhausted, skipping item", zap.String("item", item.ID))
				outcomes[i] = model.WorkflowOutcome{ItemID: item.ID, Skipped: true, CompletedAt: d.now()}
				return nil
			}
			c := cred
			o := d.engine.RunPhase(gctx, item, &c, phase)
			outcomes[i] = o
			if o.Success {
				log.Info("dispatch: item finished",
					zap.String("item", item.ID),
					zap.Int("steps_run", o.StepsRun),
					zap.Bool("halted", o.Halted),
					zap.Bool("deferred", o.Deferred),
				)
			} else {
				log.Error("dispatch: item failed", zap.String("item", item.ID), zap.Any("error", o.Error))
			}
			// Item failures never abort siblings.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
