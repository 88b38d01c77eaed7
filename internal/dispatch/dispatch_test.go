package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/internal/store"
	"github.com/sells-group/archive-flow/internal/workflow"
)

// fakeEngine scripts outcomes by item id and records concurrency.
type fakeEngine struct {
	mu       sync.Mutex
	calls    map[workflow.Phase][]string
	fail     map[string]bool
	notReady map[string]bool
	delay    time.Duration

	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		calls:    make(map[workflow.Phase][]string),
		fail:     make(map[string]bool),
		notReady: make(map[string]bool),
	}
}

func (f *fakeEngine) EligibleStatuses() []model.Status {
	return []model.Status{model.StatusPending, model.StatusProcessingFrames, model.StatusResumeProcessing}
}

func (f *fakeEngine) RunPhase(_ context.Context, item *model.WorkItem, cred *credential.Credential, phase workflow.Phase) model.WorkflowOutcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[phase] = append(f.calls[phase], item.ID)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	out := model.WorkflowOutcome{ItemID: item.ID, StepsRun: 1, DurationMs: 10}
	if cred.Name == "" {
		out.Error = &model.OutcomeError{Class: model.ErrorClassConfiguration, Message: "no credential"}
		return out
	}
	if f.fail[item.ID] {
		out.Error = &model.OutcomeError{Class: model.ErrorClassTaskFailure, Message: "boom"}
		return out
	}
	out.Success = true
	out.ReadyForPhase2 = phase == workflow.PhaseOne && !f.notReady[item.ID]
	return out
}

func (f *fakeEngine) called(phase workflow.Phase) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[phase]...)
}

type failingProvider struct{}

func (failingProvider) Acquire(context.Context) (credential.Credential, error) {
	return credential.Credential{}, errors.New("pool empty")
}

func (failingProvider) Refresh(context.Context, credential.Credential) (credential.Credential, error) {
	return credential.Credential{}, errors.New("pool empty")
}

func staticCreds() credential.Provider {
	return credential.NewPool([]credential.Key{{Name: "primary", Secret: "k"}})
}

func fastAcquire() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 8, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
}

func pendingItems(ids ...string) []model.WorkItem {
	items := make([]model.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = model.WorkItem{ID: id, Handle: "h-" + id, Status: model.StatusPending}
	}
	return items
}

func TestParseStrategy(t *testing.T) {
	for _, in := range []string{"batch", "Streaming", " PHASED "} {
		_, err := ParseStrategy(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseStrategy("fifo")
	assert.Error(t, err)
}

func TestRunIDs_Batch(t *testing.T) {
	st := store.NewMemory(pendingItems("R-3", "R-1", "R-2")...)
	eng := newFakeEngine()
	eng.fail["R-2"] = true
	d := New(eng, st, staticCreds(), Config{MaxWorkers: 2})

	res, err := d.RunIDs(context.Background(), []string{"R-3", "R-1", "R-2", "R-1"}, Batch)

	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "batch", res.Strategy)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, []string{"R-1", "R-2", "R-3"}, []string{res.Outcomes[0].ItemID, res.Outcomes[1].ItemID, res.Outcomes[2].ItemID})
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	assert.InDelta(t, 2.0/3.0, res.SuccessRate(), 0.001)
}

func TestRunIDs_LookupFailuresAreImmediate(t *testing.T) {
	items := append(pendingItems("R-1"), model.WorkItem{ID: "R-1-001", Handle: "c1", ParentID: "R-1", Status: model.StatusPending})
	st := store.NewMemory(items...)
	eng := newFakeEngine()
	d := New(eng, st, staticCreds(), Config{})

	res, err := d.RunIDs(context.Background(), []string{"R-1", "missing", "R-1-001"}, Batch)

	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"R-1"}, eng.called(workflow.PhaseAll))
	for _, o := range res.Outcomes {
		if o.ItemID == "missing" {
			require.NotNil(t, o.Error)
			assert.Equal(t, model.ErrorClassConfiguration, o.Error.Class)
		}
	}
}

func TestRunIDs_StartingCredentialFailureIsFatal(t *testing.T) {
	st := store.NewMemory(pendingItems("R-1")...)
	eng := newFakeEngine()
	d := New(eng, st, failingProvider{}, Config{})

	res, err := d.RunIDs(context.Background(), []string{"R-1"}, Batch)

	assert.Error(t, err)
	assert.Nil(t, res)
	assert.Empty(t, eng.called(workflow.PhaseAll))
}

func TestRunIDs_WaitsForQuotaToFree(t *testing.T) {
	st := store.NewMemory(pendingItems("R-1")...)
	eng := newFakeEngine()
	pool := credential.NewPool([]credential.Key{{Name: "a", Secret: "sa", RPS: 10}})
	for {
		if _, err := pool.Acquire(context.Background()); err != nil {
			break
		}
	}
	d := New(eng, st, pool, Config{Acquire: fastAcquire()})

	res, err := d.RunIDs(context.Background(), []string{"R-1"}, Batch)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"R-1"}, eng.called(workflow.PhaseAll))
}

func TestRunIDs_BackToBackRunsShareOneKey(t *testing.T) {
	st := store.NewMemory(pendingItems("R-1")...)
	eng := newFakeEngine()
	pool := credential.NewPool([]credential.Key{{Name: "a", Secret: "sa", RPS: 5}})
	d := New(eng, st, pool, Config{Acquire: fastAcquire()})

	for range 6 {
		res, err := d.RunIDs(context.Background(), []string{"R-1"}, Batch)
		require.NoError(t, err)
		require.NotNil(t, res)
	}
}

func TestRunIDs_ExhaustedQuotaDefersItems(t *testing.T) {
	st := store.NewMemory(pendingItems("R-1", "R-2")...)
	eng := newFakeEngine()
	pool := credential.NewPool([]credential.Key{{Name: "a", Secret: "sa", RPS: 0.001}})
	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	d := New(eng, st, pool, Config{Acquire: resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}})

	res, err := d.RunIDs(context.Background(), []string{"R-1", "R-2", "missing"}, Batch)

	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	for _, o := range res.Outcomes {
		if o.ItemID != "missing" {
			assert.True(t, o.Deferred, o.ItemID)
		}
	}
	assert.Empty(t, eng.called(workflow.PhaseAll))
}

func TestPoolSizeBounded(t *testing.T) {
	ids := []string{"R-1", "R-2", "R-3", "R-4", "R-5", "R-6", "R-7", "R-8"}
	tests := []struct {
		strategy Strategy
		cfg      Config
		peak     int64
	}{
		{Batch, Config{MaxWorkers: 3, StreamingWorkers: 6}, 3},
		{Streaming, Config{MaxWorkers: 3, StreamingWorkers: 6}, 6},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			st := store.NewMemory(pendingItems(ids...)...)
			eng := newFakeEngine()
			eng.delay = 20 * time.Millisecond
			d := New(eng, st, staticCreds(), tt.cfg)

			res, err := d.RunIDs(context.Background(), ids, tt.strategy)

			require.NoError(t, err)
			assert.Equal(t, 8, res.Succeeded)
			assert.LessOrEqual(t, eng.peak.Load(), tt.peak)
		})
	}
}

func TestPhased_OnlyReadyItemsReachPhaseTwo(t *testing.T) {
	ids := []string{"R-1", "R-2", "R-3", "R-4", "R-5"}
	st := store.NewMemory(pendingItems(ids...)...)
	eng := newFakeEngine()
	eng.fail["R-2"] = true
	eng.fail["R-4"] = true
	d := New(eng, st, staticCreds(), Config{MaxWorkers: 5, Phase2Workers: 1})

	res, err := d.RunIDs(context.Background(), ids, Phased)

	require.NoError(t, err)
	assert.Equal(t, "phased", res.Strategy)
	assert.Equal(t, 5, res.TotalItems)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, res.Succeeded)
	assert.ElementsMatch(t, ids, eng.called(workflow.PhaseOne))
	assert.ElementsMatch(t, []string{"R-1", "R-3", "R-5"}, eng.called(workflow.PhaseTwo))

	for _, o := range res.Outcomes {
		if o.Success {
			assert.Equal(t, 2, o.StepsRun, "phase outcomes merged for %s", o.ItemID)
			assert.Equal(t, int64(20), o.DurationMs)
		}
	}
}

func TestPhased_NotReadyItemsStopAfterPhaseOne(t *testing.T) {
	ids := []string{"R-1", "R-2"}
	st := store.NewMemory(pendingItems(ids...)...)
	eng := newFakeEngine()
	eng.notReady["R-1"] = true
	d := New(eng, st, staticCreds(), Config{})

	res, err := d.RunIDs(context.Background(), ids, Phased)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, []string{"R-2"}, eng.called(workflow.PhaseTwo))
}

func TestPhased_PhaseTwoPoolIsSmaller(t *testing.T) {
	ids := []string{"R-1", "R-2", "R-3", "R-4", "R-5", "R-6"}
	st := store.NewMemory(pendingItems(ids...)...)
	eng := newFakeEngine()
	d := New(eng, st, staticCreds(), Config{MaxWorkers: 6, Phase2Workers: 2})

	_, err := d.RunIDs(context.Background(), ids, Phased)
	require.NoError(t, err)

	eng.peak.Store(0)
	eng.delay = 20 * time.Millisecond
	ready := make([]*model.WorkItem, len(ids))
	for i, id := range ids {
		ready[i] = &model.WorkItem{ID: id}
	}
	d.pool(context.Background(), ready, credential.Credential{Name: "primary"}, d.cfg.Phase2Workers, workflow.PhaseTwo, time.Time{})
	assert.LessOrEqual(t, eng.peak.Load(), int64(2))
}

func TestRunBudgetSkipsUnsubmittedItems(t *testing.T) {
	ids := []string{"R-1", "R-2", "R-3", "R-4"}
	st := store.NewMemory(pendingItems(ids...)...)
	eng := newFakeEngine()
	eng.delay = 30 * time.Millisecond
	d := New(eng, st, staticCreds(), Config{MaxWorkers: 1, RunBudget: 10 * time.Millisecond})

	res, err := d.RunIDs(context.Background(), ids, Batch)

	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalItems)
	assert.Equal(t, 1, res.Succeeded, "the first item is in flight when the budget passes and finishes")
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"R-1"}, eng.called(workflow.PhaseAll))
}

func TestRunEligible(t *testing.T) {
	items := []model.WorkItem{
		{ID: "R-2", Handle: "h2", Status: model.StatusPending},
		{ID: "R-1", Handle: "h1", Status: model.StatusProcessingFrames},
		{ID: "R-3", Handle: "h3", Status: model.StatusComplete},
		{ID: "R-4", Handle: "h4", Status: model.StatusResumeProcessing},
		{ID: "R-1-001", Handle: "c1", Status: model.StatusPending, ParentID: "R-1"},
	}
	st := store.NewMemory(items...)
	eng := newFakeEngine()
	d := New(eng, st, staticCreds(), Config{MaxWorkers: 1})

	res, err := d.RunEligible(context.Background(), Batch, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, []string{"R-1", "R-2", "R-4"}, eng.called(workflow.PhaseAll))

	limited, err := d.RunEligible(context.Background(), Streaming, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, limited.TotalItems)
}

func TestRunEligible_NothingToDo(t *testing.T) {
	d := New(newFakeEngine(), store.NewMemory(), staticCreds(), Config{})

	res, err := d.RunEligible(context.Background(), Phased, 0)

	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalItems)
	assert.NotNil(t, res.Outcomes)
	assert.Zero(t, res.SuccessRate())
}
