package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/gate"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/report"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/internal/runner"
	"github.com/sells-group/archive-flow/internal/store"
)

// --- Runner fake ---

// fakeRunner succeeds unless a scripted error is queued for the task.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	creds []string
	errs  map[string][]error
	onRun func(taskID, itemID string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{errs: make(map[string][]error)}
}

func (f *fakeRunner) failWith(taskID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[taskID] = append(f.errs[taskID], errs...)
}

func (f *fakeRunner) Run(_ context.Context, taskID, itemID string, cred credential.Credential, _ time.Duration) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, taskID)
	f.creds = append(f.creds, cred.Name)
	var err error
	if q := f.errs[taskID]; len(q) > 0 {
		err = q[0]
		f.errs[taskID] = q[1:]
	}
	hook := f.onRun
	f.mu.Unlock()

	if err != nil {
		return runner.Result{ExitCode: 1}, err
	}
	if hook != nil {
		hook(taskID, itemID)
	}
	return runner.Result{ExitSuccess: true}, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

// --- Credential fake ---

// refreshingProvider hands out "initial" until the first refresh, then
// "fresh". Setting exhausted makes every Acquire report no capacity.
type refreshingProvider struct {
	mu        sync.Mutex
	refreshes int
	acquires  int
	exhausted bool
}

func (p *refreshingProvider) Acquire(_ context.Context) (credential.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.exhausted {
		return credential.Credential{}, resilience.ErrNoCapacity
	}
	if p.refreshes > 0 {
		return credential.Credential{Name: "fresh", Secret: "s1"}, nil
	}
	return credential.Credential{Name: "initial", Secret: "s0"}, nil
}

func (p *refreshingProvider) Refresh(_ context.Context, _ credential.Credential) (credential.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return credential.Credential{Name: "fresh", Secret: "s1"}, nil
}

// --- Gate mock ---

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Evaluate(ctx context.Context, text string, s gate.Strictness) (gate.Verdict, error) {
	args := m.Called(ctx, text, s)
	return args.Get(0).(gate.Verdict), args.Error(1)
}

// --- Harness ---

type harness struct {
	store  *store.Memory
	runner *fakeRunner
	creds  *refreshingProvider
	engine *Engine
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	variant *Variant
	gate    gate.Evaluator
	maxWait time.Duration
}

func withVariant(v *Variant) harnessOpt {
	return func(c *harnessConfig) { c.variant = v }
}

func withGate(g gate.Evaluator) harnessOpt {
	return func(c *harnessConfig) { c.gate = g }
}

func fastRetry() resilience.RetryConfig {
	cfg := resilience.TaskRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

// testGate scores by word count against a ten word target.
func testGate() gate.Evaluator {
	return gate.NewHeuristic(gate.DefaultThresholds(), 10)
}

func newHarness(t *testing.T, items []model.WorkItem, opts ...harnessOpt) *harness {
	t.Helper()
	cfg := harnessConfig{variant: FootageVariant(), gate: testGate(), maxWait: 40 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.variant.Validate(); err != nil {
		t.Fatalf("invalid variant: %v", err)
	}

	st := store.NewMemory(items...)
	r := newFakeRunner()
	creds := &refreshingProvider{}
	rep := report.New(st, 0)
	exec := NewExecutor(st, r, cfg.gate, creds, rep, DefaultTimeoutPolicy(), fastRetry())
	barrier := NewBarrier(st, cfg.variant, cfg.maxWait, 5*time.Millisecond)
	engine := NewEngine(cfg.variant, st, NewResolver(cfg.variant, cfg.gate), exec, barrier, rep)
	return &harness{store: st, runner: r, creds: creds, engine: engine}
}

func (h *harness) item(t *testing.T, id string) *model.WorkItem {
	t.Helper()
	it, err := h.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find %s: %v", id, err)
	}
	return it
}

func (h *harness) run(t *testing.T, id string) model.WorkflowOutcome {
	t.Helper()
	cred := credential.Credential{Name: "initial"}
	return h.engine.Run(context.Background(), h.item(t, id), &cred)
}

// reel returns a footage parent with two children in the given status.
func reel(status, childStatus model.Status) []model.WorkItem {
	return []model.WorkItem{
		{ID: "REEL-1", Handle: "p1", Status: status, Title: "Harbour", DurationSeconds: 120},
		{ID: "REEL-1-001", Handle: "c1", Status: childStatus, ParentID: "REEL-1"},
		{ID: "REEL-1-002", Handle: "c2", Status: childStatus, ParentID: "REEL-1"},
	}
}

const richMetadata = "Fishing boats leave the harbour at dawn while gulls circle the crowded quay"
