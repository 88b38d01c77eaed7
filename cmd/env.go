package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/config"
	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/dispatch"
	"github.com/sells-group/archive-flow/internal/gate"
	"github.com/sells-group/archive-flow/internal/monitoring"
	"github.com/sells-group/archive-flow/internal/report"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/internal/runner"
	"github.com/sells-group/archive-flow/internal/store"
	"github.com/sells-group/archive-flow/internal/workflow"
	anthropicpkg "github.com/sells-group/archive-flow/pkg/anthropic"
	"github.com/sells-group/archive-flow/pkg/notion"
)

// appEnv holds the components shared by run, poll and serve.
type appEnv struct {
	Store      store.Store
	Variant    *workflow.Variant
	Engine     *workflow.Engine
	Dispatcher *dispatch.Dispatcher
	Checker    *monitoring.Checker
	Collector  *monitoring.Collector
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initEnv validates config and wires the engine. The caller must Close the
// returned env.
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	variant, err := workflow.VariantByName(cfg.Workflow.Variant)
	if err != nil {
		return nil, err
	}

	raw, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st := store.NewRetrying(raw, resilience.FromRetryConfig(
		resilience.DefaultRetryConfig(),
		cfg.Retry.StoreAttempts, cfg.Retry.StoreInitialBackoffMs, cfg.Retry.StoreMaxBackoffMs,
	))

	creds, err := initCredentials(cfg.Credentials)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	run, err := initRunner(cfg.Runner, variant)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	evaluator := initGate(cfg)
	reporter := report.New(st, cfg.Report.MaxLogChars)

	executor := workflow.NewExecutor(st, run, evaluator, creds, reporter,
		timeoutPolicy(cfg.Timeouts),
		resilience.FromRetryConfig(resilience.TaskRetryConfig(),
			cfg.Retry.TaskAttempts, cfg.Retry.TaskInitialBackoffMs, cfg.Retry.TaskMaxBackoffMs),
	)
	barrier := workflow.NewBarrier(st, variant,
		time.Duration(cfg.Barrier.MaxWaitSecs)*time.Second,
		time.Duration(cfg.Barrier.PollIntervalSecs)*time.Second,
	)
	engine := workflow.NewEngine(variant, st, workflow.NewResolver(variant, evaluator), executor, barrier, reporter)

	disp := dispatch.New(engine, st, creds, dispatch.Config{
		MaxWorkers:       cfg.Workflow.MaxWorkers,
		StreamingWorkers: cfg.Workflow.StreamingWorkers,
		Phase2Workers:    cfg.Workflow.Phase2Workers,
		RunBudget:        time.Duration(cfg.Workflow.RunBudgetSecs) * time.Second,
	})

	collector := monitoring.NewCollector(st, engine.EligibleStatuses())
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

	zap.L().Info("engine ready",
		zap.String("variant", variant.Name),
		zap.String("store", cfg.Store.Driver),
		zap.String("gate", cfg.Gate.Evaluator),
		zap.Int("steps", len(variant.Steps)),
	)

	return &appEnv{
		Store:      st,
		Variant:    variant,
		Engine:     engine,
		Dispatcher: disp,
		Checker:    checker,
		Collector:  collector,
	}, nil
}

// initStore opens the backend named by store.driver.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "notion":
		build := func(token string) notion.Client {
			return notion.NewClient(token, notion.WithRateLimit(c.Notion.RateLimit))
		}
		return store.NewNotion(build(c.Notion.Token), c.Notion.ItemsDB, propertyMap(c.Notion.Properties),
			store.WithTokenSource(tokenFromEnv("ARCHIVE_NOTION_TOKEN", c.Notion.Token), build),
		), nil
	case "sqlite":
		return store.NewSQLite(ctx, c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{MaxConns: c.Store.MaxConns})
	case "memory":
		zap.L().Warn("using in-memory store, nothing will be persisted")
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// tokenFromEnv re-reads the integration token so a rotated secret is picked
// up without a restart.
func tokenFromEnv(name, fallback string) store.TokenSource {
	return func(context.Context) (string, error) {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
		if fallback == "" {
			return "", eris.Errorf("%s is not set", name)
		}
		return fallback, nil
	}
}

func propertyMap(props map[string]config.PropertyConfig) store.PropertyMap {
	out := make(store.PropertyMap, len(props))
	for k, p := range props {
		out[k] = store.Property{Name: p.Name, Kind: store.PropertyKind(p.Kind)}
	}
	return out
}

func initCredentials(c config.CredentialsConfig) (credential.Provider, error) {
	keys := credentialKeys(c)
	if len(keys) == 0 {
		return nil, eris.New("no task credentials configured")
	}
	pool := credential.NewPool(keys).WithReload(reloadKeys)
	if pool.Size() == 0 {
		return nil, eris.New("credential pool is empty: every key lacks a secret")
	}
	return pool, nil
}

// credentialKeys returns the configured keys, or the single secret as a key
// named "default".
func credentialKeys(c config.CredentialsConfig) []credential.Key {
	if len(c.Keys) == 0 {
		if c.Secret == "" {
			return nil
		}
		return []credential.Key{{Name: "default", Secret: c.Secret}}
	}
	keys := make([]credential.Key, len(c.Keys))
	for i, k := range c.Keys {
		keys[i] = credential.Key{Name: k.Name, Secret: k.Secret, RPS: k.RPS}
	}
	return keys
}

// reloadKeys re-reads config.yaml and the environment so a rotated task
// credential is picked up without a restart.
func reloadKeys(context.Context) ([]credential.Key, error) {
	c, err := config.Load()
	if err != nil {
		return nil, err
	}
	return credentialKeys(c.Credentials), nil
}

// initRunner builds the process runner and checks every task in the step
// table has a script.
func initRunner(c config.RunnerConfig, v *workflow.Variant) (*runner.Exec, error) {
	r := runner.NewExec(c.Tasks,
		runner.WithInterpreter(c.Interpreter),
		runner.WithWorkDir(c.WorkDir),
		runner.WithCredentialEnv(c.CredentialEnv),
		runner.WithDiagnosticLimit(c.DiagnosticLimit),
	)
	for _, task := range v.TaskIDs() {
		if !r.Has(task) {
			return nil, eris.Errorf("runner: no script configured for task %q (runner.tasks.%s)", task, task)
		}
	}
	return r, nil
}

// initGate returns the LLM evaluator with a heuristic fallback, or the
// heuristic alone when configured or when no API key is set.
func initGate(c *config.Config) gate.Evaluator {
	thresholds := gate.Thresholds{Lenient: c.Gate.Lenient, Normal: c.Gate.Normal, Strict: c.Gate.Strict}
	heuristic := gate.NewHeuristic(thresholds, c.Gate.TargetWords)
	if c.Gate.Evaluator == "heuristic" || c.Anthropic.Key == "" {
		if c.Gate.Evaluator == "llm" {
			zap.L().Warn("ARCHIVE_ANTHROPIC_KEY not set, quality gate uses the heuristic evaluator")
		}
		return heuristic
	}
	breaker := resilience.NewCircuitBreaker(resilience.FromCircuitConfig("anthropic", c.Gate.BreakerThreshold, c.Gate.BreakerResetSecs))
	llm := gate.NewLLM(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model, thresholds, breaker).
		WithMaxTokens(c.Anthropic.MaxTokens)
	return gate.NewWithFallback(llm, heuristic)
}

func timeoutPolicy(c config.TimeoutConfig) workflow.TimeoutPolicy {
	p := workflow.DefaultTimeoutPolicy()
	secs := func(n int, into *time.Duration) {
		if n > 0 {
			*into = time.Duration(n) * time.Second
		}
	}
	secs(c.FixedSecs, &p.Fixed)
	secs(c.BaseSecs, &p.Base)
	secs(c.OverheadSecs, &p.Overhead)
	secs(c.MinSecs, &p.Min)
	secs(c.MaxSecs, &p.Max)
	if c.PerMediaSecond > 0 {
		p.PerMediaSecond = c.PerMediaSecond
	}
	return p
}
