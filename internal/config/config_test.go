package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func validConfig() *Config {
	return &Config{
		Store:       StoreConfig{Driver: "sqlite", DatabaseURL: "file:items.db"},
		Credentials: CredentialsConfig{Secret: "k"},
		Workflow:    WorkflowConfig{MaxWorkers: 4, StreamingWorkers: 8, Phase2Workers: 2},
		Timeouts:    TimeoutConfig{MinSecs: 600, MaxSecs: 14400},
		Barrier:     BarrierConfig{MaxWaitSecs: 1800, PollIntervalSecs: 30},
		Gate:        GateConfig{Evaluator: "heuristic", Lenient: 0.3, Normal: 0.5, Strict: 0.7},
		Poll:        PollConfig{DurationSecs: 3600, IntervalSecs: 300},
	}
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "notion", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "footage", cfg.Workflow.Variant)
	assert.Equal(t, "batch", cfg.Workflow.Strategy)
	assert.Equal(t, 4, cfg.Workflow.MaxWorkers)
	assert.Equal(t, 8, cfg.Workflow.StreamingWorkers)
	assert.Equal(t, 2, cfg.Workflow.Phase2Workers)
	assert.Equal(t, 3, cfg.Retry.TaskAttempts)
	assert.Equal(t, 2000, cfg.Retry.TaskInitialBackoffMs)
	assert.Equal(t, 60000, cfg.Retry.TaskMaxBackoffMs)
	assert.Equal(t, 1800, cfg.Barrier.MaxWaitSecs)
	assert.Equal(t, 30, cfg.Barrier.PollIntervalSecs)
	assert.Equal(t, 600, cfg.Timeouts.MinSecs)
	assert.Equal(t, 14400, cfg.Timeouts.MaxSecs)
	assert.InDelta(t, 2.0, cfg.Timeouts.PerMediaSecond, 0.001)
	assert.InDelta(t, 0.3, cfg.Gate.Lenient, 0.001)
	assert.InDelta(t, 0.5, cfg.Gate.Normal, 0.001)
	assert.InDelta(t, 0.7, cfg.Gate.Strict, 0.001)
	assert.Equal(t, "llm", cfg.Gate.Evaluator)
	assert.Equal(t, 3600, cfg.Poll.DurationSecs)
	assert.Equal(t, 300, cfg.Poll.IntervalSecs)
	assert.Equal(t, 10000, cfg.Report.MaxLogChars)
	assert.Equal(t, "ARCHIVE_TASK_CREDENTIAL", cfg.Runner.CredentialEnv)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: file:archive.db
log:
  level: debug
  format: console
workflow:
  variant: still_image
  strategy: phased
  phase2_workers: 1
runner:
  tasks:
    media_info: tasks/media_info.py
    tagging: tasks/tagging.py
notion:
  properties:
    caption:
      name: AI Caption
      kind: rich_text
credentials:
  keys:
    - name: primary
      secret: abc
      rps: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:archive.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "still_image", cfg.Workflow.Variant)
	assert.Equal(t, "phased", cfg.Workflow.Strategy)
	assert.Equal(t, 1, cfg.Workflow.Phase2Workers)
	assert.Equal(t, "tasks/tagging.py", cfg.Runner.Tasks["tagging"])
	assert.Equal(t, "AI Caption", cfg.Notion.Properties["caption"].Name)
	require.Len(t, cfg.Credentials.Keys, 1)
	assert.InDelta(t, 2.0, cfg.Credentials.Keys[0].RPS, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Workflow.MaxWorkers)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ARCHIVE_STORE_DRIVER", "postgres")
	t.Setenv("ARCHIVE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadPollEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ARCHIVE_POLL_DURATION_SECS", "120")
	t.Setenv("ARCHIVE_POLL_INTERVAL_SECS", "15")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Poll.DurationSecs)
	assert.Equal(t, 15, cfg.Poll.IntervalSecs)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"notion without token", func(c *Config) { c.Store.Driver = "notion" }, "notion.token"},
		{"sqlite without url", func(c *Config) { c.Store.DatabaseURL = "" }, "store.database_url"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "unknown store driver"},
		{"gate order", func(c *Config) { c.Gate.Lenient = 0.9 }, "lenient <= normal <= strict"},
		{"gate evaluator", func(c *Config) { c.Gate.Evaluator = "coin" }, "unknown gate evaluator"},
		{"workers", func(c *Config) { c.Workflow.Phase2Workers = 0 }, "worker counts"},
		{"budget", func(c *Config) { c.Workflow.RunBudgetSecs = -1 }, "run_budget_secs"},
		{"timeouts", func(c *Config) { c.Timeouts.MinSecs = 20000 }, "exceeds timeouts.max_secs"},
		{"barrier interval", func(c *Config) { c.Barrier.PollIntervalSecs = 0 }, "poll_interval_secs"},
		{"poll interval", func(c *Config) { c.Poll.IntervalSecs = 0 }, "poll.interval_secs"},
		{"credentials", func(c *Config) { c.Credentials = CredentialsConfig{} }, "credential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
}

func TestInitLoggerAuto(t *testing.T) {
	err := InitLogger(LogConfig{Level: "warn", Format: "auto"})
	require.NoError(t, err)
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
