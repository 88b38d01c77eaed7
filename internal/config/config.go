package config

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Notion      NotionConfig      `yaml:"notion" mapstructure:"notion"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials"`
	Runner      RunnerConfig      `yaml:"runner" mapstructure:"runner"`
	Workflow    WorkflowConfig    `yaml:"workflow" mapstructure:"workflow"`
	Timeouts    TimeoutConfig     `yaml:"timeouts" mapstructure:"timeouts"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Barrier     BarrierConfig     `yaml:"barrier" mapstructure:"barrier"`
	Gate        GateConfig        `yaml:"gate" mapstructure:"gate"`
	Poll        PollConfig        `yaml:"poll" mapstructure:"poll"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Report      ReportConfig      `yaml:"report" mapstructure:"report"`
}

// LogConfig configures logging. Format is json, console or auto (console
// when stderr is a terminal).
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig selects the work item store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// NotionConfig holds Notion API credentials and the items database layout.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	ItemsDB   string  `yaml:"items_db" mapstructure:"items_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	// Properties overrides the column for a logical field, keyed by field
	// name (status, caption, active_task, ...).
	Properties map[string]PropertyConfig `yaml:"properties" mapstructure:"properties"`
}

// PropertyConfig names one Notion column and its type.
type PropertyConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Kind string `yaml:"kind" mapstructure:"kind"`
}

// AnthropicConfig holds the settings of the LLM quality evaluator.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// CredentialsConfig lists the keys of the shared task quota.
type CredentialsConfig struct {
	Keys []KeyConfig `yaml:"keys" mapstructure:"keys"`
	// Secret is a single key, used when Keys is empty.
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// KeyConfig is one pooled credential.
type KeyConfig struct {
	Name   string  `yaml:"name" mapstructure:"name"`
	Secret string  `yaml:"secret" mapstructure:"secret"`
	RPS    float64 `yaml:"rps" mapstructure:"rps"`
}

// RunnerConfig configures external task invocation.
type RunnerConfig struct {
	Interpreter     string            `yaml:"interpreter" mapstructure:"interpreter"`
	WorkDir         string            `yaml:"work_dir" mapstructure:"work_dir"`
	CredentialEnv   string            `yaml:"credential_env" mapstructure:"credential_env"`
	DiagnosticLimit int               `yaml:"diagnostic_limit" mapstructure:"diagnostic_limit"`
	Tasks           map[string]string `yaml:"tasks" mapstructure:"tasks"`
}

// WorkflowConfig selects the step table and dispatch strategy.
type WorkflowConfig struct {
	Variant          string `yaml:"variant" mapstructure:"variant"`
	Strategy         string `yaml:"strategy" mapstructure:"strategy"`
	MaxWorkers       int    `yaml:"max_workers" mapstructure:"max_workers"`
	StreamingWorkers int    `yaml:"streaming_workers" mapstructure:"streaming_workers"`
	Phase2Workers    int    `yaml:"phase2_workers" mapstructure:"phase2_workers"`
	RunBudgetSecs    int    `yaml:"run_budget_secs" mapstructure:"run_budget_secs"`
	LockFile         string `yaml:"lock_file" mapstructure:"lock_file"`
}

// TimeoutConfig sizes per-step task timeouts.
type TimeoutConfig struct {
	FixedSecs      int     `yaml:"fixed_secs" mapstructure:"fixed_secs"`
	BaseSecs       int     `yaml:"base_secs" mapstructure:"base_secs"`
	PerMediaSecond float64 `yaml:"per_media_second" mapstructure:"per_media_second"`
	OverheadSecs   int     `yaml:"overhead_secs" mapstructure:"overhead_secs"`
	MinSecs        int     `yaml:"min_secs" mapstructure:"min_secs"`
	MaxSecs        int     `yaml:"max_secs" mapstructure:"max_secs"`
}

// RetryConfig configures the task and store retry policies.
type RetryConfig struct {
	TaskAttempts          int `yaml:"task_attempts" mapstructure:"task_attempts"`
	TaskInitialBackoffMs  int `yaml:"task_initial_backoff_ms" mapstructure:"task_initial_backoff_ms"`
	TaskMaxBackoffMs      int `yaml:"task_max_backoff_ms" mapstructure:"task_max_backoff_ms"`
	StoreAttempts         int `yaml:"store_attempts" mapstructure:"store_attempts"`
	StoreInitialBackoffMs int `yaml:"store_initial_backoff_ms" mapstructure:"store_initial_backoff_ms"`
	StoreMaxBackoffMs     int `yaml:"store_max_backoff_ms" mapstructure:"store_max_backoff_ms"`
}

// BarrierConfig configures the child readiness barrier.
type BarrierConfig struct {
	MaxWaitSecs      int `yaml:"max_wait_secs" mapstructure:"max_wait_secs"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// GateConfig configures the metadata quality gate.
type GateConfig struct {
	// Evaluator is llm or heuristic.
	Evaluator        string  `yaml:"evaluator" mapstructure:"evaluator"`
	Lenient          float64 `yaml:"lenient" mapstructure:"lenient"`
	Normal           float64 `yaml:"normal" mapstructure:"normal"`
	Strict           float64 `yaml:"strict" mapstructure:"strict"`
	TargetWords      int     `yaml:"target_words" mapstructure:"target_words"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// PollConfig configures the poll command.
type PollConfig struct {
	DurationSecs int `yaml:"duration_secs" mapstructure:"duration_secs"`
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures post-batch alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinItems             int     `yaml:"min_items" mapstructure:"min_items"`
	// AwaitingInputThreshold alerts when more items than this wait on a
	// person. Zero disables the check.
	AwaitingInputThreshold int `yaml:"awaiting_input_threshold" mapstructure:"awaiting_input_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ReportConfig bounds the per-item diagnostic log.
type ReportConfig struct {
	MaxLogChars int `yaml:"max_log_chars" mapstructure:"max_log_chars"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ARCHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("store.driver", "notion")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.items_db", "")
	v.SetDefault("notion.rate_limit", 3.0)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("credentials.secret", "")
	v.SetDefault("runner.interpreter", "python3")
	v.SetDefault("runner.work_dir", "")
	v.SetDefault("runner.credential_env", "ARCHIVE_TASK_CREDENTIAL")
	v.SetDefault("runner.diagnostic_limit", 800)
	v.SetDefault("workflow.variant", "footage")
	v.SetDefault("workflow.strategy", "batch")
	v.SetDefault("workflow.max_workers", 4)
	v.SetDefault("workflow.streaming_workers", 8)
	v.SetDefault("workflow.phase2_workers", 2)
	v.SetDefault("workflow.run_budget_secs", 0)
	v.SetDefault("workflow.lock_file", ".archive-flow.lock")
	v.SetDefault("timeouts.fixed_secs", 1800)
	v.SetDefault("timeouts.base_secs", 300)
	v.SetDefault("timeouts.per_media_second", 2.0)
	v.SetDefault("timeouts.overhead_secs", 120)
	v.SetDefault("timeouts.min_secs", 600)
	v.SetDefault("timeouts.max_secs", 14400)
	v.SetDefault("retry.task_attempts", 3)
	v.SetDefault("retry.task_initial_backoff_ms", 2000)
	v.SetDefault("retry.task_max_backoff_ms", 60000)
	v.SetDefault("retry.store_attempts", 5)
	v.SetDefault("retry.store_initial_backoff_ms", 1000)
	v.SetDefault("retry.store_max_backoff_ms", 30000)
	v.SetDefault("barrier.max_wait_secs", 1800)
	v.SetDefault("barrier.poll_interval_secs", 30)
	v.SetDefault("gate.evaluator", "llm")
	v.SetDefault("gate.lenient", 0.3)
	v.SetDefault("gate.normal", 0.5)
	v.SetDefault("gate.strict", 0.7)
	v.SetDefault("gate.target_words", 60)
	v.SetDefault("gate.breaker_threshold", 5)
	v.SetDefault("gate.breaker_reset_secs", 60)
	v.SetDefault("poll.duration_secs", 3600)
	v.SetDefault("poll.interval_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_items", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.awaiting_input_threshold", 0)
	v.SetDefault("report.max_log_chars", 10000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "notion":
		if c.Notion.Token == "" || c.Notion.ItemsDB == "" {
			return eris.New("config: notion store needs notion.token and notion.items_db")
		}
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.Errorf("config: %s store needs store.database_url", c.Store.Driver)
		}
	case "memory":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	g := c.Gate
	if !(g.Lenient <= g.Normal && g.Normal <= g.Strict) {
		return eris.Errorf("config: gate thresholds must satisfy lenient <= normal <= strict (got %.2f, %.2f, %.2f)",
			g.Lenient, g.Normal, g.Strict)
	}
	switch g.Evaluator {
	case "llm", "heuristic":
	default:
		return eris.Errorf("config: unknown gate evaluator %q", g.Evaluator)
	}

	w := c.Workflow
	if w.MaxWorkers <= 0 || w.StreamingWorkers <= 0 || w.Phase2Workers <= 0 {
		return eris.New("config: worker counts must be positive")
	}
	if w.RunBudgetSecs < 0 {
		return eris.New("config: workflow.run_budget_secs must not be negative")
	}

	if c.Timeouts.MinSecs > c.Timeouts.MaxSecs {
		return eris.Errorf("config: timeouts.min_secs %d exceeds timeouts.max_secs %d", c.Timeouts.MinSecs, c.Timeouts.MaxSecs)
	}
	if c.Barrier.PollIntervalSecs <= 0 {
		return eris.New("config: barrier.poll_interval_secs must be positive")
	}
	if c.Poll.IntervalSecs <= 0 {
		return eris.New("config: poll.interval_secs must be positive")
	}
	if len(c.Credentials.Keys) == 0 && c.Credentials.Secret == "" {
		return eris.New("config: at least one task credential is required (credentials.keys or credentials.secret)")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if consoleFormat(cfg.Format) {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

func consoleFormat(format string) bool {
	switch format {
	case "console":
		return true
	case "auto":
		fd := os.Stderr.Fd()
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	default:
		return false
	}
}
