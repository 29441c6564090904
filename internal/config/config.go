package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"case-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker    BreakersConfig   `mapstructure:"breaker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs dispatch and alert evaluation cadence.
type SchedulerConfig struct {
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
}

// ProviderConfig captures provider API connectivity.
type ProviderConfig struct {
	BaseURL        string             `mapstructure:"base_url"`
	Token          string             `mapstructure:"token"`
	RequestTimeout time.Duration      `mapstructure:"request_timeout"`
	UserAgent      string             `mapstructure:"user_agent"`
	CallbackURL    string             `mapstructure:"callback_url"`
	MaxRateWait    time.Duration      `mapstructure:"max_rate_wait"`
	BatchLimit     int                `mapstructure:"batch_limit"`
	Costs          map[string]float64 `mapstructure:"costs"`
}

// RateLimitConfig sizes the shared outbound token bucket.
type RateLimitConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	Refill      float64       `mapstructure:"refill"`
	RefillEvery time.Duration `mapstructure:"refill_every"`
}

// BreakersConfig holds one breaker per endpoint family.
type BreakersConfig struct {
	Tracking BreakerConfig `mapstructure:"tracking"`
	Polling  BreakerConfig `mapstructure:"polling"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	MinRequests        int           `mapstructure:"min_requests"`
	Window             time.Duration `mapstructure:"window"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	MaxCooldown        time.Duration `mapstructure:"max_cooldown"`
	HalfOpenProbes     int           `mapstructure:"half_open_probes"`
}

// RetryConfig tunes backoff for transient provider failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PollingConfig bounds result polling.
type PollingConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	MaxTotalWait time.Duration `mapstructure:"max_total_wait"`
}

// DispatcherConfig controls cycle sizing.
type DispatcherConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
	UseAdvisoryLock    bool          `mapstructure:"use_advisory_lock"`
	Reconcile          bool          `mapstructure:"reconcile"`
}

// WebhookConfig configures the inbound HTTP server.
type WebhookConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Path            string        `mapstructure:"path"`
	Secret          string        `mapstructure:"secret"`
	Cost            float64       `mapstructure:"cost"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

// TelemetryConfig sizes the recorder and lists alert rules.
type TelemetryConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushBatch    int           `mapstructure:"flush_batch"`
	Rules         []RuleConfig  `mapstructure:"rules"`
}

// RuleConfig describes one alert rule.
type RuleConfig struct {
	ID        string        `mapstructure:"id"`
	Metric    string        `mapstructure:"metric"`
	Scope     string        `mapstructure:"scope"`
	Threshold float64       `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Severity  string        `mapstructure:"severity"`
	// MinCalls suppresses error_rate alerts on tiny samples.
	MinCalls int64 `mapstructure:"min_calls"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  HookConfig     `mapstructure:"webhook"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

// TelegramConfig describes Telegram alert delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HookConfig describes generic JSON webhook alert delivery.
type HookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NATSConfig configures movement fan-out.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Name          string `mapstructure:"name"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CASEMONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "casemonitor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.dispatch_interval", "5m")
	v.SetDefault("scheduler.evaluate_interval", "1m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63617365))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("provider.base_url", "https://api.provider.example/v1")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.request_timeout", "15s")
	v.SetDefault("provider.user_agent", "casemonitor/1.0")
	v.SetDefault("provider.callback_url", "")
	v.SetDefault("provider.max_rate_wait", "30s")
	v.SetDefault("provider.batch_limit", 8)
	v.SetDefault("provider.costs", map[string]float64{
		"create_subscription": 0.05,
		"list_subscriptions":  0,
		"submit_search":       0.10,
		"poll_result":         0,
	})

	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.refill", 10)
	v.SetDefault("rate_limit.refill_every", "1m")

	for _, family := range []string{"tracking", "polling"} {
		prefix := "breaker." + family + "."
		v.SetDefault(prefix+"failure_threshold", 5)
		v.SetDefault(prefix+"error_rate_threshold", 0.5)
		v.SetDefault(prefix+"min_requests", 20)
		v.SetDefault(prefix+"window", "1m")
		v.SetDefault(prefix+"cooldown", "30s")
		v.SetDefault(prefix+"max_cooldown", "10m")
		v.SetDefault(prefix+"half_open_probes", 1)
	}

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("polling.interval", "2s")
	v.SetDefault("polling.max_interval", "15s")
	v.SetDefault("polling.max_total_wait", "2m")

	v.SetDefault("dispatcher.batch_size", 200)
	v.SetDefault("dispatcher.concurrency", 8)
	v.SetDefault("dispatcher.monitoring_interval", "6h")
	v.SetDefault("dispatcher.use_advisory_lock", true)
	v.SetDefault("dispatcher.reconcile", true)

	v.SetDefault("webhook.listen_addr", ":8080")
	v.SetDefault("webhook.path", "/webhooks/provider/tracking")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.cost", 0.0)
	v.SetDefault("webhook.request_timeout", "10s")
	v.SetDefault("webhook.max_body_bytes", int64(1<<20))
	v.SetDefault("webhook.rate_limit", 600)
	v.SetDefault("webhook.rate_window", "1m")
	v.SetDefault("webhook.shutdown_timeout", "10s")
	v.SetDefault("webhook.metrics_enabled", true)

	v.SetDefault("telemetry.buffer_size", 4096)
	v.SetDefault("telemetry.flush_interval", "2s")
	v.SetDefault("telemetry.flush_batch", 256)
	v.SetDefault("telemetry.rules", []map[string]any{
		{"id": "tracking_error_rate", "metric": "error_rate", "scope": "tracking", "threshold": 0.25, "window": "15m", "severity": "warning", "min_calls": 20},
		{"id": "polling_error_rate", "metric": "error_rate", "scope": "polling", "threshold": 0.25, "window": "15m", "severity": "warning", "min_calls": 20},
		{"id": "tracking_circuit_open", "metric": "circuit_open", "scope": "tracking", "threshold": 1, "window": "5m", "severity": "critical"},
		{"id": "daily_cost", "metric": "total_cost", "scope": "", "threshold": 100, "window": "24h", "severity": "warning"},
	})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.breaker.failure_threshold", 3)
	v.SetDefault("alerting.breaker.cooldown", "1m")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "casemonitor.movements")
	v.SetDefault("nats.name", "casemonitor")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval must be greater than zero")
	}
	if c.Scheduler.EvaluateInterval <= 0 {
		return fmt.Errorf("scheduler.evaluate_interval must be greater than zero")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be greater than zero")
	}
	if c.RateLimit.Refill <= 0 || c.RateLimit.RefillEvery <= 0 {
		return fmt.Errorf("rate_limit.refill and rate_limit.refill_every must be greater than zero")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay cannot be less than retry.base_delay")
	}
	if c.Polling.MaxTotalWait <= 0 {
		return fmt.Errorf("polling.max_total_wait must be greater than zero")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be greater than zero")
	}
	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher.concurrency must be greater than zero")
	}
	if c.Dispatcher.MonitoringInterval <= 0 {
		return fmt.Errorf("dispatcher.monitoring_interval must be greater than zero")
	}
	for name, b := range map[string]BreakerConfig{"tracking": c.Breaker.Tracking, "polling": c.Breaker.Polling} {
		if b.FailureThreshold <= 0 {
			return fmt.Errorf("breaker.%s.failure_threshold must be greater than zero", name)
		}
		if b.ErrorRateThreshold < 0 || b.ErrorRateThreshold > 1 {
			return fmt.Errorf("breaker.%s.error_rate_threshold must be within [0,1]", name)
		}
	}
	if c.Webhook.Cost < 0 {
		return fmt.Errorf("webhook.cost cannot be negative")
	}
	for kind, cost := range c.Provider.Costs {
		if cost < 0 {
			return fmt.Errorf("provider.costs.%s cannot be negative", kind)
		}
	}
	seen := make(map[string]struct{}, len(c.Telemetry.Rules))
	for _, rule := range c.Telemetry.Rules {
		if rule.ID == "" {
			return fmt.Errorf("telemetry.rules: id is required")
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("telemetry.rules: duplicate id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		switch rule.Metric {
		case "error_rate", "call_count", "total_cost", "circuit_open":
		default:
			return fmt.Errorf("telemetry.rules.%s: unknown metric %q", rule.ID, rule.Metric)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("telemetry.rules.%s: window must be greater than zero", rule.ID)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Cost returns the configured cost for a provider call kind.
func (p ProviderConfig) Cost(kind string) float64 {
	if p.Costs == nil {
		return 0
	}
	return p.Costs[kind]
}
