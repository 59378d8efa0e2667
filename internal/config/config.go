package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"liqguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Market     MarketConfig     `mapstructure:"market"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Server     ServerConfig     `mapstructure:"server"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MarketConfig covers the REST market-data venue.
type MarketConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestSpacing time.Duration `mapstructure:"request_spacing"`
	Retries        int           `mapstructure:"retries"`
	MaxRetryAfter  time.Duration `mapstructure:"max_retry_after"`
}

// FeedConfig covers the realtime websocket feed.
type FeedConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// MonitorConfig governs the per-wallet tasks.
type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	QueueSize    int           `mapstructure:"queue_size"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// RiskConfig parameterises the evaluator.
type RiskConfig struct {
	MaintenanceMarginRatio  float64 `mapstructure:"maintenance_margin_ratio"`
	DefaultHourlyVolatility float64 `mapstructure:"default_hourly_volatility"`
	TargetRatioPct          float64 `mapstructure:"target_ratio_pct"`
	StopBuffer              float64 `mapstructure:"stop_buffer"`
	EstimatedLeverage       float64 `mapstructure:"estimated_leverage"`
}

// ThresholdsConfig are the default severity thresholds in percent.
type ThresholdsConfig struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
	Urgent   float64 `mapstructure:"urgent"`
}

// AlertingConfig defines alert cooldowns and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown CooldownConfig `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// CooldownConfig is the minimum gap between repeated alerts per severity.
type CooldownConfig struct {
	Warning  time.Duration `mapstructure:"warning"`
	Critical time.Duration `mapstructure:"critical"`
	Urgent   time.Duration `mapstructure:"urgent"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NATSConfig 描述告警镜像发布参数。
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// ServerConfig exposes health, metrics and status over HTTP.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// JobsConfig schedules background maintenance with cron specs.
type JobsConfig struct {
	ReconcileSpec   string        `mapstructure:"reconcile_spec"`
	RetentionSpec   string        `mapstructure:"retention_spec"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIQGUARD")
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
	v.SetDefault("app.name", "liqguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "liqguard.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x6c717564))

	v.SetDefault("market.base_url", "https://api.reya.xyz")
	v.SetDefault("market.request_timeout", "30s")
	v.SetDefault("market.user_agent", "liqguard/1.0")
	v.SetDefault("market.request_spacing", "100ms")
	v.SetDefault("market.retries", 3)
	v.SetDefault("market.max_retry_after", "30s")

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.url", "wss://ws.reya.xyz")
	v.SetDefault("feed.initial_delay", "1s")
	v.SetDefault("feed.max_delay", "60s")
	v.SetDefault("feed.multiplier", 2.0)
	v.SetDefault("feed.ping_interval", "30s")
	v.SetDefault("feed.ping_timeout", "10s")
	v.SetDefault("feed.handshake_timeout", "10s")

	v.SetDefault("monitor.poll_interval", "60s")
	v.SetDefault("monitor.queue_size", 32)
	v.SetDefault("monitor.fetch_timeout", "45s")

	v.SetDefault("risk.maintenance_margin_ratio", 0.03)
	v.SetDefault("risk.default_hourly_volatility", 5.0)
	v.SetDefault("risk.target_ratio_pct", 60.0)
	v.SetDefault("risk.stop_buffer", 0.05)
	v.SetDefault("risk.estimated_leverage", 10.0)

	v.SetDefault("thresholds.warning", 80.0)
	v.SetDefault("thresholds.critical", 90.0)
	v.SetDefault("thresholds.urgent", 95.0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown.warning", "60m")
	v.SetDefault("alerting.cooldown.critical", "30m")
	v.SetDefault("alerting.cooldown.urgent", "5m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("alerting.nats.subject", "liqguard.alerts")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("jobs.reconcile_spec", "@every 1m")
	v.SetDefault("jobs.retention_spec", "@daily")
	v.SetDefault("jobs.retention_window", "720h")

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
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (postgres, sqlite)", c.Database.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be greater than zero")
	}
	if c.Monitor.QueueSize <= 0 {
		return fmt.Errorf("monitor.queue_size must be greater than zero")
	}
	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			return fmt.Errorf("feed.url is required when the feed is enabled")
		}
		if c.Feed.InitialDelay <= 0 || c.Feed.MaxDelay < c.Feed.InitialDelay {
			return fmt.Errorf("feed.initial_delay must be positive and not exceed feed.max_delay")
		}
		if c.Feed.Multiplier < 1 {
			return fmt.Errorf("feed.multiplier must be at least 1")
		}
	}
	if c.Risk.MaintenanceMarginRatio <= 0 || c.Risk.MaintenanceMarginRatio >= 1 {
		return fmt.Errorf("risk.maintenance_margin_ratio must be within (0,1)")
	}
	if c.Risk.TargetRatioPct <= 0 || c.Risk.TargetRatioPct > 100 {
		return fmt.Errorf("risk.target_ratio_pct must be within (0,100]")
	}
	if c.Risk.StopBuffer < 0 {
		return fmt.Errorf("risk.stop_buffer cannot be negative")
	}
	if err := c.DefaultThresholds().Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"warning":  c.Alerting.Cooldown.Warning,
		"critical": c.Alerting.Cooldown.Critical,
		"urgent":   c.Alerting.Cooldown.Urgent,
	} {
		if d <= 0 {
			return fmt.Errorf("alerting.cooldown.%s must be greater than zero", name)
		}
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token 必须配置")
	}
	if c.Alerting.NATS.Enabled && (c.Alerting.NATS.URL == "" || c.Alerting.NATS.Subject == "") {
		return fmt.Errorf("alerting.nats.url 和 alerting.nats.subject 必须配置")
	}
	if c.Jobs.RetentionWindow < 0 {
		return fmt.Errorf("jobs.retention_window cannot be negative")
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
