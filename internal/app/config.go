package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/active"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/coordinator"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/monitor"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/tracker"
)

const envPrefix = "EFS"

const (
	ChangeFeedMemory   = "memory"
	ChangeFeedRedis    = "redis"
	ChangeFeedPostgres = "postgres"
)

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	ChangeFeed  ChangeFeedConfig  `mapstructure:"changefeed"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Active      ActiveConfig      `mapstructure:"active"`
	Otel        OtelConfig        `mapstructure:"otel"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	// AutoMigrate runs migrations on serve; the migrate command always does.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

type ChangeFeedConfig struct {
	Mode string `mapstructure:"mode"`
}

type GenerationConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type CoordinatorConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

type MonitorConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	StallThreshold    time.Duration `mapstructure:"stall_threshold"`
	// Scanner runs a process-wide stall scanner in addition to the ones
	// coordinators run for their own batches.
	Scanner bool `mapstructure:"scanner"`
}

type TrackerConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ActiveConfig struct {
	RecentWindow time.Duration `mapstructure:"recent_window"`
	RecentLimit  int           `mapstructure:"recent_limit"`
}

type OtelConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	Endpoint    string  `mapstructure:"endpoint"`
	Headers     string  `mapstructure:"headers"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ScrapeInterval time.Duration `mapstructure:"scrape_interval"`
}

// SetDefaults registers every key so env overrides resolve during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("log.mode", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "pipeline_changes")

	v.SetDefault("changefeed.mode", ChangeFeedMemory)

	v.SetDefault("generation.base_url", "")
	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.rate_limit", 0)
	v.SetDefault("generation.timeout", "180s")

	retry := coordinator.DefaultRetryPolicy()
	v.SetDefault("coordinator.concurrency", 4)
	v.SetDefault("coordinator.max_attempts", retry.MaxAttempts)
	v.SetDefault("coordinator.backoff_initial", retry.InitialInterval.String())
	v.SetDefault("coordinator.backoff_max", retry.MaxInterval.String())

	v.SetDefault("monitor.heartbeat_interval", monitor.DefaultHeartbeatInterval.String())
	v.SetDefault("monitor.scan_interval", monitor.DefaultScanInterval.String())
	v.SetDefault("monitor.stall_threshold", monitor.DefaultStallThreshold.String())
	v.SetDefault("monitor.scanner", true)

	v.SetDefault("tracker.debounce", tracker.DefaultDebounce.String())
	v.SetDefault("tracker.poll_interval", tracker.DefaultPollInterval.String())

	v.SetDefault("active.recent_window", active.DefaultRecentWindow.String())
	v.SetDefault("active.recent_limit", active.DefaultRecentLimit)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "expression-forge")
	v.SetDefault("otel.environment", "")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.headers", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.sample_ratio", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.scrape_interval", "10s")
}

// NewViper builds a viper instance with defaults, EFS_ env overrides and an
// optional config file. A missing default config file is not an error.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	// EFS_DATABASE_DSN for database.dsn
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return v, nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/expression-forge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.ChangeFeed.Mode = strings.ToLower(strings.TrimSpace(cfg.ChangeFeed.Mode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.ChangeFeed.Mode {
	case ChangeFeedMemory, ChangeFeedPostgres:
	case ChangeFeedRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("changefeed.mode=redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown changefeed.mode %q", c.ChangeFeed.Mode)
	}
	if c.ChangeFeed.Mode == ChangeFeedPostgres && c.Database.Driver != "postgres" {
		return fmt.Errorf("changefeed.mode=postgres requires database.driver=postgres")
	}
	if c.Coordinator.Concurrency < 1 {
		return fmt.Errorf("coordinator.concurrency must be >= 1")
	}
	if c.Coordinator.MaxAttempts < 1 {
		return fmt.Errorf("coordinator.max_attempts must be >= 1")
	}
	return nil
}

func (c Config) RetryPolicy() coordinator.RetryPolicy {
	p := coordinator.DefaultRetryPolicy()
	p.MaxAttempts = c.Coordinator.MaxAttempts
	if c.Coordinator.BackoffInitial > 0 {
		p.InitialInterval = c.Coordinator.BackoffInitial
	}
	if c.Coordinator.BackoffMax > 0 {
		p.MaxInterval = c.Coordinator.BackoffMax
	}
	return p
}

func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		HeartbeatInterval: c.Monitor.HeartbeatInterval,
		ScanInterval:      c.Monitor.ScanInterval,
		StallThreshold:    c.Monitor.StallThreshold,
	}
}
