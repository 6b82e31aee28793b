package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider"`
	Budget   BudgetConfig   `yaml:"budget" mapstructure:"budget"`
	Gaps     GapsConfig     `yaml:"gaps" mapstructure:"gaps"`
	Calendar CalendarConfig `yaml:"calendar" mapstructure:"calendar"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Scorer   ScorerConfig   `yaml:"scorer" mapstructure:"scorer"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ProviderConfig holds the external market-data provider settings.
type ProviderConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	FailureThreshold  int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs  int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BudgetConfig subdivides the provider's daily request ceiling into named
// sub-budgets. The sum of sub-budgets plus buffer must not exceed DailyLimit;
// that is a startup invariant, not a runtime check.
type BudgetConfig struct {
	DailyLimit int            `yaml:"daily_limit" mapstructure:"daily_limit"`
	SubBudgets map[string]int `yaml:"sub_budgets" mapstructure:"sub_budgets"`
	Buffer     int            `yaml:"buffer" mapstructure:"buffer"`
}

// GapsConfig configures staleness detection.
type GapsConfig struct {
	CriticalDays    int `yaml:"critical_days" mapstructure:"critical_days"`
	HighDays        int `yaml:"high_days" mapstructure:"high_days"`
	MediumDays      int `yaml:"medium_days" mapstructure:"medium_days"`
	LookbackDays    int `yaml:"lookback_days" mapstructure:"lookback_days"`
	DetectLimit     int `yaml:"detect_limit" mapstructure:"detect_limit"`
	BackfillMaxSize int `yaml:"backfill_max_size" mapstructure:"backfill_max_size"`
}

// CalendarConfig points at the market holiday table.
type CalendarConfig struct {
	HolidaysPath string `yaml:"holidays_path" mapstructure:"holidays_path"`
}

// QueueConfig configures the recalculation queue processor.
type QueueConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	RetentionDays    int `yaml:"retention_days" mapstructure:"retention_days"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	EmptyBackoffSecs int `yaml:"empty_backoff_secs" mapstructure:"empty_backoff_secs"`
	LeaseTimeoutSecs int `yaml:"lease_timeout_secs" mapstructure:"lease_timeout_secs"`
	VolatilityWindow int `yaml:"volatility_window" mapstructure:"volatility_window"`
}

// ScorerConfig weights the composite valuation score components.
type ScorerConfig struct {
	Weights map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port     int    `yaml:"port" mapstructure:"port"`
	SyncCron string `yaml:"sync_cron" mapstructure:"sync_cron"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MARKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "marketsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.sync_cron", "30 21 * * 1-5")
	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.requests_per_second", 5)
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.failure_threshold", 5)
	v.SetDefault("provider.reset_timeout_secs", 60)
	v.SetDefault("budget.daily_limit", 250)
	v.SetDefault("budget.buffer", 9)
	v.SetDefault("budget.sub_budgets", map[string]int{
		"sp500_constituents": 1,
		"daily_prices":       120,
		"company_profiles":   80,
		"quarterly_updates":  40,
	})
	v.SetDefault("gaps.critical_days", 7)
	v.SetDefault("gaps.high_days", 3)
	v.SetDefault("gaps.medium_days", 1)
	v.SetDefault("gaps.lookback_days", 365)
	v.SetDefault("gaps.detect_limit", 0)
	v.SetDefault("gaps.backfill_max_size", 500)
	v.SetDefault("calendar.holidays_path", "holidays.yaml")
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.retention_days", 30)
	v.SetDefault("queue.poll_interval_secs", 60)
	v.SetDefault("queue.empty_backoff_secs", 300)
	v.SetDefault("queue.lease_timeout_secs", 900)
	v.SetDefault("queue.volatility_window", 60)
	v.SetDefault("scorer.weights", map[string]float64{
		"valuation": 0.4,
		"growth":    0.3,
		"momentum":  0.3,
	})

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces startup invariants. The budget check is the load-bearing
// one: a mis-partitioned budget would overdraw the provider account every
// single day before anyone noticed.
func (c *Config) Validate() error {
	if c.Budget.DailyLimit <= 0 {
		return eris.New("config: budget.daily_limit must be positive")
	}

	total := c.Budget.Buffer
	if c.Budget.Buffer < 0 {
		return eris.New("config: budget.buffer must not be negative")
	}
	for name, n := range c.Budget.SubBudgets {
		if n < 0 {
			return eris.Errorf("config: sub-budget %q must not be negative", name)
		}
		total += n
	}
	if total > c.Budget.DailyLimit {
		return eris.Errorf("config: sub-budgets plus buffer (%d) exceed daily limit (%d)",
			total, c.Budget.DailyLimit)
	}

	if c.Gaps.CriticalDays < c.Gaps.HighDays || c.Gaps.HighDays < c.Gaps.MediumDays {
		return eris.New("config: gap priority thresholds must be ordered critical >= high >= medium")
	}
	if c.Gaps.MediumDays < 1 {
		return eris.New("config: gaps.medium_days must be at least 1")
	}

	if c.Queue.BatchSize <= 0 {
		return eris.New("config: queue.batch_size must be positive")
	}
	if c.Queue.RetentionDays <= 0 {
		return eris.New("config: queue.retention_days must be positive")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
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
