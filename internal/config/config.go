// Package config loads the collector configuration.
//
// Sources are layered lowest to highest: DefaultConfig, a YAML or JSON file,
// a .env file and OPEN_BACK_* environment variables. Nested keys map to
// environment names by upper-casing and replacing dots with underscores, so
// collector.max_workers is read from OPEN_BACK_COLLECTOR_MAX_WORKERS.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/PerterPon/open-back/internal/errors"
	"github.com/PerterPon/open-back/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPEN_BACK"

const redacted = "***"

// AppConfig represents the complete application configuration.
type AppConfig struct {
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Exchange  ExchangeConfig  `mapstructure:"exchange" yaml:"exchange"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
}

// StorageConfig selects the candle store.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory duckdb sqlite mysql"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// ExchangeConfig configures the market data source.
type ExchangeConfig struct {
	Type    string        `mapstructure:"type" yaml:"type" validate:"oneof=binance coinbase"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Secret  string        `mapstructure:"secret" yaml:"secret"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// CollectorConfig holds the defaults of a batch run and the shared request
// budget.
type CollectorConfig struct {
	Symbols    []string `mapstructure:"symbols" yaml:"symbols" validate:"required,min=1,dive,required"`
	Intervals  []string `mapstructure:"intervals" yaml:"intervals" validate:"required,min=1,dive,required"`
	Days       int      `mapstructure:"days" yaml:"days" validate:"gte=1"`
	MaxWorkers int      `mapstructure:"max_workers" yaml:"max_workers" validate:"gte=1"`
	Sequential bool     `mapstructure:"sequential" yaml:"sequential"`
	PageSize   int      `mapstructure:"page_size" yaml:"page_size" validate:"gte=0,lte=1000"`

	RequestsPerSecond float64     `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int         `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	Retry             RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig is the retry policy applied around every upstream call.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gt=0"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier" validate:"gte=1"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter" validate:"gte=0,lt=1"`
}

// SchedulerConfig configures periodic collection.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Every   time.Duration `mapstructure:"every" yaml:"every" validate:"gte=0"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level         string            `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format        string            `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
	Output        string            `mapstructure:"output" yaml:"output" validate:"oneof=stdout stderr file"`
	FilePath      string            `mapstructure:"file_path" yaml:"file_path"`
	MaxSize       int               `mapstructure:"max_size" yaml:"max_size" validate:"gte=0"`
	MaxBackups    int               `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAge        int               `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
	Compress      bool              `mapstructure:"compress" yaml:"compress"`
	ContextFields map[string]string `mapstructure:"context_fields" yaml:"context_fields,omitempty"`
}

// NotifyConfig configures where run summaries are published.
type NotifyConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures the Kafka summary publisher.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Storage: StorageConfig{
			Backend: "duckdb",
			DSN:     "./data/candles.duckdb",
		},
		Exchange: ExchangeConfig{
			Type:    "binance",
			Timeout: 30 * time.Second,
		},
		Collector: CollectorConfig{
			Symbols: []string{
				"BTCUSDT", "ETHUSDT", "BNBUSDT", "ADAUSDT", "XRPUSDT",
				"SOLUSDT", "DOTUSDT", "DOGEUSDT", "AVAXUSDT", "LINKUSDT",
			},
			Intervals:         []string{"5m", "15m", "30m", "1h", "4h", "1d"},
			Days:              7,
			MaxWorkers:        models.DefaultMaxWorkers,
			PageSize:          1000,
			RequestsPerSecond: 10,
			Burst:             1,
			Retry: RetryConfig{
				MaxRetries:   3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2,
				Jitter:       0.1,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			Every:   time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/open-back.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Notify: NotifyConfig{
			Kafka: KafkaConfig{
				Enabled:      false,
				Brokers:      []string{"localhost:9092"},
				Topic:        "open-back.runs",
				WriteTimeout: 10 * time.Second,
			},
		},
	}
}

// Manager loads and saves the application configuration.
type Manager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. An empty path means defaults
// and environment only.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile changes the dotenv file read before environment overrides.
// An empty name disables dotenv loading.
func (m *Manager) WithEnvFile(name string) *Manager {
	m.envFile = name
	return m
}

// Load reads every source, validates the result and keeps it as the current
// configuration.
func (m *Manager) Load() (*AppConfig, error) {
	if err := m.loadEnvFile(); err != nil {
		return nil, err
	}

	v, err := m.newViper()
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.ZeroFields = true
	}); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = cfg
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"storage_backend", cfg.Storage.Backend,
		"exchange_type", cfg.Exchange.Type,
		"log_level", cfg.Logging.Level)
	return cfg, nil
}

// newViper seeds viper with the defaults so every key is known to
// AutomaticEnv, then merges the config file on top.
func (m *Manager) newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if m.configPath != "" {
		if _, err := os.Stat(m.configPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", m.configPath, err)
		}
		v.SetConfigFile(m.configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
		}
		m.logger.Debug("merged configuration file", "path", m.configPath)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func (m *Manager) loadEnvFile() error {
	if m.envFile == "" {
		return nil
	}
	if _, err := os.Stat(m.envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	// Load never overrides variables that are already set.
	if err := godotenv.Load(m.envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", m.envFile, err)
	}
	m.logger.Debug("loaded dotenv file", "path", m.envFile)
	return nil
}

// Config returns the last loaded configuration.
func (m *Manager) Config() *AppConfig {
	return m.config
}

// Save writes the current configuration to path as YAML.
func (m *Manager) Save(path string) error {
	if m.config == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if err := m.config.Save(path); err != nil {
		return err
	}
	m.logger.Info("configuration saved", "path", path)
	return nil
}

// Load is a shorthand for NewManager(path, nil).Load().
func Load(path string) (*AppConfig, error) {
	return NewManager(path, nil).Load()
}

// normalize upper-cases symbols and trims list entries that env overrides
// tend to carry.
func normalize(cfg *AppConfig) {
	for i, s := range cfg.Collector.Symbols {
		cfg.Collector.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range cfg.Collector.Intervals {
		cfg.Collector.Intervals[i] = strings.TrimSpace(s)
	}
	for i, b := range cfg.Notify.Kafka.Brokers {
		cfg.Notify.Kafka.Brokers[i] = strings.TrimSpace(b)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	cfg.Logging.Output = strings.ToLower(cfg.Logging.Output)
	cfg.Exchange.Type = strings.ToLower(cfg.Exchange.Type)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span several fields.
// All problems are reported together.
func (c *AppConfig) Validate() error {
	var problems []string

	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fieldPath(fe), fe.Tag(), fe.Value()))
		}
	}

	if _, err := models.ParseIntervals(c.Collector.Intervals); err != nil {
		problems = append(problems, fmt.Sprintf("collector.intervals: %v", err))
	}
	if c.Storage.Backend != "memory" && c.Storage.DSN == "" {
		problems = append(problems, fmt.Sprintf("storage.dsn is required for the %s backend", c.Storage.Backend))
	}
	if c.Collector.Retry.MaxDelay < c.Collector.Retry.InitialDelay {
		problems = append(problems, "collector.retry.max_delay must not be below initial_delay")
	}
	if c.Scheduler.Enabled && c.Scheduler.Every <= 0 {
		problems = append(problems, "scheduler.every is required when the scheduler is enabled")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		problems = append(problems, "logging.file_path is required when output is file")
	}
	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			problems = append(problems, "notify.kafka.brokers is required when kafka is enabled")
		}
		if c.Notify.Kafka.Topic == "" {
			problems = append(problems, "notify.kafka.topic is required when kafka is enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// fieldPath turns "AppConfig.Collector.Retry.MaxDelay" into a readable path.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// Save writes the configuration to path as YAML, creating the directory.
// Secrets are written as stored; use String for anything shown to people.
func (c *AppConfig) Save(path string) error {
	if path == "" {
		return fmt.Errorf("no config path specified")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy with credentials masked.
func (c *AppConfig) Redacted() *AppConfig {
	cp := *c
	if cp.Exchange.APIKey != "" {
		cp.Exchange.APIKey = redacted
	}
	if cp.Exchange.Secret != "" {
		cp.Exchange.Secret = redacted
	}
	if cp.Storage.Backend == "mysql" && cp.Storage.DSN != "" {
		cp.Storage.DSN = redactDSN(cp.Storage.DSN)
	}
	return &cp
}

// redactDSN masks the password of a "user:pass@tcp(host)/db" DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	creds := dsn[:at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return dsn
	}
	return creds[:colon+1] + redacted + dsn[at:]
}

// String renders the configuration as YAML with credentials masked.
func (c *AppConfig) String() string {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// Policy converts the retry settings into the engine's retry policy.
func (r RetryConfig) Policy() apperrors.Policy {
	return apperrors.Policy{
		MaxRetries:   r.MaxRetries,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}
