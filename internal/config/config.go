// Package config loads and validates ingest configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Supported archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

var (
	// ErrInvalidTableName is returned when a configured table name is not a plain identifier.
	ErrInvalidTableName = errors.New("invalid table name")
	// ErrUnknownDriver is returned for an unsupported database.driver.
	ErrUnknownDriver = errors.New("unknown database driver")
	// ErrUnknownArchive is returned for an unsupported archive.backend.
	ErrUnknownArchive = errors.New("unknown archive backend")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\.]*$`)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Observe   ObserveConfig   `mapstructure:"observe"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// AppConfig names the service and the pipeline it records metrics under.
type AppConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	Version      string `mapstructure:"version"`
	PipelineName string `mapstructure:"pipeline_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the conditional fetcher.
type HTTPConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxBytes        int64         `mapstructure:"max_bytes"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	FollowRedirects bool          `mapstructure:"follow_redirects"`
}

// IngestConfig governs the batch loop and the refresh schedule.
type IngestConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	HostDelay         time.Duration `mapstructure:"host_delay"`
	FreshInterval     time.Duration `mapstructure:"fresh_interval"`
	OversizedInterval time.Duration `mapstructure:"oversized_interval"`
	MaxBatches        int           `mapstructure:"max_batches"`
}

// ObserveConfig tunes the post-run recorder.
type ObserveConfig struct {
	Enabled      bool             `mapstructure:"enabled"`
	BaselineRuns int              `mapstructure:"baseline_runs"`
	StaleAfter   time.Duration    `mapstructure:"stale_after"`
	Thresholds   ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig mirrors observe.Thresholds.
type ThresholdsConfig struct {
	CriticalErrorRate    float64       `mapstructure:"critical_error_rate"`
	WarningErrorRate     float64       `mapstructure:"warning_error_rate"`
	WarningMinProcessed  int           `mapstructure:"warning_min_processed"`
	RelativeFactor       float64       `mapstructure:"relative_factor"`
	RelativeMinErrorRate float64       `mapstructure:"relative_min_error_rate"`
	BaselineMinSamples   int           `mapstructure:"baseline_min_samples"`
	DurationFactor       float64       `mapstructure:"duration_factor"`
	DurationMinDelta     time.Duration `mapstructure:"duration_min_delta"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Tables          TablesConfig  `mapstructure:"tables"`
}

// TablesConfig names every table the stores touch.
type TablesConfig struct {
	Master  string `mapstructure:"master"`
	Content string `mapstructure:"content"`
	Staging string `mapstructure:"staging"`
	Metrics string `mapstructure:"metrics"`
	Alerts  string `mapstructure:"alerts"`
}

// ArchiveConfig controls where retained bodies are copied, if anywhere.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the alert notification topic. With a topic but no
// project_id, alerts are logged instead of published.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig points at an optional Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// ServerConfig controls the status API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DiscoveryConfig lists the sitemap roots walked by the discover command.
type DiscoveryConfig struct {
	Sitemaps  []string      `mapstructure:"sitemaps"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.service_name", "content-ingest")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.pipeline_name", "content_ingest")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("http.user_agent", "rk-doc-ingestor/1.0")
	v.SetDefault("http.connect_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 20*time.Second)
	v.SetDefault("http.max_bytes", 1_000_000)
	v.SetDefault("http.chunk_size", 8192)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", 800*time.Millisecond)
	v.SetDefault("http.backoff_max", time.Duration(0))
	v.SetDefault("http.follow_redirects", true)
	v.SetDefault("ingest.batch_size", 200)
	v.SetDefault("ingest.host_delay", 300*time.Millisecond)
	v.SetDefault("ingest.fresh_interval", 24*time.Hour)
	v.SetDefault("ingest.oversized_interval", 7*24*time.Hour)
	v.SetDefault("ingest.max_batches", 0)
	v.SetDefault("observe.enabled", true)
	v.SetDefault("observe.baseline_runs", 10)
	v.SetDefault("observe.stale_after", 24*time.Hour)
	v.SetDefault("observe.thresholds.critical_error_rate", 0.30)
	v.SetDefault("observe.thresholds.warning_error_rate", 0.15)
	v.SetDefault("observe.thresholds.warning_min_processed", 20)
	v.SetDefault("observe.thresholds.relative_factor", 2.0)
	v.SetDefault("observe.thresholds.relative_min_error_rate", 0.05)
	v.SetDefault("observe.thresholds.baseline_min_samples", 3)
	v.SetDefault("observe.thresholds.duration_factor", 2.0)
	v.SetDefault("observe.thresholds.duration_min_delta", 5*time.Second)
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.sqlite_path", "ingest.db")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.tables.master", "docs_master")
	v.SetDefault("database.tables.content", "document_content")
	v.SetDefault("database.tables.staging", "sitemap_staging")
	v.SetDefault("database.tables.metrics", "pipeline_metrics")
	v.SetDefault("database.tables.alerts", "alerts")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.prefix", "content")
	v.SetDefault("metrics.job", "content_ingest")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("discovery.user_agent", "sitemap-bot/1.0")
	v.SetDefault("discovery.timeout", 30*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.App.PipelineName == "" {
		return fmt.Errorf("app.pipeline_name must be set")
	}
	if c.HTTP.MaxBytes <= 0 {
		return fmt.Errorf("http.max_bytes must be > 0")
	}
	if c.HTTP.ChunkSize <= 0 {
		return fmt.Errorf("http.chunk_size must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffBase < 0 || c.HTTP.BackoffMax < 0 {
		return fmt.Errorf("http backoff durations must be >= 0")
	}
	if c.HTTP.ConnectTimeout <= 0 || c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("http timeouts must be > 0")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Ingest.HostDelay < 0 {
		return fmt.Errorf("ingest.host_delay must be >= 0")
	}
	if c.Ingest.FreshInterval <= 0 || c.Ingest.OversizedInterval <= 0 {
		return fmt.Errorf("ingest refresh intervals must be > 0")
	}
	if c.Ingest.MaxBatches < 0 {
		return fmt.Errorf("ingest.max_batches must be >= 0")
	}
	if c.Observe.BaselineRuns <= 0 {
		return fmt.Errorf("observe.baseline_runs must be > 0")
	}
	if c.Observe.StaleAfter <= 0 {
		return fmt.Errorf("observe.stale_after must be > 0")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverPostgres:
		if d.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	case DriverSQLite:
		if d.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path must be set for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, d.Driver)
	}
	for _, name := range []string{d.Tables.Master, d.Tables.Content, d.Tables.Staging, d.Tables.Metrics, d.Tables.Alerts} {
		if !tableNamePattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
		}
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if a.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if a.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownArchive, a.Backend)
	}
	return nil
}
