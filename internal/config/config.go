// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every knob of the scrape and merge stages.
type Config struct {
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Validation ValidationConfig `mapstructure:"validation"`
	Selectors  SelectorsConfig  `mapstructure:"selectors"`
	Staging    StagingConfig    `mapstructure:"staging"`
	Merge      MergeConfig      `mapstructure:"merge"`
	DB         DBConfig         `mapstructure:"db"`
	Offload    OffloadConfig    `mapstructure:"offload"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Page driver names.
const (
	DriverHTTP     = "http"
	DriverHeadless = "headless"
)

// ScraperConfig governs traversal.
type ScraperConfig struct {
	SearchTerms  []string      `mapstructure:"search_terms"`
	MaxPages     int           `mapstructure:"max_pages"`
	RequestDelay time.Duration `mapstructure:"request_delay"`
	Concurrency  int           `mapstructure:"concurrency"`
	Driver       string        `mapstructure:"driver"`
}

// RetryConfig is the linear backoff policy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// ValidationConfig holds record length thresholds, counted in characters.
type ValidationConfig struct {
	MinTitleLength int `mapstructure:"min_title_length"`
	MaxTitleLength int `mapstructure:"max_title_length"`
	MinTextLength  int `mapstructure:"min_text_length"`
	MaxTextLength  int `mapstructure:"max_text_length"`
}

// SelectorsConfig points at an optional selector table overriding the
// built-in one.
type SelectorsConfig struct {
	File string `mapstructure:"file"`
}

// StagingConfig sets where batches are written and consumed.
type StagingConfig struct {
	Dir          string `mapstructure:"dir"`
	ProcessedDir string `mapstructure:"processed_dir"`
	SaveInterval int    `mapstructure:"save_interval"`
}

// MergeConfig tunes the integration pass.
type MergeConfig struct {
	CommitInterval int `mapstructure:"commit_interval"`
}

// Record store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// DBConfig selects and configures the record store.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	// BusyTimeout is how long a SQLite writer waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// Offload backends.
const (
	OffloadNone   = "none"
	OffloadGCS    = "gcs"
	OffloadMinIO  = "minio"
	OffloadLocal  = "local"
	OffloadMemory = "memory"
)

// OffloadConfig selects the blob backend for document copies.
type OffloadConfig struct {
	Backend         string `mapstructure:"backend"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	BaseDir         string `mapstructure:"base_dir"`
	DocumentDir     string `mapstructure:"document_dir"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// HTTPConfig configures the colly page driver.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	SearchURL     string        `mapstructure:"search_url"`
	PageURL       string        `mapstructure:"page_url"`
}

// HeadlessConfig configures the chromedp page driver.
type HeadlessConfig struct {
	SearchURL      string        `mapstructure:"search_url"`
	InputSelector  string        `mapstructure:"input_selector"`
	SubmitSelector string        `mapstructure:"submit_selector"`
	ResultSelector string        `mapstructure:"result_selector"`
	NextSelector   string        `mapstructure:"next_selector"`
	PageURL        string        `mapstructure:"page_url"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	MaxParallel    int           `mapstructure:"max_parallel"`
}

// PubSubConfig holds metadata for staged-batch notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig exposes /metrics and /healthz when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TESIS")
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
	v.SetDefault("scraper.search_terms", []string{})
	v.SetDefault("scraper.max_pages", 100)
	v.SetDefault("scraper.request_delay", 2*time.Second)
	v.SetDefault("scraper.concurrency", 1)
	v.SetDefault("scraper.driver", DriverHTTP)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.retry_delay", 5*time.Second)
	v.SetDefault("validation.min_title_length", 10)
	v.SetDefault("validation.max_title_length", 2000)
	v.SetDefault("validation.min_text_length", 50)
	v.SetDefault("validation.max_text_length", 100000)
	v.SetDefault("selectors.file", "")
	v.SetDefault("staging.dir", "data/staging")
	v.SetDefault("staging.processed_dir", "")
	v.SetDefault("staging.save_interval", 50)
	v.SetDefault("merge.commit_interval", 100)
	v.SetDefault("db.driver", StoreSQLite)
	v.SetDefault("db.dsn", "data/tesis.db")
	v.SetDefault("db.table", "tesis")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.busy_timeout", 5*time.Second)
	v.SetDefault("offload.backend", OffloadNone)
	v.SetDefault("offload.bucket", "")
	v.SetDefault("offload.prefix", "tesis")
	v.SetDefault("offload.base_dir", "data/offload")
	v.SetDefault("offload.document_dir", "data/documents")
	v.SetDefault("offload.endpoint", "")
	v.SetDefault("offload.region", "")
	v.SetDefault("offload.access_key_id", "")
	v.SetDefault("offload.secret_access_key", "")
	v.SetDefault("offload.use_ssl", true)
	v.SetDefault("http.user_agent", "tesis-crawler/1.0")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.search_url", "")
	v.SetDefault("http.page_url", "")
	v.SetDefault("headless.search_url", "")
	v.SetDefault("headless.input_selector", "")
	v.SetDefault("headless.submit_selector", "")
	v.SetDefault("headless.result_selector", "body")
	v.SetDefault("headless.next_selector", "")
	v.SetDefault("headless.page_url", "")
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. Catalog URLs are
// checked by ValidateScrape since the merge stage does not need them.
func (c Config) Validate() error {
	if c.Scraper.MaxPages < 0 {
		return fmt.Errorf("scraper.max_pages must be >= 0")
	}
	if c.Scraper.RequestDelay < 0 {
		return fmt.Errorf("scraper.request_delay must be >= 0")
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper.concurrency must be > 0")
	}
	switch c.Scraper.Driver {
	case DriverHTTP, DriverHeadless:
	default:
		return fmt.Errorf("scraper.driver %q is not one of http, headless", c.Scraper.Driver)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be > 0")
	}
	if c.Retry.RetryDelay < 0 {
		return fmt.Errorf("retry.retry_delay must be >= 0")
	}
	v := c.Validation
	// A max of zero leaves the length unbounded.
	if v.MinTitleLength < 0 || v.MaxTitleLength < 0 || (v.MaxTitleLength > 0 && v.MaxTitleLength < v.MinTitleLength) {
		return fmt.Errorf("validation.min_title_length/max_title_length out of order")
	}
	if v.MinTextLength < 0 || v.MaxTextLength < 0 || (v.MaxTextLength > 0 && v.MaxTextLength < v.MinTextLength) {
		return fmt.Errorf("validation.min_text_length/max_text_length out of order")
	}
	if c.Staging.Dir == "" {
		return fmt.Errorf("staging.dir is required")
	}
	if c.Staging.SaveInterval <= 0 {
		return fmt.Errorf("staging.save_interval must be > 0")
	}
	if c.Merge.CommitInterval <= 0 {
		return fmt.Errorf("merge.commit_interval must be > 0")
	}
	switch c.DB.Driver {
	case StorePostgres, StoreSQLite:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for driver %s", c.DB.Driver)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("db.driver %q is not one of postgres, sqlite, memory", c.DB.Driver)
	}
	switch c.Offload.Backend {
	case OffloadNone, OffloadMemory:
	case OffloadGCS:
		if c.Offload.Bucket == "" {
			return fmt.Errorf("offload.bucket is required for gcs")
		}
	case OffloadMinIO:
		if c.Offload.Bucket == "" || c.Offload.Endpoint == "" {
			return fmt.Errorf("offload.bucket and offload.endpoint are required for minio")
		}
	case OffloadLocal:
		if c.Offload.BaseDir == "" {
			return fmt.Errorf("offload.base_dir is required for local")
		}
	default:
		return fmt.Errorf("offload.backend %q is not one of none, gcs, minio, local, memory", c.Offload.Backend)
	}
	if c.Offload.Backend != OffloadNone && c.Offload.DocumentDir == "" {
		return fmt.Errorf("offload.document_dir is required when offload.backend is %s", c.Offload.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ValidateScrape checks the settings only the scrape stage needs.
func (c Config) ValidateScrape() error {
	switch c.Scraper.Driver {
	case DriverHeadless:
		h := c.Headless
		if h.SearchURL == "" || h.InputSelector == "" || h.SubmitSelector == "" {
			return fmt.Errorf("headless.search_url, input_selector and submit_selector are required")
		}
		if h.PageURL == "" && h.NextSelector == "" {
			return fmt.Errorf("headless.page_url or headless.next_selector is required")
		}
		if h.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0")
		}
	default:
		if !strings.Contains(c.HTTP.SearchURL, "{term}") {
			return fmt.Errorf("http.search_url must contain {term}")
		}
		if c.HTTP.Timeout <= 0 {
			return fmt.Errorf("http.timeout must be > 0")
		}
	}
	return nil
}

// ProcessedDir resolves the directory consumed batches are moved into.
func (c Config) ProcessedDir() string {
	if c.Staging.ProcessedDir != "" {
		return c.Staging.ProcessedDir
	}
	return filepath.Join(c.Staging.Dir, "processed")
}
