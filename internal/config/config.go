// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-archiver/internal/logging"
	"github.com/JakeFAU/site-archiver/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Render    RenderConfig    `mapstructure:"render"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	JobStore  JobStoreConfig  `mapstructure:"jobstore"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
	ArtifactsPath         string   `mapstructure:"artifacts_path"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig bounds site discovery.
type CrawlerConfig struct {
	BatchSize           int    `mapstructure:"batch_size"`
	MaxInFlight         int    `mapstructure:"max_in_flight"`
	MaxPages            int    `mapstructure:"max_pages"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	UserAgent           string `mapstructure:"user_agent"`
}

// RenderConfig configures PDF rendering.
type RenderConfig struct {
	Backend        string `mapstructure:"backend"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SettleMillis   int    `mapstructure:"settle_ms"`
	MaxParallel    int    `mapstructure:"max_parallel"`
	NoSandbox      bool   `mapstructure:"no_sandbox"`
}

// PipelineConfig bounds outstanding jobs and sets failure handling.
type PipelineConfig struct {
	// MaxJobs caps jobs that are queued or running. Submissions past it are
	// rejected instead of waiting.
	MaxJobs               int    `mapstructure:"max_jobs"`
	IsolateRenderFailures bool   `mapstructure:"isolate_render_failures"`
	Topic                 string `mapstructure:"topic"`
	ZipLevel              int    `mapstructure:"zip_level"`
}

// StorageConfig selects the artifact backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     GCSConfig    `mapstructure:"gcs"`
}

// GCSConfig locates artifacts in a bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// JobStoreConfig selects where job records live.
type JobStoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds connection settings for the Redis job store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// PostgresConfig holds pool settings for the Postgres job store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PublisherConfig selects where job events go.
type PublisherConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig lists the brokers job events are written to.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	BatchTimeoutMs int      `mapstructure:"batch_timeout_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.artifacts_path", "/generated_pdfs")
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.batch_size", 20)
	v.SetDefault("crawler.max_in_flight", 10)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.fetch_timeout_seconds", 10)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("render.backend", "chromedp")
	v.SetDefault("render.timeout_seconds", 60)
	v.SetDefault("render.settle_ms", 500)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("pipeline.max_jobs", 64)
	v.SetDefault("pipeline.isolate_render_failures", false)
	v.SetDefault("pipeline.topic", "archive-jobs")
	v.SetDefault("pipeline.zip_level", -1)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "generated_pdfs")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("jobstore.backend", "memory")
	v.SetDefault("jobstore.redis.addr", "")
	v.SetDefault("jobstore.redis.password", "")
	v.SetDefault("jobstore.redis.db", 0)
	v.SetDefault("jobstore.redis.prefix", "archiver:job:")
	v.SetDefault("jobstore.redis.ttl_seconds", 0)
	v.SetDefault("jobstore.postgres.dsn", "")
	v.SetDefault("jobstore.postgres.table", "archive_jobs")
	v.SetDefault("jobstore.postgres.max_conns", 4)
	v.SetDefault("jobstore.postgres.min_conns", 0)
	v.SetDefault("jobstore.postgres.max_conn_lifetime", "30m")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("publisher.kafka.brokers", []string{})
	v.SetDefault("publisher.kafka.batch_timeout_ms", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Server.ArtifactsPath != "" && !strings.HasPrefix(c.Server.ArtifactsPath, "/") {
		errs = append(errs, errors.New("server.artifacts_path must start with /"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Crawler.BatchSize <= 0 {
		errs = append(errs, errors.New("crawler.batch_size must be > 0"))
	}
	if c.Crawler.MaxInFlight <= 0 {
		errs = append(errs, errors.New("crawler.max_in_flight must be > 0"))
	}
	if c.Crawler.MaxPages < 0 {
		errs = append(errs, errors.New("crawler.max_pages must be >= 0"))
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("crawler.fetch_timeout_seconds must be > 0"))
	}
	if c.Pipeline.MaxJobs <= 0 {
		errs = append(errs, errors.New("pipeline.max_jobs must be > 0"))
	}
	errs = append(errs, c.validateBackends()...)
	return errors.Join(errs...)
}

func (c Config) validateBackends() []error {
	var errs []error
	switch c.Render.Backend {
	case "chromedp":
		if c.Render.TimeoutSeconds <= 0 {
			errs = append(errs, errors.New("render.timeout_seconds must be > 0"))
		}
	case "noop":
	default:
		errs = append(errs, fmt.Errorf("render.backend %q must be chromedp or noop", c.Render.Backend))
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local backend"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for the gcs backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be local, memory or gcs", c.Storage.Backend))
	}
	switch c.JobStore.Backend {
	case "redis":
		if c.JobStore.Redis.Addr == "" {
			errs = append(errs, errors.New("jobstore.redis.addr is required for the redis backend"))
		}
	case "postgres":
		if c.JobStore.Postgres.DSN == "" {
			errs = append(errs, errors.New("jobstore.postgres.dsn is required for the postgres backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("jobstore.backend %q must be memory, redis or postgres", c.JobStore.Backend))
	}
	switch c.Publisher.Backend {
	case "pubsub":
		if c.Publisher.PubSub.ProjectID == "" {
			errs = append(errs, errors.New("publisher.pubsub.project_id is required for the pubsub backend"))
		}
	case "kafka":
		if len(c.Publisher.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("publisher.kafka.brokers is required for the kafka backend"))
		}
	case "none", "memory":
	default:
		errs = append(errs, fmt.Errorf("publisher.backend %q must be none, memory, pubsub or kafka", c.Publisher.Backend))
	}
	return errs
}

// FetchTimeout is the per-GET budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// RenderTimeout is the per-page render budget.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// RenderSettle is the pause between page ready and measurement.
func (c Config) RenderSettle() time.Duration {
	return time.Duration(c.Render.SettleMillis) * time.Millisecond
}

// RequestTimeout bounds one HTTP request to the API.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
