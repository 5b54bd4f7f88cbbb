// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/adaptive"
	"github.com/JakeFAU/crawl-orchestrator/internal/autoscale"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue"
	"github.com/JakeFAU/crawl-orchestrator/internal/session"
	"github.com/JakeFAU/crawl-orchestrator/internal/stats"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Logging      logging.Config           `mapstructure:"logging"`
	Server       ServerConfig             `mapstructure:"server"`
	Telemetry    telemetry.Config         `mapstructure:"telemetry"`
	Concurrency  autoscale.Config         `mapstructure:"concurrency"`
	Queue        QueueConfig              `mapstructure:"queue"`
	Storage      StorageConfig            `mapstructure:"storage"`
	Session      SessionConfig            `mapstructure:"session"`
	Proxy        ProxyConfig              `mapstructure:"proxy"`
	Snapshot     autoscale.SnapshotConfig `mapstructure:"snapshot"`
	Statistics   stats.Config             `mapstructure:"statistics"`
	Adaptive     adaptive.Config          `mapstructure:"adaptive"`
	Fetch        FetchConfig              `mapstructure:"fetch"`
	Headless     HeadlessConfig           `mapstructure:"headless"`
	PubSub       PubSubConfig             `mapstructure:"pubsub"`
	Export       ExportConfig             `mapstructure:"export"`
	Archive      ArchiveConfig            `mapstructure:"archive"`
	Seeds        []Seed                   `mapstructure:"seeds"`
	SeedsFile    string                   `mapstructure:"seeds_file"`
	SeedDefaults Seed                     `mapstructure:"seed_defaults"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Port    int           `mapstructure:"port"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig selects the request queue and its retry policy.
type QueueConfig struct {
	queue.Config `mapstructure:",squash"`
	// Name opens a named queue that survives purge-on-start. Empty uses the
	// run's default queue.
	Name                string `mapstructure:"name"`
	MaxRequestsPerCrawl int    `mapstructure:"max_requests_per_crawl"`
}

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
)

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	PurgeOnStart bool   `mapstructure:"purge_on_start"`
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	// Dataset names the dataset handlers push into.
	Dataset string `mapstructure:"dataset"`
	// OutcomeLog names a dataset that also receives request outcome events.
	OutcomeLog string `mapstructure:"outcome_log"`
}

// SessionConfig tunes the session pool and block detection.
type SessionConfig struct {
	session.Config      `mapstructure:",squash"`
	session.BlockConfig `mapstructure:",squash"`
	// Persist saves pool state to the default key/value store.
	Persist bool `mapstructure:"persist"`
}

// ProxyConfig lists proxies assigned round-robin to new sessions.
type ProxyConfig struct {
	URLs []string `mapstructure:"urls"`
}

// Static fetch engines.
const (
	EngineColly = "colly"
	EngineResty = "resty"
)

// FetchConfig configures the static fetch path.
type FetchConfig struct {
	Engine        string        `mapstructure:"engine"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	MaxRedirects  int           `mapstructure:"max_redirects"`
	// PerHostRPS throttles each host. Zero means unlimited.
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the dynamic fetch path.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// PubSubConfig publishes progress events when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Blob backends for exports and archived bodies.
const (
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// ExportConfig chooses where datasets are exported.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Format  string `mapstructure:"format"`
	Prefix  string `mapstructure:"prefix"`
}

// ArchiveConfig stores each fetched body in the export blob store.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// Seed is one start request. Seeds from a file are merged over SeedDefaults.
type Seed struct {
	URL       string            `mapstructure:"url" json:"url"`
	Method    string            `mapstructure:"method" json:"method,omitempty"`
	Label     string            `mapstructure:"label" json:"label,omitempty"`
	Payload   string            `mapstructure:"payload" json:"payload,omitempty"`
	Headers   map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	UserData  map[string]any    `mapstructure:"user_data" json:"user_data,omitempty"`
	UniqueKey string            `mapstructure:"unique_key" json:"unique_key,omitempty"`
	NoRetry   bool              `mapstructure:"no_retry" json:"no_retry,omitempty"`
	Forefront bool              `mapstructure:"forefront" json:"forefront,omitempty"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.encoding", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout", 30*time.Second)

	v.SetDefault("telemetry.service_name", "crawl-orchestrator")
	v.SetDefault("telemetry.project_id", "")

	conc := autoscale.DefaultConfig()
	v.SetDefault("concurrency.min", conc.Min)
	v.SetDefault("concurrency.max", conc.Max)
	v.SetDefault("concurrency.desired", 0)
	v.SetDefault("concurrency.scale_up_step", conc.ScaleUpStep)
	v.SetDefault("concurrency.scale_down_step", conc.ScaleDownStep)
	v.SetDefault("concurrency.max_tasks_per_minute", 0)
	v.SetDefault("concurrency.autoscale_interval", conc.Interval)

	q := queue.DefaultConfig()
	v.SetDefault("queue.name", "")
	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.head_size", q.HeadSize)
	v.SetDefault("queue.lock_ttl", q.LockTTL)
	v.SetDefault("queue.dedup_cache_size", q.DedupCacheSize)
	v.SetDefault("queue.dedup_cache_ttl", q.DedupCacheTTL)
	v.SetDefault("queue.max_requests_per_crawl", 0)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dir", "./storage")
	v.SetDefault("storage.purge_on_start", true)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.dataset", "")
	v.SetDefault("storage.outcome_log", "")

	sess := session.DefaultConfig()
	v.SetDefault("session.max_pool_size", sess.MaxPoolSize)
	v.SetDefault("session.max_usage_count", sess.MaxUsageCount)
	v.SetDefault("session.max_error_score", sess.MaxErrorScore)
	v.SetDefault("session.error_score_decrement", sess.ErrorScoreDecrement)
	v.SetDefault("session.max_age", sess.MaxAge)
	v.SetDefault("session.blocked_status_codes", session.DefaultBlockConfig().StatusCodes)
	v.SetDefault("session.block_markers", []string{})
	v.SetDefault("session.block_selectors", []string{})
	v.SetDefault("session.persist", true)

	v.SetDefault("proxy.urls", []string{})

	snap := autoscale.DefaultSnapshotConfig()
	v.SetDefault("snapshot.interval", snap.Interval)
	v.SetDefault("snapshot.window_size", snap.WindowSize)
	v.SetDefault("snapshot.min_consecutive", snap.MinConsecutive)
	v.SetDefault("snapshot.overloaded_ratio", snap.OverloadedRatio)
	v.SetDefault("snapshot.max_cpu", snap.MaxCPU)
	v.SetDefault("snapshot.max_memory", snap.MaxMemory)
	v.SetDefault("snapshot.max_loop_lag", snap.MaxLoopLag)
	v.SetDefault("snapshot.max_client_error", snap.MaxClientError)

	st := stats.DefaultConfig()
	v.SetDefault("statistics.log_interval", st.LogInterval)
	v.SetDefault("statistics.persist_interval", st.PersistInterval)
	v.SetDefault("statistics.persist_key", st.PersistKey)

	ad := adaptive.DefaultConfig()
	v.SetDefault("adaptive.detection_ratio", ad.DetectionRatio)
	v.SetDefault("adaptive.min_confidence", ad.MinConfidence)
	v.SetDefault("adaptive.default_path", ad.DefaultPath)

	v.SetDefault("fetch.engine", EngineColly)
	v.SetDefault("fetch.user_agent", "crawl-orchestrator/0.1")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.per_host_rps", 0.0)
	v.SetDefault("fetch.per_host_burst", 1)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("export.backend", BlobLocal)
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.dir", "./exports")
	v.SetDefault("export.format", string(dataset.FormatJSONL))
	v.SetDefault("export.prefix", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "pages")

	v.SetDefault("seeds_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return invalid("server.port must be > 0")
	}
	if err := c.Concurrency.Validate(); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 0 {
		return invalid("queue.max_retries must be >= 0")
	}
	if c.Queue.MaxRequestsPerCrawl < 0 {
		return invalid("queue.max_requests_per_crawl must be >= 0")
	}
	if !slices.Contains([]string{BackendMemory, BackendFilesystem, BackendPostgres}, c.Storage.Backend) {
		return invalid("storage.backend must be memory, filesystem or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.DSN == "" {
		return invalid("storage.dsn is required for the postgres backend")
	}
	if c.Storage.OutcomeLog != "" {
		if err := storage.ValidateName(c.Storage.OutcomeLog); err != nil {
			return fmt.Errorf("storage.outcome_log: %w", err)
		}
	}
	if err := c.Session.Config.Validate(); err != nil {
		return err
	}
	if err := c.Adaptive.Validate(); err != nil {
		return err
	}
	if c.Fetch.Engine != EngineColly && c.Fetch.Engine != EngineResty {
		return invalid("fetch.engine must be colly or resty, got %q", c.Fetch.Engine)
	}
	if c.Fetch.Timeout <= 0 {
		return invalid("fetch.timeout must be > 0")
	}
	if c.Fetch.PerHostRPS < 0 {
		return invalid("fetch.per_host_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return invalid("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return invalid("pubsub.project_id is required when pubsub.topic is set")
	}
	if !slices.Contains([]string{BlobMemory, BlobLocal, BlobGCS}, c.Export.Backend) {
		return invalid("export.backend must be memory, local or gcs, got %q", c.Export.Backend)
	}
	if c.Export.Backend == BlobGCS && c.Export.Bucket == "" {
		return invalid("export.bucket is required for the gcs backend")
	}
	if _, err := dataset.ParseFormat(c.Export.Format); err != nil {
		return fmt.Errorf("export.format: %w", err)
	}
	for i, s := range c.Seeds {
		if strings.TrimSpace(s.URL) == "" {
			return invalid("seeds[%d].url is required", i)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{crawler.ErrValidation}, args...)...)
}
