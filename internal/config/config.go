package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kirychukyurii/aks-pool-scaler/internal/model"
)

// Config represents the application configuration
type Config struct {
	Azure      AzureConfig      `koanf:"azure"`
	Kubernetes KubernetesConfig `koanf:"kubernetes"`
	Pool       PoolConfig       `koanf:"pool"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Server     ServerConfig     `koanf:"server"`
	Lease      LeaseConfig      `koanf:"lease"`
	Log        LogConfig        `koanf:"log"`
}

// AzureConfig identifies the managed cluster and agent pool to scale
type AzureConfig struct {
	SubscriptionID string `koanf:"subscription_id"`
	ResourceGroup  string `koanf:"resource_group"`
	Cluster        string `koanf:"cluster"`
	AgentPool      string `koanf:"agent_pool"`
}

// KubernetesConfig represents Kubernetes API client configuration
type KubernetesConfig struct {
	Kubeconfig string `koanf:"kubeconfig"` // empty means in-cluster config
}

// PoolConfig holds the scaling bounds, thresholds and timings
type PoolConfig struct {
	MinCount             int           `koanf:"min_count"`
	MaxCount             int           `koanf:"max_count"`
	ScaleUpThreshold     float64       `koanf:"scale_up_threshold"`
	ScaleDownThreshold   float64       `koanf:"scale_down_threshold"`
	Interval             time.Duration `koanf:"interval"`               // control loop cadence
	DrainTimeout         time.Duration `koanf:"drain_timeout"`          // force-terminate deadline for draining nodes
	ScaleUpCooldown      time.Duration `koanf:"scale_up_cooldown"`      // minimum age of the last scaling event before scaling up
	ScaleDownCooldown    time.Duration `koanf:"scale_down_cooldown"`    // minimum age of the last scaling event before scaling down
	RemovalStrategy      string        `koanf:"removal_strategy"`       // latest | oldest
	EvictionConcurrency  int           `koanf:"eviction_concurrency"`   // parallel evictions per draining node
	CreateResolveTimeout time.Duration `koanf:"create_resolve_timeout"` // how long to wait for a new machine to get a name
}

// Removal strategies for scale-down candidate selection
const (
	RemovalStrategyLatest = "latest"
	RemovalStrategyOldest = "oldest"
)

// MetricsConfig selects and tunes the load signal
type MetricsConfig struct {
	Source      string           `koanf:"source"`        // pending_pods | prometheus
	Namespace   string           `koanf:"namespace"`     // namespace watched by the pending_pods source
	PodPhase    string           `koanf:"pod_phase"`     // pod phase counted as queued load
	MaxPodQueue int              `koanf:"max_pod_queue"` // queue length that maps to load 1.0
	CacheTTL    time.Duration    `koanf:"cache_ttl"`     // 0 disables load sample caching
	Prometheus  PrometheusConfig `koanf:"prometheus"`
}

// Metrics source names
const (
	MetricsSourcePendingPods = "pending_pods"
	MetricsSourcePrometheus  = "prometheus"
)

// PrometheusConfig represents the instant-query metrics source configuration
type PrometheusConfig struct {
	Endpoint  string `koanf:"endpoint"`   // base URL, e.g. https://prom.example.com
	Query     string `koanf:"query"`      // instant query whose first sample is the load ratio
	AzureAuth bool   `koanf:"azure_auth"` // authenticate with an AAD token (Azure Managed Prometheus)
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	BasePath     string        `koanf:"base_path"` // Optional base path for reverse proxy (e.g., "/pool-scaler")
	TLS          *TLSConfig    `koanf:"tls"`
}

// LeaseConfig represents optional etcd-backed pool ownership coordination
type LeaseConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Endpoints      []string      `koanf:"endpoints"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	DialTimeout    time.Duration `koanf:"dial_timeout"`
	StaleThreshold time.Duration `koanf:"stale_threshold"` // lease older than this may be taken over
	MaxFailures    int           `koanf:"max_failures"`    // consecutive lease errors before scaling is paused
	TLS            *TLSConfig    `koanf:"tls"`
}

// TLSConfig represents TLS configuration for etcd and the HTTP server
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `koanf:"level"` // debug | info | warn | error
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML config
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in values the file left unset
func (c *Config) applyDefaults() {
	if c.Pool.Interval == 0 {
		c.Pool.Interval = time.Minute
	}
	if c.Pool.DrainTimeout == 0 {
		c.Pool.DrainTimeout = 60 * time.Second
	}
	if c.Pool.ScaleUpCooldown == 0 {
		c.Pool.ScaleUpCooldown = 100 * time.Second
	}
	if c.Pool.ScaleDownCooldown == 0 {
		c.Pool.ScaleDownCooldown = 300 * time.Second
	}
	if c.Pool.RemovalStrategy == "" {
		c.Pool.RemovalStrategy = RemovalStrategyLatest
	}
	if c.Pool.EvictionConcurrency == 0 {
		c.Pool.EvictionConcurrency = 4
	}
	if c.Pool.CreateResolveTimeout == 0 {
		c.Pool.CreateResolveTimeout = 10 * time.Minute
	}
	if c.Metrics.Source == "" {
		c.Metrics.Source = MetricsSourcePendingPods
	}
	if c.Metrics.PodPhase == "" {
		c.Metrics.PodPhase = "Pending"
	}
	if c.Metrics.MaxPodQueue == 0 {
		c.Metrics.MaxPodQueue = 10
	}
	if c.Lease.DialTimeout == 0 {
		c.Lease.DialTimeout = 5 * time.Second
	}
	if c.Lease.StaleThreshold == 0 {
		c.Lease.StaleThreshold = 5 * time.Minute
	}
	if c.Lease.MaxFailures == 0 {
		c.Lease.MaxFailures = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Azure.SubscriptionID == "" {
		return fmt.Errorf("azure.subscription_id is required")
	}
	if c.Azure.ResourceGroup == "" {
		return fmt.Errorf("azure.resource_group is required")
	}
	if c.Azure.Cluster == "" {
		return fmt.Errorf("azure.cluster is required")
	}
	if c.Azure.AgentPool == "" {
		return fmt.Errorf("azure.agent_pool is required")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if err := c.Bounds().Validate(); err != nil {
		return fmt.Errorf("pool bounds: %w", err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("pool thresholds: %w", err)
	}

	if c.Pool.Interval <= 0 {
		return fmt.Errorf("pool.interval must be positive")
	}
	if c.Pool.DrainTimeout <= 0 {
		return fmt.Errorf("pool.drain_timeout must be positive")
	}
	if c.Pool.RemovalStrategy != RemovalStrategyLatest && c.Pool.RemovalStrategy != RemovalStrategyOldest {
		return fmt.Errorf("pool.removal_strategy must be %q or %q, got %q",
			RemovalStrategyLatest, RemovalStrategyOldest, c.Pool.RemovalStrategy)
	}

	switch c.Metrics.Source {
	case MetricsSourcePendingPods:
		if c.Metrics.Namespace == "" {
			return fmt.Errorf("metrics.namespace is required for the %s source", MetricsSourcePendingPods)
		}
		if c.Metrics.MaxPodQueue <= 0 {
			return fmt.Errorf("metrics.max_pod_queue must be positive")
		}
	case MetricsSourcePrometheus:
		if c.Metrics.Prometheus.Endpoint == "" {
			return fmt.Errorf("metrics.prometheus.endpoint is required for the %s source", MetricsSourcePrometheus)
		}
		if c.Metrics.Prometheus.Query == "" {
			return fmt.Errorf("metrics.prometheus.query is required for the %s source", MetricsSourcePrometheus)
		}
	default:
		return fmt.Errorf("metrics.source must be %q or %q, got %q",
			MetricsSourcePendingPods, MetricsSourcePrometheus, c.Metrics.Source)
	}

	// Validate lease configuration
	if c.Lease.Enabled {
		if len(c.Lease.Endpoints) == 0 {
			return fmt.Errorf("lease.endpoints is required when lease coordination is enabled")
		}
		if c.Lease.StaleThreshold <= c.Pool.Interval {
			return fmt.Errorf("lease.stale_threshold must exceed pool.interval, otherwise a healthy holder looks stale")
		}
		if c.Lease.MaxFailures <= 0 {
			return fmt.Errorf("lease.max_failures must be positive when lease coordination is enabled")
		}
	}

	return nil
}

// Bounds returns the configured pool bounds
func (c *Config) Bounds() model.PoolBounds {
	return model.PoolBounds{MinCount: c.Pool.MinCount, MaxCount: c.Pool.MaxCount}
}

// Thresholds returns the configured scaling thresholds
func (c *Config) Thresholds() model.ScalingThresholds {
	return model.ScalingThresholds{ScaleUp: c.Pool.ScaleUpThreshold, ScaleDown: c.Pool.ScaleDownThreshold}
}
