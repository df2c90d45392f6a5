// Package config loads and validates lookup service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bookmeta/internal/extract"
)

// EnvPrefix prefixes every environment override, e.g. BOOKMETA_SERVER_PORT.
const EnvPrefix = "BOOKMETA"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig               `mapstructure:"server"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Logging   LoggingConfig              `mapstructure:"logging"`
	Lookup    LookupConfig               `mapstructure:"lookup"`
	Discovery DiscoveryConfig            `mapstructure:"discovery"`
	HTTP      HTTPConfig                 `mapstructure:"http"`
	Headless  HeadlessConfig             `mapstructure:"headless"`
	RateLimit RateLimitConfig            `mapstructure:"rate_limit"`
	Progress  ProgressConfig             `mapstructure:"progress"`
	Cover     CoverConfig                `mapstructure:"cover"`
	Site      string                     `mapstructure:"site"`
	Sites     map[string]extract.Profile `mapstructure:"sites"`
	Languages map[string][]string        `mapstructure:"languages"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LookupConfig governs the dispatcher and its workers.
type LookupConfig struct {
	TimeoutSeconds     int  `mapstructure:"timeout_seconds"`
	StaggerMs          int  `mapstructure:"stagger_ms"`
	PollIntervalMs     int  `mapstructure:"poll_interval_ms"`
	InterruptOnAbort   bool `mapstructure:"interrupt_on_abort"`
	SinkCapacity       int  `mapstructure:"sink_capacity"`
	SinkEnqueueTimeout int  `mapstructure:"sink_enqueue_timeout_ms"`
}

// DiscoveryConfig controls the secondary search step.
type DiscoveryConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	SearchURL        string `mapstructure:"search_url"`
	ResultSelector   string `mapstructure:"result_selector"`
	MaxResults       int    `mapstructure:"max_results"`
	MaxTitleDistance int    `mapstructure:"max_title_distance"`
}

// HTTPConfig configures the plain page fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// HostLimit overrides the default request rate for one host.
type HostLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// RateLimitConfig throttles outbound requests per host.
type RateLimitConfig struct {
	DefaultRPS    float64     `mapstructure:"default_rps"`
	DefaultBurst  int         `mapstructure:"default_burst"`
	Hosts         []HostLimit `mapstructure:"hosts"`
	HeadlessRPS   float64     `mapstructure:"headless_rps"`
	HeadlessBurst int         `mapstructure:"headless_burst"`
}

// ProgressConfig selects progress sinks and batching.
type ProgressConfig struct {
	LogEvents      bool `mapstructure:"log_events"`
	Prometheus     bool `mapstructure:"prometheus"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// CoverConfig controls cover URL caching and image downloads.
type CoverConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	CacheMaxEntries int `mapstructure:"cache_max_entries"`
	MaxBytes        int `mapstructure:"max_bytes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 10)
	v.SetDefault("server.write_timeout_seconds", 90)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("lookup.timeout_seconds", 30)
	v.SetDefault("lookup.stagger_ms", 100)
	v.SetDefault("lookup.poll_interval_ms", 200)
	v.SetDefault("lookup.interrupt_on_abort", false)
	v.SetDefault("lookup.sink_capacity", 16)
	v.SetDefault("lookup.sink_enqueue_timeout_ms", 100)
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.search_url", "https://html.duckduckgo.com/html/?q={query}")
	v.SetDefault("discovery.max_results", 2)
	v.SetDefault("discovery.result_selector", "a.result__a")
	v.SetDefault("discovery.max_title_distance", 0)
	v.SetDefault("http.user_agent", "bookmeta/0.1 (+https://github.com/JakeFAU/bookmeta)")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("rate_limit.default_rps", 2)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("rate_limit.headless_rps", 0.2)
	v.SetDefault("rate_limit.headless_burst", 1)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("cover.cache_ttl_seconds", 3600)
	v.SetDefault("cover.cache_max_entries", 10000)
	v.SetDefault("cover.max_bytes", 10<<20)
	v.SetDefault("site", extract.DefaultProfileName)
	v.SetDefault("languages", extract.DefaultLanguages())
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Lookup.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("lookup.timeout_seconds must be > 0"))
	}
	if c.Lookup.StaggerMs < 0 {
		errs = append(errs, errors.New("lookup.stagger_ms must be >= 0"))
	}
	if c.Lookup.PollIntervalMs <= 0 {
		errs = append(errs, errors.New("lookup.poll_interval_ms must be > 0"))
	}
	if c.Discovery.Enabled && !strings.Contains(c.Discovery.SearchURL, "{query}") {
		errs = append(errs, errors.New("discovery.search_url must contain {query}"))
	}
	if c.Discovery.MaxResults < 0 {
		errs = append(errs, errors.New("discovery.max_results must be >= 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	for i, h := range c.RateLimit.Hosts {
		if strings.TrimSpace(h.Host) == "" {
			errs = append(errs, fmt.Errorf("rate_limit.hosts[%d].host is required", i))
		}
	}
	if _, err := c.Profile(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Profile resolves the active site profile. Profiles declared under sites
// take precedence over the built-in one of the same name.
func (c Config) Profile() (extract.Profile, error) {
	name := strings.ToLower(strings.TrimSpace(c.Site))
	if name == "" {
		name = extract.DefaultProfileName
	}
	profile, ok := c.Sites[name]
	switch {
	case ok:
		if profile.Name == "" {
			profile.Name = name
		}
	case name == extract.DefaultProfileName:
		profile = extract.Saxo()
	default:
		return extract.Profile{}, fmt.Errorf("site %q is not a known profile", c.Site)
	}
	if err := profile.Validate(); err != nil {
		return extract.Profile{}, fmt.Errorf("site %q: %w", name, err)
	}
	return profile, nil
}

// LanguageMap builds the extractor's language lookup, falling back to the
// built-in names when none are configured.
func (c Config) LanguageMap() extract.LanguageMap {
	if len(c.Languages) == 0 {
		return extract.NewLanguageMap(extract.DefaultLanguages())
	}
	return extract.NewLanguageMap(c.Languages)
}

// LookupTimeout is the per-worker fetch timeout.
func (c Config) LookupTimeout() time.Duration {
	return time.Duration(c.Lookup.TimeoutSeconds) * time.Second
}

// Stagger is the delay between worker starts.
func (c Config) Stagger() time.Duration {
	return time.Duration(c.Lookup.StaggerMs) * time.Millisecond
}

// PollInterval bounds each join attempt of the dispatcher's wait loop.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Lookup.PollIntervalMs) * time.Millisecond
}

// HostRPS flattens the per-host overrides for the rate limiter.
func (c Config) HostRPS() map[string]float64 {
	out := make(map[string]float64, len(c.RateLimit.Hosts))
	for _, h := range c.RateLimit.Hosts {
		out[strings.ToLower(strings.TrimSpace(h.Host))] = h.RPS
	}
	return out
}
