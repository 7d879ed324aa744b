package shared

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
//
// Credential values follow a three-level hierarchy: a mounted secret file
// (named after the key, under [secrets].dir) wins over an environment
// variable, which wins over the TOML value.
type Config struct {
	LogLevel     string                     `toml:"log_level"`
	Secrets      SecretsConfig              `toml:"secrets"`
	Database     DatabaseConfig             `toml:"database" validate:"required"`
	Redis        RedisConfig                `toml:"redis"`
	Fetcher      FetcherConfig              `toml:"fetcher"`
	Proxy        ProxyConfig                `toml:"proxy"`
	Solver       SolverConfig               `toml:"solver"`
	Orchestrator OrchestratorConfig         `toml:"orchestrator"`
	Pipeline     PipelineConfig             `toml:"pipeline"`
	Resolver     ResolverConfig             `toml:"resolver"`
	APIs         APIConfigs                 `toml:"apis"`
	Extractors   map[string]ExtractorConfig `toml:"extractors"`
	Metrics      MetricsConfig              `toml:"metrics"`
}

// SecretsConfig points at the directory where mounted secret files live.
type SecretsConfig struct {
	Dir string `toml:"dir"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	DSN              string `toml:"dsn" validate:"required"`
	MaxOpenConns     int    `toml:"max_open_conns"`
	MaxIdleConns     int    `toml:"max_idle_conns"`
	ConnMaxLifetime  int    `toml:"conn_max_lifetime_minutes"`
	StatementTimeout int    `toml:"statement_timeout_seconds"`
}

// RedisConfig contains cache/queue connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// FetcherConfig controls the rate-limited HTTP fetcher.
type FetcherConfig struct {
	DelaySeconds      float64 `toml:"delay_seconds"` // base inter-request delay per host
	DelayJitter       float64 `toml:"delay_jitter"`  // fraction of the delay randomized (0..1)
	MaxRetries        int     `toml:"max_retries"`
	BackoffBase       float64 `toml:"backoff_base"` // exponential backoff base in seconds
	BackoffCapSeconds float64 `toml:"backoff_cap_seconds"`
	ConnectTimeout    int     `toml:"connect_timeout_seconds"`
	TotalTimeout      int     `toml:"total_timeout_seconds"`
	RenderURL         string  `toml:"render_url"` // headless-browser proxy endpoint, empty disables render mode
	StickyHeaders     bool    `toml:"sticky_headers"`
	RespectRobots     bool    `toml:"respect_robots"`
}

// ProxyConfig controls the egress pool.
type ProxyConfig struct {
	Endpoints       []string `toml:"endpoints"`
	CooldownMinutes int      `toml:"cooldown_minutes"`
	MaxFailures     int      `toml:"max_failures"`
	ProbeInterval   int      `toml:"probe_interval_minutes"`
}

// SolverConfig configures the optional human-verification solver backend.
type SolverConfig struct {
	URL         string  `toml:"url"`
	APIKey      string  `toml:"api_key"`
	BudgetLimit float64 `toml:"budget_limit"`
	Timeout     int     `toml:"timeout_seconds"`
}

// OrchestratorConfig controls scheduling, quotas and de-duplication.
type OrchestratorConfig struct {
	GlobalConcurrency int `toml:"global_concurrency"`
	DailyQuota        int `toml:"daily_quota"`
	DedupTTLDays      int `toml:"dedup_ttl_days"`
	GraceSeconds      int `toml:"grace_seconds"`
}

// PipelineConfig controls validation/enrichment/persistence stages.
type PipelineConfig struct {
	BatchSize            int     `toml:"batch_size"`
	FlushIntervalSeconds int     `toml:"flush_interval_seconds"`
	GenreThreshold       float64 `toml:"genre_threshold"`
	MinSetlistTracks     int     `toml:"min_setlist_tracks"`
}

// ResolverConfig controls the tiered enrichment resolver.
type ResolverConfig struct {
	HighThreshold    float64 `toml:"high_threshold"`
	MediumThreshold  float64 `toml:"medium_threshold"`
	MaxRetryAttempts int     `toml:"max_retry_attempts"`
	CooldownStrategy string  `toml:"cooldown_strategy" validate:"omitempty,oneof=fixed exponential adaptive"`
	CooldownBaseDays int     `toml:"cooldown_base_days"`
	Workers          int     `toml:"workers"`
}

// APIConfigs groups per-source external API settings.
type APIConfigs struct {
	Spotify     SpotifyAPIConfig `toml:"spotify"`
	MusicBrainz APIConfig        `toml:"musicbrainz"`
	Discogs     APIConfig        `toml:"discogs"`
	LastFM      APIConfig        `toml:"lastfm"`
	SetlistFM   APIConfig        `toml:"setlistfm"`
	LLM         LLMConfig        `toml:"llm"`
}

// SpotifyAPIConfig contains Spotify client-credentials settings.
type SpotifyAPIConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Timeout      int    `toml:"timeout_seconds"`
	CacheTTL     int    `toml:"cache_ttl_minutes"`
}

// APIConfig contains generic token-authenticated API settings.
type APIConfig struct {
	Token     string  `toml:"token"`
	UserAgent string  `toml:"user_agent"`
	RateLimit float64 `toml:"rate_limit"`
	Timeout   int     `toml:"timeout_seconds"`
	CacheTTL  int     `toml:"cache_ttl_minutes"`
}

// LLMConfig configures the language-model extraction endpoint.
type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Timeout int    `toml:"timeout_seconds"`
}

// ExtractorConfig holds per-source overrides.
type ExtractorConfig struct {
	Enabled       bool    `toml:"enabled"`
	DownloadDelay float64 `toml:"download_delay"`
	Concurrency   int     `toml:"concurrency"`
	MaxRetries    int     `toml:"max_retries"`
	UseProxy      bool    `toml:"use_proxy"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path, applies the secret hierarchy, and validates required keys.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingConfig, err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	config.resolveSecrets()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	config.resolveSecrets()
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks required keys; a misconfigured process should refuse to start.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// resolveSecrets applies the secret hierarchy to every credential field:
// mounted secret file, then environment variable, then the TOML value.
func (c *Config) resolveSecrets() {
	c.APIs.Spotify.ClientID = c.secret("SETGRAPH_SPOTIFY_CLIENT_ID", c.APIs.Spotify.ClientID)
	c.APIs.Spotify.ClientSecret = c.secret("SETGRAPH_SPOTIFY_CLIENT_SECRET", c.APIs.Spotify.ClientSecret)
	c.APIs.Discogs.Token = c.secret("SETGRAPH_DISCOGS_TOKEN", c.APIs.Discogs.Token)
	c.APIs.LastFM.Token = c.secret("SETGRAPH_LASTFM_API_KEY", c.APIs.LastFM.Token)
	c.APIs.SetlistFM.Token = c.secret("SETGRAPH_SETLISTFM_API_KEY", c.APIs.SetlistFM.Token)
	c.APIs.LLM.APIKey = c.secret("SETGRAPH_LLM_API_KEY", c.APIs.LLM.APIKey)
	c.Solver.APIKey = c.secret("SETGRAPH_SOLVER_API_KEY", c.Solver.APIKey)
	c.Database.DSN = c.secret("SETGRAPH_DATABASE_DSN", c.Database.DSN)
	c.Redis.Password = c.secret("SETGRAPH_REDIS_PASSWORD", c.Redis.Password)
}

// secret resolves one credential: secret file named after the lowercased key
// under Secrets.Dir, then the environment, then the configured fallback.
func (c *Config) secret(key, fallback string) string {
	if c.Secrets.Dir != "" {
		name := strings.ToLower(strings.TrimPrefix(key, "SETGRAPH_"))
		if data, err := os.ReadFile(filepath.Join(c.Secrets.Dir, name)); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MaskSecret renders a credential safe for logging.
func MaskSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
