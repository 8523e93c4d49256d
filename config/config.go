package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STANDBY_SERVER_PORT.
const EnvPrefix = "STANDBY"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMinio  = "minio"
	BackendMemory = "memory"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" split_words:"true"`
	Client    ClientConfig    `yaml:"client"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	MaxBodyMB      int      `yaml:"max_body_mb" split_words:"true"`
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
}

// UpstreamConfig points at the remote analysis service.
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url" split_words:"true"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retry_max" split_words:"true"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min" split_words:"true"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" split_words:"true"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	DBPath  string `yaml:"db_path" split_words:"true"`
	// Compress stores sqlite payloads zstd-compressed.
	Compress bool `yaml:"compress"`
	// Retention discards a pending submission older than this. Zero keeps it forever.
	Retention time.Duration `yaml:"retention"`
	Minio     MinioConfig   `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key" split_words:"true"`
	SecretKey string `yaml:"secret_key" split_words:"true"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig enables bearer-token auth when JWTSecret is set.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret" split_words:"true"`
	TokenExpireHours int    `yaml:"token_expire_hours" split_words:"true"`
}

func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" split_words:"true"`
	Burst             int     `yaml:"burst"`
}

// ClientConfig is used by the foreground commands talking to a running proxy.
type ClientConfig struct {
	ProxyURL   string        `yaml:"proxy_url" split_words:"true"`
	ControlURL string        `yaml:"control_url" split_words:"true"`
	Endpoint   string        `yaml:"endpoint"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// STANDBY_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxBodyMB == 0 {
		c.Server.MaxBodyMB = 32
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:5000"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.RetryWaitMin == 0 {
		c.Upstream.RetryWaitMin = 200 * time.Millisecond
	}
	if c.Upstream.RetryWaitMax == 0 {
		c.Upstream.RetryWaitMax = 2 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "data/pending.db"
	}
	if c.Store.Minio.Bucket == "" {
		c.Store.Minio.Bucket = "pending-submissions"
	}
	if c.Store.Minio.Region == "" {
		c.Store.Minio.Region = "us-east-1"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Client.ProxyURL == "" {
		c.Client.ProxyURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Client.Endpoint == "" {
		c.Client.Endpoint = "/analyze"
	}
	if c.Client.ControlURL == "" {
		c.Client.ControlURL = ControlURLFor(c.Client.ProxyURL)
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 60 * time.Second
	}
}

// Validate rejects settings the proxy cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMinio, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendMinio && c.Store.Minio.Endpoint == "" {
		return fmt.Errorf("store.minio.endpoint is required for the minio backend")
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must not be negative")
	}
	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("invalid upstream.base_url: %w", err)
	}
	if c.Upstream.RetryMax < 0 {
		return fmt.Errorf("upstream.retry_max must not be negative")
	}
	return nil
}

// ControlURLFor derives the websocket control endpoint from a proxy URL.
func ControlURLFor(proxyURL string) string {
	u := strings.TrimRight(proxyURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/control/ws"
}
