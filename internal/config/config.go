// Package config loads stockledger settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
)

// Remote store kinds.
const (
	RemoteMemory = "memory"
	RemoteHTTP   = "http"
	RemoteS3     = "s3"
	RemoteAWS    = "aws"
	RemoteMinIO  = "minio"
	RemoteR2     = "r2"
)

// Duration is a time.Duration written as "15m", "2s" and so on.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole configuration file.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Logger       LoggerConfig       `yaml:"logger"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Server       ServerConfig       `yaml:"server"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RemoteConfig selects and configures the remote document store.
type RemoteConfig struct {
	Type      string   `yaml:"type"`
	URL       string   `yaml:"url"` // http: document server base URL
	Token     string   `yaml:"token"`
	Endpoint  string   `yaml:"endpoint"` // s3, minio
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccountID string   `yaml:"account_id"` // r2
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"secret_key"`
	Prefix    string   `yaml:"prefix"`
	PathStyle bool     `yaml:"path_style"`
	UseSSL    bool     `yaml:"use_ssl"`
	Timeout   Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Interval        Duration `yaml:"interval"`
	Timeout         Duration `yaml:"timeout"`
	OnStart         bool     `yaml:"on_start"`
	IncrementalPull bool     `yaml:"incremental_pull"`
	PruneMissing    bool     `yaml:"prune_missing"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
}

type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

type ConnectivityConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Logger: LoggerConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Remote: RemoteConfig{
			Type:    RemoteMemory,
			Timeout: Duration(15 * time.Second),
		},
		Sync: SyncConfig{
			Interval:     Duration(15 * time.Minute),
			Timeout:      Duration(5 * time.Minute),
			OnStart:      true,
			PruneMissing: true,
		},
		Cache: CacheConfig{TTL: Duration(120 * time.Second)},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		Server: ServerConfig{Addr: "127.0.0.1:8089"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "stockledger")
	}
	return ".stockledger"
}

// Load reads path on top of Default. A missing file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug("config file not found, using defaults", map[string]interface{}{"path": path})
			return cfg, nil
		}
		return cfg, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config", err)
	}

	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "parse config", err)
	}
	return cfg.Validate()
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Logger.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if c.Sync.Interval < 0 {
		problems = append(problems, "sync.interval must not be negative")
	}
	if c.Sync.MaxConcurrency < 0 {
		problems = append(problems, "sync.max_concurrency must not be negative")
	}

	r := c.Remote
	switch r.Type {
	case RemoteMemory:
	case RemoteHTTP:
		if r.URL == "" {
			problems = append(problems, "remote.url is required for http")
		}
	case RemoteS3, RemoteMinIO:
		if r.Endpoint == "" {
			problems = append(problems, "remote.endpoint is required for "+r.Type)
		}
		problems = append(problems, bucketProblems(r)...)
	case RemoteAWS:
		problems = append(problems, bucketProblems(r)...)
	case RemoteR2:
		if r.AccountID == "" {
			problems = append(problems, "remote.account_id is required for r2")
		}
		problems = append(problems, bucketProblems(r)...)
	default:
		problems = append(problems, fmt.Sprintf("unknown remote.type %q", r.Type))
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func bucketProblems(r RemoteConfig) []string {
	var problems []string
	if r.Bucket == "" {
		problems = append(problems, "remote.bucket is required for "+r.Type)
	}
	if r.AccessKey == "" || r.SecretKey == "" {
		problems = append(problems, "remote.access_key and remote.secret_key are required for "+r.Type)
	}
	return problems
}
