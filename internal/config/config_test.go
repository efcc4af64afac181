package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
)

func TestDefault_isValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Cache.TTL.Std() != 120*time.Second {
		t.Errorf("cache ttl = %s, want 2m0s", cfg.Cache.TTL.Std())
	}
	if !cfg.Sync.PruneMissing || cfg.Sync.IncrementalPull {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
}

func TestLoad_missingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Type != RemoteMemory {
		t.Errorf("Remote.Type = %q", cfg.Remote.Type)
	}
}

func TestLoad_overridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockledger.yaml")
	data := `
data_dir: /var/lib/stockledger
logger:
  level: debug
remote:
  type: http
  url: http://docs.internal:8090
  token: secret
  timeout: 3s
sync:
  interval: 30s
  incremental_pull: true
  max_concurrency: 2
cache:
  ttl: 45s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/var/lib/stockledger" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Remote.Timeout.Std() != 3*time.Second || cfg.Remote.URL != "http://docs.internal:8090" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Sync.Interval.Std() != 30*time.Second || !cfg.Sync.IncrementalPull || cfg.Sync.MaxConcurrency != 2 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	// Unset keys keep their defaults.
	if !cfg.Sync.OnStart || cfg.Sync.Timeout.Std() != 5*time.Minute {
		t.Errorf("Sync defaults lost: %+v", cfg.Sync)
	}
	if cfg.Cache.TTL.Std() != 45*time.Second {
		t.Errorf("Cache.TTL = %s", cfg.Cache.TTL.Std())
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "cache:\n  ttl: soon\n", "invalid duration"},
		{"unknown remote", "remote:\n  type: ftp\n", "unknown remote.type"},
		{"http without url", "remote:\n  type: http\n", "remote.url"},
		{"s3 without bucket", "remote:\n  type: s3\n  endpoint: http://localhost:9000\n", "remote.bucket"},
		{"r2 without account", "remote:\n  type: r2\n  bucket: b\n  access_key: a\n  secret_key: s\n", "account_id"},
		{"bad level", "logger:\n  level: loud\n", "unknown log level"},
		{"zero ttl", "cache:\n  ttl: 0s\n", "cache.ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !apperrors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("code = %s, want CONFIG_INVALID", apperrors.CodeOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestMarshal_roundTripDurations(t *testing.T) {
	data, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), "ttl: 2m0s") {
		t.Errorf("marshaled config missing ttl:\n%s", data)
	}

	var cfg Config
	if err := Parse(data, &cfg); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Sync.Interval.Std() != 15*time.Minute {
		t.Errorf("Sync.Interval = %s", cfg.Sync.Interval.Std())
	}
}

func TestWatch_reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockledger.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  ttl: 10s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c Config) { changes <- c }, logging.New(os.Stderr, logging.LevelError))
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("cache:\n  ttl: oops\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(path, []byte("cache:\n  ttl: 20s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		if cfg.Cache.TTL.Std() != 20*time.Second {
			t.Errorf("reloaded ttl = %s, want 20s", cfg.Cache.TTL.Std())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() = %v", err)
	}
}
