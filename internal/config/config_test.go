package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
upstream:
  base-url: https://chatgpt.com/backend-api/codex/
accounts-file: accounts.json
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if cfg.Routing.MaxRetries != DefaultMaxRetries {
		t.Fatalf("MaxRetries = %d", cfg.Routing.MaxRetries)
	}
	if cfg.Sticky.TTL != DefaultStickyTTL {
		t.Fatalf("Sticky.TTL = %v", cfg.Sticky.TTL)
	}
	if cfg.Upstream.ConnectTimeout != DefaultConnectTimeout || cfg.Upstream.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("upstream timeouts = %v / %v", cfg.Upstream.ConnectTimeout, cfg.Upstream.IdleTimeout)
	}
	if got := cfg.Upstream.BaseURL; got != "https://chatgpt.com/backend-api/codex" {
		t.Fatalf("BaseURL = %q, trailing slash should be trimmed", got)
	}
	if cfg.QuotaWindow() != time.Duration(DefaultWindowMinutes)*time.Minute {
		t.Fatalf("QuotaWindow = %v", cfg.QuotaWindow())
	}
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: 9000
debug: true
api-keys:
  - "  key-one  "
  - ""
  - key-two
accounts-file: /etc/codex-mux/accounts.json
upstream:
  base-url: http://localhost:1234
  idle-timeout: 30s
routing:
  max-retries: 5
  backoff-base: 100ms
sticky:
  ttl: 10m
  redis-url: redis://localhost:6379/0
quota:
  window-minutes: 60
  prompt-price-per-m: 2.5
usage:
  dsn: sqlite:///tmp/usage.db
  batch-size: 50
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 || !cfg.Debug {
		t.Fatalf("port/debug = %d/%v", cfg.Port, cfg.Debug)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "key-one" || cfg.APIKeys[1] != "key-two" {
		t.Fatalf("APIKeys = %v, blanks should be dropped and keys trimmed", cfg.APIKeys)
	}
	if cfg.Routing.MaxRetries != 5 || cfg.Routing.BackoffBase != 100*time.Millisecond {
		t.Fatalf("routing = %+v", cfg.Routing)
	}
	if cfg.Sticky.TTL != 10*time.Minute || cfg.Sticky.RedisURL == "" {
		t.Fatalf("sticky = %+v", cfg.Sticky)
	}
	if cfg.QuotaWindow() != time.Hour {
		t.Fatalf("QuotaWindow = %v", cfg.QuotaWindow())
	}
	if cfg.Usage.DSN != "sqlite:///tmp/usage.db" || cfg.Usage.BatchSize != 50 {
		t.Fatalf("usage = %+v", cfg.Usage)
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing upstream",
			content: "accounts-file: accounts.json\n",
			wantErr: "upstream.base-url",
		},
		{
			name:    "missing roster path",
			content: "upstream:\n  base-url: http://localhost\n",
			wantErr: "accounts-file",
		},
		{
			name:    "malformed yaml",
			content: "port: [\n",
			wantErr: "parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load succeeded, want error")
	}
}
