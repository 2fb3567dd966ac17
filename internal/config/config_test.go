package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// --- Formats ---

const yamlConfig = `
server:
  listen_addr: ":9090"
  api_keys:
    k1: alex
security:
  users:
    - {id: alex, name: Alex, role: Analyst}
    - {id: morgan, name: Morgan, role: Manager}
context_window:
  max_chars: 4000
  strategy: summarize
`

const tomlConfig = `
[server]
listen_addr = ":9090"

[server.api_keys]
k1 = "alex"

[[security.users]]
id = "alex"
name = "Alex"
role = "Analyst"

[[security.users]]
id = "morgan"
name = "Morgan"
role = "Manager"

[context_window]
max_chars = 4000
strategy = "summarize"
`

const jsoncConfig = `{
  // gateway
  "server": {"listen_addr": ":9090", "api_keys": {"k1": "alex"}},
  "security": {
    "users": [
      {"id": "alex", "name": "Alex", "role": "Analyst"},
      {"id": "morgan", "name": "Morgan", "role": "Manager"}, // trailing comma
    ]
  },
  "context_window": {"max_chars": 4000, "strategy": "summarize"}
}`

func TestParse_FormatsAgree(t *testing.T) {
	want := []UserConfig{
		{ID: "alex", Name: "Alex", Role: "Analyst"},
		{ID: "morgan", Name: "Morgan", Role: "Manager"},
	}
	for ext, data := range map[string]string{
		".yaml":  yamlConfig,
		".toml":  tomlConfig,
		".jsonc": jsoncConfig,
	} {
		t.Run(ext, func(t *testing.T) {
			cfg, err := Parse([]byte(data), ext)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(want, cfg.Security.Users); diff != "" {
				t.Errorf("users mismatch (-want +got):\n%s", diff)
			}
			if cfg.Server.Addr() != ":9090" {
				t.Errorf("Addr = %q, want :9090", cfg.Server.Addr())
			}
			if cfg.Server.APIKeys["k1"] != "alex" {
				t.Errorf("api_keys = %v", cfg.Server.APIKeys)
			}
			if cfg.ContextWindow.Budget() != 4000 {
				t.Errorf("Budget = %d, want 4000", cfg.ContextWindow.Budget())
			}
			if cfg.ContextWindow.StrategyName() != "summarize" {
				t.Errorf("Strategy = %q, want summarize", cfg.ContextWindow.StrategyName())
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(yamlConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Security.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(cfg.Security.Users))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// --- Defaults ---

func TestDefaults(t *testing.T) {
	var cfg Config
	if cfg.Cache.TTL() != 5*time.Minute {
		t.Errorf("cache TTL = %v, want 5m", cfg.Cache.TTL())
	}
	if cfg.ContextWindow.Budget() != 8000 || cfg.ContextWindow.Recent() != 5 {
		t.Errorf("context window = %d/%d, want 8000/5", cfg.ContextWindow.Budget(), cfg.ContextWindow.Recent())
	}
	if cfg.ContextWindow.StrategyName() != "sliding" {
		t.Errorf("strategy = %q, want sliding", cfg.ContextWindow.StrategyName())
	}
	if cfg.Agent.ToolTimeout() != 30*time.Second {
		t.Errorf("tool timeout = %v, want 30s", cfg.Agent.ToolTimeout())
	}
	if cfg.Agent.ThinkDelay() != 0 {
		t.Errorf("think delay = %v, want 0", cfg.Agent.ThinkDelay())
	}
	if cfg.Server.Addr() != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr())
	}
	if cfg.Scheduler.CacheSweepSchedule() != "*/5 * * * *" {
		t.Errorf("sweep = %q", cfg.Scheduler.CacheSweepSchedule())
	}
	if cfg.Scheduler.SessionIdle() != time.Hour {
		t.Errorf("session idle = %v, want 1h", cfg.Scheduler.SessionIdle())
	}
}

func TestDefault_HasDemoUsers(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Security.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(cfg.Security.Users))
	}
}

// --- Environment ---

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_LISTEN_ADDR", ":7000")
	t.Setenv("WARDEN_DB_DSN", "postgres://localhost/warden")
	t.Setenv("WARDEN_NATS_URL", "nats://localhost:4222")

	cfg, err := Parse([]byte(yamlConfig), "yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr() != ":7000" {
		t.Errorf("Addr = %q, want :7000", cfg.Server.Addr())
	}
	if cfg.Storage.StorageDriver() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/warden" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Audit.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.Audit.NATS.URL)
	}
}

// --- Validation ---

func TestParse_Invalid(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"missing id":      {"security:\n  users:\n    - {name: X, role: Analyst}\n", "id is required"},
		"bad role":        {"security:\n  users:\n    - {id: x, role: Admin}\n", "not supported"},
		"duplicate id":    {"security:\n  users:\n    - {id: x, role: Analyst}\n    - {id: x, role: Manager}\n", "duplicate id"},
		"bad strategy":    {"context_window:\n  strategy: lru\n", "context_window.strategy"},
		"bad driver":      {"storage:\n  driver: mysql\n", "storage.driver"},
		"postgres no dsn": {"storage:\n  driver: postgres\n", "dsn is required"},
		"approval no db":  {"approval:\n  persistent: true\n", "requires storage"},
		"bad log format":  {"logging:\n  format: xml\n", "logging.format"},
		"zero rate limit": {"rate_limit:\n  burst_size: 3\n", "requests_per_minute"},
		"bad exempt role": {"security:\n  exempt_roles: [Root]\n", "exempt_roles"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), "yaml")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	if got := cfg.DatabasePath(); filepath.Base(got) != "warden.db" {
		t.Errorf("DatabasePath = %q", got)
	}
	if got := cfg.AuditLogPath(); filepath.Base(got) != "audit.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
	cfg.Security.AuditLogPath = "/var/log/warden.jsonl"
	if got := cfg.AuditLogPath(); got != "/var/log/warden.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
}
