// Package config handles loading and validating Warden configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Warden.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir"` // Default: ~/.warden. Override: WARDEN_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server" toml:"server"`
	Security      SecurityConfig       `json:"security" yaml:"security" toml:"security"`
	Agent         AgentConfig          `json:"agent" yaml:"agent" toml:"agent"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging" toml:"logging"`
	Cache         *CacheConfig         `json:"cache,omitempty" yaml:"cache,omitempty" toml:"cache"`                            // nil = 5 minute TTL
	ContextWindow *ContextWindowConfig `json:"context_window,omitempty" yaml:"context_window,omitempty" toml:"context_window"` // nil = defaults
	Approval      *ApprovalConfig      `json:"approval,omitempty" yaml:"approval,omitempty" toml:"approval"`                   // nil = in-memory approvals
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage"`                      // nil = no persistence
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty" toml:"audit"`                            // nil = JSONL audit log only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability"`    // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty" toml:"scheduler"`                // nil = maintenance disabled
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" toml:"rate_limit"`             // nil = unlimited
	Documents     *DocumentsConfig     `json:"documents,omitempty" yaml:"documents,omitempty" toml:"documents"`                // nil = empty index
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: ":8080". Override: WARDEN_LISTEN_ADDR.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" toml:"max_request_size_bytes"` // Default: 1 MiB.
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`                                           // API key -> user ID or name.
	ShutdownTimeoutS    int               `json:"shutdown_timeout_s" yaml:"shutdown_timeout_s" toml:"shutdown_timeout_s"`             // Default: 10.
	WSPingIntervalS     int               `json:"ws_ping_interval_s" yaml:"ws_ping_interval_s" toml:"ws_ping_interval_s"`             // Default: 30.
}

// Addr returns the listen address, defaulting to ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body limit in bytes.
func (s ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutS > 0 {
		return time.Duration(s.ShutdownTimeoutS) * time.Second
	}
	return 10 * time.Second
}

// WSPingInterval returns how often idle WebSocket clients are pinged.
func (s ServerConfig) WSPingInterval() time.Duration {
	if s.WSPingIntervalS > 0 {
		return time.Duration(s.WSPingIntervalS) * time.Second
	}
	return 30 * time.Second
}

// SecurityConfig holds the user directory and the authorization settings.
type SecurityConfig struct {
	Users        []UserConfig `json:"users" yaml:"users" toml:"users"`
	DefaultRole  string       `json:"default_role,omitempty" yaml:"default_role,omitempty" toml:"default_role"` // Empty = unknown users are rejected.
	ExemptRoles  []string     `json:"exempt_roles,omitempty" yaml:"exempt_roles,omitempty" toml:"exempt_roles"` // Roles that self-approve. Default: [Manager].
	AuditLogPath string       `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty" toml:"audit_log_path"`
}

// UserConfig is one directory entry.
type UserConfig struct {
	ID   string `json:"id" yaml:"id" toml:"id"`
	Name string `json:"name" yaml:"name" toml:"name"`
	Role string `json:"role" yaml:"role" toml:"role"`
}

// AgentConfig configures the orchestrator.
type AgentConfig struct {
	ThinkDelayMS       int    `json:"think_delay_ms" yaml:"think_delay_ms" toml:"think_delay_ms"`                   // Simulated reasoning pause. Default: 0.
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds" toml:"tool_timeout_seconds"` // Default: 30.
	BackendURL         string `json:"backend_url,omitempty" yaml:"backend_url,omitempty" toml:"backend_url"`        // Remote backend for chat/query. Override: WARDEN_BACKEND_URL.
	BackendAPIKey      string `json:"backend_api_key,omitempty" yaml:"backend_api_key,omitempty" toml:"backend_api_key"`
	BackendFallback    bool   `json:"backend_fallback,omitempty" yaml:"backend_fallback,omitempty" toml:"backend_fallback"` // Answer locally when the backend is unreachable.
	SecretPrefix       string `json:"secret_prefix,omitempty" yaml:"secret_prefix,omitempty" toml:"secret_prefix"`          // Default: WARDEN_SECRET_.
}

// ThinkDelay returns the pause inserted before the agent answers.
func (a AgentConfig) ThinkDelay() time.Duration {
	if a.ThinkDelayMS > 0 {
		return time.Duration(a.ThinkDelayMS) * time.Millisecond
	}
	return 0
}

// ToolTimeout returns the per-call execution deadline.
func (a AgentConfig) ToolTimeout() time.Duration {
	if a.ToolTimeoutSeconds > 0 {
		return time.Duration(a.ToolTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error. Default: info.
	Format string `json:"format" yaml:"format" toml:"format"` // text or json. Default: text.
}

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"` // Default: 300.
}

// TTL returns the entry lifetime.
func (c *CacheConfig) TTL() time.Duration {
	if c != nil && c.TTLSeconds > 0 {
		return time.Duration(c.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ContextWindowConfig bounds the conversation history.
type ContextWindowConfig struct {
	MaxChars int    `json:"max_chars" yaml:"max_chars" toml:"max_chars"` // Serialized size budget. Default: 8000.
	KeepLast int    `json:"keep_last" yaml:"keep_last" toml:"keep_last"` // Messages kept after the preamble. Default: 5.
	Strategy string `json:"strategy" yaml:"strategy" toml:"strategy"`    // "sliding" (default) or "summarize".
}

// Budget returns the serialized-size budget.
func (c *ContextWindowConfig) Budget() int {
	if c != nil && c.MaxChars > 0 {
		return c.MaxChars
	}
	return 8000
}

// Recent returns how many trailing messages survive a prune.
func (c *ContextWindowConfig) Recent() int {
	if c != nil && c.KeepLast > 0 {
		return c.KeepLast
	}
	return 5
}

// StrategyName returns the configured strategy, defaulting to "sliding".
func (c *ContextWindowConfig) StrategyName() string {
	if c != nil && c.Strategy != "" {
		return c.Strategy
	}
	return "sliding"
}

// ApprovalConfig configures where approval requests live.
type ApprovalConfig struct {
	Persistent bool `json:"persistent" yaml:"persistent" toml:"persistent"` // Requires storage. Default: false (in-memory).
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"`                           // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite"`       // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path"`     // Default: <data_dir>/warden.db; ":memory:" for a throwaway store.
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"` // "wal" (default), "delete", "truncate", etc.

	// BusyTimeoutMS bounds how long a writer waits for the file lock. Default: 5000.
	BusyTimeoutMS int `json:"busy_timeout_ms,omitempty" yaml:"busy_timeout_ms,omitempty" toml:"busy_timeout_ms"`
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"`                                                 // Override: WARDEN_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures extra audit event destinations.
type AuditConfig struct {
	NATS *NATSConfig `json:"nats,omitempty" yaml:"nats,omitempty" toml:"nats"`
}

// NATSConfig configures the NATS audit publisher.
type NATSConfig struct {
	URL           string `json:"url" yaml:"url" toml:"url"`                                  // Override: WARDEN_NATS_URL.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"` // Default: "warden.audit".
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "warden"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev

	// Headers are sent with every export, e.g. a collector API key.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers"`
}

// SchedulerConfig configures periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	CacheSweep        string `json:"cache_sweep" yaml:"cache_sweep" toml:"cache_sweep"`                            // Cron expression. Default: "*/5 * * * *".
	SessionReap       string `json:"session_reap" yaml:"session_reap" toml:"session_reap"`                         // Cron expression. Default: "*/10 * * * *".
	SessionIdleMinute int    `json:"session_idle_minutes" yaml:"session_idle_minutes" toml:"session_idle_minutes"` // Default: 60.
}

// CacheSweepSchedule returns the cron expression for the cache sweep.
func (s *SchedulerConfig) CacheSweepSchedule() string {
	if s != nil && s.CacheSweep != "" {
		return s.CacheSweep
	}
	return "*/5 * * * *"
}

// SessionReapSchedule returns the cron expression for idle session reaping.
func (s *SchedulerConfig) SessionReapSchedule() string {
	if s != nil && s.SessionReap != "" {
		return s.SessionReap
	}
	return "*/10 * * * *"
}

// SessionIdle returns how long a session may sit unused before it is reaped.
func (s *SchedulerConfig) SessionIdle() time.Duration {
	if s != nil && s.SessionIdleMinute > 0 {
		return time.Duration(s.SessionIdleMinute) * time.Minute
	}
	return time.Hour
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
}

// DocumentsConfig points the document search collaborator at a directory.
type DocumentsConfig struct {
	Dir string `json:"dir" yaml:"dir" toml:"dir"`
}

// DefaultConfigPath returns ~/.warden/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/warden.yaml"
	}
	return filepath.Join(home, ".warden", "config.yaml")
}

// Load reads a config file. The format is chosen by extension: .yml/.yaml,
// .toml, or JSON (comments and trailing commas allowed) for anything else.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes in the format named by ext, applies
// environment overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yml", "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("YAML: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Security: SecurityConfig{
			Users: []UserConfig{
				{ID: "alex", Name: "Alex", Role: "Analyst"},
				{ID: "morgan", Name: "Morgan", Role: "Manager"},
			},
		},
	}
	cfg.applyEnv()
	return cfg
}

// applyEnv lets environment variables take precedence over file values.
func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("WARDEN_DATA_DIR", c.DataDir)
	c.Server.ListenAddr = goutils.Env("WARDEN_LISTEN_ADDR", c.Server.ListenAddr)
	c.Agent.BackendURL = goutils.Env("WARDEN_BACKEND_URL", c.Agent.BackendURL)
	c.Agent.BackendAPIKey = goutils.Env("WARDEN_API_KEY", c.Agent.BackendAPIKey)
	c.Logging.Level = goutils.Env("WARDEN_LOG_LEVEL", c.Logging.Level)

	if dsn := goutils.Env("WARDEN_DB_DSN", ""); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if url := goutils.Env("WARDEN_NATS_URL", ""); url != "" {
		if c.Audit == nil {
			c.Audit = &AuditConfig{}
		}
		if c.Audit.NATS == nil {
			c.Audit.NATS = &NATSConfig{}
		}
		c.Audit.NATS.URL = url
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".warden")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "warden.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

func (c *Config) validate() error {
	validRole := func(r string) bool {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case "analyst", "manager":
			return true
		}
		return false
	}

	ids := make(map[string]bool, len(c.Security.Users))
	for i, u := range c.Security.Users {
		if u.ID == "" {
			return fmt.Errorf("security.users[%d].id is required", i)
		}
		if ids[u.ID] {
			return fmt.Errorf("security.users[%d]: duplicate id %q", i, u.ID)
		}
		ids[u.ID] = true
		if !validRole(u.Role) {
			return fmt.Errorf("security.users[%d] (%q): role %q is not supported (use Analyst or Manager)", i, u.ID, u.Role)
		}
	}
	if c.Security.DefaultRole != "" && !validRole(c.Security.DefaultRole) {
		return fmt.Errorf("security.default_role %q is not supported", c.Security.DefaultRole)
	}
	for _, r := range c.Security.ExemptRoles {
		if !validRole(r) {
			return fmt.Errorf("security.exempt_roles: %q is not a role", r)
		}
	}

	if c.ContextWindow != nil {
		switch c.ContextWindow.StrategyName() {
		case "sliding", "summarize":
		default:
			return fmt.Errorf("context_window.strategy %q is not supported (use sliding or summarize)", c.ContextWindow.Strategy)
		}
		if c.ContextWindow.MaxChars < 0 || c.ContextWindow.KeepLast < 0 {
			return fmt.Errorf("context_window limits must not be negative")
		}
	}

	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set WARDEN_DB_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Approval != nil && c.Approval.Persistent && c.Storage == nil {
		return fmt.Errorf("approval.persistent requires storage to be configured")
	}

	if c.Audit != nil && c.Audit.NATS != nil && c.Audit.NATS.URL == "" {
		return fmt.Errorf("audit.nats.url is required")
	}

	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}
	return nil
}
