package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/documents"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/llm"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/secrets"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
	pgstore "github.com/jkaninda/warden/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/warden/internal/storage/sqlite"
	"github.com/jkaninda/warden/internal/tools"
	"github.com/jkaninda/warden/internal/tools/builtin"
)

// SharedComponents holds every subsystem the commands need. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Health    *observability.HealthChecker
	Store     storage.Store // nil = no persistence
	Directory *security.Directory
	Registry  *tools.Registry
	Cache     cache.Service
	Approvals approval.Workflow
	Audit     security.AuditStore
	Local     *agent.Orchestrator
	Responder agent.Responder // Local, or the remote backend when configured
	Sessions  *agent.SessionStore
	Limiter   *ratelimit.Limiter

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file. Without an explicit path the default
// location is tried, falling back to built-in defaults when it is absent.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("WARDEN_CONFIG", path)
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// bootstrap loads the config and builds the shared components.
func bootstrap() (*SharedComponents, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return initShared(cfg, newLogger(cfg.Logging))
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics := obs.MetricsOrNil()
	sc.Health = obs.HealthOrNew(logger)

	// Storage.
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		sc.Health.AddCheck("storage", store.Ping)
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Users.
	dir, err := initDirectory(cfg.Security)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Directory = dir

	// Audit trail.
	sink, err := sc.initAudit(cfg, metrics)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Tools.
	deps := builtin.Deps{Secrets: secrets.NewEnvStore(cfg.Agent.SecretPrefix)}
	if cfg.Documents != nil && cfg.Documents.Dir != "" {
		idx, err := documents.LoadDir(cfg.Documents.Dir)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("indexing documents: %w", err)
		}
		deps.Documents = idx
		logger.Debug("documents indexed", slog.Int("count", idx.Len()))
	}
	sc.Registry = builtin.NewRegistry(deps)
	logger.Debug("tools registered", slog.Any("tools", sc.Registry.List()))

	sc.Cache = observability.NewInstrumentedCache(cache.NewMemory(cfg.Cache.TTL(), nil), metrics)

	exempt, err := parseRoles(cfg.Security.ExemptRoles)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	orch := agent.NewOrchestrator(sc.Registry, sc.Cache, logger).
		WithGate(security.NewGate(security.GateConfig{ExemptRoles: exempt}, logger)).
		WithContextWindow(agent.NewContextWindow(
			cfg.ContextWindow.Budget(),
			cfg.ContextWindow.Recent(),
			agent.ParseStrategy(cfg.ContextWindow.StrategyName()),
		)).
		WithAuditSink(sink).
		WithObservability(obs).
		WithThinkDelay(cfg.Agent.ThinkDelay()).
		WithToolTimeout(cfg.Agent.ToolTimeout())
	if cfg.Approval != nil && cfg.Approval.Persistent {
		if sc.Store == nil {
			sc.Cleanup()
			return nil, errors.New("persistent approvals require a storage section")
		}
		orch.WithApprovals(approval.NewDBManager(sc.Store.Approvals(), logger))
	}
	sc.Local = orch
	sc.Approvals = orch.Approvals()

	// Backend.
	sc.Responder = orch
	if url := cfg.Agent.BackendURL; url != "" {
		client := llm.NewClient(url, logger,
			llm.WithAPIKey(cfg.Agent.BackendAPIKey),
			llm.WithAuditSink(sink),
			llm.WithMetrics(metrics),
		)
		sc.Responder = client
		if cfg.Agent.BackendFallback {
			sc.Responder = llm.NewFallback(client, orch)
		}
		logger.Debug("remote backend configured",
			slog.String("url", url),
			slog.Bool("fallback", cfg.Agent.BackendFallback),
		)
	}

	sc.Sessions = agent.NewSessionStore(sc.Responder, logger).WithMetrics(metrics)

	var rl ratelimit.Config
	if cfg.RateLimit != nil {
		rl = ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		}
	}
	sc.Limiter = ratelimit.NewLimiter(rl)

	return sc, nil
}

// initAudit assembles the audit fan-out: the JSONL log always, plus the
// database, NATS and an in-memory ring that backs listings when nothing
// is persisted.
func (sc *SharedComponents) initAudit(cfg *config.Config, metrics *observability.MetricsCollector) (security.AuditSink, error) {
	logger := sc.Logger

	file, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	sc.addCleanup(func() { _ = file.Close() })
	sinks := security.MultiSink{file}

	if sc.Store != nil {
		sc.Audit = sc.Store.Audit()
		sinks = append(sinks, security.NewStoreSink(sc.Audit, logger))
	} else {
		mem := security.NewMemorySink(10000)
		sc.Audit = mem
		sinks = append(sinks, mem)
	}

	if cfg.Audit != nil && cfg.Audit.NATS != nil && cfg.Audit.NATS.URL != "" {
		natsSink, drain, err := security.ConnectNATS(cfg.Audit.NATS.URL, cfg.Audit.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		sc.addCleanup(func() { _ = drain() })
		sc.Health.AddCheck("nats", natsSink.Ping)
		sinks = append(sinks, natsSink)
		logger.Debug("nats audit publisher connected", slog.String("url", cfg.Audit.NATS.URL))
	}

	var tracer *observability.TracerSetup
	if sc.Obs != nil {
		tracer = sc.Obs.Tracer
	}
	return observability.NewInstrumentedAuditSink(sinks, metrics, tracer), nil
}

// initStore creates the storage backend based on config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		pgCfg := cfg.Storage.Postgres
		if pgCfg == nil || pgCfg.DSN == "" {
			return nil, errors.New("postgres storage requires a DSN (storage.postgres.dsn or WARDEN_DB_DSN)")
		}
		db, err := pgstore.Open(pgstore.Config{
			DSN:             pgCfg.DSN,
			MaxOpenConns:    pgCfg.MaxOpenConns,
			MaxIdleConns:    pgCfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pgCfg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.NewStore(db), nil

	case storage.DriverSQLite:
		sqlCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if lite := cfg.Storage.SQLite; lite != nil {
			sqlCfg.JournalMode = lite.JournalMode
			sqlCfg.BusyTimeout = time.Duration(lite.BusyTimeoutMS) * time.Millisecond
		}
		return sqlitestore.Open(sqlCfg, logger)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func initDirectory(cfg config.SecurityConfig) (*security.Directory, error) {
	users := make([]domain.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		role, err := domain.ParseRole(u.Role)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.ID, err)
		}
		users = append(users, domain.User{ID: u.ID, Name: u.Name, Role: role})
	}
	var def domain.Role
	if cfg.DefaultRole != "" {
		r, err := domain.ParseRole(cfg.DefaultRole)
		if err != nil {
			return nil, fmt.Errorf("default_role: %w", err)
		}
		def = r
	}
	return security.NewDirectory(security.DirectoryConfig{Users: users, DefaultRole: def}), nil
}

func parseRoles(names []string) ([]domain.Role, error) {
	if names == nil {
		return nil, nil
	}
	roles := make([]domain.Role, 0, len(names))
	for _, n := range names {
		r, err := domain.ParseRole(n)
		if err != nil {
			return nil, fmt.Errorf("exempt_roles: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// newAuthenticator maps the configured API keys onto the directory.
func (sc *SharedComponents) newAuthenticator() *gateway.Authenticator {
	return gateway.NewAuthenticator(sc.Config.Server.APIKeys, sc.Directory)
}
