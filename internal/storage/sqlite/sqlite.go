// Package sqlite is the embedded storage backend: a single database file
// opened through the pure-Go glebarez/sqlite GORM driver. It shares the
// GORM models and repositories of the postgres package; JSONB columns are
// stored as TEXT.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
	pgstore "github.com/jkaninda/warden/internal/storage/postgres"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string        // Database file path, or MemoryPath.
	JournalMode string        // Default: wal (memory databases ignore it).
	BusyTimeout time.Duration // Default: 5s
}

func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	if c.Path == MemoryPath {
		return MemoryPath + "?" + q.Encode()
	}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", c.journalMode()))
	return c.Path + "?" + q.Encode()
}

func (c Config) journalMode() string {
	if c.JournalMode == "" {
		return "wal"
	}
	return c.JournalMode
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db        *gorm.DB
	path      string
	approvals *pgstore.ApprovalRepository
	audit     *pgstore.AuditRepository
}

var _ storage.Store = (*Store)(nil)

// Open creates the parent directory when needed and opens the database.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.Path != MemoryPath {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if cfg.Path == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", cfg.journalMode()))
	return &Store{
		db:        db,
		path:      cfg.Path,
		approvals: pgstore.NewApprovalRepository(db),
		audit:     pgstore.NewAuditRepository(db),
	}, nil
}

// Migrate creates or updates the approval and audit tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("auto-migrating %s: %w", s.path, err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

func (s *Store) Approvals() approval.Store { return s.approvals }

func (s *Store) Audit() security.AuditStore { return s.audit }
