package postgres

import (
	"context"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
)

// Store is the PostgreSQL storage.Store.
type Store struct {
	db        *DB
	approvals *ApprovalRepository
	audit     *AuditRepository
}

var _ storage.Store = (*Store)(nil)

// NewStore builds the repositories over db.
func NewStore(db *DB) *Store {
	return &Store{
		db:        db,
		approvals: NewApprovalRepository(db.GormDB()),
		audit:     NewAuditRepository(db.GormDB()),
	}
}

func (s *Store) Migrate(ctx context.Context) error { return s.db.Migrate(ctx) }
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *Store) Close() error { return s.db.Close() }
func (s *Store) Driver() string { return storage.DriverPostgres }
func (s *Store) Approvals() approval.Store { return s.approvals }
func (s *Store) Audit() security.AuditStore { return s.audit }
