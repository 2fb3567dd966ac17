// Package storage defines the Store interface that abstracts persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/security"
)

// Store gives access to the persistent sub-stores. Both SQLite and
// PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors share the same underlying connection.
	Approvals() approval.Store
	Audit() security.AuditStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
