package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID            string    `gorm:"primaryKey"`
	RequesterID   string    `gorm:"not null"`
	RequesterName string    `gorm:"not null"`
	RequesterRole string    `gorm:"not null"`
	ToolName      string    `gorm:"not null"`
	Args          JSONB     `gorm:"type:jsonb;not null"`
	Status        string    `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"index"`
	DecidedBy     string
	DecidedAt     *time.Time
}

func (ApprovalModel) TableName() string { return "approvals" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
// Seq preserves emission order among events sharing a timestamp.
type AuditEventModel struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"uniqueIndex;not null"`
	Type      string    `gorm:"not null;index"`
	UserName  string    `gorm:"column:user_name;not null;index"`
	Details   JSONB     `gorm:"type:jsonb;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&ApprovalModel{}, &AuditEventModel{}}
}
