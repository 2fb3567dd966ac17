package postgres

import (
	"context"
	"fmt"
	"slices"

	"gorm.io/gorm"

	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
)

// defaultAuditLimit bounds List when the filter sets no limit.
const defaultAuditLimit = 100

// AuditRepository implements security.AuditStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

var _ security.AuditStore = (*AuditRepository)(nil)

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event. This is the only write method:
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, event *protocol.AuditEvent) error {
	model, err := toAuditModel(event)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// List returns the most recent matching events in emission order.
func (r *AuditRepository) List(ctx context.Context, filter security.AuditFilter) ([]protocol.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	q := r.db.WithContext(ctx).Order("seq DESC").Limit(limit)
	if filter.User != "" {
		q = q.Where("user_name = ?", filter.User)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	slices.Reverse(models)

	events := make([]protocol.AuditEvent, 0, len(models))
	for i := range models {
		e, err := toAuditDomain(&models[i])
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
