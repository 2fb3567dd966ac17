package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/warden/internal/approval"
)

// ApprovalRepository implements approval.Store with GORM.
// Rows are never deleted; a decision is written at most once.
type ApprovalRepository struct {
	db *gorm.DB
}

var _ approval.Store = (*ApprovalRepository)(nil)

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Insert persists a new pending request.
func (r *ApprovalRepository) Insert(ctx context.Context, req *approval.Request) error {
	model, err := toApprovalModel(req)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", approval.ErrDuplicate, req.ID)
		}
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

// Get retrieves an approval by ID.
func (r *ApprovalRepository) Get(ctx context.Context, id string) (*approval.Request, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *ApprovalRepository) get(db *gorm.DB, id string) (*approval.Request, error) {
	var model ApprovalModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return toApprovalDomain(&model)
}

// Decide transitions a pending approval. The status guard in the UPDATE
// makes concurrent deciders race on the row: exactly one of them changes it.
func (r *ApprovalRepository) Decide(ctx context.Context, id string, status approval.Status, decidedBy string, at time.Time) (*approval.Request, bool, error) {
	var (
		out     *approval.Request
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, string(approval.StatusPending)).
			Updates(map[string]any{
				"status":     string(status),
				"decided_by": decidedBy,
				"decided_at": at,
			})
		if res.Error != nil {
			return fmt.Errorf("deciding approval: %w", res.Error)
		}
		changed = res.RowsAffected == 1

		var err error
		out, err = r.get(tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// ListPending returns undecided requests, oldest first.
func (r *ApprovalRepository) ListPending(ctx context.Context) ([]*approval.Request, error) {
	var models []ApprovalModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(approval.StatusPending)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}

	out := make([]*approval.Request, 0, len(models))
	for i := range models {
		req, err := toApprovalDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
