package approval

import (
	"context"
	"time"
)

// Store is the persistence contract for approval requests.
// Implementations must enforce the state machine:
//   - Pending -> Approved
//   - Pending -> Rejected
//
// Once decided, status is immutable. Rows are never deleted.
type Store interface {
	// Insert persists a new pending request.
	Insert(ctx context.Context, r *Request) error
	// Get retrieves a request by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)
	// Decide atomically transitions a pending request. It returns the stored
	// request and whether this call changed it.
	Decide(ctx context.Context, id string, status Status, decidedBy string, at time.Time) (*Request, bool, error)
	// ListPending returns undecided requests, oldest first.
	ListPending(ctx context.Context) ([]*Request, error)
}
