package security

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/warden/internal/domain"
)

// Verdict is the gate's decision for a (user, tool) pair.
type Verdict int

const (
	// Deny: the tool requires a role the user does not hold.
	Deny Verdict = iota
	// Allow: execute immediately.
	Allow
	// RequireApproval: park the call until a human decides.
	RequireApproval
	// SelfApprove: approval-flagged, but the user's role may approve its own calls.
	SelfApprove
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RequireApproval:
		return "require_approval"
	case SelfApprove:
		return "self_approve"
	default:
		return "deny"
	}
}

// Guarded is the part of a tool the gate inspects.
type Guarded interface {
	Name() string
	RequiredRole() domain.Role
	RequiresApproval() bool
}

// GateConfig configures the authorization gate.
type GateConfig struct {
	// ExemptRoles may self-approve approval-flagged calls. Nil means {Manager}.
	ExemptRoles []domain.Role
}

// Gate is a pure decision function over (user, tool). It keeps no state
// beyond its configuration and is safe for concurrent use.
type Gate struct {
	exempt map[domain.Role]bool
	logger *slog.Logger
}

// NewGate creates a gate.
func NewGate(cfg GateConfig, logger *slog.Logger) *Gate {
	roles := cfg.ExemptRoles
	if roles == nil {
		roles = []domain.Role{domain.RoleManager}
	}
	g := &Gate{exempt: make(map[domain.Role]bool, len(roles)), logger: logger}
	for _, r := range roles {
		g.exempt[r] = true
	}
	return g
}

// Authorize decides whether user may invoke tool. The role check runs first
// and wins over any approval logic: a Deny verdict carries an error wrapping
// ErrAuthorizationDenied.
func (g *Gate) Authorize(ctx context.Context, user domain.User, tool Guarded) (Verdict, error) {
	if required := tool.RequiredRole(); required != "" && user.Role != required {
		g.logger.WarnContext(ctx, "authorization denied: role mismatch",
			slog.String("user", user.String()),
			slog.String("tool", tool.Name()),
			slog.String("required_role", string(required)),
		)
		return Deny, fmt.Errorf("%w: %s requires role %s, %s has %s",
			ErrAuthorizationDenied, tool.Name(), required, user.Name, user.Role)
	}

	if !tool.RequiresApproval() {
		return Allow, nil
	}
	if g.CanSelfApprove(user) {
		return SelfApprove, nil
	}
	return RequireApproval, nil
}

// CanSelfApprove reports whether the user's role is exempt from approval.
func (g *Gate) CanSelfApprove(user domain.User) bool {
	return g.exempt[user.Role]
}
