package security

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jkaninda/warden/internal/domain"
)

// DirectoryConfig seeds the user directory.
type DirectoryConfig struct {
	Users       []domain.User
	DefaultRole domain.Role // role for IDs not in Users; "" = unknown users are rejected
}

// Directory resolves user IDs and names to users. Default-deny: an unknown
// ID without a default role is an error.
type Directory struct {
	mu          sync.RWMutex
	byID        map[string]domain.User
	defaultRole domain.Role
}

// NewDirectory builds a directory from cfg.
func NewDirectory(cfg DirectoryConfig) *Directory {
	d := &Directory{byID: make(map[string]domain.User, len(cfg.Users)), defaultRole: cfg.DefaultRole}
	for _, u := range cfg.Users {
		d.byID[u.ID] = u
	}
	return d
}

// Resolve returns the user with the given ID or, failing that, the given
// name (case-insensitive).
func (d *Directory) Resolve(idOrName string) (domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if u, ok := d.byID[idOrName]; ok {
		return u, nil
	}
	for _, u := range d.byID {
		if strings.EqualFold(u.Name, idOrName) {
			return u, nil
		}
	}
	if d.defaultRole != "" && idOrName != "" {
		return domain.User{ID: idOrName, Name: idOrName, Role: d.defaultRole}, nil
	}
	return domain.User{}, fmt.Errorf("%w: %q", ErrUnknownUser, idOrName)
}

// Users returns every configured user sorted by name.
func (d *Directory) Users() []domain.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.User, 0, len(d.byID))
	for _, u := range d.byID {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.User) int { return strings.Compare(a.Name, b.Name) })
	return out
}
