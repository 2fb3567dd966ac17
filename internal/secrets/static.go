package secrets

import (
	"context"
	"fmt"

	"github.com/jkaninda/warden/internal/protocol"
)

// StaticStore serves the secrets forwarded with a request.
type StaticStore struct {
	values map[string]protocol.Secret
}

var _ Lookup = (*StaticStore)(nil)

// NewStaticStore indexes entries by case-insensitive name. Later entries win.
func NewStaticStore(entries []protocol.Secret) *StaticStore {
	s := &StaticStore{values: make(map[string]protocol.Secret, len(entries))}
	for _, e := range entries {
		s.values[normalize(e.Name)] = e
	}
	return s
}

func (s *StaticStore) Name() string { return "request" }

func (s *StaticStore) Lookup(_ context.Context, name string) (Redacted, error) {
	e, ok := s.values[normalize(name)]
	if !ok {
		return Redacted{}, fmt.Errorf("%w: %q", ErrSecretNotFound, name)
	}
	return redacted(e.Name, e.Value, s.Name()), nil
}
