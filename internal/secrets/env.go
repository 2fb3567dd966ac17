package secrets

import (
	"context"
	"fmt"
	"strings"

	goutils "github.com/jkaninda/go-utils"
)

// DefaultEnvPrefix is prepended to the variable name derived from a secret name.
const DefaultEnvPrefix = "WARDEN_SECRET_"

// EnvStore resolves secrets from environment variables. The secret
// "stripe-api key" maps to WARDEN_SECRET_STRIPE_API_KEY.
type EnvStore struct {
	prefix string
}

var _ Lookup = (*EnvStore)(nil)

// NewEnvStore creates an environment-backed store. An empty prefix uses DefaultEnvPrefix.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvStore{prefix: prefix}
}

func (s *EnvStore) Name() string { return "env" }

func (s *EnvStore) Lookup(_ context.Context, name string) (Redacted, error) {
	variable := s.variable(name)
	if variable == s.prefix {
		return Redacted{}, fmt.Errorf("%w: empty name", ErrSecretNotFound)
	}
	value := goutils.Env(variable, "")
	if value == "" {
		return Redacted{}, fmt.Errorf("%w: %q", ErrSecretNotFound, name)
	}
	return redacted(name, value, s.Name()), nil
}

func (s *EnvStore) variable(name string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
