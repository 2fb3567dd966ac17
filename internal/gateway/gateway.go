// Package gateway defines the interface for user-facing entry points and the
// API key authentication they share.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/security"
)

// Gateway is a user-facing interface (CLI, HTTP, WebSocket, MCP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// ErrUnauthenticated is returned for a missing or unknown API key.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator maps API keys to directory users.
type Authenticator struct {
	keys      map[string]string // API key -> user ID or name
	directory *security.Directory
}

// NewAuthenticator creates an Authenticator. Keys are compared in constant time.
func NewAuthenticator(keys map[string]string, directory *security.Directory) *Authenticator {
	return &Authenticator{keys: keys, directory: directory}
}

// Authenticate resolves the bearer token of r to a user. The token is read
// from the Authorization header, or from the "token" query parameter for
// clients that cannot set headers (browsers opening a WebSocket).
func (a *Authenticator) Authenticate(r *http.Request) (domain.User, error) {
	token := BearerToken(r)
	if token == "" {
		return domain.User{}, fmt.Errorf("%w: missing API key", ErrUnauthenticated)
	}

	userRef := ""
	for key, ref := range a.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			userRef = ref
		}
	}
	if userRef == "" {
		return domain.User{}, fmt.Errorf("%w: invalid API key", ErrUnauthenticated)
	}

	u, err := a.directory.Resolve(userRef)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return u, nil
}

// Resolve looks a user up in the directory.
func (a *Authenticator) Resolve(idOrName string) (domain.User, error) {
	return a.directory.Resolve(idOrName)
}

// BearerToken extracts the API key from r.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type userKey struct{}

// ContextWithUser attaches the authenticated user to ctx.
func ContextWithUser(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the authenticated user stored by ContextWithUser.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userKey{}).(domain.User)
	return u, ok
}
