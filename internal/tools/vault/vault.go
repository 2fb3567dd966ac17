// Package vault provides the secret_lookup tool. It reads through the
// secrets collaborator and only ever renders redacted values.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/warden/internal/secrets"
	"github.com/jkaninda/warden/internal/tools"
)

// Name is the registry key of the tool.
const Name = "secret_lookup"

type contextKey struct{}

// ContextWithLookup scopes a per-request lookup (e.g. the secrets forwarded
// with the request) ahead of the tool's default store.
func ContextWithLookup(ctx context.Context, l secrets.Lookup) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// Tool reports whether a named secret exists and shows its redacted form.
type Tool struct {
	tools.Info
	fallback secrets.Lookup
}

var _ tools.Tool = (*Tool)(nil)

// New creates the tool. fallback may be nil.
func New(fallback secrets.Lookup) *Tool {
	return &Tool{
		Info: tools.Info{
			ToolName: Name,
			Summary:  "Looks up a secret by name and returns a redacted preview.",
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "Secret name"},
				},
				"required": []string{"name"},
			},
			Output: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":   map[string]any{"type": "string"},
					"found":  map[string]any{"type": "boolean"},
					"masked": map[string]any{"type": "string"},
					"source": map[string]any{"type": "string"},
				},
			},
			Volatile: true,
		},
		fallback: fallback,
	}
}

func (t *Tool) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	name := args.String("name")

	scoped, _ := ctx.Value(contextKey{}).(secrets.Lookup)
	r, err := secrets.NewChain(scoped, t.fallback).Lookup(ctx, name)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		return &tools.Result{
			Output:  map[string]any{"name": name, "found": false},
			Summary: fmt.Sprintf("No secret named %q is available to you.", name),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output: map[string]any{
			"name":   r.Name,
			"found":  true,
			"masked": r.Masked,
			"source": r.Source,
		},
		Summary: fmt.Sprintf("Secret %q is set (%d characters, ending %s).", r.Name, r.Length, r.Masked),
	}, nil
}
