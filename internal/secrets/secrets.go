// Package secrets defines the read-only secret lookup collaborator.
//
// Lookups never hand raw material to the conversation: callers receive a
// Redacted value that is safe to render, or ErrSecretNotFound.
package secrets

import (
	"context"
	"errors"
	"strings"
)

// ErrSecretNotFound is returned when no store holds the requested name.
var ErrSecretNotFound = errors.New("secret not found")

// Redacted is the conversation-safe view of a secret.
type Redacted struct {
	Name   string `json:"name"`
	Masked string `json:"masked"`
	Length int    `json:"length"`
	Source string `json:"source"`
}

// Lookup resolves secrets by name. Implementations must be safe for concurrent use.
type Lookup interface {
	// Lookup returns the redacted secret, or ErrSecretNotFound.
	Lookup(ctx context.Context, name string) (Redacted, error)

	// Name returns the store identifier for logging.
	Name() string
}

// Redact masks everything but the last four characters of value. Values of
// eight characters or fewer are fully masked.
func Redact(value string) string {
	const visible = 4
	runes := []rune(value)
	if len(runes) <= 2*visible {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-visible) + string(runes[len(runes)-visible:])
}

func redacted(name, value, source string) Redacted {
	return Redacted{
		Name:   name,
		Masked: Redact(value),
		Length: len([]rune(value)),
		Source: source,
	}
}

// normalize folds a secret name for case-insensitive matching.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
