package secrets

import (
	"context"
	"errors"
	"fmt"
)

// Chain tries each store in order; the first hit wins. Errors other than
// ErrSecretNotFound stop the search.
type Chain struct {
	stores []Lookup
}

var _ Lookup = (*Chain)(nil)

// NewChain creates a lookup delegating to the given stores in order. Nil stores are skipped.
func NewChain(stores ...Lookup) *Chain {
	c := &Chain{}
	for _, s := range stores {
		if s != nil {
			c.stores = append(c.stores, s)
		}
	}
	return c
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Lookup(ctx context.Context, name string) (Redacted, error) {
	for _, s := range c.stores {
		r, err := s.Lookup(ctx, name)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return Redacted{}, fmt.Errorf("%s store: %w", s.Name(), err)
		}
	}
	return Redacted{}, fmt.Errorf("%w: %q", ErrSecretNotFound, name)
}
