package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/jkaninda/warden/internal/protocol"
)

func TestRedact(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"short":             "*****",
		"12345678":          "********",
		"sk_live_abcd1234":  "************1234",
	}
	for in, want := range tests {
		if got := Redact(in); got != want {
			t.Errorf("Redact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStaticStore(t *testing.T) {
	s := NewStaticStore([]protocol.Secret{
		{Name: "Stripe Key", Value: "sk_live_abcd1234"},
	})
	got, err := s.Lookup(context.Background(), "stripe key")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Masked != "************1234" || got.Length != 16 || got.Source != "request" {
		t.Errorf("Lookup = %+v", got)
	}
	if _, err := s.Lookup(context.Background(), "other"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Lookup(other) error = %v, want ErrSecretNotFound", err)
	}
}

func TestEnvStore(t *testing.T) {
	t.Setenv("WARDEN_SECRET_DB_PASSWORD", "correct-horse-battery")
	s := NewEnvStore("")

	got, err := s.Lookup(context.Background(), "db-password")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Masked != Redact("correct-horse-battery") || got.Source != "env" {
		t.Errorf("Lookup = %+v", got)
	}
	if _, err := s.Lookup(context.Background(), "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Lookup(missing) error = %v", err)
	}
	if _, err := s.Lookup(context.Background(), " "); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Lookup(blank) error = %v", err)
	}
}

type failingStore struct{}

func (failingStore) Name() string { return "broken" }
func (failingStore) Lookup(context.Context, string) (Redacted, error) {
	return Redacted{}, errors.New("backend down")
}

func TestChain(t *testing.T) {
	req := NewStaticStore([]protocol.Secret{{Name: "api", Value: "from-request-1"}})
	t.Setenv("WARDEN_SECRET_API", "from-env-value")
	t.Setenv("WARDEN_SECRET_ONLY_ENV", "env-only-value")

	c := NewChain(req, nil, NewEnvStore(""))
	got, err := c.Lookup(context.Background(), "api")
	if err != nil || got.Source != "request" {
		t.Fatalf("Lookup(api) = %+v, %v; want request store hit", got, err)
	}
	got, err = c.Lookup(context.Background(), "only_env")
	if err != nil || got.Source != "env" {
		t.Fatalf("Lookup(only_env) = %+v, %v; want env store hit", got, err)
	}
	if _, err := c.Lookup(context.Background(), "nope"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Lookup(nope) error = %v", err)
	}

	broken := NewChain(failingStore{}, req)
	if _, err := broken.Lookup(context.Background(), "api"); err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("broken chain error = %v, want backend failure", err)
	}
}
