// Package builtin assembles the closed set of tools shipped with the core.
// Adding a tool means adding its constructor here.
package builtin

import (
	"time"

	"github.com/jkaninda/warden/internal/documents"
	"github.com/jkaninda/warden/internal/secrets"
	"github.com/jkaninda/warden/internal/tools"
	"github.com/jkaninda/warden/internal/tools/calc"
	"github.com/jkaninda/warden/internal/tools/clock"
	"github.com/jkaninda/warden/internal/tools/docs"
	"github.com/jkaninda/warden/internal/tools/finance"
	"github.com/jkaninda/warden/internal/tools/vault"
)

// Deps are the collaborators the built-in tools read through.
type Deps struct {
	Now       func() time.Time   // nil = time.Now
	Secrets   secrets.Lookup     // default secret store; may be nil
	Documents documents.Searcher // nil = empty library
}

// Tools returns a fresh instance of every built-in tool.
func Tools(d Deps) []tools.Tool {
	library := d.Documents
	if library == nil {
		library = documents.NewIndex()
	}
	return []tools.Tool{
		clock.New(d.Now),
		calc.New(),
		finance.NewSalesAnalysis(),
		finance.NewReport(),
		finance.NewTransfer(),
		vault.New(d.Secrets),
		docs.New(library),
	}
}

// NewRegistry returns a registry holding every built-in tool.
func NewRegistry(d Deps) *tools.Registry {
	return tools.NewRegistry(Tools(d)...)
}
