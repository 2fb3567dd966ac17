// Package tools defines the tool contract and the registry the orchestrator
// dispatches through. Each tool declares the role it requires and whether a
// human must approve it, so authorization can run before any side effect.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("tool not found")
	ErrMissingArgument = errors.New("missing required argument")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Tool is the interface every tool handler implements.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "current_datetime_tool").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the arguments.
	InputSchema() map[string]any

	// OutputSchema returns a JSON Schema object describing Result.Output.
	OutputSchema() map[string]any

	// RequiredRole is the only role allowed to invoke the tool, or "" for any.
	RequiredRole() domain.Role

	// RequiresApproval reports whether a human must sign off before execution.
	RequiresApproval() bool

	// Execute runs the tool. A returned error is an execution failure that the
	// executor renders in-band; it never aborts the event stream.
	Execute(ctx context.Context, args Args) (*Result, error)
}

// Result is the outcome of a successful tool execution.
type Result struct {
	// Output is the structured result carried by the ToolResult message.
	Output map[string]any `json:"output"`
	// Summary is the tool-specific natural-language rendering of Output.
	Summary string `json:"summary"`
	// Table is an optional secondary view. It accompanies Summary, never replaces it.
	Table *protocol.Table `json:"table,omitempty"`
}

// ExecutionError wraps a tool-internal failure.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Info implements the descriptor half of Tool. Handlers embed it and add Execute.
type Info struct {
	ToolName     string
	Summary      string
	Input        map[string]any
	Output       map[string]any
	Role         domain.Role
	NeedsSignOff bool
	// Volatile results depend on time, side effects or request-scoped
	// collaborators and are never served from the cache.
	Volatile     bool
}

func (i Info) Name() string { return i.ToolName }
func (i Info) Description() string { return i.Summary }
func (i Info) InputSchema() map[string]any { return i.Input }
func (i Info) OutputSchema() map[string]any { return i.Output }
func (i Info) RequiredRole() domain.Role { return i.Role }
func (i Info) RequiresApproval() bool { return i.NeedsSignOff }
func (i Info) Cacheable() bool { return !i.Volatile }

// Cacheable reports whether results of t may be cached. Tools that do not
// embed Info and do not declare a Cacheable method are cacheable.
func Cacheable(t Tool) bool {
	if c, ok := t.(interface{ Cacheable() bool }); ok {
		return c.Cacheable()
	}
	return true
}

// Args is the open key/value argument map of a ToolCall.
type Args map[string]any

// String returns the trimmed string value for key, or "" if absent.
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Float returns the numeric value for key. Strings holding numbers are accepted.
func (a Args) Float(key string) (float64, error) {
	switch v := a[key].(type) {
	case nil:
		return 0, fmt.Errorf("%w: %s", ErrMissingArgument, key)
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidArgument, key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidArgument, key, v)
	}
}

// Validate checks that every field listed under "required" in the tool's
// input schema is present and non-empty.
func Validate(t Tool, args Args) error {
	schema := t.InputSchema()
	if schema == nil {
		return nil
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	for _, field := range required {
		v, ok := args[field]
		if !ok || v == nil {
			return fmt.Errorf("%w: %s", ErrMissingArgument, field)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s", ErrMissingArgument, field)
		}
	}
	return nil
}

// TruncateOutput caps a string at maxBytes, appending an ellipsis if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "..."
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const userKey contextKey = iota

// ContextWithUser returns a new context carrying the acting user.
// The executor uses this to pass identity to Execute.
func ContextWithUser(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext extracts the acting user, if any.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userKey).(domain.User)
	return u, ok
}

// Registry is the static tool catalog keyed by name.
// Safe for concurrent reads; registration only happens at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Lookup returns the tool registered under name, or ErrNotFound.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// List returns all registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}
