package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/jkaninda/warden/internal/tools/calc"
	"github.com/jkaninda/warden/internal/tools/clock"
	"github.com/jkaninda/warden/internal/tools/docs"
	"github.com/jkaninda/warden/internal/tools/finance"
	"github.com/jkaninda/warden/internal/tools/vault"
)

// Intent is the router's selection: which tool to call, with what
// arguments, and the acknowledgment shown before it runs.
type Intent struct {
	ToolName string
	Args     map[string]any
	Ack      string
}

// Router maps raw user input to a tool invocation. ok is false when no
// tool applies; the orchestrator then replies with generic text.
type Router interface {
	Route(ctx context.Context, input string) (intent Intent, ok bool)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, input string) (Intent, bool)

func (f RouterFunc) Route(ctx context.Context, input string) (Intent, bool) { return f(ctx, input) }

// Rule binds an input pattern to a tool. Args receives the submatches of
// Pattern and may be nil for tools without arguments.
type Rule struct {
	Pattern *regexp.Regexp
	Tool    string
	Args    func(match []string) map[string]any
	Ack     string
}

// PatternRouter tries its rules in order; the first match wins.
type PatternRouter struct {
	rules []Rule
}

var _ Router = (*PatternRouter)(nil)

// NewPatternRouter creates a router. With no rules it uses DefaultRules.
func NewPatternRouter(rules ...Rule) *PatternRouter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &PatternRouter{rules: rules}
}

func (r *PatternRouter) Route(_ context.Context, input string) (Intent, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Intent{}, false
	}
	for _, rule := range r.rules {
		m := rule.Pattern.FindStringSubmatch(input)
		if m == nil {
			continue
		}
		args := map[string]any{}
		if rule.Args != nil {
			for k, v := range rule.Args(m) {
				if v != nil && v != "" {
					args[k] = v
				}
			}
		}
		return Intent{ToolName: rule.Tool, Args: args, Ack: rule.Ack}, true
	}
	return Intent{}, false
}

var (
	reportPattern   = regexp.MustCompile(`(?i)\b(?:financial|quarterly)?\s*report\b(?:.*?\b(q[1-4])\b)?`)
	transferPattern = regexp.MustCompile(`(?i)\b(?:transfer|pay|wire)\b(?:\D*?([0-9][0-9,]*(?:\.[0-9]+)?))?(?:.*?\bto\s+([A-Za-z][\w.'-]*))?`)
	salesPattern    = regexp.MustCompile(`(?i)\bsales\b(?:.*?\b(north|south|east|west|emea|apac|americas|global)\b)?(?:.*?\b(q[1-4]|ytd|last\s+(?:month|quarter|year)|this\s+(?:month|quarter|year))\b)?`)
	timePattern     = regexp.MustCompile(`(?i)\b(?:what\s+time|time\s+is\s+it|current\s+time|date|today|clock)\b(?:.*?\bin\s+([A-Za-z_]+/[A-Za-z_]+|UTC))?`)
	calcPattern     = regexp.MustCompile(`(?i)^(?:(?:calculate|compute|what\s+is|what's|eval(?:uate)?)\s+)?([-+*/%().0-9\s]*[0-9][-+*/%().0-9\s]*[-+*/%][-+*/%().0-9\s]*)\??$`)
	secretPattern   = regexp.MustCompile(`(?i)\b(?:secret|credential|api\s*key|token)\b(?:\s+(?:named|called|for))?\s+([A-Za-z0-9_.-]+)`)
	docsPattern     = regexp.MustCompile(`(?i)\b(?:search|find|look\s*up|lookup)\b\s+(?:(?:the\s+)?(?:docs?|documents?|documentation|policies|policy)\s+(?:for|about|on)\s+)?(.+?)\s*[.?!]?$`)
)

// DefaultRules returns one rule per built-in tool. More specific rules
// come first so "report on sales" reaches the report tool.
func DefaultRules() []Rule {
	return []Rule{
		{
			Pattern: reportPattern,
			Tool:    finance.ReportName,
			Args: func(m []string) map[string]any {
				return map[string]any{"quarter": strings.ToUpper(m[1])}
			},
			Ack: "Generating the financial report.",
		},
		{
			Pattern: transferPattern,
			Tool:    finance.TransferName,
			Args: func(m []string) map[string]any {
				args := map[string]any{"recipient": strings.TrimSpace(m[2])}
				if amount, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
					args["amount"] = amount
				}
				return args
			},
			Ack: "Preparing the funds transfer.",
		},
		{
			Pattern: salesPattern,
			Tool:    finance.SalesAnalysisName,
			Args: func(m []string) map[string]any {
				return map[string]any{
					"region": strings.ToLower(m[1]),
					"period": strings.ToLower(strings.Join(strings.Fields(m[2]), " ")),
				}
			},
			Ack: "Analyzing sales data.",
		},
		{
			Pattern: timePattern,
			Tool:    clock.Name,
			Args: func(m []string) map[string]any {
				return map[string]any{"timezone": m[1]}
			},
			Ack: "Checking the clock.",
		},
		{
			Pattern: calcPattern,
			Tool:    calc.Name,
			Args: func(m []string) map[string]any {
				return map[string]any{"expression": strings.TrimSpace(m[1])}
			},
			Ack: "Calculating.",
		},
		{
			Pattern: secretPattern,
			Tool:    vault.Name,
			Args: func(m []string) map[string]any {
				return map[string]any{"name": m[1]}
			},
			Ack: "Checking the vault.",
		},
		{
			Pattern: docsPattern,
			Tool:    docs.Name,
			Args: func(m []string) map[string]any {
				return map[string]any{"query": strings.TrimSpace(m[1])}
			},
			Ack: "Searching the documents.",
		},
	}
}
