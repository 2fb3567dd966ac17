package finance

import (
	"context"
	"fmt"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools"
)

// ReportName is the registry key of the financial report tool.
const ReportName = "generate_financial_report"

// Report produces a quarterly profit and loss statement.
// Restricted to Managers and gated on approval.
type Report struct {
	tools.Info
}

var _ tools.Tool = (*Report)(nil)

// NewReport creates the financial report tool.
func NewReport() *Report {
	return &Report{Info: tools.Info{
		ToolName: ReportName,
		Summary:  "Generates the quarterly financial report (revenue, costs, net income).",
		Input: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"quarter": map[string]any{"type": "string", "description": "Quarter to report on, e.g. Q2 2026. Defaults to the current quarter."},
			},
		},
		Output: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"quarter":    map[string]any{"type": "string"},
				"revenue":    map[string]any{"type": "number"},
				"net_income": map[string]any{"type": "number"},
				"margin":     map[string]any{"type": "number"},
			},
		},
		Role:         domain.RoleManager,
		NeedsSignOff: true,
	}}
}

func (rp *Report) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quarter := args.String("quarter")
	if quarter == "" {
		quarter = "current quarter"
	}

	r := newRand("report", quarter)
	revenue := between(r, 4_000_000, 9_000_000)
	cogs := revenue * (0.28 + r.Float64()*0.1)
	gross := revenue - cogs
	opex := revenue * (0.3 + r.Float64()*0.15)
	net := gross - opex
	margin := net / revenue

	table := &protocol.Table{
		Title:   "Financial report, " + quarter,
		Columns: []string{"Line item", "Amount", "% of revenue"},
		Rows: [][]string{
			{"Revenue", formatUSD(revenue), formatPercent(1)},
			{"Cost of goods sold", formatUSD(cogs), formatPercent(cogs / revenue)},
			{"Gross profit", formatUSD(gross), formatPercent(gross / revenue)},
			{"Operating expenses", formatUSD(opex), formatPercent(opex / revenue)},
			{"Net income", formatUSD(net), formatPercent(margin)},
		},
	}

	return &tools.Result{
		Output: map[string]any{
			"quarter":    quarter,
			"revenue":    revenue,
			"net_income": net,
			"margin":     margin,
		},
		Summary: fmt.Sprintf("Financial report for %s: revenue %s, gross profit %s, net income %s (%s margin).",
			quarter, formatUSD(revenue), formatUSD(gross), formatUSD(net), formatPercent(margin)),
		Table: table,
	}, nil
}
