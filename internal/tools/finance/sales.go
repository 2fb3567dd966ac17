package finance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools"
)

// SalesAnalysisName is the registry key of the sales analysis tool.
const SalesAnalysisName = "sales_data_analysis"

var productLines = []string{"Analytics Suite", "Data Connectors", "Support Plans", "Training"}

// SalesAnalysis breaks down sales by product line for a region and period.
type SalesAnalysis struct {
	tools.Info
}

var _ tools.Tool = (*SalesAnalysis)(nil)

// NewSalesAnalysis creates the sales analysis tool.
func NewSalesAnalysis() *SalesAnalysis {
	return &SalesAnalysis{Info: tools.Info{
		ToolName: SalesAnalysisName,
		Summary:  "Analyzes sales by product line for a region and period.",
		Input: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"region": map[string]any{"type": "string", "description": "Sales region, e.g. EMEA. Defaults to all regions."},
				"period": map[string]any{"type": "string", "description": "Reporting period, e.g. Q3. Defaults to last quarter."},
			},
		},
		Output: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"region":        map[string]any{"type": "string"},
				"period":        map[string]any{"type": "string"},
				"total_revenue": map[string]any{"type": "number"},
				"total_units":   map[string]any{"type": "number"},
				"top_product":   map[string]any{"type": "string"},
			},
		},
	}}
}

func (s *SalesAnalysis) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	region := args.String("region")
	if region == "" {
		region = "all regions"
	}
	period := args.String("period")
	if period == "" {
		period = "last quarter"
	}

	r := newRand("sales", region, period)
	table := &protocol.Table{
		Title:   fmt.Sprintf("Sales by product line, %s, %s", region, period),
		Columns: []string{"Product", "Units", "Revenue", "Share"},
	}

	type line struct {
		product string
		units   float64
		revenue float64
	}
	lines := make([]line, len(productLines))
	var totalUnits, totalRevenue float64
	for i, p := range productLines {
		units := between(r, 120, 2400)
		revenue := units * between(r, 90, 1400)
		lines[i] = line{p, units, revenue}
		totalUnits += units
		totalRevenue += revenue
	}

	top := lines[0]
	for _, l := range lines {
		if l.revenue > top.revenue {
			top = l
		}
		table.Rows = append(table.Rows, []string{
			l.product,
			strconv.FormatFloat(l.units, 'f', 0, 64),
			formatUSD(l.revenue),
			formatPercent(l.revenue / totalRevenue),
		})
	}

	return &tools.Result{
		Output: map[string]any{
			"region":        region,
			"period":        period,
			"total_revenue": totalRevenue,
			"total_units":   totalUnits,
			"top_product":   top.product,
		},
		Summary: fmt.Sprintf("Sales for %s in %s totalled %s across %d product lines. %s led with %s (%s of revenue).",
			region, period, formatUSD(totalRevenue), len(lines),
			top.product, formatUSD(top.revenue), formatPercent(top.revenue/totalRevenue)),
		Table: table,
	}, nil
}
