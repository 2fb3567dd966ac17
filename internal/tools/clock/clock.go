// Package clock provides the current_datetime_tool.
package clock

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/jkaninda/warden/internal/tools"
)

// Name is the registry key of the tool.
const Name = "current_datetime_tool"

// Tool reports the current date and time as an ISO-8601 timestamp.
type Tool struct {
	tools.Info
	now func() time.Time
}

var _ tools.Tool = (*Tool)(nil)

// New creates the tool. A nil now defaults to time.Now.
func New(now func() time.Time) *Tool {
	if now == nil {
		now = time.Now
	}
	return &Tool{
		Info: tools.Info{
			ToolName: Name,
			Summary:  "Returns the current date and time as an ISO-8601 timestamp.",
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA time zone name, e.g. Europe/Paris. Defaults to UTC.",
					},
				},
			},
			Output: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"datetime": map[string]any{"type": "string", "format": "date-time"},
					"timezone": map[string]any{"type": "string"},
				},
			},
			Volatile: true,
		},
		now: now,
	}
}

func (t *Tool) Execute(_ context.Context, args tools.Args) (*tools.Result, error) {
	loc := time.UTC
	if tz := args.String("timezone"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", tools.ErrInvalidArgument, tz)
		}
		loc = l
	}

	now := t.now().In(loc)
	stamp := now.Format(time.RFC3339)
	return &tools.Result{
		Output: map[string]any{
			"datetime": stamp,
			"timezone": loc.String(),
		},
		Summary: fmt.Sprintf("The current date and time is %s (%s).", stamp, loc.String()),
	}, nil
}
