package finance

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/tools"
)

// TransferName is the registry key of the funds transfer tool.
const TransferName = "transfer_funds"

// Transfer records an outgoing payment. Any role may request it, but a
// human must approve it unless the requester may self-approve.
type Transfer struct {
	tools.Info
	newID func() string
}

var _ tools.Tool = (*Transfer)(nil)

// NewTransfer creates the funds transfer tool.
func NewTransfer() *Transfer {
	return &Transfer{
		Info: tools.Info{
			ToolName: TransferName,
			Summary:  "Transfers an amount in USD to a named recipient. Requires approval.",
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"amount":    map[string]any{"type": "number", "description": "Amount in USD"},
					"recipient": map[string]any{"type": "string", "description": "Payee name"},
				},
				"required": []string{"amount", "recipient"},
			},
			Output: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirmation": map[string]any{"type": "string"},
					"amount":       map[string]any{"type": "number"},
					"recipient":    map[string]any{"type": "string"},
					"initiated_by": map[string]any{"type": "string"},
				},
			},
			NeedsSignOff: true,
			Volatile:     true,
		},
		newID: func() string { return uuid.New().String() },
	}
}

func (t *Transfer) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	amount, err := args.Float("amount")
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", tools.ErrInvalidArgument)
	}
	recipient := args.String("recipient")

	initiator := "unknown"
	if u, ok := tools.UserFromContext(ctx); ok {
		initiator = u.String()
	}

	confirmation := t.newID()
	return &tools.Result{
		Output: map[string]any{
			"confirmation": confirmation,
			"amount":       amount,
			"recipient":    recipient,
			"initiated_by": initiator,
		},
		Summary: fmt.Sprintf("Transferred %s to %s (confirmation %s).", formatUSD(amount), recipient, confirmation),
	}, nil
}
