// Package calc provides an arithmetic calculator tool.
//
// Expressions are parsed with go/parser and evaluated over float64. Only
// numeric literals, parentheses, unary +/- and the binary operators
// + - * / % are accepted; anything else is an invalid expression.
package calc

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"

	"github.com/jkaninda/warden/internal/tools"
)

// Name is the registry key of the tool.
const Name = "calculator"

// Sentinel errors.
var (
	ErrInvalidExpression = errors.New("invalid expression")
	ErrDivisionByZero    = errors.New("division by zero")
)

// Tool evaluates arithmetic expressions.
type Tool struct {
	tools.Info
}

var _ tools.Tool = (*Tool)(nil)

// New creates the calculator tool.
func New() *Tool {
	return &Tool{Info: tools.Info{
		ToolName: Name,
		Summary:  "Evaluates an arithmetic expression using + - * / % and parentheses.",
		Input: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Arithmetic expression, e.g. (12 + 30) * 2",
				},
			},
			"required": []string{"expression"},
		},
		Output: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string"},
				"result":     map[string]any{"type": "number"},
			},
		},
	}}
}

func (t *Tool) Execute(_ context.Context, args tools.Args) (*tools.Result, error) {
	expr := args.String("expression")
	value, err := Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output: map[string]any{
			"expression": expr,
			"result":     value,
		},
		Summary: fmt.Sprintf("%s = %s", expr, format(value)),
	}, nil
}

// Evaluate parses and computes expr.
func Evaluate(expr string) (float64, error) {
	expr = strings.NewReplacer("×", "*", "÷", "/").Replace(strings.TrimSpace(expr))
	if expr == "" {
		return 0, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result is not finite", ErrInvalidExpression)
	}
	return v, nil
}

func eval(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("%w: unexpected literal %s", ErrInvalidExpression, n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return eval(n.X)
	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x, nil
		case token.SUB:
			return -x, nil
		}
		return 0, fmt.Errorf("%w: unsupported operator %s", ErrInvalidExpression, n.Op)
	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, ErrDivisionByZero
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, ErrDivisionByZero
			}
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("%w: unsupported operator %s", ErrInvalidExpression, n.Op)
	default:
		return 0, fmt.Errorf("%w: unsupported term", ErrInvalidExpression)
	}
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
