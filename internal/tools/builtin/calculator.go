package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ashureev/pte-agent/internal/tools"
)

const maxExpressionLength = 500

// calcEnv is the only state an expression can see. abs, round, min and max
// come from the expression language itself.
var calcEnv = map[string]any{
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"pi":    math.Pi,
	"e":     math.E,
}

var errEmptyExpression = errors.New("expression is empty")

func newCalculator(Deps) (tools.Tool, error) {
	return tools.New(tools.MustBuiltin("calculator"), func(_ context.Context, in tools.Input) (string, error) {
		return Calculate(in.String("expression"))
	}), nil
}

// Calculate evaluates a math expression.
func Calculate(expression string) (string, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", errEmptyExpression
	}
	if len(expression) > maxExpressionLength {
		return "", fmt.Errorf("expression longer than %d characters", maxExpressionLength)
	}

	program, err := expr.Compile(expression, expr.Env(calcEnv))
	if err != nil {
		return "", fmt.Errorf("calculation error: %w", err)
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return "", fmt.Errorf("calculation error: %w", err)
	}
	return formatNumber(out)
}

func formatNumber(v any) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fmt.Errorf("calculation error: result is %v", n)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(n), nil
	default:
		return "", fmt.Errorf("calculation error: non-numeric result %T", v)
	}
}
