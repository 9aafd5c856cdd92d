package scope

import (
	"fmt"
	"strings"
)

// Operator combines the two interpolated operand series.
type Operator string

const (
	OpAdd      Operator = "add"
	OpSubtract Operator = "subtract"
	OpMultiply Operator = "multiply"
	OpMin      Operator = "min"
	OpMax      Operator = "max"
)

// Operators lists the supported operators in display order.
func Operators() []Operator {
	return []Operator{OpAdd, OpSubtract, OpMultiply, OpMin, OpMax}
}

// ParseOperator accepts an operator name or its symbol.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add", "+":
		return OpAdd, nil
	case "subtract", "-":
		return OpSubtract, nil
	case "multiply", "*":
		return OpMultiply, nil
	case "min", "<- min ->":
		return OpMin, nil
	case "max", "<- max ->":
		return OpMax, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownOperator)
	}
}

// Symbol returns the operator's mathematical symbol.
func (o Operator) Symbol() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSubtract:
		return "-"
	case OpMultiply:
		return "*"
	case OpMin:
		return "<- min ->"
	case OpMax:
		return "<- max ->"
	}
	return string(o)
}

// Apply combines a and b element-wise. Both have the same length.
func (o Operator) Apply(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		switch o {
		case OpSubtract:
			out[i] = a[i] - b[i]
		case OpMultiply:
			out[i] = a[i] * b[i]
		case OpMin:
			out[i] = min(a[i], b[i])
		case OpMax:
			out[i] = max(a[i], b[i])
		default:
			out[i] = a[i] + b[i]
		}
	}
	return out
}
