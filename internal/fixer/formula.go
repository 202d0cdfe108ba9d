package fixer

import (
	"fmt"
	"strconv"

	"github.com/tempestra/climate-lra/internal/dataset"
)

// operand is either a scalar constant or a field pulled from the dataset.
type operand struct {
	field  *dataset.Field
	scalar float64
}

// evalFormula evaluates an arithmetic expression over the dataset's variables,
// for example "2*lsp+cp" or "ssr-str". The four basic operators are applied in
// the fixed priority order division, multiplication, subtraction, addition;
// parentheses are not supported. A reference to a missing variable returns an
// error so the caller can skip the derived variable.
func evalFormula(expr string, d *dataset.Dataset) (*dataset.Field, error) {
	tokens := splitTokens(expr)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("fixer: empty formula")
	}
	if len(tokens) == 1 {
		op, err := resolveOperand(tokens[0], d)
		if err != nil {
			return nil, err
		}
		if op.field == nil {
			return nil, fmt.Errorf("fixer: formula %q has no variable operand", expr)
		}
		return op.field.Copy(), nil
	}
	// Leading minus negates the first operand.
	if tokens[0] == "-" {
		tokens = append([]string{"0"}, tokens...)
	}

	ops := make([]operand, 0, len(tokens))
	kinds := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch tok {
		case "/", "*", "-", "+":
			ops = append(ops, operand{})
			kinds = append(kinds, tok)
		default:
			op, err := resolveOperand(tok, d)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			kinds = append(kinds, "")
		}
	}

	for _, p := range []string{"/", "*", "-", "+"} {
		for i := 0; i < len(kinds); i++ {
			if kinds[i] != p {
				continue
			}
			if i == 0 || i+1 >= len(kinds) || kinds[i-1] != "" || kinds[i+1] != "" {
				return nil, fmt.Errorf("fixer: malformed formula %q", expr)
			}
			combined, err := apply(p, ops[i-1], ops[i+1])
			if err != nil {
				return nil, fmt.Errorf("fixer: formula %q: %w", expr, err)
			}
			ops[i-1] = combined
			ops = append(ops[:i], ops[i+2:]...)
			kinds = append(kinds[:i], kinds[i+2:]...)
			i--
		}
	}
	if len(ops) != 1 || ops[0].field == nil {
		return nil, fmt.Errorf("fixer: formula %q did not reduce to a field", expr)
	}
	return ops[0].field, nil
}

func splitTokens(expr string) []string {
	var out []string
	var buf []rune
	flush := func() {
		if len(buf) > 0 {
			out = append(out, string(buf))
			buf = buf[:0]
		}
	}
	for _, r := range expr {
		switch r {
		case '+', '-', '*', '/':
			flush()
			out = append(out, string(r))
		case ' ', '\t':
			flush()
		default:
			buf = append(buf, r)
		}
	}
	flush()
	return out
}

func resolveOperand(tok string, d *dataset.Dataset) (operand, error) {
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		return operand{scalar: v}, nil
	}
	f, ok := d.Var(tok)
	if !ok {
		return operand{}, fmt.Errorf("fixer: formula operand %q not in dataset", tok)
	}
	return operand{field: f}, nil
}

func apply(op string, a, b operand) (operand, error) {
	fn := func(x, y float64) float64 {
		switch op {
		case "/":
			return x / y
		case "*":
			return x * y
		case "-":
			return x - y
		default:
			return x + y
		}
	}
	switch {
	case a.field == nil && b.field == nil:
		return operand{scalar: fn(a.scalar, b.scalar)}, nil
	case a.field != nil && b.field != nil:
		if len(a.field.Data.Elements) != len(b.field.Data.Elements) {
			return operand{}, fmt.Errorf("operand shapes differ: %v vs %v",
				a.field.Data.Shape, b.field.Data.Shape)
		}
		out := a.field.Copy()
		for i := range out.Data.Elements {
			out.Data.Elements[i] = fn(a.field.Data.Elements[i], b.field.Data.Elements[i])
		}
		return operand{field: out}, nil
	case a.field != nil:
		out := a.field.Copy()
		for i := range out.Data.Elements {
			out.Data.Elements[i] = fn(out.Data.Elements[i], b.scalar)
		}
		return operand{field: out}, nil
	default:
		out := b.field.Copy()
		for i := range out.Data.Elements {
			out.Data.Elements[i] = fn(a.scalar, out.Data.Elements[i])
		}
		return operand{field: out}, nil
	}
}
