package lql

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Eval evaluates a parsed expression against payload bindings. It is a
// pure function: same env and node always produce the same value.
func Eval(env map[string]any, node Node) (any, error) {
	switch n := node.(type) {
	case Literal:
		return n.Value, nil
	case Ident:
		return normalize(env[n.Name]), nil
	case Call:
		b, ok := builtins[n.Name]
		if !ok {
			return nil, fmt.Errorf("unknown function: %s", n.Name)
		}
		if len(n.Args) < b.minArgs {
			return nil, fmt.Errorf("%s: want at least %d args, got %d", n.Name, b.minArgs, len(n.Args))
		}
		if b.maxArgs >= 0 && len(n.Args) > b.maxArgs {
			return nil, fmt.Errorf("%s: want at most %d args, got %d", n.Name, b.maxArgs, len(n.Args))
		}
		args := make([]any, len(n.Args))
		for i, argNode := range n.Args {
			v, err := Eval(env, argNode)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		if b.propagateNull {
			for _, a := range args {
				if a == nil {
					return nil, nil
				}
			}
		}
		return b.fn(args)
	default:
		return nil, fmt.Errorf("unknown AST node %T", node)
	}
}

// EvalString parses and evaluates in one step, for callers holding raw
// expression text.
func EvalString(env map[string]any, expr string) (any, error) {
	node, err := Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	return Eval(env, node)
}

// normalize maps decoded-JSON values into the evaluator's domain: string,
// int64, float64, nil. json.Number arrives from payload decoding.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return string(x)
	case float64, int64, string, nil, bool:
		return x
	case int:
		return int64(x)
	default:
		return fmt.Sprint(x)
	}
}

// coerceString renders a value in its canonical string form. nil is the
// caller's concern; this never receives it on null-propagating builtins.
func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}
