package lql

import (
	"fmt"
	"strings"
	"time"
)

// builtin describes one function: arity bounds (maxArgs -1 means
// variadic), whether a nil argument short-circuits to nil, and the
// implementation.
type builtin struct {
	minArgs       int
	maxArgs       int
	propagateNull bool
	fn            func(args []any) (any, error)
}

var builtins = map[string]builtin{
	"upper": {1, 1, true, func(args []any) (any, error) {
		return strings.ToUpper(coerceString(args[0])), nil
	}},
	"lower": {1, 1, true, func(args []any) (any, error) {
		return strings.ToLower(coerceString(args[0])), nil
	}},
	"trim": {1, 1, true, func(args []any) (any, error) {
		return strings.TrimSpace(coerceString(args[0])), nil
	}},
	"length": {1, 1, true, func(args []any) (any, error) {
		return int64(len([]rune(coerceString(args[0])))), nil
	}},
	"concat": {1, -1, false, func(args []any) (any, error) {
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(coerceString(a)) // nil renders as ""
		}
		return sb.String(), nil
	}},
	"coalesce": {1, -1, false, func(args []any) (any, error) {
		for _, a := range args {
			if a == nil {
				continue
			}
			if s, ok := a.(string); ok && s == "" {
				continue
			}
			return a, nil
		}
		return nil, nil
	}},
	"substring": {3, 3, true, func(args []any) (any, error) {
		s := []rune(coerceString(args[0]))
		start, err := intArg("substring", "start", args[1])
		if err != nil {
			return nil, err
		}
		length, err := intArg("substring", "len", args[2])
		if err != nil {
			return nil, err
		}
		if start < 1 {
			start = 1
		}
		begin := int(start - 1)
		if begin >= len(s) || length <= 0 {
			return "", nil
		}
		end := begin + int(length)
		if end > len(s) {
			end = len(s)
		}
		return string(s[begin:end]), nil
	}},
	"left": {2, 2, true, func(args []any) (any, error) {
		s := []rune(coerceString(args[0]))
		n, err := intArg("left", "n", args[1])
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return "", nil
		}
		if int(n) > len(s) {
			n = int64(len(s))
		}
		return string(s[:n]), nil
	}},
	"right": {2, 2, true, func(args []any) (any, error) {
		s := []rune(coerceString(args[0]))
		n, err := intArg("right", "n", args[1])
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return "", nil
		}
		if int(n) > len(s) {
			n = int64(len(s))
		}
		return string(s[len(s)-int(n):]), nil
	}},
	"replace": {3, 3, true, func(args []any) (any, error) {
		return strings.ReplaceAll(
			coerceString(args[0]), coerceString(args[1]), coerceString(args[2])), nil
	}},
	"dateFormat": {2, 2, true, func(args []any) (any, error) {
		t, err := parseISO(coerceString(args[0]))
		if err != nil {
			return nil, fmt.Errorf("dateFormat: %w", err)
		}
		return t.UTC().Format(translateFormat(coerceString(args[1]))), nil
	}},
}

func intArg(fn, name string, v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%s: %s must be a number, got %T", fn, name, v)
	}
}

// isoLayouts are the accepted input shapes for dateFormat, most precise
// first.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseISO(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as ISO-8601", s)
}

// formatReplacer maps the conventional date tokens onto Go's reference
// time.
var formatReplacer = strings.NewReplacer(
	"yyyy", "2006",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

func translateFormat(fmt string) string {
	return formatReplacer.Replace(fmt)
}
