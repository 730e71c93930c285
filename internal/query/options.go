package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Recognized option keys.
const (
	OptColumns = "columns"
	OptWhere   = "where"
	OptGroupBy = "groupBy"
	OptOrderBy = "orderBy"
	OptLimit   = "limit"
)

// Options is the declarative form of a filter on a table.
type Options struct {
	Columns []string
	Where   string
	Args    []any // bind arguments of Where
	GroupBy []string
	OrderBy []Order
	Limit   int
}

// IsZero reports whether no option is set.
func (o Options) IsZero() bool {
	return len(o.Columns) == 0 && o.Where == "" && len(o.GroupBy) == 0 &&
		len(o.OrderBy) == 0 && o.Limit == 0
}

// ParseOptions converts a generic option map, as decoded from JSON, YAML or
// query parameters, into Options. Unknown keys are rejected.
func ParseOptions(m map[string]any) (Options, error) {
	var opts Options
	for key, v := range m {
		var err error
		switch key {
		case OptColumns:
			opts.Columns, err = stringList(key, v)
		case OptWhere:
			opts.Where, err = stringValue(key, v)
		case OptGroupBy:
			opts.GroupBy, err = stringList(key, v)
		case OptOrderBy:
			opts.OrderBy, err = orderList(v)
		case OptLimit:
			opts.Limit, err = intValue(key, v)
			if err == nil && opts.Limit < 0 {
				err = invalidOption(key, v, "limit must not be negative")
			}
		default:
			err = &domain.ValidationError{
				Field:      key,
				Value:      v,
				Constraint: "columns|where|groupBy|orderBy|limit",
				Message:    "unknown option",
			}
		}
		if err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

func invalidOption(key string, v any, msg string) error {
	return &domain.ValidationError{
		Field:      key,
		Value:      v,
		Constraint: "option " + key,
		Message:    msg,
	}
}

func stringValue(key string, v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		return "", invalidOption(key, v, fmt.Sprintf("expected string, got %T", v))
	}
}

func stringList(key string, v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, invalidOption(key, v, fmt.Sprintf("expected string element, got %T", e))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalidOption(key, v, fmt.Sprintf("expected string or list, got %T", v))
	}
}

// orderList accepts a column list, a column to direction map or a list
// mixing columns and single entry maps. Map keys have no order, so a map
// with several columns is sorted by column name; use a list to keep the
// sort priority.
func orderList(v any) ([]Order, error) {
	switch t := v.(type) {
	case []any:
		out := make([]Order, 0, len(t))
		for _, e := range t {
			switch item := e.(type) {
			case string:
				out = append(out, Order{Column: item})
			case map[string]any:
				if len(item) != 1 {
					return nil, invalidOption(OptOrderBy, e, "expected a single column per list item")
				}
				o, err := orderList(item)
				if err != nil {
					return nil, err
				}
				out = append(out, o...)
			default:
				return nil, invalidOption(OptOrderBy, e, fmt.Sprintf("expected column or map, got %T", e))
			}
		}
		return out, nil
	case map[string]any:
		return orderMap(t, func(e any) (string, bool) {
			s, ok := e.(string)
			return s, ok
		})
	case map[string]string:
		return orderMap(t, func(e string) (string, bool) { return e, true })
	default:
		cols, err := stringList(OptOrderBy, v)
		if err != nil {
			return nil, err
		}
		out := make([]Order, len(cols))
		for i, c := range cols {
			out[i] = Order{Column: c}
		}
		return out, nil
	}
}

func orderMap[V any](m map[string]V, str func(V) (string, bool)) ([]Order, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Order, 0, len(m))
	for _, k := range keys {
		s, ok := str(m[k])
		if !ok {
			return nil, invalidOption(OptOrderBy, m[k], "expected ASC or DESC")
		}
		dir, err := ParseDirection(s)
		if err != nil {
			return nil, err
		}
		out = append(out, Order{Column: k, Direction: dir})
	}
	return out, nil
}

// ParseDirection parses "asc" or "desc" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ASC":
		return Asc, nil
	case "DESC":
		return Desc, nil
	default:
		return "", invalidOption(OptOrderBy, s, "expected ASC or DESC")
	}
}

func intValue(key string, v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, invalidOption(key, v, "expected integer")
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, invalidOption(key, v, "expected integer")
		}
		return n, nil
	default:
		return 0, invalidOption(key, v, fmt.Sprintf("expected integer, got %T", v))
	}
}
