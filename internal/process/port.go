// Package process chains functions through named, typed input and output
// ports.
//
// A Process wraps a function with declared inputs and outputs. A Mapper links
// the outputs of some processes to the inputs of others and runs the graph in
// topological order. A Manager keeps the processes known to an application.
package process

import (
	"fmt"
	"maps"
	"math"
	"reflect"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Values maps port names to values.
type Values map[string]any

// Clone returns a shallow copy of the values. Cloning nil returns an empty
// map.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	maps.Copy(out, v)
	return out
}

// Input describes an input port. A nil Type accepts any value.
type Input struct {
	Name        string
	Title       string
	Description string
	Type        reflect.Type
	Default     any
	Optional    bool
}

// In declares an input of type T.
func In[T any](name string) Input {
	return Input{Name: name, Type: reflect.TypeFor[T]()}
}

// WithDefault returns a copy of the input with a default value. An input
// with a default is optional.
func (i Input) WithDefault(v any) Input {
	i.Default = v
	i.Optional = true
	return i
}

// AsOptional returns a copy of the input marked optional.
func (i Input) AsOptional() Input {
	i.Optional = true
	return i
}

// Describe returns a copy of the input with a title and a description.
func (i Input) Describe(title, description string) Input {
	i.Title = title
	i.Description = description
	return i
}

// Output describes an output port. A nil Type accepts any value.
type Output struct {
	Name        string
	Title       string
	Description string
	Type        reflect.Type
}

// Out declares an output of type T.
func Out[T any](name string) Output {
	return Output{Name: name, Type: reflect.TypeFor[T]()}
}

// Describe returns a copy of the output with a title and a description.
func (o Output) Describe(title, description string) Output {
	o.Title = title
	o.Description = description
	return o
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "any"
	}
	return t.String()
}

// coerce checks that v can be stored in a port of type t. Numbers are
// converted between numeric kinds so that values decoded from text formats
// fit integer and float ports, as long as the value is kept exactly.
func coerce(t reflect.Type, v any) (any, bool) {
	if t == nil {
		return v, true
	}
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return nil, true
		default:
			return nil, false
		}
	}
	vt := reflect.TypeOf(v)
	if vt.AssignableTo(t) {
		return v, true
	}
	if isNumeric(vt.Kind()) && isNumeric(t.Kind()) {
		return convertNumber(reflect.ValueOf(v), t)
	}
	return nil, false
}

// convertNumber converts v to the numeric type t. Fractional floats stored
// in integer types and values out of the range of t are refused.
func convertNumber(v reflect.Value, t reflect.Type) (any, bool) {
	target := reflect.New(t).Elem()
	switch {
	case isFloat(v.Kind()):
		f := v.Float()
		switch {
		case isFloat(t.Kind()):
			if target.OverflowFloat(f) {
				return nil, false
			}
		case isSigned(t.Kind()):
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || target.OverflowInt(int64(f)) {
				return nil, false
			}
		default:
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || target.OverflowUint(uint64(f)) {
				return nil, false
			}
		}
	case isSigned(v.Kind()):
		i := v.Int()
		switch {
		case isFloat(t.Kind()):
		case isSigned(t.Kind()):
			if target.OverflowInt(i) {
				return nil, false
			}
		default:
			if i < 0 || target.OverflowUint(uint64(i)) {
				return nil, false
			}
		}
	default:
		u := v.Uint()
		switch {
		case isFloat(t.Kind()):
		case isSigned(t.Kind()):
			if u > math.MaxInt64 || target.OverflowInt(int64(u)) {
				return nil, false
			}
		default:
			if target.OverflowUint(u) {
				return nil, false
			}
		}
	}
	return v.Convert(t).Interface(), true
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	default:
		return false
	}
}

// compatible reports whether values of type from fit a port of type to.
func compatible(from, to reflect.Type) bool {
	if from == nil || to == nil {
		return true
	}
	if from.AssignableTo(to) || (to.Kind() == reflect.Interface && from.Implements(to)) {
		return true
	}
	if from.Kind() == reflect.Interface && from.NumMethod() == 0 {
		// checked at run time
		return true
	}
	return isNumeric(from.Kind()) && isNumeric(to.Kind())
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func typeError(port string, want reflect.Type, v any) error {
	return &domain.ValidationError{
		Field:      port,
		Value:      v,
		Constraint: typeName(want),
		Message:    fmt.Sprintf("got %T", v),
	}
}
