// Package value defines the typed scalar values and tuples that flow through
// the engine. Values are plain comparable structs so they can be used directly
// in maps and compared without reflection.
package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type of a value or relation attribute.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// String returns the declaration-surface name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind resolves a declaration-surface type name to a Kind.
// Accepts the aliases used by common rule-program front ends.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "str":
		return KindString, nil
	case "int", "i8", "i16", "i32", "i64", "u8", "u16", "u32", "u64", "usize", "isize":
		return KindInt, nil
	case "float", "f32", "f64":
		return KindFloat, nil
	case "bool", "boolean":
		return KindBool, nil
	default:
		return 0, fmt.Errorf("unknown value kind %q", s)
	}
}

// Value is a typed scalar. Exactly one payload field is meaningful,
// selected by Kind. The zero Value is the empty string.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

// String wraps a Go string.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int wraps a Go int64.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Float wraps a Go float64.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Bool wraps a Go bool.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// FromGo converts a host Go value into a Value. Supported: string, all int
// widths, float32/64, bool, and Value itself (returned unchanged).
func FromGo(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case bool:
		return Bool(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// Any returns the value as a plain Go interface value.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	default:
		return false
	}
}

// Compare orders two values of the same kind: -1, 0, or +1.
// Values of different kinds order by kind, so sorting mixed slices is
// still deterministic.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind < o.Kind {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case KindString:
		return strings.Compare(v.Str, o.Str)
	case KindInt:
		switch {
		case v.Int < o.Int:
			return -1
		case v.Int > o.Int:
			return 1
		}
	case KindFloat:
		switch {
		case v.Float < o.Float:
			return -1
		case v.Float > o.Float:
			return 1
		}
	case KindBool:
		switch {
		case !v.Bool && o.Bool:
			return -1
		case v.Bool && !o.Bool:
			return 1
		}
	}
	return 0
}

// String renders the value in rule-program literal form.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return "?"
	}
}

// Key returns a deterministic encoding usable as a map key. Distinct values
// always produce distinct keys, including across kinds.
func (v Value) Key() string {
	switch v.Kind {
	case KindString:
		return "s" + strconv.Quote(v.Str)
	case KindInt:
		return "i" + strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return "f" + strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return "b" + strconv.FormatBool(v.Bool)
	default:
		return "?"
	}
}

// Tuple is an ordered sequence of values matching a relation schema.
type Tuple []Value

// Key returns a deterministic encoding of the whole tuple.
func (t Tuple) Key() string {
	var sb strings.Builder
	for i, v := range t {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(v.Key())
	}
	return sb.String()
}

// Equal reports element-wise equality.
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Compare orders tuples lexicographically.
func (t Tuple) Compare(o Tuple) int {
	n := len(t)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := t[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(t) < len(o):
		return -1
	case len(t) > len(o):
		return 1
	}
	return 0
}

// String renders the tuple as "(v1, v2, ...)".
func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Clone returns an independent copy of the tuple.
func (t Tuple) Clone() Tuple {
	out := make(Tuple, len(t))
	copy(out, t)
	return out
}

// TupleOf builds a tuple from host Go values.
func TupleOf(xs ...any) (Tuple, error) {
	out := make(Tuple, len(xs))
	for i, x := range xs {
		v, err := FromGo(x)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
