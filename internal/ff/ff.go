// Package ff holds the foreign-function registry: named, pure scalar
// functions callable from rule bodies and heads. The registry is mutable
// while a context is being assembled; the executor receives an immutable
// Table snapshot, so concurrent runs never observe registration.
package ff

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"provlog/internal/value"
)

// Func describes one foreign function. Call must be pure: same arguments,
// same result, no side effects. Returning an error drops only the derivation
// that made the call.
type Func struct {
	Name string
	// MinArgs/MaxArgs bound the accepted arity. MaxArgs < 0 means variadic.
	MinArgs int
	MaxArgs int
	Call    func(args []value.Value) (value.Value, error)
	// Ret, when set, lets the compiler infer the result kind from the
	// argument kinds for relation schema inference. Returning false means
	// the kinds are unacceptable. A nil Ret leaves the result kind
	// statically unknown.
	Ret func(args []value.Kind) (value.Kind, bool)
}

// Registry collects functions before a context compiles.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry preloaded with the builtin catalog.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	for _, f := range builtins() {
		r.funcs[f.Name] = f
	}
	return r
}

// Register adds or replaces a function. Names share one namespace with the
// builtins, so a caller can shadow a builtin deliberately.
func (r *Registry) Register(f Func) error {
	if f.Name == "" {
		return fmt.Errorf("foreign function needs a name")
	}
	if f.Call == nil {
		return fmt.Errorf("foreign function %s has no implementation", f.Name)
	}
	if f.MaxArgs >= 0 && f.MaxArgs < f.MinArgs {
		return fmt.Errorf("foreign function %s: max args %d below min args %d", f.Name, f.MaxArgs, f.MinArgs)
	}
	r.funcs[f.Name] = f
	return nil
}

// Names lists registered function names (unordered).
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

// Clone returns an independent copy of the registry.
func (r *Registry) Clone() *Registry {
	out := &Registry{funcs: make(map[string]Func, len(r.funcs))}
	for k, v := range r.funcs {
		out.funcs[k] = v
	}
	return out
}

// memoCacheSize bounds the per-table result cache. Calls are pure, so the
// cache only trades memory for repeated-binding speed.
const memoCacheSize = 4096

// Table is the immutable lookup structure handed to the executor. Results
// of calls are memoized in an LRU keyed by function name and argument keys.
type Table struct {
	funcs map[string]Func
	cache *lru.Cache[string, value.Value]
}

// Snapshot freezes the registry into a Table.
func (r *Registry) Snapshot() *Table {
	funcs := make(map[string]Func, len(r.funcs))
	for k, v := range r.funcs {
		funcs[k] = v
	}
	cache, _ := lru.New[string, value.Value](memoCacheSize)
	return &Table{funcs: funcs, cache: cache}
}

// Has reports whether name is callable.
func (t *Table) Has(name string) bool {
	_, ok := t.funcs[name]
	return ok
}

// ResultKind infers the result kind of calling name with the given argument
// kinds. The second result is false when the function is unknown, has no
// kind rule, or rejects the argument kinds.
func (t *Table) ResultKind(name string, args []value.Kind) (value.Kind, bool) {
	f, ok := t.funcs[name]
	if !ok || f.Ret == nil {
		return 0, false
	}
	if len(args) < f.MinArgs || (f.MaxArgs >= 0 && len(args) > f.MaxArgs) {
		return 0, false
	}
	return f.Ret(args)
}

// Invoke calls name with args. Unknown functions and arity violations are
// errors; so are failures reported by the function itself.
func (t *Table) Invoke(name string, args []value.Value) (value.Value, error) {
	f, ok := t.funcs[name]
	if !ok {
		return value.Value{}, fmt.Errorf("unknown foreign function $%s", name)
	}
	if len(args) < f.MinArgs || (f.MaxArgs >= 0 && len(args) > f.MaxArgs) {
		return value.Value{}, fmt.Errorf("$%s: wrong number of arguments (%d)", name, len(args))
	}

	key := t.memoKey(name, args)
	if v, ok := t.cache.Get(key); ok {
		return v, nil
	}
	v, err := f.Call(args)
	if err != nil {
		return value.Value{}, fmt.Errorf("$%s: %w", name, err)
	}
	t.cache.Add(key, v)
	return v, nil
}

func (t *Table) memoKey(name string, args []value.Value) string {
	var sb strings.Builder
	sb.WriteString(name)
	for _, a := range args {
		sb.WriteByte('(')
		sb.WriteString(a.Key())
	}
	return sb.String()
}

func wantString(name string, v value.Value) (string, error) {
	if v.Kind != value.KindString {
		return "", fmt.Errorf("argument of %s must be a string, got %s", name, v.Kind)
	}
	return v.Str, nil
}

func wantInt(name string, v value.Value) (int64, error) {
	if v.Kind != value.KindInt {
		return 0, fmt.Errorf("argument of %s must be an int, got %s", name, v.Kind)
	}
	return v.Int, nil
}

func retFixed(k value.Kind) func([]value.Kind) (value.Kind, bool) {
	return func([]value.Kind) (value.Kind, bool) { return k, true }
}

func builtins() []Func {
	return []Func{
		{
			Name: "string_length", MinArgs: 1, MaxArgs: 1,
			Ret: retFixed(value.KindInt),
			Call: func(args []value.Value) (value.Value, error) {
				s, err := wantString("string_length", args[0])
				if err != nil {
					return value.Value{}, err
				}
				return value.Int(int64(len(s))), nil
			},
		},
		{
			Name: "string_char_at", MinArgs: 2, MaxArgs: 2,
			Ret: retFixed(value.KindString),
			Call: func(args []value.Value) (value.Value, error) {
				s, err := wantString("string_char_at", args[0])
				if err != nil {
					return value.Value{}, err
				}
				i, err := wantInt("string_char_at", args[1])
				if err != nil {
					return value.Value{}, err
				}
				if i < 0 || i >= int64(len(s)) {
					return value.Value{}, fmt.Errorf("index %d out of range for %q", i, s)
				}
				return value.String(s[i : i+1]), nil
			},
		},
		{
			Name: "substring", MinArgs: 2, MaxArgs: 3,
			Ret: retFixed(value.KindString),
			Call: func(args []value.Value) (value.Value, error) {
				s, err := wantString("substring", args[0])
				if err != nil {
					return value.Value{}, err
				}
				start, err := wantInt("substring", args[1])
				if err != nil {
					return value.Value{}, err
				}
				end := int64(len(s))
				if len(args) == 3 {
					if end, err = wantInt("substring", args[2]); err != nil {
						return value.Value{}, err
					}
				}
				if start < 0 || end > int64(len(s)) || start > end {
					return value.Value{}, fmt.Errorf("substring bounds [%d, %d) out of range for %q", start, end, s)
				}
				return value.String(s[start:end]), nil
			},
		},
		{
			Name: "string_concat", MinArgs: 1, MaxArgs: -1,
			Ret: retFixed(value.KindString),
			Call: func(args []value.Value) (value.Value, error) {
				var sb strings.Builder
				for _, a := range args {
					s, err := wantString("string_concat", a)
					if err != nil {
						return value.Value{}, err
					}
					sb.WriteString(s)
				}
				return value.String(sb.String()), nil
			},
		},
		{
			Name: "string_to_int", MinArgs: 1, MaxArgs: 1,
			Ret: retFixed(value.KindInt),
			Call: func(args []value.Value) (value.Value, error) {
				s, err := wantString("string_to_int", args[0])
				if err != nil {
					return value.Value{}, err
				}
				var n int64
				if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
					return value.Value{}, fmt.Errorf("cannot parse %q as int", s)
				}
				return value.Int(n), nil
			},
		},
		{
			Name: "to_string", MinArgs: 1, MaxArgs: 1,
			Ret: retFixed(value.KindString),
			Call: func(args []value.Value) (value.Value, error) {
				switch args[0].Kind {
				case value.KindString:
					return args[0], nil
				default:
					// Render without quotes for non-strings.
					v := args[0]
					v2 := value.String(strings.Trim(v.String(), `"`))
					return v2, nil
				}
			},
		},
		{
			Name: "abs", MinArgs: 1, MaxArgs: 1,
			Ret: func(args []value.Kind) (value.Kind, bool) {
				if args[0] == value.KindInt || args[0] == value.KindFloat {
					return args[0], true
				}
				return 0, false
			},
			Call: func(args []value.Value) (value.Value, error) {
				switch args[0].Kind {
				case value.KindInt:
					n := args[0].Int
					if n < 0 {
						n = -n
					}
					return value.Int(n), nil
				case value.KindFloat:
					return value.Float(math.Abs(args[0].Float)), nil
				default:
					return value.Value{}, fmt.Errorf("argument of abs must be numeric, got %s", args[0].Kind)
				}
			},
		},
		{
			Name: "hash", MinArgs: 1, MaxArgs: -1,
			Ret: retFixed(value.KindInt),
			Call: func(args []value.Value) (value.Value, error) {
				h := fnv.New64a()
				for _, a := range args {
					_, _ = h.Write([]byte(a.Key()))
					_, _ = h.Write([]byte{0})
				}
				return value.Int(int64(h.Sum64())), nil
			},
		},
	}
}
