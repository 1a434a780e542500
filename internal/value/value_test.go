package value

import (
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"string", KindString},
		{"String", KindString},
		{"i32", KindInt},
		{"u64", KindInt},
		{"int", KindInt},
		{"f64", KindFloat},
		{"float", KindFloat},
		{"bool", KindBool},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if err != nil {
			t.Fatalf("ParseKind(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseKind("complex128"); err == nil {
		t.Error("ParseKind should reject unknown kinds")
	}
}

func TestValueEqualAndCompare(t *testing.T) {
	if !String("a").Equal(String("a")) {
		t.Error("equal strings should compare equal")
	}
	if String("1").Equal(Int(1)) {
		t.Error("values of different kinds are never equal")
	}
	if Int(1).Compare(Int(2)) != -1 {
		t.Error("1 < 2")
	}
	if Float(2.5).Compare(Float(2.5)) != 0 {
		t.Error("2.5 == 2.5")
	}
	if Bool(true).Compare(Bool(false)) != 1 {
		t.Error("true > false")
	}
}

func TestValueKeyDistinct(t *testing.T) {
	// Same surface text, different kinds: keys must not collide.
	vals := []Value{String("1"), Int(1), Float(1), Bool(true), String("true")}
	seen := make(map[string]Value)
	for _, v := range vals {
		k := v.Key()
		if prev, ok := seen[k]; ok {
			t.Fatalf("key collision between %v and %v", prev, v)
		}
		seen[k] = v
	}
}

func TestTupleKeyAndCompare(t *testing.T) {
	a := Tuple{String("x"), Int(1)}
	b := Tuple{String("x"), Int(2)}
	if a.Key() == b.Key() {
		t.Error("distinct tuples must have distinct keys")
	}
	if a.Compare(b) != -1 {
		t.Error("(x,1) < (x,2)")
	}
	if a.Compare(a.Clone()) != 0 {
		t.Error("clone should compare equal")
	}
}

func TestTupleOf(t *testing.T) {
	tup, err := TupleOf("hello", 42, 2.5, true)
	if err != nil {
		t.Fatalf("TupleOf() error = %v", err)
	}
	want := Tuple{String("hello"), Int(42), Float(2.5), Bool(true)}
	if !tup.Equal(want) {
		t.Errorf("TupleOf() = %v, want %v", tup, want)
	}

	if _, err := TupleOf(struct{}{}); err == nil {
		t.Error("TupleOf should reject unsupported types")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{String("hi"), `"hi"`},
		{Int(-3), "-3"},
		{Float(6.125), "6.125"},
		{Bool(false), "false"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
