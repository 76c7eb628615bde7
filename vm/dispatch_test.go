package vm

import (
	"strings"
	"testing"
)

// returning builds a native method that returns the interned string s.
func returning(rt *Runtime, name, s string) Value {
	return rt.NewNative(name, []string{"self", "other"}, 0, func(t *Thread, args []Value) Value {
		return t.rt.Str(s)
	})
}

// notImplemented builds a native method that always declines.
func notImplemented(rt *Runtime, name string) Value {
	return rt.NewNative(name, []string{"self", "other"}, 0, func(t *Thread, args []Value) Value {
		return NotImplemented
	})
}

func mustStr(t *testing.T, rt *Runtime, v Value) string {
	t.Helper()
	s, ok := rt.StrValue(v)
	if !ok {
		t.Fatalf("got %s, want a str", rt.Repr(v))
	}
	return s
}

func TestSmallIntArithmetic(t *testing.T) {
	rt := newTestRuntime(t)

	tests := []struct {
		op   Opcode
		a, b int64
		want int64
	}{
		{OpBinaryAdd, 2, 3, 5},
		{OpBinarySubtract, 2, 3, -1},
		{OpBinaryMultiply, -4, 3, -12},
		{OpBinaryFloorDivide, -7, 2, -4},
		{OpBinaryModulo, -7, 2, 1},
		{OpBinaryModulo, 7, -2, -1},
		{OpBinaryPower, 3, 4, 81},
		{OpBinaryLshift, 1, 10, 1024},
		{OpBinaryRshift, -8, 1, -4},
		{OpBinaryAnd, 12, 10, 8},
		{OpBinaryXor, 12, 10, 6},
		{OpBinaryOr, 12, 10, 14},
	}

	for _, tt := range tests {
		fn := binaryFunc(t, rt, tt.op)
		got := mustInt(t, mustCall(t, rt, fn, FromSmallInt(tt.a), FromSmallInt(tt.b)))
		if got != tt.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tt.op.Name(), tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSmallIntErrors(t *testing.T) {
	rt := newTestRuntime(t)

	tests := []struct {
		name     string
		op       Opcode
		a, b     int64
		wantType string
	}{
		{"add overflow", OpBinaryAdd, MaxSmallInt, 1, "OverflowError"},
		{"mul overflow", OpBinaryMultiply, MaxSmallInt, 2, "OverflowError"},
		{"shift overflow", OpBinaryLshift, 1, 70, "OverflowError"},
		{"floor division by zero", OpBinaryFloorDivide, 1, 0, "ZeroDivisionError"},
		{"modulo by zero", OpBinaryModulo, 1, 0, "ZeroDivisionError"},
		{"negative shift", OpBinaryRshift, 1, -1, "ValueError"},
		{"true division", OpBinaryTrueDivide, 1, 2, "TypeError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := binaryFunc(t, rt, tt.op)
			ge := callErr(t, rt, fn, FromSmallInt(tt.a), FromSmallInt(tt.b))
			if ge.Type != tt.wantType {
				t.Errorf("Type = %s, want %s (%s)", ge.Type, tt.wantType, ge.Message)
			}
		})
	}
}

// unaryFunc builds `def f(a): return <op> a`.
func unaryFunc(t *testing.T, rt *Runtime, op Opcode) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "f").Params("a")
	b.LoadFast("a").Op(op).Return()
	return buildFunc(t, rt, rt.NewModule("test"), b)
}

func TestUnaryOperators(t *testing.T) {
	rt := newTestRuntime(t)

	tests := []struct {
		name string
		op   Opcode
		arg  Value
		want Value
	}{
		{"-True", OpUnaryNegative, True, FromSmallInt(-1)},
		{"+True", OpUnaryPositive, True, FromSmallInt(1)},
		{"-False", OpUnaryNegative, False, FromSmallInt(0)},
		{"~False", OpUnaryInvert, False, FromSmallInt(-1)},
		{"~True", OpUnaryInvert, True, FromSmallInt(-2)},
		{"-5", OpUnaryNegative, FromSmallInt(5), FromSmallInt(-5)},
		{"~3", OpUnaryInvert, FromSmallInt(3), FromSmallInt(-4)},
		{"not 0", OpUnaryNot, FromSmallInt(0), True},
		{"not True", OpUnaryNot, True, False},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustCall(t, rt, unaryFunc(t, rt, tt.op), tt.arg); got != tt.want {
				t.Errorf("got %s, want %s", rt.Repr(got), rt.Repr(tt.want))
			}
		})
	}

	ge := callErr(t, rt, unaryFunc(t, rt, OpUnaryNegative), rt.Str("s"))
	if ge.Type != "TypeError" || !strings.Contains(ge.Message, "bad operand type for unary -: 'str'") {
		t.Errorf("-'s' raised %s: %s", ge.Type, ge.Message)
	}
}

func TestBinarySubclassReflectedGoesFirst(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustType(t, rt, "A", nil, map[string]Value{
		"__add__": returning(rt, "__add__", "A.__add__"),
	})
	b := mustType(t, rt, "B", []*Type{a}, map[string]Value{
		"__radd__": returning(rt, "__radd__", "B.__radd__"),
	})
	x, y := newInstanceOf(t, rt, a), newInstanceOf(t, rt, b)
	fn := binaryFunc(t, rt, OpBinaryAdd)

	tests := []struct {
		name        string
		left, right Value
		want        string
	}{
		{"subclass on the right", x, y, "B.__radd__"},
		{"same type", x, x, "A.__add__"},
		{"subclass on the left", y, x, "A.__add__"},
	}
	for _, tt := range tests {
		got := mustStr(t, rt, mustCall(t, rt, fn, tt.left, tt.right))
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestBinaryFallsBackToReflected(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustType(t, rt, "A", nil, map[string]Value{
		"__add__": notImplemented(rt, "__add__"),
	})
	c := mustType(t, rt, "C", nil, map[string]Value{
		"__radd__": returning(rt, "__radd__", "C.__radd__"),
	})
	fn := binaryFunc(t, rt, OpBinaryAdd)
	x, z := newInstanceOf(t, rt, a), newInstanceOf(t, rt, c)

	// Run twice so the second call goes through the cache.
	for i := 0; i < 2; i++ {
		if got := mustStr(t, rt, mustCall(t, rt, fn, x, z)); got != "C.__radd__" {
			t.Errorf("call %d: got %s, want C.__radd__", i, got)
		}
	}
}

func TestBinaryUnsupportedOperands(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustType(t, rt, "A", nil, map[string]Value{
		"__add__":  notImplemented(rt, "__add__"),
		"__radd__": notImplemented(rt, "__radd__"),
	})
	c := mustType(t, rt, "C", nil, nil)
	fn := binaryFunc(t, rt, OpBinaryAdd)

	tests := []struct {
		left, right *Type
		want        string
	}{
		{a, a, "unsupported operand type(s) for +: 'A' and 'A'"},
		{c, c, "unsupported operand type(s) for +: 'C' and 'C'"},
		{a, c, "unsupported operand type(s) for +: 'A' and 'C'"},
	}
	for _, tt := range tests {
		ge := callErr(t, rt, fn, newInstanceOf(t, rt, tt.left), newInstanceOf(t, rt, tt.right))
		if ge.Type != "TypeError" || ge.Message != tt.want {
			t.Errorf("got %s: %s, want TypeError: %s", ge.Type, ge.Message, tt.want)
		}
	}
}

func TestInplacePrefersInplaceMethod(t *testing.T) {
	rt := newTestRuntime(t)
	withI := mustType(t, rt, "I", nil, map[string]Value{
		"__add__":  returning(rt, "__add__", "add"),
		"__iadd__": returning(rt, "__iadd__", "iadd"),
	})
	plain := mustType(t, rt, "P", nil, map[string]Value{
		"__add__": returning(rt, "__add__", "add"),
	})
	declines := mustType(t, rt, "D", nil, map[string]Value{
		"__add__":  returning(rt, "__add__", "add"),
		"__iadd__": notImplemented(rt, "__iadd__"),
	})
	fn := binaryFunc(t, rt, OpInplaceAdd)

	tests := []struct {
		typ  *Type
		want string
	}{
		{withI, "iadd"},
		{plain, "add"},
		{declines, "add"},
	}
	for _, tt := range tests {
		v := newInstanceOf(t, rt, tt.typ)
		if got := mustStr(t, rt, mustCall(t, rt, fn, v, v)); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.typ.Name(), got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

func compareFunc(t *testing.T, rt *Runtime, op CompareOp) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "cmp").Params("a", "b")
	b.LoadFast("a").LoadFast("b").Compare(op).Return()
	return buildFunc(t, rt, rt.NewModule("test"), b)
}

func TestCompareIdentityFallback(t *testing.T) {
	rt := newTestRuntime(t)
	p := mustType(t, rt, "P", nil, nil)
	x, y := newInstanceOf(t, rt, p), newInstanceOf(t, rt, p)
	eq := compareFunc(t, rt, CompareEQ)
	ne := compareFunc(t, rt, CompareNE)

	if mustCall(t, rt, eq, x, x) != True {
		t.Error("x == x should be True")
	}
	if mustCall(t, rt, eq, x, y) != False {
		t.Error("x == y should be False for distinct plain instances")
	}
	if mustCall(t, rt, ne, x, y) != True {
		t.Error("x != y should be True")
	}

	lt := compareFunc(t, rt, CompareLT)
	ge := callErr(t, rt, lt, x, y)
	if want := "'<' not supported between instances of 'P' and 'P'"; ge.Message != want {
		t.Errorf("Message = %q, want %q", ge.Message, want)
	}
}

func TestCompareReflectedMethod(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustType(t, rt, "A", nil, nil)
	g := mustType(t, rt, "G", nil, map[string]Value{
		"__gt__": returning(rt, "__gt__", "G.__gt__"),
	})
	lt := compareFunc(t, rt, CompareLT)

	// a < g has no __lt__ on A, so g.__gt__(a) answers.
	got := mustStr(t, rt, mustCall(t, rt, lt, newInstanceOf(t, rt, a), newInstanceOf(t, rt, g)))
	if got != "G.__gt__" {
		t.Errorf("got %s, want G.__gt__", got)
	}
}

func TestSmallIntCompare(t *testing.T) {
	rt := newTestRuntime(t)
	tests := []struct {
		op   CompareOp
		a, b int64
		want bool
	}{
		{CompareLT, 1, 2, true},
		{CompareLE, 2, 2, true},
		{CompareEQ, 3, 3, true},
		{CompareNE, 3, 3, false},
		{CompareGT, 1, 2, false},
		{CompareGE, -1, -2, true},
	}
	for _, tt := range tests {
		fn := compareFunc(t, rt, tt.op)
		if got := mustCall(t, rt, fn, FromSmallInt(tt.a), FromSmallInt(tt.b)); got != FromBool(tt.want) {
			t.Errorf("%d %s %d = %v, want %v", tt.a, compareMethods[tt.op].symbol, tt.b, got, tt.want)
		}
	}
}
