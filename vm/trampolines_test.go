package vm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// signatureFunc builds `def f(a, b=2, *, c=3): return (a, b, c)`.
func signatureFunc(t *testing.T, rt *Runtime) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "f").Params("a", "b").KwOnly("c")
	b.LoadFast("a").LoadFast("b").LoadFast("c").Emit(OpBuildTuple, 3).Return()
	fn := buildFunc(t, rt, rt.NewModule("test"), b)
	if err := rt.SetDefaults(fn, []Value{FromSmallInt(2)}, map[string]Value{"c": FromSmallInt(3)}); err != nil {
		t.Fatal(err)
	}
	return fn
}

func kw(name string, n int64) Keyword {
	return Keyword{Name: name, Value: FromSmallInt(n)}
}

func ints(ns ...int64) []Value {
	out := make([]Value, len(ns))
	for i, n := range ns {
		out[i] = FromSmallInt(n)
	}
	return out
}

func TestBindArgumentsEquivalentForms(t *testing.T) {
	rt := newTestRuntime(t)
	fn := signatureFunc(t, rt)

	tests := []struct {
		name   string
		args   []Value
		kwargs []Keyword
		want   []int64
	}{
		{"positional only", ints(1), nil, []int64{1, 2, 3}},
		{"both positional", ints(1, 5), nil, []int64{1, 5, 3}},
		{"keywords out of order", nil, []Keyword{kw("b", 5), kw("a", 1)}, []int64{1, 5, 3}},
		{"positional and keyword", ints(1), []Keyword{kw("b", 5)}, []int64{1, 5, 3}},
		{"keyword-only", ints(1), []Keyword{kw("c", 9)}, []int64{1, 2, 9}},
		{"keyword-only before default", ints(1), []Keyword{kw("c", 9), kw("b", 5)}, []int64{1, 5, 9}},
		{"all keywords reversed", nil, []Keyword{kw("c", 9), kw("b", 5), kw("a", 1)}, []int64{1, 5, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := rt.CallKw(context.Background(), fn, tt.args, tt.kwargs)
			if err != nil {
				t.Fatalf("CallKw: %v", err)
			}
			if got := tupleInts(t, rt, r); !equalInts(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBindArgumentsErrors(t *testing.T) {
	rt := newTestRuntime(t)
	fn := signatureFunc(t, rt)

	tests := []struct {
		name    string
		args    []Value
		kwargs  []Keyword
		kind    error
		message string
	}{
		{"missing", nil, nil, ErrMissingArgument, "f() missing required argument: 'a'"},
		{"too many", ints(1, 2, 3), nil, ErrTooManyArguments, "f() takes 2 positional arguments but 3 were given"},
		{"duplicate of positional", ints(1), []Keyword{kw("a", 2)}, ErrDuplicateKeyword, "f() got multiple values for argument 'a'"},
		{"duplicate keyword", ints(1), []Keyword{kw("c", 2), kw("c", 3)}, ErrDuplicateKeyword, "f() got multiple values for argument 'c'"},
		{"unexpected", ints(1), []Keyword{kw("z", 2)}, ErrUnexpectedKeyword, "f() got an unexpected keyword argument 'z'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.CallKw(context.Background(), fn, tt.args, tt.kwargs)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("error = %v, want kind %v", err, tt.kind)
			}
			var ge *GuestError
			if !errors.As(err, &ge) {
				t.Fatalf("error %T is not a *GuestError", err)
			}
			if ge.Type != "TypeError" {
				t.Errorf("Type = %q, want TypeError", ge.Type)
			}
			if ge.Message != tt.message {
				t.Errorf("Message = %q, want %q", ge.Message, tt.message)
			}
		})
	}
}

func TestBindArgumentsNonStringKeyword(t *testing.T) {
	rt := newTestRuntime(t)
	fn := signatureFunc(t, rt)
	th := rt.MainThread()

	r := th.callKw(fn, ints(1, 2), []Value{FromSmallInt(5)})
	if !r.IsError() {
		t.Fatalf("callKw returned %v, want an error", r)
	}
	if err := th.takeError(); !errors.Is(err, ErrNonStringKeyword) {
		t.Errorf("error = %v, want ErrNonStringKeyword", err)
	}
	if !th.IsIdle() {
		t.Error("thread left a frame behind after a binding error")
	}
}

func TestBindArgumentsVariadic(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder(rt, "g").Params("a").Varargs("rest").Varkw("extra")
	b.LoadFast("a").LoadFast("rest").LoadFast("extra").Emit(OpBuildTuple, 3).Return()
	fn := buildFunc(t, rt, rt.NewModule("test"), b)

	r, err := rt.CallKw(context.Background(), fn, ints(1, 2, 3), []Keyword{kw("x", 4)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rt.Repr(r), "(1, (2, 3), {'x': 4})"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	r, err = rt.CallKw(context.Background(), fn, nil, []Keyword{kw("a", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rt.Repr(r), "(1, (), {})"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	_, err = rt.CallKw(context.Background(), fn, ints(1), []Keyword{kw("a", 2)})
	if !errors.Is(err, ErrDuplicateKeyword) {
		t.Errorf("error = %v, want ErrDuplicateKeyword", err)
	}
}

func TestNativeBindsLikeGuest(t *testing.T) {
	rt := newTestRuntime(t)
	native := rt.NewNative("n", []string{"x", "y"}, 0, func(t *Thread, args []Value) Value {
		return t.rt.NewTuple(append([]Value(nil), args...)...)
	}, FromSmallInt(7))

	tests := []struct {
		args   []Value
		kwargs []Keyword
		want   []int64
	}{
		{ints(1), nil, []int64{1, 7}},
		{nil, []Keyword{kw("y", 3), kw("x", 2)}, []int64{2, 3}},
	}
	for _, tt := range tests {
		r, err := rt.CallKw(context.Background(), native, tt.args, tt.kwargs)
		if err != nil {
			t.Fatal(err)
		}
		if got := tupleInts(t, rt, r); !equalInts(got, tt.want) {
			t.Errorf("got %v, want %v", got, tt.want)
		}
	}

	_, err := rt.CallKw(context.Background(), native, nil, nil)
	if !errors.Is(err, ErrMissingArgument) {
		t.Errorf("error = %v, want ErrMissingArgument", err)
	}
}

func TestGuestCallsGuestWithKeywords(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("test")
	callee := signatureFunc(t, rt)
	m.Set("f", callee)

	// def caller(): return f(1, c=9)
	b := NewCodeBuilder(rt, "caller")
	b.LoadGlobal("f").LoadInt(1).LoadInt(9).CallKw(1, "c").Return()
	caller := buildFunc(t, rt, m, b)

	if got := tupleInts(t, rt, mustCall(t, rt, caller)); !equalInts(got, []int64{1, 2, 9}) {
		t.Errorf("got %v, want [1 2 9]", got)
	}
}

func TestTypeCallRunsInit(t *testing.T) {
	rt := newTestRuntime(t)
	initFn := rt.NewNative("__init__", []string{"self", "v"}, 0, func(t *Thread, args []Value) Value {
		if err := t.SetAttr(args[0], "v", args[1]); err != nil {
			return t.raiseGoError(err)
		}
		return None
	})
	typ := mustType(t, rt, "Box", nil, map[string]Value{"__init__": initFn})

	obj := mustCall(t, rt, typ.Value(), FromSmallInt(4))
	v, err := rt.MainThread().GetAttr(obj, "v")
	if err != nil {
		t.Fatal(err)
	}
	if mustInt(t, v) != 4 {
		t.Errorf("v = %v, want 4", v)
	}

	ge := callErr(t, rt, typ.Value())
	if !strings.Contains(ge.Message, "missing required argument: 'v'") {
		t.Errorf("Message = %q", ge.Message)
	}
}

func TestExplodedCall(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("test")
	m.Set("f", signatureFunc(t, rt))

	// def caller(): return f(*(1,), **{'c': 9})
	b := NewCodeBuilder(rt, "caller")
	b.LoadGlobal("f").LoadInt(1).Emit(OpBuildTuple, 1)
	b.LoadStr("c").LoadInt(9).Emit(OpBuildMap, 1)
	b.Emit(OpCallFunctionEx, CallExKeywords).Return()
	caller := buildFunc(t, rt, m, b)
	if got := tupleInts(t, rt, mustCall(t, rt, caller)); !equalInts(got, []int64{1, 2, 9}) {
		t.Errorf("f(*(1,), **{'c': 9}) = %v, want [1 2 9]", got)
	}

	// def spread(xs): return f(*xs)
	s := NewCodeBuilder(rt, "spread").Params("xs")
	s.LoadGlobal("f").LoadFast("xs").Emit(OpCallFunctionEx, 0).Return()
	spread := buildFunc(t, rt, m, s)
	if got := tupleInts(t, rt, mustCall(t, rt, spread, rt.NewList(ints(4, 5)...))); !equalInts(got, []int64{4, 5, 3}) {
		t.Errorf("f(*[4, 5]) = %v, want [4 5 3]", got)
	}
	if got := tupleInts(t, rt, mustCall(t, rt, spread, rt.NewTuple(ints(1, 2)...))); !equalInts(got, []int64{1, 2, 3}) {
		t.Errorf("f(*(1, 2)) = %v, want [1 2 3]", got)
	}

	ge := callErr(t, rt, spread, FromSmallInt(3))
	if !strings.Contains(ge.Message, "argument after * must be an iterable, not int") {
		t.Errorf("Message = %q", ge.Message)
	}

	// def spreadkw(kw): return f(1, **kw)
	k := NewCodeBuilder(rt, "spreadkw").Params("kw")
	k.LoadGlobal("f").LoadInt(1).Emit(OpBuildTuple, 1).LoadFast("kw").Emit(OpCallFunctionEx, CallExKeywords).Return()
	spreadkw := buildFunc(t, rt, m, k)
	ge = callErr(t, rt, spreadkw, FromSmallInt(3))
	if !strings.Contains(ge.Message, "argument after ** must be a mapping, not int") {
		t.Errorf("Message = %q", ge.Message)
	}
}
