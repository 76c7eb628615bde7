package vm

import (
	"context"
	"errors"
	"io"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// newTestRuntime returns a runtime with collection disabled and output
// discarded.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return NewRuntime(Options{Stdout: io.Discard})
}

// buildFunc assembles b and binds it to module m.
func buildFunc(t *testing.T, rt *Runtime, m *Module, b *CodeBuilder) Value {
	t.Helper()
	code, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	fn, err := rt.NewFunction(code, m)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	return fn
}

// mustCall calls fn on the main thread and fails the test on error.
func mustCall(t *testing.T, rt *Runtime, fn Value, args ...Value) Value {
	t.Helper()
	r, err := rt.Call(context.Background(), fn, args...)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	return r
}

// callErr calls fn and returns the guest error it raises.
func callErr(t *testing.T, rt *Runtime, fn Value, args ...Value) *GuestError {
	t.Helper()
	_, err := rt.Call(context.Background(), fn, args...)
	if err == nil {
		t.Fatal("call succeeded, want an error")
	}
	var ge *GuestError
	if !errors.As(err, &ge) {
		t.Fatalf("error %v is not a *GuestError", err)
	}
	return ge
}

func mustInt(t *testing.T, v Value) int64 {
	t.Helper()
	if !v.IsSmallInt() {
		t.Fatalf("got %v, want an int", v)
	}
	return v.SmallInt()
}

func mustType(t *testing.T, rt *Runtime, name string, bases []*Type, attrs map[string]Value) *Type {
	t.Helper()
	typ, err := rt.NewType(name, bases, attrs)
	if err != nil {
		t.Fatalf("NewType %s: %v", name, err)
	}
	return typ
}

// newInstanceOf instantiates typ through a guest call.
func newInstanceOf(t *testing.T, rt *Runtime, typ *Type) Value {
	t.Helper()
	return mustCall(t, rt, typ.Value())
}

// attrGetter builds `def get(o): return o.<name>`.
func attrGetter(t *testing.T, rt *Runtime, name string) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "get").Params("o")
	b.LoadFast("o").LoadAttr(name).Return()
	return buildFunc(t, rt, rt.NewModule("test"), b)
}

// binaryFunc builds `def f(a, b): return a <op> b` for a binary opcode.
func binaryFunc(t *testing.T, rt *Runtime, op Opcode) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "f").Params("a", "b")
	b.LoadFast("a").LoadFast("b").Op(op).Return()
	return buildFunc(t, rt, rt.NewModule("test"), b)
}

// tupleInts unpacks a tuple of small ints.
func tupleInts(t *testing.T, rt *Runtime, v Value) []int64 {
	t.Helper()
	items, ok := rt.TupleItems(v)
	if !ok {
		t.Fatalf("got %s, want a tuple", rt.Repr(v))
	}
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = mustInt(t, it)
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
