package vm

import (
	"context"
	"errors"
	"io"
	"testing"
)

// counter returns a native that counts its calls.
func counter(rt *Runtime, name string) (Value, *int) {
	n := new(int)
	fn := rt.NewNative(name, nil, 0, func(t *Thread, args []Value) Value {
		*n++
		return None
	})
	return fn, n
}

// raiseValueError emits `raise ValueError(msg)`.
func raiseValueError(b *CodeBuilder, msg string) {
	b.LoadGlobal("ValueError").LoadStr(msg).Call(1).Emit(OpRaiseVarargs, 1)
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

// def total(xs):
//     t = 0
//     for x in xs:
//         if x == stop:
//             break
//         t += x
//     return t
func loopFunc(t *testing.T, rt *Runtime, stop int64) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "total").Params("xs")
	top, exit, end, next := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.LoadInt(0).StoreFast("t")
	b.Jump(OpSetupLoop, end)
	b.LoadFast("xs").Op(OpGetIter)
	b.Mark(top)
	b.Jump(OpForIter, exit)
	b.StoreFast("x")
	b.LoadFast("x").LoadInt(stop).Compare(CompareEQ)
	b.Jump(OpPopJumpIfFalse, next)
	b.Op(OpBreakLoop)
	b.Mark(next)
	b.LoadFast("t").LoadFast("x").Op(OpInplaceAdd).StoreFast("t")
	b.Jump(OpJumpAbsolute, top)
	b.Mark(exit)
	b.Op(OpPopBlock)
	b.Mark(end)
	b.LoadFast("t").Return()
	return buildFunc(t, rt, rt.NewModule("test"), b)
}

func TestForLoop(t *testing.T) {
	rt := newTestRuntime(t)
	xs := rt.NewList(ints(1, 2, 3, 4)...)

	tests := []struct {
		name string
		stop int64
		want int64
	}{
		{"runs to exhaustion", 99, 10},
		{"breaks early", 3, 3},
		{"breaks at once", 1, 0},
	}
	for _, tt := range tests {
		fn := loopFunc(t, rt, tt.stop)
		if got := mustInt(t, mustCall(t, rt, fn, xs)); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}

	// Iterating a tuple goes through the same protocol.
	fn := loopFunc(t, rt, 99)
	if got := mustInt(t, mustCall(t, rt, fn, rt.NewTuple(ints(5, 6)...))); got != 11 {
		t.Errorf("tuple: got %d, want 11", got)
	}
}

func TestLongJumpsUseExtendedArg(t *testing.T) {
	rt := newTestRuntime(t)

	// def f():
	//     <300 no-ops>
	//     i = 0
	//     while i < 3: i += 1
	//     return i
	// Both jump targets sit past offset 255.
	b := NewCodeBuilder(rt, "f")
	top, exit := b.NewLabel(), b.NewLabel()
	skip := b.NewLabel()
	b.Jump(OpJumpForward, skip)
	for i := 0; i < 300; i++ {
		b.Op(OpNop)
	}
	b.Mark(skip)
	b.LoadInt(0).StoreFast("i")
	b.Mark(top)
	b.LoadFast("i").LoadInt(3).Compare(CompareLT)
	b.Jump(OpPopJumpIfFalse, exit)
	b.LoadFast("i").LoadInt(1).Op(OpInplaceAdd).StoreFast("i")
	b.Jump(OpJumpAbsolute, top)
	b.Mark(exit)
	b.LoadFast("i").Return()

	code, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if Opcode(code.Bytecode[0]) != OpExtendArg {
		t.Errorf("first instruction is %s, want EXTENDED_ARG", Opcode(code.Bytecode[0]))
	}

	fn := buildFunc(t, rt, rt.NewModule("test"), b)
	if got := mustInt(t, mustCall(t, rt, fn)); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestUnboundLocal(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder(rt, "f")
	b.LoadFast("x").Return()
	fn := buildFunc(t, rt, rt.NewModule("test"), b)

	ge := callErr(t, rt, fn)
	if ge.Type != "UnboundLocalError" {
		t.Errorf("Type = %s, want UnboundLocalError", ge.Type)
	}
	if want := "local variable 'x' referenced before assignment"; ge.Message != want {
		t.Errorf("Message = %q, want %q", ge.Message, want)
	}
	if !errors.Is(ge, ErrName) {
		t.Error("UnboundLocalError should match ErrName")
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// def f(x):
//     try:
//         return 10 // x
//     except ZeroDivisionError:
//         return -1
func exceptFunc(t *testing.T, rt *Runtime) Value {
	t.Helper()
	b := NewCodeBuilder(rt, "f").Params("x")
	handler, reraise := b.NewLabel(), b.NewLabel()
	b.Jump(OpSetupExcept, handler)
	b.LoadInt(10).LoadFast("x").Op(OpBinaryFloorDivide).Return()
	b.Mark(handler)
	b.Op(OpDupTop).LoadGlobal("ZeroDivisionError").Compare(CompareExcMatch)
	b.Jump(OpPopJumpIfFalse, reraise)
	b.Pop().Pop().Pop() // type, value, traceback
	b.Op(OpPopExcept)
	b.LoadInt(-1).Return()
	b.Mark(reraise)
	b.Op(OpEndFinally)
	b.ReturnNone()
	return buildFunc(t, rt, rt.NewModule("test"), b)
}

func TestTryExcept(t *testing.T) {
	rt := newTestRuntime(t)
	fn := exceptFunc(t, rt)

	if got := mustInt(t, mustCall(t, rt, fn, FromSmallInt(2))); got != 5 {
		t.Errorf("f(2) = %d, want 5", got)
	}
	if got := mustInt(t, mustCall(t, rt, fn, FromSmallInt(0))); got != -1 {
		t.Errorf("f(0) = %d, want -1", got)
	}

	// A non-matching exception passes through the handler.
	ge := callErr(t, rt, fn, rt.Str("s"))
	if ge.Type != "TypeError" {
		t.Errorf("f('s') raised %s, want TypeError", ge.Type)
	}
	if !rt.MainThread().IsIdle() {
		t.Error("thread not idle after an escaping exception")
	}

	// The handler leaves no exception behind.
	if got := mustInt(t, mustCall(t, rt, fn, FromSmallInt(5))); got != 2 {
		t.Errorf("f(5) = %d, want 2", got)
	}
}

func TestTryFinally(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("test")
	tick, n := counter(rt, "tick")
	m.Set("tick", tick)

	// def early():
	//     try:
	//         return 1
	//     finally:
	//         tick()
	e := NewCodeBuilder(rt, "early")
	fin := e.NewLabel()
	e.Jump(OpSetupFinally, fin)
	e.LoadInt(1).Return()
	e.Op(OpPopBlock).LoadConst(None)
	e.Mark(fin)
	e.LoadGlobal("tick").Call(0).Pop()
	e.Op(OpEndFinally)
	e.ReturnNone()
	early := buildFunc(t, rt, m, e)

	if got := mustInt(t, mustCall(t, rt, early)); got != 1 {
		t.Errorf("early() = %d, want 1", got)
	}
	if *n != 1 {
		t.Errorf("finally ran %d times on return, want 1", *n)
	}

	// def failing():
	//     try:
	//         raise ValueError('boom')
	//     finally:
	//         tick()
	f := NewCodeBuilder(rt, "failing")
	ffin := f.NewLabel()
	f.Jump(OpSetupFinally, ffin)
	raiseValueError(f, "boom")
	f.Op(OpPopBlock).LoadConst(None)
	f.Mark(ffin)
	f.LoadGlobal("tick").Call(0).Pop()
	f.Op(OpEndFinally)
	f.ReturnNone()
	failing := buildFunc(t, rt, m, f)

	ge := callErr(t, rt, failing)
	if ge.Type != "ValueError" || ge.Message != "boom" {
		t.Errorf("got %s, want ValueError: boom", ge)
	}
	if *n != 2 {
		t.Errorf("finally ran %d times in total, want 2", *n)
	}
}

func TestTracebackOutermostFirst(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("test")

	in := NewCodeBuilder(rt, "inner").Filename("tb.bsl").FirstLine(2)
	in.Line(3)
	raiseValueError(in, "deep")
	in.ReturnNone()
	m.Set("inner", buildFunc(t, rt, m, in))

	out := NewCodeBuilder(rt, "outer").Filename("tb.bsl").FirstLine(5)
	out.Line(6)
	out.LoadGlobal("inner").Call(0).Return()
	outer := buildFunc(t, rt, m, out)

	ge := callErr(t, rt, outer)
	want := []TraceEntry{
		{Function: "outer", Filename: "tb.bsl", Line: 6},
		{Function: "inner", Filename: "tb.bsl", Line: 3},
	}
	if len(ge.Traceback) != len(want) {
		t.Fatalf("Traceback = %v, want %v", ge.Traceback, want)
	}
	for i := range want {
		if ge.Traceback[i] != want[i] {
			t.Errorf("Traceback[%d] = %v, want %v", i, ge.Traceback[i], want[i])
		}
	}
	wantText := "Traceback (most recent call last):\n" +
		"  File \"tb.bsl\", line 6, in outer\n" +
		"  File \"tb.bsl\", line 3, in inner\n" +
		"ValueError: deep"
	if got := ge.FormatTraceback(); got != wantText {
		t.Errorf("FormatTraceback() =\n%s\nwant\n%s", got, wantText)
	}
}

func TestRecursionLimit(t *testing.T) {
	rt := NewRuntime(Options{Stdout: io.Discard, MaxDepth: 50})
	m := rt.NewModule("test")

	// def r(): return r()
	b := NewCodeBuilder(rt, "r")
	b.LoadGlobal("r").Call(0).Return()
	r := buildFunc(t, rt, m, b)
	m.Set("r", r)

	_, err := rt.Call(context.Background(), r)
	if !errors.Is(err, ErrRecursion) {
		t.Fatalf("error = %v, want ErrRecursion", err)
	}
	if !rt.MainThread().IsIdle() {
		t.Error("thread not idle after a recursion error")
	}
	if rt.MainThread().Depth() != 0 {
		t.Errorf("Depth() = %d after unwinding, want 0", rt.MainThread().Depth())
	}
}

func TestRunModuleStoresGlobals(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder(rt, "<module>")
	b.LoadInt(6).LoadInt(7).Op(OpBinaryMultiply).StoreGlobal("answer")
	b.ReturnNone()
	code, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	m, err := rt.RunModule(context.Background(), "main", code)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := m.Get("answer")
	if !ok || mustInt(t, v) != 42 {
		t.Errorf("answer = %v, want 42", v)
	}
	if got, ok := rt.Module("main"); !ok || got != m {
		t.Error("module not registered under its name")
	}
}
