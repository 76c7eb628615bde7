package vm

import (
	"errors"
	"testing"
)

// genFunc builds
//
//	def gen():
//	    tick()
//	    yield 1
//	    tick()
//	    yield 2
//	    tick()
func genFunc(t *testing.T, rt *Runtime) (Value, *int) {
	t.Helper()
	m := rt.NewModule("test")
	tick, n := counter(rt, "tick")
	m.Set("tick", tick)

	g := NewCodeBuilder(rt, "gen").Generator()
	g.LoadGlobal("tick").Call(0).Pop()
	g.LoadInt(1).Op(OpYieldValue).Pop()
	g.LoadGlobal("tick").Call(0).Pop()
	g.LoadInt(2).Op(OpYieldValue).Pop()
	g.LoadGlobal("tick").Call(0).Pop()
	g.ReturnNone()
	return buildFunc(t, rt, m, g), n
}

func builtin(t *testing.T, rt *Runtime, name string) Value {
	t.Helper()
	v, ok := rt.Builtins().Get(name)
	if !ok {
		t.Fatalf("builtin %s missing", name)
	}
	return v
}

func TestGeneratorIsLazy(t *testing.T) {
	rt := newTestRuntime(t)
	gen, n := genFunc(t, rt)
	next := builtin(t, rt, "next")

	g := mustCall(t, rt, gen)
	if *n != 0 {
		t.Fatalf("body ran %d steps before the first next()", *n)
	}
	if _, ok := rt.object(g).(*Generator); !ok {
		t.Fatalf("gen() returned %s, want a generator", rt.Repr(g))
	}

	for i, want := range []int64{1, 2} {
		if got := mustInt(t, mustCall(t, rt, next, g)); got != want {
			t.Errorf("next #%d = %d, want %d", i+1, got, want)
		}
		if *n != i+1 {
			t.Errorf("after next #%d the body ran %d steps, want %d", i+1, *n, i+1)
		}
	}

	ge := callErr(t, rt, next, g)
	if ge.Type != "StopIteration" || !errors.Is(ge, ErrStopIteration) {
		t.Errorf("got %s, want StopIteration", ge)
	}
	if *n != 3 {
		t.Errorf("body ran %d steps, want 3", *n)
	}
	if !rt.object(g).(*Generator).IsFinished() {
		t.Error("generator not finished after returning")
	}

	// Exhausted generators keep raising without running anything.
	callErr(t, rt, next, g)
	if *n != 3 {
		t.Errorf("exhausted generator ran again: %d steps", *n)
	}
}

func TestGeneratorNextDefault(t *testing.T) {
	rt := newTestRuntime(t)
	gen, _ := genFunc(t, rt)
	next := builtin(t, rt, "next")
	g := mustCall(t, rt, gen)

	mustCall(t, rt, next, g)
	mustCall(t, rt, next, g)
	if got := mustInt(t, mustCall(t, rt, next, g, FromSmallInt(-1))); got != -1 {
		t.Errorf("next(g, -1) = %d, want -1", got)
	}
}

func TestGeneratorDrivesForLoop(t *testing.T) {
	rt := newTestRuntime(t)
	gen, _ := genFunc(t, rt)
	list := builtin(t, rt, "list")

	items, ok := rt.ListItems(mustCall(t, rt, list, mustCall(t, rt, gen)))
	if !ok || len(items) != 2 || mustInt(t, items[0]) != 1 || mustInt(t, items[1]) != 2 {
		t.Errorf("list(gen()) = %v, want [1, 2]", items)
	}

	fn := loopFunc(t, rt, 99)
	if got := mustInt(t, mustCall(t, rt, fn, mustCall(t, rt, gen))); got != 3 {
		t.Errorf("summing the generator gave %d, want 3", got)
	}
}

func TestGeneratorSend(t *testing.T) {
	rt := newTestRuntime(t)

	// def echo():
	//     x = yield 0
	//     yield x * 2
	b := NewCodeBuilder(rt, "echo").Generator()
	b.LoadInt(0).Op(OpYieldValue).StoreFast("x")
	b.LoadFast("x").LoadInt(2).Op(OpBinaryMultiply).Op(OpYieldValue).Pop()
	b.ReturnNone()
	echo := buildFunc(t, rt, rt.NewModule("test"), b)
	g := mustCall(t, rt, echo)

	th := rt.MainThread()
	send, err := th.GetAttr(g, "send")
	if err != nil {
		t.Fatal(err)
	}

	ge := callErr(t, rt, send, FromSmallInt(5))
	if ge.Type != "TypeError" {
		t.Errorf("sending to a fresh generator raised %s, want TypeError", ge.Type)
	}

	if got := mustInt(t, mustCall(t, rt, send, None)); got != 0 {
		t.Errorf("first send = %d, want 0", got)
	}
	if got := mustInt(t, mustCall(t, rt, send, FromSmallInt(21))); got != 42 {
		t.Errorf("second send = %d, want 42", got)
	}
}

func TestGeneratorStopIterationBecomesRuntimeError(t *testing.T) {
	rt := newTestRuntime(t)

	// def bad():
	//     yield 1
	//     raise StopIteration()
	b := NewCodeBuilder(rt, "bad").Generator()
	b.LoadInt(1).Op(OpYieldValue).Pop()
	b.LoadGlobal("StopIteration").Call(0).Emit(OpRaiseVarargs, 1)
	b.ReturnNone()
	bad := buildFunc(t, rt, rt.NewModule("test"), b)
	next := builtin(t, rt, "next")

	g := mustCall(t, rt, bad)
	mustCall(t, rt, next, g)
	ge := callErr(t, rt, next, g)
	if ge.Type != "RuntimeError" || ge.Message != "generator raised StopIteration" {
		t.Errorf("got %s, want RuntimeError: generator raised StopIteration", ge)
	}
}

// method fetches a bound method of v.
func method(t *testing.T, rt *Runtime, v Value, name string) Value {
	t.Helper()
	m, err := rt.MainThread().GetAttr(v, name)
	if err != nil {
		t.Fatalf("GetAttr %s: %v", name, err)
	}
	return m
}

// catchingGen builds
//
//	def gen():
//	    try:
//	        yield 1
//	    except <exc>:
//	        tick()
//	        yield 99
//	    yield 2
func catchingGen(t *testing.T, rt *Runtime, exc string) (Value, *int) {
	t.Helper()
	m := rt.NewModule("test")
	tick, n := counter(rt, "tick")
	m.Set("tick", tick)

	b := NewCodeBuilder(rt, "gen").Generator()
	handler, reraise, after := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Jump(OpSetupExcept, handler)
	b.LoadInt(1).Op(OpYieldValue).Pop()
	b.Op(OpPopBlock)
	b.Jump(OpJumpForward, after)
	b.Mark(handler)
	b.Op(OpDupTop).LoadGlobal(exc).Compare(CompareExcMatch)
	b.Jump(OpPopJumpIfFalse, reraise)
	b.Pop().Pop().Pop()
	b.LoadGlobal("tick").Call(0).Pop()
	b.LoadInt(99).Op(OpYieldValue).Pop()
	b.Op(OpPopExcept)
	b.Jump(OpJumpForward, after)
	b.Mark(reraise)
	b.Op(OpEndFinally)
	b.Mark(after)
	b.LoadInt(2).Op(OpYieldValue).Pop()
	b.ReturnNone()
	return buildFunc(t, rt, m, b), n
}

func TestGeneratorThrowCaught(t *testing.T) {
	rt := newTestRuntime(t)
	gen, n := catchingGen(t, rt, "ValueError")
	next := builtin(t, rt, "next")

	g := mustCall(t, rt, gen)
	if got := mustInt(t, mustCall(t, rt, next, g)); got != 1 {
		t.Fatalf("next = %d, want 1", got)
	}
	throw := method(t, rt, g, "throw")
	if got := mustInt(t, mustCall(t, rt, throw, rt.Types().ValueError.Value())); got != 99 {
		t.Errorf("throw(ValueError) = %d, want 99", got)
	}
	if *n != 1 {
		t.Errorf("handler ran %d times, want 1", *n)
	}
	if got := mustInt(t, mustCall(t, rt, next, g)); got != 2 {
		t.Errorf("next after the handler = %d, want 2", got)
	}
}

func TestGeneratorThrowPropagates(t *testing.T) {
	rt := newTestRuntime(t)
	gen, n := genFunc(t, rt)
	next := builtin(t, rt, "next")

	g := mustCall(t, rt, gen)
	mustCall(t, rt, next, g)
	throw := method(t, rt, g, "throw")

	ge := callErr(t, rt, throw, rt.Types().ValueError.Value(), rt.Str("boom"))
	if ge.Type != "ValueError" || ge.Message != "boom" {
		t.Errorf("throw raised %s: %s, want ValueError: boom", ge.Type, ge.Message)
	}
	if *n != 1 {
		t.Errorf("body ran %d steps past the yield, want 1", *n)
	}
	if !rt.object(g).(*Generator).IsFinished() {
		t.Error("generator not finished after an escaping exception")
	}
	if ge := callErr(t, rt, next, g); ge.Type != "StopIteration" {
		t.Errorf("next after throw raised %s, want StopIteration", ge.Type)
	}

	// A fresh generator dies without running its body.
	fresh := mustCall(t, rt, gen)
	callErr(t, rt, method(t, rt, fresh, "throw"), rt.Types().ValueError.Value())
	if *n != 1 {
		t.Errorf("throw into a fresh generator ran its body")
	}

	// Non-exception types are refused before the generator resumes.
	other := mustCall(t, rt, gen)
	if ge := callErr(t, rt, method(t, rt, other, "throw"), rt.Types().Int.Value()); ge.Type != "TypeError" {
		t.Errorf("throw(int) raised %s, want TypeError", ge.Type)
	}
}

func TestGeneratorClose(t *testing.T) {
	rt := newTestRuntime(t)
	gen, n := catchingGen(t, rt, "GeneratorExit")
	next := builtin(t, rt, "next")

	// An unstarted generator closes without running.
	fresh := mustCall(t, rt, gen)
	if got := mustCall(t, rt, method(t, rt, fresh, "close")); got != None {
		t.Errorf("close() = %s, want None", rt.Repr(got))
	}
	if *n != 0 {
		t.Error("closing a fresh generator ran its body")
	}

	// GeneratorExit lands in the handler at the yield; yielding from there
	// is refused.
	g := mustCall(t, rt, gen)
	mustCall(t, rt, next, g)
	closeG := method(t, rt, g, "close")
	ge := callErr(t, rt, closeG)
	if *n != 1 {
		t.Errorf("GeneratorExit handler ran %d times, want 1", *n)
	}
	if ge.Type != "RuntimeError" || ge.Message != "generator ignored GeneratorExit" {
		t.Errorf("close raised %s: %s", ge.Type, ge.Message)
	}
}

func TestGeneratorCloseRunsFinallyOnce(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("test")
	tick, n := counter(rt, "tick")
	m.Set("tick", tick)

	// def gen():
	//     try:
	//         yield 1
	//     finally:
	//         tick()
	b := NewCodeBuilder(rt, "gen").Generator()
	fin := b.NewLabel()
	b.Jump(OpSetupFinally, fin)
	b.LoadInt(1).Op(OpYieldValue).Pop()
	b.Op(OpPopBlock).LoadConst(None)
	b.Mark(fin)
	b.LoadGlobal("tick").Call(0).Pop()
	b.Op(OpEndFinally)
	b.ReturnNone()
	gen := buildFunc(t, rt, m, b)

	g := mustCall(t, rt, gen)
	mustCall(t, rt, builtin(t, rt, "next"), g)
	closeG := method(t, rt, g, "close")

	if got := mustCall(t, rt, closeG); got != None {
		t.Errorf("close() = %s, want None", rt.Repr(got))
	}
	if *n != 1 {
		t.Errorf("finally ran %d times, want 1", *n)
	}
	if !rt.object(g).(*Generator).IsFinished() {
		t.Error("generator not finished after close")
	}

	// A second close is a no-op.
	if got := mustCall(t, rt, closeG); got != None {
		t.Errorf("second close() = %s, want None", rt.Repr(got))
	}
	if *n != 1 {
		t.Errorf("second close ran finally again: %d", *n)
	}
}
