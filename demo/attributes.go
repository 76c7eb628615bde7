package demo

import (
	"fmt"
	"strings"

	"github.com/chazu/basalt/vm"
)

const hotIterations = 100

func init() {
	register(&Program{
		Name:        "attribute-cache",
		Description: "a hot loop reading p.x hits a monomorphic cache after one miss",
		Show:        []string{"result"},
		Build:       buildAttributeCache,
		Verify:      verifyAttributeCache,
	})

	register(&Program{
		Name:        "late-add",
		Description: "adding __add__ to a type re-resolves an already populated operator cache",
		Show:        []string{"before", "result"},
		Build:       buildLateAdd,
		Verify: func(rt *vm.Runtime, m *vm.Module) error {
			return firstError(
				expectStr(rt, m, "before", "TypeError"),
				expectInt(rt, m, "result", 3),
			)
		},
	})

	register(&Program{
		Name:        "dispatch",
		Description: "a subclass overriding __radd__ is tried before the left operand's __add__",
		Show:        []string{"forward", "reflected", "message"},
		Build:       buildDispatch,
		Verify:      verifyDispatch,
	})
}

// initCode builds `def __init__(self, <attr>): self.<attr> = <attr>`.
func initCode(rt *vm.Runtime, attr string) (vm.Value, error) {
	b := vm.NewCodeBuilder(rt, "__init__").Params("self", attr)
	b.LoadFast(attr).LoadFast("self").StoreAttr(attr)
	b.ReturnNone()
	return b.Build()
}

// Point = type('Point', (object,), {'__init__': ...})
// def hot(p, n):
//     total = 0
//     i = 0
//     while i < n:
//         total += p.x
//         i += 1
//     return total
// result = hot(Point(3), 100)
func buildAttributeCache(rt *vm.Runtime) (vm.Value, error) {
	pinit, err := initCode(rt, "x")
	if err != nil {
		return vm.None, err
	}

	h := vm.NewCodeBuilder(rt, "hot").Params("p", "n")
	top, exit, end := h.NewLabel(), h.NewLabel(), h.NewLabel()
	h.LoadInt(0).StoreFast("total")
	h.LoadInt(0).StoreFast("i")
	h.Jump(vm.OpSetupLoop, end)
	h.Mark(top)
	h.LoadFast("i").LoadFast("n").Compare(vm.CompareLT)
	h.Jump(vm.OpPopJumpIfFalse, exit)
	h.LoadFast("total").LoadFast("p").LoadAttr("x").Op(vm.OpInplaceAdd).StoreFast("total")
	h.LoadFast("i").LoadInt(1).Op(vm.OpInplaceAdd).StoreFast("i")
	h.Jump(vm.OpJumpAbsolute, top)
	h.Mark(exit)
	h.Op(vm.OpPopBlock)
	h.Mark(end)
	h.LoadFast("total").Return()
	hot, err := h.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("attribute-cache")
	defineClass(b, "Point", []string{"object"}, method{"__init__", pinit})
	defineFunction(b, "hot", hot)
	b.LoadGlobal("hot").LoadGlobal("Point").LoadInt(3).Call(1).LoadInt(hotIterations).Call(2)
	b.StoreGlobal("result")
	b.ReturnNone()
	return b.Build()
}

func verifyAttributeCache(rt *vm.Runtime, m *vm.Module) error {
	if err := expectInt(rt, m, "result", 3*hotIterations); err != nil {
		return err
	}
	hot, err := global(m, "hot")
	if err != nil {
		return err
	}
	for _, s := range rt.Sites(hot) {
		if s.Name != "x" {
			continue
		}
		if s.State != vm.CacheMonomorphic || s.Misses != 1 || s.Hits != hotIterations-1 {
			return fmt.Errorf("p.x site: %s with %d hits, %d misses", s.State, s.Hits, s.Misses)
		}
		return nil
	}
	return fmt.Errorf("no cache site for p.x")
}

// V = type('V', (object,), {'__init__': ...})
// def add(a, b): return a + b
// def plus(self, other): return V(self.n + other.n)
// try:
//     add(V(1), V(2)); before = 'ok'
// except TypeError:
//     before = 'TypeError'
// V.__add__ = plus
// result = add(V(1), V(2)).n
func buildLateAdd(rt *vm.Runtime) (vm.Value, error) {
	vinit, err := initCode(rt, "n")
	if err != nil {
		return vm.None, err
	}

	a := vm.NewCodeBuilder(rt, "add").Params("a", "b")
	a.LoadFast("a").LoadFast("b").Op(vm.OpBinaryAdd).Return()
	add, err := a.Build()
	if err != nil {
		return vm.None, err
	}

	p := vm.NewCodeBuilder(rt, "plus").Params("self", "other")
	p.LoadGlobal("V").LoadFast("self").LoadAttr("n").LoadFast("other").LoadAttr("n").Op(vm.OpBinaryAdd)
	p.Call(1).Return()
	plus, err := p.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("late-add")
	defineClass(b, "V", []string{"object"}, method{"__init__", vinit})
	defineFunction(b, "add", add)
	defineFunction(b, "plus", plus)

	callAdd := func() {
		b.LoadGlobal("add")
		b.LoadGlobal("V").LoadInt(1).Call(1)
		b.LoadGlobal("V").LoadInt(2).Call(1)
		b.Call(2)
	}

	handler, reraise, done := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Jump(vm.OpSetupExcept, handler)
	callAdd()
	b.Pop()
	b.LoadStr("ok").StoreGlobal("before")
	b.Op(vm.OpPopBlock)
	b.Jump(vm.OpJumpForward, done)
	b.Mark(handler)
	exceptClause(b, "TypeError", reraise)
	b.Pop() // value
	b.LoadStr("TypeError").StoreGlobal("before")
	endExcept(b, done)
	b.Mark(reraise)
	b.Op(vm.OpEndFinally)
	b.Mark(done)

	b.LoadGlobal("plus").LoadGlobal("V").StoreAttr("__add__")
	callAdd()
	b.LoadAttr("n").StoreGlobal("result")
	b.ReturnNone()
	return b.Build()
}

// A = type('A', (object,), {'__add__': lambda self, o: 'A.__add__'})
// B = type('B', (A,), {'__radd__': lambda self, o: 'B.__radd__'})
// C = type('C', (object,), {})
// def add(x, y): return x + y
// forward = add(A(), A())
// reflected = add(A(), B())
// try:
//     add(C(), C())
// except TypeError as e:
//     message = str(e)
func buildDispatch(rt *vm.Runtime) (vm.Value, error) {
	constant := func(name, result string) (vm.Value, error) {
		c := vm.NewCodeBuilder(rt, name).Params("self", "other")
		c.LoadStr(result).Return()
		return c.Build()
	}
	aAdd, err := constant("__add__", "A.__add__")
	if err != nil {
		return vm.None, err
	}
	bRadd, err := constant("__radd__", "B.__radd__")
	if err != nil {
		return vm.None, err
	}
	a := vm.NewCodeBuilder(rt, "add").Params("x", "y")
	a.LoadFast("x").LoadFast("y").Op(vm.OpBinaryAdd).Return()
	add, err := a.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("dispatch")
	defineClass(b, "A", []string{"object"}, method{"__add__", aAdd})
	defineClass(b, "B", []string{"A"}, method{"__radd__", bRadd})
	defineClass(b, "C", []string{"object"})
	defineFunction(b, "add", add)

	b.LoadGlobal("add").LoadGlobal("A").Call(0).LoadGlobal("A").Call(0).Call(2).StoreGlobal("forward")
	b.LoadGlobal("add").LoadGlobal("A").Call(0).LoadGlobal("B").Call(0).Call(2).StoreGlobal("reflected")

	handler, reraise, done := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Jump(vm.OpSetupExcept, handler)
	b.LoadGlobal("add").LoadGlobal("C").Call(0).LoadGlobal("C").Call(0).Call(2).Pop()
	b.Op(vm.OpPopBlock)
	b.Jump(vm.OpJumpForward, done)
	b.Mark(handler)
	exceptClause(b, "TypeError", reraise)
	b.StoreGlobal("e")
	b.LoadGlobal("str").LoadGlobal("e").Call(1).StoreGlobal("message")
	endExcept(b, done)
	b.Mark(reraise)
	b.Op(vm.OpEndFinally)
	b.Mark(done)
	b.ReturnNone()
	return b.Build()
}

func verifyDispatch(rt *vm.Runtime, m *vm.Module) error {
	if err := firstError(
		expectStr(rt, m, "forward", "A.__add__"),
		expectStr(rt, m, "reflected", "B.__radd__"),
	); err != nil {
		return err
	}
	v, err := global(m, "message")
	if err != nil {
		return err
	}
	msg, _ := rt.StrValue(v)
	if !strings.Contains(msg, "'C' and 'C'") {
		return fmt.Errorf("message = %q, want both operand types named", msg)
	}
	return nil
}
