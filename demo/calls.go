package demo

import "github.com/chazu/basalt/vm"

func init() {
	register(&Program{
		Name:        "keywords",
		Description: "f(a, b=1) called as f(b=5, a=2) and with a default",
		Show:        []string{"result", "defaulted"},
		Build:       buildKeywords,
		Verify: func(rt *vm.Runtime, m *vm.Module) error {
			return firstError(
				expectInts(rt, m, "result", 2, 5),
				expectInts(rt, m, "defaulted", 7, 1),
			)
		},
	})

	register(&Program{
		Name:        "closure",
		Description: "a counter closing over a cell variable",
		Show:        []string{"result"},
		Build:       buildClosure,
		Verify: func(rt *vm.Runtime, m *vm.Module) error {
			return expectInt(rt, m, "result", 3)
		},
	})
}

// def f(a, b=1): return (a, b)
// result = f(b=5, a=2)
// defaulted = f(7)
func buildKeywords(rt *vm.Runtime) (vm.Value, error) {
	f := vm.NewCodeBuilder(rt, "f").Params("a", "b")
	f.LoadFast("a").LoadFast("b").Emit(vm.OpBuildTuple, 2).Return()
	fcode, err := f.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("keywords")
	b.LoadInt(1).Emit(vm.OpBuildTuple, 1)
	b.MakeFunction(fcode, "f", vm.MakeFunctionDefaults).StoreGlobal("f")
	b.Line(2)
	b.LoadGlobal("f").LoadInt(5).LoadInt(2).CallKw(0, "b", "a").StoreGlobal("result")
	b.Line(3)
	b.LoadGlobal("f").LoadInt(7).Call(1).StoreGlobal("defaulted")
	b.ReturnNone()
	return b.Build()
}

// def make_counter():
//     count = 0
//     def inc():
//         nonlocal count
//         count += 1
//         return count
//     return inc
// c = make_counter(); c(); c()
// result = c()
func buildClosure(rt *vm.Runtime) (vm.Value, error) {
	inc := vm.NewCodeBuilder(rt, "inc").Free("count")
	inc.Deref(vm.OpLoadDeref, "count").LoadInt(1).Op(vm.OpInplaceAdd).Deref(vm.OpStoreDeref, "count")
	inc.Deref(vm.OpLoadDeref, "count").Return()
	incCode, err := inc.Build()
	if err != nil {
		return vm.None, err
	}

	mk := vm.NewCodeBuilder(rt, "make_counter").Cell("count")
	mk.LoadInt(0).Deref(vm.OpStoreDeref, "count")
	mk.Deref(vm.OpLoadClosure, "count").Emit(vm.OpBuildTuple, 1)
	mk.MakeFunction(incCode, "make_counter.<locals>.inc", vm.MakeFunctionClosure).Return()
	mkCode, err := mk.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("closure")
	defineFunction(b, "make_counter", mkCode)
	b.LoadGlobal("make_counter").Call(0).StoreGlobal("c")
	b.LoadGlobal("c").Call(0).Pop()
	b.LoadGlobal("c").Call(0).Pop()
	b.LoadGlobal("c").Call(0).StoreGlobal("result")
	b.ReturnNone()
	return b.Build()
}
