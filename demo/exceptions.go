package demo

import "github.com/chazu/basalt/vm"

func init() {
	register(&Program{
		Name:        "finally",
		Description: "finally blocks run before an outer handler sees the exception and before a return",
		Show:        []string{"log", "result"},
		Build:       buildFinally,
		Verify: func(rt *vm.Runtime, m *vm.Module) error {
			return firstError(
				expectStrs(rt, m, "log", "cleanup", "caught", "finally-ran"),
				expectStr(rt, m, "result", "value"),
			)
		},
	})

	register(&Program{
		Name:        "with",
		Description: "a context manager sees and suppresses an exception raised in its body",
		Show:        []string{"log"},
		Build:       buildWith,
		Verify: func(rt *vm.Runtime, m *vm.Module) error {
			return expectStrs(rt, m, "log", "enter", "body", "exit", "after")
		},
	})
}

// log = []
// def inner():
//     try:
//         raise ValueError('boom')
//     finally:
//         log.append('cleanup')
// def outer():
//     try:
//         inner()
//     except ValueError:
//         log.append('caught')
// def early():
//     try:
//         return 'value'
//     finally:
//         log.append('finally-ran')
// outer()
// result = early()
func buildFinally(rt *vm.Runtime) (vm.Value, error) {
	in := vm.NewCodeBuilder(rt, "inner").FirstLine(2)
	fin := in.NewLabel()
	in.Jump(vm.OpSetupFinally, fin)
	in.Line(4)
	raise(in, "ValueError", "boom")
	in.Op(vm.OpPopBlock).LoadConst(vm.None)
	in.Mark(fin)
	in.Line(6)
	logAppend(in, "cleanup")
	in.Op(vm.OpEndFinally)
	in.ReturnNone()
	inner, err := in.Build()
	if err != nil {
		return vm.None, err
	}

	out := vm.NewCodeBuilder(rt, "outer").FirstLine(7)
	handler, reraise, done := out.NewLabel(), out.NewLabel(), out.NewLabel()
	out.Jump(vm.OpSetupExcept, handler)
	out.Line(9)
	out.LoadGlobal("inner").Call(0).Pop()
	out.Op(vm.OpPopBlock)
	out.Jump(vm.OpJumpForward, done)
	out.Mark(handler)
	out.Line(10)
	exceptClause(out, "ValueError", reraise)
	out.Pop() // value
	logAppend(out, "caught")
	endExcept(out, done)
	out.Mark(reraise)
	out.Op(vm.OpEndFinally)
	out.Mark(done)
	out.ReturnNone()
	outer, err := out.Build()
	if err != nil {
		return vm.None, err
	}

	e := vm.NewCodeBuilder(rt, "early").FirstLine(12)
	efin := e.NewLabel()
	e.Jump(vm.OpSetupFinally, efin)
	e.Line(14)
	e.LoadStr("value").Return()
	e.Op(vm.OpPopBlock).LoadConst(vm.None)
	e.Mark(efin)
	e.Line(16)
	logAppend(e, "finally-ran")
	e.Op(vm.OpEndFinally)
	e.ReturnNone()
	early, err := e.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("finally")
	b.Emit(vm.OpBuildList, 0).StoreGlobal("log")
	defineFunction(b, "inner", inner)
	defineFunction(b, "outer", outer)
	defineFunction(b, "early", early)
	b.LoadGlobal("outer").Call(0).Pop()
	b.LoadGlobal("early").Call(0).StoreGlobal("result")
	b.ReturnNone()
	return b.Build()
}

// log = []
// class Manager:
//     def __enter__(self): log.append('enter'); return self
//     def __exit__(self, typ, val, tb): log.append('exit'); return typ is not None
// def body():
//     with Manager() as m:
//         log.append('body')
//         raise ValueError('suppressed')
//     log.append('after')
// body()
func buildWith(rt *vm.Runtime) (vm.Value, error) {
	en := vm.NewCodeBuilder(rt, "__enter__").Params("self")
	logAppend(en, "enter")
	en.LoadFast("self").Return()
	enter, err := en.Build()
	if err != nil {
		return vm.None, err
	}

	ex := vm.NewCodeBuilder(rt, "__exit__").Params("self", "typ", "val", "tb")
	logAppend(ex, "exit")
	ex.LoadFast("typ").LoadConst(vm.None).Compare(vm.CompareIsNot).Return()
	exit, err := ex.Build()
	if err != nil {
		return vm.None, err
	}

	bd := vm.NewCodeBuilder(rt, "body")
	cleanup := bd.NewLabel()
	bd.LoadGlobal("Manager").Call(0)
	bd.Jump(vm.OpSetupWith, cleanup)
	bd.StoreFast("m")
	logAppend(bd, "body")
	raise(bd, "ValueError", "suppressed")
	bd.Op(vm.OpPopBlock).LoadConst(vm.None)
	bd.Mark(cleanup)
	bd.Op(vm.OpWithCleanupStart)
	bd.Op(vm.OpWithCleanupFinish)
	bd.Op(vm.OpEndFinally)
	logAppend(bd, "after")
	bd.ReturnNone()
	body, err := bd.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("with")
	b.Emit(vm.OpBuildList, 0).StoreGlobal("log")
	defineClass(b, "Manager", []string{"object"}, method{"__enter__", enter}, method{"__exit__", exit})
	defineFunction(b, "body", body)
	b.LoadGlobal("body").Call(0).Pop()
	b.ReturnNone()
	return b.Build()
}
