package demo

import "github.com/chazu/basalt/vm"

func init() {
	register(&Program{
		Name:        "generator",
		Description: "a generator body runs nothing until the first next()",
		Show:        []string{"before", "first", "after", "second", "rest", "log"},
		Build:       buildGenerator,
		Verify: func(rt *vm.Runtime, m *vm.Module) error {
			return firstError(
				expectInt(rt, m, "before", 0),
				expectInt(rt, m, "first", 1),
				expectInt(rt, m, "after", 1),
				expectInt(rt, m, "second", 2),
				expectInts(rt, m, "rest"),
				expectStrs(rt, m, "log", "started", "resumed", "finished"),
			)
		},
	})
}

// log = []
// def gen():
//     log.append('started')
//     yield 1
//     log.append('resumed')
//     yield 2
//     log.append('finished')
// g = gen()
// before = len(log)
// first = next(g)
// after = len(log)
// second = next(g)
// rest = list(g)
func buildGenerator(rt *vm.Runtime) (vm.Value, error) {
	g := vm.NewCodeBuilder(rt, "gen").Generator()
	g.Line(2)
	logAppend(g, "started")
	g.Line(3)
	g.LoadInt(1).Op(vm.OpYieldValue).Pop()
	g.Line(4)
	logAppend(g, "resumed")
	g.Line(5)
	g.LoadInt(2).Op(vm.OpYieldValue).Pop()
	g.Line(6)
	logAppend(g, "finished")
	g.ReturnNone()
	gen, err := g.Build()
	if err != nil {
		return vm.None, err
	}

	b := vm.NewCodeBuilder(rt, "<module>").Filename("generator")
	b.Emit(vm.OpBuildList, 0).StoreGlobal("log")
	defineFunction(b, "gen", gen)
	b.LoadGlobal("gen").Call(0).StoreGlobal("g")
	b.LoadGlobal("len").LoadGlobal("log").Call(1).StoreGlobal("before")
	b.LoadGlobal("next").LoadGlobal("g").Call(1).StoreGlobal("first")
	b.LoadGlobal("len").LoadGlobal("log").Call(1).StoreGlobal("after")
	b.LoadGlobal("next").LoadGlobal("g").Call(1).StoreGlobal("second")
	b.LoadGlobal("list").LoadGlobal("g").Call(1).StoreGlobal("rest")
	b.ReturnNone()
	return b.Build()
}
