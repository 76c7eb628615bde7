// Package demo holds ready-made programs assembled with vm.CodeBuilder.
// Each program runs as a module and leaves its observable results in
// module globals, which Verify checks.
package demo

import (
	"context"
	"fmt"
	"sort"

	"github.com/chazu/basalt/vm"
)

// Program is one runnable demonstration.
type Program struct {
	Name        string
	Description string

	// Show lists the globals worth printing after a run.
	Show []string

	// Build assembles the module code.
	Build func(rt *vm.Runtime) (vm.Value, error)

	// Verify checks the globals a run left behind.
	Verify func(rt *vm.Runtime, m *vm.Module) error
}

var registry = map[string]*Program{}

func register(p *Program) {
	if _, dup := registry[p.Name]; dup {
		panic("demo: duplicate program " + p.Name)
	}
	registry[p.Name] = p
}

// All returns every program sorted by name.
func All() []*Program {
	out := make([]*Program, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the program called name.
func Lookup(name string) (*Program, bool) {
	p, ok := registry[name]
	return p, ok
}

// Run builds p, runs it as a module and verifies the outcome.
func Run(ctx context.Context, rt *vm.Runtime, p *Program) (*vm.Module, error) {
	code, err := p.Build(rt)
	if err != nil {
		return nil, fmt.Errorf("demo %s: build: %w", p.Name, err)
	}
	m, err := rt.RunModule(ctx, p.Name, code)
	if err != nil {
		return m, fmt.Errorf("demo %s: %w", p.Name, err)
	}
	if err := p.Verify(rt, m); err != nil {
		return m, fmt.Errorf("demo %s: verify: %w", p.Name, err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Assembly helpers
// ---------------------------------------------------------------------------

type method struct {
	name string
	code vm.Value
}

// defineClass emits `name = type(name, (bases...), {methods...})`.
func defineClass(b *vm.CodeBuilder, name string, bases []string, methods ...method) {
	b.LoadGlobal("type").LoadStr(name)
	for _, base := range bases {
		b.LoadGlobal(base)
	}
	b.Emit(vm.OpBuildTuple, len(bases))
	for _, m := range methods {
		b.LoadStr(m.name)
		b.MakeFunction(m.code, name+"."+m.name, 0)
	}
	b.Emit(vm.OpBuildMap, len(methods))
	b.Call(3).StoreGlobal(name)
}

// defineFunction emits `name = <function>` for a code value without
// defaults or closure.
func defineFunction(b *vm.CodeBuilder, name string, code vm.Value) {
	b.MakeFunction(code, name, 0).StoreGlobal(name)
}

// logAppend emits `log.append(s)` as a statement.
func logAppend(b *vm.CodeBuilder, s string) {
	b.LoadGlobal("log").LoadMethod("append").LoadStr(s).CallMethod(1).Pop()
}

// raise emits `raise excType(message)`.
func raise(b *vm.CodeBuilder, excType, message string) {
	b.LoadGlobal(excType).LoadStr(message).Call(1).Emit(vm.OpRaiseVarargs, 1)
}

// exceptClause emits the matching prologue of an except clause for excType.
// On a match the exception value is left on the stack; otherwise control
// goes to reraise.
func exceptClause(b *vm.CodeBuilder, excType string, reraise *vm.Label) {
	b.Op(vm.OpDupTop).LoadGlobal(excType).Compare(vm.CompareExcMatch)
	b.Jump(vm.OpPopJumpIfFalse, reraise)
	b.Pop() // type
}

// endExcept closes an except clause whose value was already consumed,
// popping the traceback and restoring the previous exception.
func endExcept(b *vm.CodeBuilder, done *vm.Label) {
	b.Pop() // traceback
	b.Op(vm.OpPopExcept)
	b.Jump(vm.OpJumpForward, done)
}

// ---------------------------------------------------------------------------
// Verification helpers
// ---------------------------------------------------------------------------

func global(m *vm.Module, name string) (vm.Value, error) {
	v, ok := m.Get(name)
	if !ok {
		return vm.None, fmt.Errorf("global %s is not set", name)
	}
	return v, nil
}

func expectInt(rt *vm.Runtime, m *vm.Module, name string, want int64) error {
	v, err := global(m, name)
	if err != nil {
		return err
	}
	if !v.IsSmallInt() || v.SmallInt() != want {
		return fmt.Errorf("%s = %s, want %d", name, rt.Repr(v), want)
	}
	return nil
}

func expectStr(rt *vm.Runtime, m *vm.Module, name, want string) error {
	v, err := global(m, name)
	if err != nil {
		return err
	}
	if s, ok := rt.StrValue(v); !ok || s != want {
		return fmt.Errorf("%s = %s, want %q", name, rt.Repr(v), want)
	}
	return nil
}

func expectInts(rt *vm.Runtime, m *vm.Module, name string, want ...int64) error {
	v, err := global(m, name)
	if err != nil {
		return err
	}
	items, ok := rt.TupleItems(v)
	if !ok {
		items, ok = rt.ListItems(v)
	}
	if !ok || len(items) != len(want) {
		return fmt.Errorf("%s = %s, want %v", name, rt.Repr(v), want)
	}
	for i, it := range items {
		if !it.IsSmallInt() || it.SmallInt() != want[i] {
			return fmt.Errorf("%s = %s, want %v", name, rt.Repr(v), want)
		}
	}
	return nil
}

func expectStrs(rt *vm.Runtime, m *vm.Module, name string, want ...string) error {
	v, err := global(m, name)
	if err != nil {
		return err
	}
	items, ok := rt.ListItems(v)
	if !ok || len(items) != len(want) {
		return fmt.Errorf("%s = %s, want %q", name, rt.Repr(v), want)
	}
	for i, it := range items {
		if s, ok := rt.StrValue(it); !ok || s != want[i] {
			return fmt.Errorf("%s = %s, want %q", name, rt.Repr(v), want)
		}
	}
	return nil
}

// firstError returns the first non-nil error.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
