package vm

import (
	"fmt"
	"sort"
)

// Module is a namespace of ValueCells. Functions use their module as
// globals; global caches bind directly to its cells.
type Module struct {
	Header
	rt   *Runtime
	name string
	dict map[string]*ValueCell
}

func (m *Module) visitPointers(visit PointerVisitor) {
	for _, cell := range m.dict {
		visit(&cell.value)
	}
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Get returns the binding of name.
func (m *Module) Get(name string) (Value, bool) {
	if cell := m.dict[name]; cell != nil && !cell.IsPlaceholder() {
		return cell.value, true
	}
	return Unbound, false
}

// Names returns the bound names in sorted order.
func (m *Module) Names() []string {
	var names []string
	for name, cell := range m.dict {
		if !cell.IsPlaceholder() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Set binds name. Rebinding an existing name writes through its cell, so
// functions that cached the cell see the new value without invalidation.
// Filling a placeholder invalidates the functions that resolved name
// elsewhere (in builtins) while it was unbound here.
func (m *Module) Set(name string, v Value) {
	cell := m.dict[name]
	if cell == nil {
		m.dict[name] = &ValueCell{value: v}
		return
	}
	wasPlaceholder := cell.IsPlaceholder()
	cell.value = v
	if wasPlaceholder {
		m.rt.globalChanged(name, cell)
	}
}

// Delete unbinds name and invalidates every function that cached it.
func (m *Module) Delete(name string) error {
	cell := m.dict[name]
	if cell == nil || cell.IsPlaceholder() {
		return fmt.Errorf("%w: name '%s' is not defined", ErrName, name)
	}
	cell.value = Unbound
	m.rt.globalChanged(name, cell)
	return nil
}

// cell returns the cell for name, or nil.
func (m *Module) cell(name string) *ValueCell {
	return m.dict[name]
}

// placeholder returns the cell for name, creating an unbound one if needed.
func (m *Module) placeholder(name string) *ValueCell {
	cell := m.dict[name]
	if cell == nil {
		cell = &ValueCell{value: Unbound}
		m.dict[name] = cell
	}
	return cell
}

// NewModule creates and registers an empty module. An existing module of
// the same name is replaced.
func (rt *Runtime) NewModule(name string) *Module {
	m := &Module{rt: rt, name: name, dict: make(map[string]*ValueCell)}
	rt.heap.Allocate(LayoutModule, m)
	rt.modules[name] = m
	m.Set("__name__", rt.Str(name))
	return m
}

// Module returns a registered module.
func (rt *Runtime) Module(name string) (*Module, bool) {
	m, ok := rt.modules[name]
	return m, ok
}

// Builtins returns the builtins module.
func (rt *Runtime) Builtins() *Module {
	return rt.builtins
}
