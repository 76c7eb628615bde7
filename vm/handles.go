package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Handles: opaque references held outside the engine
// ---------------------------------------------------------------------------

// Handle is an opaque reference to a heap object held by code outside the
// engine, such as a native extension. While a handle is live its object
// survives collections. The zero Handle is never issued.
type Handle uint32

type handleEntry struct {
	value Value
	refs  int
}

// HandleTable maps handles to heap objects. Asking twice for the same
// object yields the same handle with its reference count bumped.
type HandleTable struct {
	mu      sync.RWMutex
	entries map[Handle]*handleEntry
	byValue map[Value]Handle
	nextID  atomic.Uint32
}

// NewHandleTable creates an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{
		entries: make(map[Handle]*handleEntry),
		byValue: make(map[Value]Handle),
	}
}

// Acquire returns the handle for v, creating it on first use.
func (ht *HandleTable) Acquire(v Value) Handle {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	if h, ok := ht.byValue[v]; ok {
		ht.entries[h].refs++
		return h
	}
	h := Handle(ht.nextID.Add(1))
	ht.entries[h] = &handleEntry{value: v, refs: 1}
	ht.byValue[v] = h
	return h
}

// Lookup returns the object behind h.
func (ht *HandleTable) Lookup(h Handle) (Value, bool) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	e, ok := ht.entries[h]
	if !ok {
		return None, false
	}
	return e.value, true
}

// Release drops one reference to h. The handle dies with its last reference.
func (ht *HandleTable) Release(h Handle) error {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	e, ok := ht.entries[h]
	if !ok {
		return fmt.Errorf("release of unknown handle %d", h)
	}
	e.refs--
	if e.refs == 0 {
		delete(ht.entries, h)
		delete(ht.byValue, e.value)
	}
	return nil
}

// Len returns the number of live handles.
func (ht *HandleTable) Len() int {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return len(ht.entries)
}

func (ht *HandleTable) visitRoots(visit PointerVisitor) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	for _, e := range ht.entries {
		visit(&e.value)
	}
}

// ---------------------------------------------------------------------------
// Runtime API
// ---------------------------------------------------------------------------

// NewHandle hands out an opaque handle for a heap object.
func (rt *Runtime) NewHandle(v Value) (Handle, error) {
	if !v.IsHeapObject() {
		return 0, fmt.Errorf("basalt: handle: %s is not a heap object", rt.TypeOf(v).Name())
	}
	return rt.handles.Acquire(v), nil
}

// HandleValue resolves h.
func (rt *Runtime) HandleValue(h Handle) (Value, bool) {
	return rt.handles.Lookup(h)
}

// ReleaseHandle drops one reference to h.
func (rt *Runtime) ReleaseHandle(h Handle) error {
	if err := rt.handles.Release(h); err != nil {
		return fmt.Errorf("basalt: %w", err)
	}
	return nil
}

// Attribute is one entry of an instance's flattened attribute view.
type Attribute struct {
	Name     string
	Value    Value
	ReadOnly bool
}

// Attributes flattens the layout-described storage of an instance into
// name order of its layout: in-object slots first, then overflow. ok is
// false for objects without attribute storage.
func (rt *Runtime) Attributes(v Value) ([]Attribute, bool) {
	inst, ok := rt.holder(v)
	if !ok {
		return nil, false
	}
	layout := rt.layouts.At(inst.LayoutID())
	names := layout.AttributeNames()
	out := make([]Attribute, 0, len(names))
	for _, name := range names {
		info, _ := layout.Lookup(name)
		out = append(out, Attribute{
			Name:     name,
			Value:    inst.slot(info),
			ReadOnly: info.Has(AttrReadOnly),
		})
	}
	return out, true
}

// SetAttributes writes a flattened attribute view back onto an instance,
// taking the same layout transitions guest assignments would.
func (t *Thread) SetAttributes(v Value, attrs []Attribute) error {
	for _, a := range attrs {
		var err error
		if a.ReadOnly {
			err = t.DefineReadOnly(v, a.Name, a.Value)
		} else {
			err = t.SetAttr(v, a.Name, a.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
