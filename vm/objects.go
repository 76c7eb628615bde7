package vm

// ---------------------------------------------------------------------------
// Instance: an object with layout-described attribute storage
// ---------------------------------------------------------------------------

// Instance is the storage of user-defined objects. Its layout id says which
// attribute lives in which slot: in-object slots are allocated with the
// instance, overflow slots grow on demand.
type Instance struct {
	Header
	inObject []Value
	overflow []Value
}

func (o *Instance) visitPointers(visit PointerVisitor) {
	visitAll(o.inObject, visit)
	visitAll(o.overflow, visit)
}

func (o *Instance) instance() *Instance { return o }

// attributeHolder is implemented by objects with layout-described storage.
type attributeHolder interface {
	HeapObject
	instance() *Instance
}

func (o *Instance) slot(info AttributeInfo) Value {
	if info.IsInObject() {
		return o.inObject[info.Offset()]
	}
	if info.Offset() >= len(o.overflow) {
		return Unbound
	}
	return o.overflow[info.Offset()]
}

func (o *Instance) setSlot(info AttributeInfo, v Value) {
	if info.IsInObject() {
		o.inObject[info.Offset()] = v
		return
	}
	for info.Offset() >= len(o.overflow) {
		o.overflow = append(o.overflow, Unbound)
	}
	o.overflow[info.Offset()] = v
}

func newSlots(n int) []Value {
	slots := make([]Value, n)
	for i := range slots {
		slots[i] = Unbound
	}
	return slots
}

// ---------------------------------------------------------------------------
// Builtin object structs
// ---------------------------------------------------------------------------

// Str is an immutable string.
type Str struct {
	Header
	s    string
	hash int64
}

func (o *Str) visitPointers(PointerVisitor) {}

// Tuple is an immutable sequence.
type Tuple struct {
	Header
	items []Value
}

func (o *Tuple) visitPointers(visit PointerVisitor) { visitAll(o.items, visit) }

// List is a mutable sequence.
type List struct {
	Header
	items []Value
}

func (o *List) visitPointers(visit PointerVisitor) { visitAll(o.items, visit) }

// Cell holds one closed-over variable.
type Cell struct {
	Header
	value Value
}

func (o *Cell) visitPointers(visit PointerVisitor) { visit(&o.value) }

// BoundMethod pairs a function with the object it was looked up on.
type BoundMethod struct {
	Header
	self Value
	fn   Value
}

func (o *BoundMethod) visitPointers(visit PointerVisitor) {
	visit(&o.self)
	visit(&o.fn)
}

// SeqIterator walks a tuple, list or str by index.
type SeqIterator struct {
	Header
	seq   Value
	index int
}

func (o *SeqIterator) visitPointers(visit PointerVisitor) { visit(&o.seq) }

// Property is a data descriptor: reads call fget, writes call fset.
type Property struct {
	Header
	fget Value
	fset Value
	fdel Value
}

func (o *Property) visitPointers(visit PointerVisitor) {
	visit(&o.fget)
	visit(&o.fset)
	visit(&o.fdel)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Str returns the interned string value for s.
func (rt *Runtime) Str(s string) Value {
	if v, ok := rt.interned[s]; ok {
		return v
	}
	v := rt.heap.Allocate(LayoutStr, &Str{s: s, hash: hashString(s)})
	rt.interned[s] = v
	return v
}

// NewStr allocates a string without interning it.
func (rt *Runtime) NewStr(s string) Value {
	return rt.heap.Allocate(LayoutStr, &Str{s: s, hash: hashString(s)})
}

// NewTuple allocates a tuple holding items.
func (rt *Runtime) NewTuple(items ...Value) Value {
	return rt.heap.Allocate(LayoutTuple, &Tuple{items: items})
}

// NewList allocates a list holding items.
func (rt *Runtime) NewList(items ...Value) Value {
	return rt.heap.Allocate(LayoutList, &List{items: items})
}

func (rt *Runtime) newCell(v Value) Value {
	return rt.heap.Allocate(LayoutCell, &Cell{value: v})
}

func (rt *Runtime) newBoundMethod(self, fn Value) Value {
	return rt.heap.Allocate(LayoutBoundMethod, &BoundMethod{self: self, fn: fn})
}

// newInstance allocates an instance of a user-layout type.
func (rt *Runtime) newInstance(typ *Type) Value {
	l := typ.instanceLayout
	return rt.heap.Allocate(l.id, &Instance{inObject: newSlots(l.numInObject)})
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (rt *Runtime) object(v Value) HeapObject {
	if !v.IsHeapObject() {
		return nil
	}
	return rt.heap.Object(v)
}

// StrValue returns the Go string of a str value.
func (rt *Runtime) StrValue(v Value) (string, bool) {
	if o, ok := rt.object(v).(*Str); ok {
		return o.s, true
	}
	return "", false
}

// TupleItems returns the items of a tuple value. The slice is shared.
func (rt *Runtime) TupleItems(v Value) ([]Value, bool) {
	if o, ok := rt.object(v).(*Tuple); ok {
		return o.items, true
	}
	return nil, false
}

// ListItems returns the items of a list value. The slice is shared.
func (rt *Runtime) ListItems(v Value) ([]Value, bool) {
	if o, ok := rt.object(v).(*List); ok {
		return o.items, true
	}
	return nil, false
}

// sequenceItems returns the items of a tuple or list.
func (rt *Runtime) sequenceItems(v Value) ([]Value, bool) {
	switch o := rt.object(v).(type) {
	case *Tuple:
		return o.items, true
	case *List:
		return o.items, true
	}
	return nil, false
}

// hashString is FNV-1a folded into the SmallInt range.
func hashString(s string) int64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return int64(h >> 2)
}
