package vm

import "fmt"

// LayoutID identifies a Layout. It is what object headers carry and what
// inline caches key on.
type LayoutID uint32

// Reserved layout ids. Immediates and builtin structs use these; user
// instances get fresh ids from the LayoutTable.
const (
	LayoutInvalid LayoutID = iota
	LayoutSmallInt
	LayoutBool
	LayoutNoneType
	LayoutNotImplementedType
	LayoutObject
	LayoutType
	LayoutFunction
	LayoutCode
	LayoutStr
	LayoutTuple
	LayoutList
	LayoutDict
	LayoutCell
	LayoutBoundMethod
	LayoutModule
	LayoutGenerator
	LayoutSeqIterator
	LayoutProperty
	LayoutTraceback

	numReservedLayouts
)

// LayoutKind is the storage class of a layout.
type LayoutKind uint8

const (
	LayoutBuiltin LayoutKind = iota // fixed Go struct, no attribute storage
	LayoutUser                      // attribute storage in Instance slots
)

// ---------------------------------------------------------------------------
// AttributeInfo: packed attribute descriptor
// ---------------------------------------------------------------------------

// AttributeInfo describes where one attribute lives.
//
// Bits, from the low end:
//   - offset    32 bits (slot index within in-object or overflow storage)
//   - in-object  1 bit
//   - flags      8 bits
type AttributeInfo uint64

// AttributeFlags mark special attributes.
type AttributeFlags uint8

const (
	AttrReadOnly AttributeFlags = 1 << iota
	AttrDeleted
	AttrDataDescriptor
	AttrNonDataDescriptor
)

const (
	attrOffsetBits   = 32
	attrOffsetMask   = 1<<attrOffsetBits - 1
	attrInObjectBit  = 1 << attrOffsetBits
	attrFlagsShift   = attrOffsetBits + 1
	attrFlagsMask    = 0xFF
	maxAttributeSlot = attrOffsetMask
)

// NewAttributeInfo packs a descriptor. Panics if offset does not fit.
func NewAttributeInfo(offset int, inObject bool, flags AttributeFlags) AttributeInfo {
	if offset < 0 || offset > maxAttributeSlot {
		panic(fmt.Sprintf("NewAttributeInfo: offset %d out of range", offset))
	}
	info := uint64(offset) | uint64(flags)<<attrFlagsShift
	if inObject {
		info |= attrInObjectBit
	}
	return AttributeInfo(info)
}

// Offset returns the slot index.
func (a AttributeInfo) Offset() int {
	return int(uint64(a) & attrOffsetMask)
}

// IsInObject returns true if the attribute lives in the in-object slots.
func (a AttributeInfo) IsInObject() bool {
	return uint64(a)&attrInObjectBit != 0
}

// IsOverflow returns true if the attribute lives in the overflow slots.
func (a AttributeInfo) IsOverflow() bool {
	return !a.IsInObject()
}

// Flags returns the attribute flags.
func (a AttributeInfo) Flags() AttributeFlags {
	return AttributeFlags(uint64(a) >> attrFlagsShift & attrFlagsMask)
}

// Has returns true if all of flags are set.
func (a AttributeInfo) Has(flags AttributeFlags) bool {
	return a.Flags()&flags == flags
}

func (a AttributeInfo) withFlags(flags AttributeFlags) AttributeInfo {
	return AttributeInfo(uint64(a) | uint64(flags)<<attrFlagsShift)
}

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

type layoutEntry struct {
	name string
	info AttributeInfo
}

type layoutEdge struct {
	name string
	to   *Layout
}

// Layout describes one attribute-storage shape. Its entry tables never
// change after the layout is published; only the edge lists grow, and they
// are a cache of transitions already taken.
type Layout struct {
	id   LayoutID
	typ  *Type
	kind LayoutKind

	inObject    []layoutEntry
	overflow    []layoutEntry
	numInObject int // in-object capacity reserved when the type was built

	additions []layoutEdge
	deletions []layoutEdge
}

// ID returns the layout id.
func (l *Layout) ID() LayoutID { return l.id }

// Type returns the type whose instances use this layout.
func (l *Layout) Type() *Type { return l.typ }

// Kind returns the storage class.
func (l *Layout) Kind() LayoutKind { return l.kind }

// NumInObject returns the reserved in-object slot count.
func (l *Layout) NumInObject() int { return l.numInObject }

// NumOverflow returns the overflow table length, tombstones included.
func (l *Layout) NumOverflow() int { return len(l.overflow) }

// Lookup finds name among the live attributes of l.
func (l *Layout) Lookup(name string) (AttributeInfo, bool) {
	for _, e := range l.inObject {
		if e.name == name && !e.info.Has(AttrDeleted) {
			return e.info, true
		}
	}
	for _, e := range l.overflow {
		if e.name == name && !e.info.Has(AttrDeleted) {
			return e.info, true
		}
	}
	return 0, false
}

// AttributeNames returns live attribute names in storage order.
func (l *Layout) AttributeNames() []string {
	var names []string
	for _, e := range l.inObject {
		if !e.info.Has(AttrDeleted) {
			names = append(names, e.name)
		}
	}
	for _, e := range l.overflow {
		if !e.info.Has(AttrDeleted) {
			names = append(names, e.name)
		}
	}
	return names
}

func findEdge(edges []layoutEdge, name string) *Layout {
	for _, e := range edges {
		if e.name == name {
			return e.to
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// LayoutTable: id -> Layout registry
// ---------------------------------------------------------------------------

// LayoutTable owns every layout of a runtime.
type LayoutTable struct {
	layouts []*Layout
	edges   int
}

// NewLayoutTable creates a table with the reserved ids allocated.
func NewLayoutTable() *LayoutTable {
	lt := &LayoutTable{layouts: make([]*Layout, numReservedLayouts, 256)}
	for id := LayoutID(1); id < numReservedLayouts; id++ {
		lt.layouts[id] = &Layout{id: id, kind: LayoutBuiltin}
	}
	return lt
}

// At returns the layout for id.
func (lt *LayoutTable) At(id LayoutID) *Layout {
	return lt.layouts[id]
}

// Len returns the number of layouts, reserved ones included.
func (lt *LayoutTable) Len() int {
	return len(lt.layouts)
}

// Edges returns the number of cached transitions.
func (lt *LayoutTable) Edges() int {
	return lt.edges
}

// NewRootLayout creates the empty initial layout for instances of typ.
func (lt *LayoutTable) NewRootLayout(typ *Type, numInObject int) *Layout {
	l := &Layout{typ: typ, kind: LayoutUser, numInObject: numInObject}
	lt.publish(l)
	return l
}

func (lt *LayoutTable) publish(l *Layout) {
	id := LayoutID(len(lt.layouts))
	if uint64(id) > MaxLayoutID {
		panic("LayoutTable: layout ids exhausted")
	}
	l.id = id
	lt.layouts = append(lt.layouts, l)
}

func (lt *LayoutTable) derive(from *Layout) *Layout {
	child := &Layout{
		typ:         from.typ,
		kind:        from.kind,
		inObject:    append([]layoutEntry(nil), from.inObject...),
		overflow:    append([]layoutEntry(nil), from.overflow...),
		numInObject: from.numInObject,
	}
	lt.publish(child)
	return child
}

// AddAttribute returns the layout reached from l by adding name. An
// existing edge is reused, so identical addition histories share layouts.
func (lt *LayoutTable) AddAttribute(l *Layout, name string, flags AttributeFlags) (*Layout, AttributeInfo) {
	for _, e := range l.additions {
		if e.name != name {
			continue
		}
		if info, _ := e.to.Lookup(name); info.Flags() == flags {
			return e.to, info
		}
	}

	child := lt.derive(l)
	var info AttributeInfo
	if len(child.inObject) < child.numInObject {
		info = NewAttributeInfo(len(child.inObject), true, flags)
		child.inObject = append(child.inObject, layoutEntry{name: name, info: info})
	} else {
		info = NewAttributeInfo(len(child.overflow), false, flags)
		child.overflow = append(child.overflow, layoutEntry{name: name, info: info})
	}
	l.additions = append(l.additions, layoutEdge{name: name, to: child})
	lt.edges++
	log.Debugf("layout %d +%s -> %d", l.id, name, child.id)
	return child, info
}

// DeleteAttribute returns the layout reached from l by deleting name, and
// the info of the slot that was tombstoned. The slot stays allocated.
func (lt *LayoutTable) DeleteAttribute(l *Layout, name string) (*Layout, AttributeInfo, bool) {
	info, ok := l.Lookup(name)
	if !ok {
		return l, 0, false
	}
	if next := findEdge(l.deletions, name); next != nil {
		return next, info, true
	}

	child := lt.derive(l)
	entries := child.overflow
	if info.IsInObject() {
		entries = child.inObject
	}
	entries[info.Offset()].info = info.withFlags(AttrDeleted)
	l.deletions = append(l.deletions, layoutEdge{name: name, to: child})
	lt.edges++
	log.Debugf("layout %d -%s -> %d", l.id, name, child.id)
	return child, info, true
}
