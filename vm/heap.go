package vm

import "fmt"

// ---------------------------------------------------------------------------
// Header: the per-object header word
// ---------------------------------------------------------------------------

// Header is embedded first in every heap object.
//
// The header word packs, from the low bits up:
//   - layout id       20 bits
//   - identity hash   30 bits (0 = not yet assigned)
//   - GC color         2 bits
//   - GC generation    2 bits
type Header struct {
	word  uint64
	index uint32 // arena slot, fixed for the object's lifetime
}

const (
	headerLayoutBits = 20
	headerHashBits   = 30
	headerColorBits  = 2
	headerGenBits    = 2

	headerLayoutShift = 0
	headerHashShift   = headerLayoutShift + headerLayoutBits
	headerColorShift  = headerHashShift + headerHashBits
	headerGenShift    = headerColorShift + headerColorBits

	headerLayoutMask = 1<<headerLayoutBits - 1
	headerHashMask   = 1<<headerHashBits - 1
	headerColorMask  = 1<<headerColorBits - 1
	headerGenMask    = 1<<headerGenBits - 1

	// MaxLayoutID is the largest layout id a header can carry.
	MaxLayoutID = headerLayoutMask
)

type gcColor uint8

const (
	colorWhite gcColor = iota
	colorBlack
)

func (h *Header) header() *Header { return h }

// LayoutID returns the object's current layout.
func (h *Header) LayoutID() LayoutID {
	return LayoutID(h.word >> headerLayoutShift & headerLayoutMask)
}

func (h *Header) setLayoutID(id LayoutID) {
	if uint64(id) > headerLayoutMask {
		panic(fmt.Sprintf("Header.setLayoutID: layout id %d exceeds %d bits", id, headerLayoutBits))
	}
	h.word = h.word&^(headerLayoutMask<<headerLayoutShift) | uint64(id)<<headerLayoutShift
}

func (h *Header) hash() uint32 {
	return uint32(h.word >> headerHashShift & headerHashMask)
}

func (h *Header) setHash(hash uint32) {
	h.word = h.word&^(headerHashMask<<headerHashShift) | uint64(hash&headerHashMask)<<headerHashShift
}

func (h *Header) color() gcColor {
	return gcColor(h.word >> headerColorShift & headerColorMask)
}

func (h *Header) setColor(c gcColor) {
	h.word = h.word&^(headerColorMask<<headerColorShift) | uint64(c)<<headerColorShift
}

// Generation returns how many collections the object has survived, saturating at 3.
func (h *Header) Generation() int {
	return int(h.word >> headerGenShift & headerGenMask)
}

func (h *Header) age() {
	if g := h.Generation(); g < headerGenMask {
		h.word = h.word&^(headerGenMask<<headerGenShift) | uint64(g+1)<<headerGenShift
	}
}

// Value returns the tagged reference to this object.
func (h *Header) Value() Value {
	return fromHeapIndex(h.index)
}

// ---------------------------------------------------------------------------
// HeapObject
// ---------------------------------------------------------------------------

// PointerVisitor is called with the address of every Value field that may
// hold a heap reference. A moving collector may rewrite the Value in place.
type PointerVisitor func(p *Value)

// HeapObject is implemented by every arena-resident struct.
type HeapObject interface {
	header() *Header
	visitPointers(visit PointerVisitor)
}

func visitAll(values []Value, visit PointerVisitor) {
	for i := range values {
		visit(&values[i])
	}
}

// ---------------------------------------------------------------------------
// Heap: the allocation arena
// ---------------------------------------------------------------------------

// Heap owns every heap object. The engine never frees objects itself; it
// allocates through Allocate and exposes its roots to Collect.
type Heap struct {
	objects  []HeapObject // slot 0 is never used
	free     []uint32
	live     int
	nextHash uint32

	weak map[*WeakLink]struct{}

	allocations uint64
	collections uint64
}

// CollectStats summarizes one collection.
type CollectStats struct {
	Marked           int
	Swept            int
	WeakLinksCleared int
}

func newHeap() *Heap {
	return &Heap{
		objects: make([]HeapObject, 1, 1024),
		weak:    make(map[*WeakLink]struct{}),
	}
}

// Allocate installs obj in the arena with the given layout and returns its reference.
func (h *Heap) Allocate(layout LayoutID, obj HeapObject) Value {
	hdr := obj.header()
	hdr.setLayoutID(layout)
	hdr.setColor(colorWhite)

	var index uint32
	if n := len(h.free); n > 0 {
		index = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[index] = obj
	} else {
		index = uint32(len(h.objects))
		h.objects = append(h.objects, obj)
	}
	hdr.index = index
	h.live++
	h.allocations++
	return fromHeapIndex(index)
}

// Object returns the heap object v refers to.
// Panics if v is not a heap reference or its object was collected.
func (h *Heap) Object(v Value) HeapObject {
	obj := h.objects[v.heapIndex()]
	if obj == nil {
		panic(fmt.Sprintf("Heap.Object: %v was collected", v))
	}
	return obj
}

// Live returns the number of objects currently in the arena.
func (h *Heap) Live() int {
	return h.live
}

// Allocations returns the number of objects allocated since creation.
func (h *Heap) Allocations() uint64 { return h.allocations }

// Collections returns the number of completed collections.
func (h *Heap) Collections() uint64 { return h.collections }

// each calls fn for every live object.
func (h *Heap) each(fn func(obj HeapObject)) {
	for _, obj := range h.objects[1:] {
		if obj != nil {
			fn(obj)
		}
	}
}

// IdentityHash returns the object's identity hash, assigning one on first use.
func (h *Heap) IdentityHash(v Value) uint32 {
	hdr := h.Object(v).header()
	if hash := hdr.hash(); hash != 0 {
		return hash
	}
	h.nextHash++
	if h.nextHash&headerHashMask == 0 {
		h.nextHash++
	}
	hdr.setHash(h.nextHash)
	return hdr.hash()
}

func (h *Heap) registerWeak(l *WeakLink) {
	h.weak[l] = struct{}{}
}

func (h *Heap) unregisterWeak(l *WeakLink) {
	delete(h.weak, l)
}

// Collect runs a stop-the-world mark/sweep. roots must visit every root
// Value; weak links whose referent is unreachable are cleared before the
// referent's slot is reused.
func (h *Heap) Collect(roots func(PointerVisitor)) CollectStats {
	var stats CollectStats
	var work []HeapObject

	mark := func(p *Value) {
		v := *p
		if !v.IsHeapObject() {
			return
		}
		obj := h.objects[v.heapIndex()]
		if obj == nil || obj.header().color() == colorBlack {
			return
		}
		obj.header().setColor(colorBlack)
		stats.Marked++
		work = append(work, obj)
	}

	roots(mark)
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		obj.visitPointers(mark)
	}

	for l := range h.weak {
		if !l.referent.IsHeapObject() {
			continue
		}
		obj := h.objects[l.referent.heapIndex()]
		if obj == nil || obj.header().color() != colorBlack {
			l.referent = None
			delete(h.weak, l)
			stats.WeakLinksCleared++
		}
	}

	for i := 1; i < len(h.objects); i++ {
		obj := h.objects[i]
		if obj == nil {
			continue
		}
		hdr := obj.header()
		if hdr.color() == colorBlack {
			hdr.setColor(colorWhite)
			hdr.age()
			continue
		}
		h.objects[i] = nil
		h.free = append(h.free, uint32(i))
		h.live--
		stats.Swept++
	}

	h.collections++
	log.Debugf("gc: marked %d, swept %d, weak links cleared %d", stats.Marked, stats.Swept, stats.WeakLinksCleared)
	return stats
}
