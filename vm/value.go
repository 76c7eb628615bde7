package vm

import "fmt"

// Value is a tagged machine word.
//
// Every value the engine handles is a Value; nothing outside this file and
// heap.go reinterprets one as an arena reference without checking its tag.
//
// Encoding scheme (low bits):
//   - xxx0: SmallInt, 63-bit signed payload in the upper bits
//   - 0001: heap reference, arena index in the upper 60 bits
//   - 0011: Bool, payload bit 4
//   - 0101: None
//   - 0111: NotImplemented
//   - 1001: Unbound (an empty local, a placeholder cell)
//   - 1011: Error (an exception is pending on the current thread)
//
// Immediates are never allocated and never seen by the collector.
type Value uint64

const (
	smallIntTagBits = 1
	smallIntTagMask = 0x1

	immediateTagBits = 4
	immediateTagMask = 0xF

	tagHeap           uint64 = 0x1
	tagBool           uint64 = 0x3
	tagNone           uint64 = 0x5
	tagNotImplemented uint64 = 0x7
	tagUnbound        uint64 = 0x9
	tagError          uint64 = 0xB
)

// Singleton immediates.
const (
	None           Value = Value(tagNone)
	NotImplemented Value = Value(tagNotImplemented)
	Unbound        Value = Value(tagUnbound)
	Error          Value = Value(tagError)
	False          Value = Value(tagBool)
	True           Value = Value(tagBool | 1<<immediateTagBits)
)

// SmallInt range (63-bit signed).
const (
	MaxSmallInt int64 = 1<<62 - 1
	MinSmallInt int64 = -(1 << 62)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsSmallInt returns true if v is an immediate integer.
func (v Value) IsSmallInt() bool {
	return uint64(v)&smallIntTagMask == 0
}

// IsHeapObject returns true if v refers to an object in the heap arena.
func (v Value) IsHeapObject() bool {
	return uint64(v)&immediateTagMask == tagHeap
}

// IsImmediate returns true if v carries its payload in the word itself.
func (v Value) IsImmediate() bool {
	return uint64(v)&immediateTagMask != tagHeap
}

// IsBool returns true if v is True or False.
func (v Value) IsBool() bool {
	return uint64(v)&immediateTagMask == tagBool
}

// IsNone returns true if v is None.
func (v Value) IsNone() bool { return v == None }

// IsNotImplemented returns true if v is the NotImplemented sentinel.
func (v Value) IsNotImplemented() bool { return v == NotImplemented }

// IsUnbound returns true if v is the Unbound marker.
func (v Value) IsUnbound() bool { return v == Unbound }

// IsError returns true if v signals a pending exception.
func (v Value) IsError() bool { return v == Error }

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns the integer payload of v.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	return int64(v) >> smallIntTagBits
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(uint64(n) << smallIntTagBits)
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return None, false
	}
	return Value(uint64(n) << smallIntTagBits), true
}

// FromInt is FromSmallInt for Go ints.
func FromInt(n int) Value {
	return FromSmallInt(int64(n))
}

// ---------------------------------------------------------------------------
// Bool operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not True or False.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Heap references
// ---------------------------------------------------------------------------

// heapIndex returns the arena slot v refers to.
func (v Value) heapIndex() uint32 {
	if !v.IsHeapObject() {
		panic("Value.heapIndex: not a heap reference")
	}
	return uint32(uint64(v) >> immediateTagBits)
}

func fromHeapIndex(index uint32) Value {
	return Value(uint64(index)<<immediateTagBits | tagHeap)
}

// ---------------------------------------------------------------------------
// Layouts of immediates
// ---------------------------------------------------------------------------

// immediateLayouts maps the low nibble of an immediate to its reserved
// layout. Even nibbles are all SmallInt.
var immediateLayouts = [16]LayoutID{
	0x0: LayoutSmallInt, 0x2: LayoutSmallInt, 0x4: LayoutSmallInt, 0x6: LayoutSmallInt,
	0x8: LayoutSmallInt, 0xA: LayoutSmallInt, 0xC: LayoutSmallInt, 0xE: LayoutSmallInt,
	0x1: LayoutInvalid,
	0x3: LayoutBool,
	0x5: LayoutNoneType,
	0x7: LayoutNotImplementedType,
	0x9: LayoutInvalid,
	0xB: LayoutInvalid,
	0xD: LayoutInvalid,
	0xF: LayoutInvalid,
}

// ImmediateLayoutID returns the reserved layout of an immediate without
// touching memory. Heap references map to LayoutInvalid.
func (v Value) ImmediateLayoutID() LayoutID {
	return immediateLayouts[uint64(v)&immediateTagMask]
}

// String renders immediates; heap references print their arena slot.
func (v Value) String() string {
	switch {
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v == True:
		return "True"
	case v == False:
		return "False"
	case v == None:
		return "None"
	case v == NotImplemented:
		return "NotImplemented"
	case v == Unbound:
		return "<unbound>"
	case v == Error:
		return "<error>"
	case v.IsHeapObject():
		return fmt.Sprintf("<object #%d>", v.heapIndex())
	}
	return fmt.Sprintf("<bad value %#x>", uint64(v))
}
