package vm

import "fmt"

// debugChecks enables bounds assertions on the value-stack hot path.
const debugChecks = false

// ---------------------------------------------------------------------------
// TryBlock: packed block-stack record
// ---------------------------------------------------------------------------

// BlockKind is the kind of a block-stack record.
type BlockKind uint8

const (
	BlockLoop BlockKind = iota
	BlockExcept
	BlockFinally
	BlockExceptHandler
)

func (k BlockKind) String() string {
	switch k {
	case BlockLoop:
		return "loop"
	case BlockExcept:
		return "except"
	case BlockFinally:
		return "finally"
	default:
		return "except-handler"
	}
}

// TryBlock packs one block-stack record into a word.
//
// Bits, from the low end:
//   - kind     2 bits
//   - handler 30 bits (bytecode offset of the handler)
//   - level   25 bits (value-stack depth to restore, relative to the frame's stack base)
type TryBlock uint64

const (
	tryKindBits    = 2
	tryHandlerBits = 30
	tryLevelBits   = 25

	tryHandlerShift = tryKindBits
	tryLevelShift   = tryHandlerShift + tryHandlerBits

	tryKindMask    = 1<<tryKindBits - 1
	tryHandlerMask = 1<<tryHandlerBits - 1
	tryLevelMask   = 1<<tryLevelBits - 1

	// MaxBlockHandler is the largest handler offset a TryBlock holds.
	MaxBlockHandler = tryHandlerMask
	// MaxBlockLevel is the largest stack level a TryBlock holds.
	MaxBlockLevel = tryLevelMask
)

// NewTryBlock packs a record. Panics if handler or level exceed their bits.
func NewTryBlock(kind BlockKind, handler, level int) TryBlock {
	if handler < 0 || handler > MaxBlockHandler {
		panic(fmt.Sprintf("NewTryBlock: handler %d exceeds %d bits", handler, tryHandlerBits))
	}
	if level < 0 || level > MaxBlockLevel {
		panic(fmt.Sprintf("NewTryBlock: level %d exceeds %d bits", level, tryLevelBits))
	}
	return TryBlock(uint64(kind)&tryKindMask | uint64(handler)<<tryHandlerShift | uint64(level)<<tryLevelShift)
}

// Kind returns the block kind.
func (b TryBlock) Kind() BlockKind {
	return BlockKind(uint64(b) & tryKindMask)
}

// Handler returns the handler bytecode offset.
func (b TryBlock) Handler() int {
	return int(uint64(b) >> tryHandlerShift & tryHandlerMask)
}

// Level returns the stack depth to restore.
func (b TryBlock) Level() int {
	return int(uint64(b) >> tryLevelShift & tryLevelMask)
}

func (b TryBlock) String() string {
	return fmt.Sprintf("%s(handler=%d, level=%d)", b.Kind(), b.Handler(), b.Level())
}

// BlockStackCapacity is the maximum nesting of blocks in one frame.
const BlockStackCapacity = 20

// BlockStack is a frame's fixed-capacity stack of TryBlocks.
type BlockStack struct {
	blocks [BlockStackCapacity]TryBlock
	depth  int
}

// Push adds b. Returns false if the stack is full.
func (s *BlockStack) Push(b TryBlock) bool {
	if s.depth == BlockStackCapacity {
		return false
	}
	s.blocks[s.depth] = b
	s.depth++
	return true
}

// Pop removes and returns the top record. Panics if empty.
func (s *BlockStack) Pop() TryBlock {
	if s.depth == 0 {
		panic("BlockStack.Pop: empty block stack")
	}
	s.depth--
	return s.blocks[s.depth]
}

// Peek returns the top record. Panics if empty.
func (s *BlockStack) Peek() TryBlock {
	if s.depth == 0 {
		panic("BlockStack.Peek: empty block stack")
	}
	return s.blocks[s.depth-1]
}

// SetTop replaces the top record.
func (s *BlockStack) SetTop(b TryBlock) {
	s.blocks[s.depth-1] = b
}

// Len returns the number of records.
func (s *BlockStack) Len() int {
	return s.depth
}

// ---------------------------------------------------------------------------
// Frame: one activation
// ---------------------------------------------------------------------------

// FrameState tracks where a frame's storage lives.
type FrameState uint8

const (
	FrameActive    FrameState = iota // on its thread's stack region
	FrameSuspended                   // stashed in a private buffer
	FrameDead
)

// Frame is one activation. Its locals, cells and value stack are a window
// of region addressed by index:
//
//	region[base-1]                 the callable (unused for entry and generator frames)
//	region[base : base+NLocals]    locals; parameters first
//	region[... : stackBase]        cell and free variable slots
//	region[stackBase : sp]         value stack
//
// Arguments pushed by the caller become parameter slots in place. Because
// everything is an index, stashing a frame is a plain copy.
type Frame struct {
	previous *Frame
	fn       *Function
	fnRef    Value
	code     *Code

	region    []Value
	base      int
	stackBase int
	sp        int
	pc        int
	blocks    BlockStack

	state     FrameState
	entry     bool // returns to Go when popped
	generator *Generator
	saved     []Value // stash buffer, reused across suspensions
}

// Previous returns the calling frame.
func (f *Frame) Previous() *Frame { return f.previous }

// Function returns the executing function; nil for the sentinel.
func (f *Frame) Function() *Function { return f.fn }

// PC returns the offset of the next instruction.
func (f *Frame) PC() int { return f.pc }

// State returns where the frame's storage lives.
func (f *Frame) State() FrameState { return f.state }

// IsSentinel returns true for the frame that terminates every call chain.
func (f *Frame) IsSentinel() bool { return f.code == nil }

// Locals returns the local variable slots.
func (f *Frame) Locals() []Value {
	return f.region[f.base : f.base+f.code.NLocals]
}

// Stack returns the live value stack, bottom first.
func (f *Frame) Stack() []Value {
	return f.region[f.stackBase:f.sp]
}

// Blocks returns a copy of the block stack, bottom first.
func (f *Frame) Blocks() []TryBlock {
	return append([]TryBlock(nil), f.blocks.blocks[:f.blocks.depth]...)
}

// Line returns the source line being executed.
func (f *Frame) Line() int {
	if f.code == nil {
		return 0
	}
	pc := f.pc - 2
	if pc < 0 {
		pc = 0
	}
	return f.code.LineAt(pc)
}

func (f *Frame) local(i int) Value       { return f.region[f.base+i] }
func (f *Frame) setLocal(i int, v Value) { f.region[f.base+i] = v }
func (f *Frame) cellSlot(i int) Value    { return f.region[f.base+f.code.NLocals+i] }

// depth returns the value-stack depth relative to stackBase.
func (f *Frame) depth() int { return f.sp - f.stackBase }

func (f *Frame) push(v Value) {
	if debugChecks && f.sp >= f.stackBase+f.code.StackSize {
		panic(fmt.Sprintf("Frame.push: overflow in %s", f.code.Name))
	}
	f.region[f.sp] = v
	f.sp++
}

func (f *Frame) pop() Value {
	if debugChecks && f.sp <= f.stackBase {
		panic(fmt.Sprintf("Frame.pop: underflow in %s", f.code.Name))
	}
	f.sp--
	return f.region[f.sp]
}

// peek returns the value n slots below the top; peek(0) is the top.
func (f *Frame) peek(n int) Value {
	return f.region[f.sp-1-n]
}

// setAt replaces the value n slots below the top.
func (f *Frame) setAt(n int, v Value) {
	f.region[f.sp-1-n] = v
}

// insertAt pushes v so that it ends up n slots below the top.
func (f *Frame) insertAt(n int, v Value) {
	copy(f.region[f.sp-n+1:f.sp+1], f.region[f.sp-n:f.sp])
	f.region[f.sp-n] = v
	f.sp++
}

// drop discards n values.
func (f *Frame) drop(n int) {
	if debugChecks && f.sp-n < f.stackBase {
		panic(fmt.Sprintf("Frame.drop: underflow in %s", f.code.Name))
	}
	f.sp -= n
}

// ---------------------------------------------------------------------------
// Stashing: relocating a frame off the thread stack
// ---------------------------------------------------------------------------

// stash copies the frame's window into its private buffer and detaches it
// from the thread stack. The window is rebased to index 0.
func (f *Frame) stash() {
	n := f.sp - f.base
	if cap(f.saved) < f.code.FrameSize() {
		f.saved = make([]Value, f.code.FrameSize())
	}
	f.saved = f.saved[:f.code.FrameSize()]
	copy(f.saved, f.region[f.base:f.sp])
	shift := f.base
	f.region = f.saved
	f.base -= shift
	f.stackBase -= shift
	f.sp = n
	f.previous = nil
	f.state = FrameSuspended
}

// unstash copies a stashed frame onto t's stack at index at and makes it
// the current frame.
func (t *Thread) unstash(f *Frame, at int) bool {
	if f.state != FrameSuspended {
		panic("Thread.unstash: frame is not suspended")
	}
	if !t.ensureStack(at + f.code.FrameSize()) {
		return false
	}
	copy(t.stack[at:], f.saved[:f.sp])
	f.region = t.stack
	f.base += at
	f.stackBase += at
	f.sp += at
	f.previous = t.frame
	f.state = FrameActive
	t.frame = f
	t.depth++
	return true
}
