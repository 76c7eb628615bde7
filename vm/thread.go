package vm

import (
	"github.com/google/uuid"
)

// Thread owns one private stack region holding a chain of frames. Threads
// never share a region; at most one thread runs the interpreter loop at a
// time (see Runtime).
type Thread struct {
	id uuid.UUID
	rt *Runtime

	stack    []Value
	frame    *Frame // current frame
	sentinel *Frame
	depth    int

	// Pending exception: set by raise, consumed by unwind or the Go boundary.
	excType  *Type
	excValue Value

	// Exception currently being handled (None outside handlers).
	caught Value
}

// NewThread creates a thread with an empty call chain.
func (rt *Runtime) NewThread() *Thread {
	t := &Thread{
		id:       uuid.New(),
		rt:       rt,
		stack:    make([]Value, rt.opts.StackSize),
		excValue: None,
		caught:   None,
	}
	t.sentinel = &Frame{region: t.stack, state: FrameActive}
	t.frame = t.sentinel
	rt.threads = append(rt.threads, t)
	log.Debugf("thread %s created, stack %d", t.id, len(t.stack))
	return t
}

// ID returns the thread's identity.
func (t *Thread) ID() uuid.UUID { return t.id }

// Runtime returns the runtime the thread belongs to.
func (t *Thread) Runtime() *Runtime { return t.rt }

// Frame returns the current frame; the sentinel when idle.
func (t *Thread) Frame() *Frame { return t.frame }

// Depth returns the number of live frames above the sentinel.
func (t *Thread) Depth() int { return t.depth }

// IsIdle returns true if no frame is executing.
func (t *Thread) IsIdle() bool { return t.frame == t.sentinel }

// top returns the first free stack index above the current frame.
func (t *Thread) top() int {
	return t.frame.sp
}

// ensureStack grows the stack region so that index n-1 is valid. Every
// live frame on the region is re-pointed at the new storage.
func (t *Thread) ensureStack(n int) bool {
	if n <= len(t.stack) {
		return true
	}
	if n > t.rt.opts.MaxStackSize {
		t.raise(t.rt.types.RecursionError, "maximum stack size exceeded")
		return false
	}
	size := len(t.stack) * 2
	for size < n {
		size *= 2
	}
	if size > t.rt.opts.MaxStackSize {
		size = t.rt.opts.MaxStackSize
	}
	old := t.stack
	t.stack = make([]Value, size)
	copy(t.stack, old)
	for f := t.frame; f != nil; f = f.previous {
		if f.state == FrameActive && sameRegion(f.region, old) {
			f.region = t.stack
		}
	}
	log.Debugf("thread %s: stack grown to %d", t.id, size)
	return true
}

func sameRegion(a, b []Value) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// pushFrame opens a frame for fn whose parameters are already bound at
// stack[base : base+TotalArgs]. Remaining locals are cleared and cell
// slots are populated.
func (t *Thread) pushFrame(fn *Function, base int) *Frame {
	code := fn.code
	if t.depth >= t.rt.opts.MaxDepth {
		t.raise(t.rt.types.RecursionError, "maximum recursion depth exceeded")
		return nil
	}
	if !t.ensureStack(base + code.FrameSize()) {
		return nil
	}
	f := &Frame{
		previous:  t.frame,
		fn:        fn,
		fnRef:     fn.Value(),
		code:      code,
		region:    t.stack,
		base:      base,
		stackBase: base + code.NLocals + code.NumCells(),
		state:     FrameActive,
	}
	f.sp = f.stackBase
	for i := base + code.TotalArgs(); i < base+code.NLocals; i++ {
		t.stack[i] = Unbound
	}
	cells := base + code.NLocals
	for i := range code.CellVars {
		init := Unbound
		if code.Cell2Arg != nil && code.Cell2Arg[i] >= 0 {
			init = t.stack[base+code.Cell2Arg[i]]
		}
		t.stack[cells+i] = t.rt.newCell(init)
	}
	copy(t.stack[cells+len(code.CellVars):], fn.closure)
	t.frame = f
	t.depth++
	return f
}

// popFrame discards the current frame.
func (t *Thread) popFrame() {
	f := t.frame
	t.frame = f.previous
	t.depth--
	if f.state == FrameActive {
		f.state = FrameDead
	}
}

// visitRoots visits every Value the thread keeps alive.
func (t *Thread) visitRoots(visit PointerVisitor) {
	for f := t.frame; f != nil && f != t.sentinel; f = f.previous {
		visit(&f.fnRef)
		lo := f.base - 1
		if lo < 0 {
			lo = 0
		}
		visitAll(f.region[lo:f.sp], visit)
	}
	visit(&t.excValue)
	visit(&t.caught)
}
