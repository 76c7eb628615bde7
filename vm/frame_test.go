package vm

import (
	"slices"
	"testing"
)

// ---------------------------------------------------------------------------
// TryBlock tests
// ---------------------------------------------------------------------------

func TestTryBlockPacking(t *testing.T) {
	tests := []struct {
		kind    BlockKind
		handler int
		level   int
	}{
		{BlockLoop, 0, 0},
		{BlockExcept, 120, 3},
		{BlockFinally, MaxBlockHandler, MaxBlockLevel},
		{BlockExceptHandler, 1, MaxBlockLevel},
	}

	for _, tt := range tests {
		b := NewTryBlock(tt.kind, tt.handler, tt.level)
		if b.Kind() != tt.kind || b.Handler() != tt.handler || b.Level() != tt.level {
			t.Errorf("NewTryBlock(%s, %d, %d) unpacked to %s", tt.kind, tt.handler, tt.level, b)
		}
	}
}

func TestTryBlockOutOfRangePanics(t *testing.T) {
	tests := []struct {
		name           string
		handler, level int
	}{
		{"handler too large", MaxBlockHandler + 1, 0},
		{"negative handler", -1, 0},
		{"level too large", 0, MaxBlockLevel + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("NewTryBlock did not panic")
				}
			}()
			NewTryBlock(BlockExcept, tt.handler, tt.level)
		})
	}
}

func TestBlockStack(t *testing.T) {
	var s BlockStack
	for i := 0; i < BlockStackCapacity; i++ {
		if !s.Push(NewTryBlock(BlockLoop, i, i)) {
			t.Fatalf("Push %d failed below capacity", i)
		}
	}
	if s.Push(NewTryBlock(BlockLoop, 0, 0)) {
		t.Error("Push succeeded on a full stack")
	}
	if s.Len() != BlockStackCapacity {
		t.Errorf("Len() = %d, want %d", s.Len(), BlockStackCapacity)
	}

	s.SetTop(NewTryBlock(BlockFinally, 99, 1))
	if top := s.Peek(); top.Kind() != BlockFinally || top.Handler() != 99 {
		t.Errorf("Peek() = %s after SetTop", top)
	}
	if s.Pop().Handler() != 99 {
		t.Error("Pop did not return the top record")
	}
	if s.Peek().Handler() != BlockStackCapacity-2 {
		t.Errorf("Peek() = %s, want handler %d", s.Peek(), BlockStackCapacity-2)
	}
}

func TestBlockStackPopEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Pop on an empty stack did not panic")
		}
	}()
	var s BlockStack
	s.Pop()
}

// ---------------------------------------------------------------------------
// Frame relocation
// ---------------------------------------------------------------------------

func TestFrameStashUnstashRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder(rt, "f").Params("a", "b")
	b.Local("c")
	b.LoadFast("a").LoadFast("b").Op(OpBinaryAdd).Return()
	fnv := buildFunc(t, rt, rt.NewModule("test"), b)
	fn := rt.object(fnv).(*Function)

	th := rt.MainThread()
	base := 1
	th.stack[base] = FromSmallInt(10)
	th.stack[base+1] = FromSmallInt(20)
	f := th.pushFrame(fn, base)
	if f == nil {
		t.Fatal("pushFrame failed")
	}
	f.setLocal(2, FromSmallInt(30))
	f.push(FromSmallInt(40))
	f.push(FromSmallInt(50))
	f.pc = 4
	f.blocks.Push(NewTryBlock(BlockExcept, 8, 1))

	wantLocals := slices.Clone(f.Locals())
	wantStack := slices.Clone(f.Stack())

	th.popFrame()
	f.stash()
	if f.State() != FrameSuspended {
		t.Fatalf("State() = %d after stash, want suspended", f.State())
	}
	if f.base != 0 {
		t.Errorf("stashed base = %d, want 0", f.base)
	}

	// Clobber the region the frame came from.
	for i := range th.stack[:16] {
		th.stack[i] = None
	}
	if !slices.Equal(f.Locals(), wantLocals) {
		t.Errorf("stashed locals = %v, want %v", f.Locals(), wantLocals)
	}

	at := 7
	if !th.unstash(f, at) {
		t.Fatal("unstash failed")
	}
	if th.Frame() != f || f.State() != FrameActive {
		t.Error("unstashed frame is not the active current frame")
	}
	if f.base != at {
		t.Errorf("base = %d, want %d", f.base, at)
	}
	if !slices.Equal(f.Locals(), wantLocals) {
		t.Errorf("locals = %v, want %v", f.Locals(), wantLocals)
	}
	if !slices.Equal(f.Stack(), wantStack) {
		t.Errorf("stack = %v, want %v", f.Stack(), wantStack)
	}
	if f.PC() != 4 {
		t.Errorf("PC() = %d, want 4", f.PC())
	}
	if blocks := f.Blocks(); len(blocks) != 1 || blocks[0].Handler() != 8 {
		t.Errorf("Blocks() = %v", blocks)
	}
	th.popFrame()
	if !th.IsIdle() {
		t.Error("thread not idle after popping every frame")
	}
}

func TestFrameLine(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder(rt, "f").FirstLine(10)
	b.LoadInt(1).Pop()
	b.Line(12)
	b.ReturnNone()
	code, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if got := code.LineAt(0); got != 10 {
		t.Errorf("LineAt(0) = %d, want 10", got)
	}
	if got := code.LineAt(4); got != 12 {
		t.Errorf("LineAt(4) = %d, want 12", got)
	}
}
