package vm

import (
	"context"
	"errors"
	"testing"
)

// alive reports whether v's heap slot still holds an object.
func alive(rt *Runtime, v Value) bool {
	return rt.heap.objects[v.heapIndex()] != nil
}

func mustCollect(t *testing.T, rt *Runtime) CollectStats {
	t.Helper()
	s, err := rt.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Collection roots
// ---------------------------------------------------------------------------

func TestCollectKeepsModuleGlobals(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewModule("keep")
	kept := rt.NewList(rt.NewStr("inside"))
	m.Set("kept", kept)
	garbage := rt.NewList(rt.NewStr("outside"))

	s := mustCollect(t, rt)
	if !alive(rt, kept) {
		t.Error("module global was collected")
	}
	if items, _ := rt.ListItems(kept); !alive(rt, items[0]) {
		t.Error("object reachable from a global was collected")
	}
	if alive(rt, garbage) {
		t.Error("unreachable list survived")
	}
	if s.Swept < 2 {
		t.Errorf("Swept = %d, want at least 2", s.Swept)
	}
	if got := rt.Stats().Heap.Swept; got != uint64(s.Swept) {
		t.Errorf("Stats().Heap.Swept = %d, want %d", got, s.Swept)
	}
}

func TestPinKeepsValueAlive(t *testing.T) {
	rt := newTestRuntime(t)
	v := rt.NewStr("pinned")

	rt.Pin(v)
	rt.Pin(v)
	if rt.KeepAliveCount() != 1 {
		t.Errorf("KeepAliveCount() = %d, want 1", rt.KeepAliveCount())
	}
	rt.Unpin(v)
	mustCollect(t, rt)
	if !alive(rt, v) {
		t.Fatal("value pinned twice and unpinned once was collected")
	}

	rt.Unpin(v)
	if rt.KeepAliveCount() != 0 {
		t.Errorf("KeepAliveCount() = %d, want 0", rt.KeepAliveCount())
	}
	mustCollect(t, rt)
	if alive(rt, v) {
		t.Error("unpinned value survived")
	}

	// Immediates are never pinned.
	rt.Pin(FromSmallInt(3))
	if rt.KeepAliveCount() != 0 {
		t.Error("an immediate was pinned")
	}
}

func TestCollectClearsCacheDependents(t *testing.T) {
	rt := newTestRuntime(t)
	typ := mustType(t, rt, "P", nil, map[string]Value{"x": FromSmallInt(1)})
	get := attrGetter(t, rt, "x")
	obj := newInstanceOf(t, rt, typ)
	mustCall(t, rt, get, obj)

	cell := typ.dict["x"]
	if cell == nil || cell.NumDependents() == 0 {
		t.Fatal("cached read recorded no dependent")
	}

	// Drop the function; only the weak link remembers it.
	if _, err := rt.Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if alive(rt, get) {
		t.Fatal("unreferenced function survived")
	}
	if s := rt.Stats(); s.Heap.WeakLinksCleared == 0 {
		t.Error("collection cleared no weak links")
	}
	if len(cell.dependents(rt.heap)) != 0 {
		t.Error("dead function still listed as a dependent")
	}
}

func TestNativeCallDepth(t *testing.T) {
	rt := newTestRuntime(t)
	depth := -1
	depthOf := rt.NewNative("depthOf", nil, 0, func(t *Thread, args []Value) Value {
		depth = t.Depth()
		return None
	})
	mustCall(t, rt, depthOf)
	if depth != 1 {
		t.Errorf("Depth() inside a native call = %d, want 1", depth)
	}
	if d := rt.MainThread().Depth(); d != 0 {
		t.Errorf("Depth() after the call = %d, want 0", d)
	}
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

func TestRunConcurrently(t *testing.T) {
	rt := newTestRuntime(t)
	double := binaryFunc(t, rt, OpBinaryMultiply)

	calls := []Invocation{
		{Callable: double, Args: ints(1, 2)},
		{Callable: double, Args: ints(3, 4)},
		{Callable: double, Args: ints(5, 6)},
	}
	results, err := rt.RunConcurrently(context.Background(), calls)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{2, 12, 30}
	for i, r := range results {
		if mustInt(t, r) != want[i] {
			t.Errorf("results[%d] = %v, want %d", i, r, want[i])
		}
	}
	if s := rt.Stats(); s.Threads != 1 {
		t.Errorf("Threads = %d after RunConcurrently, want 1", s.Threads)
	}
	if rt.KeepAliveCount() != 0 {
		t.Errorf("KeepAliveCount() = %d, want 0", rt.KeepAliveCount())
	}
}

func TestRunConcurrentlyReportsFailure(t *testing.T) {
	rt := newTestRuntime(t)
	add := binaryFunc(t, rt, OpBinaryAdd)

	calls := []Invocation{
		{Callable: add, Args: ints(1, 2)},
		{Callable: add, Args: []Value{FromSmallInt(1), rt.Str("s")}},
	}
	_, err := rt.RunConcurrently(context.Background(), calls)
	if !errors.Is(err, ErrType) {
		t.Fatalf("error = %v, want ErrType", err)
	}
	var ge *GuestError
	if !errors.As(err, &ge) || ge.Type != "TypeError" {
		t.Errorf("error = %v, want a TypeError GuestError", err)
	}
}

func TestCallHonorsCancelledContext(t *testing.T) {
	rt := newTestRuntime(t)
	fn := binaryFunc(t, rt, OpBinaryAdd)

	// Hold the token so the call has to wait.
	if err := rt.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rt.Call(ctx, fn, ints(1, 2)...); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	rt.token.Release(1)

	if got := mustInt(t, mustCall(t, rt, fn, ints(1, 2)...)); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{StackSize: 64, MaxStackSize: 8, GCThreshold: -1, InObjectSlots: -2}.withDefaults()
	d := DefaultOptions()
	if o.StackSize != 64 {
		t.Errorf("StackSize = %d, want 64", o.StackSize)
	}
	if o.MaxStackSize != d.MaxStackSize {
		t.Errorf("MaxStackSize = %d, want %d", o.MaxStackSize, d.MaxStackSize)
	}
	if o.MaxDepth != d.MaxDepth {
		t.Errorf("MaxDepth = %d, want %d", o.MaxDepth, d.MaxDepth)
	}
	if o.GCThreshold != 0 || o.InObjectSlots != 0 {
		t.Errorf("GCThreshold = %d, InObjectSlots = %d, want 0, 0", o.GCThreshold, o.InObjectSlots)
	}
	if o.Stdout == nil {
		t.Error("Stdout left nil")
	}
}
