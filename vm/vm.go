package vm

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ---------------------------------------------------------------------------
// Runtime: the Basalt virtual machine
// ---------------------------------------------------------------------------

// Options configure a Runtime.
type Options struct {
	StackSize     int // initial Values per thread stack region
	MaxStackSize  int // hard cap on a thread stack region
	MaxDepth      int // maximum frame depth
	InObjectSlots int // in-object attribute slots per user type
	GCThreshold   int // live objects that trigger a collection at a call boundary; 0 disables
	Stdout        io.Writer
}

// DefaultOptions returns the options NewRuntime uses for zero fields.
func DefaultOptions() Options {
	return Options{
		StackSize:     16 * 1024,
		MaxStackSize:  1024 * 1024,
		MaxDepth:      1000,
		InObjectSlots: 4,
		GCThreshold:   64 * 1024,
		Stdout:        os.Stdout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StackSize <= 0 {
		o.StackSize = d.StackSize
	}
	if o.MaxStackSize < o.StackSize {
		o.MaxStackSize = max(d.MaxStackSize, o.StackSize)
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.InObjectSlots < 0 {
		o.InObjectSlots = 0
	}
	if o.GCThreshold < 0 {
		o.GCThreshold = 0
	}
	if o.Stdout == nil {
		o.Stdout = d.Stdout
	}
	return o
}

// Types holds the builtin types.
type Types struct {
	Object             *Type
	Type               *Type
	Int                *Type
	Bool               *Type
	NoneType           *Type
	NotImplementedType *Type
	Str                *Type
	Tuple              *Type
	List               *Type
	Dict               *Type
	Cell               *Type
	Function           *Type
	Code               *Type
	BoundMethod        *Type
	Module             *Type
	Generator          *Type
	SeqIterator        *Type
	Property           *Type

	// Exception hierarchy
	BaseException       *Type
	Exception           *Type
	TypeError           *Type
	AttributeError      *Type
	LookupError         *Type
	KeyError            *Type
	IndexError          *Type
	NameError           *Type
	UnboundLocalError   *Type
	ValueError          *Type
	StopIteration       *Type
	ArithmeticError     *Type
	ZeroDivisionError   *Type
	OverflowError       *Type
	RuntimeError        *Type
	RecursionError      *Type
	NotImplementedError *Type
	GeneratorExit       *Type
}

// counters are the runtime-wide event counts reported by Stats.
type counters struct {
	populations         uint64
	megamorphic         uint64
	typeChanges         uint64
	evictions           uint64
	globalRewrites      uint64
	globalInvalidations uint64

	swept            uint64
	weakLinksCleared uint64
}

// Runtime owns a heap, its layouts and types, the module table and the
// threads that execute guest code. Threads run one at a time: the execution
// token is held for the whole of every host-initiated call.
type Runtime struct {
	opts Options

	heap    *Heap
	layouts *LayoutTable
	types   Types

	typeList []*Type
	modules  map[string]*Module
	builtins *Module
	interned map[string]Value
	threads  []*Thread
	main     *Thread

	objectHash Value // object.__hash__, recognized to skip the call

	// keepAlive pins host-held values across collections.
	keepAlive map[Value]int
	handles   *HandleTable

	token *semaphore.Weighted
	stats counters
}

// NewRuntime creates and bootstraps a runtime.
func NewRuntime(opts Options) *Runtime {
	rt := &Runtime{
		opts:      opts.withDefaults(),
		heap:      newHeap(),
		layouts:   NewLayoutTable(),
		modules:   make(map[string]*Module),
		interned:  make(map[string]Value),
		keepAlive: make(map[Value]int),
		handles:   NewHandleTable(),
		token:     semaphore.NewWeighted(1),
	}
	rt.bootstrap()
	rt.main = rt.NewThread()
	log.Infof("runtime ready: %d types, %d builtins", len(rt.typeList), len(rt.builtins.dict))
	return rt
}

// Options returns the effective options.
func (rt *Runtime) Options() Options { return rt.opts }

// Heap returns the runtime's heap.
func (rt *Runtime) Heap() *Heap { return rt.heap }

// Layouts returns the layout table.
func (rt *Runtime) Layouts() *LayoutTable { return rt.layouts }

// Types returns the builtin types.
func (rt *Runtime) Types() *Types { return &rt.types }

// MainThread returns the thread Call and RunModule execute on.
func (rt *Runtime) MainThread() *Thread { return rt.main }

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func (rt *Runtime) acquire(ctx context.Context) error {
	if err := rt.token.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("basalt: waiting for execution token: %w", err)
	}
	return nil
}

// finish releases the token after a host call, collecting first if the
// heap crossed the threshold. keep is pinned during the collection.
func (rt *Runtime) finish(keep Value) {
	if rt.opts.GCThreshold > 0 && rt.heap.Live() >= rt.opts.GCThreshold && rt.allIdle() {
		rt.Pin(keep)
		rt.collect()
		rt.Unpin(keep)
	}
	rt.token.Release(1)
}

func (rt *Runtime) allIdle() bool {
	for _, t := range rt.threads {
		if !t.IsIdle() {
			return false
		}
	}
	return true
}

// Call invokes callable on the main thread.
func (rt *Runtime) Call(ctx context.Context, callable Value, args ...Value) (Value, error) {
	return rt.CallOn(ctx, rt.main, callable, args...)
}

// CallOn invokes callable on thread t.
func (rt *Runtime) CallOn(ctx context.Context, t *Thread, callable Value, args ...Value) (Value, error) {
	if err := rt.acquire(ctx); err != nil {
		return None, err
	}
	r, err := t.Call(callable, args...)
	rt.finish(r)
	return r, err
}

// CallKw invokes callable with keyword arguments on the main thread.
func (rt *Runtime) CallKw(ctx context.Context, callable Value, args []Value, kwargs []Keyword) (Value, error) {
	if err := rt.acquire(ctx); err != nil {
		return None, err
	}
	r, err := rt.main.CallKw(callable, args, kwargs)
	rt.finish(r)
	return r, err
}

// RunModule executes code as the body of a new module called name and
// returns the module.
func (rt *Runtime) RunModule(ctx context.Context, name string, code Value) (*Module, error) {
	if err := rt.acquire(ctx); err != nil {
		return nil, err
	}
	m := rt.NewModule(name)
	fn, err := rt.NewFunction(code, m)
	if err != nil {
		rt.token.Release(1)
		return nil, fmt.Errorf("basalt: module %s: %w", name, err)
	}
	_, err = rt.main.Call(fn)
	rt.finish(None)
	if err != nil {
		return m, err
	}
	log.Debugf("module %s ran, %d names", name, len(m.Names()))
	return m, nil
}

// Invocation is one call run by RunConcurrently.
type Invocation struct {
	Callable Value
	Args     []Value
}

// RunConcurrently runs each invocation on its own thread, one goroutine per
// invocation. Each invocation holds the execution token until it finishes,
// so guest calls are serialized per invocation. Results are returned in
// invocation order; the first error cancels the rest.
func (rt *Runtime) RunConcurrently(ctx context.Context, calls []Invocation) ([]Value, error) {
	if err := rt.acquire(ctx); err != nil {
		return nil, err
	}
	threads := make([]*Thread, len(calls))
	for i, c := range calls {
		threads[i] = rt.NewThread()
		rt.Pin(c.Callable)
		for _, a := range c.Args {
			rt.Pin(a)
		}
	}
	rt.token.Release(1)

	results := make([]Value, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			if err := rt.acquire(gctx); err != nil {
				return err
			}
			r, err := threads[i].Call(c.Callable, c.Args...)
			if err == nil {
				rt.Pin(r)
				results[i] = r
			}
			rt.finish(r)
			if err != nil {
				return fmt.Errorf("basalt: invocation %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()

	_ = rt.token.Acquire(context.Background(), 1)
	for i, c := range calls {
		rt.Unpin(c.Callable)
		for _, a := range c.Args {
			rt.Unpin(a)
		}
		rt.Unpin(results[i])
	}
	rt.removeThreads(threads)
	rt.token.Release(1)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (rt *Runtime) removeThreads(done []*Thread) {
	kept := rt.threads[:0]
	for _, t := range rt.threads {
		drop := false
		for _, d := range done {
			if t == d {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(rt.threads); i++ {
		rt.threads[i] = nil
	}
	rt.threads = kept
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Pin keeps v alive across collections until a matching Unpin.
func (rt *Runtime) Pin(v Value) {
	if v.IsHeapObject() {
		rt.keepAlive[v]++
	}
}

// Unpin releases one Pin of v.
func (rt *Runtime) Unpin(v Value) {
	if n := rt.keepAlive[v]; n > 1 {
		rt.keepAlive[v] = n - 1
	} else {
		delete(rt.keepAlive, v)
	}
}

// KeepAliveCount returns the number of pinned values.
func (rt *Runtime) KeepAliveCount() int {
	return len(rt.keepAlive)
}

// VisitRoots visits every root of the runtime: types, modules, interned
// strings, pinned values, live handles and the frames of every thread.
func (rt *Runtime) VisitRoots(visit PointerVisitor) {
	for _, typ := range rt.typeList {
		v := typ.Value()
		visit(&v)
	}
	for _, m := range rt.modules {
		v := m.Value()
		visit(&v)
	}
	for _, v := range rt.interned {
		visit(&v)
	}
	for v := range rt.keepAlive {
		visit(&v)
	}
	rt.handles.visitRoots(visit)
	visit(&rt.objectHash)
	for _, t := range rt.threads {
		t.visitRoots(visit)
	}
}

// Collect runs a full collection. Every thread must be idle.
func (rt *Runtime) Collect(ctx context.Context) (CollectStats, error) {
	if err := rt.acquire(ctx); err != nil {
		return CollectStats{}, err
	}
	defer rt.token.Release(1)
	if !rt.allIdle() {
		return CollectStats{}, fmt.Errorf("basalt: collect: a thread is executing")
	}
	return rt.collect(), nil
}

func (rt *Runtime) collect() CollectStats {
	s := rt.heap.Collect(rt.VisitRoots)
	rt.stats.swept += uint64(s.Swept)
	rt.stats.weakLinksCleared += uint64(s.WeakLinksCleared)
	return s
}
