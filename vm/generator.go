package vm

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// Generator owns a suspended frame. Between resumptions the frame lives in
// its stash buffer; resuming copies it back on top of the resumer's stack.
type Generator struct {
	Header
	name     string
	frame    *Frame
	started  bool
	running  bool
	finished bool
}

func (g *Generator) visitPointers(visit PointerVisitor) {
	f := g.frame
	if f == nil || f.state != FrameSuspended {
		return
	}
	visit(&f.fnRef)
	visitAll(f.saved[:f.sp], visit)
}

// Name returns the name of the generator function.
func (g *Generator) Name() string { return g.name }

// IsFinished returns true once the generator's frame has returned or raised.
func (g *Generator) IsFinished() bool { return g.finished }

// newGenerator prepares a frame for fn over arguments already bound at
// stack[base:] and stashes it without running any of its body.
func (t *Thread) newGenerator(fn *Function, base int) Value {
	caller := t.frame
	f := t.pushFrame(fn, base)
	if f == nil {
		return Error
	}
	t.frame = caller
	t.depth--
	f.stash()
	g := &Generator{name: fn.name, frame: f}
	f.generator = g
	return t.rt.heap.Allocate(LayoutGenerator, g)
}

// resume runs g until it yields, returns or raises. done is false when the
// result is a yielded value; otherwise the result is the return value, or
// Error with the exception pending.
func (t *Thread) resume(g *Generator, sent Value) (Value, bool) {
	return t.resumeWith(g, sent, false)
}

// resumeWith resumes g with sent pushed as the value of the suspended yield,
// or, when throwing, with the pending exception raised at that yield.
func (t *Thread) resumeWith(g *Generator, sent Value, throwing bool) (Value, bool) {
	rt := t.rt
	if g.running {
		return t.raise(rt.types.ValueError, "generator already executing"), true
	}
	if g.finished {
		if throwing {
			return Error, true
		}
		return None, true
	}
	if !throwing && !g.started && sent != None {
		return t.raiseTypeError("can't send non-None value to a just-started generator"), true
	}
	f := g.frame
	if !t.unstash(f, t.top()) {
		return Error, true
	}
	if g.started && !throwing {
		f.push(sent)
	}
	g.started = true
	g.running = true
	f.entry = true
	v := t.run(f)
	g.running = false
	if f.state == FrameSuspended {
		return v, false
	}

	g.finished = true
	f.saved = nil
	if v.IsError() {
		if t.pendingMatches(rt.types.StopIteration) {
			t.clearPending()
			t.raise(rt.types.RuntimeError, "generator raised StopIteration")
		}
		return Error, true
	}
	return v, true
}

// stopIteration raises StopIteration carrying a generator's return value.
func (t *Thread) stopIteration(v Value) Value {
	if v == None {
		return t.setPending(t.rt.newException(t.rt.types.StopIteration))
	}
	return t.setPending(t.rt.newException(t.rt.types.StopIteration, v))
}

func (t *Thread) generatorArg(v Value, method string) (*Generator, bool) {
	g, ok := t.rt.object(v).(*Generator)
	if !ok {
		t.raiseTypeError("descriptor '%s' requires a 'generator' object but received a '%s'", method, t.rt.TypeOf(v).Name())
	}
	return g, ok
}

// ---------------------------------------------------------------------------
// Generator methods
// ---------------------------------------------------------------------------

func generatorNext(t *Thread, args []Value) Value {
	g, ok := t.generatorArg(args[0], "__next__")
	if !ok {
		return Error
	}
	v, done := t.resume(g, None)
	if done && !v.IsError() {
		return t.stopIteration(v)
	}
	return v
}

func generatorSend(t *Thread, args []Value) Value {
	g, ok := t.generatorArg(args[0], "send")
	if !ok {
		return Error
	}
	v, done := t.resume(g, args[1])
	if done && !v.IsError() {
		return t.stopIteration(v)
	}
	return v
}

// generatorThrow raises an exception at the generator's suspended yield.
// typ may be an exception type, instantiated with val when val is not
// already an instance of it, or an exception instance with val None.
func generatorThrow(t *Thread, args []Value) Value {
	g, ok := t.generatorArg(args[0], "throw")
	if !ok {
		return Error
	}
	typ, val := args[1], args[2]
	rt := t.rt
	var exc Value
	if cls, ok := rt.AsType(typ); ok {
		switch {
		case !cls.IsSubtype(rt.types.BaseException):
			return t.raiseTypeError("exceptions must be classes or instances deriving from BaseException, not type")
		case rt.IsInstance(val, cls):
			exc = val
		case val == None:
			exc = t.call(typ)
		default:
			exc = t.call(typ, val)
		}
		if exc.IsError() {
			return Error
		}
	} else {
		if _, ok := rt.exception(typ); !ok {
			return t.raiseTypeError("exceptions must be classes or instances deriving from BaseException, not %s", rt.TypeOf(typ).Name())
		}
		if val != None {
			return t.raiseTypeError("instance exception may not have a separate value")
		}
		exc = typ
	}

	t.setPending(exc)
	v, done := t.resumeWith(g, None, true)
	if done && !v.IsError() {
		return t.stopIteration(v)
	}
	return v
}

// generatorClose raises GeneratorExit at the suspended yield. A generator
// that yields again instead of finishing is an error.
func generatorClose(t *Thread, args []Value) Value {
	g, ok := t.generatorArg(args[0], "close")
	if !ok {
		return Error
	}
	if g.finished || !g.started {
		g.finished = true
		return None
	}
	rt := t.rt
	t.setPending(rt.newException(rt.types.GeneratorExit))
	v, done := t.resumeWith(g, None, true)
	switch {
	case !done:
		return t.raise(rt.types.RuntimeError, "generator ignored GeneratorExit")
	case v.IsError():
		if t.pendingMatches(rt.types.GeneratorExit) || t.pendingMatches(rt.types.StopIteration) {
			t.clearPending()
			return None
		}
		return Error
	}
	return None
}

func generatorIter(t *Thread, args []Value) Value {
	return args[0]
}

// registerGeneratorPrimitives installs the generator protocol.
func (rt *Runtime) registerGeneratorPrimitives() {
	typ := rt.types.Generator
	typ.define("__iter__", rt.NewNative("__iter__", []string{"self"}, 0, generatorIter))
	typ.define("__next__", rt.NewNative("__next__", []string{"self"}, 0, generatorNext))
	typ.define("send", rt.NewNative("send", []string{"self", "value"}, 0, generatorSend))
	typ.define("throw", rt.NewNative("throw", []string{"self", "typ", "val", "tb"}, 0, generatorThrow, None, None))
	typ.define("close", rt.NewNative("close", []string{"self"}, 0, generatorClose))
}
