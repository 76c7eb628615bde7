package vm

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// continuation tells the run loop what an instruction left behind.
type continuation uint8

const (
	contNext   continuation = iota // fall through to the next instruction
	contCall                       // a callee frame was pushed; continue in it
	contUnwind                     // an exception is pending
	contReturn                     // the current frame returns a value
	contYield                      // the current generator frame suspended
)

// why records the reason control is passing through a finally block.
type why int64

const (
	whyNot why = iota
	whyException
	whyReturn
	whyBreak
	whyContinue
	whySilenced
)

// run executes frames starting at entry until entry returns or yields. The
// result is the returned or yielded value, or Error with the exception still
// pending on t. Guest-to-guest calls push frames without recursing here.
func (t *Thread) run(entry *Frame) Value {
	cont := contNext
	if t.hasPending() {
		cont = contUnwind
	}
	var v Value
	for {
		switch cont {
		case contUnwind:
			if t.unwind() {
				return Error
			}
		case contReturn:
			f := t.frame
			t.popFrame()
			if f.entry {
				return v
			}
			caller := t.frame
			caller.sp = f.base - 1
			caller.push(v)
		case contYield:
			return v
		}
		cont, v = t.execute(t.frame)
	}
}

// unwind propagates the pending exception through the block stacks of the
// current frame and its callers. It returns true once an entry frame has
// been popped without finding a handler.
func (t *Thread) unwind() bool {
	for {
		f := t.frame
		if f == t.sentinel {
			panic("unwind: unhandled exception reached the sentinel frame")
		}
		if t.blockEnd(f, whyException, None) {
			return false
		}
		t.addTraceback(f)
		t.popFrame()
		if f.entry {
			return true
		}
		t.frame.sp = f.base - 1
	}
}

// blockEnd pops blocks of f on behalf of a non-local exit. It returns true if
// a block took control, in which case f.pc points at its handler.
func (t *Thread) blockEnd(f *Frame, reason why, retval Value) bool {
	for f.blocks.Len() > 0 {
		b := f.blocks.Peek()
		if b.Kind() == BlockLoop && reason == whyContinue {
			f.pc = int(retval.SmallInt())
			return true
		}
		f.blocks.Pop()
		if b.Kind() == BlockExceptHandler {
			t.restoreHandler(f, b)
			continue
		}
		f.sp = f.stackBase + b.Level()
		if b.Kind() == BlockLoop {
			if reason == whyBreak {
				f.pc = b.Handler()
				return true
			}
			continue
		}
		if reason == whyException {
			f.blocks.Push(NewTryBlock(BlockExceptHandler, 0, f.depth()))
			f.push(t.caught)
			exc := t.clearPending()
			f.push(None)
			f.push(exc)
			f.push(t.rt.TypeOf(exc).Value())
			t.caught = exc
			f.pc = b.Handler()
			return true
		}
		if b.Kind() == BlockFinally {
			if reason == whyReturn || reason == whyContinue {
				f.push(retval)
			}
			f.push(FromSmallInt(int64(reason)))
			f.pc = b.Handler()
			return true
		}
	}
	return false
}

// restoreHandler leaves an except handler: the stack drops to the block's
// level and the exception that was being handled before it is restored.
func (t *Thread) restoreHandler(f *Frame, b TryBlock) {
	f.sp = f.stackBase + b.Level() + 1
	t.caught = f.pop()
}

func (t *Thread) nameError(name string) Value {
	return t.raise(t.rt.types.NameError, "name '%s' is not defined", name)
}

// loadGlobal resolves a global through the module then builtins, binding
// the resolved cell into fn's cache and rewriting the instruction.
func (t *Thread) loadGlobal(fn *Function, idx, unit int) Value {
	rt := t.rt
	name := fn.code.Names[idx]
	if cell := fn.module.cell(name); cell != nil && !cell.IsPlaceholder() {
		rt.icBindGlobal(fn, idx, cell, unit, OpLoadGlobalCached)
		return cell.value
	}
	if cell := rt.builtins.cell(name); cell != nil && !cell.IsPlaceholder() {
		if fn.module != rt.builtins {
			fn.module.placeholder(name).addDependent(rt.heap, fn.Value())
		}
		rt.icBindGlobal(fn, idx, cell, unit, OpLoadGlobalCached)
		return cell.value
	}
	return t.nameError(name)
}

// execute runs instructions of f until one changes frames or fails.
func (t *Thread) execute(f *Frame) (continuation, Value) {
	rt := t.rt
	fn := f.fn
	code := f.code

	for {
		op, arg, unit, next := decodeAt(fn.bytecode, f.pc)
		f.pc = next

		switch op {
		// --- Stack operations ---
		case OpNop:

		case OpPopTop:
			f.sp--

		case OpRotTwo:
			a, b := f.peek(0), f.peek(1)
			f.setAt(0, b)
			f.setAt(1, a)

		case OpRotThree:
			a, b, c := f.peek(0), f.peek(1), f.peek(2)
			f.setAt(0, b)
			f.setAt(1, c)
			f.setAt(2, a)

		case OpDupTop:
			f.push(f.peek(0))

		case OpDupTopTwo:
			a, b := f.peek(1), f.peek(0)
			f.push(a)
			f.push(b)

		case OpPrintExpr:
			v := f.pop()
			if v != None {
				if t.printExpr(v).IsError() {
					return contUnwind, Error
				}
			}

		// --- Constants and locals ---
		case OpLoadConst:
			f.push(code.Consts[arg])

		case OpLoadFast:
			v := f.local(arg)
			if v.IsUnbound() {
				t.raise(rt.types.UnboundLocalError, "local variable '%s' referenced before assignment", code.VarNames[arg])
				return contUnwind, Error
			}
			f.push(v)

		case OpStoreFast:
			f.setLocal(arg, f.pop())

		case OpDeleteFast:
			if f.local(arg).IsUnbound() {
				t.raise(rt.types.UnboundLocalError, "local variable '%s' referenced before assignment", code.VarNames[arg])
				return contUnwind, Error
			}
			f.setLocal(arg, Unbound)

		// --- Closures ---
		case OpLoadClosure:
			f.push(f.cellSlot(arg))

		case OpLoadDeref:
			cell := rt.heap.Object(f.cellSlot(arg)).(*Cell)
			if cell.value.IsUnbound() {
				t.unboundDeref(code, arg)
				return contUnwind, Error
			}
			f.push(cell.value)

		case OpStoreDeref:
			rt.heap.Object(f.cellSlot(arg)).(*Cell).value = f.pop()

		// --- Globals and names ---
		case OpLoadGlobal:
			v := t.loadGlobal(fn, arg, unit)
			if v.IsError() {
				return contUnwind, Error
			}
			f.push(v)

		case OpLoadGlobalCached:
			v := fn.caches[arg].cell.value
			if v.IsUnbound() {
				v = t.loadGlobal(fn, arg, unit)
				if v.IsError() {
					return contUnwind, Error
				}
			}
			f.push(v)

		case OpStoreGlobal:
			name := code.Names[arg]
			fn.module.Set(name, f.pop())
			rt.icBindGlobal(fn, arg, fn.module.cell(name), unit, OpStoreGlobalCached)

		case OpStoreGlobalCached:
			fn.caches[arg].cell.value = f.pop()

		case OpDeleteGlobal:
			if fn.module.Delete(code.Names[arg]) != nil {
				t.nameError(code.Names[arg])
				return contUnwind, Error
			}

		case OpLoadName:
			name := code.Names[arg]
			v, ok := fn.module.Get(name)
			if !ok {
				if v, ok = rt.builtins.Get(name); !ok {
					t.nameError(name)
					return contUnwind, Error
				}
			}
			f.push(v)

		case OpStoreName:
			fn.module.Set(code.Names[arg], f.pop())

		case OpDeleteName:
			if fn.module.Delete(code.Names[arg]) != nil {
				t.nameError(code.Names[arg])
				return contUnwind, Error
			}

		// --- Attributes ---
		case OpLoadAttr:
			v := t.getAttr(f.peek(0), code.Names[arg], nil, 0)
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpLoadAttrCached:
			v := t.loadAttrCached(fn, int(code.siteAt[unit/2]), f.peek(0))
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpStoreAttr, OpStoreAttrCached:
			obj, v := f.peek(0), f.peek(1)
			f.drop(2)
			var r Value
			if op == OpStoreAttrCached {
				r = t.storeAttrCached(fn, int(code.siteAt[unit/2]), obj, v)
			} else {
				r = t.setAttr(obj, code.Names[arg], v, nil, 0)
			}
			if r.IsError() {
				return contUnwind, Error
			}

		case OpDeleteAttr:
			if t.delAttr(f.pop(), code.Names[arg]).IsError() {
				return contUnwind, Error
			}

		case OpLoadMethod, OpLoadMethodCached:
			var m, self Value
			if op == OpLoadMethodCached {
				m, self = t.loadMethod(f.peek(0), code.Names[arg], fn, int(code.siteAt[unit/2]))
			} else {
				m, self = t.loadMethod(f.peek(0), code.Names[arg], nil, 0)
			}
			if m.IsError() {
				return contUnwind, Error
			}
			if self.IsUnbound() {
				f.setAt(0, Unbound)
				f.push(m)
			} else {
				f.setAt(0, m)
				f.push(self)
			}

		// --- Operators ---
		case OpUnaryPositive, OpUnaryNegative, OpUnaryNot, OpUnaryInvert:
			v := t.unaryOp(op, f.peek(0))
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpBinaryOpCached, OpInplaceOpCached:
			si := int(code.siteAt[unit/2])
			b := f.pop()
			v := t.binaryDispatch(code.sites[si].binop, f.peek(0), b, op == OpInplaceOpCached, fn, si)
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpCompareOp:
			b := f.pop()
			v := t.compareOp(CompareOp(arg), f.peek(0), b)
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpCompareOpCached:
			si := int(code.siteAt[unit/2])
			b := f.pop()
			v := t.compareDispatch(code.sites[si].compare, f.peek(0), b, fn, si)
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpBinarySubscr:
			key := f.pop()
			v := t.getItem(f.peek(0), key)
			if v.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, v)

		case OpStoreSubscr:
			key, container, v := f.peek(0), f.peek(1), f.peek(2)
			f.drop(3)
			if t.setItem(container, key, v).IsError() {
				return contUnwind, Error
			}

		case OpDeleteSubscr:
			key, container := f.peek(0), f.peek(1)
			f.drop(2)
			if t.delItem(container, key).IsError() {
				return contUnwind, Error
			}

		// --- Building ---
		case OpBuildTuple:
			items := append([]Value(nil), f.region[f.sp-arg:f.sp]...)
			f.drop(arg)
			f.push(rt.NewTuple(items...))

		case OpBuildList:
			items := append([]Value(nil), f.region[f.sp-arg:f.sp]...)
			f.drop(arg)
			f.push(rt.NewList(items...))

		case OpBuildMap:
			dv := rt.NewDict()
			d := rt.heap.Object(dv).(*Dict)
			pairs := f.region[f.sp-2*arg : f.sp]
			for i := 0; i < len(pairs); i += 2 {
				if !t.dictSet(d, pairs[i], pairs[i+1]) {
					return contUnwind, Error
				}
			}
			f.drop(2 * arg)
			f.push(dv)

		case OpListAppend:
			v := f.pop()
			l := rt.heap.Object(f.peek(arg - 1)).(*List)
			l.items = append(l.items, v)

		case OpUnpackSequence:
			if !t.unpack(f, arg) {
				return contUnwind, Error
			}

		// --- Functions and calls ---
		case OpMakeFunction:
			if !t.makeFunction(f, arg) {
				return contUnwind, Error
			}

		case OpCallFunction:
			fi := f.sp - arg - 1
			if c, v := t.finishCall(f, fi, arg, nil); c != contNext {
				return c, v
			}

		case OpCallFunctionKw:
			names, _ := rt.TupleItems(f.pop())
			fi := f.sp - arg - 1
			if c, v := t.finishCall(f, fi, arg-len(names), names); c != contNext {
				return c, v
			}

		case OpCallFunctionEx:
			fi := f.sp - 2
			if arg&CallExKeywords != 0 {
				fi--
			}
			npos, names, ok := t.explodeCall(fi, arg&CallExKeywords != 0)
			if !ok {
				return contUnwind, Error
			}
			if c, v := t.finishCall(f, fi, npos, names); c != contNext {
				return c, v
			}

		case OpCallMethod:
			fi := f.sp - arg - 2
			npos := arg + 1
			if f.region[fi].IsUnbound() {
				copy(f.region[fi:], f.region[fi+1:f.sp])
				f.sp--
				npos = arg
			}
			if c, v := t.finishCall(f, fi, npos, nil); c != contNext {
				return c, v
			}

		case OpReturnValue:
			retval := f.pop()
			if t.blockEnd(f, whyReturn, retval) {
				continue
			}
			return contReturn, retval

		case OpYieldValue:
			v := f.pop()
			if f.generator == nil || !f.entry {
				panic("YIELD_VALUE outside a generator frame")
			}
			t.frame = f.previous
			t.depth--
			f.stash()
			return contYield, v

		// --- Jumps ---
		case OpJumpForward:
			f.pc += arg

		case OpJumpAbsolute:
			f.pc = arg

		case OpPopJumpIfFalse, OpPopJumpIfTrue:
			b, ok := t.truthy(f.pop())
			if !ok {
				return contUnwind, Error
			}
			if b == (op == OpPopJumpIfTrue) {
				f.pc = arg
			}

		case OpJumpIfFalseOrPop, OpJumpIfTrueOrPop:
			b, ok := t.truthy(f.peek(0))
			if !ok {
				return contUnwind, Error
			}
			if b == (op == OpJumpIfTrueOrPop) {
				f.pc = arg
			} else {
				f.sp--
			}

		// --- Iteration ---
		case OpGetIter:
			it := t.getIter(f.peek(0))
			if it.IsError() {
				return contUnwind, Error
			}
			f.setAt(0, it)

		case OpForIter:
			v := t.iterNext(f.peek(0))
			switch {
			case v.IsError():
				return contUnwind, Error
			case v.IsUnbound():
				f.sp--
				f.pc += arg
			default:
				f.push(v)
			}

		// --- Blocks ---
		case OpSetupLoop, OpSetupExcept, OpSetupFinally:
			kind := BlockLoop
			switch op {
			case OpSetupExcept:
				kind = BlockExcept
			case OpSetupFinally:
				kind = BlockFinally
			}
			if !f.blocks.Push(NewTryBlock(kind, f.pc+arg, f.depth())) {
				t.raise(rt.types.RuntimeError, "too many statically nested blocks")
				return contUnwind, Error
			}

		case OpPopBlock:
			b := f.blocks.Pop()
			f.sp = f.stackBase + b.Level()

		case OpPopExcept:
			b := f.blocks.Pop()
			if b.Kind() != BlockExceptHandler {
				panic("POP_EXCEPT: popped block is not an except handler")
			}
			t.restoreHandler(f, b)

		case OpBreakLoop:
			if !t.blockEnd(f, whyBreak, None) {
				panic("BREAK_LOOP outside a loop")
			}

		case OpContinueLoop:
			if !t.blockEnd(f, whyContinue, FromInt(arg)) {
				panic("CONTINUE_LOOP outside a loop")
			}

		case OpEndFinally:
			status := f.pop()
			switch {
			case status == None:
			case status.IsSmallInt():
				reason := why(status.SmallInt())
				retval := None
				if reason == whyReturn || reason == whyContinue {
					retval = f.pop()
				}
				if reason == whySilenced {
					t.restoreHandler(f, f.blocks.Pop())
					continue
				}
				if t.blockEnd(f, reason, retval) {
					continue
				}
				if reason != whyReturn {
					panic("END_FINALLY: break or continue outside a loop")
				}
				return contReturn, retval
			default:
				exc := f.pop()
				f.sp-- // traceback
				t.setPending(exc)
				return contUnwind, Error
			}

		case OpRaiseVarargs:
			switch arg {
			case 0:
				if t.caught == None {
					t.raise(rt.types.RuntimeError, "No active exception to reraise")
				} else {
					t.setPending(t.caught)
				}
			case 1:
				t.raiseValue(f.pop())
			default:
				f.sp-- // cause
				t.raiseValue(f.pop())
			}
			return contUnwind, Error

		// --- Context managers ---
		case OpSetupWith:
			mgr := f.pop()
			exit := t.getAttr(mgr, "__exit__", nil, 0)
			if exit.IsError() {
				return contUnwind, Error
			}
			enter := t.getAttr(mgr, "__enter__", nil, 0)
			if enter.IsError() {
				return contUnwind, Error
			}
			f.push(exit)
			res := t.call(enter)
			if res.IsError() {
				return contUnwind, Error
			}
			if !f.blocks.Push(NewTryBlock(BlockFinally, f.pc+arg, f.depth())) {
				t.raise(rt.types.RuntimeError, "too many statically nested blocks")
				return contUnwind, Error
			}
			f.push(res)

		case OpWithCleanupStart:
			if !t.withCleanupStart(f) {
				return contUnwind, Error
			}

		case OpWithCleanupFinish:
			res, exc := f.pop(), f.pop()
			if exc != None {
				silenced, ok := t.truthy(res)
				if !ok {
					return contUnwind, Error
				}
				if silenced {
					f.push(FromSmallInt(int64(whySilenced)))
				}
			}

		default:
			if b, ok := binaryOpcodes[op]; ok {
				r := f.pop()
				v := t.binaryDispatch(b, f.peek(0), r, false, nil, 0)
				if v.IsError() {
					return contUnwind, Error
				}
				f.setAt(0, v)
				continue
			}
			if b, ok := inplaceOpcodes[op]; ok {
				r := f.pop()
				v := t.binaryDispatch(b, f.peek(0), r, true, nil, 0)
				if v.IsError() {
					return contUnwind, Error
				}
				f.setAt(0, v)
				continue
			}
			t.raise(rt.types.RuntimeError, "unknown opcode %s at offset %d in %s", op, unit, code.Name)
			return contUnwind, Error
		}
	}
}

// finishCall performs a call whose operands start at fi. A result from a
// native or type call replaces the operands; a pushed guest frame makes
// the run loop switch to it.
func (t *Thread) finishCall(f *Frame, fi, npos int, kwnames []Value) (continuation, Value) {
	r, callee := t.callAt(fi, npos, kwnames)
	if callee != nil {
		return contCall, None
	}
	if r.IsError() {
		return contUnwind, Error
	}
	f.sp = fi
	f.push(r)
	return contNext, None
}

func (t *Thread) unboundDeref(code *Code, i int) {
	if i < len(code.CellVars) {
		t.raise(t.rt.types.UnboundLocalError, "local variable '%s' referenced before assignment", code.CellVars[i])
		return
	}
	t.raise(t.rt.types.NameError, "free variable '%s' referenced before assignment in enclosing scope",
		code.FreeVars[i-len(code.CellVars)])
}

// unpack implements UNPACK_SEQUENCE: the items replace the sequence, first
// item on top.
func (t *Thread) unpack(f *Frame, n int) bool {
	rt := t.rt
	seq := f.peek(0)
	items, ok := rt.sequenceItems(seq)
	if !ok {
		it := t.getIter(seq)
		if it.IsError() {
			return false
		}
		for {
			v := t.iterNext(it)
			if v.IsError() {
				return false
			}
			if v.IsUnbound() {
				break
			}
			items = append(items, v)
			if len(items) > n {
				break
			}
		}
	}
	switch {
	case len(items) < n:
		t.raise(rt.types.ValueError, "not enough values to unpack (expected %d, got %d)", n, len(items))
		return false
	case len(items) > n:
		t.raise(rt.types.ValueError, "too many values to unpack (expected %d)", n)
		return false
	}
	f.sp--
	for i := n - 1; i >= 0; i-- {
		f.push(items[i])
	}
	return true
}

// makeFunction implements MAKE_FUNCTION: qualified name on top, the code
// below it, then the optional closure, annotations, keyword defaults and
// defaults selected by flags.
func (t *Thread) makeFunction(f *Frame, flags int) bool {
	rt := t.rt
	qualname := f.pop()
	codeValue := f.pop()
	code, ok := rt.object(codeValue).(*Code)
	if !ok {
		t.raiseTypeError("MAKE_FUNCTION expects a code object, got %s", rt.TypeOf(codeValue).Name())
		return false
	}
	fn, v := rt.newFunction(code, f.fn.module)
	if name, ok := rt.StrValue(qualname); ok {
		fn.name = name
	}
	if flags&MakeFunctionClosure != 0 {
		cells, _ := rt.TupleItems(f.pop())
		fn.closure = append([]Value(nil), cells...)
	}
	if flags&0x04 != 0 {
		f.sp-- // annotations are not kept
	}
	if flags&MakeFunctionKwDefaults != 0 {
		if d, ok := rt.object(f.pop()).(*Dict); ok {
			d.each(func(k, dv Value) {
				name, _ := rt.StrValue(k)
				fn.kwDefaults = append(fn.kwDefaults, kwDefault{name: name, value: dv})
			})
		}
	}
	if flags&MakeFunctionDefaults != 0 {
		defaults, _ := rt.TupleItems(f.pop())
		fn.defaults = append([]Value(nil), defaults...)
	}
	if len(fn.closure) != len(code.FreeVars) {
		t.raiseTypeError("%s requires closure of length %d, not %d", code.Name, len(code.FreeVars), len(fn.closure))
		return false
	}
	f.push(v)
	return true
}

// withCleanupStart calls the context manager's __exit__ for every way the
// with body can end. On exit the stack holds the finally status and below
// it the exception type (or None) and __exit__'s result.
func (t *Thread) withCleanupStart(f *Frame) bool {
	top := f.peek(0)
	exc, val, tb := None, None, None
	var exit Value
	switch {
	case top == None:
		f.sp--
		exit = f.peek(0)
		f.setAt(0, top)
	case top.IsSmallInt():
		f.sp--
		switch why(top.SmallInt()) {
		case whyReturn, whyContinue:
			exit = f.peek(1)
			f.setAt(1, f.peek(0))
			f.setAt(0, top)
		default:
			exit = f.peek(0)
			f.setAt(0, top)
		}
	default:
		// [exit, prev, tb, val, type]: drop exit from under the handler state.
		exc, val, tb = top, f.peek(1), f.peek(2)
		exit = f.peek(4)
		copy(f.region[f.sp-5:f.sp-1], f.region[f.sp-4:f.sp])
		f.sp--
		b := f.blocks.Peek()
		if b.Kind() != BlockExceptHandler {
			panic("WITH_CLEANUP_START: missing except handler block")
		}
		f.blocks.SetTop(NewTryBlock(BlockExceptHandler, b.Handler(), b.Level()-1))
	}
	res := t.call(exit, exc, val, tb)
	if res.IsError() {
		return false
	}
	f.push(exc)
	f.push(res)
	return true
}
