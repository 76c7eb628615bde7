package vm

// ---------------------------------------------------------------------------
// Calling convention
//
// A call site leaves the callable at stack[fi] and its arguments above it:
// npos positional values, then one value per keyword name. The adapters in
// this file rewrite stack[fi+1:] into the callee's canonical parameter
// layout (positional slots, keyword-only slots, the variadic tuple, the
// variadic mapping) and then either open a frame there, run a native body,
// or wrap the prepared frame in a generator.
// ---------------------------------------------------------------------------

// callAt calls the callable at stack[fi]. The caller's sp must be just past
// the arguments. A non-nil frame means a guest frame was pushed and the
// interpreter should continue in it; otherwise the result (or Error) is
// returned and the arguments are still on the caller's stack.
func (t *Thread) callAt(fi, npos int, kwnames []Value) (Value, *Frame) {
	rt := t.rt
	for {
		callable := t.stack[fi]
		switch o := rt.object(callable).(type) {
		case *Function:
			return t.callFunction(o, fi, npos, kwnames)
		case *BoundMethod:
			if !t.insertSelf(fi, o.fn, o.self) {
				return Error, nil
			}
			npos++
			continue
		case *Type:
			return t.callType(o, fi, npos, kwnames), nil
		}
		m, _ := rt.TypeOf(callable).Lookup("__call__")
		if m.IsUnbound() {
			return t.raiseTypeError("'%s' object is not callable", rt.TypeOf(callable).Name()), nil
		}
		if !t.insertSelf(fi, m, callable) {
			return Error, nil
		}
		npos++
	}
}

// insertSelf replaces the callable at stack[fi] with fn and shifts the
// arguments up to make self the first one.
func (t *Thread) insertSelf(fi int, fn, self Value) bool {
	f := t.frame
	if !t.ensureStack(f.sp + 1) {
		return false
	}
	copy(t.stack[fi+2:f.sp+1], t.stack[fi+1:f.sp])
	t.stack[fi] = fn
	t.stack[fi+1] = self
	f.sp++
	return true
}

// callFunction binds the arguments of fn in place and dispatches on its
// kind.
func (t *Thread) callFunction(fn *Function, fi, npos int, kwnames []Value) (Value, *Frame) {
	code := fn.code
	base := fi + 1
	if !t.bindArguments(fn, base, npos, kwnames) {
		return Error, nil
	}
	switch {
	case code.IsNative():
		return t.callNative(fn, base), nil
	case code.IsGenerator():
		return t.newGenerator(fn, base), nil
	}
	callee := t.pushFrame(fn, base)
	if callee == nil {
		return Error, nil
	}
	return None, callee
}

// callNative runs a native body over its bound parameters. The caller's sp
// is raised past them so calls the native makes land above.
func (t *Thread) callNative(fn *Function, base int) Value {
	code := fn.code
	if t.depth >= t.rt.opts.MaxDepth {
		return t.raise(t.rt.types.RecursionError, "maximum recursion depth exceeded")
	}
	f := t.frame
	saved := f.sp
	f.sp = base + code.TotalArgs()
	t.depth++
	r := code.native(t, t.stack[base:base+code.TotalArgs()])
	t.depth--
	f.sp = saved
	return r
}

// ---------------------------------------------------------------------------
// Argument binding
// ---------------------------------------------------------------------------

func (t *Thread) raiseTooMany(code *Code, given int) Value {
	return t.raiseKind(t.rt.types.TypeError, ErrTooManyArguments,
		"%s() takes %d positional arguments but %d were given", code.Name, code.ArgCount, given)
}

func (t *Thread) raiseMissing(code *Code, name string) Value {
	return t.raiseKind(t.rt.types.TypeError, ErrMissingArgument,
		"%s() missing required argument: '%s'", code.Name, name)
}

func (t *Thread) raiseDuplicate(code *Code, name string) Value {
	return t.raiseKind(t.rt.types.TypeError, ErrDuplicateKeyword,
		"%s() got multiple values for argument '%s'", code.Name, name)
}

// formalIndex returns the parameter slot named name among the positional and
// keyword-only parameters, or -1.
func formalIndex(code *Code, name string) int {
	n := code.ArgCount + code.KwOnlyArgCount
	for i := 0; i < n; i++ {
		if code.VarNames[i] == name {
			return i
		}
	}
	return -1
}

// defaultFor returns the default of parameter slot i, or Unbound.
func (fn *Function) defaultFor(i int) Value {
	code := fn.code
	if i < code.ArgCount {
		d := i - (code.ArgCount - len(fn.defaults))
		if d >= 0 {
			return fn.defaults[d]
		}
		return Unbound
	}
	v, _ := fn.kwDefault(code.VarNames[i])
	return v
}

// bindArguments rewrites stack[base:] from npos positional values followed
// by len(kwnames) keyword values into fn's canonical layout. On failure it
// raises one of the argument-binding errors and returns false.
func (t *Thread) bindArguments(fn *Function, base, npos int, kwnames []Value) bool {
	code := fn.code
	nkw := len(kwnames)
	argc := code.ArgCount
	named := argc + code.KwOnlyArgCount
	if nkw == 0 && npos == argc && named == argc && !code.HasVarargs() && !code.HasVarkeyargs() {
		return true
	}
	if !t.ensureStack(base + max(npos+nkw, named) + 2) {
		return false
	}
	rt := t.rt
	s := t.stack

	// Spill excess positionals into the variadic tuple, closing the gap so
	// the keyword values follow the positional slots.
	varargs := Unbound
	if npos > argc {
		if !code.HasVarargs() {
			t.raiseTooMany(code, npos)
			return false
		}
		varargs = rt.NewTuple(append([]Value(nil), s[base+argc:base+npos]...)...)
		copy(s[base+argc:], s[base+npos:base+npos+nkw])
		npos = argc
	} else if code.HasVarargs() {
		varargs = rt.NewTuple()
	}

	// Route keywords: names of declared parameters stay in place, unknown
	// names go to the variadic mapping.
	varkw := Unbound
	var varkwDict *Dict
	if code.HasVarkeyargs() {
		varkw = rt.NewDict()
		varkwDict = rt.object(varkw).(*Dict)
	}
	names := make([]string, 0, named-npos)
	kept := 0
	for j, kn := range kwnames {
		name, ok := rt.StrValue(kn)
		if !ok {
			t.raiseKind(rt.types.TypeError, ErrNonStringKeyword, "%s() keywords must be strings", code.Name)
			return false
		}
		v := s[base+npos+j]
		p := formalIndex(code, name)
		switch {
		case p >= 0 && p < npos:
			t.raiseDuplicate(code, name)
			return false
		case p >= 0:
			for _, seen := range names {
				if seen == name {
					t.raiseDuplicate(code, name)
					return false
				}
			}
			s[base+npos+kept] = v
			names = append(names, name)
			kept++
		case varkwDict != nil:
			key := rt.Str(name)
			if i, _, _ := t.dictFind(varkwDict, key); i >= 0 {
				t.raiseDuplicate(code, name)
				return false
			}
			t.dictSet(varkwDict, key, v)
		default:
			t.raiseKind(rt.types.TypeError, ErrUnexpectedKeyword,
				"%s() got an unexpected keyword argument '%s'", code.Name, name)
			return false
		}
	}

	// Pad to the full named-parameter range; "" marks a padding slot.
	for i := npos + kept; i < named; i++ {
		s[base+i] = Unbound
		names = append(names, "")
	}

	// Reconcile in place: bring each slot's own keyword into position by a
	// forward scan, or fill it from its default.
	for i := npos; i < named; i++ {
		want := code.VarNames[i]
		k := i - npos
		if names[k] == want {
			continue
		}
		j := k + 1
		for j < len(names) && names[j] != want {
			j++
		}
		if j < len(names) {
			s[base+i], s[base+npos+j] = s[base+npos+j], s[base+i]
			names[k], names[j] = names[j], names[k]
			continue
		}
		if names[k] != "" {
			// The occupant belongs further right; park it in a later padding slot.
			for j = k + 1; names[j] != ""; j++ {
			}
			s[base+i], s[base+npos+j] = s[base+npos+j], s[base+i]
			names[k], names[j] = names[j], names[k]
		}
		d := fn.defaultFor(i)
		if d.IsUnbound() {
			t.raiseMissing(code, want)
			return false
		}
		s[base+i] = d
		names[k] = want
	}

	slot := base + named
	if code.HasVarargs() {
		s[slot] = varargs
		slot++
	}
	if code.HasVarkeyargs() {
		s[slot] = varkw
	}
	return true
}

// ---------------------------------------------------------------------------
// Exploded calls
// ---------------------------------------------------------------------------

// explodeCall rewrites CALL_FUNCTION_EX operands, the callable followed by a
// positional iterable and optionally a mapping, into a keyword call layout.
// It returns the positional count and the keyword names.
func (t *Thread) explodeCall(fi int, hasKwargs bool) (int, []Value, bool) {
	rt := t.rt
	f := t.frame
	argsValue := t.stack[fi+1]
	kwargsValue := Unbound
	if hasKwargs {
		kwargsValue = t.stack[fi+2]
	}

	positional, ok := rt.sequenceItems(argsValue)
	if !ok {
		it := t.getIter(argsValue)
		if it.IsError() {
			if t.pendingMatches(rt.types.TypeError) {
				t.clearPending()
				t.raiseTypeError("argument after * must be an iterable, not %s", rt.TypeOf(argsValue).Name())
			}
			return 0, nil, false
		}
		for {
			v := t.iterNext(it)
			if v.IsError() {
				return 0, nil, false
			}
			if v.IsUnbound() {
				break
			}
			positional = append(positional, v)
		}
	}

	var names, values []Value
	if hasKwargs {
		d, ok := rt.object(kwargsValue).(*Dict)
		if !ok {
			t.raiseTypeError("argument after ** must be a mapping, not %s", rt.TypeOf(kwargsValue).Name())
			return 0, nil, false
		}
		d.each(func(k, v Value) {
			names = append(names, k)
			values = append(values, v)
		})
	}

	n := len(positional) + len(values)
	if !t.ensureStack(fi + 1 + n) {
		return 0, nil, false
	}
	positional = append([]Value(nil), positional...)
	copy(t.stack[fi+1:], positional)
	copy(t.stack[fi+1+len(positional):], values)
	f.sp = fi + 1 + n
	return len(positional), names, true
}

// ---------------------------------------------------------------------------
// Type calls
// ---------------------------------------------------------------------------

// callType instantiates typ. Builtin types use their constructor; user types
// allocate an instance and run __init__.
func (t *Thread) callType(typ *Type, fi, npos int, kwnames []Value) Value {
	rt := t.rt
	args := append([]Value(nil), t.stack[fi+1:fi+1+npos+len(kwnames)]...)
	if typ.construct != nil {
		if len(kwnames) > 0 {
			return t.raiseTypeError("%s() takes no keyword arguments", typ.name)
		}
		return typ.construct(t, typ, args)
	}
	if typ.kind == KindBuiltin {
		return t.raiseTypeError("cannot create '%s' instances", typ.name)
	}

	var obj Value
	if typ.kind == KindException {
		obj = rt.newException(typ, args[:npos]...)
	} else {
		obj = rt.newInstance(typ)
	}
	init, _ := typ.Lookup("__init__")
	if init.IsUnbound() {
		if len(args) > 0 {
			return t.raiseTypeError("%s() takes no arguments", typ.name)
		}
		return obj
	}
	r := t.callKw(init, append([]Value{obj}, args...), kwnames)
	if r.IsError() {
		return Error
	}
	if r != None {
		return t.raiseTypeError("__init__() should return None, not '%s'", rt.TypeOf(r).Name())
	}
	return obj
}

// ---------------------------------------------------------------------------
// Go-driven calls
// ---------------------------------------------------------------------------

// call invokes callable with positional args from Go, running guest code to
// completion on a nested interpreter loop.
func (t *Thread) call(callable Value, args ...Value) Value {
	return t.callKw(callable, args, nil)
}

// callKw invokes callable with args, the last len(kwnames) of which are
// keyword values.
func (t *Thread) callKw(callable Value, args []Value, kwnames []Value) Value {
	f := t.frame
	fi := f.sp
	n := len(args)
	if !t.ensureStack(fi + 1 + n) {
		return Error
	}
	saved := f.sp
	t.stack[fi] = callable
	copy(t.stack[fi+1:], args)
	f.sp = fi + 1 + n

	r, callee := t.callAt(fi, n-len(kwnames), kwnames)
	if callee != nil {
		callee.entry = true
		r = t.run(callee)
	}
	f.sp = saved
	return r
}

// Call invokes callable with positional arguments on this thread.
func (t *Thread) Call(callable Value, args ...Value) (Value, error) {
	r := t.call(callable, args...)
	if r.IsError() {
		return None, t.takeError()
	}
	return r, nil
}

// Keyword is one keyword argument of a host call.
type Keyword struct {
	Name  string
	Value Value
}

// CallKw invokes callable with positional and keyword arguments.
func (t *Thread) CallKw(callable Value, args []Value, kwargs []Keyword) (Value, error) {
	all := append([]Value(nil), args...)
	names := make([]Value, len(kwargs))
	for i, kw := range kwargs {
		names[i] = t.rt.Str(kw.Name)
		all = append(all, kw.Value)
	}
	r := t.callKw(callable, all, names)
	if r.IsError() {
		return None, t.takeError()
	}
	return r, nil
}
