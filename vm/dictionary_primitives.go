package vm

// ---------------------------------------------------------------------------
// Dictionary Primitives
// ---------------------------------------------------------------------------

func (rt *Runtime) registerDictionaryPrimitives() {
	ts := &rt.types

	ts.Dict.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 0:
			return t.rt.NewDict()
		case 1:
			src, ok := t.rt.object(args[0]).(*Dict)
			if !ok {
				return t.raiseTypeError("dict() argument must be a dict, not %s", t.rt.TypeOf(args[0]).Name())
			}
			dv := t.rt.NewDict()
			d := t.rt.heap.Object(dv).(*Dict)
			ok = true
			src.each(func(k, v Value) {
				ok = ok && t.dictSet(d, k, v)
			})
			if !ok {
				return Error
			}
			return dv
		}
		return t.raiseTypeError("dict expected at most 1 argument, got %d", len(args))
	}

	rt.method(ts.Dict, "get", []string{"self", "key", "default"}, func(t *Thread, args []Value) Value {
		d, ok := t.dictArg(args[0], "get")
		if !ok {
			return Error
		}
		v, ok := t.dictGet(d, args[1])
		switch {
		case !ok:
			return Error
		case v.IsUnbound():
			return args[2]
		}
		return v
	}, None)

	rt.method(ts.Dict, "keys", []string{"self"}, func(t *Thread, args []Value) Value {
		d, ok := t.dictArg(args[0], "keys")
		if !ok {
			return Error
		}
		return t.rt.NewList(d.keys()...)
	})

	rt.method(ts.Dict, "values", []string{"self"}, func(t *Thread, args []Value) Value {
		d, ok := t.dictArg(args[0], "values")
		if !ok {
			return Error
		}
		out := make([]Value, 0, d.live)
		d.each(func(_, v Value) { out = append(out, v) })
		return t.rt.NewList(out...)
	})

	rt.method(ts.Dict, "items", []string{"self"}, func(t *Thread, args []Value) Value {
		d, ok := t.dictArg(args[0], "items")
		if !ok {
			return Error
		}
		out := make([]Value, 0, d.live)
		d.each(func(k, v Value) { out = append(out, t.rt.NewTuple(k, v)) })
		return t.rt.NewList(out...)
	})
}

func (t *Thread) dictArg(v Value, method string) (*Dict, bool) {
	d, ok := t.rt.object(v).(*Dict)
	if !ok {
		t.raiseTypeError("descriptor '%s' requires a 'dict' object but received a '%s'", method, t.rt.TypeOf(v).Name())
	}
	return d, ok
}
