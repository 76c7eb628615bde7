package vm

// ---------------------------------------------------------------------------
// Exception Primitives
// ---------------------------------------------------------------------------

func (rt *Runtime) registerExceptionPrimitives() {
	ts := &rt.types

	ts.BaseException.define("__init__", rt.NewNative("__init__", []string{"self", "args"}, CodeVarargs, func(t *Thread, args []Value) Value {
		e, ok := t.rt.exception(args[0])
		if !ok {
			return t.raiseTypeError("descriptor '__init__' requires a 'BaseException' object but received a '%s'",
				t.rt.TypeOf(args[0]).Name())
		}
		items, _ := t.rt.TupleItems(args[1])
		e.args = append([]Value(nil), items...)
		return None
	}))

	argsGetter := rt.NewNative("args", []string{"self"}, 0, func(t *Thread, args []Value) Value {
		e, ok := t.rt.exception(args[0])
		if !ok {
			return t.raiseAttributeError(args[0], "args")
		}
		return t.rt.NewTuple(append([]Value(nil), e.args...)...)
	})
	ts.BaseException.define("args", rt.newProperty(argsGetter, None))

	valueGetter := rt.NewNative("value", []string{"self"}, 0, func(t *Thread, args []Value) Value {
		e, ok := t.rt.exception(args[0])
		if !ok {
			return t.raiseAttributeError(args[0], "value")
		}
		if len(e.args) == 0 {
			return None
		}
		return e.args[0]
	})
	ts.StopIteration.define("value", rt.newProperty(valueGetter, None))
}

func (rt *Runtime) newProperty(fget, fset Value) Value {
	return rt.heap.Allocate(LayoutProperty, &Property{fget: fget, fset: fset, fdel: None})
}
