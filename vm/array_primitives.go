package vm

// ---------------------------------------------------------------------------
// Sequence Primitives (tuple, list)
// ---------------------------------------------------------------------------

func (rt *Runtime) registerSequencePrimitives() {
	ts := &rt.types

	ts.Tuple.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 0:
			return t.rt.NewTuple()
		case 1:
			if _, ok := t.rt.TupleItems(args[0]); ok {
				return args[0]
			}
			items, ok := t.collect(args[0])
			if !ok {
				return Error
			}
			return t.rt.NewTuple(items...)
		}
		return t.raiseTypeError("tuple expected at most 1 argument, got %d", len(args))
	}

	ts.List.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 0:
			return t.rt.NewList()
		case 1:
			items, ok := t.collect(args[0])
			if !ok {
				return Error
			}
			return t.rt.NewList(items...)
		}
		return t.raiseTypeError("list expected at most 1 argument, got %d", len(args))
	}

	for _, typ := range []*Type{ts.Tuple, ts.List} {
		seq := typ
		rt.method(seq, "__add__", []string{"self", "other"}, func(t *Thread, args []Value) Value {
			if t.rt.TypeOf(args[1]) != seq {
				return NotImplemented
			}
			a, _ := t.rt.sequenceItems(args[0])
			b, _ := t.rt.sequenceItems(args[1])
			items := append(append(make([]Value, 0, len(a)+len(b)), a...), b...)
			if seq == t.rt.types.Tuple {
				return t.rt.NewTuple(items...)
			}
			return t.rt.NewList(items...)
		})

		rt.method(seq, "__eq__", []string{"self", "other"}, func(t *Thread, args []Value) Value {
			if t.rt.TypeOf(args[1]) != seq {
				return NotImplemented
			}
			eq, ok := t.sequenceEqual(args[0], args[1])
			if !ok {
				return Error
			}
			return FromBool(eq)
		})

		rt.method(seq, "__ne__", []string{"self", "other"}, func(t *Thread, args []Value) Value {
			if t.rt.TypeOf(args[1]) != seq {
				return NotImplemented
			}
			eq, ok := t.sequenceEqual(args[0], args[1])
			if !ok {
				return Error
			}
			return FromBool(!eq)
		})

		rt.method(seq, "index", []string{"self", "value"}, func(t *Thread, args []Value) Value {
			items, _ := t.rt.sequenceItems(args[0])
			for i, v := range items {
				eq, ok := t.equal(v, args[1])
				if !ok {
					return Error
				}
				if eq {
					return FromInt(i)
				}
			}
			return t.raise(t.rt.types.ValueError, "%s.index(x): x not in %s", seq.name, seq.name)
		})
	}

	// list only
	rt.method(ts.List, "append", []string{"self", "item"}, func(t *Thread, args []Value) Value {
		l, ok := t.rt.object(args[0]).(*List)
		if !ok {
			return t.raiseTypeError("descriptor 'append' requires a 'list' object")
		}
		l.items = append(l.items, args[1])
		return None
	})

	rt.method(ts.List, "pop", []string{"self", "index"}, func(t *Thread, args []Value) Value {
		l, ok := t.rt.object(args[0]).(*List)
		if !ok {
			return t.raiseTypeError("descriptor 'pop' requires a 'list' object")
		}
		if len(l.items) == 0 {
			return t.raise(t.rt.types.IndexError, "pop from empty list")
		}
		i, ok := t.indexValue(args[1], len(l.items), "pop")
		if !ok {
			return Error
		}
		v := l.items[i]
		l.items = append(l.items[:i], l.items[i+1:]...)
		return v
	}, FromSmallInt(-1))
}

// sequenceEqual compares two tuples or two lists element-wise.
func (t *Thread) sequenceEqual(a, b Value) (bool, bool) {
	x, _ := t.rt.sequenceItems(a)
	y, _ := t.rt.sequenceItems(b)
	if len(x) != len(y) {
		return false, true
	}
	for i := range x {
		eq, ok := t.equal(x[i], y[i])
		if !ok || !eq {
			return eq, ok
		}
	}
	return true, true
}
