package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Object Primitives (object, type, int, bool, property)
// ---------------------------------------------------------------------------

func (rt *Runtime) registerObjectPrimitives() {
	ts := &rt.types

	// object
	rt.method(ts.Object, "__eq__", []string{"self", "other"}, func(t *Thread, args []Value) Value {
		if args[0] == args[1] {
			return True
		}
		return NotImplemented
	})

	rt.method(ts.Object, "__ne__", []string{"self", "other"}, func(t *Thread, args []Value) Value {
		eq, _ := t.rt.TypeOf(args[0]).Lookup("__eq__")
		r := t.call(eq, args[0], args[1])
		if r.IsError() || r == NotImplemented {
			return r
		}
		b, ok := t.truthy(r)
		if !ok {
			return Error
		}
		return FromBool(!b)
	})

	rt.objectHash = rt.method(ts.Object, "__hash__", []string{"self"}, func(t *Thread, args []Value) Value {
		if !args[0].IsHeapObject() {
			h, ok := t.hash(args[0])
			if !ok {
				return Error
			}
			return FromSmallInt(h)
		}
		return FromSmallInt(int64(t.rt.heap.IdentityHash(args[0])))
	})

	ts.Object.construct = func(t *Thread, typ *Type, args []Value) Value {
		if len(args) > 0 {
			return t.raiseTypeError("object() takes no arguments")
		}
		return t.rt.heap.Allocate(LayoutObject, &Instance{})
	}

	// type(obj) or type(name, bases, dict)
	ts.Type.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 1:
			return t.rt.TypeOf(args[0]).Value()
		case 3:
			return t.newTypeFromArgs(args[0], args[1], args[2])
		}
		return t.raiseTypeError("type() takes 1 or 3 arguments")
	}

	// int
	ts.Int.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 0:
			return FromSmallInt(0)
		case 1:
		default:
			return t.raiseTypeError("int() takes at most 1 argument (%d given)", len(args))
		}
		v := args[0]
		switch {
		case v.IsSmallInt():
			return v
		case v.IsBool():
			return boolAsInt(v)
		}
		if s, ok := t.rt.StrValue(v); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return t.raise(t.rt.types.ValueError, "invalid literal for int() with base 10: %s", quote(s))
			}
			r, ok := TryFromSmallInt(n)
			if !ok {
				return t.raise(t.rt.types.OverflowError, "int too large: %s", s)
			}
			return r
		}
		if m, _ := t.rt.TypeOf(v).Lookup("__int__"); !m.IsUnbound() {
			r := t.call(m, v)
			if !r.IsError() && !r.IsSmallInt() {
				return t.raiseTypeError("__int__ returned non-int (type %s)", t.rt.TypeOf(r).Name())
			}
			return r
		}
		return t.raiseTypeError("int() argument must be a string or a number, not '%s'", t.rt.TypeOf(v).Name())
	}

	// bool
	ts.Bool.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 0:
			return False
		case 1:
			b, ok := t.truthy(args[0])
			if !ok {
				return Error
			}
			return FromBool(b)
		}
		return t.raiseTypeError("bool() takes at most 1 argument (%d given)", len(args))
	}

	// property(fget=None, fset=None, fdel=None)
	ts.Property.construct = func(t *Thread, typ *Type, args []Value) Value {
		if len(args) > 3 {
			return t.raiseTypeError("property() takes at most 3 arguments (%d given)", len(args))
		}
		p := &Property{fget: None, fset: None, fdel: None}
		fields := []*Value{&p.fget, &p.fset, &p.fdel}
		for i, a := range args {
			*fields[i] = a
		}
		return t.rt.heap.Allocate(LayoutProperty, p)
	}

	rt.method(ts.Property, "setter", []string{"self", "fset"}, func(t *Thread, args []Value) Value {
		return t.copyProperty(args[0], func(p *Property) { p.fset = args[1] })
	})

	rt.method(ts.Property, "deleter", []string{"self", "fdel"}, func(t *Thread, args []Value) Value {
		return t.copyProperty(args[0], func(p *Property) { p.fdel = args[1] })
	})

	rt.method(ts.Property, "getter", []string{"self", "fget"}, func(t *Thread, args []Value) Value {
		return t.copyProperty(args[0], func(p *Property) { p.fget = args[1] })
	})
}

// copyProperty returns a new property with edit applied to a copy of v.
func (t *Thread) copyProperty(v Value, edit func(p *Property)) Value {
	p, ok := t.rt.object(v).(*Property)
	if !ok {
		return t.raiseTypeError("descriptor requires a 'property' object but received a '%s'", t.rt.TypeOf(v).Name())
	}
	cp := *p
	cp.Header = Header{}
	edit(&cp)
	return t.rt.heap.Allocate(LayoutProperty, &cp)
}

// newTypeFromArgs implements the three-argument form of type().
func (t *Thread) newTypeFromArgs(nameV, basesV, dictV Value) Value {
	rt := t.rt
	name, ok := rt.StrValue(nameV)
	if !ok {
		return t.raiseTypeError("type.__new__() argument 1 must be str, not %s", rt.TypeOf(nameV).Name())
	}
	baseItems, ok := rt.TupleItems(basesV)
	if !ok {
		return t.raiseTypeError("type.__new__() argument 2 must be tuple, not %s", rt.TypeOf(basesV).Name())
	}
	d, ok := rt.object(dictV).(*Dict)
	if !ok {
		return t.raiseTypeError("type.__new__() argument 3 must be dict, not %s", rt.TypeOf(dictV).Name())
	}
	bases := make([]*Type, len(baseItems))
	for i, b := range baseItems {
		typ, ok := rt.AsType(b)
		if !ok {
			return t.raiseTypeError("bases must be types")
		}
		bases[i] = typ
	}
	attrs := make(map[string]Value, d.Len())
	bad := false
	d.each(func(k, v Value) {
		s, ok := rt.StrValue(k)
		if !ok {
			bad = true
			return
		}
		attrs[s] = v
	})
	if bad {
		return t.raiseTypeError("type() namespace keys must be strings")
	}
	typ, err := rt.NewType(name, bases, attrs)
	if err != nil {
		return t.raiseGoError(err)
	}
	return typ.Value()
}
