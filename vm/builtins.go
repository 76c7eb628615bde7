package vm

import (
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Bootstrap: builtin types and the builtins module
// ---------------------------------------------------------------------------

func (rt *Runtime) bootstrap() {
	ts := &rt.types

	// object and type first; every other type's MRO ends in object.
	ts.Object = rt.builtinType("object", LayoutObject, nil)
	ts.Object.kind = KindObject
	ts.Type = rt.builtinType("type", LayoutType, ts.Object)

	ts.Int = rt.builtinType("int", LayoutSmallInt, ts.Object)
	ts.Bool = rt.builtinType("bool", LayoutBool, ts.Int)
	ts.NoneType = rt.builtinType("NoneType", LayoutNoneType, ts.Object)
	ts.NotImplementedType = rt.builtinType("NotImplementedType", LayoutNotImplementedType, ts.Object)
	ts.Str = rt.builtinType("str", LayoutStr, ts.Object)
	ts.Tuple = rt.builtinType("tuple", LayoutTuple, ts.Object)
	ts.List = rt.builtinType("list", LayoutList, ts.Object)
	ts.Dict = rt.builtinType("dict", LayoutDict, ts.Object)
	ts.Cell = rt.builtinType("cell", LayoutCell, ts.Object)
	ts.Function = rt.builtinType("function", LayoutFunction, ts.Object)
	ts.Code = rt.builtinType("code", LayoutCode, ts.Object)
	ts.BoundMethod = rt.builtinType("method", LayoutBoundMethod, ts.Object)
	ts.Module = rt.builtinType("module", LayoutModule, ts.Object)
	ts.Generator = rt.builtinType("generator", LayoutGenerator, ts.Object)
	ts.SeqIterator = rt.builtinType("iterator", LayoutSeqIterator, ts.Object)
	ts.Property = rt.builtinType("property", LayoutProperty, ts.Object)

	ts.BaseException = rt.exceptionType("BaseException", ts.Object)
	ts.Exception = rt.exceptionType("Exception", ts.BaseException)
	ts.TypeError = rt.exceptionType("TypeError", ts.Exception)
	ts.AttributeError = rt.exceptionType("AttributeError", ts.Exception)
	ts.LookupError = rt.exceptionType("LookupError", ts.Exception)
	ts.KeyError = rt.exceptionType("KeyError", ts.LookupError)
	ts.IndexError = rt.exceptionType("IndexError", ts.LookupError)
	ts.NameError = rt.exceptionType("NameError", ts.Exception)
	ts.UnboundLocalError = rt.exceptionType("UnboundLocalError", ts.NameError)
	ts.ValueError = rt.exceptionType("ValueError", ts.Exception)
	ts.StopIteration = rt.exceptionType("StopIteration", ts.Exception)
	ts.ArithmeticError = rt.exceptionType("ArithmeticError", ts.Exception)
	ts.ZeroDivisionError = rt.exceptionType("ZeroDivisionError", ts.ArithmeticError)
	ts.OverflowError = rt.exceptionType("OverflowError", ts.ArithmeticError)
	ts.RuntimeError = rt.exceptionType("RuntimeError", ts.Exception)
	ts.RecursionError = rt.exceptionType("RecursionError", ts.RuntimeError)
	ts.NotImplementedError = rt.exceptionType("NotImplementedError", ts.RuntimeError)
	ts.GeneratorExit = rt.exceptionType("GeneratorExit", ts.BaseException)

	rt.builtins = rt.NewModule("builtins")

	rt.registerObjectPrimitives()
	rt.registerExceptionPrimitives()
	rt.registerStringPrimitives()
	rt.registerSequencePrimitives()
	rt.registerDictionaryPrimitives()
	rt.registerGeneratorPrimitives()
	rt.registerBuiltinFunctions()

	for _, typ := range rt.typeList {
		if typ.kind == KindException || exposedTypes[typ.name] {
			rt.builtins.Set(typ.name, typ.Value())
		}
	}
	rt.builtins.Set("None", None)
	rt.builtins.Set("True", True)
	rt.builtins.Set("False", False)
	rt.builtins.Set("NotImplemented", NotImplemented)
}

// exposedTypes are the builtin types bound by name in the builtins module.
var exposedTypes = map[string]bool{
	"object": true, "type": true, "int": true, "bool": true, "str": true,
	"tuple": true, "list": true, "dict": true, "property": true,
}

// builtinType creates a sealed type whose instances are Go structs carrying
// the reserved layout id.
func (rt *Runtime) builtinType(name string, layout LayoutID, base *Type) *Type {
	typ := &Type{
		rt:            rt,
		name:          name,
		dict:          make(map[string]*ValueCell),
		sealed:        true,
		kind:          KindBuiltin,
		builtinLayout: layout,
	}
	typ.mro = []*Type{typ}
	if base != nil {
		typ.bases = []*Type{base}
		typ.mro = append(typ.mro, base.mro...)
	}
	rt.registerType(typ, LayoutType)
	rt.layouts.At(layout).typ = typ
	return typ
}

// exceptionType creates a sealed member of the exception hierarchy.
func (rt *Runtime) exceptionType(name string, base *Type) *Type {
	typ := &Type{
		rt:     rt,
		name:   name,
		bases:  []*Type{base},
		dict:   make(map[string]*ValueCell),
		sealed: true,
		kind:   KindException,
	}
	typ.mro = append([]*Type{typ}, base.mro...)
	rt.registerType(typ, LayoutType)
	typ.instanceLayout = rt.layouts.NewRootLayout(typ, rt.opts.InObjectSlots)
	return typ
}

// method defines a native method on a builtin type.
func (rt *Runtime) method(typ *Type, name string, params []string, fn NativeFunc, defaults ...Value) Value {
	v := rt.NewNative(name, params, 0, fn, defaults...)
	typ.define(name, v)
	return v
}

// function defines a native function in the builtins module.
func (rt *Runtime) function(name string, params []string, flags CodeFlags, fn NativeFunc, defaults ...Value) {
	rt.builtins.Set(name, rt.NewNative(name, params, flags, fn, defaults...))
}

// ---------------------------------------------------------------------------
// Builtin functions
// ---------------------------------------------------------------------------

func (rt *Runtime) registerBuiltinFunctions() {
	rt.function("len", []string{"obj"}, 0, func(t *Thread, args []Value) Value {
		n, ok := t.length(args[0])
		if !ok {
			return Error
		}
		return FromInt(n)
	})

	rt.function("iter", []string{"obj"}, 0, func(t *Thread, args []Value) Value {
		return t.getIter(args[0])
	})

	// next(iterator[, default])
	rt.function("next", []string{"iterator", "default"}, CodeVarargs, func(t *Thread, args []Value) Value {
		rest, _ := t.rt.TupleItems(args[1])
		if len(rest) > 1 {
			return t.raiseTypeError("next expected at most 2 arguments, got %d", len(rest)+1)
		}
		v := t.iterNext(args[0])
		if !v.IsUnbound() {
			return v
		}
		if len(rest) == 1 {
			return rest[0]
		}
		return t.setPending(t.rt.newException(t.rt.types.StopIteration))
	})

	rt.function("isinstance", []string{"obj", "classinfo"}, 0, func(t *Thread, args []Value) Value {
		return t.subclassCheck(t.rt.TypeOf(args[0]), args[1], "isinstance")
	})

	rt.function("issubclass", []string{"cls", "classinfo"}, 0, func(t *Thread, args []Value) Value {
		cls, ok := t.rt.AsType(args[0])
		if !ok {
			return t.raiseTypeError("issubclass() arg 1 must be a class")
		}
		return t.subclassCheck(cls, args[1], "issubclass")
	})

	rt.function("repr", []string{"obj"}, 0, func(t *Thread, args []Value) Value {
		s, ok := t.reprString(args[0])
		if !ok {
			return Error
		}
		return t.rt.NewStr(s)
	})

	rt.function("hash", []string{"obj"}, 0, func(t *Thread, args []Value) Value {
		h, ok := t.hash(args[0])
		if !ok {
			return Error
		}
		return FromSmallInt(h)
	})

	rt.function("print", []string{"args"}, CodeVarargs, func(t *Thread, args []Value) Value {
		items, _ := t.rt.TupleItems(args[0])
		parts := make([]string, len(items))
		for i, v := range items {
			s, ok := t.strString(v)
			if !ok {
				return Error
			}
			parts[i] = s
		}
		if _, err := io.WriteString(t.rt.opts.Stdout, strings.Join(parts, " ")+"\n"); err != nil {
			return t.raise(t.rt.types.RuntimeError, "print: %v", err)
		}
		return None
	})

	// getattr(obj, name[, default])
	rt.function("getattr", []string{"obj", "name", "default"}, CodeVarargs, func(t *Thread, args []Value) Value {
		name, ok := t.attrName(args[1], "getattr")
		if !ok {
			return Error
		}
		rest, _ := t.rt.TupleItems(args[2])
		if len(rest) > 1 {
			return t.raiseTypeError("getattr expected at most 3 arguments, got %d", len(rest)+2)
		}
		v := t.getAttr(args[0], name, nil, 0)
		if v.IsError() && len(rest) == 1 && t.pendingMatches(t.rt.types.AttributeError) {
			t.clearPending()
			return rest[0]
		}
		return v
	})

	rt.function("setattr", []string{"obj", "name", "value"}, 0, func(t *Thread, args []Value) Value {
		name, ok := t.attrName(args[1], "setattr")
		if !ok {
			return Error
		}
		return t.setAttr(args[0], name, args[2], nil, 0)
	})

	rt.function("delattr", []string{"obj", "name"}, 0, func(t *Thread, args []Value) Value {
		name, ok := t.attrName(args[1], "delattr")
		if !ok {
			return Error
		}
		return t.delAttr(args[0], name)
	})

	rt.function("hasattr", []string{"obj", "name"}, 0, func(t *Thread, args []Value) Value {
		name, ok := t.attrName(args[1], "hasattr")
		if !ok {
			return Error
		}
		found, ok := t.hasAttr(args[0], name)
		if !ok {
			return Error
		}
		return FromBool(found)
	})
}

func (t *Thread) attrName(v Value, fn string) (string, bool) {
	s, ok := t.rt.StrValue(v)
	if !ok {
		t.raiseTypeError("%s(): attribute name must be string", fn)
	}
	return s, ok
}

// subclassCheck tests cls against a type or a tuple of types.
func (t *Thread) subclassCheck(cls *Type, classinfo Value, fn string) Value {
	candidates := []Value{classinfo}
	if items, ok := t.rt.TupleItems(classinfo); ok {
		candidates = items
	}
	for _, c := range candidates {
		typ, ok := t.rt.AsType(c)
		if !ok {
			return t.raiseTypeError("%s() arg 2 must be a type or tuple of types", fn)
		}
		if cls.IsSubtype(typ) {
			return True
		}
	}
	return False
}

// length implements len(v).
func (t *Thread) length(v Value) (int, bool) {
	switch o := t.rt.object(v).(type) {
	case *Str:
		return len(o.s), true
	case *Tuple:
		return len(o.items), true
	case *List:
		return len(o.items), true
	case *Dict:
		return o.live, true
	}
	m, _ := t.rt.TypeOf(v).Lookup("__len__")
	if m.IsUnbound() {
		t.raiseTypeError("object of type '%s' has no len()", t.rt.TypeOf(v).Name())
		return 0, false
	}
	r := t.call(m, v)
	if r.IsError() {
		return 0, false
	}
	if !r.IsSmallInt() || r.SmallInt() < 0 {
		t.raise(t.rt.types.ValueError, "__len__() should return >= 0")
		return 0, false
	}
	return int(r.SmallInt()), true
}

// collect drains an iterable into a slice.
func (t *Thread) collect(v Value) ([]Value, bool) {
	if items, ok := t.rt.sequenceItems(v); ok {
		return append([]Value(nil), items...), true
	}
	it := t.getIter(v)
	if it.IsError() {
		return nil, false
	}
	var out []Value
	for {
		x := t.iterNext(it)
		switch {
		case x.IsError():
			return nil, false
		case x.IsUnbound():
			return out, true
		}
		out = append(out, x)
	}
}

// ---------------------------------------------------------------------------
// repr and str
// ---------------------------------------------------------------------------

// printExpr writes the repr of an interactive expression statement's value.
func (t *Thread) printExpr(v Value) Value {
	s, ok := t.reprString(v)
	if !ok {
		return Error
	}
	if _, err := io.WriteString(t.rt.opts.Stdout, s+"\n"); err != nil {
		return t.raise(t.rt.types.RuntimeError, "print: %v", err)
	}
	return None
}

// reprString renders v, calling __repr__ where a type defines one.
func (t *Thread) reprString(v Value) (string, bool) {
	return t.reprDepth(v, 0)
}

const maxReprDepth = 32

func (t *Thread) reprDepth(v Value, depth int) (string, bool) {
	rt := t.rt
	if depth > maxReprDepth {
		return "...", true
	}
	if m, _ := rt.TypeOf(v).Lookup("__repr__"); !m.IsUnbound() {
		r := t.call(m, v)
		if r.IsError() {
			return "", false
		}
		s, ok := rt.StrValue(r)
		if !ok {
			t.raiseTypeError("__repr__ returned non-string (type %s)", rt.TypeOf(r).Name())
		}
		return s, ok
	}
	items := func(open, close string, vs []Value) (string, bool) {
		parts := make([]string, len(vs))
		for i, x := range vs {
			s, ok := t.reprDepth(x, depth+1)
			if !ok {
				return "", false
			}
			parts[i] = s
		}
		if open == "(" && len(vs) == 1 {
			return "(" + parts[0] + ",)", true
		}
		return open + strings.Join(parts, ", ") + close, true
	}
	switch o := rt.object(v).(type) {
	case *Tuple:
		return items("(", ")", o.items)
	case *List:
		return items("[", "]", o.items)
	case *Dict:
		var parts []string
		ok := true
		o.each(func(k, x Value) {
			if !ok {
				return
			}
			var ks, xs string
			if ks, ok = t.reprDepth(k, depth+1); !ok {
				return
			}
			if xs, ok = t.reprDepth(x, depth+1); !ok {
				return
			}
			parts = append(parts, ks+": "+xs)
		})
		if !ok {
			return "", false
		}
		return "{" + strings.Join(parts, ", ") + "}", true
	case *ExceptionObject:
		args, ok := items("(", ")", o.args)
		if !ok {
			return "", false
		}
		if len(o.args) == 1 {
			args = strings.TrimSuffix(args, ",)") + ")"
		}
		return rt.TypeOf(v).Name() + args, true
	}
	return rt.Repr(v), true
}

// strString renders v the way str(v) does.
func (t *Thread) strString(v Value) (string, bool) {
	rt := t.rt
	if s, ok := rt.StrValue(v); ok {
		return s, true
	}
	if m, _ := rt.TypeOf(v).Lookup("__str__"); !m.IsUnbound() {
		r := t.call(m, v)
		if r.IsError() {
			return "", false
		}
		s, ok := rt.StrValue(r)
		if !ok {
			t.raiseTypeError("__str__ returned non-string (type %s)", rt.TypeOf(r).Name())
		}
		return s, ok
	}
	if e, ok := rt.exception(v); ok {
		return t.exceptionMessage(e), true
	}
	return t.reprString(v)
}

// Repr renders v without running guest code. Containers are rendered
// recursively; user objects print their type.
func (rt *Runtime) Repr(v Value) string {
	return rt.repr(v, 0)
}

func (rt *Runtime) repr(v Value, depth int) string {
	if !v.IsHeapObject() {
		return v.String()
	}
	if depth > maxReprDepth {
		return "..."
	}
	join := func(vs []Value) string {
		parts := make([]string, len(vs))
		for i, x := range vs {
			parts[i] = rt.repr(x, depth+1)
		}
		return strings.Join(parts, ", ")
	}
	switch o := rt.heap.Object(v).(type) {
	case *Str:
		return quote(o.s)
	case *Tuple:
		if len(o.items) == 1 {
			return "(" + rt.repr(o.items[0], depth+1) + ",)"
		}
		return "(" + join(o.items) + ")"
	case *List:
		return "[" + join(o.items) + "]"
	case *Dict:
		var parts []string
		o.each(func(k, x Value) {
			parts = append(parts, rt.repr(k, depth+1)+": "+rt.repr(x, depth+1))
		})
		return "{" + strings.Join(parts, ", ") + "}"
	case *Type:
		return fmt.Sprintf("<class '%s'>", o.name)
	case *Function:
		return fmt.Sprintf("<function %s>", o.name)
	case *Code:
		return fmt.Sprintf("<code object %s, file \"%s\", line %d>", o.Name, o.Filename, o.FirstLine)
	case *BoundMethod:
		name := "?"
		if fn, ok := rt.object(o.fn).(*Function); ok {
			name = fn.name
		}
		return fmt.Sprintf("<bound method %s of %s>", name, rt.repr(o.self, depth+1))
	case *Module:
		return fmt.Sprintf("<module '%s'>", o.name)
	case *Generator:
		return fmt.Sprintf("<generator object %s>", o.name)
	case *Cell:
		return fmt.Sprintf("<cell: %s>", rt.repr(o.value, depth+1))
	case *ExceptionObject:
		if len(o.args) == 1 {
			return rt.TypeOf(v).Name() + "(" + rt.repr(o.args[0], depth+1) + ")"
		}
		return rt.TypeOf(v).Name() + "(" + join(o.args) + ")"
	}
	return fmt.Sprintf("<%s object>", rt.TypeOf(v).Name())
}

// quote renders s with single quotes unless it contains one.
func quote(s string) string {
	q := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 && strings.IndexByte(s, '"') < 0 {
		q = '"'
	}
	var b strings.Builder
	b.WriteByte(q)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == q || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(q)
	return b.String()
}
