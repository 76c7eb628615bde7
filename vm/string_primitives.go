package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// String Primitives
// ---------------------------------------------------------------------------

const maxStrLen = 1 << 28

func (rt *Runtime) registerStringPrimitives() {
	ts := &rt.types

	ts.Str.construct = func(t *Thread, typ *Type, args []Value) Value {
		switch len(args) {
		case 0:
			return t.rt.Str("")
		case 1:
			s, ok := t.strString(args[0])
			if !ok {
				return Error
			}
			return t.rt.NewStr(s)
		}
		return t.raiseTypeError("str() takes at most 1 argument (%d given)", len(args))
	}

	rt.method(ts.Str, "__add__", []string{"self", "other"}, func(t *Thread, args []Value) Value {
		a, b, ok := t.strPair(args)
		if !ok {
			return NotImplemented
		}
		return t.rt.NewStr(a + b)
	})

	rt.method(ts.Str, "__mul__", []string{"self", "n"}, func(t *Thread, args []Value) Value {
		s, _ := t.rt.StrValue(args[0])
		if !args[1].IsSmallInt() {
			return NotImplemented
		}
		n := args[1].SmallInt()
		if n <= 0 {
			return t.rt.Str("")
		}
		if n > maxStrLen || int64(len(s))*n > maxStrLen {
			return t.raise(t.rt.types.OverflowError, "repeated string is too long")
		}
		return t.rt.NewStr(strings.Repeat(s, int(n)))
	})

	compare := func(name string, op CompareOp) {
		rt.method(ts.Str, name, []string{"self", "other"}, func(t *Thread, args []Value) Value {
			a, b, ok := t.strPair(args)
			if !ok {
				return NotImplemented
			}
			return FromBool(compareStrings(op, a, b))
		})
	}
	compare("__eq__", CompareEQ)
	compare("__ne__", CompareNE)
	compare("__lt__", CompareLT)
	compare("__le__", CompareLE)
	compare("__gt__", CompareGT)
	compare("__ge__", CompareGE)

	rt.method(ts.Str, "join", []string{"self", "iterable"}, func(t *Thread, args []Value) Value {
		sep, _ := t.rt.StrValue(args[0])
		items, ok := t.collect(args[1])
		if !ok {
			return Error
		}
		parts := make([]string, len(items))
		for i, v := range items {
			s, ok := t.rt.StrValue(v)
			if !ok {
				return t.raiseTypeError("sequence item %d: expected str instance, %s found", i, t.rt.TypeOf(v).Name())
			}
			parts[i] = s
		}
		return t.rt.NewStr(strings.Join(parts, sep))
	})

	rt.method(ts.Str, "startswith", []string{"self", "prefix"}, func(t *Thread, args []Value) Value {
		a, b, ok := t.strPair(args)
		if !ok {
			return t.raiseTypeError("startswith first arg must be str, not %s", t.rt.TypeOf(args[1]).Name())
		}
		return FromBool(strings.HasPrefix(a, b))
	})
}

// strPair extracts two strings from a method's (self, other) arguments.
func (t *Thread) strPair(args []Value) (string, string, bool) {
	a, ok := t.rt.StrValue(args[0])
	if !ok {
		return "", "", false
	}
	b, ok := t.rt.StrValue(args[1])
	return a, b, ok
}

func compareStrings(op CompareOp, a, b string) bool {
	c := strings.Compare(a, b)
	switch op {
	case CompareLT:
		return c < 0
	case CompareLE:
		return c <= 0
	case CompareEQ:
		return c == 0
	case CompareNE:
		return c != 0
	case CompareGT:
		return c > 0
	default:
		return c >= 0
	}
}
