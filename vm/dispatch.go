package vm

import (
	"math/bits"
	"strings"

	"fortio.org/safecast"
)

// ---------------------------------------------------------------------------
// Operator tables
// ---------------------------------------------------------------------------

type binaryOp uint8

const (
	binAdd binaryOp = iota
	binSub
	binMul
	binMatmul
	binTrueDiv
	binFloorDiv
	binMod
	binPow
	binLshift
	binRshift
	binAnd
	binXor
	binOr

	numBinaryOps
)

type binaryOpInfo struct {
	symbol    string
	method    string
	reflected string
	inplace   string
}

var binaryOps = [numBinaryOps]binaryOpInfo{
	binAdd:      {"+", "__add__", "__radd__", "__iadd__"},
	binSub:      {"-", "__sub__", "__rsub__", "__isub__"},
	binMul:      {"*", "__mul__", "__rmul__", "__imul__"},
	binMatmul:   {"@", "__matmul__", "__rmatmul__", "__imatmul__"},
	binTrueDiv:  {"/", "__truediv__", "__rtruediv__", "__itruediv__"},
	binFloorDiv: {"//", "__floordiv__", "__rfloordiv__", "__ifloordiv__"},
	binMod:      {"%", "__mod__", "__rmod__", "__imod__"},
	binPow:      {"**", "__pow__", "__rpow__", "__ipow__"},
	binLshift:   {"<<", "__lshift__", "__rlshift__", "__ilshift__"},
	binRshift:   {">>", "__rshift__", "__rrshift__", "__irshift__"},
	binAnd:      {"&", "__and__", "__rand__", "__iand__"},
	binXor:      {"^", "__xor__", "__rxor__", "__ixor__"},
	binOr:       {"|", "__or__", "__ror__", "__ior__"},
}

var binaryOpcodes = map[Opcode]binaryOp{
	OpBinaryAdd:         binAdd,
	OpBinarySubtract:    binSub,
	OpBinaryMultiply:    binMul,
	OpBinaryMatrixMul:   binMatmul,
	OpBinaryTrueDivide:  binTrueDiv,
	OpBinaryFloorDivide: binFloorDiv,
	OpBinaryModulo:      binMod,
	OpBinaryPower:       binPow,
	OpBinaryLshift:      binLshift,
	OpBinaryRshift:      binRshift,
	OpBinaryAnd:         binAnd,
	OpBinaryXor:         binXor,
	OpBinaryOr:          binOr,
}

var inplaceOpcodes = map[Opcode]binaryOp{
	OpInplaceAdd:         binAdd,
	OpInplaceSubtract:    binSub,
	OpInplaceMultiply:    binMul,
	OpInplaceMatrixMul:   binMatmul,
	OpInplaceTrueDivide:  binTrueDiv,
	OpInplaceFloorDivide: binFloorDiv,
	OpInplaceModulo:      binMod,
	OpInplacePower:       binPow,
	OpInplaceLshift:      binLshift,
	OpInplaceRshift:      binRshift,
	OpInplaceAnd:         binAnd,
	OpInplaceXor:         binXor,
	OpInplaceOr:          binOr,
}

type compareInfo struct {
	symbol    string
	method    string
	reflected string
}

var compareMethods = [...]compareInfo{
	CompareLT: {"<", "__lt__", "__gt__"},
	CompareLE: {"<=", "__le__", "__ge__"},
	CompareEQ: {"==", "__eq__", "__eq__"},
	CompareNE: {"!=", "__ne__", "__ne__"},
	CompareGT: {">", "__gt__", "__lt__"},
	CompareGE: {">=", "__ge__", "__le__"},
}

// ---------------------------------------------------------------------------
// SmallInt arithmetic
// ---------------------------------------------------------------------------

func mulSmall(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}
	hi, lo := bits.Mul64(ua, ub)
	if hi != 0 || lo > 1<<62 {
		return 0, false
	}
	return a * b, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

// smallIntArith applies op to two small integers. It returns NotImplemented
// for operators int does not support and Error after raising.
func (t *Thread) smallIntArith(op binaryOp, a, b int64) Value {
	var r int64
	ok := true
	switch op {
	case binAdd:
		r = a + b
	case binSub:
		r = a - b
	case binMul:
		r, ok = mulSmall(a, b)
	case binFloorDiv, binMod:
		if b == 0 {
			return t.raise(t.rt.types.ZeroDivisionError, "integer division or modulo by zero")
		}
		if op == binFloorDiv {
			r = floorDiv(a, b)
		} else {
			r = floorMod(a, b)
		}
	case binPow:
		if b < 0 {
			return t.raise(t.rt.types.ValueError, "negative exponent %d", b)
		}
		r = 1
		base := a
		for e := b; e > 0 && ok; e >>= 1 {
			if e&1 != 0 {
				r, ok = mulSmall(r, base)
			}
			if e > 1 && ok {
				base, ok = mulSmall(base, base)
			}
		}
	case binLshift:
		if b < 0 {
			return t.raise(t.rt.types.ValueError, "negative shift count")
		}
		switch {
		case a == 0:
			r = 0
		case b >= 63:
			ok = false
		default:
			r = a << b
			ok = r>>b == a
		}
	case binRshift:
		if b < 0 {
			return t.raise(t.rt.types.ValueError, "negative shift count")
		}
		if b >= 63 {
			b = 63
		}
		r = a >> b
	case binAnd:
		r = a & b
	case binXor:
		r = a ^ b
	case binOr:
		r = a | b
	default:
		return NotImplemented
	}
	if ok {
		if v, fits := TryFromSmallInt(r); fits {
			return v
		}
	}
	return t.raise(t.rt.types.OverflowError, "integer overflow in %s", binaryOps[op].symbol)
}

func compareSmall(op CompareOp, a, b int64) bool {
	switch op {
	case CompareLT:
		return a < b
	case CompareLE:
		return a <= b
	case CompareEQ:
		return a == b
	case CompareNE:
		return a != b
	case CompareGT:
		return a > b
	default:
		return a >= b
	}
}

// ---------------------------------------------------------------------------
// Special-method dispatch
// ---------------------------------------------------------------------------

// dispatchPlan is the order in which a binary special method pair is tried.
type dispatchPlan struct {
	first, second  Value // Unbound when absent
	firstReflected bool
}

// planBinary resolves the forward method on lt and the reflected one on rt.
// A strict subtype on the right that provides a different reflected method
// goes first. sameType controls whether the reflected method is tried when
// both operands share a type, as comparisons do.
func planBinary(lt, rt *Type, method, reflected string, sameType bool) dispatchPlan {
	lm, _ := lt.Lookup(method)
	rm := Unbound
	if lt != rt || sameType {
		rm, _ = rt.Lookup(reflected)
	}
	if !rm.IsUnbound() && lt != rt && rt.IsSubtype(lt) {
		if lr, _ := lt.Lookup(reflected); lr != rm {
			return dispatchPlan{first: rm, second: lm, firstReflected: true}
		}
	}
	if lm.IsUnbound() {
		return dispatchPlan{first: rm, second: Unbound, firstReflected: true}
	}
	return dispatchPlan{first: lm, second: rm}
}

func (t *Thread) callPair(m Value, reflected bool, a, b Value) Value {
	if reflected {
		return t.call(m, b, a)
	}
	return t.call(m, a, b)
}

// runPlan tries the plan's methods in order. NotImplemented means neither
// applied.
func (t *Thread) runPlan(p dispatchPlan, a, b Value) Value {
	if !p.first.IsUnbound() {
		if r := t.callPair(p.first, p.firstReflected, a, b); r != NotImplemented {
			return r
		}
	}
	if !p.second.IsUnbound() {
		return t.callPair(p.second, !p.firstReflected, a, b)
	}
	return NotImplemented
}

// runSecond runs only the fallback half of a plan, after its first method
// returned NotImplemented from a cache.
func (t *Thread) runSecond(p dispatchPlan, a, b Value) Value {
	if p.second.IsUnbound() {
		return NotImplemented
	}
	return t.callPair(p.second, !p.firstReflected, a, b)
}

func (t *Thread) unsupportedOperands(symbol string, a, b Value) Value {
	return t.raiseTypeError("unsupported operand type(s) for %s: '%s' and '%s'",
		symbol, t.rt.TypeOf(a).Name(), t.rt.TypeOf(b).Name())
}

func (t *Thread) recordOperator(f *Function, lt, rtyp *Type, method, reflected string) {
	t.rt.icRecordDependency(f, lt, method)
	t.rt.icRecordDependency(f, rtyp, reflected)
}

// binaryOp evaluates a op b without a cache.
func (t *Thread) binaryOp(op binaryOp, a, b Value) Value {
	return t.binaryDispatch(op, a, b, false, nil, 0)
}

// binaryDispatch evaluates a binary or in-place operator. When f is not nil
// the lookup goes through f's cache at site si.
func (t *Thread) binaryDispatch(op binaryOp, a, b Value, inplace bool, f *Function, si int) Value {
	if a.IsSmallInt() && b.IsSmallInt() {
		if r := t.smallIntArith(op, a.SmallInt(), b.SmallInt()); r != NotImplemented {
			return r
		}
	}
	rt := t.rt
	info := &binaryOps[op]
	symbol := info.symbol
	if inplace {
		symbol += "="
	}

	var key uint64
	if f != nil {
		key = operatorKey(rt.layoutOf(a), rt.layoutOf(b))
		if e := f.icLookup(si, key); e != nil {
			var r Value
			switch {
			case e.flags&icInplace != 0:
				r = t.call(e.value, a, b)
				if r == NotImplemented {
					r = t.runPlan(planBinary(rt.TypeOf(a), rt.TypeOf(b), info.method, info.reflected, false), a, b)
				}
			default:
				r = t.callPair(e.value, e.flags&icReflected != 0, a, b)
				if r == NotImplemented && e.flags&icRetry != 0 {
					r = t.runSecond(planBinary(rt.TypeOf(a), rt.TypeOf(b), info.method, info.reflected, false), a, b)
				}
			}
			if r == NotImplemented {
				return t.unsupportedOperands(symbol, a, b)
			}
			return r
		}
	}

	lt, rtyp := rt.TypeOf(a), rt.TypeOf(b)
	if inplace {
		if im, _ := lt.Lookup(info.inplace); !im.IsUnbound() {
			if f != nil {
				rt.icInsert(f, si, icEntry{key: key, value: im, flags: icInplace})
				t.recordOperator(f, lt, rtyp, info.method, info.reflected)
				rt.icRecordDependency(f, lt, info.inplace)
			}
			if r := t.call(im, a, b); r != NotImplemented {
				return r
			}
			f = nil
		}
	}

	p := planBinary(lt, rtyp, info.method, info.reflected, false)
	if f != nil && !p.first.IsUnbound() {
		var flags icFlags
		if p.firstReflected {
			flags |= icReflected
		}
		if !p.second.IsUnbound() {
			flags |= icRetry
		}
		rt.icInsert(f, si, icEntry{key: key, value: p.first, flags: flags})
		t.recordOperator(f, lt, rtyp, info.method, info.reflected)
		if inplace {
			rt.icRecordDependency(f, lt, info.inplace)
		}
	}
	r := t.runPlan(p, a, b)
	if r == NotImplemented {
		return t.unsupportedOperands(symbol, a, b)
	}
	return r
}

// compare evaluates a rich comparison without a cache.
func (t *Thread) compare(op CompareOp, a, b Value) Value {
	return t.compareDispatch(op, a, b, nil, 0)
}

// compareDispatch evaluates a rich comparison. == and != fall back to
// identity when neither operand implements them.
func (t *Thread) compareDispatch(op CompareOp, a, b Value, f *Function, si int) Value {
	if a.IsSmallInt() && b.IsSmallInt() {
		return FromBool(compareSmall(op, a.SmallInt(), b.SmallInt()))
	}
	rt := t.rt
	info := &compareMethods[op]

	var key uint64
	r := NotImplemented
	hit := false
	if f != nil {
		key = operatorKey(rt.layoutOf(a), rt.layoutOf(b))
		if e := f.icLookup(si, key); e != nil {
			hit = true
			r = t.callPair(e.value, e.flags&icReflected != 0, a, b)
			if r == NotImplemented && e.flags&icRetry != 0 {
				r = t.runSecond(planBinary(rt.TypeOf(a), rt.TypeOf(b), info.method, info.reflected, true), a, b)
			}
		}
	}
	if !hit {
		lt, rtyp := rt.TypeOf(a), rt.TypeOf(b)
		p := planBinary(lt, rtyp, info.method, info.reflected, true)
		if f != nil && !p.first.IsUnbound() {
			var flags icFlags
			if p.firstReflected {
				flags |= icReflected
			}
			if !p.second.IsUnbound() {
				flags |= icRetry
			}
			rt.icInsert(f, si, icEntry{key: key, value: p.first, flags: flags})
			t.recordOperator(f, lt, rtyp, info.method, info.reflected)
		}
		r = t.runPlan(p, a, b)
	}
	if r != NotImplemented {
		return r
	}
	switch op {
	case CompareEQ:
		return FromBool(a == b)
	case CompareNE:
		return FromBool(a != b)
	}
	return t.raiseTypeError("'%s' not supported between instances of '%s' and '%s'",
		info.symbol, rt.TypeOf(a).Name(), rt.TypeOf(b).Name())
}

// compareOp evaluates every COMPARE_OP argument, including the
// non-overloadable ones.
func (t *Thread) compareOp(op CompareOp, a, b Value) Value {
	switch op {
	case CompareIs:
		return FromBool(a == b)
	case CompareIsNot:
		return FromBool(a != b)
	case CompareIn, CompareNotIn:
		found, ok := t.contains(b, a)
		if !ok {
			return Error
		}
		return FromBool(found == (op == CompareIn))
	case CompareExcMatch:
		return t.exceptionMatch(a, b)
	}
	return t.compare(op, a, b)
}

// exceptionMatch tests a raised exception type against an except clause,
// which names a type or a tuple of types.
func (t *Thread) exceptionMatch(exc, clause Value) Value {
	candidates := []Value{clause}
	if items, ok := t.rt.TupleItems(clause); ok {
		candidates = items
	}
	excType, ok := t.rt.AsType(exc)
	if !ok {
		excType = t.rt.TypeOf(exc)
	}
	matched := false
	for _, c := range candidates {
		typ, ok := t.rt.AsType(c)
		if !ok || !typ.IsSubtype(t.rt.types.BaseException) {
			return t.raiseTypeError("catching classes that do not inherit from BaseException is not allowed")
		}
		if excType.IsSubtype(typ) {
			matched = true
		}
	}
	return FromBool(matched)
}

// ---------------------------------------------------------------------------
// Unary operators
// ---------------------------------------------------------------------------

var unaryMethods = map[Opcode][2]string{
	OpUnaryNegative: {"-", "__neg__"},
	OpUnaryPositive: {"+", "__pos__"},
	OpUnaryInvert:   {"~", "__invert__"},
}

// boolAsInt returns the int value 0 or 1 of a bool.
func boolAsInt(v Value) Value {
	if v.Bool() {
		return FromSmallInt(1)
	}
	return FromSmallInt(0)
}

func (t *Thread) unaryOp(op Opcode, v Value) Value {
	if op == OpUnaryNot {
		b, ok := t.truthy(v)
		if !ok {
			return Error
		}
		return FromBool(!b)
	}
	if v.IsBool() {
		v = boolAsInt(v)
	}
	if v.IsSmallInt() {
		n := v.SmallInt()
		switch op {
		case OpUnaryNegative:
			if r, ok := TryFromSmallInt(-n); ok {
				return r
			}
			return t.raise(t.rt.types.OverflowError, "integer overflow in unary -")
		case OpUnaryPositive:
			return v
		case OpUnaryInvert:
			return FromSmallInt(^n)
		}
	}
	m := unaryMethods[op]
	fn, _ := t.rt.TypeOf(v).Lookup(m[1])
	if fn.IsUnbound() {
		return t.raiseTypeError("bad operand type for unary %s: '%s'", m[0], t.rt.TypeOf(v).Name())
	}
	return t.call(fn, v)
}

// ---------------------------------------------------------------------------
// Protocols: truth, hashing, equality, containment
// ---------------------------------------------------------------------------

// truthy evaluates v in a boolean context. ok is false if a special method
// raised.
func (t *Thread) truthy(v Value) (b bool, ok bool) {
	switch {
	case v == True:
		return true, true
	case v == False, v == None:
		return false, true
	case v.IsSmallInt():
		return v.SmallInt() != 0, true
	}
	switch o := t.rt.object(v).(type) {
	case *Str:
		return o.s != "", true
	case *Tuple:
		return len(o.items) > 0, true
	case *List:
		return len(o.items) > 0, true
	case *Dict:
		return o.live > 0, true
	}
	typ := t.rt.TypeOf(v)
	if m, _ := typ.Lookup("__bool__"); !m.IsUnbound() {
		r := t.call(m, v)
		if r.IsError() {
			return false, false
		}
		if !r.IsBool() {
			t.raiseTypeError("__bool__ should return bool, returned %s", t.rt.TypeOf(r).Name())
			return false, false
		}
		return r.Bool(), true
	}
	if m, _ := typ.Lookup("__len__"); !m.IsUnbound() {
		r := t.call(m, v)
		if r.IsError() {
			return false, false
		}
		if !r.IsSmallInt() {
			t.raiseTypeError("'%s' object cannot be interpreted as an integer", t.rt.TypeOf(r).Name())
			return false, false
		}
		return r.SmallInt() != 0, true
	}
	return true, true
}

const noneHash = 0x5bd1e995

// hash returns the hash of v, dispatching to __hash__ for user types.
func (t *Thread) hash(v Value) (int64, bool) {
	switch {
	case v.IsSmallInt():
		return v.SmallInt(), true
	case v == True:
		return 1, true
	case v == False:
		return 0, true
	case v == None:
		return noneHash, true
	}
	switch o := t.rt.object(v).(type) {
	case *Str:
		return o.hash, true
	case *Tuple:
		h := int64(0x345678)
		for _, item := range o.items {
			ih, ok := t.hash(item)
			if !ok {
				return 0, false
			}
			h = (h ^ ih) * 1000003
		}
		return h >> 2, true
	}
	typ := t.rt.TypeOf(v)
	m, _ := typ.Lookup("__hash__")
	switch {
	case m == None || m.IsUnbound():
		t.raiseTypeError("unhashable type: '%s'", typ.Name())
		return 0, false
	case m == t.rt.objectHash:
		return int64(t.rt.heap.IdentityHash(v)), true
	}
	r := t.call(m, v)
	if r.IsError() {
		return 0, false
	}
	if !r.IsSmallInt() {
		t.raiseTypeError("__hash__ method should return an integer")
		return 0, false
	}
	return r.SmallInt(), true
}

// equal reports a == b with identity short-circuiting, as containers do.
func (t *Thread) equal(a, b Value) (bool, bool) {
	if a == b {
		return true, true
	}
	if a.IsSmallInt() && b.IsSmallInt() {
		return false, true
	}
	if sa, ok := t.rt.StrValue(a); ok {
		if sb, ok := t.rt.StrValue(b); ok {
			return sa == sb, true
		}
	}
	r := t.compare(CompareEQ, a, b)
	if r.IsError() {
		return false, false
	}
	return t.truthy(r)
}

// contains implements item in container.
func (t *Thread) contains(container, item Value) (bool, bool) {
	switch o := t.rt.object(container).(type) {
	case *Tuple:
		return t.sliceContains(o.items, item)
	case *List:
		return t.sliceContains(o.items, item)
	case *Dict:
		i, _, ok := t.dictFind(o, item)
		return i >= 0, ok
	case *Str:
		s, ok := t.rt.StrValue(item)
		if !ok {
			t.raiseTypeError("'in <string>' requires string as left operand, not %s", t.rt.TypeOf(item).Name())
			return false, false
		}
		return strings.Contains(o.s, s), true
	}
	if m, _ := t.rt.TypeOf(container).Lookup("__contains__"); !m.IsUnbound() {
		r := t.call(m, container, item)
		if r.IsError() {
			return false, false
		}
		return t.truthy(r)
	}
	it := t.getIter(container)
	if it.IsError() {
		return false, false
	}
	for {
		v := t.iterNext(it)
		switch {
		case v.IsError():
			return false, false
		case v.IsUnbound():
			return false, true
		}
		eq, ok := t.equal(v, item)
		if !ok || eq {
			return eq, ok
		}
	}
}

func (t *Thread) sliceContains(items []Value, item Value) (bool, bool) {
	for _, v := range items {
		eq, ok := t.equal(v, item)
		if !ok || eq {
			return eq, ok
		}
	}
	return false, true
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

// getIter implements iter(v).
func (t *Thread) getIter(v Value) Value {
	switch t.rt.object(v).(type) {
	case *Tuple, *List, *Str:
		return t.rt.heap.Allocate(LayoutSeqIterator, &SeqIterator{seq: v})
	case *Dict:
		d := t.rt.object(v).(*Dict)
		return t.rt.heap.Allocate(LayoutSeqIterator, &SeqIterator{seq: t.rt.NewList(d.keys()...)})
	}
	if m, _ := t.rt.TypeOf(v).Lookup("__iter__"); !m.IsUnbound() {
		return t.call(m, v)
	}
	return t.raiseTypeError("'%s' object is not iterable", t.rt.TypeOf(v).Name())
}

// iterNext advances an iterator. Exhaustion returns Unbound with no
// exception pending; Error means the iterator raised.
func (t *Thread) iterNext(it Value) Value {
	switch o := t.rt.object(it).(type) {
	case *SeqIterator:
		return t.rt.seqNext(o)
	case *Generator:
		v, done := t.resume(o, None)
		if done && !v.IsError() {
			return Unbound
		}
		return v
	}
	m, _ := t.rt.TypeOf(it).Lookup("__next__")
	if m.IsUnbound() {
		return t.raiseTypeError("'%s' object is not an iterator", t.rt.TypeOf(it).Name())
	}
	v := t.call(m, it)
	if v.IsError() && t.pendingMatches(t.rt.types.StopIteration) {
		t.clearPending()
		return Unbound
	}
	return v
}

func (rt *Runtime) seqNext(it *SeqIterator) Value {
	switch s := rt.object(it.seq).(type) {
	case *Tuple:
		if it.index < len(s.items) {
			it.index++
			return s.items[it.index-1]
		}
	case *List:
		if it.index < len(s.items) {
			it.index++
			return s.items[it.index-1]
		}
	case *Str:
		if it.index < len(s.s) {
			it.index++
			return rt.Str(s.s[it.index-1 : it.index])
		}
	}
	return Unbound
}

// ---------------------------------------------------------------------------
// Subscripts
// ---------------------------------------------------------------------------

// indexValue converts an integer-like key into a Go index into a sequence
// of length n, counting negative keys from the end.
func (t *Thread) indexValue(key Value, n int, what string) (int, bool) {
	var k int64
	switch {
	case key.IsSmallInt():
		k = key.SmallInt()
	case key.IsBool():
		k = boolAsInt(key).SmallInt()
	default:
		t.raiseTypeError("%s indices must be integers, not %s", what, t.rt.TypeOf(key).Name())
		return 0, false
	}
	i, err := safecast.Conv[int](k)
	if err == nil && i < 0 {
		i += n
	}
	if err != nil || i < 0 || i >= n {
		t.raise(t.rt.types.IndexError, "%s index out of range", what)
		return 0, false
	}
	return i, true
}

func (t *Thread) raiseKeyError(key Value) Value {
	return t.setPending(t.rt.newException(t.rt.types.KeyError, key))
}

// getItem implements container[key].
func (t *Thread) getItem(container, key Value) Value {
	switch o := t.rt.object(container).(type) {
	case *List:
		i, ok := t.indexValue(key, len(o.items), "list")
		if !ok {
			return Error
		}
		return o.items[i]
	case *Tuple:
		i, ok := t.indexValue(key, len(o.items), "tuple")
		if !ok {
			return Error
		}
		return o.items[i]
	case *Str:
		i, ok := t.indexValue(key, len(o.s), "string")
		if !ok {
			return Error
		}
		return t.rt.Str(o.s[i : i+1])
	case *Dict:
		v, ok := t.dictGet(o, key)
		switch {
		case !ok:
			return Error
		case v.IsUnbound():
			return t.raiseKeyError(key)
		}
		return v
	}
	if m, _ := t.rt.TypeOf(container).Lookup("__getitem__"); !m.IsUnbound() {
		return t.call(m, container, key)
	}
	return t.raiseTypeError("'%s' object is not subscriptable", t.rt.TypeOf(container).Name())
}

// setItem implements container[key] = v.
func (t *Thread) setItem(container, key, v Value) Value {
	switch o := t.rt.object(container).(type) {
	case *List:
		i, ok := t.indexValue(key, len(o.items), "list")
		if !ok {
			return Error
		}
		o.items[i] = v
		return None
	case *Dict:
		if !t.dictSet(o, key, v) {
			return Error
		}
		return None
	}
	if m, _ := t.rt.TypeOf(container).Lookup("__setitem__"); !m.IsUnbound() {
		return t.call(m, container, key, v)
	}
	return t.raiseTypeError("'%s' object does not support item assignment", t.rt.TypeOf(container).Name())
}

// delItem implements del container[key].
func (t *Thread) delItem(container, key Value) Value {
	switch o := t.rt.object(container).(type) {
	case *List:
		i, ok := t.indexValue(key, len(o.items), "list")
		if !ok {
			return Error
		}
		o.items = append(o.items[:i], o.items[i+1:]...)
		return None
	case *Dict:
		found, ok := t.dictDelete(o, key)
		switch {
		case !ok:
			return Error
		case !found:
			return t.raiseKeyError(key)
		}
		return None
	}
	if m, _ := t.rt.TypeOf(container).Lookup("__delitem__"); !m.IsUnbound() {
		return t.call(m, container, key)
	}
	return t.raiseTypeError("'%s' object doesn't support item deletion", t.rt.TypeOf(container).Name())
}
