package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error kinds visible to Go hosts
// ---------------------------------------------------------------------------

// Sentinel kinds carried by GuestError. The five argument-binding kinds are
// raised as TypeError in the guest but stay distinguishable from Go.
var (
	ErrTooManyArguments  = errors.New("too many positional arguments")
	ErrMissingArgument   = errors.New("missing required argument")
	ErrDuplicateKeyword  = errors.New("duplicate keyword argument")
	ErrUnexpectedKeyword = errors.New("unexpected keyword argument")
	ErrNonStringKeyword  = errors.New("keyword name is not a string")

	ErrAttribute     = errors.New("attribute error")
	ErrType          = errors.New("type error")
	ErrLookup        = errors.New("lookup error")
	ErrName          = errors.New("name error")
	ErrStopIteration = errors.New("stop iteration")
	ErrRecursion     = errors.New("recursion limit")
)

// ---------------------------------------------------------------------------
// ExceptionObject
// ---------------------------------------------------------------------------

// TraceEntry is one traceback record, appended as an exception unwinds
// through a frame.
type TraceEntry struct {
	Function string
	Filename string
	Line     int
}

// ExceptionObject is an instance of BaseException or a subclass. It keeps
// layout-described attribute storage like any user instance.
type ExceptionObject struct {
	Instance
	args      []Value
	traceback []TraceEntry
	kind      error // argument-binding kind, when raised by the call adapters
}

func (e *ExceptionObject) visitPointers(visit PointerVisitor) {
	e.Instance.visitPointers(visit)
	visitAll(e.args, visit)
}

// Args returns the exception's constructor arguments.
func (e *ExceptionObject) Args() []Value { return e.args }

// Traceback returns the accumulated traceback, innermost last.
func (e *ExceptionObject) Traceback() []TraceEntry { return e.traceback }

// newException allocates an exception of typ with the given args.
func (rt *Runtime) newException(typ *Type, args ...Value) Value {
	l := typ.instanceLayout
	return rt.heap.Allocate(l.id, &ExceptionObject{
		Instance: Instance{inObject: newSlots(l.numInObject)},
		args:     args,
	})
}

func (rt *Runtime) exception(v Value) (*ExceptionObject, bool) {
	e, ok := rt.object(v).(*ExceptionObject)
	return e, ok
}

// exceptionMessage renders args the way str(exc) does.
func (t *Thread) exceptionMessage(e *ExceptionObject) string {
	switch len(e.args) {
	case 0:
		return ""
	case 1:
		if s, ok := t.rt.StrValue(e.args[0]); ok {
			return s
		}
		return t.rt.Repr(e.args[0])
	default:
		return t.rt.Repr(t.rt.NewTuple(e.args...))
	}
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// raise installs a new exception of typ with a formatted message as the
// pending exception and returns Error.
func (t *Thread) raise(typ *Type, format string, args ...any) Value {
	msg := t.rt.NewStr(fmt.Sprintf(format, args...))
	return t.setPending(t.rt.newException(typ, msg))
}

// raiseKind is raise for conditions Go hosts match with errors.Is.
func (t *Thread) raiseKind(typ *Type, kind error, format string, args ...any) Value {
	t.raise(typ, format, args...)
	if e, ok := t.rt.exception(t.excValue); ok {
		e.kind = kind
	}
	return Error
}

func (t *Thread) raiseTypeError(format string, args ...any) Value {
	return t.raise(t.rt.types.TypeError, format, args...)
}

func (t *Thread) raiseAttributeError(v Value, name string) Value {
	if typ, ok := t.rt.AsType(v); ok {
		return t.raise(t.rt.types.AttributeError, "type object '%s' has no attribute '%s'", typ.name, name)
	}
	return t.raise(t.rt.types.AttributeError, "'%s' object has no attribute '%s'", t.rt.TypeOf(v).Name(), name)
}

// setPending makes exc the pending exception.
func (t *Thread) setPending(exc Value) Value {
	t.excValue = exc
	t.excType = t.rt.TypeOf(exc)
	return Error
}

// raiseValue raises a guest value: an exception instance, or an exception
// type that is instantiated with no arguments.
func (t *Thread) raiseValue(v Value) Value {
	if typ, ok := t.rt.AsType(v); ok {
		if !typ.IsSubtype(t.rt.types.BaseException) {
			return t.raiseTypeError("exceptions must derive from BaseException")
		}
		exc := t.call(v)
		if exc.IsError() {
			return Error
		}
		v = exc
	}
	if _, ok := t.rt.exception(v); !ok {
		return t.raiseTypeError("exceptions must derive from BaseException")
	}
	return t.setPending(v)
}

// raiseGoError converts an error returned by a Go-level API into a guest
// exception.
func (t *Thread) raiseGoError(err error) Value {
	var ge *GuestError
	if errors.As(err, &ge) && ge.Value.IsHeapObject() {
		return t.setPending(ge.Value)
	}
	typ := t.rt.types.RuntimeError
	switch {
	case errors.Is(err, ErrAttribute):
		typ = t.rt.types.AttributeError
	case errors.Is(err, ErrType):
		typ = t.rt.types.TypeError
	case errors.Is(err, ErrName):
		typ = t.rt.types.NameError
	case errors.Is(err, ErrLookup):
		typ = t.rt.types.LookupError
	}
	msg := err.Error()
	for _, kind := range []error{ErrAttribute, ErrType, ErrName, ErrLookup} {
		msg = strings.TrimPrefix(msg, kind.Error()+": ")
	}
	return t.raise(typ, "%s", msg)
}

// hasPending returns true if an exception is pending.
func (t *Thread) hasPending() bool {
	return t.excType != nil
}

// pendingMatches returns true if the pending exception is an instance of typ.
func (t *Thread) pendingMatches(typ *Type) bool {
	return t.excType != nil && t.excType.IsSubtype(typ)
}

// clearPending drops the pending exception and returns it.
func (t *Thread) clearPending() Value {
	exc := t.excValue
	t.excType = nil
	t.excValue = None
	return exc
}

// addTraceback records f on the pending exception's traceback.
func (t *Thread) addTraceback(f *Frame) {
	e, ok := t.rt.exception(t.excValue)
	if !ok || f.code == nil {
		return
	}
	e.traceback = append(e.traceback, TraceEntry{
		Function: f.code.Name,
		Filename: f.code.Filename,
		Line:     f.Line(),
	})
}

// ---------------------------------------------------------------------------
// GuestError: the Go face of an uncaught guest exception
// ---------------------------------------------------------------------------

// GuestError is returned to Go callers when a guest exception escapes.
type GuestError struct {
	Type      string
	Message   string
	Traceback []TraceEntry // outermost first
	Value     Value        // the exception object; pin it to keep it past a collection

	kind error
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

// Unwrap exposes the error kind for errors.Is.
func (e *GuestError) Unwrap() error { return e.kind }

// FormatTraceback renders the traceback the way an uncaught exception is
// reported.
func (e *GuestError) FormatTraceback() string {
	var b strings.Builder
	if len(e.Traceback) > 0 {
		b.WriteString("Traceback (most recent call last):\n")
		for _, entry := range e.Traceback {
			fmt.Fprintf(&b, "  File \"%s\", line %d, in %s\n", entry.Filename, entry.Line, entry.Function)
		}
	}
	b.WriteString(e.Error())
	return b.String()
}

// takeError converts the pending exception into a *GuestError and clears it.
func (t *Thread) takeError() error {
	if !t.hasPending() {
		return nil
	}
	typ := t.excType
	exc := t.clearPending()
	ge := &GuestError{Type: typ.name, Value: exc}
	if e, ok := t.rt.exception(exc); ok {
		ge.Message = t.exceptionMessage(e)
		for i := len(e.traceback) - 1; i >= 0; i-- {
			ge.Traceback = append(ge.Traceback, e.traceback[i])
		}
		ge.kind = e.kind
	}
	if ge.kind == nil {
		ge.kind = t.rt.errorKind(typ)
	}
	return ge
}

// errorKind maps an exception type to the sentinel Go hosts match against.
func (rt *Runtime) errorKind(typ *Type) error {
	ts := &rt.types
	switch {
	case typ.IsSubtype(ts.AttributeError):
		return ErrAttribute
	case typ.IsSubtype(ts.TypeError):
		return ErrType
	case typ.IsSubtype(ts.LookupError):
		return ErrLookup
	case typ.IsSubtype(ts.NameError):
		return ErrName
	case typ.IsSubtype(ts.StopIteration):
		return ErrStopIteration
	case typ.IsSubtype(ts.RecursionError):
		return ErrRecursion
	}
	return nil
}
