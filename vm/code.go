package vm

import "fmt"

// ---------------------------------------------------------------------------
// Code: an immutable compiled unit
// ---------------------------------------------------------------------------

// CodeFlags describe the shape of a Code's signature and body.
type CodeFlags uint32

const (
	CodeOptimized  CodeFlags = 0x0001
	CodeNewLocals  CodeFlags = 0x0002
	CodeVarargs    CodeFlags = 0x0004 // last-but-varkw parameter collects extra positionals
	CodeVarkeyargs CodeFlags = 0x0008 // last parameter collects unknown keywords
	CodeNested     CodeFlags = 0x0010
	CodeGenerator  CodeFlags = 0x0020
	CodeNoFree     CodeFlags = 0x0040
	CodeNative     CodeFlags = 0x10000 // body is a Go function
)

// NativeFunc implements a native function. args holds the bound parameters
// in the same canonical layout a guest frame would see. A native signals
// failure by raising on t and returning Error.
type NativeFunc func(t *Thread, args []Value) Value

// LineEntry maps a bytecode offset to the source line starting there.
type LineEntry struct {
	Offset int
	Line   int
}

// Code is the unit the interpreter executes. Functions share one Code and
// never mutate it; rewriting happens in each Function's private copy.
type Code struct {
	Header

	Name      string
	Filename  string
	FirstLine int

	ArgCount       int
	KwOnlyArgCount int
	NLocals        int
	StackSize      int
	Flags          CodeFlags

	Bytecode []byte
	Consts   []Value
	Names    []string
	VarNames []string
	CellVars []string
	FreeVars []string
	Cell2Arg []int // per cell var: index of the argument it shadows, or -1
	Lines    []LineEntry

	native NativeFunc

	sites  []siteInfo
	siteAt []int32 // per code unit: site index of the instruction ending there, or -1
}

func (c *Code) visitPointers(visit PointerVisitor) {
	visitAll(c.Consts, visit)
}

// IsNative returns true if the body is a Go function.
func (c *Code) IsNative() bool { return c.Flags&CodeNative != 0 }

// IsGenerator returns true if calling a function of this code creates a generator.
func (c *Code) IsGenerator() bool { return c.Flags&CodeGenerator != 0 }

// HasVarargs returns true if the code collects extra positional arguments.
func (c *Code) HasVarargs() bool { return c.Flags&CodeVarargs != 0 }

// HasVarkeyargs returns true if the code collects unknown keyword arguments.
func (c *Code) HasVarkeyargs() bool { return c.Flags&CodeVarkeyargs != 0 }

// TotalArgs returns the number of parameter slots: positional, keyword-only,
// and the variadic tuple and mapping when present.
func (c *Code) TotalArgs() int {
	n := c.ArgCount + c.KwOnlyArgCount
	if c.HasVarargs() {
		n++
	}
	if c.HasVarkeyargs() {
		n++
	}
	return n
}

// NumCells returns the number of cell and free variable slots.
func (c *Code) NumCells() int {
	return len(c.CellVars) + len(c.FreeVars)
}

// FrameSize returns the number of Values a frame of this code reserves.
func (c *Code) FrameSize() int {
	return c.NLocals + c.NumCells() + c.StackSize
}

// LineAt returns the source line of the instruction at offset pc.
func (c *Code) LineAt(pc int) int {
	line := c.FirstLine
	for _, e := range c.Lines {
		if e.Offset > pc {
			break
		}
		line = e.Line
	}
	return line
}

// Validate checks the structural invariants the interpreter relies on.
func (c *Code) Validate() error {
	if len(c.Bytecode)%2 != 0 {
		return fmt.Errorf("code %s: bytecode length %d is odd", c.Name, len(c.Bytecode))
	}
	if c.TotalArgs() > c.NLocals {
		return fmt.Errorf("code %s: %d parameters but %d locals", c.Name, c.TotalArgs(), c.NLocals)
	}
	if len(c.VarNames) < c.NLocals {
		return fmt.Errorf("code %s: %d local names for %d locals", c.Name, len(c.VarNames), c.NLocals)
	}
	if c.Cell2Arg != nil && len(c.Cell2Arg) != len(c.CellVars) {
		return fmt.Errorf("code %s: cell2arg has %d entries for %d cells", c.Name, len(c.Cell2Arg), len(c.CellVars))
	}
	if c.IsNative() && c.native == nil {
		return fmt.Errorf("code %s: native flag without a Go body", c.Name)
	}
	return nil
}

// NewCode validates c and installs it in the heap.
func (rt *Runtime) NewCode(c *Code) (Value, error) {
	if err := c.Validate(); err != nil {
		return None, err
	}
	return rt.heap.Allocate(LayoutCode, c), nil
}

// ---------------------------------------------------------------------------
// Call sites
// ---------------------------------------------------------------------------

type siteKind uint8

const (
	siteLoadAttr siteKind = iota
	siteStoreAttr
	siteLoadMethod
	siteBinary
	siteInplace
	siteCompare
)

// siteInfo describes one cacheable instruction of a Code.
type siteInfo struct {
	kind     siteKind
	name     string    // attribute sites
	binop    binaryOp  // binary and in-place sites
	compare  CompareOp // compare sites
	original Opcode
	unit     int // offset of the instruction's final code unit
}

// analyze finds the cacheable instructions once per Code.
func (c *Code) analyze() {
	if c.siteAt != nil {
		return
	}
	c.siteAt = make([]int32, len(c.Bytecode)/2)
	for i := range c.siteAt {
		c.siteAt[i] = -1
	}
	for pc := 0; pc < len(c.Bytecode); {
		op, arg, unit, next := decodeAt(c.Bytecode, pc)
		pc = next

		site := siteInfo{original: op, unit: unit}
		switch op {
		case OpLoadAttr:
			site.kind, site.name = siteLoadAttr, c.Names[arg]
		case OpStoreAttr:
			site.kind, site.name = siteStoreAttr, c.Names[arg]
		case OpLoadMethod:
			site.kind, site.name = siteLoadMethod, c.Names[arg]
		case OpCompareOp:
			if CompareOp(arg) > CompareGE {
				continue
			}
			site.kind, site.compare = siteCompare, CompareOp(arg)
		default:
			if b, ok := binaryOpcodes[op]; ok {
				site.kind, site.binop = siteBinary, b
			} else if b, ok := inplaceOpcodes[op]; ok {
				site.kind, site.binop = siteInplace, b
			} else {
				continue
			}
		}
		c.siteAt[unit/2] = int32(len(c.sites))
		c.sites = append(c.sites, site)
	}
}

func (s *siteInfo) cachedOpcode() Opcode {
	switch s.kind {
	case siteLoadAttr:
		return OpLoadAttrCached
	case siteStoreAttr:
		return OpStoreAttrCached
	case siteLoadMethod:
		return OpLoadMethodCached
	case siteBinary:
		return OpBinaryOpCached
	case siteInplace:
		return OpInplaceOpCached
	default:
		return OpCompareOpCached
	}
}

// ---------------------------------------------------------------------------
// Function: Code bound to globals, defaults and a closure
// ---------------------------------------------------------------------------

type kwDefault struct {
	name  string
	value Value
}

// Function is a callable instance of a Code. Besides its bindings it owns
// the mutable state the interpreter specializes: a private copy of the
// bytecode that may hold cache-aware opcodes, and the cache table.
type Function struct {
	Header

	code    *Code
	codeRef Value
	name    string
	module  *Module

	defaults   []Value
	kwDefaults []kwDefault
	closure    []Value // Cell objects, one per free variable

	bytecode []byte
	caches   []icEntry
	siteBase int // caches index of the first site entry (== len(code.Names))
	sites    []siteState
}

func (f *Function) visitPointers(visit PointerVisitor) {
	visit(&f.codeRef)
	visitAll(f.defaults, visit)
	for i := range f.kwDefaults {
		visit(&f.kwDefaults[i].value)
	}
	visitAll(f.closure, visit)
	for i := range f.caches {
		visit(&f.caches[i].value)
	}
}

// Code returns the function's code.
func (f *Function) Code() *Code { return f.code }

// Name returns the function's name.
func (f *Function) Name() string { return f.name }

// Module returns the module whose namespace the function uses as globals.
func (f *Function) Module() *Module { return f.module }

// Bytecode returns the function's current, possibly rewritten, bytecode.
func (f *Function) Bytecode() []byte { return f.bytecode }

func (f *Function) kwDefault(name string) (Value, bool) {
	for _, d := range f.kwDefaults {
		if d.name == name {
			return d.value, true
		}
	}
	return Unbound, false
}

// newFunction allocates a Function for code in module and installs the
// cache-aware opcodes for every cacheable site.
func (rt *Runtime) newFunction(code *Code, module *Module) (*Function, Value) {
	code.analyze()
	fn := &Function{
		code:     code,
		codeRef:  code.Value(),
		name:     code.Name,
		module:   module,
		bytecode: append([]byte(nil), code.Bytecode...),
		siteBase: len(code.Names),
		caches:   make([]icEntry, len(code.Names)+len(code.sites)*ICDegree),
		sites:    make([]siteState, len(code.sites)),
	}
	for i := range code.sites {
		s := &code.sites[i]
		fn.bytecode[s.unit] = byte(s.cachedOpcode())
	}
	return fn, rt.heap.Allocate(LayoutFunction, fn)
}

// NewFunction creates a function from a Code value with the given module
// as its globals.
func (rt *Runtime) NewFunction(code Value, module *Module) (Value, error) {
	c, ok := rt.heap.Object(code).(*Code)
	if !ok {
		return None, fmt.Errorf("NewFunction: %s is not a code object", rt.TypeOf(code).Name())
	}
	if err := c.Validate(); err != nil {
		return None, err
	}
	_, v := rt.newFunction(c, module)
	return v, nil
}

// NewNative wraps a Go function as a callable. params names the parameters
// in order; with CodeVarargs and CodeVarkeyargs the last one or two name the
// collecting tuple and mapping. Natives bind arguments exactly as guest
// functions do.
func (rt *Runtime) NewNative(name string, params []string, flags CodeFlags, fn NativeFunc, defaults ...Value) Value {
	code := &Code{
		Name:     name,
		Filename: "<native>",
		Flags:    flags | CodeNative,
		NLocals:  len(params),
		VarNames: params,
		native:   fn,
	}
	code.ArgCount = len(params)
	if code.HasVarargs() {
		code.ArgCount--
	}
	if code.HasVarkeyargs() {
		code.ArgCount--
	}
	if code.ArgCount < 0 {
		panic(fmt.Sprintf("NewNative %s: flags need more parameter names", name))
	}
	rt.heap.Allocate(LayoutCode, code)
	f, v := rt.newFunction(code, rt.builtins)
	f.defaults = defaults
	return v
}

// SetDefaults replaces the positional and keyword-only defaults of fn.
func (rt *Runtime) SetDefaults(fn Value, defaults []Value, kwDefaults map[string]Value) error {
	f, ok := rt.heap.Object(fn).(*Function)
	if !ok {
		return fmt.Errorf("SetDefaults: %s is not a function", rt.TypeOf(fn).Name())
	}
	if len(defaults) > f.code.ArgCount {
		return fmt.Errorf("SetDefaults: %d defaults for %d positional parameters", len(defaults), f.code.ArgCount)
	}
	f.defaults = append([]Value(nil), defaults...)
	f.kwDefaults = f.kwDefaults[:0]
	for name, v := range kwDefaults {
		f.kwDefaults = append(f.kwDefaults, kwDefault{name: name, value: v})
	}
	return nil
}
