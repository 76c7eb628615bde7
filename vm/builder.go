package vm

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// ---------------------------------------------------------------------------
// CodeBuilder: label-based assembler for Code objects
// ---------------------------------------------------------------------------

// Label is a jump target inside a CodeBuilder.
type Label struct {
	index int // instruction the label is bound to, -1 until Mark
}

type instr struct {
	op    Opcode
	arg   int
	label *Label
	deref string // cell or free variable name, resolved at assembly
	line  int
}

// CodeBuilder assembles a Code from symbolic instructions. Jump targets are
// labels; assembly iterates to a fixed point so every jump argument carries
// exactly the EXTENDED_ARG prefixes its final value needs.
//
// Errors are sticky: the first one is reported by Build.
type CodeBuilder struct {
	rt   *Runtime
	code Code

	locals     map[string]int
	names      map[string]int
	consts     map[Value]int
	paramsDone bool

	instrs    []instr
	labels    []*Label
	line      int
	stackSize int
	err       error
}

// NewCodeBuilder returns a builder for a code object called name.
func NewCodeBuilder(rt *Runtime, name string) *CodeBuilder {
	return &CodeBuilder{
		rt: rt,
		code: Code{
			Name:      name,
			Filename:  "<builder>",
			FirstLine: 1,
			Flags:     CodeOptimized | CodeNewLocals,
		},
		locals:    make(map[string]int),
		names:     make(map[string]int),
		consts:    make(map[Value]int),
		line:      1,
		stackSize: -1,
	}
}

func (b *CodeBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("code %s: "+format, append([]any{b.code.Name}, args...)...)
	}
}

// Filename sets the file name reported in tracebacks.
func (b *CodeBuilder) Filename(name string) *CodeBuilder {
	b.code.Filename = name
	return b
}

// FirstLine sets the line number of the first instruction.
func (b *CodeBuilder) FirstLine(line int) *CodeBuilder {
	b.code.FirstLine = line
	b.line = line
	return b
}

// Generator marks the code as a generator body.
func (b *CodeBuilder) Generator() *CodeBuilder {
	b.code.Flags |= CodeGenerator
	return b
}

// StackSize overrides the computed maximum value-stack depth.
func (b *CodeBuilder) StackSize(n int) *CodeBuilder {
	b.stackSize = n
	return b
}

// ---------------------------------------------------------------------------
// Parameters and variables
// ---------------------------------------------------------------------------

func (b *CodeBuilder) addParam(name string) {
	if b.paramsDone {
		b.fail("parameter %s declared after locals or variadic parameters", name)
		return
	}
	if _, dup := b.locals[name]; dup {
		b.fail("duplicate parameter %s", name)
		return
	}
	b.locals[name] = len(b.code.VarNames)
	b.code.VarNames = append(b.code.VarNames, name)
	b.code.NLocals++
}

// Params declares positional-or-keyword parameters.
func (b *CodeBuilder) Params(names ...string) *CodeBuilder {
	if b.code.KwOnlyArgCount > 0 {
		b.fail("positional parameters after keyword-only ones")
	}
	for _, n := range names {
		b.addParam(n)
		b.code.ArgCount++
	}
	return b
}

// KwOnly declares keyword-only parameters.
func (b *CodeBuilder) KwOnly(names ...string) *CodeBuilder {
	for _, n := range names {
		b.addParam(n)
		b.code.KwOnlyArgCount++
	}
	return b
}

// Varargs declares the parameter collecting extra positional arguments.
func (b *CodeBuilder) Varargs(name string) *CodeBuilder {
	if b.code.HasVarkeyargs() {
		b.fail("*%s after **", name)
	}
	b.addParam(name)
	b.code.Flags |= CodeVarargs
	return b
}

// Varkw declares the parameter collecting unknown keyword arguments.
func (b *CodeBuilder) Varkw(name string) *CodeBuilder {
	b.addParam(name)
	b.code.Flags |= CodeVarkeyargs
	b.paramsDone = true
	return b
}

// Local returns the fast-local index of name, declaring it if needed.
func (b *CodeBuilder) Local(name string) int {
	if i, ok := b.locals[name]; ok {
		return i
	}
	b.paramsDone = true
	i := len(b.code.VarNames)
	b.locals[name] = i
	b.code.VarNames = append(b.code.VarNames, name)
	b.code.NLocals++
	return i
}

// Cell declares a cell variable: a local captured by nested functions.
func (b *CodeBuilder) Cell(name string) *CodeBuilder {
	for _, c := range b.code.CellVars {
		if c == name {
			return b
		}
	}
	b.code.CellVars = append(b.code.CellVars, name)
	return b
}

// Free declares a free variable supplied by the closure.
func (b *CodeBuilder) Free(name string) *CodeBuilder {
	for _, c := range b.code.FreeVars {
		if c == name {
			return b
		}
	}
	b.code.FreeVars = append(b.code.FreeVars, name)
	return b
}

// Name returns the index of name in the names table.
func (b *CodeBuilder) Name(name string) int {
	if i, ok := b.names[name]; ok {
		return i
	}
	i := len(b.code.Names)
	b.names[name] = i
	b.code.Names = append(b.code.Names, name)
	return i
}

// Const returns the index of v in the constants table.
func (b *CodeBuilder) Const(v Value) int {
	if i, ok := b.consts[v]; ok {
		return i
	}
	i := len(b.code.Consts)
	b.consts[v] = i
	b.code.Consts = append(b.code.Consts, v)
	return i
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Line sets the source line of the instructions that follow.
func (b *CodeBuilder) Line(line int) *CodeBuilder {
	b.line = line
	return b
}

// Emit appends op with arg. Jumps must go through Jump.
func (b *CodeBuilder) Emit(op Opcode, arg int) *CodeBuilder {
	switch {
	case op.IsJump():
		b.fail("%s needs a label", op)
	case op == OpExtendArg || op >= OpLoadAttrCached:
		b.fail("%s cannot be emitted directly", op)
	case arg < 0:
		b.fail("%s: negative argument %d", op, arg)
	}
	b.instrs = append(b.instrs, instr{op: op, arg: arg, line: b.line})
	return b
}

// Op appends an instruction that takes no argument.
func (b *CodeBuilder) Op(op Opcode) *CodeBuilder {
	return b.Emit(op, 0)
}

// NewLabel creates an unbound label.
func (b *CodeBuilder) NewLabel() *Label {
	l := &Label{index: -1}
	b.labels = append(b.labels, l)
	return l
}

// Mark binds l to the next instruction.
func (b *CodeBuilder) Mark(l *Label) *CodeBuilder {
	if l.index >= 0 {
		b.fail("label marked twice")
	}
	l.index = len(b.instrs)
	return b
}

// Jump appends a jump or block-setup instruction targeting l.
func (b *CodeBuilder) Jump(op Opcode, l *Label) *CodeBuilder {
	if !op.IsJump() {
		b.fail("%s is not a jump", op)
	}
	b.instrs = append(b.instrs, instr{op: op, label: l, line: b.line})
	return b
}

// Deref appends LOAD_CLOSURE, LOAD_DEREF or STORE_DEREF for a cell or free
// variable.
func (b *CodeBuilder) Deref(op Opcode, name string) *CodeBuilder {
	switch op {
	case OpLoadClosure, OpLoadDeref, OpStoreDeref:
	default:
		b.fail("%s does not address cells", op)
	}
	b.instrs = append(b.instrs, instr{op: op, deref: name, line: b.line})
	return b
}

// LoadConst pushes a constant.
func (b *CodeBuilder) LoadConst(v Value) *CodeBuilder {
	return b.Emit(OpLoadConst, b.Const(v))
}

// LoadInt pushes a small integer constant.
func (b *CodeBuilder) LoadInt(n int64) *CodeBuilder {
	v, ok := TryFromSmallInt(n)
	if !ok {
		b.fail("integer constant %d out of range", n)
	}
	return b.LoadConst(v)
}

// LoadStr pushes an interned string constant.
func (b *CodeBuilder) LoadStr(s string) *CodeBuilder {
	return b.LoadConst(b.rt.Str(s))
}

// LoadFast pushes a local.
func (b *CodeBuilder) LoadFast(name string) *CodeBuilder {
	return b.Emit(OpLoadFast, b.Local(name))
}

// StoreFast pops into a local.
func (b *CodeBuilder) StoreFast(name string) *CodeBuilder {
	return b.Emit(OpStoreFast, b.Local(name))
}

// LoadGlobal pushes a global.
func (b *CodeBuilder) LoadGlobal(name string) *CodeBuilder {
	return b.Emit(OpLoadGlobal, b.Name(name))
}

// StoreGlobal pops into a global.
func (b *CodeBuilder) StoreGlobal(name string) *CodeBuilder {
	return b.Emit(OpStoreGlobal, b.Name(name))
}

// LoadName pushes a name resolved in the module namespace then builtins.
func (b *CodeBuilder) LoadName(name string) *CodeBuilder {
	return b.Emit(OpLoadName, b.Name(name))
}

// StoreName pops into the module namespace.
func (b *CodeBuilder) StoreName(name string) *CodeBuilder {
	return b.Emit(OpStoreName, b.Name(name))
}

// LoadAttr replaces the top of stack with one of its attributes.
func (b *CodeBuilder) LoadAttr(name string) *CodeBuilder {
	return b.Emit(OpLoadAttr, b.Name(name))
}

// StoreAttr stores the second item as an attribute of the top item.
func (b *CodeBuilder) StoreAttr(name string) *CodeBuilder {
	return b.Emit(OpStoreAttr, b.Name(name))
}

// LoadMethod looks a method up for CallMethod.
func (b *CodeBuilder) LoadMethod(name string) *CodeBuilder {
	return b.Emit(OpLoadMethod, b.Name(name))
}

// CallMethod calls the method loaded by LoadMethod with n arguments.
func (b *CodeBuilder) CallMethod(n int) *CodeBuilder {
	return b.Emit(OpCallMethod, n)
}

// Call calls a callable with n positional arguments.
func (b *CodeBuilder) Call(n int) *CodeBuilder {
	return b.Emit(OpCallFunction, n)
}

// CallKw calls a callable with npos positional arguments followed by one
// value per keyword name.
func (b *CodeBuilder) CallKw(npos int, names ...string) *CodeBuilder {
	items := make([]Value, len(names))
	for i, n := range names {
		items[i] = b.rt.Str(n)
	}
	b.LoadConst(b.rt.NewTuple(items...))
	return b.Emit(OpCallFunctionKw, npos+len(names))
}

// Compare applies a comparison operator to the top two items.
func (b *CodeBuilder) Compare(op CompareOp) *CodeBuilder {
	return b.Emit(OpCompareOp, int(op))
}

// MakeFunction creates a function from a code constant. Operands selected
// by flags must already be on the stack.
func (b *CodeBuilder) MakeFunction(code Value, qualname string, flags int) *CodeBuilder {
	b.LoadConst(code)
	b.LoadStr(qualname)
	return b.Emit(OpMakeFunction, flags)
}

// Pop discards the top of stack.
func (b *CodeBuilder) Pop() *CodeBuilder {
	return b.Op(OpPopTop)
}

// Return returns the top of stack.
func (b *CodeBuilder) Return() *CodeBuilder {
	return b.Op(OpReturnValue)
}

// ReturnNone returns None.
func (b *CodeBuilder) ReturnNone() *CodeBuilder {
	return b.LoadConst(None).Return()
}

// ---------------------------------------------------------------------------
// Assembly
// ---------------------------------------------------------------------------

var errStackDiverged = errors.New("stack depth does not converge")

// maxStackGuard bounds the depth analysis.
const maxStackGuard = 1 << 16

// argUnits returns the number of code units an argument needs.
func argUnits(arg int) (int, error) {
	a, err := safecast.Conv[uint32](arg)
	if err != nil {
		return 0, fmt.Errorf("argument %d does not fit the encoding: %w", arg, err)
	}
	switch {
	case a > 0xffffff:
		return 4, nil
	case a > 0xffff:
		return 3, nil
	case a > 0xff:
		return 2, nil
	}
	return 1, nil
}

// derefIndex resolves a cell or free variable to its slot in the cell area.
func (b *CodeBuilder) derefIndex(name string) (int, bool) {
	for i, c := range b.code.CellVars {
		if c == name {
			return i, true
		}
	}
	for i, c := range b.code.FreeVars {
		if c == name {
			return len(b.code.CellVars) + i, true
		}
	}
	return 0, false
}

// resolve computes the final argument of every instruction and the
// bytecode offset of each. Sizes only grow, so the loop terminates.
func (b *CodeBuilder) resolve() (args, offsets []int, units []int, err error) {
	n := len(b.instrs)
	args = make([]int, n)
	offsets = make([]int, n+1)
	units = make([]int, n)
	for i, in := range b.instrs {
		switch {
		case in.deref != "":
			idx, ok := b.derefIndex(in.deref)
			if !ok {
				return nil, nil, nil, fmt.Errorf("%s: %s is neither a cell nor a free variable", in.op, in.deref)
			}
			args[i] = idx
		case in.label != nil:
			if in.label.index < 0 {
				return nil, nil, nil, fmt.Errorf("%s: label never marked", in.op)
			}
		default:
			args[i] = in.arg
		}
		units[i] = 1
	}

	for {
		off := 0
		for i := range b.instrs {
			offsets[i] = off
			off += 2 * units[i]
		}
		offsets[n] = off

		changed := false
		for i, in := range b.instrs {
			if in.label != nil {
				target := offsets[in.label.index]
				if in.op.Info().Jump == JumpRelative {
					target -= offsets[i+1]
					if target < 0 {
						return nil, nil, nil, fmt.Errorf("%s: relative jump backwards", in.op)
					}
				}
				args[i] = target
			}
			u, err := argUnits(args[i])
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%s: %w", in.op, err)
			}
			if u > units[i] {
				units[i] = u
				changed = true
			}
		}
		if !changed {
			return args, offsets, units, nil
		}
	}
}

// Assemble produces the Code without installing it in the heap.
func (b *CodeBuilder) Assemble() (*Code, error) {
	if b.err != nil {
		return nil, b.err
	}
	args, offsets, units, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("code %s: %w", b.code.Name, err)
	}

	c := b.code
	c.VarNames = append([]string(nil), b.code.VarNames...)
	c.Names = append([]string(nil), b.code.Names...)
	c.Consts = append([]Value(nil), b.code.Consts...)
	c.Bytecode = make([]byte, 0, offsets[len(b.instrs)])
	line := -1
	for i, in := range b.instrs {
		if in.line != line {
			c.Lines = append(c.Lines, LineEntry{Offset: offsets[i], Line: in.line})
			line = in.line
		}
		for k := units[i] - 1; k >= 1; k-- {
			c.Bytecode = append(c.Bytecode, byte(OpExtendArg), byte(args[i]>>(8*k)))
		}
		c.Bytecode = append(c.Bytecode, byte(in.op), byte(args[i]))
	}

	if len(c.CellVars) > 0 {
		c.Cell2Arg = make([]int, len(c.CellVars))
		for i, name := range c.CellVars {
			c.Cell2Arg[i] = -1
			if idx, ok := b.locals[name]; ok && idx < c.TotalArgs() {
				c.Cell2Arg[i] = idx
			}
		}
	}
	if len(c.FreeVars) == 0 {
		c.Flags |= CodeNoFree
	}

	c.StackSize = b.stackSize
	if c.StackSize < 0 {
		depth, err := b.maxStackDepth(args)
		if err != nil {
			return nil, fmt.Errorf("code %s: %w", b.code.Name, err)
		}
		c.StackSize = depth
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Build assembles the code and installs it in the heap. The result is not
// a root; hosts that collect before using it must Pin it.
func (b *CodeBuilder) Build() (Value, error) {
	c, err := b.Assemble()
	if err != nil {
		return None, err
	}
	return b.rt.NewCode(c)
}

// MustBuild is Build for statically known programs.
func (b *CodeBuilder) MustBuild() Value {
	v, err := b.Build()
	if err != nil {
		panic(err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Stack depth analysis
// ---------------------------------------------------------------------------

// handlerDepth is the number of values an exception handler finds above
// its block's level: the previously caught exception, traceback, value
// and type.
const handlerDepth = 4

// stackEffect returns the change in stack depth when op falls through and
// when it jumps.
func stackEffect(op Opcode, arg int) (next, jump int) {
	switch op {
	case OpNop, OpRotTwo, OpRotThree, OpUnaryPositive, OpUnaryNegative, OpUnaryNot,
		OpUnaryInvert, OpGetIter, OpYieldValue, OpLoadAttr, OpDeleteFast, OpDeleteGlobal,
		OpDeleteName, OpPopBlock, OpBreakLoop, OpContinueLoop, OpSetupLoop,
		OpJumpForward, OpJumpAbsolute:
		return 0, 0
	case OpPopTop, OpPrintExpr, OpStoreFast, OpStoreGlobal, OpStoreName, OpStoreDeref,
		OpDeleteAttr, OpBinarySubscr, OpCompareOp, OpListAppend, OpReturnValue, OpPopExcept:
		return -1, -1
	case OpDupTop, OpLoadConst, OpLoadFast, OpLoadGlobal, OpLoadName, OpLoadClosure,
		OpLoadDeref, OpLoadMethod:
		return 1, 1
	case OpDupTopTwo:
		return 2, 2
	case OpStoreAttr, OpDeleteSubscr:
		return -2, -2
	case OpStoreSubscr:
		return -3, -3
	case OpBuildTuple, OpBuildList:
		return 1 - arg, 1 - arg
	case OpBuildMap:
		return 1 - 2*arg, 1 - 2*arg
	case OpUnpackSequence:
		return arg - 1, arg - 1
	case OpCallFunction:
		return -arg, -arg
	case OpCallFunctionKw:
		return -arg - 1, -arg - 1
	case OpCallFunctionEx:
		return -1 - arg&CallExKeywords, -1 - arg&CallExKeywords
	case OpCallMethod:
		return -arg - 1, -arg - 1
	case OpMakeFunction:
		n := -1
		for _, bit := range []int{MakeFunctionDefaults, MakeFunctionKwDefaults, 0x04, MakeFunctionClosure} {
			if arg&bit != 0 {
				n--
			}
		}
		return n, n
	case OpRaiseVarargs:
		return -arg, -arg
	case OpForIter:
		return 1, -1
	case OpPopJumpIfFalse, OpPopJumpIfTrue:
		return -1, -1
	case OpJumpIfFalseOrPop, OpJumpIfTrueOrPop:
		return -1, 0
	case OpSetupExcept, OpSetupFinally:
		return 0, handlerDepth
	case OpSetupWith:
		return 1, handlerDepth
	case OpWithCleanupStart:
		return 1, 1
	case OpWithCleanupFinish:
		return -2, -2
	case OpEndFinally:
		return -handlerDepth, -handlerDepth
	}
	if _, ok := binaryOpcodes[op]; ok {
		return -1, -1
	}
	if _, ok := inplaceOpcodes[op]; ok {
		return -1, -1
	}
	return 0, 0
}

func terminates(op Opcode) bool {
	switch op {
	case OpReturnValue, OpRaiseVarargs, OpJumpForward, OpJumpAbsolute, OpBreakLoop, OpContinueLoop:
		return true
	}
	return false
}

// maxStackDepth walks every path through the instructions and returns the
// deepest value stack any of them reaches.
func (b *CodeBuilder) maxStackDepth(args []int) (int, error) {
	n := len(b.instrs)
	depth := make([]int, n)
	seen := make([]bool, n)
	var work []int
	deepest := 0
	visit := func(i, d int) {
		if i >= n || (seen[i] && depth[i] >= d) {
			return
		}
		seen[i], depth[i] = true, d
		work = append(work, i)
	}

	visit(0, 0)
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := b.instrs[i]
		d := depth[i]
		next, jump := stackEffect(in.op, args[i])
		if d+next > deepest {
			deepest = d + next
		}
		if in.label != nil {
			if d+jump > deepest {
				deepest = d + jump
			}
			visit(in.label.index, d+jump)
		}
		if deepest > maxStackGuard {
			return 0, errStackDiverged
		}
		if !terminates(in.op) {
			visit(i+1, d+next)
		}
	}
	return deepest, nil
}
