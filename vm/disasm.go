package vm

import (
	"fmt"
	"strings"
)

// Instruction is one decoded instruction of a code object or function.
type Instruction struct {
	Offset   int // offset of the first code unit, EXTENDED_ARG prefixes included
	Line     int // source line when it starts here, otherwise 0
	Opcode   Opcode
	Arg      int
	Target   int // jump target offset, or -1
	IsTarget bool
	Comment  string
}

// Instructions decodes a code object, or a function's current bytecode
// including cache-aware opcodes.
func (rt *Runtime) Instructions(v Value) ([]Instruction, error) {
	var (
		code *Code
		fn   *Function
		bc   []byte
	)
	switch o := rt.object(v).(type) {
	case *Code:
		code, bc = o, o.Bytecode
	case *Function:
		fn, code, bc = o, o.code, o.bytecode
	default:
		return nil, fmt.Errorf("disassemble: %s is not a code object or function", rt.TypeOf(v).Name())
	}
	if code.IsNative() {
		return nil, fmt.Errorf("disassemble: %s is native", code.Name)
	}
	code.analyze()

	var out []Instruction
	targets := make(map[int]bool)
	lines := make(map[int]int, len(code.Lines))
	for _, e := range code.Lines {
		lines[e.Offset] = e.Line
	}
	for pc := 0; pc < len(bc); {
		op, arg, unit, next := decodeAt(bc, pc)
		in := Instruction{Offset: pc, Line: lines[pc], Opcode: op, Arg: arg, Target: -1}
		generic := op
		site := -1
		if op >= OpLoadAttrCached {
			if op == OpLoadGlobalCached || op == OpStoreGlobalCached {
				generic = genericOpcode(op, op)
			} else if s := code.siteAt[unit/2]; s >= 0 {
				site = int(s)
				generic = code.sites[site].original
			}
		}
		switch generic.Info().Jump {
		case JumpRelative:
			in.Target = next + arg
		case JumpAbsolute:
			in.Target = arg
		}
		if in.Target >= 0 {
			targets[in.Target] = true
		}
		in.Comment = rt.describeArg(code, generic, arg)
		if fn != nil && site >= 0 {
			st := &fn.sites[site]
			in.Comment = strings.TrimSpace(fmt.Sprintf("%s [%s %d/%d]", in.Comment, st.state, st.hits, st.misses))
		}
		out = append(out, in)
		pc = next
	}
	for i := range out {
		out[i].IsTarget = targets[out[i].Offset]
	}
	return out, nil
}

// describeArg renders the meaning of an instruction's argument.
func (rt *Runtime) describeArg(code *Code, op Opcode, arg int) string {
	name := func(names []string, i int) string {
		if i < len(names) {
			return names[i]
		}
		return "<out of range>"
	}
	switch op {
	case OpLoadConst:
		if arg < len(code.Consts) {
			s := rt.Repr(code.Consts[arg])
			if len(s) > 40 {
				s = s[:37] + "..."
			}
			return s
		}
		return "<out of range>"
	case OpLoadFast, OpStoreFast, OpDeleteFast:
		return name(code.VarNames, arg)
	case OpLoadGlobal, OpStoreGlobal, OpDeleteGlobal, OpLoadName, OpStoreName, OpDeleteName,
		OpLoadAttr, OpStoreAttr, OpDeleteAttr, OpLoadMethod:
		return name(code.Names, arg)
	case OpLoadClosure, OpLoadDeref, OpStoreDeref:
		if arg < len(code.CellVars) {
			return code.CellVars[arg]
		}
		return name(code.FreeVars, arg-len(code.CellVars))
	case OpCompareOp:
		switch CompareOp(arg) {
		case CompareIn:
			return "in"
		case CompareNotIn:
			return "not in"
		case CompareIs:
			return "is"
		case CompareIsNot:
			return "is not"
		case CompareExcMatch:
			return "exception match"
		}
		if arg < len(compareMethods) {
			return compareMethods[arg].symbol
		}
	}
	return ""
}

// Disassemble returns a human-readable listing of a code object or function.
func (rt *Runtime) Disassemble(v Value) (string, error) {
	instrs, err := rt.Instructions(v)
	if err != nil {
		return "", err
	}
	code, ok := rt.object(v).(*Code)
	if !ok {
		code = rt.object(v).(*Function).code
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "; === %s (%s:%d) ===\n", code.Name, code.Filename, code.FirstLine)
	fmt.Fprintf(&sb, "; Flags: 0x%04X", uint32(code.Flags&^CodeNative))
	if code.IsGenerator() {
		sb.WriteString(" [GENERATOR]")
	}
	if code.HasVarargs() {
		sb.WriteString(" [VARARGS]")
	}
	if code.HasVarkeyargs() {
		sb.WriteString(" [VARKEYWORDS]")
	}
	sb.WriteString("\n")
	if code.TotalArgs() > 0 {
		fmt.Fprintf(&sb, "; Parameters (%d): %s\n", code.TotalArgs(), strings.Join(code.VarNames[:code.TotalArgs()], ", "))
	}
	fmt.Fprintf(&sb, "; Locals: %d, stack: %d\n", code.NLocals, code.StackSize)
	if len(code.CellVars) > 0 {
		fmt.Fprintf(&sb, "; Cells: %s\n", strings.Join(code.CellVars, ", "))
	}
	if len(code.FreeVars) > 0 {
		fmt.Fprintf(&sb, "; Free: %s\n", strings.Join(code.FreeVars, ", "))
	}
	sb.WriteString("\n")
	for _, in := range instrs {
		sb.WriteString(in.String())
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// String formats one listing line.
func (in Instruction) String() string {
	line := "    "
	if in.Line > 0 {
		line = fmt.Sprintf("%4d", in.Line)
	}
	mark := "  "
	if in.IsTarget {
		mark = ">>"
	}
	text := fmt.Sprintf("%s %s %6d %-22s", line, mark, in.Offset, in.Opcode.Name())
	if in.Opcode.HasArgument() {
		text += fmt.Sprintf(" %5d", in.Arg)
	}
	switch {
	case in.Target >= 0:
		text += fmt.Sprintf(" (to %d)", in.Target)
	case in.Comment != "":
		text += fmt.Sprintf(" (%s)", in.Comment)
	}
	return strings.TrimRight(text, " ")
}
