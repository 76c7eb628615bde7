package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is one bytecode operation. Every instruction is a two-byte code
// unit (opcode, argument); arguments wider than a byte are built up by
// preceding EXTENDED_ARG units. Opcode numbers follow the CPython 3.7
// encoding so externally produced code objects load bit-exact.
type Opcode byte

// Stack operations
const (
	OpPopTop     Opcode = 1
	OpRotTwo     Opcode = 2
	OpRotThree   Opcode = 3
	OpDupTop     Opcode = 4
	OpDupTopTwo  Opcode = 5
	OpNop        Opcode = 9
	OpPrintExpr  Opcode = 70
	OpExtendArg  Opcode = 144
	haveArgument Opcode = 90 // opcodes at or above this use their argument
)

// Unary and binary operators
const (
	OpUnaryPositive      Opcode = 10
	OpUnaryNegative      Opcode = 11
	OpUnaryNot           Opcode = 12
	OpUnaryInvert        Opcode = 15
	OpBinaryMatrixMul    Opcode = 16
	OpInplaceMatrixMul   Opcode = 17
	OpBinaryPower        Opcode = 19
	OpBinaryMultiply     Opcode = 20
	OpBinaryModulo       Opcode = 22
	OpBinaryAdd          Opcode = 23
	OpBinarySubtract     Opcode = 24
	OpBinarySubscr       Opcode = 25
	OpBinaryFloorDivide  Opcode = 26
	OpBinaryTrueDivide   Opcode = 27
	OpInplaceFloorDivide Opcode = 28
	OpInplaceTrueDivide  Opcode = 29
	OpInplaceAdd         Opcode = 55
	OpInplaceSubtract    Opcode = 56
	OpInplaceMultiply    Opcode = 57
	OpInplaceModulo      Opcode = 59
	OpStoreSubscr        Opcode = 60
	OpDeleteSubscr       Opcode = 61
	OpBinaryLshift       Opcode = 62
	OpBinaryRshift       Opcode = 63
	OpBinaryAnd          Opcode = 64
	OpBinaryXor          Opcode = 65
	OpBinaryOr           Opcode = 66
	OpInplacePower       Opcode = 67
	OpInplaceLshift      Opcode = 75
	OpInplaceRshift      Opcode = 76
	OpInplaceAnd         Opcode = 77
	OpInplaceXor         Opcode = 78
	OpInplaceOr          Opcode = 79
	OpCompareOp          Opcode = 107
)

// Iteration and generators
const (
	OpGetIter    Opcode = 68
	OpYieldValue Opcode = 86
	OpForIter    Opcode = 93
)

// Blocks and unwinding
const (
	OpBreakLoop         Opcode = 80
	OpWithCleanupStart  Opcode = 81
	OpWithCleanupFinish Opcode = 82
	OpReturnValue       Opcode = 83
	OpPopBlock          Opcode = 87
	OpEndFinally        Opcode = 88
	OpPopExcept         Opcode = 89
	OpContinueLoop      Opcode = 119
	OpSetupLoop         Opcode = 120
	OpSetupExcept       Opcode = 121
	OpSetupFinally      Opcode = 122
	OpRaiseVarargs      Opcode = 130
	OpSetupWith         Opcode = 143
)

// Names, attributes and variables
const (
	OpStoreName      Opcode = 90
	OpDeleteName     Opcode = 91
	OpUnpackSequence Opcode = 92
	OpStoreAttr      Opcode = 95
	OpDeleteAttr     Opcode = 96
	OpStoreGlobal    Opcode = 97
	OpDeleteGlobal   Opcode = 98
	OpLoadConst      Opcode = 100
	OpLoadName       Opcode = 101
	OpBuildTuple     Opcode = 102
	OpBuildList      Opcode = 103
	OpBuildMap       Opcode = 105
	OpLoadAttr       Opcode = 106
	OpLoadGlobal     Opcode = 116
	OpLoadFast       Opcode = 124
	OpStoreFast      Opcode = 125
	OpDeleteFast     Opcode = 126
	OpLoadClosure    Opcode = 135
	OpLoadDeref      Opcode = 136
	OpStoreDeref     Opcode = 137
	OpListAppend     Opcode = 145
	OpLoadMethod     Opcode = 160
)

// Jumps
const (
	OpJumpForward      Opcode = 110
	OpJumpIfFalseOrPop Opcode = 111
	OpJumpIfTrueOrPop  Opcode = 112
	OpJumpAbsolute     Opcode = 113
	OpPopJumpIfFalse   Opcode = 114
	OpPopJumpIfTrue    Opcode = 115
)

// Calls
const (
	OpCallFunction   Opcode = 131
	OpMakeFunction   Opcode = 132
	OpCallFunctionKw Opcode = 141
	OpCallFunctionEx Opcode = 142
	OpCallMethod     Opcode = 161
)

// Cache-aware opcodes. Functions rewrite the generic form into these in
// their private bytecode copy; they never appear in a Code object.
const (
	OpLoadAttrCached    Opcode = 200
	OpStoreAttrCached   Opcode = 201
	OpLoadMethodCached  Opcode = 202
	OpBinaryOpCached    Opcode = 203
	OpInplaceOpCached   Opcode = 204
	OpCompareOpCached   Opcode = 205
	OpLoadGlobalCached  Opcode = 206
	OpStoreGlobalCached Opcode = 207
)

// MAKE_FUNCTION argument flags.
const (
	MakeFunctionDefaults   = 0x01
	MakeFunctionKwDefaults = 0x02
	MakeFunctionClosure    = 0x08
)

// CALL_FUNCTION_EX argument flag: a keyword mapping is on the stack.
const CallExKeywords = 0x01

// ---------------------------------------------------------------------------
// Comparison operators (COMPARE_OP argument)
// ---------------------------------------------------------------------------

// CompareOp is the argument of COMPARE_OP.
type CompareOp int

const (
	CompareLT CompareOp = iota
	CompareLE
	CompareEQ
	CompareNE
	CompareGT
	CompareGE
	CompareIn
	CompareNotIn
	CompareIs
	CompareIsNot
	CompareExcMatch
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// JumpKind says how an opcode's argument encodes a jump target.
type JumpKind uint8

const (
	JumpNone     JumpKind = iota
	JumpRelative          // target = offset of next instruction + arg
	JumpAbsolute          // target = arg
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name string
	Jump JumpKind
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpPopTop:    {"POP_TOP", JumpNone},
	OpRotTwo:    {"ROT_TWO", JumpNone},
	OpRotThree:  {"ROT_THREE", JumpNone},
	OpDupTop:    {"DUP_TOP", JumpNone},
	OpDupTopTwo: {"DUP_TOP_TWO", JumpNone},
	OpNop:       {"NOP", JumpNone},
	OpPrintExpr: {"PRINT_EXPR", JumpNone},
	OpExtendArg: {"EXTENDED_ARG", JumpNone},

	OpUnaryPositive:      {"UNARY_POSITIVE", JumpNone},
	OpUnaryNegative:      {"UNARY_NEGATIVE", JumpNone},
	OpUnaryNot:           {"UNARY_NOT", JumpNone},
	OpUnaryInvert:        {"UNARY_INVERT", JumpNone},
	OpBinaryMatrixMul:    {"BINARY_MATRIX_MULTIPLY", JumpNone},
	OpInplaceMatrixMul:   {"INPLACE_MATRIX_MULTIPLY", JumpNone},
	OpBinaryPower:        {"BINARY_POWER", JumpNone},
	OpBinaryMultiply:     {"BINARY_MULTIPLY", JumpNone},
	OpBinaryModulo:       {"BINARY_MODULO", JumpNone},
	OpBinaryAdd:          {"BINARY_ADD", JumpNone},
	OpBinarySubtract:     {"BINARY_SUBTRACT", JumpNone},
	OpBinarySubscr:       {"BINARY_SUBSCR", JumpNone},
	OpBinaryFloorDivide:  {"BINARY_FLOOR_DIVIDE", JumpNone},
	OpBinaryTrueDivide:   {"BINARY_TRUE_DIVIDE", JumpNone},
	OpInplaceFloorDivide: {"INPLACE_FLOOR_DIVIDE", JumpNone},
	OpInplaceTrueDivide:  {"INPLACE_TRUE_DIVIDE", JumpNone},
	OpInplaceAdd:         {"INPLACE_ADD", JumpNone},
	OpInplaceSubtract:    {"INPLACE_SUBTRACT", JumpNone},
	OpInplaceMultiply:    {"INPLACE_MULTIPLY", JumpNone},
	OpInplaceModulo:      {"INPLACE_MODULO", JumpNone},
	OpStoreSubscr:        {"STORE_SUBSCR", JumpNone},
	OpDeleteSubscr:       {"DELETE_SUBSCR", JumpNone},
	OpBinaryLshift:       {"BINARY_LSHIFT", JumpNone},
	OpBinaryRshift:       {"BINARY_RSHIFT", JumpNone},
	OpBinaryAnd:          {"BINARY_AND", JumpNone},
	OpBinaryXor:          {"BINARY_XOR", JumpNone},
	OpBinaryOr:           {"BINARY_OR", JumpNone},
	OpInplacePower:       {"INPLACE_POWER", JumpNone},
	OpInplaceLshift:      {"INPLACE_LSHIFT", JumpNone},
	OpInplaceRshift:      {"INPLACE_RSHIFT", JumpNone},
	OpInplaceAnd:         {"INPLACE_AND", JumpNone},
	OpInplaceXor:         {"INPLACE_XOR", JumpNone},
	OpInplaceOr:          {"INPLACE_OR", JumpNone},
	OpCompareOp:          {"COMPARE_OP", JumpNone},

	OpGetIter:    {"GET_ITER", JumpNone},
	OpYieldValue: {"YIELD_VALUE", JumpNone},
	OpForIter:    {"FOR_ITER", JumpRelative},

	OpBreakLoop:         {"BREAK_LOOP", JumpNone},
	OpWithCleanupStart:  {"WITH_CLEANUP_START", JumpNone},
	OpWithCleanupFinish: {"WITH_CLEANUP_FINISH", JumpNone},
	OpReturnValue:       {"RETURN_VALUE", JumpNone},
	OpPopBlock:          {"POP_BLOCK", JumpNone},
	OpEndFinally:        {"END_FINALLY", JumpNone},
	OpPopExcept:         {"POP_EXCEPT", JumpNone},
	OpContinueLoop:      {"CONTINUE_LOOP", JumpAbsolute},
	OpSetupLoop:         {"SETUP_LOOP", JumpRelative},
	OpSetupExcept:       {"SETUP_EXCEPT", JumpRelative},
	OpSetupFinally:      {"SETUP_FINALLY", JumpRelative},
	OpRaiseVarargs:      {"RAISE_VARARGS", JumpNone},
	OpSetupWith:         {"SETUP_WITH", JumpRelative},

	OpStoreName:      {"STORE_NAME", JumpNone},
	OpDeleteName:     {"DELETE_NAME", JumpNone},
	OpUnpackSequence: {"UNPACK_SEQUENCE", JumpNone},
	OpStoreAttr:      {"STORE_ATTR", JumpNone},
	OpDeleteAttr:     {"DELETE_ATTR", JumpNone},
	OpStoreGlobal:    {"STORE_GLOBAL", JumpNone},
	OpDeleteGlobal:   {"DELETE_GLOBAL", JumpNone},
	OpLoadConst:      {"LOAD_CONST", JumpNone},
	OpLoadName:       {"LOAD_NAME", JumpNone},
	OpBuildTuple:     {"BUILD_TUPLE", JumpNone},
	OpBuildList:      {"BUILD_LIST", JumpNone},
	OpBuildMap:       {"BUILD_MAP", JumpNone},
	OpLoadAttr:       {"LOAD_ATTR", JumpNone},
	OpLoadGlobal:     {"LOAD_GLOBAL", JumpNone},
	OpLoadFast:       {"LOAD_FAST", JumpNone},
	OpStoreFast:      {"STORE_FAST", JumpNone},
	OpDeleteFast:     {"DELETE_FAST", JumpNone},
	OpLoadClosure:    {"LOAD_CLOSURE", JumpNone},
	OpLoadDeref:      {"LOAD_DEREF", JumpNone},
	OpStoreDeref:     {"STORE_DEREF", JumpNone},
	OpListAppend:     {"LIST_APPEND", JumpNone},
	OpLoadMethod:     {"LOAD_METHOD", JumpNone},

	OpJumpForward:      {"JUMP_FORWARD", JumpRelative},
	OpJumpIfFalseOrPop: {"JUMP_IF_FALSE_OR_POP", JumpAbsolute},
	OpJumpIfTrueOrPop:  {"JUMP_IF_TRUE_OR_POP", JumpAbsolute},
	OpJumpAbsolute:     {"JUMP_ABSOLUTE", JumpAbsolute},
	OpPopJumpIfFalse:   {"POP_JUMP_IF_FALSE", JumpAbsolute},
	OpPopJumpIfTrue:    {"POP_JUMP_IF_TRUE", JumpAbsolute},

	OpCallFunction:   {"CALL_FUNCTION", JumpNone},
	OpMakeFunction:   {"MAKE_FUNCTION", JumpNone},
	OpCallFunctionKw: {"CALL_FUNCTION_KW", JumpNone},
	OpCallFunctionEx: {"CALL_FUNCTION_EX", JumpNone},
	OpCallMethod:     {"CALL_METHOD", JumpNone},

	OpLoadAttrCached:    {"LOAD_ATTR_CACHED", JumpNone},
	OpStoreAttrCached:   {"STORE_ATTR_CACHED", JumpNone},
	OpLoadMethodCached:  {"LOAD_METHOD_CACHED", JumpNone},
	OpBinaryOpCached:    {"BINARY_OP_CACHED", JumpNone},
	OpInplaceOpCached:   {"INPLACE_OP_CACHED", JumpNone},
	OpCompareOpCached:   {"COMPARE_OP_CACHED", JumpNone},
	OpLoadGlobalCached:  {"LOAD_GLOBAL_CACHED", JumpNone},
	OpStoreGlobalCached: {"STORE_GLOBAL_CACHED", JumpNone},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%d", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// HasArgument returns true if the opcode uses its argument byte.
func (op Opcode) HasArgument() bool {
	return op >= haveArgument
}

// IsJump returns true if the argument encodes a jump target.
func (op Opcode) IsJump() bool {
	return op.Info().Jump != JumpNone
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// decodeAt decodes the logical instruction starting at pc, consuming any
// EXTENDED_ARG prefixes. It returns the opcode, the accumulated argument,
// the offset of the final code unit and the offset of the next instruction.
func decodeAt(bc []byte, pc int) (op Opcode, arg int, unit int, next int) {
	for {
		op, unit = Opcode(bc[pc]), pc
		arg = arg<<8 | int(bc[pc+1])
		pc += 2
		if op != OpExtendArg {
			return op, arg, unit, pc
		}
	}
}

// genericOpcode maps a cache-aware opcode back to the generic form that a
// Code object carries at the same position.
func genericOpcode(op Opcode, original Opcode) Opcode {
	switch op {
	case OpLoadAttrCached, OpStoreAttrCached, OpLoadMethodCached,
		OpBinaryOpCached, OpInplaceOpCached, OpCompareOpCached:
		return original
	case OpLoadGlobalCached:
		return OpLoadGlobal
	case OpStoreGlobalCached:
		return OpStoreGlobal
	}
	return op
}
