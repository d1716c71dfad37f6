// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// Package bytecode defines the canonical binary instruction format executed
// by the Vm: opcodes, the constant-pool/function-table/code encoding, and
// the structural validator that runs before a Program is installed.
//
// Instruction encoding is variable-width: a 1-byte opcode followed by a
// fixed per-opcode operand layout (see opcodeTable), mirroring the
// byte-oriented instruction stream style of probe-lang/lang/vm/opcodes.go
// but without that package's fixed 4-byte word (this VM is stack-based,
// not register-based, so operand widths vary by opcode).
package bytecode

// Opcode is a single-byte instruction code.
type Opcode uint8

const (
	// ---- Stack ----
	OpNop Opcode = iota
	OpPop
	OpDup
	OpLdc      // operand: u32 const index
	OpLdNull
	OpLdTrue
	OpLdFalse

	// ---- Locals ----
	OpLdloc // operand: u8 slot
	OpStloc // operand: u8 slot

	// ---- Arithmetic / logical ----
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpShl
	OpShr
	OpAnd
	OpOr
	OpNot

	// ---- Comparison ----
	OpCeq
	OpClt
	OpCgt

	// ---- Control flow ----
	OpJump        // operand: i32 signed offset from next instruction
	OpJumpIfFalse // operand: i32
	OpJumpIfTrue  // operand: i32

	// ---- Calls ----
	OpCallHost // operand: u16 index, u8 argc
	OpCallUser // operand: u16 func_index, u8 argc
	OpRet

	// ---- Collections ----
	OpNewArray // operand: u16 element count, popped off stack
	OpNewMap   // operand: u16 pair count, popped off stack (key,value)
	OpGetIndex
	OpSetIndex
	OpLen
	OpSlice // pops collection, start, end

	// ---- Halt ----
	OpHalt

	opcodeCount
)

// operandLayout describes how many bytes of fixed operand follow an
// opcode byte, and a human name for disassembly/validation messages.
type operandLayout struct {
	name string
	size int // bytes of fixed operand following the opcode byte
}

var opcodeTable = [opcodeCount]operandLayout{
	OpNop:         {"nop", 0},
	OpPop:         {"pop", 0},
	OpDup:         {"dup", 0},
	OpLdc:         {"ldc", 4},
	OpLdNull:      {"ldnull", 0},
	OpLdTrue:      {"ldtrue", 0},
	OpLdFalse:     {"ldfalse", 0},
	OpLdloc:       {"ldloc", 1},
	OpStloc:       {"stloc", 1},
	OpAdd:         {"add", 0},
	OpSub:         {"sub", 0},
	OpMul:         {"mul", 0},
	OpDiv:         {"div", 0},
	OpMod:         {"mod", 0},
	OpNeg:         {"neg", 0},
	OpShl:         {"shl", 0},
	OpShr:         {"shr", 0},
	OpAnd:         {"and", 0},
	OpOr:          {"or", 0},
	OpNot:         {"not", 0},
	OpCeq:         {"ceq", 0},
	OpClt:         {"clt", 0},
	OpCgt:         {"cgt", 0},
	OpJump:        {"jump", 4},
	OpJumpIfFalse: {"jump_if_false", 4},
	OpJumpIfTrue:  {"jump_if_true", 4},
	OpCallHost:    {"call_host", 3},
	OpCallUser:    {"call_user", 3},
	OpRet:         {"ret", 0},
	OpNewArray:    {"new_array", 2},
	OpNewMap:      {"new_map", 2},
	OpGetIndex:    {"get_index", 0},
	OpSetIndex:    {"set_index", 0},
	OpLen:         {"len", 0},
	OpSlice:       {"slice", 0},
	OpHalt:        {"halt", 0},
}

// String returns the opcode's mnemonic, or "unknown" for an unrecognized
// byte value.
func (op Opcode) String() string {
	if int(op) >= len(opcodeTable) {
		return "unknown"
	}
	return opcodeTable[op].name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool { return int(op) < int(opcodeCount) }

// OperandSize returns the number of fixed operand bytes following the
// opcode byte in the instruction stream.
func (op Opcode) OperandSize() int {
	if !op.Valid() {
		return 0
	}
	return opcodeTable[op].size
}

// InstructionSize returns 1 (the opcode byte) plus OperandSize.
func (op Opcode) InstructionSize() int { return 1 + op.OperandSize() }
