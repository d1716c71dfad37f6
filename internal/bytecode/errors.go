// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import "errors"

// Sentinel errors returned by Decode and Validate. Callers should use
// errors.Is against these rather than matching message text.
var (
	// ErrDecode indicates the byte stream is not a well-formed program:
	// bad magic, unsupported version, or truncated framing.
	ErrDecode = errors.New("bytecode: malformed program encoding")

	// ErrInvalidOpcode indicates a byte in the code stream does not name
	// a defined opcode.
	ErrInvalidOpcode = errors.New("bytecode: invalid opcode")

	// ErrConstIndex indicates Ldc references a constant pool index that
	// does not exist.
	ErrConstIndex = errors.New("bytecode: constant index out of range")

	// ErrHostFunc indicates CallHost references a host function index
	// that is not registered, or calls it with the wrong argument count.
	ErrHostFunc = errors.New("bytecode: unknown or mismatched host function")

	// ErrUserFunc indicates CallUser references a function table index
	// that does not exist, or calls it with the wrong argument count.
	ErrUserFunc = errors.New("bytecode: unknown or mismatched user function")

	// ErrBranchTarget indicates a Jump/JumpIfFalse/JumpIfTrue offset
	// lands outside the code array or in the middle of an instruction.
	ErrBranchTarget = errors.New("bytecode: branch target out of bounds")

	// ErrLocalSlot indicates Ldloc/Stloc references a local slot index
	// that exceeds the owning function's declared local count.
	ErrLocalSlot = errors.New("bytecode: local slot out of range")

	// ErrTruncated indicates an instruction's fixed operand runs past
	// the end of the code array.
	ErrTruncated = errors.New("bytecode: truncated instruction")
)
