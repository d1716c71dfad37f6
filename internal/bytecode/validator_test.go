// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"errors"
	"testing"

	"github.com/probechain/edgevm/internal/value"
)

func validProgram() *value.Program {
	return &value.Program{
		Constants: []value.Value{value.Int(1)},
		Functions: []value.FuncEntry{{Entry: 0, ArgCount: 0, LocalCount: 1}},
		HostFuncs: []value.HostFuncSig{{Name: "log", Arity: 1}},
		Code: []byte{
			byte(OpLdc), 0, 0, 0, 0,
			byte(OpStloc), 0,
			byte(OpHalt),
		},
	}
}

func TestValidateAcceptsWellFormedProgram(t *testing.T) {
	if err := Validate(validProgram()); err != nil {
		t.Fatalf("expected valid program to pass, got %v", err)
	}
}

func TestValidateRejectsUnknownOpcode(t *testing.T) {
	prog := validProgram()
	prog.Code = []byte{0xFF}
	prog.Functions = []value.FuncEntry{{Entry: 0, ArgCount: 0, LocalCount: 0}}
	err := Validate(prog)
	if !errors.Is(err, ErrInvalidOpcode) {
		t.Fatalf("expected ErrInvalidOpcode, got %v", err)
	}
}

func TestValidateRejectsBadConstIndex(t *testing.T) {
	prog := validProgram()
	prog.Code = []byte{
		byte(OpLdc), 9, 0, 0, 0,
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrConstIndex) {
		t.Fatalf("expected ErrConstIndex, got %v", err)
	}
}

func TestValidateRejectsUnknownHostFunction(t *testing.T) {
	// Scenario: CallHost references an index beyond the registered
	// host-function table; the Vm must refuse to install the program.
	prog := validProgram()
	prog.HostFuncs = nil
	prog.Code = []byte{
		byte(OpCallHost), 0, 0, 0,
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrHostFunc) {
		t.Fatalf("expected ErrHostFunc, got %v", err)
	}
}

func TestValidateRejectsHostArityMismatch(t *testing.T) {
	prog := validProgram()
	prog.Code = []byte{
		byte(OpCallHost), 0, 0, 5, // host func 0 wants arity 1, called with 5
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrHostFunc) {
		t.Fatalf("expected ErrHostFunc for arity mismatch, got %v", err)
	}
}

func TestValidateRejectsBranchTargetOutOfBounds(t *testing.T) {
	prog := validProgram()
	prog.Code = []byte{
		byte(OpJump), 0xFF, 0xFF, 0xFF, 0x7F,
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrBranchTarget) {
		t.Fatalf("expected ErrBranchTarget, got %v", err)
	}
}

func TestValidateRejectsBranchIntoInstructionMiddle(t *testing.T) {
	prog := validProgram()
	// Jump lands one byte into the following Ldloc's operand, not on an
	// instruction boundary.
	prog.Code = []byte{
		byte(OpJump), 1, 0, 0, 0,
		byte(OpLdloc), 0,
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrBranchTarget) {
		t.Fatalf("expected ErrBranchTarget for mid-instruction target, got %v", err)
	}
}

func TestValidateRejectsLocalSlotOutOfRange(t *testing.T) {
	prog := validProgram()
	prog.Functions = []value.FuncEntry{{Entry: 0, ArgCount: 0, LocalCount: 1}}
	prog.Code = []byte{
		byte(OpLdloc), 3,
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrLocalSlot) {
		t.Fatalf("expected ErrLocalSlot, got %v", err)
	}
}

func TestValidateRejectsUnknownUserFunction(t *testing.T) {
	prog := validProgram()
	prog.Code = []byte{
		byte(OpCallUser), 9, 0, 0,
		byte(OpHalt),
	}
	err := Validate(prog)
	if !errors.Is(err, ErrUserFunc) {
		t.Fatalf("expected ErrUserFunc, got %v", err)
	}
}
