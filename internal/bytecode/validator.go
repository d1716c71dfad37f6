// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/probechain/edgevm/internal/value"
)

// ValidationError reports a single structural defect found by Validate. It
// carries the byte offset of the offending instruction so tooling (the
// disassembler, the debug stepper) can point at the exact location.
type ValidationError struct {
	Offset int
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bytecode: at offset %d: %v", e.Offset, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// funcRange is a function's [start, end) region within Program.Code,
// derived from sorting Functions by Entry.
type funcRange struct {
	value.FuncEntry
	start, end int
}

// Validate performs the structural checks every Program must pass before a
// Vm will install it: every opcode is recognized, every fixed operand fits
// within the code array, every constant/host/user-function/local reference
// resolves, and every branch target lands on an instruction boundary inside
// its own function. Validate never executes the program; it only inspects
// the static encoding.
func Validate(prog *value.Program) error {
	ranges, err := functionRanges(prog)
	if err != nil {
		return err
	}

	for _, fr := range ranges {
		boundaries, err := scanBoundaries(prog, fr)
		if err != nil {
			return err
		}
		if err := scanReferences(prog, fr, boundaries); err != nil {
			return err
		}
	}
	return nil
}

// functionRanges sorts Functions by Entry and derives a [start,end) region
// for each, with the last function's region running to len(Code). Entry
// offsets must be distinct, within bounds, and ascending after sort.
func functionRanges(prog *value.Program) ([]funcRange, error) {
	if len(prog.Functions) == 0 {
		return nil, &ValidationError{Offset: 0, Err: fmt.Errorf("program declares no functions")}
	}
	ranges := make([]funcRange, len(prog.Functions))
	for i, f := range prog.Functions {
		if int(f.Entry) > len(prog.Code) {
			return nil, &ValidationError{Offset: int(f.Entry), Err: fmt.Errorf("function entry beyond end of code")}
		}
		ranges[i] = funcRange{FuncEntry: f, start: int(f.Entry)}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	for i := range ranges {
		if i+1 < len(ranges) {
			if ranges[i+1].start == ranges[i].start {
				return nil, &ValidationError{Offset: ranges[i].start, Err: fmt.Errorf("two functions share entry offset")}
			}
			ranges[i].end = ranges[i+1].start
		} else {
			ranges[i].end = len(prog.Code)
		}
	}
	return ranges, nil
}

// scanBoundaries walks fr's instructions once, checking opcode validity and
// operand truncation, and returns the set of offsets where an instruction
// legally begins (used to validate branch targets).
func scanBoundaries(prog *value.Program, fr funcRange) (map[int]bool, error) {
	boundaries := make(map[int]bool)
	code := prog.Code
	p := fr.start
	for p < fr.end {
		boundaries[p] = true
		op := Opcode(code[p])
		if !op.Valid() {
			return nil, &ValidationError{Offset: p, Err: fmt.Errorf("%w: byte 0x%02x", ErrInvalidOpcode, code[p])}
		}
		size := op.InstructionSize()
		if p+size > fr.end {
			return nil, &ValidationError{Offset: p, Err: ErrTruncated}
		}
		p += size
	}
	if p != fr.end {
		return nil, &ValidationError{Offset: p, Err: fmt.Errorf("instruction straddles function boundary")}
	}
	return boundaries, nil
}

// scanReferences makes a second pass over fr's instructions validating
// every reference an operand carries: constant indices, branch targets,
// host/user call indices and arities, and local slot bounds.
func scanReferences(prog *value.Program, fr funcRange, boundaries map[int]bool) error {
	code := prog.Code
	p := fr.start
	for p < fr.end {
		op := Opcode(code[p])
		operandOff := p + 1
		switch op {
		case OpLdc:
			idx := binary.LittleEndian.Uint32(code[operandOff:])
			if int(idx) >= len(prog.Constants) {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: %d", ErrConstIndex, idx)}
			}
		case OpLdloc, OpStloc:
			slot := code[operandOff]
			if int(slot) >= int(fr.LocalCount) {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: slot %d >= local_count %d", ErrLocalSlot, slot, fr.LocalCount)}
			}
		case OpJump, OpJumpIfFalse, OpJumpIfTrue:
			rel := int32(binary.LittleEndian.Uint32(code[operandOff:]))
			target := p + op.InstructionSize() + int(rel)
			if target < fr.start || target >= fr.end || !boundaries[target] {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: target %d", ErrBranchTarget, target)}
			}
		case OpCallHost:
			idx := binary.LittleEndian.Uint16(code[operandOff:])
			argc := code[operandOff+2]
			if int(idx) >= len(prog.HostFuncs) {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: index %d", ErrHostFunc, idx)}
			}
			if prog.HostFuncs[idx].Arity != argc {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: %s wants %d args, got %d", ErrHostFunc, prog.HostFuncs[idx].Name, prog.HostFuncs[idx].Arity, argc)}
			}
		case OpCallUser:
			idx := binary.LittleEndian.Uint16(code[operandOff:])
			argc := code[operandOff+2]
			if int(idx) >= len(prog.Functions) {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: index %d", ErrUserFunc, idx)}
			}
			if prog.Functions[idx].ArgCount != argc {
				return &ValidationError{Offset: p, Err: fmt.Errorf("%w: function %d wants %d args, got %d", ErrUserFunc, idx, prog.Functions[idx].ArgCount, argc)}
			}
		}
		p += op.InstructionSize()
	}
	return nil
}
