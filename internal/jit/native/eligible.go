// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package native

import (
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/jit"
)

// checkNativeEligible rejects any trace containing an opcode neither
// architecture backend emits (host/user calls, array/map/string ops,
// division with its zero check), so emission fails closed and the caller
// falls back to the portable interpreter rather than risk emitting wrong
// code for an op it doesn't actually encode.
func checkNativeEligible(t *jit.JitTrace) error {
	for _, step := range t.Steps {
		switch step.Op {
		case bytecode.OpNop, bytecode.OpPop, bytecode.OpDup,
			bytecode.OpLdc, bytecode.OpLdloc, bytecode.OpStloc,
			bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
			bytecode.OpCeq, bytecode.OpClt, bytecode.OpCgt,
			bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue, bytecode.OpJump, bytecode.OpHalt:
		default:
			return fmt.Errorf("native: opcode %s has no native emitter", step.Op)
		}
	}
	return nil
}

// traceShape is the static operand-stack simulation of a trace: the depth
// before each step, the maximum depth ever reached, and the depth left at
// the end. The emitters bake these into slot addresses and into the
// compiled trace's entry and capacity guards, so the generated code never
// computes a stack address at run time.
type traceShape struct {
	depthAt  []int
	maxDepth int
	endDepth int
}

// stackEffect returns how many operands op pops and pushes. Only called
// for opcodes checkNativeEligible accepts.
func stackEffect(op bytecode.Opcode) (pops, pushes int) {
	switch op {
	case bytecode.OpPop, bytecode.OpStloc, bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
		return 1, 0
	case bytecode.OpDup:
		return 1, 2
	case bytecode.OpLdc, bytecode.OpLdloc:
		return 0, 1
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
		bytecode.OpCeq, bytecode.OpClt, bytecode.OpCgt:
		return 2, 1
	default: // Nop, Jump, Halt
		return 0, 0
	}
}

// analyzeTrace simulates t's stack effects from its recorded entry depth.
// It declines (so Compile falls back) any trace whose simulation would
// underflow, whose loop-back iteration is not stack-balanced, or whose
// side-exit terminal is not the unconditional jump the recorder closes
// side-exiting traces with.
func analyzeTrace(t *jit.JitTrace) (traceShape, error) {
	shape := traceShape{
		depthAt:  make([]int, len(t.Steps)),
		maxDepth: t.EntryDepth,
	}
	d := t.EntryDepth
	for i, step := range t.Steps {
		shape.depthAt[i] = d
		pops, pushes := stackEffect(step.Op)
		if d < pops {
			return traceShape{}, fmt.Errorf("native: trace underflows the operand stack at step %d (%s)", i, step.Op)
		}
		d += pushes - pops
		if d > shape.maxDepth {
			shape.maxDepth = d
		}
	}
	shape.endDepth = d
	if t.Terminal == jit.TerminalLoopBack && d != t.EntryDepth {
		return traceShape{}, fmt.Errorf("native: loop-back trace is not stack-balanced (entry %d, end %d)", t.EntryDepth, d)
	}
	if t.Terminal == jit.TerminalSideExit {
		if len(t.Steps) == 0 || t.Steps[len(t.Steps)-1].Op != bytecode.OpJump {
			return traceShape{}, fmt.Errorf("native: side-exit trace does not end in an unconditional jump")
		}
	}
	return shape, nil
}
