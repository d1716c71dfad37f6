// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package jit implements the tracing recorder: it watches interpreter
// execution via the vm.TraceHook hook, detects hot loop heads, records a
// linear trace of the instructions a hot loop actually takes, and hands
// the recorded JitTrace to internal/jit/native for compilation to machine
// code. Recording logic here is grounded on
// go-probe-master/probe-lang/lang/vm/vm.go's instruction dispatch loop,
// extended with the hot-path/recording split described in
// original_source/pd-vm/src/vm/trace.rs.
package jit

import (
	"github.com/google/uuid"

	"github.com/probechain/edgevm/internal/bytecode"
)

// Terminal identifies how a recorded trace ends.
type Terminal int

const (
	// TerminalLoopBack means the trace reached its own head again and can
	// be compiled into a self-looping native routine.
	TerminalLoopBack Terminal = iota
	// TerminalSideExit means recording ended at a step that leaves the
	// traced region (a user call, or a jump that does not lead back to
	// the head); running the trace hands control back to the interpreter
	// there. Conditional branches inside a trace do not end it: they are
	// recorded as guarded steps (see TraceStep.Taken/ExitIP).
	TerminalSideExit
	// TerminalReturn means the traced function returned before looping
	// back to its head.
	TerminalReturn
)

func (t Terminal) String() string {
	switch t {
	case TerminalLoopBack:
		return "loop_back"
	case TerminalSideExit:
		return "side_exit"
	case TerminalReturn:
		return "return"
	default:
		return "unknown"
	}
}

// TraceStep is one recorded instruction: its absolute code offset,
// opcode, and the raw operand bytes that followed it, enough for the
// native emitter to reproduce its effect without re-reading Program.Code.
type TraceStep struct {
	IP      int
	Op      bytecode.Opcode
	Operand []byte

	// Taken records, for a recorded conditional branch, which way
	// execution actually went — the native emitter uses this to decide
	// which side becomes the guarded fast path and which becomes the
	// side exit.
	Taken bool

	// ExitIP is, for a recorded conditional branch (JumpIfFalse/
	// JumpIfTrue), the bytecode address a guard resumes the interpreter
	// at if a later execution disagrees with Taken (spec.md's
	// GuardFalse{exit_ip}/GuardTrue{exit_ip}).
	ExitIP int
}

// JitTrace is a recorded, not-yet-compiled hot loop.
type JitTrace struct {
	ID       uuid.UUID
	HeadIP   int
	StartLine int // 0 if no source mapping was recorded
	Steps    []TraceStep
	Terminal Terminal

	// EntryDepth is the operand-stack depth observed when recording
	// began at HeadIP. The native emitter bakes it into the compiled
	// trace's entry guard: a later entry at a different depth side-exits
	// immediately instead of addressing the wrong stack slots.
	EntryDepth int

	// HasCall records whether any step is a CallUser or CallHost; such
	// traces fall back to the portable evaluator (user calls side-exit,
	// and host calls need the trampoline bridge — Open Question decision:
	// see DESIGN.md).
	HasCall bool
	// HasYieldingCall records whether any step is a CallHost that can
	// short-circuit; traces with one still record (CallHost is inlined).
	// Such a trace also has HasCall set, so it always runs on the
	// interpreter fallback, which checks the call's outcome on every
	// execution.
	HasYieldingCall bool

	// ExecCount is incremented on every entry into this trace (native or
	// interpreter-fallback), exposed for metrics/debugging.
	ExecCount uint64
}

const (
	// maxTraceLength bounds a single trace's instruction count; a loop
	// body longer than this aborts recording rather than producing an
	// unbounded trace.
	maxTraceLength = 4096
)
