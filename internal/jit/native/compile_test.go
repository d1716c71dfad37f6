// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package native

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/compiler"
	"github.com/probechain/edgevm/internal/config"
	"github.com/probechain/edgevm/internal/ir"
	"github.com/probechain/edgevm/internal/jit"
	"github.com/probechain/edgevm/internal/vm"
)

func simpleAddTrace() *jit.JitTrace {
	return &jit.JitTrace{
		HeadIP: 0,
		Steps: []jit.TraceStep{
			{IP: 0, Op: bytecode.OpAdd},
			{IP: 1, Op: bytecode.OpJump},
		},
		Terminal: jit.TerminalLoopBack,
	}
}

func TestCompileDisableNativeAlwaysFallsBack(t *testing.T) {
	trace, err := Compile(simpleAddTrace(), Config{DisableNative: true}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, ok := trace.(*fallbackTrace); !ok {
		t.Fatalf("expected a *fallbackTrace when DisableNative is set, got %T", trace)
	}
}

func TestCompileTraceWithCallFallsBack(t *testing.T) {
	callTrace := &jit.JitTrace{
		HeadIP: 0,
		Steps: []jit.TraceStep{
			{IP: 0, Op: bytecode.OpCallUser},
		},
		Terminal: jit.TerminalSideExit,
		HasCall:  true,
	}
	trace, err := Compile(callTrace, Config{}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, ok := trace.(*fallbackTrace); !ok {
		t.Fatalf("expected a *fallbackTrace for a trace with a call step, got %T", trace)
	}
}

func TestCheckNativeEligibleRejectsUnsupportedOpcode(t *testing.T) {
	trace := &jit.JitTrace{
		Steps: []jit.TraceStep{{Op: bytecode.OpCallHost}},
	}
	if err := checkNativeEligible(trace); err == nil {
		t.Fatalf("expected checkNativeEligible to reject OpCallHost")
	}
}

func TestCheckNativeEligibleAcceptsArithmetic(t *testing.T) {
	trace := simpleAddTrace()
	if err := checkNativeEligible(trace); err != nil {
		t.Fatalf("expected an Add/Jump trace to be eligible, got %v", err)
	}
}

// countingLoop builds the canonical hot loop: sum the integers below
// limit, leaving the total on the stack at halt.
func countingLoop(limit int64) *ir.Program {
	return &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "i", Init: &ir.Literal{Value: int64(0)}},
		&ir.Let{Name: "sum", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Binary{Op: ir.OpLt, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: limit}},
			Body: []ir.Stmt{
				&ir.Assign{
					Target: &ir.Var{Name: "sum"},
					Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "sum"}, Right: &ir.Var{Name: "i"}},
				},
				&ir.Assign{
					Target: &ir.Var{Name: "i"},
					Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(1)}},
				},
			},
		},
		&ir.Return{Value: &ir.Var{Name: "sum"}},
	}}
}

func runCountingLoop(t *testing.T, cfg Config) (*vm.Vm, vm.Status) {
	t.Helper()
	compiled, err := compiler.Compile(countingLoop(200), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	jcfg := config.JIT{HotLoopThreshold: 10, MaxTraceLength: 128, BackoffAfterAbort: 5, TraceCacheSize: 16}
	rec := jit.NewRecorder(jcfg, NewCompileFunc(cfg, zap.NewNop().Sugar()), zap.NewNop().Sugar())
	m.Trace = rec
	status, err := m.Run(context.Background(), newHostCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return m, status
}

// Differential execution: the loop's final state must be identical whether
// the hot trace ran through emitted machine code (amd64/arm64 hosts) or
// the portable fallback (everything else, and DisableNative). The guard
// fires on the iteration where the loop condition flips; execution must
// side-exit cleanly and interpret through to Halt.
func TestCompiledLoopMatchesInterpreter(t *testing.T) {
	want := int64(200 * 199 / 2)

	accel, status := runCountingLoop(t, Config{})
	if status != vm.Halted {
		t.Fatalf("native-eligible run: expected Halted, got %s", status)
	}
	if got, _ := accel.Stack()[0].AsInt(); got != want {
		t.Fatalf("native-eligible run: sum = %d, want %d", got, want)
	}
	if len(accel.Natives) == 0 {
		t.Fatalf("expected a compiled trace to be installed for a 200-iteration loop over threshold 10")
	}

	fallback, status := runCountingLoop(t, Config{DisableNative: true})
	if status != vm.Halted {
		t.Fatalf("fallback run: expected Halted, got %s", status)
	}
	if got, _ := fallback.Stack()[0].AsInt(); got != want {
		t.Fatalf("fallback run: sum = %d, want %d", got, want)
	}
	if len(fallback.Stack()) != len(accel.Stack()) {
		t.Fatalf("stack depth diverged: fallback %d, native-eligible %d", len(fallback.Stack()), len(accel.Stack()))
	}
}

func TestAnalyzeTraceRejectsUnderflow(t *testing.T) {
	trace := simpleAddTrace() // Add at entry depth 0 has no operands
	if _, err := analyzeTrace(trace); err == nil {
		t.Fatalf("expected analyzeTrace to reject a trace underflowing the stack")
	}
}

func TestAnalyzeTraceComputesDepths(t *testing.T) {
	trace := &jit.JitTrace{
		HeadIP: 0,
		Steps: []jit.TraceStep{
			{Op: bytecode.OpLdloc, Operand: []byte{0}},
			{Op: bytecode.OpLdc, Operand: []byte{0, 0, 0, 0}},
			{Op: bytecode.OpClt},
			{Op: bytecode.OpJumpIfFalse, Operand: []byte{0, 0, 0, 0}, Taken: false, ExitIP: 40},
			{Op: bytecode.OpJump, Operand: []byte{0, 0, 0, 0}},
		},
		Terminal: jit.TerminalLoopBack,
	}
	shape, err := analyzeTrace(trace)
	if err != nil {
		t.Fatalf("analyzeTrace: %v", err)
	}
	if shape.maxDepth != 2 {
		t.Fatalf("maxDepth = %d, want 2", shape.maxDepth)
	}
	if shape.endDepth != 0 {
		t.Fatalf("endDepth = %d, want 0", shape.endDepth)
	}
}
