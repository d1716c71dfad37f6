// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jit_test

import (
	"context"
	"testing"

	"github.com/probechain/edgevm/internal/compiler"
	"github.com/probechain/edgevm/internal/config"
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/ir"
	"github.com/probechain/edgevm/internal/jit"
	"github.com/probechain/edgevm/internal/jit/native"
	"github.com/probechain/edgevm/internal/vm"
)

func newHostCtx() *hostabi.Context {
	return &hostabi.Context{
		Request:  &hostabi.RequestContext{},
		Response: &hostabi.ResponseContext{},
	}
}

func countingLoopProgram(iterations int64) *ir.Program {
	return &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "i", Init: &ir.Literal{Value: int64(0)}},
		&ir.Let{Name: "sum", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Binary{Op: ir.OpLt, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: iterations}},
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

// Scenario 2: a loop that runs well past the hot-loop threshold ends up
// with a compiled native trace installed at its back-edge head, and the
// traced execution's final result agrees with what plain interpretation
// (vm_test.go's TestScenarioCountingLoop) produces.
func TestRecorderCompilesHotLoopAndAgreesWithInterpreter(t *testing.T) {
	compiled, err := compiler.Compile(countingLoopProgram(1000), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	cfg := config.JIT{HotLoopThreshold: 10, MaxTraceLength: 64, BackoffAfterAbort: 5, TraceCacheSize: 16}
	// DisableNative keeps this test's traced execution on the portable
	// evaluator so the result is identical on every architecture; the
	// genuinely native path is covered by jit/native's differential test.
	rec := jit.NewRecorder(cfg, native.NewCompileFunc(native.Config{DisableNative: true}, nil), nil)
	m.Trace = rec

	status, err := m.Run(context.Background(), newHostCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != vm.Halted {
		t.Fatalf("expected Halted, got %s", status)
	}
	want := int64(1000 * 999 / 2)
	got, _ := m.Stack()[0].AsInt()
	if got != want {
		t.Fatalf("traced execution sum = %d, want %d", got, want)
	}
	if len(m.Natives) == 0 {
		t.Fatalf("expected the recorder to have installed at least one compiled trace for a 1000-iteration loop over a threshold of 10")
	}
}

// A loop run fewer times than the threshold never triggers recording.
func TestRecorderStaysColdBelowThreshold(t *testing.T) {
	compiled, err := compiler.Compile(countingLoopProgram(5), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	cfg := config.JIT{HotLoopThreshold: 50}
	rec := jit.NewRecorder(cfg, nil, nil)
	m.Trace = rec

	if _, err := m.Run(context.Background(), newHostCtx()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(m.Natives) != 0 {
		t.Fatalf("a 5-iteration loop under a threshold of 50 should never compile, got %d natives", len(m.Natives))
	}
}

// Scenario 3: a trace whose compiler is wired to always fail still leaves
// the program correct (the recorder backs off that head and the
// interpreter keeps running it), demonstrating the guard/fallback path
// never corrupts execution even when native compilation can't happen.
func TestRecorderBacksOffOnCompileFailure(t *testing.T) {
	compiled, err := compiler.Compile(countingLoopProgram(200), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	cfg := config.JIT{HotLoopThreshold: 10, MaxTraceLength: 64, BackoffAfterAbort: 5, TraceCacheSize: 16}
	alwaysFail := func(t *jit.JitTrace) (vm.NativeTrace, error) {
		return nil, errUnwilling
	}
	rec := jit.NewRecorder(cfg, alwaysFail, nil)
	m.Trace = rec

	status, err := m.Run(context.Background(), newHostCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != vm.Halted {
		t.Fatalf("expected Halted, got %s", status)
	}
	want := int64(200 * 199 / 2)
	got, _ := m.Stack()[0].AsInt()
	if got != want {
		t.Fatalf("sum = %d, want %d", got, want)
	}
	if len(m.Natives) != 0 {
		t.Fatalf("a compiler that always errors must never install a native trace")
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errUnwilling = sentinelErr("refusing to compile, for testing")
