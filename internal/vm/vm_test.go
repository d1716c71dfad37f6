// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/ir"
	"github.com/probechain/edgevm/internal/compiler"
	"github.com/probechain/edgevm/internal/value"
	"github.com/probechain/edgevm/internal/vm"
)

func newHostCtx() *hostabi.Context {
	return &hostabi.Context{
		Request:  &hostabi.RequestContext{},
		Response: &hostabi.ResponseContext{},
		Limiter:  hostabi.NewRateLimiter(),
	}
}

// Scenario 1: straight-line arithmetic evaluates to the expected value.
func TestScenarioArithmetic(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "x", Init: &ir.Binary{
			Op:   ir.OpAdd,
			Left: &ir.Literal{Value: int64(2)},
			Right: &ir.Binary{
				Op:    ir.OpMul,
				Left:  &ir.Literal{Value: int64(3)},
				Right: &ir.Literal{Value: int64(4)},
			},
		}},
		&ir.Return{Value: &ir.Var{Name: "x"}},
	}}
	compiled, err := compiler.Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	status, err := m.Run(context.Background(), newHostCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != vm.Halted {
		t.Fatalf("expected Halted, got %s", status)
	}
	if got := m.Stack(); len(got) != 1 {
		t.Fatalf("expected one value left on stack (the return value), got %v", got)
	} else if i, ok := got[0].AsInt(); !ok || i != 14 {
		t.Fatalf("expected 14, got %v", got[0])
	}
}

// Scenario 2: a counting loop runs to completion under the plain
// interpreter, establishing the baseline the JIT's traced execution must
// agree with byte-for-byte.
func TestScenarioCountingLoop(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "i", Init: &ir.Literal{Value: int64(0)}},
		&ir.Let{Name: "sum", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Binary{Op: ir.OpLt, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(1000)}},
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
	compiled, err := compiler.Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
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
		t.Fatalf("expected sum %d, got %d", want, got)
	}
}

// Scenario 6: a program referencing an unregistered host function must be
// refused at install time, never silently executed.
func TestScenarioUnknownHostRefusedAtInstall(t *testing.T) {
	prog := &value.Program{
		Constants: nil,
		Functions: []value.FuncEntry{{Entry: 0, ArgCount: 0, LocalCount: 0}},
		HostFuncs: nil,
		Code: []byte{
			byte(bytecode.OpCallHost), 0, 0, 0,
			byte(bytecode.OpHalt),
		},
	}
	_, err := vm.New(prog, nil)
	if err == nil {
		t.Fatal("expected vm.New to refuse a program calling an unregistered host function")
	}
}

func TestDivisionByZeroFaults(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Binary{Op: ir.OpDiv, Left: &ir.Literal{Value: int64(1)}, Right: &ir.Literal{Value: int64(0)}}},
	}}
	compiled, err := compiler.Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	status, err := m.Run(context.Background(), newHostCtx())
	if status != vm.Error || !errors.Is(err, hostabi.ErrDivByZero) {
		t.Fatalf("expected Error/ErrDivByZero, got %s/%v", status, err)
	}
}

func TestHostCallShortCircuit(t *testing.T) {
	hosts := []hostabi.HostFunction{
		func(ctx *hostabi.Context, args []value.Value) (hostabi.HostOutcome, error) {
			ctx.Response.SetStatus(429)
			return hostabi.HostOutcome{Result: value.Null, ShortCircuit: true}, nil
		},
	}
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Call{Callee: "reject", Args: nil}},
		&ir.Return{Value: &ir.Literal{Value: int64(1)}},
	}}
	compiled, err := compiler.Compile(prog, []value.HostFuncSig{{Name: "reject", Arity: 0}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, hosts)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	hctx := newHostCtx()
	status, err := m.Run(context.Background(), hctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != vm.Yielded {
		t.Fatalf("expected Yielded, got %s", status)
	}
	if hctx.Response.StatusCode != 429 {
		t.Fatalf("expected response status 429, got %d", hctx.Response.StatusCode)
	}
}

// Determinism: a program touching no external state yields identical
// values on repeated runs.
func TestDeterministicRepeatedRuns(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "acc", Init: &ir.Literal{Value: int64(1)}},
		&ir.Let{Name: "i", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Binary{Op: ir.OpLt, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(20)}},
			Body: []ir.Stmt{
				&ir.Assign{
					Target: &ir.Var{Name: "acc"},
					Value:  &ir.Binary{Op: ir.OpMul, Left: &ir.Var{Name: "acc"}, Right: &ir.Literal{Value: int64(3)}},
				},
				&ir.Assign{
					Target: &ir.Var{Name: "i"},
					Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(1)}},
				},
			},
		},
		&ir.Return{Value: &ir.Var{Name: "acc"}},
	}}
	compiled, err := compiler.Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var first []value.Value
	for run := 0; run < 3; run++ {
		m, err := vm.New(compiled, nil)
		if err != nil {
			t.Fatalf("vm.New: %v", err)
		}
		if _, err := m.Run(context.Background(), newHostCtx()); err != nil {
			t.Fatalf("Run %d: %v", run, err)
		}
		if run == 0 {
			first = append([]value.Value(nil), m.Stack()...)
			continue
		}
		if len(m.Stack()) != len(first) {
			t.Fatalf("run %d: stack depth %d, first run had %d", run, len(m.Stack()), len(first))
		}
		for i := range first {
			if !value.Equal(first[i], m.Stack()[i]) {
				t.Fatalf("run %d: stack[%d] = %s, first run had %s", run, i, m.Stack()[i], first[i])
			}
		}
	}
}

// Scenario 4: a program reads x-client-id, calls rate_limit.allow(id, 3, 60)
// four times in a loop, and records the response body each time. The first
// three calls are allowed, the fourth blocked, and the final body reflects
// the last (blocked) outcome.
func TestScenarioRateLimitLoop(t *testing.T) {
	limiter := hostabi.NewRateLimiter()
	registry := hostabi.DefaultRegistry(limiter)

	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "id", Init: &ir.Call{Callee: "request.header", Args: []ir.Expr{&ir.Literal{Value: "x-client-id"}}}},
		&ir.Let{Name: "allowed", Init: &ir.Literal{Value: int64(0)}},
		&ir.Let{Name: "n", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Binary{Op: ir.OpLt, Left: &ir.Var{Name: "n"}, Right: &ir.Literal{Value: int64(4)}},
			Body: []ir.Stmt{
				&ir.IfElse{
					Cond: &ir.Call{Callee: "rate_limit.allow", Args: []ir.Expr{
						&ir.Var{Name: "id"},
						&ir.Literal{Value: int64(3)},
						&ir.Literal{Value: int64(60)},
					}},
					Then: []ir.Stmt{
						&ir.Assign{
							Target: &ir.Var{Name: "allowed"},
							Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "allowed"}, Right: &ir.Literal{Value: int64(1)}},
						},
						&ir.ExprStmt{X: &ir.Call{Callee: "response.set_body", Args: []ir.Expr{&ir.Literal{Value: "allowed"}}}},
					},
					Else: []ir.Stmt{
						&ir.ExprStmt{X: &ir.Call{Callee: "response.set_body", Args: []ir.Expr{&ir.Literal{Value: "blocked"}}}},
					},
				},
				&ir.Assign{
					Target: &ir.Var{Name: "n"},
					Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "n"}, Right: &ir.Literal{Value: int64(1)}},
				},
			},
		},
		&ir.Return{Value: &ir.Var{Name: "allowed"}},
	}}

	compiled, err := compiler.Compile(prog, registry.Signatures())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, registry.Bind())
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	hctx := &hostabi.Context{
		Request: &hostabi.RequestContext{
			Headers: map[string]string{"x-client-id": "tenant-1"},
		},
		Response: &hostabi.ResponseContext{},
		Limiter:  limiter,
	}
	status, err := m.Run(context.Background(), hctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != vm.Halted {
		t.Fatalf("expected Halted, got %s", status)
	}
	if got, _ := m.Stack()[0].AsInt(); got != 3 {
		t.Fatalf("expected exactly 3 allowed calls, got %d", got)
	}
	if string(hctx.Response.Body) != "blocked" {
		t.Fatalf("expected final body %q, got %q", "blocked", hctx.Response.Body)
	}
	if !hctx.Response.ShortCircuited {
		t.Fatalf("setting a response body must mark the response short-circuited")
	}
}

// Short-circuit: the right operand of a logical And/Or must never run
// when the left side decides the outcome, observed via a counting host
// function.
func TestShortCircuitSkipsRightOperand(t *testing.T) {
	calls := 0
	hosts := []hostabi.HostFunction{
		func(ctx *hostabi.Context, args []value.Value) (hostabi.HostOutcome, error) {
			calls++
			return hostabi.HostOutcome{Result: value.Bool(true)}, nil
		},
	}
	sigs := []value.HostFuncSig{{Name: "observe", Arity: 0}}

	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Binary{
			Op:    ir.OpAnd,
			Left:  &ir.Literal{Value: false},
			Right: &ir.Call{Callee: "observe", Args: nil},
		}},
		&ir.ExprStmt{X: &ir.Binary{
			Op:    ir.OpOr,
			Left:  &ir.Literal{Value: true},
			Right: &ir.Call{Callee: "observe", Args: nil},
		}},
		&ir.ExprStmt{X: &ir.Binary{
			Op:    ir.OpAnd,
			Left:  &ir.Literal{Value: true},
			Right: &ir.Call{Callee: "observe", Args: nil},
		}},
	}}
	compiled, err := compiler.Compile(prog, sigs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, hosts)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	if _, err := m.Run(context.Background(), newHostCtx()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly the one non-short-circuited call, got %d", calls)
	}
}

// Shift counts outside [0, 63] fault instead of being masked.
func TestShiftCountRangeEnforced(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Binary{Op: ir.OpShl, Left: &ir.Literal{Value: int64(1)}, Right: &ir.Literal{Value: int64(64)}}},
	}}
	compiled, err := compiler.Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	status, err := m.Run(context.Background(), newHostCtx())
	if status != vm.Error || !errors.Is(err, hostabi.ErrTypeMismatch) {
		t.Fatalf("expected Error/ErrTypeMismatch for a shift by 64, got %s/%v", status, err)
	}
}

// A pre-triggered cancel signal stops execution with ErrCanceled before
// any instruction runs.
func TestCooperativeCancel(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "i", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Literal{Value: true},
			Body: []ir.Stmt{
				&ir.Assign{
					Target: &ir.Var{Name: "i"},
					Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(1)}},
				},
			},
		},
	}}
	compiled, err := compiler.Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m, err := vm.New(compiled, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	cancel := make(chan struct{})
	close(cancel)
	m.Cancel = cancel

	status, err := m.Run(context.Background(), newHostCtx())
	if status != vm.Error || !errors.Is(err, hostabi.ErrCanceled) {
		t.Fatalf("expected Error/ErrCanceled for a closed cancel channel, got %s/%v", status, err)
	}
}
