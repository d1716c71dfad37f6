// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package compiler

import (
	"testing"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/ir"
	"github.com/probechain/edgevm/internal/value"
)

func TestCompileArithmetic(t *testing.T) {
	// let x = 1 + 2 * 3
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "x", Init: &ir.Binary{
			Op:   ir.OpAdd,
			Left: &ir.Literal{Value: int64(1)},
			Right: &ir.Binary{
				Op:    ir.OpMul,
				Left:  &ir.Literal{Value: int64(2)},
				Right: &ir.Literal{Value: int64(3)},
			},
		}},
	}}
	out, err := Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := bytecode.Validate(out); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCompileWhileLoopWithBreakContinue(t *testing.T) {
	// let i = 0
	// while i < 10 {
	//   i = i + 1
	//   if i == 5 { continue }
	//   if i == 9 { break }
	// }
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.Let{Name: "i", Init: &ir.Literal{Value: int64(0)}},
		&ir.While{
			Cond: &ir.Binary{Op: ir.OpLt, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(10)}},
			Body: []ir.Stmt{
				&ir.Assign{
					Target: &ir.Var{Name: "i"},
					Value:  &ir.Binary{Op: ir.OpAdd, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(1)}},
				},
				&ir.IfElse{
					Cond: &ir.Binary{Op: ir.OpEq, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(5)}},
					Then: []ir.Stmt{&ir.Continue{}},
				},
				&ir.IfElse{
					Cond: &ir.Binary{Op: ir.OpEq, Left: &ir.Var{Name: "i"}, Right: &ir.Literal{Value: int64(9)}},
					Then: []ir.Stmt{&ir.Break{}},
				},
			},
		},
	}}
	out, err := Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := bytecode.Validate(out); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCompileHostCallArityMismatch(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Call{Callee: "log", Args: []ir.Expr{}}},
	}}
	_, err := Compile(prog, []value.HostFuncSig{{Name: "log", Arity: 1}})
	if err == nil {
		t.Fatal("expected arity mismatch error")
	}
}

func TestCompileUndefinedVariable(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Var{Name: "missing"}},
	}}
	if _, err := Compile(prog, nil); err == nil {
		t.Fatal("expected undefined-variable error")
	}
}

func TestCompileFunctionDeclAndCall(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.FunctionDecl{
			Name:   "double",
			Params: []string{"n"},
			Body: []ir.Stmt{
				&ir.Return{Value: &ir.Binary{Op: ir.OpMul, Left: &ir.Var{Name: "n"}, Right: &ir.Literal{Value: int64(2)}}},
			},
		},
		&ir.Let{Name: "r", Init: &ir.Call{Callee: "double", Args: []ir.Expr{&ir.Literal{Value: int64(21)}}}},
	}}
	out, err := Compile(prog, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(out.Functions) != 2 {
		t.Fatalf("expected 2 functions (main + double), got %d", len(out.Functions))
	}
	if err := bytecode.Validate(out); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCompileShortCircuitAnd(t *testing.T) {
	prog := &ir.Program{Stmts: []ir.Stmt{
		&ir.ExprStmt{X: &ir.Binary{
			Op:   ir.OpAnd,
			Left: &ir.Literal{Value: false},
			Right: &ir.Call{Callee: "must_not_run", Args: nil},
		}},
	}}
	out, err := Compile(prog, []value.HostFuncSig{{Name: "must_not_run", Arity: 0}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := bytecode.Validate(out); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
