// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package compiler lowers the statement/expression tree in internal/ir to
// the stack-machine bytecode defined in internal/bytecode, in two passes:
// a first pass reserves a function-table slot and arity for every
// top-level FunctionDecl so forward calls resolve, then a second pass
// emits each function's code body, patching forward branch targets via a
// label/patch-list once the target offset is known — the same
// reserve-then-patch shape probe-lang/lang/codegen/codegen.go uses for its
// own jump fixups.
package compiler

import (
	"encoding/binary"
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/ir"
	"github.com/probechain/edgevm/internal/value"
)

// CompileError reports a single compile-time failure with its source line.
// The compiler never panics on malformed input; every rejection of the
// input surfaces as a CompileError, while a lowered Program that then
// fails bytecode validation is returned as a wrapped validation error.
type CompileError struct {
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error at line %d: %s", e.Line, e.Message)
}

func errf(line int, format string, args ...interface{}) *CompileError {
	return &CompileError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// Compile lowers prog into a validated Program. hostFuncs is the set of
// host functions the compiled code may call by name; their table order
// becomes the CallHost index operand.
func Compile(prog *ir.Program, hostFuncs []value.HostFuncSig) (*value.Program, error) {
	c := &compiler{
		hostIndex: make(map[string]int, len(hostFuncs)),
		hostFuncs: hostFuncs,
		funcIndex: make(map[string]int),
		funcArity: make(map[string]int),
		constKey:  make(map[string]int),
	}
	for i, h := range hostFuncs {
		c.hostIndex[h.Name] = i
	}

	var topLevel []ir.Stmt
	var decls []*ir.FunctionDecl
	for _, s := range prog.Stmts {
		if fd, ok := s.(*ir.FunctionDecl); ok {
			decls = append(decls, fd)
			continue
		}
		topLevel = append(topLevel, s)
	}

	// First pass: reserve a function-table slot for every declaration so
	// forward and mutually recursive calls resolve during the second pass.
	c.funcIndex["main"] = 0
	c.funcArity["main"] = 0
	for i, fd := range decls {
		if _, exists := c.funcIndex[fd.Name]; exists {
			return nil, errf(fd.Line(), "function %q redeclared", fd.Name)
		}
		c.funcIndex[fd.Name] = i + 1
		c.funcArity[fd.Name] = len(fd.Params)
	}

	entryFn, err := c.compileFunction(nil, topLevel)
	if err != nil {
		return nil, err
	}
	funcs := []value.FuncEntry{{ArgCount: 0}}
	codeBlocks := [][]byte{entryFn.code}
	funcCompilers := []*funcCompiler{entryFn}
	funcs[0].LocalCount = uint8(entryFn.localCount())

	for _, fd := range decls {
		fn, err := c.compileFunction(fd.Params, fd.Body)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, value.FuncEntry{
			ArgCount:   uint8(len(fd.Params)),
			LocalCount: uint8(fn.localCount()),
		})
		codeBlocks = append(codeBlocks, fn.code)
		funcCompilers = append(funcCompilers, fn)
	}

	var code []byte
	var lineMap []value.LineEntry
	for i, block := range codeBlocks {
		base := len(code)
		funcs[i].Entry = uint32(base)
		code = append(code, block...)
		for _, e := range funcCompilers[i].lines {
			lineMap = append(lineMap, value.LineEntry{Offset: base + e.Offset, Line: e.Line})
		}
	}

	out := &value.Program{
		Constants: c.constants,
		Code:      code,
		Functions: funcs,
		HostFuncs: hostFuncs,
		LineMap:   lineMap,
	}
	if err := bytecode.Validate(out); err != nil {
		return nil, fmt.Errorf("compiler: internal validation failure: %w", err)
	}
	return out, nil
}

// compiler holds state shared across all functions: the constant pool and
// the name-to-index tables for user and host functions.
type compiler struct {
	constants []value.Value
	constKey  map[string]int

	hostIndex map[string]int
	hostFuncs []value.HostFuncSig
	funcIndex map[string]int
	funcArity map[string]int
}

// funcCompiler holds per-function state: the emitted code buffer and
// lexical scope for local variable resolution.
type funcCompiler struct {
	c     *compiler
	code  []byte
	scope []map[string]int
	next  int // next free local slot
	loops []loopCtx

	lines    []value.LineEntry
	lastLine int
}

type loopCtx struct {
	condStart    int
	breakPatches []int // offsets of Jump instructions to patch to loop exit
}

func (f *funcCompiler) localCount() int { return f.next }

func (c *compiler) compileFunction(params []string, body []ir.Stmt) (*funcCompiler, error) {
	f := &funcCompiler{c: c}
	f.pushScope()
	for _, p := range params {
		f.declareLocal(p)
	}
	for _, s := range body {
		if err := f.compileStmt(s); err != nil {
			return nil, err
		}
	}
	f.emitOp(bytecode.OpLdNull)
	f.emitOp(bytecode.OpRet)
	f.popScope()
	return f, nil
}

// ---- scope ------------------------------------------------------------------

func (f *funcCompiler) pushScope() { f.scope = append(f.scope, map[string]int{}) }
func (f *funcCompiler) popScope()  { f.scope = f.scope[:len(f.scope)-1] }

func (f *funcCompiler) declareLocal(name string) int {
	slot := f.next
	f.next++
	f.scope[len(f.scope)-1][name] = slot
	return slot
}

func (f *funcCompiler) resolveLocal(name string) (int, bool) {
	for i := len(f.scope) - 1; i >= 0; i-- {
		if slot, ok := f.scope[i][name]; ok {
			return slot, true
		}
	}
	return 0, false
}

// ---- emission helpers --------------------------------------------------------

func (f *funcCompiler) emitOp(op bytecode.Opcode) { f.code = append(f.code, byte(op)) }

func (f *funcCompiler) emitU8(op bytecode.Opcode, v uint8) {
	f.code = append(f.code, byte(op), v)
}

func (f *funcCompiler) emitU16(op bytecode.Opcode, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	f.code = append(f.code, byte(op), tmp[0], tmp[1])
}

func (f *funcCompiler) emitU32(op bytecode.Opcode, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	f.code = append(f.code, byte(op), tmp[0], tmp[1], tmp[2], tmp[3])
}

func (f *funcCompiler) emitCall(op bytecode.Opcode, idx uint16, argc uint8) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], idx)
	f.code = append(f.code, byte(op), tmp[0], tmp[1], argc)
}

// emitJump appends a jump instruction with a placeholder operand and
// returns the instruction's offset, to be resolved later by patchJump.
func (f *funcCompiler) emitJump(op bytecode.Opcode) int {
	off := len(f.code)
	f.emitU32(op, 0)
	return off
}

// patchJump sets the jump at instrOffset to branch to target, computing
// the relative offset from the end of the jump instruction.
func (f *funcCompiler) patchJump(instrOffset, target int) {
	rel := int32(target - (instrOffset + 5))
	binary.LittleEndian.PutUint32(f.code[instrOffset+1:instrOffset+5], uint32(rel))
}

// emitBackJump emits an unconditional jump to a known earlier offset.
func (f *funcCompiler) emitBackJump(target int) {
	instrOffset := len(f.code)
	f.emitU32(bytecode.OpJump, 0)
	f.patchJump(instrOffset, target)
}

func (f *funcCompiler) internConst(v value.Value) uint32 {
	key := constKey(v)
	if idx, ok := f.c.constKey[key]; ok {
		return uint32(idx)
	}
	idx := len(f.c.constants)
	f.c.constants = append(f.c.constants, v)
	f.c.constKey[key] = idx
	return uint32(idx)
}

func constKey(v value.Value) string {
	return fmt.Sprintf("%d:%s", v.Kind, v.String())
}

// ---- statements --------------------------------------------------------------

// recordLine appends a LineMap entry at the current code offset if this
// statement starts a new source line, the "instruction boundary whose
// source line differs from the last executed line" the debug stepper's
// step/next/out transitions key off of.
func (f *funcCompiler) recordLine(line int) {
	if line == 0 || line == f.lastLine {
		return
	}
	f.lastLine = line
	f.lines = append(f.lines, value.LineEntry{Offset: len(f.code), Line: line})
}

func (f *funcCompiler) compileStmt(s ir.Stmt) error {
	f.recordLine(s.Line())
	switch s := s.(type) {
	case *ir.Let:
		if err := f.compileExpr(s.Init); err != nil {
			return err
		}
		slot := f.declareLocal(s.Name)
		f.emitU8(bytecode.OpStloc, uint8(slot))
		return nil

	case *ir.Assign:
		return f.compileAssign(s)

	case *ir.ExprStmt:
		if err := f.compileExpr(s.X); err != nil {
			return err
		}
		f.emitOp(bytecode.OpPop)
		return nil

	case *ir.IfElse:
		return f.compileIfElse(s)

	case *ir.While:
		return f.compileWhile(s)

	case *ir.Return:
		if s.Value != nil {
			if err := f.compileExpr(s.Value); err != nil {
				return err
			}
		} else {
			f.emitOp(bytecode.OpLdNull)
		}
		f.emitOp(bytecode.OpRet)
		return nil

	case *ir.Break:
		if len(f.loops) == 0 {
			return errf(s.Line(), "break outside loop")
		}
		off := f.emitJump(bytecode.OpJump)
		loop := &f.loops[len(f.loops)-1]
		loop.breakPatches = append(loop.breakPatches, off)
		return nil

	case *ir.Continue:
		if len(f.loops) == 0 {
			return errf(s.Line(), "continue outside loop")
		}
		f.emitBackJump(f.loops[len(f.loops)-1].condStart)
		return nil

	case *ir.FunctionDecl:
		return errf(s.Line(), "nested function declarations are not supported")

	default:
		return errf(s.Line(), "unsupported statement node %T", s)
	}
}

func (f *funcCompiler) compileAssign(s *ir.Assign) error {
	switch target := s.Target.(type) {
	case *ir.Var:
		if err := f.compileExpr(s.Value); err != nil {
			return err
		}
		slot, ok := f.resolveLocal(target.Name)
		if !ok {
			return errf(s.Line(), "assignment to undefined variable %q", target.Name)
		}
		f.emitU8(bytecode.OpStloc, uint8(slot))
		return nil

	case *ir.Index:
		if err := f.compileExpr(target.Collection); err != nil {
			return err
		}
		if err := f.compileExpr(target.Key); err != nil {
			return err
		}
		if err := f.compileExpr(s.Value); err != nil {
			return err
		}
		f.emitOp(bytecode.OpSetIndex)
		return nil

	default:
		return errf(s.Line(), "invalid assignment target %T", s.Target)
	}
}

func (f *funcCompiler) compileIfElse(s *ir.IfElse) error {
	if err := f.compileExpr(s.Cond); err != nil {
		return err
	}
	elseJump := f.emitJump(bytecode.OpJumpIfFalse)
	f.pushScope()
	for _, st := range s.Then {
		if err := f.compileStmt(st); err != nil {
			return err
		}
	}
	f.popScope()

	if s.Else != nil {
		endJump := f.emitJump(bytecode.OpJump)
		f.patchJump(elseJump, len(f.code))
		f.pushScope()
		for _, st := range s.Else {
			if err := f.compileStmt(st); err != nil {
				return err
			}
		}
		f.popScope()
		f.patchJump(endJump, len(f.code))
	} else {
		f.patchJump(elseJump, len(f.code))
	}
	return nil
}

func (f *funcCompiler) compileWhile(s *ir.While) error {
	condStart := len(f.code)
	if err := f.compileExpr(s.Cond); err != nil {
		return err
	}
	exitJump := f.emitJump(bytecode.OpJumpIfFalse)

	f.loops = append(f.loops, loopCtx{condStart: condStart})
	f.pushScope()
	for _, st := range s.Body {
		if err := f.compileStmt(st); err != nil {
			return err
		}
	}
	f.popScope()
	f.emitBackJump(condStart)

	loop := f.loops[len(f.loops)-1]
	f.loops = f.loops[:len(f.loops)-1]

	exitTarget := len(f.code)
	f.patchJump(exitJump, exitTarget)
	for _, off := range loop.breakPatches {
		f.patchJump(off, exitTarget)
	}
	return nil
}

// ---- expressions --------------------------------------------------------------

func (f *funcCompiler) compileExpr(e ir.Expr) error {
	switch e := e.(type) {
	case *ir.Literal:
		return f.compileLiteral(e)

	case *ir.Var:
		slot, ok := f.resolveLocal(e.Name)
		if !ok {
			return errf(e.Line(), "undefined variable %q", e.Name)
		}
		f.emitU8(bytecode.OpLdloc, uint8(slot))
		return nil

	case *ir.Binary:
		return f.compileBinary(e)

	case *ir.UnaryExpr:
		if err := f.compileExpr(e.X); err != nil {
			return err
		}
		switch e.Op {
		case ir.OpNeg:
			f.emitOp(bytecode.OpNeg)
		case ir.OpNot:
			f.emitOp(bytecode.OpNot)
		default:
			return errf(e.Line(), "unsupported unary operator")
		}
		return nil

	case *ir.Call:
		return f.compileCall(e)

	case *ir.IfExpr:
		return f.compileIfExpr(e)

	case *ir.ArrayLit:
		for _, elem := range e.Elems {
			if err := f.compileExpr(elem); err != nil {
				return err
			}
		}
		f.emitU16(bytecode.OpNewArray, uint16(len(e.Elems)))
		return nil

	case *ir.MapLit:
		for _, entry := range e.Entries {
			idx := f.internConst(value.String(entry.Key))
			f.emitU32(bytecode.OpLdc, idx)
			if err := f.compileExpr(entry.Value); err != nil {
				return err
			}
		}
		f.emitU16(bytecode.OpNewMap, uint16(len(e.Entries)))
		return nil

	case *ir.Index:
		if err := f.compileExpr(e.Collection); err != nil {
			return err
		}
		if err := f.compileExpr(e.Key); err != nil {
			return err
		}
		f.emitOp(bytecode.OpGetIndex)
		return nil

	default:
		return errf(e.Line(), "unsupported expression node %T", e)
	}
}

func (f *funcCompiler) compileLiteral(e *ir.Literal) error {
	switch v := e.Value.(type) {
	case nil:
		f.emitOp(bytecode.OpLdNull)
	case bool:
		if v {
			f.emitOp(bytecode.OpLdTrue)
		} else {
			f.emitOp(bytecode.OpLdFalse)
		}
	case int64:
		f.emitU32(bytecode.OpLdc, f.internConst(value.Int(v)))
	case int:
		f.emitU32(bytecode.OpLdc, f.internConst(value.Int(int64(v))))
	case float64:
		f.emitU32(bytecode.OpLdc, f.internConst(value.Float(v)))
	case string:
		f.emitU32(bytecode.OpLdc, f.internConst(value.String(v)))
	default:
		return errf(e.Line(), "unsupported literal type %T", e.Value)
	}
	return nil
}

func (f *funcCompiler) compileBinary(e *ir.Binary) error {
	switch e.Op {
	case ir.OpAnd:
		return f.compileShortCircuit(e, bytecode.OpJumpIfFalse)
	case ir.OpOr:
		return f.compileShortCircuit(e, bytecode.OpJumpIfTrue)
	}

	if err := f.compileExpr(e.Left); err != nil {
		return err
	}
	if err := f.compileExpr(e.Right); err != nil {
		return err
	}
	switch e.Op {
	case ir.OpAdd:
		f.emitOp(bytecode.OpAdd)
	case ir.OpSub:
		f.emitOp(bytecode.OpSub)
	case ir.OpMul:
		f.emitOp(bytecode.OpMul)
	case ir.OpDiv:
		f.emitOp(bytecode.OpDiv)
	case ir.OpMod:
		f.emitOp(bytecode.OpMod)
	case ir.OpEq:
		f.emitOp(bytecode.OpCeq)
	case ir.OpNe:
		f.emitOp(bytecode.OpCeq)
		f.emitOp(bytecode.OpNot)
	case ir.OpLt:
		f.emitOp(bytecode.OpClt)
	case ir.OpGt:
		f.emitOp(bytecode.OpCgt)
	case ir.OpLe:
		f.emitOp(bytecode.OpCgt)
		f.emitOp(bytecode.OpNot)
	case ir.OpGe:
		f.emitOp(bytecode.OpClt)
		f.emitOp(bytecode.OpNot)
	case ir.OpShl:
		f.emitOp(bytecode.OpShl)
	case ir.OpShr:
		f.emitOp(bytecode.OpShr)
	case ir.OpBitAnd:
		f.emitOp(bytecode.OpAnd)
	case ir.OpBitOr:
		f.emitOp(bytecode.OpOr)
	default:
		return errf(e.Line(), "unsupported binary operator")
	}
	return nil
}

// compileShortCircuit implements And/Or without evaluating the right
// operand unless needed: duplicate the left result, branch past the
// right-hand evaluation if it already determines the outcome, otherwise
// discard the duplicate and evaluate the right operand.
func (f *funcCompiler) compileShortCircuit(e *ir.Binary, branch bytecode.Opcode) error {
	if err := f.compileExpr(e.Left); err != nil {
		return err
	}
	f.emitOp(bytecode.OpDup)
	shortCircuit := f.emitJump(branch)
	f.emitOp(bytecode.OpPop)
	if err := f.compileExpr(e.Right); err != nil {
		return err
	}
	f.patchJump(shortCircuit, len(f.code))
	return nil
}

func (f *funcCompiler) compileIfExpr(e *ir.IfExpr) error {
	if err := f.compileExpr(e.Cond); err != nil {
		return err
	}
	elseJump := f.emitJump(bytecode.OpJumpIfFalse)
	if err := f.compileExpr(e.Then); err != nil {
		return err
	}
	endJump := f.emitJump(bytecode.OpJump)
	f.patchJump(elseJump, len(f.code))
	if err := f.compileExpr(e.Else); err != nil {
		return err
	}
	f.patchJump(endJump, len(f.code))
	return nil
}

func (f *funcCompiler) compileCall(e *ir.Call) error {
	for _, a := range e.Args {
		if err := f.compileExpr(a); err != nil {
			return err
		}
	}
	if idx, ok := f.c.hostIndex[e.Callee]; ok {
		if int(f.c.hostFuncs[idx].Arity) != len(e.Args) {
			return errf(e.Line(), "host function %q takes %d args, got %d", e.Callee, f.c.hostFuncs[idx].Arity, len(e.Args))
		}
		f.emitCall(bytecode.OpCallHost, uint16(idx), uint8(len(e.Args)))
		return nil
	}
	if idx, ok := f.c.funcIndex[e.Callee]; ok {
		if f.c.funcArity[e.Callee] != len(e.Args) {
			return errf(e.Line(), "function %q takes %d args, got %d", e.Callee, f.c.funcArity[e.Callee], len(e.Args))
		}
		f.emitCall(bytecode.OpCallUser, uint16(idx), uint8(len(e.Args)))
		return nil
	}
	return errf(e.Line(), "call to undefined function %q", e.Callee)
}
