// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build amd64

package native

import (
	"encoding/binary"
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/jit"
)

// x86-64 System V register plan for the whole emitted trace body. Every
// register here is caller-saved under both SysV and Go's assembler ABI,
// so the body needs no prologue spills:
//
//	RDI - the *vm.Vm pointer, live for the trace's lifetime (the arg
//	      invokeNative passes per the SysV calling convention)
//	RSI - operand-stack backing-array pointer, loaded once on entry
//	RDX - locals backing-array pointer
//	RCX - constant-pool backing-array pointer
//	R10 - loop-lap countdown, so a hot loop periodically returns to Go
//	      and vm.Run can re-check cancellation
//	RAX, R8, R9 - scratch / the returned status word
//
// Grounded in original_source/pd-vm/src/vm/jit_native/x86_64.rs's
// emit_stack_binary_setup/emit_stack_top_setup register discipline; the
// ModRM/REX byte construction below mirrors that file's emit_mov_reg_mem/
// emit_add_reg_reg helpers rather than inventing a new encoding scheme.
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRSI = 6
	regRDI = 7
	regR8  = 8
	regR9  = 9
	regR10 = 10
)

// lapBudget is how many loop-back iterations a compiled trace runs before
// returning statusContinue to the interpreter loop, which re-checks the
// cooperative cancel signal and immediately re-enters the trace.
const lapBudget = 8192

type codeBuf struct {
	buf []byte
}

func (c *codeBuf) emit(b ...byte) { c.buf = append(c.buf, b...) }

func (c *codeBuf) emit32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	c.buf = append(c.buf, tmp[:]...)
}

func (c *codeBuf) len() int { return len(c.buf) }

// rexW emits a REX.W prefix carrying the extension bits for a ModRM reg
// field and rm/base field, so r8-r15 encode the same way as the low eight.
func (c *codeBuf) rexW(reg, rm byte) {
	r := byte(0x48)
	if reg >= 8 {
		r |= 0x04
	}
	if rm >= 8 {
		r |= 0x01
	}
	c.emit(r)
}

// modrmMem emits a ModRM byte with mod=10 (disp32) plus the displacement.
// Base must not be RSP/R12 (those need a SIB byte this emitter never uses).
func (c *codeBuf) modrmMem(reg, base byte, disp int32) {
	c.emit(0x80 | ((reg & 7) << 3) | (base & 7))
	c.emit32(uint32(disp))
}

func (c *codeBuf) modrmReg(reg, rm byte) { c.emit(0xC0 | ((reg & 7) << 3) | (rm & 7)) }

// movMemToReg: mov dst, qword [base+disp]
func (c *codeBuf) movMemToReg(dst, base byte, disp int32) {
	c.rexW(dst, base)
	c.emit(0x8B)
	c.modrmMem(dst, base, disp)
}

// movRegToMem: mov qword [base+disp], src
func (c *codeBuf) movRegToMem(base, src byte, disp int32) {
	c.rexW(src, base)
	c.emit(0x89)
	c.modrmMem(src, base, disp)
}

// movImm32: mov reg, imm32 (sign-extended to 64 bits)
func (c *codeBuf) movImm32(reg byte, imm int32) {
	c.rexW(0, reg)
	c.emit(0xC7)
	c.modrmReg(0, reg)
	c.emit32(uint32(imm))
}

// movMemImm32: mov qword [base+disp], imm32 (sign-extended)
func (c *codeBuf) movMemImm32(base byte, disp, imm int32) {
	c.rexW(0, base)
	c.emit(0xC7)
	c.modrmMem(0, base, disp)
	c.emit32(uint32(imm))
}

// cmpMemImm32: cmp qword [base+disp], imm32
func (c *codeBuf) cmpMemImm32(base byte, disp, imm int32) {
	c.rexW(7, base)
	c.emit(0x81)
	c.modrmMem(7, base, disp)
	c.emit32(uint32(imm))
}

// cmpRegImm32: cmp reg, imm32
func (c *codeBuf) cmpRegImm32(reg byte, imm int32) {
	c.rexW(7, reg)
	c.emit(0x81)
	c.modrmReg(7, reg)
	c.emit32(uint32(imm))
}

// cmpRegReg: cmp a, b
func (c *codeBuf) cmpRegReg(a, b byte) {
	c.rexW(b, a)
	c.emit(0x39)
	c.modrmReg(b, a)
}

// movzxByte: movzx dst, byte [base+disp]
func (c *codeBuf) movzxByte(dst, base byte, disp int32) {
	c.rexW(dst, base)
	c.emit(0x0F, 0xB6)
	c.modrmMem(dst, base, disp)
}

// movByteImm8: mov byte [base+disp], imm8
func (c *codeBuf) movByteImm8(base byte, disp int32, imm byte) {
	if base >= 8 {
		c.emit(0x41)
	}
	c.emit(0xC6)
	c.modrmMem(0, base, disp)
	c.emit(imm)
}

func (c *codeBuf) addRegReg(dst, src byte) {
	c.rexW(src, dst)
	c.emit(0x01)
	c.modrmReg(src, dst)
}

func (c *codeBuf) subRegReg(dst, src byte) {
	c.rexW(src, dst)
	c.emit(0x29)
	c.modrmReg(src, dst)
}

func (c *codeBuf) imulRegReg(dst, src byte) {
	c.rexW(dst, src)
	c.emit(0x0F, 0xAF)
	c.modrmReg(dst, src)
}

// setccToRAX: setcc al; movzx rax, al
func (c *codeBuf) setccToRAX(cc byte) {
	c.emit(0x0F, cc, 0xC0)
	c.emit(0x48, 0x0F, 0xB6, 0xC0)
}

// decReg: dec reg (64-bit)
func (c *codeBuf) decReg(reg byte) {
	c.rexW(1, reg)
	c.emit(0xFF)
	c.modrmReg(1, reg)
}

// jcc emits a conditional near jump with a placeholder rel32 and returns
// the offset of the field to patch. cc is the 0F-prefixed opcode byte
// (0x84 je, 0x85 jne, 0x8C jl, 0x8D jge, ...).
func (c *codeBuf) jcc(cc byte) int {
	c.emit(0x0F, cc)
	off := c.len()
	c.emit32(0)
	return off
}

func (c *codeBuf) jmpRel32() int {
	c.emit(0xE9)
	off := c.len()
	c.emit32(0)
	return off
}

func (c *codeBuf) patchRel32(fixupOffset, targetOffset int) {
	rel := int32(targetOffset - (fixupOffset + 4))
	binary.LittleEndian.PutUint32(c.buf[fixupOffset:], uint32(rel))
}

func (c *codeBuf) ret() { c.emit(0xC3) }

// emitter carries the per-trace emission state: the code buffer, the
// probed layout, and the frequently needed displacements into the Vm.
type emitter struct {
	c      *codeBuf
	layout stackLayout

	stackLenDisp int32
	stackCapDisp int32
	ipDisp       int32
}

func (e *emitter) slotDisp(slot int) int32 { return int32(slot) * e.layout.value.size }

// copyValue copies one full value.Value (whatever its variant) between
// two backing arrays, quadword by quadword through R8. A Value holds no
// self-referential interior pointers, so a flat copy is exactly the
// assignment the interpreter's push/load would have performed.
func (e *emitter) copyValue(dstBase byte, dstDisp int32, srcBase byte, srcDisp int32) {
	for off := int32(0); off < e.layout.value.size; off += 8 {
		e.c.movMemToReg(regR8, srcBase, srcDisp+off)
		e.c.movRegToMem(dstBase, regR8, dstDisp+off)
	}
}

// bailIfCC emits "if cc holds, return status with nothing committed".
// Used by the entry guards, where the Vm is still untouched so exiting
// with ip and len as they stand is already correct.
func (e *emitter) bailIfCC(cc byte, status int32) {
	skip := e.c.jcc(cc ^ 1) // inverted condition jumps over the bail
	e.c.movImm32(regRAX, status)
	e.c.ret()
	e.c.patchRel32(skip, e.c.len())
}

// exitIfCC emits "if cc holds, commit len and ip and return status".
// Guards use it: the committed depth/ip pair is exactly the interpreter
// state at the resume address, per spec's guard-safety property.
func (e *emitter) exitIfCC(cc byte, lenVal, ipVal int, status int32) {
	skip := e.c.jcc(cc ^ 1)
	e.c.movMemImm32(regRDI, e.stackLenDisp, int32(lenVal))
	e.c.movMemImm32(regRDI, e.ipDisp, int32(ipVal))
	e.c.movImm32(regRAX, status)
	e.c.ret()
	e.c.patchRel32(skip, e.c.len())
}

// guardIntPair emits tag checks for the two operand slots of a binary
// integer op; a non-Int operand side-exits at the op's own ip with the
// operands still on the stack, so the interpreter re-executes the
// instruction and raises its usual TypeMismatch (or performs the
// float/string variant the native body doesn't encode).
func (e *emitter) guardIntPair(aDisp, bDisp int32, depth, stepIP int) {
	e.c.movzxByte(regR8, regRSI, aDisp+e.layout.value.tagOffset)
	e.c.cmpRegImm32(regR8, int32(e.layout.value.intTag))
	e.exitIfCC(0x85, depth, stepIP, statusTraceExit) // jne
	e.c.movzxByte(regR8, regRSI, bDisp+e.layout.value.tagOffset)
	e.c.cmpRegImm32(regR8, int32(e.layout.value.intTag))
	e.exitIfCC(0x85, depth, stepIP, statusTraceExit)
}

// emitArchTrace lowers t into a self-contained x86-64 function taking the
// *vm.Vm in RDI and returning a status word in EAX, per status.go's
// convention. The operand stack is addressed by statically simulated
// depth (analyzeTrace); the prologue guards re-verify that simulation's
// entry assumptions on every call and side-exit untouched when they no
// longer hold.
func emitArchTrace(t *jit.JitTrace, layout stackLayout) ([]byte, error) {
	if err := checkNativeEligible(t); err != nil {
		return nil, err
	}
	shape, err := analyzeTrace(t)
	if err != nil {
		return nil, err
	}
	if layout.value.size%8 != 0 {
		return nil, fmt.Errorf("native/amd64: Value size %d is not quadword-aligned", layout.value.size)
	}

	e := &emitter{
		c:            &codeBuf{},
		layout:       layout,
		stackLenDisp: layout.vmStackOffset + layout.stackVec.lenOffset,
		stackCapDisp: layout.vmStackOffset + layout.stackVec.capOffset,
		ipDisp:       layout.vmIPOffset,
	}
	c := e.c

	// Entry guards: the trace was recorded at a specific stack depth and
	// writes slots up to shape.maxDepth, so both must hold before any
	// stack memory is touched.
	c.cmpMemImm32(regRDI, e.stackLenDisp, int32(t.EntryDepth))
	e.bailIfCC(0x85, statusTraceExit) // jne: depth mismatch
	c.cmpMemImm32(regRDI, e.stackCapDisp, int32(shape.maxDepth))
	e.bailIfCC(0x8C, statusTraceExit) // jl: not enough backing capacity

	// Cache the three backing-array pointers. None of them can move for
	// the duration of the body: no step reallocates the stack (capacity
	// was just verified), and locals/constants are only rebound by
	// call/return instructions, which end a trace.
	c.movMemToReg(regRSI, regRDI, layout.vmStackOffset+layout.stackVec.ptrOffset)
	c.movMemToReg(regRDX, regRDI, layout.vmLocalsOffset+layout.stackVec.ptrOffset)
	c.movMemToReg(regRAX, regRDI, layout.vmProgramOffset)
	c.movMemToReg(regRCX, regRAX, layout.programConstOffset+layout.stackVec.ptrOffset)
	c.movImm32(regR10, lapBudget)

	loopStart := c.len()

	for i, step := range t.Steps {
		d := shape.depthAt[i]
		switch step.Op {
		case bytecode.OpNop, bytecode.OpJump:
			// Jump is always a trace's closing step; the terminal
			// emission below encodes where it lands.

		case bytecode.OpPop:
			// Dropping the top slot is pure bookkeeping: later commits
			// write the shrunken depth, same as the interpreter's
			// re-slice, which also leaves the slot's bytes in place.

		case bytecode.OpDup:
			e.copyValue(regRSI, e.slotDisp(d), regRSI, e.slotDisp(d-1))

		case bytecode.OpLdc:
			idx := binary.LittleEndian.Uint32(step.Operand)
			srcDisp := int64(idx) * int64(layout.value.size)
			if srcDisp > 1<<30 {
				return nil, fmt.Errorf("native/amd64: constant %d displacement exceeds disp32", idx)
			}
			e.copyValue(regRSI, e.slotDisp(d), regRCX, int32(srcDisp))

		case bytecode.OpLdloc:
			slot := int(step.Operand[0])
			e.copyValue(regRSI, e.slotDisp(d), regRDX, e.slotDisp(slot))

		case bytecode.OpStloc:
			slot := int(step.Operand[0])
			e.copyValue(regRDX, e.slotDisp(slot), regRSI, e.slotDisp(d-1))

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul:
			aDisp, bDisp := e.slotDisp(d-2), e.slotDisp(d-1)
			e.guardIntPair(aDisp, bDisp, d, step.IP)
			c.movMemToReg(regR8, regRSI, aDisp+layout.value.intPayloadOffset)
			c.movMemToReg(regR9, regRSI, bDisp+layout.value.intPayloadOffset)
			switch step.Op {
			case bytecode.OpAdd:
				c.addRegReg(regR8, regR9)
			case bytecode.OpSub:
				c.subRegReg(regR8, regR9)
			case bytecode.OpMul:
				c.imulRegReg(regR8, regR9)
			}
			// Result lands over operand a; its tag is already Int.
			c.movRegToMem(regRSI, regR8, aDisp+layout.value.intPayloadOffset)

		case bytecode.OpCeq, bytecode.OpClt, bytecode.OpCgt:
			aDisp, bDisp := e.slotDisp(d-2), e.slotDisp(d-1)
			e.guardIntPair(aDisp, bDisp, d, step.IP)
			c.movMemToReg(regR8, regRSI, aDisp+layout.value.intPayloadOffset)
			c.movMemToReg(regR9, regRSI, bDisp+layout.value.intPayloadOffset)
			c.cmpRegReg(regR8, regR9)
			var cc byte
			switch step.Op {
			case bytecode.OpCeq:
				cc = 0x94 // sete
			case bytecode.OpClt:
				cc = 0x9C // setl
			case bytecode.OpCgt:
				cc = 0x9F // setg
			}
			c.setccToRAX(cc)
			c.movByteImm8(regRSI, aDisp+layout.value.tagOffset, byte(layout.value.boolTag))
			c.movRegToMem(regRSI, regRAX, aDisp+layout.value.boolPayloadOffset)

		case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
			condDisp := e.slotDisp(d - 1)
			// A non-Bool condition exits at the branch itself, condition
			// still on the stack, so the interpreter raises the fault.
			c.movzxByte(regR8, regRSI, condDisp+layout.value.tagOffset)
			c.cmpRegImm32(regR8, int32(e.layout.value.boolTag))
			e.exitIfCC(0x85, d, step.IP, statusTraceExit)
			// Direction guard: recording observed one concrete boolean.
			// A disagreement exits at the recorded ExitIP with the
			// condition popped — exactly the interpreter state on the
			// other side of the branch.
			expected := int32(0)
			if (step.Op == bytecode.OpJumpIfTrue) == step.Taken {
				expected = 1
			}
			c.movMemToReg(regR8, regRSI, condDisp+layout.value.boolPayloadOffset)
			c.cmpRegImm32(regR8, expected)
			e.exitIfCC(0x85, d-1, step.ExitIP, statusTraceExit)

		case bytecode.OpHalt:
			c.movMemImm32(regRDI, e.stackLenDisp, int32(d))
			c.movImm32(regRAX, statusHalted)
			c.ret()

		default:
			return nil, fmt.Errorf("native/amd64: unreachable opcode %s slipped past eligibility check", step.Op)
		}
	}

	switch t.Terminal {
	case jit.TerminalLoopBack:
		// One lap done, stack balanced back to entry depth. Loop in
		// native code until the lap budget runs out, then hand control
		// back so vm.Run re-checks cancellation and re-enters.
		c.decReg(regR10)
		fix := c.jcc(0x85) // jnz loopStart
		c.patchRel32(fix, loopStart)
		c.movImm32(regRAX, statusContinue)
		c.ret()
	case jit.TerminalSideExit:
		last := t.Steps[len(t.Steps)-1]
		rel := int32(binary.LittleEndian.Uint32(last.Operand))
		target := last.IP + bytecode.OpJump.InstructionSize() + int(rel)
		c.movMemImm32(regRDI, e.stackLenDisp, int32(shape.endDepth))
		c.movMemImm32(regRDI, e.ipDisp, int32(target))
		c.movImm32(regRAX, statusTraceExit)
		c.ret()
	case jit.TerminalReturn:
		// Reached only if the closing Halt step was somehow absent;
		// the Halt arm above already returned for the recorded path.
		c.movMemImm32(regRDI, e.stackLenDisp, int32(shape.endDepth))
		c.movImm32(regRAX, statusHalted)
		c.ret()
	}

	return c.buf, nil
}
