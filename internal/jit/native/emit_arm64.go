// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build arm64

package native

import (
	"encoding/binary"
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/jit"
)

// AArch64 register plan, mirroring the amd64 backend's conventions. All
// of these are caller-saved under AAPCS64 and scratch under Go's
// assembler conventions (the trampoline's BL leaves LR in X30, which the
// body never touches):
//
//	X0  - the *vm.Vm pointer on entry, the status word on return
//	X1  - operand-stack backing-array pointer
//	X2  - locals backing-array pointer
//	X3  - constant-pool backing-array pointer
//	X4  - loop-lap countdown (cancellation re-check cadence)
//	X9, X10, X11 - scratch
//
// Instruction words follow the ARM Architecture Reference Manual's fixed
// 32-bit formats, grounded in original_source/pd-vm/src/vm/jit_native/
// aarch64.rs's emit_ldr_imm / emit_str_imm / emit_add_reg / emit_ret
// helpers, which build the same opcodes from the same field layout.
const (
	arm64X0  = 0
	arm64X1  = 1
	arm64X2  = 2
	arm64X3  = 3
	arm64X4  = 4
	arm64X9  = 9
	arm64X10 = 10
	arm64X11 = 11
)

const (
	condEQ uint32 = 0x0
	condNE uint32 = 0x1
	condGE uint32 = 0xA
	condLT uint32 = 0xB
	condGT uint32 = 0xC
)

// lapBudget is how many loop-back iterations a compiled trace runs before
// returning statusContinue so vm.Run can re-check cancellation.
const lapBudget = 8192

type arm64Buf struct {
	buf []uint32
}

func (b *arm64Buf) emit(insn uint32) { b.emit32(insn) }

func (b *arm64Buf) emit32(insn uint32) { b.buf = append(b.buf, insn) }

func (b *arm64Buf) pos() int { return len(b.buf) }

func (b *arm64Buf) bytes() []byte {
	out := make([]byte, 4*len(b.buf))
	for i, insn := range b.buf {
		binary.LittleEndian.PutUint32(out[i*4:], insn)
	}
	return out
}

// ldrImm: LDR Xt, [Xn, #imm] (unsigned offset, 64-bit variant; imm must
// be a multiple of 8 in [0, 32760], which emitArchTrace verifies before
// calling).
func (b *arm64Buf) ldrImm(xt, xn uint32, imm int32) {
	b.emit(0xF9400000 | (uint32(imm/8)&0xFFF)<<10 | (xn&0x1F)<<5 | (xt & 0x1F))
}

func (b *arm64Buf) strImm(xt, xn uint32, imm int32) {
	b.emit(0xF9000000 | (uint32(imm/8)&0xFFF)<<10 | (xn&0x1F)<<5 | (xt & 0x1F))
}

// ldrbImm: LDRB Wt, [Xn, #imm] (zero-extends into the full register).
func (b *arm64Buf) ldrbImm(xt, xn uint32, imm int32) {
	b.emit(0x39400000 | (uint32(imm)&0xFFF)<<10 | (xn&0x1F)<<5 | (xt & 0x1F))
}

func (b *arm64Buf) strbImm(xt, xn uint32, imm int32) {
	b.emit(0x39000000 | (uint32(imm)&0xFFF)<<10 | (xn&0x1F)<<5 | (xt & 0x1F))
}

// movImm32 materializes a 32-bit unsigned immediate via MOVZ + MOVK.
// Always two instructions, so exit-stub sizes stay fixed.
func (b *arm64Buf) movImm32(xd uint32, imm uint32) {
	b.emit(0xD2800000 | (imm&0xFFFF)<<5 | (xd & 0x1F))            // movz xd, #lo16
	b.emit(0xF2A00000 | ((imm>>16)&0xFFFF)<<5 | (xd & 0x1F))      // movk xd, #hi16, lsl #16
}

// cmpImm: CMP Xn, #imm12 (SUBS XZR alias).
func (b *arm64Buf) cmpImm(xn uint32, imm int32) {
	b.emit(0xF100001F | (uint32(imm)&0xFFF)<<10 | (xn&0x1F)<<5)
}

func (b *arm64Buf) cmpReg(xn, xm uint32) {
	b.emit(0xEB00001F | (xm&0x1F)<<16 | (xn&0x1F)<<5)
}

func (b *arm64Buf) addReg(xd, xn, xm uint32) {
	b.emit(0x8B000000 | (xm&0x1F)<<16 | (xn&0x1F)<<5 | (xd & 0x1F))
}

func (b *arm64Buf) subReg(xd, xn, xm uint32) {
	b.emit(0xCB000000 | (xm&0x1F)<<16 | (xn&0x1F)<<5 | (xd & 0x1F))
}

func (b *arm64Buf) mulReg(xd, xn, xm uint32) {
	// MUL is an alias for MADD xd, xn, xm, xzr.
	b.emit(0x9B007C00 | (xm&0x1F)<<16 | (xn&0x1F)<<5 | (xd & 0x1F))
}

// subsImm: SUBS Xd, Xn, #imm12 (sets flags; the lap-counter decrement).
func (b *arm64Buf) subsImm(xd, xn uint32, imm int32) {
	b.emit(0xF1000000 | (uint32(imm)&0xFFF)<<10 | (xn&0x1F)<<5 | (xd & 0x1F))
}

// csetReg emits CSET Xd, cond (alias of CSINC Xd, XZR, XZR, invert(cond)).
func (b *arm64Buf) csetReg(xd uint32, cond uint32) {
	b.emit(0x9A9F07E0 | (cond^1)<<12 | (xd & 0x1F))
}

// bcond emits B.cond with a placeholder offset and returns the
// instruction index to patch.
func (b *arm64Buf) bcond(cond uint32) int {
	idx := b.pos()
	b.emit(0x54000000 | cond)
	return idx
}

// branch emits an unconditional B to the given (possibly earlier)
// instruction index.
func (b *arm64Buf) branch(targetIdx int) {
	rel := int32(targetIdx - b.pos())
	b.emit(0x14000000 | (uint32(rel) & 0x03FFFFFF))
}

func (b *arm64Buf) patchBcond(idx, targetIdx int) {
	rel := int32(targetIdx - idx)
	b.buf[idx] |= (uint32(rel) & 0x7FFFF) << 5
}

func (b *arm64Buf) ret() { b.emit(0xD65F03C0) }

type arm64Emitter struct {
	b      *arm64Buf
	layout stackLayout

	stackLenDisp int32
	stackCapDisp int32
	ipDisp       int32
}

func (e *arm64Emitter) slotDisp(slot int) int32 { return int32(slot) * e.layout.value.size }

// checkWordOff verifies a quadword offset fits LDR/STR's unsigned scaled
// immediate; exceeding it declines emission so Compile falls back.
func checkWordOff(off int32) error {
	if off < 0 || off%8 != 0 || off/8 > 0xFFF {
		return fmt.Errorf("native/arm64: offset %d outside LDR/STR immediate range", off)
	}
	return nil
}

func checkByteOff(off int32) error {
	if off < 0 || off > 0xFFF {
		return fmt.Errorf("native/arm64: offset %d outside LDRB/STRB immediate range", off)
	}
	return nil
}

func (e *arm64Emitter) copyValue(dstBase uint32, dstDisp int32, srcBase uint32, srcDisp int32) error {
	for off := int32(0); off < e.layout.value.size; off += 8 {
		if err := checkWordOff(srcDisp + off); err != nil {
			return err
		}
		if err := checkWordOff(dstDisp + off); err != nil {
			return err
		}
		e.b.ldrImm(arm64X9, srcBase, srcDisp+off)
		e.b.strImm(arm64X9, dstBase, dstDisp+off)
	}
	return nil
}

// bailIfCond: if cond holds, return status with nothing committed (entry
// guards only — the Vm is untouched at that point).
func (e *arm64Emitter) bailIfCond(cond uint32, status int32) {
	skip := e.b.bcond(cond ^ 1)
	e.b.movImm32(arm64X0, uint32(status))
	e.b.ret()
	e.b.patchBcond(skip, e.b.pos())
}

// exitIfCond: if cond holds, commit len and ip and return status.
func (e *arm64Emitter) exitIfCond(cond uint32, lenVal, ipVal int, status int32) {
	skip := e.b.bcond(cond ^ 1)
	e.b.movImm32(arm64X9, uint32(lenVal))
	e.b.strImm(arm64X9, arm64X0, e.stackLenDisp)
	e.b.movImm32(arm64X9, uint32(ipVal))
	e.b.strImm(arm64X9, arm64X0, e.ipDisp)
	e.b.movImm32(arm64X0, uint32(status))
	e.b.ret()
	e.b.patchBcond(skip, e.b.pos())
}

func (e *arm64Emitter) guardIntPair(aDisp, bDisp int32, depth, stepIP int) error {
	for _, disp := range []int32{aDisp, bDisp} {
		off := disp + e.layout.value.tagOffset
		if err := checkByteOff(off); err != nil {
			return err
		}
		e.b.ldrbImm(arm64X9, arm64X1, off)
		e.b.cmpImm(arm64X9, int32(e.layout.value.intTag))
		e.exitIfCond(condNE, depth, stepIP, statusTraceExit)
	}
	return nil
}

// emitArchTrace lowers t into a self-contained AArch64 function taking
// the *vm.Vm in X0 and returning a status word in W0, structured exactly
// like the amd64 backend: entry depth/capacity guards, statically
// simulated slot addressing, guard side-exits committing len and ip, and
// a lap-budgeted loop-back.
func emitArchTrace(t *jit.JitTrace, layout stackLayout) ([]byte, error) {
	if err := checkNativeEligible(t); err != nil {
		return nil, err
	}
	shape, err := analyzeTrace(t)
	if err != nil {
		return nil, err
	}
	if layout.value.size%8 != 0 {
		return nil, fmt.Errorf("native/arm64: Value size %d is not quadword-aligned", layout.value.size)
	}
	if t.EntryDepth > 0xFFF || shape.maxDepth > 0xFFF {
		return nil, fmt.Errorf("native/arm64: trace depth %d outside CMP immediate range", shape.maxDepth)
	}

	e := &arm64Emitter{
		b:            &arm64Buf{},
		layout:       layout,
		stackLenDisp: layout.vmStackOffset + layout.stackVec.lenOffset,
		stackCapDisp: layout.vmStackOffset + layout.stackVec.capOffset,
		ipDisp:       layout.vmIPOffset,
	}
	for _, off := range []int32{e.stackLenDisp, e.stackCapDisp, e.ipDisp,
		layout.vmStackOffset + layout.stackVec.ptrOffset,
		layout.vmLocalsOffset + layout.stackVec.ptrOffset,
		layout.vmProgramOffset,
		layout.programConstOffset + layout.stackVec.ptrOffset} {
		if err := checkWordOff(off); err != nil {
			return nil, err
		}
	}
	b := e.b

	// Entry guards, before any stack memory is touched.
	b.ldrImm(arm64X9, arm64X0, e.stackLenDisp)
	b.cmpImm(arm64X9, int32(t.EntryDepth))
	e.bailIfCond(condNE, statusTraceExit)
	b.ldrImm(arm64X9, arm64X0, e.stackCapDisp)
	b.cmpImm(arm64X9, int32(shape.maxDepth))
	e.bailIfCond(condLT, statusTraceExit)

	// Cache the backing-array pointers; nothing in an eligible trace can
	// move them (capacity was just verified, and call/return ops end a
	// trace before locals or constants rebind).
	b.ldrImm(arm64X1, arm64X0, layout.vmStackOffset+layout.stackVec.ptrOffset)
	b.ldrImm(arm64X2, arm64X0, layout.vmLocalsOffset+layout.stackVec.ptrOffset)
	b.ldrImm(arm64X9, arm64X0, layout.vmProgramOffset)
	b.ldrImm(arm64X3, arm64X9, layout.programConstOffset+layout.stackVec.ptrOffset)
	b.movImm32(arm64X4, lapBudget)

	loopStart := b.pos()

	for i, step := range t.Steps {
		d := shape.depthAt[i]
		switch step.Op {
		case bytecode.OpNop, bytecode.OpJump, bytecode.OpPop:
			// Jump is the trace's closing step (terminal below); Pop is
			// pure depth bookkeeping, same as the interpreter's re-slice.

		case bytecode.OpDup:
			if err := e.copyValue(arm64X1, e.slotDisp(d), arm64X1, e.slotDisp(d-1)); err != nil {
				return nil, err
			}

		case bytecode.OpLdc:
			idx := binary.LittleEndian.Uint32(step.Operand)
			srcDisp := int64(idx) * int64(layout.value.size)
			if srcDisp > 32760 {
				return nil, fmt.Errorf("native/arm64: constant %d displacement outside LDR range", idx)
			}
			if err := e.copyValue(arm64X1, e.slotDisp(d), arm64X3, int32(srcDisp)); err != nil {
				return nil, err
			}

		case bytecode.OpLdloc:
			slot := int(step.Operand[0])
			if err := e.copyValue(arm64X1, e.slotDisp(d), arm64X2, e.slotDisp(slot)); err != nil {
				return nil, err
			}

		case bytecode.OpStloc:
			slot := int(step.Operand[0])
			if err := e.copyValue(arm64X2, e.slotDisp(slot), arm64X1, e.slotDisp(d-1)); err != nil {
				return nil, err
			}

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul:
			aDisp, bDisp := e.slotDisp(d-2), e.slotDisp(d-1)
			if err := e.guardIntPair(aDisp, bDisp, d, step.IP); err != nil {
				return nil, err
			}
			aPay, bPay := aDisp+layout.value.intPayloadOffset, bDisp+layout.value.intPayloadOffset
			if err := checkWordOff(aPay); err != nil {
				return nil, err
			}
			if err := checkWordOff(bPay); err != nil {
				return nil, err
			}
			b.ldrImm(arm64X9, arm64X1, aPay)
			b.ldrImm(arm64X10, arm64X1, bPay)
			switch step.Op {
			case bytecode.OpAdd:
				b.addReg(arm64X9, arm64X9, arm64X10)
			case bytecode.OpSub:
				b.subReg(arm64X9, arm64X9, arm64X10)
			case bytecode.OpMul:
				b.mulReg(arm64X9, arm64X9, arm64X10)
			}
			b.strImm(arm64X9, arm64X1, aPay)

		case bytecode.OpCeq, bytecode.OpClt, bytecode.OpCgt:
			aDisp, bDisp := e.slotDisp(d-2), e.slotDisp(d-1)
			if err := e.guardIntPair(aDisp, bDisp, d, step.IP); err != nil {
				return nil, err
			}
			b.ldrImm(arm64X9, arm64X1, aDisp+layout.value.intPayloadOffset)
			b.ldrImm(arm64X10, arm64X1, bDisp+layout.value.intPayloadOffset)
			b.cmpReg(arm64X9, arm64X10)
			var cond uint32
			switch step.Op {
			case bytecode.OpCeq:
				cond = condEQ
			case bytecode.OpClt:
				cond = condLT
			case bytecode.OpCgt:
				cond = condGT
			}
			b.csetReg(arm64X9, cond)
			b.strImm(arm64X9, arm64X1, aDisp+layout.value.boolPayloadOffset)
			b.movImm32(arm64X10, e.layout.value.boolTag)
			if err := checkByteOff(aDisp + layout.value.tagOffset); err != nil {
				return nil, err
			}
			b.strbImm(arm64X10, arm64X1, aDisp+layout.value.tagOffset)

		case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
			condDisp := e.slotDisp(d - 1)
			tagOff := condDisp + layout.value.tagOffset
			if err := checkByteOff(tagOff); err != nil {
				return nil, err
			}
			b.ldrbImm(arm64X9, arm64X1, tagOff)
			b.cmpImm(arm64X9, int32(e.layout.value.boolTag))
			e.exitIfCond(condNE, d, step.IP, statusTraceExit)
			expected := int32(0)
			if (step.Op == bytecode.OpJumpIfTrue) == step.Taken {
				expected = 1
			}
			b.ldrImm(arm64X9, arm64X1, condDisp+layout.value.boolPayloadOffset)
			b.cmpImm(arm64X9, expected)
			e.exitIfCond(condNE, d-1, step.ExitIP, statusTraceExit)

		case bytecode.OpHalt:
			b.movImm32(arm64X9, uint32(d))
			b.strImm(arm64X9, arm64X0, e.stackLenDisp)
			b.movImm32(arm64X0, uint32(statusHalted))
			b.ret()

		default:
			return nil, fmt.Errorf("native/arm64: unreachable opcode %s slipped past eligibility check", step.Op)
		}
	}

	switch t.Terminal {
	case jit.TerminalLoopBack:
		b.subsImm(arm64X4, arm64X4, 1)
		fix := b.bcond(condNE)
		b.patchBcond(fix, loopStart)
		b.movImm32(arm64X0, uint32(statusContinue))
		b.ret()
	case jit.TerminalSideExit:
		last := t.Steps[len(t.Steps)-1]
		rel := int32(binary.LittleEndian.Uint32(last.Operand))
		target := last.IP + bytecode.OpJump.InstructionSize() + int(rel)
		b.movImm32(arm64X9, uint32(shape.endDepth))
		b.strImm(arm64X9, arm64X0, e.stackLenDisp)
		b.movImm32(arm64X9, uint32(target))
		b.strImm(arm64X9, arm64X0, e.ipDisp)
		b.movImm32(arm64X0, uint32(statusTraceExit))
		b.ret()
	case jit.TerminalReturn:
		b.movImm32(arm64X9, uint32(shape.endDepth))
		b.strImm(arm64X9, arm64X0, e.stackLenDisp)
		b.movImm32(arm64X0, uint32(statusHalted))
		b.ret()
	}

	return b.bytes(), nil
}
