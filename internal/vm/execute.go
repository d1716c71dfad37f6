// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/value"
)

// execute runs the single instruction at m.ip (already known to be op)
// and advances m.ip, returning the resulting Status.
func (m *Vm) execute(op bytecode.Opcode, hctx *hostabi.Context) (Status, error) {
	code := m.Program.Code
	operand := code[m.ip+1:]
	next := m.ip + op.InstructionSize()

	switch op {
	case bytecode.OpNop:
		m.ip = next

	case bytecode.OpPop:
		if _, err := m.pop(); err != nil {
			return m.fault(err)
		}
		m.ip = next

	case bytecode.OpDup:
		v, err := m.peek()
		if err != nil {
			return m.fault(err)
		}
		m.push(v)
		m.ip = next

	case bytecode.OpLdc:
		idx := binary.LittleEndian.Uint32(operand)
		m.push(m.Program.Constants[idx])
		m.ip = next

	case bytecode.OpLdNull:
		m.push(value.Null)
		m.ip = next

	case bytecode.OpLdTrue:
		m.push(value.Bool(true))
		m.ip = next

	case bytecode.OpLdFalse:
		m.push(value.Bool(false))
		m.ip = next

	case bytecode.OpLdloc:
		slot := operand[0]
		m.push(m.locals[slot])
		m.ip = next

	case bytecode.OpStloc:
		slot := operand[0]
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		m.locals[slot] = v
		m.ip = next

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		return m.arith(op, next)

	case bytecode.OpNeg:
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		switch v.Kind {
		case value.KindInt:
			i, _ := v.AsInt()
			m.push(value.Int(-i))
		case value.KindFloat:
			f, _ := v.AsFloat()
			m.push(value.Float(-f))
		default:
			return m.fault(fmt.Errorf("%w: neg on %s", hostabi.ErrTypeMismatch, v.Kind))
		}
		m.ip = next

	case bytecode.OpShl, bytecode.OpShr, bytecode.OpAnd, bytecode.OpOr:
		return m.bitwise(op, next)

	case bytecode.OpNot:
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		b, ok := v.AsBool()
		if !ok {
			return m.fault(fmt.Errorf("%w: not on %s", hostabi.ErrTypeMismatch, v.Kind))
		}
		m.push(value.Bool(!b))
		m.ip = next

	case bytecode.OpCeq:
		b, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		a, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		m.push(value.Bool(value.Equal(a, b)))
		m.ip = next

	case bytecode.OpClt, bytecode.OpCgt:
		b, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		a, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		var lt bool
		var cmpErr error
		if op == bytecode.OpClt {
			lt, cmpErr = value.Less(a, b)
		} else {
			lt, cmpErr = value.Less(b, a)
		}
		if cmpErr != nil {
			return m.fault(fmt.Errorf("%w: %v", hostabi.ErrTypeMismatch, cmpErr))
		}
		m.push(value.Bool(lt))
		m.ip = next

	case bytecode.OpJump:
		rel := int32(binary.LittleEndian.Uint32(operand))
		m.ip = next + int(rel)

	case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		cond, ok := v.AsBool()
		if !ok {
			return m.fault(fmt.Errorf("%w: branch on %s", hostabi.ErrTypeMismatch, v.Kind))
		}
		taken := (op == bytecode.OpJumpIfTrue && cond) || (op == bytecode.OpJumpIfFalse && !cond)
		if taken {
			rel := int32(binary.LittleEndian.Uint32(operand))
			m.ip = next + int(rel)
		} else {
			m.ip = next
		}

	case bytecode.OpCallHost:
		return m.callHost(operand, next, hctx)

	case bytecode.OpCallUser:
		return m.callUser(operand, next)

	case bytecode.OpRet:
		return m.ret()

	case bytecode.OpNewArray:
		return m.newArray(operand, next)

	case bytecode.OpNewMap:
		return m.newMap(operand, next)

	case bytecode.OpGetIndex:
		return m.getIndex(next)

	case bytecode.OpSetIndex:
		return m.setIndex(next)

	case bytecode.OpLen:
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		switch v.Kind {
		case value.KindArray:
			a, _ := v.AsArray()
			m.push(value.Int(int64(len(a))))
		case value.KindString:
			s, _ := v.AsString()
			m.push(value.Int(int64(len(s))))
		case value.KindMap:
			mp, _ := v.AsMap()
			m.push(value.Int(int64(mp.Len())))
		default:
			return m.fault(fmt.Errorf("%w: len on %s", hostabi.ErrTypeMismatch, v.Kind))
		}
		m.ip = next

	case bytecode.OpSlice:
		return m.slice(next)

	case bytecode.OpHalt:
		return Halted, nil

	default:
		return m.fault(fmt.Errorf("%w: opcode %s", hostabi.ErrTypeMismatch, op))
	}

	return Continue, nil
}

func (m *Vm) fault(err error) (Status, error) { return Error, err }

// arith implements Add/Sub/Mul/Div/Mod. Integer overflow wraps using Go's
// native two's-complement int64 arithmetic; String "+" concatenates (the
// only non-numeric case Add accepts).
func (m *Vm) arith(op bytecode.Opcode, next int) (Status, error) {
	b, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	a, err := m.pop()
	if err != nil {
		return m.fault(err)
	}

	if op == bytecode.OpAdd && a.Kind == value.KindString && b.Kind == value.KindString {
		as, _ := a.AsString()
		bs, _ := b.AsString()
		m.push(value.String(as + bs))
		m.ip = next
		return Continue, nil
	}

	if a.Kind == value.KindFloat || b.Kind == value.KindFloat {
		af, aok := numericFloat(a)
		bf, bok := numericFloat(b)
		if !aok || !bok {
			return m.fault(fmt.Errorf("%w: %s on %s/%s", hostabi.ErrTypeMismatch, op, a.Kind, b.Kind))
		}
		var r float64
		switch op {
		case bytecode.OpAdd:
			r = af + bf
		case bytecode.OpSub:
			r = af - bf
		case bytecode.OpMul:
			r = af * bf
		case bytecode.OpDiv:
			r = af / bf
		case bytecode.OpMod:
			r = mathMod(af, bf)
		}
		m.push(value.Float(r))
		m.ip = next
		return Continue, nil
	}

	ai, aok := a.AsInt()
	bi, bok := b.AsInt()
	if !aok || !bok {
		return m.fault(fmt.Errorf("%w: %s on %s/%s", hostabi.ErrTypeMismatch, op, a.Kind, b.Kind))
	}
	var r int64
	switch op {
	case bytecode.OpAdd:
		r = ai + bi
	case bytecode.OpSub:
		r = ai - bi
	case bytecode.OpMul:
		r = ai * bi
	case bytecode.OpDiv:
		if bi == 0 {
			return m.fault(hostabi.ErrDivByZero)
		}
		r = ai / bi
	case bytecode.OpMod:
		if bi == 0 {
			return m.fault(hostabi.ErrModByZero)
		}
		r = ai % bi
	}
	m.push(value.Int(r))
	m.ip = next
	return Continue, nil
}

func numericFloat(v value.Value) (float64, bool) {
	switch v.Kind {
	case value.KindFloat:
		f, _ := v.AsFloat()
		return f, true
	case value.KindInt:
		i, _ := v.AsInt()
		return float64(i), true
	default:
		return 0, false
	}
}

func mathMod(a, b float64) float64 {
	r := a - b*float64(int64(a/b))
	return r
}

// bitwise implements Shl/Shr/And/Or. Shift counts must be Ints in
// [0, 63]; anything else faults rather than being masked or wrapped.
func (m *Vm) bitwise(op bytecode.Opcode, next int) (Status, error) {
	b, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	a, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	if op == bytecode.OpAnd || op == bytecode.OpOr {
		if a.Kind == value.KindBool && b.Kind == value.KindBool {
			ab, _ := a.AsBool()
			bb, _ := b.AsBool()
			if op == bytecode.OpAnd {
				m.push(value.Bool(ab && bb))
			} else {
				m.push(value.Bool(ab || bb))
			}
			m.ip = next
			return Continue, nil
		}
	}
	ai, aok := a.AsInt()
	bi, bok := b.AsInt()
	if !aok || !bok {
		return m.fault(fmt.Errorf("%w: %s on %s/%s", hostabi.ErrTypeMismatch, op, a.Kind, b.Kind))
	}
	if (op == bytecode.OpShl || op == bytecode.OpShr) && (bi < 0 || bi > 63) {
		return m.fault(fmt.Errorf("%w: shift count %d outside [0, 63]", hostabi.ErrTypeMismatch, bi))
	}
	var r int64
	switch op {
	case bytecode.OpShl:
		r = ai << uint(bi)
	case bytecode.OpShr:
		r = ai >> uint(bi)
	case bytecode.OpAnd:
		r = ai & bi
	case bytecode.OpOr:
		r = ai | bi
	}
	m.push(value.Int(r))
	m.ip = next
	return Continue, nil
}

func (m *Vm) callUser(operand []byte, next int) (Status, error) {
	idx := binary.LittleEndian.Uint16(operand)
	argc := operand[2]
	fn := m.Program.Functions[idx]

	args := make([]value.Value, argc)
	for i := int(argc) - 1; i >= 0; i-- {
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		args[i] = v
	}

	m.frames = append(m.frames, frame{locals: m.locals, retIP: next})
	newLocals := make([]value.Value, fn.LocalCount)
	copy(newLocals, args)
	m.locals = newLocals
	m.ip = int(fn.Entry)
	return Continue, nil
}

func (m *Vm) ret() (Status, error) {
	retVal, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	if len(m.frames) == 0 {
		// Returning from the entry function halts the program; the value
		// stays on the stack as the program's result.
		m.push(retVal)
		return Halted, nil
	}
	top := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	m.locals = top.locals
	m.ip = top.retIP
	m.push(retVal)
	return Continue, nil
}

// ExecuteHostCall pops argc arguments, invokes the host function at
// index, and pushes its result (unless it suspended). It never touches
// m.ip: callHost, its only caller, advances past the instruction on
// Continue. No native code calls it; a trace with a call step always
// runs on the interpreter fallback.
func (m *Vm) ExecuteHostCall(index, argc int, hctx *hostabi.Context) (Status, error) {
	if index < 0 || index >= len(m.Hosts) {
		return m.fault(fmt.Errorf("%w: host index %d out of range", hostabi.ErrHostFailure, index))
	}
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		args[i] = v
	}
	fn := m.Hosts[index]
	outcome, err := fn(hctx, args)
	if err != nil {
		return m.fault(err)
	}
	if outcome.Suspend {
		// Do not advance ip: resumption must re-execute this CallHost so
		// the host function is retried (spec.md §4.D).
		return Yielded, nil
	}
	m.push(outcome.Result)
	if outcome.ShortCircuit {
		return Yielded, nil
	}
	return Continue, nil
}

func (m *Vm) callHost(operand []byte, next int, hctx *hostabi.Context) (Status, error) {
	idx := binary.LittleEndian.Uint16(operand)
	argc := operand[2]
	status, err := m.ExecuteHostCall(int(idx), int(argc), hctx)
	if status != Continue {
		return status, err
	}
	m.ip = next
	return Continue, nil
}

func (m *Vm) newArray(operand []byte, next int) (Status, error) {
	n := binary.LittleEndian.Uint16(operand)
	elems := make([]value.Value, n)
	for i := int(n) - 1; i >= 0; i-- {
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		elems[i] = v
	}
	m.push(value.Array(elems))
	m.ip = next
	return Continue, nil
}

func (m *Vm) newMap(operand []byte, next int) (Status, error) {
	n := binary.LittleEndian.Uint16(operand)
	entries := make([]struct {
		k string
		v value.Value
	}, n)
	for i := int(n) - 1; i >= 0; i-- {
		v, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		k, err := m.pop()
		if err != nil {
			return m.fault(err)
		}
		ks, ok := k.AsString()
		if !ok {
			return m.fault(fmt.Errorf("%w: map key must be string, got %s", hostabi.ErrTypeMismatch, k.Kind))
		}
		entries[i].k = ks
		entries[i].v = v
	}
	om := value.NewOrderedMap()
	for _, e := range entries {
		om.Set(e.k, e.v)
	}
	m.push(value.Map(om))
	m.ip = next
	return Continue, nil
}

func (m *Vm) getIndex(next int) (Status, error) {
	idx, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	coll, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	switch coll.Kind {
	case value.KindArray:
		a, _ := coll.AsArray()
		i, ok := idx.AsInt()
		if !ok {
			return m.fault(fmt.Errorf("%w: array index must be int", hostabi.ErrTypeMismatch))
		}
		if i < 0 || int(i) >= len(a) {
			return m.fault(fmt.Errorf("%w: %d (len %d)", hostabi.ErrIndexOutOfRange, i, len(a)))
		}
		m.push(a[i])
	case value.KindMap:
		mp, _ := coll.AsMap()
		k, ok := idx.AsString()
		if !ok {
			return m.fault(fmt.Errorf("%w: map key must be string", hostabi.ErrTypeMismatch))
		}
		v, ok := mp.Get(k)
		if !ok {
			m.push(value.Null)
		} else {
			m.push(v)
		}
	case value.KindString:
		s, _ := coll.AsString()
		i, ok := idx.AsInt()
		if !ok || i < 0 || int(i) >= len(s) {
			return m.fault(fmt.Errorf("%w: string index %v", hostabi.ErrIndexOutOfRange, idx))
		}
		m.push(value.String(string(s[i])))
	default:
		return m.fault(fmt.Errorf("%w: get_index on %s", hostabi.ErrTypeMismatch, coll.Kind))
	}
	m.ip = next
	return Continue, nil
}

func (m *Vm) setIndex(next int) (Status, error) {
	v, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	idx, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	coll, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	switch coll.Kind {
	case value.KindArray:
		i, ok := idx.AsInt()
		if !ok {
			return m.fault(fmt.Errorf("%w: array index must be int", hostabi.ErrTypeMismatch))
		}
		if err := coll.SetArrayElem(int(i), v); err != nil {
			return m.fault(fmt.Errorf("%w: %v", hostabi.ErrIndexOutOfRange, err))
		}
	case value.KindMap:
		mp, _ := coll.AsMap()
		k, ok := idx.AsString()
		if !ok {
			return m.fault(fmt.Errorf("%w: map key must be string", hostabi.ErrTypeMismatch))
		}
		mp.Set(k, v)
	default:
		return m.fault(fmt.Errorf("%w: set_index on %s", hostabi.ErrTypeMismatch, coll.Kind))
	}
	m.ip = next
	return Continue, nil
}

func (m *Vm) slice(next int) (Status, error) {
	end, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	start, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	coll, err := m.pop()
	if err != nil {
		return m.fault(err)
	}
	si, ok1 := start.AsInt()
	ei, ok2 := end.AsInt()
	if !ok1 || !ok2 {
		return m.fault(fmt.Errorf("%w: slice bounds must be int", hostabi.ErrTypeMismatch))
	}
	switch coll.Kind {
	case value.KindArray:
		a, _ := coll.AsArray()
		if si < 0 || ei > int64(len(a)) || si > ei {
			return m.fault(fmt.Errorf("%w: slice [%d:%d] of len %d", hostabi.ErrIndexOutOfRange, si, ei, len(a)))
		}
		out := make([]value.Value, ei-si)
		copy(out, a[si:ei])
		m.push(value.Array(out))
	case value.KindString:
		s, _ := coll.AsString()
		if si < 0 || ei > int64(len(s)) || si > ei {
			return m.fault(fmt.Errorf("%w: slice [%d:%d] of len %d", hostabi.ErrIndexOutOfRange, si, ei, len(s)))
		}
		m.push(value.String(s[si:ei]))
	default:
		return m.fault(fmt.Errorf("%w: slice on %s", hostabi.ErrTypeMismatch, coll.Kind))
	}
	m.ip = next
	return Continue, nil
}
