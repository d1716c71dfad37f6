// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package vm implements the interpreter core: a stack-based bytecode
// executor whose dispatch loop is split into a single-instruction Step
// and a driving Run, mirroring the split in
// go-probe-master/probe-lang/lang/vm/vm.go between its per-opcode
// step function and its outer execution loop. Step is also the hook point
// the tracing JIT observes while recording.
package vm

import (
	"context"
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/value"
)

// Status is the result of a Step or Run call.
type Status int

const (
	// Continue means execution should keep running; only returned
	// internally by Step, never left as Run's final status.
	Continue Status = iota
	// Halted means the program reached an explicit Halt or returned from
	// the entry function.
	Halted
	// Yielded means a host call requested the program short-circuit with
	// an immediate response (spec.md's short-circuit host-call behavior).
	Yielded
	// TraceExit means native JIT-compiled code exited back to the
	// interpreter via a guard, leaving ip at the bytecode address to
	// resume at. Run handles it internally (it interprets onward from
	// that ip); it is only ever observed by callers driving a
	// NativeTrace directly.
	TraceExit
	// Error means execution stopped on a runtime fault; see the error
	// Run/Step returned.
	Error
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Halted:
		return "halted"
	case Yielded:
		return "yielded"
	case TraceExit:
		return "trace_exit"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// frame is a suspended caller: the locals it owned and the absolute code
// offset to resume at after the callee returns.
type frame struct {
	locals []value.Value
	retIP  int
}

// TraceHook lets a recorder (internal/jit) observe instruction execution
// without the Vm depending on the jit package: the Vm holds only this
// interface, and internal/jit imports internal/vm, never the reverse.
//
// Before is called once per Step with the opcode about to execute and the
// Vm's ip before execution. After is called once Step has executed that
// instruction, so the hook can read the resulting ip (via m.IP()) and
// decide, for a conditional branch, which way execution actually went.
type TraceHook interface {
	Before(m *Vm, ip int, op bytecode.Opcode)
	After(m *Vm, beforeIP int, op bytecode.Opcode, status Status)
}

// Vm is a single-program execution context. It is not safe for concurrent
// use; each concurrent request gets its own Vm (spec.md's concurrency
// model: one Vm, one goroutine, shared immutable Program).
type Vm struct {
	Program *value.Program
	Hosts   []hostabi.HostFunction

	stack  []value.Value
	locals []value.Value
	frames []frame
	ip     int

	// Trace, when non-nil, is notified before every instruction executes.
	Trace TraceHook

	// Natives holds compiled native traces keyed by their head ip
	// (internal/jit populates this once a hot loop finishes recording).
	// Run consults it before every Step so a hot loop body executes as
	// machine code instead of being reinterpreted.
	Natives map[int]NativeTrace

	// StepBudget, when > 0, bounds the number of instructions Run will
	// execute before returning ErrStepBudget; 0 means unbounded.
	StepBudget int
	steps      int

	// Cancel, when non-nil and closed, causes Run to return
	// Error(ErrCanceled) before it dispatches the next instruction or
	// native trace (spec.md §5's cooperative cancellation).
	Cancel <-chan struct{}
}

// NativeTrace is a compiled, ready-to-run native trace, implemented by
// internal/jit/native's compiledTrace and fallbackTrace. The Vm depends only on this
// interface, keeping the dependency direction jit/native -> vm, never
// reversed.
type NativeTrace interface {
	// Run executes the trace starting from the Vm's current state
	// (operand stack, locals, ip) and returns the resulting Status. A
	// TraceExit leaves m.IP() at the bytecode address the interpreter
	// should resume at.
	Run(m *Vm, hctx *hostabi.Context) (Status, error)
}

// New constructs a Vm for prog. hosts must have the same length and index
// order as prog.HostFuncs; the caller is responsible for matching them up
// (hostabi.Registry.Bind does this).
func New(prog *value.Program, hosts []hostabi.HostFunction) (*Vm, error) {
	if prog == nil {
		return nil, hostabi.ErrNotInstalled
	}
	if err := bytecode.Validate(prog); err != nil {
		return nil, fmt.Errorf("vm: refusing to install invalid program: %w", err)
	}
	if len(hosts) != len(prog.HostFuncs) {
		return nil, fmt.Errorf("vm: host function count mismatch: program wants %d, got %d", len(prog.HostFuncs), len(hosts))
	}
	return &Vm{
		Program: prog,
		Hosts:   hosts,
		locals:  make([]value.Value, prog.Functions[0].LocalCount),
		ip:      int(prog.Functions[0].Entry),
	}, nil
}

// Run drives Step until it returns a terminal status (anything but
// Continue) or ctx is canceled. It is the entry point used by cmd/edgevmc's
// run and debug subcommands.
func (m *Vm) Run(ctx context.Context, hctx *hostabi.Context) (Status, error) {
	for {
		select {
		case <-ctx.Done():
			return Error, fmt.Errorf("%w: %v", hostabi.ErrCanceled, ctx.Err())
		default:
		}
		if m.Cancel != nil {
			select {
			case <-m.Cancel:
				return Error, hostabi.ErrCanceled
			default:
			}
		}
		if nt := m.Natives[m.ip]; nt != nil {
			status, err := nt.Run(m, hctx)
			if status == Continue {
				continue
			}
			if status != TraceExit {
				return status, err
			}
			// A guard fired (or the trace declined to run): ip now holds
			// the bytecode address to resume at. Fall through to a plain
			// Step so at least one instruction is interpreted before the
			// native dispatch is consulted again — a trace that exits
			// without moving ip must not be re-entered in a tight loop.
		}
		status, err := m.Step(hctx)
		if status != Continue {
			return status, err
		}
	}
}

// Step executes exactly one instruction and returns Continue unless the
// program halted, yielded, faulted, or the step budget was exceeded.
func (m *Vm) Step(hctx *hostabi.Context) (Status, error) {
	if m.StepBudget > 0 {
		m.steps++
		if m.steps > m.StepBudget {
			return Error, hostabi.ErrStepBudget
		}
	}

	code := m.Program.Code
	if m.ip < 0 || m.ip >= len(code) {
		return Error, fmt.Errorf("vm: ip %d out of bounds", m.ip)
	}
	op := bytecode.Opcode(code[m.ip])
	beforeIP := m.ip
	if m.Trace != nil {
		m.Trace.Before(m, beforeIP, op)
	}
	status, err := m.execute(op, hctx)
	if m.Trace != nil {
		m.Trace.After(m, beforeIP, op, status)
	}
	return status, err
}

// IP returns the current absolute code offset, used by the debug stepper
// and the trace recorder.
func (m *Vm) IP() int { return m.ip }

// SetIP overrides the instruction pointer. Used by internal/jit/native's
// layout probe to plant a sentinel ip; emitted guard side-exits write the
// ip field directly.
func (m *Vm) SetIP(ip int) { m.ip = ip }

// PushValue pushes v onto the operand stack, exported for
// internal/jit/native's layout probe, which uses it to locate the stack.
func (m *Vm) PushValue(v value.Value) { m.push(v) }

// PopValue pops the top of the operand stack, exported for the same
// reason as PushValue.
func (m *Vm) PopValue() (value.Value, error) { return m.pop() }

// StepOnce executes exactly one bytecode instruction via the normal
// interpreter, bypassing any installed NativeTrace at the current ip.
// Used by the interpreter-only trace fallback (internal/jit/native) to
// replay a recorded trace's bytecode range without recursing back into a
// native lookup.
func (m *Vm) StepOnce(hctx *hostabi.Context) (Status, error) { return m.Step(hctx) }

// Locals returns the current frame's locals, used by the debug stepper's
// `locals` command. The caller must not retain or mutate the slice.
func (m *Vm) Locals() []value.Value { return m.locals }

// Stack returns the operand stack, top last, used by the debug stepper's
// `stack` command. The caller must not retain or mutate the slice.
func (m *Vm) Stack() []value.Value { return m.stack }

// CallDepth returns the number of suspended caller frames.
func (m *Vm) CallDepth() int { return len(m.frames) }

func (m *Vm) push(v value.Value) { m.stack = append(m.stack, v) }

func (m *Vm) pop() (value.Value, error) {
	n := len(m.stack)
	if n == 0 {
		return value.Value{}, hostabi.ErrStackUnderflow
	}
	v := m.stack[n-1]
	m.stack = m.stack[:n-1]
	return v, nil
}

func (m *Vm) peek() (value.Value, error) {
	n := len(m.stack)
	if n == 0 {
		return value.Value{}, hostabi.ErrStackUnderflow
	}
	return m.stack[n-1], nil
}
