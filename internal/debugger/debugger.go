// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package debugger implements the debug stepper from spec.md §4.H: an
// instruction-boundary stepping protocol layered over the interpreter via
// the same vm.TraceHook a JIT recorder would use. Only one of the two can
// usefully watch a given Vm at a time — attaching a Debugger is meant to
// suspend tracing for that Vm, per spec.md's "JIT is suspended while
// attached" rule; wiring that exclusion is the caller's responsibility
// (cmd/edgevmc never attaches both to the same Vm).
package debugger

import (
	"fmt"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/value"
	"github.com/probechain/edgevm/internal/vm"
)

// State is the debugger's attach state (spec.md §4.H).
type State int

const (
	Detached State = iota
	Attached
	Paused
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Mode is the movement mode driving when Paused resumes, per spec.md
// §4.H: "step resumes with mode=StepInto ... next uses StepOver(depth)
// ... out uses StepOut(depth-1) ... continue resumes without a movement
// stop but still honors breakpoints."
type Mode int

const (
	ModeNone Mode = iota
	ModeStepInto
	ModeStepOver
	ModeStepOut
	ModeContinue
)

// StopReason records why Paused was entered, for Where's rendered output.
type StopReason int

const (
	StopBreakpoint StopReason = iota
	StopStep
)

func (r StopReason) String() string {
	if r == StopBreakpoint {
		return "breakpoint"
	}
	return "step"
}

// StopEvent is delivered on Stopped() each time the interpreter pauses.
type StopEvent struct {
	Line   int
	IP     int
	Depth  int
	Reason StopReason
}

// Debugger implements vm.TraceHook, pausing the goroutine driving Vm.Run
// at instruction boundaries where the source line changes, per the
// code-offset-to-line map value.Program.LineMap records
// (internal/compiler's recordLine). A Debugger is attached to exactly one
// Vm at a time; pausing blocks the Vm's own goroutine on resume, so
// movement and inspection commands are meant to be issued from a
// different goroutine (cmd/edgevmc's debug REPL).
type Debugger struct {
	m     *vm.Vm
	state State

	mode      Mode
	modeDepth int

	breakpoints map[int]struct{}
	lastLine    int

	stopped chan StopEvent
	resume  chan struct{}
}

// New returns a Debugger not yet attached to any Vm.
func New() *Debugger {
	return &Debugger{
		state:       Detached,
		breakpoints: make(map[int]struct{}),
		stopped:     make(chan StopEvent, 1),
		resume:      make(chan struct{}, 1),
		lastLine:    -1,
	}
}

// Attach installs the Debugger as m's TraceHook. The caller must not also
// install a jit.Recorder on m while attached.
func (d *Debugger) Attach(m *vm.Vm) {
	d.m = m
	d.state = Attached
	d.lastLine = -1
	m.Trace = d
}

// Detach removes the Debugger from its Vm and returns it to full-speed
// execution.
func (d *Debugger) Detach() {
	if d.m != nil && d.m.Trace == d {
		d.m.Trace = nil
	}
	d.m = nil
	d.state = Detached
}

// State reports the current attach state.
func (d *Debugger) State() State { return d.state }

// BreakLine adds line to the breakpoint set.
func (d *Debugger) BreakLine(line int) { d.breakpoints[line] = struct{}{} }

// ClearLine removes line from the breakpoint set.
func (d *Debugger) ClearLine(line int) { delete(d.breakpoints, line) }

// Stopped returns the channel a driving goroutine should receive from to
// learn when the interpreter has paused.
func (d *Debugger) Stopped() <-chan StopEvent { return d.stopped }

// Before implements vm.TraceHook. It is called once per Step, before the
// instruction at ip executes.
func (d *Debugger) Before(m *vm.Vm, ip int, op bytecode.Opcode) {
	if d.state == Detached {
		return
	}
	line := m.Program.LineAt(ip)
	if line == d.lastLine {
		return
	}
	if stop, reason := d.shouldStop(line, m.CallDepth()); stop {
		d.pause(ip, line, m.CallDepth(), reason)
		return
	}
	// lastLine tracks the last *executed* line, not the last stop, so a
	// breakpoint line re-entered after intervening lines fires again.
	d.lastLine = line
}

// After implements vm.TraceHook. The debug stepper decides everything it
// needs from Before; After is a no-op.
func (d *Debugger) After(m *vm.Vm, beforeIP int, op bytecode.Opcode, status vm.Status) {}

func (d *Debugger) shouldStop(line, depth int) (bool, StopReason) {
	if _, ok := d.breakpoints[line]; ok {
		return true, StopBreakpoint
	}
	switch d.mode {
	case ModeStepInto:
		return true, StopStep
	case ModeStepOver:
		if depth <= d.modeDepth {
			return true, StopStep
		}
	case ModeStepOut:
		if depth <= d.modeDepth {
			return true, StopStep
		}
	case ModeContinue, ModeNone:
	}
	return false, 0
}

// pause runs on the Vm's own goroutine: it reports the stop, then blocks
// until a movement command sends on resume.
func (d *Debugger) pause(ip, line, depth int, reason StopReason) {
	d.state = Paused
	d.lastLine = line
	d.stopped <- StopEvent{Line: line, IP: ip, Depth: depth, Reason: reason}
	<-d.resume
	d.state = Attached
}

// requireAttached rejects movement commands issued against a Debugger
// with no Vm attached, rather than silently doing nothing, since that
// would hang the caller waiting on Stopped() forever.
func (d *Debugger) requireAttached() error {
	if d.state == Detached {
		return fmt.Errorf("debugger: not attached to a Vm")
	}
	return nil
}

// Step resumes with mode StepInto: stop at the next distinct line
// anywhere in the program.
func (d *Debugger) Step() error {
	if err := d.requireAttached(); err != nil {
		return err
	}
	d.mode = ModeStepInto
	d.resume <- struct{}{}
	return nil
}

// Next resumes with mode StepOver(current depth): stop at the next
// distinct line at the same call depth or shallower.
func (d *Debugger) Next() error {
	if err := d.requireAttached(); err != nil {
		return err
	}
	d.mode = ModeStepOver
	d.modeDepth = d.m.CallDepth()
	d.resume <- struct{}{}
	return nil
}

// Out resumes with mode StepOut(current depth - 1): stop once the call
// stack has unwound past the current frame.
func (d *Debugger) Out() error {
	if err := d.requireAttached(); err != nil {
		return err
	}
	d.mode = ModeStepOut
	d.modeDepth = d.m.CallDepth() - 1
	d.resume <- struct{}{}
	return nil
}

// Continue resumes without a movement stop, honoring only breakpoints.
func (d *Debugger) Continue() error {
	if err := d.requireAttached(); err != nil {
		return err
	}
	d.mode = ModeContinue
	d.resume <- struct{}{}
	return nil
}

// Where reports the current line, ip, and call depth. Safe to call while
// Paused, since the Vm's goroutine is blocked inside pause.
func (d *Debugger) Where() (line, ip, depth int) {
	if d.m == nil {
		return 0, 0, 0
	}
	return d.m.Program.LineAt(d.m.IP()), d.m.IP(), d.m.CallDepth()
}

// Locals returns the current frame's local slots.
func (d *Debugger) Locals() []value.Value {
	if d.m == nil {
		return nil
	}
	return d.m.Locals()
}

// Stack returns the operand stack, top last.
func (d *Debugger) Stack() []value.Value {
	if d.m == nil {
		return nil
	}
	return d.m.Stack()
}

// PrintVar resolves a single inspection target. Program.Code carries no
// variable-name table (only slot indices survive compilation), so name
// resolution accepts a numeric local-slot index rather than a source
// identifier; a future symbol table emitted alongside LineMap would let
// this accept real names.
func (d *Debugger) PrintVar(nameOrSlot string) (value.Value, error) {
	var slot int
	if _, err := fmt.Sscanf(nameOrSlot, "%d", &slot); err != nil {
		return value.Value{}, fmt.Errorf("debugger: print target %q is not a local slot index: %w", nameOrSlot, err)
	}
	locals := d.Locals()
	if slot < 0 || slot >= len(locals) {
		return value.Value{}, fmt.Errorf("debugger: local slot %d out of range (have %d)", slot, len(locals))
	}
	return locals[slot], nil
}
