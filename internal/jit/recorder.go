// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jit

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/config"
	"github.com/probechain/edgevm/internal/vm"
)

// CompileFunc lowers a finished JitTrace to an executable vm.NativeTrace.
// It is supplied by the caller (rather than imported directly) so this
// package never depends on internal/jit/native, which itself depends on
// this package for the JitTrace/TraceStep types — a direct import here
// would be a cycle.
type CompileFunc func(trace *JitTrace) (vm.NativeTrace, error)

// headState tracks one potential trace head: a back-edge target's hit
// count, or the back-off remaining after an aborted recording attempt.
type headState struct {
	hits    int
	backoff int
}

// Recorder implements vm.TraceHook: it watches every instruction a Vm
// executes, counts hits on back-edge targets, and once a head crosses
// Config.HotLoopThreshold, records a linear trace of the instructions the
// loop actually takes until it loops back, side-exits, or returns
// (spec.md §4.F). Each Vm owns its own Recorder (spec.md §5: traces are
// never shared across Vms).
type Recorder struct {
	cfg     config.JIT
	compile CompileFunc
	log     *zap.SugaredLogger

	heads *lru.Cache // ip -> *headState

	recording  bool
	current    *JitTrace
	startDepth int

	// yieldedHosts remembers every host index that has ever returned a
	// Yielded status under this recorder; a later trace inlining such a
	// call is flagged HasYieldingCall (spec.md §4.F).
	yieldedHosts map[int]bool
}

// NewRecorder constructs a Recorder. compile may be nil, in which case
// finished traces are discarded (useful for tests that only want to
// observe recording behavior, not native compilation).
func NewRecorder(cfg config.JIT, compile CompileFunc, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	size := cfg.TraceCacheSize
	if size <= 0 {
		size = 256
	}
	heads, err := lru.New(size)
	if err != nil {
		panic(fmt.Sprintf("jit: unexpected lru.New error: %v", err))
	}
	return &Recorder{cfg: cfg, compile: compile, log: logger, heads: heads, yieldedHosts: make(map[int]bool)}
}

func (r *Recorder) head(ip int) *headState {
	if v, ok := r.heads.Get(ip); ok {
		return v.(*headState)
	}
	hs := &headState{}
	r.heads.Add(ip, hs)
	return hs
}

// Before is called before m executes the instruction at ip. If no
// recording is in progress and ip has crossed the hot-loop threshold, a
// new recording begins here.
func (r *Recorder) Before(m *vm.Vm, ip int, op bytecode.Opcode) {
	if r.recording {
		return
	}
	if _, ok := m.Natives[ip]; ok {
		return // already compiled; vm.Run dispatches to it directly
	}
	hs := r.head(ip)
	if hs.backoff > 0 {
		return
	}
	if hs.hits < jitThreshold(r.cfg) {
		return
	}
	r.recording = true
	r.startDepth = m.CallDepth()
	r.current = &JitTrace{
		ID:         uuid.New(),
		HeadIP:     ip,
		StartLine:  m.Program.LineAt(ip),
		EntryDepth: len(m.Stack()),
	}
}

// After is called once m has executed the instruction that began at
// beforeIP, with the resulting status and the Vm's new ip (via m.IP()).
// It both maintains back-edge hit counts (so cold heads eventually become
// hot) and, while recording, appends the step just executed.
func (r *Recorder) After(m *vm.Vm, beforeIP int, op bytecode.Opcode, status vm.Status) {
	newIP := m.IP()
	if op == bytecode.OpCallHost && status == vm.Yielded {
		idx := int(binary.LittleEndian.Uint16(m.Program.Code[beforeIP+1:]))
		r.yieldedHosts[idx] = true
	}
	if status == vm.Continue && isBranch(op) && newIP <= beforeIP {
		hs := r.head(newIP)
		if hs.backoff > 0 {
			hs.backoff--
		} else {
			hs.hits++
		}
	}

	if !r.recording {
		return
	}
	r.recordStep(m, beforeIP, op, status, newIP)
}

func isBranch(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue, bytecode.OpCallUser, bytecode.OpRet:
		return true
	default:
		return false
	}
}

func (r *Recorder) recordStep(m *vm.Vm, beforeIP int, op bytecode.Opcode, status vm.Status, newIP int) {
	t := r.current

	if status != vm.Continue {
		// A host call suspended, or execution faulted mid-recording:
		// spec.md's "error during recording" abort condition.
		r.abort(beforeIP, "non-continue status %s while recording", status)
		return
	}
	if len(t.Steps) >= jitMaxLen(r.cfg) {
		r.abort(beforeIP, "trace length exceeded cap %d", jitMaxLen(r.cfg))
		return
	}

	size := op.InstructionSize()
	operand := append([]byte(nil), m.Program.Code[beforeIP+1:beforeIP+size]...)
	fallthroughIP := beforeIP + size

	switch op {
	case bytecode.OpCallUser:
		// Open Question decision (DESIGN.md): user calls always
		// side-exit; only host calls are inlined into a trace.
		t.HasCall = true
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
		r.finish(m, TerminalSideExit)
		return

	case bytecode.OpCallHost:
		t.HasCall = true
		idx := int(binary.LittleEndian.Uint16(operand))
		if r.yieldedHosts[idx] {
			t.HasYieldingCall = true
		}
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
		return

	case bytecode.OpRet:
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
		if m.CallDepth() < r.startDepth {
			r.finish(m, TerminalReturn)
		}
		return

	case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
		rel := int32(binary.LittleEndian.Uint32(operand))
		branchTarget := fallthroughIP + int(rel)
		taken := newIP == branchTarget
		exitIP := branchTarget
		if taken {
			exitIP = fallthroughIP
		}
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand, Taken: taken, ExitIP: exitIP})
		if newIP == t.HeadIP {
			r.finish(m, TerminalLoopBack)
		}
		return

	case bytecode.OpJump:
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
		if newIP == t.HeadIP {
			r.finish(m, TerminalLoopBack)
			return
		}
		if newIP < beforeIP {
			// A backward jump to a head other than our own: recursion
			// into a different hot loop, or into this one before
			// looping back properly. Treat as a side-exit rather than
			// silently looping forever inside the recorder.
			r.finish(m, TerminalSideExit)
			return
		}
		// Forward jump out of the recorded region.
		r.finish(m, TerminalSideExit)
		return

	case bytecode.OpHalt:
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
		r.finish(m, TerminalReturn)
		return

	default:
		if newIP == t.HeadIP && beforeIP != t.HeadIP {
			// Reached the head via straight-line fallthrough (no loop
			// instruction observed) — treat like a loop-back close.
			t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
			r.finish(m, TerminalLoopBack)
			return
		}
		t.Steps = append(t.Steps, TraceStep{IP: beforeIP, Op: op, Operand: operand})
	}
}

// abort discards the in-progress trace and applies back-off to its head
// so it is not immediately retried.
func (r *Recorder) abort(atIP int, format string, args ...interface{}) {
	head := r.current.HeadIP
	r.log.Debugw("jit: trace recording aborted", "head_ip", head, "at_ip", atIP, "reason", fmt.Sprintf(format, args...))
	hs := r.head(head)
	hs.hits = 0
	hs.backoff = jitBackoff(r.cfg)
	r.recording = false
	r.current = nil
}

// finish closes the in-progress trace with the given terminal, hands it
// to the compiler (if any), and installs the result into m.Natives.
func (r *Recorder) finish(m *vm.Vm, terminal Terminal) {
	t := r.current
	t.Terminal = terminal
	r.recording = false
	r.current = nil

	if r.compile == nil {
		return
	}
	native, err := r.compile(t)
	if err != nil {
		r.log.Infow("jit: native compilation declined, staying interpreted", "head_ip", t.HeadIP, "error", err)
		// Back off so we don't retry compiling (and failing) every
		// single iteration of a loop the emitter cannot handle.
		hs := r.head(t.HeadIP)
		hs.backoff = jitBackoff(r.cfg)
		return
	}
	if m.Natives == nil {
		m.Natives = make(map[int]vm.NativeTrace)
	}
	m.Natives[t.HeadIP] = native
	r.log.Debugw("jit: trace compiled", "head_ip", t.HeadIP, "steps", len(t.Steps), "terminal", terminal)
}

func jitThreshold(c config.JIT) int {
	if c.HotLoopThreshold <= 0 {
		return 50
	}
	return c.HotLoopThreshold
}

func jitMaxLen(c config.JIT) int {
	if c.MaxTraceLength <= 0 {
		return maxTraceLength
	}
	return c.MaxTraceLength
}

func jitBackoff(c config.JIT) int {
	if c.BackoffAfterAbort <= 0 {
		return 200
	}
	return c.BackoffAfterAbort
}
