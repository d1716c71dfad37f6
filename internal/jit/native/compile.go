// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package native

import (
	"runtime"
	"unsafe"

	"go.uber.org/zap"

	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/jit"
	"github.com/probechain/edgevm/internal/vm"
)

// Config tunes native emission, mirroring internal/config.JIT's
// DisableNative so tests can force the interpreter-only fallback
// regardless of host architecture (spec.md §8's differential-execution
// JIT-equivalence test runs the same trace both ways).
type Config struct {
	DisableNative bool
}

// NewCompileFunc returns a jit.CompileFunc bound to cfg/logger, the value
// internal/jit.NewRecorder expects. Kept as a function value (not a
// method expression referencing *jit.Recorder) to avoid internal/jit
// importing this package, which would cycle back through this package's
// dependency on internal/jit for JitTrace/TraceStep.
func NewCompileFunc(cfg Config, logger *zap.SugaredLogger) jit.CompileFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(t *jit.JitTrace) (vm.NativeTrace, error) {
		return Compile(t, cfg, logger)
	}
}

// Compile lowers t to a vm.NativeTrace: genuine machine code when the
// host architecture is supported, the process-wide layout probe
// succeeds, and every step in t is one the architecture backend knows
// how to emit; an interpreter-only fallback (identical semantics, just
// slower) otherwise. Compile itself essentially never fails — emission
// failures downgrade to the fallback rather than propagating, matching
// spec.md §4.G's "Fallback" behavior. A non-nil error is reserved for
// fatal misconfiguration the caller should not silently swallow.
func Compile(t *jit.JitTrace, cfg Config, logger *zap.SugaredLogger) (vm.NativeTrace, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.DisableNative {
		return newFallbackTrace(t), nil
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		// No non-cgo way to invalidate the instruction cache here
		// (sys_icache_invalidate is a libSystem call), so emitting would
		// risk executing stale instructions. Decline instead.
		logger.Debugw("jit/native: no icache flush on darwin/arm64, using interpreter fallback", "head_ip", t.HeadIP)
		return newFallbackTrace(t), nil
	}
	if t.HasCall {
		// CallUser always side-exits (Open Question decision,
		// DESIGN.md); the only inlineable call is CallHost, and bridging
		// a CallHost out of raw machine code requires the C-ABI
		// trampoline's thread-local error bridge, which this backend
		// does not implement on any architecture. Traces with any call
		// step are therefore always served by the portable evaluator.
		logger.Debugw("jit/native: trace has a call step, using interpreter fallback", "head_ip", t.HeadIP)
		return newFallbackTrace(t), nil
	}

	layout, err := probeLayout()
	if err != nil {
		logger.Warnw("jit/native: layout probe failed, native backend disabled", "error", err)
		return newFallbackTrace(t), nil
	}

	code, err := emitArchTrace(t, layout)
	if err != nil {
		logger.Infow("jit/native: emission declined, using interpreter fallback", "head_ip", t.HeadIP, "error", err)
		return newFallbackTrace(t), nil
	}

	mem, err := allocExecutable(code)
	if err != nil {
		logger.Warnw("jit/native: executable memory allocation failed, using interpreter fallback", "error", err)
		return newFallbackTrace(t), nil
	}

	return &compiledTrace{trace: t, mem: mem}, nil
}

// compiledTrace is a trace backed by a real ExecutableMemory region.
type compiledTrace struct {
	trace *jit.JitTrace
	mem   *executableMemory
}

func (c *compiledTrace) Run(m *vm.Vm, hctx *hostabi.Context) (vm.Status, error) {
	c.trace.ExecCount++
	status := invokeNative(c.mem.ptr, unsafe.Pointer(m))
	switch status {
	case statusContinue:
		return vm.Continue, nil
	case statusHalted:
		return vm.Halted, nil
	case statusYielded:
		return vm.Yielded, nil
	case statusTraceExit:
		return vm.TraceExit, nil
	default:
		return vm.Error, hostabi.ErrJitNative
	}
}
