// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package native

import (
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/jit"
	"github.com/probechain/edgevm/internal/vm"
)

// fallbackTrace is the "interpreter-only" trace spec.md §4.G requires
// whenever native emission fails (unsupported layout, unsupported
// opcode, code too long, non-amd64/arm64 host): it walks the recorded
// TraceStep sequence by replaying the same bytecode through the normal
// interpreter, one instruction at a time, so its observable behavior is
// identical to never having recorded a trace at all — the JIT-equivalence
// property holds trivially.
type fallbackTrace struct {
	trace *jit.JitTrace
}

func newFallbackTrace(t *jit.JitTrace) *fallbackTrace {
	return &fallbackTrace{trace: t}
}

// Run executes one lap of the trace: it steps the interpreter forward
// exactly len(Steps) bytecode instructions (or until a non-Continue
// status), matching what plain interpretation would have done. Reaching
// the end with Continue leaves m.IP() at the loop head again, so vm.Run's
// dispatch loop re-enters this same NativeTrace for the next lap without
// ever falling out of the "traced" fast-ish path.
func (f *fallbackTrace) Run(m *vm.Vm, hctx *hostabi.Context) (vm.Status, error) {
	f.trace.ExecCount++
	for range f.trace.Steps {
		status, err := m.StepOnce(hctx)
		if status != vm.Continue {
			return status, err
		}
	}
	return vm.Continue, nil
}
