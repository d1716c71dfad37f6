// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package native

// Status words written into the return register by emitted native code,
// per spec.md §4.G's "Status convention": 0 continue (returned when a
// loop-back trace has used up its lap budget, so vm.Run can dispatch it
// again), 1 halted, 2 yielded, 3 traced out via a guard, -1 errored.
const (
	statusContinue int32 = 0
	statusHalted   int32 = 1
	statusYielded  int32 = 2
	statusTraceExit int32 = 3
	statusError    int32 = -1
)
