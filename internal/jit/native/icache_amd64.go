// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build amd64

package native

// flushInstructionCache is a no-op on amd64: x86-64 guarantees instruction
// and data cache coherency for self-modifying/JIT'd code without an
// explicit flush.
func flushInstructionCache(region []byte) {}
