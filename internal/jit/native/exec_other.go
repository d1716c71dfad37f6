// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build !((linux || darwin) && (amd64 || arm64))

package native

import (
	"fmt"
	"runtime"
	"unsafe"
)

type executableMemory struct {
	ptr unsafe.Pointer
}

// allocExecutable always fails on platforms without an mmap-based
// executable-memory primitive (e.g. windows, or any exotic GOARCH); Compile
// treats this the same as any other emission failure.
func allocExecutable(code []byte) (*executableMemory, error) {
	return nil, fmt.Errorf("native: no executable-memory allocator for %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (e *executableMemory) Close() error { return nil }
