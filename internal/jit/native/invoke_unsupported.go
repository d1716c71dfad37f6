// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build !amd64 && !arm64

package native

import "unsafe"

// invokeNative is never actually reached on these architectures: Compile
// declines native emission (emit_unsupported.go) before a compiledTrace
// can exist, so allocExecutable never succeeds and this body is dead code
// kept only so the package builds everywhere.
func invokeNative(code unsafe.Pointer, vmPtr unsafe.Pointer) int32 {
	return statusError
}
