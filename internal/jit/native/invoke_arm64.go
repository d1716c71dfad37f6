// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build arm64

package native

import "unsafe"

// invokeNative calls the emitted machine code at code, passing vmPtr in
// X0 per AAPCS64, and returns the int32 status word left in W0.
// Implemented in invoke_arm64.s for the same reason as the amd64
// counterpart: Go TEXT symbols don't speak AAPCS64 directly.
//
//go:noescape
func invokeNative(code unsafe.Pointer, vmPtr unsafe.Pointer) int32
