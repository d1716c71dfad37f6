// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build amd64

package native

import "unsafe"

// invokeNative calls the emitted machine code at code, passing vmPtr as
// its single argument per the SysV calling convention (RDI), and returns
// the int32 status word the code leaves in EAX. Implemented in
// invoke_amd64.s: Go's own calling convention for TEXT symbols is stack
// (or ABIInternal-register) based and does not match SysV, so a small
// assembly trampoline bridges the two, the same technique
// original_source/pd-vm/src/vm/jit_native/x86_64.rs's Rust call_trampoline
// uses (there, an extern "C" fn pointer cast does the bridging natively;
// Go needs the explicit asm stub instead).
//
//go:noescape
func invokeNative(code unsafe.Pointer, vmPtr unsafe.Pointer) int32
