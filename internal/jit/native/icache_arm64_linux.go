// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build arm64 && linux

package native

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Linux's membarrier(2) MEMBARRIER_CMD_PRIVATE_EXPEDITED_SYNC_CORE is the
// portable, non-assembly way a JIT tells the kernel "I modified executable
// code in this process; make sure every core sees it before it's run,"
// used by the same class of tracing JITs this package imitates. The two
// command values are not yet exposed by golang.org/x/sys/unix, so they're
// named here from include/uapi/linux/membarrier.h, a stable uAPI.
const (
	membarrierCmdRegisterPrivateExpeditedSyncCore = 1 << 3
	membarrierCmdPrivateExpeditedSyncCore         = 1 << 4
)

var registerSyncCoreOnce sync.Once

// flushInstructionCache invalidates stale instruction-cache entries for
// region on every core that might run it next, mirroring
// original_source/pd-vm/src/vm/jit_native/aarch64.rs's
// flush_icache_for_region at the semantic level (AArch64 icache/dcache
// are not coherent by default) while using Linux's syscall-based
// mechanism instead of hand-encoded DC/IC instructions, since Go's
// arm64 assembler has no mnemonic for them.
func flushInstructionCache(region []byte) {
	registerSyncCoreOnce.Do(func() {
		unix.Syscall(unix.SYS_MEMBARRIER, membarrierCmdRegisterPrivateExpeditedSyncCore, 0, 0)
	})
	unix.Syscall(unix.SYS_MEMBARRIER, membarrierCmdPrivateExpeditedSyncCore, 0, 0)
}
