// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build arm64 && !linux

package native

// flushInstructionCache has no portable non-cgo implementation on
// non-Linux arm64 (Darwin's equivalent, sys_icache_invalidate, is a
// libSystem call that would require cgo), so Compile declines native
// emission on darwin/arm64 outright rather than risk executing stale
// instructions; this stub exists only so exec_unix.go links there.
func flushInstructionCache(region []byte) {}
