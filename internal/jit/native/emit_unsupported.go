// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build !amd64 && !arm64

package native

import (
	"fmt"
	"runtime"

	"github.com/probechain/edgevm/internal/jit"
)

// emitArchTrace always declines on architectures without a native backend;
// Compile treats this the same as any other emission failure and falls
// back to the portable interpreter, per spec.md §4.G.
func emitArchTrace(t *jit.JitTrace, layout stackLayout) ([]byte, error) {
	return nil, fmt.Errorf("native: no backend for GOARCH=%s", runtime.GOARCH)
}
