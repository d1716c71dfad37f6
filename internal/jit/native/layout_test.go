// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package native

import "testing"

func TestProbeLayoutSucceedsAndIsCached(t *testing.T) {
	l1, err := probeLayout()
	if err != nil {
		t.Fatalf("probeLayout: %v", err)
	}
	if l1.value.size == 0 {
		t.Fatalf("expected a non-zero Value size")
	}
	if l1.stackVec.capOffset <= l1.stackVec.lenOffset {
		t.Fatalf("slice cap offset should follow len offset: %+v", l1.stackVec)
	}

	l2, err := probeLayout()
	if err != nil {
		t.Fatalf("probeLayout (second call): %v", err)
	}
	if l1 != l2 {
		t.Fatalf("probeLayout should return the same cached result on every call")
	}
}
