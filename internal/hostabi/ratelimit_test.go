// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package hostabi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/edgevm/internal/hostabi"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := hostabi.NewRateLimiter()
	for i := 0; i < 5; i++ {
		assert.Truef(t, rl.Allow("client-a", 5, time.Minute), "call %d should have been allowed", i)
	}
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	rl := hostabi.NewRateLimiter()
	for i := 0; i < 3; i++ {
		rl.Allow("client-b", 3, time.Minute)
	}
	assert.False(t, rl.Allow("client-b", 3, time.Minute), "expected the 4th call within the window to be rejected")
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := hostabi.NewRateLimiter()
	for i := 0; i < 2; i++ {
		rl.Allow("client-c", 2, time.Minute)
	}
	require.True(t, rl.Allow("client-d", 2, time.Minute), "a different key should have its own independent budget")
}

func TestRateLimiterResetForTest(t *testing.T) {
	rl := hostabi.NewRateLimiter()
	rl.Allow("client-e", 1, time.Minute)
	require.False(t, rl.Allow("client-e", 1, time.Minute), "expected budget exhausted before reset")
	rl.ResetForTest()
	assert.True(t, rl.Allow("client-e", 1, time.Minute), "expected budget restored after ResetForTest")
}
