// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package hostabi

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// defaultLimiterCacheSize bounds the number of distinct rate-limit keys
// (e.g. client IPs) tracked at once; evicted keys reset to a fresh
// allowance, which is an accepted tradeoff for bounded memory use under
// high key cardinality.
const defaultLimiterCacheSize = 4096

// RateLimiter implements the host-callable rate limit primitive
// (spec.md's host ABI rate limiting) as a per-key token bucket
// (golang.org/x/time/rate) held in an LRU-bounded cache
// (github.com/hashicorp/golang-lru). It is not a sliding window: a key
// may spend its whole allowance at once, and after that it regains one
// call every window/maxEvents rather than when the oldest call leaves
// the window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache
}

type bucketEntry struct {
	limiter *rate.Limiter
}

// NewRateLimiter constructs a rate limiter with a bounded key cache.
func NewRateLimiter() *RateLimiter {
	cache, err := lru.New(defaultLimiterCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultLimiterCacheSize never is.
		panic(fmt.Sprintf("hostabi: unexpected lru.New error: %v", err))
	}
	return &RateLimiter{buckets: cache}
}

// Allow reports whether a call keyed by key is permitted under a limit of
// maxEvents per window. Each distinct (key, maxEvents, window)
// combination gets its own token bucket, refilled continuously at
// maxEvents/window.
func (r *RateLimiter) Allow(key string, maxEvents int, window time.Duration) bool {
	if maxEvents <= 0 || window <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cacheKey := fmt.Sprintf("%s|%d|%s", key, maxEvents, window)
	var entry *bucketEntry
	if v, ok := r.buckets.Get(cacheKey); ok {
		entry = v.(*bucketEntry)
	} else {
		perSecond := rate.Limit(float64(maxEvents) / window.Seconds())
		entry = &bucketEntry{limiter: rate.NewLimiter(perSecond, maxEvents)}
		r.buckets.Add(cacheKey, entry)
	}
	return entry.limiter.Allow()
}

// ResetForTest clears all tracked buckets, used by tests that need a
// clean rate-limiter state between cases.
func (r *RateLimiter) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets.Purge()
}
