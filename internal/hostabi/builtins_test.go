// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package hostabi

import (
	"testing"
	"time"

	"github.com/probechain/edgevm/internal/value"
)

func newTestContext() *Context {
	return &Context{
		Request: &RequestContext{
			Method:  "GET",
			Path:    "/widgets",
			Query:   "id=7&id=8",
			Headers: map[string]string{"X-Trace": "abc"},
		},
		Response: &ResponseContext{StatusCode: 200},
	}
}

func call(t *testing.T, r *Registry, ctx *Context, name string, args ...value.Value) HostOutcome {
	t.Helper()
	bound := r.Bind()
	sigs := r.Signatures()
	for i, sig := range sigs {
		if sig.Name == name {
			out, err := bound[i](ctx, args)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			return out
		}
	}
	t.Fatalf("no host function registered under %q", name)
	return HostOutcome{}
}

func TestBuiltinsRequestAccessors(t *testing.T) {
	r := DefaultRegistry(nil)
	ctx := newTestContext()

	got := call(t, r, ctx, "request.method").Result
	if s, ok := got.AsString(); !ok || s != "GET" {
		t.Errorf("request.method = %v", got)
	}
	if s, _ := call(t, r, ctx, "request.query_arg", value.String("id")).Result.AsString(); s != "7" {
		t.Errorf("request.query_arg(id) = %q, want 7", s)
	}
	if s, _ := call(t, r, ctx, "request.header", value.String("X-Trace")).Result.AsString(); s != "abc" {
		t.Errorf("request.header(X-Trace) = %q", s)
	}
}

func TestBuiltinsRequestMutators(t *testing.T) {
	r := DefaultRegistry(nil)
	ctx := newTestContext()

	call(t, r, ctx, "request.set_header", value.String("X-Added"), value.String("1"))
	if ctx.Request.Header("X-Added") != "1" {
		t.Fatalf("request.set_header did not mutate ctx.Request")
	}
	call(t, r, ctx, "request.set_path", value.String("/widgets/7"))
	if ctx.Request.Path != "/widgets/7" {
		t.Fatalf("request.set_path did not mutate ctx.Request.Path")
	}
}

func TestBuiltinsResponseSetBodyShortCircuits(t *testing.T) {
	r := DefaultRegistry(nil)
	ctx := newTestContext()

	call(t, r, ctx, "response.set_status", value.Int(429))
	call(t, r, ctx, "response.set_body", value.String("too many requests"))

	if !ctx.Response.ShortCircuited {
		t.Fatalf("response.set_body must mark ShortCircuited")
	}
	if ctx.Response.StatusCode != 429 {
		t.Fatalf("response.set_status did not stick: got %d", ctx.Response.StatusCode)
	}
	if string(ctx.Response.Body) != "too many requests" {
		t.Fatalf("response.get_body mismatch")
	}
}

func TestBuiltinsRateLimitAllow(t *testing.T) {
	limiter := NewRateLimiter()
	r := DefaultRegistry(limiter)
	ctx := newTestContext()

	first := call(t, r, ctx, "rate_limit.allow", value.String("k"), value.Int(1), value.Int(int64(time.Minute/time.Second)))
	if allowed, _ := first.Result.AsBool(); !allowed {
		t.Fatalf("first rate_limit.allow call should be allowed")
	}
	second := call(t, r, ctx, "rate_limit.allow", value.String("k"), value.Int(1), value.Int(int64(time.Minute/time.Second)))
	if allowed, _ := second.Result.AsBool(); allowed {
		t.Fatalf("second rate_limit.allow call under a limit of 1 should be rejected")
	}
}

func TestBuiltinsRateLimitAllowMissingLimiterFails(t *testing.T) {
	r := DefaultRegistry(nil)
	ctx := newTestContext()
	bound := r.Bind()
	sigs := r.Signatures()
	for i, sig := range sigs {
		if sig.Name == "rate_limit.allow" {
			if _, err := bound[i](ctx, []value.Value{value.String("k"), value.Int(1), value.Int(60)}); err == nil {
				t.Fatalf("expected an error when no limiter is configured anywhere")
			}
			return
		}
	}
	t.Fatalf("rate_limit.allow not registered")
}

func TestBuiltinsWrongArgTypeFails(t *testing.T) {
	r := DefaultRegistry(nil)
	ctx := newTestContext()
	bound := r.Bind()
	sigs := r.Signatures()
	for i, sig := range sigs {
		if sig.Name == "request.header" {
			if _, err := bound[i](ctx, []value.Value{value.Int(1)}); err == nil {
				t.Fatalf("expected a type-mismatch error, got nil")
			}
			return
		}
	}
	t.Fatalf("request.header not registered")
}
