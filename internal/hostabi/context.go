// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package hostabi implements the capability-scoped surface host functions
// see: mutable request/response contexts and a sliding-window rate
// limiter, but never the Vm's operand stack or call frames, so a host
// function structurally cannot corrupt VM internals.
package hostabi

import (
	"net/url"

	"github.com/probechain/edgevm/internal/value"
)

// HostOutcome is what a HostFunction returns: a value to push back onto
// the Vm's operand stack, optionally flagged to short-circuit the whole
// program (spec.md's host-initiated early response), or flagged to
// Suspend execution entirely (spec.md §4.D: the interpreter then exits
// with status Yielded without advancing past the call instruction, so
// resumption re-executes the call — the host function itself is
// responsible for remembering it already ran any side effects).
type HostOutcome struct {
	Result       value.Value
	ShortCircuit bool
	Suspend      bool
}

// HostFunction is the signature every registered host function
// implements. Its only access to running state is ctx, which exposes
// request/response mutation and rate limiting, never the Vm's operand
// stack or call frames.
type HostFunction func(ctx *Context, args []value.Value) (HostOutcome, error)

// RequestContext holds the inbound request a program is processing, and
// the mutable upstream-bound copy the program may rewrite before the
// (external) proxy forwards it. Every accessor/mutator named in spec.md
// §4.E's "Request accessors"/"Upstream-request mutators" lists is a
// method here.
type RequestContext struct {
	Method      string
	Path        string
	Query       string // raw query string, without the leading '?'
	Scheme      string
	Host        string
	HTTPVersion string
	Port        int
	ClientIP    string
	Headers     map[string]string
	Body        []byte

	// Upstream is the forwarding target; empty means "the proxy's
	// configured default". SetUpstream overrides it per spec.md's
	// upstream-target mutator.
	Upstream string
}

// Header returns a request header value, or "" if absent.
func (r *RequestContext) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// AllHeaders returns a copy of every request header, used by programs
// that iterate rather than look up by name.
func (r *RequestContext) AllHeaders() map[string]string {
	out := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out[k] = v
	}
	return out
}

// QueryArg returns a single query-string argument by name, or "" if
// absent. Parsing is first-match; repeated keys are not aggregated,
// matching the single-value accessor spec.md names.
func (r *RequestContext) QueryArg(name string) string {
	values, err := url.ParseQuery(r.Query)
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// SetHeader sets a request header, used by host functions that enrich the
// request before it is forwarded upstream.
func (r *RequestContext) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// AddHeader appends a request header, preserving any existing value under
// that name by joining with a comma, the same merge rule HTTP uses for
// repeated header lines.
func (r *RequestContext) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	if existing, ok := r.Headers[name]; ok && existing != "" {
		r.Headers[name] = existing + ", " + value
		return
	}
	r.Headers[name] = value
}

// RemoveHeader deletes a request header.
func (r *RequestContext) RemoveHeader(name string) {
	delete(r.Headers, name)
}

// ClearHeaders removes every request header.
func (r *RequestContext) ClearHeaders() {
	r.Headers = make(map[string]string)
}

// SetMethod overrides the upstream-bound HTTP method.
func (r *RequestContext) SetMethod(method string) { r.Method = method }

// SetPath overrides the upstream-bound request path.
func (r *RequestContext) SetPath(path string) { r.Path = path }

// SetQuery overrides the upstream-bound raw query string.
func (r *RequestContext) SetQuery(query string) { r.Query = query }

// SetQueryArg sets (or replaces) a single query-string argument, leaving
// the rest of the query string untouched.
func (r *RequestContext) SetQueryArg(name, value string) {
	values, err := url.ParseQuery(r.Query)
	if err != nil {
		values = url.Values{}
	}
	values.Set(name, value)
	r.Query = values.Encode()
}

// SetBody overrides the upstream-bound request body.
func (r *RequestContext) SetBody(b []byte) { r.Body = b }

// SetUpstream overrides the forwarding target (host:port or a named
// upstream pool, interpreted entirely by the out-of-scope proxy).
func (r *RequestContext) SetUpstream(target string) { r.Upstream = target }

// ResponseContext holds the outbound response a program is building, and
// is also how a host function short-circuits execution with an immediate
// response (spec.md's short-circuit behavior): setting a body before the
// program halts signals the proxy to skip upstream forwarding entirely.
type ResponseContext struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte

	// ShortCircuited records whether a host function set a body before
	// halt; the (external) proxy reads this to decide whether to forward
	// upstream at all.
	ShortCircuited bool
}

// Header returns a response header value, or "" if absent.
func (r *ResponseContext) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// AllHeaders returns a copy of every response header.
func (r *ResponseContext) AllHeaders() map[string]string {
	out := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out[k] = v
	}
	return out
}

// SetHeader sets a response header.
func (r *ResponseContext) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// AddHeader appends a response header, merging with any existing value.
func (r *ResponseContext) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	if existing, ok := r.Headers[name]; ok && existing != "" {
		r.Headers[name] = existing + ", " + value
		return
	}
	r.Headers[name] = value
}

// RemoveHeader deletes a response header.
func (r *ResponseContext) RemoveHeader(name string) { delete(r.Headers, name) }

// ClearHeaders removes every response header.
func (r *ResponseContext) ClearHeaders() { r.Headers = make(map[string]string) }

// SetStatus sets the response status code, used both for the normal
// response path and for a short-circuit rejection (e.g. 429 from the rate
// limiter host function).
func (r *ResponseContext) SetStatus(code int) { r.StatusCode = code }

// SetBody replaces the response body and marks the response
// short-circuited, per spec.md's "setting response body before exit
// signals the proxy to skip upstream forwarding" rule.
func (r *ResponseContext) SetBody(b []byte) {
	r.Body = b
	r.ShortCircuited = true
}

// Context is the single object a HostFunction receives. It bundles the
// request/response pair and a handle to the process-wide rate limiter;
// it never exposes the executing Vm.
type Context struct {
	Request  *RequestContext
	Response *ResponseContext
	Limiter  *RateLimiter

	// RequestID identifies the in-flight request for structured log
	// correlation (spec.md's ambient logging requirement).
	RequestID string
}
