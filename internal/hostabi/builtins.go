// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package hostabi

import (
	"fmt"
	"time"

	"github.com/probechain/edgevm/internal/value"
)

// DefaultRegistry builds the Registry an edge program normally links
// against: spec.md §4.E's request accessors, upstream-request mutators,
// response mutators/accessors, and the rate limiter, all registered under
// stable names in a fixed order so two processes that load the same
// compiler output agree on CallHost indices (spec.md §6's registration
// contract). limiter is shared across every Vm built from this registry's
// Bind() output — it is the one piece of state host functions mutate that
// is not scoped to a single request.
func DefaultRegistry(limiter *RateLimiter) *Registry {
	r := NewRegistry()
	for _, b := range builtins(limiter) {
		if err := r.Register(b.name, b.arity, b.fn); err != nil {
			// Only fails on a duplicate name, which the builtins table
			// below never contains.
			panic(fmt.Sprintf("hostabi: DefaultRegistry: %v", err))
		}
	}
	return r
}

type builtin struct {
	name  string
	arity uint8
	fn    HostFunction
}

func builtins(limiter *RateLimiter) []builtin {
	return []builtin{
		// ---- Request accessors ----
		{"request.method", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.Method)), nil
		}},
		{"request.path", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.Path)), nil
		}},
		{"request.query", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.Query)), nil
		}},
		{"request.query_arg", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			return ok(value.String(ctx.Request.QueryArg(name))), nil
		}},
		{"request.scheme", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.Scheme)), nil
		}},
		{"request.host", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.Host)), nil
		}},
		{"request.http_version", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.HTTPVersion)), nil
		}},
		{"request.port", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.Int(int64(ctx.Request.Port))), nil
		}},
		{"request.client_ip", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(ctx.Request.ClientIP)), nil
		}},
		{"request.header", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			return ok(value.String(ctx.Request.Header(name))), nil
		}},
		{"request.headers", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			m := value.NewOrderedMap()
			for k, v := range ctx.Request.AllHeaders() {
				m.Set(k, value.String(v))
			}
			return ok(value.Map(m)), nil
		}},
		{"request.body", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(string(ctx.Request.Body))), nil
		}},

		// ---- Upstream-request mutators ----
		{"request.set_header", 2, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, val, err := stringArg2(args)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetHeader(name, val)
			return ok(value.Null), nil
		}},
		{"request.add_header", 2, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, val, err := stringArg2(args)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.AddHeader(name, val)
			return ok(value.Null), nil
		}},
		{"request.remove_header", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.RemoveHeader(name)
			return ok(value.Null), nil
		}},
		{"request.clear_headers", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			ctx.Request.ClearHeaders()
			return ok(value.Null), nil
		}},
		{"request.set_method", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			v, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetMethod(v)
			return ok(value.Null), nil
		}},
		{"request.set_path", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			v, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetPath(v)
			return ok(value.Null), nil
		}},
		{"request.set_query", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			v, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetQuery(v)
			return ok(value.Null), nil
		}},
		{"request.set_query_arg", 2, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, val, err := stringArg2(args)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetQueryArg(name, val)
			return ok(value.Null), nil
		}},
		{"request.set_body", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			v, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetBody([]byte(v))
			return ok(value.Null), nil
		}},
		{"request.set_upstream", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			v, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Request.SetUpstream(v)
			return ok(value.Null), nil
		}},

		// ---- Response mutators/accessors ----
		{"response.set_header", 2, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, val, err := stringArg2(args)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Response.SetHeader(name, val)
			return ok(value.Null), nil
		}},
		{"response.add_header", 2, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, val, err := stringArg2(args)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Response.AddHeader(name, val)
			return ok(value.Null), nil
		}},
		{"response.remove_header", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Response.RemoveHeader(name)
			return ok(value.Null), nil
		}},
		{"response.clear_headers", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			ctx.Response.ClearHeaders()
			return ok(value.Null), nil
		}},
		{"response.headers", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			m := value.NewOrderedMap()
			for k, v := range ctx.Response.AllHeaders() {
				m.Set(k, value.String(v))
			}
			return ok(value.Map(m)), nil
		}},
		{"response.set_status", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			n, err := intArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Response.SetStatus(int(n))
			return ok(value.Null), nil
		}},
		{"response.get_status", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.Int(int64(ctx.Response.StatusCode))), nil
		}},
		{"response.set_body", 1, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			v, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			ctx.Response.SetBody([]byte(v))
			return ok(value.Null), nil
		}},
		{"response.get_body", 0, func(ctx *Context, _ []value.Value) (HostOutcome, error) {
			return ok(value.String(string(ctx.Response.Body))), nil
		}},

		// ---- Rate limiter ----
		{"rate_limit.allow", 3, func(ctx *Context, args []value.Value) (HostOutcome, error) {
			key, err := stringArg(args, 0)
			if err != nil {
				return HostOutcome{}, err
			}
			limitN, err := intArg(args, 1)
			if err != nil {
				return HostOutcome{}, err
			}
			windowN, err := intArg(args, 2)
			if err != nil {
				return HostOutcome{}, err
			}
			lim := limiter
			if lim == nil {
				lim = ctx.Limiter
			}
			if lim == nil {
				return HostOutcome{}, fmt.Errorf("%w: rate_limit.allow: no limiter configured", ErrHostFailure)
			}
			allowed := lim.Allow(key, int(limitN), time.Duration(windowN)*time.Second)
			return ok(value.Bool(allowed)), nil
		}},
	}
}

func ok(v value.Value) HostOutcome { return HostOutcome{Result: v} }

func stringArg(args []value.Value, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", ErrHostFailure, i)
	}
	s, okk := args[i].AsString()
	if !okk {
		return "", fmt.Errorf("%w: argument %d: expected string, got %s", ErrHostFailure, i, args[i].Kind)
	}
	return s, nil
}

func stringArg2(args []value.Value) (string, string, error) {
	a, err := stringArg(args, 0)
	if err != nil {
		return "", "", err
	}
	b, err := stringArg(args, 1)
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

func intArg(args []value.Value, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing argument %d", ErrHostFailure, i)
	}
	n, okk := args[i].AsInt()
	if !okk {
		return 0, fmt.Errorf("%w: argument %d: expected int, got %s", ErrHostFailure, i, args[i].Kind)
	}
	return n, nil
}
