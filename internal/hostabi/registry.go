// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package hostabi

import (
	"fmt"

	"github.com/probechain/edgevm/internal/value"
)

// Registry is the process-wide catalog of host functions a program may
// call, keyed by stable name so a compiled program's CallHost indices
// remain meaningful: the index assigned to each entry is its registration
// order, and Bind/Signatures always return entries in that same order.
type Registry struct {
	entries []entry
	byName  map[string]int
}

type entry struct {
	sig value.HostFuncSig
	fn  HostFunction
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a host function under name with the given arity. It
// returns an error if name is already registered.
func (r *Registry) Register(name string, arity uint8, fn HostFunction) error {
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("hostabi: host function %q already registered", name)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, entry{sig: value.HostFuncSig{Name: name, Arity: arity}, fn: fn})
	return nil
}

// Signatures returns the arity table in registration order, the shape
// internal/compiler and internal/bytecode's validator need.
func (r *Registry) Signatures() []value.HostFuncSig {
	out := make([]value.HostFuncSig, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.sig
	}
	return out
}

// Bind returns the callables in registration order, the shape vm.New
// needs alongside a Program compiled against Signatures().
func (r *Registry) Bind() []HostFunction {
	out := make([]HostFunction, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}
