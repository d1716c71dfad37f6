// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package value

// FuncEntry describes one user-defined function's location in Program.Code.
// Slot 0 is conventionally reserved for the top-level script.
type FuncEntry struct {
	Entry     uint32 // byte offset into Code where the function begins
	ArgCount  uint8
	LocalCount uint8
}

// HostFuncSig describes the arity of a registered host function, used by
// the validator to check CallHost(index, argc) against the actual
// registration (spec.md §3 "Host-function arity table").
type HostFuncSig struct {
	Name  string
	Arity uint8
}

// LineEntry maps one code offset to the source line the compiler was
// emitting when it wrote the instruction there, the "code-offset-to-line
// map recorded by the compiler" the debug stepper uses to find instruction
// boundaries where the source line changes. Entries are sorted by Offset.
type LineEntry struct {
	Offset int
	Line   int
}

// Program is the immutable, validated, compiled unit executed by the Vm.
// All constant references, branch targets, host-call indices, and local
// slot indices it contains have already been checked by the validator.
type Program struct {
	Constants []Value
	Code      []byte
	Functions []FuncEntry
	HostFuncs []HostFuncSig // arity table only, for validation; not the callables themselves

	// LineMap is optional: programs assembled directly (rather than via
	// internal/compiler) may leave it nil, in which case the debug
	// stepper treats every offset as the same unknown line.
	LineMap []LineEntry
}

// LineAt returns the source line active at code offset ip: the Line of
// the last LineEntry whose Offset is <= ip, or 0 if LineMap is empty or ip
// precedes every recorded entry.
func (p *Program) LineAt(ip int) int {
	line := 0
	for _, e := range p.LineMap {
		if e.Offset > ip {
			break
		}
		line = e.Line
	}
	return line
}
