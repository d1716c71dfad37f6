// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"testing"

	"github.com/probechain/edgevm/internal/value"
)

func sampleProgram() *value.Program {
	m := value.NewOrderedMap()
	m.Set("a", value.Int(1))
	return &value.Program{
		Constants: []value.Value{
			value.Int(42),
			value.Float(3.5),
			value.Bool(true),
			value.String("hi"),
			value.Array([]value.Value{value.Int(1), value.Int(2)}),
			value.Map(m),
			value.Null,
		},
		Functions: []value.FuncEntry{
			{Entry: 0, ArgCount: 0, LocalCount: 1},
		},
		HostFuncs: []value.HostFuncSig{
			{Name: "log", Arity: 1},
		},
		Code: []byte{
			byte(OpLdc), 0, 0, 0, 0,
			byte(OpStloc), 0,
			byte(OpHalt),
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	prog := sampleProgram()
	data, err := Encode(prog)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data[:4]) != string(Magic[:]) {
		t.Fatalf("bad magic in encoded output")
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Constants) != len(prog.Constants) {
		t.Fatalf("constant count mismatch: got %d want %d", len(decoded.Constants), len(prog.Constants))
	}
	for i := range prog.Constants {
		if !value.Equal(decoded.Constants[i], prog.Constants[i]) {
			t.Errorf("constant %d mismatch: got %v want %v", i, decoded.Constants[i], prog.Constants[i])
		}
	}
	if len(decoded.Functions) != 1 || decoded.Functions[0].LocalCount != 1 {
		t.Fatalf("function table mismatch: %+v", decoded.Functions)
	}
	if string(decoded.Code) != string(prog.Code) {
		t.Fatalf("code mismatch: got %v want %v", decoded.Code, prog.Code)
	}
	// decoded programs don't round-trip the host-function arity table;
	// it is supplied at Vm construction time, not persisted on disk.
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := []byte{'X', 'X', 'X', 'X', Version, 0, 0, 0, 0}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	data := append(append([]byte{}, Magic[:]...), 0xFF)
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	prog := sampleProgram()
	data, err := Encode(prog)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := data[:len(data)-2]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error decoding truncated data")
	}
}
