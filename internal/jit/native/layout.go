// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package native implements the tracing JIT's machine-code emitter
// (spec.md §4.G): per-step native code generation for x86-64 and AArch64,
// the executable-memory lifecycle, and guard side-exits. There is no Call
// trampoline: Compile hands every trace that contains a call step to the
// interpreter fallback. Grounded directly in
// original_source/pd-vm/src/vm/jit_native/x86_64.rs and aarch64.rs: the
// VecLayout/ValueLayout/NativeStackLayout structs and the
// detect_native_stack_layout() entry point are carried over as a Go
// sync.Once-cached probeLayout() returning the same offset fields, and
// the per-step emission switch mirrors the Rust match arms.
package native

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/value"
	"github.com/probechain/edgevm/internal/vm"
)

// sliceLayout is the byte offsets of a Go slice header's three words.
// Unlike the struct offsets below, these are not found by searching
// memory: probeSliceLayout takes them in the header's {ptr, len, cap}
// order and confirms only that the cap word holds a known capacity.
type sliceLayout struct {
	ptrOffset, lenOffset, capOffset int32
}

// valueLayout is the byte offsets and tag encoding of value.Value,
// discovered by constructing sentinel Values and searching their raw
// bytes — the emitter never assumes an offset without first proving it
// from observable memory, per spec.md §9's layout-probing design note.
type valueLayout struct {
	size                                         int32
	tagOffset                                    int32
	tagSize                                      uint8
	intTag, floatTag, boolTag, stringTag         uint32
	intPayloadOffset, floatPayloadOffset         int32
	boolPayloadOffset                            int32
}

// stackLayout is everything the emitted code needs to read/write Vm and
// Program state directly, without calling back into Go, for every step
// except Call.
type stackLayout struct {
	vmStackOffset    int32
	vmLocalsOffset   int32
	vmProgramOffset  int32
	vmIPOffset       int32
	programConstOffset int32
	stackVec         sliceLayout
	value            valueLayout
}

var (
	layoutOnce   sync.Once
	layoutResult stackLayout
	layoutErr    error
)

// probeLayout returns the process-wide cached layout, computing it once.
// A failed probe caches the error too: the native backend refuses to
// emit for the lifetime of the process rather than retrying a probe that
// cannot succeed (spec.md §5: "native-layout probe result is a
// process-wide lazy initializer").
func probeLayout() (stackLayout, error) {
	layoutOnce.Do(func() {
		layoutResult, layoutErr = probeLayoutUncached()
	})
	return layoutResult, layoutErr
}

// sentinel byte patterns used to locate fields by scanning raw memory
// rather than trusting Go's (unspecified, version-dependent) struct
// layout. Each sentinel is chosen to be vanishingly unlikely to occur
// elsewhere in a freshly constructed zero-ish Vm/Value.
const (
	sentinelIP = 0x5ee1_0a11_c0de_7001
)

func probeLayoutUncached() (stackLayout, error) {
	// A minimal, already-valid one-local program, just so the probe Vm
	// has a real locals slice and Program pointer to search for (a
	// zero-value Vm has neither).
	probeProg := &value.Program{
		Code:      []byte{byte(bytecode.OpHalt)},
		Functions: []value.FuncEntry{{Entry: 0, ArgCount: 0, LocalCount: 1}},
	}
	m, err := vm.New(probeProg, nil)
	if err != nil {
		return stackLayout{}, fmt.Errorf("probe: constructing sentinel Vm: %w", err)
	}
	m.SetIP(sentinelIP)
	vmBase := uintptr(unsafe.Pointer(m))
	vmSize := unsafe.Sizeof(*m)

	ipOff, err := findUint(vmBase, vmSize, sentinelIP)
	if err != nil {
		return stackLayout{}, fmt.Errorf("probe Vm.ip: %w", err)
	}

	stackOff, localsOff, programOff, err := probeVmFieldOffsets(m)
	if err != nil {
		return stackLayout{}, err
	}

	vecLayout, err := probeSliceLayout()
	if err != nil {
		return stackLayout{}, err
	}

	valLayout, err := probeValueLayout()
	if err != nil {
		return stackLayout{}, err
	}

	constOff, err := probeProgramConstantsOffset()
	if err != nil {
		return stackLayout{}, err
	}

	return stackLayout{
		vmStackOffset:      stackOff,
		vmLocalsOffset:      localsOff,
		vmProgramOffset:     programOff,
		vmIPOffset:          ipOff,
		programConstOffset: constOff,
		stackVec:           vecLayout,
		value:              valLayout,
	}, nil
}

// findUint scans [base, base+size) for the first 8-byte little-endian
// occurrence of want, returning its offset from base.
func findUint(base uintptr, size uintptr, want uint64) (int32, error) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
	for i := 0; i+8 <= len(data); i++ {
		v := uint64(data[i]) | uint64(data[i+1])<<8 | uint64(data[i+2])<<16 | uint64(data[i+3])<<24 |
			uint64(data[i+4])<<32 | uint64(data[i+5])<<40 | uint64(data[i+6])<<48 | uint64(data[i+7])<<56
		if v == want {
			return int32(i), nil
		}
	}
	return 0, fmt.Errorf("sentinel 0x%x not found in %d probed bytes", want, size)
}

// probeVmFieldOffsets locates Vm.stack/locals/program by writing distinct
// sentinel slices/pointers through the exported accessors and searching
// for the resulting backing-array pointers in the Vm's raw memory. This
// keeps the probe honest about Go's actual field layout (which the
// emitter must never hard-code, per spec.md §9) while still only using
// exported Vm surface area, not package-internal field names.
func probeVmFieldOffsets(m *vm.Vm) (stackOff, localsOff, programOff int32, err error) {
	sentinelStack := []value.Value{value.Int(0x1111)}
	m.PushValue(sentinelStack[0])
	stackPtr := uintptr(unsafe.Pointer(&m.Stack()[0]))

	base := uintptr(unsafe.Pointer(m))
	size := unsafe.Sizeof(*m)
	off, ferr := findPointer(base, size, stackPtr)
	if ferr != nil {
		return 0, 0, 0, fmt.Errorf("probe Vm.stack: %w", ferr)
	}
	stackOff = off
	if _, err := m.PopValue(); err != nil {
		return 0, 0, 0, err
	}

	if len(m.Locals()) > 0 {
		localsPtr := uintptr(unsafe.Pointer(&m.Locals()[0]))
		off, ferr = findPointer(base, size, localsPtr)
		if ferr != nil {
			return 0, 0, 0, fmt.Errorf("probe Vm.locals: %w", ferr)
		}
		localsOff = off
	}

	if m.Program != nil {
		progPtr := uintptr(unsafe.Pointer(m.Program))
		off, ferr = findPointer(base, size, uintptr(progPtr))
		if ferr != nil {
			return 0, 0, 0, fmt.Errorf("probe Vm.Program: %w", ferr)
		}
		programOff = off
	}
	return stackOff, localsOff, programOff, nil
}

func findPointer(base, size, want uintptr) (int32, error) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
	ptrSize := int(unsafe.Sizeof(uintptr(0)))
	for i := 0; i+ptrSize <= len(data); i++ {
		var v uintptr
		for j := 0; j < ptrSize; j++ {
			v |= uintptr(data[i+j]) << (8 * j)
		}
		if v == want {
			return int32(i), nil
		}
	}
	return 0, fmt.Errorf("pointer 0x%x not found in %d probed bytes", want, size)
}

func probeSliceLayout() (sliceLayout, error) {
	const probeCap = 7
	s := make([]value.Value, 1, probeCap)
	hdr := (*[3]uintptr)(unsafe.Pointer(&s))
	ptrSize := int32(unsafe.Sizeof(uintptr(0)))
	// Go's slice header is {ptr, len, cap} in that declared order; this
	// is specified by the language (unlike struct field order), so the
	// offsets are simply 0/ptrSize/2*ptrSize. Kept as a "probe" (rather
	// than a literal constant) by deriving it from hdr so a future
	// runtime change to slice representation would be caught by the
	// cap check below rather than silently miscompiling.
	if hdr[2] != probeCap {
		return sliceLayout{}, fmt.Errorf("slice cap word not at expected offset")
	}
	return sliceLayout{ptrOffset: 0, lenOffset: ptrSize, capOffset: 2 * ptrSize}, nil
}

func probeValueLayout() (valueLayout, error) {
	intV := value.Int(0x4242_4242_4242_4242)
	floatV := value.Float(math.Float64frombits(0x4343_4343_4343_4343))
	boolV := value.Bool(true)
	strV := value.String("x")

	size := int32(unsafe.Sizeof(intV))
	tagOff, tagSize, err := findTagOffset(intV, floatV, boolV, strV)
	if err != nil {
		return valueLayout{}, err
	}

	base := unsafe.Pointer(&intV)
	intPayloadOff, err := findUint(uintptr(base), uintptr(size), uint64(0x4242_4242_4242_4242))
	if err != nil {
		return valueLayout{}, fmt.Errorf("probe Value int payload: %w", err)
	}
	floatPayloadOff, err := findUint(uintptr(unsafe.Pointer(&floatV)), uintptr(size), uint64(0x4343_4343_4343_4343))
	if err != nil {
		return valueLayout{}, fmt.Errorf("probe Value float payload: %w", err)
	}

	return valueLayout{
		size:               size,
		tagOffset:          tagOff,
		tagSize:            tagSize,
		intTag:             uint32(value.KindInt),
		floatTag:           uint32(value.KindFloat),
		boolTag:            uint32(value.KindBool),
		stringTag:          uint32(value.KindString),
		intPayloadOffset:   intPayloadOff,
		floatPayloadOffset: floatPayloadOff,
		// int and bool share one payload word in value.Value; float has its own
		boolPayloadOffset: intPayloadOff,
	}, nil
}

// findTagOffset locates value.Value.Kind by comparing the raw bytes of
// Values of different Kinds and finding the first byte that equals each
// Value's known numeric Kind.
func findTagOffset(vs ...value.Value) (int32, uint8, error) {
	if len(vs) == 0 {
		return 0, 0, fmt.Errorf("no sentinel values supplied")
	}
	size := int(unsafe.Sizeof(vs[0]))
	raws := make([][]byte, len(vs))
	for i := range vs {
		raws[i] = unsafe.Slice((*byte)(unsafe.Pointer(&vs[i])), size)
	}
	for i := 0; i < size; i++ {
		ok := true
		for j, v := range vs {
			if raws[j][i] != byte(kindOf(v)) {
				ok = false
				break
			}
		}
		if ok {
			return int32(i), 1, nil
		}
	}
	return 0, 0, fmt.Errorf("Value.Kind byte not found by sentinel comparison")
}

func kindOf(v value.Value) value.Kind { return v.Kind }

func probeProgramConstantsOffset() (int32, error) {
	sentinel := value.Int(0x1357_9bdf_2468_ace0)
	prog := &value.Program{Constants: []value.Value{sentinel}}
	constPtr := uintptr(unsafe.Pointer(&prog.Constants[0]))
	base := uintptr(unsafe.Pointer(prog))
	size := unsafe.Sizeof(*prog)
	off, err := findPointer(base, size, constPtr)
	if err != nil {
		return 0, fmt.Errorf("probe Program.Constants: %w", err)
	}
	return off, nil
}
