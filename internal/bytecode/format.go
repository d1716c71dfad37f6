// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/probechain/edgevm/internal/value"
)

// Magic is the 4-byte file header identifying a compiled program.
var Magic = [4]byte{'V', 'M', 'B', 'C'}

// Version is the current encoder/decoder version byte. A program compiled
// by version N must decode and validate successfully under version N;
// older version bytes are rejected outright (spec.md §6).
const Version byte = 1

// valueTag identifies a Value's variant in the encoded constant pool.
// Independent from value.Kind's in-memory ordering so the wire format is
// stable even if the in-memory Kind enum is reordered.
type valueTag byte

const (
	tagNull valueTag = iota
	tagInt
	tagFloat
	tagBool
	tagString
	tagArray
	tagMap
)

// Encode serializes prog to the canonical binary format described in
// spec.md §4.B/§6: magic, version, constant pool, function table, code.
func Encode(prog *value.Program) ([]byte, error) {
	buf := make([]byte, 0, 64+len(prog.Code))
	buf = append(buf, Magic[:]...)
	buf = append(buf, Version)

	buf = appendU32(buf, uint32(len(prog.Constants)))
	for i, c := range prog.Constants {
		var err error
		buf, err = encodeValue(buf, c)
		if err != nil {
			return nil, fmt.Errorf("bytecode: encoding constant %d: %w", i, err)
		}
	}

	buf = appendU32(buf, uint32(len(prog.Functions)))
	for _, f := range prog.Functions {
		buf = appendU32(buf, f.Entry)
		buf = append(buf, f.ArgCount, f.LocalCount)
	}

	buf = appendU32(buf, uint32(len(prog.Code)))
	buf = append(buf, prog.Code...)

	return buf, nil
}

// Decode parses the canonical binary format into a Program. It performs
// only structural framing checks (enough bytes present, lengths
// consistent); semantic validation is Validate's job.
func Decode(data []byte) (*value.Program, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: truncated header", ErrDecode)
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] || data[3] != Magic[3] {
		return nil, fmt.Errorf("%w: bad magic", ErrDecode)
	}
	version := data[4]
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, version)
	}
	r := &reader{data: data, off: 5}

	constCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	constants := make([]value.Value, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		v, err := decodeValue(r)
		if err != nil {
			return nil, fmt.Errorf("bytecode: decoding constant %d: %w", i, err)
		}
		constants = append(constants, v)
	}

	fnCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	functions := make([]value.FuncEntry, 0, fnCount)
	for i := uint32(0); i < fnCount; i++ {
		entry, err := r.u32()
		if err != nil {
			return nil, err
		}
		argc, err := r.u8()
		if err != nil {
			return nil, err
		}
		locals, err := r.u8()
		if err != nil {
			return nil, err
		}
		functions = append(functions, value.FuncEntry{Entry: entry, ArgCount: argc, LocalCount: locals})
	}

	codeLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	code, err := r.bytes(int(codeLen))
	if err != nil {
		return nil, err
	}

	return &value.Program{
		Constants: constants,
		Code:      append([]byte(nil), code...),
		Functions: functions,
	}, nil
}

// WriteFile encodes prog and writes it to path, the counterpart of
// ReadFile.
func WriteFile(path string, prog *value.Program) error {
	data, err := Encode(prog)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads and decodes a program previously written by WriteFile.
func ReadFile(path string) (*value.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bytecode: reading %s: %w", path, err)
	}
	return Decode(data)
}

// ---- Value encode/decode ---------------------------------------------------

func encodeValue(buf []byte, v value.Value) ([]byte, error) {
	switch v.Kind {
	case value.KindNull:
		buf = append(buf, byte(tagNull))
	case value.KindInt:
		i, _ := v.AsInt()
		buf = append(buf, byte(tagInt))
		buf = appendU64(buf, uint64(i))
	case value.KindFloat:
		f, _ := v.AsFloat()
		buf = append(buf, byte(tagFloat))
		buf = appendU64(buf, math.Float64bits(f))
	case value.KindBool:
		b, _ := v.AsBool()
		buf = append(buf, byte(tagBool))
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case value.KindString:
		s, _ := v.AsString()
		buf = append(buf, byte(tagString))
		buf = appendU32(buf, uint32(len(s)))
		buf = append(buf, s...)
	case value.KindArray:
		a, _ := v.AsArray()
		buf = append(buf, byte(tagArray))
		buf = appendU32(buf, uint32(len(a)))
		var err error
		for i, e := range a {
			buf, err = encodeValue(buf, e)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
		}
	case value.KindMap:
		m, _ := v.AsMap()
		buf = append(buf, byte(tagMap))
		buf = appendU32(buf, uint32(m.Len()))
		for _, k := range m.Keys() {
			buf = appendU32(buf, uint32(len(k)))
			buf = append(buf, k...)
			ev, _ := m.Get(k)
			var err error
			buf, err = encodeValue(buf, ev)
			if err != nil {
				return nil, fmt.Errorf("map value for key %q: %w", k, err)
			}
		}
	default:
		return nil, fmt.Errorf("bytecode: cannot encode value of kind %s", v.Kind)
	}
	return buf, nil
}

func decodeValue(r *reader) (value.Value, error) {
	tagByte, err := r.u8()
	if err != nil {
		return value.Value{}, err
	}
	switch valueTag(tagByte) {
	case tagNull:
		return value.Null, nil
	case tagInt:
		i, err := r.u64()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(int64(i)), nil
	case tagFloat:
		bits, err := r.u64()
		if err != nil {
			return value.Value{}, err
		}
		return value.Float(math.Float64frombits(bits)), nil
	case tagBool:
		b, err := r.u8()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b != 0), nil
	case tagString:
		n, err := r.u32()
		if err != nil {
			return value.Value{}, err
		}
		s, err := r.bytes(int(n))
		if err != nil {
			return value.Value{}, err
		}
		return value.String(string(s)), nil
	case tagArray:
		n, err := r.u32()
		if err != nil {
			return value.Value{}, err
		}
		elems := make([]value.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := decodeValue(r)
			if err != nil {
				return value.Value{}, fmt.Errorf("array element %d: %w", i, err)
			}
			elems = append(elems, e)
		}
		return value.Array(elems), nil
	case tagMap:
		n, err := r.u32()
		if err != nil {
			return value.Value{}, err
		}
		m := value.NewOrderedMap()
		for i := uint32(0); i < n; i++ {
			klen, err := r.u32()
			if err != nil {
				return value.Value{}, err
			}
			kb, err := r.bytes(int(klen))
			if err != nil {
				return value.Value{}, err
			}
			ev, err := decodeValue(r)
			if err != nil {
				return value.Value{}, fmt.Errorf("map value %d: %w", i, err)
			}
			m.Set(string(kb), ev)
		}
		return value.Map(m), nil
	default:
		return value.Value{}, fmt.Errorf("%w: unknown constant tag %d", ErrDecode, tagByte)
	}
}

// ---- little helpers ---------------------------------------------------------

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader is a cursor over a decode buffer with bounds-checked reads.
type reader struct {
	data []byte
	off  int
}

func (r *reader) u8() (uint8, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated (want 1 byte at %d)", ErrDecode, r.off)
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated (want u32 at %d)", ErrDecode, r.off)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated (want u64 at %d)", ErrDecode, r.off)
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated (want %d bytes at %d)", ErrDecode, n, r.off)
	}
	v := r.data[r.off : r.off+n]
	r.off += n
	return v, nil
}
