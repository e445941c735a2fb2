package endpoint

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind selects the fixed wire size and encoding of an endpoint value.
type Kind uint8

const (
	KindCall Kind = iota
	KindU8
	KindU32
	KindF32
	KindBool
)

var kindNames = [...]string{
	KindCall: "call",
	KindU8:   "u8",
	KindU32:  "u32",
	KindF32:  "f32",
	KindBool: "bool",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Size is the number of payload bytes on the wire.
func (k Kind) Size() int {
	switch k {
	case KindU8, KindBool:
		return 1
	case KindU32, KindF32:
		return 4
	}
	return 0
}

// Value is a tagged endpoint value. The zero Value is an empty KindCall.
type Value struct {
	kind Kind
	bits uint32
}

func U8(v uint8) Value    { return Value{kind: KindU8, bits: uint32(v)} }
func U32(v uint32) Value  { return Value{kind: KindU32, bits: v} }
func F32(v float32) Value { return Value{kind: KindF32, bits: math.Float32bits(v)} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) U8() uint8    { return uint8(v.bits) }
func (v Value) U32() uint32  { return v.bits }
func (v Value) F32() float32 { return math.Float32frombits(v.bits) }
func (v Value) Bool() bool   { return v.bits != 0 }

// AppendTo appends the little-endian encoding of v.
func (v Value) AppendTo(dst []byte) []byte {
	switch v.kind.Size() {
	case 1:
		return append(dst, byte(v.bits))
	case 4:
		return binary.LittleEndian.AppendUint32(dst, v.bits)
	}
	return dst
}

// Decode parses b as a value of kind k. The length must match exactly.
func Decode(k Kind, b []byte) (Value, error) {
	if len(b) != k.Size() {
		return Value{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrLength, k, k.Size(), len(b))
	}
	switch k {
	case KindU8:
		return U8(b[0]), nil
	case KindBool:
		return Bool(b[0] != 0), nil
	case KindU32:
		return U32(binary.LittleEndian.Uint32(b)), nil
	case KindF32:
		return Value{kind: KindF32, bits: binary.LittleEndian.Uint32(b)}, nil
	}
	return Value{}, nil
}
