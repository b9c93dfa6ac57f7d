package proto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// field is one decoded (tag, value) pair. Scalars land in v, length-delimited
// values in buf.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	buf []byte
}

func malformed(what string, n int) error {
	return fmt.Errorf("proto: %s: %v: %w", what, protowire.ParseError(n), mesh.ErrProtocolViolation)
}

func wrongType(msg string, f field) error {
	return fmt.Errorf("proto: %s field %d has wire type %d: %w", msg, f.num, f.typ, mesh.ErrProtocolViolation)
}

// walk iterates the fields of one serialized message. Unknown fields are
// handed to fn like any other and are expected to be ignored.
func walk(msg string, b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(msg+" tag", n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.buf, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(fmt.Sprintf("%s field %d", msg, num), n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) scalar(msg string) (uint64, error) {
	switch f.typ {
	case protowire.VarintType, protowire.Fixed32Type, protowire.Fixed64Type:
		return f.v, nil
	}
	return 0, wrongType(msg, f)
}

func (f field) uint32(msg string) (uint32, error) {
	v, err := f.scalar(msg)
	return uint32(v), err
}

func (f field) bool(msg string) (bool, error) {
	v, err := f.scalar(msg)
	return v != 0, err
}

func (f field) float32(msg string) (float32, error) {
	if f.typ != protowire.Fixed32Type {
		return 0, wrongType(msg, f)
	}
	return math.Float32frombits(uint32(f.v)), nil
}

func (f field) bytes(msg string) ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, wrongType(msg, f)
	}
	return f.buf, nil
}

func (f field) string(msg string) (string, error) {
	b, err := f.bytes(msg)
	return string(b), err
}

// ── encoding helpers ─────────────────────────────────────────────────────
// Zero scalars are omitted, matching proto3 implicit presence.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFloat32(b []byte, num protowire.Number, v float32) []byte {
	return appendFixed32(b, num, math.Float32bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always writes the field so an empty sub-message still
// signals presence.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
