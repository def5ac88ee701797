// Package codec implements the tagged value representation used for
// VersionedValue payloads and redo-log record encoding (spec.md §6's
// wire value tags, reused here for on-disk framing since both need the
// same opaque, self-describing payload shape).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tag identifies the encoded shape of a Value.
type Tag byte

const (
	TagNull Tag = iota
	TagInt
	TagLong
	TagBoolean
	TagDouble
	TagDecimal
	TagString
	TagBytes
	TagUUID
)

// Value is an opaque payload carried inside a VersionedValue. A nil
// *Value or one with Tag==TagNull denotes a tombstone.
type Value struct {
	Tag     Tag
	Int     int64
	Double  float64
	Bool    bool
	Str     string
	Bytes   []byte
	Decimal decimal.Decimal
	UUID    uuid.UUID
}

// IsTombstone reports whether v represents a deletion marker.
func IsTombstone(v *Value) bool {
	return v == nil || v.Tag == TagNull
}

func NullValue() *Value             { return &Value{Tag: TagNull} }
func IntValue(i int64) *Value       { return &Value{Tag: TagLong, Int: i} }
func BoolValue(b bool) *Value       { return &Value{Tag: TagBoolean, Bool: b} }
func DoubleValue(f float64) *Value  { return &Value{Tag: TagDouble, Double: f} }
func StringValue(s string) *Value   { return &Value{Tag: TagString, Str: s} }
func BytesValue(b []byte) *Value    { return &Value{Tag: TagBytes, Bytes: b} }
func UUIDValue(u uuid.UUID) *Value  { return &Value{Tag: TagUUID, UUID: u} }
func DecimalValue(d decimal.Decimal) *Value {
	return &Value{Tag: TagDecimal, Decimal: d}
}

// Encode serializes v into a length-prefix-friendly byte slice; the
// caller (internal/redo, internal/storage) is responsible for framing
// it with an outer length prefix.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	if v == nil {
		buf.WriteByte(byte(TagNull))
		return buf.Bytes()
	}
	buf.WriteByte(byte(v.Tag))
	switch v.Tag {
	case TagNull:
	case TagInt, TagLong:
		binary.Write(&buf, binary.BigEndian, v.Int)
	case TagBoolean:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TagDouble:
		binary.Write(&buf, binary.BigEndian, v.Double)
	case TagDecimal:
		writeString(&buf, v.Decimal.String())
	case TagString:
		writeString(&buf, v.Str)
	case TagBytes:
		writeBytes(&buf, v.Bytes)
	case TagUUID:
		b, _ := v.UUID.MarshalBinary()
		buf.Write(b)
	}
	return buf.Bytes()
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: empty value")
	}
	r := bytes.NewReader(data)
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	tag := Tag(tagByte)
	v := &Value{Tag: tag}
	switch tag {
	case TagNull:
	case TagInt, TagLong:
		if err := binary.Read(r, binary.BigEndian, &v.Int); err != nil {
			return nil, err
		}
	case TagBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		v.Bool = b == 1
	case TagDouble:
		if err := binary.Read(r, binary.BigEndian, &v.Double); err != nil {
			return nil, err
		}
	case TagDecimal:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		v.Decimal = d
	case TagString:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		v.Str = s
	case TagBytes:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		v.Bytes = b
	case TagUUID:
		b := make([]byte, 16)
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
		if err := v.UUID.UnmarshalBinary(b); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("codec: unknown tag %d", tag)
	}
	return v, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var length int32 = -1
	if b != nil {
		length = int32(len(b))
	}
	binary.Write(buf, binary.BigEndian, length)
	if length > 0 {
		buf.Write(b)
	}
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, nil
	}
	b := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}
