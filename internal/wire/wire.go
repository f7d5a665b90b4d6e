// Package wire implements the LTX binary message codec: a strict subset of
// MessagePack that accepts and produces only the shortest legal encoding of
// every value (§3, §4.1 of the protocol design).
//
// Encoding is grounded on github.com/vmihailenco/msgpack/v5, whose encoder
// already picks the narrowest tag for a given value. Decoding is hand
// rolled: it must (a) report "not enough bytes yet" as a distinct,
// recoverable condition so an incremental reader can back up and wait for
// more input, and (b) reject any value encoded in a wider-than-necessary
// tag, which is a canonicality rule the msgpack decoder does not enforce.
// Neither behavior is exposed by the library's Decoder, so this half of the
// codec is plain Go over a byte slice.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// Message type codes (§4.2).
const (
	TypePing    uint8 = 0
	TypePong    uint8 = 1
	TypeEnv     uint8 = 2
	TypeExec    uint8 = 3
	TypeLog     uint8 = 4
	TypeResult  uint8 = 5
	TypeGetFile uint8 = 6
	TypeSetFile uint8 = 7
	TypeData    uint8 = 8
	TypeKill    uint8 = 9
	TypeVersion uint8 = 10
)

// MaxSlot is the highest usable slot id; 127 is reserved and never assigned.
const MaxSlot = 126

// MaxExecTailArgs bounds the argv-tail strings a single Exec frame may carry,
// derived from the Exec arity ceiling of 14 (type + slot + path + 11 tail).
const MaxExecTailArgs = 11

type arityRule struct{ min, max int }

var arityTable = map[uint8]arityRule{
	TypePing:    {1, 1},
	TypePong:    {2, 2},
	TypeEnv:     {4, 4},
	TypeExec:    {3, 14},
	TypeLog:     {4, 4},
	TypeResult:  {5, 5},
	TypeGetFile: {2, 2},
	TypeSetFile: {3, 3},
	TypeData:    {2, 2},
	TypeKill:    {2, 2},
	TypeVersion: {1, 1},
}

// ErrIncomplete is returned by Decode/DecodeFrame when the supplied bytes do
// not yet contain a complete value or frame. It is recoverable: the caller
// must wait for more input and retry from the same offset.
var ErrIncomplete = errors.New("wire: incomplete")

// ProtocolError marks a violation that §7 classifies as fatal: a
// type-mismatch, a non-canonical encoding, an unknown message type, or an
// arity mismatch. The executor's only correct response is to report it and
// exit.
type ProtocolError struct{ msg string }

func (e *ProtocolError) Error() string { return e.msg }

func fatalf(format string, a ...any) error {
	return &ProtocolError{msg: fmt.Sprintf(format, a...)}
}

// IsFatal reports whether err is a protocol violation (as opposed to
// ErrIncomplete, which is recoverable).
func IsFatal(err error) bool {
	if err == nil || err == ErrIncomplete {
		return false
	}

	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Kind identifies which of the wire's value kinds a Value holds.
type Kind uint8

const (
	KindNil Kind = iota
	KindUint
	KindStr
	KindBin
	KindArray
)

// Value is a decoded (or to-be-encoded) positional element of a frame.
type Value struct {
	Kind  Kind
	Uint  uint64
	Str   string
	Bin   []byte
	Array []Value
}

// Nil returns the nil value.
func Nil() Value { return Value{Kind: KindNil} }

// Uint wraps an unsigned integer value.
func Uint(v uint64) Value { return Value{Kind: KindUint, Uint: v} }

// Str wraps a UTF-8 string value.
func Str(s string) Value { return Value{Kind: KindStr, Str: s} }

// Bin wraps a binary blob value.
func Bin(b []byte) Value { return Value{Kind: KindBin, Bin: b} }

// Frame is one decoded message: a type code plus its positional fields (the
// type code itself is not repeated in Fields).
type Frame struct {
	Type   uint8
	Fields []Value
}

// EncodeFrame appends the canonical encoding of a frame to buf.
func EncodeFrame(buf *bytes.Buffer, msgType uint8, fields ...Value) error {
	enc := msgpack.NewEncoder(buf)
	if err := enc.EncodeArrayLen(len(fields) + 1); err != nil {
		return err
	}

	if err := enc.EncodeUint(uint64(msgType)); err != nil {
		return err
	}

	for _, f := range fields {
		if err := encodeValue(enc, f); err != nil {
			return err
		}
	}

	return nil
}

// EncodeValue appends the canonical encoding of a single value to buf, with
// no frame or array wrapper. Paired with EncodeFrameHeader and
// EncodeBinHeader to build a frame whose trailing bin payload is streamed
// separately from the fields that precede it.
func EncodeValue(buf *bytes.Buffer, v Value) error {
	enc := msgpack.NewEncoder(buf)
	return encodeValue(enc, v)
}

func encodeValue(enc *msgpack.Encoder, v Value) error {
	switch v.Kind {
	case KindNil:
		return enc.EncodeNil()
	case KindUint:
		return enc.EncodeUint(v.Uint)
	case KindStr:
		return enc.EncodeString(v.Str)
	case KindBin:
		return enc.EncodeBytes(v.Bin)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.Array)); err != nil {
			return err
		}

		for _, e := range v.Array {
			if err := encodeValue(enc, e); err != nil {
				return err
			}
		}

		return nil
	default:
		return fmt.Errorf("wire: unknown value kind %d", v.Kind)
	}
}

// DecodeFrame attempts to decode a single frame from the head of buf. It
// returns the frame and the number of bytes it consumed, ErrIncomplete if
// buf does not yet hold a whole frame, or a *ProtocolError if buf's head can
// never be a valid frame.
func DecodeFrame(buf []byte) (Frame, int, error) {
	hdr, err := decodeArrayHeader(buf)
	if err != nil {
		return Frame{}, 0, err
	}

	typeVal, used, err := decode(buf[hdr.headerLen:])
	if err != nil {
		return Frame{}, 0, err
	}

	if typeVal.Kind != KindUint || typeVal.Uint > 0xff {
		return Frame{}, 0, fatalf("wire: message type must be a small unsigned integer")
	}

	msgType := uint8(typeVal.Uint)
	rule, ok := arityTable[msgType]
	if !ok {
		return Frame{}, 0, fatalf("wire: unknown message type %d", msgType)
	}

	if hdr.length < rule.min || hdr.length > rule.max {
		return Frame{}, 0, fatalf("wire: type %d: array length %d outside arity [%d,%d]", msgType, hdr.length, rule.min, rule.max)
	}

	cursor := hdr.headerLen + used
	fields := make([]Value, 0, hdr.length-1)
	for i := 1; i < hdr.length; i++ {
		v, n, err := decode(buf[cursor:])
		if err != nil {
			return Frame{}, 0, err
		}

		fields = append(fields, v)
		cursor += n
	}

	return Frame{Type: msgType, Fields: fields}, cursor, nil
}

// EncodeFrameHeader appends just the array-length and message-type tags of a
// frame with fieldCount remaining fields, without encoding those fields.
// GetFile's Data response and SetFile's echo use this to put a bin header on
// the wire ahead of a payload streamed separately by zero-copy (§4.5): the
// payload bytes that follow on the wire are indistinguishable from one that
// had been assembled in a single buffer, so the receiver's ordinary decoder
// needs no changes.
func EncodeFrameHeader(buf *bytes.Buffer, msgType uint8, fieldCount int) error {
	enc := msgpack.NewEncoder(buf)
	if err := enc.EncodeArrayLen(fieldCount + 1); err != nil {
		return err
	}

	return enc.EncodeUint(uint64(msgType))
}

// EncodeBinHeader appends the canonical bin tag and length for n bytes of
// content that the caller will stream onto the wire itself, rather than pass
// as a Value.
func EncodeBinHeader(buf *bytes.Buffer, n uint32) {
	switch {
	case n <= 0xff:
		buf.WriteByte(0xc4)
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xc5)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xc6)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n)
		buf.Write(b[:])
	}
}

// PeekMessageType decodes only the array header and message-type field at
// the head of buf, without requiring the rest of the frame to be present. It
// lets the event loop recognize a SetFile frame — whose trailing bin payload
// must be streamed rather than fully buffered — before committing to the
// generic whole-frame decode that every other message type uses.
func PeekMessageType(buf []byte) (msgType uint8, headerEnd int, err error) {
	hdr, err := decodeArrayHeader(buf)
	if err != nil {
		return 0, 0, err
	}

	typeVal, used, err := decode(buf[hdr.headerLen:])
	if err != nil {
		return 0, 0, err
	}

	if typeVal.Kind != KindUint || typeVal.Uint > 0xff {
		return 0, 0, fatalf("wire: message type must be a small unsigned integer")
	}

	return uint8(typeVal.Uint), hdr.headerLen + used, nil
}

// DecodeSetFileHeader decodes a SetFile frame's array header, type, and path
// fields, then peeks (without requiring its content to be buffered) the bin
// header that declares the payload's length. bodyLen is that declared
// length; headerEnd is the offset of the first content byte, which may or
// may not yet be present in buf.
func DecodeSetFileHeader(buf []byte) (path string, bodyLen, headerEnd int, err error) {
	hdr, err := decodeArrayHeader(buf)
	if err != nil {
		return "", 0, 0, err
	}

	if hdr.length != 3 {
		return "", 0, 0, fatalf("wire: SetFile arity must be 3, got %d", hdr.length)
	}

	cursor := hdr.headerLen
	typeVal, used, err := decode(buf[cursor:])
	if err != nil {
		return "", 0, 0, err
	}

	if typeVal.Kind != KindUint || uint8(typeVal.Uint) != TypeSetFile {
		return "", 0, 0, fatalf("wire: expected SetFile type code")
	}

	cursor += used

	pathVal, used, err := decode(buf[cursor:])
	if err != nil {
		return "", 0, 0, err
	}

	if pathVal.Kind != KindStr {
		return "", 0, 0, fatalf("wire: SetFile path must be a string")
	}

	cursor += used

	if len(buf) <= cursor {
		return "", 0, 0, ErrIncomplete
	}

	tag := buf[cursor]
	var declared, binHeaderLen int
	switch tag {
	case 0xc4:
		if len(buf) < cursor+2 {
			return "", 0, 0, ErrIncomplete
		}

		declared, binHeaderLen = int(buf[cursor+1]), 2
	case 0xc5:
		if len(buf) < cursor+3 {
			return "", 0, 0, ErrIncomplete
		}

		declared = int(binary.BigEndian.Uint16(buf[cursor+1 : cursor+3]))
		if declared <= 0xff {
			return "", 0, 0, fatalf("wire: bin length %d encoded wider than its canonical tag", declared)
		}

		binHeaderLen = 3
	case 0xc6:
		if len(buf) < cursor+5 {
			return "", 0, 0, ErrIncomplete
		}

		declared = int(binary.BigEndian.Uint32(buf[cursor+1 : cursor+5]))
		if declared <= 0xffff {
			return "", 0, 0, fatalf("wire: bin length %d encoded wider than its canonical tag", declared)
		}

		binHeaderLen = 5
	default:
		return "", 0, 0, fatalf("wire: SetFile payload must be a bin value, got tag 0x%02x", tag)
	}

	return pathVal.Str, declared, cursor + binHeaderLen, nil
}

type arrayHeader struct {
	length    int
	headerLen int
}

func decodeArrayHeader(buf []byte) (arrayHeader, error) {
	if len(buf) < 1 {
		return arrayHeader{}, ErrIncomplete
	}

	tag := buf[0]
	switch {
	case tag >= 0x90 && tag <= 0x9f:
		return arrayHeader{length: int(tag & 0x0f), headerLen: 1}, nil
	case tag == 0xdc:
		if len(buf) < 3 {
			return arrayHeader{}, ErrIncomplete
		}

		n := int(binary.BigEndian.Uint16(buf[1:3]))
		if n <= 15 {
			return arrayHeader{}, fatalf("wire: array16 encodes length %d, which fits fixarray", n)
		}

		return arrayHeader{length: n, headerLen: 3}, nil
	default:
		return arrayHeader{}, fatalf("wire: expected an array, got tag 0x%02x", tag)
	}
}

// decode parses a single value from the head of buf, returning the value
// and the number of bytes consumed.
func decode(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, ErrIncomplete
	}

	tag := buf[0]
	switch {
	case tag <= 0x7f:
		return Uint(uint64(tag)), 1, nil
	case tag == 0xc0:
		return Nil(), 1, nil
	case tag >= 0x90 && tag <= 0x9f, tag == 0xdc:
		hdr, err := decodeArrayHeader(buf)
		if err != nil {
			return Value{}, 0, err
		}

		cursor := hdr.headerLen
		elems := make([]Value, 0, hdr.length)
		for i := 0; i < hdr.length; i++ {
			v, n, err := decode(buf[cursor:])
			if err != nil {
				return Value{}, 0, err
			}

			elems = append(elems, v)
			cursor += n
		}

		return Value{Kind: KindArray, Array: elems}, cursor, nil
	case tag >= 0xa0 && tag <= 0xbf:
		return decodeStr(buf, 1, int(tag&0x1f), -1)
	case tag == 0xd9:
		if len(buf) < 2 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeStr(buf, 2, int(buf[1]), 31)
	case tag == 0xda:
		if len(buf) < 3 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeStr(buf, 3, int(binary.BigEndian.Uint16(buf[1:3])), 0xff)
	case tag == 0xdb:
		if len(buf) < 5 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeStr(buf, 5, int(binary.BigEndian.Uint32(buf[1:5])), 0xffff)
	case tag == 0xc4:
		if len(buf) < 2 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeBin(buf, 2, int(buf[1]), -1)
	case tag == 0xc5:
		if len(buf) < 3 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeBin(buf, 3, int(binary.BigEndian.Uint16(buf[1:3])), 0xff)
	case tag == 0xc6:
		if len(buf) < 5 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeBin(buf, 5, int(binary.BigEndian.Uint32(buf[1:5])), 0xffff)
	case tag == 0xcc:
		if len(buf) < 2 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeUint(uint64(buf[1]), 2, 0x7f)
	case tag == 0xcd:
		if len(buf) < 3 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeUint(uint64(binary.BigEndian.Uint16(buf[1:3])), 3, 0xff)
	case tag == 0xce:
		if len(buf) < 5 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeUint(uint64(binary.BigEndian.Uint32(buf[1:5])), 5, 0xffff)
	case tag == 0xcf:
		if len(buf) < 9 {
			return Value{}, 0, ErrIncomplete
		}

		return decodeUint(binary.BigEndian.Uint64(buf[1:9]), 9, 0xffffffff)
	default:
		return Value{}, 0, fatalf("wire: unsupported or non-canonical tag 0x%02x", tag)
	}
}

// decodeUint validates that v could not have fit a narrower tag (maxNarrow
// is the largest value the next-narrower tag could hold) before accepting
// it, enforcing the shortest-encoding rule on the integer family.
func decodeUint(v uint64, consumed int, maxNarrow uint64) (Value, int, error) {
	if v <= maxNarrow {
		return Value{}, 0, fatalf("wire: uint %d encoded wider than its canonical tag", v)
	}

	return Uint(v), consumed, nil
}

func decodeStr(buf []byte, headerLen, n, maxNarrow int) (Value, int, error) {
	if maxNarrow >= 0 && n <= maxNarrow {
		return Value{}, 0, fatalf("wire: str length %d encoded wider than its canonical tag", n)
	}

	total := headerLen + n
	if len(buf) < total {
		return Value{}, 0, ErrIncomplete
	}

	s := buf[headerLen:total]
	if !utf8.Valid(s) {
		return Value{}, 0, fatalf("wire: str value is not valid UTF-8")
	}

	return Str(string(s)), total, nil
}

func decodeBin(buf []byte, headerLen, n, maxNarrow int) (Value, int, error) {
	if maxNarrow >= 0 && n <= maxNarrow {
		return Value{}, 0, fatalf("wire: bin length %d encoded wider than its canonical tag", n)
	}

	total := headerLen + n
	if len(buf) < total {
		return Value{}, 0, ErrIncomplete
	}

	b := make([]byte, n)
	copy(b, buf[headerLen:total])
	return Bin(b), total, nil
}
