// Package wire decodes the marketplace's packed realtime payloads. The
// format is a length-prefixed, self-describing binary encoding
// (MessagePack-compatible for the subset the platform emits). Decoded
// values are generic: nil, bool, int64, string, []byte, []any, and
// map[string]any with stringified keys. The payload shape is not under
// our control and is navigated positionally (see the events file), so no
// typed structures are produced here.
//
// Decoding is total and deterministic: the same bytes always yield the
// same value, and malformed input always yields a DecodeError, never a
// partial result.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
)

// DecodeError describes a malformed or unrecognized payload. Callers
// treat it as "not a valid event" and fall back to the secondary decode
// path before dropping the frame.
type DecodeError struct {
	Offset int
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode error at offset %d: %s", e.Offset, e.Reason)
}

// Decode decodes a single value from data. Trailing bytes after the
// value are permitted (the platform pads some frames).
func Decode(data []byte) (any, error) {
	d := &decoder{data: data}
	return d.value()
}

// DecodeBase64 pads and base64-decodes s, then decodes the resulting
// bytes. This matches the transport, which carries payloads as unpadded
// base64 text inside JSON envelopes.
func DecodeBase64(s string) (any, error) {
	if m := len(s) % 4; m != 0 {
		s += "===="[:4-m]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64: " + err.Error()}
	}
	return Decode(raw)
}

// DecodeBase64JSON is the fallback decode path: some frames carry plain
// JSON in the same base64 wrapping as the binary payloads.
func DecodeBase64JSON(s string) (any, error) {
	if m := len(s) % 4; m != 0 {
		s += "===="[:4-m]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64: " + err.Error()}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &DecodeError{Reason: "invalid json: " + err.Error()}
	}
	return v, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) fail(reason string) error {
	return &DecodeError{Offset: d.pos, Reason: reason}
}

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.data) {
		return d.fail(fmt.Sprintf("need %d bytes, have %d", n, len(d.data)-d.pos))
	}
	return nil
}

func (d *decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) uint16() (uint16, error) {
	b, err := d.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	b, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) str(n int) (string, error) {
	b, err := d.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) value() (any, error) {
	fmtByte, err := d.byte()
	if err != nil {
		return nil, err
	}

	switch {
	case fmtByte <= 0x7f: // positive fixint
		return int64(fmtByte), nil
	case fmtByte >= 0x80 && fmtByte <= 0x8f: // fixmap
		return d.mapValue(int(fmtByte & 0x0f))
	case fmtByte >= 0x90 && fmtByte <= 0x9f: // fixarray
		return d.arrayValue(int(fmtByte & 0x0f))
	case fmtByte >= 0xa0 && fmtByte <= 0xbf: // fixstr
		return d.str(int(fmtByte & 0x1f))
	case fmtByte >= 0xe0: // negative fixint, two's complement in one byte
		return int64(fmtByte) - 0x100, nil
	}

	switch fmtByte {
	case 0xc0:
		return nil, nil
	case 0xc2:
		return false, nil
	case 0xc3:
		return true, nil

	case 0xc4: // bin 8
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		return d.binCopy(int(n))
	case 0xc5: // bin 16
		n, err := d.uint16()
		if err != nil {
			return nil, err
		}
		return d.binCopy(int(n))
	case 0xc6: // bin 32
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		return d.binCopy(int(n))

	case 0xcc: // uint 8
		b, err := d.byte()
		return int64(b), err
	case 0xcd: // uint 16
		v, err := d.uint16()
		return int64(v), err
	case 0xce: // uint 32
		v, err := d.uint32()
		return int64(v), err
	case 0xcf: // uint 64
		v, err := d.uint64()
		// Values above MaxInt64 do not occur in practice (timestamps and
		// ids); wrap-around is preferred over a second numeric type.
		return int64(v), err

	case 0xd0: // int 8
		b, err := d.byte()
		return int64(int8(b)), err
	case 0xd1: // int 16
		v, err := d.uint16()
		return int64(int16(v)), err
	case 0xd2: // int 32
		v, err := d.uint32()
		return int64(int32(v)), err
	case 0xd3: // int 64
		v, err := d.uint64()
		return int64(v), err

	case 0xd9: // str 8
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		return d.str(int(n))
	case 0xda: // str 16
		n, err := d.uint16()
		if err != nil {
			return nil, err
		}
		return d.str(int(n))
	case 0xdb: // str 32
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		return d.str(int(n))

	case 0xdc: // array 16
		n, err := d.uint16()
		if err != nil {
			return nil, err
		}
		return d.arrayValue(int(n))
	case 0xdd: // array 32
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		return d.arrayValue(int(n))

	case 0xde: // map 16
		n, err := d.uint16()
		if err != nil {
			return nil, err
		}
		return d.mapValue(int(n))
	case 0xdf: // map 32
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		return d.mapValue(int(n))
	}

	return nil, d.fail(fmt.Sprintf("unknown format byte 0x%02x", fmtByte))
}

func (d *decoder) binCopy(n int) ([]byte, error) {
	b, err := d.bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) arrayValue(n int) ([]any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) mapValue(n int) (map[string]any, error) {
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.value()
		if err != nil {
			return nil, err
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out[keyString(k)] = v
	}
	return out, nil
}

// keyString stringifies a map key. The platform keys its nested event
// structures with small integers, which downstream path lookups address
// as decimal strings ("1", "10").
func keyString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return ""
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
