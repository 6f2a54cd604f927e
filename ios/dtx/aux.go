package dtx

import (
	"bytes"
	"encoding/binary"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// auxMagic identifies the little-endian auxiliary buffer embedded in a
// message's payload, ahead of the archived-object bytes.
const auxMagic = 0x1F0

// Auxiliary buffer entry type tags.
const (
	auxTagObject = 2 // archived object (length-prefixed bplist bytes)
	auxTagInt32  = 3
	auxTagInt64  = 4
)

// auxBuffer holds the decoded arguments to a selector invocation, in call
// order.
type auxBuffer struct {
	values []interface{}
}

func newAuxBuffer(values ...interface{}) *auxBuffer {
	return &auxBuffer{values: append([]interface{}(nil), values...)}
}

func (a *auxBuffer) marshal() ([]byte, error) {
	var body bytes.Buffer
	for _, v := range a.values {
		switch n := v.(type) {
		case int32:
			writeUint32LE(&body, auxTagInt32)
			writeUint32LE(&body, uint32(n))
		case int:
			writeUint32LE(&body, auxTagInt32)
			writeUint32LE(&body, uint32(n))
		case int64:
			writeUint32LE(&body, auxTagInt64)
			writeUint64LE(&body, uint64(n))
		default:
			data, err := plist.Marshal(v)
			if err != nil {
				return nil, errors.NewProtocolError("dtx: marshaling aux argument: %v", err)
			}
			writeUint32LE(&body, auxTagObject)
			writeUint32LE(&body, uint32(len(data)))
			body.Write(data)
		}
	}

	var out bytes.Buffer
	writeUint32LE(&out, auxMagic)
	writeUint32LE(&out, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func unmarshalAuxBuffer(b []byte) (*auxBuffer, error) {
	if len(b) == 0 {
		return &auxBuffer{}, nil
	}
	if len(b) < 8 {
		return nil, errors.NewProtocolError("dtx: aux buffer is %d bytes, want at least 8", len(b))
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != auxMagic {
		return nil, errors.NewProtocolError("dtx: bad aux buffer magic %#x", magic)
	}
	length := binary.LittleEndian.Uint32(b[4:8])
	body := b[8:]
	if uint64(len(body)) != uint64(length) {
		return nil, errors.NewProtocolError("dtx: aux buffer declares %d bytes, has %d", length, len(body))
	}

	var values []interface{}
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errors.NewProtocolError("dtx: truncated aux entry tag")
		}
		tag := binary.LittleEndian.Uint32(body[0:4])
		body = body[4:]
		switch tag {
		case auxTagInt32:
			if len(body) < 4 {
				return nil, errors.NewProtocolError("dtx: truncated aux int32 entry")
			}
			values = append(values, int32(binary.LittleEndian.Uint32(body[0:4])))
			body = body[4:]
		case auxTagInt64:
			if len(body) < 8 {
				return nil, errors.NewProtocolError("dtx: truncated aux int64 entry")
			}
			values = append(values, int64(binary.LittleEndian.Uint64(body[0:8])))
			body = body[8:]
		case auxTagObject:
			if len(body) < 4 {
				return nil, errors.NewProtocolError("dtx: truncated aux object length")
			}
			n := binary.LittleEndian.Uint32(body[0:4])
			body = body[4:]
			if uint64(len(body)) < uint64(n) {
				return nil, errors.NewProtocolError("dtx: truncated aux object payload")
			}
			v, err := plist.Unmarshal(body[:n])
			if err != nil {
				return nil, errors.NewProtocolError("dtx: decoding aux object: %v", err)
			}
			values = append(values, v)
			body = body[n:]
		default:
			return nil, errors.NewProtocolError("dtx: unknown aux entry tag %d", tag)
		}
	}
	return &auxBuffer{values: values}, nil
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
