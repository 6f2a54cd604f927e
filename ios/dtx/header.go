// Package dtx implements Apple's DTX binary RPC protocol: the
// fragmented, multi-channel, asynchronous message transport that
// instruments and testmanagerd speak over an already-dialed lockdown
// service connection.
package dtx

import (
	"bytes"

	"github.com/lunixbochs/struc"

	"go.ioshost.dev/ioshost/internal/errors"
)

// fragmentMagic identifies a DTX fragment header.
const fragmentMagic = 0x1F3D5B79

// headerSize is the fixed, on-wire size of fragmentHeader.
const headerSize = 32

// flagExpectsReply is set in Flags when the sender wants a reply message.
const flagExpectsReply = 0x1000

// Payload kinds, the low nibble of Flags.
const (
	payloadKindInvocation = 0x2 // selector + auxiliary argument array
	payloadKindRawArchive = 0x3 // single archived object, no selector
	payloadKindAck        = 0x0
)

// maxMessageLength is the default ceiling on a fully reassembled message's
// total payload length; a fragment claiming more aborts the connection.
const maxMessageLength = 256 * 1024 * 1024

// fragmentHeader is the 32-byte wire header in front of every fragment's
// payload bytes. All fields are big-endian; struc tags spell the layout
// out once at the type definition instead of a hand-written
// binary.Read/Write call chain.
type fragmentHeader struct {
	Magic             uint32 `struc:"uint32,big"`
	HeaderLength      uint32 `struc:"uint32,big"`
	FragmentIndex     uint16 `struc:"uint16,big"`
	FragmentCount     uint16 `struc:"uint16,big"`
	Length            uint32 `struc:"uint32,big"`
	MessageID         uint32 `struc:"uint32,big"`
	ConversationIndex uint32 `struc:"uint32,big"`
	ChannelCode       int32  `struc:"int32,big"`
	ExpectsReply      uint32 `struc:"uint32,big"`
}

func (h *fragmentHeader) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, h); err != nil {
		return nil, errors.NewProtocolError("dtx: packing fragment header: %v", err)
	}
	return buf.Bytes(), nil
}

func unmarshalHeader(b []byte) (*fragmentHeader, error) {
	if len(b) != headerSize {
		return nil, errors.NewProtocolError("dtx: fragment header is %d bytes, want %d", len(b), headerSize)
	}
	var h fragmentHeader
	if err := struc.Unpack(bytes.NewReader(b), &h); err != nil {
		return nil, errors.NewProtocolError("dtx: unpacking fragment header: %v", err)
	}
	if h.Magic != fragmentMagic {
		return nil, errors.NewProtocolError("dtx: bad fragment magic %#x", h.Magic)
	}
	if h.HeaderLength != headerSize {
		return nil, errors.NewProtocolError("dtx: fragment claims header length %d, want %d", h.HeaderLength, headerSize)
	}
	if h.FragmentCount == 0 {
		return nil, errors.NewProtocolError("dtx: fragment count is zero")
	}
	if h.Length > maxMessageLength {
		return nil, errors.NewProtocolError("dtx: message length %d exceeds ceiling %d", h.Length, maxMessageLength)
	}
	return &h, nil
}

// payloadHeader is the first 16 bytes of a message's reassembled payload:
// flags, the auxiliary buffer's byte length, and the payload's total byte
// length (auxiliary buffer plus archived-object bytes).
type payloadHeader struct {
	Flags       uint32 `struc:"uint32,little"`
	AuxLength   uint32 `struc:"uint32,little"`
	TotalLength uint64 `struc:"uint64,little"`
}

func (p *payloadHeader) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, p); err != nil {
		return nil, errors.NewProtocolError("dtx: packing payload header: %v", err)
	}
	return buf.Bytes(), nil
}

func unmarshalPayloadHeader(b []byte) (*payloadHeader, error) {
	if len(b) != 16 {
		return nil, errors.NewProtocolError("dtx: payload header is %d bytes, want 16", len(b))
	}
	var p payloadHeader
	if err := struc.Unpack(bytes.NewReader(b), &p); err != nil {
		return nil, errors.NewProtocolError("dtx: unpacking payload header: %v", err)
	}
	if p.TotalLength > maxMessageLength {
		return nil, errors.NewProtocolError("dtx: payload total length %d exceeds ceiling %d", p.TotalLength, maxMessageLength)
	}
	if uint64(p.AuxLength) > p.TotalLength {
		return nil, errors.NewProtocolError("dtx: aux length %d exceeds total length %d", p.AuxLength, p.TotalLength)
	}
	return &p, nil
}
