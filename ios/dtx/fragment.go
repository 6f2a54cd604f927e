package dtx

import (
	"go.ioshost.dev/ioshost/internal/errors"
)

// maxFragmentPayload is the largest payload a single fragment carries
// before a message must be split across a header-only fragment 0 and one
// or more payload-carrying fragments.
const maxFragmentPayload = 65504

type fragmentKey struct {
	channelCode int32
	messageID   uint32
}

// buildFragments splits payload (a message's full payload-header+aux+object
// bytes) into the wire bytes of one or more fragments, per §4.E framing:
// a message that fits in one fragment carries its header and full payload
// together; a larger message's fragment 0 carries only the header, with
// the payload spread across fragments 1..N-1.
func buildFragments(channelCode int32, messageID, conversationIndex uint32, expectsReply bool, payload []byte) ([][]byte, error) {
	expects := uint32(0)
	if expectsReply {
		expects = 1
	}

	if len(payload) <= maxFragmentPayload {
		h := fragmentHeader{
			Magic: fragmentMagic, HeaderLength: headerSize,
			FragmentIndex: 0, FragmentCount: 1,
			Length: uint32(len(payload)), MessageID: messageID,
			ConversationIndex: conversationIndex, ChannelCode: channelCode,
			ExpectsReply: expects,
		}
		hb, err := h.marshal()
		if err != nil {
			return nil, err
		}
		return [][]byte{append(hb, payload...)}, nil
	}

	var chunks [][]byte
	for off := 0; off < len(payload); off += maxFragmentPayload {
		end := off + maxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	count := uint16(len(chunks) + 1)

	out := make([][]byte, 0, count)
	h0 := fragmentHeader{
		Magic: fragmentMagic, HeaderLength: headerSize,
		FragmentIndex: 0, FragmentCount: count,
		Length: uint32(len(payload)), MessageID: messageID,
		ConversationIndex: conversationIndex, ChannelCode: channelCode,
		ExpectsReply: expects,
	}
	b0, err := h0.marshal()
	if err != nil {
		return nil, err
	}
	out = append(out, b0)

	for i, c := range chunks {
		hi := fragmentHeader{
			Magic: fragmentMagic, HeaderLength: headerSize,
			FragmentIndex: uint16(i + 1), FragmentCount: count,
			Length: uint32(len(payload)), MessageID: messageID,
			ConversationIndex: conversationIndex, ChannelCode: channelCode,
			ExpectsReply: expects,
		}
		bi, err := hi.marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, append(bi, c...))
	}
	return out, nil
}

// reassembler accumulates fragments for in-flight messages, keyed by
// (channel_code, message_id) as §4.E's framing section requires, so the
// reader can interleave fragments of concurrent multi-fragment messages
// across channels without corrupting either.
type reassembler struct {
	pending map[fragmentKey]*partialMessage
}

type partialMessage struct {
	header *fragmentHeader
	data   []byte // accumulated fragments 1..N-1 payload bytes
}

func newReassembler() *reassembler {
	return &reassembler{pending: map[fragmentKey]*partialMessage{}}
}

// feed consumes one fragment's header and payload bytes. It returns a fully
// reassembled message's raw payload bytes (ready for unmarshalPayload) once
// every fragment has arrived, or nil while more fragments are still
// expected.
func (r *reassembler) feed(h *fragmentHeader, fragmentPayload []byte) ([]byte, error) {
	key := fragmentKey{channelCode: h.ChannelCode, messageID: h.MessageID}

	if h.FragmentCount == 1 {
		if uint32(len(fragmentPayload)) != h.Length {
			return nil, errors.NewProtocolError("dtx: atomic fragment declares length %d, got %d", h.Length, len(fragmentPayload))
		}
		return fragmentPayload, nil
	}

	pm, ok := r.pending[key]
	if h.FragmentIndex == 0 {
		if ok {
			return nil, errors.NewProtocolError("dtx: duplicate fragment 0 for channel %d message %d", h.ChannelCode, h.MessageID)
		}
		r.pending[key] = &partialMessage{header: h, data: make([]byte, 0, h.Length)}
		return nil, nil
	}
	if !ok {
		return nil, errors.NewProtocolError("dtx: fragment %d for channel %d message %d arrived before fragment 0", h.FragmentIndex, h.ChannelCode, h.MessageID)
	}
	if h.FragmentCount != pm.header.FragmentCount {
		return nil, errors.NewProtocolError("dtx: fragment count changed mid-message for channel %d message %d", h.ChannelCode, h.MessageID)
	}
	if int(h.FragmentIndex) != len(pm.data)/maxFragmentPayload+1 {
		return nil, errors.NewProtocolError("dtx: out-of-order fragment %d for channel %d message %d", h.FragmentIndex, h.ChannelCode, h.MessageID)
	}

	pm.data = append(pm.data, fragmentPayload...)
	if h.FragmentIndex == pm.header.FragmentCount-1 {
		delete(r.pending, key)
		if uint32(len(pm.data)) != pm.header.Length {
			return nil, errors.NewProtocolError("dtx: reassembled message for channel %d message %d is %d bytes, header declared %d", h.ChannelCode, h.MessageID, len(pm.data), pm.header.Length)
		}
		return pm.data, nil
	}
	return nil, nil
}
