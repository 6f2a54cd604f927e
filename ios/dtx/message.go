package dtx

import (
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// Kind identifies a message's payload shape, the low nibble of the DTX
// payload flags.
type Kind int

const (
	KindInvocation Kind = payloadKindInvocation
	KindRawArchive Kind = payloadKindRawArchive
	KindAck        Kind = payloadKindAck
)

// Message is one logical DTX message: a request, a reply, or an
// unsolicited notification, already reassembled from its wire fragments.
type Message struct {
	ChannelCode       int32
	MessageID         uint32
	ConversationIndex uint32
	ExpectsReply      bool
	Kind              Kind

	// Selector and Args are populated for KindInvocation.
	Selector string
	Args     []interface{}

	// Object is populated for KindRawArchive: the decoded archived value
	// (a bool, int64, string, or []byte; a *plist.ArchivedObject for a
	// recognized class, NSArray and NSDictionary included; or a
	// *plist.RawObject for any other class).
	Object interface{}
}

// NewInvocation builds a method-invocation message: channel, selector, and
// its auxiliary arguments.
func NewInvocation(channelCode int32, expectsReply bool, selector string, args ...interface{}) *Message {
	return &Message{
		ChannelCode:  channelCode,
		ExpectsReply: expectsReply,
		Kind:         KindInvocation,
		Selector:     selector,
		Args:         args,
	}
}

// NewRawArchive builds a raw-archive message carrying a single archived
// object (e.g. an already-built XCTestConfiguration or a bare bool reply).
func NewRawArchive(channelCode int32, expectsReply bool, object interface{}) *Message {
	return &Message{
		ChannelCode:  channelCode,
		ExpectsReply: expectsReply,
		Kind:         KindRawArchive,
		Object:       object,
	}
}

func (m *Message) flags() uint32 {
	f := uint32(m.Kind)
	if m.ExpectsReply {
		f |= flagExpectsReply
	}
	return f
}

// marshalPayload builds the 16-byte payload header plus the auxiliary
// buffer plus the archived-object bytes that make up a reassembled
// message's full payload.
func (m *Message) marshalPayload() ([]byte, error) {
	var aux []byte
	var object []byte
	var err error

	switch m.Kind {
	case KindInvocation:
		aux, err = newAuxBuffer(m.Args...).marshal()
		if err != nil {
			return nil, err
		}
		object, err = archiveValue(m.Selector)
		if err != nil {
			return nil, err
		}
	case KindRawArchive:
		aux, err = newAuxBuffer().marshal()
		if err != nil {
			return nil, err
		}
		if raw, ok := m.Object.([]byte); ok {
			// Already NSKeyedArchiver-encoded bytes (e.g.
			// plist.BuildXCTestConfiguration's output).
			object = raw
		} else {
			object, err = archiveValue(m.Object)
			if err != nil {
				return nil, err
			}
		}
	case KindAck:
		aux, err = newAuxBuffer().marshal()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewProtocolError("dtx: unknown message kind %d", m.Kind)
	}

	header := payloadHeader{
		Flags:       m.flags(),
		AuxLength:   uint32(len(aux)),
		TotalLength: uint64(len(aux) + len(object)),
	}
	headerBytes, err := header.marshal()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(headerBytes)+len(aux)+len(object))
	out = append(out, headerBytes...)
	out = append(out, aux...)
	out = append(out, object...)
	return out, nil
}

// unmarshalPayload decodes a reassembled message's full payload bytes
// (payload header + aux buffer + archived object) into m.
func unmarshalPayload(channelCode int32, messageID, conversationIndex uint32, payload []byte) (*Message, error) {
	if len(payload) < 16 {
		return nil, errors.NewProtocolError("dtx: payload is %d bytes, want at least 16", len(payload))
	}
	ph, err := unmarshalPayloadHeader(payload[:16])
	if err != nil {
		return nil, err
	}
	rest := payload[16:]
	if uint64(len(rest)) != ph.TotalLength {
		return nil, errors.NewProtocolError("dtx: payload declares %d bytes after header, has %d", ph.TotalLength, len(rest))
	}
	if uint64(ph.AuxLength) > uint64(len(rest)) {
		return nil, errors.NewProtocolError("dtx: aux length %d exceeds payload %d", ph.AuxLength, len(rest))
	}
	auxBytes := rest[:ph.AuxLength]
	objectBytes := rest[ph.AuxLength:]

	m := &Message{
		ChannelCode:       channelCode,
		MessageID:         messageID,
		ConversationIndex: conversationIndex,
		ExpectsReply:      ph.Flags&flagExpectsReply != 0,
		Kind:              Kind(ph.Flags & 0xF),
	}

	switch m.Kind {
	case KindInvocation:
		aux, err := unmarshalAuxBuffer(auxBytes)
		if err != nil {
			return nil, err
		}
		m.Args = aux.values
		if len(objectBytes) > 0 {
			sel, err := plist.UnmarshalArchive(objectBytes)
			if err != nil {
				return nil, errors.NewProtocolError("dtx: decoding selector: %v", err)
			}
			selStr, ok := sel.(string)
			if !ok {
				return nil, errors.NewProtocolError("dtx: invocation object is %T, want string selector", sel)
			}
			m.Selector = selStr
		}
	case KindRawArchive:
		if len(objectBytes) > 0 {
			obj, err := plist.UnmarshalArchive(objectBytes)
			if err != nil {
				return nil, errors.NewProtocolError("dtx: decoding raw archive object: %v", err)
			}
			m.Object = obj
		}
	case KindAck:
		// no payload beyond the header.
	default:
		return nil, errors.NewProtocolError("dtx: unknown payload kind %#x", m.Kind)
	}

	return m, nil
}

// archiveValue builds a minimal NSKeyedArchiver archive for a generic
// Go-side value: invocation selectors and raw-archive objects (strings,
// booleans, int/int64 numbers, []byte, and *plist.Dict / *plist.Array
// containers of those; nil archives as $null).
func archiveValue(v interface{}) ([]byte, error) {
	b := plist.NewArchiveBuilder()
	root, err := archiveInto(b, v)
	if err != nil {
		return nil, err
	}
	return b.Build(root)
}

func archiveInto(b *plist.ArchiveBuilder, v interface{}) (plist.UID, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return b.AddString(t), nil
	case bool:
		return b.AddBool(t), nil
	case int:
		return b.AddInt(int64(t)), nil
	case int64:
		return b.AddInt(t), nil
	case []byte:
		return b.AddData(t), nil
	case *plist.Dict:
		keys := make([]plist.UID, 0, t.Len())
		vals := make([]plist.UID, 0, t.Len())
		for _, k := range t.Keys() {
			kv, _ := t.Get(k)
			kRef := b.AddString(k)
			vRef, err := archiveInto(b, kv)
			if err != nil {
				return 0, err
			}
			keys = append(keys, kRef)
			vals = append(vals, vRef)
		}
		return b.AddDictionary(keys, vals), nil
	case *plist.Array:
		items := make([]plist.UID, 0, len(t.Items))
		for _, item := range t.Items {
			ref, err := archiveInto(b, item)
			if err != nil {
				return 0, err
			}
			items = append(items, ref)
		}
		return b.AddArray(items), nil
	default:
		return 0, errors.NewProtocolError("dtx: cannot archive value of type %T", v)
	}
}
