package dtx

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// rootChannel is the implicit channel every connection starts with; all
// channel creation and the capability handshake happen on it.
const rootChannel int32 = 0

// requestChannelSelector is the channel-0 call that allocates a new
// client-initiated channel.
const requestChannelSelector = "_requestChannelWithCode:identifier:"

// capabilitiesSelector is the first message every DTX connection exchanges
// in both directions.
const capabilitiesSelector = "_notifyOfPublishedCapabilities:"

// Handshake performs the channel-0 capability exchange required before any
// other traffic: it publishes capabilities, waits for the server's own
// _notifyOfPublishedCapabilities: notification, and fails if the two
// capability sets share no common key.
func (c *Connection) Handshake(ctx context.Context, capabilities *plist.Dict) error {
	received := make(chan *plist.Dict, 1)
	c.RegisterSelectorCallback(rootChannel, capabilitiesSelector, func(m *Message) {
		if len(m.Args) == 0 {
			return
		}
		d, ok := m.Args[0].(*plist.Dict)
		if !ok {
			return
		}
		select {
		case received <- d:
		default:
		}
	})

	if err := c.Notify(rootChannel, capabilitiesSelector, capabilities); err != nil {
		return err
	}

	select {
	case serverCaps := <-received:
		if !capabilitiesIntersect(capabilities, serverCaps) {
			return errors.NewProtocolError("dtx: capability handshake found no common capability with server")
		}
		return nil
	case <-ctx.Done():
		return errors.NewTimeout("dtx capability handshake")
	case <-c.finishedCh:
		return errors.NewProtocolError("dtx: connection closed during capability handshake")
	}
}

func capabilitiesIntersect(a, b *plist.Dict) bool {
	for _, k := range a.Keys() {
		if _, ok := b.Get(k); ok {
			return true
		}
	}
	return false
}

// RequestChannel allocates the next unused positive channel code and
// registers it with the server under label, the Cocoa-style protocol
// string (e.g. "dtxproxy:XCTestManager_IDEInterface:
// XCTestManager_DaemonConnectionInterface").
func (c *Connection) RequestChannel(ctx context.Context, label string) (int32, error) {
	code := c.allocateChannelCode()
	_, err := c.Call(ctx, rootChannel, requestChannelSelector, code, label)
	if err != nil {
		return 0, err
	}
	return code, nil
}
