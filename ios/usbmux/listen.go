package usbmux

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/logging"
	"go.ioshost.dev/ioshost/ios/plist"
)

// EventKind distinguishes device attach/detach notifications.
type EventKind int

const (
	Attached EventKind = iota
	Detached
)

// DeviceEvent is delivered on the channel returned by Listen.
type DeviceEvent struct {
	Kind   EventKind
	Device DeviceRecord
}

// Listen subscribes to usbmuxd's attach/detach notifications and returns a
// channel of events. The channel is closed when ctx is done or the
// connection to usbmuxd fails; a failure after at least one successful
// notification is not distinguishable from a clean shutdown on the channel
// alone, so callers that care should check ctx.Err() after the channel
// closes.
func Listen(ctx context.Context, cfg *config.Config) (<-chan DeviceEvent, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(baseRequest("Listen")); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	d, err := asDict(reply, "Listen")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := checkResult(d); err != nil {
		conn.Close()
		return nil, err
	}

	events := make(chan DeviceEvent)
	go func() {
		defer close(events)
		defer conn.Close()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-stop:
			}
		}()
		for {
			msg, err := conn.Recv()
			if err != nil {
				if ctx.Err() == nil {
					logging.Errorf(ctx, "usbmux: Listen connection failed: %v", err)
				}
				return
			}
			entry, ok := msg.(*plist.Dict)
			if !ok {
				continue
			}
			evt, ok := parseEvent(entry)
			if !ok {
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func parseEvent(entry *plist.Dict) (DeviceEvent, bool) {
	msgType, _ := entry.Get("MessageType")
	var kind EventKind
	switch msgType {
	case "Attached":
		kind = Attached
	case "Detached":
		kind = Detached
	default:
		return DeviceEvent{}, false
	}

	rec := DeviceRecord{}
	if v, ok := entry.Get("DeviceID"); ok {
		rec.DeviceID, _ = toInt(v)
	}
	if propsVal, ok := entry.Get("Properties"); ok {
		if props, ok := propsVal.(*plist.Dict); ok {
			if v, ok := props.Get("SerialNumber"); ok {
				rec.UDID, _ = v.(string)
			}
			if v, ok := props.Get("ConnectionType"); ok {
				rec.ConnectionType, _ = v.(string)
			}
			if v, ok := props.Get("ProductID"); ok {
				rec.ProductID, _ = toInt(v)
			}
		}
	}
	return DeviceEvent{Kind: kind, Device: rec}, true
}
