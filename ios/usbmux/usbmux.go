// Package usbmux talks to the host-side usbmux daemon (usbmuxd on macOS and
// Linux, Apple Mobile Device Support's equivalent on Windows): listing
// attached devices, reading the host's BUID, reading/writing per-device
// pairing records, and tunneling a TCP connection to a given port on the
// device over the daemon's multiplexed USB/network link.
package usbmux

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

const (
	progName            = "ioshost"
	clientVersionString = "ioshost-1.0"

	// BadDeviceCode is the usbmux Result code meaning "no such device",
	// returned by Connect/ReadPairRecord/etc for an unknown DeviceID/UDID.
	BadDeviceCode = errors.BadDeviceCode
)

// DeviceRecord describes one entry from a ListDevices reply.
type DeviceRecord struct {
	DeviceID       int
	UDID           string
	ConnectionType string
	ProductID      int
}

// Dial opens a control connection to the mux daemon using cfg's configured
// (or platform-default) socket address.
func Dial(ctx context.Context, cfg *config.Config) (*transport.Conn, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	return transport.Dial(ctx, cfg.MuxSocketAddress, transport.ModePlistPacket)
}

func baseRequest(messageType string) *plist.Dict {
	return plist.NewDict().
		Set("MessageType", messageType).
		Set("ProgName", progName).
		Set("ClientVersionString", clientVersionString)
}

// checkResult extracts and validates the "Number"-valued "Result" field
// usbmux replies carry; a nonzero result other than BadDeviceCode still
// maps to MuxReplyError so callers can distinguish them by Code.
func checkResult(reply *plist.Dict) error {
	v, ok := reply.Get("Number")
	if !ok {
		v, ok = reply.Get("Result")
	}
	if !ok {
		return nil
	}
	code, ok := toInt(v)
	if !ok || code == 0 {
		return nil
	}
	return errors.NewMuxReplyError(code)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func asDict(v interface{}, what string) (*plist.Dict, error) {
	d, ok := v.(*plist.Dict)
	if !ok {
		return nil, errors.NewProtocolError("usbmux: %s reply is not a dict (%T)", what, v)
	}
	return d, nil
}

// ListDevices returns every device currently attached to the host.
func ListDevices(ctx context.Context, cfg *config.Config) ([]DeviceRecord, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := conn.SendRecv(baseRequest("ListDevices"))
	if err != nil {
		return nil, err
	}
	d, err := asDict(reply, "ListDevices")
	if err != nil {
		return nil, err
	}
	listVal, ok := d.Get("DeviceList")
	if !ok {
		return nil, errors.NewProtocolError("usbmux: ListDevices reply missing DeviceList")
	}
	list, ok := listVal.(*plist.Array)
	if !ok {
		return nil, errors.NewProtocolError("usbmux: DeviceList is not an array")
	}

	var out []DeviceRecord
	for _, item := range list.Items {
		entry, ok := item.(*plist.Dict)
		if !ok {
			continue
		}
		propsVal, ok := entry.Get("Properties")
		props, ok2 := propsVal.(*plist.Dict)
		if !ok || !ok2 {
			continue
		}
		rec := DeviceRecord{}
		if v, ok := props.Get("DeviceID"); ok {
			rec.DeviceID, _ = toInt(v)
		}
		if v, ok := props.Get("SerialNumber"); ok {
			rec.UDID, _ = v.(string)
		}
		if v, ok := props.Get("ConnectionType"); ok {
			rec.ConnectionType, _ = v.(string)
		}
		if v, ok := props.Get("ProductID"); ok {
			rec.ProductID, _ = toInt(v)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadBUID returns the host's BUID, the identifier usbmuxd uses to
// distinguish pairing hosts.
func ReadBUID(ctx context.Context, cfg *config.Config) (string, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	reply, err := conn.SendRecv(baseRequest("ReadBUID"))
	if err != nil {
		return "", err
	}
	d, err := asDict(reply, "ReadBUID")
	if err != nil {
		return "", err
	}
	if err := checkResult(d); err != nil {
		return "", err
	}
	buid, _ := d.Get("BUID")
	s, ok := buid.(string)
	if !ok {
		return "", errors.NewProtocolError("usbmux: ReadBUID reply missing BUID")
	}
	return s, nil
}

// Connect tunnels a raw TCP connection to port on the device identified by
// deviceID, for use by lockdown (port 62078) and lockdown-started services.
// The returned Conn starts in ModePassthrough: once usbmux confirms the
// tunnel, the socket carries whatever protocol the target port speaks, not
// usbmux's own plist-packet control framing.
func Connect(ctx context.Context, cfg *config.Config, deviceID int, port uint16) (*transport.Conn, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	req := baseRequest("Connect").
		Set("DeviceID", int64(deviceID)).
		Set("PortNumber", int64(htons(port)))
	reply, err := conn.SendRecv(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	d, err := asDict(reply, "Connect")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := checkResult(d); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMode(transport.ModePassthrough)
	return conn, nil
}

// htons converts a port number to usbmuxd's big-endian-in-a-host-int wire
// convention (the protocol stores the port big-endian inside a normally
// little-endian-read integer field).
func htons(port uint16) uint16 {
	return (port << 8) | (port >> 8)
}
