// Package lockdown implements the lockdownd protocol: the plist-packet
// service running on every iOS device at TCP port 62078 (reached through a
// usbmux tunnel) that handles pairing, session/TLS negotiation, key/value
// device queries, and starting other services by name.
package lockdown

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
	"go.ioshost.dev/ioshost/ios/usbmux"
)

// LockdownPort is the well-known TCP port lockdownd listens on, device-side.
const LockdownPort = 62078

const progName = "ioshost"

// dialDevice tunnels to lockdownd over usbmux and sets up plist-packet
// framing, lockdownd's own wire format.
func dialDevice(ctx context.Context, cfg *config.Config, deviceID int) (*transport.Conn, error) {
	conn, err := usbmux.Connect(ctx, cfg, deviceID, LockdownPort)
	if err != nil {
		return nil, err
	}
	conn.SetMode(transport.ModePlistPacket)
	return conn, nil
}

// queryType performs lockdownd's handshake, confirming the service on the
// other end is in fact lockdownd.
func queryType(conn *transport.Conn) error {
	reply, err := conn.SendRecv(plist.NewDict().Set("Request", "QueryType"))
	if err != nil {
		return err
	}
	d, err := asDict(reply, "QueryType")
	if err != nil {
		return err
	}
	if v, _ := d.Get("Type"); v != "com.apple.mobile.lockdown" {
		return errors.NewProtocolError("lockdown: QueryType returned unexpected Type %v", v)
	}
	return nil
}

func asDict(v interface{}, what string) (*plist.Dict, error) {
	d, ok := v.(*plist.Dict)
	if !ok {
		return nil, errors.NewProtocolError("lockdown: %s reply is not a dict (%T)", what, v)
	}
	return d, nil
}

func checkError(d *plist.Dict, op string) error {
	if v, ok := d.Get("Error"); ok {
		reason, _ := v.(string)
		return errors.NewServiceError("lockdown", op+": "+reason)
	}
	return nil
}

// getValueOnConn issues GetValue directly on an already-dialed,
// already-QueryType'd connection, for requests (DevicePublicKey,
// WiFiAddress during pairing) that must not go through a session.
func getValueOnConn(conn *transport.Conn, domain, key string) (interface{}, error) {
	req := plist.NewDict().Set("Request", "GetValue").Set("Label", progName)
	if domain != "" {
		req.Set("Domain", domain)
	}
	if key != "" {
		req.Set("Key", key)
	}
	reply, err := conn.SendRecv(req)
	if err != nil {
		return nil, err
	}
	d, err := asDict(reply, "GetValue")
	if err != nil {
		return nil, err
	}
	if err := checkError(d, "GetValue"); err != nil {
		return nil, err
	}
	v, _ := d.Get("Value")
	return v, nil
}

// GetValue opens a standalone (session-less) connection and reads key (or
// the whole domain, if key is empty). Most values are readable without a
// session; pairing itself relies on this (DevicePublicKey, WiFiAddress).
func GetValue(ctx context.Context, cfg *config.Config, deviceID int, domain, key string) (interface{}, error) {
	conn, err := dialDevice(ctx, cfg, deviceID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := queryType(conn); err != nil {
		return nil, err
	}
	return getValueOnConn(conn, domain, key)
}

// SetValue opens a standalone connection and sets domain/key to value.
func SetValue(ctx context.Context, cfg *config.Config, deviceID int, domain, key string, value interface{}) error {
	conn, err := dialDevice(ctx, cfg, deviceID)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := queryType(conn); err != nil {
		return err
	}
	req := plist.NewDict().Set("Request", "SetValue").Set("Label", progName).Set("Value", value)
	if domain != "" {
		req.Set("Domain", domain)
	}
	if key != "" {
		req.Set("Key", key)
	}
	reply, err := conn.SendRecv(req)
	if err != nil {
		return err
	}
	d, err := asDict(reply, "SetValue")
	if err != nil {
		return err
	}
	return checkError(d, "SetValue")
}
