package usbmux

import (
	"context"
	"net"
	"testing"
	"time"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

// fakeMuxd starts a TCP listener speaking just enough of usbmuxd's
// plist-packet protocol for these tests, and returns a *config.Config
// pointed at it.
func fakeMuxd(t *testing.T, handle func(conn *transport.Conn)) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(transport.NewConn(raw, transport.ModePlistPacket))
		}
	}()

	return &config.Config{MuxSocketAddress: "tcp:" + ln.Addr().String()}
}

func TestReadBUID(t *testing.T) {
	cfg := fakeMuxd(t, func(conn *transport.Conn) {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, _ := req.(*plist.Dict)
		if v, _ := d.Get("MessageType"); v != "ReadBUID" {
			return
		}
		conn.Send(plist.NewDict().Set("BUID", "00008030-ABCDEF"))
	})

	got, err := ReadBUID(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ReadBUID: %v", err)
	}
	if got != "00008030-ABCDEF" {
		t.Errorf("BUID = %q", got)
	}
}

func TestListDevices(t *testing.T) {
	cfg := fakeMuxd(t, func(conn *transport.Conn) {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, _ := req.(*plist.Dict)
		if v, _ := d.Get("MessageType"); v != "ListDevices" {
			return
		}
		props := plist.NewDict().
			Set("SerialNumber", "abc123").
			Set("DeviceID", int64(7)).
			Set("ConnectionType", "USB").
			Set("ProductID", int64(4779))
		entry := plist.NewDict().Set("Properties", props)
		conn.Send(plist.NewDict().Set("DeviceList", plist.NewArray(entry)))
	})

	devices, err := ListDevices(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].UDID != "abc123" || devices[0].DeviceID != 7 {
		t.Errorf("got %#v", devices[0])
	}
}

func TestReadBUIDTimesOutOnNoServer(t *testing.T) {
	cfg := &config.Config{MuxSocketAddress: "tcp:127.0.0.1:1"}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := ReadBUID(ctx, cfg); err == nil {
		t.Error("expected error dialing a closed port")
	}
}
