package lockdown

import (
	"context"
	"net"
	"sync"
	"testing"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

// fakeUsbmuxd plays both usbmuxd and, once a Connect tunnel is opened,
// lockdownd: it answers ReadPairRecord/SavePairRecord/DeletePairRecord
// against an in-memory pair-record store, and hands any Connect'd
// connection to tunnel for scripted lockdown traffic.
type fakeUsbmuxd struct {
	mu      sync.Mutex
	records map[string][]byte // udid -> marshaled PairRecordData
	tunnel  func(conn *transport.Conn)
}

func newFakeUsbmuxd(t *testing.T, tunnel func(conn *transport.Conn)) (*fakeUsbmuxd, *config.Config) {
	t.Helper()
	f := &fakeUsbmuxd{records: map[string][]byte{}, tunnel: tunnel}

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
			go f.handle(transport.NewConn(raw, transport.ModePlistPacket))
		}
	}()

	return f, &config.Config{MuxSocketAddress: "tcp:" + ln.Addr().String(), AppDir: t.TempDir()}
}

func (f *fakeUsbmuxd) handle(conn *transport.Conn) {
	defer conn.Close()
	req, err := conn.Recv()
	if err != nil {
		return
	}
	d, ok := req.(*plist.Dict)
	if !ok {
		return
	}
	messageType, _ := d.Get("MessageType")

	switch messageType {
	case "ReadPairRecord":
		udid, _ := d.Get("PairRecordID")
		f.mu.Lock()
		data, ok := f.records[udid.(string)]
		f.mu.Unlock()
		if !ok {
			conn.Send(plist.NewDict().Set("Number", int64(6)))
			return
		}
		conn.Send(plist.NewDict().Set("PairRecordData", data))
	case "SavePairRecord":
		udid, _ := d.Get("PairRecordID")
		data, _ := d.Get("PairRecordData")
		f.mu.Lock()
		f.records[udid.(string)] = data.([]byte)
		f.mu.Unlock()
		conn.Send(plist.NewDict().Set("Number", int64(0)))
	case "DeletePairRecord":
		udid, _ := d.Get("PairRecordID")
		f.mu.Lock()
		delete(f.records, udid.(string))
		f.mu.Unlock()
		conn.Send(plist.NewDict().Set("Number", int64(0)))
	case "Connect":
		conn.Send(plist.NewDict().Set("MessageType", "Result").Set("Number", int64(0)))
		if f.tunnel != nil {
			f.tunnel(conn)
		}
	}
}

func (f *fakeUsbmuxd) seed(udid string, record *plist.Dict) {
	data, _ := plist.Marshal(record)
	f.mu.Lock()
	f.records[udid] = data
	f.mu.Unlock()
}

func recvDict(t *testing.T, conn *transport.Conn) *plist.Dict {
	t.Helper()
	v, err := conn.Recv()
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	d, ok := v.(*plist.Dict)
	if !ok {
		t.Fatalf("server received %T, want *plist.Dict", v)
	}
	return d
}

func TestGetValueNoSession(t *testing.T) {
	_, cfg := newFakeUsbmuxd(t, func(conn *transport.Conn) {
		d := recvDict(t, conn)
		if v, _ := d.Get("Request"); v != "QueryType" {
			t.Errorf("first request = %v, want QueryType", v)
			return
		}
		conn.Send(plist.NewDict().Set("Type", "com.apple.mobile.lockdown"))

		d = recvDict(t, conn)
		if v, _ := d.Get("Key"); v != "ProductVersion" {
			t.Errorf("GetValue Key = %v, want ProductVersion", v)
			return
		}
		conn.Send(plist.NewDict().Set("Key", "ProductVersion").Set("Value", "14.4"))
	})

	v, err := GetValue(context.Background(), cfg, 1, "", "ProductVersion")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v != "14.4" {
		t.Errorf("got %v, want 14.4", v)
	}
}

func TestStartSessionNoSSL(t *testing.T) {
	fake, cfg := newFakeUsbmuxd(t, func(conn *transport.Conn) {
		d := recvDict(t, conn)
		if v, _ := d.Get("Request"); v != "QueryType" {
			return
		}
		conn.Send(plist.NewDict().Set("Type", "com.apple.mobile.lockdown"))

		d = recvDict(t, conn)
		if v, _ := d.Get("Key"); v != "ProductVersion" {
			return
		}
		conn.Send(plist.NewDict().Set("Key", "ProductVersion").Set("Value", "14.4"))

		d = recvDict(t, conn)
		if v, _ := d.Get("Request"); v != "StartSession" {
			return
		}
		conn.Send(plist.NewDict().Set("SessionID", "session-1").Set("EnableSessionSSL", false))
	})

	fake.seed("udid-1", plist.NewDict().
		Set("HostID", "AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE").
		Set("SystemBUID", "buid-1").
		Set("HostCertificate", []byte("host-cert")).
		Set("HostPrivateKey", []byte("host-key")).
		Set("DeviceCertificate", []byte("device-cert")).
		Set("RootCertificate", []byte("root-cert")).
		Set("RootPrivateKey", []byte("root-key")))

	session, err := StartSession(context.Background(), cfg, 1, "udid-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer session.Close()
	if session.SessionID() != "session-1" {
		t.Errorf("SessionID = %q", session.SessionID())
	}
	if session.ProductVersion() != "14.4" {
		t.Errorf("ProductVersion = %q", session.ProductVersion())
	}
}
