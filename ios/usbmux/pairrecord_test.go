package usbmux

import (
	"context"
	"testing"

	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

func TestReadPairRecord(t *testing.T) {
	want := &PairRecord{
		HostID:            "11111111-2222-3333-4444-555555555555",
		SystemBUID:        "00008030-ABCDEF",
		HostCertificate:   []byte("host-cert"),
		HostPrivateKey:    []byte("host-key"),
		DeviceCertificate: []byte("device-cert"),
		RootCertificate:   []byte("root-cert"),
		RootPrivateKey:    []byte("root-key"),
	}

	cfg := fakeMuxd(t, func(conn *transport.Conn) {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, _ := req.(*plist.Dict)
		if v, _ := d.Get("MessageType"); v != "ReadPairRecord" {
			return
		}
		raw, err := plist.Marshal(want.toPlist())
		if err != nil {
			return
		}
		conn.Send(plist.NewDict().Set("PairRecordData", raw))
	})

	got, err := ReadPairRecord(context.Background(), cfg, "abc123")
	if err != nil {
		t.Fatalf("ReadPairRecord: %v", err)
	}
	if got.HostID != want.HostID || got.SystemBUID != want.SystemBUID {
		t.Errorf("got %#v, want %#v", got, want)
	}
	if string(got.DeviceCertificate) != string(want.DeviceCertificate) {
		t.Errorf("DeviceCertificate = %q, want %q", got.DeviceCertificate, want.DeviceCertificate)
	}
}

func TestReadPairRecordNotFound(t *testing.T) {
	cfg := fakeMuxd(t, func(conn *transport.Conn) {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, _ := req.(*plist.Dict)
		if v, _ := d.Get("MessageType"); v != "ReadPairRecord" {
			return
		}
		conn.Send(plist.NewDict().Set("Result", int64(0)))
	})

	if _, err := ReadPairRecord(context.Background(), cfg, "no-such-udid"); err == nil {
		t.Error("expected NotFound error for missing pair record")
	}
}

func TestSaveAndDeletePairRecord(t *testing.T) {
	var gotMessages []string
	cfg := fakeMuxd(t, func(conn *transport.Conn) {
		for {
			req, err := conn.Recv()
			if err != nil {
				return
			}
			d, _ := req.(*plist.Dict)
			mt, _ := d.Get("MessageType")
			gotMessages = append(gotMessages, mt.(string))
			conn.Send(plist.NewDict().Set("Result", int64(0)))
		}
	})

	record := &PairRecord{HostID: "host-1", SystemBUID: "buid-1"}
	if err := SavePairRecord(context.Background(), cfg, "udid-1", 7, record); err != nil {
		t.Fatalf("SavePairRecord: %v", err)
	}
	if err := DeletePairRecord(context.Background(), cfg, "udid-1"); err != nil {
		t.Fatalf("DeletePairRecord: %v", err)
	}
}
