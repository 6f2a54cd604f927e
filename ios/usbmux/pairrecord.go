package usbmux

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// PairRecord is the escrowed pairing material usbmuxd stores per device,
// produced by lockdown.Pair and consumed by lockdown.StartSession.
type PairRecord struct {
	HostID            string
	SystemBUID        string
	HostCertificate   []byte
	HostPrivateKey    []byte
	DeviceCertificate []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	WiFiMACAddress    string
	EscrowBag         []byte
}

func (p *PairRecord) toPlist() *plist.Dict {
	d := plist.NewDict()
	d.Set("HostID", p.HostID)
	d.Set("SystemBUID", p.SystemBUID)
	d.Set("HostCertificate", p.HostCertificate)
	d.Set("HostPrivateKey", p.HostPrivateKey)
	d.Set("DeviceCertificate", p.DeviceCertificate)
	d.Set("RootCertificate", p.RootCertificate)
	d.Set("RootPrivateKey", p.RootPrivateKey)
	if p.WiFiMACAddress != "" {
		d.Set("WiFiMACAddress", p.WiFiMACAddress)
	}
	if p.EscrowBag != nil {
		d.Set("EscrowBag", p.EscrowBag)
	}
	return d
}

func pairRecordFromPlist(d *plist.Dict) *PairRecord {
	p := &PairRecord{}
	if v, ok := d.Get("HostID"); ok {
		p.HostID, _ = v.(string)
	}
	if v, ok := d.Get("SystemBUID"); ok {
		p.SystemBUID, _ = v.(string)
	}
	if v, ok := d.Get("HostCertificate"); ok {
		p.HostCertificate, _ = v.([]byte)
	}
	if v, ok := d.Get("HostPrivateKey"); ok {
		p.HostPrivateKey, _ = v.([]byte)
	}
	if v, ok := d.Get("DeviceCertificate"); ok {
		p.DeviceCertificate, _ = v.([]byte)
	}
	if v, ok := d.Get("RootCertificate"); ok {
		p.RootCertificate, _ = v.([]byte)
	}
	if v, ok := d.Get("RootPrivateKey"); ok {
		p.RootPrivateKey, _ = v.([]byte)
	}
	if v, ok := d.Get("WiFiMACAddress"); ok {
		p.WiFiMACAddress, _ = v.(string)
	}
	if v, ok := d.Get("EscrowBag"); ok {
		p.EscrowBag, _ = v.([]byte)
	}
	return p
}

// ReadPairRecord returns the pairing record usbmuxd has stored for udid, or
// NotFound if none exists.
func ReadPairRecord(ctx context.Context, cfg *config.Config, udid string) (*PairRecord, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := baseRequest("ReadPairRecord").Set("PairRecordID", udid)
	reply, err := conn.SendRecv(req)
	if err != nil {
		return nil, err
	}
	d, err := asDict(reply, "ReadPairRecord")
	if err != nil {
		return nil, err
	}
	if err := checkResult(d); err != nil {
		return nil, err
	}
	dataVal, ok := d.Get("PairRecordData")
	if !ok {
		return nil, errors.NewNotFound("pair record for " + udid)
	}
	raw, ok := dataVal.([]byte)
	if !ok {
		return nil, errors.NewProtocolError("usbmux: PairRecordData is not raw bytes")
	}
	inner, err := plist.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	innerDict, err := asDict(inner, "PairRecordData")
	if err != nil {
		return nil, err
	}
	return pairRecordFromPlist(innerDict), nil
}

// SavePairRecord writes record as udid's pairing record.
func SavePairRecord(ctx context.Context, cfg *config.Config, udid string, deviceID int, record *PairRecord) error {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	raw, err := plist.Marshal(record.toPlist())
	if err != nil {
		return err
	}
	req := baseRequest("SavePairRecord").
		Set("PairRecordID", udid).
		Set("PairRecordData", raw).
		Set("DeviceID", int64(deviceID))
	reply, err := conn.SendRecv(req)
	if err != nil {
		return err
	}
	d, err := asDict(reply, "SavePairRecord")
	if err != nil {
		return err
	}
	return checkResult(d)
}

// DeletePairRecord removes udid's stored pairing record.
func DeletePairRecord(ctx context.Context, cfg *config.Config, udid string) error {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := baseRequest("DeletePairRecord").Set("PairRecordID", udid)
	reply, err := conn.SendRecv(req)
	if err != nil {
		return err
	}
	d, err := asDict(reply, "DeletePairRecord")
	if err != nil {
		return err
	}
	return checkResult(d)
}
