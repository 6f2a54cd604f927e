package lockdown

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/usbmux"
)

// Pair performs a fresh device pairing: it generates a host/root certificate
// and a device certificate around the device's own public key, exchanges
// them with lockdownd, and persists the resulting escrow record through
// usbmuxd so future sessions can skip pairing.
func Pair(ctx context.Context, cfg *config.Config, deviceID int, udid string) (*usbmux.PairRecord, error) {
	devicePubVal, err := GetValue(ctx, cfg, deviceID, "", "DevicePublicKey")
	if err != nil {
		return nil, err
	}
	devicePubKey, ok := devicePubVal.([]byte)
	if !ok || len(devicePubKey) == 0 {
		return nil, errors.NewPairingFailed("device did not return a DevicePublicKey")
	}

	buid, err := usbmux.ReadBUID(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var wifiAddr string
	if v, err := GetValue(ctx, cfg, deviceID, "", "WiFiAddress"); err == nil {
		wifiAddr, _ = v.(string)
	}

	certs, err := makeCertsAndKey(devicePubKey)
	if err != nil {
		return nil, err
	}
	hostID := strings.ToUpper(uuid.New().String())

	conn, err := dialDevice(ctx, cfg, deviceID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := queryType(conn); err != nil {
		return nil, err
	}

	pairRecordFields := plist.NewDict().
		Set("DevicePublicKey", devicePubKey).
		Set("DeviceCertificate", certs.DeviceCertPEM).
		Set("HostCertificate", certs.HostCertPEM).
		Set("HostID", hostID).
		Set("RootCertificate", certs.HostCertPEM).
		Set("SystemBUID", buid)

	req := plist.NewDict().
		Set("Request", "Pair").
		Set("PairRecord", pairRecordFields).
		Set("Label", progName).
		Set("ProtocolVersion", "2").
		Set("PairingOptions", plist.NewDict().Set("ExtendedPairingErrors", true))

	reply, err := conn.SendRecv(req)
	if err != nil {
		return nil, err
	}
	d, err := asDict(reply, "Pair")
	if err != nil {
		return nil, err
	}
	if v, ok := d.Get("Error"); ok {
		reason, _ := v.(string)
		return nil, errors.NewPairingFailed(reason)
	}
	escrowVal, ok := d.Get("EscrowBag")
	if !ok {
		return nil, errors.NewPairingFailed("pair reply missing EscrowBag")
	}
	escrowBag, _ := escrowVal.([]byte)

	record := &usbmux.PairRecord{
		HostID:            hostID,
		SystemBUID:        buid,
		HostCertificate:   certs.HostCertPEM,
		HostPrivateKey:    certs.HostKeyPEM,
		DeviceCertificate: certs.DeviceCertPEM,
		RootCertificate:   certs.HostCertPEM,
		RootPrivateKey:    certs.HostKeyPEM,
		WiFiMACAddress:    wifiAddr,
		EscrowBag:         escrowBag,
	}
	if err := usbmux.SavePairRecord(ctx, cfg, udid, deviceID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Handshake returns udid's existing pair record, pairing from scratch if
// usbmuxd has none on file.
func Handshake(ctx context.Context, cfg *config.Config, deviceID int, udid string) (*usbmux.PairRecord, error) {
	record, err := usbmux.ReadPairRecord(ctx, cfg, udid)
	if err == nil {
		return record, nil
	}
	if !isNoPairRecord(err) {
		return nil, err
	}
	return Pair(ctx, cfg, deviceID, udid)
}

func isNoPairRecord(err error) bool {
	if errors.As(err, new(*errors.NotFound)) {
		return true
	}
	var muxErr *errors.MuxReplyError
	return errors.As(err, &muxErr) && muxErr.Code == usbmux.BadDeviceCode
}
