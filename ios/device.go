// Package ios is the top-level, upward-facing surface of this module: a
// DeviceHandle wraps a paired, sessioned connection to one attached iOS
// device and exposes the operations built on top of the lower-level
// components (usbmux, lockdown, DTX, instruments, mount, testmanagerd) —
// listing, pairing, starting named services, installing and launching
// apps, screenshots, reboot/shutdown, developer-image mounting, and
// XCUITest orchestration.
package ios

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/lockdown"
	"go.ioshost.dev/ioshost/ios/transport"
	"go.ioshost.dev/ioshost/ios/usbmux"
)

const progName = "ioshost"

// DeviceHandle is a paired, sessioned connection to one attached iOS
// device — the handle callers hold for the lifetime of their interaction
// with it.
type DeviceHandle struct {
	cfg     *config.Config
	record  usbmux.DeviceRecord
	session *lockdown.Session
}

// List returns every device the mux daemon currently reports, whatever its
// ConnectionType; network-attached entries are not filtered out.
func List(ctx context.Context, cfg *config.Config) ([]usbmux.DeviceRecord, error) {
	return usbmux.ListDevices(ctx, cfg)
}

// Listen streams attach/detach notifications for every device on the host.
func Listen(ctx context.Context, cfg *config.Config) (<-chan usbmux.DeviceEvent, error) {
	return usbmux.Listen(ctx, cfg)
}

// Open pairs (if necessary) and establishes a lockdownd session with the
// device identified by udid. If udid is empty, exactly one device must be
// attached: NoDevice if none is, NotFound if more than one is (the caller
// must disambiguate with a UDID).
func Open(ctx context.Context, cfg *config.Config, udid string) (*DeviceHandle, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	devices, err := usbmux.ListDevices(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rec, err := pickDevice(devices, udid)
	if err != nil {
		return nil, err
	}
	session, err := lockdown.StartSession(ctx, cfg, rec.DeviceID, rec.UDID)
	if err != nil {
		return nil, err
	}
	return &DeviceHandle{cfg: cfg, record: rec, session: session}, nil
}

func pickDevice(devices []usbmux.DeviceRecord, udid string) (usbmux.DeviceRecord, error) {
	if udid != "" {
		for _, d := range devices {
			if d.UDID == udid {
				return d, nil
			}
		}
		return usbmux.DeviceRecord{}, errors.NewNotFound("device " + udid)
	}
	if len(devices) == 0 {
		return usbmux.DeviceRecord{}, errors.NewNoDevice()
	}
	if len(devices) > 1 {
		return usbmux.DeviceRecord{}, errors.NewNotFound("a single attached device (multiple attached; pass a UDID)")
	}
	return devices[0], nil
}

// Close closes the device's lockdown session.
func (d *DeviceHandle) Close() error { return d.session.Close() }

// UDID returns the device's unique identifier.
func (d *DeviceHandle) UDID() string { return d.record.UDID }

// ProductVersion returns the device's iOS version string, cached on the
// session since it was established.
func (d *DeviceHandle) ProductVersion() string { return d.session.ProductVersion() }

// Pair forces a fresh pairing with the device, replacing any pair record
// usbmuxd already has on file for it.
func (d *DeviceHandle) Pair(ctx context.Context) error {
	_, err := lockdown.Pair(ctx, d.cfg, d.record.DeviceID, d.record.UDID)
	return err
}

// Unpair removes the host's stored pairing record for the device.
func (d *DeviceHandle) Unpair(ctx context.Context) error {
	return usbmux.DeletePairRecord(ctx, d.cfg, d.record.UDID)
}

// StartService starts the named lockdown service and returns a raw
// connection to it, mounting the developer disk image and retrying once if
// the device first reports InvalidService.
func (d *DeviceHandle) StartService(ctx context.Context, name string) (*transport.Conn, error) {
	return d.session.StartServiceWithMount(ctx, name)
}
