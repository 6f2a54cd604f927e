package ios

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/dtx"
	"go.ioshost.dev/ioshost/ios/instruments"
	"go.ioshost.dev/ioshost/ios/plist"
)

// instrumentsRemoteServerService and instrumentsRemoteServerSecureService
// mirror testmanagerd's iOS-14 TLS split for the same service name; kept as
// a small local copy rather than an import of ios/testmanagerd's unexported
// constant, matching the independent-session-interface pattern ios/mount
// already uses for this component boundary.
const (
	instrumentsRemoteServerService       = "com.apple.instruments.remoteserver"
	instrumentsRemoteServerSecureService = "com.apple.instruments.remoteserver.DVTSecureSocketProxy"
)

// connectInstruments opens a fresh DTX connection to the instruments
// service and starts a ProcessControl channel on it. Callers must close the
// returned *dtx.Connection when done.
func (d *DeviceHandle) connectInstruments(ctx context.Context) (*dtx.Connection, *instruments.ProcessControl, error) {
	secure, err := d.session.AtLeast(">= 14.0.0")
	if err != nil {
		return nil, nil, err
	}
	svc := instrumentsRemoteServerService
	if secure {
		svc = instrumentsRemoteServerSecureService
	}

	conn, err := d.session.StartServiceWithMount(ctx, svc)
	if err != nil {
		return nil, nil, err
	}
	dtxConn := dtx.Open(ctx, conn)
	pc, err := instruments.StartProcessControl(ctx, dtxConn)
	if err != nil {
		dtxConn.Close()
		return nil, nil, err
	}
	return dtxConn, pc, nil
}

// AppStart launches bundleID with the given arguments, returning its pid.
// If killRunning is set, any already-running instance is killed first —
// per the original implementation's own recommendation, since repeatedly
// launching over a still-running instance eventually wedges the
// instruments service.
func (d *DeviceHandle) AppStart(ctx context.Context, bundleID string, args []string, killRunning bool) (int, error) {
	info, err := d.Lookup(ctx, bundleID)
	if err != nil {
		return 0, err
	}

	dtxConn, pc, err := d.connectInstruments(ctx)
	if err != nil {
		return 0, err
	}
	defer dtxConn.Close()

	if killRunning {
		if pid, err := pc.ProcessIdentifierForBundleIdentifier(ctx, bundleID); err == nil && pid != 0 {
			_ = pc.KillPid(ctx, pid)
		}
	}

	options := plist.NewDict().Set("StartSuspendedKey", false)
	return pc.LaunchSuspended(ctx, info.Path, bundleID, nil, args, options)
}

// KillProcess terminates the process identified by pid — the pid-based form
// of app_stop(pid_or_bundle).
func (d *DeviceHandle) KillProcess(ctx context.Context, pid int) error {
	dtxConn, pc, err := d.connectInstruments(ctx)
	if err != nil {
		return err
	}
	defer dtxConn.Close()
	return pc.KillPid(ctx, pid)
}

// AppStop is the bundle-identifier form of app_stop(pid_or_bundle): it kills
// bundleID's running process and returns its former pid. Per the original
// implementation's ambiguous silent-no-op on a typo'd bundle identifier,
// this returns NotFound when no matching process is running, rather than
// returning nothing.
func (d *DeviceHandle) AppStop(ctx context.Context, bundleID string) (int, error) {
	dtxConn, pc, err := d.connectInstruments(ctx)
	if err != nil {
		return 0, err
	}
	defer dtxConn.Close()

	pid, err := pc.ProcessIdentifierForBundleIdentifier(ctx, bundleID)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, errors.NewNotFound("running process for bundle " + bundleID)
	}
	if err := pc.KillPid(ctx, pid); err != nil {
		return 0, err
	}
	return pid, nil
}
