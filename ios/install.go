package ios

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/testmanagerd"
	"go.ioshost.dev/ioshost/ios/transport"
)

// installationProxyService is com.apple.mobile.installation_proxy, the
// lockdown service that looks up, installs, and uninstalls applications by
// bundle identifier.
const installationProxyService = "com.apple.mobile.installation_proxy"

// Lookup resolves bundleID's installed-app record: on-device path, private
// data container, and main executable name — everything XCUITest needs to
// launch it as a runner or a target application.
func (d *DeviceHandle) Lookup(ctx context.Context, bundleID string) (testmanagerd.AppInfo, error) {
	conn, err := d.session.StartServiceWithMount(ctx, installationProxyService)
	if err != nil {
		return testmanagerd.AppInfo{}, err
	}
	defer conn.Close()

	req := plist.NewDict().
		Set("Command", "Lookup").
		Set("ClientOptions", plist.NewDict().
			Set("ApplicationType", "Any").
			Set("BundleIDs", plist.NewArray(bundleID)))
	reply, err := conn.SendRecv(req)
	if err != nil {
		return testmanagerd.AppInfo{}, err
	}
	d2, ok := reply.(*plist.Dict)
	if !ok {
		return testmanagerd.AppInfo{}, errors.NewMalformedPlist("installation_proxy: Lookup reply is %T, want a dictionary", reply)
	}
	lookupVal, _ := d2.Get("LookupResult")
	results, ok := lookupVal.(*plist.Dict)
	if !ok {
		return testmanagerd.AppInfo{}, errors.NewNotFound("installed app " + bundleID)
	}
	appVal, ok := results.Get(bundleID)
	if !ok {
		return testmanagerd.AppInfo{}, errors.NewNotFound("installed app " + bundleID)
	}
	app, ok := appVal.(*plist.Dict)
	if !ok {
		return testmanagerd.AppInfo{}, errors.NewMalformedPlist("installation_proxy: Lookup result for %s is %T, want a dictionary", bundleID, appVal)
	}

	info := testmanagerd.AppInfo{}
	if v, ok := app.Get("Path"); ok {
		info.Path, _ = v.(string)
	}
	if v, ok := app.Get("Container"); ok {
		info.Container, _ = v.(string)
	}
	if v, ok := app.Get("CFBundleExecutable"); ok {
		info.CFBundleExecutable, _ = v.(string)
	}
	return info, nil
}

// Install asks installation_proxy to install the app package already staged
// at devicePackagePath on the device's own filesystem, and blocks until the
// operation reports completion. Getting an .ipa or app bundle onto the
// device's filesystem in the first place is out of scope for this module
// (see Non-goals); pushXCTestConfiguration-style AFC writers exist only for
// this module's own mount-role traffic, not as a general sync client.
func (d *DeviceHandle) Install(ctx context.Context, devicePackagePath string) error {
	conn, err := d.session.StartServiceWithMount(ctx, installationProxyService)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := plist.NewDict().
		Set("Command", "Install").
		Set("PackagePath", devicePackagePath).
		Set("ClientOptions", plist.NewDict())
	if err := conn.Send(req); err != nil {
		return err
	}
	return watchInstallationProxy(conn, "Install")
}

// Uninstall removes bundleID from the device.
func (d *DeviceHandle) Uninstall(ctx context.Context, bundleID string) error {
	conn, err := d.session.StartServiceWithMount(ctx, installationProxyService)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := plist.NewDict().
		Set("Command", "Uninstall").
		Set("ApplicationIdentifier", bundleID).
		Set("ClientOptions", plist.NewDict())
	if err := conn.Send(req); err != nil {
		return err
	}
	return watchInstallationProxy(conn, "Uninstall")
}

// watchInstallationProxy drains the CommandProgress stream Install and
// Uninstall both emit (a sequence of status dicts) until one reports
// Status "Complete" or carries an Error.
func watchInstallationProxy(conn *transport.Conn, op string) error {
	for {
		msg, err := conn.Recv()
		if err != nil {
			return err
		}
		d, ok := msg.(*plist.Dict)
		if !ok {
			continue
		}
		if v, ok := d.Get("Error"); ok {
			reason, _ := v.(string)
			return errors.NewServiceError(installationProxyService, op+": "+reason)
		}
		if v, ok := d.Get("Status"); ok {
			if status, _ := v.(string); status == "Complete" {
				return nil
			}
		}
	}
}
