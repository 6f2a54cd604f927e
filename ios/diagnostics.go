package ios

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// diagnosticsRelayService is com.apple.mobile.diagnostics_relay, which
// handles restart/shutdown requests and IORegistry queries.
const diagnosticsRelayService = "com.apple.mobile.diagnostics_relay"

// Reboot asks the device to restart.
func (d *DeviceHandle) Reboot(ctx context.Context) error {
	return d.diagnosticsRequest(ctx, "Restart")
}

// Shutdown asks the device to power off.
func (d *DeviceHandle) Shutdown(ctx context.Context) error {
	return d.diagnosticsRequest(ctx, "Shutdown")
}

func (d *DeviceHandle) diagnosticsRequest(ctx context.Context, request string) error {
	conn, err := d.session.StartServiceWithMount(ctx, diagnosticsRelayService)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.SendRecv(plist.NewDict().Set("Request", request).Set("Label", progName))
	if err != nil {
		return err
	}
	d2, ok := reply.(*plist.Dict)
	if !ok {
		return errors.NewMalformedPlist("diagnostics_relay: %s reply is %T, want a dictionary", request, reply)
	}
	if status, _ := d2.Get("Status"); status == "Success" {
		return nil
	}
	if v, ok := d2.Get("Error"); ok {
		reason, _ := v.(string)
		return errors.NewServiceError(diagnosticsRelayService, request+": "+reason)
	}
	return errors.NewServiceError(diagnosticsRelayService, request+": unexpected reply")
}
