package ios

import "go.ioshost.dev/ioshost/ios/plist"

// DeviceInfo returns the full top-level lockdown value dump (the
// "ideviceinfo" set): device name, model, UDID, build version, and so on.
func (d *DeviceHandle) DeviceInfo() (*plist.Dict, error) { return d.session.DeviceInfo() }

// BatteryInfo returns the com.apple.mobile.battery domain.
func (d *DeviceHandle) BatteryInfo() (*plist.Dict, error) { return d.session.BatteryInfo() }

// ScreenInfo returns the device's screen geometry domain.
func (d *DeviceHandle) ScreenInfo() (*plist.Dict, error) { return d.session.ScreenInfo() }

// SetAssistiveTouch toggles the AssistiveTouch accessibility overlay.
func (d *DeviceHandle) SetAssistiveTouch(enabled bool) error {
	return d.session.SetAssistiveTouch(enabled)
}

// GetValue reads domain/key (or the whole domain, if key is empty).
func (d *DeviceHandle) GetValue(domain, key string) (interface{}, error) {
	return d.session.GetValue(domain, key)
}

// SetValue sets domain/key to value.
func (d *DeviceHandle) SetValue(domain, key string, value interface{}) error {
	return d.session.SetValue(domain, key, value)
}
