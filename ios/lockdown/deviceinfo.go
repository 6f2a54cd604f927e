package lockdown

import "go.ioshost.dev/ioshost/ios/plist"

const (
	domainBattery       = "com.apple.mobile.battery"
	domainAccessibility = "com.apple.Accessibility"
	domainScreen        = "com.apple.mobile.iTunes"
)

// DeviceInfo returns the full set of top-level lockdown values (the
// "ideviceinfo" dump): device name, model, UDID, build version, and so on.
func (s *Session) DeviceInfo() (*plist.Dict, error) {
	v, err := s.GetValue("", "")
	if err != nil {
		return nil, err
	}
	return asDict(v, "DeviceInfo")
}

// BatteryInfo returns the com.apple.mobile.battery domain: BatteryCurrentCapacity,
// BatteryIsCharging, and related keys.
func (s *Session) BatteryInfo() (*plist.Dict, error) {
	v, err := s.GetValue(domainBattery, "")
	if err != nil {
		return nil, err
	}
	return asDict(v, "BatteryInfo")
}

// ScreenInfo returns the device's screen geometry domain.
func (s *Session) ScreenInfo() (*plist.Dict, error) {
	v, err := s.GetValue(domainScreen, "")
	if err != nil {
		return nil, err
	}
	return asDict(v, "ScreenInfo")
}

// SetAssistiveTouch toggles the AssistiveTouch accessibility overlay, which
// UI automation tooling uses as an on-screen fallback for the hardware home
// button.
func (s *Session) SetAssistiveTouch(enabled bool) error {
	return s.SetValue(domainAccessibility, "AssistiveTouchEnabled", enabled)
}
