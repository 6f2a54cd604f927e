package mount

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// amfiServiceName is the side channel used to query/trigger the Developer
// Mode enablement gate on iOS >= 16.
const amfiServiceName = "com.apple.amfi.lockdown"

// Developer Mode response codes, read as a 4-byte big-endian value after
// sending the action request; these are opaque device-reported codes, not
// ones this package assigns meaning to beyond what spec.md records.
const (
	// RespDeveloperModeRequired means the user must enable Developer Mode
	// in Settings before the device will mount a developer disk image.
	RespDeveloperModeRequired uint32 = 0xD9
	// RespRebootingToPrompt means the device is rebooting to display the
	// Developer Mode enable dialog, in response to an action=1 request.
	// It is only meaningful as a reply to action 1, and only works on
	// devices with no passcode set; this package does not detect that
	// precondition and simply surfaces whatever code the device reports.
	RespRebootingToPrompt uint32 = 0xE6
)

// amfiAction sends a length-prefixed {action: action} plist over the AMFI
// lockdown channel and returns the 4-byte response code the device sends
// back. action 0 queries Developer Mode state; action 1 requests enabling
// it (device reboots to prompt the user).
func amfiAction(ctx context.Context, s session, action int) (uint32, error) {
	conn, err := s.StartService(ctx, amfiServiceName)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.Send(plist.NewDict().Set("action", int64(action))); err != nil {
		return 0, err
	}

	var codeBytes [4]byte
	if err := conn.ReadFull(codeBytes[:]); err != nil {
		return 0, err
	}
	code := uint32(codeBytes[0])<<24 | uint32(codeBytes[1])<<16 | uint32(codeBytes[2])<<8 | uint32(codeBytes[3])
	return code, nil
}

// QueryDeveloperMode is AMFI action 0: ask whether Developer Mode is
// already enabled, without prompting the user.
func QueryDeveloperMode(ctx context.Context, s session) (uint32, error) {
	return amfiAction(ctx, s, 0)
}

// RequestDeveloperMode is AMFI action 1: ask the device to prompt the user
// to enable Developer Mode. A RespRebootingToPrompt code means the request
// was accepted and the device is rebooting; any other code (including
// RespDeveloperModeRequired, which the device is not expected to send in
// response to this action) is surfaced verbatim as a ServiceError so the
// caller can decide how to proceed, per spec's own guidance that this path
// is unproven for devices with a passcode set.
func RequestDeveloperMode(ctx context.Context, s session) error {
	code, err := amfiAction(ctx, s, 1)
	if err != nil {
		return err
	}
	if code != RespRebootingToPrompt {
		return errors.NewServiceError(amfiServiceName, formatAMFICode(code))
	}
	return nil
}

func formatAMFICode(code uint32) string {
	const hexDigits = "0123456789ABCDEF"
	b := []byte{'0', 'x', hexDigits[(code>>4)&0xF], hexDigits[code&0xF]}
	return string(b)
}
