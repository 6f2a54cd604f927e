// Package testmanagerd drives the XCUITest/WebDriverAgent orchestration
// protocol spoken over com.apple.testmanagerd.lockdown[.secure]: two DTX
// connections (a control connection and a test-event connection), the
// session handshake, launching the test runner via ios/instruments, pushing
// the XCTestConfiguration into the runner's app container, and collecting
// test results until the session finishes.
package testmanagerd

import (
	"context"

	"go.ioshost.dev/ioshost/ios/transport"
)

// xcodeVersion is the DTX protocol version this package speaks everywhere
// a protocol-version argument is required, matching the value real Xcode
// sends (named after the original implementation's XCODE_VERSION constant).
const xcodeVersion = 29

// testmanagerdLockdownService and testmanagerdLockdownSecureService are the
// two lockdown service names testmanagerd has registered under across iOS
// releases; iOS >= 14 requires the TLS-secured variant.
const (
	testmanagerdLockdownService       = "com.apple.testmanagerd.lockdown"
	testmanagerdLockdownSecureService = "com.apple.testmanagerd.lockdown.secure"
)

// instrumentsRemoteServerService and instrumentsRemoteServerSecureService
// mirror the same iOS-14 TLS split for the instruments service ios/mount's
// sibling component (ios/instruments) is opened over.
const (
	instrumentsRemoteServerService       = "com.apple.instruments.remoteserver"
	instrumentsRemoteServerSecureService = "com.apple.instruments.remoteserver.DVTSecureSocketProxy"
)

// daemonChannelLabel is the Cocoa-style protocol string both x1 and x2
// request a channel for on testmanagerd.
const daemonChannelLabel = "dtxproxy:XCTestManager_IDEInterface:XCTestManager_DaemonConnectionInterface"

// session is the subset of *lockdown.Session this package depends on,
// expressed as an interface so ios/testmanagerd does not import
// ios/lockdown directly (the same pattern ios/mount uses).
type session interface {
	StartServiceWithMount(ctx context.Context, name string) (*transport.Conn, error)
	AtLeast(constraint string) (bool, error)
	ProductVersion() string
}

// testmanagerdService picks the TLS-secured or plain service name for iOS
// >= 14 vs earlier, per the original's major_version() >= 14 branch.
func testmanagerdService(s session) (string, error) {
	secure, err := s.AtLeast(">= 14.0.0")
	if err != nil {
		return "", err
	}
	if secure {
		return testmanagerdLockdownSecureService, nil
	}
	return testmanagerdLockdownService, nil
}

// instrumentsService is instruments' own iOS-14 TLS split.
func instrumentsService(s session) (string, error) {
	secure, err := s.AtLeast(">= 14.0.0")
	if err != nil {
		return "", err
	}
	if secure {
		return instrumentsRemoteServerSecureService, nil
	}
	return instrumentsRemoteServerService, nil
}
