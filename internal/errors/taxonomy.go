package errors

import "fmt"

// MuxReplyError is returned when the mux daemon replies to a request with a
// non-zero Number field. Code 6 ("BadDevice") means the host has no pair
// record for the device and should re-pair.
type MuxReplyError struct {
	*E
	Code int
}

// BadDeviceCode is the mux daemon reply code meaning "no pair record on this
// host".
const BadDeviceCode = 6

// NewMuxReplyError builds a MuxReplyError for the given numeric reply code.
func NewMuxReplyError(code int) *MuxReplyError {
	return &MuxReplyError{E: Errorf("usbmux: reply code %d", code), Code: code}
}

// TlsError is returned when a TLS handshake with the device fails.
type TlsError struct{ *E }

// NewTlsError wraps a TLS handshake failure.
func NewTlsError(cause error) *TlsError {
	return &TlsError{E: Wrap(cause, "tls handshake failed")}
}

// PairingFailed is returned when DevicePair fails. Reason carries the
// device-reported string unchanged (e.g. "PasswordProtected",
// "PairingDialogResponsePending").
type PairingFailed struct {
	*E
	Reason string
}

// NewPairingFailed builds a PairingFailed for the given device-reported
// reason string.
func NewPairingFailed(reason string) *PairingFailed {
	return &PairingFailed{E: Errorf("pairing failed: %s", reason), Reason: reason}
}

// ServiceError is returned by lockdown/mount operations when the device
// rejects a service-level request. Msg carries the device's error string
// unchanged.
type ServiceError struct {
	*E
	Service string
	Msg     string
}

// NewServiceError builds a ServiceError for the named service.
func NewServiceError(service, msg string) *ServiceError {
	return &ServiceError{E: Errorf("service %s: %s", service, msg), Service: service, Msg: msg}
}

// ProtocolError is returned by the DTX multiplexer on malformed fragment
// headers, bad magic, or oversized payloads. The connection is always closed
// after this error.
type ProtocolError struct{ *E }

// NewProtocolError builds a ProtocolError.
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{E: Errorf(format, args...)}
}

// LaunchError is returned when instruments' launchSuspendedProcess... call
// does not return a pid. Msg carries the device-reported message.
type LaunchError struct {
	*E
	Msg string
}

// NewLaunchError builds a LaunchError.
func NewLaunchError(msg string) *LaunchError {
	return &LaunchError{E: Errorf("launch failed: %s", msg), Msg: msg}
}

// Timeout is returned by any blocking call that exceeds its deadline.
type Timeout struct{ *E }

// NewTimeout builds a Timeout for the named operation.
func NewTimeout(op string) *Timeout {
	return &Timeout{E: Errorf("%s: timed out", op)}
}

// TestFailure is returned by xcuitest() when at least one recorded
// XCTestResult has a nonzero failure count.
type TestFailure struct {
	*E
	Results []fmt.Stringer
}

// NewTestFailure builds a TestFailure carrying the recorded results.
func NewTestFailure(results []fmt.Stringer) *TestFailure {
	return &TestFailure{E: New("xcuitest: one or more tests failed"), Results: results}
}

// IoError wraps a low-level transport failure (short read/write, truncated
// frame).
type IoError struct{ *E }

// NewIoError wraps cause as an IoError.
func NewIoError(cause error) *IoError {
	return &IoError{E: Wrap(cause, "io error")}
}

// MalformedPlist is returned by the plist codec on truncated input, unknown
// primitive markers, or dangling uid references.
type MalformedPlist struct{ *E }

// NewMalformedPlist builds a MalformedPlist error.
func NewMalformedPlist(format string, args ...interface{}) *MalformedPlist {
	return &MalformedPlist{E: Errorf(format, args...)}
}

// InvalidSignature is returned by ios/mount when a developer disk image's
// .signature file fails PKCS#7 verification.
type InvalidSignature struct{ *E }

// NewInvalidSignature builds an InvalidSignature error.
func NewInvalidSignature(cause error) *InvalidSignature {
	return &InvalidSignature{E: Wrap(cause, "developer disk image signature invalid")}
}

// NotFound is returned when a lookup (e.g. app_stop by bundle ID or name)
// matches no running process, instead of silently doing nothing.
type NotFound struct {
	*E
	What string
}

// NewNotFound builds a NotFound error for the given subject.
func NewNotFound(what string) *NotFound {
	return &NotFound{E: Errorf("not found: %s", what), What: what}
}

// NoDevice is returned by DeviceHandle construction when no UDID is given and
// no device is attached.
type NoDevice struct{ *E }

// NewNoDevice builds a NoDevice error.
func NewNoDevice() *NoDevice {
	return &NoDevice{E: New("no device attached")}
}
