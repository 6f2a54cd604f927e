package transport

import (
	"context"
	"net"
	"strings"

	"go.ioshost.dev/ioshost/internal/errors"
)

// Dial connects to address, which takes the form "unix:<path>",
// "tcp:<host>:<port>", or (Windows only) "pipe:<path>", and returns a Conn
// in the given framing mode.
func Dial(ctx context.Context, address string, mode Mode) (*Conn, error) {
	scheme, rest, ok := strings.Cut(address, ":")
	if !ok {
		return nil, errors.Errorf("transport: malformed address %q, want scheme:rest", address)
	}
	var d net.Dialer
	switch scheme {
	case "unix":
		raw, err := d.DialContext(ctx, "unix", rest)
		if err != nil {
			return nil, errors.NewIoError(err)
		}
		return newConn(raw, mode), nil
	case "tcp":
		raw, err := d.DialContext(ctx, "tcp", rest)
		if err != nil {
			return nil, errors.NewIoError(err)
		}
		return newConn(raw, mode), nil
	case "pipe":
		raw, err := dialPipe(ctx, rest)
		if err != nil {
			return nil, err
		}
		return newConn(raw, mode), nil
	default:
		return nil, errors.Errorf("transport: unsupported address scheme %q", scheme)
	}
}
