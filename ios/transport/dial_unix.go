//go:build !windows

package transport

import (
	"context"
	"net"

	"go.ioshost.dev/ioshost/internal/errors"
)

// dialPipe has no meaning outside Windows; usbmuxd is reached over a Unix
// domain socket on every other platform.
func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	return nil, errors.Errorf("transport: pipe: addresses are only supported on Windows (got %q)", path)
}
