//go:build windows

package transport

import (
	"context"
	"net"
	"os"
	"time"

	"golang.org/x/sys/windows"

	"go.ioshost.dev/ioshost/internal/errors"
)

// pipeConn adapts a Windows named-pipe handle to net.Conn so the rest of
// the package (Send/Recv/SwitchToTLS) never has to know it isn't a socket.
type pipeConn struct {
	f *os.File
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *pipeConn) Close() error                { return p.f.Close() }

func (p *pipeConn) LocalAddr() net.Addr  { return pipeAddr(p.f.Name()) }
func (p *pipeConn) RemoteAddr() net.Addr { return pipeAddr(p.f.Name()) }

func (p *pipeConn) SetDeadline(t time.Time) error      { return p.f.SetDeadline(t) }
func (p *pipeConn) SetReadDeadline(t time.Time) error   { return p.f.SetReadDeadline(t) }
func (p *pipeConn) SetWriteDeadline(t time.Time) error  { return p.f.SetWriteDeadline(t) }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// dialPipe opens a Windows named pipe (e.g. \\.\pipe\usbmuxd) for
// overlapped-free byte-stream I/O.
func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	path16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: encoding pipe path %q", path)
	}
	handle, err := windows.CreateFile(
		path16,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: opening pipe %q", path)
	}
	f := os.NewFile(uintptr(handle), path)
	if f == nil {
		_ = windows.CloseHandle(handle)
		return nil, errors.Errorf("transport: os.NewFile refused pipe handle for %q", path)
	}
	return &pipeConn{f: f}, nil
}
