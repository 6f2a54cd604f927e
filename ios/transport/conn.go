// Package transport implements the framed socket transport shared by
// usbmux, lockdown, and DTX: a single TCP/Unix-domain/named-pipe connection
// that can carry four different framings (binary-plist packets, raw
// length-prefixed messages, DTX's own fragment framing, and bare
// passthrough bytes), and that can be switched into and back out of TLS in
// place once a service requests it.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// Mode selects how Send/Recv frame their payloads. DTX and passthrough
// callers bypass Send/Recv entirely and use Write/Read directly, since DTX
// frames its own messages (see ios/dtx) and passthrough streams (image
// mounting, AFC-style byte pumps) have no message boundaries at all.
type Mode int

const (
	// ModePlistPacket frames each message as a 4-byte big-endian length
	// prefix followed by a binary property list, the framing usbmux and
	// lockdown both use.
	ModePlistPacket Mode = iota
	// ModeRawLengthPrefixed frames each message as a 4-byte big-endian
	// length prefix followed by raw bytes with no plist encoding.
	ModeRawLengthPrefixed
	// ModeDTX and ModePassthrough are markers only: callers in these modes
	// use Write/Read/ReadFull directly.
	ModeDTX
	ModePassthrough
)

// Conn is a single transport connection. It is safe for one concurrent
// reader and one concurrent writer; Write and Send each hold a mutex for
// the whole call, so two writers never interleave within one call (a DTX
// connection keeps a multi-fragment message together with its own send
// lock).
type Conn struct {
	mode Mode

	mu  sync.Mutex // guards raw/tlsConn swap and writes
	raw net.Conn
	tls *tls.Conn
}

// newConn wraps an already-dialed net.Conn.
func newConn(raw net.Conn, mode Mode) *Conn {
	return &Conn{raw: raw, mode: mode}
}

// NewConn wraps an already-established net.Conn (e.g. one returned by
// net.Listener.Accept) in the given framing mode. Dial is the usual
// constructor; NewConn exists for test doubles and any future
// locally-hosted service that accepts rather than dials.
func NewConn(raw net.Conn, mode Mode) *Conn {
	return newConn(raw, mode)
}

// Mode reports the connection's current framing mode.
func (c *Conn) Mode() Mode { return c.mode }

// SetMode changes the framing mode in place, used by usbmux.Connect once a
// mux socket stops carrying plist-packet control messages and becomes a raw
// tunnel to a device-side TCP port.
func (c *Conn) SetMode(m Mode) { c.mode = m }

// current returns the active io.ReadWriter: the TLS conn once
// SwitchToTLS has been called, the raw socket otherwise.
func (c *Conn) current() io.ReadWriter {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

// Write writes raw bytes with no framing, for DTX and passthrough modes.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.current().Write(b)
	if err != nil {
		return n, errors.NewIoError(err)
	}
	return n, nil
}

// Read reads raw bytes with no framing.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.current().Read(b)
	if err != nil {
		return n, errors.NewIoError(err)
	}
	return n, nil
}

// ReadFull reads exactly len(b) bytes.
func (c *Conn) ReadFull(b []byte) error {
	if _, err := io.ReadFull(c.current(), b); err != nil {
		return errors.NewIoError(err)
	}
	return nil
}

// Send marshals v and writes it framed according to c.mode. v must be a
// plist-encodable value for ModePlistPacket, or a []byte for
// ModeRawLengthPrefixed.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	switch c.mode {
	case ModePlistPacket:
		data, err := plist.Marshal(v)
		if err != nil {
			return err
		}
		payload = data
	case ModeRawLengthPrefixed:
		b, ok := v.([]byte)
		if !ok {
			return errors.New("transport: ModeRawLengthPrefixed requires a []byte payload")
		}
		payload = b
	default:
		return errors.Errorf("transport: Send is not valid in mode %d", c.mode)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	w := c.current()
	if _, err := w.Write(header[:]); err != nil {
		return errors.NewIoError(err)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.NewIoError(err)
	}
	return nil
}

// Recv reads one framed message and, for ModePlistPacket, decodes it.
func (c *Conn) Recv() (interface{}, error) {
	var header [4]byte
	if err := c.ReadFull(header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	body := make([]byte, n)
	if err := c.ReadFull(body); err != nil {
		return nil, err
	}
	switch c.mode {
	case ModePlistPacket:
		return plist.Unmarshal(body)
	case ModeRawLengthPrefixed:
		return body, nil
	default:
		return nil, errors.Errorf("transport: Recv is not valid in mode %d", c.mode)
	}
}

// SendRecv is Send followed by Recv, the common lockdown/usbmux request
// pattern.
func (c *Conn) SendRecv(v interface{}) (interface{}, error) {
	if err := c.Send(v); err != nil {
		return nil, err
	}
	return c.Recv()
}

// SwitchToTLS performs a TLS handshake over the current connection and
// routes subsequent I/O through it, used after lockdown's StartSession.
func (c *Conn) SwitchToTLS(cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := tls.Client(c.raw, cfg)
	if err := t.HandshakeContext(context.Background()); err != nil {
		return errors.NewTlsError(err)
	}
	c.tls = t
	return nil
}

// UnwrapTLS discards the TLS layer and resumes raw I/O on the underlying
// socket, used when a service is re-dialed without encryption.
func (c *Conn) UnwrapTLS() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tls = nil
}

// SetDeadline applies t to the underlying socket; TLS, if active, shares it.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.raw.SetDeadline(t); err != nil {
		return errors.NewIoError(err)
	}
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c.tls != nil {
		_ = c.tls.Close()
	}
	return c.raw.Close()
}
