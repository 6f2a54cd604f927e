package testmanagerd

import (
	"context"
	"encoding/binary"
	"strings"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

// houseArrestService is the lockdown service that, given a bundle
// identifier and a VendContainer request, hands back a connection speaking
// the AFC (Apple File Conduit) protocol rooted at that app's data
// container. This package only ever needs to push, list, and remove the
// one file XCTestConfiguration needs staged at /tmp, so it speaks just
// enough of AFC for that rather than a general-purpose file-sync client.
const houseArrestService = "com.apple.mobile.house_arrest"

// AFC packet header layout: 8-byte magic, three little-endian uint64
// fields, then an 8-byte operation code, for 40 bytes total, followed by
// an operation-specific header payload and then the data payload.
const (
	afcMagic      = "CFA6LPAA"
	afcHeaderSize = 40

	afcOpStatus      = 0x00000001
	afcOpData        = 0x00000002
	afcOpReadDir     = 0x00000003
	afcOpRemovePath  = 0x00000006
	afcOpFileOpen    = 0x0000000D
	afcOpFileOpenRes = 0x0000000E
	afcOpFileWrite   = 0x00000010
	afcOpFileClose   = 0x00000014
)

// afcFopenWronly truncates and opens for writing, the mode push_content
// needs.
const afcFopenWronly = 0x00000003

// afcClient is a connection already vended to one app's container via
// house_arrest, speaking raw AFC packets directly over the transport (AFC
// has its own framing, distinct from ModePlistPacket).
type afcClient struct {
	conn      *transport.Conn
	packetNum uint64
}

// vendContainer asks house_arrest to vend bundleID's data container and
// returns an afcClient rooted there.
func vendContainer(ctx context.Context, s session, bundleID string) (*afcClient, error) {
	conn, err := s.StartServiceWithMount(ctx, houseArrestService)
	if err != nil {
		return nil, err
	}
	reply, err := conn.SendRecv(plist.NewDict().
		Set("Command", "VendContainer").
		Set("Identifier", bundleID))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if d, ok := reply.(*plist.Dict); ok {
		if v, ok := d.Get("Error"); ok {
			conn.Close()
			reason, _ := v.(string)
			return nil, errors.NewServiceError(houseArrestService, reason)
		}
	}
	conn.SetMode(transport.ModePassthrough)
	return &afcClient{conn: conn}, nil
}

func (c *afcClient) Close() error { return c.conn.Close() }

func (c *afcClient) nextPacketNum() uint64 {
	n := c.packetNum
	c.packetNum++
	return n
}

// sendPacket writes one AFC request packet: operation, an operation-specific
// header payload (e.g. a path string), and an optional data payload.
func (c *afcClient) sendPacket(operation uint64, headerPayload, dataPayload []byte) error {
	thisLength := uint64(afcHeaderSize + len(headerPayload))
	entireLength := thisLength + uint64(len(dataPayload))

	buf := make([]byte, afcHeaderSize)
	copy(buf[0:8], afcMagic)
	binary.LittleEndian.PutUint64(buf[8:16], entireLength)
	binary.LittleEndian.PutUint64(buf[16:24], thisLength)
	binary.LittleEndian.PutUint64(buf[24:32], c.nextPacketNum())
	binary.LittleEndian.PutUint64(buf[32:40], operation)
	buf = append(buf, headerPayload...)
	buf = append(buf, dataPayload...)

	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	return nil
}

type afcPacket struct {
	operation uint64
	payload   []byte
}

// recvPacket reads and splits one AFC reply packet into its operation code
// and the bytes following the 40-byte header.
func (c *afcClient) recvPacket() (*afcPacket, error) {
	var hb [afcHeaderSize]byte
	if err := c.conn.ReadFull(hb[:]); err != nil {
		return nil, err
	}
	if string(hb[0:8]) != afcMagic {
		return nil, errors.NewProtocolError("afc: bad magic in reply header")
	}
	entireLength := binary.LittleEndian.Uint64(hb[8:16])
	thisLength := binary.LittleEndian.Uint64(hb[16:24])
	operation := binary.LittleEndian.Uint64(hb[32:40])
	if entireLength < thisLength || thisLength < afcHeaderSize {
		return nil, errors.NewProtocolError("afc: inconsistent reply packet lengths")
	}
	rest := make([]byte, entireLength-afcHeaderSize)
	if len(rest) > 0 {
		if err := c.conn.ReadFull(rest); err != nil {
			return nil, err
		}
	}
	return &afcPacket{operation: operation, payload: rest}, nil
}

// checkStatus reads one reply packet and, if it is an AFC_OP_STATUS carrying a
// nonzero error code, returns a ServiceError; any other operation (e.g. an
// immediate AFC_OP_DATA) is treated as success.
func (c *afcClient) checkStatus(step string) error {
	p, err := c.recvPacket()
	if err != nil {
		return err
	}
	if p.operation != afcOpStatus {
		return nil
	}
	if len(p.payload) < 8 {
		return errors.NewProtocolError("afc: %s: truncated status payload", step)
	}
	code := binary.LittleEndian.Uint64(p.payload[0:8])
	if code != 0 {
		return errors.NewServiceError(houseArrestService, "afc "+step+" failed with status "+itoa(code))
	}
	return nil
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// listDir lists entries under dir (AFC_OP_READ_DIR), excluding "." and "..".
func (c *afcClient) listDir(dir string) ([]string, error) {
	if err := c.sendPacket(afcOpReadDir, nullTerminated(dir), nil); err != nil {
		return nil, err
	}
	p, err := c.recvPacket()
	if err != nil {
		return nil, err
	}
	if p.operation != afcOpData {
		return nil, errors.NewProtocolError("afc: readDir reply operation %#x, want AFC_OP_DATA", p.operation)
	}
	var names []string
	for _, part := range strings.Split(strings.TrimRight(string(p.payload), "\x00"), "\x00") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		names = append(names, part)
	}
	return names, nil
}

// removeFile deletes path (AFC_OP_REMOVE_PATH).
func (c *afcClient) removeFile(path string) error {
	if err := c.sendPacket(afcOpRemovePath, nullTerminated(path), nil); err != nil {
		return err
	}
	return c.checkStatus("removePath " + path)
}

// writeFile opens path for writing, writes data in full, and closes the
// handle — the FILE_OPEN / FILE_WRITE / FILE_CLOSE sequence push_content
// uses under the hood.
func (c *afcClient) writeFile(path string, data []byte) error {
	openHeader := make([]byte, 8)
	binary.LittleEndian.PutUint64(openHeader, afcFopenWronly)
	openHeader = append(openHeader, nullTerminated(path)...)
	if err := c.sendPacket(afcOpFileOpen, openHeader, nil); err != nil {
		return err
	}
	p, err := c.recvPacket()
	if err != nil {
		return err
	}
	if p.operation != afcOpFileOpenRes || len(p.payload) < 8 {
		return errors.NewProtocolError("afc: fileOpen reply operation %#x", p.operation)
	}
	handle := binary.LittleEndian.Uint64(p.payload[0:8])

	writeHeader := make([]byte, 8)
	binary.LittleEndian.PutUint64(writeHeader, handle)
	if err := c.sendPacket(afcOpFileWrite, writeHeader, data); err != nil {
		return err
	}
	if err := c.checkStatus("fileWrite " + path); err != nil {
		return err
	}

	closeHeader := make([]byte, 8)
	binary.LittleEndian.PutUint64(closeHeader, handle)
	if err := c.sendPacket(afcOpFileClose, closeHeader, nil); err != nil {
		return err
	}
	return c.checkStatus("fileClose " + path)
}

func nullTerminated(s string) []byte {
	return append([]byte(s), 0)
}
