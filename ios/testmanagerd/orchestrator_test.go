package testmanagerd

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	ioserrors "go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/dtx"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

// dialRawTCPPair opens a loopback TCP connection to itself, the same
// trick dialPair in the dtx package's own tests uses, so a scripted
// "device" and the real orchestrator code can each drive one end.
func dialRawTCPPair() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()
	serverCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	select {
	case s := <-serverCh:
		return c, s, nil
	case err := <-errCh:
		return nil, nil, err
	}
}

func dialDTXConnPair() (client, server *transport.Conn) {
	c, s, err := dialRawTCPPair()
	Expect(err).NotTo(HaveOccurred())
	return transport.NewConn(c, transport.ModeDTX), transport.NewConn(s, transport.ModeDTX)
}

// scriptedDevice is the session double Run() talks to: a fixed iOS
// version and one prepared client connection per service name, handed
// out in the order StartServiceWithMount is called for that name.
type scriptedDevice struct {
	version string
	mu      sync.Mutex
	queues  map[string][]*transport.Conn
}

func newScriptedDevice(version string) *scriptedDevice {
	return &scriptedDevice{version: version, queues: map[string][]*transport.Conn{}}
}

func (d *scriptedDevice) enqueue(service string, conn *transport.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[service] = append(d.queues[service], conn)
}

func (d *scriptedDevice) StartServiceWithMount(ctx context.Context, name string) (*transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[name]
	if len(q) == 0 {
		return nil, ioserrors.NewNotFound("scriptedDevice: no queued connection for service " + name)
	}
	d.queues[name] = q[1:]
	return q[0], nil
}

func (d *scriptedDevice) AtLeast(constraint string) (bool, error) {
	s := &versionFakeSession{version: d.version}
	return s.AtLeast(constraint)
}

func (d *scriptedDevice) ProductVersion() string { return d.version }

// requestChannelSelector mirrors dtx's own unexported constant of the
// same name; device fakes need it to ack the client's channel-0
// _requestChannelWithCode:identifier: call.
const requestChannelSelector = "_requestChannelWithCode:identifier:"

func ackReply(conn *dtx.Connection, channel int32, selector string) {
	conn.RegisterSelectorCallback(channel, selector, func(m *dtx.Message) {
		_ = conn.Reply(m, true)
	})
}

// runFakeAFCServer answers one VendContainer handshake on raw (already in
// ModePlistPacket) and then a single empty READ_DIR followed by a
// FILE_OPEN/FILE_WRITE/FILE_CLOSE sequence, the only traffic
// pushXCTestConfiguration generates when /tmp has no stale files.
func runFakeAFCServer(raw *transport.Conn) {
	defer GinkgoRecover()
	defer raw.Close()

	req, err := raw.Recv()
	Expect(err).NotTo(HaveOccurred())
	d, ok := req.(*plist.Dict)
	Expect(ok).To(BeTrue())
	cmd, _ := d.Get("Command")
	Expect(cmd).To(Equal("VendContainer"))
	Expect(raw.Send(plist.NewDict())).To(Succeed())
	raw.SetMode(transport.ModePassthrough)

	for {
		var hb [afcHeaderSize]byte
		if err := raw.ReadFull(hb[:]); err != nil {
			return
		}
		entireLength := binary.LittleEndian.Uint64(hb[8:16])
		operation := binary.LittleEndian.Uint64(hb[32:40])
		rest := make([]byte, entireLength-afcHeaderSize)
		if len(rest) > 0 {
			Expect(raw.ReadFull(rest)).To(Succeed())
		}

		send := func(op uint64, payload []byte) {
			thisLen := uint64(afcHeaderSize)
			buf := make([]byte, afcHeaderSize)
			copy(buf[0:8], afcMagic)
			binary.LittleEndian.PutUint64(buf[8:16], thisLen+uint64(len(payload)))
			binary.LittleEndian.PutUint64(buf[16:24], thisLen)
			binary.LittleEndian.PutUint64(buf[24:32], 0)
			binary.LittleEndian.PutUint64(buf[32:40], op)
			buf = append(buf, payload...)
			_, err := raw.Write(buf)
			Expect(err).NotTo(HaveOccurred())
		}

		switch operation {
		case afcOpReadDir:
			send(afcOpData, nil)
		case afcOpFileOpen:
			handle := make([]byte, 8)
			binary.LittleEndian.PutUint64(handle, 1)
			send(afcOpFileOpenRes, handle)
		case afcOpFileWrite, afcOpFileClose, afcOpRemovePath:
			send(afcOpStatus, make([]byte, 8))
		}
	}
}

var _ = Describe("Run", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		device *scriptedDevice
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		device = newScriptedDevice("15.0")
	})

	AfterEach(func() {
		cancel()
	})

	// wireCommonServices sets up the x1/x2 testmanagerd
	// connections and the instruments connection every scenario needs,
	// and returns a channel the test can use to release the device's
	// final teardown once it has observed the post-launch authorization
	// call on x1.
	wireCommonServices := func(pid int64) (dx2 *dtx.Connection, authorized chan struct{}) {
		x1c, x1s := dialDTXConnPair()
		x2c, x2s := dialDTXConnPair()
		device.enqueue(testmanagerdLockdownSecureService, x1c)
		device.enqueue(testmanagerdLockdownSecureService, x2c)

		instC, instS := dialDTXConnPair()
		device.enqueue(instrumentsRemoteServerSecureService, instC)

		afcC, afcS := dialRawTCPPair()
		device.enqueue(houseArrestService, transport.NewConn(afcC, transport.ModePlistPacket))
		go runFakeAFCServer(transport.NewConn(afcS, transport.ModePlistPacket))

		authorized = make(chan struct{})

		dx1 := dtx.Open(ctx, x1s)
		ackReply(dx1, 0, requestChannelSelector)
		ackReply(dx1, 1, "_IDE_initiateControlSessionWithProtocolVersion:")
		dx1.RegisterSelectorCallback(1, "_IDE_authorizeTestSessionWithProcessID:", func(m *dtx.Message) {
			_ = dx1.Reply(m, true)
			close(authorized)
		})

		dx2 = dtx.Open(ctx, x2s)
		ackReply(dx2, 0, requestChannelSelector)

		dinst := dtx.Open(ctx, instS)
		ackReply(dinst, 0, requestChannelSelector)
		dinst.RegisterSelectorCallback(1, "processIdentifierForBundleIdentifier:", func(m *dtx.Message) {
			_ = dinst.Reply(m, int64(0))
		})
		dinst.RegisterSelectorCallback(1, "launchSuspendedProcessWithDevicePath:bundleIdentifier:environment:arguments:options:", func(m *dtx.Message) {
			_ = dinst.Reply(m, pid)
		})
		dinst.RegisterSelectorCallback(1, "startObservingPid:", func(m *dtx.Message) {
			_ = dinst.Reply(m, true)
		})

		DeferCleanup(func() {
			dx1.Close()
			dinst.Close()
		})
		return dx2, authorized
	}

	It("returns the recorded results when every test suite passes", func() {
		dx2, authorized := wireCommonServices(4242)

		dx2.RegisterSelectorCallback(1, "_IDE_initiateSessionWithIdentifier:forClient:atPath:protocolVersion:", func(m *dtx.Message) {
			_ = dx2.Reply(m, true)
			go func() {
				defer GinkgoRecover()
				_ = dx2.Notify(1, "_XCT_testBundleReadyWithProtocolVersion:minimumVersion:", int64(29), int64(0))
				_, err := dx2.Call(ctx, 1, "_XCT_testRunnerReadyWithCapabilities:", plist.NewDict())
				Expect(err).NotTo(HaveOccurred())
				<-authorized
				_ = dx2.Notify(1, "_XCT_testSuite:didFinishAt:runCount:withFailures:unexpected:testDuration:totalDuration:",
					"LoginTests", "2026-07-29 10:00:00", int64(4), int64(0), int64(0), 1.5, 2.25)
				dx2.Close()
			}()
		})

		params := Params{
			BundleID: "com.example.WDARunner",
			App: AppInfo{
				Path:               "/private/var/containers/Bundle/Application/XXXX/WDA-Runner.app",
				Container:          "/private/var/mobile/Containers/Data/Application/YYYY",
				CFBundleExecutable: "WebDriverAgentRunner-Runner",
			},
			TestsToRun: []string{"LoginTests/testValidLogin"},
		}

		results, err := Run(ctx, device, params)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
		Expect(results[0].Suite).To(Equal("LoginTests"))
		Expect(results[0].FailureCount).To(Equal(0))
	})

	It("returns a TestFailure when a suite records failures", func() {
		dx2, authorized := wireCommonServices(4343)

		dx2.RegisterSelectorCallback(1, "_IDE_initiateSessionWithIdentifier:forClient:atPath:protocolVersion:", func(m *dtx.Message) {
			_ = dx2.Reply(m, true)
			go func() {
				defer GinkgoRecover()
				_ = dx2.Notify(1, "_XCT_testBundleReadyWithProtocolVersion:minimumVersion:", int64(29), int64(0))
				_, err := dx2.Call(ctx, 1, "_XCT_testRunnerReadyWithCapabilities:", plist.NewDict())
				Expect(err).NotTo(HaveOccurred())
				<-authorized
				_ = dx2.Notify(1, "_XCT_testSuite:didFinishAt:runCount:withFailures:unexpected:testDuration:totalDuration:",
					"LoginTests", "2026-07-29 10:05:00", int64(4), int64(1), int64(0), 1.5, 2.25)
				dx2.Close()
			}()
		})

		params := Params{
			BundleID: "com.example.WDARunner",
			App: AppInfo{
				Path:               "/private/var/containers/Bundle/Application/XXXX/WDA-Runner.app",
				Container:          "/private/var/mobile/Containers/Data/Application/YYYY",
				CFBundleExecutable: "WebDriverAgentRunner-Runner",
			},
		}

		results, err := Run(ctx, device, params)
		var failure *ioserrors.TestFailure
		Expect(ioserrors.As(err, &failure)).To(BeTrue())
		Expect(results).To(HaveLen(1))
		Expect(results[0].FailureCount).To(Equal(1))
	})

	It("returns an error when the device rejects the session with an NSError", func() {
		dx2, _ := wireCommonServices(4444)

		dx2.RegisterSelectorCallback(1, "_IDE_initiateSessionWithIdentifier:forClient:atPath:protocolVersion:", func(m *dtx.Message) {
			b := plist.NewArchiveBuilder()
			fields := plist.NewDict().Set("NSLocalizedDescription", "Session rejected: a test session is already in progress")
			root := b.AddObject(plist.ClassNSError, []string{"NSObject"}, fields)
			data, err := b.Build(root)
			Expect(err).NotTo(HaveOccurred())
			_ = dx2.Reply(m, data)
		})

		params := Params{
			BundleID: "com.example.WDARunner",
			App: AppInfo{
				Path:               "/private/var/containers/Bundle/Application/XXXX/WDA-Runner.app",
				Container:          "/private/var/mobile/Containers/Data/Application/YYYY",
				CFBundleExecutable: "WebDriverAgentRunner-Runner",
			},
			TestsToRun: []string{"LoginTests/testValidLogin"},
		}

		_, err := Run(ctx, device, params)
		Expect(err).To(HaveOccurred())
	})
})
