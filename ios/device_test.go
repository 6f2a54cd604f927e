package ios

import (
	"context"
	"net"
	"sync"
	"testing"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/ios/dtx"
	"go.ioshost.dev/ioshost/ios/lockdown"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

// requestChannelSelector mirrors dtx's own unexported constant; a device
// fake needs it to ack the client's channel-0
// _requestChannelWithCode:identifier: call.
const requestChannelSelector = "_requestChannelWithCode:identifier:"

func ackReply(conn *dtx.Connection, channel int32, selector string) {
	conn.RegisterSelectorCallback(channel, selector, func(m *dtx.Message) {
		_ = conn.Reply(m, true)
	})
}

func lookupAppHandler(bundleID, path string) func(conn *transport.Conn) {
	return func(conn *transport.Conn) {
		defer conn.Close()
		if _, err := conn.Recv(); err != nil {
			return
		}
		info := plist.NewDict().Set("CFBundleIdentifier", bundleID).Set("Path", path)
		result := plist.NewDict().Set(bundleID, info)
		conn.Send(plist.NewDict().Set("LookupResult", result))
	}
}

// fakeDevice plays usbmuxd, lockdownd, and every named service this
// package's facade starts: it answers usbmux's device-listing and
// pair-record requests directly, and for lockdown's StartService it hands
// the freshly "tunneled" connection off to whatever handler the test
// registered for that service name.
type fakeDevice struct {
	t              *testing.T
	mu             sync.Mutex
	pairRecords    map[string][]byte
	udid           string
	deviceID       int
	productVersion string
	services       map[string]func(conn *transport.Conn)
	nextPort       uint16
	portByPort     map[uint16]string
}

func newFakeDevice(t *testing.T, udid, productVersion string) (*fakeDevice, *config.Config) {
	t.Helper()
	f := &fakeDevice{
		t:              t,
		pairRecords:    map[string][]byte{},
		udid:           udid,
		deviceID:       1,
		productVersion: productVersion,
		services:       map[string]func(conn *transport.Conn){},
		nextPort:       40000,
		portByPort:     map[uint16]string{},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handleControl(transport.NewConn(raw, transport.ModePlistPacket))
		}
	}()

	cfg := &config.Config{MuxSocketAddress: "tcp:" + ln.Addr().String(), AppDir: t.TempDir()}
	return f, cfg
}

// on registers handler as the responder for a lockdown service name: once
// the facade issues StartService(name), the next Connect on the port this
// harness assigns is handed to handler.
func (f *fakeDevice) on(service string, handler func(conn *transport.Conn)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[service] = handler
}

func ntohsPort(wire int64) uint16 {
	p := uint16(wire)
	return (p << 8) | (p >> 8)
}

func (f *fakeDevice) handleControl(conn *transport.Conn) {
	req, err := conn.Recv()
	if err != nil {
		return
	}
	d, ok := req.(*plist.Dict)
	if !ok {
		return
	}
	msgType, _ := d.Get("MessageType")

	switch msgType {
	case "ListDevices":
		defer conn.Close()
		props := plist.NewDict().
			Set("DeviceID", int64(f.deviceID)).
			Set("SerialNumber", f.udid).
			Set("ConnectionType", "USB").
			Set("ProductID", int64(0))
		entry := plist.NewDict().Set("Properties", props)
		conn.Send(plist.NewDict().Set("DeviceList", plist.NewArray(entry)))

	case "ReadPairRecord":
		defer conn.Close()
		udid, _ := d.Get("PairRecordID")
		f.mu.Lock()
		data, ok := f.pairRecords[udid.(string)]
		f.mu.Unlock()
		if !ok {
			conn.Send(plist.NewDict().Set("Number", int64(6)))
			return
		}
		conn.Send(plist.NewDict().Set("PairRecordData", data))

	case "SavePairRecord":
		defer conn.Close()
		udid, _ := d.Get("PairRecordID")
		data, _ := d.Get("PairRecordData")
		f.mu.Lock()
		f.pairRecords[udid.(string)] = data.([]byte)
		f.mu.Unlock()
		conn.Send(plist.NewDict().Set("Number", int64(0)))

	case "DeletePairRecord":
		defer conn.Close()
		udid, _ := d.Get("PairRecordID")
		f.mu.Lock()
		delete(f.pairRecords, udid.(string))
		f.mu.Unlock()
		conn.Send(plist.NewDict().Set("Number", int64(0)))

	case "Connect":
		portVal, _ := d.Get("PortNumber")
		port := ntohsPort(portVal.(int64))
		conn.Send(plist.NewDict().Set("MessageType", "Result").Set("Number", int64(0)))
		if port == lockdown.LockdownPort {
			f.handleLockdown(conn)
		} else if handler := f.serviceHandlerForPort(port); handler != nil {
			handler(conn)
		} else {
			conn.Close()
		}

	default:
		conn.Close()
	}
}

func (f *fakeDevice) serviceHandlerForPort(port uint16) func(conn *transport.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.portByPort[port]
	if !ok {
		return nil
	}
	return f.services[name]
}

// handleLockdown answers QueryType, the ProductVersion GetValue
// StartSession always issues, StartSession itself (no TLS), and loops
// answering further GetValue/SetValue/StartService requests until the
// connection closes.
func (f *fakeDevice) handleLockdown(conn *transport.Conn) {
	d := f.recvDict(conn)
	if v, _ := d.Get("Request"); v != "QueryType" {
		return
	}
	conn.Send(plist.NewDict().Set("Type", "com.apple.mobile.lockdown"))

	d = f.recvDict(conn)
	if v, _ := d.Get("Key"); v != "ProductVersion" {
		return
	}
	conn.Send(plist.NewDict().Set("Key", "ProductVersion").Set("Value", f.productVersion))

	d = f.recvDict(conn)
	if v, _ := d.Get("Request"); v != "StartSession" {
		return
	}
	conn.Send(plist.NewDict().Set("SessionID", "session-1").Set("EnableSessionSSL", false))

	for {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, ok := req.(*plist.Dict)
		if !ok {
			return
		}
		request, _ := d.Get("Request")
		switch request {
		case "GetValue":
			domain, _ := d.Get("Domain")
			key, _ := d.Get("Key")
			f.replyGetValue(conn, domainOrEmpty(domain), keyOrEmpty(key))
		case "SetValue":
			conn.Send(plist.NewDict())
		case "StartService":
			name, _ := d.Get("Service")
			f.startService(conn, name.(string))
		default:
			conn.Send(plist.NewDict().Set("Error", "UnknownRequest"))
		}
	}
}

func domainOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

func keyOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (f *fakeDevice) replyGetValue(conn *transport.Conn, domain, key string) {
	conn.Send(plist.NewDict().Set("Value", plist.NewDict()))
}

func (f *fakeDevice) startService(conn *transport.Conn, name string) {
	f.mu.Lock()
	_, known := f.services[name]
	port := f.nextPort
	f.nextPort++
	f.portByPort[port] = name
	f.mu.Unlock()

	if !known {
		conn.Send(plist.NewDict().Set("Error", "InvalidService"))
		return
	}
	conn.Send(plist.NewDict().Set("Service", name).Set("Port", int64(port)))
}

func (f *fakeDevice) recvDict(conn *transport.Conn) *plist.Dict {
	f.t.Helper()
	v, err := conn.Recv()
	if err != nil {
		f.t.Fatalf("fakeDevice: Recv: %v", err)
	}
	d, ok := v.(*plist.Dict)
	if !ok {
		f.t.Fatalf("fakeDevice: got %T, want *plist.Dict", v)
	}
	return d
}

func TestOpenAndList(t *testing.T) {
	_, cfg := newFakeDevice(t, "udid-1", "15.0")

	devices, err := List(context.Background(), cfg)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 1 || devices[0].UDID != "udid-1" {
		t.Fatalf("List = %+v, want one device udid-1", devices)
	}

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if d.UDID() != "udid-1" {
		t.Errorf("UDID = %q, want udid-1", d.UDID())
	}
	if d.ProductVersion() != "15.0" {
		t.Errorf("ProductVersion = %q, want 15.0", d.ProductVersion())
	}
}

func TestOpenNoDevice(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			conn := transport.NewConn(raw, transport.ModePlistPacket)
			req, err := conn.Recv()
			if err != nil {
				continue
			}
			d, _ := req.(*plist.Dict)
			if v, _ := d.Get("MessageType"); v == "ListDevices" {
				conn.Send(plist.NewDict().Set("DeviceList", plist.NewArray()))
			}
			conn.Close()
		}
	}()
	cfg := &config.Config{MuxSocketAddress: "tcp:" + ln.Addr().String()}

	if _, err := Open(context.Background(), cfg, ""); err == nil {
		t.Fatal("Open with no attached device: want error, got nil")
	}
}

func TestUnpair(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.pairRecords["udid-1"] = []byte("anything")

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Unpair(context.Background()); err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	f.mu.Lock()
	_, stillThere := f.pairRecords["udid-1"]
	f.mu.Unlock()
	if stillThere {
		t.Error("Unpair did not remove the pair record")
	}
}

func TestDeviceInfoAndSetAssistiveTouch(t *testing.T) {
	_, cfg := newFakeDevice(t, "udid-1", "15.0")

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.DeviceInfo(); err != nil {
		t.Errorf("DeviceInfo: %v", err)
	}
	if _, err := d.BatteryInfo(); err != nil {
		t.Errorf("BatteryInfo: %v", err)
	}
	if err := d.SetAssistiveTouch(true); err != nil {
		t.Errorf("SetAssistiveTouch: %v", err)
	}
}

func TestLookup(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, lookupAppHandler("com.example.app", "/private/var/containers/Bundle/Application/X/Example.app"))

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	info, err := d.Lookup(context.Background(), "com.example.app")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.Path == "" {
		t.Errorf("Lookup: empty Path")
	}
}

func TestLookupNotFound(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, func(conn *transport.Conn) {
		defer conn.Close()
		if _, err := conn.Recv(); err != nil {
			return
		}
		conn.Send(plist.NewDict().Set("LookupResult", plist.NewDict()))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.Lookup(context.Background(), "com.example.missing"); err == nil {
		t.Fatal("Lookup of an absent bundle: want error, got nil")
	}
}

func TestInstall(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, func(conn *transport.Conn) {
		defer conn.Close()
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, ok := req.(*plist.Dict)
		if !ok {
			return
		}
		if cmd, _ := d.Get("Command"); cmd != "Install" {
			conn.Send(plist.NewDict().Set("Error", "unexpected command"))
			return
		}
		conn.Send(plist.NewDict().Set("Status", "CreatingStagingDirectory").Set("PercentComplete", int64(10)))
		conn.Send(plist.NewDict().Set("Status", "Complete").Set("PercentComplete", int64(100)))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Install(context.Background(), "/private/var/staging/Example.ipa"); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestUninstall(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, func(conn *transport.Conn) {
		defer conn.Close()
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, ok := req.(*plist.Dict)
		if !ok {
			return
		}
		if cmd, _ := d.Get("Command"); cmd != "Uninstall" {
			conn.Send(plist.NewDict().Set("Error", "unexpected command"))
			return
		}
		conn.Send(plist.NewDict().Set("Status", "Complete"))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Uninstall(context.Background(), "com.example.app"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
}

func TestUninstallFailed(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, func(conn *transport.Conn) {
		defer conn.Close()
		if _, err := conn.Recv(); err != nil {
			return
		}
		conn.Send(plist.NewDict().Set("Error", "ObjectNotFound"))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Uninstall(context.Background(), "com.example.missing"); err == nil {
		t.Fatal("Uninstall of an absent bundle: want error, got nil")
	}
}

func TestScreenshot(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	const png = "\x89PNGfakeimage"
	f.on(screenshotService, func(conn *transport.Conn) {
		defer conn.Close()
		if err := conn.Send(plist.NewArray("DLMessageVersionExchange", int64(300))); err != nil {
			return
		}
		ack, err := conn.Recv()
		if err != nil {
			return
		}
		ackMsg, ok := ack.(*plist.Array)
		if !ok || len(ackMsg.Items) < 2 || ackMsg.Items[0] != "DLMessageVersionExchange" {
			return
		}
		if err := conn.Send(plist.NewArray("DLMessageDeviceReady")); err != nil {
			return
		}
		req, err := conn.Recv()
		if err != nil {
			return
		}
		reqMsg, ok := req.(*plist.Array)
		if !ok || len(reqMsg.Items) < 2 {
			return
		}
		conn.Send(plist.NewArray("DLMessageProcessMessage",
			plist.NewDict().Set("MessageType", "ScreenShotReply").Set("ScreenShotData", []byte(png))))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	data, err := d.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(data) != png {
		t.Errorf("Screenshot = %q, want %q", data, png)
	}
}

func TestReboot(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(diagnosticsRelayService, func(conn *transport.Conn) {
		defer conn.Close()
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, ok := req.(*plist.Dict)
		if !ok {
			return
		}
		if v, _ := d.Get("Request"); v != "Restart" {
			conn.Send(plist.NewDict().Set("Error", "unexpected request"))
			return
		}
		conn.Send(plist.NewDict().Set("Status", "Success"))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(diagnosticsRelayService, func(conn *transport.Conn) {
		defer conn.Close()
		req, err := conn.Recv()
		if err != nil {
			return
		}
		d, ok := req.(*plist.Dict)
		if !ok {
			return
		}
		if v, _ := d.Get("Request"); v != "Shutdown" {
			conn.Send(plist.NewDict().Set("Error", "unexpected request"))
			return
		}
		conn.Send(plist.NewDict().Set("Status", "Success"))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestXCUITestLookupFailure(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, func(conn *transport.Conn) {
		defer conn.Close()
		if _, err := conn.Recv(); err != nil {
			return
		}
		conn.Send(plist.NewDict().Set("LookupResult", plist.NewDict()))
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	_, err = d.XCUITest(context.Background(), XCUITestOptions{RunnerBundleID: "com.example.missing.xctrunner"})
	if err == nil {
		t.Fatal("XCUITest with an unresolvable runner bundle: want error, got nil")
	}
}

// onInstruments registers fn as the handler for the secure-socket variant
// of the instruments service (the one a 15.0 fake device negotiates),
// wrapping the raw connection as a DTX connection and acking the
// obligatory channel-0 RequestChannel call before handing control to fn.
func (f *fakeDevice) onInstruments(fn func(dconn *dtx.Connection)) {
	f.on(instrumentsRemoteServerSecureService, func(conn *transport.Conn) {
		dconn := dtx.Open(context.Background(), conn)
		defer dconn.Close()
		ackReply(dconn, 0, requestChannelSelector)
		fn(dconn)
		<-dconn.Finished()
	})
}

func TestAppStart(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.on(installationProxyService, lookupAppHandler("com.example.app", "/private/var/containers/Bundle/Application/X/Example.app"))
	f.onInstruments(func(dconn *dtx.Connection) {
		dconn.RegisterSelectorCallback(1, "launchSuspendedProcessWithDevicePath:bundleIdentifier:environment:arguments:options:", func(m *dtx.Message) {
			_ = dconn.Reply(m, int64(4242))
		})
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	pid, err := d.AppStart(context.Background(), "com.example.app", nil, false)
	if err != nil {
		t.Fatalf("AppStart: %v", err)
	}
	if pid != 4242 {
		t.Errorf("AppStart pid = %d, want 4242", pid)
	}
}

func TestKillProcess(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.onInstruments(func(dconn *dtx.Connection) {
		dconn.RegisterSelectorCallback(1, "killPid:", func(m *dtx.Message) {
			_ = dconn.Reply(m, true)
		})
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.KillProcess(context.Background(), 4242); err != nil {
		t.Fatalf("KillProcess: %v", err)
	}
}

func TestAppStop(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.onInstruments(func(dconn *dtx.Connection) {
		dconn.RegisterSelectorCallback(1, "processIdentifierForBundleIdentifier:", func(m *dtx.Message) {
			_ = dconn.Reply(m, int64(4242))
		})
		dconn.RegisterSelectorCallback(1, "killPid:", func(m *dtx.Message) {
			_ = dconn.Reply(m, true)
		})
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	pid, err := d.AppStop(context.Background(), "com.example.app")
	if err != nil {
		t.Fatalf("AppStop: %v", err)
	}
	if pid != 4242 {
		t.Errorf("AppStop pid = %d, want 4242", pid)
	}
}

func TestAppStopNotFound(t *testing.T) {
	f, cfg := newFakeDevice(t, "udid-1", "15.0")
	f.onInstruments(func(dconn *dtx.Connection) {
		dconn.RegisterSelectorCallback(1, "processIdentifierForBundleIdentifier:", func(m *dtx.Message) {
			_ = dconn.Reply(m, int64(0))
		})
	})

	d, err := Open(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.AppStop(context.Background(), "com.example.notrunning"); err == nil {
		t.Fatal("AppStop of a non-running bundle: want error, got nil")
	}
}
