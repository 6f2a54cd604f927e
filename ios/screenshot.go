package ios

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
)

// screenshotService is com.apple.mobile.screenshotr, which speaks a small
// array-framed "DLMessage..." protocol layered directly on plist-packet
// framing rather than the usual request/reply dictionary shape.
const screenshotService = "com.apple.mobile.screenshotr"

// Screenshot captures the device's current screen contents as PNG data.
func (d *DeviceHandle) Screenshot(ctx context.Context) ([]byte, error) {
	conn, err := d.session.StartServiceWithMount(ctx, screenshotService)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	version, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	versionMsg, ok := version.(*plist.Array)
	if !ok || len(versionMsg.Items) < 2 {
		return nil, errors.NewProtocolError("screenshotr: malformed DLMessageVersionExchange")
	}

	ack, err := conn.SendRecv(plist.NewArray("DLMessageVersionExchange", "DLVersionsOk", versionMsg.Items[1]))
	if err != nil {
		return nil, err
	}
	ackMsg, ok := ack.(*plist.Array)
	if !ok || len(ackMsg.Items) == 0 {
		return nil, errors.NewProtocolError("screenshotr: malformed version-exchange ack")
	}
	if kind, _ := ackMsg.Items[0].(string); kind != "DLMessageDeviceReady" {
		return nil, errors.NewProtocolError("screenshotr: device reported %v instead of DLMessageDeviceReady", ackMsg.Items[0])
	}

	reply, err := conn.SendRecv(plist.NewArray("DLMessageProcessMessage",
		plist.NewDict().Set("MessageType", "ScreenShotRequest")))
	if err != nil {
		return nil, err
	}
	replyMsg, ok := reply.(*plist.Array)
	if !ok || len(replyMsg.Items) != 2 {
		return nil, errors.NewProtocolError("screenshotr: malformed ScreenShotReply envelope")
	}
	body, ok := replyMsg.Items[1].(*plist.Dict)
	if !ok {
		return nil, errors.NewProtocolError("screenshotr: ScreenShotReply payload is %T, want a dictionary", replyMsg.Items[1])
	}
	if kind, _ := body.Get("MessageType"); kind != "ScreenShotReply" {
		return nil, errors.NewProtocolError("screenshotr: unexpected MessageType %v", kind)
	}
	dataVal, ok := body.Get("ScreenShotData")
	if !ok {
		return nil, errors.NewProtocolError("screenshotr: ScreenShotReply missing ScreenShotData")
	}
	png, ok := dataVal.([]byte)
	if !ok {
		return nil, errors.NewProtocolError("screenshotr: ScreenShotData is %T, want raw bytes", dataVal)
	}
	return png, nil
}
