package mount

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/internal/logging"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
)

// serviceName is the lockdown service name this package's flow is spoken
// over.
const serviceName = "com.apple.mobile.mobile_image_mounter"

// session is the subset of *lockdown.Session this package depends on. It is
// expressed as an interface, rather than importing ios/lockdown directly, so
// that ios/lockdown (component D) and ios/mount (component G) do not import
// each other: the caller that owns a *lockdown.Session passes it in wherever
// this package needs to start a service.
type session interface {
	StartService(ctx context.Context, name string) (*transport.Conn, error)
	ProductVersion() string
}

// ImagePresent reports whether a developer disk image is already mounted by
// issuing LookupImage and checking for a non-empty ImageSignature.
func ImagePresent(ctx context.Context, s session) (bool, error) {
	conn, err := s.StartService(ctx, serviceName)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reply, err := conn.SendRecv(plist.NewDict().
		Set("Command", "LookupImage").
		Set("ImageType", imageType))
	if err != nil {
		return false, err
	}
	d, ok := reply.(*plist.Dict)
	if !ok {
		return false, errors.NewMalformedPlist("mount: LookupImage reply is %T, want a dictionary", reply)
	}
	sig, ok := d.Get("ImageSignature")
	if !ok {
		return false, nil
	}
	arr, ok := sig.(*plist.Array)
	return ok && arr.Items != nil && len(arr.Items) > 0, nil
}

// Mount locates this host's developer disk image for the device's iOS
// version, verifies its signature, and streams it to the device via
// ReceiveBytes followed by MountImage. It is a no-op (returns nil) if
// ImagePresent already reports the image mounted.
func Mount(ctx context.Context, cfg *config.Config, s session) error {
	present, err := ImagePresent(ctx, s)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	dmgPath, sigPath, err := locateDiskImage(cfg, s.ProductVersion())
	if err != nil {
		return err
	}
	img, err := loadAndVerify(dmgPath, sigPath)
	if err != nil {
		return err
	}

	conn, err := s.StartService(ctx, serviceName)
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.Infof(ctx, "mount: streaming developer disk image %s (%d bytes)", img.path, len(img.data))

	ack, err := conn.SendRecv(plist.NewDict().
		Set("Command", "ReceiveBytes").
		Set("ImageType", imageType).
		Set("ImageSize", int64(len(img.data))).
		Set("ImageSignature", img.signature))
	if err != nil {
		return err
	}
	if err := checkMounterStatus(ack, "ReceiveBytes"); err != nil {
		return err
	}

	conn.SetMode(transport.ModePassthrough)
	if _, err := conn.Write(img.data); err != nil {
		return err
	}
	conn.SetMode(transport.ModePlistPacket)

	complete, err := conn.Recv()
	if err != nil {
		return err
	}
	if err := checkMounterStatus(complete, "ReceiveBytes completion"); err != nil {
		return err
	}

	mounted, err := conn.SendRecv(plist.NewDict().
		Set("Command", "MountImage").
		Set("ImagePath", devicePublicStagingPath).
		Set("ImageSignature", img.signature).
		Set("ImageType", imageType))
	if err != nil {
		return err
	}
	return checkMounterStatus(mounted, "MountImage")
}

// devicePublicStagingPath is the device-side path mobile_image_mounter
// expects ReceiveBytes to have staged the image under, matching every
// real client of this service.
const devicePublicStagingPath = "/private/var/mobile/Media/PublicStaging/staging.dimage"

func checkMounterStatus(reply interface{}, step string) error {
	d, ok := reply.(*plist.Dict)
	if !ok {
		return errors.NewMalformedPlist("mount: %s reply is %T, want a dictionary", step, reply)
	}
	if v, ok := d.Get("Error"); ok {
		reason, _ := v.(string)
		return errors.NewServiceError(serviceName, step+": "+reason)
	}
	return nil
}
