package ios

import (
	"context"

	"go.ioshost.dev/ioshost/ios/mount"
)

// MountDeveloperImage mounts this host's cached developer disk image for the
// device's iOS version, a no-op if one is already mounted.
func (d *DeviceHandle) MountDeveloperImage(ctx context.Context) error {
	return mount.Mount(ctx, d.cfg, d.session)
}

// DeveloperImageMounted reports whether a developer disk image is currently
// mounted.
func (d *DeviceHandle) DeveloperImageMounted(ctx context.Context) (bool, error) {
	return mount.ImagePresent(ctx, d.session)
}
