// Package mount implements the developer disk image mount flow spoken over
// com.apple.mobile.mobile_image_mounter: probing whether a developer image
// is already mounted, locating a matching .dmg/.signature pair on the host,
// verifying the signature, and streaming the image across.
package mount

import (
	"os"
	"path/filepath"

	"go.mozilla.org/pkcs7"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
)

// imageType is the ImageType value LookupImage/ReceiveBytes/MountImage all
// key on; this package only ever deals in the developer disk image, not the
// other image types mobile_image_mounter supports on newer iOS releases.
const imageType = "Developer"

// diskImage is a located, verified developer disk image ready to stream.
type diskImage struct {
	path          string
	signaturePath string
	data          []byte
	signature     []byte
}

// locateDiskImage searches cfg.XcodePath's bundled DeviceSupport directory
// first, then cfg.ImagesDir(version), for a DeveloperDiskImage.dmg plus its
// .signature sibling matching the device's iOS version.
func locateDiskImage(cfg *config.Config, version string) (string, string, error) {
	candidates := []string{
		filepath.Join(cfg.XcodePath, "Contents", "Developer", "Platforms", "iPhoneOS.platform",
			"DeviceSupport", version, "DeveloperDiskImage.dmg"),
		filepath.Join(cfg.ImagesDir(version), "DeveloperDiskImage.dmg"),
	}
	for _, dmg := range candidates {
		sig := dmg + ".signature"
		if fileExists(dmg) && fileExists(sig) {
			return dmg, sig, nil
		}
	}
	return "", "", errors.NewNotFound("developer disk image for iOS " + version)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// loadAndVerify reads dmgPath and its detached PKCS#7 signature at
// sigPath and verifies the signature covers the image bytes exactly,
// returning InvalidSignature on any mismatch or parse failure.
func loadAndVerify(dmgPath, sigPath string) (*diskImage, error) {
	data, err := os.ReadFile(dmgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "mount: reading %s", dmgPath)
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, errors.Wrapf(err, "mount: reading %s", sigPath)
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, errors.NewInvalidSignature(err)
	}
	p7.Content = data
	if err := p7.Verify(); err != nil {
		return nil, errors.NewInvalidSignature(err)
	}

	return &diskImage{path: dmgPath, signaturePath: sigPath, data: data, signature: sig}, nil
}
