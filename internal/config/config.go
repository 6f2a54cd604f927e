// Package config loads optional host-side overrides for ioshost: cache
// directory locations, the mux daemon socket address, and the Xcode search
// path used when looking for a developer disk image. It follows the
// teacher's vars-file idiom (a small YAML map of string overrides merged
// over built-in defaults) rather than a bespoke flag/env parser.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"go.ioshost.dev/ioshost/internal/errors"
)

// Config holds resolved host-side paths and addresses.
type Config struct {
	// MuxSocketAddress overrides the platform-default mux daemon address.
	// Takes the form "unix:<path>" or "tcp:<host>:<port>".
	MuxSocketAddress string `yaml:"muxSocketAddress"`
	// AppDir is the root directory under which the ssl/ and images/ caches
	// live.
	AppDir string `yaml:"appDir"`
	// XcodePath is searched first for a developer disk image before AppDir's
	// images/ cache.
	XcodePath string `yaml:"xcodePath"`
}

// EnvVar is the environment variable consulted for the mux daemon address,
// per spec.md §6.
const EnvVar = "USBMUXD_SOCKET_ADDRESS"

// Default returns the built-in defaults, overridden by the USBMUXD_SOCKET_ADDRESS
// environment variable if set.
func Default() *Config {
	c := &Config{
		AppDir:    defaultAppDir(),
		XcodePath: "/Applications/Xcode.app",
	}
	if addr := os.Getenv(EnvVar); addr != "" {
		c.MuxSocketAddress = addr
	} else {
		c.MuxSocketAddress = defaultMuxAddress()
	}
	return c
}

// Load reads a YAML overrides file at path and merges it over Default().
// A missing file is not an error; it is treated as "no overrides".
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	var overrides Config
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	if overrides.MuxSocketAddress != "" {
		c.MuxSocketAddress = overrides.MuxSocketAddress
	}
	if overrides.AppDir != "" {
		c.AppDir = overrides.AppDir
	}
	if overrides.XcodePath != "" {
		c.XcodePath = overrides.XcodePath
	}
	return c, nil
}

// SSLDir returns the directory holding per-device PEM cache files.
func (c *Config) SSLDir() string {
	return filepath.Join(c.AppDir, "ssl")
}

// ImagesDir returns the directory holding cached developer disk images,
// nested by iOS version.
func (c *Config) ImagesDir(version string) string {
	return filepath.Join(c.AppDir, "images", version)
}

func defaultAppDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ioshost")
	}
	return filepath.Join(os.TempDir(), "ioshost")
}
