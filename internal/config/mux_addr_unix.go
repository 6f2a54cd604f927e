//go:build !windows

package config

func defaultMuxAddress() string {
	return "unix:/var/run/usbmuxd"
}
