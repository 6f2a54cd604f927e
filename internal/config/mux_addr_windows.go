//go:build windows

package config

func defaultMuxAddress() string {
	return `pipe:\\.\pipe\usbmuxd`
}
