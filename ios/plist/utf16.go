package plist

import (
	"golang.org/x/text/encoding/unicode"

	"go.ioshost.dev/ioshost/internal/errors"
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// decodeUTF16BE decodes the big-endian UTF-16 bytes bplist uses for its
// "unicode string" primitive.
func decodeUTF16BE(raw []byte) (string, error) {
	out, err := utf16be.NewDecoder().Bytes(raw)
	if err != nil {
		return "", errors.NewMalformedPlist("plist: invalid utf16be string: %v", err)
	}
	return string(out), nil
}

// encodeUTF16BE is the inverse of decodeUTF16BE.
func encodeUTF16BE(s string) ([]byte, error) {
	out, err := utf16be.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrapf(err, "plist: encoding %q as utf16be", s)
	}
	return out, nil
}

// isASCII reports whether s can be stored as the compact ASCII-string
// primitive (marker 0x5) instead of the wider UTF-16 one (marker 0x6).
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}
