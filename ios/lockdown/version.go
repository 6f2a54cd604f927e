package lockdown

import (
	"strings"

	"github.com/Masterminds/semver"

	"go.ioshost.dev/ioshost/internal/errors"
)

// ParsedVersion returns the session's ProductVersion as a semver.Version,
// padding two-component iOS versions (e.g. "13.4") to a valid three-component
// semver string.
func (s *Session) ParsedVersion() (*semver.Version, error) {
	return parseIOSVersion(s.productVersion)
}

func parseIOSVersion(v string) (*semver.Version, error) {
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	normalized := strings.Join(parts[:3], ".")
	sv, err := semver.NewVersion(normalized)
	if err != nil {
		return nil, errors.Wrapf(err, "lockdown: parsing ProductVersion %q", v)
	}
	return sv, nil
}

// AtLeast reports whether the session's iOS version satisfies constraint
// (a Masterminds/semver constraint string, e.g. ">= 14.0.0"), used to gate
// protocol differences across iOS versions (DTX capability flags, the
// testmanagerd authorization handshake, etc).
func (s *Session) AtLeast(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, errors.Wrapf(err, "lockdown: parsing version constraint %q", constraint)
	}
	v, err := s.ParsedVersion()
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}
