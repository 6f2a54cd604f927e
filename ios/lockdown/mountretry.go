package lockdown

import (
	"context"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/mount"
	"go.ioshost.dev/ioshost/ios/transport"
)

// StartServiceWithMount is StartService with one extra behavior: if the
// device reports InvalidService, it mounts the developer disk image (a
// no-op if already mounted) and retries the request exactly once. Every
// named service this module starts beyond XCUITest's own control channels
// can, in principle, require the developer image; centralizing the retry
// here means callers never have to special-case InvalidService themselves.
func (s *Session) StartServiceWithMount(ctx context.Context, name string) (*transport.Conn, error) {
	conn, err := s.StartService(ctx, name)
	if err == nil {
		return conn, nil
	}
	var svcErr *errors.ServiceError
	if !errors.As(err, &svcErr) || svcErr.Msg != "InvalidService" {
		return nil, err
	}

	if mountErr := mount.Mount(ctx, s.cfg, s); mountErr != nil {
		return nil, mountErr
	}
	return s.StartService(ctx, name)
}
