package lockdown

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
)

const pemFreshness = 3 * time.Minute

// pemLocks serializes concurrent writers to the same (udid, hostID) PEM
// file, so goroutines driving the same device never race on it.
var pemLocks sync.Map // map[string]*sync.Mutex

func pemLockFor(key string) *sync.Mutex {
	v, _ := pemLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// sslPemPath returns (and, if stale or missing, regenerates) the PEM file
// holding hostKeyPEM followed by hostCertPEM for the given udid/hostID, per
// tidevice's ssl_pemfile_path cache.
func sslPemPath(cfg *config.Config, udid, hostID string, hostKeyPEM, hostCertPEM []byte) (string, error) {
	key := udid + "-" + hostID
	lock := pemLockFor(key)
	lock.Lock()
	defer lock.Unlock()

	dir := cfg.SSLDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "lockdown: creating ssl cache dir")
	}
	path := filepath.Join(dir, key+".pem")

	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) < pemFreshness {
			return path, nil
		}
	}

	data := append(append([]byte{}, hostKeyPEM...), hostCertPEM...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, "lockdown: writing ssl cache file")
	}
	return path, nil
}
