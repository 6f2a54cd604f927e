package lockdown

import (
	"crypto/tls"
	"crypto/x509"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/usbmux"
)

// buildTLSConfig returns the TLS config StartSession and StartService use
// to switch the lockdown socket to SSL: the host's own cert/key as the
// client credential, and the root certificate generated at pairing time as
// the sole trusted CA. Hostname verification is skipped since lockdownd's
// certificate carries no DNS name lockdownd expects a client to check —
// trust is established by the pairing handshake, not the TLS chain.
func buildTLSConfig(record *usbmux.PairRecord) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(record.HostCertificate, record.HostPrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "lockdown: loading host keypair for TLS")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(record.RootCertificate) {
		return nil, errors.New("lockdown: failed to parse RootCertificate for TLS trust store")
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: true, //nolint:gosec // lockdownd's cert has no verifiable hostname; pairing is the trust anchor
		MinVersion:         tls.VersionTLS10,
	}, nil
}
