package lockdown

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"go.ioshost.dev/ioshost/internal/errors"
)

const certValidity = 10 * 365 * 24 * time.Hour

// generatedCerts holds the PEM-encoded material produced by a successful
// Pair: a self-signed host/root certificate and key, and a device
// certificate carrying the device's own public key but signed by the host
// root — the same three-document shape idevicepair and tidevice produce.
type generatedCerts struct {
	HostCertPEM   []byte
	HostKeyPEM    []byte
	DeviceCertPEM []byte
}

// makeCertsAndKey builds the pairing certificate chain around the device's
// DevicePublicKey, which the device reports as a DER-encoded RSA public key
// (either PKIX SubjectPublicKeyInfo or bare PKCS1).
func makeCertsAndKey(devicePublicKeyDER []byte) (*generatedCerts, error) {
	devicePub, err := parseDevicePublicKey(devicePublicKeyDER)
	if err != nil {
		return nil, err
	}

	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "lockdown: generating host key")
	}

	now := time.Now()
	hostTemplate := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: "Root Certificate"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	hostCertDER, err := x509.CreateCertificate(rand.Reader, hostTemplate, hostTemplate, &hostKey.PublicKey, hostKey)
	if err != nil {
		return nil, errors.Wrap(err, "lockdown: creating host certificate")
	}
	hostCert, err := x509.ParseCertificate(hostCertDER)
	if err != nil {
		return nil, errors.Wrap(err, "lockdown: parsing generated host certificate")
	}

	deviceTemplate := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: "Device Certificate"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	deviceCertDER, err := x509.CreateCertificate(rand.Reader, deviceTemplate, hostCert, devicePub, hostKey)
	if err != nil {
		return nil, errors.Wrap(err, "lockdown: creating device certificate")
	}

	hostKeyDER, err := x509.MarshalPKCS8PrivateKey(hostKey)
	if err != nil {
		return nil, errors.Wrap(err, "lockdown: marshaling host key")
	}

	return &generatedCerts{
		HostCertPEM:   pemEncode("CERTIFICATE", hostCertDER),
		HostKeyPEM:    pemEncode("PRIVATE KEY", hostKeyDER),
		DeviceCertPEM: pemEncode("CERTIFICATE", deviceCertDER),
	}, nil
}

func parseDevicePublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
	}
	if rsaPub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return rsaPub, nil
	}
	return nil, errors.NewInvalidSignature(errors.New("lockdown: DevicePublicKey is not a recognizable RSA public key"))
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
