package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/chronologos/govr/internal/auth"
)

const (
	alpnProtocol = "govr-v1"
	certLifetime = 24 * time.Hour
)

// GenerateSelfSignedCert makes the headset's throwaway listener identity,
// named after hostname. Nothing verifies the chain: trust comes from the
// pairing-key token bound to the session's exporter secret.
func GenerateSelfSignedCert(hostname string) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("ed25519 key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("self-sign %q: %w", hostname, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, nil
}

// baseTLSConfig pins TLS 1.3 (exporter secrets) and the govr ALPN, shared by
// QUIC and the TCP fallback.
func baseTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}
}

// ServerTLSConfig is the headset's listener side.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	c := baseTLSConfig()
	c.Certificates = []tls.Certificate{cert}
	return c
}

// ClientTLSConfig is the host's dialing side. The certificate is not
// checked; a peer without the pairing key fails authentication instead.
func ClientTLSConfig() *tls.Config {
	c := baseTLSConfig()
	c.InsecureSkipVerify = true
	return c
}

// exporterMaterial derives the per-session secret the auth token is bound to.
func exporterMaterial(state tls.ConnectionState) ([]byte, error) {
	material, err := state.ExportKeyingMaterial(auth.ExporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	return material, nil
}
