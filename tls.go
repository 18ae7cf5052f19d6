package tcpmsg

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// TLSOptions wraps a session in TLS. Enabled false leaves the connection
// in plaintext. TLS 1.2 is the floor on both sides.
type TLSOptions struct {
	Enabled bool

	// Config, when non-nil, is used verbatim and the remaining fields are
	// ignored.
	Config *tls.Config

	// CertFile/KeyFile load the local certificate from disk. Certificates
	// takes precedence when non-empty.
	CertFile string
	KeyFile  string

	Certificates []tls.Certificate

	// RootCAs verifies the peer when VerifyCertificates is set. Nil uses
	// the system pool.
	RootCAs *x509.CertPool

	// ServerName is sent in the client handshake for SNI and, when
	// verifying, matched against the server certificate.
	ServerName string

	// MutuallyAuthenticate makes the server demand a client certificate.
	MutuallyAuthenticate bool

	// VerifyCertificates enables chain validation. Off by default: peers
	// with self-signed or otherwise invalid certificates are accepted,
	// which suits the self-signed deployment mode.
	VerifyCertificates bool
}

func (o TLSOptions) loadCertificates() ([]tls.Certificate, error) {
	if len(o.Certificates) > 0 {
		return o.Certificates, nil
	}
	if o.CertFile != "" || o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		return []tls.Certificate{cert}, nil
	}
	return nil, nil
}

// serverConfig builds the listener-side TLS configuration.
func (o TLSOptions) serverConfig() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if o.Config != nil {
		return o.Config, nil
	}
	certs, err := o.loadCertificates()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, argErr("TLS", "server requires a certificate (CertFile/KeyFile or Certificates)")
	}
	cfg := &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
		ClientCAs:    o.RootCAs,
	}
	if o.MutuallyAuthenticate {
		if o.VerifyCertificates {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.RequireAnyClientCert
		}
	}
	return cfg, nil
}

// clientConfig builds the dial-side TLS configuration.
func (o TLSOptions) clientConfig() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if o.Config != nil {
		return o.Config, nil
	}
	certs, err := o.loadCertificates()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates:       certs,
		MinVersion:         tls.VersionTLS12,
		RootCAs:            o.RootCAs,
		ServerName:         o.ServerName,
		InsecureSkipVerify: !o.VerifyCertificates,
	}
	return cfg, nil
}

// GenerateSelfSigned creates an ephemeral self-signed server certificate.
// Returns the certificate and its SHA-256 fingerprint so operators can pin
// it out of band. hostname is used as the Common Name and added to the DNS
// SANs alongside "localhost".
func GenerateSelfSigned(validity time.Duration, hostname string) (tls.Certificate, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generate serial: %w", err)
	}

	cn := "tcpmsg"
	if hostname != "" {
		cn = hostname
	}

	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return cert, hex.EncodeToString(fp[:]), nil
}
