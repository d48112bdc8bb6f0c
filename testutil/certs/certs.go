// Package certs provides TLS certificates for QUIC listeners in tests.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"
	"time"

	"lukechampine.com/frand"
)

// An EphemeralCertManager is an in-memory syncer.CertManager for testing. It
// generates a self-signed certificate on first use and returns it for every
// subsequent handshake.
type EphemeralCertManager struct {
	once sync.Once
	cert *tls.Certificate
	err  error
}

func generate() (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), frand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(frand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cert: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}

// GetCertificate returns the manager's self-signed certificate.
func (ec *EphemeralCertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	ec.once.Do(func() { ec.cert, ec.err = generate() })
	return ec.cert, ec.err
}
