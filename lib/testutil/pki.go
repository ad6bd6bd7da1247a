// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// PKI is an in-memory certificate authority for transport tests.
type PKI struct {
	// Certificate is the self-signed CA certificate.
	Certificate *x509.Certificate

	// Pool trusts exactly this CA.
	Pool *x509.CertPool

	key *ecdsa.PrivateKey
}

// NewPKI creates a CA named name with a fresh P-256 key.
func NewPKI(t testing.TB, name string) *PKI {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          randomSerial(t),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"bey test"}},
		NotBefore:             time.Now().Add(-time.Hour), //nolint:realclock certificate validity uses wall time
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(certificate)
	return &PKI{Certificate: certificate, Pool: pool, key: key}
}

// Issue returns a client+server certificate for nodeID (used as the
// subject common name and DNS SAN), chained to the CA.
func (p *PKI) Issue(t testing.TB, nodeID string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key for %s: %v", nodeID, err)
	}
	template := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject:      pkix.Name{CommonName: nodeID},
		DNSNames:     []string{nodeID},
		NotBefore:    time.Now().Add(-time.Hour), //nolint:realclock certificate validity uses wall time
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, p.Certificate, &key.PublicKey, p.key)
	if err != nil {
		t.Fatalf("issuing certificate for %s: %v", nodeID, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate for %s: %v", nodeID, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der, p.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

// WriteFiles issues a certificate for nodeID and writes it as PEM into
// directory. It returns the certificate, private key, and CA paths.
func (p *PKI) WriteFiles(t testing.TB, directory, nodeID string) (certificatePath, keyPath, caPath string) {
	t.Helper()
	certificate := p.Issue(t, nodeID)
	keyDER, err := x509.MarshalPKCS8PrivateKey(certificate.PrivateKey)
	if err != nil {
		t.Fatalf("marshalling key for %s: %v", nodeID, err)
	}

	var chain []byte
	for _, der := range certificate.Certificate {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	certificatePath = filepath.Join(directory, nodeID+".crt")
	keyPath = filepath.Join(directory, nodeID+".key")
	caPath = filepath.Join(directory, "ca.crt")
	writeFile(t, certificatePath, chain)
	writeFile(t, keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	writeFile(t, caPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.Certificate.Raw}))
	return certificatePath, keyPath, caPath
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func randomSerial(t testing.TB) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("generating serial: %v", err)
	}
	return serial
}
