// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Fingerprint is the SHA-256 hash of a DER certificate.
type Fingerprint [sha256.Size]byte

// FingerprintOf hashes certificate.
func FingerprintOf(certificate *x509.Certificate) Fingerprint {
	return sha256.Sum256(certificate.Raw)
}

// ParseFingerprint parses a hex fingerprint. Colons and case are
// ignored, so both "AB:CD:…" and "abcd…" are accepted.
func ParseFingerprint(text string) (Fingerprint, error) {
	var fingerprint Fingerprint
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ":", "")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return fingerprint, fmt.Errorf("parsing fingerprint %q: %w", text, err)
	}
	if len(decoded) != sha256.Size {
		return fingerprint, fmt.Errorf("fingerprint %q is %d bytes, want %d", text, len(decoded), sha256.Size)
	}
	copy(fingerprint[:], decoded)
	return fingerprint, nil
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Identity is this node's certificate and the trust it extends to
// peers.
type Identity struct {
	// NodeID is the certificate's common name; peers address us by it.
	NodeID string

	certificate tls.Certificate
	roots       *x509.CertPool

	// whitelist, when non-empty, restricts accepted peers to chains
	// containing one of these CA certificates.
	whitelist map[Fingerprint]struct{}
}

// NewIdentity builds an identity from a certificate chain and private
// key (PEM), the CA bundle peers must chain to (PEM), and an optional
// list of CA fingerprints.
func NewIdentity(certificatePEM, keyPEM, caPEM []byte, whitelist []string) (*Identity, error) {
	certificate, err := tls.X509KeyPair(certificatePEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading node certificate: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("CA bundle contains no certificates")
	}
	return NewIdentityFromCertificate(certificate, roots, whitelist)
}

// NewIdentityFromCertificate builds an identity from parsed material.
func NewIdentityFromCertificate(certificate tls.Certificate, roots *x509.CertPool, whitelist []string) (*Identity, error) {
	if len(certificate.Certificate) == 0 {
		return nil, errors.New("node certificate chain is empty")
	}
	leaf := certificate.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(certificate.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing node certificate: %w", err)
		}
		leaf = parsed
		certificate.Leaf = parsed
	}
	if leaf.Subject.CommonName == "" {
		return nil, errors.New("node certificate has no common name")
	}

	identity := &Identity{
		NodeID:      leaf.Subject.CommonName,
		certificate: certificate,
		roots:       roots,
	}
	if len(whitelist) > 0 {
		identity.whitelist = make(map[Fingerprint]struct{}, len(whitelist))
		for _, entry := range whitelist {
			fingerprint, err := ParseFingerprint(entry)
			if err != nil {
				return nil, fmt.Errorf("ca whitelist: %w", err)
			}
			identity.whitelist[fingerprint] = struct{}{}
		}
	}
	return identity, nil
}

// Certificate returns the node's leaf certificate.
func (i *Identity) Certificate() *x509.Certificate {
	return i.certificate.Leaf
}

// tlsConfig returns the configuration for one side of a handshake.
// Go's hostname verification does not fit peers addressed by IP and
// named by node id, so both sides verify the chain themselves in
// VerifyConnection and the node id is bound by the hello exchange.
func (i *Identity) tlsConfig(server bool) *tls.Config {
	config := &tls.Config{
		Certificates:       []tls.Certificate{i.certificate},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyConnection: func(state tls.ConnectionState) error {
			return i.verifyPeer(state.PeerCertificates, server)
		},
	}
	if server {
		config.ClientAuth = tls.RequireAnyClientCert
		// The server's post-handshake ticket write blocks on
		// unbuffered links until the client reads, which it never does
		// during the hello exchange.
		config.SessionTicketsDisabled = true
	}
	return config
}

// verifyPeer checks a presented chain against the CA pool and the
// whitelist.
func (i *Identity) verifyPeer(presented []*x509.Certificate, server bool) error {
	if len(presented) == 0 {
		return &CertificateError{Reason: "peer presented no certificate"}
	}
	leaf := presented[0]
	intermediates := x509.NewCertPool()
	for _, certificate := range presented[1:] {
		intermediates.AddCert(certificate)
	}
	usage := x509.ExtKeyUsageServerAuth
	if server {
		usage = x509.ExtKeyUsageClientAuth
	}
	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         i.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	if err != nil {
		return &CertificateError{Subject: leaf.Subject.CommonName, Reason: "chain verification failed", Err: err}
	}
	if leaf.Subject.CommonName == "" {
		return &CertificateError{Reason: "peer certificate has no common name"}
	}
	if len(i.whitelist) == 0 {
		return nil
	}
	for _, chain := range chains {
		for _, certificate := range chain[1:] {
			if _, ok := i.whitelist[FingerprintOf(certificate)]; ok {
				return nil
			}
		}
	}
	return &CertificateError{Subject: leaf.Subject.CommonName, Reason: "issuing CA is not whitelisted"}
}

// LoadIdentityFiles reads PEM certificate, key, and CA files.
func LoadIdentityFiles(certificatePath, keyPath, caPath string, whitelist []string) (*Identity, error) {
	certificatePEM, err := os.ReadFile(certificatePath)
	if err != nil {
		return nil, fmt.Errorf("reading node certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading node key: %w", err)
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	return NewIdentity(certificatePEM, keyPEM, caPEM, whitelist)
}
