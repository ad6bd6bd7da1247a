// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ConnectionError is a transient network failure: refusal, timeout,
// reset. Callers may retry.
type ConnectionError struct {
	Address string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CertificateError is a failed identity check: an untrusted or
// expired chain, a CA outside the whitelist, or a hello whose node id
// does not match the certificate. It is never retried automatically.
type CertificateError struct {
	Address string
	Subject string
	Reason  string
	Err     error
}

func (e *CertificateError) Error() string {
	message := "certificate rejected"
	if e.Subject != "" {
		message += " for " + e.Subject
	}
	if e.Address != "" {
		message += " at " + e.Address
	}
	message += ": " + e.Reason
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *CertificateError) Unwrap() error { return e.Err }

// ProtocolError is malformed or unauthenticated data on an
// established link. It costs the token it arrived with; Fatal means
// the link itself can no longer be trusted and must be torn down.
type ProtocolError struct {
	Address string
	Reason  string
	Fatal   bool
	Err     error
}

func (e *ProtocolError) Error() string {
	message := fmt.Sprintf("protocol error from %s: %s", e.Address, e.Reason)
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsCertificateError reports whether err is an identity failure,
// including x509 verification errors and the bad-certificate alerts a
// peer sends when it rejects our chain.
func IsCertificateError(err error) bool {
	if err == nil {
		return false
	}
	var certificateErr *CertificateError
	if errors.As(err, &certificateErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalid) {
		return true
	}
	// Alerts received from the peer surface as *net.OpError with Op
	// "remote error" and an unexported alert type.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return strings.Contains(opErr.Err.Error(), "certificate")
	}
	return false
}

// classifyHandshake wraps a TLS handshake failure as a certificate or
// connection error.
func classifyHandshake(address string, err error) error {
	var certificateErr *CertificateError
	if errors.As(err, &certificateErr) {
		if certificateErr.Address == "" {
			certificateErr.Address = address
		}
		return certificateErr
	}
	if IsCertificateError(err) {
		return &CertificateError{Address: address, Reason: "tls handshake", Err: err}
	}
	return &ConnectionError{Address: address, Op: "tls handshake", Err: err}
}
