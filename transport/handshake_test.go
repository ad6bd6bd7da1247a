// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/bey/lib/testutil"
	"github.com/bureau-foundation/bey/lib/token"
)

func newIdentity(t *testing.T, pki *testutil.PKI, nodeID string, whitelist ...string) *Identity {
	t.Helper()
	identity, err := NewIdentityFromCertificate(pki.Issue(t, nodeID), pki.Pool, whitelist)
	if err != nil {
		t.Fatalf("NewIdentityFromCertificate(%s): %v", nodeID, err)
	}
	return identity
}

type secureResult struct {
	link *Link
	err  error
}

// tcpPair returns both ends of a loopback TCP connection. TLS failure
// paths need kernel buffering: over net.Pipe the side sending an alert
// can block on a peer that is itself blocked writing.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()
	client, err = (&TCPDialer{}).DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	server = testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for Accept")
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// securePair runs both sides of the handshake over loopback TCP.
func securePair(t *testing.T, client, server *Identity) (clientResult, serverResult secureResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientConn, serverConn := tcpPair(t)
	results := make(chan secureResult, 1)
	go func() {
		link, err := server.Secure(ctx, serverConn, RoleServer, "server-address")
		results <- secureResult{link, err}
	}()
	link, err := client.Secure(ctx, clientConn, RoleClient, "client-address")
	clientResult = secureResult{link, err}
	if err != nil {
		// Unblock a server still waiting for our hello.
		clientConn.Close()
	}
	serverResult = testutil.RequireReceive(t, results, 10*time.Second, "waiting for server handshake")
	for _, result := range []secureResult{clientResult, serverResult} {
		if result.link != nil {
			t.Cleanup(func() { result.link.Close() })
		}
	}
	return clientResult, serverResult
}

// TestSecure_MutualSuccess verifies two nodes under one CA complete
// the handshake, learn each other's hello, and can exchange tokens.
func TestSecure_MutualSuccess(t *testing.T) {
	pki := testutil.NewPKI(t, "bey test ca")
	alpha, beta := newIdentity(t, pki, "alpha"), newIdentity(t, pki, "beta")

	clientResult, serverResult := securePair(t, alpha, beta)
	if clientResult.err != nil || serverResult.err != nil {
		t.Fatalf("handshake failed: client %v, server %v", clientResult.err, serverResult.err)
	}
	if got := clientResult.link.Peer(); got.NodeID != "beta" || got.ListenAddress != "server-address" {
		t.Errorf("client learned %+v", got)
	}
	if got := serverResult.link.Peer(); got.NodeID != "alpha" || got.ListenAddress != "client-address" {
		t.Errorf("server learned %+v", got)
	}
	if serverResult.link.PeerCertificate().Subject.CommonName != "alpha" {
		t.Errorf("server peer certificate = %s", serverResult.link.PeerCertificate().Subject.CommonName)
	}

	sent := token.New("chat", "alpha", token.High, true, []byte("hello beta"), time.Now())
	written := make(chan error, 1)
	go func() {
		_, err := clientResult.link.WriteToken(sent, time.Time{})
		written <- err
	}()
	received, wire, err := serverResult.link.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if err := testutil.RequireReceive(t, written, 5*time.Second, "waiting for write"); err != nil {
		t.Fatalf("WriteToken: %v", err)
	}
	if received.ID != sent.ID || !bytes.Equal(received.Payload, sent.Payload) || received.Priority != token.High {
		t.Errorf("received %+v, sent %+v", received, sent)
	}
	if wire <= len(sent.Payload)+token.SealOverhead {
		t.Errorf("wire size %d too small for a sealed token", wire)
	}
}

// TestSecure_UntrustedCA verifies a peer from another CA is rejected
// with a CertificateError.
func TestSecure_UntrustedCA(t *testing.T) {
	trusted := testutil.NewPKI(t, "trusted ca")
	rogue := testutil.NewPKI(t, "rogue ca")

	alpha := newIdentity(t, trusted, "alpha")
	intruder, err := NewIdentityFromCertificate(rogue.Issue(t, "intruder"), trusted.Pool, nil)
	if err != nil {
		t.Fatalf("NewIdentityFromCertificate: %v", err)
	}

	clientResult, _ := securePair(t, alpha, intruder)
	if !IsCertificateError(clientResult.err) {
		t.Fatalf("client handshake = %v, want certificate error", clientResult.err)
	}
	var certificateErr *CertificateError
	if !errors.As(clientResult.err, &certificateErr) {
		t.Fatalf("client error %T is not *CertificateError", clientResult.err)
	}
}

// TestSecure_Whitelist checks the CA fingerprint whitelist: a peer
// chaining to a listed CA is accepted, any other is refused.
func TestSecure_Whitelist(t *testing.T) {
	pki := testutil.NewPKI(t, "fleet ca")
	other := testutil.NewPKI(t, "other ca")
	fleetFingerprint := FingerprintOf(pki.Certificate).String()
	otherFingerprint := FingerprintOf(other.Certificate).String()

	t.Run("listed", func(t *testing.T) {
		alpha := newIdentity(t, pki, "alpha", fleetFingerprint)
		beta := newIdentity(t, pki, "beta", fleetFingerprint)
		clientResult, serverResult := securePair(t, alpha, beta)
		if clientResult.err != nil || serverResult.err != nil {
			t.Fatalf("handshake failed: client %v, server %v", clientResult.err, serverResult.err)
		}
	})

	t.Run("unlisted", func(t *testing.T) {
		alpha := newIdentity(t, pki, "alpha", otherFingerprint)
		beta := newIdentity(t, pki, "beta")
		clientResult, _ := securePair(t, alpha, beta)
		var certificateErr *CertificateError
		if !errors.As(clientResult.err, &certificateErr) {
			t.Fatalf("client handshake = %v, want *CertificateError", clientResult.err)
		}
		if certificateErr.Subject != "beta" {
			t.Errorf("rejected subject = %q, want beta", certificateErr.Subject)
		}
	})

	t.Run("server refuses client", func(t *testing.T) {
		alpha := newIdentity(t, pki, "alpha")
		beta := newIdentity(t, pki, "beta", otherFingerprint)
		clientResult, serverResult := securePair(t, alpha, beta)
		if !IsCertificateError(serverResult.err) {
			t.Errorf("server handshake = %v, want certificate error", serverResult.err)
		}
		if !IsCertificateError(clientResult.err) {
			t.Errorf("client handshake = %v, want certificate error from the server's alert", clientResult.err)
		}
	})
}

// TestSecure_HelloMustMatchCertificate verifies a node cannot claim a
// node id other than its certificate's common name.
func TestSecure_HelloMustMatchCertificate(t *testing.T) {
	pki := testutil.NewPKI(t, "bey test ca")
	alpha, beta := newIdentity(t, pki, "alpha"), newIdentity(t, pki, "beta")
	beta.NodeID = "gamma"

	clientResult, _ := securePair(t, alpha, beta)
	var certificateErr *CertificateError
	if !errors.As(clientResult.err, &certificateErr) {
		t.Fatalf("client handshake = %v, want *CertificateError", clientResult.err)
	}
}

func TestExchangeHello_Concurrent(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	results := make(chan Hello, 1)
	go func() {
		peer, err := exchangeHello(right, Hello{Version: helloVersion, NodeID: "beta"})
		if err == nil {
			results <- peer
		}
	}()
	peer, err := exchangeHello(left, Hello{Version: helloVersion, NodeID: "alpha", ListenAddress: "10.0.0.1:7891"})
	if err != nil {
		t.Fatalf("exchangeHello: %v", err)
	}
	if peer.NodeID != "beta" {
		t.Errorf("left learned %+v", peer)
	}
	if got := testutil.RequireReceive(t, results, 5*time.Second, "waiting for right hello"); got.ListenAddress != "10.0.0.1:7891" {
		t.Errorf("right learned %+v", got)
	}
}

func TestFingerprint_Parse(t *testing.T) {
	pki := testutil.NewPKI(t, "ca")
	fingerprint := FingerprintOf(pki.Certificate)

	colonized := ""
	for i, b := range fingerprint.String() {
		if i > 0 && i%2 == 0 {
			colonized += ":"
		}
		colonized += string(b)
	}
	for _, text := range []string{fingerprint.String(), colonized} {
		parsed, err := ParseFingerprint(text)
		if err != nil || parsed != fingerprint {
			t.Errorf("ParseFingerprint(%q) = %v, %v", text, parsed, err)
		}
	}
	if _, err := ParseFingerprint("abcd"); err == nil {
		t.Error("ParseFingerprint accepted a short fingerprint")
	}
}

func TestNewIdentity_PEM(t *testing.T) {
	pki := testutil.NewPKI(t, "ca")
	certificatePath, keyPath, caPath := pki.WriteFiles(t, t.TempDir(), "alpha")
	identity, err := LoadIdentityFiles(certificatePath, keyPath, caPath, nil)
	if err != nil {
		t.Fatalf("LoadIdentityFiles: %v", err)
	}
	if identity.NodeID != "alpha" {
		t.Errorf("NodeID = %q, want alpha", identity.NodeID)
	}
	if _, err := NewIdentityFromCertificate(tls.Certificate{}, pki.Pool, nil); err == nil {
		t.Error("empty certificate accepted")
	}
}
