// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/bey/lib/codec"
	"github.com/bureau-foundation/bey/lib/token"
)

// HandshakeTimeout bounds TLS plus the hello exchange when the caller's
// context carries no earlier deadline.
const HandshakeTimeout = 10 * time.Second

// helloVersion is the hello wire version.
const helloVersion = 1

// maxHelloSize bounds a hello frame.
const maxHelloSize = 4096

// exporterLabel is the TLS exporter label for the per-link token key
// salt.
const exporterLabel = "EXPORTER-bey-token-link"

// Role selects the TLS side of a handshake.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Hello is exchanged by both sides right after TLS. It names the
// sender's node id, which must match its certificate, and the address
// it accepts connections on, so a node that dialed us can be dialed
// back.
type Hello struct {
	_ struct{} `cbor:",toarray"`

	Version       uint8
	NodeID        string
	ListenAddress string
}

// Secure runs the TLS handshake over raw in the given role, verifies
// the peer, exchanges hellos, derives the link's token key, and
// returns the established link. raw is closed on failure.
//
// Failures are *CertificateError when the peer's identity is rejected
// and *ConnectionError otherwise.
func (i *Identity) Secure(ctx context.Context, raw net.Conn, role Role, listenAddress string) (*Link, error) {
	address := raw.RemoteAddr().String()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(HandshakeTimeout)
	}
	if err := raw.SetDeadline(deadline); err != nil {
		raw.Close()
		return nil, &ConnectionError{Address: address, Op: "handshake", Err: err}
	}

	var tlsConn *tls.Conn
	if role == RoleServer {
		tlsConn = tls.Server(raw, i.tlsConfig(true))
	} else {
		tlsConn = tls.Client(raw, i.tlsConfig(false))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, classifyHandshake(address, err)
	}

	link, err := i.establish(tlsConn, address, listenAddress)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		link.Close()
		return nil, &ConnectionError{Address: address, Op: "handshake", Err: err}
	}
	return link, nil
}

func (i *Identity) establish(tlsConn *tls.Conn, address, listenAddress string) (*Link, error) {
	state := tlsConn.ConnectionState()
	peerCertificate := state.PeerCertificates[0]

	peer, err := exchangeHello(tlsConn, Hello{Version: helloVersion, NodeID: i.NodeID, ListenAddress: listenAddress})
	if err != nil {
		// TLS 1.3 clients finish before the server has judged their
		// certificate, so a rejection arrives here as an alert.
		if IsCertificateError(err) {
			return nil, &CertificateError{Address: address, Subject: peerCertificate.Subject.CommonName, Reason: "peer rejected our certificate", Err: err}
		}
		return nil, &ConnectionError{Address: address, Op: "hello", Err: err}
	}
	if peer.Version != helloVersion {
		return nil, &ConnectionError{Address: address, Op: "hello", Err: fmt.Errorf("unsupported hello version %d", peer.Version)}
	}
	if peer.NodeID != peerCertificate.Subject.CommonName {
		return nil, &CertificateError{
			Address: address,
			Subject: peerCertificate.Subject.CommonName,
			Reason:  fmt.Sprintf("hello claims node id %q", peer.NodeID),
		}
	}

	label, err := state.ExportKeyingMaterial(exporterLabel, nil, token.KeySize)
	if err != nil {
		return nil, &ConnectionError{Address: address, Op: "key export", Err: err}
	}
	key, err := token.DeriveKey(i.certificate.Certificate[0], peerCertificate.Raw, label)
	if err != nil {
		return nil, &ConnectionError{Address: address, Op: "key derivation", Err: err}
	}
	return newLink(tlsConn, address, key, peer, peerCertificate), nil
}

// exchangeHello sends ours and reads theirs. Both peers run this at
// once, so the write happens on a background goroutine: on
// synchronous links such as net.Pipe a Write blocks until the peer
// reads, and two blocking writes would deadlock.
func exchangeHello(channel io.ReadWriter, local Hello) (Hello, error) {
	encoded, err := codec.Marshal(local)
	if err != nil {
		return Hello{}, fmt.Errorf("encoding hello: %w", err)
	}

	writeErrors := make(chan error, 1)
	go func() {
		if err := writeFrame(channel, encoded); err != nil {
			writeErrors <- fmt.Errorf("sending hello: %w", err)
			return
		}
		writeErrors <- nil
	}()

	frame, err := readFrame(channel, maxHelloSize)
	if err != nil {
		return Hello{}, fmt.Errorf("reading peer hello: %w", err)
	}
	if err := <-writeErrors; err != nil {
		return Hello{}, err
	}

	var peer Hello
	if err := codec.Unmarshal(frame, &peer); err != nil {
		return Hello{}, fmt.Errorf("decoding peer hello: %w", err)
	}
	return peer, nil
}
