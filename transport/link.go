// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/bey/lib/token"
)

// MaxFrameSize bounds one sealed token on the wire.
const MaxFrameSize = 16 << 20

// frameHeaderSize is the big-endian uint32 length prefix.
const frameHeaderSize = 4

// maxConsecutiveProtocolErrors tears a link down after this many bad
// frames in a row.
const maxConsecutiveProtocolErrors = 3

// errFrameTooLarge is wrapped in the ProtocolError for an oversized
// length prefix.
var errFrameTooLarge = errors.New("frame exceeds maximum size")

// Link is an authenticated, encrypted token channel to one peer. Each
// frame is a length prefix followed by a token sealed under the link
// key. WriteToken is safe for concurrent use; ReadToken must be called
// from a single goroutine.
type Link struct {
	conn            net.Conn
	address         string
	key             *token.Key
	peer            Hello
	peerCertificate *x509.Certificate

	writeMu sync.Mutex
	reader  *bufio.Reader

	// protocolErrors counts consecutive bad frames; only ReadToken
	// touches it.
	protocolErrors int

	closeOnce sync.Once
	closeErr  error
}

func newLink(conn net.Conn, address string, key *token.Key, peer Hello, peerCertificate *x509.Certificate) *Link {
	return &Link{
		conn:            conn,
		address:         address,
		key:             key,
		peer:            peer,
		peerCertificate: peerCertificate,
		reader:          bufio.NewReaderSize(conn, 64*1024),
	}
}

// Peer returns the hello the peer sent.
func (l *Link) Peer() Hello { return l.peer }

// PeerCertificate returns the peer's verified leaf certificate.
func (l *Link) PeerCertificate() *x509.Certificate { return l.peerCertificate }

// RemoteAddress returns the network address of the other end.
func (l *Link) RemoteAddress() string { return l.address }

// WriteToken encodes, seals, and writes one token. It returns the
// number of bytes put on the wire.
func (l *Link) WriteToken(t token.Token, deadline time.Time) (int, error) {
	encoded, err := token.Encode(t)
	if err != nil {
		return 0, err
	}
	sealed, err := token.Seal(l.key, encoded)
	if err != nil {
		return 0, fmt.Errorf("sealing token %s: %w", t.ID, err)
	}
	if len(sealed) > MaxFrameSize {
		return 0, fmt.Errorf("token %s seals to %d bytes: %w", t.ID, len(sealed), errFrameTooLarge)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return 0, &ConnectionError{Address: l.address, Op: "write", Err: err}
	}
	if err := writeFrame(l.conn, sealed); err != nil {
		return 0, &ConnectionError{Address: l.address, Op: "write", Err: err}
	}
	return frameHeaderSize + len(sealed), nil
}

// ReadToken reads the next token and the number of bytes it occupied
// on the wire. A frame that fails authentication or decoding returns a
// *ProtocolError and the link stays usable; the third consecutive one,
// or an oversized length prefix, returns a fatal *ProtocolError. Read
// failures are *ConnectionError.
func (l *Link) ReadToken() (token.Token, int, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(l.reader, header[:]); err != nil {
		return token.Token{}, 0, &ConnectionError{Address: l.address, Op: "read", Err: err}
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return token.Token{}, 0, &ProtocolError{
			Address: l.address,
			Reason:  fmt.Sprintf("frame length %d", length),
			Fatal:   true,
			Err:     errFrameTooLarge,
		}
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(l.reader, frame); err != nil {
		return token.Token{}, 0, &ConnectionError{Address: l.address, Op: "read", Err: err}
	}
	wire := frameHeaderSize + int(length)

	plaintext, err := token.Open(l.key, frame)
	if err != nil {
		return token.Token{}, wire, l.protocolError("sealed frame rejected", err)
	}
	decoded, err := token.Decode(plaintext)
	if err != nil {
		return token.Token{}, wire, l.protocolError("token undecodable", err)
	}
	l.protocolErrors = 0
	return decoded, wire, nil
}

func (l *Link) protocolError(reason string, err error) *ProtocolError {
	l.protocolErrors++
	return &ProtocolError{
		Address: l.address,
		Reason:  reason,
		Fatal:   l.protocolErrors >= maxConsecutiveProtocolErrors,
		Err:     err,
	}
}

// Close closes the connection and wipes the link key.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
		l.writeMu.Lock()
		l.key.Close()
		l.writeMu.Unlock()
	})
	return l.closeErr
}

// writeFrame writes a length-prefixed payload in one Write.
func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one length-prefixed payload of at most limit bytes.
func readFrame(r io.Reader, limit int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int64(length) > int64(limit) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", length, limit)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
