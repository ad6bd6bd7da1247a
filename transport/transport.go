// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Listener accepts raw inbound connections from peers. The pool wraps
// each accepted connection with TLS and the hello exchange before any
// token crosses it.
type Listener interface {
	// Accept blocks until a peer connects, ctx is cancelled, or the
	// listener is closed. After Close it returns net.ErrClosed.
	Accept(ctx context.Context) (net.Conn, error)

	// Address returns the address peers dial to reach this listener.
	// The format is transport-specific ("192.168.1.10:7891" for TCP).
	Address() string

	// Close stops accepting. Connections already accepted stay open.
	Close() error
}

// Dialer opens raw connections to peers.
type Dialer interface {
	// DialContext connects to a peer at address, the format returned
	// by the peer's Listener.Address. Failures are *ConnectionError.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
