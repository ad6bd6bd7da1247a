// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections. This is the LAN
// transport; it requires direct TCP reachability between peers.
type TCPListener struct {
	listener *net.TCPListener
}

// NewTCPListener listens on address (e.g., ":7891" or
// "192.168.1.10:7891"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, &ConnectionError{Address: address, Op: "listen", Err: err}
	}
	return &TCPListener{listener: listener.(*net.TCPListener)}, nil
}

// Accept waits for the next connection. Cancelling ctx interrupts the
// wait by expiring the listener deadline; the listener stays usable.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	if err := l.listener.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		l.listener.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := l.listener.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, &ConnectionError{Address: l.Address(), Op: "accept", Err: err}
	}
	conn.SetNoDelay(true)
	return conn, nil
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP connections to peers.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectionError{Address: address, Op: "dial", Err: err}
	}
	return conn, nil
}
