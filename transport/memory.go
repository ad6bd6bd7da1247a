// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Compile-time interface checks.
var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = (*MemoryNetwork)(nil)
)

// MemoryNetwork is an in-process network of named listeners. Dialing
// a name hands one end of a net.Pipe to that listener's Accept. It
// lets several engines share a process without sockets.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryListener)}
}

// Listen registers address on the network.
func (n *MemoryNetwork) Listen(address string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[address]; taken {
		return nil, &ConnectionError{Address: address, Op: "listen", Err: errors.New("address in use")}
	}
	listener := &MemoryListener{
		network:     n,
		address:     address,
		connections: make(chan net.Conn),
		closed:      make(chan struct{}),
	}
	n.listeners[address] = listener
	return listener, nil
}

// DialContext connects to the listener registered at address. It
// blocks until the listener accepts or ctx ends.
func (n *MemoryNetwork) DialContext(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	listener := n.listeners[address]
	n.mu.Unlock()
	if listener == nil {
		return nil, &ConnectionError{Address: address, Op: "dial", Err: errors.New("connection refused")}
	}

	local, remote := net.Pipe()
	select {
	case listener.connections <- remote:
		return local, nil
	case <-listener.closed:
		local.Close()
		remote.Close()
		return nil, &ConnectionError{Address: address, Op: "dial", Err: errors.New("connection refused")}
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, &ConnectionError{Address: address, Op: "dial", Err: ctx.Err()}
	}
}

func (n *MemoryNetwork) remove(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, address)
}

// MemoryListener accepts connections dialed through its network.
type MemoryListener struct {
	network     *MemoryNetwork
	address     string
	connections chan net.Conn
	closeOnce   sync.Once
	closed      chan struct{}
}

// Accept waits for the next dialed connection.
func (l *MemoryListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connections:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Address returns the name the listener was registered under.
func (l *MemoryListener) Address() string { return l.address }

// Close unregisters the listener. Pending dials fail.
func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.remove(l.address)
	})
	return nil
}
