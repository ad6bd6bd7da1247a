// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/bey/lib/clock"
	"github.com/bureau-foundation/bey/lib/connstate"
	"github.com/bureau-foundation/bey/lib/pubsub"
	"github.com/bureau-foundation/bey/lib/token"
	"github.com/bureau-foundation/bey/transport"
)

var (
	// ErrPoolExhausted means the pool is full and no idle connection
	// to another peer could be evicted.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPeerLimit means the address already has the maximum number
	// of connections.
	ErrPeerLimit = errors.New("per-peer connection limit reached")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection pool closed")

	// ErrConnectionClosed reports tokens stranded on a connection
	// that shut down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHeartbeatTimeout fails a connection whose peer stopped
	// answering heartbeats.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// ReceiveFunc handles a token read from a connection. It runs on the
// connection's receive loop and must not block for long.
type ReceiveFunc func(c *Conn, t token.Token, wire int)

// Options configures a Pool.
type Options struct {
	Config   Config
	Identity *transport.Identity
	Dialer   transport.Dialer

	// ListenAddress is advertised to peers in the hello as a hint for
	// dialing us back. Optional.
	ListenAddress string

	// Receive gets every non-heartbeat token. Optional.
	Receive ReceiveFunc

	// Limiter caps bytes per second across all connections. Optional.
	Limiter *rate.Limiter

	Clock  clock.Clock
	Logger *slog.Logger
}

// Pool holds authenticated connections to peers, bounded in total and
// per peer.
type Pool struct {
	config        Config
	identity      *transport.Identity
	dialer        transport.Dialer
	listenAddress string
	receive       ReceiveFunc
	limiter       *rate.Limiter
	clock         clock.Clock
	logger        *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	goroutines sync.WaitGroup
	dials      singleflight.Group
	events     *pubsub.Hub[Event]
	nextID     atomic.Uint64
	roundRobin atomic.Uint64

	randomMu sync.Mutex
	random   *rand.Rand

	mu     sync.RWMutex
	conns  map[uint64]*Conn
	closed bool
}

// New creates a pool and starts its idle sweep.
func New(options Options) (*Pool, error) {
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	if options.Identity == nil {
		return nil, errors.New("pool: identity is required")
	}
	if options.Dialer == nil {
		return nil, errors.New("pool: dialer is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:        options.Config,
		identity:      options.Identity,
		dialer:        options.Dialer,
		listenAddress: options.ListenAddress,
		receive:       options.Receive,
		limiter:       options.Limiter,
		clock:         options.Clock,
		logger:        options.Logger,
		ctx:           ctx,
		cancel:        cancel,
		events:        pubsub.NewHub[Event](),
		random:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		conns:         make(map[uint64]*Conn),
	}
	p.spawn(p.sweepLoop)
	return p, nil
}

// Subscribe returns a queue of pool events.
func (p *Pool) Subscribe(buffer int) *pubsub.Subscription[Event] {
	return p.events.Subscribe(buffer)
}

// Target names a peer by the node id its certificate must carry and
// the address to dial when no connection to it exists.
type Target struct {
	PeerID  string
	Address string
}

// Lookup returns a healthy connection authenticated as peerID, chosen
// by the strategy, or nil. It never dials. Inbound and outbound
// connections both qualify; the address a connection was dialed at or
// advertised plays no part.
func (p *Pool) Lookup(peerID string) *Conn {
	p.mu.RLock()
	var candidates []*Conn
	for _, c := range p.conns {
		if c.Healthy() && c.PeerID() == peerID {
			candidates = append(candidates, c)
		}
	}
	p.mu.RUnlock()
	return p.choose(candidates)
}

// Acquire returns a healthy connection authenticated as peerID,
// dialing address when none exists. A dialed peer whose certificate
// names another node fails with a *transport.CertificateError.
// Concurrent acquires of the same peer share one dial. When the pool
// is full, the least recently used idle connection to a different
// peer is evicted; if there is none, Acquire fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, peerID, address string) (*Conn, error) {
	if peerID == "" {
		return nil, errors.New("pool: peer id is required")
	}
	if c := p.Lookup(peerID); c != nil {
		p.publish(EventReused, c, nil)
		return c, nil
	}
	if p.isClosed() {
		return nil, ErrClosed
	}

	result := p.dials.DoChan(peerID, func() (any, error) {
		if c := p.Lookup(peerID); c != nil {
			return c, nil
		}
		return p.dial(peerID, address)
	})
	select {
	case outcome := <-result:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcquireAny returns a connection to one of targets. Healthy
// connections to any of them are chosen by the strategy; when there
// are none, the targets are dialed in rotating order until one
// succeeds.
func (p *Pool) AcquireAny(ctx context.Context, targets []Target) (*Conn, error) {
	if len(targets) == 0 {
		return nil, errors.New("pool: no peers to choose from")
	}
	wanted := make(map[string]bool, len(targets))
	for _, target := range targets {
		wanted[target.PeerID] = true
	}
	p.mu.RLock()
	var candidates []*Conn
	for _, c := range p.conns {
		if c.Healthy() && wanted[c.PeerID()] {
			candidates = append(candidates, c)
		}
	}
	p.mu.RUnlock()
	if c := p.choose(candidates); c != nil {
		p.publish(EventReused, c, nil)
		return c, nil
	}

	start := int(p.roundRobin.Add(1)-1) % len(targets)
	var errs []error
	for offset := range targets {
		target := targets[(start+offset)%len(targets)]
		c, err := p.Acquire(ctx, target.PeerID, target.Address)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Warm opens fresh connections to peerID at address until it has n,
// within the per-peer limit. It returns how many it opened.
func (p *Pool) Warm(ctx context.Context, peerID, address string, n int) (int, error) {
	p.mu.RLock()
	existing := 0
	for _, c := range p.conns {
		if c.PeerID() == peerID {
			existing++
		}
	}
	p.mu.RUnlock()

	opened := 0
	var errs []error
	for range max(0, n-existing) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := p.dial(peerID, address); err != nil {
			errs = append(errs, err)
			continue
		}
		opened++
	}
	return opened, errors.Join(errs...)
}

// Serve adopts connections accepted from listener until ctx is
// cancelled, the listener closes, or the pool closes. Inbound
// connections count against the same bound and are reached through
// Lookup by the node id their certificate carries.
func (p *Pool) Serve(ctx context.Context, listener transport.Listener) error {
	for {
		raw, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || p.isClosed() {
				return nil
			}
			p.logger.Warn("accept failed", "listener", listener.Address(), "error", err)
			p.clock.Sleep(100 * time.Millisecond)
			continue
		}
		if !p.spawn(func() { p.adopt(raw) }) {
			raw.Close()
			return nil
		}
	}
}

// Conns returns a snapshot of every pooled connection.
func (p *Pool) Conns() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	slices.SortFunc(conns, func(a, b *Conn) int { return cmp.Compare(a.id, b.id) })
	return conns
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total          int
	Healthy        int
	Inbound        int
	ByState        map[connstate.State]int
	MaxConnections int

	// Utilization is Total over MaxConnections.
	Utilization float64

	BytesSent     uint64
	BytesReceived uint64
}

// Stats returns current counts.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := Stats{
		Total:          len(p.conns),
		ByState:        make(map[connstate.State]int),
		MaxConnections: p.config.MaxConnections,
	}
	for _, c := range p.conns {
		state := c.State()
		stats.ByState[state]++
		if state.Healthy() {
			stats.Healthy++
		}
		if c.inbound {
			stats.Inbound++
		}
		sent, received := c.Traffic()
		stats.BytesSent += sent
		stats.BytesReceived += received
	}
	stats.Utilization = float64(stats.Total) / float64(p.config.MaxConnections)
	return stats
}

// Close shuts every connection down through Closing → Closed and
// waits for all pool goroutines.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	clear(p.conns)
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		if c.shutdown("pool closed") {
			p.publish(EventClosed, c, nil)
		}
	}
	p.goroutines.Wait()
	p.events.Close()
	return nil
}

// dial opens a new outbound connection to address and checks that
// the peer there is peerID.
func (p *Pool) dial(peerID, address string) (*Conn, error) {
	c, err := p.admit(peerID, address, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectTimeout)
	defer cancel()

	c.machine.Transition(connstate.Connecting, "dial")
	raw, err := p.dialer.DialContext(ctx, address)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	if err := c.machine.Transition(connstate.Connected, "transport connected"); err != nil {
		raw.Close()
		return nil, ErrClosed
	}
	link, err := p.secure(ctx, c, raw, transport.RoleClient)
	if err != nil {
		return nil, err
	}
	if got := link.Peer().NodeID; got != peerID {
		link.Close()
		err := &transport.CertificateError{
			Address: address,
			Subject: got,
			Reason:  "expected node " + peerID,
		}
		c.fail(err)
		return nil, err
	}
	if err := p.activate(c, link); err != nil {
		return nil, err
	}
	return c, nil
}

// adopt authenticates an accepted connection.
func (p *Pool) adopt(raw net.Conn) {
	c, err := p.admit("", "", true)
	if err != nil {
		p.logger.Warn("refusing inbound connection", "remote", raw.RemoteAddr().String(), "error", err)
		raw.Close()
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectTimeout)
	defer cancel()

	c.machine.Transition(connstate.Connecting, "inbound")
	if err := c.machine.Transition(connstate.Connected, "accepted"); err != nil {
		raw.Close()
		return
	}
	link, err := p.secure(ctx, c, raw, transport.RoleServer)
	if err != nil {
		p.logger.Warn("inbound handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		return
	}
	c.mu.Lock()
	c.address = link.RemoteAddress()
	c.advertised = link.Peer().ListenAddress
	c.peer = link.Peer().NodeID
	c.mu.Unlock()
	p.activate(c, link)
}

// secure runs the TLS and hello handshake, closing raw if ctx ends
// first. On failure the connection is failed and removed.
func (p *Pool) secure(ctx context.Context, c *Conn, raw net.Conn, role transport.Role) (*transport.Link, error) {
	if err := c.machine.Transition(connstate.Authenticating, "tls "+role.String()); err != nil {
		raw.Close()
		return nil, ErrClosed
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	link, err := p.identity.Secure(ctx, raw, role, p.listenAddress)
	if !stop() && err == nil {
		link.Close()
		err = &transport.ConnectionError{Address: c.Address(), Op: "handshake", Err: ctx.Err()}
	}
	if err != nil {
		c.fail(err)
		return nil, err
	}
	return link, nil
}

// activate marks an authenticated connection usable and starts its
// loops.
func (p *Pool) activate(c *Conn, link *transport.Link) error {
	if err := c.machine.Transition(connstate.Authenticated, "peer "+link.Peer().NodeID); err != nil {
		// Shut down while authenticating.
		link.Close()
		return ErrClosed
	}
	c.mu.Lock()
	c.established = true
	c.mu.Unlock()
	if !c.start(link) {
		c.shutdown("pool closed")
		return ErrClosed
	}
	c.logger.Info("connection established",
		"peer", c.Address(),
		"node", link.Peer().NodeID,
		"inbound", c.inbound,
	)
	p.publish(EventCreated, c, nil)
	return nil
}

// admit reserves room for a new connection, evicting the least
// recently used idle connection to another peer when the pool is
// full. Inbound connections learn their peer after the handshake.
func (p *Pool) admit(peerID, address string, inbound bool) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if !inbound {
		count := 0
		for _, c := range p.conns {
			if c.PeerID() == peerID {
				count++
			}
		}
		if count >= p.config.MaxConnectionsPerPeer {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s has %d", ErrPeerLimit, peerID, count)
		}
	}

	var victim *Conn
	if len(p.conns) >= p.config.MaxConnections {
		victim = p.evictionCandidateLocked(peerID)
		if victim == nil {
			p.mu.Unlock()
			p.publish(EventExhausted, nil, ErrPoolExhausted)
			return nil, ErrPoolExhausted
		}
		delete(p.conns, victim.id)
	}

	c, err := newConn(p, p.nextID.Add(1), peerID, address, inbound)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.conns[c.id] = c
	p.mu.Unlock()

	if victim != nil {
		victim.shutdown("evicted for " + cmp.Or(peerID, "inbound connection"))
		p.publish(EventEvicted, victim, nil)
	}
	return c, nil
}

// evictionCandidateLocked picks the least recently used idle
// connection whose peer differs from exclude. Ties go to the oldest
// connection, then the lowest id.
func (p *Pool) evictionCandidateLocked(exclude string) *Conn {
	var idle []*Conn
	for _, c := range p.conns {
		if c.State() == connstate.Authenticated && c.Active() == 0 && (exclude == "" || c.PeerID() != exclude) {
			idle = append(idle, c)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	return slices.MinFunc(idle, func(a, b *Conn) int {
		if order := a.LastActivity().Compare(b.LastActivity()); order != 0 {
			return order
		}
		if order := a.createdAt.Compare(b.createdAt); order != 0 {
			return order
		}
		return cmp.Compare(a.id, b.id)
	})
}

// removeConn drops a torn-down connection and schedules a reconnect
// when it failed transiently after being established.
func (p *Pool) removeConn(c *Conn, kind EventKind, err error) {
	p.mu.Lock()
	if p.conns[c.id] == c {
		delete(p.conns, c.id)
	}
	p.mu.Unlock()
	p.publish(kind, c, err)

	c.mu.Lock()
	established := c.established
	peerID, address := c.peer, c.address
	c.mu.Unlock()
	if kind != EventFailed || !established || c.inbound || !c.machine.Retryable() || p.config.ReconnectAttempts == 0 {
		return
	}
	p.spawn(func() { p.reconnect(peerID, address) })
}

// reconnect redials peerID at address with doubling backoff.
func (p *Pool) reconnect(peerID, address string) {
	backoff := p.config.ReconnectBackoff
	for attempt := 1; attempt <= p.config.ReconnectAttempts; attempt++ {
		select {
		case <-p.ctx.Done():
			return
		case <-p.clock.After(backoff):
		}
		if p.Lookup(peerID) != nil {
			return
		}
		c, err := p.Acquire(p.ctx, peerID, address)
		if err == nil {
			p.logger.Info("reconnected", "peer", peerID, "address", address, "attempt", attempt)
			p.publish(EventReconnected, c, nil)
			return
		}
		if transport.IsCertificateError(err) || errors.Is(err, ErrClosed) {
			return
		}
		p.logger.Warn("reconnect failed", "peer", peerID, "address", address, "attempt", attempt, "error", err)
		backoff *= 2
	}
}

// sweepLoop closes connections idle longer than IdleTimeout.
func (p *Pool) sweepLoop() {
	ticker := p.clock.NewTicker(max(p.config.IdleTimeout/4, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	now := p.clock.Now()
	p.mu.Lock()
	var expired []*Conn
	for id, c := range p.conns {
		if c.State() == connstate.Authenticated && c.Active() == 0 &&
			now.Sub(c.LastActivity()) >= p.config.IdleTimeout {
			expired = append(expired, c)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		if c.shutdown("idle timeout") {
			c.logger.Info("closed idle connection", "peer", c.Address())
			p.publish(EventIdleClosed, c, nil)
		}
	}
}

// spawn runs f on a tracked goroutine unless the pool is closed.
func (p *Pool) spawn(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.goroutines.Add(1)
	go func() {
		defer p.goroutines.Done()
		f()
	}()
	return true
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) publish(kind EventKind, c *Conn, err error) {
	event := Event{Kind: kind, Err: err, At: p.clock.Now()}
	if c != nil {
		event.ConnectionID = c.id
		event.Address = c.Address()
		event.PeerID = c.PeerID()
		event.Inbound = c.inbound
	}
	p.events.Publish(event)
}
