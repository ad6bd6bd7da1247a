// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/bey/lib/codec"
	"github.com/bureau-foundation/bey/lib/connstate"
	"github.com/bureau-foundation/bey/lib/flowcontrol"
	"github.com/bureau-foundation/bey/lib/netutil"
	"github.com/bureau-foundation/bey/lib/token"
	"github.com/bureau-foundation/bey/transport"
)

// outboxSize is the depth of a connection's data lane.
const outboxSize = 256

// controlSize is the depth of the lane for acks and heartbeats, which
// are written ahead of data.
const controlSize = 64

// WrittenFunc learns the fate of one queued token: the bytes it took
// on the wire, or why it was not written.
type WrittenFunc func(wire int, err error)

type outbound struct {
	token   token.Token
	written WrittenFunc
}

// Conn is one pooled link to a peer. The pool owns it; callers borrow
// it through Acquire and must not close it.
type Conn struct {
	id        uint64
	pool      *Pool
	inbound   bool
	createdAt time.Time
	machine   *connstate.Machine
	flow      *flowcontrol.Controller
	logger    *slog.Logger

	outbox  chan outbound
	control chan outbound

	// ctx is cancelled at teardown; it ends the loops and any wait on
	// the send-rate limiter.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	peer         string
	address      string
	advertised   string
	link         *transport.Link
	closed       bool
	established  bool
	ending       bool
	lastActivity time.Time
	active       int
	bytesSent    uint64
	bytesRecv    uint64

	heartbeatSequence uint64
	heartbeatSentAt   time.Time
	heartbeatPending  bool
	heartbeatMisses   int
}

func newConn(p *Pool, id uint64, peerID, address string, inbound bool) (*Conn, error) {
	flow, err := flowcontrol.New(p.config.Flow)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:           id,
		pool:         p,
		inbound:      inbound,
		createdAt:    now,
		machine:      connstate.New(p.clock),
		flow:         flow,
		logger:       p.logger.With("connection", id),
		outbox:       make(chan outbound, outboxSize),
		control:      make(chan outbound, controlSize),
		ctx:          ctx,
		cancel:       cancel,
		peer:         peerID,
		address:      address,
		lastActivity: now,
	}, nil
}

// ID returns the pool-unique connection id.
func (c *Conn) ID() uint64 { return c.id }

// Inbound reports whether the peer dialed us.
func (c *Conn) Inbound() bool { return c.inbound }

// Address returns the address an outbound connection was dialed at,
// or the remote address of an inbound one.
func (c *Conn) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// AdvertisedAddress returns the listen address an inbound peer claimed
// in its hello, falling back to Address. It is a dialing hint only;
// nothing vouches for it.
func (c *Conn) AdvertisedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advertised != "" {
		return c.advertised
	}
	return c.address
}

// PeerID returns the node id the peer's certificate carries. An
// outbound connection still being established reports the id it
// expects; an inbound one reports nothing until authenticated.
func (c *Conn) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// State returns the lifecycle state.
func (c *Conn) State() connstate.State { return c.machine.State() }

// Healthy reports whether the connection can carry tokens.
func (c *Conn) Healthy() bool { return c.machine.Healthy() }

// Flow returns the connection's congestion controller.
func (c *Conn) Flow() *flowcontrol.Controller { return c.flow }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the failure that ended the connection, if any.
func (c *Conn) Err() error { return c.machine.Err() }

// ResponseTime returns the smoothed round-trip estimate, zero before
// the first sample.
func (c *Conn) ResponseTime() time.Duration { return c.flow.SmoothedRTT() }

// Active returns the number of tokens awaiting acknowledgment.
func (c *Conn) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastActivity returns when data last crossed the connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Traffic returns bytes written and read.
func (c *Conn) Traffic() (sent, received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent, c.bytesRecv
}

// Writable reports whether Enqueue would accept a token right now.
func (c *Conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.link != nil && len(c.outbox) < cap(c.outbox)
}

// Enqueue queues a data token for the send loop without blocking. It
// reports false when the connection is closed or its lane is full;
// otherwise written is called exactly once.
func (c *Conn) Enqueue(t token.Token, written WrittenFunc) bool {
	return c.offer(c.outbox, t, written)
}

// EnqueueControl queues an ack or other transport token ahead of data.
func (c *Conn) EnqueueControl(t token.Token, written WrittenFunc) bool {
	return c.offer(c.control, t, written)
}

func (c *Conn) offer(lane chan outbound, t token.Token, written WrittenFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.link == nil {
		return false
	}
	select {
	case lane <- outbound{token: t, written: written}:
		return true
	default:
		return false
	}
}

// BeginTransfer records a token awaiting acknowledgment, moving an
// idle connection to Transferring. The count and the state change
// together under c.mu.
func (c *Conn) BeginTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
	if c.active == 1 {
		c.machine.TransitionFrom(connstate.Authenticated, connstate.Transferring, "token in flight")
	}
}

// EndTransfer records an acknowledgment or abandonment, returning the
// connection to Authenticated when nothing remains in flight.
func (c *Conn) EndTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	if c.active == 0 {
		c.machine.TransitionFrom(connstate.Transferring, connstate.Authenticated, "nothing in flight")
	}
}

// start launches the send, receive, and heartbeat loops on an
// authenticated link. It reports false if the pool closed first.
func (c *Conn) start(link *transport.Link) bool {
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	return c.pool.spawn(func() { c.sendLoop(link) }) &&
		c.pool.spawn(func() { c.receiveLoop(link) }) &&
		c.pool.spawn(c.heartbeatLoop)
}

func (c *Conn) sendLoop(link *transport.Link) {
	defer c.drainLanes()
	for {
		var item outbound
		// Control tokens first.
		select {
		case item = <-c.control:
		default:
			select {
			case item = <-c.control:
			case item = <-c.outbox:
			case <-c.ctx.Done():
				return
			}
		}
		if err := c.throttle(item.token); err != nil {
			item.report(0, err)
			return
		}

		wire, err := link.WriteToken(item.token, c.pool.clock.Now().Add(c.pool.config.WriteTimeout))
		if err != nil {
			item.report(0, err)
			c.fail(err)
			return
		}
		c.mu.Lock()
		c.bytesSent += uint64(wire)
		if item.token.Type != token.TypeHeartbeat {
			c.lastActivity = c.pool.clock.Now()
		}
		c.mu.Unlock()
		item.report(wire, nil)
	}
}

// throttle waits on the pool's shared send-rate limiter.
func (c *Conn) throttle(t token.Token) error {
	limiter := c.pool.limiter
	if limiter == nil || t.Type == token.TypeHeartbeat {
		return nil
	}
	n := min(len(t.Payload)+token.SealOverhead, limiter.Burst())
	return limiter.WaitN(c.ctx, n)
}

func (item outbound) report(wire int, err error) {
	if item.written != nil {
		item.written(wire, err)
	}
}

// drainLanes fails everything still queued once the send loop stops.
func (c *Conn) drainLanes() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	for {
		select {
		case item := <-c.control:
			item.report(0, ErrConnectionClosed)
		case item := <-c.outbox:
			item.report(0, ErrConnectionClosed)
		default:
			return
		}
	}
}

func (c *Conn) receiveLoop(link *transport.Link) {
	for {
		received, wire, err := link.ReadToken()
		if err != nil {
			var protocolErr *transport.ProtocolError
			if errors.As(err, &protocolErr) && !protocolErr.Fatal {
				c.logger.Warn("dropping unreadable token", "peer", c.Address(), "error", err)
				continue
			}
			c.fail(err)
			return
		}

		c.mu.Lock()
		c.bytesRecv += uint64(wire)
		if received.Type != token.TypeHeartbeat {
			c.lastActivity = c.pool.clock.Now()
		}
		c.mu.Unlock()

		if received.Type == token.TypeHeartbeat {
			c.handleHeartbeat(received)
			continue
		}
		if c.pool.receive != nil {
			c.pool.receive(c, received, wire)
		}
	}
}

func (c *Conn) heartbeatLoop() {
	ticker := c.pool.clock.NewTicker(c.pool.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		missed := c.heartbeatPending
		if missed {
			c.heartbeatMisses++
		}
		misses := c.heartbeatMisses
		c.heartbeatSequence++
		sequence := c.heartbeatSequence
		c.heartbeatPending = true
		c.heartbeatSentAt = c.pool.clock.Now()
		c.mu.Unlock()

		if missed {
			c.pool.publish(EventHeartbeatMissed, c, nil)
			if misses >= c.pool.config.HeartbeatMisses {
				c.fail(ErrHeartbeatTimeout)
				return
			}
		}
		c.sendHeartbeat(sequence, false)
	}
}

func (c *Conn) sendHeartbeat(sequence uint64, reply bool) {
	payload, err := codec.Marshal(token.Heartbeat{Sequence: sequence, Reply: reply})
	if err != nil {
		c.logger.Error("encoding heartbeat", "error", err)
		return
	}
	beat := token.New(token.TypeHeartbeat, c.pool.identity.NodeID, token.Critical, false, payload, c.pool.clock.Now())
	// A full control lane counts against the peer through the pending
	// flag, like a lost heartbeat.
	c.EnqueueControl(beat, nil)
}

func (c *Conn) handleHeartbeat(received token.Token) {
	var heartbeat token.Heartbeat
	if err := codec.Unmarshal(received.Payload, &heartbeat); err != nil {
		c.logger.Warn("dropping malformed heartbeat", "peer", c.Address(), "error", err)
		return
	}
	if !heartbeat.Reply {
		c.sendHeartbeat(heartbeat.Sequence, true)
		return
	}

	c.mu.Lock()
	if !c.heartbeatPending || heartbeat.Sequence != c.heartbeatSequence {
		c.mu.Unlock()
		return
	}
	rtt := c.pool.clock.Now().Sub(c.heartbeatSentAt)
	c.heartbeatPending = false
	c.heartbeatMisses = 0
	c.mu.Unlock()
	c.flow.ObserveRTT(rtt)
}

// fail moves the connection to Error, tears it down, and hands it back
// to the pool, which may reconnect.
func (c *Conn) fail(err error) {
	if !c.end() {
		return
	}
	if failErr := c.machine.Fail(err, transport.IsCertificateError(err)); failErr != nil {
		// Already failed or closed.
		return
	}
	switch {
	case netutil.IsExpectedCloseError(err):
		c.logger.Info("peer closed connection", "peer", c.Address(), "error", err)
	case netutil.IsTimeout(err):
		c.logger.Warn("connection timed out", "peer", c.Address(), "error", err)
	default:
		c.logger.Warn("connection failed", "peer", c.Address(), "error", err)
	}
	c.teardown()
	c.machine.Transition(connstate.Closed, "failed")
	c.pool.removeConn(c, EventFailed, err)
}

// shutdown closes a healthy connection through Closing, or fails one
// still being established.
func (c *Conn) shutdown(reason string) bool {
	if !c.end() {
		return false
	}
	if err := c.machine.Transition(connstate.Closing, reason); err != nil {
		if c.machine.Fail(ErrConnectionClosed, false) != nil {
			return false
		}
	}
	c.teardown()
	c.machine.Transition(connstate.Closed, reason)
	return true
}

// end claims the connection's teardown. Only the first caller of fail
// or shutdown proceeds.
func (c *Conn) end() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return false
	}
	c.ending = true
	return true
}

func (c *Conn) teardown() {
	c.mu.Lock()
	c.closed = true
	link := c.link
	c.mu.Unlock()
	c.cancel()
	if link != nil {
		link.Close()
	}
}
