// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/bey/lib/clock"
	"github.com/bureau-foundation/bey/lib/pubsub"
	"github.com/bureau-foundation/bey/lib/scheduler"
	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/pool"
	"github.com/bureau-foundation/bey/transport"
)

// Options configures an Engine.
type Options struct {
	Config   Config
	Identity *transport.Identity

	// Directory resolves peer ids. Optional; without one, only peers
	// that connected to us are reachable.
	Directory Directory

	// Dialer defaults to a TCP dialer.
	Dialer transport.Dialer

	// Listener, when set, accepts inbound connections. The engine
	// closes it on Close.
	Listener transport.Listener

	// AdvertiseAddress is sent to peers as our listen address.
	// Defaults to the listener's address.
	AdvertiseAddress string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine moves tokens between peers: it schedules sends by priority,
// paces them with per-connection flow control, streams large
// payloads, retries until acknowledged, and dispatches inbound tokens
// to handlers.
type Engine struct {
	config    Config
	nodeID    string
	directory Directory
	listener  transport.Listener
	clock     clock.Clock
	logger    *slog.Logger
	started   time.Time

	pool        *pool.Pool
	scheduler   *scheduler.Scheduler
	reassembler *stream.Reassembler
	metrics     *metrics
	events      *pubsub.Hub[Event]

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	wake   chan struct{}
	shards []chan inbound

	mu         sync.Mutex
	closed     bool
	tracked    map[string]*tracked
	connecting map[string]bool
	learned    map[string]string
	handlers   map[string]Handler
	receivers  map[*Receiver]struct{}
}

// tracked is the engine's record of one pending token.
type tracked struct {
	entry *scheduler.Entry
	peer  string

	// conn carries the attempt awaiting acknowledgment. Whoever
	// clears it (ack, loss, failed write, or cancel) returns the
	// attempt's bytes to conn's flow window.
	conn *pool.Conn

	// done learns the outcome exactly once.
	done func(error)
}

// New builds an engine and starts its dispatcher, handler workers,
// and, given a listener, its accept loop.
func New(options Options) (*Engine, error) {
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if options.Identity == nil {
		return nil, errors.New("engine: identity is required")
	}
	if options.Directory == nil {
		options.Directory = NewStaticDirectory(nil)
	}
	if options.Dialer == nil {
		options.Dialer = &transport.TCPDialer{}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	advertise := options.AdvertiseAddress
	if advertise == "" && options.Listener != nil {
		advertise = options.Listener.Address()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:     options.Config,
		nodeID:     options.Identity.NodeID,
		directory:  options.Directory,
		listener:   options.Listener,
		clock:      options.Clock,
		logger:     options.Logger.With("node", options.Identity.NodeID),
		started:    options.Clock.Now(),
		scheduler:  scheduler.New(),
		events:     pubsub.NewHub[Event](),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		tracked:    make(map[string]*tracked),
		connecting: make(map[string]bool),
		learned:    make(map[string]string),
		handlers:   make(map[string]Handler),
		receivers:  make(map[*Receiver]struct{}),
	}

	var limiter *rate.Limiter
	if rateLimit := options.Config.MaxSendRate; rateLimit > 0 {
		burst := max(int(rateLimit), options.Config.ChunkSize+2*envelopeOverhead)
		limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}

	connectionPool, err := pool.New(pool.Options{
		Config:        options.Config.Pool,
		Identity:      options.Identity,
		Dialer:        options.Dialer,
		ListenAddress: advertise,
		Receive:       e.receive,
		Limiter:       limiter,
		Clock:         options.Clock,
		Logger:        e.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.pool = connectionPool

	e.reassembler = stream.NewReassembler(stream.ReassemblerConfig{
		Timeout:       options.Config.ReassemblyTimeout,
		MaxStreamSize: options.Config.MaxStreamSize,
		OnFailure:     e.streamFailed,
		Clock:         options.Clock,
	})
	e.metrics = newMetrics(
		func() float64 { return float64(e.pool.Stats().Total) },
		func() float64 { return float64(e.reassembler.Active()) },
	)

	poolEvents := e.pool.Subscribe(256)
	e.shards = make([]chan inbound, options.Config.HandlerWorkers)
	for index := range e.shards {
		shard := make(chan inbound, options.Config.HandlerQueue)
		e.shards[index] = shard
		e.group.Go(func() error { return e.work(shard) })
	}
	e.group.Go(e.dispatchLoop)
	e.group.Go(func() error { return e.forwardPoolEvents(poolEvents) })
	if e.listener != nil {
		e.group.Go(func() error { return e.pool.Serve(e.ctx, e.listener) })
	}

	e.logger.Info("engine started", "listen", advertise, "strategy", options.Config.Pool.Strategy.String())
	return e, nil
}

// NodeID returns this node's id, the common name of its certificate.
func (e *Engine) NodeID() string { return e.nodeID }

// Registry returns the engine's Prometheus registry.
func (e *Engine) Registry() *prometheus.Registry { return e.metrics.registry }

// Events returns a queue of engine events. Slow subscribers lose the
// oldest events.
func (e *Engine) Events(buffer int) *pubsub.Subscription[Event] {
	return e.events.Subscribe(buffer)
}

// Pool returns the engine's connection pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Close refuses new sends, fails every pending send with ErrClosed,
// fails incomplete inbound streams, closes every connection through
// Closing → Closed, and waits for the engine's goroutines.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if e.listener != nil {
		e.listener.Close()
	}
	err := e.group.Wait()

	e.scheduler.Drain()
	e.mu.Lock()
	pending := make([]*tracked, 0, len(e.tracked))
	for _, record := range e.tracked {
		pending = append(pending, record)
	}
	clear(e.tracked)
	e.mu.Unlock()
	for _, record := range pending {
		if record.conn != nil {
			record.conn.Flow().Release(record.entry.Size)
			record.conn.EndTransfer()
		}
		record.done(&SendFailedError{
			TokenID: record.entry.Token.ID,
			Peer:    record.peer,
			Retries: record.entry.Retries,
			Err:     ErrClosed,
		})
	}

	if poolErr := e.pool.Close(); poolErr != nil {
		err = errors.Join(err, poolErr)
	}
	e.reassembler.Close()
	e.closeReceivers()
	e.events.Close()
	e.logger.Info("engine closed", "failed_sends", len(pending))
	return err
}

// spawnLocked runs f on the engine's group unless the engine is
// closed. Callers hold e.mu.
func (e *Engine) spawnLocked(f func()) bool {
	if e.closed {
		return false
	}
	e.group.Go(func() error {
		f()
		return nil
	})
	return true
}

// signal wakes the dispatcher.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// resolve finds the address for peerID in the directory, then among
// peers that connected to us.
func (e *Engine) resolve(peerID string) (string, error) {
	if address, ok := e.directory.Lookup(peerID); ok {
		return address, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if address, ok := e.learned[peerID]; ok {
		return address, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
}

// learn remembers the advertised address of a peer that reached us,
// as a hint for redialing it. Directory entries always win, and the
// hint is filed under the node id the peer authenticated as, so it can
// never redirect traffic meant for another node.
func (e *Engine) learn(c *pool.Conn) {
	peerID := c.PeerID()
	if peerID == "" || !c.Inbound() {
		return
	}
	if _, ok := e.directory.Lookup(peerID); ok {
		return
	}
	address := c.AdvertisedAddress()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learned[peerID] != address {
		e.learned[peerID] = address
		e.logger.Debug("learned peer address", "peer", peerID, "address", address)
	}
}

func (e *Engine) forwardPoolEvents(subscription *pubsub.Subscription[pool.Event]) error {
	defer subscription.Cancel()
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case event, ok := <-subscription.C:
			if !ok {
				return nil
			}
			if event.Kind == pool.EventCreated || event.Kind == pool.EventReconnected {
				e.signal()
			}
			e.events.Publish(Event{Kind: EventPool, Peer: event.PeerID, Err: event.Err, Pool: event, At: event.At})
		}
	}
}

// Stats is a snapshot of engine performance.
type Stats struct {
	// Throughput is bytes written per second since the engine started.
	Throughput float64

	BytesSent      uint64
	BytesReceived  uint64
	TokensSent     uint64
	TokensAcked    uint64
	TokensFailed   uint64
	Retransmits    uint64
	ProtocolErrors uint64

	// AverageRTT is the mean time from write to acknowledgment.
	AverageRTT time.Duration

	PoolUtilization float64
	Connections     int
	Queued          int
	InFlight        int
	ActiveStreams   int
}

// PerformanceStats returns current engine statistics.
func (e *Engine) PerformanceStats() Stats {
	poolStats := e.pool.Stats()
	stats := Stats{
		BytesSent:       e.metrics.bytesSentCount.Load(),
		BytesReceived:   e.metrics.bytesRecvCount.Load(),
		TokensSent:      e.metrics.sentCount.Load(),
		TokensAcked:     e.metrics.ackedCount.Load(),
		TokensFailed:    e.metrics.failedCount.Load(),
		Retransmits:     e.metrics.retransmitCount.Load(),
		ProtocolErrors:  e.metrics.protocolCount.Load(),
		AverageRTT:      e.metrics.averageRTT(),
		PoolUtilization: poolStats.Utilization,
		Connections:     poolStats.Total,
		Queued:          e.scheduler.Len(),
		InFlight:        e.scheduler.InFlight(),
		ActiveStreams:   e.reassembler.Active(),
	}
	if elapsed := e.clock.Now().Sub(e.started).Seconds(); elapsed > 0 {
		stats.Throughput = float64(stats.BytesSent) / elapsed
	}
	return stats
}

// streamFailed reports an inbound stream evicted by timeout, abort,
// or Close to the handler registered for its type.
func (e *Engine) streamFailed(failure *stream.Error) {
	e.logger.Warn("inbound stream failed",
		"stream", failure.StreamID,
		"peer", failure.Sender,
		"type", failure.TokenType,
		"received", failure.Received,
		"total", failure.Total,
		"error", failure.Err,
	)
	e.events.Publish(Event{Kind: EventStreamFailed, ID: failure.StreamID, Peer: failure.Sender, Err: failure, At: e.clock.Now()})
	if handler, ok := e.handler(failure.TokenType).(StreamErrorHandler); ok {
		handler.HandleStreamError(context.WithoutCancel(e.ctx), failure)
	}
}
