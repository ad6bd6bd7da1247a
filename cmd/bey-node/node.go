// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/bureau-foundation/bey/engine"
	"github.com/bureau-foundation/bey/lib/clock"
	"github.com/bureau-foundation/bey/lib/config"
	"github.com/bureau-foundation/bey/lib/sealed"
	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/lib/token"
	"github.com/bureau-foundation/bey/pool"
	"github.com/bureau-foundation/bey/transport"
)

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level string) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: parsed}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler), nil
}

// engineConfig overlays the file's transport section on the engine
// defaults.
func engineConfig(t config.TransportConfig) (engine.Config, error) {
	c := engine.DefaultConfig()
	if t.MaxConnections != 0 {
		c.Pool.MaxConnections = t.MaxConnections
	}
	if t.MaxConnectionsPerPeer != 0 {
		c.Pool.MaxConnectionsPerPeer = t.MaxConnectionsPerPeer
	}
	if t.IdleTimeout != 0 {
		c.Pool.IdleTimeout = t.IdleTimeout
	}
	if t.ConnectTimeout != 0 {
		c.Pool.ConnectTimeout = t.ConnectTimeout
	}
	if t.HeartbeatInterval != 0 {
		c.Pool.HeartbeatInterval = t.HeartbeatInterval
	}
	if t.HeartbeatMisses != 0 {
		c.Pool.HeartbeatMisses = t.HeartbeatMisses
	}
	if t.ReconnectAttempts != nil {
		c.Pool.ReconnectAttempts = *t.ReconnectAttempts
	}
	if t.LoadBalanceStrategy != "" {
		strategy, err := pool.ParseStrategy(t.LoadBalanceStrategy)
		if err != nil {
			return engine.Config{}, err
		}
		c.Pool.Strategy = strategy
	}
	if t.InitialWindow != 0 {
		c.Pool.Flow.InitialWindow = t.InitialWindow
	}
	if t.MaxWindow != 0 {
		c.Pool.Flow.MaxWindow = t.MaxWindow
	}
	if t.MinWindow != 0 {
		c.Pool.Flow.MinWindow = t.MinWindow
	}
	if t.StreamChunkSize != 0 {
		c.ChunkSize = t.StreamChunkSize
	}
	if t.StreamCompression != "" {
		compression, err := stream.ParseCompression(t.StreamCompression)
		if err != nil {
			return engine.Config{}, err
		}
		c.Compression = compression
	}
	if t.ReassemblyTimeout != 0 {
		c.ReassemblyTimeout = t.ReassemblyTimeout
	}
	if t.AckTimeout != 0 {
		c.AckTimeout = t.AckTimeout
	}
	if t.MaxRetries != nil {
		c.MaxRetries = *t.MaxRetries
	}
	if t.MaxSendRate != 0 {
		c.MaxSendRate = t.MaxSendRate
	}
	if t.HandlerWorkers != 0 {
		c.HandlerWorkers = t.HandlerWorkers
	}
	if err := c.Validate(); err != nil {
		return engine.Config{}, err
	}
	return c, nil
}

// loadIdentity reads the node certificate material, opening an
// age-sealed key in locked memory.
func loadIdentity(identity config.IdentityConfig, nodeID string) (*transport.Identity, error) {
	var loaded *transport.Identity
	if identity.Sealed() {
		key, err := sealed.OpenFile(identity.Key, identity.AgeIdentity)
		if err != nil {
			return nil, fmt.Errorf("opening node key: %w", err)
		}
		defer key.Close()
		certificatePEM, err := os.ReadFile(identity.Certificate)
		if err != nil {
			return nil, fmt.Errorf("reading node certificate: %w", err)
		}
		caPEM, err := os.ReadFile(identity.CA)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		loaded, err = transport.NewIdentity(certificatePEM, key.Bytes(), caPEM, identity.CAWhitelist)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		loaded, err = transport.LoadIdentityFiles(identity.Certificate, identity.Key, identity.CA, identity.CAWhitelist)
		if err != nil {
			return nil, err
		}
	}
	if loaded.NodeID != nodeID {
		return nil, fmt.Errorf("certificate is for node %q, config names %q", loaded.NodeID, nodeID)
	}
	return loaded, nil
}

type node struct {
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *http.Server
}

func startNode(cfg *config.Config, opts options, logger *slog.Logger) (*node, error) {
	engineCfg, err := engineConfig(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	identity, err := loadIdentity(cfg.Identity, cfg.Node.ID)
	if err != nil {
		return nil, err
	}
	listener, err := transport.NewTCPListener(cfg.Node.Listen)
	if err != nil {
		return nil, err
	}
	transportEngine, err := engine.New(engine.Options{
		Config:           engineCfg,
		Identity:         identity,
		Directory:        engine.NewStaticDirectory(cfg.Peers),
		Listener:         listener,
		AdvertiseAddress: cfg.Node.Advertise,
		Logger:           logger,
	})
	if err != nil {
		listener.Close()
		return nil, err
	}
	n := &node{engine: transportEngine, logger: logger.With("node", cfg.Node.ID)}

	if err := transportEngine.RegisterHandler([]string{"ping"}, engine.HandlerFunc(pong)); err != nil {
		n.close()
		return nil, err
	}
	if len(opts.accept) > 0 {
		if err := transportEngine.RegisterHandler(opts.accept, &logHandler{logger: n.logger}); err != nil {
			n.close()
			return nil, err
		}
	}
	if opts.metricsAddress != "" {
		n.serveMetrics(opts.metricsAddress)
	}
	n.logger.Info("node started", "listen", listener.Address(), "peers", len(cfg.Peers))
	return n, nil
}

// pong echoes a ping's payload back to its sender.
func pong(ctx context.Context, t token.Token) (*engine.Response, error) {
	return &engine.Response{Type: "pong", Payload: t.Payload, Priority: t.Priority}, nil
}

// logHandler logs every accepted token and failed inbound stream.
type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) Handle(ctx context.Context, t token.Token) (*engine.Response, error) {
	h.logger.Info("token received",
		"token", t.ID,
		"type", t.Type,
		"from", t.SenderID,
		"priority", t.Priority,
		"bytes", len(t.Payload),
	)
	return nil, nil
}

func (h *logHandler) HandleStreamError(ctx context.Context, err *stream.Error) {
	h.logger.Warn("inbound stream lost", "stream", err.StreamID, "from", err.Sender, "error", err)
}

func (n *node) serveMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.engine.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	n.metrics = &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server failed", "address", address, "error", err)
		}
	}()
}

// serve runs until ctx is cancelled, logging pool events and periodic
// statistics.
func (n *node) serve(ctx context.Context, opts options) error {
	events := n.engine.Events(64)
	defer events.Cancel()

	var tick <-chan time.Time
	if opts.statsInterval > 0 {
		ticker := clock.Real().NewTicker(opts.statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("shutting down")
			return nil
		case event, ok := <-events.C:
			if !ok {
				return nil
			}
			n.logEvent(event)
		case <-tick:
			stats := n.engine.PerformanceStats()
			n.logger.Info("engine statistics",
				"connections", stats.Connections,
				"utilization", stats.PoolUtilization,
				"queued", stats.Queued,
				"in_flight", stats.InFlight,
				"sent", stats.TokensSent,
				"acked", stats.TokensAcked,
				"failed", stats.TokensFailed,
				"retransmits", stats.Retransmits,
				"average_rtt", stats.AverageRTT,
				"throughput", stats.Throughput,
			)
		}
	}
}

func (n *node) logEvent(event engine.Event) {
	switch event.Kind {
	case engine.EventDeliveryFailed:
		n.logger.Warn("delivery failed", "token", event.ID, "peer", event.Peer, "error", event.Err)
	case engine.EventStreamFailed:
		n.logger.Warn("stream failed", "stream", event.ID, "peer", event.Peer, "error", event.Err)
	default:
		n.logger.Debug("pool event", "kind", event.Pool.Kind, "address", event.Pool.Address)
	}
}

// sendOnce delivers one token and waits for it to complete.
func (n *node) sendOnce(ctx context.Context, opts options) error {
	priority, err := token.ParsePriority(opts.priority)
	if err != nil {
		return err
	}
	payload := []byte(opts.payload)
	if opts.payloadFile != "" {
		payload, err = os.ReadFile(opts.payloadFile)
		if err != nil {
			return err
		}
	}

	delivery, err := n.engine.Send(opts.sendTo, payload, opts.tokenType, priority, opts.requireAck)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := delivery.Wait(ctx); err != nil {
		return fmt.Errorf("token %s: %w", delivery.ID, err)
	}
	fmt.Println(delivery.ID)
	return nil
}

func (n *node) close() {
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.metrics.Shutdown(ctx)
	}
	if err := n.engine.Close(); err != nil {
		n.logger.Warn("closing engine", "error", err)
	}
}
