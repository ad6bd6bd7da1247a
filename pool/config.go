// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/bey/lib/flowcontrol"
)

// Strategy picks one connection among several healthy candidates.
type Strategy uint8

const (
	// LeastActive picks the connection with the fewest tokens
	// awaiting acknowledgment.
	LeastActive Strategy = iota

	// RoundRobin rotates through candidates.
	RoundRobin

	// LowestResponseTime picks the connection with the lowest
	// smoothed round-trip time. Unmeasured connections come first so
	// every link gets sampled.
	LowestResponseTime

	// Random picks uniformly.
	Random
)

var strategyNames = [...]string{
	LeastActive:        "least-active",
	RoundRobin:         "round-robin",
	LowestResponseTime: "lowest-response-time",
	Random:             "random",
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy parses a strategy name as written in configuration.
func ParseStrategy(name string) (Strategy, error) {
	for index, candidate := range strategyNames {
		if candidate == name {
			return Strategy(index), nil
		}
	}
	return 0, fmt.Errorf("unknown load balance strategy %q (want least-active, round-robin, lowest-response-time, or random)", name)
}

// Config holds pool tunables.
type Config struct {
	// MaxConnections bounds every connection the pool holds, in any
	// state, inbound and outbound together.
	MaxConnections int

	// MaxConnectionsPerPeer bounds connections to one address.
	MaxConnectionsPerPeer int

	IdleTimeout    time.Duration
	ConnectTimeout time.Duration

	// HeartbeatInterval is the heartbeat period on healthy connections;
	// HeartbeatMisses consecutive unanswered heartbeats fail the
	// connection.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	// ReconnectAttempts bounds redials after a transient failure.
	// ReconnectBackoff is the first delay; each attempt doubles it.
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	// WriteTimeout bounds one token write.
	WriteTimeout time.Duration

	Strategy Strategy

	// Flow sizes each connection's congestion window.
	Flow flowcontrol.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:        1000,
		MaxConnectionsPerPeer: 10,
		IdleTimeout:           5 * time.Minute,
		ConnectTimeout:        10 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatMisses:       3,
		ReconnectAttempts:     3,
		ReconnectBackoff:      time.Second,
		WriteTimeout:          30 * time.Second,
		Strategy:              LeastActive,
		Flow:                  flowcontrol.DefaultConfig(),
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections))
	}
	if c.MaxConnectionsPerPeer <= 0 {
		errs = append(errs, fmt.Errorf("max_connections_per_peer must be positive, got %d", c.MaxConnectionsPerPeer))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.HeartbeatMisses <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_misses must be positive, got %d", c.HeartbeatMisses))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect_attempts must not be negative, got %d", c.ReconnectAttempts))
	}
	if c.ReconnectAttempts > 0 && c.ReconnectBackoff <= 0 {
		errs = append(errs, errors.New("reconnect backoff must be positive when reconnecting"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	if int(c.Strategy) >= len(strategyNames) {
		errs = append(errs, fmt.Errorf("unknown load balance strategy %d", c.Strategy))
	}
	if err := c.Flow.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
