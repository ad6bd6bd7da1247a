// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/bureau-foundation/bey/pool"
)

// EventKind classifies engine events.
type EventKind uint8

const (
	// EventDeliveryFailed reports a send that gave up.
	EventDeliveryFailed EventKind = iota

	// EventStreamFailed reports an inbound stream that failed to
	// reassemble.
	EventStreamFailed

	// EventPool forwards a connection pool event.
	EventPool
)

func (k EventKind) String() string {
	switch k {
	case EventDeliveryFailed:
		return "delivery-failed"
	case EventStreamFailed:
		return "stream-failed"
	case EventPool:
		return "pool"
	default:
		return "unknown"
	}
}

// Event is one engine occurrence.
type Event struct {
	Kind EventKind

	// ID is the token or stream id for delivery and stream events.
	ID   string
	Peer string
	Err  error

	// Pool is set for EventPool.
	Pool pool.Event

	At time.Time
}
