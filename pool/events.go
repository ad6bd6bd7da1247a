// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"time"
)

// EventKind classifies pool events.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventReused
	EventEvicted
	EventIdleClosed
	EventFailed
	EventHeartbeatMissed
	EventExhausted
	EventReconnected
	EventClosed
)

var eventNames = [...]string{
	EventCreated:         "created",
	EventReused:          "reused",
	EventEvicted:         "evicted",
	EventIdleClosed:      "idle-closed",
	EventFailed:          "failed",
	EventHeartbeatMissed: "heartbeat-missed",
	EventExhausted:       "exhausted",
	EventReconnected:     "reconnected",
	EventClosed:          "closed",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event reports a change in the pool.
type Event struct {
	Kind         EventKind
	ConnectionID uint64
	Address      string
	PeerID       string
	Inbound      bool
	Err          error
	At           time.Time
}
