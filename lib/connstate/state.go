// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connstate

import "fmt"

// State is a connection lifecycle state.
type State uint8

const (
	Idle State = iota
	Connecting
	Connected
	Authenticating
	Authenticated
	Transferring
	Closing
	Closed
	Error
)

var stateNames = [...]string{
	Idle:           "idle",
	Connecting:     "connecting",
	Connected:      "connected",
	Authenticating: "authenticating",
	Authenticated:  "authenticated",
	Transferring:   "transferring",
	Closing:        "closing",
	Closed:         "closed",
	Error:          "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Healthy reports whether a connection in s can carry tokens.
func (s State) Healthy() bool {
	return s == Authenticated || s == Transferring
}

// States lists every state, in lifecycle order.
func States() []State {
	return []State{Idle, Connecting, Connected, Authenticating, Authenticated, Transferring, Closing, Closed, Error}
}

// validTransition reports whether from → to is allowed.
//
// Allowed transitions:
//   - idle -> connecting (pool starts a link)
//   - connecting -> connected (transport handshake done)
//   - connected -> authenticating (certificate exchange begins)
//   - authenticating -> authenticated (chain and whitelist verified)
//   - authenticated -> transferring (a token is in flight)
//   - transferring -> authenticated (nothing in flight)
//   - authenticated, transferring -> closing (shutdown or idle eviction)
//   - closing -> closed
//   - any state but closed and error -> error
//   - error -> closed
func validTransition(from, to State) bool {
	if to == Error {
		return from != Closed && from != Error
	}
	switch from {
	case Idle:
		return to == Connecting
	case Connecting:
		return to == Connected
	case Connected:
		return to == Authenticating
	case Authenticating:
		return to == Authenticated
	case Authenticated:
		return to == Transferring || to == Closing
	case Transferring:
		return to == Authenticated || to == Closing
	case Closing, Error:
		return to == Closed
	default:
		return false
	}
}

// TransitionError reports a transition the lifecycle does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid connection state transition: %s → %s", e.From, e.To)
}
