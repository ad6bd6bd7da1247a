// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by sends after Close and fails every send
	// still pending when Close runs.
	ErrClosed = errors.New("engine closed")

	// ErrUnknownPeer means neither the directory nor any inbound
	// connection has an address for the peer.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrHandlerExists is returned when a token type already has a
	// handler.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrReservedType is returned when a caller uses a transport
	// token type.
	ErrReservedType = errors.New("reserved token type")

	// ErrAckTimeout is the cause recorded when acknowledgments never
	// arrived.
	ErrAckTimeout = errors.New("acknowledgment timeout")
)

// SendFailedError reports a send that will not be retried again.
// Retries counts the attempts after the first.
type SendFailedError struct {
	TokenID string
	Peer    string
	Retries int
	Err     error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send %s to %s failed after %d retries: %v", e.TokenID, e.Peer, e.Retries, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }
