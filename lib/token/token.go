// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tokens in the send scheduler. Higher values are
// sent first.
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Critical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

// String returns the lowercase priority name.
func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool { return p <= Critical }

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", uint8(p))
	}
	return []byte(priorityNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(name string) (Priority, error) {
	for index, candidate := range priorityNames {
		if strings.EqualFold(name, candidate) {
			return Priority(index), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (want low, normal, high, or critical)", name)
}

// Reserved token types. Handlers cannot register for these.
const (
	reservedPrefix = "bey."

	// TypeAck acknowledges a token that set RequiresAck. Its payload is
	// an encoded [Ack].
	TypeAck = reservedPrefix + "ack"

	// TypeHeartbeat is the pool's liveness check. Its payload is an
	// encoded [Heartbeat].
	TypeHeartbeat = reservedPrefix + "heartbeat"

	// TypeChunk carries one chunk of a streamed payload.
	TypeChunk = reservedPrefix + "chunk"
)

// IsReserved reports whether tokenType belongs to the transport.
func IsReserved(tokenType string) bool {
	return strings.HasPrefix(tokenType, reservedPrefix)
}

// Token is the atomic unit of transmitted data. Treat a Token as
// immutable once built; the transport copies it by value and never
// modifies a field after New.
type Token struct {
	ID          string
	Type        string
	SenderID    string
	Priority    Priority
	RequiresAck bool
	CreatedAt   time.Time
	Payload     []byte
}

// New builds a token with a fresh random id.
func New(tokenType, senderID string, priority Priority, requiresAck bool, payload []byte, now time.Time) Token {
	return Token{
		ID:          uuid.NewString(),
		Type:        tokenType,
		SenderID:    senderID,
		Priority:    priority,
		RequiresAck: requiresAck,
		CreatedAt:   now,
		Payload:     payload,
	}
}

// Ack is the payload of a TypeAck token.
type Ack struct {
	_ struct{} `cbor:",toarray"`

	// TokenID is the acknowledged token's id.
	TokenID string
}

// Heartbeat is the payload of a TypeHeartbeat token. A request has
// Reply false; the peer echoes Sequence back with Reply true.
type Heartbeat struct {
	_ struct{} `cbor:",toarray"`

	Sequence uint64
	Reply    bool
}
