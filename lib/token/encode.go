// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/bey/lib/codec"
)

// EncodingVersion is the first byte of every encoded token.
const EncodingVersion byte = 0x01

var (
	// ErrTruncated is returned for empty or cut-short encodings.
	ErrTruncated = errors.New("token: truncated encoding")

	// ErrVersion is returned when the leading version byte is not
	// EncodingVersion.
	ErrVersion = errors.New("token: unsupported encoding version")

	// ErrMalformed is returned for encodings that parse but violate
	// the token model (bad priority, missing id or type, trailing
	// data).
	ErrMalformed = errors.New("token: malformed encoding")
)

// wireToken is the CBOR array layout, in field order: id, type,
// sender, priority ordinal, ack flag, creation time in Unix
// nanoseconds, payload.
type wireToken struct {
	_ struct{} `cbor:",toarray"`

	ID          string
	Type        string
	SenderID    string
	Priority    uint8
	RequiresAck bool
	CreatedAt   int64
	Payload     []byte
}

// Encode returns the versioned byte form of t.
func Encode(t Token) ([]byte, error) {
	if !t.Priority.Valid() {
		return nil, fmt.Errorf("token: encoding %s: invalid priority %d", t.ID, uint8(t.Priority))
	}
	body, err := codec.Marshal(wireToken{
		ID:          t.ID,
		Type:        t.Type,
		SenderID:    t.SenderID,
		Priority:    uint8(t.Priority),
		RequiresAck: t.RequiresAck,
		CreatedAt:   t.CreatedAt.UnixNano(),
		Payload:     t.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("token: encoding %s: %w", t.ID, err)
	}
	encoded := make([]byte, 0, 1+len(body))
	encoded = append(encoded, EncodingVersion)
	return append(encoded, body...), nil
}

// Decode parses the output of Encode.
func Decode(data []byte) (Token, error) {
	if len(data) < 2 {
		return Token{}, ErrTruncated
	}
	if data[0] != EncodingVersion {
		return Token{}, fmt.Errorf("%w: %#x", ErrVersion, data[0])
	}

	var wire wireToken
	if err := codec.Unmarshal(data[1:], &wire); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Token{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return Token{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	priority := Priority(wire.Priority)
	switch {
	case !priority.Valid():
		return Token{}, fmt.Errorf("%w: priority %d", ErrMalformed, wire.Priority)
	case wire.ID == "":
		return Token{}, fmt.Errorf("%w: empty id", ErrMalformed)
	case wire.Type == "":
		return Token{}, fmt.Errorf("%w: empty type", ErrMalformed)
	}

	return Token{
		ID:          wire.ID,
		Type:        wire.Type,
		SenderID:    wire.SenderID,
		Priority:    priority,
		RequiresAck: wire.RequiresAck,
		CreatedAt:   time.Unix(0, wire.CreatedAt).UTC(),
		Payload:     wire.Payload,
	}, nil
}
