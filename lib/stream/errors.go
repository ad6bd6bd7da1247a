// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"fmt"
)

// Causes carried by *Error.
var (
	ErrTimeout  = errors.New("reassembly timed out")
	ErrAborted  = errors.New("aborted by sender")
	ErrMismatch = errors.New("chunk inconsistent with stream")
	ErrOverflow = errors.New("stream exceeds declared size")
	ErrDigest   = errors.New("payload digest mismatch")
	ErrClosed   = errors.New("reassembler closed")
)

// Error reports a stream that could not be reassembled.
type Error struct {
	StreamID  string
	TokenType string
	Sender    string

	// Received and Total count chunks collected before the failure.
	Received int
	Total    int

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream %s from %s (%s): %d/%d chunks: %v",
		e.StreamID, e.Sender, e.TokenType, e.Received, e.Total, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
