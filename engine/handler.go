// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/lib/token"
)

// Response is a reply a handler wants sent back to the token's sender.
type Response struct {
	// Type defaults to the request's type.
	Type        string
	Payload     []byte
	Priority    token.Priority
	RequiresAck bool
}

// Handler processes inbound tokens of the types it is registered for.
// Reassembled streams arrive as one token whose ID is the stream id.
type Handler interface {
	Handle(ctx context.Context, t token.Token) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t token.Token) (*Response, error)

func (f HandlerFunc) Handle(ctx context.Context, t token.Token) (*Response, error) {
	return f(ctx, t)
}

// StreamErrorHandler is optionally implemented by a Handler to learn
// of inbound streams of its types that failed to reassemble.
type StreamErrorHandler interface {
	HandleStreamError(ctx context.Context, err *stream.Error)
}

// RegisterHandler installs handler for every type in types. It fails
// without registering anything if a type is empty, reserved, or
// already handled.
func (e *Engine) RegisterHandler(types []string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("register handler: nil handler")
	}
	if len(types) == 0 {
		return fmt.Errorf("register handler: no token types")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tokenType := range types {
		switch {
		case tokenType == "":
			return fmt.Errorf("register handler: empty token type")
		case token.IsReserved(tokenType):
			return fmt.Errorf("register handler for %q: %w", tokenType, ErrReservedType)
		case e.handlers[tokenType] != nil:
			return fmt.Errorf("register handler for %q: %w", tokenType, ErrHandlerExists)
		}
	}
	for _, tokenType := range types {
		e.handlers[tokenType] = handler
	}
	return nil
}

func (e *Engine) handler(tokenType string) Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[tokenType]
}
