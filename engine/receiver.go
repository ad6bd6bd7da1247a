// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/bey/lib/pubsub"
	"github.com/bureau-foundation/bey/lib/token"
)

// ErrReceiverClosed is returned by a Receiver after Close or after
// the engine closes.
var ErrReceiverClosed = errors.New("receiver closed")

// ReceiverOptions selects the inbound tokens a Receiver queues.
type ReceiverOptions struct {
	// Types subscribes to these token types whether or not a handler
	// is registered for them. Empty means every type that has no
	// handler.
	Types []string

	// MinPriority drops tokens below this priority.
	MinPriority token.Priority

	// Buffer bounds the queue. When it is full the oldest token is
	// discarded. Zero means pubsub.DefaultBuffer.
	Buffer int
}

// Receiver is a pull-style alternative to handlers: it queues inbound
// tokens, reassembled streams included, for the caller to read.
type Receiver struct {
	engine      *Engine
	types       map[string]bool
	minPriority token.Priority
	hub         *pubsub.Hub[token.Token]
	queue       *pubsub.Subscription[token.Token]
}

// Receiver registers a new pull receiver. Several receivers may
// match one token; each gets its own copy.
func (e *Engine) Receiver(options ReceiverOptions) (*Receiver, error) {
	if !options.MinPriority.Valid() {
		return nil, fmt.Errorf("receiver: invalid priority %d", options.MinPriority)
	}
	var types map[string]bool
	if len(options.Types) > 0 {
		types = make(map[string]bool, len(options.Types))
		for _, tokenType := range options.Types {
			if tokenType == "" {
				return nil, errors.New("receiver: empty token type")
			}
			if token.IsReserved(tokenType) {
				return nil, fmt.Errorf("receiver: %w: %q", ErrReservedType, tokenType)
			}
			types[tokenType] = true
		}
	}
	hub := pubsub.NewHub[token.Token]()
	r := &Receiver{
		engine:      e,
		types:       types,
		minPriority: options.MinPriority,
		hub:         hub,
		queue:       hub.Subscribe(options.Buffer),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		hub.Close()
		return nil, ErrClosed
	}
	e.receivers[r] = struct{}{}
	return r, nil
}

// C delivers queued tokens. It is closed when the receiver closes.
func (r *Receiver) C() <-chan token.Token { return r.queue.C }

// Receive waits for the next token until ctx ends.
func (r *Receiver) Receive(ctx context.Context) (token.Token, error) {
	select {
	case t, ok := <-r.queue.C:
		if !ok {
			return token.Token{}, ErrReceiverClosed
		}
		return t, nil
	case <-ctx.Done():
		return token.Token{}, ctx.Err()
	}
}

// TryReceive returns the next queued token without waiting.
func (r *Receiver) TryReceive() (token.Token, bool) {
	select {
	case t, ok := <-r.queue.C:
		return t, ok
	default:
		return token.Token{}, false
	}
}

// ReceiveBatch returns up to max queued tokens without waiting.
func (r *Receiver) ReceiveBatch(max int) []token.Token {
	var batch []token.Token
	for len(batch) < max {
		t, ok := r.TryReceive()
		if !ok {
			break
		}
		batch = append(batch, t)
	}
	return batch
}

// Pending returns the number of queued tokens.
func (r *Receiver) Pending() int { return len(r.queue.C) }

// Dropped returns how many tokens were discarded on a full queue.
func (r *Receiver) Dropped() uint64 { return r.queue.Dropped() }

// Close unregisters the receiver and closes C.
func (r *Receiver) Close() {
	r.engine.mu.Lock()
	delete(r.engine.receivers, r)
	r.engine.mu.Unlock()
	r.hub.Close()
}

// wants reports whether t belongs in this receiver. handled tells
// whether a handler took the token.
func (r *Receiver) wants(t token.Token, handled bool) bool {
	if t.Priority < r.minPriority {
		return false
	}
	if r.types == nil {
		return !handled
	}
	return r.types[t.Type]
}

// offerReceivers queues t on every receiver that wants it and reports
// whether any did.
func (e *Engine) offerReceivers(t token.Token, handled bool) bool {
	e.mu.Lock()
	var matched []*Receiver
	for r := range e.receivers {
		if r.wants(t, handled) {
			matched = append(matched, r)
		}
	}
	e.mu.Unlock()
	for _, r := range matched {
		r.hub.Publish(t)
	}
	return len(matched) > 0
}

// closeReceivers closes every receiver at engine shutdown.
func (e *Engine) closeReceivers() {
	e.mu.Lock()
	receivers := make([]*Receiver, 0, len(e.receivers))
	for r := range e.receivers {
		receivers = append(receivers, r)
	}
	clear(e.receivers)
	e.mu.Unlock()
	for _, r := range receivers {
		r.hub.Close()
	}
}
