// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/bey/lib/scheduler"
	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/lib/token"
	"github.com/bureau-foundation/bey/pool"
)

// Send queues payload for peerID and returns at once. Payloads larger
// than the chunk size are streamed; the returned delivery then tracks
// the whole stream.
func (e *Engine) Send(peerID string, payload []byte, tokenType string, priority token.Priority, requiresAck bool) (*Delivery, error) {
	if err := checkOutbound(tokenType, priority); err != nil {
		return nil, err
	}
	address, err := e.resolve(peerID)
	if err != nil {
		return nil, err
	}
	if len(payload) > e.config.ChunkSize {
		streamed, err := e.sendStream(peerID, address, payload, tokenType, priority, requiresAck)
		if err != nil {
			return nil, err
		}
		return streamed.Delivery, nil
	}
	return e.sendToken(peerID, address, payload, tokenType, priority, requiresAck)
}

// SendUrgent sends at Critical priority and requires an ack.
func (e *Engine) SendUrgent(peerID string, payload []byte, tokenType string) (*Delivery, error) {
	return e.Send(peerID, payload, tokenType, token.Critical, true)
}

// SendLarge always streams payload, acknowledging every chunk. The
// delivery completes when the last chunk is acknowledged.
func (e *Engine) SendLarge(peerID string, payload []byte, tokenType string) (*StreamDelivery, error) {
	if err := checkOutbound(tokenType, token.Normal); err != nil {
		return nil, err
	}
	address, err := e.resolve(peerID)
	if err != nil {
		return nil, err
	}
	return e.sendStream(peerID, address, payload, tokenType, token.Normal, true)
}

// Broadcast sends payload to every directory peer.
func (e *Engine) Broadcast(payload []byte, tokenType string) (*GroupDelivery, error) {
	return e.SendToGroup(e.directory.Peers(), payload, tokenType)
}

// SendToGroup sends payload to each peer independently, at Normal
// priority with acks. Peers that cannot be sent to are listed in
// Rejected; the call fails only if the engine is closed or the type
// is unusable.
func (e *Engine) SendToGroup(peerIDs []string, payload []byte, tokenType string) (*GroupDelivery, error) {
	if err := checkOutbound(tokenType, token.Normal); err != nil {
		return nil, err
	}
	group := &GroupDelivery{
		Deliveries: make(map[string]*Delivery, len(peerIDs)),
		Rejected:   make(map[string]error),
	}
	for _, peerID := range peerIDs {
		if peerID == e.nodeID {
			continue
		}
		delivery, err := e.Send(peerID, payload, tokenType, token.Normal, true)
		if err != nil {
			if e.isClosed() {
				return nil, ErrClosed
			}
			group.Rejected[peerID] = err
			continue
		}
		group.Deliveries[peerID] = delivery
	}
	return group, nil
}

// SendToAny delivers payload once to one of peerIDs, picked by the
// pool's load-balancing strategy among live connections, dialing if
// none exists. It blocks only while choosing the connection.
func (e *Engine) SendToAny(ctx context.Context, peerIDs []string, payload []byte, tokenType string, priority token.Priority, requiresAck bool) (*Delivery, error) {
	if err := checkOutbound(tokenType, priority); err != nil {
		return nil, err
	}
	addressByPeer := make(map[string]string, len(peerIDs))
	targets := make([]pool.Target, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		address, err := e.resolve(peerID)
		if err != nil {
			continue
		}
		addressByPeer[peerID] = address
		targets = append(targets, pool.Target{PeerID: peerID, Address: address})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: none of %v", ErrUnknownPeer, peerIDs)
	}
	conn, err := e.pool.AcquireAny(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("send to any of %v: %w", peerIDs, err)
	}
	peerID := conn.PeerID()
	address := addressByPeer[peerID]
	if len(payload) > e.config.ChunkSize {
		streamed, err := e.sendStream(peerID, address, payload, tokenType, priority, requiresAck)
		if err != nil {
			return nil, err
		}
		return streamed.Delivery, nil
	}
	return e.sendToken(peerID, address, payload, tokenType, priority, requiresAck)
}

func checkOutbound(tokenType string, priority token.Priority) error {
	if tokenType == "" {
		return fmt.Errorf("send: empty token type")
	}
	if token.IsReserved(tokenType) {
		return fmt.Errorf("send %q: %w", tokenType, ErrReservedType)
	}
	if !priority.Valid() {
		return fmt.Errorf("send: invalid priority %d", priority)
	}
	return nil
}

func (e *Engine) sendToken(peerID, address string, payload []byte, tokenType string, priority token.Priority, requiresAck bool) (*Delivery, error) {
	t := token.New(tokenType, e.nodeID, priority, requiresAck, payload, e.clock.Now())
	delivery := newDelivery(t.ID, peerID)
	if err := e.submit(t, peerID, address, delivery.complete); err != nil {
		return nil, err
	}
	return delivery, nil
}

// streamSend tracks the chunks of one outbound stream.
type streamSend struct {
	engine   *Engine
	delivery *Delivery
	streamID string

	tokenType string
	priority  token.Priority
	peer      string
	address   string
	chunks    map[string]bool

	mu        sync.Mutex
	remaining int
	finished  bool
}

func (e *Engine) sendStream(peerID, address string, payload []byte, tokenType string, priority token.Priority, requiresAck bool) (*StreamDelivery, error) {
	streamID := uuid.NewString()
	chunks, err := stream.Split(streamID, tokenType, payload, e.config.ChunkSize, e.config.Compression)
	if err != nil {
		return nil, fmt.Errorf("splitting stream for %s: %w", peerID, err)
	}

	now := e.clock.Now()
	tokens := make([]token.Token, len(chunks))
	outbound := &streamSend{
		engine:    e,
		delivery:  newDelivery(streamID, peerID),
		streamID:  streamID,
		tokenType: tokenType,
		priority:  priority,
		peer:      peerID,
		address:   address,
		chunks:    make(map[string]bool, len(chunks)),
		remaining: len(chunks),
	}
	for index, chunk := range chunks {
		data, err := stream.EncodeChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("encoding chunk %d of stream %s: %w", index, streamID, err)
		}
		tokens[index] = token.New(token.TypeChunk, e.nodeID, priority, requiresAck, data, now)
		outbound.chunks[tokens[index].ID] = true
	}

	for index, t := range tokens {
		if err := e.submit(t, peerID, address, outbound.chunkDone); err != nil {
			if index > 0 {
				outbound.chunkDone(err)
			}
			return nil, err
		}
	}
	e.logger.Debug("streaming payload",
		"peer", peerID,
		"stream", streamID,
		"type", tokenType,
		"bytes", len(payload),
		"chunks", len(chunks),
	)
	return &StreamDelivery{Delivery: outbound.delivery, StreamID: streamID, Chunks: len(chunks)}, nil
}

// chunkDone completes the stream after its last chunk, or fails it at
// the first chunk that cannot be delivered.
func (s *streamSend) chunkDone(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.finished = true
		s.mu.Unlock()
		s.engine.abortStream(s, err)
		s.delivery.complete(err)
		return
	}
	s.remaining--
	complete := s.remaining == 0
	s.finished = complete
	s.mu.Unlock()
	if complete {
		s.delivery.complete(nil)
	}
}

// abortStream cancels the stream's remaining chunks and tells the
// peer to drop its partial assembly.
func (e *Engine) abortStream(s *streamSend, cause error) {
	e.withdraw(func(entry *scheduler.Entry) bool { return s.chunks[entry.Token.ID] })
	if e.isClosed() {
		return
	}
	data, err := stream.EncodeChunk(stream.Abort(s.streamID, s.tokenType, cause.Error()))
	if err != nil {
		e.logger.Error("encoding stream abort", "stream", s.streamID, "error", err)
		return
	}
	abort := token.New(token.TypeChunk, e.nodeID, s.priority, false, data, e.clock.Now())
	if err := e.submit(abort, s.peer, s.address, func(error) {}); err != nil {
		e.logger.Debug("stream abort not sent", "stream", s.streamID, "error", err)
	}
}

// submit registers t for delivery and queues it.
func (e *Engine) submit(t token.Token, peerID, address string, done func(error)) error {
	entry := &scheduler.Entry{
		Token:      t,
		Peer:       peerID,
		Address:    address,
		Size:       int64(len(t.Payload)) + envelopeOverhead,
		EnqueuedAt: e.clock.Now(),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.tracked[t.ID] = &tracked{entry: entry, peer: peerID, done: done}
	e.mu.Unlock()

	if err := e.scheduler.Enqueue(entry); err != nil {
		e.mu.Lock()
		delete(e.tracked, t.ID)
		e.mu.Unlock()
		return err
	}
	e.signal()
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
