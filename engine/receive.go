// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/bey/lib/codec"
	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/lib/token"
	"github.com/bureau-foundation/bey/pool"
	"github.com/bureau-foundation/bey/transport"
)

// inbound is a token waiting for a handler worker.
type inbound struct {
	conn  *pool.Conn
	token token.Token
}

// receive runs on a connection's receive loop. A token must name the
// node the link is authenticated as; others are dropped as protocol
// errors. Acks are settled in place; everything else is acknowledged
// if asked and handed to the worker that owns the connection.
func (e *Engine) receive(conn *pool.Conn, t token.Token, wire int) {
	e.metrics.recordReceived(wire)
	if peer := conn.PeerID(); t.SenderID != peer {
		e.metrics.recordProtocolError()
		err := &transport.ProtocolError{
			Address: conn.Address(),
			Reason:  fmt.Sprintf("token %s claims sender %q on a link authenticated as %q", t.ID, t.SenderID, peer),
		}
		e.logger.Warn("dropping token with mismatched sender", "peer", peer, "error", err)
		return
	}
	e.learn(conn)

	if t.Type == token.TypeAck {
		e.handleAck(conn, t)
		return
	}
	if t.RequiresAck {
		e.acknowledge(conn, t)
	}

	shard := e.shards[conn.ID()%uint64(len(e.shards))]
	select {
	case shard <- inbound{conn: conn, token: t}:
	case <-e.ctx.Done():
	}
}

func (e *Engine) acknowledge(conn *pool.Conn, t token.Token) {
	payload, err := codec.Marshal(token.Ack{TokenID: t.ID})
	if err != nil {
		e.logger.Error("encoding ack", "token", t.ID, "error", err)
		return
	}
	ack := token.New(token.TypeAck, e.nodeID, token.Critical, false, payload, e.clock.Now())
	if !conn.EnqueueControl(ack, nil) {
		// The sender retries and we acknowledge the retry.
		e.logger.Debug("ack not queued", "token", t.ID, "peer", conn.PeerID())
	}
}

// handleAck settles a token only when the ack arrives on the
// connection that carries the token's current attempt. Acks from
// anywhere else, duplicates, and acks for attempts already swept are
// dropped; a swept token is retransmitted and acknowledged again.
func (e *Engine) handleAck(conn *pool.Conn, t token.Token) {
	var ack token.Ack
	if err := codec.Unmarshal(t.Payload, &ack); err != nil {
		e.logger.Warn("dropping malformed ack", "peer", conn.PeerID(), "error", err)
		return
	}

	e.mu.Lock()
	record := e.tracked[ack.TokenID]
	if record == nil || record.conn != conn {
		e.mu.Unlock()
		if record != nil && record.conn != nil {
			e.metrics.recordProtocolError()
			e.logger.Warn("dropping ack from a connection not carrying the token",
				"token", ack.TokenID,
				"peer", conn.PeerID(),
				"connection", conn.ID(),
			)
		}
		return
	}
	record.conn = nil
	entry := record.entry
	e.mu.Unlock()

	e.scheduler.Ack(ack.TokenID)
	rtt := e.clock.Now().Sub(entry.SentAt)
	conn.Flow().OnAck(entry.Size, rtt)
	conn.EndTransfer()
	e.metrics.recordAck(rtt)
	e.finish(ack.TokenID, nil)
	e.signal()
}

// work runs handlers for one shard until the engine closes.
func (e *Engine) work(shard <-chan inbound) error {
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case item := <-shard:
			e.deliver(item)
		}
	}
}

// deliver feeds chunks to the reassembler and hands complete tokens
// to their handler, sending back any response.
func (e *Engine) deliver(item inbound) {
	t := item.token
	if t.Type == token.TypeChunk {
		chunk, err := stream.DecodeChunk(t.Payload)
		if err != nil {
			e.logger.Warn("dropping malformed chunk", "peer", item.conn.PeerID(), "error", err)
			return
		}
		object, err := e.reassembler.Accept(chunk, item.conn.PeerID())
		if err != nil {
			var streamErr *stream.Error
			if errors.As(err, &streamErr) {
				e.streamFailed(streamErr)
			}
			return
		}
		if object == nil {
			return
		}
		t = token.Token{
			ID:        object.StreamID,
			Type:      object.TokenType,
			SenderID:  object.Sender,
			Priority:  t.Priority,
			CreatedAt: t.CreatedAt,
			Payload:   object.Payload,
		}
	}
	if token.IsReserved(t.Type) {
		e.logger.Warn("dropping token of reserved type", "type", t.Type, "peer", item.conn.PeerID())
		return
	}

	handler := e.handler(t.Type)
	queued := e.offerReceivers(t, handler != nil)
	if handler == nil {
		if !queued {
			e.logger.Debug("no handler for token", "type", t.Type, "peer", t.SenderID)
		}
		return
	}
	response, err := handler.Handle(e.ctx, t)
	if err != nil {
		e.logger.Warn("handler failed", "type", t.Type, "token", t.ID, "peer", t.SenderID, "error", err)
	}
	if response == nil {
		return
	}
	if err := e.reply(item.conn, t, response); err != nil {
		e.logger.Warn("sending response failed", "type", t.Type, "token", t.ID, "peer", t.SenderID, "error", err)
	}
}

// reply sends a handler's response to the node the request's link is
// authenticated as. It travels on any live connection to that node;
// the address is only used if one has to be dialed.
func (e *Engine) reply(conn *pool.Conn, request token.Token, response *Response) error {
	tokenType := response.Type
	if tokenType == "" {
		tokenType = request.Type
	}
	if err := checkOutbound(tokenType, response.Priority); err != nil {
		return err
	}
	peerID := conn.PeerID()
	address, err := e.resolve(peerID)
	if err != nil {
		address = conn.AdvertisedAddress()
	}
	if len(response.Payload) > e.config.ChunkSize {
		_, err := e.sendStream(peerID, address, response.Payload, tokenType, response.Priority, response.RequiresAck)
		return err
	}
	_, err = e.sendToken(peerID, address, response.Payload, tokenType, response.Priority, response.RequiresAck)
	return err
}
