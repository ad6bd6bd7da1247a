// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"time"

	"github.com/bureau-foundation/bey/lib/scheduler"
	"github.com/bureau-foundation/bey/pool"
	"github.com/bureau-foundation/bey/transport"
)

// maxRetryBackoff caps the doubling retry delay.
const maxRetryBackoff = 30 * time.Second

// dispatchLoop alternates the acknowledgment sweep with scheduling
// passes. It sleeps until a send, an ack, a finished write, a new
// connection, or the sweep ticker wakes it.
func (e *Engine) dispatchLoop() error {
	ticker := e.clock.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		e.sweep()
		e.schedule()
		select {
		case <-e.ctx.Done():
			return nil
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// schedule hands every ready entry with flow budget to a connection
// authenticated as its peer, highest priority first. Entries whose
// peer has no live connection stay queued while one is dialed. Each
// peer's connection is looked up once per pass.
func (e *Engine) schedule() {
	now := e.clock.Now()
	conns := make(map[string]*pool.Conn)
	unconnected := make(map[string]string)
	for {
		var chosen *pool.Conn
		entry := e.scheduler.DequeueReady(now, func(candidate *scheduler.Entry) bool {
			conn, seen := conns[candidate.Peer]
			if !seen {
				conn = e.pool.Lookup(candidate.Peer)
				conns[candidate.Peer] = conn
			}
			if conn == nil {
				unconnected[candidate.Peer] = candidate.Address
				return false
			}
			if !conn.Writable() || !conn.Flow().CanSend(candidate.Size) {
				return false
			}
			chosen = conn
			return true
		})
		if entry == nil {
			break
		}
		e.transmit(entry, chosen)
	}
	for peerID, address := range unconnected {
		e.connect(peerID, address)
	}
}

// transmit reserves flow budget and queues one attempt on conn. An
// attempt that needs an ack is marked in flight before the write so
// a fast ack always finds it.
func (e *Engine) transmit(entry *scheduler.Entry, conn *pool.Conn) {
	if !conn.Flow().Reserve(entry.Size) {
		e.scheduler.Enqueue(entry)
		return
	}
	requiresAck := entry.Token.RequiresAck
	entry.Connection = conn.ID()

	e.mu.Lock()
	record := e.tracked[entry.Token.ID]
	if record != nil && requiresAck {
		record.conn = conn
	}
	e.mu.Unlock()
	if record == nil {
		// Withdrawn while queued.
		conn.Flow().Release(entry.Size)
		return
	}

	if requiresAck {
		now := e.clock.Now()
		e.scheduler.MarkSent(entry, now, now.Add(e.config.AckTimeout))
		conn.BeginTransfer()
	}
	retry := entry.Retries > 0
	written := func(wire int, err error) { e.written(entry, conn, wire, retry, err) }
	if !conn.Enqueue(entry.Token, written) {
		written(0, pool.ErrConnectionClosed)
	}
}

// written runs once the send loop has written, or failed to write, an
// attempt.
func (e *Engine) written(entry *scheduler.Entry, conn *pool.Conn, wire int, retry bool, err error) {
	if err == nil {
		e.metrics.recordSent(wire, retry)
		if !entry.Token.RequiresAck {
			conn.Flow().Release(entry.Size)
			e.finish(entry.Token.ID, nil)
			e.signal()
		}
		return
	}

	if entry.Token.RequiresAck {
		e.mu.Lock()
		record := e.tracked[entry.Token.ID]
		owned := record != nil && record.conn == conn
		if owned {
			record.conn = nil
		}
		e.mu.Unlock()
		if !owned {
			// Acked, swept, or withdrawn first.
			return
		}
		e.scheduler.Ack(entry.Token.ID)
		conn.EndTransfer()
	}
	conn.Flow().Release(entry.Size)
	e.logger.Debug("write failed", "token", entry.Token.ID, "peer", entry.Peer, "error", err)
	e.retry(entry, err, e.backoff(entry.Retries))
}

// sweep treats attempts past their ack deadline as lost.
func (e *Engine) sweep() {
	for _, entry := range e.scheduler.Expired(e.clock.Now()) {
		e.mu.Lock()
		record := e.tracked[entry.Token.ID]
		var conn *pool.Conn
		if record != nil {
			conn = record.conn
			record.conn = nil
		}
		e.mu.Unlock()
		if conn != nil {
			conn.Flow().OnLoss(entry.Size)
			conn.EndTransfer()
		}
		if record == nil {
			continue
		}
		e.logger.Debug("acknowledgment timed out",
			"token", entry.Token.ID,
			"peer", entry.Peer,
			"attempt", entry.Retries+1,
		)
		e.retry(entry, ErrAckTimeout, 0)
	}
}

// retry queues another attempt after backoff, or fails the send once
// it has used MaxRetries retries.
func (e *Engine) retry(entry *scheduler.Entry, cause error, backoff time.Duration) {
	e.mu.Lock()
	_, live := e.tracked[entry.Token.ID]
	closed := e.closed
	e.mu.Unlock()
	if !live || closed {
		return
	}
	if entry.Retries >= e.config.MaxRetries {
		e.fail(entry, cause)
		return
	}
	e.scheduler.Reschedule(entry, backoff, e.clock.Now())
	e.signal()
}

func (e *Engine) backoff(retries int) time.Duration {
	delay := e.config.RetryBackoff
	for range retries {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

// connect dials peerID at address in the background unless a dial is
// already running. When the dial fails, the entries waiting for it
// are retried with backoff, or failed at once for certificate errors,
// which include finding another node at the address.
func (e *Engine) connect(peerID, address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connecting[peerID] {
		return
	}
	if e.spawnLocked(func() { e.dial(peerID, address) }) {
		e.connecting[peerID] = true
	}
}

func (e *Engine) dial(peerID, address string) {
	_, err := e.pool.Acquire(e.ctx, peerID, address)
	e.mu.Lock()
	delete(e.connecting, peerID)
	e.mu.Unlock()
	if err == nil {
		e.signal()
		return
	}
	if e.ctx.Err() != nil {
		return
	}

	certificate := transport.IsCertificateError(err)
	e.logger.Warn("connecting to peer failed", "peer", peerID, "address", address, "certificate", certificate, "error", err)
	waiting := e.scheduler.RemoveIf(func(entry *scheduler.Entry) bool {
		return entry.Peer == peerID && entry.Connection == 0
	})
	for _, entry := range waiting {
		if certificate || errors.Is(err, pool.ErrClosed) {
			e.fail(entry, err)
			continue
		}
		e.retry(entry, err, e.backoff(entry.Retries))
	}
}

// withdraw removes matching entries without reporting an outcome,
// returning the flow budget of any attempt in flight.
func (e *Engine) withdraw(match func(*scheduler.Entry) bool) {
	for _, entry := range e.scheduler.RemoveIf(match) {
		e.mu.Lock()
		record := e.tracked[entry.Token.ID]
		delete(e.tracked, entry.Token.ID)
		e.mu.Unlock()
		if record != nil && record.conn != nil {
			record.conn.Flow().Release(entry.Size)
			record.conn.EndTransfer()
		}
	}
}

// fail gives up on entry.
func (e *Engine) fail(entry *scheduler.Entry, cause error) {
	e.mu.Lock()
	record := e.tracked[entry.Token.ID]
	e.mu.Unlock()
	if record == nil {
		return
	}
	failure := &SendFailedError{
		TokenID: entry.Token.ID,
		Peer:    record.peer,
		Retries: entry.Retries,
		Err:     cause,
	}
	if e.finish(entry.Token.ID, failure) {
		e.metrics.recordFailure()
		e.logger.Warn("send failed", "token", entry.Token.ID, "peer", record.peer, "retries", entry.Retries, "error", cause)
		e.events.Publish(Event{Kind: EventDeliveryFailed, ID: entry.Token.ID, Peer: record.peer, Err: failure, At: e.clock.Now()})
	}
}

// finish reports the outcome for tokenID once. It returns false if
// the outcome was already reported.
func (e *Engine) finish(tokenID string, err error) bool {
	e.mu.Lock()
	record := e.tracked[tokenID]
	delete(e.tracked, tokenID)
	e.mu.Unlock()
	if record == nil {
		return false
	}
	record.done(err)
	return true
}
