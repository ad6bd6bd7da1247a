// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine delivers tokens between peers over the connection
// pool.
//
// [Engine.Send] returns a [Delivery] at once. A dispatcher goroutine
// takes pending sends from a priority scheduler, highest priority
// first and FIFO within a priority, and writes each to a connection
// whose congestion window has room for it. Payloads larger than the
// chunk size travel as a stream of chunk tokens and are reassembled
// by the receiver before its handler sees them.
//
// Tokens that require an acknowledgment are retried when none arrives
// within the ack timeout; after MaxRetries retries the delivery fails
// with a [*SendFailedError]. A lost attempt halves its connection's
// window. Certificate failures are never retried.
//
// Inbound tokens are acknowledged on receipt and dispatched to the
// [Handler] registered for their type by a pool of workers. Tokens
// from one connection always reach handlers in arrival order.
// Delivery is at least once: a handler may see a retransmitted token
// again. A [Receiver] queues inbound tokens for callers that prefer to
// pull them, filtered by type and minimum priority.
//
// Peers are addressed by node id. A token is only written to a
// connection whose certificate names its peer, addresses learned from
// inbound connections are dial hints, and an inbound token whose
// sender differs from its link's certificate is dropped as a protocol
// error.
package engine
