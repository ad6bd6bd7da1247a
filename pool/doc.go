// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool maintains authenticated links to peers.
//
// A [Pool] bounds the number of connections it holds, counting
// inbound and outbound alike, and the number per peer. Connections
// are found by the node id in the peer's certificate, never by
// address: an address is only where to dial, and a dialed peer whose
// certificate names another node is rejected. When full, the pool
// evicts the least recently used idle connection to another peer;
// when nothing is idle, Acquire fails with [ErrPoolExhausted].
// Concurrent acquires of one peer share a single dial.
//
// Each [Conn] runs three goroutines: a send loop that writes control
// tokens ahead of data, a receive loop that hands tokens to the
// pool's [ReceiveFunc], and a heartbeat loop. A connection whose peer
// misses [Config.HeartbeatMisses] heartbeats in a row fails. Transient
// failures of established outbound connections are redialed with
// doubling backoff; certificate failures never are.
//
// Lifecycle changes are published as [Event] values to subscribers.
package pool
