// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pubsub fans events out to subscribers without letting a
// slow subscriber stall the publisher.
//
// Each [Subscription] owns a bounded channel. When it is full,
// [Hub.Publish] discards the subscription's oldest queued event to
// make room and counts the drop, so a subscriber that falls behind
// sees recent events rather than stale ones.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the queue length used when Subscribe is given a
// non-positive size.
const DefaultBuffer = 64

// Hub distributes events of type T. The zero value is not usable; call
// NewHub. A Hub is safe for concurrent use.
type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[*Subscription[T]]struct{}
	closed      bool
}

// NewHub returns a hub with no subscribers.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subscribers: make(map[*Subscription[T]]struct{})}
}

// Subscription is one subscriber's queue.
type Subscription[T any] struct {
	// C delivers events in publish order. It is closed by Cancel or
	// when the hub closes.
	C <-chan T

	channel chan T
	hub     *Hub[T]
	dropped atomic.Uint64
}

// Subscribe registers a subscriber with a queue of buffer events.
// Subscribing to a closed hub returns a subscription whose channel is
// already closed.
func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	channel := make(chan T, buffer)
	subscription := &Subscription[T]{C: channel, channel: channel, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(channel)
		return subscription
	}
	h.subscribers[subscription] = struct{}{}
	return subscription
}

// Publish delivers event to every subscriber without blocking.
func (h *Hub[T]) Publish(event T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for subscription := range h.subscribers {
		subscription.offer(event)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscription channel. Later publishes are
// discarded.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for subscription := range h.subscribers {
		close(subscription.channel)
	}
	clear(h.subscribers)
}

// Cancel unregisters the subscription and closes its channel.
func (s *Subscription[T]) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subscribers[s]; !ok {
		return
	}
	delete(s.hub.subscribers, s)
	close(s.channel)
}

// Dropped returns how many events were discarded because the queue
// was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// offer runs with the hub locked, which makes it the only sender.
func (s *Subscription[T]) offer(event T) {
	for {
		select {
		case s.channel <- event:
			return
		default:
		}
		select {
		case <-s.channel:
			s.dropped.Add(1)
		default:
			// The reader emptied the queue between the two selects.
		}
	}
}
