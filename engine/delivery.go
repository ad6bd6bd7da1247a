// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Delivery tracks the outcome of one send. It completes when the
// token is acknowledged, or written if it did not ask for an ack, or
// when the engine gives up on it.
type Delivery struct {
	// ID is the token id, or the stream id for streamed payloads.
	ID   string
	Peer string

	once sync.Once
	done chan struct{}
	err  error
}

func newDelivery(id, peer string) *Delivery {
	return &Delivery{ID: id, Peer: peer, done: make(chan struct{})}
}

// Done is closed when the outcome is known.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns the failure, or nil for success or while still pending.
// Failures unwrap to *SendFailedError.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the delivery completes or ctx ends.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Delivery) complete(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// StreamDelivery tracks a chunked payload. It completes once every
// chunk is delivered, or fails with the first chunk that cannot be.
type StreamDelivery struct {
	*Delivery

	StreamID string
	Chunks   int
}

// GroupDelivery tracks one payload sent to several peers.
type GroupDelivery struct {
	// Deliveries maps peer id to its delivery.
	Deliveries map[string]*Delivery

	// Rejected maps peer id to the reason its send never started.
	Rejected map[string]error
}

// Wait blocks until every delivery completes and returns the first
// failure, including rejected peers.
func (g *GroupDelivery) Wait(ctx context.Context) error {
	var group errgroup.Group
	for _, delivery := range g.Deliveries {
		group.Go(func() error { return delivery.Wait(ctx) })
	}
	err := group.Wait()
	if err != nil {
		return err
	}
	for _, rejected := range g.Rejected {
		return rejected
	}
	return nil
}

// Failed returns the peers whose delivery failed, with the cause.
// Deliveries still pending are not included.
func (g *GroupDelivery) Failed() map[string]error {
	failed := make(map[string]error)
	for peer, err := range g.Rejected {
		failed[peer] = err
	}
	for peer, delivery := range g.Deliveries {
		if err := delivery.Err(); err != nil {
			failed[peer] = err
		}
	}
	return failed
}
