// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by every timer in the
// transport: ack deadlines, heartbeat tickers, idle sweeps, reconnect
// backoff, and stream reassembly timeouts.
//
// Components hold a [Clock] field instead of calling the time package
// directly. Production wiring passes [Real]; tests pass [Fake] and move
// time forward with [FakeClock.Advance]:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	reassembler := stream.NewReassembler(stream.ReassemblerConfig{Clock: c, ...})
//	c.WaitForTimers(1)          // a stream timer is armed
//	c.Advance(30 * time.Second) // the stream expires deterministically
//
// [FakeClock.WaitForTimers] closes the race between a goroutine arming
// a timer and the test advancing past it.
package clock
