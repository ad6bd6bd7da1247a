// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package flowcontrol implements per-connection, TCP-style congestion
// control for token sends.
//
// A [Controller] starts in slow start with the configured initial
// window and a slow-start threshold equal to the maximum window. Every
// acknowledged send grows the window: by the acknowledged size while
// below the threshold, by size²/window above it, never past the
// maximum. A loss halves the window (ssthresh = cwnd/2, cwnd =
// ssthresh), floored at the minimum window so a connection can always
// carry one full chunk.
//
// Bytes still in flight when the window shrinks are carried as
// overflow: they are not counted against the reported in-flight total
// but must drain before any new send is admitted. The observable
// invariant InFlight ≤ Window therefore holds after every operation.
//
// Callers that are denied budget do not poll. They wait on [Controller.Changed]
// (or call [Controller.Wait]), which fires on the next ack, loss, or
// release.
package flowcontrol
