// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connstate tracks the lifecycle of one link to a peer.
//
// A [Machine] moves through
//
//	Idle → Connecting → Connected → Authenticating → Authenticated ⇄ Transferring → Closing → Closed
//
// with Error reachable from every state before Closed and leading only
// to Closed. A machine never leaves Closed; reconnecting means building
// a new machine. Failures recorded through [Machine.Fail] keep their
// cause, and certificate failures mark the machine non-retryable so
// the pool does not redial a peer whose identity was rejected.
package connstate
