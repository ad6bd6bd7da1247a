// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler orders pending outbound tokens.
//
// A [Scheduler] holds [Entry] values in three places. Entries waiting
// to be written sit in one max-heap per peer, ordered by priority and
// then by enqueue order, so tokens of one priority leave first-in
// first-out. Entries serving a retry backoff wait in a heap ordered by
// release time and join their peer's queue once it passes.
// [Scheduler.DequeueReady] offers the head of each peer queue to a
// budget check, best first, and returns the first that has
// flow-control budget. A congested peer therefore costs one check per
// call however many entries it has queued. Entries
// written with an acknowledgment requested move to the in-flight set
// with a deadline ([Scheduler.MarkSent]); the retry sweep collects
// them with [Scheduler.Expired] and either re-queues them
// ([Scheduler.Reschedule]) or gives up.
//
// There is no aging: a steady stream of Critical tokens can hold Low
// tokens back indefinitely.
package scheduler
