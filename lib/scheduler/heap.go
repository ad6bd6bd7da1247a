// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"cmp"
	"slices"
)

// entryHeap implements heap.Interface over entries with a pluggable
// order. Each entry records its position so it can be removed by id.
type entryHeap struct {
	entries []*Entry
	less    func(a, b *Entry) bool
}

func newPriorityHeap() *entryHeap { return &entryHeap{less: byPriority} }

func newBackoffHeap() *entryHeap { return &entryHeap{less: byNotBefore} }

// byPriority puts higher priority first, then lower sequence.
func byPriority(a, b *Entry) bool {
	if a.Token.Priority != b.Token.Priority {
		return a.Token.Priority > b.Token.Priority
	}
	return a.sequence < b.sequence
}

func byNotBefore(a, b *Entry) bool {
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.sequence < b.sequence
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool { return h.less(h.entries[i], h.entries[j]) }

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*Entry)
	entry.index = len(h.entries)
	entry.heap = h
	h.entries = append(h.entries, entry)
}

func (h *entryHeap) Pop() any {
	last := len(h.entries) - 1
	entry := h.entries[last]
	h.entries[last] = nil
	entry.index = -1
	entry.heap = nil
	h.entries = h.entries[:last]
	return entry
}

func (h *entryHeap) peek() *Entry { return h.entries[0] }

func sortByDeadline(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		if c := a.Deadline.Compare(b.Deadline); c != 0 {
			return c
		}
		return cmp.Compare(a.sequence, b.sequence)
	})
}
