// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"container/heap"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/bey/lib/token"
)

// Entry is one pending send.
type Entry struct {
	Token token.Token

	// Peer is the node id the token is bound for. Entries for one peer
	// share a queue; empty Peer falls back to Address.
	Peer string

	// Address is where to dial Peer when no connection exists.
	Address string

	// Size is the flow-control charge of one attempt.
	Size int64

	// Connection identifies the connection carrying the current
	// attempt; zero before the first write.
	Connection uint64

	EnqueuedAt time.Time
	Retries    int

	// NotBefore holds the entry back until its retry backoff ends.
	NotBefore time.Time

	// SentAt and Deadline describe the attempt awaiting an ack.
	SentAt   time.Time
	Deadline time.Time

	sequence uint64
	index    int
	heap     *entryHeap
}

func (e *Entry) route() string {
	if e.Peer != "" {
		return e.Peer
	}
	return e.Address
}

// Scheduler is safe for concurrent use. Budget callbacks passed to
// DequeueReady run with the scheduler locked and must not call back
// into it.
type Scheduler struct {
	mu       sync.Mutex
	routes   map[string]*entryHeap
	backoff  *entryHeap
	inFlight map[string]*Entry
	known    map[string]*Entry
	sequence uint64
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		routes:   make(map[string]*entryHeap),
		backoff:  newBackoffHeap(),
		inFlight: make(map[string]*Entry),
		known:    make(map[string]*Entry),
	}
}

// Enqueue queues a new entry. Token ids must be unique among pending
// entries.
func (s *Scheduler) Enqueue(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.known[entry.Token.ID]; exists {
		return fmt.Errorf("scheduler: token %s is already pending", entry.Token.ID)
	}
	s.sequence++
	entry.sequence = s.sequence
	s.known[entry.Token.ID] = entry
	s.queueLocked(entry)
	return nil
}

// DequeueReady removes and returns the highest-priority entry that is
// past its backoff and for which budget reports true. It returns nil
// when no queued entry qualifies.
//
// Only the head of each peer's queue is offered to budget: an entry
// denied budget holds back the lower-priority entries behind it for
// the same peer, which would be written to the same connection.
// Entries still in backoff wait aside and never hold anything back.
func (s *Scheduler) DequeueReady(now time.Time, budget func(*Entry) bool) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.backoff.Len() > 0 && !s.backoff.peek().NotBefore.After(now) {
		s.pushRouteLocked(heap.Pop(s.backoff).(*Entry))
	}

	heads := make([]*Entry, 0, len(s.routes))
	for _, queue := range s.routes {
		heads = append(heads, queue.peek())
	}
	slices.SortFunc(heads, func(a, b *Entry) int {
		if byPriority(a, b) {
			return -1
		}
		return 1
	})
	for _, head := range heads {
		if budget(head) {
			s.unqueueLocked(head)
			delete(s.known, head.Token.ID)
			return head
		}
	}
	return nil
}

// MarkSent records an attempt written at sentAt and keeps the entry
// in flight until Ack or until deadline passes.
func (s *Scheduler) MarkSent(entry *Entry, sentAt, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.SentAt = sentAt
	entry.Deadline = deadline
	s.known[entry.Token.ID] = entry
	s.inFlight[entry.Token.ID] = entry
}

// Reschedule re-queues an entry for another attempt after backoff. The
// retry count is incremented; the entry keeps its original place among
// entries of its priority.
func (s *Scheduler) Reschedule(entry *Entry, backoff time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, entry.Token.ID)
	s.unqueueLocked(entry)
	entry.Retries++
	entry.NotBefore = now.Add(backoff)
	entry.Connection = 0
	s.known[entry.Token.ID] = entry
	if backoff <= 0 {
		s.pushRouteLocked(entry)
		return
	}
	heap.Push(s.backoff, entry)
}

// Ack removes the entry for tokenID wherever it is pending.
func (s *Scheduler) Ack(tokenID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.known[tokenID]
	if !ok {
		return nil, false
	}
	s.removeLocked(entry)
	return entry, true
}

// Expired removes and returns in-flight entries whose deadline is at
// or before now, oldest deadline first.
func (s *Scheduler) Expired(now time.Time) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*Entry
	for _, entry := range s.inFlight {
		if !entry.Deadline.After(now) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		s.removeLocked(entry)
	}
	sortByDeadline(expired)
	return expired
}

// RemoveIf removes and returns every pending entry, queued or in
// flight, for which match reports true.
func (s *Scheduler) RemoveIf(match func(*Entry) bool) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*Entry
	for _, entry := range s.known {
		if match(entry) {
			removed = append(removed, entry)
		}
	}
	for _, entry := range removed {
		s.removeLocked(entry)
	}
	return removed
}

// Drain removes and returns everything pending.
func (s *Scheduler) Drain() []*Entry {
	return s.RemoveIf(func(*Entry) bool { return true })
}

// Len returns the number of queued entries, excluding those in flight.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.backoff.Len()
	for _, queue := range s.routes {
		count += queue.Len()
	}
	return count
}

// InFlight returns the number of entries awaiting acknowledgment.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// queueLocked places a newly known entry in the backoff heap or its
// peer's queue.
func (s *Scheduler) queueLocked(entry *Entry) {
	if entry.NotBefore.IsZero() {
		s.pushRouteLocked(entry)
		return
	}
	heap.Push(s.backoff, entry)
}

func (s *Scheduler) pushRouteLocked(entry *Entry) {
	key := entry.route()
	queue := s.routes[key]
	if queue == nil {
		queue = newPriorityHeap()
		s.routes[key] = queue
	}
	heap.Push(queue, entry)
}

// unqueueLocked takes entry out of whichever heap holds it, dropping
// a peer queue that empties.
func (s *Scheduler) unqueueLocked(entry *Entry) {
	queue := entry.heap
	if queue == nil {
		return
	}
	heap.Remove(queue, entry.index)
	if queue != s.backoff && queue.Len() == 0 {
		delete(s.routes, entry.route())
	}
}

func (s *Scheduler) removeLocked(entry *Entry) {
	delete(s.known, entry.Token.ID)
	delete(s.inFlight, entry.Token.ID)
	s.unqueueLocked(entry)
}
