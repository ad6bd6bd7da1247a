// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connstate

import (
	"sync"
	"time"

	"github.com/bureau-foundation/bey/lib/clock"
)

// historyLimit bounds the transitions a Machine remembers.
const historyLimit = 100

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Machine is the state of one connection. It is safe for concurrent
// use.
type Machine struct {
	clock clock.Clock

	mu          sync.Mutex
	state       State
	err         error
	certificate bool
	history     []Transition
	done        chan struct{}
}

// New returns a machine in Idle. A nil clock means the wall clock.
func New(c clock.Clock) *Machine {
	if c == nil {
		c = clock.Real()
	}
	return &Machine{clock: c, done: make(chan struct{})}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state, or returns a *TransitionError
// and leaves the state unchanged.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, reason)
}

// TransitionFrom moves from → to only if the machine is currently in
// from. It reports whether it moved; a machine in another state is
// left alone without error.
func (m *Machine) TransitionFrom(from, to State, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false, nil
	}
	if err := m.transitionLocked(to, reason); err != nil {
		return false, err
	}
	return true, nil
}

// Fail moves to Error and records err as the cause. A certificate
// failure makes the machine non-retryable. Failing a machine already
// in Error or Closed returns a *TransitionError and keeps the first
// cause.
func (m *Machine) Fail(err error, certificate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if transitionErr := m.transitionLocked(Error, reason); transitionErr != nil {
		return transitionErr
	}
	m.err = err
	m.certificate = certificate
	return nil
}

// Err returns the cause recorded by Fail, or nil.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Retryable reports whether a replacement connection may be dialed
// after this one failed. Certificate failures are never retried.
func (m *Machine) Retryable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.certificate
}

// CertificateFailure reports whether the machine failed verification.
func (m *Machine) CertificateFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.certificate
}

// Healthy reports whether the connection can carry tokens.
func (m *Machine) Healthy() bool {
	return m.State().Healthy()
}

// History returns recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Done is closed when the machine reaches Closed.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) transitionLocked(to State, reason string) error {
	from := m.state
	if !validTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	m.state = to
	if len(m.history) == historyLimit {
		copy(m.history, m.history[1:])
		m.history = m.history[:historyLimit-1]
	}
	m.history = append(m.history, Transition{From: from, To: to, Reason: reason, At: m.clock.Now()})
	if to == Closed {
		close(m.done)
	}
	return nil
}
