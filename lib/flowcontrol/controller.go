// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// rttAlpha and rttBeta are the RFC 6298 smoothing gains, as
	// fractions over 8 and 4.
	rttAlphaShift = 3
	rttBetaShift  = 2

	minRetransmitTimeout = time.Second
)

// Config sizes a Controller's window, in bytes.
type Config struct {
	InitialWindow int64
	MaxWindow     int64

	// MinWindow floors the window after a loss. It must be at least the
	// largest single send, otherwise a shrunken window could never
	// admit it.
	MinWindow int64
}

// DefaultConfig returns windows sized for 64 KiB stream chunks.
func DefaultConfig() Config {
	return Config{
		InitialWindow: 256 << 10,
		MaxWindow:     16 << 20,
		MinWindow:     80 << 10,
	}
}

// Validate reports inconsistent window sizes.
func (c Config) Validate() error {
	var errs []error
	if c.MinWindow <= 0 {
		errs = append(errs, fmt.Errorf("min_window must be positive, got %d", c.MinWindow))
	}
	if c.InitialWindow < c.MinWindow {
		errs = append(errs, fmt.Errorf("initial_window %d is below min_window %d", c.InitialWindow, c.MinWindow))
	}
	if c.MaxWindow < c.InitialWindow {
		errs = append(errs, fmt.Errorf("max_window %d is below initial_window %d", c.MaxWindow, c.InitialWindow))
	}
	return errors.Join(errs...)
}

// State is a point-in-time view of a Controller.
type State struct {
	Window      int64
	Threshold   int64
	InFlight    int64
	Overflow    int64
	SmoothedRTT time.Duration
	RTTVariance time.Duration
}

// SlowStart reports whether the window is still below the threshold.
func (s State) SlowStart() bool { return s.Window < s.Threshold }

// Controller tracks one connection's congestion window. All methods
// are safe for concurrent use.
type Controller struct {
	config Config

	mu       sync.Mutex
	window   int64
	ssthresh int64
	inFlight int64
	overflow int64
	srtt     time.Duration
	rttvar   time.Duration
	sampled  bool
	changed  chan struct{}
}

// New returns a Controller in slow start.
func New(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("flowcontrol: %w", err)
	}
	return &Controller{
		config:   config,
		window:   config.InitialWindow,
		ssthresh: config.MaxWindow,
		changed:  make(chan struct{}),
	}, nil
}

// CanSend reports whether size more bytes fit in the window.
func (c *Controller) CanSend(size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fitsLocked(size)
}

// Reserve adds size to the in-flight total if it fits, atomically with
// the check. It reports whether the bytes were reserved.
func (c *Controller) Reserve(size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fitsLocked(size) {
		return false
	}
	c.inFlight += size
	return true
}

// Wait blocks until size bytes can be reserved, then reserves them.
func (c *Controller) Wait(ctx context.Context, size int64) error {
	if size > c.config.MaxWindow {
		return fmt.Errorf("flowcontrol: send of %d bytes exceeds max window %d", size, c.config.MaxWindow)
	}
	for {
		c.mu.Lock()
		if c.fitsLocked(size) {
			c.inFlight += size
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel closed at the next ack, loss, or release.
// Take a fresh channel after every wake-up.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// OnAck releases size acknowledged bytes, folds rtt into the smoothed
// estimate, and grows the window.
func (c *Controller) OnAck(size int64, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked(size)
	if rtt > 0 {
		c.sampleLocked(rtt)
	}
	if size > 0 {
		if c.window < c.ssthresh {
			c.window += size
		} else {
			c.window += max(1, size*size/c.window)
		}
		c.window = min(c.window, c.config.MaxWindow)
	}
	c.rebalanceLocked()
	c.notifyLocked()
}

// OnLoss releases size lost bytes and halves the window.
func (c *Controller) OnLoss(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked(size)
	c.ssthresh = max(c.window/2, c.config.MinWindow)
	c.window = c.ssthresh
	c.rebalanceLocked()
	c.notifyLocked()
}

// Release returns size bytes that left the connection without an
// acknowledgment being expected. The window is unchanged.
func (c *Controller) Release(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(size)
	c.rebalanceLocked()
	c.notifyLocked()
}

// ObserveRTT folds a round-trip sample that carried no data, such as
// a heartbeat reply, into the estimate.
func (c *Controller) ObserveRTT(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampleLocked(rtt)
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Window:      c.window,
		Threshold:   c.ssthresh,
		InFlight:    c.inFlight,
		Overflow:    c.overflow,
		SmoothedRTT: c.srtt,
		RTTVariance: c.rttvar,
	}
}

// SmoothedRTT returns the smoothed round-trip estimate, zero before
// the first sample.
func (c *Controller) SmoothedRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srtt
}

// RetransmitTimeout returns srtt + 4·rttvar, at least one second.
func (c *Controller) RetransmitTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sampled {
		return minRetransmitTimeout
	}
	return max(c.srtt+4*c.rttvar, minRetransmitTimeout)
}

func (c *Controller) fitsLocked(size int64) bool {
	return size >= 0 && c.inFlight+c.overflow+size <= c.window
}

// releaseLocked drains overflow before in-flight bytes.
func (c *Controller) releaseLocked(size int64) {
	if size <= 0 {
		return
	}
	fromOverflow := min(size, c.overflow)
	c.overflow -= fromOverflow
	c.inFlight = max(0, c.inFlight-(size-fromOverflow))
}

// rebalanceLocked keeps inFlight ≤ window, moving bytes between the
// in-flight count and overflow as the window changes.
func (c *Controller) rebalanceLocked() {
	if c.inFlight > c.window {
		c.overflow += c.inFlight - c.window
		c.inFlight = c.window
		return
	}
	shift := min(c.overflow, c.window-c.inFlight)
	c.inFlight += shift
	c.overflow -= shift
}

func (c *Controller) sampleLocked(rtt time.Duration) {
	if !c.sampled {
		c.srtt = rtt
		c.rttvar = rtt / 2
		c.sampled = true
		return
	}
	delta := c.srtt - rtt
	if delta < 0 {
		delta = -delta
	}
	c.rttvar += (delta - c.rttvar) >> rttBetaShift
	c.srtt += (rtt - c.srtt) >> rttAlphaShift
}

func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
