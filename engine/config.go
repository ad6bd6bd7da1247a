// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/pool"
)

// envelopeOverhead bounds the framing around a token payload: the
// encoded token fields, the seal, and the length prefix. A send is
// charged its payload length plus this against the flow window.
const envelopeOverhead = 1024

// Config holds engine tunables.
type Config struct {
	Pool pool.Config

	// ChunkSize is the largest payload sent as a single token; larger
	// payloads are streamed in chunks of this size.
	ChunkSize   int
	Compression stream.Compression

	// AckTimeout is how long one attempt waits for its acknowledgment.
	// A token that requires one fails after MaxRetries further
	// attempts, so after about AckTimeout × (MaxRetries+1).
	AckTimeout time.Duration
	MaxRetries int

	// RetryBackoff delays a retry after a failed write or dial. It
	// doubles with each retry.
	RetryBackoff time.Duration

	// SweepInterval is the period of the acknowledgment timeout sweep.
	SweepInterval time.Duration

	ReassemblyTimeout time.Duration
	MaxStreamSize     uint64

	// MaxSendRate caps outgoing bytes per second across all
	// connections. Zero means unlimited.
	MaxSendRate float64

	// HandlerWorkers is the number of handler goroutines. Tokens from
	// one connection always go to the same worker, in order.
	HandlerWorkers int
	HandlerQueue   int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Pool:              pool.DefaultConfig(),
		ChunkSize:         stream.DefaultChunkSize,
		Compression:       stream.CompressionNone,
		AckTimeout:        5 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
		SweepInterval:     100 * time.Millisecond,
		ReassemblyTimeout: stream.DefaultReassemblyTimeout,
		MaxStreamSize:     1 << 30,
		HandlerWorkers:    8,
		HandlerQueue:      64,
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > stream.MaxChunkSize {
		errs = append(errs, fmt.Errorf("stream_chunk_size must be in (0, %d], got %d", stream.MaxChunkSize, c.ChunkSize))
	}
	if minimum := int64(c.ChunkSize) + 2*envelopeOverhead; c.Pool.Flow.MinWindow < minimum {
		errs = append(errs, fmt.Errorf("min_window %d cannot carry one chunk; need at least %d", c.Pool.Flow.MinWindow, minimum))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, errors.New("ack_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.RetryBackoff <= 0 {
		errs = append(errs, errors.New("retry backoff must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.ReassemblyTimeout <= 0 {
		errs = append(errs, errors.New("reassembly_timeout must be positive"))
	}
	if c.MaxSendRate < 0 {
		errs = append(errs, fmt.Errorf("max_send_rate must not be negative, got %v", c.MaxSendRate))
	}
	if c.HandlerWorkers <= 0 {
		errs = append(errs, fmt.Errorf("handler_workers must be positive, got %d", c.HandlerWorkers))
	}
	if c.HandlerQueue <= 0 {
		errs = append(errs, fmt.Errorf("handler queue must be positive, got %d", c.HandlerQueue))
	}
	return errors.Join(errs...)
}
