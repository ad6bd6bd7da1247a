// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/bey/lib/clock"
)

// DefaultReassemblyTimeout is how long an assembly may go without a
// new chunk before it is evicted.
const DefaultReassemblyTimeout = 60 * time.Second

// DefaultMaxChunks bounds the chunk count a stream may declare when no
// limit is configured: 64 GiB at the default chunk size.
const DefaultMaxChunks = 1 << 20

// Object is a reassembled payload.
type Object struct {
	StreamID  string
	TokenType string
	Sender    string
	Payload   []byte
}

// ReassemblerConfig configures a Reassembler.
type ReassemblerConfig struct {
	// Timeout evicts an assembly this long after its latest chunk.
	// Zero means DefaultReassemblyTimeout.
	Timeout time.Duration

	// MaxStreamSize rejects streams declaring a larger total size.
	// Zero means unbounded.
	MaxStreamSize uint64

	// MaxChunks rejects streams declaring more chunks. Zero means
	// DefaultMaxChunks.
	MaxChunks uint32

	// OnFailure receives assemblies evicted by timeout or by Close.
	// It runs without the reassembler's lock held. Optional.
	OnFailure func(*Error)

	Clock clock.Clock
}

type assemblyKey struct {
	sender   string
	streamID string
}

// assembly is one stream under reassembly.
type assembly struct {
	tokenType string
	total     uint32
	totalSize uint64
	chunkSize uint32
	digest    Digest

	// parts holds received chunk bodies by index. It grows with the
	// chunks that arrive, never with the count a chunk declares.
	parts     map[uint32][]byte
	received  int
	bytes     uint64
	lastChunk time.Time
	timer     *clock.Timer
}

// Reassembler is safe for concurrent use.
type Reassembler struct {
	config ReassemblerConfig

	mu         sync.Mutex
	assemblies map[assemblyKey]*assembly
	closed     bool
}

// NewReassembler returns an empty Reassembler.
func NewReassembler(config ReassemblerConfig) *Reassembler {
	if config.Timeout <= 0 {
		config.Timeout = DefaultReassemblyTimeout
	}
	if config.MaxChunks == 0 {
		config.MaxChunks = DefaultMaxChunks
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Reassembler{
		config:     config,
		assemblies: make(map[assemblyKey]*assembly),
	}
}

// Accept adds one chunk from sender. It returns the object when the
// chunk completes its stream and nil otherwise. Duplicate chunks are
// ignored. A chunk that cannot belong to its stream evicts the
// assembly and returns an *Error.
func (r *Reassembler) Accept(chunk Chunk, sender string) (*Object, error) {
	key := assemblyKey{sender: sender, streamID: chunk.StreamID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, r.failure(key, chunk.TokenType, nil, ErrClosed)
	}

	current := r.assemblies[key]
	if chunk.Kind == KindAbort {
		r.evictLocked(key, current)
		reason := ErrAborted
		if chunk.Reason != "" {
			reason = fmt.Errorf("%w: %s", ErrAborted, chunk.Reason)
		}
		return nil, r.failure(key, chunk.TokenType, current, reason)
	}

	if err := r.checkShape(chunk); err != nil {
		r.evictLocked(key, current)
		return nil, r.failure(key, chunk.TokenType, current, err)
	}

	if current == nil {
		current = &assembly{
			tokenType: chunk.TokenType,
			total:     chunk.Total,
			totalSize: chunk.TotalSize,
			chunkSize: chunk.ChunkSize,
			digest:    chunk.Digest,
			parts:     make(map[uint32][]byte),
		}
		current.timer = r.config.Clock.AfterFunc(r.config.Timeout, func() { r.expire(key) })
		r.assemblies[key] = current
	} else if !current.matches(chunk) {
		r.evictLocked(key, current)
		return nil, r.failure(key, chunk.TokenType, current,
			fmt.Errorf("%w: chunk %d disagrees with the first chunk's metadata", ErrMismatch, chunk.Index))
	}

	current.lastChunk = r.config.Clock.Now()
	current.timer.Reset(r.config.Timeout)

	if _, ok := current.parts[chunk.Index]; ok {
		return nil, nil
	}

	data, err := decompress(chunk.Data, chunk.Compression,
		rawLength(chunk.Index, chunk.Total, chunk.TotalSize, chunk.ChunkSize))
	if err != nil {
		r.evictLocked(key, current)
		return nil, r.failure(key, chunk.TokenType, current, fmt.Errorf("%w: chunk %d: %w", ErrOverflow, chunk.Index, err))
	}
	if current.bytes+uint64(len(data)) > current.totalSize {
		r.evictLocked(key, current)
		return nil, r.failure(key, chunk.TokenType, current, ErrOverflow)
	}
	current.parts[chunk.Index] = data
	current.received++
	current.bytes += uint64(len(data))

	if current.received < int(current.total) {
		return nil, nil
	}

	r.evictLocked(key, current)
	payload := make([]byte, 0, current.totalSize)
	for index := range current.total {
		payload = append(payload, current.parts[index]...)
	}
	if Sum(payload) != current.digest {
		return nil, r.failure(key, current.tokenType, current, ErrDigest)
	}
	return &Object{
		StreamID:  chunk.StreamID,
		TokenType: current.tokenType,
		Sender:    sender,
		Payload:   payload,
	}, nil
}

// Active returns the number of incomplete assemblies.
func (r *Reassembler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assemblies)
}

// Close fails every incomplete assembly with ErrClosed through
// OnFailure. Later chunks are refused.
func (r *Reassembler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var failures []*Error
	for key, current := range r.assemblies {
		r.evictLocked(key, current)
		failures = append(failures, r.failure(key, current.tokenType, current, ErrClosed))
	}
	r.mu.Unlock()

	r.report(failures...)
}

// checkShape validates a chunk on its own, before comparing it with
// the rest of its stream.
func (r *Reassembler) checkShape(chunk Chunk) error {
	switch {
	case chunk.StreamID == "":
		return fmt.Errorf("%w: empty stream id", ErrMismatch)
	case chunk.ChunkSize == 0 || chunk.ChunkSize > MaxChunkSize:
		return fmt.Errorf("%w: chunk size %d out of range", ErrMismatch, chunk.ChunkSize)
	case chunk.Total == 0 || chunk.Index >= chunk.Total:
		return fmt.Errorf("%w: index %d of %d", ErrMismatch, chunk.Index, chunk.Total)
	case chunk.Total > r.config.MaxChunks:
		return fmt.Errorf("%w: declared %d chunks, limit %d", ErrOverflow, chunk.Total, r.config.MaxChunks)
	case uint64(chunk.Total) != chunkCount(chunk.TotalSize, chunk.ChunkSize):
		return fmt.Errorf("%w: %d chunks cannot carry %d bytes in %d-byte chunks",
			ErrMismatch, chunk.Total, chunk.TotalSize, chunk.ChunkSize)
	case r.config.MaxStreamSize > 0 && chunk.TotalSize > r.config.MaxStreamSize:
		return fmt.Errorf("%w: declared %d bytes, limit %d", ErrOverflow, chunk.TotalSize, r.config.MaxStreamSize)
	}
	return nil
}

func (a *assembly) matches(chunk Chunk) bool {
	return chunk.Total == a.total &&
		chunk.TotalSize == a.totalSize &&
		chunk.ChunkSize == a.chunkSize &&
		chunk.TokenType == a.tokenType &&
		chunk.Digest == a.digest
}

// expire runs on the assembly's timer.
func (r *Reassembler) expire(key assemblyKey) {
	r.mu.Lock()
	current := r.assemblies[key]
	if current == nil || r.config.Clock.Now().Sub(current.lastChunk) < r.config.Timeout {
		// Completed, evicted, or refreshed since the timer was armed.
		r.mu.Unlock()
		return
	}
	r.evictLocked(key, current)
	failure := r.failure(key, current.tokenType, current, ErrTimeout)
	r.mu.Unlock()

	r.report(failure)
}

func (r *Reassembler) evictLocked(key assemblyKey, current *assembly) {
	if current == nil {
		return
	}
	if current.timer != nil {
		current.timer.Stop()
	}
	if r.assemblies[key] == current {
		delete(r.assemblies, key)
	}
}

func (r *Reassembler) failure(key assemblyKey, tokenType string, current *assembly, cause error) *Error {
	failure := &Error{
		StreamID:  key.streamID,
		TokenType: tokenType,
		Sender:    key.sender,
		Err:       cause,
	}
	if current != nil {
		failure.Received = current.received
		failure.Total = int(current.total)
	}
	return failure
}

func (r *Reassembler) report(failures ...*Error) {
	if r.config.OnFailure == nil {
		return
	}
	for _, failure := range failures {
		r.config.OnFailure(failure)
	}
}

// IsStreamError reports whether err is or wraps an *Error.
func IsStreamError(err error) bool {
	var streamErr *Error
	return errors.As(err, &streamErr)
}
