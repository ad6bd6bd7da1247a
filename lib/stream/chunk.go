// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/bey/lib/codec"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// MaxChunkSize bounds the configurable chunk size so a chunk token
// always fits in one link frame.
const MaxChunkSize = 8 * 1024 * 1024

// Kind distinguishes data chunks from stream aborts.
type Kind uint8

const (
	KindData  Kind = 0
	KindAbort Kind = 1
)

// Digest is the BLAKE3-256 hash of a complete payload.
type Digest [32]byte

// Sum returns the digest of payload.
func Sum(payload []byte) Digest {
	return blake3.Sum256(payload)
}

// Chunk is one piece of a streamed payload, carried as the payload of
// a token.TypeChunk token.
type Chunk struct {
	_ struct{} `cbor:",toarray"`

	StreamID string
	Kind     Kind

	// Index is this chunk's position, from zero. Total is the number
	// of chunks in the stream.
	Index uint32
	Total uint32

	// TotalSize is the declared payload length; ChunkSize is the
	// uncompressed length of every chunk but the last.
	TotalSize uint64
	ChunkSize uint32

	// TokenType is the type the reassembled payload is delivered
	// under.
	TokenType string

	Digest      Digest
	Compression Compression
	Data        []byte

	// Reason explains an abort.
	Reason string
}

// Split cuts payload into chunks of at most chunkSize bytes. Each
// chunk body is compressed with compression when that makes it
// smaller. An empty payload yields one empty chunk.
func Split(streamID, tokenType string, payload []byte, chunkSize int, compression Compression) ([]Chunk, error) {
	if streamID == "" {
		return nil, fmt.Errorf("stream: empty stream id")
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("stream: chunk size %d out of range (1..%d)", chunkSize, MaxChunkSize)
	}

	total := chunkCount(uint64(len(payload)), uint32(chunkSize))
	if total > uint64(^uint32(0)) {
		return nil, fmt.Errorf("stream: payload of %d bytes needs too many chunks", len(payload))
	}
	digest := Sum(payload)

	chunks := make([]Chunk, 0, total)
	for index := range total {
		start := index * uint64(chunkSize)
		end := min(start+uint64(chunkSize), uint64(len(payload)))
		body, tag, err := compress(payload[start:end], compression)
		if err != nil {
			return nil, fmt.Errorf("stream: compressing chunk %d: %w", index, err)
		}
		chunks = append(chunks, Chunk{
			StreamID:    streamID,
			Kind:        KindData,
			Index:       uint32(index),
			Total:       uint32(total),
			TotalSize:   uint64(len(payload)),
			ChunkSize:   uint32(chunkSize),
			TokenType:   tokenType,
			Digest:      digest,
			Compression: tag,
			Data:        body,
		})
	}
	return chunks, nil
}

// Abort builds the chunk that tells the receiver to drop a stream.
func Abort(streamID, tokenType, reason string) Chunk {
	return Chunk{StreamID: streamID, Kind: KindAbort, TokenType: tokenType, Reason: reason}
}

// EncodeChunk serializes a chunk for a token payload.
func EncodeChunk(chunk Chunk) ([]byte, error) {
	data, err := codec.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("stream: encoding chunk: %w", err)
	}
	return data, nil
}

// DecodeChunk parses a chunk token payload.
func DecodeChunk(data []byte) (Chunk, error) {
	var chunk Chunk
	if err := codec.Unmarshal(data, &chunk); err != nil {
		return Chunk{}, fmt.Errorf("stream: decoding chunk: %w", err)
	}
	return chunk, nil
}

func chunkCount(totalSize uint64, chunkSize uint32) uint64 {
	if totalSize == 0 {
		return 1
	}
	return (totalSize + uint64(chunkSize) - 1) / uint64(chunkSize)
}

// rawLength is the uncompressed length chunk index must have.
func rawLength(index uint32, total uint32, totalSize uint64, chunkSize uint32) int {
	if index+1 < total {
		return int(chunkSize)
	}
	return int(totalSize - uint64(total-1)*uint64(chunkSize))
}
