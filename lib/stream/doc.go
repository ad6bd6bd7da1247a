// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream splits payloads too large for one token into chunks
// and reassembles them on the receiving side.
//
// [Split] produces self-describing [Chunk] values: every chunk carries
// the stream id, its index, the chunk count, the declared total size,
// the logical token type, and a BLAKE3 digest of the whole payload, so
// whichever chunk arrives first can open the assembly. Chunk bodies
// may be compressed with LZ4 or zstd; a chunk that does not shrink is
// sent uncompressed.
//
// A [Reassembler] collects chunks per (sender, stream id). Chunks may
// arrive in any order and retransmitted duplicates are ignored. A
// stream whose chunks disagree about its shape, or that goes quiet for
// longer than the reassembly timeout, is evicted and reported as an
// [*Error].
package stream
