// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used on the wire.
//
// Tokens, stream chunk envelopes, handshake hellos, acknowledgments,
// and heartbeats are all CBOR. Encoding uses Core Deterministic
// Encoding (RFC 8949 §4.2), so the same value always produces the same
// bytes; the token model relies on that for its decode/encode
// idempotence. Decoding rejects trailing bytes after the top-level
// item and caps container sizes so a hostile peer cannot make a single
// frame allocate without bound.
//
// Consumers import lib/codec instead of fxamacker/cbor directly.
package codec
