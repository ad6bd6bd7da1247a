// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package token defines the unit of data the transport moves between
// peers and its wire representation.
//
// A [Token] carries a type tag used for handler dispatch, the sender's
// node id, a [Priority], an acknowledgment flag, a creation timestamp,
// and an opaque payload. [Encode] produces a versioned, deterministic
// byte form (a version byte followed by a CBOR array); [Decode] is its
// strict inverse, so decode-then-encode reproduces the input exactly.
//
// On the wire every encoded token is sealed with XChaCha20-Poly1305
// ([Seal], [Open]) under a per-link [Key]. [DeriveKey] computes that
// key from both peers' certificates and a label unique to the live
// TLS session; the key sits in locked memory and is discarded with the
// link. Nonces are 24 random bytes per frame. A frame that fails
// authentication yields [ErrAuthentication] and is never retried.
//
// Types under the "bey." prefix ([TypeAck], [TypeHeartbeat],
// [TypeChunk]) are reserved for the transport itself.
package token
