// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (no swap) and
// excluded from core dumps. The garbage collector never copies it, and
// Close zeroes it before unmapping. Per-link token keys and decrypted
// node private keys live in Buffers for exactly as long as they are
// needed.
//
// [ReadFile] loads a file (or stdin for "-") straight into a Buffer,
// trimming surrounding whitespace and zeroing the heap copy.
package secret
