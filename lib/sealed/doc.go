// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed keeps node private keys encrypted at rest with age.
// It wraps filippo.io/age for the operations a node needs: generate
// x25519 keypairs, seal a key file to multiple recipients, and open
// it again with an age identity file.
//
// Sealed files are standard age files, binary or PEM-armored, so they
// interoperate with the age command line tool. Private keys and
// decrypted plaintext are returned as [secret.Buffer] values backed by
// mmap memory outside the Go heap (locked against swap, excluded from
// core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [Seal] -- encrypt to age public key recipients
//   - [Open] / [OpenFile] -- decrypt with an identity
//   - [ReadIdentityFile] -- load an age identity file
//
// Used by cmd/bey-seal to seal keys and by cmd/bey-node to load them.
package sealed
