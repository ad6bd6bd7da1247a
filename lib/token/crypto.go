// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/bey/lib/secret"
)

// KeySize is the size of a link key.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the size of an XChaCha20-Poly1305 nonce.
const NonceSize = chacha20poly1305.NonceSizeX

// SealVersion is the first byte of a sealed frame and is bound into
// the AEAD as associated data.
const SealVersion byte = 0x01

// SealOverhead is the size a sealed frame adds to its plaintext:
// version, nonce, and Poly1305 tag.
const SealOverhead = 1 + NonceSize + chacha20poly1305.Overhead

// hkdfInfoLink separates link keys from any other use of the same
// certificate material.
var hkdfInfoLink = []byte("bey.token.v1")

// ErrAuthentication is returned when a frame fails AEAD verification:
// wrong key, tampered ciphertext, or a corrupted nonce.
var ErrAuthentication = errors.New("token: message authentication failed")

// Key is a link's symmetric key. It is held in locked memory when the
// process may lock pages, and on the heap otherwise.
type Key struct {
	mu     sync.Mutex
	locked *secret.Buffer
	heap   []byte
	closed bool
}

// NewKey takes ownership of material, which must be KeySize bytes.
// material is zeroed when it can be moved into locked memory.
func NewKey(material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("token: key is %d bytes, want %d", len(material), KeySize)
	}
	buffer, err := secret.NewFromBytes(material)
	if err != nil {
		// RLIMIT_MEMLOCK exhausted: keep a private heap copy.
		heap := bytes.Clone(material)
		secret.Zero(material)
		return &Key{heap: heap}, nil
	}
	return &Key{locked: buffer}, nil
}

// Locked reports whether the key lives in locked memory.
func (k *Key) Locked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.locked != nil
}

// Close wipes the key. Further use returns an error.
func (k *Key) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	if k.locked != nil {
		return k.locked.Close()
	}
	secret.Zero(k.heap)
	k.heap = nil
	return nil
}

// aead builds the cipher under the key lock.
func (k *Key) aead() (cipher.AEAD, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, errors.New("token: key is closed")
	}
	material := k.heap
	if k.locked != nil {
		material = k.locked.Bytes()
	}
	return chacha20poly1305.NewX(material)
}

// DeriveKey computes the link key shared by two peers. The input key
// material is a BLAKE3 hash over both DER certificates, sorted so
// either end computes the same value; linkLabel (exported keying
// material of the TLS session) salts HKDF-SHA256 so every connection
// gets a fresh key.
func DeriveKey(localCertificate, peerCertificate, linkLabel []byte) (*Key, error) {
	if len(localCertificate) == 0 || len(peerCertificate) == 0 {
		return nil, errors.New("token: deriving link key: missing certificate")
	}
	if len(linkLabel) == 0 {
		return nil, errors.New("token: deriving link key: empty link label")
	}

	first, second := localCertificate, peerCertificate
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	hasher := blake3.New()
	var length [4]byte
	for _, certificate := range [][]byte{first, second} {
		binary.BigEndian.PutUint32(length[:], uint32(len(certificate)))
		hasher.Write(length[:])
		hasher.Write(certificate)
	}
	inputKeyMaterial := hasher.Sum(nil)

	material := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, inputKeyMaterial, linkLabel, hkdfInfoLink)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, fmt.Errorf("token: deriving link key: %w", err)
	}
	secret.Zero(inputKeyMaterial)
	return NewKey(material)
}

// NewNonce returns NonceSize bytes from crypto/rand.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("token: generating nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under key and nonce, authenticating
// additional. Callers must never reuse a nonce with the same key;
// Seal handles that by drawing a fresh random nonce per frame.
func Encrypt(key *Key, nonce, plaintext, additional []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("token: nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	aead, err := key.aead()
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additional), nil
}

// Decrypt is the inverse of Encrypt. Any verification failure is
// ErrAuthentication.
func Decrypt(key *Key, nonce, ciphertext, additional []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("token: nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	aead, err := key.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Seal encrypts plaintext into a self-describing frame:
//
//	[SealVersion 1B] [nonce 24B] [ciphertext + tag]
func Seal(key *Key, plaintext []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := Encrypt(key, nonce, plaintext, []byte{SealVersion})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 1+NonceSize+len(ciphertext))
	frame = append(frame, SealVersion)
	frame = append(frame, nonce...)
	return append(frame, ciphertext...), nil
}

// Open verifies and decrypts a frame produced by Seal.
func Open(key *Key, frame []byte) ([]byte, error) {
	if len(frame) < SealOverhead {
		return nil, fmt.Errorf("%w: sealed frame is %d bytes, minimum %d", ErrTruncated, len(frame), SealOverhead)
	}
	if frame[0] != SealVersion {
		return nil, fmt.Errorf("%w: sealed frame version %#x", ErrVersion, frame[0])
	}
	return Decrypt(key, frame[1:1+NonceSize], frame[1+NonceSize:], frame[:1])
}
