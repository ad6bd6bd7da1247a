// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"bytes"
	"errors"
	"testing"
)

func testKey(t *testing.T, fill byte) *Key {
	t.Helper()
	key, err := NewKey(bytes.Repeat([]byte{fill}, KeySize))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t, 0x11)
	plaintext := []byte("clipboard contents")
	frame, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(frame) != len(plaintext)+SealOverhead {
		t.Errorf("frame length = %d, want %d", len(frame), len(plaintext)+SealOverhead)
	}
	opened, err := Open(key, frame)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

// TestSeal_FreshNoncePerFrame verifies that sealing the same plaintext
// twice never reuses a nonce.
func TestSeal_FreshNoncePerFrame(t *testing.T) {
	key := testKey(t, 0x22)
	seen := make(map[string]bool)
	for range 256 {
		frame, err := Seal(key, []byte("same"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		nonce := string(frame[1 : 1+NonceSize])
		if seen[nonce] {
			t.Fatal("nonce reused across frames")
		}
		seen[nonce] = true
	}
}

// TestOpen_TamperIsAuthenticationFailure verifies that any modified
// byte, including the version, fails with ErrAuthentication (or a
// version error for the version byte itself).
func TestOpen_TamperIsAuthenticationFailure(t *testing.T) {
	key := testKey(t, 0x33)
	frame, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	for _, position := range []int{1, NonceSize, NonceSize + 2, len(frame) - 1} {
		tampered := bytes.Clone(frame)
		tampered[position] ^= 0x01
		if _, err := Open(key, tampered); !errors.Is(err, ErrAuthentication) {
			t.Errorf("Open with byte %d flipped: error = %v, want ErrAuthentication", position, err)
		}
	}
	tampered := bytes.Clone(frame)
	tampered[0] = 0x02
	if _, err := Open(key, tampered); !errors.Is(err, ErrVersion) {
		t.Errorf("Open with bad version: error = %v, want ErrVersion", err)
	}
	if _, err := Open(key, frame[:SealOverhead-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("Open of short frame: error = %v, want ErrTruncated", err)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	frame, err := Seal(testKey(t, 0x44), []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(testKey(t, 0x45), frame); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Open with wrong key: error = %v, want ErrAuthentication", err)
	}
}

func TestEncryptDecrypt_AdditionalData(t *testing.T) {
	key := testKey(t, 0x55)
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	ciphertext, err := Encrypt(key, nonce, []byte("body"), []byte("header-a"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(key, nonce, ciphertext, []byte("header-b")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Decrypt with different additional data: error = %v, want ErrAuthentication", err)
	}
	if _, err := Encrypt(key, nonce[:12], []byte("body"), nil); err == nil {
		t.Error("Encrypt accepted a 12-byte nonce")
	}
}

// TestDeriveKey_Symmetric verifies that both ends of a link derive the
// same key regardless of which certificate is local, and that a
// different link label yields a different key.
func TestDeriveKey_Symmetric(t *testing.T) {
	alpha := []byte("alpha certificate DER")
	beta := []byte("beta certificate DER")
	label := bytes.Repeat([]byte{0x07}, 32)

	alphaKey, err := DeriveKey(alpha, beta, label)
	if err != nil {
		t.Fatalf("DeriveKey(alpha, beta): %v", err)
	}
	defer alphaKey.Close()
	betaKey, err := DeriveKey(beta, alpha, label)
	if err != nil {
		t.Fatalf("DeriveKey(beta, alpha): %v", err)
	}
	defer betaKey.Close()

	frame, err := Seal(alphaKey, []byte("from alpha"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(betaKey, frame); err != nil {
		t.Fatalf("peer could not open frame: %v", err)
	}

	otherLink, err := DeriveKey(alpha, beta, bytes.Repeat([]byte{0x08}, 32))
	if err != nil {
		t.Fatalf("DeriveKey(other label): %v", err)
	}
	defer otherLink.Close()
	if _, err := Open(otherLink, frame); !errors.Is(err, ErrAuthentication) {
		t.Errorf("key from another link opened the frame: error = %v", err)
	}
}

func TestDeriveKey_RejectsMissingInputs(t *testing.T) {
	if _, err := DeriveKey(nil, []byte("b"), []byte("label")); err == nil {
		t.Error("DeriveKey accepted an empty local certificate")
	}
	if _, err := DeriveKey([]byte("a"), []byte("b"), nil); err == nil {
		t.Error("DeriveKey accepted an empty label")
	}
}

func TestKey_ClosedKeyRefusesUse(t *testing.T) {
	key, err := NewKey(bytes.Repeat([]byte{0x66}, KeySize))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	key.Close()
	if _, err := Seal(key, []byte("late")); err == nil {
		t.Error("Seal with a closed key succeeded")
	}
	if _, err := NewKey([]byte("short")); err == nil {
		t.Error("NewKey accepted a short key")
	}
}
