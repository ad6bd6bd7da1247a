// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

// TestNewFromBytes_ZeroesSource verifies that the caller's copy of a
// link key is wiped once it has moved into locked memory.
func TestNewFromBytes_ZeroesSource(t *testing.T) {
	source := []byte("0123456789abcdef0123456789abcdef")
	want := bytes.Clone(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("Bytes() = %q, want %q", buffer.Bytes(), want)
	}
	if !bytes.Equal(source, make([]byte, len(source))) {
		t.Errorf("source not zeroed: %q", source)
	}
	if buffer.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", buffer.Len(), len(want))
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded, want error")
	}
}

func TestBuffer_CloseIdempotent(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 2 {
		if err := buffer.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestBuffer_BytesPanicsAfterClose(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}
