// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/bey/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key is stored in a
// secret.Buffer (mmap-backed, locked against swap, excluded from core
// dumps). The public key is safe to publish.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding recipient in age1... format.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// The string returned by identity.String is on the heap and is
	// left to the GC; the mmap buffer is the durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// WriteIdentity writes the keypair in age identity file format, with
// the public key as a comment.
func (k *Keypair) WriteIdentity(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# public key: %s\n%s\n", k.PublicKey, k.PrivateKey.String()); err != nil {
		return fmt.Errorf("writing age identity: %w", err)
	}
	return nil
}

// Seal encrypts plaintext to one or more age recipients (age1...
// format) and writes the ciphertext to w, PEM-armored when armored
// is set.
func Seal(w io.Writer, plaintext []byte, recipientKeys []string, armored bool) error {
	if len(recipientKeys) == 0 {
		return errors.New("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	output := w
	var armorWriter io.WriteCloser
	if armored {
		armorWriter = armor.NewWriter(w)
		output = armorWriter
	}
	writer, err := age.Encrypt(output, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	if armorWriter != nil {
		if err := armorWriter.Close(); err != nil {
			return fmt.Errorf("finalizing armor: %w", err)
		}
	}
	return nil
}

// Open decrypts age ciphertext, armored or binary, with privateKey.
// The plaintext is returned in a secret.Buffer the caller must Close.
// privateKey is borrowed, not closed.
func Open(ciphertext io.Reader, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	buffered := bufio.NewReader(ciphertext)
	var input io.Reader = buffered
	if start, _ := buffered.Peek(len(armor.Header)); string(start) == armor.Header {
		input = armor.NewReader(buffered)
	}

	reader, err := age.Decrypt(input, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed file holds no data")
	}

	// NewFromBytes zeros the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// OpenFile decrypts the sealed file at path with the first identity
// in the age identity file at identityPath.
func OpenFile(path, identityPath string) (*secret.Buffer, error) {
	privateKey, err := ReadIdentityFile(identityPath)
	if err != nil {
		return nil, err
	}
	defer privateKey.Close()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	plaintext, err := Open(file, privateKey)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return plaintext, nil
}

// ReadIdentityFile reads the first AGE-SECRET-KEY-1 line of an age
// identity file. Comment and blank lines are skipped.
func ReadIdentityFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)

	for line := range bytes.Lines(data) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if !bytes.HasPrefix(line, []byte("AGE-SECRET-KEY-1")) {
			return nil, fmt.Errorf("%s: not an age x25519 identity file", path)
		}
		// NewFromBytes zeroes line, which aliases data.
		privateKey, err := secret.NewFromBytes(line)
		if err != nil {
			return nil, err
		}
		if err := ParsePrivateKey(privateKey); err != nil {
			privateKey.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return privateKey, nil
	}
	return nil, fmt.Errorf("%s: no identity found", path)
}

// ParsePublicKey validates an age public key string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ParsePrivateKey validates an age private key stored in a
// secret.Buffer.
func ParsePrivateKey(privateKey *secret.Buffer) error {
	if _, err := age.ParseX25519Identity(privateKey.String()); err != nil {
		return fmt.Errorf("invalid age private key: %w", err)
	}
	return nil
}

// FormatRecipients formats recipient public keys one per line.
func FormatRecipients(recipientKeys []string) string {
	return strings.Join(recipientKeys, "\n")
}
