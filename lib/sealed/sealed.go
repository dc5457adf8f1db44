// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/roomsync/lib/secret"
)

// Identity is an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is safe to print.
//
// The caller must call Close when the identity is no longer needed.
type Identity struct {
	// PrivateKey is the AGE-SECRET-KEY-1... string. Never log it.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient string.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (i *Identity) Close() error {
	if i.PrivateKey != nil {
		return i.PrivateKey.Close()
	}
	return nil
}

// GenerateIdentity creates a new x25519 identity.
func GenerateIdentity() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	// The string form returned by age stays on the heap until collected.
	privateKey, err := secret.NewFromString(identity.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Identity{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// LoadIdentity reads an identity file written by WriteFile. Blank
// lines and "#" comments are ignored, matching age-keygen output.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity: %w", err)
	}
	defer secret.Zero(raw)

	var keyLine []byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		keyLine = line
		break
	}
	if keyLine == nil {
		return nil, fmt.Errorf("sealed: %s holds no key", path)
	}

	parsed, err := age.ParseX25519Identity(string(keyLine))
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity %s: %w", path, err)
	}
	privateKey, err := secret.NewFromBytes(bytes.Clone(keyLine))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Identity{PrivateKey: privateKey, PublicKey: parsed.Recipient().String()}, nil
}

// WriteFile stores the identity at path with mode 0600, creating the
// parent directory (0700) if needed. The write goes through a temporary
// file and a rename so a crash never leaves a truncated key.
func (i *Identity) WriteFile(path string) error {
	key, err := i.PrivateKey.String()
	if err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	content := "# roomsync session key\n# public key: " + i.PublicKey + "\n" + key + "\n"
	return writeFileAtomic(path, []byte(content))
}

// Seal encrypts plaintext to the given age recipients (age1... strings)
// and returns ASCII-armored ciphertext.
func Seal(plaintext []byte, recipientKeys ...string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("sealed: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buffer bytes.Buffer
	armored := armor.NewWriter(&buffer)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return buffer.Bytes(), nil
}

// Open decrypts armored ciphertext produced by Seal. The identity is
// borrowed, not closed. The caller must Close the returned buffer.
func Open(ciphertext []byte, identity *Identity) (*secret.Buffer, error) {
	key, err := identity.PrivateKey.String()
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}
	parsed, err := age.ParseX25519Identity(key)
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}

	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), parsed)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed: empty plaintext")
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// WriteSealed seals plaintext to identity and writes it atomically to
// path with mode 0600.
func WriteSealed(path string, plaintext []byte, identity *Identity) error {
	ciphertext, err := Seal(plaintext, identity.PublicKey)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, ciphertext)
}

// ReadSealed reads and opens a file written by WriteSealed.
func ReadSealed(path string, identity *Identity) (*secret.Buffer, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}
	return Open(ciphertext, identity)
}

// IsArmored reports whether data looks like armored age ciphertext.
func IsArmored(data []byte) bool {
	return strings.HasPrefix(string(bytes.TrimSpace(data)), armor.Header)
}

func writeFileAtomic(path string, data []byte) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("sealed: creating %s: %w", directory, err)
	}
	temporary, err := os.CreateTemp(directory, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	defer os.Remove(temporary.Name())

	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("sealed: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("sealed: writing %s: %w", path, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	return nil
}
