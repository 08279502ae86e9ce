// Package secrets implements the authenticated-encryption codec for project
// env secrets. Shape (debug-level logging of cipher internals, base64 blob
// of prefix+ciphertext) is carried from the teacher's vault cipher
// (EvSecDev-SCMP/src/crypto.go, encrypt/decrypt), but the algorithm is
// AES-256-GCM keyed by SHA-256 of a single process-wide master secret, not
// chacha20poly1305 with an argon2-derived per-call password: the wire format
// is a protocol requirement, not a library choice.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"

	"deployerd/m/v2/internal/apierr"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Codec encrypts and decrypts project secret values with a key derived from
// a single master secret. A Codec with an empty master key loads without
// error — per spec.md §4.1, absence is only fatal on first use.
type Codec struct {
	key    [32]byte
	keySet bool
	logger *log.Logger
}

// New derives the AEAD key from masterSecret. An empty masterSecret is
// accepted; Encrypt/Decrypt will fail until the process is reconfigured.
func New(masterSecret string, logger *log.Logger) *Codec {
	c := &Codec{logger: logger}
	if masterSecret != "" {
		c.key = sha256.Sum256([]byte(masterSecret))
		c.keySet = true
	}
	return c
}

func (c *Codec) aead() (cipher.AEAD, error) {
	if !c.keySet {
		return nil, apierr.New(apierr.KindSecretDecrypt, "secrets master key is not configured")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, apierr.Wrap(apierr.KindSecretDecrypt, "failed to initialize cipher", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt returns the base64-encoded iv||tag||ciphertext blob for plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", apierr.Wrap(apierr.KindSecretDecrypt, "failed to generate iv", err)
	}

	c.logf("encrypt: plaintext len=%d\n", len(plaintext))

	// Seal appends ciphertext||tag; reorder into iv||tag||ciphertext per the
	// stored wire format.
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, ivSize+tagSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	encoded := base64.StdEncoding.EncodeToString(blob)
	c.logf("encrypt: blob bytes=%d\n", len(blob))
	return encoded, nil
}

// Decrypt reverses Encrypt, failing with apierr.KindSecretDecrypt if the
// blob is malformed, the key is absent, or tag verification fails.
func (c *Codec) Decrypt(blob string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", apierr.Wrap(apierr.KindSecretDecrypt, "failed to decode secret blob", err)
	}
	if len(raw) < ivSize+tagSize {
		return "", apierr.New(apierr.KindSecretDecrypt, "secret blob is too short")
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.KindSecretDecrypt, "secret tag verification failed", err)
	}

	c.logf("decrypt: blob bytes=%d\n", len(raw))
	return string(plaintext), nil
}

func (c *Codec) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// ErrNoMasterKey names the "codec not configured" condition. Encrypt and
// Decrypt do not return or wrap it: their missing-key error is an
// *apierr.Error of KindSecretDecrypt carrying the same message.
var ErrNoMasterKey = fmt.Errorf("secrets master key is not configured")
