// Package cryptoutils provides the symmetric secret box used to protect
// credential material at rest, plus small helpers for random tokens.
//
// Every sensitive column in the instance store (client keys, gateway tokens,
// LiteLLM keys, the CA private key) is sealed with the same process-wide box,
// keyed from a single master secret.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// gcmNonceSize is the standard 12-byte GCM nonce.
const gcmNonceSize = 12

// kdfSalt is a fixed application salt for the argon2id derivation. The master
// secret itself is the high-entropy input; the salt only separates this
// deployment's key space from other users of the same KDF parameters.
var kdfSalt = []byte("clawhost-secretbox-v1")

// SecretBox performs authenticated encryption of small secrets with a key
// derived from the master secret.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives an AES-256-GCM key from the master secret using
// argon2id and returns a ready-to-use box. The master secret must be at
// least 16 bytes.
func NewSecretBox(masterSecret []byte) (*SecretBox, error) {
	if len(masterSecret) < 16 {
		return nil, errors.New("master secret must be at least 16 bytes")
	}

	// Parameters: time=1, memory=64MB, threads=4, keyLen=32
	key := argon2.IDKey(masterSecret, kdfSalt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &SecretBox{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext).
// A fresh nonce is generated per call.
func (b *SecretBox) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a payload produced by Encrypt. Any modification of the
// payload fails the GCM authentication check.
func (b *SecretBox) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	if len(raw) < gcmNonceSize+b.aead.Overhead() {
		return nil, errors.New("encrypted payload too short")
	}

	nonce := raw[:gcmNonceSize]
	ciphertext := raw[gcmNonceSize:]

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString is a convenience wrapper over Encrypt.
func (b *SecretBox) EncryptString(plaintext string) (string, error) {
	return b.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper over Decrypt.
func (b *SecretBox) DecryptString(encoded string) (string, error) {
	plaintext, err := b.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RandomToken returns n random bytes hex-encoded. Used for gateway tokens
// and channel pairing tokens.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
