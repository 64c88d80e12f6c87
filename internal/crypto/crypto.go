// Package crypto provides the key derivation and authenticated encryption
// used to store Client PII and bureau credentials at rest. Plaintext never
// crosses the Persistence Gateway boundary: every write goes through
// Encrypt first, every read that needs the plaintext goes through Decrypt
// inside the adapter that requires it, and is never logged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length DeriveKey and Encrypt/Decrypt agree on.
const KeySize = 32

// DeriveKey derives a per-purpose key from a tenant master key using
// HKDF-SHA256. salt is a stable business identifier (a client or tenant
// id); info names the purpose ("pii", "bureau_creds:equifax", ...) so the
// same master key yields independent keys per field without storing extra
// key material.
func DeriveKey(masterKey, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under key, prepending the
// random nonce to the returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. It returns an error, never
// a zero-value plaintext, on tamper or wrong-key.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
