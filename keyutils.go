// keyutils.go: Key utilities for generation, encoding, zeroization, and fingerprinting.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"runtime"
)

// KeyToBase64 encodes a key as a base64 string.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// KeyFromBase64 decodes a base64 string to a key.
//
// Example:
//
//	key, err := envelope.KeyFromBase64(os.Getenv("ENVELOPE_KEY"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer envelope.Zeroize(key)
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeEncoding, "failed to decode base64 key")
	}
	return key, nil
}

// Zeroize securely wipes a byte slice from memory.
//
// Note: This function modifies the original slice in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// GetKeyFingerprint returns the first 8 bytes of SHA-256(key) as 16 hex
// characters, or "" for an empty key. Safe to log.
func GetKeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	hash := sha256.Sum256(key)
	return fmt.Sprintf("%016x", hash[:8])
}

// GenerateKey returns size cryptographically secure random bytes.
//
// Example:
//
//	key, err := envelope.GenerateKey(32)
//	if err != nil {
//		log.Fatal(err)
//	}
func GenerateKey(size int) ([]byte, error) {
	if size <= 0 {
		return nil, invalidParameter(ErrCodeInvalidKey, "key size must be positive")
	}
	key := make([]byte, size)
	if err := fillRandom(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey checks that key has a valid size for the cipher.
func ValidateKey(key []byte, alg CipherAlgorithm) error {
	suite, ok := lookupCipher(alg)
	if !ok {
		return invalidParameter(ErrCodeInvalidAlgorithm, fmt.Sprintf("unsupported cipher algorithm %d", int16(alg)))
	}
	if !suite.ValidKeySize(len(key)) {
		return invalidParameter(ErrCodeInvalidKey, fmt.Sprintf("key of %d bytes is not valid for %s", len(key), suite.Name()))
	}
	return nil
}

// fillRandom fills b from r.
func fillRandom(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return wrapError(ErrInvalidParameter, err, ErrCodeRandom, "failed to read random bytes")
	}
	return nil
}
