// keywrap.go: Caller-supplied secrets and the key-encryption-key (KEK) hook.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

// KeyWrapper protects a raw symmetric key before it is embedded in an
// envelope header and recovers it when the envelope is read. Implementations
// in this package: KeyManager (versioned AES-GCM KEKs), TinkWrapper and
// HSMWrapper.
type KeyWrapper interface {
	WrapKey(key []byte) ([]byte, error)
	UnwrapKey(wrapped []byte) ([]byte, error)
}

// Keys carries the secrets of one operation. Set PrivateKey to derive keys
// from a password, or SymmetricKey to use a raw key. Both may be set: the raw
// key encrypts and the password still derives the signing key.
//
// With a raw SymmetricKey and a Wrapper, the wrapped key is embedded in the
// header and the reader only needs the Wrapper. Without a Wrapper nothing
// key-related is embedded and the reader must supply the same SymmetricKey.
// Raw keys are never written to an envelope in the clear.
//
// Empty fields fall back to Options.SymmetricKey and Options.SigningKey.
type Keys struct {
	// PrivateKey is the password PBKDF2 derives keys from.
	PrivateKey []byte

	// SymmetricKey is a raw cipher key.
	SymmetricKey []byte

	// SigningKey is a raw MAC key.
	SigningKey []byte

	// Wrapper wraps SymmetricKey on write and unwraps the embedded key on read.
	Wrapper KeyWrapper
}

// Password returns Keys with only PrivateKey set.
func Password(password []byte) Keys {
	return Keys{PrivateKey: password}
}
