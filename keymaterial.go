// keymaterial.go: Per-operation key material owned by a single encrypt/decrypt call.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

// KeyMaterial holds the symmetric key, IV and signing key of one envelope in
// pooled buffers. It is never cached: Close zeroes every buffer and returns it
// to the pool, and must run on every exit path (defer it).
type KeyMaterial struct {
	key        *secureBuffer
	iv         *secureBuffer
	signingKey *secureBuffer
}

// Key returns the symmetric key, or nil after Close.
func (k *KeyMaterial) Key() []byte {
	return k.key.Bytes()
}

// IV returns the IV, or nil after Close.
func (k *KeyMaterial) IV() []byte {
	return k.iv.Bytes()
}

// SigningKey returns the MAC key, or nil if the envelope is not signed or
// after Close.
func (k *KeyMaterial) SigningKey() []byte {
	return k.signingKey.Bytes()
}

// Close zeroes and releases all buffers. It is safe to call more than once
// and on a nil receiver.
func (k *KeyMaterial) Close() error {
	if k == nil {
		return nil
	}
	k.key.Release()
	k.iv.Release()
	k.signingKey.Release()
	return nil
}
