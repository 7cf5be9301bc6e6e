// tink.go: KeyWrapper backed by a Tink AEAD keyset.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"bytes"
	"io"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultTinkAssociatedData binds wrapped keys to this package.
var DefaultTinkAssociatedData = []byte("envelope-key-wrap-v1")

// TinkWrapper wraps envelope keys with a Tink AEAD primitive. Tink prefixes
// each ciphertext with the key id, so keyset rotation is transparent to
// envelopes already written.
type TinkWrapper struct {
	primitive      tink.AEAD
	associatedData []byte
}

var _ KeyWrapper = (*TinkWrapper)(nil)

// NewTinkWrapper returns a wrapper over handle. A nil associatedData selects
// DefaultTinkAssociatedData.
func NewTinkWrapper(handle *keyset.Handle, associatedData []byte) (*TinkWrapper, error) {
	if handle == nil {
		return nil, invalidParameter(ErrCodeKeyWrap, "keyset handle cannot be nil")
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyWrap, "failed to create Tink AEAD primitive")
	}
	if associatedData == nil {
		associatedData = DefaultTinkAssociatedData
	}
	return &TinkWrapper{primitive: primitive, associatedData: cloneBytes(associatedData)}, nil
}

// NewTinkKeyset generates a fresh AES-256-GCM keyset.
func NewTinkKeyset() (*keyset.Handle, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyGeneration, "failed to generate Tink keyset")
	}
	return handle, nil
}

// ReadTinkKeyset loads a cleartext JSON keyset. The keyset is secret; keep it
// wherever the raw key would be kept.
func ReadTinkKeyset(r io.Reader) (*keyset.Handle, error) {
	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(r))
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeySerialization, "failed to read Tink keyset")
	}
	return handle, nil
}

// WriteTinkKeyset stores handle as cleartext JSON.
func WriteTinkKeyset(handle *keyset.Handle, w io.Writer) error {
	var buf bytes.Buffer
	if err := insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(&buf)); err != nil {
		return wrapError(ErrInvalidParameter, err, ErrCodeKeySerialization, "failed to write Tink keyset")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return wrapError(ErrIO, err, ErrCodeStreamIO, "failed to write Tink keyset")
	}
	return nil
}

// WrapKey implements KeyWrapper.
func (t *TinkWrapper) WrapKey(key []byte) ([]byte, error) {
	wrapped, err := t.primitive.Encrypt(key, t.associatedData)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyWrap, "Tink encryption failed")
	}
	return wrapped, nil
}

// UnwrapKey implements KeyWrapper.
func (t *TinkWrapper) UnwrapKey(wrapped []byte) ([]byte, error) {
	key, err := t.primitive.Decrypt(wrapped, t.associatedData)
	if err != nil {
		return nil, wrapError(ErrAuthenticationFailure, err, ErrCodeKeyWrap, "Tink decryption failed")
	}
	return key, nil
}
