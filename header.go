// header.go: Envelope header layout, generation and parsing.
//
// Wire layout, all integers little-endian:
//
//	int16  version
//	int16  cipherAlgorithm
//	int16  macAlgorithm
//	int32  metadataSize
//	int32  iterations
//	int16  symmetricSaltSize
//	int16  signingSaltSize
//	int16  ivSize
//	int16  symmetricKeySize
//	int16  macSize
//	bytes  metadata
//	bytes  symmetricSalt
//	bytes  signingSalt
//	bytes  iv
//	bytes  symmetricKey   (wrapped key, only when a raw key was supplied with a KeyWrapper)
//	bytes  mac            (zero until patched)
//	bytes  ciphertext
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	// FormatVersion is the only envelope version this package reads and writes.
	FormatVersion int16 = 1

	// FixedHeaderSize is the size of the fixed-length part of the header.
	FixedHeaderSize = 2 + 2 + 2 + 4 + 4 + 2 + 2 + 2 + 2 + 2

	// MaxMetadataSize bounds the metadata section accepted by the parser.
	MaxMetadataSize = 16 << 20
)

// Header is the self-describing prefix of an envelope. Its byte length and the
// offset of the MAC slot depend only on the section lengths, so both are known
// before the MAC is.
type Header struct {
	Version       int16
	Cipher        CipherAlgorithm
	MAC           MACAlgorithm
	Metadata      []byte
	Iterations    int32
	SymmetricSalt []byte
	SigningSalt   []byte
	IV            []byte
	SymmetricKey  []byte // wrapped key, empty when keys are derived or supplied by the reader
	MACValue      []byte // len is macSize; zero until patched
}

// Len returns the encoded header length, which is also the offset of the
// ciphertext from the start of the envelope.
func (h *Header) Len() int {
	return FixedHeaderSize + len(h.Metadata) + len(h.SymmetricSalt) + len(h.SigningSalt) +
		len(h.IV) + len(h.SymmetricKey) + len(h.MACValue)
}

// MACOffset returns the offset of the MAC slot from the start of the envelope.
func (h *Header) MACOffset() int {
	return h.Len() - len(h.MACValue)
}

// Signed reports whether the envelope carries a MAC.
func (h *Header) Signed() bool {
	return len(h.MACValue) > 0
}

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Metadata) > MaxMetadataSize {
		return nil, invalidParameter(ErrCodeFieldRange, fmt.Sprintf("metadata exceeds %d bytes", MaxMetadataSize))
	}
	for _, section := range []struct {
		name string
		data []byte
	}{
		{"symmetric salt", h.SymmetricSalt},
		{"signing salt", h.SigningSalt},
		{"IV", h.IV},
		{"symmetric key", h.SymmetricKey},
		{"MAC", h.MACValue},
	} {
		if len(section.data) > math.MaxInt16 {
			return nil, invalidParameter(ErrCodeFieldRange, fmt.Sprintf("%s exceeds %d bytes", section.name, math.MaxInt16))
		}
	}

	buf := make([]byte, FixedHeaderSize, h.Len())
	putInt16(buf[0:], h.Version)
	putInt16(buf[2:], int16(h.Cipher))
	putInt16(buf[4:], int16(h.MAC))
	putInt32(buf[6:], int32(len(h.Metadata))) // #nosec G115 -- bounded above
	putInt32(buf[10:], h.Iterations)
	putInt16(buf[14:], int16(len(h.SymmetricSalt))) // #nosec G115 -- bounded above
	putInt16(buf[16:], int16(len(h.SigningSalt)))   // #nosec G115
	putInt16(buf[18:], int16(len(h.IV)))            // #nosec G115
	putInt16(buf[20:], int16(len(h.SymmetricKey)))  // #nosec G115
	putInt16(buf[22:], int16(len(h.MACValue)))      // #nosec G115

	buf = append(buf, h.Metadata...)
	buf = append(buf, h.SymmetricSalt...)
	buf = append(buf, h.SigningSalt...)
	buf = append(buf, h.IV...)
	buf = append(buf, h.SymmetricKey...)
	buf = append(buf, h.MACValue...)
	return buf, nil
}

// WriteTo writes the encoded header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), wrapError(ErrIO, err, ErrCodeStreamIO, "failed to write header")
	}
	return int64(n), nil
}

// ParseHeader reads a header from r without touching any key material.
// Truncated input and out-of-range lengths fail with ErrMalformedEnvelope;
// unknown version or algorithm codes fail with ErrUnsupportedFormat.
func ParseHeader(r io.Reader) (*Header, error) {
	var fixed [FixedHeaderSize]byte
	if err := readSection(r, fixed[:], "fixed header"); err != nil {
		return nil, err
	}

	h := &Header{
		Version:    getInt16(fixed[0:]),
		Cipher:     CipherAlgorithm(getInt16(fixed[2:])),
		MAC:        MACAlgorithm(getInt16(fixed[4:])),
		Iterations: getInt32(fixed[10:]),
	}
	metadataSize := getInt32(fixed[6:])
	symmetricSaltSize := getInt16(fixed[14:])
	signingSaltSize := getInt16(fixed[16:])
	ivSize := getInt16(fixed[18:])
	symmetricKeySize := getInt16(fixed[20:])
	macSize := getInt16(fixed[22:])

	if h.Version != FormatVersion {
		return nil, unsupported(ErrCodeVersion, fmt.Sprintf("unsupported envelope version %d", h.Version))
	}
	suite, ok := lookupCipher(h.Cipher)
	if !ok {
		return nil, unsupported(ErrCodeAlgorithm, fmt.Sprintf("unsupported cipher algorithm %d", int16(h.Cipher)))
	}
	spec, ok := lookupMAC(h.MAC)
	if !ok {
		return nil, unsupported(ErrCodeAlgorithm, fmt.Sprintf("unsupported MAC algorithm %d", int16(h.MAC)))
	}

	switch {
	case metadataSize < 0 || metadataSize > MaxMetadataSize:
		return nil, malformed(ErrCodeFieldRange, fmt.Sprintf("metadata size %d out of range", metadataSize))
	case h.Iterations <= 0:
		return nil, malformed(ErrCodeFieldRange, fmt.Sprintf("iteration count %d out of range", h.Iterations))
	case symmetricSaltSize < 0 || signingSaltSize < 0 || symmetricKeySize < 0:
		return nil, malformed(ErrCodeFieldRange, "negative section length")
	case int(ivSize) != suite.IVSize():
		return nil, malformed(ErrCodeFieldRange, fmt.Sprintf("IV size %d does not match %s", ivSize, suite.Name()))
	case macSize != 0 && int(macSize) != spec.size:
		return nil, malformed(ErrCodeFieldRange, fmt.Sprintf("MAC size %d does not match %s", macSize, spec.name))
	}

	sections := []struct {
		name   string
		target *[]byte
		size   int
	}{
		{"metadata", &h.Metadata, int(metadataSize)},
		{"symmetric salt", &h.SymmetricSalt, int(symmetricSaltSize)},
		{"signing salt", &h.SigningSalt, int(signingSaltSize)},
		{"IV", &h.IV, int(ivSize)},
		{"symmetric key", &h.SymmetricKey, int(symmetricKeySize)},
		{"MAC", &h.MACValue, int(macSize)},
	}
	for _, s := range sections {
		buf := make([]byte, s.size)
		if err := readSection(r, buf, s.name); err != nil {
			return nil, err
		}
		*s.target = buf
	}
	return h, nil
}

func putInt16(b []byte, v int16) {
	binary.LittleEndian.PutUint16(b, uint16(v)) // #nosec G115 -- two's complement bit pattern
}

func putInt32(b []byte, v int32) {
	binary.LittleEndian.PutUint32(b, uint32(v)) // #nosec G115
}

func getInt16(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b)) // #nosec G115
}

func getInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b)) // #nosec G115
}

// readSection reads exactly len(buf) bytes.
func readSection(r io.Reader, buf []byte, name string) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return malformed(ErrCodeTruncated, fmt.Sprintf("envelope truncated in %s", name))
		}
		return wrapError(ErrIO, err, ErrCodeStreamIO, fmt.Sprintf("failed to read %s", name))
	}
	return nil
}

// GenerateHeader builds the header of a new envelope and the key material
// that goes with it: fresh random salts and IV, then either a key derived from
// keys.PrivateKey or the raw keys.SymmetricKey (wrapped into the header when
// keys.Wrapper is set). Unless SkipSigning, a signing key is derived from the
// same password with the second salt, and a zeroed MAC slot is reserved.
//
// The caller owns the returned KeyMaterial and must Close it.
func (e *Engine) GenerateHeader(keys Keys, metadata []byte) (*Header, *KeyMaterial, error) {
	keys = e.resolveKeys(keys)
	if len(keys.PrivateKey) == 0 && len(keys.SymmetricKey) == 0 {
		return nil, nil, invalidParameter(ErrCodeMissingKey, "either a private key or a symmetric key is required")
	}
	if len(metadata) > MaxMetadataSize {
		return nil, nil, invalidParameter(ErrCodeFieldRange, fmt.Sprintf("metadata exceeds %d bytes", MaxMetadataSize))
	}
	if len(keys.PrivateKey) > 0 {
		if err := e.checkPassword(keys.PrivateKey); err != nil {
			return nil, nil, err
		}
	}

	suite, spec := e.algorithms()
	h := &Header{
		Version:       FormatVersion,
		Cipher:        e.opts.Cipher,
		MAC:           e.opts.MAC,
		Metadata:      cloneBytes(metadata),
		Iterations:    int32(e.opts.Iterations), // #nosec G115 -- validated by Options.Validate
		SymmetricSalt: make([]byte, e.opts.SaltSize),
		SigningSalt:   make([]byte, e.opts.SaltSize),
		IV:            make([]byte, suite.IVSize()),
	}
	if h.Metadata == nil {
		h.Metadata = []byte{}
	}
	for _, b := range [][]byte{h.SymmetricSalt, h.SigningSalt, h.IV} {
		if err := fillRandom(e.opts.Random, b); err != nil {
			return nil, nil, err
		}
	}

	km := &KeyMaterial{iv: rentCopy(h.IV)}
	ok := false
	defer func() {
		if !ok {
			_ = km.Close()
		}
	}()

	if len(keys.SymmetricKey) > 0 {
		if !suite.ValidKeySize(len(keys.SymmetricKey)) {
			return nil, nil, invalidParameter(ErrCodeInvalidKey, fmt.Sprintf("symmetric key of %d bytes is not valid for %s", len(keys.SymmetricKey), suite.Name()))
		}
		km.key = rentCopy(keys.SymmetricKey)
		if keys.Wrapper != nil {
			wrapped, err := keys.Wrapper.WrapKey(km.Key())
			if err != nil {
				return nil, nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyWrap, "failed to wrap symmetric key")
			}
			if len(wrapped) == 0 || len(wrapped) > math.MaxInt16 {
				return nil, nil, invalidParameter(ErrCodeKeyWrap, fmt.Sprintf("wrapped key length %d out of range", len(wrapped)))
			}
			h.SymmetricKey = wrapped
		}
	}

	if !e.opts.SkipSigning {
		h.MACValue = make([]byte, spec.size)
	}

	if err := e.fillKeys(km, h, keys); err != nil {
		return nil, nil, err
	}

	ok = true
	e.log.WithFields(logrus.Fields{
		"cipher":        h.Cipher.String(),
		"mac":           h.MAC.String(),
		"iterations":    h.Iterations,
		"metadata_size": len(h.Metadata),
		"embedded_key":  len(h.SymmetricKey) > 0,
		"signed":        h.Signed(),
	}).Debug("envelope header generated")
	return h, km, nil
}

// ReadHeader parses a header from r and reconstitutes its key material from
// keys. r is left positioned at the first ciphertext byte. Format and option
// checks all run before any key is derived.
//
// The caller owns the returned KeyMaterial and must Close it.
func (e *Engine) ReadHeader(r io.Reader, keys Keys) (*Header, *KeyMaterial, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if err := e.checkHeader(h); err != nil {
		return nil, nil, err
	}

	keys = e.resolveKeys(keys)
	suite, _ := e.algorithms()
	km := &KeyMaterial{iv: rentCopy(h.IV)}
	ok := false
	defer func() {
		if !ok {
			_ = km.Close()
		}
	}()

	switch {
	case len(h.SymmetricKey) > 0:
		if keys.Wrapper == nil {
			return nil, nil, invalidParameter(ErrCodeMissingKey, "envelope embeds a wrapped key but no key wrapper was supplied")
		}
		unwrapped, err := keys.Wrapper.UnwrapKey(h.SymmetricKey)
		if err != nil {
			return nil, nil, wrapError(ErrAuthenticationFailure, err, ErrCodeKeyWrap, "failed to unwrap embedded key")
		}
		km.key = rentCopy(unwrapped)
		Zeroize(unwrapped)
		if !suite.ValidKeySize(km.key.Len()) {
			return nil, nil, malformed(ErrCodeInvalidKey, "unwrapped key has an invalid size")
		}
	case len(keys.SymmetricKey) > 0:
		if !suite.ValidKeySize(len(keys.SymmetricKey)) {
			return nil, nil, invalidParameter(ErrCodeInvalidKey, fmt.Sprintf("symmetric key of %d bytes is not valid for %s", len(keys.SymmetricKey), suite.Name()))
		}
		km.key = rentCopy(keys.SymmetricKey)
	}

	if err := e.fillKeys(km, h, keys); err != nil {
		return nil, nil, err
	}
	ok = true
	return h, km, nil
}

// fillKeys derives whatever km still lacks: the symmetric key from the
// password and symmetric salt, and for signed envelopes the signing key from
// the password and signing salt. One PBKDF2 instance is re-salted between
// the two derivations.
func (e *Engine) fillKeys(km *KeyMaterial, h *Header, keys Keys) error {
	_, spec := e.algorithms()
	needKey := km.key == nil
	needSigning := h.Signed() && len(keys.SigningKey) == 0

	if h.Signed() && len(keys.SigningKey) > 0 {
		km.signingKey = rentCopy(keys.SigningKey)
	}
	if !needKey && !needSigning {
		return nil
	}
	if len(keys.PrivateKey) == 0 {
		if needKey {
			return invalidParameter(ErrCodeMissingKey, "a private key or symmetric key is required")
		}
		return invalidParameter(ErrCodeMissingKey, "a private key or signing key is required to sign")
	}
	if err := e.checkPassword(keys.PrivateKey); err != nil {
		return err
	}

	var kdf *DeriveBytes
	defer func() {
		if kdf != nil {
			_ = kdf.Close()
		}
	}()
	next := func(salt []byte, name string) error {
		if len(salt) < MinSaltSize {
			return malformed(ErrCodeInvalidSalt, fmt.Sprintf("%s shorter than %d bytes", name, MinSaltSize))
		}
		if kdf == nil {
			kdf = newDeriveBytes(keys.PrivateKey, salt, int(h.Iterations), spec)
			return nil
		}
		return kdf.SetSalt(salt)
	}

	if needKey {
		if err := next(h.SymmetricSalt, "symmetric salt"); err != nil {
			return err
		}
		km.key = rentBuffer(e.opts.KeySize)
		if _, err := kdf.Read(km.key.Bytes()); err != nil {
			return err
		}
	}
	if needSigning {
		if err := next(h.SigningSalt, "signing salt"); err != nil {
			return err
		}
		km.signingKey = rentBuffer(spec.size)
		if _, err := kdf.Read(km.signingKey.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// checkHeader rejects envelopes produced with options other than the
// engine's, and unsigned envelopes when the engine signs.
func (e *Engine) checkHeader(h *Header) error {
	switch {
	case h.Cipher != e.opts.Cipher:
		return unsupported(ErrCodeOptionsMismatch, fmt.Sprintf("envelope uses %s, engine is configured for %s", h.Cipher, e.opts.Cipher))
	case h.MAC != e.opts.MAC:
		return unsupported(ErrCodeOptionsMismatch, fmt.Sprintf("envelope uses %s, engine is configured for %s", h.MAC, e.opts.MAC))
	case int(h.Iterations) != e.opts.Iterations:
		return unsupported(ErrCodeOptionsMismatch, fmt.Sprintf("envelope uses %d iterations, engine is configured for %d", h.Iterations, e.opts.Iterations))
	case len(h.IV) != e.opts.IVSize:
		return unsupported(ErrCodeOptionsMismatch, fmt.Sprintf("envelope IV is %d bytes, engine is configured for %d", len(h.IV), e.opts.IVSize))
	case !h.Signed() && !e.opts.SkipSigning:
		return newError(ErrAuthenticationFailure, ErrCodeMACMissing, "envelope is not signed")
	}
	return nil
}

func (e *Engine) checkPassword(password []byte) error {
	if len(password) < e.opts.MinimumPasswordLength {
		return invalidParameter(ErrCodeInvalidKey, fmt.Sprintf("private key must be at least %d bytes", e.opts.MinimumPasswordLength))
	}
	return nil
}

// resolveKeys fills empty fields from the engine options.
func (e *Engine) resolveKeys(keys Keys) Keys {
	if len(keys.SymmetricKey) == 0 {
		keys.SymmetricKey = e.opts.SymmetricKey
	}
	if len(keys.SigningKey) == 0 {
		keys.SigningKey = e.opts.SigningKey
	}
	return keys
}
