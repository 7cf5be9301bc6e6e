// algorithms.go: Closed registries of the cipher and MAC algorithms an envelope can name.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- HMAC-SHA1 is kept for PBKDF2 interoperability (RFC 6070)
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"
	"gopkg.in/yaml.v3"
)

// CipherAlgorithm is the int16 code stored in the envelope header.
type CipherAlgorithm int16

// Supported ciphers. Codes are part of the wire format and never reused.
const (
	CipherAESCBC   CipherAlgorithm = 1 // AES in CBC mode with PKCS#7 padding
	CipherAESCTR   CipherAlgorithm = 2 // AES in CTR mode
	CipherChaCha20 CipherAlgorithm = 3 // ChaCha20 (RFC 8439), 12-byte nonce
)

// MACAlgorithm is the int16 code of the keyed hash used for PBKDF2 and the
// envelope MAC.
type MACAlgorithm int16

// Supported MAC algorithms.
const (
	MACHMACSHA1    MACAlgorithm = 1
	MACHMACSHA256  MACAlgorithm = 2
	MACHMACSHA384  MACAlgorithm = 3
	MACHMACSHA512  MACAlgorithm = 4
	MACHMACSHA3256 MACAlgorithm = 5
)

// cipherSuite is implemented by every supported cipher.
type cipherSuite interface {
	Algorithm() CipherAlgorithm
	Name() string
	IVSize() int
	DefaultKeySize() int
	ValidKeySize(n int) bool
	NewEncrypter(key, iv []byte) (transform, error)
	NewDecrypter(key, iv []byte) (transform, error)
}

// macSpec describes one supported keyed hash.
type macSpec struct {
	alg     MACAlgorithm
	name    string
	newHash func() hash.Hash
	size    int
}

// newMAC returns an HMAC keyed with key.
func (m *macSpec) newMAC(key []byte) hash.Hash {
	return hmac.New(m.newHash, key)
}

var cipherSuites = map[CipherAlgorithm]cipherSuite{
	CipherAESCBC:   aesCBCSuite{},
	CipherAESCTR:   aesCTRSuite{},
	CipherChaCha20: chacha20Suite{},
}

var macSpecs = map[MACAlgorithm]*macSpec{
	MACHMACSHA1:    {alg: MACHMACSHA1, name: "HMAC-SHA1", newHash: sha1.New, size: sha1.Size},
	MACHMACSHA256:  {alg: MACHMACSHA256, name: "HMAC-SHA256", newHash: sha256.New, size: sha256.Size},
	MACHMACSHA384:  {alg: MACHMACSHA384, name: "HMAC-SHA384", newHash: sha512.New384, size: sha512.Size384},
	MACHMACSHA512:  {alg: MACHMACSHA512, name: "HMAC-SHA512", newHash: sha512.New, size: sha512.Size},
	MACHMACSHA3256: {alg: MACHMACSHA3256, name: "HMAC-SHA3-256", newHash: sha3.New256, size: 32},
}

// lookupCipher resolves a cipher code.
func lookupCipher(alg CipherAlgorithm) (cipherSuite, bool) {
	suite, ok := cipherSuites[alg]
	return suite, ok
}

// lookupMAC resolves a MAC code.
func lookupMAC(alg MACAlgorithm) (*macSpec, bool) {
	spec, ok := macSpecs[alg]
	return spec, ok
}

// String returns the canonical name of the cipher.
func (c CipherAlgorithm) String() string {
	if suite, ok := lookupCipher(c); ok {
		return suite.Name()
	}
	return fmt.Sprintf("CipherAlgorithm(%d)", int16(c))
}

// Size returns the MAC output size in bytes, or 0 for unknown codes.
func (m MACAlgorithm) Size() int {
	if spec, ok := lookupMAC(m); ok {
		return spec.size
	}
	return 0
}

// String returns the canonical name of the MAC.
func (m MACAlgorithm) String() string {
	if spec, ok := lookupMAC(m); ok {
		return spec.name
	}
	return fmt.Sprintf("MACAlgorithm(%d)", int16(m))
}

// ParseCipherAlgorithm parses a cipher name such as "aes-cbc" (case-insensitive).
func ParseCipherAlgorithm(s string) (CipherAlgorithm, error) {
	for alg, suite := range cipherSuites {
		if strings.EqualFold(s, suite.Name()) {
			return alg, nil
		}
	}
	return 0, invalidParameter(ErrCodeInvalidAlgorithm, fmt.Sprintf("unknown cipher algorithm %q", s))
}

// ParseMACAlgorithm parses a MAC name such as "hmac-sha256" (case-insensitive).
func ParseMACAlgorithm(s string) (MACAlgorithm, error) {
	for alg, spec := range macSpecs {
		if strings.EqualFold(s, spec.name) {
			return alg, nil
		}
	}
	return 0, invalidParameter(ErrCodeInvalidAlgorithm, fmt.Sprintf("unknown MAC algorithm %q", s))
}

// MarshalYAML implements yaml.Marshaler.
func (c CipherAlgorithm) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CipherAlgorithm) UnmarshalYAML(value *yaml.Node) error {
	alg, err := ParseCipherAlgorithm(value.Value)
	if err != nil {
		return err
	}
	*c = alg
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m MACAlgorithm) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MACAlgorithm) UnmarshalYAML(value *yaml.Node) error {
	alg, err := ParseMACAlgorithm(value.Value)
	if err != nil {
		return err
	}
	*m = alg
	return nil
}

func validAESKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}

type aesCBCSuite struct{}

func (aesCBCSuite) Algorithm() CipherAlgorithm { return CipherAESCBC }
func (aesCBCSuite) Name() string               { return "AES-CBC" }
func (aesCBCSuite) IVSize() int                { return aes.BlockSize }
func (aesCBCSuite) DefaultKeySize() int        { return 32 }
func (aesCBCSuite) ValidKeySize(n int) bool    { return validAESKeySize(n) }

func (aesCBCSuite) NewEncrypter(key, iv []byte) (transform, error) {
	return newCBCEncrypter(key, iv)
}

func (aesCBCSuite) NewDecrypter(key, iv []byte) (transform, error) {
	return newCBCDecrypter(key, iv)
}

type aesCTRSuite struct{}

func (aesCTRSuite) Algorithm() CipherAlgorithm { return CipherAESCTR }
func (aesCTRSuite) Name() string               { return "AES-CTR" }
func (aesCTRSuite) IVSize() int                { return aes.BlockSize }
func (aesCTRSuite) DefaultKeySize() int        { return 32 }
func (aesCTRSuite) ValidKeySize(n int) bool    { return validAESKeySize(n) }

func (aesCTRSuite) NewEncrypter(key, iv []byte) (transform, error) {
	return newCTRTransform(key, iv)
}

func (aesCTRSuite) NewDecrypter(key, iv []byte) (transform, error) {
	return newCTRTransform(key, iv)
}

type chacha20Suite struct{}

func (chacha20Suite) Algorithm() CipherAlgorithm { return CipherChaCha20 }
func (chacha20Suite) Name() string               { return "ChaCha20" }
func (chacha20Suite) IVSize() int                { return chacha20.NonceSize }
func (chacha20Suite) DefaultKeySize() int        { return chacha20.KeySize }
func (chacha20Suite) ValidKeySize(n int) bool    { return n == chacha20.KeySize }

func (chacha20Suite) NewEncrypter(key, iv []byte) (transform, error) {
	return newChaCha20Transform(key, iv)
}

func (chacha20Suite) NewDecrypter(key, iv []byte) (transform, error) {
	return newChaCha20Transform(key, iv)
}
