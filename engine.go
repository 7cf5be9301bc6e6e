// engine.go: Encrypt-then-MAC envelope engine over in-memory buffers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"bytes"
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"hash"

	"github.com/sirupsen/logrus"
)

// Engine builds and opens envelopes with a fixed set of Options.
//
// An Engine keeps no per-call state beyond its resolved algorithms, but the
// Options it was built from may carry a non-thread-safe Random source, so an
// Engine must not be used from several goroutines at once. Use one Engine per
// goroutine or serialize access.
type Engine struct {
	opts  *Options
	suite cipherSuite
	mac   *macSpec
	log   logrus.FieldLogger
}

// New validates opts and returns an Engine. A nil opts selects DefaultOptions.
//
// Example:
//
//	engine, err := envelope.New(envelope.DefaultOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	sealed, err := engine.Encrypt([]byte("secret"), envelope.Password([]byte("correct horse")))
func New(opts *Options) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{opts: opts.withDefaults()}
	e.log = e.opts.Logger
	return e, nil
}

// algorithms resolves the cipher suite and MAC spec on first use.
func (e *Engine) algorithms() (cipherSuite, *macSpec) {
	if e.suite == nil {
		e.suite, _ = lookupCipher(e.opts.Cipher)
		e.mac, _ = lookupMAC(e.opts.MAC)
	}
	return e.suite, e.mac
}

// Options returns a copy of the engine options without key bytes.
func (e *Engine) Options() Options {
	o := *e.opts
	o.SymmetricKey = nil
	o.SigningKey = nil
	return o
}

// Encrypt seals plaintext into a new envelope.
func (e *Engine) Encrypt(plaintext []byte, keys Keys) ([]byte, error) {
	return e.EncryptWithMetadata(plaintext, nil, keys)
}

// EncryptWithMetadata seals plaintext and stores metadata in the header.
// Metadata is not encrypted. It is authenticated when the envelope is signed.
func (e *Engine) EncryptWithMetadata(plaintext, metadata []byte, keys Keys) ([]byte, error) {
	h, km, err := e.GenerateHeader(keys, metadata)
	if err != nil {
		return nil, err
	}
	defer km.Close()

	headerBytes, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	suite, _ := e.algorithms()
	enc, err := suite.NewEncrypter(km.Key(), km.IV())
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(headerBytes), len(headerBytes)+len(plaintext)+mediumBufferSize)
	copy(out, headerBytes)
	out = enc.Update(out, plaintext)
	if out, err = enc.Final(out); err != nil {
		return nil, err
	}

	if h.Signed() {
		sum := e.computeMAC(km, out[:h.MACOffset()], out[h.Len():])
		copy(out[h.MACOffset():], sum)
		copy(h.MACValue, sum)
		Zeroize(sum)
	}

	e.log.WithFields(logrus.Fields{
		"plaintext_size": len(plaintext),
		"envelope_size":  len(out),
	}).Debug("envelope sealed")
	return out, nil
}

// Decrypt opens an envelope. The MAC is verified before any decryption;
// on mismatch ErrAuthenticationFailure is returned with no plaintext.
func (e *Engine) Decrypt(envelope []byte, keys Keys) ([]byte, error) {
	plaintext, _, err := e.DecryptWithHeader(envelope, keys)
	return plaintext, err
}

// DecryptWithHeader is Decrypt that also returns the parsed header, giving
// access to the metadata.
func (e *Engine) DecryptWithHeader(envelope []byte, keys Keys) ([]byte, *Header, error) {
	h, km, err := e.ReadHeader(bytes.NewReader(envelope), keys)
	if err != nil {
		return nil, nil, err
	}
	defer km.Close()

	body := envelope[h.Len():]
	if h.Signed() {
		if err := e.verifyMAC(h, km, envelope[:h.MACOffset()], body); err != nil {
			return nil, nil, err
		}
	}

	suite, _ := e.algorithms()
	dec, err := suite.NewDecrypter(km.Key(), km.IV())
	if err != nil {
		return nil, nil, err
	}
	plaintext := dec.Update(make([]byte, 0, len(body)), body)
	if plaintext, err = dec.Final(plaintext); err != nil {
		Zeroize(plaintext)
		return nil, nil, err
	}

	e.log.WithField("plaintext_size", len(plaintext)).Debug("envelope opened")
	return plaintext, h, nil
}

// EncryptString seals a string and returns the envelope as standard base64.
func (e *Engine) EncryptString(plaintext string, keys Keys) (string, error) {
	sealed, err := e.Encrypt([]byte(plaintext), keys)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a base64 envelope produced by EncryptString.
func (e *Engine) DecryptString(encoded string, keys Keys) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", wrapError(ErrMalformedEnvelope, err, ErrCodeEncoding, "failed to decode base64 envelope")
	}
	plaintext, err := e.Decrypt(sealed, keys)
	if err != nil {
		return "", err
	}
	defer Zeroize(plaintext)
	return string(plaintext), nil
}

// newEnvelopeMAC starts HMAC(signingKey, LE16(len(key)) || prefix || ...).
// The key length is not stored in the header, so it is bound here: an
// envelope opened with a different key size fails verification.
func (e *Engine) newEnvelopeMAC(km *KeyMaterial, prefix []byte) hash.Hash {
	_, spec := e.algorithms()
	m := spec.newMAC(km.SigningKey())
	var keyLen [2]byte
	binary.LittleEndian.PutUint16(keyLen[:], uint16(len(km.Key())))
	m.Write(keyLen[:])
	m.Write(prefix)
	return m
}

// computeMAC returns the envelope MAC over prefix and ciphertext.
func (e *Engine) computeMAC(km *KeyMaterial, prefix, ciphertext []byte) []byte {
	m := e.newEnvelopeMAC(km, prefix)
	m.Write(ciphertext)
	return m.Sum(nil)
}

// checkMAC compares in constant time and logs mismatches.
func (e *Engine) checkMAC(h *Header, sum []byte) error {
	defer Zeroize(sum)
	if !hmac.Equal(sum, h.MACValue) {
		e.log.WithFields(logrus.Fields{
			"cipher": h.Cipher.String(),
			"mac":    h.MAC.String(),
		}).Warn("envelope MAC verification failed")
		return newError(ErrAuthenticationFailure, ErrCodeMACMismatch, "envelope MAC does not match")
	}
	return nil
}

func (e *Engine) verifyMAC(h *Header, km *KeyMaterial, prefix, ciphertext []byte) error {
	return e.checkMAC(h, e.computeMAC(km, prefix, ciphertext))
}
