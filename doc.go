// Package envelope provides password-based authenticated encryption in a
// self-describing binary envelope.
//
// This package offers:
//   - A PBKDF2 (RFC 2898) key stream over a pluggable HMAC, with chaining
//     reads and an io.Reader form
//   - AES-CBC, AES-CTR and ChaCha20 payload encryption
//   - Encrypt-then-MAC with HMAC-SHA1/256/384/512 or HMAC-SHA3-256 and
//     constant-time verification
//   - Buffer and two-pass streaming forms, with the MAC patched into the
//     header after the ciphertext is written
//   - Optional key wrapping (versioned KEKs, Tink keysets, HSM providers) so a
//     raw key can travel inside the envelope
//   - Pooled, zeroed buffers for all key material
//
// # Quick Start
//
//	engine, err := envelope.New(envelope.DefaultOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	sealed, err := engine.Encrypt([]byte("sensitive data"), envelope.Password([]byte("passphrase")))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	plaintext, err := engine.Decrypt(sealed, envelope.Password([]byte("passphrase")))
//	if errors.Is(err, envelope.ErrAuthenticationFailure) {
//		log.Fatal("wrong passphrase or tampered envelope")
//	}
//
// # Envelope Format
//
// An envelope is a header followed by the ciphertext. The header records the
// format version, the cipher and MAC codes, the PBKDF2 iteration count, an
// optional cleartext metadata section, two salts (one for the cipher key, one
// for the signing key), the IV, an optional wrapped key and the MAC. All
// integers are little-endian. ParseHeader decodes a header without any key
// work; Header.Len is the offset of the ciphertext.
//
// The MAC covers the data key length, every header byte before the MAC slot
// and the whole ciphertext, so an envelope read with a different key size is
// rejected. It is checked before any decryption, and a failed check yields
// ErrAuthenticationFailure and no plaintext.
//
// # Keys
//
// Keys carries the secrets of one call. With a password (PrivateKey) the
// cipher key and signing key are derived from it with the two header salts.
// With a raw SymmetricKey the reader must supply the same key, unless a
// KeyWrapper is set, in which case the wrapped key is embedded in the header:
//
//	kek := envelope.NewKeyManager()
//	if _, err := kek.RotateKEK("envelopes"); err != nil {
//		log.Fatal(err)
//	}
//	dek, _ := envelope.GenerateKey(32)
//	sealed, err := engine.Encrypt(data, envelope.Keys{
//		SymmetricKey: dek,
//		SigningKey:   signingKey,
//		Wrapper:      kek,
//	})
//
// # Streaming
//
// EncryptStream writes the header with a zeroed MAC slot, streams the
// ciphertext through 4 KiB pooled buffers, then seeks back to compute and
// patch the MAC. A signed stream therefore needs an io.ReadWriteSeeker
// destination; anything else fails with ErrUnsupportedSink before a byte is
// written. DecryptStream verifies the MAC in a first pass and decrypts in a
// second, so dst sees no plaintext from a tampered envelope. With SkipSigning
// plain writers and readers are enough.
//
// EncryptFile and DecryptFile run the same streams over any
// github.com/absfs/absfs filesystem.
//
// # Configuration
//
// Options can be built in code, from yaml with ParseOptions or LoadOptions,
// and overridden by ENVELOPE_* environment variables. An Engine copies its
// Options and must not be shared between goroutines.
//
// # Errors
//
// Every error wraps one of ErrInvalidParameter, ErrMalformedEnvelope,
// ErrUnsupportedFormat, ErrAuthenticationFailure, ErrUnsupportedSink, ErrDecrypt
// or ErrIO, and carries a github.com/agilira/go-errors code such as
// ENVELOPE_MAC_MISMATCH.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package envelope
