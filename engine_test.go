// engine_test.go: Buffer-level encrypt/decrypt tests.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/agilira/envelope"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	allCiphers = []envelope.CipherAlgorithm{envelope.CipherAESCBC, envelope.CipherAESCTR, envelope.CipherChaCha20}
	allMACs    = []envelope.MACAlgorithm{
		envelope.MACHMACSHA1, envelope.MACHMACSHA256, envelope.MACHMACSHA384,
		envelope.MACHMACSHA512, envelope.MACHMACSHA3256,
	}
)

func TestEngine_RoundTripAllAlgorithms(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("exactly sixteen!"),
		bytes.Repeat([]byte("streaming payload "), 300),
	}

	for _, c := range allCiphers {
		for _, m := range allMACs {
			t.Run(fmt.Sprintf("%s/%s", c, m), func(t *testing.T) {
				engine := newTestEngine(t, func(o *envelope.Options) {
					o.Cipher = c
					o.MAC = m
					o.KeySize = 0
					o.Iterations = 100
				})
				for _, plaintext := range payloads {
					sealed, err := engine.Encrypt(plaintext, envelope.Password(testPassword))
					require.NoError(t, err)

					h, err := envelope.ParseHeader(bytes.NewReader(sealed))
					require.NoError(t, err)
					assert.Equal(t, c, h.Cipher)
					assert.Equal(t, m, h.MAC)
					assert.Len(t, h.MACValue, m.Size())
					assert.NotEqual(t, make([]byte, m.Size()), h.MACValue, "MAC slot must be patched")

					opened, err := engine.Decrypt(sealed, envelope.Password(testPassword))
					require.NoError(t, err)
					assert.Equal(t, plaintext, append([]byte{}, opened...))
				}
			})
		}
	}
}

func TestEngine_CiphertextHidesPlaintext(t *testing.T) {
	engine := newTestEngine(t, nil)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	a, err := engine.Encrypt(plaintext, envelope.Password(testPassword))
	require.NoError(t, err)
	b, err := engine.Encrypt(plaintext, envelope.Password(testPassword))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh salts and IV for every envelope")
	assert.False(t, bytes.Contains(a, plaintext))
	assert.False(t, bytes.Contains(a, testPassword))
}

func TestEngine_DeterministicWithFixedRandom(t *testing.T) {
	seal := func() []byte {
		engine := newTestEngine(t, func(o *envelope.Options) { o.Random = fixedRandom(7) })
		sealed, err := engine.Encrypt([]byte("reproducible"), envelope.Password(testPassword))
		require.NoError(t, err)
		return sealed
	}
	assert.Equal(t, seal(), seal())
}

// Every single-bit flip anywhere in the envelope must be rejected.
func TestEngine_TamperDetection(t *testing.T) {
	engine := newTestEngine(t, nil)
	sealed, err := engine.EncryptWithMetadata([]byte("tamper evident payload!"), []byte("meta"), envelope.Password(testPassword))
	require.NoError(t, err)

	h, err := envelope.ParseHeader(bytes.NewReader(sealed))
	require.NoError(t, err)

	for i := range sealed {
		for _, bit := range []byte{0x01, 0x80} {
			tampered := bytes.Clone(sealed)
			tampered[i] ^= bit

			plaintext, err := engine.Decrypt(tampered, envelope.Password(testPassword))
			require.Error(t, err, "flip 0x%02x at byte %d accepted", bit, i)
			require.Nil(t, plaintext)
			if i >= envelope.FixedHeaderSize {
				require.ErrorIs(t, err, envelope.ErrAuthenticationFailure, "flip at byte %d (header length %d)", i, h.Len())
			}
		}
	}

	truncated := sealed[:len(sealed)-1]
	_, err = engine.Decrypt(truncated, envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)

	extended := append(bytes.Clone(sealed), 0)
	_, err = engine.Decrypt(extended, envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestEngine_WrongPassword(t *testing.T) {
	for _, c := range allCiphers {
		t.Run(c.String(), func(t *testing.T) {
			engine := newTestEngine(t, func(o *envelope.Options) { o.Cipher = c; o.KeySize = 0 })
			sealed, err := engine.Encrypt([]byte("secret"), envelope.Password(testPassword))
			require.NoError(t, err)

			plaintext, err := engine.Decrypt(sealed, envelope.Password([]byte("not the password")))
			assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
			assert.Nil(t, plaintext)
		})
	}
}

func TestEngine_SkipSigning(t *testing.T) {
	unsigned := newTestEngine(t, func(o *envelope.Options) { o.SkipSigning = true })
	sealed, err := unsigned.Encrypt([]byte("malleable"), envelope.Password(testPassword))
	require.NoError(t, err)

	h, err := envelope.ParseHeader(bytes.NewReader(sealed))
	require.NoError(t, err)
	assert.False(t, h.Signed())

	opened, err := unsigned.Decrypt(sealed, envelope.Password(testPassword))
	require.NoError(t, err)
	assert.Equal(t, "malleable", string(opened))

	// A signing engine never accepts an unsigned envelope.
	signing := newTestEngine(t, nil)
	_, err = signing.Decrypt(sealed, envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)

	// Stripping the MAC from a signed envelope is a downgrade, not a pass.
	signed, err := signing.Encrypt([]byte("signed"), envelope.Password(testPassword))
	require.NoError(t, err)
	sh, err := envelope.ParseHeader(bytes.NewReader(signed))
	require.NoError(t, err)
	stripped := bytes.Clone(signed[:sh.MACOffset()])
	stripped[offMACSize], stripped[offMACSize+1] = 0, 0
	stripped = append(stripped, signed[sh.Len():]...)
	_, err = signing.Decrypt(stripped, envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestEngine_SkipSigningOpensSignedEnvelope(t *testing.T) {
	signing := newTestEngine(t, nil)
	sealed, err := signing.Encrypt([]byte("verified anyway"), envelope.Password(testPassword))
	require.NoError(t, err)

	unsigned := newTestEngine(t, func(o *envelope.Options) { o.SkipSigning = true })
	opened, err := unsigned.Decrypt(sealed, envelope.Password(testPassword))
	require.NoError(t, err)
	assert.Equal(t, "verified anyway", string(opened))

	sealed[len(sealed)-1] ^= 1
	_, err = unsigned.Decrypt(sealed, envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestEngine_RawKeys(t *testing.T) {
	key, err := envelope.GenerateKey(32)
	require.NoError(t, err)
	signingKey, err := envelope.GenerateKey(64)
	require.NoError(t, err)
	engine := newTestEngine(t, nil)

	t.Run("raw key and raw signing key", func(t *testing.T) {
		keys := envelope.Keys{SymmetricKey: key, SigningKey: signingKey}
		sealed, err := engine.Encrypt([]byte("raw"), keys)
		require.NoError(t, err)

		h, err := envelope.ParseHeader(bytes.NewReader(sealed))
		require.NoError(t, err)
		assert.Empty(t, h.SymmetricKey, "nothing key-related is embedded without a wrapper")
		assert.False(t, bytes.Contains(sealed, key))

		opened, err := engine.Decrypt(sealed, keys)
		require.NoError(t, err)
		assert.Equal(t, "raw", string(opened))

		_, err = engine.Decrypt(sealed, envelope.Keys{SigningKey: signingKey})
		assert.ErrorIs(t, err, envelope.ErrInvalidParameter)

		otherSigningKey := bytes.Clone(signingKey)
		otherSigningKey[0] ^= 1
		_, err = engine.Decrypt(sealed, envelope.Keys{SymmetricKey: key, SigningKey: otherSigningKey})
		assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
	})

	t.Run("raw key signed by password", func(t *testing.T) {
		keys := envelope.Keys{SymmetricKey: key, PrivateKey: testPassword}
		sealed, err := engine.Encrypt([]byte("mixed"), keys)
		require.NoError(t, err)

		opened, err := engine.Decrypt(sealed, keys)
		require.NoError(t, err)
		assert.Equal(t, "mixed", string(opened))

		_, err = engine.Decrypt(sealed, envelope.Keys{SymmetricKey: key, PrivateKey: []byte("another password")})
		assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
	})

	t.Run("keys from options", func(t *testing.T) {
		configured := newTestEngine(t, func(o *envelope.Options) {
			o.SymmetricKey = key
			o.SigningKey = signingKey
		})
		sealed, err := configured.Encrypt([]byte("configured"), envelope.Keys{})
		require.NoError(t, err)

		opened, err := engine.Decrypt(sealed, envelope.Keys{SymmetricKey: key, SigningKey: signingKey})
		require.NoError(t, err)
		assert.Equal(t, "configured", string(opened))

		opts := configured.Options()
		assert.Nil(t, opts.SymmetricKey)
		assert.Nil(t, opts.SigningKey)
	})
}

func TestEngine_WrappedKey(t *testing.T) {
	kek := envelope.NewKeyManager()
	_, err := kek.RotateKEK("engine-test")
	require.NoError(t, err)

	dek, err := envelope.GenerateKey(32)
	require.NoError(t, err)
	signingKey, err := envelope.GenerateKey(32)
	require.NoError(t, err)

	engine := newTestEngine(t, nil)
	sealed, err := engine.Encrypt([]byte("wrapped payload"), envelope.Keys{
		SymmetricKey: dek,
		SigningKey:   signingKey,
		Wrapper:      kek,
	})
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, dek))

	opened, err := engine.Decrypt(sealed, envelope.Keys{SigningKey: signingKey, Wrapper: kek})
	require.NoError(t, err)
	assert.Equal(t, "wrapped payload", string(opened))

	// A different KEK set cannot unwrap the embedded key.
	other := envelope.NewKeyManager()
	_, err = other.RotateKEK("engine-test")
	require.NoError(t, err)
	_, err = engine.Decrypt(sealed, envelope.Keys{SigningKey: signingKey, Wrapper: other})
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestEngine_Metadata(t *testing.T) {
	engine := newTestEngine(t, nil)
	metadata := []byte(`{"content-type":"text/plain"}`)

	sealed, err := engine.EncryptWithMetadata([]byte("body"), metadata, envelope.Password(testPassword))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(sealed, metadata), "metadata is stored in the clear")

	plaintext, h, err := engine.DecryptWithHeader(sealed, envelope.Password(testPassword))
	require.NoError(t, err)
	assert.Equal(t, "body", string(plaintext))
	assert.Equal(t, metadata, h.Metadata)

	idx := bytes.Index(sealed, metadata)
	sealed[idx] = '['
	_, err = engine.Decrypt(sealed, envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure, "metadata is authenticated")
}

func TestEngine_Strings(t *testing.T) {
	engine := newTestEngine(t, nil)

	encoded, err := engine.EncryptString("hello, envelope", envelope.Password(testPassword))
	require.NoError(t, err)
	assert.NotContains(t, encoded, "hello")

	decoded, err := engine.DecryptString(encoded, envelope.Password(testPassword))
	require.NoError(t, err)
	assert.Equal(t, "hello, envelope", decoded)

	_, err = engine.DecryptString("not base64!!", envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)

	_, err = engine.DecryptString(encoded, envelope.Password([]byte("wrong")))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestEngine_MinimumPasswordLength(t *testing.T) {
	engine := newTestEngine(t, func(o *envelope.Options) { o.MinimumPasswordLength = 16 })

	_, err := engine.Encrypt([]byte("x"), envelope.Password([]byte("too-short")))
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter)

	sealed, err := engine.Encrypt([]byte("x"), envelope.Password(testPassword))
	require.NoError(t, err)
	_, err = engine.Decrypt(sealed, envelope.Password([]byte("too-short")))
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter)
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*envelope.Options)
	}{
		{"unknown cipher", func(o *envelope.Options) { o.Cipher = 77 }},
		{"unknown mac", func(o *envelope.Options) { o.MAC = 77 }},
		{"bad AES key size", func(o *envelope.Options) { o.KeySize = 20 }},
		{"bad ChaCha20 key size", func(o *envelope.Options) { o.Cipher = envelope.CipherChaCha20; o.KeySize = 16 }},
		{"IV size", func(o *envelope.Options) { o.IVSize = 12 }},
		{"short salt", func(o *envelope.Options) { o.SaltSize = 4 }},
		{"negative iterations", func(o *envelope.Options) { o.Iterations = -1 }},
		{"negative minimum password length", func(o *envelope.Options) { o.MinimumPasswordLength = -1 }},
		{"bad configured key", func(o *envelope.Options) { o.SymmetricKey = make([]byte, 7) }},
		{"empty configured signing key", func(o *envelope.Options) { o.SigningKey = []byte{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fastOptions()
			tt.mutate(opts)
			engine, err := envelope.New(opts)
			assert.Nil(t, engine)
			assert.ErrorIs(t, err, envelope.ErrInvalidParameter)
		})
	}

	engine, err := envelope.New(nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.DefaultIterations, engine.Options().Iterations)
}

func TestEngine_CopiesOptions(t *testing.T) {
	opts := fastOptions()
	engine, err := envelope.New(opts)
	require.NoError(t, err)

	sealed, err := engine.Encrypt([]byte("stable"), envelope.Password(testPassword))
	require.NoError(t, err)

	opts.Iterations = 5
	opts.Cipher = envelope.CipherChaCha20
	opened, err := engine.Decrypt(sealed, envelope.Password(testPassword))
	require.NoError(t, err)
	assert.Equal(t, "stable", string(opened))
}

func TestEngine_ReleasesBuffers(t *testing.T) {
	engine := newTestEngine(t, nil)
	before := envelope.GetPoolStats()

	sealed, err := engine.Encrypt([]byte("pooled"), envelope.Password(testPassword))
	require.NoError(t, err)
	_, err = engine.Decrypt(sealed, envelope.Password(testPassword))
	require.NoError(t, err)
	_, err = engine.Decrypt(sealed, envelope.Password([]byte("wrong password")))
	require.Error(t, err)
	_, err = engine.Decrypt(sealed[:10], envelope.Password(testPassword))
	require.Error(t, err)

	after := envelope.GetPoolStats()
	assert.Equal(t, before.Outstanding(), after.Outstanding())
	assert.Greater(t, after.Rented, before.Rented)
}

func TestEngine_LogsMACFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	engine := newTestEngine(t, func(o *envelope.Options) { o.Logger = logger })

	sealed, err := engine.Encrypt([]byte("logged"), envelope.Password(testPassword))
	require.NoError(t, err)
	require.NotEmpty(t, hook.AllEntries())
	for _, entry := range hook.AllEntries() {
		assert.Equal(t, logrus.DebugLevel, entry.Level)
		for _, v := range entry.Data {
			assert.NotContains(t, fmt.Sprint(v), string(testPassword))
		}
	}
	hook.Reset()

	sealed[len(sealed)-1] ^= 0xFF
	_, err = engine.Decrypt(sealed, envelope.Password(testPassword))
	require.ErrorIs(t, err, envelope.ErrAuthenticationFailure)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "AES-CBC", last.Data["cipher"])
}

func TestErrors_SingleSentinel(t *testing.T) {
	engine := newTestEngine(t, nil)
	sealed, err := engine.Encrypt([]byte("coded"), envelope.Password(testPassword))
	require.NoError(t, err)

	sentinels := []error{
		envelope.ErrInvalidParameter, envelope.ErrMalformedEnvelope, envelope.ErrUnsupportedFormat,
		envelope.ErrAuthenticationFailure, envelope.ErrUnsupportedSink, envelope.ErrDecrypt, envelope.ErrIO,
	}
	_, err = engine.Decrypt(sealed, envelope.Password([]byte("wrong")))
	require.Error(t, err)
	matched := 0
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			matched++
		}
	}
	assert.Equal(t, 1, matched, "error %v", err)
	assert.True(t, strings.HasPrefix(err.Error(), envelope.ErrAuthenticationFailure.Error()), err.Error())
}
