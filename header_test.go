// header_test.go: Header layout, parsing and validation tests.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/agilira/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Offsets of the fixed header fields.
const (
	offVersion      = 0
	offCipher       = 2
	offMAC          = 4
	offMetadataSize = 6
	offIterations   = 10
	offSymSaltSize  = 14
	offSignSaltSize = 16
	offIVSize       = 18
	offMACSize      = 22
)

func sealedEnvelope(t *testing.T, engine *envelope.Engine, metadata []byte) []byte {
	t.Helper()
	sealed, err := engine.EncryptWithMetadata([]byte("header test payload"), metadata, envelope.Password(testPassword))
	require.NoError(t, err)
	return sealed
}

func TestHeader_SelfDescribing(t *testing.T) {
	engine := newTestEngine(t, nil)
	metadata := []byte(`{"owner":"ops"}`)

	h, km, err := engine.GenerateHeader(envelope.Password(testPassword), metadata)
	require.NoError(t, err)
	defer km.Close()

	encoded, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, h.Len(), len(encoded))
	assert.Equal(t, h.Len()-envelope.MACHMACSHA256.Size(), h.MACOffset())
	assert.True(t, h.Signed())

	parsed, err := envelope.ParseHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	reencoded, err := parsed.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
	assert.Equal(t, h.Len(), parsed.Len())

	assert.Equal(t, envelope.FormatVersion, parsed.Version)
	assert.Equal(t, envelope.CipherAESCBC, parsed.Cipher)
	assert.Equal(t, int32(testIterations), parsed.Iterations)
	assert.Equal(t, metadata, parsed.Metadata)
	assert.Len(t, parsed.SymmetricSalt, envelope.DefaultSaltSize)
	assert.Len(t, parsed.SigningSalt, envelope.DefaultSaltSize)
	assert.Len(t, parsed.IV, 16)
	assert.Empty(t, parsed.SymmetricKey)
	assert.Equal(t, make([]byte, 32), parsed.MACValue, "MAC slot is zero until patched")
}

func TestHeader_WireLayout(t *testing.T) {
	h := &envelope.Header{
		Version:       envelope.FormatVersion,
		Cipher:        envelope.CipherAESCTR,
		MAC:           envelope.MACHMACSHA1,
		Metadata:      []byte("md"),
		Iterations:    0x01020304,
		SymmetricSalt: bytes.Repeat([]byte{0xA1}, 8),
		SigningSalt:   bytes.Repeat([]byte{0xB2}, 9),
		IV:            bytes.Repeat([]byte{0xC3}, 16),
		SymmetricKey:  []byte{0xD4, 0xD4},
		MACValue:      bytes.Repeat([]byte{0xE5}, 20),
	}
	encoded, err := h.MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		0x01, 0x00, // version
		0x02, 0x00, // cipher
		0x01, 0x00, // mac
		0x02, 0x00, 0x00, 0x00, // metadata size
		0x04, 0x03, 0x02, 0x01, // iterations
		0x08, 0x00, 0x09, 0x00, 0x10, 0x00, 0x02, 0x00, 0x14, 0x00,
	}
	require.Len(t, want, envelope.FixedHeaderSize)
	want = append(want, "md"...)
	want = append(want, h.SymmetricSalt...)
	want = append(want, h.SigningSalt...)
	want = append(want, h.IV...)
	want = append(want, h.SymmetricKey...)
	want = append(want, h.MACValue...)
	assert.Equal(t, want, encoded)

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), n)
	assert.Equal(t, want, buf.Bytes())
}

func TestParseHeader_Truncated(t *testing.T) {
	engine := newTestEngine(t, nil)
	sealed := sealedEnvelope(t, engine, []byte("meta"))

	parsed, err := envelope.ParseHeader(bytes.NewReader(sealed))
	require.NoError(t, err)

	for n := 0; n < parsed.Len(); n++ {
		_, err := envelope.ParseHeader(bytes.NewReader(sealed[:n]))
		require.ErrorIs(t, err, envelope.ErrMalformedEnvelope, "prefix of %d bytes", n)

		_, err = engine.Decrypt(sealed[:n], envelope.Password(testPassword))
		require.ErrorIs(t, err, envelope.ErrMalformedEnvelope, "prefix of %d bytes", n)
	}
}

func TestParseHeader_Unsupported(t *testing.T) {
	engine := newTestEngine(t, nil)
	sealed := sealedEnvelope(t, engine, nil)

	tests := []struct {
		name   string
		offset int
		value  int16
	}{
		{"future version", offVersion, 2},
		{"version zero", offVersion, 0},
		{"unknown cipher", offCipher, 99},
		{"cipher zero", offCipher, 0},
		{"unknown mac", offMAC, 42},
		{"negative mac", offMAC, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := bytes.Clone(sealed)
			binary.LittleEndian.PutUint16(tampered[tt.offset:], uint16(tt.value))

			_, err := envelope.ParseHeader(bytes.NewReader(tampered))
			assert.ErrorIs(t, err, envelope.ErrUnsupportedFormat)

			_, err = engine.Decrypt(tampered, envelope.Password(testPassword))
			assert.ErrorIs(t, err, envelope.ErrUnsupportedFormat)
		})
	}
}

func TestParseHeader_OutOfRangeLengths(t *testing.T) {
	engine := newTestEngine(t, nil)
	sealed := sealedEnvelope(t, engine, nil)

	tests := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"negative metadata size", func(b []byte) {
			binary.LittleEndian.PutUint32(b[offMetadataSize:], 0xFFFFFFFF)
		}},
		{"huge metadata size", func(b []byte) {
			binary.LittleEndian.PutUint32(b[offMetadataSize:], envelope.MaxMetadataSize+1)
		}},
		{"zero iterations", func(b []byte) {
			binary.LittleEndian.PutUint32(b[offIterations:], 0)
		}},
		{"negative iterations", func(b []byte) {
			binary.LittleEndian.PutUint32(b[offIterations:], 0x80000000)
		}},
		{"negative salt size", func(b []byte) {
			binary.LittleEndian.PutUint16(b[offSymSaltSize:], 0xFFFF)
		}},
		{"negative signing salt size", func(b []byte) {
			binary.LittleEndian.PutUint16(b[offSignSaltSize:], 0x8000)
		}},
		{"IV size does not match cipher", func(b []byte) {
			binary.LittleEndian.PutUint16(b[offIVSize:], 12)
		}},
		{"MAC size does not match algorithm", func(b []byte) {
			binary.LittleEndian.PutUint16(b[offMACSize:], 20)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := bytes.Clone(sealed)
			tt.mutate(tampered)

			_, err := envelope.ParseHeader(bytes.NewReader(tampered))
			assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
		})
	}
}

func TestReadHeader_OptionsMismatch(t *testing.T) {
	writer := newTestEngine(t, nil)
	sealed := sealedEnvelope(t, writer, nil)

	tests := []struct {
		name   string
		mutate func(*envelope.Options)
	}{
		{"iterations", func(o *envelope.Options) { o.Iterations = testIterations + 1 }},
		{"cipher", func(o *envelope.Options) { o.Cipher = envelope.CipherAESCTR }},
		{"mac", func(o *envelope.Options) { o.MAC = envelope.MACHMACSHA512 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newTestEngine(t, tt.mutate)
			_, _, err := reader.ReadHeader(bytes.NewReader(sealed), envelope.Password(testPassword))
			assert.ErrorIs(t, err, envelope.ErrUnsupportedFormat)
		})
	}
}

func TestDecrypt_KeySizeMismatch(t *testing.T) {
	plaintext := []byte("the original plaintext")

	for _, cipher := range []envelope.CipherAlgorithm{envelope.CipherAESCTR, envelope.CipherAESCBC} {
		t.Run(cipher.String(), func(t *testing.T) {
			writer := newTestEngine(t, func(o *envelope.Options) {
				o.Cipher = cipher
				o.KeySize = 16
			})
			reader := newTestEngine(t, func(o *envelope.Options) {
				o.Cipher = cipher
				o.KeySize = 32
			})

			sealed, err := writer.Encrypt(plaintext, envelope.Password(testPassword))
			require.NoError(t, err)

			opened, err := reader.Decrypt(sealed, envelope.Password(testPassword))
			assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
			assert.Nil(t, opened)

			var out bytes.Buffer
			_, err = reader.DecryptStream(&out, bytes.NewReader(sealed), envelope.Password(testPassword))
			assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
			assert.Zero(t, out.Len())

			opened, err = writer.Decrypt(sealed, envelope.Password(testPassword))
			require.NoError(t, err)
			assert.Equal(t, plaintext, opened)
		})
	}
}

func TestReadHeader_PositionsAtCiphertext(t *testing.T) {
	engine := newTestEngine(t, nil)
	sealed := sealedEnvelope(t, engine, []byte("positioned"))

	r := bytes.NewReader(sealed)
	h, km, err := engine.ReadHeader(r, envelope.Password(testPassword))
	require.NoError(t, err)
	defer km.Close()

	assert.Equal(t, len(sealed)-h.Len(), r.Len())
	assert.Len(t, km.Key(), envelope.DefaultKeySize)
	assert.Len(t, km.IV(), 16)
	assert.Len(t, km.SigningKey(), envelope.MACHMACSHA256.Size())
}

func TestReadHeader_RejectsShortSalt(t *testing.T) {
	engine := newTestEngine(t, nil)
	h := &envelope.Header{
		Version:       envelope.FormatVersion,
		Cipher:        envelope.CipherAESCBC,
		MAC:           envelope.MACHMACSHA256,
		Metadata:      []byte{},
		Iterations:    testIterations,
		SymmetricSalt: []byte{1, 2, 3, 4},
		SigningSalt:   bytes.Repeat([]byte{5}, 8),
		IV:            make([]byte, 16),
		MACValue:      make([]byte, 32),
	}
	encoded, err := h.MarshalBinary()
	require.NoError(t, err)

	_, _, err = engine.ReadHeader(bytes.NewReader(encoded), envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
}

func TestReadHeader_EmbeddedKeyNeedsWrapper(t *testing.T) {
	kek := envelope.NewKeyManager()
	_, err := kek.RotateKEK("header-test")
	require.NoError(t, err)
	dek, err := envelope.GenerateKey(32)
	require.NoError(t, err)

	engine := newTestEngine(t, nil)
	sealed, err := engine.Encrypt([]byte("wrapped"), envelope.Keys{
		PrivateKey:   testPassword,
		SymmetricKey: dek,
		Wrapper:      kek,
	})
	require.NoError(t, err)

	parsed, err := envelope.ParseHeader(bytes.NewReader(sealed))
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.SymmetricKey)
	assert.False(t, bytes.Contains(sealed, dek), "raw key must not appear in the envelope")

	_, _, err = engine.ReadHeader(bytes.NewReader(sealed), envelope.Password(testPassword))
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter)
}

func TestGenerateHeader_FreshSalts(t *testing.T) {
	engine := newTestEngine(t, nil)

	h1, km1, err := engine.GenerateHeader(envelope.Password(testPassword), nil)
	require.NoError(t, err)
	defer km1.Close()
	h2, km2, err := engine.GenerateHeader(envelope.Password(testPassword), nil)
	require.NoError(t, err)
	defer km2.Close()

	assert.NotEqual(t, h1.SymmetricSalt, h2.SymmetricSalt)
	assert.NotEqual(t, h1.SymmetricSalt, h1.SigningSalt)
	assert.NotEqual(t, h1.IV, h2.IV)
	assert.NotEqual(t, km1.Key(), km2.Key())
	assert.NotEqual(t, km1.Key(), km1.SigningKey()[:len(km1.Key())])
}

func TestGenerateHeader_Validation(t *testing.T) {
	engine := newTestEngine(t, func(o *envelope.Options) { o.MinimumPasswordLength = 12 })

	_, _, err := engine.GenerateHeader(envelope.Keys{}, nil)
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter, "no keys")

	_, _, err = engine.GenerateHeader(envelope.Password([]byte("short")), nil)
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter, "password below minimum length")

	_, _, err = engine.GenerateHeader(envelope.Password(testPassword), make([]byte, envelope.MaxMetadataSize+1))
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter, "oversized metadata")

	_, _, err = engine.GenerateHeader(envelope.Keys{SymmetricKey: make([]byte, 20)}, nil)
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter, "bad raw key size")

	_, _, err = engine.GenerateHeader(envelope.Keys{SymmetricKey: make([]byte, 32)}, nil)
	assert.ErrorIs(t, err, envelope.ErrInvalidParameter, "signing needs a password or signing key")
}

func TestGenerateHeader_SkipSigning(t *testing.T) {
	engine := newTestEngine(t, func(o *envelope.Options) { o.SkipSigning = true })

	h, km, err := engine.GenerateHeader(envelope.Password(testPassword), nil)
	require.NoError(t, err)
	defer km.Close()

	assert.False(t, h.Signed())
	assert.Equal(t, h.Len(), h.MACOffset())
	assert.Nil(t, km.SigningKey())
}

func TestKeyMaterial_Close(t *testing.T) {
	before := envelope.GetPoolStats()

	engine := newTestEngine(t, nil)
	_, km, err := engine.GenerateHeader(envelope.Password(testPassword), nil)
	require.NoError(t, err)
	require.NotNil(t, km.Key())

	require.NoError(t, km.Close())
	require.NoError(t, km.Close())
	assert.Nil(t, km.Key())
	assert.Nil(t, km.IV())
	assert.Nil(t, km.SigningKey())

	var nilKM *envelope.KeyMaterial
	assert.NoError(t, nilKM.Close())

	after := envelope.GetPoolStats()
	assert.Equal(t, before.Outstanding(), after.Outstanding())
}
