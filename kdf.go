// kdf.go: PBKDF2 (RFC 2898) key derivation over a pluggable HMAC.
//
// DeriveBytes produces an unbounded pseudorandom stream from a password, a
// salt and an iteration count. Successive Bytes calls continue the same
// stream, so Bytes(10) followed by Bytes(10) returns the same 20 bytes as a
// single Bytes(20) on a fresh instance:
//
//	kdf, err := envelope.NewDeriveBytes(password, salt, 10000, envelope.MACHMACSHA256)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer kdf.Close()
//	key, _ := kdf.Bytes(32)
//	signingKey, _ := kdf.Bytes(32)
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"encoding/binary"
	"fmt"
	"hash"
	"math"
)

const (
	// MinSaltSize is the smallest salt accepted by NewDeriveBytes.
	MinSaltSize = 8

	// DefaultIterations is the PBKDF2 iteration count used by DefaultOptions.
	DefaultIterations = 10000

	blockCounterSize = 4
)

// DeriveBytes is a PBKDF2 key stream. It is not safe for concurrent use.
type DeriveBytes struct {
	spec       *macSpec
	prf        hash.Hash
	iterations int

	// salt holds the caller's salt followed by blockCounterSize bytes that
	// receive the big-endian block index before each block is computed.
	salt *secureBuffer

	block  uint32
	buffer *secureBuffer // last computed block T_i
	u      *secureBuffer // scratch for U_j
	start  int           // first unread byte of buffer
	end    int           // end of valid bytes in buffer
}

// NewDeriveBytes creates a PBKDF2 stream keyed with password.
//
// The salt must be at least MinSaltSize bytes, iterations must be positive
// and mac must be a supported MAC algorithm. The password and salt are
// copied; the caller keeps ownership of both slices.
func NewDeriveBytes(password, salt []byte, iterations int, mac MACAlgorithm) (*DeriveBytes, error) {
	spec, ok := lookupMAC(mac)
	if !ok {
		return nil, invalidParameter(ErrCodeInvalidAlgorithm, fmt.Sprintf("unsupported MAC algorithm %d", int16(mac)))
	}
	if err := validateSalt(salt); err != nil {
		return nil, err
	}
	if err := validateIterations(iterations); err != nil {
		return nil, err
	}
	return newDeriveBytes(password, salt, iterations, spec), nil
}

// newDeriveBytes skips argument validation.
func newDeriveBytes(password, salt []byte, iterations int, spec *macSpec) *DeriveBytes {
	d := &DeriveBytes{
		spec:       spec,
		prf:        spec.newMAC(password),
		iterations: iterations,
		buffer:     rentBuffer(spec.size),
		u:          rentBuffer(spec.size),
	}
	d.setSalt(salt)
	return d
}

func validateSalt(salt []byte) error {
	if len(salt) < MinSaltSize {
		return invalidParameter(ErrCodeInvalidSalt, fmt.Sprintf("salt must be at least %d bytes, got %d", MinSaltSize, len(salt)))
	}
	return nil
}

func validateIterations(iterations int) error {
	if iterations <= 0 || iterations > math.MaxInt32 {
		return invalidParameter(ErrCodeInvalidIterations, fmt.Sprintf("iterations must be in [1, %d], got %d", math.MaxInt32, iterations))
	}
	return nil
}

func (d *DeriveBytes) setSalt(salt []byte) {
	d.salt.Release()
	d.salt = rentBuffer(len(salt) + blockCounterSize)
	copy(d.salt.Bytes(), salt)
	d.Reset()
}

// SetSalt replaces the salt and restarts the stream.
func (d *DeriveBytes) SetSalt(salt []byte) error {
	if err := validateSalt(salt); err != nil {
		return err
	}
	d.setSalt(salt)
	return nil
}

// SetIterations replaces the iteration count and restarts the stream.
func (d *DeriveBytes) SetIterations(iterations int) error {
	if err := validateIterations(iterations); err != nil {
		return err
	}
	d.iterations = iterations
	d.Reset()
	return nil
}

// Iterations returns the current iteration count.
func (d *DeriveBytes) Iterations() int {
	return d.iterations
}

// Salt returns a copy of the current salt.
func (d *DeriveBytes) Salt() []byte {
	s := d.salt.Bytes()
	if len(s) < blockCounterSize {
		return nil
	}
	out := make([]byte, len(s)-blockCounterSize)
	copy(out, s)
	return out
}

// Reset restarts the stream from block 1 and discards any carried-over bytes.
func (d *DeriveBytes) Reset() {
	d.block = 0
	d.start = 0
	d.end = 0
	clearBuffer(d.buffer.Bytes())
}

// Bytes returns the next n bytes of the stream.
func (d *DeriveBytes) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, invalidParameter(ErrCodeInvalidOptions, "requested length must not be negative")
	}
	out := make([]byte, n)
	if err := d.fill(out); err != nil {
		Zeroize(out)
		return nil, err
	}
	return out, nil
}

// Read fills p with the next len(p) bytes of the stream. It never returns
// io.EOF.
func (d *DeriveBytes) Read(p []byte) (int, error) {
	if err := d.fill(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// fill serves carried-over bytes first, then computes whole blocks, keeping
// the unread tail of the last block for the next call.
func (d *DeriveBytes) fill(out []byte) error {
	if d.prf == nil {
		return invalidParameter(ErrCodeInvalidOptions, "key stream is closed")
	}

	n := len(out)
	offset := 0
	buffer := d.buffer.Bytes()

	if size := d.end - d.start; size > 0 {
		if n < size {
			copy(out, buffer[d.start:d.start+n])
			d.start += n
			return nil
		}
		copy(out, buffer[d.start:d.end])
		d.start, d.end = 0, 0
		offset = size
	}

	blockSize := len(buffer)
	for offset < n {
		if err := d.nextBlock(); err != nil {
			return err
		}
		remainder := n - offset
		if remainder >= blockSize {
			copy(out[offset:], buffer)
			offset += blockSize
			continue
		}
		copy(out[offset:], buffer[:remainder])
		offset += remainder
		d.start = remainder
		d.end = blockSize
	}
	return nil
}

// nextBlock computes T_i = U_1 ^ ... ^ U_c into d.buffer, where
// U_1 = PRF(P, S || BE32(i)) and U_j = PRF(P, U_{j-1}).
func (d *DeriveBytes) nextBlock() error {
	if d.block == math.MaxUint32 {
		return invalidParameter(ErrCodeKeyStreamExceeded, "PBKDF2 block counter exhausted")
	}
	d.block++

	salt := d.salt.Bytes()
	binary.BigEndian.PutUint32(salt[len(salt)-blockCounterSize:], d.block)

	buffer := d.buffer.Bytes()
	u := d.u.Bytes()

	d.prf.Reset()
	d.prf.Write(salt)
	u = d.prf.Sum(u[:0])
	copy(buffer, u)

	for j := 2; j <= d.iterations; j++ {
		d.prf.Reset()
		d.prf.Write(u)
		u = d.prf.Sum(u[:0])
		for k := range buffer {
			buffer[k] ^= u[k]
		}
	}
	clearBuffer(u)
	return nil
}

// Close zeroes the carry-over buffer, the scratch block and the salt, and
// resets the HMAC state. The stream cannot be used afterwards.
//
// The HMAC keeps its own copy of the password-derived pads; Reset is the
// only clearing the hash interface offers.
func (d *DeriveBytes) Close() error {
	if d.prf != nil {
		d.prf.Reset()
		d.prf = nil
	}
	d.buffer.Release()
	d.u.Release()
	d.salt.Release()
	d.start, d.end = 0, 0
	return nil
}

// DeriveKey derives keyLen bytes with PBKDF2 in one call.
//
// Parameters:
//   - password: The password to derive the key from
//   - salt: At least MinSaltSize bytes, should be random
//   - iterations: PBKDF2 iteration count (must be positive)
//   - keyLen: The desired length of the derived key in bytes
//   - mac: The HMAC used as pseudorandom function
//
// Example:
//
//	key, err := envelope.DeriveKey([]byte("password"), salt, 100000, 32, envelope.MACHMACSHA256)
//	if err != nil {
//		log.Fatal(err)
//	}
func DeriveKey(password, salt []byte, iterations, keyLen int, mac MACAlgorithm) ([]byte, error) {
	if keyLen <= 0 {
		return nil, invalidParameter(ErrCodeInvalidKey, "key length must be positive")
	}
	kdf, err := NewDeriveBytes(password, salt, iterations, mac)
	if err != nil {
		return nil, err
	}
	defer kdf.Close()
	return kdf.Bytes(keyLen)
}
