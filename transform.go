// transform.go: Incremental cipher transforms shared by the buffer and stream paths.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"golang.org/x/crypto/chacha20"
)

// transform encrypts or decrypts data incrementally. Update may be called any
// number of times with input of any length; Final flushes buffered state and
// zeroes it. Both append their output to dst.
type transform interface {
	Update(dst, src []byte) []byte
	Final(dst []byte) ([]byte, error)
}

// sliceForAppend extends in by n bytes, reusing its capacity when possible.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}

// cbcEncrypter applies PKCS#7 padding on Final.
type cbcEncrypter struct {
	mode cipher.BlockMode
	buf  [aes.BlockSize]byte
	n    int
}

func newCBCEncrypter(key, iv []byte) (*cbcEncrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidKey, "failed to create AES cipher")
	}
	if len(iv) != aes.BlockSize {
		return nil, invalidParameter(ErrCodeInvalidOptions, "IV must be one AES block")
	}
	return &cbcEncrypter{mode: cipher.NewCBCEncrypter(block, iv)}, nil
}

func (t *cbcEncrypter) Update(dst, src []byte) []byte {
	const bs = aes.BlockSize
	for len(src) > 0 {
		if t.n == 0 && len(src) >= bs {
			full := len(src) - len(src)%bs
			var out []byte
			dst, out = sliceForAppend(dst, full)
			t.mode.CryptBlocks(out, src[:full])
			src = src[full:]
			continue
		}
		c := copy(t.buf[t.n:], src)
		t.n += c
		src = src[c:]
		if t.n == bs {
			var out []byte
			dst, out = sliceForAppend(dst, bs)
			t.mode.CryptBlocks(out, t.buf[:])
			t.n = 0
		}
	}
	return dst
}

func (t *cbcEncrypter) Final(dst []byte) ([]byte, error) {
	const bs = aes.BlockSize
	pad := byte(bs - t.n)
	for i := t.n; i < bs; i++ {
		t.buf[i] = pad
	}
	var out []byte
	dst, out = sliceForAppend(dst, bs)
	t.mode.CryptBlocks(out, t.buf[:])
	clearBuffer(t.buf[:])
	t.n = 0
	return dst, nil
}

// cbcDecrypter always holds back the last ciphertext block so Final can strip
// the padding.
type cbcDecrypter struct {
	mode cipher.BlockMode
	buf  [aes.BlockSize]byte
	n    int
}

func newCBCDecrypter(key, iv []byte) (*cbcDecrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidKey, "failed to create AES cipher")
	}
	if len(iv) != aes.BlockSize {
		return nil, invalidParameter(ErrCodeInvalidOptions, "IV must be one AES block")
	}
	return &cbcDecrypter{mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

func (t *cbcDecrypter) Update(dst, src []byte) []byte {
	const bs = aes.BlockSize
	for len(src) > 0 {
		if t.n == bs {
			var out []byte
			dst, out = sliceForAppend(dst, bs)
			t.mode.CryptBlocks(out, t.buf[:])
			t.n = 0
		}
		if t.n == 0 && len(src) > bs {
			full := (len(src) - 1) / bs * bs
			var out []byte
			dst, out = sliceForAppend(dst, full)
			t.mode.CryptBlocks(out, src[:full])
			src = src[full:]
		}
		c := copy(t.buf[t.n:], src)
		t.n += c
		src = src[c:]
	}
	return dst
}

func (t *cbcDecrypter) Final(dst []byte) ([]byte, error) {
	const bs = aes.BlockSize
	defer func() {
		clearBuffer(t.buf[:])
		t.n = 0
	}()

	if t.n != bs {
		return dst, newError(ErrDecrypt, ErrCodePadding, "ciphertext is not a multiple of the block size")
	}

	var last [bs]byte
	t.mode.CryptBlocks(last[:], t.buf[:])
	defer clearBuffer(last[:])

	pad := int(last[bs-1])
	// Check every padding byte without early exit.
	good := subtle.ConstantTimeLessOrEq(1, pad) & subtle.ConstantTimeLessOrEq(pad, bs)
	clamped := subtle.ConstantTimeSelect(good, pad, bs)
	for i := 0; i < bs; i++ {
		inPad := subtle.ConstantTimeLessOrEq(bs-clamped, i)
		match := subtle.ConstantTimeByteEq(last[i], byte(pad))
		good &= subtle.ConstantTimeSelect(inPad, match, 1)
	}
	if good != 1 {
		return dst, newError(ErrDecrypt, ErrCodePadding, "invalid padding")
	}

	return append(dst, last[:bs-pad]...), nil
}

// streamTransform adapts a cipher.Stream. Encryption and decryption are the
// same operation.
type streamTransform struct {
	stream cipher.Stream
}

func newCTRTransform(key, iv []byte) (*streamTransform, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidKey, "failed to create AES cipher")
	}
	if len(iv) != aes.BlockSize {
		return nil, invalidParameter(ErrCodeInvalidOptions, "IV must be one AES block")
	}
	return &streamTransform{stream: cipher.NewCTR(block, iv)}, nil
}

func newChaCha20Transform(key, nonce []byte) (*streamTransform, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidKey, "failed to create ChaCha20 cipher")
	}
	return &streamTransform{stream: c}, nil
}

func (t *streamTransform) Update(dst, src []byte) []byte {
	var out []byte
	dst, out = sliceForAppend(dst, len(src))
	t.stream.XORKeyStream(out, src)
	return dst
}

func (t *streamTransform) Final(dst []byte) ([]byte, error) {
	return dst, nil
}
