// stream.go: Two-pass streaming encryption and decryption over seekable streams.
//
// Encryption writes the header with a zeroed MAC slot, streams the ciphertext,
// then seeks back over the ciphertext to compute the MAC and patches it into
// the slot. Decryption verifies the MAC over the whole ciphertext first and
// only then seeks back and decrypts, so nothing reaches dst unauthenticated.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"errors"
	"fmt"
	"hash"
	"io"
)

// EncryptStream seals src into dst and returns the number of envelope bytes
// written. The envelope starts at dst's current offset.
//
// A signed envelope needs a second pass over the output, so dst must then
// implement io.ReadWriteSeeker; otherwise ErrUnsupportedSink is returned
// before anything is written. With SkipSigning any io.Writer works.
//
// Example:
//
//	out, _ := os.Create("secret.env")
//	defer out.Close()
//	if _, err := engine.EncryptStream(out, in, envelope.Password(pw), nil); err != nil {
//		log.Fatal(err)
//	}
func (e *Engine) EncryptStream(dst io.Writer, src io.Reader, keys Keys, metadata []byte) (int64, error) {
	var sink io.ReadWriteSeeker
	var start int64
	if !e.opts.SkipSigning {
		rws, ok := dst.(io.ReadWriteSeeker)
		if !ok {
			return 0, newError(ErrUnsupportedSink, ErrCodeNotSeekable, "signed stream encryption requires an io.ReadWriteSeeker destination")
		}
		pos, err := rws.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, wrapError(ErrUnsupportedSink, err, ErrCodeNotSeekable, "destination is not seekable")
		}
		sink, start = rws, pos
	}

	h, km, err := e.GenerateHeader(keys, metadata)
	if err != nil {
		return 0, err
	}
	defer km.Close()

	written, err := h.WriteTo(dst)
	if err != nil {
		return written, err
	}

	suite, _ := e.algorithms()
	enc, err := suite.NewEncrypter(km.Key(), km.IV())
	if err != nil {
		return written, err
	}

	in := rentBuffer(transferBufferSize)
	defer in.Release()
	out := rentBuffer(outputBufferSize)
	defer out.Release()

	for {
		n, rerr := src.Read(in.Bytes())
		if n > 0 {
			ct := enc.Update(out.Bytes()[:0], in.Bytes()[:n])
			w, err := writeFull(dst, ct)
			written += int64(w)
			if err != nil {
				return written, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return written, wrapError(ErrIO, rerr, ErrCodeStreamIO, "failed to read plaintext")
		}
	}
	clearBuffer(in.Bytes())

	ct, err := enc.Final(out.Bytes()[:0])
	if err != nil {
		return written, err
	}
	w, err := writeFull(dst, ct)
	written += int64(w)
	if err != nil {
		return written, err
	}

	if h.Signed() {
		if err := e.patchMAC(sink, start, h, km, written, in.Bytes()); err != nil {
			return written, err
		}
	}

	e.log.WithField("envelope_size", written).Debug("envelope stream sealed")
	return written, nil
}

// patchMAC is the second encryption pass: it re-reads the ciphertext just
// written, computes the MAC and overwrites the zeroed slot, leaving sink
// positioned at the end of the envelope.
func (e *Engine) patchMAC(sink io.ReadWriteSeeker, start int64, h *Header, km *KeyMaterial, written int64, buf []byte) error {
	prefix, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	prefix = prefix[:h.MACOffset()]

	bodyStart := start + int64(h.Len())
	end := start + written
	if _, err := sink.Seek(bodyStart, io.SeekStart); err != nil {
		return wrapError(ErrIO, err, ErrCodeStreamIO, "failed to seek to ciphertext")
	}

	m := e.newEnvelopeMAC(km, prefix)
	if err := hashStream(m, io.LimitReader(sink, end-bodyStart), buf, end-bodyStart); err != nil {
		return err
	}
	sum := m.Sum(nil)
	defer Zeroize(sum)

	if _, err := sink.Seek(start+int64(h.MACOffset()), io.SeekStart); err != nil {
		return wrapError(ErrIO, err, ErrCodeStreamIO, "failed to seek to MAC slot")
	}
	if _, err := writeFull(sink, sum); err != nil {
		return err
	}
	copy(h.MACValue, sum)

	if _, err := sink.Seek(end, io.SeekStart); err != nil {
		return wrapError(ErrIO, err, ErrCodeStreamIO, "failed to seek to end of envelope")
	}
	return nil
}

// DecryptStream opens the envelope read from src and writes the plaintext to
// dst, returning the number of plaintext bytes written. The ciphertext runs
// to the end of src.
//
// Signed envelopes are read twice, so src must then implement io.ReadSeeker;
// otherwise ErrUnsupportedSink is returned. dst receives nothing unless the
// MAC verifies.
func (e *Engine) DecryptStream(dst io.Writer, src io.Reader, keys Keys) (int64, error) {
	rs, seekable := src.(io.ReadSeeker)
	if !seekable && !e.opts.SkipSigning {
		return 0, newError(ErrUnsupportedSink, ErrCodeNotSeekable, "signed stream decryption requires an io.ReadSeeker source")
	}

	h, km, err := e.ReadHeader(src, keys)
	if err != nil {
		return 0, err
	}
	defer km.Close()

	in := rentBuffer(transferBufferSize)
	defer in.Release()

	if h.Signed() {
		if !seekable {
			return 0, newError(ErrUnsupportedSink, ErrCodeNotSeekable, "signed stream decryption requires an io.ReadSeeker source")
		}
		if err := e.verifyStream(rs, h, km, in.Bytes()); err != nil {
			return 0, err
		}
	}

	suite, _ := e.algorithms()
	dec, err := suite.NewDecrypter(km.Key(), km.IV())
	if err != nil {
		return 0, err
	}

	out := rentBuffer(outputBufferSize)
	defer out.Release()

	var written int64
	for {
		n, rerr := src.Read(in.Bytes())
		if n > 0 {
			pt := dec.Update(out.Bytes()[:0], in.Bytes()[:n])
			w, err := writeFull(dst, pt)
			written += int64(w)
			clearBuffer(pt)
			if err != nil {
				return written, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return written, wrapError(ErrIO, rerr, ErrCodeStreamIO, "failed to read ciphertext")
		}
	}

	pt, err := dec.Final(out.Bytes()[:0])
	if err != nil {
		return written, err
	}
	w, err := writeFull(dst, pt)
	written += int64(w)
	clearBuffer(pt)
	if err != nil {
		return written, err
	}

	e.log.WithField("plaintext_size", written).Debug("envelope stream opened")
	return written, nil
}

// verifyStream is the first decryption pass: it hashes the ciphertext up to
// EOF, compares the MAC and rewinds src to the first ciphertext byte.
func (e *Engine) verifyStream(src io.ReadSeeker, h *Header, km *KeyMaterial, buf []byte) error {
	bodyStart, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return wrapError(ErrUnsupportedSink, err, ErrCodeNotSeekable, "source is not seekable")
	}

	prefix, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	m := e.newEnvelopeMAC(km, prefix[:h.MACOffset()])
	if err := hashStream(m, src, buf, -1); err != nil {
		return err
	}
	if err := e.checkMAC(h, m.Sum(nil)); err != nil {
		return err
	}

	if _, err := src.Seek(bodyStart, io.SeekStart); err != nil {
		return wrapError(ErrIO, err, ErrCodeStreamIO, "failed to rewind to ciphertext")
	}
	return nil
}

// hashStream feeds r into m until EOF. When want is non-negative, reading
// fewer bytes is an error.
func hashStream(m hash.Hash, r io.Reader, buf []byte, want int64) error {
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.Write(buf[:n])
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return wrapError(ErrIO, err, ErrCodeStreamIO, "failed to read ciphertext")
		}
	}
	if want >= 0 && total != want {
		return newError(ErrIO, ErrCodeStreamIO, fmt.Sprintf("read back %d ciphertext bytes, wrote %d", total, want))
	}
	return nil
}

// writeFull writes all of p, treating a short write as an error.
func writeFull(w io.Writer, p []byte) (int, error) {
	n, err := w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, wrapError(ErrIO, err, ErrCodeStreamIO, "failed to write envelope data")
	}
	return n, nil
}

