// helpers_test.go: Shared fixtures for the envelope tests.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope_test

import (
	"errors"
	"io"
	"testing"

	"github.com/agilira/envelope"
	"github.com/stretchr/testify/require"
)

const testIterations = 1000

var testPassword = []byte("correct horse battery staple")

func fastOptions() *envelope.Options {
	opts := envelope.DefaultOptions()
	opts.Iterations = testIterations
	return opts
}

func newTestEngine(t testing.TB, mutate func(*envelope.Options)) *envelope.Engine {
	t.Helper()
	opts := fastOptions()
	if mutate != nil {
		mutate(opts)
	}
	engine, err := envelope.New(opts)
	require.NoError(t, err)
	return engine
}

// seekBuffer is an in-memory io.ReadWriteSeeker.
type seekBuffer struct {
	data []byte
	pos  int64
}

func (b *seekBuffer) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = abs
	return abs, nil
}

// writeOnly hides every method but Write.
type writeOnly struct{ w io.Writer }

func (w writeOnly) Write(p []byte) (int, error) { return w.w.Write(p) }

// readOnly hides every method but Read.
type readOnly struct{ r io.Reader }

func (r readOnly) Read(p []byte) (int, error) { return r.r.Read(p) }

// fixedRandom returns the same byte forever, making envelopes reproducible.
type fixedRandom byte

func (f fixedRandom) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(f)
	}
	return len(p), nil
}

// failingWriter fails every write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
