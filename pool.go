// pool.go: Buffer pooling for key material and transfer buffers with mandatory zeroing
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool size classes. Keys, IVs and salts fit the small classes, a full
// SHA-512 output fits keyBufferSize, transfer buffers use the last two.
const (
	smallBufferSize    = 32
	keyBufferSize      = 64
	mediumBufferSize   = 512
	transferBufferSize = 4 * 1024
	outputBufferSize   = 8 * 1024
)

var (
	smallBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, smallBufferSize)
			return &buf
		},
	}

	keyBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, keyBufferSize)
			return &buf
		},
	}

	mediumBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, mediumBufferSize)
			return &buf
		},
	}

	transferBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, transferBufferSize)
			return &buf
		},
	}

	outputBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, outputBufferSize)
			return &buf
		},
	}

	rentedBuffers   atomic.Int64
	releasedBuffers atomic.Int64
)

func init() {
	WarmupPools(4)
}

// getBuffer retrieves a buffer from the appropriate pool based on size.
// The returned slice has length size; its contents are zero.
func getBuffer(size int) *[]byte {
	var buf *[]byte
	switch {
	case size <= smallBufferSize:
		buf = smallBufferPool.Get().(*[]byte)
	case size <= keyBufferSize:
		buf = keyBufferPool.Get().(*[]byte)
	case size <= mediumBufferSize:
		buf = mediumBufferPool.Get().(*[]byte)
	case size <= transferBufferSize:
		buf = transferBufferPool.Get().(*[]byte)
	case size <= outputBufferSize:
		buf = outputBufferPool.Get().(*[]byte)
	default:
		b := make([]byte, size)
		buf = &b
	}
	*buf = (*buf)[:size]
	rentedBuffers.Add(1)
	return buf
}

// clearBuffer zeroes buf. For large buffers the loop is unrolled on 8 bytes.
func clearBuffer(buf []byte) {
	if len(buf) <= 64 {
		for i := range buf {
			buf[i] = 0
		}
		runtime.KeepAlive(buf)
		return
	}

	i := 0
	for i < len(buf)-7 {
		buf[i] = 0
		buf[i+1] = 0
		buf[i+2] = 0
		buf[i+3] = 0
		buf[i+4] = 0
		buf[i+5] = 0
		buf[i+6] = 0
		buf[i+7] = 0
		i += 8
	}
	for i < len(buf) {
		buf[i] = 0
		i++
	}
	runtime.KeepAlive(buf)
}

// putBuffer zeroes the whole capacity of buf and returns it to its pool.
// Buffers that do not match a size class are zeroed and dropped.
func putBuffer(buf *[]byte) {
	if buf == nil || *buf == nil {
		return
	}

	full := (*buf)[:cap(*buf)]
	clearBuffer(full)
	*buf = full
	releasedBuffers.Add(1)

	switch cap(full) {
	case smallBufferSize:
		smallBufferPool.Put(buf)
	case keyBufferSize:
		keyBufferPool.Put(buf)
	case mediumBufferSize:
		mediumBufferPool.Put(buf)
	case transferBufferSize:
		transferBufferPool.Put(buf)
	case outputBufferSize:
		outputBufferPool.Put(buf)
	}
}

// secureBuffer owns a pooled buffer until Release. Release zeroes the
// buffer before it goes back to the pool and is safe to call more than once,
// so it can be deferred on every path.
type secureBuffer struct {
	buf *[]byte
}

// rentBuffer returns a zeroed buffer of exactly size bytes.
func rentBuffer(size int) *secureBuffer {
	return &secureBuffer{buf: getBuffer(size)}
}

// rentCopy returns a pooled copy of src.
func rentCopy(src []byte) *secureBuffer {
	sb := rentBuffer(len(src))
	copy(sb.Bytes(), src)
	return sb
}

// Bytes returns the rented slice, or nil after Release.
func (s *secureBuffer) Bytes() []byte {
	if s == nil || s.buf == nil {
		return nil
	}
	return *s.buf
}

// Len returns the length of the rented slice.
func (s *secureBuffer) Len() int {
	return len(s.Bytes())
}

// Release zeroes the buffer and returns it to the pool.
func (s *secureBuffer) Release() {
	if s == nil || s.buf == nil {
		return
	}
	putBuffer(s.buf)
	s.buf = nil
}

// PoolStats reports buffer pool activity. Rented minus Released is the number
// of buffers currently held by callers.
type PoolStats struct {
	Rented   int64
	Released int64
}

// Outstanding returns the number of rented buffers not yet released.
func (p PoolStats) Outstanding() int64 {
	return p.Rented - p.Released
}

// GetPoolStats returns the current pool counters (for debugging/monitoring).
func GetPoolStats() PoolStats {
	return PoolStats{
		Rented:   rentedBuffers.Load(),
		Released: releasedBuffers.Load(),
	}
}

// WarmupPools pre allocates buffers in the pools to reduce cold latency
func WarmupPools(count int) {
	sizes := []int{smallBufferSize, keyBufferSize, mediumBufferSize, transferBufferSize, outputBufferSize}
	bufs := make([]*[]byte, 0, count*len(sizes))
	for i := 0; i < count; i++ {
		for _, size := range sizes {
			bufs = append(bufs, getBuffer(size))
		}
	}
	for _, buf := range bufs {
		putBuffer(buf)
	}
}
