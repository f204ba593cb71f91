package codeheap

import (
	"encoding/binary"
	"errors"
)

// ErrBufferOverflow is returned when an emit would grow a Buffer past its limit.
var ErrBufferOverflow = errors.New("code buffer limit exceeded")

// Buffer is a growable scratch area that code is emitted into before it is
// copied to its final Blob. It is reused between emissions; the zero value
// has no limit.
type Buffer struct {
	buf   []byte
	limit int
	err   error
}

// NewBuffer returns a buffer that refuses to grow past limit bytes.
func NewBuffer(limit int) *Buffer {
	return &Buffer{buf: make([]byte, 0, limit), limit: limit}
}

// Reset empties the buffer and clears any sticky overflow error.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.err = nil
}

// Len returns the number of emitted bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Bytes returns the emitted bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.buf }

// Err returns the first overflow encountered since the last Reset.
func (b *Buffer) Err() error { return b.err }

// Extend grows the buffer by n bytes and returns the new tail. On overflow
// it records ErrBufferOverflow and returns a throwaway slice so emitters can
// keep going and check Err once at the end.
func (b *Buffer) Extend(n int) []byte {
	if b.err != nil {
		return make([]byte, n)
	}
	if b.limit > 0 && len(b.buf)+n > b.limit {
		b.err = ErrBufferOverflow
		return make([]byte, n)
	}
	off := len(b.buf)
	if off+n <= cap(b.buf) {
		b.buf = b.buf[:off+n]
	} else {
		grown := make([]byte, off+n, 2*cap(b.buf)+n)
		copy(grown, b.buf)
		b.buf = grown
	}
	return b.buf[off:]
}

// PutByte emits one byte.
func (b *Buffer) PutByte(v byte) { b.Extend(1)[0] = v }

// PutUint32 emits a little-endian word.
func (b *Buffer) PutUint32(v uint32) { binary.LittleEndian.PutUint32(b.Extend(4), v) }

// Align pads with fill until the length is a multiple of n.
func (b *Buffer) Align(n int, fill byte) {
	for len(b.buf)%n != 0 && b.err == nil {
		b.PutByte(fill)
	}
}
