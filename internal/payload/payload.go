// Package payload implements a reference-counted, immutable byte buffer
// shared from a broker client's inbound callback through every downstream
// publish call without copying.
package payload

import "sync/atomic"

// Buffer is an immutable byte slice with a reference count. The zero value
// is not usable; construct with New.
type Buffer struct {
	bytes []byte
	refs  int32
}

// New wraps b in a Buffer with an initial reference count of 1. b must not
// be mutated by the caller afterwards — ownership transfers to the Buffer.
func New(b []byte) *Buffer {
	return &Buffer{bytes: b, refs: 1}
}

// Bytes returns the underlying slice. Callers must not modify it.
func (b *Buffer) Bytes() []byte {
	return b.bytes
}

// Len returns the length of the underlying slice.
func (b *Buffer) Len() int {
	return len(b.bytes)
}

// Acquire increments the reference count and returns b, so call sites can
// chain `publish(payload.Acquire())`.
func (b *Buffer) Acquire() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release decrements the reference count. The underlying slice is owned by
// the garbage collector, so Release exists only to make hand-off explicit
// and to let tests assert every acquire is matched.
func (b *Buffer) Release() {
	atomic.AddInt32(&b.refs, -1)
}

// RefCount reports the current reference count, for tests.
func (b *Buffer) RefCount() int32 {
	return atomic.LoadInt32(&b.refs)
}
