package region

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// Buffer is a Region over a fixed reservation of memory. Extend commits bytes from
// the reservation and fails with ErrExhausted once it is used up. The zero value is
// an empty, unusable region; create one with NewBuffer or NewBufferAt.
type Buffer struct {
	buf []byte
	top int
}

// NewBuffer creates a Buffer with a fresh reservation of capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		panic("attempted to create a buffer region with a negative capacity")
	}

	return &Buffer{buf: make([]byte, capacity)}
}

// NewBufferAt creates a Buffer that commits bytes from the provided backing slice.
// The caller should not access buf directly afterward.
func NewBufferAt(buf []byte) *Buffer {
	return &Buffer{buf: buf}
}

// Capacity returns the total size of the reservation, committed or not.
func (b *Buffer) Capacity() int {
	return len(b.buf)
}

func (b *Buffer) Bytes() []byte {
	return b.buf[:b.top]
}

func (b *Buffer) Len() int {
	return b.top
}

func (b *Buffer) Extend(n int) (int, error) {
	if n < 0 {
		return 0, errors.Errorf("attempted to extend a region by %d bytes: negative extensions are not supported", n)
	}
	if b.top+n > len(b.buf) {
		return 0, cerrors.Wrapf(ErrExhausted, "requested %d bytes with %d remaining in the reservation", n, len(b.buf)-b.top)
	}

	old := b.top
	b.top += n
	return old, nil
}
