//go:build linux || darwin

package region

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/loamstone/quarry/memutils"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mmap is a Region over an anonymous memory mapping. The full reservation is mapped
// up front so the backing bytes never move; Extend commits bytes from the mapping and
// fails with ErrExhausted once the reservation is used up.
type Mmap struct {
	data []byte
	top  int
}

// NewMmap creates an Mmap region with a private anonymous reservation of at
// least maxBytes, rounded up to the page size. Call Close to release the
// mapping when the region is no longer in use.
func NewMmap(maxBytes int) (*Mmap, error) {
	if maxBytes <= 0 {
		return nil, errors.Errorf("attempted to map a region of %d bytes", maxBytes)
	}

	pageSize := uint(unix.Getpagesize())
	memutils.DebugCheckPow2(pageSize, "system page size")
	maxBytes = memutils.AlignUp(maxBytes, pageSize)
	data, err := unix.Mmap(-1, 0, maxBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to map %d bytes of anonymous memory", maxBytes)
	}

	return &Mmap{data: data}, nil
}

// Capacity returns the total size of the mapping, committed or not.
func (m *Mmap) Capacity() int {
	return len(m.data)
}

func (m *Mmap) Bytes() []byte {
	return m.data[:m.top]
}

func (m *Mmap) Len() int {
	return m.top
}

func (m *Mmap) Extend(n int) (int, error) {
	if n < 0 {
		return 0, errors.Errorf("attempted to extend a region by %d bytes: negative extensions are not supported", n)
	}
	if m.top+n > len(m.data) {
		return 0, cerrors.Wrapf(ErrExhausted, "requested %d bytes with %d remaining in the mapping", n, len(m.data)-m.top)
	}

	old := m.top
	m.top += n
	return old, nil
}

// Close unmaps the reservation. The region must not be used afterward.
func (m *Mmap) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.top = 0
	return err
}
