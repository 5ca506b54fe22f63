package region

import "github.com/pkg/errors"

// Growable is a Region backed by an ordinary slice that grows without bound. Its
// backing array may move when Extend grows it, so slices previously returned from
// Bytes must not be retained, but offsets stay valid.
type Growable struct {
	buf []byte
}

// NewGrowable creates an empty Growable region.
func NewGrowable() *Growable {
	return &Growable{}
}

func (g *Growable) Bytes() []byte {
	return g.buf
}

func (g *Growable) Len() int {
	return len(g.buf)
}

func (g *Growable) Extend(n int) (int, error) {
	if n < 0 {
		return 0, errors.Errorf("attempted to extend a region by %d bytes: negative extensions are not supported", n)
	}

	old := len(g.buf)
	g.buf = append(g.buf, make([]byte, n)...)
	return old, nil
}
