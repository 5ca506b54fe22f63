// Package region provides the backing byte ranges that heaps allocate out of. A
// region is a contiguous range of bytes addressed by integer offsets that grows at
// the tail and never relocates or shrinks in offset terms.
package region

import "github.com/pkg/errors"

// ErrExhausted is the error returned from Region.Extend when the region cannot provide
// any more backing memory
var ErrExhausted error = errors.New("region exhausted")

// Region is a contiguous byte range [0, Len()) that can only grow. Offsets handed out
// for bytes within the region remain valid across Extend calls, but slices returned
// from Bytes do not.
type Region interface {
	// Bytes returns the backing bytes for the range [0, Len()). The returned slice is
	// invalidated by the next call to Extend and must be re-fetched afterward.
	Bytes() []byte
	// Len returns the current size of the region in bytes.
	Len() int
	// Extend grows the region by exactly n bytes and returns the offset of the first
	// newly-provided byte, which is always the region's previous length. It returns
	// an error wrapping ErrExhausted when no more backing memory is available, in
	// which case the region is unchanged.
	Extend(n int) (int, error)
}
