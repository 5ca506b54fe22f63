package heap

import (
	"github.com/loamstone/quarry/memutils"
	"github.com/loamstone/quarry/region"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// PlacementPolicy selects how Allocate chooses between the free blocks that
// could satisfy a request.
type PlacementPolicy uint32

const (
	// PolicyFirstFit walks the free list from its head on every request and takes
	// the first block that is large enough.
	PolicyFirstFit PlacementPolicy = iota
	// PolicyResumeScan remembers where the previous search left off and resumes
	// from that point, falling back to a second walk over the whole list before
	// giving up. Successive allocations spread across the list instead of
	// churning the blocks near its head.
	PolicyResumeScan
)

var placementPolicyMapping = map[PlacementPolicy]string{
	PolicyFirstFit:   "PolicyFirstFit",
	PolicyResumeScan: "PolicyResumeScan",
}

func (p PlacementPolicy) String() string {
	return placementPolicyMapping[p]
}

// CreateOptions contains optional settings for a new Heap. The zero value is a
// valid configuration.
type CreateOptions struct {
	// Policy selects the placement policy Allocate uses. The zero value is
	// PolicyFirstFit.
	Policy PlacementPolicy

	// InitialReserve, when positive, grows the fresh heap immediately so that a
	// free block of at least this many bytes is standing by before the first
	// allocation. Leave it zero to grow on demand instead.
	InitialReserve int
}

// New creates a Heap that manages the bytes of the provided region. The region
// may start empty, in which case the smallest valid heap is committed to it, or
// it may already hold bytes, in which case Reset formats them into a single
// free block.
//
// logger may be nil, in which case slog.Default() is used.
func New(logger *slog.Logger, r region.Region, options CreateOptions) (*Heap, error) {
	if r == nil {
		return nil, errors.New("r cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := placementPolicyMapping[options.Policy]; !ok {
		return nil, errors.Errorf("unknown placement policy: %d", options.Policy)
	}
	if options.InitialReserve < 0 {
		return nil, errors.Errorf("InitialReserve cannot be negative: %d", options.InitialReserve)
	}

	h := &Heap{
		region: r,
		logger: logger,
		policy: options.Policy,
	}
	if err := h.Reset(); err != nil {
		return nil, err
	}

	if options.InitialReserve > 0 {
		reserve := memutils.AlignUp(options.InitialReserve, wordSize)
		if reserve < minBlockSize {
			reserve = minBlockSize
		}
		if _, err := h.extendHeap(reserve); err != nil {
			return nil, err
		}
	}

	return h, nil
}
