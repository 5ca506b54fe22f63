// Package heap implements a dynamic storage allocator over a single contiguous
// region of bytes.
//
// The region is treated as a run of variable-size blocks bounded by matching
// header and footer tags, with the free blocks threaded onto an explicit
// doubly-linked list whose link words live inside the free payloads themselves.
// Allocations are addressed by byte offset rather than pointer, so they stay
// valid when the backing region is extended or relocated. Freed neighbors are
// merged eagerly in constant time using the boundary tags, and the heap grows
// through the region.Region it was created over whenever no free block can
// satisfy a request.
package heap

import (
	"context"
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/loamstone/quarry/memutils"
	"github.com/loamstone/quarry/region"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// Heap is a dynamic storage allocator over the bytes of a single region.
// Allocate, Deallocate, and Resize trade in payload offsets, and Payload turns
// an offset into a writable window. Heap is not safe for concurrent use.
type Heap struct {
	region region.Region
	mem    []byte
	logger *slog.Logger
	policy PlacementPolicy

	// rover is the payload offset the next PolicyResumeScan search starts from.
	// nilOffset parks it past the end of the free list.
	rover int

	allocCount int
}

// Reset formats the region into an empty heap, abandoning every live
// allocation. An empty region is first grown to the smallest valid heap;
// anything already committed beyond that is reshaped into a single free block.
func (h *Heap) Reset() error {
	length := h.region.Len()
	if length == 0 {
		if _, err := h.region.Extend(emptyHeapSize); err != nil {
			return cerrors.Wrapf(err, "failed to commit the initial %d heap bytes", emptyHeapSize)
		}
		length = emptyHeapSize
	}

	switch {
	case length < emptyHeapSize:
		return errors.Errorf("region holds %d bytes, fewer than the %d an empty heap requires", length, emptyHeapSize)
	case !memutils.IsAligned(length, wordSize):
		return errors.Errorf("region holds %d bytes, which is not a multiple of the %d-byte word", length, wordSize)
	case length > emptyHeapSize && length-emptyHeapSize < minBlockSize:
		return errors.Errorf("region holds %d bytes, leaving no room for a %d-byte block after the heap bookkeeping", length, minBlockSize)
	}

	h.mem = h.region.Bytes()

	// The sentinel heads the free list and is never handed out. Its links start
	// empty, and the epilogue at the far end stops every physical walk.
	h.writeHeader(sentinelPayload, packTag(minBlockSize, true))
	h.setForwardLink(sentinelPayload, nilOffset)
	h.setBackwardLink(sentinelPayload, nilOffset)
	h.writeFooter(sentinelPayload, packTag(minBlockSize, true))
	h.writeHeader(length, packTag(0, true))

	h.rover = sentinelPayload
	h.allocCount = 0

	if length > emptyHeapSize {
		p := emptyHeapSize
		h.writeHeader(p, packTag(length-emptyHeapSize, false))
		h.writeFooter(p, packTag(length-emptyHeapSize, false))
		h.insertBlock(p)
	}

	return nil
}

// adjustSize converts a requested payload size into a block size: room for the
// tags, room for the links the block will need once freed, and alignment up to
// the word size.
func (h *Heap) adjustSize(size int) int {
	return memutils.AlignUp(size+blockOverhead+linkSpace+memutils.DebugMargin, wordSize)
}

// payloadCapacity is the number of payload bytes usable behind the offset p.
func (h *Heap) payloadCapacity(p int) int {
	return h.header(p).size() - blockOverhead - memutils.DebugMargin
}

// Allocate reserves at least size bytes and returns the payload offset of the
// reserved block. A zero size succeeds with the null offset. The heap is grown
// through its region when no free block fits, and a region that cannot grow
// fails the allocation with the region's error.
func (h *Heap) Allocate(size int) (int, error) {
	memutils.DebugValidate(h)

	if size == 0 {
		return nilOffset, nil
	}
	if size < 0 {
		return nilOffset, errors.Errorf("attempted to allocate a negative size: %d bytes", size)
	}

	adjusted := h.adjustSize(size)
	if adjusted < minBlockSize {
		return nilOffset, errors.Errorf("allocation size %d overflows the heap's block arithmetic", size)
	}

	p := h.findFit(adjusted)
	if p == nilOffset {
		var err error
		p, err = h.extendHeap(adjusted)
		if err != nil {
			return nilOffset, err
		}
	}

	h.place(p, adjusted)
	h.writeDebugMargin(p)
	h.allocCount++

	return p, nil
}

// Deallocate returns the block at payload offset p to the free list, merging
// it with whichever physical neighbors are already free. The null offset and
// offsets whose block is already free are ignored. Offsets that were never
// returned by Allocate or Resize lead to undefined behavior.
func (h *Heap) Deallocate(p int) {
	memutils.DebugValidate(h)

	if p == nilOffset {
		return
	}
	h.mustBePayload(p)

	if !h.header(p).allocated() {
		return
	}
	h.validateDebugMargin(p)

	size := h.header(p).size()
	h.writeHeader(p, packTag(size, false))
	h.writeFooter(p, packTag(size, false))
	h.coalesce(p)
	h.allocCount--
}

// Resize grows or shrinks the block at payload offset p to hold at least size
// bytes, returning the offset of the resulting block. The block is resized in
// place when possible, extended into a free right-hand neighbor when that
// suffices, and otherwise moved to a fresh allocation with its payload copied.
// When the move fails the original block is left untouched and its offset
// remains valid.
//
// A null offset delegates to Allocate and a zero size delegates to Deallocate,
// returning the null offset.
func (h *Heap) Resize(p int, size int) (int, error) {
	memutils.DebugValidate(h)

	if p == nilOffset {
		return h.Allocate(size)
	}
	if size == 0 {
		h.Deallocate(p)
		return nilOffset, nil
	}

	h.mustBePayload(p)
	if !h.header(p).allocated() {
		panic(fmt.Sprintf("attempted to resize the free block at offset %d", p))
	}

	if size < 0 {
		return nilOffset, errors.Errorf("attempted to resize to a negative size: %d bytes", size)
	}
	adjusted := h.adjustSize(size)
	if adjusted < minBlockSize {
		return nilOffset, errors.Errorf("resize to %d bytes overflows the heap's block arithmetic", size)
	}

	current := h.header(p).size()

	// Already big enough. Carve the spare bytes into their own free block when
	// they can stand alone, otherwise keep the slack.
	if current >= adjusted {
		if current-adjusted >= minBlockSize {
			h.writeHeader(p, packTag(adjusted, true))
			h.writeFooter(p, packTag(adjusted, true))
			remainder := h.nextPayload(p)
			h.writeHeader(remainder, packTag(current-adjusted, false))
			h.writeFooter(remainder, packTag(current-adjusted, false))
			h.insertBlock(remainder)
		}
		h.writeDebugMargin(p)
		return p, nil
	}

	// Absorb the next physical block when it is free and the combination is big
	// enough, splitting any spare bytes back off the tail.
	next := h.nextPayload(p)
	if !h.header(next).allocated() && current+h.header(next).size() >= adjusted {
		total := current + h.header(next).size()
		h.removeBlock(next)
		if total-adjusted >= minBlockSize {
			h.writeHeader(p, packTag(adjusted, true))
			h.writeFooter(p, packTag(adjusted, true))
			remainder := h.nextPayload(p)
			h.writeHeader(remainder, packTag(total-adjusted, false))
			h.writeFooter(remainder, packTag(total-adjusted, false))
			h.insertBlock(remainder)
		} else {
			h.writeHeader(p, packTag(total, true))
			h.writeFooter(p, packTag(total, true))
		}
		h.writeDebugMargin(p)
		return p, nil
	}

	// Move: allocate a fresh block, copy the payload over, release the old one.
	newOffset, err := h.Allocate(size)
	if err != nil {
		return nilOffset, err
	}

	copyLen := h.payloadCapacity(p)
	if size < copyLen {
		copyLen = size
	}
	copy(h.mem[newOffset:newOffset+copyLen], h.mem[p:p+copyLen])

	h.Deallocate(p)
	return newOffset, nil
}

// Payload returns the usable bytes behind the allocated block at payload
// offset p. The slice aliases the heap's region and is invalidated by any
// operation that grows the heap, so it should be re-fetched rather than held.
// Payload panics when p does not address an allocated block.
func (h *Heap) Payload(p int) []byte {
	h.mustBePayload(p)
	if !h.header(p).allocated() {
		panic(fmt.Sprintf("attempted to access the payload of the free block at offset %d", p))
	}

	return h.mem[p : p+h.payloadCapacity(p)]
}

// mustBePayload panics unless p is a plausible payload offset: word-aligned
// and inside the region, past the sentinel. It does not prove that a block was
// ever allocated at p.
func (h *Heap) mustBePayload(p int) {
	if p < emptyHeapSize || p >= len(h.mem) || !memutils.IsAligned(p, wordSize) {
		panic(fmt.Sprintf("offset %d is not a payload offset of this heap", p))
	}
}

func (h *Heap) findFit(adjusted int) int {
	if h.policy == PolicyResumeScan {
		return h.resumeScan(adjusted)
	}
	return h.firstFit(adjusted)
}

func (h *Heap) firstFit(adjusted int) int {
	for p := h.forwardLink(sentinelPayload); p != nilOffset; p = h.forwardLink(p) {
		if adjusted <= h.header(p).size() {
			return p
		}
	}
	return nilOffset
}

// resumeScan picks up the free-list walk where the previous search stopped.
// The first pass runs from the rover to the end of the list; the second pass
// restarts from the head of the list and runs to its end. The list is kept in
// insertion order, so the walk resumes by list position, not by address.
func (h *Heap) resumeScan(adjusted int) int {
	for ; h.rover != nilOffset; h.rover = h.forwardLink(h.rover) {
		if adjusted <= h.header(h.rover).size() {
			return h.rover
		}
	}

	for h.rover = h.forwardLink(sentinelPayload); h.rover != nilOffset; h.rover = h.forwardLink(h.rover) {
		if adjusted <= h.header(h.rover).size() {
			return h.rover
		}
	}

	return nilOffset
}

// place converts the free block at p into an allocated block of adjusted
// bytes. The tail is split off as a new free block when it can stand on its
// own; otherwise the whole block is used as is.
func (h *Heap) place(p int, adjusted int) {
	csize := h.header(p).size()

	h.removeBlock(p)

	if csize-adjusted >= minBlockSize {
		h.writeHeader(p, packTag(adjusted, true))
		h.writeFooter(p, packTag(adjusted, true))
		remainder := h.nextPayload(p)
		h.writeHeader(remainder, packTag(csize-adjusted, false))
		h.writeFooter(remainder, packTag(csize-adjusted, false))
		h.insertBlock(remainder)
	} else {
		h.writeHeader(p, packTag(csize, true))
		h.writeFooter(p, packTag(csize, true))
	}
}

// coalesce merges the free block at p with whichever physical neighbors are
// free, inserts the combined block into the free list, and returns its payload
// offset. The left merge keeps the neighbor's offset, so the caller must use
// the returned value.
func (h *Heap) coalesce(p int) int {
	prevAllocated := readTag(h.mem, p-blockOverhead).allocated()
	nextAllocated := h.header(h.nextPayload(p)).allocated()
	size := h.header(p).size()

	if !prevAllocated {
		prev := h.prevPayload(p)
		size += h.header(prev).size()
		h.writeFooter(p, packTag(size, false))
		h.writeHeader(prev, packTag(size, false))
		h.removeBlock(prev)
		p = prev
	}

	if !nextAllocated {
		next := h.nextPayload(p)
		size += h.header(next).size()
		h.removeBlock(next)
		h.writeHeader(p, packTag(size, false))
		h.writeFooter(p, packTag(size, false))
	}

	h.insertBlock(p)

	// A rover pointing into the interior of the combined block would otherwise
	// be stranded on a payload that no longer starts a block.
	if h.rover > p && h.rover < h.nextPayload(p) {
		h.rover = p
	}

	return p
}

// extendHeap grows the region by at least bytes, shapes the fresh bytes into a
// free block that recycles the old epilogue word as its header, and writes a
// new epilogue at the far end. The block is merged with a free block at the
// old heap boundary, and the payload offset of the result is returned.
func (h *Heap) extendHeap(bytes int) (int, error) {
	size := memutils.AlignUp(bytes, wordSize)

	offset, err := h.region.Extend(size)
	if err != nil {
		return nilOffset, cerrors.Wrapf(err, "failed to extend the heap by %d bytes", size)
	}
	if offset != len(h.mem) {
		panic(fmt.Sprintf("the region grew outside the heap's control: %d committed bytes, extension at %d", len(h.mem), offset))
	}
	h.mem = h.region.Bytes()

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "extended the heap",
		slog.Int("bytes", size),
		slog.Int("heapSize", len(h.mem)),
	)

	p := offset
	h.writeHeader(p, packTag(size, false))
	h.writeFooter(p, packTag(size, false))
	h.writeHeader(h.nextPayload(p), packTag(0, true))

	return h.coalesce(p), nil
}

// insertBlock pushes the free block at p onto the front of the free list,
// immediately after the sentinel.
func (h *Heap) insertBlock(p int) {
	head := h.forwardLink(sentinelPayload)
	h.setForwardLink(p, head)
	if head != nilOffset {
		h.setBackwardLink(head, p)
	}
	h.setBackwardLink(p, sentinelPayload)
	h.setForwardLink(sentinelPayload, p)
}

// removeBlock unlinks the free block at p from the free list. A rover parked
// on p moves to p's list successor first so the next scan resumes cleanly.
func (h *Heap) removeBlock(p int) {
	if h.rover == p {
		h.rover = h.forwardLink(p)
	}

	next := h.forwardLink(p)
	prev := h.backwardLink(p)
	if next != nilOffset {
		h.setBackwardLink(next, prev)
	}
	h.setForwardLink(prev, next)
}

func (h *Heap) writeDebugMargin(p int) {
	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(h.mem, p+h.header(p).size()-blockOverhead-memutils.DebugMargin)
	}
}

func (h *Heap) validateDebugMargin(p int) {
	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(h.mem, p+h.header(p).size()-blockOverhead-memutils.DebugMargin) {
		panic(fmt.Sprintf("memory corruption detected after the allocation at offset %d", p))
	}
}

// VisitAllBlocks walks every block between the sentinel and the epilogue in
// physical order, calling visit with each block's payload offset, size, and
// allocated state. Returning an error from visit stops the walk and returns
// that error.
func (h *Heap) VisitAllBlocks(visit func(offset, size int, allocated bool) error) error {
	for p := h.nextPayload(sentinelPayload); ; p = h.nextPayload(p) {
		t := h.header(p)
		if t.size() == 0 {
			return nil
		}

		err := visit(p, t.size(), t.allocated())
		if err != nil {
			return err
		}
	}
}

// IsEmpty is true when the heap has no live allocations.
func (h *Heap) IsEmpty() bool {
	return h.allocCount == 0
}

// Size is the number of region bytes the heap currently manages.
func (h *Heap) Size() int {
	return len(h.mem)
}

// Policy is the placement policy this heap was created with.
func (h *Heap) Policy() PlacementPolicy {
	return h.policy
}

// AddStatistics accumulates this heap's totals into stats.
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.HeapBytes += len(h.mem)

	_ = h.VisitAllBlocks(func(_, size int, allocated bool) error {
		if allocated {
			stats.AllocationCount++
			stats.AllocationBytes += size
		}
		return nil
	})
}

// AddDetailedStatistics accumulates this heap's totals into stats, including
// the per-block extremes.
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.HeapCount++
	stats.Statistics.HeapBytes += len(h.mem)

	_ = h.VisitAllBlocks(func(_, size int, allocated bool) error {
		if allocated {
			stats.AddAllocation(size)
		} else {
			stats.AddUnusedRange(size)
		}
		return nil
	})
}

// Destroy verifies that every allocation has been returned and detaches the
// heap from its region. Live allocations are logged and fail the destruction,
// leaving the heap usable. The region itself is the caller's to release.
func (h *Heap) Destroy() error {
	if h.allocCount > 0 {
		// Log all remaining allocations
		_ = h.VisitAllBlocks(func(offset, size int, allocated bool) error {
			if allocated {
				h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.Int("offset", offset),
					slog.Int("size", size),
				)
			}
			return nil
		})
		return errors.New("some allocations were not freed before the destruction of this heap!")
	}

	h.mem = nil
	h.region = nil
	return nil
}
