package heap

import (
	"context"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/loamstone/quarry/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// checkHeap walks the heap and hands every consistency violation it finds to
// report, without mutating anything. When the physical chain is too damaged to
// follow safely the walk stops at the damage instead of running off the
// region. printBlock, when non-nil, receives every real block traversed.
func (h *Heap) checkHeap(report func(err error), printBlock func(p int, hdr, ftr tag)) {
	length := len(h.mem)
	if length < emptyHeapSize {
		report(errors.Errorf("the heap holds %d bytes, fewer than the %d an empty heap requires", length, emptyHeapSize))
		return
	}

	sentinelHeader := h.header(sentinelPayload)
	sentinelFooter := readTag(h.mem, sentinelPayload+minBlockSize-blockOverhead)
	if sentinelHeader.size() != minBlockSize || !sentinelHeader.allocated() {
		report(errors.Errorf("bad sentinel header: size %d, allocated %t", sentinelHeader.size(), sentinelHeader.allocated()))
		return
	}
	if sentinelFooter != sentinelHeader {
		report(errors.Errorf("the sentinel header and footer disagree: %#x versus %#x", uint64(sentinelHeader), uint64(sentinelFooter)))
	}

	// Physical pass: every block between the sentinel and the epilogue, in
	// address order. Free blocks are collected for the list pass below.
	freeBlocks := swiss.NewMap[int, int](42)
	p := emptyHeapSize
	for {
		hdr := h.header(p)
		if hdr.size() == 0 {
			if !hdr.allocated() {
				report(errors.Errorf("the epilogue at offset %d is marked free", p))
			}
			if p != length {
				report(errors.Errorf("the epilogue sits at offset %d instead of the end of the %d-byte heap", p, length))
			}
			break
		}

		if !memutils.IsAligned(p, wordSize) {
			report(errors.Errorf("the payload at offset %d is not %d-byte aligned", p, wordSize))
		}
		if hdr.size() < minBlockSize {
			report(errors.Errorf("the block at offset %d claims an impossible size of %d bytes", p, hdr.size()))
			return
		}
		end := p + hdr.size()
		if end > length {
			report(errors.Errorf("the block at offset %d runs past the end of the heap", p))
			return
		}

		ftr := h.footer(p)
		if ftr != hdr {
			report(errors.Errorf("the header and footer at offset %d disagree: %#x versus %#x", p, uint64(hdr), uint64(ftr)))
		}
		if printBlock != nil {
			printBlock(p, hdr, ftr)
		}

		if !hdr.allocated() {
			freeBlocks.Put(p, hdr.size())
		}
		p = end
	}

	// List pass: the chain from the sentinel must visit exactly the free blocks
	// found above, each once, with backward links mirroring the forward links.
	visited := swiss.NewMap[int, struct{}](42)
	prev := sentinelPayload
	for q := h.forwardLink(sentinelPayload); q != nilOffset; q = h.forwardLink(q) {
		if q < emptyHeapSize || q+linkSpace > length || !memutils.IsAligned(q, wordSize) {
			report(errors.Errorf("the free list links to offset %d, which is outside the heap's blocks", q))
			return
		}
		if visited.Has(q) {
			report(errors.Errorf("the free list visits offset %d twice", q))
			return
		}
		visited.Put(q, struct{}{})

		if !freeBlocks.Has(q) {
			report(errors.Errorf("the free list entry at offset %d is not a free block", q))
		}
		if h.backwardLink(q) != prev {
			report(errors.Errorf("the backward link at offset %d points to %d instead of %d", q, h.backwardLink(q), prev))
		}
		prev = q
	}

	freeBlocks.Iter(func(offset int, size int) bool {
		if !visited.Has(offset) {
			report(errors.Errorf("the free block of %d bytes at offset %d is missing from the free list", size, offset))
		}
		return false
	})

	if h.rover != nilOffset && h.rover != sentinelPayload && !freeBlocks.Has(h.rover) {
		report(errors.Errorf("the scan cursor points at offset %d, which is not a free block", h.rover))
	}
}

// Check walks the whole heap and returns every consistency violation found,
// logging each one at error level. verbose additionally logs every block
// traversed. The walk never mutates the heap, so it is safe to run between any
// two operations.
func (h *Heap) Check(verbose bool) []error {
	var violations []error
	report := func(err error) {
		violations = append(violations, err)
	}

	var printBlock func(p int, hdr, ftr tag)
	if verbose {
		printBlock = func(p int, hdr, ftr tag) {
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "block",
				slog.Int("offset", p),
				slog.Int("size", hdr.size()),
				slog.Bool("allocated", hdr.allocated()),
				slog.Int("footerSize", ftr.size()),
				slog.Bool("footerAllocated", ftr.allocated()),
			)
		}
	}

	h.checkHeap(report, printBlock)

	for _, err := range violations {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "heap consistency violation",
			slog.Any("error", err))
	}

	return violations
}

// Validate implements memutils.Validatable so that debug builds verify the
// heap around every operation. It returns the first violation found.
func (h *Heap) Validate() error {
	var firstErr error
	h.checkHeap(func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}, nil)
	return firstErr
}

// CheckCorruption validates the margin written after every live allocation's
// payload. The margins only exist when the debug_mem_utils build tag is
// active; in other builds this reports nothing.
func (h *Heap) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	return h.VisitAllBlocks(func(offset, size int, allocated bool) error {
		if allocated && !memutils.ValidateMagicValue(h.mem, offset+size-blockOverhead-memutils.DebugMargin) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", offset)
		}
		return nil
	})
}

// PrintDetailedMap writes the heap's statistics and its physical block map
// into an open JSON object.
func (h *Heap) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(stats.HeapBytes)
	json.Name("UnusedBytes").Int(stats.HeapBytes - stats.AllocationBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
	json.Name("Policy").String(h.policy.String())
	if h.policy == PolicyResumeScan {
		json.Name("Rover").Int(h.rover)
	}

	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	_ = h.VisitAllBlocks(func(offset, size int, allocated bool) error {
		obj := blocks.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if allocated {
			obj.Name("State").String("ALLOCATED")
		} else {
			obj.Name("State").String("FREE")
		}
		obj.End()
		return nil
	})
}

// BuildStatsString renders the output of PrintDetailedMap as a JSON string.
func (h *Heap) BuildStatsString() string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	h.PrintDetailedMap(obj)
	obj.End()

	return string(writer.Bytes())
}
