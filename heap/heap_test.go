package heap

import (
	"io"
	"os"
	"testing"

	"github.com/loamstone/quarry/memutils"
	"github.com/loamstone/quarry/region"
	mock_region "github.com/loamstone/quarry/region/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout))
}

func readyHeap(t *testing.T, options CreateOptions) *Heap {
	h, err := New(testLogger(), region.NewGrowable(), options)
	require.NoError(t, err)
	require.Empty(t, h.Check(false))
	return h
}

func TestNewEmptyRegion(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	require.Equal(t, emptyHeapSize, h.Size())
	require.True(t, h.IsEmpty())
	require.Equal(t, PolicyFirstFit, h.Policy())
}

func TestNewValidation(t *testing.T) {
	_, err := New(testLogger(), nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(testLogger(), region.NewGrowable(), CreateOptions{Policy: PlacementPolicy(7)})
	require.Error(t, err)
	require.ErrorContains(t, err, "unknown placement policy")

	_, err = New(testLogger(), region.NewGrowable(), CreateOptions{InitialReserve: -1})
	require.Error(t, err)
}

func TestNewInitialReserve(t *testing.T) {
	h := readyHeap(t, CreateOptions{InitialReserve: 4096})
	require.Equal(t, emptyHeapSize+4096, h.Size())

	// The reserve must absorb allocations without growing the region again.
	p, err := h.Allocate(4000)
	require.NoError(t, err)
	require.NotZero(t, p)
	require.Equal(t, emptyHeapSize+4096, h.Size())
}

func TestNewAdoptsPresizedRegion(t *testing.T) {
	buf := region.NewBufferAt(make([]byte, 1064))
	_, err := buf.Extend(1064)
	require.NoError(t, err)

	h, err := New(testLogger(), buf, CreateOptions{})
	require.NoError(t, err)
	require.Empty(t, h.Check(false))
	require.Equal(t, 1064, h.Size())

	blockCount := 0
	err = h.VisitAllBlocks(func(offset, size int, allocated bool) error {
		blockCount++
		require.Equal(t, emptyHeapSize, offset)
		require.Equal(t, 1064-emptyHeapSize, size)
		require.False(t, allocated)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, blockCount)
}

func TestNewRejectsMalformedRegions(t *testing.T) {
	makeRegion := func(length int) region.Region {
		buf := region.NewBufferAt(make([]byte, length))
		_, err := buf.Extend(length)
		require.NoError(t, err)
		return buf
	}

	_, err := New(testLogger(), makeRegion(32), CreateOptions{})
	require.Error(t, err)

	_, err = New(testLogger(), makeRegion(44), CreateOptions{})
	require.Error(t, err)
	require.ErrorContains(t, err, "multiple")

	_, err = New(testLogger(), makeRegion(48), CreateOptions{})
	require.Error(t, err)
	require.ErrorContains(t, err, "no room")
}

func TestAllocateZero(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	p, err := h.Allocate(0)
	require.NoError(t, err)
	require.Zero(t, p)
	require.True(t, h.IsEmpty())
}

func TestAllocateNegative(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	_, err := h.Allocate(-8)
	require.Error(t, err)
}

func TestAllocateAlignmentAndCapacity(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	for _, size := range []int{1, 7, 8, 24, 100, 1000, 4096} {
		p, err := h.Allocate(size)
		require.NoError(t, err)
		require.Zerof(t, p%wordSize, "allocation of %d bytes landed at unaligned offset %d", size, p)
		require.GreaterOrEqual(t, len(h.Payload(p)), size)
	}

	require.Empty(t, h.Check(false))
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	sizes := []int{24, 1, 100, 64, 333}
	offsets := make([]int, len(sizes))
	for i, size := range sizes {
		p, err := h.Allocate(size)
		require.NoError(t, err)
		offsets[i] = p

		payload := h.Payload(p)
		for j := range payload {
			payload[j] = byte(i + 1)
		}
	}

	// Every payload still holds its own pattern after all the writes.
	for i, p := range offsets {
		for _, b := range h.Payload(p)[:sizes[i]] {
			require.Equal(t, byte(i+1), b)
		}
	}
}

func TestHeapGrowsByExactBlockSizes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backing := region.NewBuffer(8192)
	var extensions []int

	mock := mock_region.NewMockRegion(ctrl)
	mock.EXPECT().Len().DoAndReturn(backing.Len).AnyTimes()
	mock.EXPECT().Bytes().DoAndReturn(backing.Bytes).AnyTimes()
	mock.EXPECT().Extend(gomock.Any()).DoAndReturn(func(n int) (int, error) {
		extensions = append(extensions, n)
		return backing.Extend(n)
	}).AnyTimes()

	h, err := New(testLogger(), mock, CreateOptions{})
	require.NoError(t, err)

	_, err = h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(1)
	require.NoError(t, err)

	require.Equal(t, []int{emptyHeapSize, h.adjustSize(100), h.adjustSize(1)}, extensions)
}

func TestAllocationFailureLeavesHeapUsable(t *testing.T) {
	buf := region.NewBuffer(128)
	h, err := New(testLogger(), buf, CreateOptions{})
	require.NoError(t, err)

	_, err = h.Allocate(100)
	require.Error(t, err)
	require.ErrorIs(t, err, region.ErrExhausted)
	require.Empty(t, h.Check(false))
	require.True(t, h.IsEmpty())

	// A smaller request still fits in what remains of the reservation.
	p, err := h.Allocate(40)
	require.NoError(t, err)
	require.NotZero(t, p)
	require.Empty(t, h.Check(false))
}

func TestDeallocateNull(t *testing.T) {
	h := readyHeap(t, CreateOptions{})
	h.Deallocate(0)
	require.Empty(t, h.Check(false))
}

func TestDeallocateIsIdempotent(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	require.False(t, h.IsEmpty())

	h.Deallocate(p)
	require.True(t, h.IsEmpty())
	require.Empty(t, h.Check(false))

	h.Deallocate(p)
	require.True(t, h.IsEmpty())
	require.Empty(t, h.Check(false))
}

func TestDeallocateFreedBlockIsReused(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	heapSize := h.Size()

	h.Deallocate(p)

	q, err := h.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Equal(t, heapSize, h.Size())
}

func TestDeallocateBogusOffsetPanics(t *testing.T) {
	h := readyHeap(t, CreateOptions{InitialReserve: 4096})

	require.Panics(t, func() { h.Deallocate(24) })
	require.Panics(t, func() { h.Deallocate(h.Size() + 8) })
	require.Panics(t, func() { h.Deallocate(emptyHeapSize + 4) })
}

func TestPayload(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	p, err := h.Allocate(20)
	require.NoError(t, err)
	require.Len(t, h.Payload(p), h.adjustSize(20)-blockOverhead-memutils.DebugMargin)
	require.GreaterOrEqual(t, len(h.Payload(p)), 20)

	h.Deallocate(p)
	require.Panics(t, func() { h.Payload(p) })
}

func TestResetAbandonsAllocations(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	for _, size := range []int{100, 200, 300} {
		_, err := h.Allocate(size)
		require.NoError(t, err)
	}
	require.False(t, h.IsEmpty())
	heapSize := h.Size()

	require.NoError(t, h.Reset())
	require.True(t, h.IsEmpty())
	require.Equal(t, heapSize, h.Size())
	require.Empty(t, h.Check(false))

	// Everything already committed comes back as a single free block.
	blockCount := 0
	err := h.VisitAllBlocks(func(offset, size int, allocated bool) error {
		blockCount++
		require.False(t, allocated)
		require.Equal(t, heapSize-emptyHeapSize, size)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, blockCount)
}

func TestVisitAllBlocksStopsOnError(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	_, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)

	calls := 0
	err = h.VisitAllBlocks(func(offset, size int, allocated bool) error {
		calls++
		return io.EOF
	})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, calls)
}

func TestStatistics(t *testing.T) {
	h := readyHeap(t, CreateOptions{InitialReserve: 4096})

	var stats memutils.Statistics
	stats.Clear()
	h.AddStatistics(&stats)
	require.Equal(t, 1, stats.HeapCount)
	require.Equal(t, emptyHeapSize+4096, stats.HeapBytes)
	require.Zero(t, stats.AllocationCount)
	require.Zero(t, stats.AllocationBytes)

	_, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(200)
	require.NoError(t, err)

	stats.Clear()
	h.AddStatistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, h.adjustSize(100)+h.adjustSize(200), stats.AllocationBytes)
}

func TestDetailedStatistics(t *testing.T) {
	h := readyHeap(t, CreateOptions{InitialReserve: 4096})

	_, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(200)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	remainder := 4096 - h.adjustSize(100) - h.adjustSize(200)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, h.adjustSize(100), stats.AllocationSizeMin)
	require.Equal(t, h.adjustSize(200), stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, remainder, stats.UnusedRangeSizeMin)
	require.Equal(t, remainder, stats.UnusedRangeSizeMax)
}

func TestDestroy(t *testing.T) {
	h := readyHeap(t, CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)

	err = h.Destroy()
	require.Error(t, err)
	require.ErrorContains(t, err, "not freed")

	// A failed destruction leaves the heap fully usable.
	require.Empty(t, h.Check(false))
	h.Deallocate(p)

	require.NoError(t, h.Destroy())
}

func BenchmarkAllocateDeallocate(b *testing.B) {
	logger := slog.New(slog.NewTextHandler(io.Discard))
	h, err := New(logger, region.NewGrowable(), CreateOptions{InitialReserve: 1 << 20})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, err := h.Allocate(128)
		if err != nil {
			b.Fatal(err)
		}
		h.Deallocate(p)
	}
}
