package heap

import "encoding/binary"

// The heap is carved into blocks laid end to end, each wrapped in a header word
// and a footer word that hold the same boundary tag. A block's payload begins
// one word past its header, and every block is addressed by the byte offset of
// its payload within the region.
const (
	// wordSize is the size of a tag word and the alignment unit for payloads.
	wordSize = 8

	// blockOverhead is the space consumed by a block's header and footer words.
	blockOverhead = 2 * wordSize

	// linkSpace is the payload space a free block gives up to the two free-list
	// link words embedded at its start.
	linkSpace = 2 * wordSize

	// minBlockSize is the smallest block the heap will carve. Anything smaller
	// could not hold its own tags and links once freed.
	minBlockSize = blockOverhead + linkSpace

	// sentinelPayload is the payload offset of the sentinel block that heads the
	// free list. The sentinel is permanently allocated and never handed out.
	sentinelPayload = wordSize

	// emptyHeapSize is the size of a heap holding only the sentinel and the
	// epilogue. It is also the payload offset of the first real block.
	emptyHeapSize = minBlockSize + wordSize

	// nilOffset terminates free-list link chains. No payload can sit at offset
	// zero, so the zero value is free to act as nil.
	nilOffset = 0
)

// tag is a boundary tag word. The block size occupies the high bits and the
// allocated flag bit 0. Sizes are always multiples of wordSize, which leaves
// the low three bits clear for flags.
type tag uint64

func packTag(size int, allocated bool) tag {
	t := tag(size)
	if allocated {
		t |= 1
	}
	return t
}

func (t tag) size() int {
	return int(t &^ 0x7)
}

func (t tag) allocated() bool {
	return t&0x1 != 0
}

func readTag(mem []byte, at int) tag {
	return tag(binary.LittleEndian.Uint64(mem[at:]))
}

func writeTag(mem []byte, at int, t tag) {
	binary.LittleEndian.PutUint64(mem[at:], uint64(t))
}

// header reads the tag one word ahead of the payload at p.
func (h *Heap) header(p int) tag {
	return readTag(h.mem, p-wordSize)
}

// footer reads the tag at the tail of the block whose payload is at p.
func (h *Heap) footer(p int) tag {
	return readTag(h.mem, p+h.header(p).size()-blockOverhead)
}

func (h *Heap) writeHeader(p int, t tag) {
	writeTag(h.mem, p-wordSize, t)
}

// writeFooter stamps the footer of the block whose payload is at p. The footer
// position is derived from the size currently recorded in the header, so when a
// block changes size the call order against writeHeader matters.
func (h *Heap) writeFooter(p int, t tag) {
	writeTag(h.mem, p+h.header(p).size()-blockOverhead, t)
}

// nextPayload steps to the payload of the block physically after p.
func (h *Heap) nextPayload(p int) int {
	return p + h.header(p).size()
}

// prevPayload steps to the payload of the block physically before p, reading
// the neighbor's size out of the footer that sits just before p's header.
func (h *Heap) prevPayload(p int) int {
	return p - readTag(h.mem, p-blockOverhead).size()
}

// Free blocks store their list links in the first two payload words: the
// forward link at the payload itself and the backward link one word past it.

func (h *Heap) forwardLink(p int) int {
	return int(binary.LittleEndian.Uint64(h.mem[p:]))
}

func (h *Heap) setForwardLink(p, to int) {
	binary.LittleEndian.PutUint64(h.mem[p:], uint64(to))
}

func (h *Heap) backwardLink(p int) int {
	return int(binary.LittleEndian.Uint64(h.mem[p+wordSize:]))
}

func (h *Heap) setBackwardLink(p, to int) {
	binary.LittleEndian.PutUint64(h.mem[p+wordSize:], uint64(to))
}
