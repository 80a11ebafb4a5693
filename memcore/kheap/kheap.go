// Package kheap implements the kernel's general-purpose heap: a byte
// allocator over one fixed arena, using an address-ordered block list with
// first-fit search, splitting on allocation and coalescing on free.
//
// The arena is a plain byte slice carved out once at boot. Pointers handed
// to callers are byte offsets of the payload within the arena; every
// payload sits HeaderSize bytes past the start of its block, so offset 0
// can never be a valid pointer and serves as the null value.
package kheap

import (
	"fmt"
	"sync"

	"github.com/Abdalla-Eldoumani/aeos/memcore"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

const (
	// HeaderSize is the arena footprint of one block header. Block sizes
	// always include it.
	HeaderSize = 32
	// MinBlockSize is HeaderSize plus the smallest payload worth tracking;
	// no block is ever smaller.
	MinBlockSize = HeaderSize + 16
	// NullPointer is returned by failed allocations and accepted by
	// Realloc as "no existing allocation".
	NullPointer = 0

	payloadAlign = 8
)

// block is the header of one chunk of the arena. The block list is ordered
// by increasing offset and tiles the arena with no gaps: offset+size of one
// block is the offset of the next, and the last block ends at the arena
// end.
type block struct {
	offset int // arena offset of the header
	size   int // total bytes, header included
	free   bool
	prev   *block
	next   *block
}

var headerPool = sync.Pool{
	New: func() any {
		return &block{}
	},
}

// Allocator manages one arena handed to Init. The zero value is not
// usable; construct with New and call Init before any other method.
//
// The allocator is single-threaded and performs no internal locking; see
// the mm package for the synchronized front door.
type Allocator struct {
	logger *slog.Logger

	arena []byte
	first *block

	// byOffset maps a header offset to its live block, free or used. It is
	// how incoming pointers are validated before any state changes.
	byOffset *swiss.Map[int, *block]

	allocCount int
	freeCount  int
}

var _ memcore.Validatable = (*Allocator)(nil)

// New creates an Allocator that logs through the provided logger.
// slog.Default() is used when logger is nil.
func New(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{logger: logger}
}

// Init takes ownership of arena and resets the allocator to a single free
// block spanning it. The arena must hold at least MinBlockSize bytes.
func (h *Allocator) Init(arena []byte) {
	if len(arena) < MinBlockSize {
		panic(fmt.Sprintf("heap arena of %d bytes cannot hold a single block of %d bytes", len(arena), MinBlockSize))
	}

	h.arena = arena
	h.byOffset = swiss.NewMap[int, *block](64)
	h.allocCount = 0
	h.freeCount = 0

	first := h.newBlock()
	first.size = len(arena)
	first.free = true
	h.first = first
	h.byOffset.Put(first.offset, first)

	h.logger.Info("kernel heap ready", slog.Int("bytes", len(arena)))
}

// Alloc allocates size bytes and returns the payload pointer. The first
// free block large enough is used; it is split when the remainder can hold
// a block of its own. On failure the allocator is left unchanged and the
// pointer is NullPointer.
func (h *Allocator) Alloc(size int) (int, error) {
	if size <= 0 {
		return NullPointer, errors.Wrapf(memcore.ErrInvalidSize, "requested %d bytes", size)
	}

	memcore.DebugValidate(h)

	needed := memcore.AlignUp(size+HeaderSize, payloadAlign)
	if needed < MinBlockSize {
		needed = MinBlockSize
	}

	for b := h.first; b != nil; b = b.next {
		if !b.free || b.size < needed {
			continue
		}

		if b.size >= needed+MinBlockSize {
			h.splitBlock(b, needed)
		}

		b.free = false
		h.allocCount++
		return b.offset + HeaderSize, nil
	}

	h.logger.Warn("out of heap memory",
		slog.Int("requested", size),
		slog.Int("needed", needed))
	return NullPointer, errors.Wrapf(memcore.ErrOutOfMemory, "no free heap block of %d bytes", needed)
}

// AllocZeroed allocates count*size bytes and zeroes the payload. Recycled
// arena bytes are dirty, so the zeroing is explicit.
func (h *Allocator) AllocZeroed(count, size int) (int, error) {
	if count <= 0 || size <= 0 {
		return NullPointer, errors.Wrapf(memcore.ErrInvalidSize, "requested %d elements of %d bytes", count, size)
	}

	total := count * size
	ptr, err := h.Alloc(total)
	if err != nil {
		return NullPointer, err
	}

	payload := h.arena[ptr : ptr+total]
	for i := range payload {
		payload[i] = 0
	}
	return ptr, nil
}

// Free returns the allocation at ptr to the heap and coalesces it with its
// physical neighbors. Merging only here keeps the invariant that no two
// adjacent blocks are ever both free, so no farther merge can be possible.
// A bad or already-free pointer is a caller bug: it is reported and the
// allocator is left unchanged.
func (h *Allocator) Free(ptr int) error {
	b, err := h.lookup(ptr)
	if err != nil {
		h.logger.Error("heap free rejected", slog.Int("ptr", ptr), slog.String("reason", err.Error()))
		return err
	}
	if b.free {
		h.logger.Error("double free detected", slog.Int("ptr", ptr))
		return errors.Wrapf(memcore.ErrDoubleFree, "pointer %#x was already freed", ptr)
	}

	memcore.DebugValidate(h)

	b.free = true
	h.freeCount++

	if next := b.next; next != nil && next.free {
		h.mergeIntoPrev(b, next)
	}
	if prev := b.prev; prev != nil && prev.free {
		h.mergeIntoPrev(prev, b)
	}
	return nil
}

// Realloc resizes the allocation at ptr to newSize bytes. A NullPointer
// behaves as Alloc, a zero newSize behaves as Free. The block is reused
// when it is already large enough (there is no shrink-in-place); otherwise
// the payload moves to a fresh allocation and the old block is freed.
func (h *Allocator) Realloc(ptr, newSize int) (int, error) {
	if ptr == NullPointer {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		return NullPointer, h.Free(ptr)
	}
	if newSize < 0 {
		return NullPointer, errors.Wrapf(memcore.ErrInvalidSize, "requested %d bytes", newSize)
	}

	b, err := h.lookup(ptr)
	if err != nil {
		h.logger.Error("heap realloc rejected", slog.Int("ptr", ptr), slog.String("reason", err.Error()))
		return NullPointer, err
	}
	if b.free {
		h.logger.Error("realloc of freed pointer", slog.Int("ptr", ptr))
		return NullPointer, errors.Wrapf(memcore.ErrDoubleFree, "pointer %#x was already freed", ptr)
	}

	if b.size >= newSize+HeaderSize {
		return ptr, nil
	}

	newPtr, err := h.Alloc(newSize)
	if err != nil {
		return NullPointer, err
	}

	copySize := b.size - HeaderSize
	if newSize < copySize {
		copySize = newSize
	}
	copy(h.arena[newPtr:newPtr+copySize], h.arena[ptr:ptr+copySize])

	if err := h.Free(ptr); err != nil {
		panic(fmt.Sprintf("failed to free a just-validated block at %#x: %v", ptr, err))
	}
	return newPtr, nil
}

// Payload returns the caller-owned byte view of the live allocation at
// ptr. The slice stays valid until the allocation is freed or reallocated.
func (h *Allocator) Payload(ptr int) ([]byte, error) {
	b, err := h.lookup(ptr)
	if err != nil {
		return nil, err
	}
	if b.free {
		return nil, errors.Wrapf(memcore.ErrInvalidPointer, "pointer %#x refers to a free block", ptr)
	}
	return h.arena[ptr : b.offset+b.size], nil
}

// AddStatistics walks the block list once and sums this heap's sizes and
// counters into stats.
func (h *Allocator) AddStatistics(stats *memcore.HeapStats) {
	stats.TotalSize += len(h.arena)
	for b := h.first; b != nil; b = b.next {
		stats.BlockCount++
		if b.free {
			stats.FreeSize += b.size
		} else {
			stats.UsedSize += b.size
		}
	}
	stats.AllocCount += h.allocCount
	stats.FreeCount += h.freeCount
}

// Stats returns a snapshot of the heap's sizes and lifetime counters.
func (h *Allocator) Stats() memcore.HeapStats {
	var stats memcore.HeapStats
	stats.Clear()
	h.AddStatistics(&stats)
	return stats
}

// Validate performs internal consistency checks on the block list. When
// the allocator is functioning correctly it cannot return an error, but it
// may assist in diagnosing misuse that corrupted the list.
func (h *Allocator) Validate() error {
	if h.first == nil {
		return errors.New("heap has no block list")
	}
	if h.first.offset != 0 {
		return errors.Newf("first block starts at offset %d instead of the arena start", h.first.offset)
	}
	if h.first.prev != nil {
		return errors.New("first block has a predecessor")
	}

	offset := 0
	blockCount := 0
	for b := h.first; b != nil; b = b.next {
		if b.offset != offset {
			return errors.Newf("block at offset %d does not start where the previous block ends (%d)", b.offset, offset)
		}
		if b.size < MinBlockSize {
			return errors.Newf("block at offset %d has size %d, below the minimum %d", b.offset, b.size, MinBlockSize)
		}
		if b.next != nil {
			if b.next.prev != b {
				return errors.Newf("block at offset %d has a broken reverse link", b.offset)
			}
			if b.free && b.next.free {
				return errors.Newf("adjacent blocks at offsets %d and %d are both free", b.offset, b.next.offset)
			}
		}
		if mapped, ok := h.byOffset.Get(b.offset); !ok || mapped != b {
			return errors.Newf("block at offset %d is missing from the offset table", b.offset)
		}
		offset += b.size
		blockCount++
	}

	if offset != len(h.arena) {
		return errors.Newf("last block ends at offset %d, expected the arena end %d", offset, len(h.arena))
	}
	if h.byOffset.Count() != blockCount {
		return errors.Newf("offset table has %d entries for %d blocks", h.byOffset.Count(), blockCount)
	}
	return nil
}

// PrintDetailedMap populates a json object with the full block-list state.
// Diagnostics only; the layout is not a compatibility surface.
func (h *Allocator) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memcore.HeapStats
	stats.Clear()
	h.AddStatistics(&stats)

	json.Name("TotalBytes").Int(stats.TotalSize)
	json.Name("UsedBytes").Int(stats.UsedSize)
	json.Name("FreeBytes").Int(stats.FreeSize)
	json.Name("Allocations").Int(stats.AllocCount)
	json.Name("Frees").Int(stats.FreeCount)

	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	for b := h.first; b != nil; b = b.next {
		obj := blocks.Object()
		obj.Name("Offset").Int(b.offset)
		obj.Name("Size").Int(b.size)
		obj.Name("Free").Bool(b.free)
		obj.End()
	}
}

// DebugLogBlocks logs a human-readable listing of the block list, one line
// per block.
func (h *Allocator) DebugLogBlocks(logger *slog.Logger) {
	stats := h.Stats()
	logger.Debug("kernel heap state",
		slog.Int("totalBytes", stats.TotalSize),
		slog.Int("usedBytes", stats.UsedSize),
		slog.Int("freeBytes", stats.FreeSize),
		slog.Int("blocks", stats.BlockCount),
		slog.Int("allocs", stats.AllocCount),
		slog.Int("frees", stats.FreeCount))

	for b := h.first; b != nil; b = b.next {
		logger.Debug("heap block",
			slog.Int("offset", b.offset),
			slog.Int("size", b.size),
			slog.Bool("free", b.free))
	}
}

func (h *Allocator) newBlock() *block {
	b := headerPool.Get().(*block)
	b.offset = 0
	b.size = 0
	b.free = false
	b.prev = nil
	b.next = nil
	return b
}

// splitBlock truncates b to size bytes and tracks the remainder as a new
// free block spliced in immediately after it.
func (h *Allocator) splitBlock(b *block, size int) {
	remainder := h.newBlock()
	remainder.offset = b.offset + size
	remainder.size = b.size - size
	remainder.free = true
	remainder.prev = b
	remainder.next = b.next

	b.size = size
	b.next = remainder
	if remainder.next != nil {
		remainder.next.prev = remainder
	}
	h.byOffset.Put(remainder.offset, remainder)
}

// mergeIntoPrev absorbs b into prev. prev must be b's physical predecessor
// and both must be free.
func (h *Allocator) mergeIntoPrev(prev, b *block) {
	if prev.next != b || b.prev != prev {
		panic(fmt.Sprintf("cannot merge blocks at offsets %d and %d: not physical neighbors", prev.offset, b.offset))
	}
	if !prev.free || !b.free {
		panic(fmt.Sprintf("cannot merge blocks at offsets %d and %d: not both free", prev.offset, b.offset))
	}

	prev.size += b.size
	prev.next = b.next
	if prev.next != nil {
		prev.next.prev = prev
	}
	h.byOffset.Delete(b.offset)
	headerPool.Put(b)
}

// lookup resolves a caller pointer to its block header without changing
// any state.
func (h *Allocator) lookup(ptr int) (*block, error) {
	headerOffset := ptr - HeaderSize
	if headerOffset < 0 || headerOffset >= len(h.arena) {
		return nil, errors.Wrapf(memcore.ErrInvalidPointer,
			"pointer %#x is outside the heap arena of %d bytes", ptr, len(h.arena))
	}
	b, ok := h.byOffset.Get(headerOffset)
	if !ok {
		return nil, errors.Wrapf(memcore.ErrInvalidPointer, "pointer %#x does not point past a block header", ptr)
	}
	return b, nil
}
