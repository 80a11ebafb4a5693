// Package pmm implements the kernel's physical page allocator: a binary
// buddy system over a flat range of physical addresses, managed in units of
// PageSize bytes grouped into power-of-two blocks.
//
// In the running kernel a free block's bookkeeping lives inside the block
// itself: the first machine word of every free block holds the address of
// the next free block of the same order. Physical memory is not mapped into
// this process, so that word is modeled explicitly here - the link words of
// all free blocks live in a swiss table keyed by block address. A block is
// either caller-owned (no bookkeeping anywhere) or free (linked into
// exactly one per-order list).
package pmm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/Abdalla-Eldoumani/aeos/memcore"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

const (
	// PageSize is the size in bytes of a single physical page.
	PageSize uint64 = 4096
	// PageShift is log2(PageSize).
	PageShift = 12
	// MaxOrder is the largest supported block order; a block of order
	// MaxOrder spans PageSize << MaxOrder bytes (4MB with 4KB pages).
	MaxOrder = 10
)

// freeListEnd terminates a per-order free list. Physical address 0 can be a
// managed page, so 0 cannot serve as the terminator.
const freeListEnd = math.MaxUint64

// BlockSize returns the span in bytes of a block of the given order.
func BlockSize(order int) uint64 {
	return PageSize << order
}

// Allocator manages the physical address range [memStart, memEnd) handed to
// Init. The zero value is not usable; construct with New and call Init
// before any other method.
//
// The allocator is single-threaded and performs no internal locking; see
// the mm package for the synchronized front door.
type Allocator struct {
	logger *slog.Logger

	memStart   uint64
	memEnd     uint64
	totalPages int
	freePages  int

	// freeLists holds the head block address of each order's list;
	// nextLink holds the link word of every free block.
	freeLists [MaxOrder + 1]uint64
	nextLink  *swiss.Map[uint64, uint64]
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

// Init resets the allocator to manage [memStart, memEnd), with everything
// below kernelEnd implicitly reserved: free lists are only populated from
// kernelEnd onward. All three addresses are snapped to page boundaries.
//
// A degenerate layout (memEnd at or below kernelEnd) is legal and yields
// zero free pages.
func (a *Allocator) Init(memStart, memEnd, kernelEnd uint64) {
	memStart = memcore.AlignUp(memStart, PageSize)
	memEnd = memcore.AlignDown(memEnd, PageSize)
	kernelEnd = memcore.AlignUp(kernelEnd, PageSize)

	a.memStart = memStart
	a.memEnd = memEnd
	a.totalPages = 0
	if memEnd > memStart {
		a.totalPages = int((memEnd - memStart) >> PageShift)
	}
	a.freePages = 0
	for order := 0; order <= MaxOrder; order++ {
		a.freeLists[order] = freeListEnd
	}
	a.nextLink = swiss.NewMap[uint64, uint64](1024)

	available := kernelEnd
	if available < memStart {
		available = memStart
	}

	a.logger.Info("initializing physical page allocator",
		slog.String("memStart", hexAddr(memStart)),
		slog.String("memEnd", hexAddr(memEnd)),
		slog.String("kernelEnd", hexAddr(kernelEnd)),
		slog.Int("totalPages", a.totalPages))

	// Populate the free lists by emitting the largest aligned block that
	// fits at each cursor position. Buddy coalescing requires every free
	// block to be aligned to its own size, so equal-sized packing would
	// leave most blocks misaligned.
	current := available
	for current < memEnd {
		emitted := false
		for order := MaxOrder; order >= 0; order-- {
			size := BlockSize(order)
			if memEnd-current >= size && current&(size-1) == 0 {
				a.pushFree(current, order)
				a.freePages += 1 << order
				current += size
				emitted = true
				break
			}
		}
		if !emitted {
			current += PageSize
		}
	}

	a.logger.Info("physical page allocator ready",
		slog.Int("freePages", a.freePages),
		slog.Int("freeMB", a.freePages*int(PageSize)/(1024*1024)))
}

// AllocPages allocates 2^order contiguous pages and returns their base
// address, which is always aligned to the block's own size. On failure the
// allocator is left unchanged and the address is 0.
func (a *Allocator) AllocPages(order int) (uint64, error) {
	if order < 0 || order > MaxOrder {
		err := errors.Wrapf(memcore.ErrInvalidOrder, "requested order %d, maximum is %d", order, MaxOrder)
		a.logger.Error("page allocation rejected", slog.Int("order", order))
		return 0, err
	}

	memcore.DebugValidate(a)

	for current := order; current <= MaxOrder; current++ {
		if a.freeLists[current] == freeListEnd {
			continue
		}

		addr := a.popFree(current)

		// Halve the block until it matches the requested order, pushing
		// the upper half of each split onto the next list down. Each half
		// of an aligned block is itself aligned at the smaller order.
		for current > order {
			current--
			a.pushFree(addr+BlockSize(current), current)
		}

		a.freePages -= 1 << order
		return addr, nil
	}

	a.logger.Warn("out of physical memory",
		slog.Int("order", order),
		slog.Int("freePages", a.freePages))
	return 0, errors.Wrapf(memcore.ErrOutOfMemory, "no free block of order %d or above", order)
}

// AllocPage allocates a single page.
func (a *Allocator) AllocPage() (uint64, error) {
	return a.AllocPages(0)
}

// FreePages returns 2^order pages at addr to the allocator, merging the
// block with its buddy repeatedly while the buddy is also free. order must
// match the order the block was allocated with. A bad address or order is a
// caller bug: it is reported and the allocator is left unchanged.
func (a *Allocator) FreePages(addr uint64, order int) error {
	if order < 0 || order > MaxOrder {
		err := errors.Wrapf(memcore.ErrInvalidOrder, "freed with order %d, maximum is %d", order, MaxOrder)
		a.logger.Error("page free rejected", slog.String("addr", hexAddr(addr)), slog.Int("order", order))
		return err
	}

	size := BlockSize(order)
	if addr < a.memStart || addr >= a.memEnd || a.memEnd-addr < size {
		err := errors.Wrapf(memcore.ErrInvalidAddress,
			"address %s is outside the managed range [%s, %s)", hexAddr(addr), hexAddr(a.memStart), hexAddr(a.memEnd))
		a.logger.Error("page free rejected", slog.String("addr", hexAddr(addr)), slog.Int("order", order))
		return err
	}
	if addr&(size-1) != 0 {
		err := errors.Wrapf(memcore.ErrInvalidAddress, "address %s is not aligned for order %d", hexAddr(addr), order)
		a.logger.Error("page free rejected", slog.String("addr", hexAddr(addr)), slog.Int("order", order))
		return err
	}

	memcore.DebugValidate(a)

	// Credit only the pages the caller is returning. Coalescing below
	// moves pages that are already counted as free.
	a.freePages += 1 << order

	for order < MaxOrder {
		buddy := addr ^ BlockSize(order)
		if buddy < a.memStart || buddy >= a.memEnd || !a.removeFree(buddy, order) {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		order++
	}

	a.pushFree(addr, order)
	return nil
}

// FreePage returns a single page.
func (a *Allocator) FreePage(addr uint64) error {
	return a.FreePages(addr, 0)
}

// ReserveRegion removes [start, end) from the free lists so the pages are
// never handed out, walking the range with the same largest-aligned-block
// packing Init uses. Pages in the range that are currently allocated are
// skipped; only pages that would otherwise be free are protected.
func (a *Allocator) ReserveRegion(start, end uint64) {
	start = memcore.AlignDown(start, PageSize)
	end = memcore.AlignUp(end, PageSize)

	a.logger.Debug("reserving physical region",
		slog.String("start", hexAddr(start)),
		slog.String("end", hexAddr(end)))

	current := start
	for current < end {
		removed := false
		for order := MaxOrder; order >= 0; order-- {
			size := BlockSize(order)
			if end-current >= size && current&(size-1) == 0 && a.removeFree(current, order) {
				a.freePages -= 1 << order
				current += size
				removed = true
				break
			}
		}
		if !removed {
			current += PageSize
		}
	}
}

// AddStatistics sums this allocator's page counts into stats.
func (a *Allocator) AddStatistics(stats *memcore.PageStats) {
	stats.TotalPages += a.totalPages
	stats.FreePages += a.freePages
	stats.UsedPages += a.totalPages - a.freePages
}

// Stats returns a snapshot of the allocator's page counts.
func (a *Allocator) Stats() memcore.PageStats {
	var stats memcore.PageStats
	stats.Clear()
	a.AddStatistics(&stats)
	return stats
}

// Validate performs internal consistency checks on the free lists. When the
// allocator is functioning correctly it cannot return an error, but it may
// assist in diagnosing misuse that corrupted the lists.
func (a *Allocator) Validate() error {
	seen := swiss.NewMap[uint64, int](uint32(a.nextLink.Count()) + 1)
	countedPages := 0

	for order := 0; order <= MaxOrder; order++ {
		size := BlockSize(order)
		for addr := a.freeLists[order]; addr != freeListEnd; {
			if addr < a.memStart || addr >= a.memEnd || a.memEnd-addr < size {
				return errors.Newf("free block %s of order %d lies outside the managed range", hexAddr(addr), order)
			}
			if addr&(size-1) != 0 {
				return errors.Newf("free block %s is not aligned to its order %d", hexAddr(addr), order)
			}
			if prevOrder, ok := seen.Get(addr); ok {
				return errors.Newf("block %s appears in the free lists of orders %d and %d", hexAddr(addr), prevOrder, order)
			}
			seen.Put(addr, order)
			countedPages += 1 << order

			next, ok := a.nextLink.Get(addr)
			if !ok {
				return errors.Newf("free block %s of order %d has no link word", hexAddr(addr), order)
			}
			addr = next
		}
	}

	var mergeErr error
	seen.Iter(func(addr uint64, order int) bool {
		if order == MaxOrder {
			return false
		}
		if buddyOrder, ok := seen.Get(addr ^ BlockSize(order)); ok && buddyOrder == order {
			mergeErr = errors.Newf("block %s and its buddy of order %d are both free but were not merged", hexAddr(addr), order)
			return true
		}
		return false
	})
	if mergeErr != nil {
		return mergeErr
	}

	if countedPages != a.freePages {
		return errors.Newf("free page counter is %d but the free lists hold %d pages", a.freePages, countedPages)
	}
	return nil
}

// PrintDetailedMap populates a json object with the full free-list state.
// Diagnostics only; the layout is not a compatibility surface.
func (a *Allocator) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("MemStart").String(hexAddr(a.memStart))
	json.Name("MemEnd").String(hexAddr(a.memEnd))
	json.Name("TotalPages").Int(a.totalPages)
	json.Name("FreePages").Int(a.freePages)
	json.Name("UsedPages").Int(a.totalPages - a.freePages)

	orders := json.Name("FreeLists").Array()
	defer orders.End()

	for order := 0; order <= MaxOrder; order++ {
		if a.freeLists[order] == freeListEnd {
			continue
		}

		obj := orders.Object()
		obj.Name("Order").Int(order)
		obj.Name("BlockBytes").Int(int(BlockSize(order)))

		blocks := obj.Name("Blocks").Array()
		for addr := a.freeLists[order]; addr != freeListEnd; {
			blocks.String(hexAddr(addr))
			next, ok := a.nextLink.Get(addr)
			if !ok {
				panic(fmt.Sprintf("free block %s of order %d has no link word", hexAddr(addr), order))
			}
			addr = next
		}
		blocks.End()
		obj.End()
	}
}

// DebugLogFreeLists logs a human-readable summary of the free lists, one
// line per populated order.
func (a *Allocator) DebugLogFreeLists(logger *slog.Logger) {
	logger.Debug("physical page allocator state",
		slog.String("memStart", hexAddr(a.memStart)),
		slog.String("memEnd", hexAddr(a.memEnd)),
		slog.Int("totalPages", a.totalPages),
		slog.Int("freePages", a.freePages),
		slog.Int("usedPages", a.totalPages-a.freePages))

	for order := 0; order <= MaxOrder; order++ {
		count := 0
		for addr := a.freeLists[order]; addr != freeListEnd; {
			count++
			next, _ := a.nextLink.Get(addr)
			addr = next
		}
		if count > 0 {
			logger.Debug("free list",
				slog.Int("order", order),
				slog.Int("blockKB", int(BlockSize(order)/1024)),
				slog.Int("blocks", count))
		}
	}
}

// pushFree links the block at addr onto the head of its order's free list.
func (a *Allocator) pushFree(addr uint64, order int) {
	a.nextLink.Put(addr, a.freeLists[order])
	a.freeLists[order] = addr
}

// popFree unlinks and returns the head block of the order's free list,
// which must not be empty.
func (a *Allocator) popFree(order int) uint64 {
	head := a.freeLists[order]
	if head == freeListEnd {
		panic(fmt.Sprintf("popFree called on the empty free list of order %d", order))
	}
	next, ok := a.nextLink.Get(head)
	if !ok {
		panic(fmt.Sprintf("free block %s of order %d has no link word", hexAddr(head), order))
	}
	a.freeLists[order] = next
	a.nextLink.Delete(head)
	return head
}

// removeFree unlinks the block at addr from the free list of the given
// order and reports whether it was present. The lists are unordered, so
// this is a linear walk.
func (a *Allocator) removeFree(addr uint64, order int) bool {
	prev := uint64(freeListEnd)
	for current := a.freeLists[order]; current != freeListEnd; {
		next, ok := a.nextLink.Get(current)
		if !ok {
			panic(fmt.Sprintf("free block %s of order %d has no link word", hexAddr(current), order))
		}

		if current == addr {
			if prev == freeListEnd {
				a.freeLists[order] = next
			} else {
				a.nextLink.Put(prev, next)
			}
			a.nextLink.Delete(addr)
			return true
		}

		prev = current
		current = next
	}
	return false
}

func hexAddr(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}
