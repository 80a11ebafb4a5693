package memcore

// PageStats describes the state of the physical page allocator at one
// observation point.
type PageStats struct {
	// TotalPages is the number of pages in the managed range.
	TotalPages int
	// FreePages is the number of pages currently sitting in a free list.
	FreePages int
	// UsedPages is TotalPages minus FreePages; pages held by callers are
	// not tracked individually.
	UsedPages int
	// ReservedPages is always 0: reservation is modeled by never freeing
	// the reserved pages, not by a separate counter.
	ReservedPages int
}

func (s *PageStats) Clear() {
	s.TotalPages = 0
	s.FreePages = 0
	s.UsedPages = 0
	s.ReservedPages = 0
}

func (s *PageStats) AddStatistics(other *PageStats) {
	s.TotalPages += other.TotalPages
	s.FreePages += other.FreePages
	s.UsedPages += other.UsedPages
	s.ReservedPages += other.ReservedPages
}

// HeapStats describes the state of the kernel heap at one observation
// point. Sizes include block headers.
type HeapStats struct {
	TotalSize int
	UsedSize  int
	FreeSize  int
	// BlockCount is the number of blocks currently tiling the arena.
	BlockCount int
	// AllocCount and FreeCount are lifetime counters; they only grow.
	AllocCount int
	FreeCount  int
}

func (s *HeapStats) Clear() {
	s.TotalSize = 0
	s.UsedSize = 0
	s.FreeSize = 0
	s.BlockCount = 0
	s.AllocCount = 0
	s.FreeCount = 0
}

func (s *HeapStats) AddStatistics(other *HeapStats) {
	s.TotalSize += other.TotalSize
	s.UsedSize += other.UsedSize
	s.FreeSize += other.FreeSize
	s.BlockCount += other.BlockCount
	s.AllocCount += other.AllocCount
	s.FreeCount += other.FreeCount
}
