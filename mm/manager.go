// Package mm ties the physical page allocator and the kernel heap together
// behind one synchronized front door. The allocators themselves are
// single-threaded by design and contain no locking; the manager wraps
// every entry point in a mutex so they can be driven from a concurrent
// host. Consumers that already serialize their calls can switch the mutex
// off at creation time.
package mm

import (
	"github.com/Abdalla-Eldoumani/aeos/internal/utils"
	"github.com/Abdalla-Eldoumani/aeos/memcore"
	"github.com/Abdalla-Eldoumani/aeos/memcore/kheap"
	"github.com/Abdalla-Eldoumani/aeos/memcore/pmm"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// Manager owns one physical page allocator and one kernel heap for the
// lifetime of the process.
type Manager struct {
	logger *slog.Logger
	mutex  utils.OptionalRWMutex

	pages *pmm.Allocator
	heap  *kheap.Allocator
}

// MemoryStats aggregates the statistics of both allocators.
type MemoryStats struct {
	Pages memcore.PageStats
	Heap  memcore.HeapStats
}

// AllocPages allocates 2^order contiguous physical pages.
func (m *Manager) AllocPages(order int) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.pages.AllocPages(order)
}

// AllocPage allocates a single physical page.
func (m *Manager) AllocPage() (uint64, error) {
	return m.AllocPages(0)
}

// FreePages returns 2^order contiguous physical pages.
func (m *Manager) FreePages(addr uint64, order int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.pages.FreePages(addr, order)
}

// FreePage returns a single physical page.
func (m *Manager) FreePage(addr uint64) error {
	return m.FreePages(addr, 0)
}

// ReserveRegion removes the physical range [start, end) from circulation.
func (m *Manager) ReserveRegion(start, end uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.pages.ReserveRegion(start, end)
}

// Alloc allocates size bytes from the kernel heap.
func (m *Manager) Alloc(size int) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.heap.Alloc(size)
}

// AllocZeroed allocates count*size bytes from the kernel heap and zeroes
// them.
func (m *Manager) AllocZeroed(count, size int) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.heap.AllocZeroed(count, size)
}

// Free returns a heap allocation.
func (m *Manager) Free(ptr int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.heap.Free(ptr)
}

// Realloc resizes a heap allocation.
func (m *Manager) Realloc(ptr, newSize int) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.heap.Realloc(ptr, newSize)
}

// Payload returns the caller-owned byte view of a live heap allocation.
func (m *Manager) Payload(ptr int) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.heap.Payload(ptr)
}

// Stats returns a combined snapshot of both allocators.
func (m *Manager) Stats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats MemoryStats
	stats.Pages.Clear()
	stats.Heap.Clear()
	m.pages.AddStatistics(&stats.Pages)
	m.heap.AddStatistics(&stats.Heap)
	return stats
}

// TotalMemory returns the total physical memory under management, in
// bytes.
func (m *Manager) TotalMemory() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats memcore.PageStats
	stats.Clear()
	m.pages.AddStatistics(&stats)
	return uint64(stats.TotalPages) * pmm.PageSize
}

// FreeMemory returns the free physical memory, in bytes.
func (m *Manager) FreeMemory() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats memcore.PageStats
	stats.Clear()
	m.pages.AddStatistics(&stats)
	return uint64(stats.FreePages) * pmm.PageSize
}

// Validate runs the consistency checks of both allocators.
func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.pages.Validate(); err != nil {
		return err
	}
	return m.heap.Validate()
}

// BuildStatsString returns a JSON dump of both allocators' internal state.
// Diagnostics only; the layout is not a compatibility surface.
func (m *Manager) BuildStatsString() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	pagesObj := obj.Name("PhysicalPages").Object()
	m.pages.PrintDetailedMap(pagesObj)
	pagesObj.End()

	heapObj := obj.Name("Heap").Object()
	m.heap.PrintDetailedMap(heapObj)
	heapObj.End()

	obj.End()
	return string(writer.Bytes())
}

// DebugLogState logs a human-readable listing of both allocators' state.
func (m *Manager) DebugLogState() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.pages.DebugLogFreeLists(m.logger)
	m.heap.DebugLogBlocks(m.logger)
}
