package mm

import (
	"github.com/Abdalla-Eldoumani/aeos/memcore/kheap"
	"github.com/Abdalla-Eldoumani/aeos/memcore/pmm"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

const (
	// ManagerCreateExternallySynchronized ensures that this manager will not be synchronized
	// internally. The consumer must guarantee it is used from only one thread at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	ManagerCreateExternallySynchronized CreateFlags = 1 << iota
)

// Region is a physical address range [Start, End) that must never be
// handed out, such as an MMIO window or a firmware table.
type Region struct {
	Start uint64
	End   uint64
}

// Layout describes the boot-time memory map the manager is built from. In
// the kernel it comes from the device tree and linker symbols; it is passed
// in here as-is.
type Layout struct {
	// RAMStart and RAMEnd bound the physical RAM handed to the page
	// allocator.
	RAMStart uint64
	RAMEnd   uint64
	// KernelEnd is the first byte past the kernel image. Pages below it
	// are never handed out.
	KernelEnd uint64
	// HeapSize is the size in bytes of the kernel heap arena.
	HeapSize int
}

// CreateOptions contains optional settings when creating a Manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// Logger receives allocator diagnostics. slog.Default() is used when
	// nil.
	Logger *slog.Logger
	// ReservedRegions are removed from the page allocator before the
	// manager is handed to the caller.
	ReservedRegions []Region
}

// New creates a Manager that owns the memory described by layout.
func New(layout Layout, options CreateOptions) (*Manager, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if layout.RAMEnd <= layout.RAMStart {
		return nil, errors.Newf("physical RAM range [%#x, %#x) is empty", layout.RAMStart, layout.RAMEnd)
	}
	if layout.KernelEnd < layout.RAMStart {
		return nil, errors.Newf("kernel end %#x lies below the start of RAM %#x", layout.KernelEnd, layout.RAMStart)
	}
	if layout.HeapSize < kheap.MinBlockSize {
		return nil, errors.Newf("heap size %d cannot hold a single block (minimum %d)", layout.HeapSize, kheap.MinBlockSize)
	}

	m := &Manager{
		logger: logger,
		pages:  pmm.New(logger),
		heap:   kheap.New(logger),
	}
	m.mutex.UseMutex = options.Flags&ManagerCreateExternallySynchronized == 0

	m.pages.Init(layout.RAMStart, layout.RAMEnd, layout.KernelEnd)
	for _, region := range options.ReservedRegions {
		m.pages.ReserveRegion(region.Start, region.End)
	}
	m.heap.Init(make([]byte, layout.HeapSize))

	return m, nil
}
