package mm_test

import (
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/Abdalla-Eldoumani/aeos/memcore"
	"github.com/Abdalla-Eldoumani/aeos/mm"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bootLayout() mm.Layout {
	return mm.Layout{
		RAMStart:  0x40000000,
		RAMEnd:    0x41000000,
		KernelEnd: 0x40100000,
		HeapSize:  65536,
	}
}

func TestManagerCreate(t *testing.T) {
	m, err := mm.New(bootLayout(), mm.CreateOptions{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	stats := m.Stats()
	require.Equal(t, memcore.PageStats{
		TotalPages: 4096,
		FreePages:  3840,
		UsedPages:  256,
	}, stats.Pages)
	require.Equal(t, memcore.HeapStats{
		TotalSize:  65536,
		FreeSize:   65536,
		BlockCount: 1,
	}, stats.Heap)

	require.Equal(t, uint64(4096*4096), m.TotalMemory())
	require.Equal(t, uint64(3840*4096), m.FreeMemory())
}

func TestManagerCreateInvalidLayout(t *testing.T) {
	layout := bootLayout()
	layout.RAMEnd = layout.RAMStart
	_, err := mm.New(layout, mm.CreateOptions{Logger: testLogger()})
	require.Error(t, err)

	layout = bootLayout()
	layout.KernelEnd = layout.RAMStart - 0x1000
	_, err = mm.New(layout, mm.CreateOptions{Logger: testLogger()})
	require.Error(t, err)

	layout = bootLayout()
	layout.HeapSize = 16
	_, err = mm.New(layout, mm.CreateOptions{Logger: testLogger()})
	require.Error(t, err)
}

func TestManagerReservedRegions(t *testing.T) {
	layout := mm.Layout{
		RAMStart:  0x40000000,
		RAMEnd:    0x40003000,
		KernelEnd: 0x40000000,
		HeapSize:  4096,
	}
	m, err := mm.New(layout, mm.CreateOptions{
		Logger: testLogger(),
		ReservedRegions: []mm.Region{
			{Start: 0x40002000, End: 0x40003000},
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	stats := m.Stats()
	require.Equal(t, 3, stats.Pages.TotalPages)
	require.Equal(t, 2, stats.Pages.FreePages)
}

func TestManagerEndToEnd(t *testing.T) {
	m, err := mm.New(bootLayout(), mm.CreateOptions{Logger: testLogger()})
	require.NoError(t, err)

	page, err := m.AllocPage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, page, uint64(0x40100000))

	run, err := m.AllocPages(3)
	require.NoError(t, err)

	ptr, err := m.Alloc(512)
	require.NoError(t, err)
	payload, err := m.Payload(ptr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(payload), 512)

	bigger, err := m.Realloc(ptr, 1024)
	require.NoError(t, err)

	require.NoError(t, m.Free(bigger))
	require.NoError(t, m.FreePages(run, 3))
	require.NoError(t, m.FreePage(page))
	require.NoError(t, m.Validate())

	stats := m.Stats()
	require.Equal(t, 3840, stats.Pages.FreePages)
	require.Equal(t, 65536, stats.Heap.FreeSize)
}

func TestManagerStatsString(t *testing.T) {
	m, err := mm.New(bootLayout(), mm.CreateOptions{Logger: testLogger()})
	require.NoError(t, err)

	_, err = m.AllocPage()
	require.NoError(t, err)
	_, err = m.Alloc(100)
	require.NoError(t, err)

	var dump map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(m.BuildStatsString()), &dump))
	require.Contains(t, dump, "PhysicalPages")
	require.Contains(t, dump, "Heap")
}

func TestManagerExternallySynchronized(t *testing.T) {
	m, err := mm.New(bootLayout(), mm.CreateOptions{
		Logger: testLogger(),
		Flags:  mm.ManagerCreateExternallySynchronized,
	})
	require.NoError(t, err)

	page, err := m.AllocPage()
	require.NoError(t, err)
	require.NoError(t, m.FreePage(page))
	require.NoError(t, m.Validate())
}

func TestManagerConcurrentChurn(t *testing.T) {
	m, err := mm.New(bootLayout(), mm.CreateOptions{Logger: testLogger()})
	require.NoError(t, err)
	freeBefore := m.Stats().Pages.FreePages

	const workers = 8
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			var pages []uint64
			var ptrs []int
			for i := 0; i < 500; i++ {
				switch rng.Intn(4) {
				case 0:
					if addr, err := m.AllocPage(); err == nil {
						pages = append(pages, addr)
					}
				case 1:
					if len(pages) > 0 {
						addr := pages[len(pages)-1]
						pages = pages[:len(pages)-1]
						if err := m.FreePage(addr); err != nil {
							panic(err)
						}
					}
				case 2:
					if ptr, err := m.Alloc(1 + rng.Intn(100)); err == nil {
						ptrs = append(ptrs, ptr)
					}
				case 3:
					if len(ptrs) > 0 {
						ptr := ptrs[len(ptrs)-1]
						ptrs = ptrs[:len(ptrs)-1]
						if err := m.Free(ptr); err != nil {
							panic(err)
						}
					}
				}
			}

			for _, addr := range pages {
				if err := m.FreePage(addr); err != nil {
					panic(err)
				}
			}
			for _, ptr := range ptrs {
				if err := m.Free(ptr); err != nil {
					panic(err)
				}
			}
		}(int64(worker))
	}
	wg.Wait()

	require.NoError(t, m.Validate())
	stats := m.Stats()
	require.Equal(t, freeBefore, stats.Pages.FreePages)
	require.Equal(t, 65536, stats.Heap.FreeSize)
	require.Equal(t, 1, stats.Heap.BlockCount)
}
