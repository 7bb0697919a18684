package pagecache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/STEMHA/FlashGraph/pagecache/diag"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

// Scenario: concurrent hit during split, at unit-test scale. Four
// goroutines repeatedly search the same six offsets while one goroutine
// calls Expand 20 times; every Expand must succeed and the table must
// pass SanityCheck afterward. A miss (nil) is allowed, since the setup
// inserts more offsets than some cells hold.
func TestConcurrentSearchDuringExpand(t *testing.T) {
	opts := testOptions()
	opts.InitNCells = 2
	opts.CellMax = 4
	opts.MinCellSize = 2
	mm := newFakeMemoryManager(opts.PageSize, 64*1024*1024)
	io := &fakeAsyncIO{}
	ac, err := NewAssociativeCache(opts, mm, io, 0, diag.NoopSink{})
	require.NoError(t, err)
	t.Cleanup(ac.Close)

	const nOffsets = 6
	offsets := make([]int64, nOffsets)
	for i := range offsets {
		offsets[i] = int64(i) * int64(opts.PageSize)
		pg, _ := ac.SearchWithPrevOffset(offsets[i])
		pg.SetDataReady(true)
		pg.DecRef()
	}

	var g errgroup.Group
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				for _, off := range offsets {
					pg := ac.Search(off)
					if pg != nil {
						pg.DecRef()
					}
				}
			}
		})
	}

	g.Go(func() error {
		defer close(stop)
		for i := 0; i < 20; i++ {
			if _, err := ac.Expand(4); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())
	require.NoError(t, ac.SanityCheck())
}

// Scenario: eviction policy prediction never mutates real state.
func TestPredictEvictedPagesIsSideEffectFreeE2E(t *testing.T) {
	hc := newTestHashCell(0, 4, 4)
	before := hc.NumPages()

	first := hc.PredictEvictedPages(2, 0, 0)
	second := hc.PredictEvictedPages(2, 0, 0)
	require.Equal(t, first, second)
	require.Equal(t, before, hc.NumPages())
}

// Exercises the whole write path end to end: insert, mark dirty,
// let the fake I/O layer complete the writeback, and see DIRTY clear
// afterward.
func TestEndToEndWriteback(t *testing.T) {
	opts := testOptions()
	opts.DirtyPagesThreshold = 1
	mm := newFakeMemoryManager(opts.PageSize, 16*1024*1024)
	io := &fakeAsyncIO{}
	ac, err := NewAssociativeCache(opts, mm, io, 0, diag.NoopSink{})
	require.NoError(t, err)
	t.Cleanup(ac.Close)

	var wg sync.WaitGroup
	pages := make([]*page.Page, 4)
	for i := range pages {
		pg, _ := ac.SearchWithPrevOffset(int64(i) * int64(opts.PageSize))
		pg.SetDataReady(true)
		pages[i] = pg
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ac.MarkDirtyPages(pages)
	}()
	wg.Wait()
	for _, pg := range pages {
		pg.DecRef()
	}

	require.Eventually(t, func() bool {
		for _, pg := range pages {
			if pg.IsDirty() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}
