package pagecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/STEMHA/FlashGraph/pagecache/diag"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

func newTestHashCell(idx int64, capacity, minSize int) *HashCell {
	hc := newHashCell(idx, capacity, minSize, LRU, diag.NoopSink{})
	hc.cell.setPages(newTestPages(minSize))
	return hc
}

func TestHashCellSearchHitAndMiss(t *testing.T) {
	hc := newTestHashCell(0, 4, 2)
	pg := hc.Search(0)
	require.NotNil(t, pg)
	require.Equal(t, int32(1), pg.RefCount())
	pg.DecRef()

	require.Nil(t, hc.Search(int64(page.Size)*100))
}

func TestHashCellSearchOrInsertEvictsWhenFull(t *testing.T) {
	hc := newTestHashCell(0, 2, 2)
	p0 := hc.Search(0)
	p0.DecRef()
	p1 := hc.Search(int64(page.Size))
	p1.DecRef()

	pg, prev := hc.SearchOrInsert(int64(page.Size) * 9)
	require.NotNil(t, pg)
	require.NotEqual(t, page.InvalidOffset, prev)
	pg.DecRef()
}

func TestHashCellSearchOrInsertBlocksUntilUnreferenced(t *testing.T) {
	hc := newTestHashCell(0, 1, 1)
	held, _ := hc.SearchOrInsert(0)

	done := make(chan *page.Page, 1)
	go func() {
		pg, _ := hc.SearchOrInsert(int64(page.Size))
		done <- pg
	}()

	select {
	case <-done:
		t.Fatal("SearchOrInsert returned before the only page was released")
	default:
	}

	held.DecRef()
	pg := <-done
	require.NotNil(t, pg)
	pg.DecRef()
}

func TestHashCellMergeMovesAllPages(t *testing.T) {
	a := newTestHashCell(0, 4, 2)
	b := newTestHashCell(1, 4, 2)

	err := a.Merge(b)
	require.NoError(t, err)
	require.Equal(t, 4, a.NumPages())
	require.Equal(t, 0, b.NumPages())
}

func TestHashCellMergeRejectsOverCapacity(t *testing.T) {
	a := newTestHashCell(0, 3, 2)
	b := newTestHashCell(1, 3, 2)

	err := a.Merge(b)
	require.Error(t, err)
}

func TestHashCellInQueueCAS(t *testing.T) {
	hc := newTestHashCell(0, 4, 2)
	require.False(t, hc.SetInQueue())
	require.True(t, hc.InQueue())
	require.True(t, hc.SetInQueue())
	hc.ClearInQueue()
	require.False(t, hc.InQueue())
}

func TestHashCellSanityCheckPassesForFreshCell(t *testing.T) {
	hc := newTestHashCell(0, 4, 2)
	require.Empty(t, hc.SanityCheck())
}
