package pagecache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/STEMHA/FlashGraph/pagecache/diag"
	cerrors "github.com/STEMHA/FlashGraph/pagecache/errors"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

// AssociativeCache is a set-associative page cache addressed by linear
// hashing (spec.md §4.5): the bucket table grows one split at a time
// rather than doubling all at once, so a single Expand only ever moves
// one cell's worth of pages.
type AssociativeCache struct {
	opts Options
	mm   MemoryManager
	io   AsyncIO
	sink diag.Sink

	nodeID int

	shapeLock  sync.RWMutex // guards cellsTable, level, split, height
	cellsTable []*HashCell
	level      int64 // linear-hashing round; table has InitNCells*2^level + split cells
	split      int64 // next cell index due to split this round
	height     int   // ratcheting target size new/growing cells fill to

	expanding int32 // CAS flag; only one Expand/Shrink in flight at a time

	flush *FlushCoordinator
}

// NewAssociativeCache builds a cache with opts.InitNCells cells already
// populated from mm, ready to serve Search immediately.
func NewAssociativeCache(opts Options, mm MemoryManager, io AsyncIO, nodeID int, sink diag.Sink) (*AssociativeCache, error) {
	if sink == nil {
		sink = diag.NoopSink{}
	}
	if opts.InitNCells <= 0 {
		return nil, cerrors.NewInvalidOperation("NewAssociativeCache", "InitNCells must be positive")
	}

	ac := &AssociativeCache{
		opts:       opts,
		mm:         mm,
		io:         io,
		sink:       sink,
		nodeID:     nodeID,
		cellsTable: make([]*HashCell, opts.InitNCells),
		height:     opts.MinCellSize,
		flush:      NewFlushCoordinator(opts, io, sink),
	}

	initPages := int(opts.InitNCells) * opts.MinCellSize
	pages, ok := mm.GetFreePages(initPages, ac)
	if !ok {
		return nil, cerrors.ErrOutOfMemory
	}

	for i := int64(0); i < opts.InitNCells; i++ {
		cell := newHashCell(i, opts.CellMax, opts.MinCellSize, opts.Eviction, sink)
		share := pages[:opts.MinCellSize]
		pages = pages[opts.MinCellSize:]
		cell.cell.setPages(share)
		ac.cellsTable[i] = cell
	}

	mm.RegisterCache(ac)
	go ac.flush.Run()
	return ac, nil
}

// Close stops the background flush loop and unregisters from the memory
// manager. It does not write back or free any resident pages.
func (ac *AssociativeCache) Close() {
	ac.flush.Stop()
	ac.mm.UnregisterCache(ac)
}

// hashMod computes (offset/PageSize * offsetFactor) mod m, matching h_base/h_next from
// spec.md §4.5 (m is always a cell count, never zero).
func hashMod(offset int64, pageSize int, offsetFactor, m int64) int64 {
	pageIdx := offset / int64(pageSize)
	v := (pageIdx * offsetFactor) % m
	if v < 0 {
		v += m
	}
	return v
}

// cellForOffsetLocked resolves offset to its owning cell under the
// current (level, split) shape. Callers must hold shapeLock.
func (ac *AssociativeCache) cellForOffsetLocked(offset int64) *HashCell {
	base := int64(ac.opts.InitNCells) << uint(ac.level)
	idx := hashMod(offset, ac.opts.PageSize, ac.opts.OffsetFactor, base)
	if idx < ac.split {
		idx = hashMod(offset, ac.opts.PageSize, ac.opts.OffsetFactor, base*2)
	}
	return ac.cellsTable[idx]
}

func (ac *AssociativeCache) cellForOffset(offset int64) *HashCell {
	ac.shapeLock.RLock()
	defer ac.shapeLock.RUnlock()
	return ac.cellForOffsetLocked(offset)
}

// cellOf finds the HashCell currently holding pg, for the flush
// coordinator's cellsOf callback, by routing the page's current offset
// under RLock; used only on the dirty-page batch path, not per-page I/O.
func (ac *AssociativeCache) cellOf(pg *page.Page) *HashCell {
	return ac.cellForOffset(pg.Offset())
}

// Search looks a page up by offset, returning it with its refcount
// incremented on a hit, or nil on a miss. Callers must DecRef the
// returned page when done.
func (ac *AssociativeCache) Search(offset int64) *page.Page {
	for {
		cell := ac.cellForOffset(offset)
		if pg := cell.Search(offset); pg != nil {
			return pg
		}
		// A miss only stands if no split or unsplit rerouted offset in the
		// meantime; otherwise look again in the cell it now maps to.
		if ac.cellForOffset(offset) == cell {
			return nil
		}
	}
}

// SearchWithPrevOffset looks a page up, inserting (via eviction if
// necessary) on a miss. On a miss it reports the offset the evicted page
// held before this call; it reports page.InvalidOffset on a hit, or when
// the evicted slot had never held a real offset.
// Callers must DecRef the returned page when done, and are responsible
// for flushing it first if prevOffset != page.InvalidOffset and the
// page was dirty.
func (ac *AssociativeCache) SearchWithPrevOffset(offset int64) (pg *page.Page, prevOffset int64) {
	return ac.cellForOffset(offset).SearchOrInsert(offset)
}

// MarkDirtyPages flags the given pages dirty and hands them to the
// flush coordinator's write-path hook (spec.md §4.6).
func (ac *AssociativeCache) MarkDirtyPages(pages []*page.Page) {
	for _, pg := range pages {
		pg.SetDirty()
	}
	ac.flush.FlushDirtyPages(ac.cellOf, pages)
}

// GetNumDirtyPages returns an approximate, point-in-time count of dirty
// pages across the whole table (spec.md §9: no global lock is taken, so
// concurrent mutation can make this stale by the time it returns).
func (ac *AssociativeCache) GetNumDirtyPages() int {
	ac.shapeLock.RLock()
	cells := append([]*HashCell(nil), ac.cellsTable...)
	ac.shapeLock.RUnlock()

	total := 0
	for _, c := range cells {
		total += c.NumPagesMatching(page.Dirty, 0)
	}
	return total
}

// GetNumUsedPages returns an approximate count of resident pages across
// the whole table.
func (ac *AssociativeCache) GetNumUsedPages() int {
	ac.shapeLock.RLock()
	cells := append([]*HashCell(nil), ac.cellsTable...)
	ac.shapeLock.RUnlock()

	total := 0
	for _, c := range cells {
		total += c.NumPages()
	}
	return total
}

// Expand grows the table by nPages worth of new buffers: first filling
// under-height existing cells up toward CellMax, then, once every cell
// is at height, raising height by one (or, once height has reached CellMax,
// performing one linear-hashing split). It returns the number of pages
// actually placed.
func (ac *AssociativeCache) Expand(nPages int) (int, error) {
	if !atomic.CompareAndSwapInt32(&ac.expanding, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&ac.expanding, 0)

	pages, ok := ac.mm.GetFreePages(nPages, ac)
	if !ok {
		return 0, errors.Wrapf(cerrors.ErrOutOfMemory, "expand: need %d pages", nPages)
	}
	placed := 0

	ac.shapeLock.Lock()
	defer ac.shapeLock.Unlock()

	// Phase 1: top up any cell below the current height ratchet.
	for _, c := range ac.cellsTable {
		if len(pages) == 0 {
			break
		}
		short := ac.height - c.NumPages()
		if short <= 0 {
			continue
		}
		if short > len(pages) {
			short = len(pages)
		}
		c.AddPages(pages[:short])
		pages = pages[short:]
		placed += short
	}
	if len(pages) == 0 {
		return placed, nil
	}

	// Phase 2: every cell is at height. If height hasn't reached CellMax
	// yet, raise the ratchet by one and top up a single cell from it; the
	// rest of the cells catch up on later Expand calls.
	if ac.height < ac.opts.CellMax {
		ac.height++
		for _, c := range ac.cellsTable {
			want := ac.height - c.NumPages()
			if want <= 0 {
				continue
			}
			if want > len(pages) {
				want = len(pages)
			}
			c.AddPages(pages[:want])
			pages = pages[want:]
			placed += want
			break
		}
		if len(pages) > 0 {
			ac.mm.FreePages(pages)
		}
		return placed, nil
	}

	// Phase 3: linear-hashing split. Every cell is full at CellMax; grow
	// the table by one cell (doubling it physically only when split
	// wraps past the current half) and rehash the splitting cell's
	// contents between it and its new high sibling.
	numBase := int64(ac.opts.InitNCells) << uint(ac.level)
	splitting := ac.cellsTable[ac.split]
	newIdx := numBase + ac.split

	capLevel := ac.level
	hashAtLevel := func(offset int64) int64 {
		base := int64(ac.opts.InitNCells) << uint(capLevel)
		idx := hashMod(offset, ac.opts.PageSize, ac.opts.OffsetFactor, base)
		if idx < ac.split+1 {
			idx = hashMod(offset, ac.opts.PageSize, ac.opts.OffsetFactor, base*2)
		}
		return idx
	}

	expandedCell := newHashCell(newIdx, ac.opts.CellMax, ac.opts.MinCellSize, ac.opts.Eviction, ac.sink)
	ac.cellsTable = append(ac.cellsTable, expandedCell)

	splitting.Rehash(expandedCell, hashAtLevel)

	if expandedCell.NumPages() < ac.opts.MinCellSize {
		short := ac.opts.MinCellSize - expandedCell.NumPages()
		if short > len(pages) {
			short = len(pages)
		}
		if short > 0 {
			expandedCell.AddPages(pages[:short])
			pages = pages[short:]
			placed += short
		}
		if expandedCell.NumPages() < ac.opts.MinCellSize {
			// Still can't reach minimum; per the resolved open question in
			// SPEC_FULL.md, fold it straight back into its sibling instead
			// of leaving an undersized cell live, and reset the growth
			// ratchet down to minimum so future Expands refill gradually.
			_ = splitting.Merge(expandedCell)
			ac.cellsTable = ac.cellsTable[:len(ac.cellsTable)-1]
			ac.height = ac.opts.MinCellSize
			if len(pages) > 0 {
				ac.mm.FreePages(pages)
			}
			return placed, nil
		}
	}

	ac.split++
	if ac.split == numBase {
		ac.split = 0
		ac.level++
	}
	ac.sink.Expanded(int(ac.level))

	if len(pages) > 0 {
		ac.mm.FreePages(pages)
	}
	return placed, nil
}

// Shrink reclaims up to nPages worth of buffers: first stealing down
// from every cell toward the height floor, and, once height is already
// at minimum, unsplitting (merging the last split pair back together
// and stepping the linear-hashing cursor backward). It returns the
// reclaimed buffers for the caller to dispose of.
func (ac *AssociativeCache) Shrink(nPages int) ([]*page.Page, error) {
	if !atomic.CompareAndSwapInt32(&ac.expanding, 0, 1) {
		return nil, nil
	}
	defer atomic.StoreInt32(&ac.expanding, 0)

	ac.shapeLock.Lock()
	defer ac.shapeLock.Unlock()

	var reclaimed []*page.Page

	if ac.height > ac.opts.MinCellSize {
		target := ac.height
		for len(reclaimed) < nPages && target > ac.opts.MinCellSize {
			target--
			for _, c := range ac.cellsTable {
				if len(reclaimed) >= nPages {
					break
				}
				if c.NumPages() <= target {
					continue
				}
				got := c.StealPages(c.NumPages() - target)
				reclaimed = append(reclaimed, got...)
			}
		}
		ac.height = target
		if len(reclaimed) > 0 {
			return reclaimed, nil
		}
	}

	if ac.level == 0 && ac.split == 0 {
		// Already at the minimum table shape; nothing left to unsplit.
		return reclaimed, nil
	}

	// Step the linear-hashing cursor backward one slot and merge that
	// pair of cells back into one.
	if ac.split == 0 {
		ac.level--
		ac.split = int64(ac.opts.InitNCells) << uint(ac.level)
	}
	ac.split--

	numBase := int64(ac.opts.InitNCells) << uint(ac.level)
	loIdx := ac.split
	hiIdx := numBase + ac.split
	if int(hiIdx) >= len(ac.cellsTable) {
		return reclaimed, errors.Errorf("pagecache: shrink cursor out of range (hi=%d table=%d)", hiIdx, len(ac.cellsTable))
	}

	lo := ac.cellsTable[loIdx]
	hi := ac.cellsTable[hiIdx]
	if err := lo.Merge(hi); err != nil {
		return reclaimed, errors.Wrap(err, "pagecache: shrink merge")
	}
	ac.cellsTable = ac.cellsTable[:hiIdx]
	ac.sink.Shrunk(int(ac.level))

	return reclaimed, nil
}

// SanityCheck walks every cell, aggregating every invariant violation
// found across the whole table into a single multierror (spec.md §7).
func (ac *AssociativeCache) SanityCheck() error {
	ac.shapeLock.RLock()
	cells := append([]*HashCell(nil), ac.cellsTable...)
	ac.shapeLock.RUnlock()

	var result *multierror.Error
	for _, c := range cells {
		for _, msg := range c.SanityCheck() {
			result = multierror.Append(result, errors.Errorf("cell %d: %s", c.Index(), msg))
		}
	}
	return result.ErrorOrNil()
}
