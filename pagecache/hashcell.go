package pagecache

import (
	"runtime"
	"sync/atomic"

	"github.com/STEMHA/FlashGraph/pagecache/diag"
	cerrors "github.com/STEMHA/FlashGraph/pagecache/errors"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

// HashCell is one bucket of the set-associative cache: a PageCell guarded
// by a spinlock, plus the bookkeeping spec.md §4.4 asks for.
type HashCell struct {
	lock spinlock

	cell   *pageCell
	policy *evictionPolicy

	// logicalIdx is this cell's index in the linear-hashing table. It is
	// set once at construction and never changes, even across expand and
	// shrink (a cell's identity is its index, not its physical slot).
	logicalIdx int64

	numAccesses  uint64
	numEvictions uint64

	inQueue int32 // CAS flag; true only while queued for flushing

	sink diag.Sink
}

func newHashCell(idx int64, capacity, minSize int, kind EvictionKind, sink diag.Sink) *HashCell {
	if sink == nil {
		sink = diag.NoopSink{}
	}
	return &HashCell{
		cell:       newPageCell(capacity, minSize),
		policy:     newEvictionPolicy(kind, capacity),
		logicalIdx: idx,
		sink:       sink,
	}
}

// Index returns the cell's logical index in the linear-hashing table.
func (hc *HashCell) Index() int64 { return hc.logicalIdx }

// Search performs a read-only lookup: a hit increments refcount and the
// hit counter; a miss returns nil and does not evict anything.
func (hc *HashCell) Search(offset int64) *page.Page {
	if !hc.lock.TryLock() {
		hc.sink.CellLockContended()
		hc.lock.Lock()
	}
	defer hc.lock.Unlock()

	hc.numAccesses++
	var ret *page.Page
	for i := 0; i < hc.cell.numPages(); i++ {
		pg := hc.cell.getPage(i)
		if pg.Offset() == offset {
			ret = pg
			break
		}
	}
	if ret == nil {
		return nil
	}
	if ret.Saturated() {
		hc.cell.scaleDownHits()
	}
	ret.IncRef()
	ret.Hit()
	return ret
}

// SearchOrInsert is the core lookup-or-evict routine. On a miss it evicts
// a victim (busy-waiting, with the lock released, if every page is
// referenced), rewrites the victim's offset, and reports the offset it
// previously held (page.InvalidOffset if the slot was never used).
func (hc *HashCell) SearchOrInsert(offset int64) (pg *page.Page, prevOffset int64) {
	if !hc.lock.TryLock() {
		hc.sink.CellLockContended()
		hc.lock.Lock()
	}
	defer hc.lock.Unlock()

	hc.numAccesses++

	for i := 0; i < hc.cell.numPages(); i++ {
		candidate := hc.cell.getPage(i)
		if candidate.Offset() == offset {
			hc.policy.accessPage(candidate, hc.cell)
			candidate.IncRef()
			if candidate.Saturated() {
				hc.cell.scaleDownHits()
			}
			candidate.Hit()
			return candidate, page.InvalidOffset
		}
	}

	hc.numEvictions++
	victim := hc.getEmptyPage()
	hc.sink.Evicted(hc.policy.kind.String())

	victim.MarkDirtyToOldDirty()

	prevOffset = victim.Offset()
	if prevOffset == page.InvalidOffset || !victim.IsInitialized() {
		prevOffset = page.InvalidOffset
	}

	victim.SetOffset(offset)
	victim.SetInitialized()
	victim.IncRef()
	if victim.Saturated() {
		hc.cell.scaleDownHits()
	}
	victim.Hit()
	return victim, prevOffset
}

// getEmptyPage asks the policy for a victim, busy-waiting (with the lock
// released so other goroutines can still search this cell) if every page
// is currently referenced. Must be called with the lock held; returns
// with the lock held.
func (hc *HashCell) getEmptyPage() *page.Page {
	for {
		victim := hc.policy.evictPage(hc.cell)
		if victim != nil {
			victim.SetDataReady(false)
			return victim
		}

		hc.lock.Unlock()
		hc.sink.WaitUnused()
		hc.waitAnyUnused()
		hc.lock.Lock()
	}
}

// waitAnyUnused busy-waits until at least one resident page shows a
// refcount of zero. Called with the lock NOT held.
func (hc *HashCell) waitAnyUnused() {
	for {
		any := false
		hc.lock.Lock()
		for i := 0; i < hc.cell.numPages(); i++ {
			if hc.cell.getPage(i).RefCount() == 0 {
				any = true
				break
			}
		}
		hc.lock.Unlock()
		if any {
			return
		}
		runtime.Gosched()
	}
}

// AddPages grows the cell toward CellMax.
func (hc *HashCell) AddPages(pages []*page.Page) {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	hc.cell.addPages(pages)
}

// AddPagesToMin tops the cell up to its configured minimum size using as
// many of the supplied pages as needed, returning the count consumed.
func (hc *HashCell) AddPagesToMin(pages []*page.Page) int {
	hc.lock.Lock()
	defer hc.lock.Unlock()

	required := hc.cell.minSize - hc.cell.numPages()
	if required <= 0 {
		return 0
	}
	if required > len(pages) {
		required = len(pages)
	}
	hc.cell.addPages(pages[:required])
	return required
}

// StealPages surrenders up to want empty, non-dirty pages back to the
// caller for redistribution or freeing. Referenced, dirty and old-dirty
// pages are left in the cell.
func (hc *HashCell) StealPages(want int) []*page.Page {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	var stolen []*page.Page
	for i := 0; i < hc.cell.capacity && len(stolen) < want; i++ {
		pg := hc.cell.buf[i]
		if pg == nil || pg.RefCount() != 0 || pg.IsDirty() || pg.IsOldDirty() {
			continue
		}
		stolen = append(stolen, pg)
		hc.cell.buf[i] = nil
	}
	hc.cell.rebuildMap()
	return stolen
}

// NumPages returns the cell's current logical page count.
func (hc *HashCell) NumPages() int {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	return hc.cell.numPages()
}

// Merge atomically moves every page from other into hc. Callers must
// acquire cells in strictly increasing logical-index order to avoid
// deadlock; this method enforces that ordering itself.
func (hc *HashCell) Merge(other *HashCell) error {
	first, second := hc, other
	if other.logicalIdx < hc.logicalIdx {
		first, second = other, hc
	}
	first.lock.Lock()
	defer first.lock.Unlock()
	second.lock.Lock()
	defer second.lock.Unlock()

	if other.cell.numPages()+hc.cell.numPages() > hc.cell.capacity {
		return cerrors.NewInvalidOperation("Merge", "combined page count exceeds CellMax")
	}

	stolen := other.cell.stealPages(other.cell.numPages())
	hc.cell.injectPages(stolen)
	return nil
}

// Rehash is called on the low half of a split for its high half
// (expanded). Every resident page whose offset now hashes to expanded
// under the higher-level hash is moved there, unless it is currently
// referenced (in which case it is left behind and demoted to evict soon).
// Pages that land in neither half correctly (a rare race with a page
// arriving mid-split) are simply demoted, matching spec.md §4.4/§9.
func (hc *HashCell) Rehash(expanded *HashCell, hashAtLevel func(offset int64) int64) {
	first, second := hc, expanded
	if expanded.logicalIdx < hc.logicalIdx {
		first, second = expanded, hc
	}
	first.lock.Lock()
	defer first.lock.Unlock()
	second.lock.Lock()
	defer second.lock.Unlock()

	var toMove []*page.Page
	for i := 0; i < hc.cell.numPages(); i++ {
		pg := hc.cell.getPage(i)
		target := hashAtLevel(pg.Offset())
		switch {
		case target != hc.logicalIdx && target != expanded.logicalIdx:
			// Landed in neither half: demote so it evicts soon. This
			// does not corrupt correctness, only cache effectiveness.
			pg.SetHits(1)
		case target == expanded.logicalIdx:
			if pg.RefCount() == 0 {
				toMove = append(toMove, pg)
			} else {
				// Can't move a referenced page; leave it, demoted, to
				// be picked up on a future rehash triggered by a later
				// expand.
				pg.SetHits(1)
			}
		}
	}

	for _, pg := range toMove {
		hc.cell.removePage(pg)
	}
	if len(toMove) > 0 {
		hc.cell.rebuildMap()
		expanded.cell.injectPages(toMove)
	}

	// Top up the expanded half toward the minimum with never-initialized
	// pages taken from hc; hc itself is not topped up here.
	required := hc.cell.minSize - expanded.cell.numPages()
	if required > 0 {
		empties := hc.cell.takeEmptyPages(required)
		if len(empties) > 0 {
			expanded.cell.injectPages(empties)
		}
	}
}

// NumPagesMatching counts resident pages whose flags include every bit of
// setFlags and none of clearFlags, for the flush coordinator's dirty-count
// accounting. Only the bits matchesFlags checks are honoured (see
// predictEvictedPages).
func (hc *HashCell) NumPagesMatching(setFlags, clearFlags page.Flag) int {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	n := 0
	for i := 0; i < hc.cell.numPages(); i++ {
		pg := hc.cell.getPage(i)
		if matchesFlags(pg, setFlags, clearFlags) {
			n++
		}
	}
	return n
}

// GetPages returns up to n resident pages matching the flag constraints,
// in scan order (the "arbitrary dirty" flush selection policy).
func (hc *HashCell) GetPages(n int, setFlags, clearFlags page.Flag) []*page.Page {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	var out []*page.Page
	for i := 0; i < hc.cell.numPages() && len(out) < n; i++ {
		pg := hc.cell.getPage(i)
		if matchesFlags(pg, setFlags, clearFlags) {
			out = append(out, pg)
		}
	}
	return out
}

// PredictEvictedPages delegates to the embedded eviction policy, used by
// the "by eviction order" flush selection policy.
func (hc *HashCell) PredictEvictedPages(n int, want, reject page.Flag) []*page.Page {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	return hc.policy.predictEvictedPages(hc.cell, n, want, reject)
}

// SetInQueue atomically transitions in_queue from false to true and
// reports whether it was already set, so a cell is enqueued for flushing
// at most once.
func (hc *HashCell) SetInQueue() (wasAlreadySet bool) {
	return !atomic.CompareAndSwapInt32(&hc.inQueue, 0, 1)
}

// ClearInQueue marks the cell as no longer queued for flushing.
func (hc *HashCell) ClearInQueue() {
	atomic.StoreInt32(&hc.inQueue, 0)
}

// InQueue reports whether the cell is currently queued for flushing.
func (hc *HashCell) InQueue() bool {
	return atomic.LoadInt32(&hc.inQueue) != 0
}

// SanityCheck returns every invariant violation found in this cell's
// PageCell (see pageCell.sanityCheck).
func (hc *HashCell) SanityCheck() []string {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	return hc.cell.sanityCheck()
}
