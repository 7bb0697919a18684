package pagecache

import (
	"context"
	"sort"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/STEMHA/FlashGraph/pagecache/diag"
	cerrors "github.com/STEMHA/FlashGraph/pagecache/errors"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

// FlushCoordinator batches dirty pages into writeback requests and
// rate-limits them against a pending-flush budget (spec.md §4.6).
type FlushCoordinator struct {
	opts Options
	io   AsyncIO
	sink diag.Sink

	// queue is the bounded dirty-cell FIFO. Sending blocks once it is
	// full, giving natural backpressure; in_queue (HashCell.SetInQueue)
	// guarantees a cell is never enqueued twice regardless.
	queue chan *HashCell

	// budget gates outstanding writeback pages against
	// opts.MaxNumPendingFlush.
	budget  *semaphore.Weighted
	pending int64 // atomic, informational mirror of budget usage

	stop chan struct{}
}

// NewFlushCoordinator builds a coordinator that will submit writeback
// requests through io, using opts for batching/budget sizing.
func NewFlushCoordinator(opts Options, io AsyncIO, sink diag.Sink) *FlushCoordinator {
	if sink == nil {
		sink = diag.NoopSink{}
	}
	return &FlushCoordinator{
		opts:   opts,
		io:     io,
		sink:   sink,
		queue:  make(chan *HashCell, 4096),
		budget: semaphore.NewWeighted(int64(opts.MaxNumPendingFlush)),
		stop:   make(chan struct{}),
	}
}

// PendingCount returns the current approximate number of pages under
// writeback (a snapshot hint, per spec.md §9).
func (fc *FlushCoordinator) PendingCount() int64 {
	return atomic.LoadInt64(&fc.pending)
}

// FlushDirtyPages is the write-path hook: for each touched page, find its
// owning cell, count its dirty-and-not-writing pages, and either submit a
// writeback immediately (budget permitting) or enqueue the cell for the
// background Run loop. It is a no-op (aside from the dirty count check)
// for a cell that is already queued.
func (fc *FlushCoordinator) FlushDirtyPages(cellsOf func(*page.Page) *HashCell, pages []*page.Page) {
	seen := make(map[*HashCell]bool)
	for _, pg := range pages {
		cell := cellsOf(pg)
		if cell == nil || seen[cell] {
			continue
		}
		seen[cell] = true

		dirty := cell.NumPagesMatching(page.Dirty, page.IOPending)
		if dirty < fc.opts.DirtyPagesThreshold {
			continue
		}

		if cell.SetInQueue() {
			// Already queued (or being drained); FlushDirtyPages on an
			// already-queued cell is a documented no-op for the queue.
			continue
		}
		fc.queue <- cell
	}
}

// Run drains the dirty-cell queue in batches until stopped. It is meant
// to be run in its own goroutine.
func (fc *FlushCoordinator) Run() {
	for {
		select {
		case <-fc.stop:
			return
		case cell := <-fc.queue:
			fc.drainCell(cell)
		}
	}
}

// Stop terminates a running Run loop.
func (fc *FlushCoordinator) Stop() {
	close(fc.stop)
}

func (fc *FlushCoordinator) drainCell(cell *HashCell) {
	want := page.Flag(0)
	reject := page.IOPending
	n := fc.opts.NumWritebackDirtyPages

	var pages []*page.Page
	switch fc.opts.FlushSelection {
	case ByEvictionOrder:
		pages = cell.PredictEvictedPages(n, page.Dirty, reject)
	default:
		pages = cell.GetPages(n, page.Dirty|want, reject)
	}

	if len(pages) == 0 {
		cell.ClearInQueue()
		return
	}

	if !fc.budget.TryAcquire(int64(len(pages))) {
		// Budget is currently exhausted; block until it frees up rather
		// than dropping the work, but release the cell's "already
		// queued" slot first isn't safe (would allow a duplicate
		// enqueue), so we block holding the queued state.
		if err := fc.budget.Acquire(context.Background(), int64(len(pages))); err != nil {
			log.WithError(err).Warn("pagecache: flush budget acquire failed")
			cell.ClearInQueue()
			return
		}
	}

	reqs := coalesce(pages)
	for _, req := range reqs {
		req.Write = true
		req.Completion = fc
		for _, pg := range req.Pages {
			// Pin the page for the duration of the writeback so it cannot
			// be chosen as an eviction victim while I/O is outstanding;
			// NotifyCompletion releases this same reference.
			pg.IncRef()
			pg.SetPrepareWriteback()
			pg.SetIOPending()
		}
	}

	atomic.AddInt64(&fc.pending, int64(len(pages)))
	fc.sink.FlushSubmitted(len(pages))

	if err := fc.io.Access(reqs); err != nil {
		for _, req := range reqs {
			ioErr := cerrors.NewIOFailure(req.Offset, err)
			log.WithError(ioErr).Warn("pagecache: writeback submission failed")
		}
		for _, pg := range pages {
			pg.ClearPrepareWriteback()
			pg.ClearIOPending()
			pg.DecRef()
		}
		fc.budget.Release(int64(len(pages)))
		atomic.AddInt64(&fc.pending, -int64(len(pages)))
	}

	if cell.NumPagesMatching(page.Dirty, page.IOPending) >= fc.opts.NumWritebackDirtyPages {
		// Still has enough dirty pages to warrant another round;
		// requeue rather than clearing in_queue.
		fc.queue <- cell
		return
	}
	cell.ClearInQueue()
}

// coalesce sorts pages by offset and fuses contiguous runs into single
// multi-page requests, per spec.md §9's flush-time offset coalescing.
func coalesce(pages []*page.Page) []*Request {
	sorted := append([]*page.Page(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset() < sorted[j].Offset()
	})

	var reqs []*Request
	i := 0
	for i < len(sorted) {
		start := i
		run := []*page.Page{sorted[i]}
		pageSize := int64(len(sorted[i].Data))
		j := i + 1
		for j < len(sorted) && sorted[j].Offset() == sorted[j-1].Offset()+pageSize {
			run = append(run, sorted[j])
			j++
		}
		reqs = append(reqs, &Request{
			Offset: sorted[start].Offset(),
			Pages:  run,
		})
		i = j
	}
	return reqs
}

// NotifyCompletion implements CompletionSink: for each page in each
// completed request, clear DIRTY and IO_PENDING, decrement its refcount
// (it was incremented when queued for flush), and release its share of
// the pending-flush budget.
func (fc *FlushCoordinator) NotifyCompletion(reqs []*Request) {
	total := 0
	for _, req := range reqs {
		for _, pg := range req.Pages {
			pg.ClearDirty()
			pg.ClearOldDirty()
			pg.ClearIOPending()
			pg.ClearPrepareWriteback()
			pg.DecRef()
			total++
		}
	}
	if total > 0 {
		fc.budget.Release(int64(total))
		atomic.AddInt64(&fc.pending, -int64(total))
		fc.sink.FlushCompleted(total)
	}
}
