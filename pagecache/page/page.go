// Package page implements the fixed-size buffer cached by a single slot of
// a HashCell. A Page is allocated once and reused indefinitely: only its
// offset, flags and reference count change over its lifetime.
package page

import (
	"sync"
	"sync/atomic"
)

// Size of the region covered by a single cached Page, in bytes.
const Size = 4096

// InvalidOffset marks a Page that has never been assigned a file offset,
// or is reported back to a caller in place of a real previous offset.
const InvalidOffset int64 = -1

// Flag is a single bit of Page state. Flags are stored together in one
// atomic word so that an I/O completion callback (running on I/O-thread
// context, outside any cell lock) can flip IO_PENDING/DIRTY without
// coordinating with whatever goroutine currently owns the cell spinlock.
type Flag uint32

const (
	// DataReady is set once the buffer holds valid bytes for the page's
	// current offset.
	DataReady Flag = 1 << iota
	// IOPending is set while exactly one read or write is outstanding
	// against this page.
	IOPending
	// Dirty is set when the buffer differs from what is on disk at the
	// page's current offset.
	Dirty
	// OldDirty is set on a page that was dirty at a prior offset and must
	// be flushed to that prior offset before its buffer may be reused.
	OldDirty
	// PrepareWriteback is set while a page sits in a flush queue, before
	// the write has actually been submitted to the I/O layer.
	PrepareWriteback
	// Initialized is set the first time a page is given a real offset;
	// it distinguishes "never touched" slots from "touched, currently
	// offset -1" ones during rehash/steal bookkeeping.
	Initialized
)

// Pending is a short record of an outstanding I/O request that a page is
// waiting on. The cache only needs enough here to let diagnostics and the
// flush coordinator find their way back to the request; it is not a queue
// in the scheduling sense.
type Pending struct {
	Offset    int64
	IsWrite   bool
	RequestID uint64
}

// Page is one fixed-size, reference-counted buffer. The same *Page value
// is reused for the lifetime of the cache; only Data's contents and the
// fields below change as it is reassigned between offsets.
type Page struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Data is the buffer this page owns, always exactly Size bytes.
	Data []byte

	// NodeID is the NUMA node the buffer was allocated on.
	NodeID int

	offset  int64 // guarded by the owning HashCell's spinlock
	refcnt  int32 // atomic
	flags   uint32
	hits    uint8 // guarded by the owning HashCell's spinlock
	pending []Pending
}

// New wraps buf (which must be exactly Size bytes) as a fresh, unassigned
// Page on the given NUMA node.
func New(buf []byte, nodeID int) *Page {
	if len(buf) != Size {
		panic("page: backing buffer must be exactly Size bytes")
	}
	p := &Page{
		Data:   buf,
		NodeID: nodeID,
		offset: InvalidOffset,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Offset returns the file offset currently assigned to this page. Callers
// must hold the owning cell's lock, matching SetOffset's precondition.
func (p *Page) Offset() int64 {
	return p.offset
}

// SetOffset reassigns the page to a new file offset. It is a programmer
// error to call this while the page is referenced; the source treats this
// as a contract violation, so this panics rather than silently corrupting
// cache state.
func (p *Page) SetOffset(off int64) {
	if atomic.LoadInt32(&p.refcnt) != 0 {
		panic("page: SetOffset called on a referenced page")
	}
	p.offset = off
	p.clearFlag(DataReady)
}

// IncRef atomically increments the reference count and returns the new
// value.
func (p *Page) IncRef() int32 {
	return atomic.AddInt32(&p.refcnt, 1)
}

// DecRef atomically decrements the reference count. If it drops to zero,
// any goroutine parked in WaitUnused is woken.
func (p *Page) DecRef() int32 {
	n := atomic.AddInt32(&p.refcnt, -1)
	if n < 0 {
		panic("page: refcount went negative")
	}
	if n == 0 {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	return n
}

// RefCount returns the current reference count.
func (p *Page) RefCount() int32 {
	return atomic.LoadInt32(&p.refcnt)
}

// WaitUnused blocks until the reference count drops to zero. Callers must
// not hold the owning cell's spinlock while calling this.
func (p *Page) WaitUnused() {
	p.mu.Lock()
	for atomic.LoadInt32(&p.refcnt) != 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Page) setFlag(f Flag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(f)) {
			return
		}
	}
}

func (p *Page) clearFlag(f Flag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(f)) {
			return
		}
	}
}

func (p *Page) hasFlag(f Flag) bool {
	return atomic.LoadUint32(&p.flags)&uint32(f) != 0
}

// SetDataReady/IsDataReady track whether Data reflects the page's offset.
func (p *Page) SetDataReady(v bool) {
	if v {
		p.setFlag(DataReady)
	} else {
		p.clearFlag(DataReady)
	}
}

// IsDataReady reports whether Data reflects the page's current offset.
func (p *Page) IsDataReady() bool { return p.hasFlag(DataReady) }

// SetIOPending marks this page as having exactly one outstanding request.
func (p *Page) SetIOPending() { p.setFlag(IOPending) }

// ClearIOPending clears the outstanding-request marker.
func (p *Page) ClearIOPending() { p.clearFlag(IOPending) }

// IsIOPending reports whether a read or write is currently outstanding.
func (p *Page) IsIOPending() bool { return p.hasFlag(IOPending) }

// SetDirty marks the buffer as differing from on-disk content.
func (p *Page) SetDirty() { p.setFlag(Dirty) }

// ClearDirty clears the dirty marker.
func (p *Page) ClearDirty() { p.clearFlag(Dirty) }

// IsDirty reports whether the buffer differs from on-disk content.
func (p *Page) IsDirty() bool { return p.hasFlag(Dirty) }

// SetOldDirty marks a prior offset's dirty bytes as still resident.
func (p *Page) SetOldDirty() { p.setFlag(OldDirty) }

// ClearOldDirty clears the prior-offset dirty marker.
func (p *Page) ClearOldDirty() { p.clearFlag(OldDirty) }

// IsOldDirty reports whether a prior offset's dirty bytes are still
// resident and unflushed.
func (p *Page) IsOldDirty() bool { return p.hasFlag(OldDirty) }

// SetPrepareWriteback marks the page as sitting in a flush queue with I/O
// not yet issued.
func (p *Page) SetPrepareWriteback() { p.setFlag(PrepareWriteback) }

// ClearPrepareWriteback clears the flush-queue marker.
func (p *Page) ClearPrepareWriteback() { p.clearFlag(PrepareWriteback) }

// IsPrepareWriteback reports whether the page is queued for writeback.
func (p *Page) IsPrepareWriteback() bool { return p.hasFlag(PrepareWriteback) }

// SetInitialized marks that this page has been assigned a real offset at
// least once.
func (p *Page) SetInitialized() { p.setFlag(Initialized) }

// IsInitialized reports whether the page has ever held a real offset.
func (p *Page) IsInitialized() bool { return p.hasFlag(Initialized) }

// MarkDirtyToOldDirty performs the Dirty->OldDirty handshake as a single
// atomic state transition: if the page is dirty (and not already marked
// old-dirty), it becomes old-dirty and is no longer plain dirty. This is
// the step taken when a dirty page is chosen as an eviction victim before
// its own bytes have been written back.
func (p *Page) MarkDirtyToOldDirty() {
	for {
		old := atomic.LoadUint32(&p.flags)
		if old&uint32(Dirty) == 0 || old&uint32(OldDirty) != 0 {
			return
		}
		next := (old &^ uint32(Dirty)) | uint32(OldDirty)
		if atomic.CompareAndSwapUint32(&p.flags, old, next) {
			return
		}
	}
}

// Hit records an access, saturating at 255. Callers must hold the owning
// cell's lock.
func (p *Page) Hit() {
	if p.hits < 255 {
		p.hits++
	}
}

// Saturated reports whether the hit counter is at its maximum value.
func (p *Page) Saturated() bool { return p.hits == 255 }

// Hits returns the current hit counter. Callers must hold the owning
// cell's lock.
func (p *Page) Hits() uint8 { return p.hits }

// SetHits forcibly sets the hit counter, used by rehash to demote a page
// that landed in the wrong cell mid-split.
func (p *Page) SetHits(h uint8) { p.hits = h }

// ResetHits zeroes the hit counter.
func (p *Page) ResetHits() { p.hits = 0 }

// ScaleDownHits halves the hit counter, used when any page in the owning
// cell saturates.
func (p *Page) ScaleDownHits() { p.hits /= 2 }

// PushPending records an outstanding I/O request waiting on this page.
func (p *Page) PushPending(req Pending) {
	p.pending = append(p.pending, req)
}

// PopPending removes and returns the oldest pending request, if any.
func (p *Page) PopPending() (Pending, bool) {
	if len(p.pending) == 0 {
		return Pending{}, false
	}
	req := p.pending[0]
	p.pending = p.pending[1:]
	return req, true
}
