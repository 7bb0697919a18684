package pagecache

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a minimal CAS-based spinlock, the stand-in for the source's
// pthread_spinlock_t. It is mostly held across short, bounded critical
// sections (a cell's slot scan, a flag flip) and is released before the
// all-referenced wait in HashCell.getEmptyPage. pageCell.stealPages (used
// by HashCell.Merge) busy-waits for a page's refcount to reach zero with
// the lock still held.
type spinlock struct {
	state int32
}

func (l *spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

func (l *spinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, 0, 1)
}

func (l *spinlock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}
