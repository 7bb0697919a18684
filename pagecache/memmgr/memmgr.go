// Package memmgr implements the reference pagecache.MemoryManager: a
// NUMA-tagged slab allocator, grounded on the teacher's two-tier metadata
// cache (mdcache.l1/l2) in the sense that both hand out fixed-size
// buffers from a bounded pool rather than allocating per-request.
package memmgr

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/STEMHA/FlashGraph/pagecache"
	cerrors "github.com/STEMHA/FlashGraph/pagecache/errors"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

// slab is the pool of page-sized buffers for one NUMA node. It starts
// empty and is filled lazily by GetFreePages.
type slab struct {
	nodeID int
	free   []*page.Page // buffers not currently owned by any cache
}

// Manager is a NUMA-tagged slab allocator enforcing a global byte
// budget across however many caches it backs.
type Manager struct {
	mu sync.Mutex

	pageSize int
	maxBytes int64
	used     int64

	slabs  []*slab
	caches map[*pagecache.AssociativeCache]bool
}

// New builds a Manager with one slab per entry in nodeIDs, each able to
// grow lazily (inside GetFreePages) up to maxBytes total across all nodes.
func New(pageSize int, maxBytes int64, nodeIDs []int) *Manager {
	m := &Manager{
		pageSize: pageSize,
		maxBytes: maxBytes,
		caches:   make(map[*pagecache.AssociativeCache]bool),
	}
	for _, id := range nodeIDs {
		m.slabs = append(m.slabs, &slab{nodeID: id})
	}
	if len(m.slabs) == 0 {
		m.slabs = append(m.slabs, &slab{nodeID: 0})
	}
	return m
}

// pickSlab returns the slab with the most free buffers, a cheap
// load-balancing heuristic since the reference implementation does not
// model real NUMA locality costs.
func (m *Manager) pickSlab() *slab {
	best := m.slabs[0]
	for _, s := range m.slabs[1:] {
		if len(s.free) > len(best.free) {
			best = s
		}
	}
	return best
}

// GetFreePages hands out n page-sized buffers, allocating fresh slab
// memory as needed up to GetMaxSize, or reports false if doing so would
// exceed the budget. owner is not used to choose a NUMA node: buffers come
// from whichever slab pickSlab selects.
func (m *Manager) GetFreePages(n int, owner *pagecache.AssociativeCache) ([]*page.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := int64(n) * int64(m.pageSize)
	have := int64(0)
	for _, s := range m.slabs {
		have += int64(len(s.free)) * int64(m.pageSize)
	}

	if have < need {
		grow := need - have
		if m.used+grow > m.maxBytes {
			log.WithFields(log.Fields{
				"requested": n,
				"used":      m.used,
				"max":       m.maxBytes,
			}).Warn("memmgr: out of budget")
			return nil, false
		}
		s := m.pickSlab()
		toAlloc := int((grow + int64(m.pageSize) - 1) / int64(m.pageSize))
		for i := 0; i < toAlloc; i++ {
			buf := make([]byte, m.pageSize)
			s.free = append(s.free, page.New(buf, s.nodeID))
		}
		m.used += int64(toAlloc) * int64(m.pageSize)
	}

	out := make([]*page.Page, 0, n)
	for len(out) < n {
		s := m.pickSlab()
		if len(s.free) == 0 {
			// Every slab is exhausted despite the budget check above; this
			// only happens if toAlloc rounded short across multiple slabs,
			// which pickSlab's single-slab growth above prevents.
			break
		}
		out = append(out, s.free[len(s.free)-1])
		s.free = s.free[:len(s.free)-1]
	}
	if len(out) < n {
		// Return what we took before giving up, so budget accounting
		// above isn't left stranded against ungranted pages.
		m.freeLocked(out)
		return nil, false
	}
	return out, true
}

// FreePages returns buffers to their NUMA-local free list.
func (m *Manager) FreePages(pages []*page.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeLocked(pages)
}

func (m *Manager) freeLocked(pages []*page.Page) {
	byNode := make(map[int]*slab, len(m.slabs))
	for _, s := range m.slabs {
		byNode[s.nodeID] = s
	}
	for _, pg := range pages {
		s, ok := byNode[pg.NodeID]
		if !ok {
			s = m.slabs[0]
		}
		s.free = append(s.free, pg)
	}
}

// GetMaxSize reports the manager's global byte budget.
func (m *Manager) GetMaxSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBytes
}

// RegisterCache records c as backed by this manager, so ShrinkAll can
// later walk every live cache under external memory pressure.
func (m *Manager) RegisterCache(c *pagecache.AssociativeCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches[c] = true
}

// UnregisterCache removes c from the tracked set.
func (m *Manager) UnregisterCache(c *pagecache.AssociativeCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, c)
}

// ShrinkAll asks every registered cache to give back up to pagesPerCache
// buffers, for use by an external memory-pressure signal; the cache
// itself never calls this.
func (m *Manager) ShrinkAll(pagesPerCache int) error {
	m.mu.Lock()
	caches := make([]*pagecache.AssociativeCache, 0, len(m.caches))
	for c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()

	for _, c := range caches {
		reclaimed, err := c.Shrink(pagesPerCache)
		if err != nil {
			return cerrors.Wrap(err, "memmgr: shrink-all")
		}
		m.FreePages(reclaimed)
	}
	return nil
}
