package pagecache

import "github.com/STEMHA/FlashGraph/pagecache/page"

// MemoryManager is the memory-budget collaborator consumed by
// AssociativeCache (spec.md §6). A reference implementation lives in
// pagecache/memmgr.
type MemoryManager interface {
	// GetFreePages hands out n fresh page-sized buffers tagged for
	// owner's NUMA node, or reports false if the global budget is
	// exhausted.
	GetFreePages(n int, owner *AssociativeCache) ([]*page.Page, bool)
	// FreePages returns buffers the cache no longer needs.
	FreePages(pages []*page.Page)
	// GetMaxSize reports the manager's global byte budget.
	GetMaxSize() int64
	// RegisterCache/UnregisterCache let the manager track which caches
	// it is backing, so an external pressure signal can call Shrink on
	// the right set of caches. The cache itself never calls these; the
	// constructor/Close lifecycle does.
	RegisterCache(c *AssociativeCache)
	UnregisterCache(c *AssociativeCache)
}
