// Package pagecache implements a concurrent, set-associative page cache
// addressed by linear hashing. Pages are grouped into fixed-capacity
// cells (HashCell), each guarded by its own spinlock so lookups against
// different cells never contend. The table grows and shrinks one cell
// at a time via Expand/Shrink rather than doubling wholesale, which
// keeps any single resize bounded regardless of cache size.
//
// A cache needs a MemoryManager to supply page buffers and an AsyncIO
// to drive writeback; reference implementations of both live in the
// memmgr and ioengine subpackages. Tunables are described by Options,
// loadable from a validated mapping via the config subpackage.
package pagecache
