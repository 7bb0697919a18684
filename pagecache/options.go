package pagecache

// FlushSelectionPolicy chooses how the FlushCoordinator picks which dirty
// pages in a cell to write back first.
type FlushSelectionPolicy int

const (
	// ByEvictionOrder asks the cell's eviction policy which pages it
	// would evict next and writes those back first.
	ByEvictionOrder FlushSelectionPolicy = iota
	// Arbitrary just takes whatever dirty pages are found in scan order.
	Arbitrary
)

// Options holds every tunable enumerated in spec.md §6. A zero Options is
// not valid; use DefaultOptions and override individual fields.
type Options struct {
	// CellMax is the hard cap on pages per cell.
	CellMax int
	// MinCellSize is the minimum pages per cell, the floor for split
	// viability.
	MinCellSize int
	// PageSize is the size in bytes of one cached page.
	PageSize int
	// InitNCells is the number of cells the table starts with at level 0.
	InitNCells int64
	// OffsetFactor multiplies the page index before hashing; see the
	// h_base/h_next definitions in spec.md §4.5.
	OffsetFactor int64
	// DefaultInitCacheSize is the size, in bytes, of the initial
	// allocation before any on-demand expansion. NewAssociativeCache does
	// not read it: it starts every cache with InitNCells*MinCellSize pages.
	DefaultInitCacheSize int64
	// MaxNumPendingFlush bounds outstanding writeback pages per cache.
	MaxNumPendingFlush int
	// NumWritebackDirtyPages caps pages per flush batch per cell.
	NumWritebackDirtyPages int
	// DirtyPagesThreshold is the cell-level dirty count that triggers
	// enqueueing the cell with the flush coordinator.
	DirtyPagesThreshold int
	// Eviction selects the per-cell eviction strategy.
	Eviction EvictionKind
	// FlushSelection selects how the flush coordinator picks pages.
	FlushSelection FlushSelectionPolicy
}

// DefaultOptions returns the tunable defaults named in spec.md §6.
func DefaultOptions() Options {
	return Options{
		CellMax:                8,
		MinCellSize:            3,
		PageSize:               4096,
		InitNCells:             4,
		OffsetFactor:           1,
		DefaultInitCacheSize:   128 * 1024 * 1024,
		MaxNumPendingFlush:     64,
		NumWritebackDirtyPages: 8,
		DirtyPagesThreshold:    5,
		Eviction:               LRU,
		FlushSelection:         ByEvictionOrder,
	}
}
