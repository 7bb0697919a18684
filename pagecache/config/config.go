// Package config loads pagecache.Options from a sahib/config-style
// validated mapping, so the cache's tunables can come from a YAML file
// alongside everything else an embedding application configures.
package config

import (
	"github.com/sahib/config"

	"github.com/STEMHA/FlashGraph/pagecache"
)

// Defaults is the validation mapping for every tunable in
// pagecache.Options. An embedding application merges this into its own
// defaults under whatever section it chooses.
var Defaults = config.DefaultMapping{
	"cell_max": config.DefaultEntry{
		Default:      int64(8),
		NeedsRestart: true,
		Docs:         "Maximum number of pages held by a single cache cell.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"min_cell_size": config.DefaultEntry{
		Default:      int64(3),
		NeedsRestart: true,
		Docs:         "Minimum number of pages a cell may shrink to before it is merged away.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"page_size": config.DefaultEntry{
		Default:      int64(4096),
		NeedsRestart: true,
		Docs:         "Size in bytes of a single cached page.",
		Validator:    config.IntRangeValidator(512, 1<<30),
	},
	"init_ncells": config.DefaultEntry{
		Default:      int64(4),
		NeedsRestart: true,
		Docs:         "Number of cells the hash table starts with.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"offset_factor": config.DefaultEntry{
		Default:      int64(1),
		NeedsRestart: true,
		Docs:         "Multiplier applied to a page index before hashing it to a cell.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"default_init_cache_size": config.DefaultEntry{
		Default:      int64(128 * 1024 * 1024),
		NeedsRestart: true,
		Docs:         "Bytes allocated up front before any on-demand expansion (not read by NewAssociativeCache, which starts with init_ncells*min_cell_size pages).",
		Validator:    config.IntRangeValidator(0, 1<<62),
	},
	"max_num_pending_flush": config.DefaultEntry{
		Default:      int64(64),
		NeedsRestart: false,
		Docs:         "Maximum outstanding writeback pages per cache.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"num_writeback_dirty_pages": config.DefaultEntry{
		Default:      int64(8),
		NeedsRestart: false,
		Docs:         "Maximum pages written back together in one flush batch.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"dirty_pages_threshold": config.DefaultEntry{
		Default:      int64(5),
		NeedsRestart: false,
		Docs:         "Dirty pages in a cell required before it is queued for flushing.",
		Validator:    config.IntRangeValidator(1, 1<<20),
	},
	"eviction": config.DefaultEntry{
		Default:      "lru",
		NeedsRestart: true,
		Docs:         "Eviction policy: lru, lfu, fifo, clock, or gclock.",
		Validator:    config.EnumValidator("lru", "lfu", "fifo", "clock", "gclock"),
	},
	"flush_selection": config.DefaultEntry{
		Default:      "eviction_order",
		NeedsRestart: false,
		Docs:         "Dirty page selection for flushing: eviction_order or arbitrary.",
		Validator:    config.EnumValidator("eviction_order", "arbitrary"),
	},
}

func evictionKindFromString(s string) pagecache.EvictionKind {
	switch s {
	case "lfu":
		return pagecache.LFU
	case "fifo":
		return pagecache.FIFO
	case "clock":
		return pagecache.CLOCK
	case "gclock":
		return pagecache.GCLOCK
	default:
		return pagecache.LRU
	}
}

func flushSelectionFromString(s string) pagecache.FlushSelectionPolicy {
	if s == "arbitrary" {
		return pagecache.Arbitrary
	}
	return pagecache.ByEvictionOrder
}

// FromConfig reads every pagecache.Options field out of cfg's root keys.
func FromConfig(cfg *config.Config) pagecache.Options {
	sec := cfg
	return pagecache.Options{
		CellMax:                int(sec.Int("cell_max")),
		MinCellSize:            int(sec.Int("min_cell_size")),
		PageSize:               int(sec.Int("page_size")),
		InitNCells:             sec.Int("init_ncells"),
		OffsetFactor:           sec.Int("offset_factor"),
		DefaultInitCacheSize:   sec.Int("default_init_cache_size"),
		MaxNumPendingFlush:     int(sec.Int("max_num_pending_flush")),
		NumWritebackDirtyPages: int(sec.Int("num_writeback_dirty_pages")),
		DirtyPagesThreshold:    int(sec.Int("dirty_pages_threshold")),
		Eviction:               evictionKindFromString(sec.String("eviction")),
		FlushSelection:         flushSelectionFromString(sec.String("flush_selection")),
	}
}

// Open builds a validated *config.Config from Defaults, suitable for
// passing to FromConfig. Passing a nil decoder yields a config filled
// entirely with the defaults above.
func Open(dec config.Decoder) (*config.Config, error) {
	return config.Open(dec, Defaults, config.StrictnessPanic)
}
