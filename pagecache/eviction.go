package pagecache

import "github.com/STEMHA/FlashGraph/pagecache/page"

// EvictionKind enumerates the pluggable eviction strategies from
// spec.md §4.3.
type EvictionKind int

const (
	// LRU evicts the least-recently-accessed unreferenced page.
	LRU EvictionKind = iota
	// LFU evicts the unreferenced page with the smallest hit counter.
	LFU
	// FIFO evicts along insertion order, skipping referenced pages.
	FIFO
	// CLOCK evicts via a rotating cursor and a referenced-bit sweep.
	CLOCK
	// GCLOCK is CLOCK with a multi-bit counter instead of one bit.
	GCLOCK
)

func (k EvictionKind) String() string {
	switch k {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	case CLOCK:
		return "clock"
	case GCLOCK:
		return "gclock"
	default:
		return "unknown"
	}
}

// evictionPolicy is a tagged variant embedded directly in each HashCell
// (no heap indirection, per spec.md §9) holding whatever bookkeeping its
// kind needs. All methods are called with the owning cell's spinlock
// already held.
type evictionPolicy struct {
	kind EvictionKind

	// LRU: order of slot indices, most-recently-used at the end.
	lruOrder []int

	// CLOCK/GCLOCK: rotating cursor position and per-slot counters.
	clockHand    int
	clockCounter []uint8 // indexed by raw slot, not by dense map position
	gclockMax    uint8
}

func newEvictionPolicy(kind EvictionKind, capacity int) *evictionPolicy {
	p := &evictionPolicy{kind: kind}
	if kind == CLOCK || kind == GCLOCK {
		p.clockCounter = make([]uint8, capacity)
		p.gclockMax = 3
	}
	return p
}

// accessPage records a hit on pg for policies that track recency.
func (p *evictionPolicy) accessPage(pg *page.Page, c *pageCell) {
	switch p.kind {
	case LRU:
		slot := c.slotOf(pg)
		p.lruTouch(slot)
	case CLOCK, GCLOCK:
		slot := c.slotOf(pg)
		if slot >= 0 {
			if p.kind == CLOCK {
				p.clockCounter[slot] = 1
			} else if p.clockCounter[slot] < p.gclockMax {
				p.clockCounter[slot]++
			}
		}
	default:
		// FIFO and LFU need no extra bookkeeping on access; LFU's
		// signal is the hit counter already maintained on Page.
	}
}

func (p *evictionPolicy) lruTouch(slot int) {
	for i, s := range p.lruOrder {
		if s == slot {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
	p.lruOrder = append(p.lruOrder, slot)
}

// evictPage chooses an unreferenced victim and returns it, or nil if every
// page in the cell is referenced. GCLOCK can also return nil while
// unreferenced pages still have a nonzero counter. DataReady is left as
// is; HashCell.getEmptyPage clears it on the returned victim.
func (p *evictionPolicy) evictPage(c *pageCell) *page.Page {
	switch p.kind {
	case LRU:
		return p.evictLRU(c)
	case LFU:
		return p.evictLFU(c)
	case FIFO:
		return p.evictFIFO(c)
	case CLOCK:
		return p.evictClock(c, false)
	case GCLOCK:
		return p.evictClock(c, true)
	default:
		panic("pagecache: unknown eviction kind")
	}
}

func (p *evictionPolicy) evictLRU(c *pageCell) *page.Page {
	// A resident page that is not in the recency order yet (never chosen
	// or accessed) is older than every tracked one, so it goes first.
	for _, idx := range c.maps {
		tracked := false
		for _, s := range p.lruOrder {
			if s == idx {
				tracked = true
				break
			}
		}
		if !tracked && c.buf[idx].RefCount() == 0 {
			p.lruTouch(idx)
			return c.buf[idx]
		}
	}
	// Walk the recency order oldest-first, looking for the first
	// unreferenced slot; skip (but keep, for next time) referenced ones.
	for i, slot := range p.lruOrder {
		if slot >= len(c.buf) || c.buf[slot] == nil {
			continue
		}
		pg := c.buf[slot]
		if pg.RefCount() == 0 {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, slot)
			return pg
		}
	}
	return nil
}

func (p *evictionPolicy) evictLFU(c *pageCell) *page.Page {
	var victim *page.Page
	minHits := 256
	for _, idx := range c.maps {
		pg := c.buf[idx]
		if pg.RefCount() != 0 {
			continue
		}
		if int(pg.Hits()) < minHits {
			minHits = int(pg.Hits())
			victim = pg
		}
	}
	if victim != nil {
		victim.ResetHits()
	}
	return victim
}

func (p *evictionPolicy) evictFIFO(c *pageCell) *page.Page {
	n := len(c.maps)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := c.maps[c.idx%n]
		c.idx++
		pg := c.buf[idx]
		if pg.RefCount() == 0 {
			return pg
		}
	}
	return nil
}

// evictClock rotates a cursor over the cell's slots. Plain CLOCK skips
// any page whose 1-bit hit flag is set (clearing it for next time) and
// any dirty page, for one full sweep; later sweeps admit dirty pages
// too. CLOCK gets a third sweep, by which time every unreferenced page has
// had its flag cleared, so it returns nil only when every page is
// referenced. GCLOCK instead decrements a multi-bit counter on every skip
// and evicts when it reaches zero, giving up after two sweeps.
func (p *evictionPolicy) evictClock(c *pageCell, graduated bool) *page.Page {
	n := len(c.maps)
	if n == 0 {
		return nil
	}
	sweeps := 2
	if !graduated {
		sweeps = 3
	}
	for sweep := 0; sweep < sweeps; sweep++ {
		admitDirty := sweep >= 1
		for i := 0; i < n; i++ {
			idx := c.maps[p.clockHand%n]
			p.clockHand++
			pg := c.buf[idx]
			if pg.RefCount() != 0 {
				continue
			}
			if !admitDirty && pg.IsDirty() {
				continue
			}
			if graduated {
				if p.clockCounter[idx] > 0 {
					p.clockCounter[idx]--
					continue
				}
			} else {
				if p.clockCounter[idx] != 0 {
					p.clockCounter[idx] = 0
					continue
				}
			}
			return pg
		}
	}
	return nil
}

// predictEvictedPages non-destructively lists up to n pages that are next
// in line for eviction and satisfy the given flag constraints, using a
// shadow copy of any mutable state so the real policy state is untouched.
// want/reject are page.Flag bitmasks: a candidate must have every bit in
// want set and no bit in reject set. Only the Dirty and DataReady bits of
// want and the Dirty and IOPending bits of reject are checked; any other
// bits are ignored.
func (p *evictionPolicy) predictEvictedPages(c *pageCell, n int, want, reject page.Flag) []*page.Page {
	shadow := *p
	if p.kind == LRU {
		shadow.lruOrder = append([]int(nil), p.lruOrder...)
	}
	if p.kind == CLOCK || p.kind == GCLOCK {
		shadow.clockCounter = append([]uint8(nil), p.clockCounter...)
	}

	var out []*page.Page
	seen := make(map[*page.Page]bool)
	for len(out) < n {
		var candidate *page.Page
		switch shadow.kind {
		case LRU:
			candidate = shadow.evictLRU(c)
		case LFU:
			candidate = shadow.evictLFUPredict(c, seen)
		case FIFO:
			candidate = shadow.evictFIFOPredict(c, seen)
		case CLOCK:
			candidate = shadow.evictClock(c, false)
		case GCLOCK:
			candidate = shadow.evictClock(c, true)
		}
		if candidate == nil {
			break
		}
		if seen[candidate] {
			// FIFO/LFU predict helpers already dedupe; LRU/CLOCK can
			// legitimately revisit the same page once their internal
			// cursor wraps, so treat a repeat as "nothing new left".
			break
		}
		seen[candidate] = true
		if matchesFlags(candidate, want, reject) {
			out = append(out, candidate)
		}
	}
	return out
}

// evictLFUPredict is evictLFU without the side effect of resetting hits,
// used only for prediction.
func (p *evictionPolicy) evictLFUPredict(c *pageCell, seen map[*page.Page]bool) *page.Page {
	var victim *page.Page
	minHits := 256
	for _, idx := range c.maps {
		pg := c.buf[idx]
		if pg.RefCount() != 0 || seen[pg] {
			continue
		}
		if int(pg.Hits()) < minHits {
			minHits = int(pg.Hits())
			victim = pg
		}
	}
	return victim
}

func (p *evictionPolicy) evictFIFOPredict(c *pageCell, seen map[*page.Page]bool) *page.Page {
	// Start where evictFIFO's cursor will look next.
	n := len(c.maps)
	for i := 0; i < n; i++ {
		pg := c.buf[c.maps[(c.idx+i)%n]]
		if pg.RefCount() == 0 && !seen[pg] {
			return pg
		}
	}
	return nil
}

func matchesFlags(pg *page.Page, want, reject page.Flag) bool {
	if want&page.Dirty != 0 && !pg.IsDirty() {
		return false
	}
	if want&page.DataReady != 0 && !pg.IsDataReady() {
		return false
	}
	if reject&page.Dirty != 0 && pg.IsDirty() {
		return false
	}
	if reject&page.IOPending != 0 && pg.IsIOPending() {
		return false
	}
	return true
}
