// Package cmt implements the Cached Mapping Table: a page-granular,
// LRU-evicted cache of LPA->PTE translation pages (spec.md §4.1).
//
// The teacher's BufMgr (bufmgr.go) caches B-tree pages behind a
// hash-chained pool using a CLOCK sweep (PinLatch's victim scan). We keep
// its arena-of-slots shape — a flat pool indexed by slot, avoiding
// pointer cycles between cache entries and their LRU position — but
// replace CLOCK with a genuine LRU list, since spec.md §4.1 requires
// evicting the LRU tail specifically, not an approximate clock victim.
// The LRU list itself is index-addressed (next/prev arrays over the same
// arena), per the "arena + index" guidance in spec.md §9: entries never
// hold a Go pointer into the list and the list never holds a pointer back
// into an entry, only slot indices.
package cmt

import (
	"github.com/ryogrid/dftl-kvssd/internal/logging"
	"github.com/ryogrid/dftl-kvssd/internal/status"
)

var log = logging.Component("cmt")

// InvalidPPA is the "no mapping yet" sentinel for both a PTE's PPA and a
// CMT entry's on-flash translation-page address (original's UINT_MAX).
const InvalidPPA = ^uint64(0)

// PTE is a page table entry: a grain address plus an optional key
// fingerprint (spec.md §3).
type PTE struct {
	PPA   uint64
	KeyFP uint32
}

// State is a CMT entry's dirty/clean status.
type State int

const (
	Clean State = iota
	Dirty
)

// Entry is one resident-or-evicted translation-page slot (spec.md §3's
// "CMT entry").
type Entry struct {
	Idx      uint32 // which LPA chunk this slot always represents
	TPPA     uint64 // where the translation page lives on flash, or InvalidPPA
	PT       []PTE  // resident entries, nil if evicted
	State    State
	IsFlying bool
	RetryQ   []func(PTE) // deferred continuations, drained by ListUp

	lruPrev, lruNext uint32 // unused: the LRU links are kept in lruList, see lru.go
	inLRU            bool
}

// Evictor performs the side effects of evicting a dirty entry: allocate a
// fresh map-stream PPA, write the page table out, and report the PPA used
// — it is supplied by internal/ftl, which alone knows how to allocate PPAs
// and reach the backing store and OOB table (spec.md §4.1's "allocate a
// new map-stream PPA, set oob[new][0] = victim.idx * EPP, issue a mapping
// write, charge GRAIN_PER_PAGE credits").
type Evictor interface {
	WriteBackDirty(idx uint32, pt []PTE) (newTPPA uint64, err error)
}

// Loader reads a resident translation page's bytes given its on-flash
// address, supplied by internal/ftl.
type Loader interface {
	ReadMappingPage(tppa uint64, epp uint32) ([]PTE, error)
}

// Cache is the CMT: nrValidTPages slots, one per chunk of EPP LPAs, an LRU
// list over resident slots, and a capacity bound.
type Cache struct {
	epp             uint32
	entries         []*Entry
	lru             *lruList
	nrCachedTPages  uint32
	maxCachedTPages uint32

	dirtyEvictions int
	cleanEvictions int
}

// New allocates a Cache for nrValidTPages chunks of epp LPAs each, capped
// at maxCachedTPages resident pages at once.
func New(nrValidTPages uint32, epp uint32, maxCachedTPages uint32) *Cache {
	c := &Cache{
		epp:             epp,
		entries:         make([]*Entry, nrValidTPages),
		lru:             newLRUList(nrValidTPages),
		maxCachedTPages: maxCachedTPages,
	}
	for i := range c.entries {
		c.entries[i] = &Entry{Idx: uint32(i), TPPA: InvalidPPA, State: Clean}
	}
	return c
}

// IDX returns the chunk index a given LPA falls into.
func (c *Cache) IDX(lpa uint64) uint32 { return uint32(lpa) / c.epp }

// OFFSET returns an LPA's offset within its chunk.
func (c *Cache) OFFSET(lpa uint64) uint32 { return uint32(lpa) % c.epp }

// IsHit reports whether the translation page containing lpa is resident.
func (c *Cache) IsHit(lpa uint64) bool {
	return c.entries[c.IDX(lpa)].PT != nil
}

// Touch bumps the LPA's chunk to the LRU head.
func (c *Cache) Touch(lpa uint64) {
	e := c.entries[c.IDX(lpa)]
	if e.inLRU {
		c.lru.touch(e.Idx)
	}
}

// entry returns the raw slot for lpa, for callers that need TPPA/IsFlying.
func (c *Cache) entry(lpa uint64) *Entry { return c.entries[c.IDX(lpa)] }

// NeedsLoad reports whether lpa's chunk must be read from flash before use
// (it has a home on flash but isn't resident and isn't already flying).
func (c *Cache) NeedsLoad(lpa uint64) bool {
	e := c.entry(lpa)
	return e.PT == nil && e.TPPA != InvalidPPA && !e.IsFlying
}

// BeginLoad marks lpa's chunk as flying, attaching cont as a deferred
// continuation to run once ListUp installs the page table (spec.md §4.1's
// "load(lpa, req)").
func (c *Cache) BeginLoad(lpa uint64, loader Loader, cont func(PTE)) error {
	e := c.entry(lpa)
	if e.IsFlying {
		e.RetryQ = append(e.RetryQ, cont)
		return nil
	}
	e.IsFlying = true
	pt, err := loader.ReadMappingPage(e.TPPA, c.epp)
	if err != nil {
		e.IsFlying = false
		return err
	}
	var ev Evictor = evictor0{}
	if le, ok := loader.(Evictor); ok {
		ev = le
	}
	return c.ListUp(lpa, pt, ev, cont)
}

// evictor0 is the Evictor BeginLoad falls back to when its loader does not
// also implement Evictor; a load that then has to evict a dirty tail fails
// with a Corrupt error instead of writing it back.
type evictor0 struct{}

func (evictor0) WriteBackDirty(uint32, []PTE) (uint64, error) {
	return 0, status.New(status.Corrupt, "unexpected eviction with no evictor configured")
}

// ListUp materializes the page table for lpa's chunk, evicting the LRU
// tail first if the cache is at capacity (spec.md §4.1). If freshPT is
// non-nil it is installed directly (a load just completed); otherwise a
// zero-initialized table is installed (cold install).
func (c *Cache) ListUp(lpa uint64, freshPT []PTE, ev Evictor, cont func(PTE)) error {
	e := c.entry(lpa)

	if c.IsFull() {
		victimIdx := c.lru.tail()
		victim := c.entries[victimIdx]
		if victim.Idx == e.Idx {
			return status.New(status.Corrupt, "victim selection picked the entry being loaded")
		}

		if victim.State == Dirty {
			c.dirtyEvictions++
			newTPPA, err := ev.WriteBackDirty(victim.Idx, victim.PT)
			if err != nil {
				return err
			}
			victim.TPPA = newTPPA
			victim.State = Clean
			log.WithField("idx", victim.Idx).WithField("tppa", newTPPA).Debug("evicted dirty CMT entry")
		} else {
			c.cleanEvictions++
		}

		c.lru.remove(victimIdx)
		victim.inLRU = false
		victim.PT = nil
		c.nrCachedTPages--
	}

	c.lru.pushFront(e.Idx)
	e.inLRU = true
	c.nrCachedTPages++

	if e.IsFlying {
		e.IsFlying = false
	}
	if e.PT == nil {
		if freshPT != nil {
			e.PT = freshPT
		} else {
			e.PT = make([]PTE, c.epp)
			for i := range e.PT {
				e.PT[i] = PTE{PPA: InvalidPPA}
			}
		}
	}

	if cont != nil {
		cont(e.PT[c.OFFSET(lpa)])
	}
	for _, retry := range e.RetryQ {
		retry(e.PT[c.OFFSET(lpa)])
	}
	e.RetryQ = nil
	return nil
}

// IsFull reports whether the cache has reached its resident-page cap.
func (c *Cache) IsFull() bool { return c.nrCachedTPages >= c.maxCachedTPages }

// GetPTE returns the resident PTE for lpa. Caller must have ensured
// residency via IsHit/BeginLoad/ListUp first.
func (c *Cache) GetPTE(lpa uint64) (PTE, error) {
	e := c.entry(lpa)
	if e.PT == nil {
		return PTE{}, status.New(status.Corrupt, "GetPTE on non-resident chunk")
	}
	return e.PT[c.OFFSET(lpa)], nil
}

// Update mutates lpa's PTE and marks its chunk dirty (spec.md §4.1).
func (c *Cache) Update(lpa uint64, pte PTE) error {
	e := c.entry(lpa)
	if e.PT == nil {
		return status.New(status.Corrupt, "Update on non-resident chunk")
	}
	e.PT[c.OFFSET(lpa)] = pte
	e.State = Dirty
	if e.inLRU {
		c.lru.touch(e.Idx)
	}
	return nil
}

// NrCachedTPages reports the number of resident translation pages.
func (c *Cache) NrCachedTPages() uint32 { return c.nrCachedTPages }

// MaxCachedTPages reports the cache's capacity.
func (c *Cache) MaxCachedTPages() uint32 { return c.maxCachedTPages }

// Stats returns eviction counters for diagnostics/tests.
func (c *Cache) Stats() (dirtyEvictions, cleanEvictions int) {
	return c.dirtyEvictions, c.cleanEvictions
}

// SetHome records lpa's chunk's on-flash translation-page address. Nothing
// in the module calls it: ListUp records a chunk's new home itself when it
// writes back a dirty victim.
func (c *Cache) SetHome(lpa uint64, tppa uint64) {
	c.entry(lpa).TPPA = tppa
}

// Home returns lpa's chunk's on-flash translation-page address, or
// InvalidPPA if it has never been evicted.
func (c *Cache) Home(lpa uint64) uint64 {
	return c.entry(lpa).TPPA
}
