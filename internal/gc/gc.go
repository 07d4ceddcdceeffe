// Package gc implements victim-line garbage collection (spec.md §4.6):
// select the line with the fewest valid grains, copy every still-valid
// record forward into the GC write stream, patch its mapping, then erase
// and free the line. Grounded on
// original_source/demand_ftl.c's do_gc/clean_one_flashpg and on the
// best-fit grain packing internal/wb already implements for the ordinary
// flush path (spec.md §4.2), which this package reuses the shape of
// rather than the code of, since a GC rewrite entry carries a source
// grain range instead of a pending key/value pair.
package gc

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/ryogrid/dftl-kvssd/internal/backing"
	"github.com/ryogrid/dftl-kvssd/internal/line"
	"github.com/ryogrid/dftl-kvssd/internal/logging"
	"github.com/ryogrid/dftl-kvssd/internal/oob"
	"github.com/ryogrid/dftl-kvssd/internal/status"
)

var log = logging.Component("gc")

// MappingPatcher updates the LPA->PTE mapping for a record GC just copied
// to a new grain address. internal/ftl supplies the implementation, since
// only it can reach the CMT, load a cold chunk, and mark credits consumed
// (spec.md §4.6 step 5, "patch the mapping the same way an ordinary write
// would").
type MappingPatcher interface {
	PatchMapping(lpa uint64, newPPA line.PPA, offset uint32) error
}

// rewriteEntry is one valid record found on the victim line, awaiting
// copy-forward. The old grain address isn't carried: once a line is
// handed to GC, reclaiming it means erasing the whole block, so there is
// no need to invalidate individual old grains on the way out.
type rewriteEntry struct {
	lpa    uint64
	length uint32 // grains
	data   []byte // length*grainSize bytes, copied out of the old page

	newOffset uint32 // set once packed into a GC-stream page
}

// GC drives one victim line's reclamation at a time.
type GC struct {
	lm            *line.Manager
	oobT          *oob.Table
	store         backing.Store
	grainsPerPage uint32
	grainSize     uint32

	LinesReclaimed int
	RecordsCopied  int
}

// New builds a GC operating over the given line manager, OOB table and
// backing store.
func New(lm *line.Manager, oobT *oob.Table, store backing.Store, grainsPerPage, grainSize uint32) *GC {
	return &GC{lm: lm, oobT: oobT, store: store, grainsPerPage: grainsPerPage, grainSize: grainSize}
}

// RunOnce reclaims a single victim line, if one is queued: it scans every
// page of the line for still-valid records, best-fit packs their grains
// into fresh GC-stream pages, patches the mapping for each, erases the
// line's counters, and returns it to the free pool with credits refilled
// by the victim's invalid-grain count (spec.md §4.6, §4.7).
//
// It is a no-op (0, nil) if no victim is currently queued — callers should
// check line.Manager.HasVictim (or CreditsExhausted) before calling.
func (g *GC) RunOnce(mp MappingPatcher) (int, error) {
	if !g.lm.HasVictim() {
		return 0, nil
	}
	victim := g.lm.PopVictim()

	entries, err := g.collectValidRecords(victim)
	if err != nil {
		return 0, errors.Wrap(err, "gc.RunOnce: collect")
	}

	creditsToRefill := victim.IGC
	if len(entries) > 0 {
		if err := g.rewrite(entries, mp); err != nil {
			return 0, errors.Wrap(err, "gc.RunOnce: rewrite")
		}
	}

	g.eraseLine(victim)
	g.lm.FreeLine(victim, creditsToRefill)
	g.LinesReclaimed++
	g.RecordsCopied += len(entries)
	log.WithField("line", victim.ID).WithField("records", len(entries)).Info("line reclaimed")
	return len(entries), nil
}

// collectValidRecords walks every page of the victim line's stripe and
// gathers one rewriteEntry per still-valid record (clean_one_flashpg):
// a record's first grain carries its real LPA in the OOB row, and any
// grains after it that read back oob.Continuation belong to the same
// record (oob.Table.RunLength).
func (g *GC) collectValidRecords(victim *line.Line) ([]*rewriteEntry, error) {
	geo := g.lm.Geometry()
	var entries []*rewriteEntry

	for unit := uint32(0); unit < geo.Units(); unit++ {
		chIdx, lunIdx, planeIdx := geo.UnitAt(unit)

		for page := uint32(0); page < geo.PagesPerBlock(); page++ {
			ppa := geo.Compose(line.Addr{Channel: chIdx, LUN: lunIdx, Plane: planeIdx, Block: victim.ID, Page: page})

			buf := make([]byte, g.grainsPerPage*g.grainSize)
			if err := g.store.ReadPage(uint64(ppa), buf); err != nil {
				return nil, err
			}

			for offset := uint32(0); offset < g.grainsPerPage; {
				if !g.oobT.IsGrainValid(uint64(ppa), offset) {
					offset++
					continue
				}
				lpa := g.oobT.GetOOB(uint64(ppa), offset)
				if lpa == oob.Continuation || lpa == oob.Tombstone {
					offset++
					continue
				}
				length := g.oobT.RunLength(uint64(ppa), offset)
				start := offset * g.grainSize
				end := start + length*g.grainSize
				data := make([]byte, len(buf[start:end]))
				copy(data, buf[start:end])

				entries = append(entries, &rewriteEntry{
					lpa:    lpa,
					length: length,
					data:   data,
				})
				offset += length
			}
		}
	}
	return entries, nil
}

// eraseLine clears the grain-validity bitmap for every page of victim,
// mirroring the physical block erase a real device performs on reclaim: any
// grain collectValidRecords copied forward was left marked valid on its old
// page (GC never invalidates the grains it copies, since the whole line is
// about to be erased anyway), so those bits must be cleared here or they
// would resurface as phantom-valid grains once the block is reused.
func (g *GC) eraseLine(victim *line.Line) {
	geo := g.lm.Geometry()
	for unit := uint32(0); unit < geo.Units(); unit++ {
		ch, lun, plane := geo.UnitAt(unit)
		for page := uint32(0); page < geo.PagesPerBlock(); page++ {
			ppa := geo.Compose(line.Addr{Channel: ch, LUN: lun, Plane: plane, Block: victim.ID, Page: page})
			g.oobT.ErasePage(uint64(ppa))
		}
	}
}

// rewrite best-fit packs entries into fresh GC-stream pages, writes them
// through the backing store, updates OOB/validity, and patches the
// mapping for every copied record.
func (g *GC) rewrite(entries []*rewriteEntry, mp MappingPatcher) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].length > entries[j].length })

	for len(entries) > 0 {
		free := g.grainsPerPage
		var placed []*rewriteEntry
		var rest []*rewriteEntry
		for _, e := range entries {
			if e.length <= free {
				e.newOffset = g.grainsPerPage - free
				free -= e.length
				placed = append(placed, e)
			} else {
				rest = append(rest, e)
			}
		}
		if len(placed) == 0 {
			return errors.Wrap(status.New(status.Corrupt, "gc: record longer than a page cannot be rewritten"), "gc.rewrite")
		}
		entries = rest

		ppa, err := g.lm.NextPageAddr(line.GCIO)
		if err != nil {
			return err
		}

		buf := make([]byte, g.grainsPerPage*g.grainSize)
		oobRow := make([]uint64, g.grainsPerPage)
		for i := range oobRow {
			oobRow[i] = oob.Tombstone
		}

		for _, e := range placed {
			start := e.newOffset * g.grainSize
			copy(buf[start:start+e.length*g.grainSize], e.data)
			oobRow[e.newOffset] = e.lpa
			for k := uint32(1); k < e.length; k++ {
				oobRow[e.newOffset+k] = oob.Continuation
			}
		}

		if err := g.store.WritePage(uint64(ppa), buf); err != nil {
			return err
		}
		g.oobT.SetOOBBulk(uint64(ppa), oobRow)
		for _, e := range placed {
			for k := uint32(0); k < e.length; k++ {
				g.lm.MarkGrainValid(g.oobT, ppa, e.newOffset+k)
			}
		}
		if err := g.lm.AdvanceWritePointer(line.GCIO); err != nil {
			return err
		}

		for _, e := range placed {
			if err := mp.PatchMapping(e.lpa, ppa, e.newOffset); err != nil {
				return err
			}
		}
	}
	return nil
}
