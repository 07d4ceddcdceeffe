// Package ftl is the FTL frontend: the dispatcher that wires the
// translation cache, line manager, OOB table, write buffer, backing store
// and garbage collector together behind Store/Retrieve/Delete/Flush
// (spec.md §2's "FTL Frontend", §4.2's write pipeline, §4.3's read path).
//
// spec.md §5 describes suspension points (`GOTO_LOAD`, `GOTO_LIST`, ...)
// for an async I/O model where a mapping-page read or a data-check read
// can complete on a different goroutine and resume the request at a
// stored label. Our backing.Store is synchronous, so every one of those
// suspension points collapses into a plain function call on the single
// dispatcher goroutine that owns FTL — the "single-threaded cooperative"
// ownership semantics spec.md §5 requires are preserved; only the
// encoding (straight-line calls instead of a callback/jump-label state
// machine) is simplified. See DESIGN.md for the tradeoff.
package ftl

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/ryogrid/dftl-kvssd/internal/backing"
	"github.com/ryogrid/dftl-kvssd/internal/cmt"
	"github.com/ryogrid/dftl-kvssd/internal/config"
	"github.com/ryogrid/dftl-kvssd/internal/gc"
	"github.com/ryogrid/dftl-kvssd/internal/line"
	"github.com/ryogrid/dftl-kvssd/internal/logging"
	"github.com/ryogrid/dftl-kvssd/internal/oob"
	"github.com/ryogrid/dftl-kvssd/internal/status"
	"github.com/ryogrid/dftl-kvssd/internal/wb"
)

var log = logging.Component("ftl")

// Stats carries the hash-collision counters spec.md §4.1/§8 scenario 3
// call for (original_source/demand/utility.c's hash_collision_logging).
type Stats struct {
	ReadCollisions  uint64
	WriteCollisions uint64
}

// FTL is the dispatcher: every exported method here is expected to be
// called from a single goroutine (spec.md §5).
type FTL struct {
	cfg           config.Params
	lm            *line.Manager
	oobT          *oob.Table
	store         backing.Store
	cmt           *cmt.Cache
	wbuf          *wb.Buffer
	gcr           *gc.GC
	grainsPerPage uint32
	grainSize     uint32
	epp           uint32
	nValidEntries uint64

	// dedup is the Go analogue of d_htable: PPA -> LPA for every grain run
	// written during a flush, reset at the end of every flush (spec.md §3,
	// §4.6). Nothing reads it; distinct placement within a batch comes from
	// wb.PackPages.
	dedup map[uint64]uint64

	Stats Stats
}

// New builds an FTL over store, with all core structures sized from cfg.
// The LPA address space is sized generously off the store's total page
// count (one EPP-sized chunk per physical page) rather than a fixed
// constant, so small test geometries get a small, collision-friendly
// address space and larger ones get proportionally more room.
func New(cfg config.Params, store backing.Store) *FTL {
	lm := line.New(cfg)
	geo := lm.Geometry()
	oobT := oob.New(geo.TotalPages(), cfg.GrainsPerPage())

	nrValidTPages := uint32(geo.TotalPages())
	if nrValidTPages == 0 {
		nrValidTPages = 1
	}

	f := &FTL{
		cfg:           cfg,
		lm:            lm,
		oobT:          oobT,
		store:         store,
		cmt:           cmt.New(nrValidTPages, cfg.EntriesPerPage, cfg.MaxCachedTPages),
		wbuf:          wb.New(cfg.WBFlushSize, 1),
		grainsPerPage: cfg.GrainsPerPage(),
		grainSize:     cfg.GrainSize,
		epp:           cfg.EntriesPerPage,
		nValidEntries: uint64(nrValidTPages) * uint64(cfg.EntriesPerPage),
		dedup:         make(map[uint64]uint64),
	}
	f.gcr = gc.New(lm, oobT, store, cfg.GrainsPerPage(), cfg.GrainSize)
	return f
}

// Store buffers (key, value); if the write buffer reaches its configured
// flush size, a flush runs synchronously before Store returns (spec.md
// §3's WB, §4.2's pipeline).
func (f *FTL) Store(key, value []byte) error {
	rec, err := encodeRecord(key, value)
	if err != nil {
		return err
	}
	grains := uint32((len(rec) + int(f.grainSize) - 1) / int(f.grainSize))
	if grains > f.grainsPerPage {
		return errors.Wrap(status.New(status.Corrupt, "record needs %d grains, page only holds %d", grains, f.grainsPerPage), "ftl.Store")
	}

	entry := &wb.Entry{
		Key:    append([]byte(nil), key...),
		Value:  rec,
		Hash:   hashKey(key),
		Length: grains,
	}
	f.wbuf.Put(entry)

	if f.wbuf.Full() {
		return f.Flush()
	}
	return nil
}

// Retrieve returns the value stored for key, or a *status.Error with Code
// NotFound if every probe attempt is exhausted (spec.md §4.3, §6).
func (f *FTL) Retrieve(key []byte) ([]byte, error) {
	if e, ok := f.wbuf.Get(key); ok {
		_, value, err := decodeRecord(e.Value)
		return value, err
	}

	hash := hashKey(key)
	fp := fingerprintKey(key)

	for tryCnt := uint32(0); tryCnt < f.cfg.MaxHashCollision; tryCnt++ {
		lpa := probeLPA(hash, tryCnt, f.nValidEntries)
		if err := f.ensureResident(lpa); err != nil {
			return nil, err
		}
		pte, err := f.cmt.GetPTE(lpa)
		if err != nil {
			return nil, err
		}
		if pte.PPA == cmt.InvalidPPA {
			continue
		}
		if f.cfg.StoreKeyFP && pte.KeyFP != fp {
			f.Stats.ReadCollisions++
			continue
		}

		ppa, offset := unpackGrain(pte.PPA, f.grainsPerPage)
		rec, err := f.readRecord(ppa, offset)
		if err != nil {
			return nil, err
		}
		gotKey, value, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if string(gotKey) != string(key) {
			f.Stats.ReadCollisions++
			continue
		}
		return value, nil
	}
	return nil, status.New(status.NotFound, "key exhausted %d probe attempts", f.cfg.MaxHashCollision)
}

// Delete invalidates key's grains and clears its mapping; idempotent,
// matching spec.md §8's delete-idempotence law. A buffered WB entry is
// dropped, but the on-flash probe/invalidate path always runs too: key may
// have an older, already-flushed mapping the WB entry shadowed, and that
// mapping must be invalidated as well or a later Retrieve would resurrect
// the stale value.
func (f *FTL) Delete(key []byte) error {
	foundInWB := f.wbuf.Delete(key)

	hash := hashKey(key)
	fp := fingerprintKey(key)

	for tryCnt := uint32(0); tryCnt < f.cfg.MaxHashCollision; tryCnt++ {
		lpa := probeLPA(hash, tryCnt, f.nValidEntries)
		if err := f.ensureResident(lpa); err != nil {
			return err
		}
		pte, err := f.cmt.GetPTE(lpa)
		if err != nil {
			return err
		}
		if pte.PPA == cmt.InvalidPPA {
			continue
		}
		if f.cfg.StoreKeyFP && pte.KeyFP != fp {
			continue
		}

		ppa, offset := unpackGrain(pte.PPA, f.grainsPerPage)
		rec, err := f.readRecord(ppa, offset)
		if err != nil {
			return err
		}
		gotKey, _, err := decodeRecord(rec)
		if err != nil {
			return err
		}
		if string(gotKey) != string(key) {
			continue
		}

		length := f.oobT.RunLength(uint64(ppa), offset)
		for g := uint32(0); g < length; g++ {
			f.lm.MarkGrainInvalid(f.oobT, ppa, offset+g)
			f.oobT.SetOOB(uint64(ppa), offset+g, oob.Tombstone)
		}
		return f.cmt.Update(lpa, cmt.PTE{PPA: cmt.InvalidPPA})
	}
	if foundInWB {
		return nil
	}
	return status.New(status.NotFound, "delete target exhausted %d probe attempts", f.cfg.MaxHashCollision)
}

// readRecord reads the record occupying the grain run starting at
// (ppa, offset), whose length is recovered from the OOB continuation
// chain (spec.md §4.3 step 5).
func (f *FTL) readRecord(ppa line.PPA, offset uint32) ([]byte, error) {
	length := f.oobT.RunLength(uint64(ppa), offset)
	buf := make([]byte, f.grainsPerPage*f.grainSize)
	if err := f.store.ReadPage(uint64(ppa), buf); err != nil {
		return nil, err
	}
	start := offset * f.grainSize
	end := start + length*f.grainSize
	rec := make([]byte, end-start)
	copy(rec, buf[start:end])
	return rec, nil
}

// ensureResident makes lpa's translation-page chunk resident in the CMT,
// loading it from flash if it has a home there, or cold-installing a
// zero-initialized chunk if it has never been written (spec.md §4.1's
// `load`/`list_up`, collapsed into one synchronous call per the package
// doc comment above).
func (f *FTL) ensureResident(lpa uint64) error {
	if f.cmt.IsHit(lpa) {
		f.cmt.Touch(lpa)
		return nil
	}
	if f.cmt.NeedsLoad(lpa) {
		return f.cmt.BeginLoad(lpa, f, nil)
	}
	return f.cmt.ListUp(lpa, nil, f, nil)
}

// ReadMappingPage implements cmt.Loader.
func (f *FTL) ReadMappingPage(tppa uint64, epp uint32) ([]cmt.PTE, error) {
	buf := make([]byte, f.cfg.PageSize)
	if err := f.store.ReadPage(tppa, buf); err != nil {
		return nil, err
	}
	return decodeMappingPage(buf, epp), nil
}

// WriteBackDirty implements cmt.Evictor: allocate a fresh map-stream PPA,
// serialize the dirty page table, write it, set its OOB header, and
// charge GRAIN_PER_PAGE credits (spec.md §4.1).
func (f *FTL) WriteBackDirty(idx uint32, pt []cmt.PTE) (uint64, error) {
	ppa, err := f.lm.NextPageAddr(line.MapIO)
	if err != nil {
		return 0, err
	}
	buf := encodeMappingPage(pt, f.epp, f.cfg.PageSize)
	if err := f.store.WritePage(uint64(ppa), buf); err != nil {
		return 0, err
	}

	oobRow := make([]uint64, f.grainsPerPage)
	oobRow[0] = uint64(idx) * uint64(f.epp)
	for i := 1; i < len(oobRow); i++ {
		oobRow[i] = oob.Tombstone
	}
	f.oobT.SetOOBBulk(uint64(ppa), oobRow)
	for g := uint32(0); g < f.grainsPerPage; g++ {
		f.lm.MarkGrainValid(f.oobT, ppa, g)
	}
	if err := f.lm.AdvanceWritePointer(line.MapIO); err != nil {
		return 0, err
	}
	f.lm.ConsumeCredits(int(f.grainsPerPage))
	log.WithField("idx", idx).WithField("ppa", ppa).Debug("evicted dirty translation page")
	return uint64(ppa), nil
}

// PatchMapping implements gc.MappingPatcher: install the post-copy PGA for
// lpa, loading its chunk first if necessary (spec.md §4.6 step 5).
func (f *FTL) PatchMapping(lpa uint64, newPPA line.PPA, offset uint32) error {
	if err := f.ensureResident(lpa); err != nil {
		return err
	}
	pte, err := f.cmt.GetPTE(lpa)
	if err != nil {
		return err
	}
	pte.PPA = packGrain(newPPA, offset, f.grainsPerPage)
	return f.cmt.Update(lpa, pte)
}
