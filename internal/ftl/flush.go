package ftl

import (
	"github.com/google/uuid"
	"github.com/ryogrid/dftl-kvssd/internal/cmt"
	"github.com/ryogrid/dftl-kvssd/internal/line"
	"github.com/ryogrid/dftl-kvssd/internal/oob"
	"github.com/ryogrid/dftl-kvssd/internal/wb"
)

// flushEntry carries one WB entry through Stage B/C once Stage A (Stage A
// is wb.PackPages) has already assigned it an offset within some page.
type flushEntry struct {
	src *wb.Entry
	lpa uint64
	fp  uint32
}

// Flush drives the three-stage write pipeline (spec.md §4.2): Stage A
// (wb.PackPages) assigns physical placement, Stage B resolves each
// entry's LPA (retrying on fingerprint/key collision, invalidating the
// old grain range on overwrite) and installs its new mapping, and Stage C
// writes the packed pages and consumes credits — running GC if the write
// exhausted them.
func (f *FTL) Flush() error {
	entries := f.wbuf.Drain()
	if len(entries) == 0 {
		return nil
	}

	reqID := uuid.NewString()
	flog := log.WithField("req_id", reqID)

	pages, err := wb.PackPages(entries, f.grainsPerPage)
	if err != nil {
		return err
	}

	for _, page := range pages {
		ppa, err := f.lm.NextPageAddr(line.UserIO)
		if err != nil {
			return err
		}

		buf := make([]byte, f.grainsPerPage*f.grainSize)
		oobRow := make([]uint64, f.grainsPerPage)
		for i := range oobRow {
			oobRow[i] = oob.Tombstone
		}

		var placed []*flushEntry
		for _, e := range page.Entries {
			e.PPA = uint64(ppa)
			fe := &flushEntry{src: e}
			lpa, fp, err := f.resolveMapping(e)
			if err != nil {
				return err
			}
			fe.lpa, fe.fp = lpa, fp
			// Install the mapping right away, so a later entry of this batch
			// whose probe lands on the same LPA sees it as taken.
			if err := f.cmt.Update(lpa, cmt.PTE{PPA: packGrain(ppa, e.Offset, f.grainsPerPage), KeyFP: fp}); err != nil {
				return err
			}

			start := e.Offset * f.grainSize
			copy(buf[start:start+uint32(len(e.Value))], e.Value)
			oobRow[e.Offset] = lpa
			for g := uint32(1); g < e.Length; g++ {
				oobRow[e.Offset+g] = oob.Continuation
			}
			placed = append(placed, fe)
		}

		if err := f.store.WritePage(uint64(ppa), buf); err != nil {
			return err
		}
		f.oobT.SetOOBBulk(uint64(ppa), oobRow)

		grainsUsed := uint32(0)
		for _, fe := range placed {
			for g := uint32(0); g < fe.src.Length; g++ {
				f.lm.MarkGrainValid(f.oobT, ppa, fe.src.Offset+g)
			}
			grainsUsed += fe.src.Length
			f.dedup[packGrain(ppa, fe.src.Offset, f.grainsPerPage)] = fe.lpa
		}
		if err := f.lm.AdvanceWritePointer(line.UserIO); err != nil {
			return err
		}
		f.lm.ConsumeCredits(int(grainsUsed))
	}

	f.dedup = make(map[uint64]uint64)
	flog.WithField("pages", len(pages)).WithField("entries", len(entries)).Info("flush complete")

	for f.lm.CreditsExhausted() && f.lm.HasVictim() {
		if err := f.runGC(reqID); err != nil {
			return err
		}
	}
	return nil
}

// resolveMapping is Stage B for one entry: find the LPA this key belongs
// at, handling both a clean install and an overwrite of a prior value
// (spec.md §4.2 Stage B, §4.6's overwrite-before-commit ordering).
func (f *FTL) resolveMapping(e *wb.Entry) (lpa uint64, fp uint32, err error) {
	fp = fingerprintKey(e.Key)

	for tryCnt := uint32(0); tryCnt < f.cfg.MaxHashCollision; tryCnt++ {
		candidate := probeLPA(e.Hash, tryCnt, f.nValidEntries)
		if err := f.ensureResident(candidate); err != nil {
			return 0, 0, err
		}
		pte, err := f.cmt.GetPTE(candidate)
		if err != nil {
			return 0, 0, err
		}
		if pte.PPA == cmt.InvalidPPA {
			return candidate, fp, nil
		}
		if f.cfg.StoreKeyFP && pte.KeyFP != fp {
			f.Stats.WriteCollisions++
			continue
		}

		oldPPA, oldOffset := unpackGrain(pte.PPA, f.grainsPerPage)
		if uint64(oldPPA) == e.PPA {
			// Mapped by another key of this batch into the page not yet written.
			f.Stats.WriteCollisions++
			continue
		}
		rec, err := f.readRecord(oldPPA, oldOffset)
		if err != nil {
			return 0, 0, err
		}
		oldKey, _, err := decodeRecord(rec)
		if err != nil {
			return 0, 0, err
		}
		if string(oldKey) != string(e.Key) {
			f.Stats.WriteCollisions++
			continue
		}

		length := f.oobT.RunLength(uint64(oldPPA), oldOffset)
		for g := uint32(0); g < length; g++ {
			f.lm.MarkGrainInvalid(f.oobT, oldPPA, oldOffset+g)
		}
		return candidate, fp, nil
	}
	return 0, 0, collisionExhaustedErr(e.Key, f.cfg.MaxHashCollision)
}

// runGC reclaims one victim line and patches every surviving record's
// mapping through this FTL (spec.md §4.6). reqID correlates this cycle's
// log lines with the flush that triggered it.
func (f *FTL) runGC(reqID string) error {
	n, err := f.gcr.RunOnce(f)
	if err != nil {
		return err
	}
	log.WithField("req_id", reqID).WithField("records_copied", n).Debug("gc cycle complete")
	return nil
}
