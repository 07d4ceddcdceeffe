package gc

import (
	"testing"

	"github.com/ryogrid/dftl-kvssd/internal/backing"
	"github.com/ryogrid/dftl-kvssd/internal/config"
	"github.com/ryogrid/dftl-kvssd/internal/line"
	"github.com/ryogrid/dftl-kvssd/internal/oob"
)

type fakePatcher struct {
	calls map[uint64]struct {
		ppa    line.PPA
		offset uint32
	}
}

func newFakePatcher() *fakePatcher {
	return &fakePatcher{calls: map[uint64]struct {
		ppa    line.PPA
		offset uint32
	}{}}
}

func (f *fakePatcher) PatchMapping(lpa uint64, newPPA line.PPA, offset uint32) error {
	f.calls[lpa] = struct {
		ppa    line.PPA
		offset uint32
	}{newPPA, offset}
	return nil
}

// writeRecord writes length grains of data at (ppa, offset), setting the
// OOB row for the whole page via readback-modify-write so multiple
// records sharing a page don't clobber each other.
func writeRecord(t *testing.T, store backing.Store, oobT *oob.Table, lm *line.Manager, ppa line.PPA, offset uint32, length uint32, lpa uint64, grainSize uint32) {
	t.Helper()
	buf := make([]byte, store.PageSize())
	if err := store.ReadPage(uint64(ppa), buf); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	for g := uint32(0); g < length; g++ {
		buf[(offset+g)*grainSize] = byte(lpa)
	}
	if err := store.WritePage(uint64(ppa), buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	oobT.SetOOB(uint64(ppa), offset, lpa)
	for g := uint32(1); g < length; g++ {
		oobT.SetOOB(uint64(ppa), offset+g, oob.Continuation)
	}
	for g := uint32(0); g < length; g++ {
		lm.MarkGrainValid(oobT, ppa, offset+g)
	}
}

func TestGC_RunOnce_CopiesSurvivingRecordsAndPatchesMapping(t *testing.T) {
	cfg := config.New(config.WithGeometry(1, 1, 1, 2, 4))
	lm := line.New(cfg)
	geo := lm.Geometry()
	oobT := oob.New(geo.TotalPages(), cfg.GrainsPerPage())
	store := backing.NewMemStore(geo.TotalPages(), cfg.PageSize)

	grainSize := cfg.GrainSize

	// Fill line 0 across its 4 pages (Units()==1, so UserIO strides
	// page-by-page): page0 one 4-grain record, page1 two 2-grain
	// records, page2 four 1-grain records, page3 one 4-grain record.
	type rec struct {
		offset, length uint32
		lpa            uint64
	}
	pages := [][]rec{
		{{0, 4, 100}},
		{{0, 2, 200}, {2, 2, 300}},
		{{0, 1, 400}, {1, 1, 401}, {2, 1, 402}, {3, 1, 403}},
		{{0, 4, 500}},
	}
	for _, page := range pages {
		ppa, err := lm.NextPageAddr(line.UserIO)
		if err != nil {
			t.Fatalf("NextPageAddr: %v", err)
		}
		for _, r := range page {
			writeRecord(t, store, oobT, lm, ppa, r.offset, r.length, r.lpa, grainSize)
		}
		if err := lm.AdvanceWritePointer(line.UserIO); err != nil {
			t.Fatalf("AdvanceWritePointer: %v", err)
		}
	}

	victim := lm.Line(0)
	if victim.VGC != 16 {
		t.Fatalf("victim.VGC = %d, want 16 after filling", victim.VGC)
	}

	// Invalidate every record except the single grain at lpa 402, dropping
	// the line's valid count to 1 out of 16 — below the non-force
	// eligibility threshold (EligibleForGC: vgc*8 <= capacity) so HasVictim
	// actually selects it, while still leaving one surviving record for GC
	// to copy forward.
	page0PPA := geo.Compose(line.Addr{Block: 0, Page: 0})
	page1PPA := geo.Compose(line.Addr{Block: 0, Page: 1})
	page2PPA := geo.Compose(line.Addr{Block: 0, Page: 2})
	page3PPA := geo.Compose(line.Addr{Block: 0, Page: 3})
	for _, off := range []uint32{0, 1, 2, 3} {
		lm.MarkGrainInvalid(oobT, page0PPA, off) // lpa 100
		lm.MarkGrainInvalid(oobT, page1PPA, off) // lpa 200, 300
		lm.MarkGrainInvalid(oobT, page3PPA, off) // lpa 500
	}
	lm.MarkGrainInvalid(oobT, page2PPA, 0) // lpa 400
	lm.MarkGrainInvalid(oobT, page2PPA, 1) // lpa 401
	lm.MarkGrainInvalid(oobT, page2PPA, 3) // lpa 403
	// lpa 402 (page2 offset 2) is left valid.

	if victim.State != line.StateVictim {
		t.Fatalf("victim.State = %v, want StateVictim", victim.State)
	}
	if victim.VGC != 1 {
		t.Fatalf("victim.VGC = %d, want 1", victim.VGC)
	}
	if !lm.HasVictim() {
		t.Fatalf("HasVictim() = false, want true")
	}

	g := New(lm, oobT, store, cfg.GrainsPerPage(), grainSize)
	patcher := newFakePatcher()

	n, err := g.RunOnce(patcher)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce copied %d records, want 1", n)
	}

	if _, ok := patcher.calls[402]; !ok {
		t.Errorf("lpa 402 (the only surviving record) was not patched to a new mapping")
	}
	for _, lpa := range []uint64{100, 200, 300, 400, 401, 403, 500} {
		if _, ok := patcher.calls[lpa]; ok {
			t.Errorf("lpa %d (invalidated before GC) should not have been copied forward", lpa)
		}
	}

	if victim.State != line.StateFree {
		t.Fatalf("victim.State after reclamation = %v, want StateFree", victim.State)
	}
	if victim.VGC != 0 || victim.IGC != 0 {
		t.Fatalf("victim counters after reclamation = (vgc=%d, igc=%d), want (0, 0)", victim.VGC, victim.IGC)
	}
	if lm.FreeLineCount() != 1 {
		t.Fatalf("FreeLineCount() = %d, want 1 (victim freed, GC-stream line still open)", lm.FreeLineCount())
	}
}

func TestGC_RunOnce_NoVictimIsNoop(t *testing.T) {
	cfg := config.New(config.WithGeometry(1, 1, 1, 2, 4))
	lm := line.New(cfg)
	geo := lm.Geometry()
	oobT := oob.New(geo.TotalPages(), cfg.GrainsPerPage())
	store := backing.NewMemStore(geo.TotalPages(), cfg.PageSize)

	g := New(lm, oobT, store, cfg.GrainsPerPage(), cfg.GrainSize)
	n, err := g.RunOnce(newFakePatcher())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("RunOnce on an empty victim queue copied %d records, want 0", n)
	}
}
