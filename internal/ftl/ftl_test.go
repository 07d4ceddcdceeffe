package ftl

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ryogrid/dftl-kvssd/internal/backing"
	"github.com/ryogrid/dftl-kvssd/internal/config"
	"github.com/ryogrid/dftl-kvssd/internal/line"
)

// newTestFTL builds an FTL over a small geometry (1 channel/LUN/plane, 4
// blocks/plane, 4 pages/block: 4 lines of 16 grains each at the default
// 4-grains-per-page sizing), sized generously enough to exercise flush,
// overwrite, GC and CMT eviction without allocating a real device's worth
// of backing memory.
func newTestFTL(t *testing.T, opts ...config.Option) *FTL {
	t.Helper()
	base := []config.Option{config.WithGeometry(1, 1, 1, 4, 4)}
	cfg := config.New(append(base, opts...)...)
	store := backing.NewMemStore(line.NewGeometry(cfg).TotalPages(), cfg.PageSize)
	return New(cfg, store)
}

// TestFTL_WriteBufferHit covers spec.md §8 scenario 1: a value stored but
// not yet flushed is still readable straight out of the write buffer.
func TestFTL_WriteBufferHit(t *testing.T) {
	f := newTestFTL(t)

	if err := f.Store([]byte("a"), []byte("XXXX")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := f.Retrieve([]byte("a"))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, []byte("XXXX")) {
		t.Fatalf("Retrieve = %q, want %q", got, "XXXX")
	}
	if f.wbuf.Len() != 1 {
		t.Fatalf("wbuf.Len() = %d, want 1 (no flush should have run)", f.wbuf.Len())
	}
}

// TestFTL_FlushThenRead covers spec.md §8 scenario 2: filling the write
// buffer to its configured size forces exactly one flush, after which
// every key is still readable via the mapping path rather than the WB.
func TestFTL_FlushThenRead(t *testing.T) {
	f := newTestFTL(t, config.WithWBFlushSize(4))

	keys := []string{"k0", "k1", "k2", "k3"}
	for _, k := range keys {
		if err := f.Store([]byte(k), nil); err != nil {
			t.Fatalf("Store(%q): %v", k, err)
		}
	}

	if f.wbuf.Len() != 0 {
		t.Fatalf("wbuf.Len() = %d, want 0 after forced flush", f.wbuf.Len())
	}
	for _, k := range keys {
		got, err := f.Retrieve([]byte(k))
		if err != nil {
			t.Fatalf("Retrieve(%q): %v", k, err)
		}
		if len(got) != 0 {
			t.Fatalf("Retrieve(%q) = %q, want empty", k, got)
		}
	}
	if f.cmt.NrCachedTPages() > f.cfg.MaxCachedTPages {
		t.Fatalf("NrCachedTPages() = %d exceeds MaxCachedTPages = %d", f.cmt.NrCachedTPages(), f.cfg.MaxCachedTPages)
	}
}

// TestFTL_HashCollisionRetries covers spec.md §8 scenario 3: two distinct
// keys whose probe sequences land on the same first-try LPA must both end
// up retrievable, and the collision must be counted in Stats.
func TestFTL_HashCollisionRetries(t *testing.T) {
	f := newTestFTL(t, config.WithEntriesPerPage(2))

	key1, key2 := findCollidingKeys(t, f)

	if err := f.Store(key1, []byte("AAAA")); err != nil {
		t.Fatalf("Store(key1): %v", err)
	}
	if err := f.Store(key2, []byte("BBBB")); err != nil {
		t.Fatalf("Store(key2): %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got1, err := f.Retrieve(key1)
	if err != nil {
		t.Fatalf("Retrieve(key1): %v", err)
	}
	if !bytes.Equal(got1, []byte("AAAA")) {
		t.Fatalf("Retrieve(key1) = %q, want AAAA", got1)
	}
	got2, err := f.Retrieve(key2)
	if err != nil {
		t.Fatalf("Retrieve(key2): %v", err)
	}
	if !bytes.Equal(got2, []byte("BBBB")) {
		t.Fatalf("Retrieve(key2) = %q, want BBBB", got2)
	}

	if f.Stats.WriteCollisions+f.Stats.ReadCollisions == 0 {
		t.Fatalf("expected at least one recorded probe collision, got none")
	}
}

// findCollidingKeys brute-forces two distinct generated keys whose first
// probe attempt (tryCnt 0) lands on the same LPA bucket in f's (small,
// test-sized) address space — exploiting the birthday paradox of a small
// nValidEntries rather than weakening hashKey itself.
func findCollidingKeys(t *testing.T, f *FTL) (k1, k2 []byte) {
	t.Helper()
	seen := make(map[uint64]string)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("ck%d", i)
		bucket := probeLPA(hashKey([]byte(key)), 0, f.nValidEntries)
		if prev, ok := seen[bucket]; ok {
			return []byte(prev), []byte(key)
		}
		seen[bucket] = key
	}
	t.Fatalf("no colliding key pair found after 1000 candidates")
	return nil, nil
}

// TestFTL_OverwriteInvalidatesOldGrains covers spec.md §8 scenario 4:
// storing the same key again across a distinct flush must invalidate the
// grain run the prior value occupied.
func TestFTL_OverwriteInvalidatesOldGrains(t *testing.T) {
	f := newTestFTL(t, config.WithWBFlushSize(1))

	if err := f.Store([]byte("ovw"), []byte("AAAA")); err != nil {
		t.Fatalf("Store #1: %v", err)
	}
	target := f.lm.Line(0)
	if target.VGC != 1 || target.IGC != 0 {
		t.Fatalf("after first write: (vgc=%d, igc=%d), want (1, 0)", target.VGC, target.IGC)
	}

	if err := f.Store([]byte("ovw"), []byte("BBBB")); err != nil {
		t.Fatalf("Store #2: %v", err)
	}
	if target.VGC != 1 || target.IGC != 1 {
		t.Fatalf("after overwrite: (vgc=%d, igc=%d), want (1, 1)", target.VGC, target.IGC)
	}

	got, err := f.Retrieve([]byte("ovw"))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, []byte("BBBB")) {
		t.Fatalf("Retrieve = %q, want BBBB", got)
	}
}

// TestFTL_GCReclaimsAndPatchesMapping covers spec.md §8 scenario 5: once a
// line is mostly invalidated and write credits are exhausted, Flush runs GC
// automatically, reclaiming the line and copying its surviving records
// forward through a patched mapping. A fully-valid full line (nothing to
// reclaim) must NOT be selected — see Line.EligibleForGC / HasVictim.
func TestFTL_GCReclaimsAndPatchesMapping(t *testing.T) {
	f := newTestFTL(t, config.WithWBFlushSize(4))

	// Fill line 0 completely (16 grains = 4 pages at this geometry) with
	// distinct keys: every grain is valid, so line 0 becomes StateFull,
	// never StateVictim, and is not GC-eligible.
	var keys []string
	for i := 0; i < 16; i++ {
		k := fmt.Sprintf("g%d", i)
		keys = append(keys, k)
		if err := f.Store([]byte(k), nil); err != nil {
			t.Fatalf("Store(%q): %v", k, err)
		}
	}
	first := f.lm.Line(0)
	if first.State != line.StateFull {
		t.Fatalf("line 0 state = %v, want StateFull (fully valid, nothing to reclaim yet)", first.State)
	}

	// Overwrite all but the last two keys, driving line 0's valid count
	// down to 2 of 16 — at the non-force eligibility threshold
	// (EligibleForGC: vgc*8 <= capacity) — so the automatic GC loop inside
	// Flush finally selects and reclaims it.
	for i := 0; i < 14; i++ {
		if err := f.Store([]byte(keys[i]), []byte(fmt.Sprintf("V%03d", i))); err != nil {
			t.Fatalf("overwrite Store(%q): %v", keys[i], err)
		}
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("final Flush: %v", err)
	}

	if first.State != line.StateFree {
		t.Fatalf("line 0 state = %v, want StateFree (reclaimed by automatic GC)", first.State)
	}
	if first.VGC != 0 || first.IGC != 0 {
		t.Fatalf("line 0 counters after reclamation = (vgc=%d, igc=%d), want (0, 0)", first.VGC, first.IGC)
	}
	if f.lm.FreeLineCount() != 2 {
		t.Fatalf("FreeLineCount() = %d, want 2 (line 0 freed, overwrite-destination line full, GC-stream line still open)", f.lm.FreeLineCount())
	}

	for i, k := range keys {
		got, err := f.Retrieve([]byte(k))
		if err != nil {
			t.Fatalf("Retrieve(%q) after GC: %v", k, err)
		}
		if i < 14 {
			want := fmt.Sprintf("V%03d", i)
			if string(got) != want {
				t.Fatalf("Retrieve(%q) = %q, want %q", k, got, want)
			}
		} else if len(got) != 0 {
			t.Fatalf("Retrieve(%q) (copied forward by GC) = %q, want empty", k, got)
		}
	}
}

// TestFTL_DirtyCMTEvictionWritesMappingPage covers spec.md §8 scenario 6:
// exceeding MaxCachedTPages forces the CMT to evict its LRU tail, and a
// dirty tail must be written back as a mapping page before the evicted
// chunk's keys are still readable.
func TestFTL_DirtyCMTEvictionWritesMappingPage(t *testing.T) {
	f := newTestFTL(t, config.WithEntriesPerPage(2), config.WithMaxCachedTPages(1), config.WithWBFlushSize(1))

	key1, key2 := findDistinctChunkKeys(t, f)

	if err := f.Store(key1, []byte("AAAA")); err != nil {
		t.Fatalf("Store(key1): %v", err)
	}
	if dirty, _ := f.cmt.Stats(); dirty != 0 {
		t.Fatalf("dirty evictions after first write = %d, want 0", dirty)
	}

	if err := f.Store(key2, []byte("BBBB")); err != nil {
		t.Fatalf("Store(key2): %v", err)
	}
	dirty, _ := f.cmt.Stats()
	if dirty != 1 {
		t.Fatalf("dirty evictions after second write (different chunk) = %d, want 1", dirty)
	}

	got1, err := f.Retrieve(key1)
	if err != nil {
		t.Fatalf("Retrieve(key1) after eviction: %v", err)
	}
	if !bytes.Equal(got1, []byte("AAAA")) {
		t.Fatalf("Retrieve(key1) = %q, want AAAA", got1)
	}
	got2, err := f.Retrieve(key2)
	if err != nil {
		t.Fatalf("Retrieve(key2): %v", err)
	}
	if !bytes.Equal(got2, []byte("BBBB")) {
		t.Fatalf("Retrieve(key2) = %q, want BBBB", got2)
	}
}

// findDistinctChunkKeys brute-forces two generated keys whose first probe
// attempt falls into different CMT chunks (lpa/epp), so storing both in
// sequence against a MaxCachedTPages of 1 is guaranteed to force an
// eviction.
func findDistinctChunkKeys(t *testing.T, f *FTL) (k1, k2 []byte) {
	t.Helper()
	var firstKey string
	var firstChunk uint64
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("cm%d", i)
		lpa := probeLPA(hashKey([]byte(key)), 0, f.nValidEntries)
		chunk := lpa / uint64(f.epp)
		if firstKey == "" {
			firstKey, firstChunk = key, chunk
			continue
		}
		if chunk != firstChunk {
			return []byte(firstKey), []byte(key)
		}
	}
	t.Fatalf("no key pair with distinct CMT chunks found after 1000 candidates")
	return nil, nil
}
