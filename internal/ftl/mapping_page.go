package ftl

import (
	"encoding/binary"

	"github.com/ryogrid/dftl-kvssd/internal/cmt"
)

// pteWireSize is one page-table entry's on-flash size: an 8-byte PGA plus
// a 4-byte fingerprint (spec.md §6's "translation page" layout, `EPP`
// entries of `(ppa: u32, fp: u32)` generalized to a 64-bit PGA since our
// packGrain folds the grain offset into the PPA field itself). Must match
// internal/config's mappingPTEWireSize, which clamps EntriesPerPage so
// EPP*pteWireSize never exceeds PageSize.
const pteWireSize = 12

// encodeMappingPage serializes epp page-table entries into a pageSize-byte
// buffer, zero-padding unused entries to InvalidPPA.
func encodeMappingPage(pt []cmt.PTE, epp uint32, pageSize uint32) []byte {
	buf := make([]byte, pageSize)
	for i := uint32(0); i < epp; i++ {
		off := i * pteWireSize
		if int(off)+pteWireSize > len(buf) {
			break
		}
		ppa := cmt.InvalidPPA
		var fp uint32
		if int(i) < len(pt) {
			ppa = pt[i].PPA
			fp = pt[i].KeyFP
		}
		binary.LittleEndian.PutUint64(buf[off:], ppa)
		binary.LittleEndian.PutUint32(buf[off+8:], fp)
	}
	return buf
}

// decodeMappingPage is encodeMappingPage's inverse.
func decodeMappingPage(buf []byte, epp uint32) []cmt.PTE {
	pt := make([]cmt.PTE, epp)
	for i := uint32(0); i < epp; i++ {
		off := i * pteWireSize
		if int(off)+pteWireSize > len(buf) {
			pt[i] = cmt.PTE{PPA: cmt.InvalidPPA}
			continue
		}
		pt[i] = cmt.PTE{
			PPA:   binary.LittleEndian.Uint64(buf[off:]),
			KeyFP: binary.LittleEndian.Uint32(buf[off+8:]),
		}
	}
	return pt
}
