package ftl

import (
	"github.com/OneOfOne/xxhash"
	"github.com/ryogrid/dftl-kvssd/internal/line"
)

// hashKey computes the base hash a key's LPA probe sequence is derived
// from, the way xmysql-server's util.HashCode wraps OneOfOne/xxhash for
// its own key hashing.
func hashKey(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// fingerprintKey derives the short key_fp stored alongside a PTE
// (spec.md §3): a second, independent hash so a PTE fingerprint mismatch
// can reject a differing key without a full data read.
func fingerprintKey(key []byte) uint32 {
	h := xxhash.New32()
	h.Write(key)
	return h.Sum32()
}

// goldenRatio64 is the odd multiplier used to decorrelate successive probe
// attempts from the base hash (a standard Fibonacci-hashing constant).
const goldenRatio64 = 0x9E3779B97F4A7C15

// probeLPA implements spec.md §3's double-hashing probe sequence:
// `LPA = (probe(hash, try_cnt) mod (N_valid_entries - 1)) + 1`, with the
// reserved sentinel value 2 skipped by construction (LPA 0 is already
// excluded by the "+1").
func probeLPA(hash uint64, tryCnt uint32, nValidEntries uint64) uint64 {
	probe := hash + uint64(tryCnt)*goldenRatio64
	lpa := probe%(nValidEntries-1) + 1
	if lpa == 2 {
		lpa = nValidEntries - 1 // wrap to the space's far end, still in [1, N)
		if lpa == 2 {
			lpa = 1
		}
	}
	return lpa
}

// packGrain combines a physical page address and grain offset into the
// single PGA value CMT PTEs store, the Go form of "offset packed into a
// PPA" (spec.md §3).
func packGrain(ppa line.PPA, offset uint32, grainsPerPage uint32) uint64 {
	return uint64(ppa)*uint64(grainsPerPage) + uint64(offset)
}

// unpackGrain is packGrain's inverse.
func unpackGrain(pga uint64, grainsPerPage uint32) (line.PPA, uint32) {
	return line.PPA(pga / uint64(grainsPerPage)), uint32(pga % uint64(grainsPerPage))
}
