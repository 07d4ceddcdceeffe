// Package line implements the line manager, write pointers, and the
// credit-based admission controller (spec.md §4.4 and §4.7), grounded on
// original_source/demand_ftl.c's line/write_pointer/write_flow_control
// structs and original_source/demand/rw.c's ppa_to_struct.
package line

import "github.com/ryogrid/dftl-kvssd/internal/config"

// PPA is a linear physical page address.
type PPA uint64

// Addr is a decomposed physical address: channel/LUN/plane/block/page.
type Addr struct {
	Channel uint32
	LUN     uint32
	Plane   uint32
	Block   uint32
	Page    uint32
}

// Geometry derives page counts per unit from config.Params and converts
// between linear PPAs and decomposed Addrs.
//
// original_source/demand/rw.c's ppa_to_struct contains a confirmed bug,
// `ch = (ppa_ / pgs_per_ch) % pgs_per_ch` where the modulus should be
// `% nchs` (spec.md §9). Compose/Decompose below implement the
// geometrically correct decomposition; TestGeometry_RoundTrip in
// geometry_test.go is the round-trip property spec.md §9 calls for.
type Geometry struct {
	p config.Params

	pagesPerChannel uint64
	pagesPerLUN     uint64
	pagesPerPlane   uint64
	pagesPerBlock   uint64
}

// NewGeometry derives all per-unit page counts once from p.
func NewGeometry(p config.Params) Geometry {
	pagesPerBlock := uint64(p.PagesPerBlock)
	pagesPerPlane := pagesPerBlock * uint64(p.BlocksPerPlane)
	pagesPerLUN := pagesPerPlane * uint64(p.PlanesPerLUN)
	pagesPerChannel := pagesPerLUN * uint64(p.LUNs)
	return Geometry{
		p:               p,
		pagesPerChannel: pagesPerChannel,
		pagesPerLUN:     pagesPerLUN,
		pagesPerPlane:   pagesPerPlane,
		pagesPerBlock:   pagesPerBlock,
	}
}

// TotalPages is the device's total page count.
func (g Geometry) TotalPages() uint64 {
	return g.pagesPerChannel * uint64(g.p.Channels)
}

// Decompose converts a linear PPA into its channel/LUN/plane/block/page
// components.
func (g Geometry) Decompose(ppa PPA) Addr {
	rem := uint64(ppa)
	ch := rem / g.pagesPerChannel
	rem %= g.pagesPerChannel
	lun := rem / g.pagesPerLUN
	rem %= g.pagesPerLUN
	plane := rem / g.pagesPerPlane
	rem %= g.pagesPerPlane
	block := rem / g.pagesPerBlock
	page := rem % g.pagesPerBlock

	return Addr{
		Channel: uint32(ch),
		LUN:     uint32(lun),
		Plane:   uint32(plane),
		Block:   uint32(block),
		Page:    uint32(page),
	}
}

// Compose converts a decomposed Addr back into a linear PPA.
func (g Geometry) Compose(a Addr) PPA {
	linear := uint64(a.Channel)*g.pagesPerChannel +
		uint64(a.LUN)*g.pagesPerLUN +
		uint64(a.Plane)*g.pagesPerPlane +
		uint64(a.Block)*g.pagesPerBlock +
		uint64(a.Page)
	return PPA(linear)
}

// Units is the number of parallel units (channel x LUN x plane) a line
// stripes across — one block per unit.
func (g Geometry) Units() uint32 {
	return g.p.Channels * g.p.LUNs * g.p.PlanesPerLUN
}

// unitIndex linearizes (channel, lun, plane) with channel varying fastest,
// matching the striping order from spec.md §4.4: "pg-within-wordline ->
// ch -> lun -> next wordline".
func (g Geometry) unitIndex(ch, lun, plane uint32) uint32 {
	return plane*(g.p.LUNs*g.p.Channels) + lun*g.p.Channels + ch
}

// unitAt is the inverse of unitIndex.
func (g Geometry) unitAt(idx uint32) (ch, lun, plane uint32) {
	ch = idx % g.p.Channels
	rest := idx / g.p.Channels
	lun = rest % g.p.LUNs
	plane = rest / g.p.LUNs
	return
}

// UnitAt is the exported form of unitAt, for callers outside this package
// that need to enumerate every parallel unit a line stripes across (e.g.
// internal/gc scanning a victim line page by page).
func (g Geometry) UnitAt(idx uint32) (ch, lun, plane uint32) { return g.unitAt(idx) }

// PagesPerBlock is the wordline count of one block.
func (g Geometry) PagesPerBlock() uint32 { return g.p.PagesPerBlock }
