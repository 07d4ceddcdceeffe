// Package config holds the D-FTL's compile-time tunables as runtime
// parameters, constructed via functional options the way the teacher builds
// a BufMgr from a handful of constructor arguments (NewBufMgr(bits uint8,
// nodeMax uint, pbm interfaces.ParentBufMgr, ...)), and optionally loaded
// from YAML for the cmd/dftlctl entry point.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// GCMode selects the garbage-collection invalidation bookkeeping strategy.
type GCMode int

const (
	// GCStandard invalidates in place via the grain bitmap and line
	// counters only; GC rediscovers valid grains by scanning OOB.
	GCStandard GCMode = iota
	// GCLogStructured names the original's invalid-mapping-log mode
	// (original_source/demand/rw.c's _record_inv_mapping under
	// #ifndef GC_STANDARD). It is accepted as a value but has no effect:
	// no invalid-mapping log is kept, and GC always scans OOB as in
	// GCStandard.
	GCLogStructured
)

// Params collects the FTL's tunables. Defaults mirror the original's
// ssd_config.h-style constants for a small simulated device.
type Params struct {
	// PageSize is the flash page size in bytes.
	PageSize uint32 `yaml:"page_size"`
	// GrainSize is the smallest allocation unit in bytes.
	GrainSize uint32 `yaml:"grain_size"`
	// EntriesPerPage is the number of translation-table entries packed
	// into one mapping page (EPP).
	EntriesPerPage uint32 `yaml:"entries_per_page"`

	// Channels, LUNs, PlanesPerLUN, BlocksPerPlane, PagesPerBlock describe
	// flash geometry used to decompose/compose a PPA.
	Channels       uint32 `yaml:"channels"`
	LUNs           uint32 `yaml:"luns"`
	PlanesPerLUN   uint32 `yaml:"planes_per_lun"`
	BlocksPerPlane uint32 `yaml:"blocks_per_plane"`
	PagesPerBlock  uint32 `yaml:"pages_per_block"`

	// BlocksPerSegment (BPS) is the number of blocks a BPM segment spans,
	// one per parallel unit.
	BlocksPerSegment uint32 `yaml:"blocks_per_segment"`

	// WBFlushSize bounds the write buffer before a flush is forced.
	WBFlushSize uint32 `yaml:"wb_flush_size"`
	// MaxHashCollision bounds the probe-retry loop on both read and write.
	MaxHashCollision uint32 `yaml:"max_hash_collision"`
	// GCThresLines is the free-line count below which GC becomes eligible.
	GCThresLines uint32 `yaml:"gc_thres_lines"`
	// OPAreaPercent is the over-provisioning ratio reserved from the
	// logical capacity presented to the host.
	OPAreaPercent float64 `yaml:"op_area_percent"`

	// MaxCachedTPages bounds the CMT's resident translation-page count.
	MaxCachedTPages uint32 `yaml:"max_cached_tpages"`

	// StoreKeyFP enables storing a key fingerprint alongside the PPA in
	// each page table entry (STORE_KEY_FP).
	StoreKeyFP bool `yaml:"store_key_fp"`
	// GCMode selects invalidation bookkeeping, see GCMode.
	GCMode GCMode `yaml:"gc_mode"`

	// BackingFile, if set, selects a directio-backed BackingStore over a
	// real file instead of the default in-memory one.
	BackingFile string `yaml:"backing_file"`
	// LogLevel is passed to internal/logging.Init.
	LogLevel string `yaml:"log_level"`
}

// Option mutates a Params during construction.
type Option func(*Params)

// mappingPTEWireSize mirrors internal/ftl's pteWireSize (an 8-byte PGA plus
// a 4-byte fingerprint per translation-page entry): EntriesPerPage must
// never exceed what PageSize bytes can hold, or encodeMappingPage silently
// drops the tail entries and decodeMappingPage reads them back as
// InvalidPPA (data loss on CMT eviction/reload).
const mappingPTEWireSize = 12

// clampEntriesPerPage caps EntriesPerPage so EntriesPerPage*mappingPTEWireSize
// never exceeds PageSize.
func clampEntriesPerPage(p *Params) {
	if p.PageSize == 0 {
		return
	}
	if max := p.PageSize / mappingPTEWireSize; p.EntriesPerPage > max {
		p.EntriesPerPage = max
	}
}

// Default returns the baseline parameter set used by tests and by
// cmd/dftlctl absent an explicit config file: 4 KiB pages, 1 KiB grains (4
// grains/page), 341 entries/page, a small 4x2 channel/LUN geometry.
func Default() Params {
	return Params{
		PageSize:         4096,
		GrainSize:        1024,
		EntriesPerPage:   4096 / mappingPTEWireSize, // 341: largest EPP that fits one page of PTEs
		Channels:         4,
		LUNs:             2,
		PlanesPerLUN:     1,
		BlocksPerPlane:   32,
		PagesPerBlock:    256,
		BlocksPerSegment: 8, // Channels * LUNs
		WBFlushSize:      64,
		MaxHashCollision: 8,
		GCThresLines:     2,
		OPAreaPercent:    0.1,
		MaxCachedTPages:  32,
		StoreKeyFP:       true,
		GCMode:           GCStandard,
		LogLevel:         "info",
	}
}

// New builds Params from Default() with opts applied in order.
func New(opts ...Option) Params {
	p := Default()
	for _, opt := range opts {
		opt(&p)
	}
	clampEntriesPerPage(&p)
	return p
}

func WithGrainsPerPage(grains uint32) Option {
	return func(p *Params) { p.GrainSize = p.PageSize / grains }
}

func WithEntriesPerPage(epp uint32) Option { return func(p *Params) { p.EntriesPerPage = epp } }

func WithGeometry(channels, luns, planes, blocks, pages uint32) Option {
	return func(p *Params) {
		p.Channels, p.LUNs, p.PlanesPerLUN = channels, luns, planes
		p.BlocksPerPlane, p.PagesPerBlock = blocks, pages
		p.BlocksPerSegment = channels * luns * planes
	}
}

func WithWBFlushSize(n uint32) Option { return func(p *Params) { p.WBFlushSize = n } }

func WithMaxCachedTPages(n uint32) Option { return func(p *Params) { p.MaxCachedTPages = n } }

func WithGCMode(m GCMode) Option { return func(p *Params) { p.GCMode = m } }

func WithBackingFile(path string) Option { return func(p *Params) { p.BackingFile = path } }

// GrainsPerPage derives GRAIN_PER_PAGE from PageSize/GrainSize.
func (p Params) GrainsPerPage() uint32 { return p.PageSize / p.GrainSize }

// PagesPerLine derives the page count of one line: a line spans one block
// per parallel unit (channel x LUN x plane), PagesPerBlock pages each, so
// its total grain capacity is Units()*PagesPerBlock pages' worth of grains,
// not one block's.
func (p Params) PagesPerLine() uint32 {
	return (p.Channels * p.LUNs * p.PlanesPerLUN) * p.PagesPerBlock
}

// TotalLines is the number of super-blocks the geometry yields.
func (p Params) TotalLines() uint32 { return p.BlocksPerPlane }

// Load reads a YAML config file into a Params seeded from Default().
func Load(path string) (Params, error) {
	p := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, err
	}
	clampEntriesPerPage(&p)
	return p, nil
}
