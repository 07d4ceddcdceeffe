package line

import (
	"github.com/pkg/errors"
	"github.com/ryogrid/dftl-kvssd/internal/config"
	"github.com/ryogrid/dftl-kvssd/internal/container"
	"github.com/ryogrid/dftl-kvssd/internal/logging"
	"github.com/ryogrid/dftl-kvssd/internal/oob"
	"github.com/ryogrid/dftl-kvssd/internal/status"
)

var log = logging.Component("line")

// Stream names the three write pointers (spec.md §3).
type Stream int

const (
	UserIO Stream = iota
	MapIO
	GCIO
)

// WritePointer tracks one stream's next write address: current line plus a
// unit/wordline cursor, striping ch -> lun -> next wordline within the
// line (spec.md §4.4).
type WritePointer struct {
	line *Line
	unit uint32
	page uint32
}

// Line returns the stream's current line, or nil if none is open.
func (wp *WritePointer) Line() *Line {
	if wp.line == nil {
		return nil
	}
	return wp.line
}

// Manager owns all lines, the free/full lists, the victim priority queue,
// the three write pointers, and the credit controller — the Go analogue of
// struct line_mgmt + struct write_flow_control, generalized per spec.md
// §4.4 and §4.7.
type Manager struct {
	geo   Geometry
	lines []*Line

	free    *container.List[*Line]
	full    *container.List[*Line]
	victims *container.PQueue[*Line]

	wps [3]WritePointer

	credits         int
	creditsPerFill  int
	grainsPerPage   int
	gcThresLines    uint32
}

// New builds a Manager with cfg.TotalLines() lines, all initially free.
func New(cfg config.Params) *Manager {
	geo := NewGeometry(cfg)
	grainsPerLine := int(cfg.PagesPerLine()) * int(cfg.GrainsPerPage())

	m := &Manager{
		geo:            geo,
		free:           container.NewList[*Line](),
		full:           container.NewList[*Line](),
		victims:        container.NewPQueue[*Line](),
		grainsPerPage:  int(cfg.GrainsPerPage()),
		gcThresLines:   cfg.GCThresLines,
		creditsPerFill: grainsPerLine,
	}

	for id := uint32(0); id < cfg.TotalLines(); id++ {
		l := NewLine(id, grainsPerLine)
		m.lines = append(m.lines, l)
		m.free.PushBack(l)
	}

	m.credits = grainsPerLine // one line's worth of initial credit budget
	return m
}

// Geometry exposes the PPA <-> Addr converter.
func (m *Manager) Geometry() Geometry { return m.geo }

// Line returns the line with the given id.
func (m *Manager) Line(id uint32) *Line { return m.lines[id] }

// FreeLineCount reports the number of lines still on the free list.
func (m *Manager) FreeLineCount() int { return m.free.Len() }

// NeedsGC reports whether the free-line count has dropped to the
// configured threshold (spec.md §4.7's "write_credits <= 0" is the
// immediate trigger; GCThresLines is a BPM-level early-warning analog).
// Neither internal/gc nor internal/ftl calls it: GC runs only when credits
// are exhausted.
func (m *Manager) NeedsGC() bool {
	return uint32(m.free.Len()) <= m.gcThresLines
}

// openNewLine pops a free line and opens it for stream s, returning an
// error wrapping status.Corrupt if none are free (the original's
// "write pointer unable to advance" fatal condition).
func (m *Manager) openNewLine(s Stream) (*Line, error) {
	if m.free.Len() == 0 {
		return nil, errors.Wrap(status.New(status.Corrupt, "no free lines available"), "line.Manager.openNewLine")
	}
	l := m.free.PopFront()
	l.State = StateOpen
	log.WithField("line", l.ID).WithField("stream", s).Debug("opened line")
	return l, nil
}

// PrepareWritePointer ensures stream s has an open line, opening a fresh
// one if needed (mirrors prepare_write_pointer).
func (m *Manager) PrepareWritePointer(s Stream) error {
	wp := &m.wps[s]
	if wp.line != nil && wp.line.State == StateOpen {
		return nil
	}
	l, err := m.openNewLine(s)
	if err != nil {
		return err
	}
	*wp = WritePointer{line: l}
	return nil
}

// NextPageAddr returns the PPA the write pointer for s currently points to,
// without advancing it (callers read it, write the page, then call
// AdvanceWritePointer).
func (m *Manager) NextPageAddr(s Stream) (PPA, error) {
	if err := m.PrepareWritePointer(s); err != nil {
		return 0, err
	}
	wp := &m.wps[s]
	ch, lun, plane := m.geo.unitAt(wp.unit)
	return m.geo.Compose(Addr{Channel: ch, LUN: lun, Plane: plane, Block: wp.line.ID, Page: wp.page}), nil
}

// AdvanceWritePointer moves stream s's cursor by one page, striping
// ch -> lun -> next wordline; when a line's wordlines are exhausted, the
// line transitions open -> full (if igc == 0) and a new line is opened on
// the next PrepareWritePointer call (spec.md §4.4).
func (m *Manager) AdvanceWritePointer(s Stream) error {
	wp := &m.wps[s]
	if wp.line == nil {
		return errors.Wrap(status.New(status.Corrupt, "advance on unopened write pointer"), "line.Manager.AdvanceWritePointer")
	}

	wp.unit++
	if wp.unit >= m.geo.Units() {
		wp.unit = 0
		wp.page++
	}

	if wp.page >= m.geo.PagesPerBlock() {
		cur := wp.line
		if cur.State == StateOpen {
			if cur.IGC == 0 {
				// demand_ftl.c:287-300 routes a fully-valid full line only
				// into the full list: it has nothing to reclaim yet, so it
				// must never enter the victim queue.
				cur.State = StateFull
				m.full.PushBack(cur)
			} else {
				cur.State = StateVictim
				m.victims.Push(cur)
			}
		}
		wp.line = nil
		wp.unit, wp.page = 0, 0
	}
	return nil
}

// MarkGrainValid marks one grain of ppa valid in oobTable and the owning
// line's VGC counter (mark_grain_valid).
func (m *Manager) MarkGrainValid(oobTable *oob.Table, ppa PPA, offset uint32) {
	oobTable.SetGrainValid(uint64(ppa), offset)
	m.lineOf(ppa).MarkGrainValid()
}

// MarkGrainInvalid marks one grain of ppa invalid, updates the owning
// line's counters, and — if the line is already a victim candidate in the
// priority queue — re-sifts it via ChangePriority, preserving heap order
// exactly as spec.md §4.4 requires (mark_grain_invalid +
// pqueue_change_priority).
func (m *Manager) MarkGrainInvalid(oobTable *oob.Table, ppa PPA, offset uint32) {
	if !oobTable.IsGrainValid(uint64(ppa), offset) {
		return
	}
	oobTable.SetGrainInvalid(uint64(ppa), offset)
	l := m.lineOf(ppa)
	alreadyQueued := l.pos >= 0
	l.MarkGrainInvalid()
	switch {
	case alreadyQueued:
		m.victims.ChangePriority(l)
	case l.State == StateVictim:
		m.victims.Push(l)
	}
}

func (m *Manager) lineOf(ppa PPA) *Line {
	addr := m.geo.Decompose(ppa)
	return m.lines[addr.Block]
}

// HasVictim reports whether the victim priority queue holds at least one
// line eligible for non-force GC selection. Since the queue is a min-heap
// on VGC and Line.EligibleForGC is monotonic in VGC, checking only the
// queue's minimum (select_victim_line's non-force `vpc > pgs_per_line/8`
// guard, spec.md §4.6 step 1) is sufficient: if it isn't eligible, nothing
// behind it is either.
func (m *Manager) HasVictim() bool {
	return m.victims.Len() > 0 && m.victims.Peek().EligibleForGC()
}

// PopVictim removes and returns the line with the smallest VGC (the GC
// target), per the min-heap-on-vgc semantics fixed in SPEC_FULL.md §9.
// Callers must check HasVictim first.
func (m *Manager) PopVictim() *Line { return m.victims.Pop() }

// FreeLine returns line to the free pool with reset counters after GC
// erases its blocks, refilling credits by creditsToRefill (spec.md §4.6
// step 6, §4.7).
func (m *Manager) FreeLine(l *Line, creditsToRefill int) {
	l.Reset()
	m.free.PushBack(l)
	m.credits += creditsToRefill
	log.WithField("line", l.ID).WithField("refill", creditsToRefill).Debug("line freed, credits refilled")
}

// ConsumeCredits charges n grains' worth of write credit.
func (m *Manager) ConsumeCredits(n int) { m.credits -= n }

// Credits reports the current write-credit balance.
func (m *Manager) Credits() int { return m.credits }

// CreditsExhausted reports whether a GC cycle must run before further
// writes are admitted (spec.md §4.7).
func (m *Manager) CreditsExhausted() bool { return m.credits <= 0 }
