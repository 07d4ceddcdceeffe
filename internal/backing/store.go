// Package backing implements the narrow BackingStore interface that stands
// in for the out-of-scope memory-mapped flash image (spec.md §1, §6): a
// flat address space of tt_pgs*pgsz bytes that the FTL reads and writes a
// page at a time. Three implementations are provided, all grounded on the
// teacher's own storage adapters and on dependencies declared across the
// retrieval pack: an in-memory store for tests and the CLI demo
// (github.com/dsnet/golib/memfile), an O_DIRECT file-backed store for a
// real flash image (github.com/ncw/directio), and a buffer-pool-managed
// store reusing the teacher's ParentBufMgr/ParentPage adapter shape
// (github.com/ryogrid/SamehadaDB/lib), in samehada_store.go.
package backing

import (
	"fmt"

	"github.com/dsnet/golib/memfile"
	"github.com/pkg/errors"
)

// Store is the interface the FTL depends on for byte-level access to the
// flash image; it replaces the original's raw `void *mapped_addr` pointer
// arithmetic with page-granular reads and writes.
type Store interface {
	// ReadPage copies one page's worth of bytes at ppa into buf.
	ReadPage(ppa uint64, buf []byte) error
	// WritePage copies buf (one page's worth of bytes) to ppa.
	WritePage(ppa uint64, buf []byte) error
	// PageSize reports the configured page size in bytes.
	PageSize() uint32
	// Close releases any underlying resources.
	Close() error
}

// MemStore is an in-memory Store backed by memfile.File, a byte-slice that
// satisfies io.ReaderAt/io.WriterAt without touching a real filesystem —
// the default store for tests and for cmd/dftlctl.
type MemStore struct {
	f        *memfile.File
	pageSize uint32
}

// NewMemStore allocates an in-memory flash image of totalPages*pageSize
// bytes.
func NewMemStore(totalPages uint64, pageSize uint32) *MemStore {
	buf := make([]byte, totalPages*uint64(pageSize))
	return &MemStore{f: memfile.New(buf), pageSize: pageSize}
}

func (m *MemStore) checkLen(buf []byte) error {
	if uint32(len(buf)) != m.pageSize {
		return fmt.Errorf("backing: buffer length %d does not match page size %d", len(buf), m.pageSize)
	}
	return nil
}

// ReadPage implements Store.
func (m *MemStore) ReadPage(ppa uint64, buf []byte) error {
	if err := m.checkLen(buf); err != nil {
		return err
	}
	_, err := m.f.ReadAt(buf, int64(ppa)*int64(m.pageSize))
	return errors.Wrap(err, "backing.MemStore.ReadPage")
}

// WritePage implements Store.
func (m *MemStore) WritePage(ppa uint64, buf []byte) error {
	if err := m.checkLen(buf); err != nil {
		return err
	}
	_, err := m.f.WriteAt(buf, int64(ppa)*int64(m.pageSize))
	return errors.Wrap(err, "backing.MemStore.WritePage")
}

// PageSize implements Store.
func (m *MemStore) PageSize() uint32 { return m.pageSize }

// Close implements Store.
func (m *MemStore) Close() error { return m.f.Close() }
