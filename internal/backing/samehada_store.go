package backing

import (
	"github.com/pkg/errors"
	sdbbuffer "github.com/ryogrid/SamehadaDB/lib/storage/buffer"
	sdbdisk "github.com/ryogrid/SamehadaDB/lib/storage/disk"
	sdbtypes "github.com/ryogrid/SamehadaDB/lib/types"
)

// pagedBufMgr is the capability set this adapter needs from a SamehadaDB
// buffer pool manager, named after the teacher's own
// storage/buffer/parent_bufmgr_impl.go (FetchPPage/NewPPage/UnpinPPage),
// generalized from "B-tree page" to "flash page".
type pagedBufMgr interface {
	FetchPage(pageID sdbtypes.PageID) *sdbbuffer.Page
	NewPage() *sdbbuffer.Page
	UnpinPage(pageID sdbtypes.PageID, isDirty bool) error
}

// SamehadaStore is a Store backed by a SamehadaDB buffer-pool-managed heap
// file: instead of a flat byte slice (MemStore) or a raw O_DIRECT file
// (DirectStore), each flash page is one buffer-pool page, pinned for the
// duration of the read/write and then unpinned — the same fetch/copy/unpin
// shape as the teacher's BufMgr.PageIn/PageOut, generalized to the FTL's
// PPA address space instead of B-tree page IDs.
//
// PPA-to-PageID is the identity mapping: the FTL's PPA space and the
// buffer pool's PageID space are both dense linear indices starting at 0,
// so no translation table is needed beyond a type conversion.
type SamehadaStore struct {
	bpm      pagedBufMgr
	pageSize uint32
}

// NewSamehadaStore opens path as a disk-manager-backed heap file of
// totalPages pages, sized for a buffer pool of poolSize frames.
func NewSamehadaStore(path string, poolSize int, totalPages uint64, pageSize uint32) (*SamehadaStore, error) {
	dm, err := sdbdisk.NewDiskManagerImpl(path)
	if err != nil {
		return nil, errors.Wrap(err, "backing.NewSamehadaStore: disk manager")
	}
	bpm := sdbbuffer.NewBufferPoolManager(uint32(poolSize), dm)
	return &SamehadaStore{bpm: bpm, pageSize: pageSize}, nil
}

// ReadPage implements Store.
func (s *SamehadaStore) ReadPage(ppa uint64, buf []byte) error {
	p := s.bpm.FetchPage(sdbtypes.PageID(ppa))
	if p == nil {
		return errors.Errorf("backing.SamehadaStore.ReadPage: ppa %d not found", ppa)
	}
	copy(buf, p.Data()[:])
	return errors.Wrap(s.bpm.UnpinPage(sdbtypes.PageID(ppa), false), "backing.SamehadaStore.ReadPage: unpin")
}

// WritePage implements Store.
func (s *SamehadaStore) WritePage(ppa uint64, buf []byte) error {
	p := s.bpm.FetchPage(sdbtypes.PageID(ppa))
	if p == nil {
		p = s.bpm.NewPage()
	}
	copy(p.Data()[:], buf)
	return errors.Wrap(s.bpm.UnpinPage(sdbtypes.PageID(ppa), true), "backing.SamehadaStore.WritePage: unpin")
}

// PageSize implements Store.
func (s *SamehadaStore) PageSize() uint32 { return s.pageSize }

// Close is a no-op: SamehadaDB's disk manager has no explicit lifecycle
// hook surfaced through this narrow adapter.
func (s *SamehadaStore) Close() error { return nil }
