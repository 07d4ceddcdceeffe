package backing

import (
	"os"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// DirectStore is a Store backed by a real file opened with O_DIRECT via
// ncw/directio, for a flash image that should bypass the page cache the
// way a real block device would. Reads and writes go through
// directio.AlignedBlock-allocated buffers sized to the device page size,
// since O_DIRECT requires aligned, page-sized I/O.
type DirectStore struct {
	f        *os.File
	pageSize uint32
}

// NewDirectStore opens (creating if needed) path as an O_DIRECT flash
// image sized totalPages*pageSize bytes. pageSize must already be a
// multiple of directio.AlignSize for O_DIRECT to accept the I/O.
func NewDirectStore(path string, totalPages uint64, pageSize uint32) (*DirectStore, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "backing.NewDirectStore: open")
	}
	size := int64(totalPages) * int64(pageSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "backing.NewDirectStore: truncate")
	}
	return &DirectStore{f: f, pageSize: pageSize}, nil
}

// ReadPage implements Store.
func (d *DirectStore) ReadPage(ppa uint64, buf []byte) error {
	block := directio.AlignedBlock(int(d.pageSize))
	if _, err := d.f.ReadAt(block, int64(ppa)*int64(d.pageSize)); err != nil {
		return errors.Wrap(err, "backing.DirectStore.ReadPage")
	}
	copy(buf, block)
	return nil
}

// WritePage implements Store.
func (d *DirectStore) WritePage(ppa uint64, buf []byte) error {
	block := directio.AlignedBlock(int(d.pageSize))
	copy(block, buf)
	if _, err := d.f.WriteAt(block, int64(ppa)*int64(d.pageSize)); err != nil {
		return errors.Wrap(err, "backing.DirectStore.WritePage")
	}
	return nil
}

// PageSize implements Store.
func (d *DirectStore) PageSize() uint32 { return d.pageSize }

// Close implements Store.
func (d *DirectStore) Close() error { return d.f.Close() }
