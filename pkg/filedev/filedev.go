package filedev

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/outofforest/ftl/blocks"
)

// ErrLocked is returned if the image is already opened by another owner.
var ErrLocked = errors.New("image is locked by another owner")

// FileDev uses file as a NAND image. Pages, including spare area, are stored one after another.
type FileDev struct {
	file     *os.File
	geometry blocks.Geometry
	erased   []byte
}

// Create creates new image filled with erased pages.
func Create(path string, geometry blocks.Geometry) (*FileDev, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fd, err := newDev(file, geometry)
	if err != nil {
		return nil, err
	}

	blockSize := geometry.PagesPerBlock * geometry.PageSize()
	for block := 0; block < geometry.Blocks; block++ {
		if _, err := file.WriteAt(fd.erased, int64(block*blockSize)); err != nil {
			_ = fd.Close()
			return nil, errors.WithStack(err)
		}
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return nil, err
	}
	return fd, nil
}

// Open opens existing image.
func Open(path string, geometry blocks.Geometry) (*FileDev, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fd, err := newDev(file, geometry)
	if err != nil {
		return nil, err
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = fd.Close()
		return nil, errors.WithStack(err)
	}
	if expected := int64(geometry.Pages() * geometry.PageSize()); size != expected {
		_ = fd.Close()
		return nil, errors.Errorf("image size %d does not match geometry, expected: %d", size, expected)
	}
	return fd, nil
}

func newDev(file *os.File, geometry blocks.Geometry) (*FileDev, error) {
	if err := lock(file); err != nil {
		_ = file.Close()
		return nil, err
	}

	erased := make([]byte, geometry.PagesPerBlock*geometry.PageSize())
	for i := range erased {
		erased[i] = 0xFF
	}
	return &FileDev{
		file:     file,
		geometry: geometry,
		erased:   erased,
	}, nil
}

// Geometry returns the geometry of the image.
func (fd *FileDev) Geometry() blocks.Geometry {
	return fd.geometry
}

// Init initializes the device.
func (fd *FileDev) Init() error {
	return nil
}

// ReadPage reads data from the page.
func (fd *FileDev) ReadPage(page blocks.PageIndex, offset int, p []byte) error {
	start, err := fd.offset(page, offset, len(p))
	if err != nil {
		return err
	}
	if _, err := fd.file.ReadAt(p, start); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// WritePage programs data to the page. Like on NAND, programming is able to clear bits only.
func (fd *FileDev) WritePage(page blocks.PageIndex, offset int, p []byte) error {
	start, err := fd.offset(page, offset, len(p))
	if err != nil {
		return err
	}

	current := make([]byte, len(p))
	if _, err := fd.file.ReadAt(current, start); err != nil {
		return errors.WithStack(err)
	}
	for i, b := range p {
		current[i] &= b
	}
	if _, err := fd.file.WriteAt(current, start); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// EraseBlock erases the block.
func (fd *FileDev) EraseBlock(block blocks.BlockIndex) error {
	if int(block) >= fd.geometry.Blocks {
		return errors.Errorf("invalid block: %d", block)
	}
	if _, err := fd.file.WriteAt(fd.erased, int64(int(block)*len(fd.erased))); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Sync syncs data to the file.
func (fd *FileDev) Sync() error {
	if err := fd.file.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Close syncs data, releases the lock and closes the file.
func (fd *FileDev) Close() error {
	syncErr := fd.file.Sync()
	unlockErr := unlock(fd.file)
	if err := fd.file.Close(); err != nil {
		return errors.WithStack(err)
	}
	if syncErr != nil {
		return errors.WithStack(syncErr)
	}
	return unlockErr
}

func (fd *FileDev) offset(page blocks.PageIndex, offset, size int) (int64, error) {
	if int(page) >= fd.geometry.Pages() {
		return 0, errors.Errorf("invalid page: %d", page)
	}
	if offset < 0 || offset+size > fd.geometry.PageSize() {
		return 0, errors.Errorf("invalid range: offset %d, size %d", offset, size)
	}
	return int64(page)*int64(fd.geometry.PageSize()) + int64(offset), nil
}
