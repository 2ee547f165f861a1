package persistence

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/ftl/blocks"
)

// Dev is the interface required from the NAND device.
type Dev interface {
	// Init brings the device up. It must be idempotent.
	Init() error

	// ReadPage reads len(p) bytes starting at offset within the page. Data and spare form one contiguous region.
	ReadPage(page blocks.PageIndex, offset int, p []byte) error

	// WritePage programs len(p) bytes at offset within the page. Page must be erased before it is programmed.
	WritePage(page blocks.PageIndex, offset int, p []byte) error

	// EraseBlock erases all the pages of the block.
	EraseBlock(block blocks.BlockIndex) error

	// Geometry returns the geometry of the device.
	Geometry() blocks.Geometry
}

// ErrOutOfRange is returned if address or buffer exceeds the device geometry.
var ErrOutOfRange = errors.New("address out of range")

// DeviceError is returned when device primitive fails.
type DeviceError struct {
	Op    string
	Page  blocks.PageIndex
	Block blocks.BlockIndex
	Err   error
}

func (e *DeviceError) Error() string {
	if e.Op == opErase {
		return fmt.Sprintf("%s of block %d failed: %s", e.Op, e.Block, e.Err)
	}
	return fmt.Sprintf("%s of page %d failed: %s", e.Op, e.Page, e.Err)
}

// Unwrap returns the error reported by the device.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

const (
	opRead    = "read"
	opProgram = "program"
	opErase   = "erase"
)

// Store represents the NAND device with validated access.
type Store struct {
	dev      Dev
	geometry blocks.Geometry
}

// OpenStore opens the store on top of device.
func OpenStore(dev Dev) (*Store, error) {
	geometry := dev.Geometry()
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	if err := dev.Init(); err != nil {
		return nil, errors.Wrap(err, "device initialization failed")
	}

	return &Store{
		dev:      dev,
		geometry: geometry,
	}, nil
}

// Geometry returns the geometry of the device.
func (s *Store) Geometry() blocks.Geometry {
	return s.geometry
}

// ReadPage reads raw bytes from the addressed page.
func (s *Store) ReadPage(page blocks.PageIndex, offset int, p []byte) error {
	if err := s.validate(page, offset, len(p)); err != nil {
		return err
	}
	if err := s.dev.ReadPage(page, offset, p); err != nil {
		return errors.WithStack(&DeviceError{Op: opRead, Page: page, Err: err})
	}
	return nil
}

// WritePage programs raw bytes to the addressed page.
func (s *Store) WritePage(page blocks.PageIndex, offset int, p []byte) error {
	if err := s.validate(page, offset, len(p)); err != nil {
		return err
	}
	if err := s.dev.WritePage(page, offset, p); err != nil {
		return errors.WithStack(&DeviceError{Op: opProgram, Page: page, Err: err})
	}
	return nil
}

// EraseBlock erases the block.
func (s *Store) EraseBlock(block blocks.BlockIndex) error {
	if int(block) >= s.geometry.Blocks {
		return errors.Wrapf(ErrOutOfRange, "block %d", block)
	}
	if err := s.dev.EraseBlock(block); err != nil {
		return errors.WithStack(&DeviceError{Op: opErase, Block: block, Err: err})
	}
	return nil
}

// ReadSpare reads the metadata stored in the spare area of the page.
func (s *Store) ReadSpare(page blocks.PageIndex) (blocks.Spare, error) {
	var b [blocks.SpareHeaderSize]byte
	if err := s.ReadPage(page, s.geometry.PageDataSize, b[:]); err != nil {
		return blocks.Spare{}, err
	}
	return blocks.DecodeSpare(b[:])
}

// ReadData reads the data region of the page and the programmed spare bytes into p.
// Len of p must be PageDataSize + WrittenSpareSize.
func (s *Store) ReadData(page blocks.PageIndex, p []byte) (blocks.Spare, error) {
	if len(p) != s.geometry.PageDataSize+blocks.WrittenSpareSize {
		return blocks.Spare{}, errors.Errorf("invalid size of output buffer: %d", len(p))
	}
	if err := s.ReadPage(page, 0, p); err != nil {
		return blocks.Spare{}, err
	}

	var b [blocks.SpareHeaderSize]byte
	copy(b[:], p[s.geometry.PageDataSize:])
	return blocks.DecodeSpare(b[:])
}

// ProgramSpareByte programs single byte in the spare area of the page.
func (s *Store) ProgramSpareByte(page blocks.PageIndex, offset int, value byte) error {
	return s.WritePage(page, s.geometry.PageDataSize+offset, []byte{value})
}

// MarkHead stores the head-of-log marker in the first page of the block.
func (s *Store) MarkHead(block blocks.BlockIndex) error {
	if int(block) >= s.geometry.Blocks {
		return errors.Wrapf(ErrOutOfRange, "block %d", block)
	}
	return s.ProgramSpareByte(s.geometry.FirstPage(block), blocks.HeadMarkerOffset, blocks.HeadMarker)
}

func (s *Store) validate(page blocks.PageIndex, offset, size int) error {
	if int(page) >= s.geometry.Pages() {
		return errors.Wrapf(ErrOutOfRange, "page %d", page)
	}
	if offset < 0 || size == 0 || offset+size > s.geometry.PageSize() {
		return errors.Wrapf(ErrOutOfRange, "page %d, offset %d, size %d", page, offset, size)
	}
	return nil
}
