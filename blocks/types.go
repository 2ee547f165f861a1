package blocks

import (
	"github.com/pkg/errors"
)

const (
	// NoPage is the page index meaning "sector is not mapped". It is never used as a live page index.
	NoPage PageIndex = 0xFFFF

	// MaxPages is the maximum number of pages the geometry may define. Page indexes are stored on 16 bits.
	MaxPages = 0x10000

	// MaxSector is the highest sector number which can be encoded in a tag.
	MaxSector Sector = 0xFFFD

	// MinSpareSize is the minimum spare area required to hold the metadata and the bad block probe byte.
	MinSpareSize = 7
)

// PageIndex is the index of the page on the device: block * pagesPerBlock + offset in block.
type PageIndex uint32

// BlockIndex is the index of the erase block.
type BlockIndex uint32

// Sector is the logical sector number used by the host.
type Sector uint16

// Geometry describes the physical layout of NAND device.
type Geometry struct {
	PageDataSize  int
	SpareSize     int
	PagesPerBlock int
	Blocks        int
}

// DefaultGeometry is the geometry of MT29F1G01 SPI NAND.
var DefaultGeometry = Geometry{
	PageDataSize:  2048,
	SpareSize:     128,
	PagesPerBlock: 64,
	Blocks:        1024,
}

// PageSize returns the size of the page including spare area.
func (g Geometry) PageSize() int {
	return g.PageDataSize + g.SpareSize
}

// Pages returns the total number of pages on the device.
func (g Geometry) Pages() int {
	return g.Blocks * g.PagesPerBlock
}

// LogPages returns the number of pages forming the circular log.
// The page equal to NoPage is excluded, so the ring wraps one page earlier on the largest devices.
func (g Geometry) LogPages() int {
	if n := g.Pages(); n < int(NoPage) {
		return n
	}
	return int(NoPage)
}

// BlockOf returns the block containing the page.
func (g Geometry) BlockOf(page PageIndex) BlockIndex {
	return BlockIndex(int(page) / g.PagesPerBlock)
}

// FirstPage returns the first page of the block.
func (g Geometry) FirstPage(block BlockIndex) PageIndex {
	return PageIndex(int(block) * g.PagesPerBlock)
}

// ProbeOffset returns the offset in the spare area used by the bad block probe.
func (g Geometry) ProbeOffset() int {
	if g.SpareSize > probeSpareOffset {
		return probeSpareOffset
	}
	return g.SpareSize - 1
}

// Validate verifies that geometry is usable.
func (g Geometry) Validate() error {
	switch {
	case g.PageDataSize <= 0:
		return errors.Errorf("invalid page data size: %d", g.PageDataSize)
	case g.SpareSize < MinSpareSize:
		return errors.Errorf("spare size must be at least %d bytes, provided: %d", MinSpareSize, g.SpareSize)
	case g.PagesPerBlock <= 0:
		return errors.Errorf("invalid number of pages per block: %d", g.PagesPerBlock)
	case g.Blocks < 2:
		return errors.Errorf("device must have at least 2 blocks, provided: %d", g.Blocks)
	case g.Pages() > MaxPages:
		return errors.Errorf("device has too many pages, maximum: %d, provided: %d", MaxPages, g.Pages())
	}
	return nil
}

// BlockState is the state of the block presented on the block map.
type BlockState byte

// Block states.
const (
	FreeBlockState BlockState = iota
	UsedBlockState
	HeadBlockState
	TailBlockState
	BadBlockState
)

func (s BlockState) String() string {
	switch s {
	case FreeBlockState:
		return "free"
	case UsedBlockState:
		return "used"
	case HeadBlockState:
		return "head"
	case TailBlockState:
		return "tail"
	case BadBlockState:
		return "bad"
	default:
		return "unknown"
	}
}
