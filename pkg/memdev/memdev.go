package memdev

import (
	"github.com/pkg/errors"

	"github.com/outofforest/ftl/blocks"
)

// ErrInjected is returned by operations failing due to injected fault.
var ErrInjected = errors.New("injected device failure")

// MemDev simulates NAND device in memory.
// Programming may only clear bits, erasing sets all the bits of the block.
type MemDev struct {
	geometry blocks.Geometry
	data     []byte

	initCalls    int
	failedBlocks map[blocks.BlockIndex]struct{}
	failedPages  map[blocks.PageIndex]struct{}
	failedReads  map[blocks.PageIndex]struct{}
	failOnce     map[blocks.PageIndex]struct{}

	programs []int
	erases   []int
}

// New returns new memdev with all the blocks erased.
func New(geometry blocks.Geometry) *MemDev {
	md := &MemDev{
		geometry:     geometry,
		data:         make([]byte, geometry.Pages()*geometry.PageSize()),
		failedBlocks: map[blocks.BlockIndex]struct{}{},
		failedPages:  map[blocks.PageIndex]struct{}{},
		failedReads:  map[blocks.PageIndex]struct{}{},
		failOnce:     map[blocks.PageIndex]struct{}{},
		programs:     make([]int, geometry.Blocks),
		erases:       make([]int, geometry.Blocks),
	}
	for i := range md.data {
		md.data[i] = 0xFF
	}
	return md
}

// Geometry returns the geometry of the device.
func (md *MemDev) Geometry() blocks.Geometry {
	return md.geometry
}

// Init initializes the device.
func (md *MemDev) Init() error {
	md.initCalls++
	return nil
}

// ReadPage reads data from the page.
func (md *MemDev) ReadPage(page blocks.PageIndex, offset int, p []byte) error {
	start, err := md.offset(page, offset, len(p))
	if err != nil {
		return err
	}
	if _, exists := md.failedReads[page]; exists {
		return errors.Wrapf(ErrInjected, "reading page %d", page)
	}
	copy(p, md.data[start:])
	return nil
}

// WritePage programs data to the page.
func (md *MemDev) WritePage(page blocks.PageIndex, offset int, p []byte) error {
	start, err := md.offset(page, offset, len(p))
	if err != nil {
		return err
	}

	block := md.geometry.BlockOf(page)
	md.programs[block]++

	if _, exists := md.failedBlocks[block]; exists {
		return errors.Wrapf(ErrInjected, "programming page %d", page)
	}
	if _, exists := md.failedPages[page]; exists {
		return errors.Wrapf(ErrInjected, "programming page %d", page)
	}
	if _, exists := md.failOnce[page]; exists {
		delete(md.failOnce, page)
		return errors.Wrapf(ErrInjected, "programming page %d", page)
	}

	for i, b := range p {
		md.data[start+int64(i)] &= b
	}
	return nil
}

// EraseBlock erases the block.
func (md *MemDev) EraseBlock(block blocks.BlockIndex) error {
	if int(block) >= md.geometry.Blocks {
		return errors.Errorf("invalid block: %d", block)
	}

	md.erases[block]++

	if _, exists := md.failedBlocks[block]; exists {
		return errors.Wrapf(ErrInjected, "erasing block %d", block)
	}

	blockSize := int64(md.geometry.PagesPerBlock * md.geometry.PageSize())
	start := int64(block) * blockSize
	for i := start; i < start+blockSize; i++ {
		md.data[i] = 0xFF
	}
	return nil
}

// FailBlock causes all the program and erase operations on the block to fail.
func (md *MemDev) FailBlock(block blocks.BlockIndex) {
	md.failedBlocks[block] = struct{}{}
}

// FailPage causes program operations on the page to fail.
func (md *MemDev) FailPage(page blocks.PageIndex) {
	md.failedPages[page] = struct{}{}
}

// FailProgramOnce causes the next program operation on the page to fail.
func (md *MemDev) FailProgramOnce(page blocks.PageIndex) {
	md.failOnce[page] = struct{}{}
}

// FailRead causes read operations on the page to fail.
func (md *MemDev) FailRead(page blocks.PageIndex) {
	md.failedReads[page] = struct{}{}
}

// Heal removes all the injected faults.
func (md *MemDev) Heal() {
	md.failedBlocks = map[blocks.BlockIndex]struct{}{}
	md.failedPages = map[blocks.PageIndex]struct{}{}
	md.failedReads = map[blocks.PageIndex]struct{}{}
	md.failOnce = map[blocks.PageIndex]struct{}{}
}

// FlipBit flips the bit of the byte stored at offset within the page, simulating bit rot.
func (md *MemDev) FlipBit(page blocks.PageIndex, offset int, bit uint) {
	start, err := md.offset(page, offset, 1)
	if err != nil {
		panic(err)
	}
	md.data[start] ^= 1 << bit
}

// Page returns a copy of the raw page content, data and spare.
func (md *MemDev) Page(page blocks.PageIndex) []byte {
	start, err := md.offset(page, 0, md.geometry.PageSize())
	if err != nil {
		panic(err)
	}
	p := make([]byte, md.geometry.PageSize())
	copy(p, md.data[start:])
	return p
}

// Programs returns the number of program operations executed on the block.
func (md *MemDev) Programs(block blocks.BlockIndex) int {
	return md.programs[block]
}

// Erases returns the number of erase operations executed on the block.
func (md *MemDev) Erases(block blocks.BlockIndex) int {
	return md.erases[block]
}

// InitCalls returns the number of times the device was initialized.
func (md *MemDev) InitCalls() int {
	return md.initCalls
}

// ResetCounters zeroes operation counters.
func (md *MemDev) ResetCounters() {
	for i := range md.programs {
		md.programs[i] = 0
		md.erases[i] = 0
	}
}

func (md *MemDev) offset(page blocks.PageIndex, offset, size int) (int64, error) {
	if int(page) >= md.geometry.Pages() {
		return 0, errors.Errorf("invalid page: %d", page)
	}
	if offset < 0 || offset+size > md.geometry.PageSize() {
		return 0, errors.Errorf("invalid range: offset %d, size %d", offset, size)
	}
	return int64(page)*int64(md.geometry.PageSize()) + int64(offset), nil
}
