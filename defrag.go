package ftl

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/blocks"
)

// DefragProgress reports the block processed by defragmentation.
type DefragProgress struct {
	Block     blocks.BlockIndex
	Relocated int
	Reclaimed bool
	BlockMap  []blocks.BlockState
}

// Defragment reclaims the space occupied by superseded and released pages.
func (e *Engine) Defragment() error {
	return e.DefragmentWithProgress(nil)
}

// DefragmentWithProgress reclaims the space occupied by superseded and released pages.
// Progress function, if provided, is called after each processed block.
func (e *Engine) DefragmentWithProgress(progress func(DefragProgress)) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	startBlock := e.geometry.BlockOf(e.cache.Head())
	tailBlock := e.geometry.BlockOf(e.cache.Tail())
	if startBlock == tailBlock {
		return nil
	}

	freeBefore := e.cache.FreePages()

	var errs error
	var relocatedTotal, reclaimedTotal int
	for block := startBlock; block != tailBlock; block = e.nextBlock(block) {
		event := DefragProgress{Block: block}
		if !e.bbm.IsBad(block) {
			relocated, err := e.reclaimBlock(block)
			relocatedTotal += relocated
			event.Relocated = relocated
			if err != nil {
				errs = err
				break
			}
			event.Reclaimed = true
			reclaimedTotal++
		}

		if progress != nil {
			event.BlockMap = e.BlockMap()
			progress(event)
		}
	}

	if err := e.Rebuild(); err != nil {
		errs = multierr.Append(errs, err)
	}

	e.log.Info("Defragmentation finished",
		zap.Int("reclaimedBlocks", reclaimedTotal),
		zap.Int("relocatedPages", relocatedTotal),
		zap.Int("freePagesBefore", freeBefore),
		zap.Int("freePagesAfter", e.cache.FreePages()),
		zap.Error(errs))

	return errs
}

// reclaimBlock relocates the live pages of the block to the tail, moves the head of the log to the next block
// and erases the block.
func (e *Engine) reclaimBlock(block blocks.BlockIndex) (int, error) {
	var relocated int
	first := e.geometry.FirstPage(block)
	for i := 0; i < e.geometry.PagesPerBlock; i++ {
		page := first + blocks.PageIndex(i)
		if int(page) >= e.geometry.LogPages() {
			break
		}

		moved, err := e.relocatePage(page)
		if err != nil {
			return relocated, errors.Wrapf(err, "relocating page %d failed", page)
		}
		if moved {
			relocated++
		}
	}

	next, err := e.moveHead(block)
	if err != nil {
		return relocated, err
	}

	if err := e.store.EraseBlock(block); err != nil {
		e.log.Warn("Erasing block failed, marking it as bad", zap.Uint32("block", uint32(block)), zap.Error(err))
		e.bbm.Mark(block)
		// The block keeps its stale marker, destroy it so it is never taken for the head of the log.
		if err := e.store.ProgramSpareByte(first, blocks.HeadMarkerOffset, 0x00); err != nil {
			e.log.Warn("Clearing head marker failed", zap.Uint32("block", uint32(block)), zap.Error(err))
		}
	}

	e.cache.SetHead(e.geometry.FirstPage(next))
	e.log.Debug("Block reclaimed", zap.Uint32("block", uint32(block)), zap.Int("relocatedPages", relocated))
	return relocated, nil
}

func (e *Engine) relocatePage(page blocks.PageIndex) (bool, error) {
	spare, err := e.store.ReadSpare(page)
	if err != nil {
		return false, err
	}
	sector, ok := spare.Tag.Sector()
	if !ok || !spare.Live() {
		return false, nil
	}

	live, found, err := e.cache.FindSectorPage(sector)
	if err != nil {
		return false, err
	}
	if !found || live != page {
		return false, nil
	}

	spare, err = e.store.ReadData(page, e.relocateBuf)
	if err != nil {
		return false, err
	}

	// Stored checksum is kept so corruption stays detectable after relocation.
	data := e.relocateBuf[:e.geometry.PageDataSize]
	if err := blocks.VerifyChecksum(page, data, spare.Checksum); err != nil {
		e.log.Warn("Relocating corrupted sector", zap.Uint16("sector", uint16(sector)), zap.Error(err))
	}
	newPage, err := e.append(sector, data, spare.Checksum)
	if err != nil {
		return false, err
	}

	e.log.Debug("Page relocated",
		zap.Uint16("sector", uint16(sector)),
		zap.Uint32("from", uint32(page)),
		zap.Uint32("to", uint32(newPage)))
	return true, nil
}

// moveHead places the head marker on the first good block following the reclaimed one.
// That block holds the rest of the log, so if it refuses the marker the reclaimed block must stay untouched.
func (e *Engine) moveHead(block blocks.BlockIndex) (blocks.BlockIndex, error) {
	next := e.nextBlock(block)
	for next != block && e.bbm.IsBad(next) {
		next = e.nextBlock(next)
	}
	if err := e.store.MarkHead(next); err != nil {
		return 0, errors.Wrapf(err, "moving head from block %d to block %d failed", block, next)
	}
	return next, nil
}

func (e *Engine) nextBlock(block blocks.BlockIndex) blocks.BlockIndex {
	return blocks.BlockIndex((int(block) + 1) % e.geometry.Blocks)
}
