package ftl

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/persistence"
)

// Write stores the page of data as the new content of the sector.
// Len of data must be equal to the page data size of the device.
func (e *Engine) Write(sector blocks.Sector, data []byte) error {
	if err := e.validateSector(sector); err != nil {
		return err
	}
	if len(data) != e.geometry.PageDataSize {
		return errors.Wrapf(persistence.ErrOutOfRange, "data size %d, page data size: %d",
			len(data), e.geometry.PageDataSize)
	}
	if err := e.checkWritable(); err != nil {
		return err
	}

	previous, found, err := e.cache.FindSectorPage(sector)
	if err != nil {
		// The new copy still wins because it is the newest one in the log.
		e.log.Warn("Locating previous copy of sector failed", zap.Uint16("sector", uint16(sector)), zap.Error(err))
		found = false
	}

	if _, err := e.append(sector, data, blocks.Checksum(data)); err != nil {
		return err
	}

	if found {
		if err := e.store.ProgramSpareByte(previous, blocks.ReleasedOffset, blocks.ReleasedMarker); err != nil {
			e.log.Warn("Superseding previous copy of sector failed",
				zap.Uint16("sector", uint16(sector)),
				zap.Uint32("page", uint32(previous)),
				zap.Error(err))
		}
	}
	return nil
}

// Release unmaps the sector. Data stay on the device until the page is reclaimed by defragmentation.
func (e *Engine) Release(sector blocks.Sector) error {
	if err := e.validateSector(sector); err != nil {
		return err
	}
	if err := e.checkWritable(); err != nil {
		return err
	}

	page, found, err := e.cache.FindSectorPage(sector)
	if err != nil || !found {
		return err
	}

	if err := e.store.ProgramSpareByte(page, blocks.ReleasedOffset, blocks.ReleasedMarker); err != nil {
		return err
	}
	e.cache.ClearEntry(sector)
	return nil
}

// append programs the page at the tail of the log, skipping bad blocks and pages which fail to be programmed.
func (e *Engine) append(sector blocks.Sector, data []byte, checksum uint16) (blocks.PageIndex, error) {
	copy(e.pageBuf, data)
	blocks.Spare{
		Tag:      blocks.EncodeTag(sector),
		Checksum: checksum,
	}.PutWritten(e.pageBuf[e.geometry.PageDataSize:])

	defer e.updateDefragNeeded()

	for attempt := 0; attempt < e.geometry.LogPages(); attempt++ {
		page := e.cache.Tail()
		// One good page is always kept erased so tail never catches up with head.
		if !e.cache.Writable(page) {
			break
		}
		if e.bbm.IsPageInBad(page) {
			e.cache.IncrementTail()
			continue
		}

		if err := e.store.WritePage(page, 0, e.pageBuf); err != nil {
			e.log.Warn("Programming page failed, page abandoned", zap.Uint32("page", uint32(page)), zap.Error(err))
			e.abandon(page)
			e.cache.IncrementTail()
			continue
		}

		e.cache.SetEntry(sector, page)
		e.cache.NoteSector(sector)
		e.cache.IncrementTail()
		return page, nil
	}

	return blocks.NoPage, errors.Wrapf(ErrDeviceFull, "free pages: %d", e.cache.FreePages())
}

// abandon stamps the void tag into the page which failed to be programmed, so scan passes it over.
func (e *Engine) abandon(page blocks.PageIndex) {
	var tag [2]byte
	blocks.NoTag.Put(tag[:])
	if err := e.store.WritePage(page, e.geometry.PageDataSize+blocks.TagOffset, tag[:]); err != nil {
		e.log.Debug("Stamping abandoned page failed", zap.Uint32("page", uint32(page)), zap.Error(err))
	}
}
