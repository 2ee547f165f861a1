package ftl

import (
	"github.com/pkg/errors"

	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/persistence"
)

const erasedByte = 0xFF

// Read reads len(p) bytes of the sector starting at offset.
// Sector which has never been written or was released reads as erased flash (0xFF bytes).
func (e *Engine) Read(sector blocks.Sector, offset int, p []byte) error {
	if err := e.validateSector(sector); err != nil {
		return err
	}
	if offset < 0 || offset+len(p) > e.geometry.PageDataSize {
		return errors.Wrapf(persistence.ErrOutOfRange, "offset %d, size %d, page data size: %d",
			offset, len(p), e.geometry.PageDataSize)
	}

	for i := range p {
		p[i] = erasedByte
	}

	page, found, err := e.cache.FindSectorPage(sector)
	if err != nil || !found {
		return err
	}

	if !e.config.VerifyReads {
		if len(p) == 0 {
			return nil
		}
		return e.store.ReadPage(page, offset, p)
	}

	spare, err := e.store.ReadData(page, e.pageBuf)
	if err != nil {
		return err
	}
	if spare.Tag != blocks.EncodeTag(sector) {
		return errors.Wrapf(ErrInconsistent, "page %d holds tag %#04x, sector %d expected", page, spare.Tag, sector)
	}
	copy(p, e.pageBuf[offset:])
	return errors.Wrapf(blocks.VerifyChecksum(page, e.pageBuf[:e.geometry.PageDataSize], spare.Checksum),
		"sector %d", sector)
}
