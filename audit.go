package ftl

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/cache"
)

// Corruption identifies the page whose data do not match the stored checksum.
type Corruption struct {
	Page   blocks.PageIndex
	Sector blocks.Sector
}

// AuditReport is the result of the log audit.
type AuditReport struct {
	Checked     int
	Corruptions []Corruption
}

// AuditLog verifies checksums of the newest copy of every sector stored in the log.
// Corruptions are reported, never repaired.
func (e *Engine) AuditLog() (AuditReport, error) {
	var report AuditReport

	lastSector, anySector := e.cache.LastSector()
	head, tail := e.cache.Head(), e.cache.Tail()
	if !anySector || head == tail {
		return report, nil
	}

	seen := bitset.New(uint(lastSector) + 1)
	var errs error
	for page := e.cache.Prev(tail); ; page = e.cache.Prev(page) {
		if !e.bbm.IsPageInBad(page) {
			if err := e.auditPage(page, seen, &report); err != nil {
				e.log.Error("Auditing page failed", zap.Uint32("page", uint32(page)), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
		if page == head {
			break
		}
	}

	if errs != nil {
		return report, multierr.Append(cache.ErrScanDegraded, errs)
	}
	return report, nil
}

func (e *Engine) auditPage(page blocks.PageIndex, seen *bitset.BitSet, report *AuditReport) error {
	spare, err := e.store.ReadSpare(page)
	if err != nil {
		return err
	}
	sector, ok := spare.Tag.Sector()
	if !ok || uint(sector) >= seen.Len() || seen.Test(uint(sector)) {
		return nil
	}
	seen.Set(uint(sector))
	if !spare.Live() {
		return nil
	}

	spare, err = e.store.ReadData(page, e.pageBuf)
	if err != nil {
		return err
	}
	report.Checked++
	if err := blocks.VerifyChecksum(page, e.pageBuf[:e.geometry.PageDataSize], spare.Checksum); err != nil {
		e.log.Error("Corrupted sector detected",
			zap.Uint32("page", uint32(page)), zap.Uint16("sector", uint16(sector)), zap.Error(err))
		report.Corruptions = append(report.Corruptions, Corruption{
			Page:   page,
			Sector: sector,
		})
	}
	return nil
}

// CheckSector verifies the checksum of the sector. Nil is returned if sector is not mapped.
func (e *Engine) CheckSector(sector blocks.Sector) error {
	if err := e.validateSector(sector); err != nil {
		return err
	}

	page, found, err := e.cache.FindSectorPage(sector)
	if err != nil || !found {
		return err
	}

	spare, err := e.store.ReadData(page, e.pageBuf)
	if err != nil {
		return err
	}
	if spare.Tag != blocks.EncodeTag(sector) {
		e.log.Error("Sector location is inconsistent",
			zap.Uint32("page", uint32(page)), zap.Uint16("sector", uint16(sector)),
			zap.Uint16("tag", uint16(spare.Tag)))
		return errors.Wrapf(ErrInconsistent, "page %d holds tag %#04x, sector %d expected", page, spare.Tag, sector)
	}
	return errors.Wrapf(blocks.VerifyChecksum(page, e.pageBuf[:e.geometry.PageDataSize], spare.Checksum),
		"sector %d", sector)
}
