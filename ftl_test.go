package ftl

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/cache"
	"github.com/outofforest/ftl/persistence"
	"github.com/outofforest/ftl/pkg/memdev"
)

var geometry = blocks.Geometry{
	PageDataSize:  64,
	SpareSize:     16,
	PagesPerBlock: 4,
	Blocks:        4,
}

func newEngine(t *testing.T, config Config) (*Engine, *memdev.MemDev) {
	dev := memdev.New(geometry)
	e, err := Initialize(dev, true, config)
	require.NoError(t, err)
	return e, dev
}

func randomPage(t *testing.T) []byte {
	p := make([]byte, geometry.PageDataSize)
	_, err := rand.Read(p)
	require.NoError(t, err)
	return p
}

func pattern(b byte) []byte {
	return bytes.Repeat([]byte{b}, geometry.PageDataSize)
}

func erased() []byte {
	return pattern(0xFF)
}

func readSector(t *testing.T, e *Engine, sector blocks.Sector) []byte {
	p := make([]byte, geometry.PageDataSize)
	require.NoError(t, e.Read(sector, 0, p))
	return p
}

// livePages returns pages of the device carrying live copy of the sector.
func livePages(t *testing.T, dev *memdev.MemDev, sector blocks.Sector) []blocks.PageIndex {
	var result []blocks.PageIndex
	for page := blocks.PageIndex(0); int(page) < geometry.Pages(); page++ {
		spare, err := blocks.DecodeSpare(dev.Page(page)[geometry.PageDataSize:])
		require.NoError(t, err)
		if spare.Tag == blocks.EncodeTag(sector) && spare.Live() {
			result = append(result, page)
		}
	}
	return result
}

func TestRoundTrip(t *testing.T) {
	requireT := require.New(t)

	e, _ := newEngine(t, DefaultConfig())

	expected := map[blocks.Sector][]byte{}
	for _, sector := range []blocks.Sector{0, 7, 3, 100, 7, blocks.MaxSector} {
		p := randomPage(t)
		expected[sector] = p
		requireT.NoError(e.Write(sector, p))
	}

	for sector, p := range expected {
		requireT.Equal(p, readSector(t, e, sector))
	}

	// Partial read.
	buf := make([]byte, 10)
	requireT.NoError(e.Read(7, 20, buf))
	requireT.Equal(expected[7][20:30], buf)
}

func TestWriteDoesNotModifyBuffer(t *testing.T) {
	requireT := require.New(t)

	e, _ := newEngine(t, DefaultConfig())

	p := randomPage(t)
	p2 := append([]byte(nil), p...)
	requireT.NoError(e.Write(1, p))
	requireT.Equal(p2, p)
}

func TestUnmappedSectorReadsErased(t *testing.T) {
	requireT := require.New(t)

	e, _ := newEngine(t, DefaultConfig())
	requireT.Equal(erased(), readSector(t, e, 5))

	requireT.NoError(e.Write(4, randomPage(t)))
	requireT.Equal(erased(), readSector(t, e, 5))

	// Previous content of the buffer is overwritten.
	buf := bytes.Repeat([]byte{0x00}, 8)
	requireT.NoError(e.Read(5, 56, buf))
	requireT.Equal(bytes.Repeat([]byte{0xFF}, 8), buf)
}

func TestOverwriteKeepsSingleLiveCopy(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())

	requireT.NoError(e.Write(0, pattern(0xA0)))
	requireT.NoError(e.Write(1, pattern(0xB0)))
	requireT.NoError(e.Write(0, pattern(0xC0)))

	requireT.Equal(pattern(0xC0), readSector(t, e, 0))
	requireT.Equal(pattern(0xB0), readSector(t, e, 1))
	requireT.Equal(3, e.UsedPages())
	requireT.Equal([]blocks.PageIndex{2}, livePages(t, dev, 0))
	requireT.Equal([]blocks.PageIndex{1}, livePages(t, dev, 1))

	for i := 0; i < 5; i++ {
		requireT.NoError(e.Write(1, randomPage(t)))
		requireT.Len(livePages(t, dev, 1), 1)
	}
}

func TestBadBlockIsNeverProgrammed(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(geometry)
	dev.FailBlock(2)

	e, err := Initialize(dev, true, DefaultConfig())
	requireT.NoError(err)
	requireT.Equal([]blocks.BlockIndex{2}, e.BadBlocks())

	dev.ResetCounters()

	expected := map[blocks.Sector][]byte{}
	for sector := blocks.Sector(0); sector < 9; sector++ {
		p := randomPage(t)
		expected[sector] = p
		requireT.NoError(e.Write(sector, p))
	}

	requireT.Zero(dev.Programs(2))
	requireT.EqualValues(13, e.Stats().Tail)
	for sector, p := range expected {
		requireT.Equal(p, readSector(t, e, sector))
	}
	requireT.Equal([]blocks.PageIndex{12}, livePages(t, dev, 8))

	requireT.Equal([]blocks.BlockState{
		blocks.HeadBlockState,
		blocks.UsedBlockState,
		blocks.BadBlockState,
		blocks.TailBlockState,
	}, e.BlockMap())
}

func TestTailSkipsBadBlock(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(geometry)
	dev.FailBlock(1)

	e, err := Initialize(dev, true, DefaultConfig())
	requireT.NoError(err)

	for sector := blocks.Sector(0); sector < 4; sector++ {
		requireT.NoError(e.Write(sector, randomPage(t)))
	}
	requireT.EqualValues(8, e.Stats().Tail)
	requireT.Equal([]blocks.BlockState{
		blocks.HeadBlockState,
		blocks.BadBlockState,
		blocks.TailBlockState,
		blocks.FreeBlockState,
	}, e.BlockMap())
}

func TestLogEndingWithBadBlockStaysRecoverable(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(geometry)
	dev.FailBlock(3)

	e, err := Initialize(dev, true, DefaultConfig())
	requireT.NoError(err)

	expected := map[blocks.Sector][]byte{}
	for sector := blocks.Sector(0); sector < 11; sector++ {
		p := randomPage(t)
		expected[sector] = p
		requireT.NoError(e.Write(sector, p))
	}

	// Page 11 is the last good page before head, it must stay erased.
	requireT.ErrorIs(e.Write(11, randomPage(t)), ErrDeviceFull)
	requireT.EqualValues(11, e.Stats().Tail)
	requireT.Empty(livePages(t, dev, 11))

	e2, err := Initialize(dev, false, DefaultConfig())
	requireT.NoError(err)
	requireT.EqualValues(0, e2.Stats().Head)
	requireT.EqualValues(11, e2.Stats().Tail)
	for sector, p := range expected {
		requireT.Equal(p, readSector(t, e2, sector))
	}
	requireT.Equal(erased(), readSector(t, e2, 11))

	// Nothing can be relocated, but the log stays intact.
	requireT.ErrorIs(e2.Defragment(), ErrDeviceFull)
	requireT.EqualValues(11, e2.Stats().Tail)
	for sector, p := range expected {
		requireT.Equal(p, readSector(t, e2, sector))
	}
}

func TestFailedRebuildRefusesModifications(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())

	p0 := randomPage(t)
	requireT.NoError(e.Write(0, p0))
	for i := 1; i < geometry.Pages()-1; i++ {
		requireT.NoError(e.Write(1, randomPage(t)))
	}

	// The last erased page gets programmed outside the engine.
	var tag [2]byte
	blocks.EncodeTag(2).Put(tag[:])
	requireT.NoError(dev.WritePage(15, geometry.PageDataSize+blocks.TagOffset, tag[:]))

	requireT.ErrorIs(e.Rebuild(), cache.ErrNoFreePage)
	stats := e.Stats()
	requireT.EqualValues(0, stats.Head)
	requireT.EqualValues(15, stats.Tail)
	requireT.Equal(1, stats.FreePages)

	requireT.ErrorIs(e.Write(3, randomPage(t)), ErrReadOnly)
	requireT.ErrorIs(e.Release(0), ErrReadOnly)
	requireT.ErrorIs(e.Defragment(), ErrReadOnly)

	requireT.Equal(p0, readSector(t, e, 0))
	requireT.Equal([]blocks.PageIndex{0}, livePages(t, dev, 0))
	requireT.Empty(livePages(t, dev, 3))

	_, err := Initialize(dev, false, DefaultConfig())
	requireT.ErrorIs(err, cache.ErrNoFreePage)
}

func TestRebuildIsIdempotent(t *testing.T) {
	requireT := require.New(t)

	e, _ := newEngine(t, Config{CacheCapacity: 4})
	for _, sector := range []blocks.Sector{1, 2, 9, 1, 3} {
		requireT.NoError(e.Write(sector, randomPage(t)))
	}
	requireT.NoError(e.Release(2))

	requireT.NoError(e.Rebuild())
	snapshot := e.cache.Snapshot()
	requireT.NoError(e.Rebuild())
	requireT.Equal(snapshot, e.cache.Snapshot())
}

func TestReinitializeRecoversState(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, Config{CacheCapacity: 2})

	expected := map[blocks.Sector][]byte{}
	for _, sector := range []blocks.Sector{0, 5, 1, 5, 8} {
		p := randomPage(t)
		expected[sector] = p
		requireT.NoError(e.Write(sector, p))
	}
	requireT.NoError(e.Release(1))
	delete(expected, 1)
	stats := e.Stats()

	e2, err := Initialize(dev, false, Config{CacheCapacity: 2})
	requireT.NoError(err)
	requireT.Equal(stats, e2.Stats())
	for sector, p := range expected {
		requireT.Equal(p, readSector(t, e2, sector))
	}
	requireT.Equal(erased(), readSector(t, e2, 1))

	// Formatting wipes everything.
	e3, err := Initialize(dev, true, DefaultConfig())
	requireT.NoError(err)
	requireT.Equal(16, e3.FreePages())
	requireT.Equal(erased(), readSector(t, e3, 5))
}

func TestInitializeBlankDevice(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(geometry)
	dev.FailBlock(0)

	e, err := Initialize(dev, false, DefaultConfig())
	requireT.NoError(err)
	requireT.EqualValues(4, e.Stats().Head)
	requireT.EqualValues(4, e.Stats().Tail)

	p := randomPage(t)
	requireT.NoError(e.Write(3, p))

	e2, err := Initialize(dev, false, DefaultConfig())
	requireT.NoError(err)
	requireT.Equal(p, readSector(t, e2, 3))
}

func TestInitializeFailsWithoutUsableBlock(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(geometry)
	for block := blocks.BlockIndex(0); int(block) < geometry.Blocks; block++ {
		dev.FailBlock(block)
	}

	_, err := Initialize(dev, true, DefaultConfig())
	requireT.ErrorIs(err, persistence.ErrNoUsableBlock)
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	requireT := require.New(t)

	_, err := Initialize(memdev.New(geometry), true, Config{SectorCount: -1})
	requireT.Error(err)
	_, err = Initialize(memdev.New(geometry), true, Config{SectorCount: int(blocks.MaxSector) + 2})
	requireT.Error(err)
	_, err = Initialize(memdev.New(geometry), true, Config{LowWaterBlocks: -1})
	requireT.Error(err)
	_, err = Initialize(memdev.New(geometry), true, Config{CacheCapacity: -1})
	requireT.Error(err)
	_, err = Initialize(memdev.New(blocks.Geometry{PageDataSize: 64, SpareSize: 4, PagesPerBlock: 4, Blocks: 4}),
		true, DefaultConfig())
	requireT.Error(err)
}

func TestOutOfRange(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, Config{SectorCount: 10})
	requireT.Equal(10, e.SectorCount())
	dev.ResetCounters()

	requireT.ErrorIs(e.Write(10, randomPage(t)), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.Write(1, make([]byte, geometry.PageDataSize-1)), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.Write(1, make([]byte, geometry.PageDataSize+1)), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.Read(10, 0, make([]byte, 1)), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.Read(1, 60, make([]byte, 5)), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.Read(1, -1, make([]byte, 1)), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.Release(10), persistence.ErrOutOfRange)
	requireT.ErrorIs(e.CheckSector(10), persistence.ErrOutOfRange)

	for block := blocks.BlockIndex(0); int(block) < geometry.Blocks; block++ {
		requireT.Zero(dev.Programs(block))
	}
}

func TestRelease(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())

	requireT.NoError(e.Write(3, randomPage(t)))
	requireT.NoError(e.Write(4, randomPage(t)))
	used := e.UsedPages()

	requireT.NoError(e.Release(3))
	requireT.Equal(erased(), readSector(t, e, 3))
	requireT.NoError(e.CheckSector(3))
	requireT.Empty(livePages(t, dev, 3))
	requireT.Equal(used, e.UsedPages())

	// Releasing unmapped sector is no-op.
	dev.ResetCounters()
	requireT.NoError(e.Release(3))
	requireT.NoError(e.Release(50))
	requireT.Zero(dev.Programs(0))

	requireT.NoError(e.Rebuild())
	requireT.Equal(erased(), readSector(t, e, 3))

	// Sector may be written again.
	p := randomPage(t)
	requireT.NoError(e.Write(3, p))
	requireT.Equal(p, readSector(t, e, 3))
}

func TestReleaseReportsDeviceFailure(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())
	requireT.NoError(e.Write(3, randomPage(t)))

	dev.FailPage(0)
	err := e.Release(3)
	requireT.ErrorIs(err, memdev.ErrInjected)
	var devErr *persistence.DeviceError
	requireT.ErrorAs(err, &devErr)
	requireT.EqualValues(0, devErr.Page)
}

func TestUncachedSectors(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, Config{CacheCapacity: 2})

	p5 := randomPage(t)
	requireT.NoError(e.Write(5, randomPage(t)))
	requireT.NoError(e.Write(6, randomPage(t)))
	requireT.NoError(e.Write(5, p5))
	requireT.NoError(e.Write(1, randomPage(t)))

	requireT.Equal(p5, readSector(t, e, 5))
	requireT.Len(livePages(t, dev, 5), 1)
	requireT.Equal(erased(), readSector(t, e, 7))
	requireT.Equal(erased(), readSector(t, e, 100))

	requireT.NoError(e.Release(6))
	requireT.Equal(erased(), readSector(t, e, 6))
	requireT.NoError(e.CheckSector(5))

	requireT.NoError(e.Defragment())
	requireT.Equal(p5, readSector(t, e, 5))
	requireT.Equal(erased(), readSector(t, e, 6))
}

func TestDeviceFull(t *testing.T) {
	requireT := require.New(t)

	e, _ := newEngine(t, DefaultConfig())

	for i := 0; i < geometry.Pages()-1; i++ {
		requireT.NoError(e.Write(0, randomPage(t)))
	}
	requireT.Equal(1, e.FreePages())
	requireT.True(e.IsDefragmentNeeded())

	p := randomPage(t)
	requireT.ErrorIs(e.Write(1, p), ErrDeviceFull)
	requireT.Equal(erased(), readSector(t, e, 1))

	requireT.NoError(e.Defragment())
	requireT.Equal(13, e.FreePages())
	requireT.NoError(e.Write(1, p))
	requireT.Equal(p, readSector(t, e, 1))
}

func TestAbandonedPageIsSkipped(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())

	p0 := randomPage(t)
	p1 := randomPage(t)
	dev.FailProgramOnce(1)
	requireT.NoError(e.Write(0, p0))
	requireT.NoError(e.Write(1, p1))

	requireT.EqualValues(3, e.Stats().Tail)
	requireT.Equal([]blocks.PageIndex{2}, livePages(t, dev, 1))

	spare, err := blocks.DecodeSpare(dev.Page(1)[geometry.PageDataSize:])
	requireT.NoError(err)
	requireT.Equal(blocks.NoTag, spare.Tag)

	e2, err := Initialize(dev, false, DefaultConfig())
	requireT.NoError(err)
	requireT.EqualValues(3, e2.Stats().Tail)
	requireT.Equal(p0, readSector(t, e2, 0))
	requireT.Equal(p1, readSector(t, e2, 1))
}

func TestChecksumSensitivity(t *testing.T) {
	for _, offset := range []int{0, geometry.PageDataSize / 2, geometry.PageDataSize - 1} {
		for bit := uint(0); bit < 8; bit++ {
			requireT := require.New(t)

			e, dev := newEngine(t, DefaultConfig())
			requireT.NoError(e.Write(0, randomPage(t)))
			requireT.NoError(e.Write(1, randomPage(t)))
			requireT.NoError(e.Write(2, randomPage(t)))

			requireT.NoError(e.CheckSector(1))
			dev.FlipBit(1, offset, bit)

			requireT.ErrorIs(e.CheckSector(1), blocks.ErrChecksumMismatch)
			requireT.NoError(e.CheckSector(0))
			requireT.NoError(e.CheckSector(2))

			report, err := e.AuditLog()
			requireT.NoError(err)
			requireT.Equal(3, report.Checked)
			requireT.Equal([]Corruption{{Page: 1, Sector: 1}}, report.Corruptions)
		}
	}
}

func TestAuditChecksNewestCopyOnly(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, Config{CacheCapacity: 1})
	requireT.NoError(e.Write(4, randomPage(t)))
	requireT.NoError(e.Write(4, randomPage(t)))
	requireT.NoError(e.Write(9, randomPage(t)))
	requireT.NoError(e.Release(9))

	// Stale copy is corrupted, it must not be reported.
	dev.FlipBit(0, 0, 0)

	report, err := e.AuditLog()
	requireT.NoError(err)
	requireT.Equal(1, report.Checked)
	requireT.Empty(report.Corruptions)

	dev.FlipBit(1, 5, 3)
	report, err = e.AuditLog()
	requireT.NoError(err)
	requireT.Equal([]Corruption{{Page: 1, Sector: 4}}, report.Corruptions)
}

func TestAuditReportsDeviceErrors(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())
	requireT.NoError(e.Write(0, randomPage(t)))
	requireT.NoError(e.Write(1, randomPage(t)))

	dev.FailRead(0)
	report, err := e.AuditLog()
	requireT.ErrorIs(err, cache.ErrScanDegraded)
	requireT.ErrorIs(err, memdev.ErrInjected)
	requireT.Equal(1, report.Checked)
}

func TestCheckSectorDetectsInconsistency(t *testing.T) {
	requireT := require.New(t)

	e, _ := newEngine(t, DefaultConfig())
	requireT.NoError(e.Write(0, randomPage(t)))
	requireT.NoError(e.Write(1, randomPage(t)))

	// Point the cache at the page of another sector.
	e.cache.SetEntry(1, 0)
	requireT.ErrorIs(e.CheckSector(1), ErrInconsistent)
}

func TestVerifyReads(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, Config{VerifyReads: true})
	p := randomPage(t)
	requireT.NoError(e.Write(2, p))
	requireT.Equal(p, readSector(t, e, 2))

	dev.FlipBit(0, 10, 1)
	buf := make([]byte, geometry.PageDataSize)
	requireT.ErrorIs(e.Read(2, 0, buf), blocks.ErrChecksumMismatch)
	p[10] ^= 1 << 1
	requireT.Equal(p, buf)

	dev.FailRead(0)
	requireT.ErrorIs(e.Read(2, 0, buf), memdev.ErrInjected)
}

func TestReadReportsDeviceFailure(t *testing.T) {
	requireT := require.New(t)

	e, dev := newEngine(t, DefaultConfig())
	requireT.NoError(e.Write(2, randomPage(t)))

	dev.FailRead(0)
	buf := make([]byte, geometry.PageDataSize)
	err := e.Read(2, 0, buf)
	requireT.ErrorIs(err, memdev.ErrInjected)
	var devErr *persistence.DeviceError
	requireT.ErrorAs(err, &devErr)
	requireT.Equal(erased(), buf)
}
