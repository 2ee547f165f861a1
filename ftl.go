package ftl

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/bbm"
	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/cache"
	"github.com/outofforest/ftl/persistence"
)

// DefaultLowWaterBlocks is the default number of free blocks below which defragmentation is needed.
const DefaultLowWaterBlocks = 128

// Config is the configuration of the engine.
type Config struct {
	// CacheCapacity is the number of sectors resolved without scanning the log. Zero means the default.
	CacheCapacity int

	// LowWaterBlocks is the number of free blocks below which defragmentation is needed.
	// Zero means the default. It is clamped to 1/8 of the device, or to two blocks on small devices.
	LowWaterBlocks int

	// SectorCount is the number of sectors exposed to the host. Zero means every encodable sector.
	SectorCount int

	// VerifyReads enables checksum verification on every read.
	VerifyReads bool

	// Logger receives the diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CacheCapacity:  cache.DefaultCapacity,
		LowWaterBlocks: DefaultLowWaterBlocks,
	}
}

// Stats summarizes the state of the log.
type Stats struct {
	Head             blocks.PageIndex
	Tail             blocks.PageIndex
	FreePages        int
	UsedPages        int
	BadBlocks        int
	LastSector       blocks.Sector
	AnySector        bool
	DefragmentNeeded bool
}

// Engine maps logical sectors to the pages of the NAND device.
// It is not safe for concurrent use.
type Engine struct {
	geometry      blocks.Geometry
	store         *persistence.Store
	bbm           *bbm.Manager
	cache         *cache.Cache
	log           *zap.Logger
	config        Config
	sectorCount   int
	lowWaterPages int
	defragNeeded  bool
	rebuildErr    error

	pageBuf     []byte
	relocateBuf []byte
}

// Initialize brings the device up and recovers the state of the log.
// If format is true, all the data stored on the device are lost.
func Initialize(dev persistence.Dev, format bool, config Config) (*Engine, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	log := config.Logger

	store, err := persistence.OpenStore(dev)
	if err != nil {
		return nil, err
	}
	geometry := store.Geometry()

	sectorCount, err := config.sectorCount()
	if err != nil {
		return nil, err
	}
	lowWaterPages, err := config.lowWaterPages(geometry)
	if err != nil {
		return nil, err
	}

	if format {
		if _, err := persistence.Format(store, log); err != nil {
			return nil, err
		}
	}

	m := bbm.New(geometry, log)
	m.Test(store)

	capacity := config.CacheCapacity
	if capacity == 0 {
		capacity = cache.DefaultCapacity
	}
	c, err := cache.New(store, m, capacity, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		geometry:      geometry,
		store:         store,
		bbm:           m,
		cache:         c,
		log:           log,
		config:        config,
		sectorCount:   sectorCount,
		lowWaterPages: lowWaterPages,
		pageBuf:       make([]byte, geometry.PageDataSize+blocks.WrittenSpareSize),
		relocateBuf:   make([]byte, geometry.PageDataSize+blocks.WrittenSpareSize),
	}

	err = e.Rebuild()
	if errors.Is(err, cache.ErrNoLogHead) && len(multierr.Errors(err)) == 1 {
		// Device has never been formatted.
		if err := e.adoptHead(); err != nil {
			return nil, err
		}
		err = e.Rebuild()
	}
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrScanDegraded):
		log.Error("Log recovered despite device errors", zap.Error(err))
	default:
		return nil, errors.Wrap(err, "recovering log failed")
	}

	report, err := e.AuditLog()
	if err != nil {
		log.Error("Audit completed despite device errors", zap.Error(err))
	}

	stats := e.Stats()
	log.Info("Engine initialized",
		zap.Uint32("head", uint32(stats.Head)),
		zap.Uint32("tail", uint32(stats.Tail)),
		zap.Int("freePages", stats.FreePages),
		zap.Int("badBlocks", stats.BadBlocks),
		zap.Int("auditedSectors", report.Checked),
		zap.Int("corruptedSectors", len(report.Corruptions)))

	return e, nil
}

// Rebuild recomputes the cache and cursors by scanning the log.
// If it fails for other reason than unreadable pages, engine refuses modifications until the next successful rebuild.
func (e *Engine) Rebuild() error {
	err := e.cache.Rebuild()
	e.rebuildErr = nil
	if err != nil && !errors.Is(err, cache.ErrScanDegraded) {
		e.rebuildErr = err
	}
	e.updateDefragNeeded()
	return err
}

// Geometry returns the geometry of the device.
func (e *Engine) Geometry() blocks.Geometry {
	return e.geometry
}

// SectorCount returns the number of sectors exposed to the host.
func (e *Engine) SectorCount() int {
	return e.sectorCount
}

// FreePages returns the number of pages available for writing.
func (e *Engine) FreePages() int {
	return e.cache.FreePages()
}

// UsedPages returns the number of pages occupied by the log.
func (e *Engine) UsedPages() int {
	return e.cache.UsedPages()
}

// IsDefragmentNeeded returns true if free space dropped below the low-water mark.
func (e *Engine) IsDefragmentNeeded() bool {
	return e.defragNeeded
}

// BadBlocks returns the list of blocks excluded from the log.
func (e *Engine) BadBlocks() []blocks.BlockIndex {
	return e.bbm.Blocks()
}

// Stats returns the summary of the log state.
func (e *Engine) Stats() Stats {
	lastSector, anySector := e.cache.LastSector()
	return Stats{
		Head:             e.cache.Head(),
		Tail:             e.cache.Tail(),
		FreePages:        e.cache.FreePages(),
		UsedPages:        e.cache.UsedPages(),
		BadBlocks:        e.bbm.Count(),
		LastSector:       lastSector,
		AnySector:        anySector,
		DefragmentNeeded: e.defragNeeded,
	}
}

// BlockMap returns the state of every block.
func (e *Engine) BlockMap() []blocks.BlockState {
	n := e.geometry.Blocks
	headBlock := int(e.geometry.BlockOf(e.cache.Head()))
	tailBlock := int(e.geometry.BlockOf(e.cache.Tail()))
	usedBlocks := (tailBlock - headBlock + n) % n
	empty := e.cache.Head() == e.cache.Tail()

	states := make([]blocks.BlockState, n)
	for i := range states {
		switch {
		case e.bbm.IsBad(blocks.BlockIndex(i)):
			states[i] = blocks.BadBlockState
		case i == headBlock:
			states[i] = blocks.HeadBlockState
		case i == tailBlock:
			states[i] = blocks.TailBlockState
		case !empty && (i-headBlock+n)%n < usedBlocks:
			states[i] = blocks.UsedBlockState
		default:
			states[i] = blocks.FreeBlockState
		}
	}
	return states
}

func (e *Engine) adoptHead() error {
	var errs error
	for block := blocks.BlockIndex(0); int(block) < e.geometry.Blocks; block++ {
		if e.bbm.IsBad(block) {
			continue
		}
		if err := e.store.MarkHead(block); err != nil {
			e.log.Warn("Marking head block failed", zap.Uint32("block", uint32(block)), zap.Error(err))
			e.bbm.Mark(block)
			errs = multierr.Append(errs, err)
			continue
		}
		e.log.Warn("Head of the log not found, new log started", zap.Uint32("block", uint32(block)))
		return nil
	}
	return errors.Wrap(multierr.Append(persistence.ErrNoUsableBlock, errs), "starting log failed")
}

func (e *Engine) checkWritable() error {
	if e.rebuildErr != nil {
		return errors.Wrapf(ErrReadOnly, "last rebuild failed: %s", e.rebuildErr)
	}
	return nil
}

func (e *Engine) validateSector(sector blocks.Sector) error {
	if int(sector) >= e.sectorCount {
		return errors.Wrapf(persistence.ErrOutOfRange, "sector %d, sector count: %d", sector, e.sectorCount)
	}
	return nil
}

func (e *Engine) updateDefragNeeded() {
	e.defragNeeded = e.cache.FreePages() < e.lowWaterPages
}

func (c Config) sectorCount() (int, error) {
	maxCount := int(blocks.MaxSector) + 1
	switch {
	case c.SectorCount == 0:
		return maxCount, nil
	case c.SectorCount < 0 || c.SectorCount > maxCount:
		return 0, errors.Errorf("invalid sector count: %d, maximum: %d", c.SectorCount, maxCount)
	default:
		return c.SectorCount, nil
	}
}

func (c Config) lowWaterPages(geometry blocks.Geometry) (int, error) {
	if c.LowWaterBlocks < 0 {
		return 0, errors.Errorf("invalid low-water mark: %d", c.LowWaterBlocks)
	}
	lowWater := c.LowWaterBlocks
	if lowWater == 0 {
		lowWater = DefaultLowWaterBlocks
	}
	// Two blocks let a pass started at the mark relocate a head block full of live pages.
	if limit := max(2, geometry.Blocks/8); lowWater > limit {
		lowWater = limit
	}
	return lowWater * geometry.PagesPerBlock, nil
}
