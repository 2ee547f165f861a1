package cache

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/bbm"
	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/persistence"
)

var (
	// ErrNoLogHead is returned if none of the blocks carries the head of the log marker.
	ErrNoLogHead = errors.New("head of the log not found")

	// ErrNoFreePage is returned if scan did not find the end of the log.
	ErrNoFreePage = errors.New("no free page found in the log")

	// ErrScanDegraded is returned if scan completed but some pages could not be read.
	ErrScanDegraded = errors.New("scan completed despite device errors")
)

const unmapped = uint16(blocks.NoPage)

// Cache maps sectors to the pages holding their current content and tracks the cursors of the log.
// Everything here is derived from the device by Rebuild.
type Cache struct {
	store    *persistence.Store
	bbm      *bbm.Manager
	geometry blocks.Geometry
	logPages int
	log      *zap.Logger

	table      []uint16
	head       blocks.PageIndex
	tail       blocks.PageIndex
	lastSector blocks.Sector
	anySector  bool
}

// New creates new cache covering sectors below capacity.
func New(store *persistence.Store, bbm *bbm.Manager, capacity int, log *zap.Logger) (*Cache, error) {
	if capacity <= 0 || capacity > int(blocks.MaxSector)+1 {
		return nil, errors.Errorf("invalid cache capacity: %d", capacity)
	}

	geometry := store.Geometry()
	c := &Cache{
		store:    store,
		bbm:      bbm,
		geometry: geometry,
		logPages: geometry.LogPages(),
		log:      log,
		table:    make([]uint16, capacity),
	}
	c.reset()
	return c, nil
}

// Rebuild scans the device to find the cursors and fill the cache.
func (c *Cache) Rebuild() error {
	c.reset()

	head, err := c.findHead()
	if err != nil {
		return err
	}
	c.head = head
	c.tail = head

	var errs error
	tailFound := false
	for i, page := 0, head; i < c.logPages; i, page = i+1, c.Next(page) {
		if c.bbm.IsPageInBad(page) {
			continue
		}

		spare, err := c.store.ReadSpare(page)
		if err != nil {
			c.log.Error("Reading page during scan failed", zap.Uint32("page", uint32(page)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}

		if spare.Tag == blocks.EmptyTag {
			c.tail = page
			tailFound = true
			break
		}

		sector, ok := spare.Tag.Sector()
		if !ok {
			continue
		}
		if spare.Live() {
			c.SetEntry(sector, page)
			c.NoteSector(sector)
		} else {
			c.ClearEntry(sector)
		}
	}

	c.log.Debug("Log scanned",
		zap.Uint32("head", uint32(c.head)),
		zap.Uint32("tail", uint32(c.tail)),
		zap.Bool("tailFound", tailFound))

	if !tailFound {
		// Nothing may be appended to a log without an erased page, so it is reported as full.
		c.tail = c.Prev(c.head)
		return multierr.Append(ErrNoFreePage, errs)
	}
	if errs != nil {
		return multierr.Append(ErrScanDegraded, errs)
	}
	return nil
}

// FindSectorPage returns the page holding the current content of the sector.
func (c *Cache) FindSectorPage(sector blocks.Sector) (blocks.PageIndex, bool, error) {
	if int(sector) < len(c.table) {
		page := c.table[sector]
		if page == unmapped {
			return blocks.NoPage, false, nil
		}
		return blocks.PageIndex(page), true, nil
	}

	if !c.anySector || sector > c.lastSector || c.head == c.tail {
		return blocks.NoPage, false, nil
	}

	// The first copy found walking backward is the newest one, so its state is authoritative.
	tag := blocks.EncodeTag(sector)
	for page := c.Prev(c.tail); ; page = c.Prev(page) {
		if !c.bbm.IsPageInBad(page) {
			spare, err := c.store.ReadSpare(page)
			if err != nil {
				return blocks.NoPage, false, err
			}
			if spare.Tag == tag {
				if spare.Live() {
					return page, true, nil
				}
				return blocks.NoPage, false, nil
			}
		}
		if page == c.head {
			return blocks.NoPage, false, nil
		}
	}
}

// SetEntry assigns the page to the sector. Sectors above capacity are not cached.
func (c *Cache) SetEntry(sector blocks.Sector, page blocks.PageIndex) {
	if int(sector) < len(c.table) {
		c.table[sector] = uint16(page)
	}
}

// ClearEntry marks the sector as unmapped.
func (c *Cache) ClearEntry(sector blocks.Sector) {
	c.SetEntry(sector, blocks.NoPage)
}

// NoteSector updates the highest sector number ever seen in the log.
func (c *Cache) NoteSector(sector blocks.Sector) {
	if !c.anySector || sector > c.lastSector {
		c.lastSector = sector
		c.anySector = true
	}
}

// LastSector returns the highest sector number seen in the log. False is returned if log contains no sectors.
func (c *Cache) LastSector() (blocks.Sector, bool) {
	return c.lastSector, c.anySector
}

// Capacity returns the number of sectors covered by the cache.
func (c *Cache) Capacity() int {
	return len(c.table)
}

// Head returns the oldest page which may hold live data.
func (c *Cache) Head() blocks.PageIndex {
	return c.head
}

// SetHead moves the head of the log.
func (c *Cache) SetHead(page blocks.PageIndex) {
	c.head = page
}

// Tail returns the next page available for writing.
func (c *Cache) Tail() blocks.PageIndex {
	return c.tail
}

// IncrementTail moves the tail to the next page outside bad blocks. Tail never passes head.
func (c *Cache) IncrementTail() {
	c.tail = c.Next(c.tail)
	for c.tail != c.head && c.bbm.IsPageInBad(c.tail) {
		c.tail = c.Next(c.tail)
	}
}

// Writable returns true if an erased page outside bad blocks stays between the page and head
// once the page is programmed. Scan relies on that page to find the end of the log.
func (c *Cache) Writable(page blocks.PageIndex) bool {
	for next := c.Next(page); next != c.head; next = c.Next(next) {
		if !c.bbm.IsPageInBad(next) {
			return true
		}
	}
	return false
}

// Next returns the page following the provided one in the log.
func (c *Cache) Next(page blocks.PageIndex) blocks.PageIndex {
	return blocks.PageIndex((int(page) + 1) % c.logPages)
}

// Prev returns the page preceding the provided one in the log.
func (c *Cache) Prev(page blocks.PageIndex) blocks.PageIndex {
	return blocks.PageIndex((int(page) + c.logPages - 1) % c.logPages)
}

// FreePages returns the number of pages between tail and head.
func (c *Cache) FreePages() int {
	if c.head == c.tail {
		return c.logPages
	}
	return (int(c.head) - int(c.tail) + c.logPages) % c.logPages
}

// UsedPages returns the number of pages between head and tail.
func (c *Cache) UsedPages() int {
	return c.logPages - c.FreePages()
}

// Snapshot is the copy of the cache state.
type Snapshot struct {
	Head       blocks.PageIndex
	Tail       blocks.PageIndex
	LastSector blocks.Sector
	AnySector  bool
	Table      []uint16
}

// Snapshot returns the copy of the cache state.
func (c *Cache) Snapshot() Snapshot {
	return Snapshot{
		Head:       c.head,
		Tail:       c.tail,
		LastSector: c.lastSector,
		AnySector:  c.anySector,
		Table:      append([]uint16(nil), c.table...),
	}
}

func (c *Cache) findHead() (blocks.PageIndex, error) {
	var errs error
	for block := blocks.BlockIndex(0); int(block) < c.geometry.Blocks; block++ {
		page := c.geometry.FirstPage(block)
		if int(page) >= c.logPages {
			break
		}
		if c.bbm.IsBad(block) {
			continue
		}

		spare, err := c.store.ReadSpare(page)
		if err != nil {
			c.log.Error("Reading block during head search failed", zap.Uint32("block", uint32(block)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if spare.HeadMarker == blocks.HeadMarker {
			return page, nil
		}
	}
	return 0, multierr.Append(ErrNoLogHead, errs)
}

func (c *Cache) reset() {
	for i := range c.table {
		c.table[i] = unmapped
	}
	c.head = 0
	c.tail = 0
	c.lastSector = 0
	c.anySector = false
}
