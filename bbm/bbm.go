package bbm

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/blocks"
	"github.com/outofforest/ftl/persistence"
)

// Manager tracks blocks which must not be used.
// The table lives in memory only and is recomputed by Test on every cold start.
type Manager struct {
	geometry blocks.Geometry
	bad      *bitset.BitSet
	log      *zap.Logger
}

// New returns new bad block manager with all the blocks considered usable.
func New(geometry blocks.Geometry, log *zap.Logger) *Manager {
	return &Manager{
		geometry: geometry,
		bad:      bitset.New(uint(geometry.Blocks)),
		log:      log,
	}
}

// Test probes every block by programming the pattern into the spare area of its first page and reading it back.
// Blocks failing the probe are marked as bad. The probe is destructive for the probed byte.
func (m *Manager) Test(s *persistence.Store) {
	m.bad.ClearAll()

	offset := m.geometry.PageDataSize + m.geometry.ProbeOffset()
	buf := []byte{blocks.ProbeMarker}
	for block := blocks.BlockIndex(0); int(block) < m.geometry.Blocks; block++ {
		page := m.geometry.FirstPage(block)

		buf[0] = blocks.ProbeMarker
		if err := s.WritePage(page, offset, buf); err != nil {
			m.markFailed(block, err)
			continue
		}

		buf[0] = 0x00
		if err := s.ReadPage(page, offset, buf); err != nil {
			m.markFailed(block, err)
			continue
		}
		if buf[0] != blocks.ProbeMarker {
			m.log.Warn("Probe pattern mismatch",
				zap.Uint32("block", uint32(block)), zap.Uint8("read", buf[0]))
			m.Mark(block)
		}
	}

	if n := m.Count(); n > 0 {
		m.log.Warn("Bad blocks detected", zap.Int("count", n), zap.Uint32s("blocks", m.blockNumbers()))
	}
}

// Mark marks block as bad.
func (m *Manager) Mark(block blocks.BlockIndex) {
	if int(block) < m.geometry.Blocks {
		m.bad.Set(uint(block))
	}
}

// IsBad returns true if block is bad or out of range.
func (m *Manager) IsBad(block blocks.BlockIndex) bool {
	if int(block) >= m.geometry.Blocks {
		return true
	}
	return m.bad.Test(uint(block))
}

// IsPageInBad returns true if page belongs to the bad block.
func (m *Manager) IsPageInBad(page blocks.PageIndex) bool {
	return m.IsBad(m.geometry.BlockOf(page))
}

// Count returns the number of bad blocks.
func (m *Manager) Count() int {
	return int(m.bad.Count())
}

// Blocks returns the list of bad blocks.
func (m *Manager) Blocks() []blocks.BlockIndex {
	result := make([]blocks.BlockIndex, 0, m.Count())
	for i, ok := m.bad.NextSet(0); ok; i, ok = m.bad.NextSet(i + 1) {
		result = append(result, blocks.BlockIndex(i))
	}
	return result
}

func (m *Manager) markFailed(block blocks.BlockIndex, err error) {
	m.log.Warn("Block probe failed", zap.Uint32("block", uint32(block)), zap.Error(err))
	m.Mark(block)
}

func (m *Manager) blockNumbers() []uint32 {
	bad := m.Blocks()
	result := make([]uint32, 0, len(bad))
	for _, b := range bad {
		result = append(result, uint32(b))
	}
	return result
}
