package blocks

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Offsets of the fields stored in the spare area of the page.
const (
	TagOffset        = 0
	ChecksumOffset   = 2
	ReleasedOffset   = 4
	HeadMarkerOffset = 5

	// WrittenSpareSize is the number of spare bytes programmed together with the page data.
	WrittenSpareSize = 4

	// SpareHeaderSize is the number of spare bytes holding the metadata.
	SpareHeaderSize = 6

	probeSpareOffset = 48
)

// Marker values stored in the spare area.
const (
	LiveMarker     byte = 0xFF
	ReleasedMarker byte = 0xF0
	HeadMarker     byte = 0x55
	ProbeMarker    byte = 0x55
)

// Tag is the sector number as stored on the device.
type Tag uint16

// Reserved tags.
const (
	// NoTag marks the page abandoned by failed program.
	NoTag Tag = 0x0000

	// EmptyTag is read from the page which has never been programmed since the last erase.
	EmptyTag Tag = 0xFFFF
)

// EncodeTag converts sector number to the tag stored on the device.
func EncodeTag(sector Sector) Tag {
	return Tag(sector) + 1
}

// Sector converts tag to the sector number. False is returned for reserved tags.
func (t Tag) Sector() (Sector, bool) {
	if t == NoTag || t == EmptyTag {
		return 0, false
	}
	return Sector(t - 1), true
}

// Spare is the metadata stored in the spare area of the page.
type Spare struct {
	Tag        Tag
	Checksum   uint16
	Released   byte
	HeadMarker byte
}

// Live returns true if page holds the current copy of its sector.
func (s Spare) Live() bool {
	return s.Released == LiveMarker
}

// DecodeSpare decodes the metadata from the beginning of the spare area.
func DecodeSpare(b []byte) (Spare, error) {
	if len(b) < SpareHeaderSize {
		return Spare{}, errors.Errorf("spare buffer too small: %d", len(b))
	}
	return Spare{
		Tag:        Tag(binary.LittleEndian.Uint16(b[TagOffset:])),
		Checksum:   binary.LittleEndian.Uint16(b[ChecksumOffset:]),
		Released:   b[ReleasedOffset],
		HeadMarker: b[HeadMarkerOffset],
	}, nil
}

// PutWritten stores the fields programmed together with page data: tag and checksum.
func (s Spare) PutWritten(b []byte) {
	s.Tag.Put(b[TagOffset:])
	binary.LittleEndian.PutUint16(b[ChecksumOffset:], s.Checksum)
}

// Put stores the tag in its on-device form.
func (t Tag) Put(b []byte) {
	binary.LittleEndian.PutUint16(b, uint16(t))
}
