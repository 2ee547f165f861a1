package blocks

import (
	"github.com/pkg/errors"
)

// ErrChecksumMismatch is returned when the checksum stored in the page does not match its data.
var ErrChecksumMismatch = errors.New("checksum mismatch")

const checksumSeed = 0xFFFF

// Checksum computes CRC16 (CCITT polynomial, seed 0xFFFF) of bytes.
func Checksum(b []byte) uint16 {
	crc := uint16(checksumSeed)
	for _, v := range b {
		x := byte(crc>>8) ^ v
		x ^= x >> 4
		crc = (crc << 8) ^ uint16(x)<<12 ^ uint16(x)<<5 ^ uint16(x)
	}
	return crc
}

// VerifyChecksum verifies that checksum of provided data matches the expected one.
func VerifyChecksum(page PageIndex, p []byte, expectedChecksum uint16) error {
	checksum := Checksum(p)
	if checksum == expectedChecksum {
		return nil
	}
	return errors.Wrapf(ErrChecksumMismatch, "page %d, computed: %#04x, expected: %#04x",
		page, checksum, expectedChecksum)
}
