package ftl

import "github.com/pkg/errors"

var (
	// ErrDeviceFull is returned if there is no writable page left in the log.
	ErrDeviceFull = errors.New("no writable page left on the device")

	// ErrInconsistent is returned if page resolved for the sector carries the tag of another sector.
	ErrInconsistent = errors.New("sector location is inconsistent")

	// ErrReadOnly is returned by modifying operations if the last rebuild did not recover the log.
	ErrReadOnly = errors.New("log is not recovered, only reads are allowed")
)
