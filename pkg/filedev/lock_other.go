//go:build !unix && !windows

package filedev

import "os"

func lock(_ *os.File) error {
	return nil
}

func unlock(_ *os.File) error {
	return nil
}
