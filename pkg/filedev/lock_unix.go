//go:build unix

package filedev

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func lock(file *os.File) error {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errors.Wrapf(ErrLocked, "image %s", file.Name())
		}
		return errors.WithStack(err)
	}
	return nil
}

func unlock(file *os.File) error {
	return errors.WithStack(unix.Flock(int(file.Fd()), unix.LOCK_UN))
}
