//go:build windows

package filedev

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func lock(file *os.File) error {
	err := windows.LockFileEx(windows.Handle(file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &windows.Overlapped{})
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return errors.Wrapf(ErrLocked, "image %s", file.Name())
		}
		return errors.WithStack(err)
	}
	return nil
}

func unlock(file *os.File) error {
	return errors.WithStack(windows.UnlockFileEx(windows.Handle(file.Fd()), 0, 1, 0, &windows.Overlapped{}))
}
