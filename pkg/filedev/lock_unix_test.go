//go:build unix

package filedev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImageIsLockedByOwner(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "nand.img")
	dev, err := Create(path, geometry)
	requireT.NoError(err)

	_, err = Open(path, geometry)
	requireT.ErrorIs(err, ErrLocked)

	requireT.NoError(dev.Close())

	dev, err = Open(path, geometry)
	requireT.NoError(err)
	requireT.NoError(dev.Close())
}
