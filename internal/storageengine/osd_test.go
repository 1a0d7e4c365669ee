package storageengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckBlankAllowsMissingDevice(t *testing.T) {
	// A device that does not exist yet (or isn't readable by this process)
	// is left for the later ceph-volume call to reject with its own error,
	// rather than checkBlank guessing at the reason.
	err := checkBlank(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
}

func TestCheckBlankAllowsFileWithNoPartitionTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64*1024*1024))
	require.NoError(t, f.Close())

	require.NoError(t, checkBlank(path))
}
