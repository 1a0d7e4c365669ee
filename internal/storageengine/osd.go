package storageengine

import (
	"fmt"

	"github.com/diskfs/go-diskfs"

	"github.com/fenwick-systems/meridian/internal/errkind"
)

// checkBlank opens device read-only and refuses to proceed if it already
// carries a recognizable partition table, mirroring the "reject a device
// that looks like it still holds data" guard OSD add performs before ever
// invoking ceph-volume against it. A device diskfs cannot parse a table
// from (the common case for a fresh disk) is treated as blank.
func checkBlank(device string) error {
	d, err := diskfs.Open(device, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		// Device missing or unreadable is a different failure than "has a
		// partition table"; let the later ceph-volume call surface it.
		return nil
	}
	defer d.File.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil
	}
	if len(table.GetPartitions()) > 0 {
		return errkind.NewInvariant("storageengine.checkBlank",
			fmt.Sprintf("device %s already has a %s partition table, refusing to use it for a new OSD", device, table.Type()))
	}
	return nil
}
