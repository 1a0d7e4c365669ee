package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-systems/meridian/internal/types"
)

func TestReceiveFullImageRejectsWithoutBeginReceive(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	err := mgr.ReceiveFullImage(context.Background(), "vm-unknown", "rbd", "disk0", 4, bytes.NewReader([]byte("data")))
	require.Error(t, err)
}

func TestBeginReceiveFullImageFinalizeRoundTrip(t *testing.T) {
	mgr, vmMgr, backupDir := newTestManager(t)
	ctx := context.Background()

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)
	v.Volumes = []types.VolumeRef{{Pool: "rbd", Volume: "vm1-disk0"}}
	require.NoError(t, vmMgr.Import(ctx, v))

	manifest := Manifest{
		Name: "incoming1",
		XML:  testDomainXML,
		Volumes: []ManifestVolume{
			{Pool: "rbd", Volume: "vm1-disk0", File: "rbd_vm1-disk0.img", SnapName: "mr1"},
		},
	}
	require.NoError(t, mgr.BeginReceive(ctx, v.UUID, manifest, "rbd-target"))
	require.NoError(t, mgr.ReceiveFullImage(ctx, v.UUID, "rbd", "vm1-disk0", 16, bytes.NewReader([]byte("fake-image-bytes"))))
	require.NoError(t, mgr.FinalizeVolume(ctx, v.UUID, "rbd", "vm1-disk0", "mr1"))

	finalManifest, err := readManifest(filepath.Join(backupDir, v.UUID, "incoming1"))
	require.NoError(t, err)
	require.Equal(t, v.UUID, finalManifest.VMUUID)

	got, err := vmMgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "rbd-target", got.Volumes[0].Pool)

	_, err = os.Stat(mgr.receiveDir(v.UUID))
	require.True(t, os.IsNotExist(err), "staging directory must be moved away once every volume is finalized")
}

func TestFinalizeVolumeWaitsForEveryManifestVolume(t *testing.T) {
	mgr, vmMgr, backupDir := newTestManager(t)
	ctx := context.Background()

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)
	v.Volumes = []types.VolumeRef{{Pool: "rbd", Volume: "disk0"}, {Pool: "rbd", Volume: "disk1"}}
	require.NoError(t, vmMgr.Import(ctx, v))

	manifest := Manifest{
		Name: "incoming1",
		XML:  testDomainXML,
		Volumes: []ManifestVolume{
			{Pool: "rbd", Volume: "disk0", File: "rbd_disk0.img", SnapName: "mr1"},
			{Pool: "rbd", Volume: "disk1", File: "rbd_disk1.img", SnapName: "mr1"},
		},
	}
	require.NoError(t, mgr.BeginReceive(ctx, v.UUID, manifest, "rbd-target"))
	require.NoError(t, mgr.ReceiveFullImage(ctx, v.UUID, "rbd", "disk0", 4, bytes.NewReader([]byte("aaaa"))))
	require.NoError(t, mgr.ReceiveFullImage(ctx, v.UUID, "rbd", "disk1", 4, bytes.NewReader([]byte("bbbb"))))

	require.NoError(t, mgr.FinalizeVolume(ctx, v.UUID, "rbd", "disk0", "mr1"))
	_, err = os.Stat(mgr.receiveDir(v.UUID))
	require.NoError(t, err, "staging dir must still exist: disk1 has not finalized yet")

	require.NoError(t, mgr.FinalizeVolume(ctx, v.UUID, "rbd", "disk1", "mr1"))
	_, err = os.Stat(mgr.receiveDir(v.UUID))
	require.True(t, os.IsNotExist(err), "staging dir must be committed once both volumes finalize")

	_, err = readManifest(filepath.Join(backupDir, v.UUID, "incoming1"))
	require.NoError(t, err)
}

func TestReceiveIncrementalBatchReassemblesOffsets(t *testing.T) {
	mgr, vmMgr, _ := newTestManager(t)
	ctx := context.Background()

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)
	v.Volumes = []types.VolumeRef{{Pool: "rbd", Volume: "vm1-disk0"}}
	require.NoError(t, vmMgr.Import(ctx, v))

	manifest := Manifest{
		Name: "incoming1",
		XML:  testDomainXML,
		Volumes: []ManifestVolume{
			{Pool: "rbd", Volume: "vm1-disk0", File: "rbd_vm1-disk0.diff", SnapName: "mr2", ParentSnap: "mr1"},
		},
	}
	require.NoError(t, mgr.BeginReceive(ctx, v.UUID, manifest, "rbd-target"))

	var buf bytes.Buffer
	writeFrame(&buf, 4, []byte("BBBB"))
	writeFrame(&buf, 0, []byte("AAAA"))
	require.NoError(t, mgr.ReceiveIncrementalBatch(ctx, v.UUID, "rbd", "vm1-disk0", &buf))

	got, err := os.ReadFile(stagedVolumeFile(mgr.receiveDir(v.UUID), "rbd", "vm1-disk0", "diff"))
	require.NoError(t, err)
	require.Equal(t, "AAAABBBB", string(got))

	require.NoError(t, mgr.FinalizeVolume(ctx, v.UUID, "rbd", "vm1-disk0", "mr2"))
}

func writeFrame(buf *bytes.Buffer, offset int64, data []byte) {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(data)))
	buf.Write(hdr[:])
	buf.Write(data)
}
