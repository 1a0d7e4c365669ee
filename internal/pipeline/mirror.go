package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/peerclient"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/task"
	"github.com/fenwick-systems/meridian/internal/types"
)

const sendStagingPerm = 0750

// mirrorSnapshotName returns "mr<datestring>" per the naming convention
// mirror create/promote both use for their snapshots.
func mirrorSnapshotName(now time.Time) string {
	return "mr" + now.UTC().Format("20060102150405")
}

// Preflight verifies a remote cluster is reachable, authenticated, and on
// a compatible protocol version before any send begins.
func Preflight(ctx context.Context, remote *peerclient.Client) error {
	status, err := remote.Status(ctx)
	if err != nil {
		return err
	}
	if status.Version < MinPeerVersion {
		return errkind.NewInvariant("pipeline.Preflight", fmt.Sprintf("remote version %s below minimum %s", status.Version, MinPeerVersion))
	}
	return nil
}

// MirrorCreate snapshots a VM and sends it to a remote cluster, choosing
// the most recent snapshot known to exist on both clusters as the
// incremental base (or a full send if none exists yet). If the remote
// cluster already has the VM it must be in mirror state, otherwise an
// Invariant error is returned; if it has no such VM the send proceeds.
// progress, if non-nil, receives a Task Worker
// stage update after every transfer batch (§6, §9).
func (m *Manager) MirrorCreate(ctx context.Context, uuid string, remote *peerclient.Client, targetPool string, timeout time.Duration, progress *task.Handle) error {
	if err := Preflight(ctx, remote); err != nil {
		return err
	}

	remoteVM, err := remote.GetVM(ctx, uuid)
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return err
	}
	if err == nil && remoteVM.State != string(types.VMMirror) {
		return errkind.NewInvariant("pipeline.MirrorCreate", fmt.Sprintf("remote vm %s is in state %s, not mirror", uuid, remoteVM.State))
	}

	name := mirrorSnapshotName(time.Now())
	if err := m.SnapshotCreate(ctx, uuid, name); err != nil {
		return err
	}

	parent := m.latestCommonSnapshot(ctx, uuid, remote)
	return m.sendSnapshot(ctx, uuid, name, parent, remote, targetPool, timeout, progress)
}

// MirrorPromote shuts the VM down locally, takes a final snapshot, sends
// it incrementally, starts the VM remotely (the start request carries no
// force flag), then either
// removes the local copy or marks it as a passive mirror, per the exact
// step ordering named for this operation: any crash between two steps
// leaves both clusters in a diagnosable state.
func (m *Manager) MirrorPromote(ctx context.Context, uuid string, remote *peerclient.Client, targetPool string, removeOnSource bool, timeout time.Duration, progress *task.Handle) error {
	if err := Preflight(ctx, remote); err != nil {
		return err
	}

	if err := m.vmMgr.Shutdown(ctx, uuid); err != nil {
		return err
	}

	name := mirrorSnapshotName(time.Now())
	if err := m.SnapshotCreate(ctx, uuid, name); err != nil {
		return err
	}

	parent := m.latestCommonSnapshot(ctx, uuid, remote)
	if err := m.sendSnapshot(ctx, uuid, name, parent, remote, targetPool, timeout, progress); err != nil {
		return err
	}

	if err := remote.SetVMState(ctx, uuid, string(types.VMStart)); err != nil {
		return err
	}

	if removeOnSource {
		return m.vmMgr.Delete(ctx, uuid)
	}
	return m.vmMgr.Mirror(ctx, uuid)
}

// latestCommonSnapshot returns the most recent local snapshot name the
// remote also reports having (via its LatestSnapshot field), or "" if
// none — forcing a full send, the expected first-send case. Snapshot
// names are time-sortable ("mr" + YYYYMMDDHHMMSS), so the remote's
// LatestSnapshot is usable as an incremental base only if it also exists
// in our own snapshot list; a remote that has moved ahead of what we can
// resolve locally also falls back to a full send.
func (m *Manager) latestCommonSnapshot(ctx context.Context, uuid string, remote *peerclient.Client) string {
	remoteVM, err := remote.GetVM(ctx, uuid)
	if err != nil || remoteVM.LatestSnapshot == "" {
		return ""
	}

	kv, err := m.st.Children(ctx, schema.DomainSnapshotsPrefix(uuid))
	if err != nil {
		return ""
	}
	for _, name := range kv {
		if name == remoteVM.LatestSnapshot {
			return name
		}
	}
	return ""
}

// incrementalBatchSize is the granularity a staged export-diff file is
// framed and PUT at; since this module has no librbd binding to drive
// diff_iterate's sparse-extent callback directly (§6 names it as the
// native approach; see package cephcli's doc comment on why only the CLI
// is available here), each batch's "offset" is instead the batch's byte
// position in the already-exported .diff file, which the receiver writes
// back at the same offset — byte-identical to a diff_iterate-driven send,
// just chunked at a fixed boundary rather than along ceph's own dirty
// extents.
const incrementalBatchSize = 1 << 30

func (m *Manager) sendSnapshot(ctx context.Context, uuid, name, parent string, remote *peerclient.Client, targetPool string, timeout time.Duration, progress *task.Handle) error {
	v, err := m.vmMgr.Get(ctx, uuid)
	if err != nil {
		return err
	}

	manifest := Manifest{VMUUID: uuid, Name: name, XML: v.XML, Metadata: v.Metadata, CreatedAt: time.Now()}
	if parent != "" {
		manifest.Incremental = true
		manifest.ParentBackup = parent
	}

	dir := m.receiveDir(uuid) + "-send" // local staging for files about to be streamed out
	if err := os.MkdirAll(dir, sendStagingPerm); err != nil {
		return fmt.Errorf("pipeline: create send staging dir: %w", err)
	}

	for _, vol := range v.Volumes {
		var file string
		if manifest.Incremental {
			file = vol.Pool + "_" + vol.Volume + ".diff"
			if err := m.ceph.RBDExportDiff(ctx, vol.Pool, vol.Volume, parent, dir+"/"+file, timeout); err != nil {
				return err
			}
		} else {
			file = vol.Pool + "_" + vol.Volume + ".img"
			if err := m.ceph.RBDExport(ctx, vol.Pool, vol.Volume, dir+"/"+file, timeout); err != nil {
				return err
			}
		}
		manifest.Volumes = append(manifest.Volumes, ManifestVolume{Pool: vol.Pool, Volume: vol.Volume, File: file, SnapName: name, ParentSnap: parent})
	}

	sourceSnapshot := ""
	if manifest.Incremental {
		sourceSnapshot = parent
	}
	if err := remote.SendConfig(ctx, uuid, name, sourceSnapshot, peerclient.SendConfigRequest{PeerVersion: MinPeerVersion, Manifest: manifest, TargetPool: targetPool}); err != nil {
		return err
	}

	total := len(manifest.Volumes)
	for i, vol := range manifest.Volumes {
		path := dir + "/" + vol.File
		size := fileSize(path)
		if err := remote.EnsureVolume(ctx, targetPool, vol.Volume, size, true); err != nil {
			return err
		}

		if manifest.Incremental {
			if err := m.sendIncrementalFile(ctx, remote, uuid, targetPool, vol.Volume, path, i, total, progress); err != nil {
				return err
			}
		} else {
			if err := m.sendFullImageFile(ctx, remote, uuid, targetPool, vol.Volume, name, path, size, i, total, progress); err != nil {
				return err
			}
		}

		if err := remote.FinalizeVolume(ctx, uuid, targetPool, vol.Volume, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendFullImageFile(ctx context.Context, remote *peerclient.Client, uuid, targetPool, volume, snapshot, path string, size int64, stage, totalStage int, progress *task.Handle) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pipeline: open staged send file: %w", err)
	}
	defer f.Close()

	start := time.Now()
	onBatch := func(sent int64) {
		if progress == nil {
			return
		}
		elapsed := time.Since(start).Seconds()
		if elapsed <= 0 {
			elapsed = 1
		}
		mbps := float64(sent) / (1 << 20) / elapsed
		_ = progress.Update(ctx, stage, totalStage, fmt.Sprintf("sending %s: %.1f MB/s", volume, mbps))
	}
	return remote.SendFullImage(ctx, uuid, targetPool, volume, snapshot, size, f, onBatch)
}

func (m *Manager) sendIncrementalFile(ctx context.Context, remote *peerclient.Client, uuid, targetPool, volume, path string, stage, totalStage int, progress *task.Handle) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pipeline: open staged send file: %w", err)
	}
	defer f.Close()

	start := time.Now()
	var sent int64
	buf := make([]byte, incrementalBatchSize)
	var offset int64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			frame := peerclient.IncrementalFrame{Offset: offset, Data: append([]byte(nil), buf[:n]...)}
			if sendErr := remote.SendIncrementalBatch(ctx, uuid, targetPool, volume, []peerclient.IncrementalFrame{frame}); sendErr != nil {
				return sendErr
			}
			offset += int64(n)
			sent += int64(n)
			if progress != nil {
				elapsed := time.Since(start).Seconds()
				if elapsed <= 0 {
					elapsed = 1
				}
				mbps := float64(sent) / (1 << 20) / elapsed
				_ = progress.Update(ctx, stage, totalStage, fmt.Sprintf("sending %s: %.1f MB/s", volume, mbps))
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return errkind.WrapTransient("pipeline.sendIncrementalFile", err)
		}
	}
}
