// Package pipeline implements the snapshot, filesystem backup/restore,
// send-to-remote, and mirror data-protection operations (§4.G). A
// Manager coordinates Store records with internal/cephcli for the actual
// RBD snapshot/export work and internal/vm for the VM-level snapshot
// metadata.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fenwick-systems/meridian/internal/cephcli"
	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/metrics"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
	"github.com/fenwick-systems/meridian/internal/vm"
)

// MinPeerVersion is the lowest send-to-remote protocol version this
// cluster will accept a transfer from, pinned per §9's resolution of the
// protocol-compatibility open question.
const MinPeerVersion = "0.9.100"

// Manager coordinates the full backup/restore/mirror pipeline.
type Manager struct {
	st      store.Store
	ceph    *cephcli.Client
	vmMgr   *vm.Manager
	backupPath string
}

func New(st store.Store, ceph *cephcli.Client, vmMgr *vm.Manager, backupPath string) *Manager {
	return &Manager{st: st, ceph: ceph, vmMgr: vmMgr, backupPath: backupPath}
}

// --- Snapshots ---

// SnapshotCreate creates an RBD snapshot of every volume attached to a VM
// and records the group under the VM's snapshot list.
func (m *Manager) SnapshotCreate(ctx context.Context, uuid, name string) error {
	v, err := m.vmMgr.Get(ctx, uuid)
	if err != nil {
		return err
	}

	var rbdSnaps []string
	for _, vol := range v.Volumes {
		if err := m.ceph.RBDSnapCreate(ctx, vol.Pool, vol.Volume, name); err != nil {
			return err
		}
		rbdSnaps = append(rbdSnaps, fmt.Sprintf("%s/%s@%s", vol.Pool, vol.Volume, name))
	}

	snap := types.VMSnapshot{VMUUID: uuid, Name: name, CreatedAt: time.Now().UTC(), XML: v.XML, RBDSnapshots: rbdSnaps}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("pipeline: encode snapshot %s/%s: %w", uuid, name, err)
	}
	return m.st.Write(ctx, []store.WritePair{{Path: schema.DomainSnapshotKey(uuid, name), Value: raw}})
}

// SnapshotRemove deletes a snapshot group.
func (m *Manager) SnapshotRemove(ctx context.Context, uuid, name string) error {
	snap, err := m.getSnapshot(ctx, uuid, name)
	if err != nil {
		return err
	}
	for _, ref := range snap.RBDSnapshots {
		pool, volume, snapName, err := splitRBDSnapRef(ref)
		if err != nil {
			return err
		}
		if err := m.ceph.RBDSnapRemove(ctx, pool, volume, snapName); err != nil {
			return err
		}
	}
	return m.st.Delete(ctx, []string{schema.DomainSnapshotKey(uuid, name)}, true)
}

// SnapshotRollback rolls every volume in a snapshot group back in place.
// The VM must be shut down first; callers are expected to have already
// done so via vm.Manager.Shutdown.
func (m *Manager) SnapshotRollback(ctx context.Context, uuid, name string) error {
	snap, err := m.getSnapshot(ctx, uuid, name)
	if err != nil {
		return err
	}
	for _, ref := range snap.RBDSnapshots {
		pool, volume, snapName, err := splitRBDSnapRef(ref)
		if err != nil {
			return err
		}
		if err := m.ceph.RBDSnapRollback(ctx, pool, volume, snapName); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) getSnapshot(ctx context.Context, uuid, name string) (types.VMSnapshot, error) {
	kv, err := m.st.Read(ctx, schema.DomainSnapshotKey(uuid, name))
	if err != nil {
		return types.VMSnapshot{}, err
	}
	var snap types.VMSnapshot
	if err := json.Unmarshal(kv.Value, &snap); err != nil {
		return types.VMSnapshot{}, fmt.Errorf("pipeline: decode snapshot %s/%s: %w", uuid, name, err)
	}
	return snap, nil
}

func splitRBDSnapRef(ref string) (pool, volume, snap string, err error) {
	n, scanErr := fmt.Sscanf(ref, "%[^/]/%[^@]@%s", &pool, &volume, &snap)
	if scanErr != nil || n != 3 {
		return "", "", "", fmt.Errorf("pipeline: malformed rbd snapshot ref %q", ref)
	}
	return pool, volume, snap, nil
}

// --- Filesystem backup/restore ---

// Manifest is the on-disk description of one filesystem backup, written
// alongside the exported RBD data so a restore (possibly on a different
// cluster) can reconstruct the VM without consulting the Store. It is
// written in both the success and failure case, so a failed backup still
// leaves a diagnosable record of what was attempted (§4.G).
type Manifest struct {
	VMUUID       string           `json:"vm_uuid"`
	Name         string           `json:"name"`
	XML          string           `json:"xml"`
	Metadata     types.VMMetadata `json:"metadata"`
	Volumes      []ManifestVolume `json:"volumes"`
	Incremental  bool             `json:"incremental"`
	ParentBackup string           `json:"parent_backup,omitempty"`
	Retained     bool             `json:"retained"`
	TotalBytes   int64            `json:"total_bytes"`
	RuntimeMS    int64            `json:"runtime_ms"`
	Result       bool             `json:"result"`
	Message      string           `json:"message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type ManifestVolume struct {
	Pool       string `json:"pool"`
	Volume     string `json:"volume"`
	File       string `json:"file"`
	SnapName   string `json:"snap_name"`
	ParentSnap string `json:"parent_snap,omitempty"`
}

// BackupFull exports every volume of a VM in full to backupPath/<uuid>/<name>/.
// If retainSnapshot is false, the RBD snapshot taken to pin each volume for
// export is removed again once the export completes. The manifest is
// written whether the backup succeeds or fails, so a mid-loop export error
// still leaves a diagnosable record instead of a silently incomplete
// directory.
func (m *Manager) BackupFull(ctx context.Context, uuid, name string, retainSnapshot bool, timeout time.Duration) error {
	start := time.Now()
	v, err := m.vmMgr.Get(ctx, uuid)
	if err != nil {
		return err
	}

	dir := filepath.Join(m.backupPath, uuid, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("pipeline: create backup dir: %w", err)
	}

	snapName := "backup-" + name
	manifest := Manifest{VMUUID: uuid, Name: name, XML: v.XML, Metadata: v.Metadata, Retained: retainSnapshot, CreatedAt: start}

	var total int64
	for _, vol := range v.Volumes {
		if err := m.ceph.RBDSnapCreate(ctx, vol.Pool, vol.Volume, snapName); err != nil {
			return m.failBackup(dir, manifest, start, err)
		}
		file := filepath.Join(dir, vol.Pool+"_"+vol.Volume+".img")
		if err := m.ceph.RBDExport(ctx, vol.Pool, vol.Volume, file, timeout); err != nil {
			return m.failBackup(dir, manifest, start, err)
		}
		size := fileSize(file)
		total += size
		metrics.BackupBytesTotal.WithLabelValues("full").Add(float64(size))
		manifest.Volumes = append(manifest.Volumes, ManifestVolume{Pool: vol.Pool, Volume: vol.Volume, File: filepath.Base(file), SnapName: snapName})

		if !retainSnapshot {
			if err := m.ceph.RBDSnapRemove(ctx, vol.Pool, vol.Volume, snapName); err != nil {
				return m.failBackup(dir, manifest, start, err)
			}
		}
	}

	manifest.TotalBytes = total
	manifest.RuntimeMS = time.Since(start).Milliseconds()
	manifest.Result = true
	return writeManifest(dir, manifest)
}

// BackupIncremental exports only the blocks changed since parentBackup's
// snapshot. Per spec, requesting retain_snapshot=true together with an
// incremental backup is rejected outright as an Invariant error:
// incrementals are always chained off a retained parent snapshot, so
// retaining the snapshot this run produces would leave two snapshots alive
// per volume with no way to express which one a future incremental should
// chain from.
func (m *Manager) BackupIncremental(ctx context.Context, uuid, name, parentBackup string, retainSnapshot bool, timeout time.Duration) error {
	start := time.Now()
	if retainSnapshot {
		return errkind.NewInvariant("pipeline.BackupIncremental", "incremental backup cannot retain_snapshot")
	}

	v, err := m.vmMgr.Get(ctx, uuid)
	if err != nil {
		return err
	}
	parent, err := readManifest(filepath.Join(m.backupPath, uuid, parentBackup))
	if err != nil {
		return err
	}

	dir := filepath.Join(m.backupPath, uuid, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("pipeline: create backup dir: %w", err)
	}

	snapName := "backup-" + name
	manifest := Manifest{VMUUID: uuid, Name: name, XML: v.XML, Metadata: v.Metadata, Incremental: true, ParentBackup: parentBackup, CreatedAt: start}

	var total int64
	for _, vol := range v.Volumes {
		parentVol := findManifestVolume(parent, vol.Pool, vol.Volume)
		if parentVol == nil {
			return m.failBackup(dir, manifest, start, fmt.Errorf("parent backup missing volume %s/%s", vol.Pool, vol.Volume))
		}
		if err := m.ceph.RBDSnapCreate(ctx, vol.Pool, vol.Volume, snapName); err != nil {
			return m.failBackup(dir, manifest, start, err)
		}
		file := filepath.Join(dir, vol.Pool+"_"+vol.Volume+".diff")
		if err := m.ceph.RBDExportDiff(ctx, vol.Pool, vol.Volume, parentVol.SnapName, file, timeout); err != nil {
			return m.failBackup(dir, manifest, start, err)
		}
		size := fileSize(file)
		total += size
		metrics.BackupBytesTotal.WithLabelValues("incremental").Add(float64(size))
		manifest.Volumes = append(manifest.Volumes, ManifestVolume{Pool: vol.Pool, Volume: vol.Volume, File: filepath.Base(file), SnapName: snapName, ParentSnap: parentVol.SnapName})

		if err := m.ceph.RBDSnapRemove(ctx, vol.Pool, vol.Volume, snapName); err != nil {
			return m.failBackup(dir, manifest, start, err)
		}
	}

	manifest.TotalBytes = total
	manifest.RuntimeMS = time.Since(start).Milliseconds()
	manifest.Result = true
	return writeManifest(dir, manifest)
}

// failBackup writes the manifest accumulated so far with result=false and
// the triggering error's message, then returns that error, so a mid-loop
// export failure still leaves a diagnosable manifest.json instead of
// nothing at all.
func (m *Manager) failBackup(dir string, manifest Manifest, start time.Time, cause error) error {
	manifest.RuntimeMS = time.Since(start).Milliseconds()
	manifest.Result = false
	manifest.Message = cause.Error()
	if err := writeManifest(dir, manifest); err != nil {
		return err
	}
	return cause
}

// Restore imports a backup's manifest into new RBD volumes and registers
// the VM. If the manifest is incremental and its declared parent is
// absent (the two clusters diverged, or the parent was pruned), this
// returns an errkind.NotFound per §9 rather than silently producing a
// corrupt disk image.
func (m *Manager) Restore(ctx context.Context, uuid, backupName, targetPool string, timeout time.Duration) error {
	dir := filepath.Join(m.backupPath, uuid, backupName)
	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}

	if manifest.Incremental {
		parentDir := filepath.Join(m.backupPath, uuid, manifest.ParentBackup)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return errkind.NewNotFound("pipeline.Restore", "parent backup "+manifest.ParentBackup+" not found")
		}
		if err := m.restoreChain(ctx, uuid, manifest.ParentBackup, targetPool, timeout); err != nil {
			return err
		}
		for _, vol := range manifest.Volumes {
			if err := m.ceph.RBDImportDiff(ctx, filepath.Join(dir, vol.File), targetPool, vol.Volume, timeout); err != nil {
				return err
			}
		}
	} else {
		for _, vol := range manifest.Volumes {
			if err := m.ceph.RBDImport(ctx, filepath.Join(dir, vol.File), targetPool, vol.Volume, timeout); err != nil {
				return err
			}
		}
	}

	var refs []types.VolumeRef
	for _, vol := range manifest.Volumes {
		refs = append(refs, types.VolumeRef{Pool: targetPool, Volume: vol.Volume})
	}

	return m.vmMgr.Restore(ctx, types.VM{
		UUID:     uuid,
		Name:     manifest.Name,
		XML:      manifest.XML,
		Metadata: manifest.Metadata,
		Volumes:  refs,
	})
}

func (m *Manager) restoreChain(ctx context.Context, uuid, backupName, targetPool string, timeout time.Duration) error {
	dir := filepath.Join(m.backupPath, uuid, backupName)
	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}
	if manifest.Incremental {
		if err := m.restoreChain(ctx, uuid, manifest.ParentBackup, targetPool, timeout); err != nil {
			return err
		}
		for _, vol := range manifest.Volumes {
			if err := m.ceph.RBDImportDiff(ctx, filepath.Join(dir, vol.File), targetPool, vol.Volume, timeout); err != nil {
				return err
			}
		}
		return nil
	}
	for _, vol := range manifest.Volumes {
		if err := m.ceph.RBDImport(ctx, filepath.Join(dir, vol.File), targetPool, vol.Volume, timeout); err != nil {
			return err
		}
	}
	return nil
}

func findManifestVolume(m Manifest, pool, volume string) *ManifestVolume {
	for i := range m.Volumes {
		if m.Volumes[i].Pool == pool && m.Volumes[i].Volume == volume {
			return &m.Volumes[i]
		}
	}
	return nil
}

func writeManifest(dir string, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0640)
}

func readManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, errkind.NewNotFound("pipeline.readManifest", dir+"/manifest.json not found")
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("pipeline: decode manifest: %w", err)
	}
	return m, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
