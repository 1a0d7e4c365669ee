package pipeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/types"
)

// receiveDir is where an in-progress incoming transfer's volume files land
// before FinalizeVolume imports each one and, once every manifest volume
// has finalized, the whole transfer is committed into the permanent backup
// tree — kept separate from backupPath's committed backups so a failed
// transfer never leaves a half-written backup visible to Restore.
func (m *Manager) receiveDir(uuid string) string {
	return filepath.Join(m.backupPath, ".receiving", uuid)
}

func stagedVolumeFile(dir, pool, volume, ext string) string {
	return filepath.Join(dir, pool+"_"+volume+"."+ext)
}

// BeginReceive handles the preflight config POST: it stages the incoming
// manifest and target pool so subsequent block requests know where each
// volume's data should land.
func (m *Manager) BeginReceive(ctx context.Context, uuid string, manifest Manifest, targetPool string) error {
	dir := m.receiveDir(uuid)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("pipeline: create receive dir: %w", err)
	}
	manifest.VMUUID = uuid
	if err := writeManifest(dir, manifest); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "target_pool"), []byte(targetPool), 0640)
}

// ReceiveFullImage streams one volume's full image body straight into the
// staging directory. The wire protocol sends the whole image as a single
// POST body, so this is a plain copy — any per-batch progress reporting
// happens on the sending side, which knows how many bytes it intends to
// push in total.
func (m *Manager) ReceiveFullImage(ctx context.Context, uuid, pool, volume string, size int64, r io.Reader) error {
	dir := m.receiveDir(uuid)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errkind.NewInvariant("pipeline.ReceiveFullImage", "no in-progress receive for "+uuid+"; config step missing")
	}

	dst, err := os.Create(stagedVolumeFile(dir, pool, volume, "img"))
	if err != nil {
		return fmt.Errorf("pipeline: create staged image %s/%s: %w", pool, volume, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		return errkind.WrapTransient("pipeline.ReceiveFullImage", err)
	}
	return nil
}

// ReceiveIncrementalBatch appends one batch of framed dirty extents —
// each frame (offset:u64_be || length:u64_be || data) — to the volume's
// staged diff file, writing each extent at its recorded offset so the
// file reassembles byte-identically to the exported diff regardless of
// batch boundaries.
func (m *Manager) ReceiveIncrementalBatch(ctx context.Context, uuid, pool, volume string, r io.Reader) error {
	dir := m.receiveDir(uuid)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errkind.NewInvariant("pipeline.ReceiveIncrementalBatch", "no in-progress receive for "+uuid+"; config step missing")
	}

	dst, err := os.OpenFile(stagedVolumeFile(dir, pool, volume, "diff"), os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("pipeline: open staged diff %s/%s: %w", pool, volume, err)
	}
	defer dst.Close()

	var hdr [16]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errkind.WrapTransient("pipeline.ReceiveIncrementalBatch", err)
		}
		offset := int64(binary.BigEndian.Uint64(hdr[0:8]))
		length := int64(binary.BigEndian.Uint64(hdr[8:16]))

		if _, err := io.CopyN(&sectionWriter{dst, offset}, r, length); err != nil {
			return errkind.WrapTransient("pipeline.ReceiveIncrementalBatch", err)
		}
	}
}

// sectionWriter adapts os.File.WriteAt to io.Writer starting at a fixed
// offset and advancing it after each write, used so io.CopyN can stream a
// frame's payload straight onto disk without buffering it in memory first.
type sectionWriter struct {
	f      *os.File
	offset int64
}

func (s *sectionWriter) Write(p []byte) (int, error) {
	n, err := s.f.WriteAt(p, s.offset)
	s.offset += int64(n)
	return n, err
}

// appliedVolumes tracks which of a transfer's volumes have been finalized
// and imported, so FinalizeVolume knows when the last one lands and the
// whole transfer can be committed.
func appliedVolumesPath(dir string) string {
	return filepath.Join(dir, "applied.json")
}

func readAppliedVolumes(dir string) (map[string]bool, error) {
	raw, err := os.ReadFile(appliedVolumesPath(dir))
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	var applied map[string]bool
	if err := json.Unmarshal(raw, &applied); err != nil {
		return nil, fmt.Errorf("pipeline: decode applied volumes: %w", err)
	}
	return applied, nil
}

func writeAppliedVolumes(dir string, applied map[string]bool) error {
	raw, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("pipeline: encode applied volumes: %w", err)
	}
	return os.WriteFile(appliedVolumesPath(dir), raw, 0640)
}

// FinalizeVolume imports one volume's staged data into targetPool (read
// from the staged config) and marks it applied. Once every volume named in
// the transfer's manifest has been finalized, the staged directory is
// committed into the permanent backup tree and the VM is registered —
// without re-importing any volume's data a second time.
func (m *Manager) FinalizeVolume(ctx context.Context, uuid, pool, volume, snapshot string) error {
	dir := m.receiveDir(uuid)
	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}
	targetPoolRaw, err := os.ReadFile(filepath.Join(dir, "target_pool"))
	if err != nil {
		return fmt.Errorf("pipeline: read staged target pool: %w", err)
	}
	targetPool := string(targetPoolRaw)

	mv := findManifestVolume(manifest, pool, volume)
	if mv == nil {
		return errkind.NewNotFound("pipeline.FinalizeVolume", fmt.Sprintf("manifest has no volume %s/%s", pool, volume))
	}

	if mv.ParentSnap != "" {
		if err := m.ceph.RBDImportDiff(ctx, stagedVolumeFile(dir, pool, volume, "diff"), targetPool, volume, 0); err != nil {
			return err
		}
	} else {
		if err := m.ceph.RBDImport(ctx, stagedVolumeFile(dir, pool, volume, "img"), targetPool, volume, 0); err != nil {
			return err
		}
	}

	applied, err := readAppliedVolumes(dir)
	if err != nil {
		return err
	}
	applied[pool+"/"+volume] = true
	if err := writeAppliedVolumes(dir, applied); err != nil {
		return err
	}

	if len(applied) < len(manifest.Volumes) {
		return nil
	}
	return m.completeReceive(ctx, uuid, manifest, targetPool)
}

// completeReceive moves a fully-finalized transfer's staging directory
// into the permanent backup tree and registers the VM. Every volume's data
// has already been imported by FinalizeVolume, so this only reconstructs
// the VM's definition from the manifest.
func (m *Manager) completeReceive(ctx context.Context, uuid string, manifest Manifest, targetPool string) error {
	dir := m.receiveDir(uuid)
	finalDir := filepath.Join(m.backupPath, uuid, manifest.Name)
	if err := os.MkdirAll(filepath.Dir(finalDir), 0750); err != nil {
		return fmt.Errorf("pipeline: create final backup dir: %w", err)
	}
	if err := os.Rename(dir, finalDir); err != nil {
		return fmt.Errorf("pipeline: commit staged receive: %w", err)
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
