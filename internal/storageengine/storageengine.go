// Package storageengine implements the Ceph-backed storage operations:
// OSD add/replace/refresh/remove, Pool add/remove/resize, and Volume
// add/clone/resize, as typed Store-coordinated wrappers around
// internal/cephcli.
package storageengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/fenwick-systems/meridian/internal/cephcli"
	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
)

// Engine coordinates Ceph CLI operations with the Store records that track
// OSDs, pools, and volumes cluster-wide.
type Engine struct {
	st       store.Store
	ceph     *cephcli.Client
	resizer  RunningVMResizer

	safeToDestroyTimeout time.Duration
	safeToDestroyPoll    time.Duration
}

// RunningVMResizer issues a live libvirt blockResize against the disk
// backed by pool/volume, if and only if some VM currently has it attached
// and running. A nil error with no resize performed is the expected
// outcome when no VM owns the volume or it isn't running. Kept as an
// interface so this package needs no direct dependency on internal/vm or
// internal/libvirtx (which would otherwise import ceph-volume's own
// concerns back into a VM-lookup path); the concrete implementation lives
// with whatever wires vm.Manager and libvirtx together.
type RunningVMResizer interface {
	ResizeIfRunning(ctx context.Context, pool, volume string, newSizeBytes int64) error
}

func New(st store.Store, ceph *cephcli.Client, safeToDestroyTimeout time.Duration) *Engine {
	if safeToDestroyTimeout == 0 {
		safeToDestroyTimeout = 60 * time.Second
	}
	return &Engine{st: st, ceph: ceph, safeToDestroyTimeout: safeToDestroyTimeout, safeToDestroyPoll: 2 * time.Second}
}

// WithResizer attaches the live block-resize hook VolumeResize calls when
// the volume's owning VM is running (§4.F: "resize additionally issues
// blockResize via libvirt if the owning VM is running").
func (e *Engine) WithResizer(r RunningVMResizer) *Engine {
	e.resizer = r
	return e
}

// --- Pools ---

// PoolAdd creates a new pool at the given tier with pgCount placement
// groups, then records it in the Store.
func (e *Engine) PoolAdd(ctx context.Context, name string, tier types.PoolTier, pgCount int) error {
	exists, err := e.st.Exists(ctx, schema.PoolKey(name))
	if err != nil {
		return err
	}
	if exists {
		return errkind.NewConflict("storageengine.PoolAdd", "pool "+name+" already exists")
	}
	if err := e.ceph.PoolCreate(ctx, name, pgCount); err != nil {
		return err
	}
	p := types.Pool{Name: name, Tier: tier, PGs: pgCount}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storageengine: encode pool %s: %w", name, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.PoolKey(name), Value: raw}})
}

// PoolRemove deletes a pool from Ceph and the Store, refusing to proceed
// if any volume still belongs to it.
func (e *Engine) PoolRemove(ctx context.Context, name string) error {
	children, err := e.st.Children(ctx, schema.VolumesPrefix(name))
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return errkind.NewInvariant("storageengine.PoolRemove", fmt.Sprintf("pool %s still has %d volume(s)", name, len(children)))
	}
	if err := e.ceph.PoolDelete(ctx, name); err != nil {
		return err
	}
	return e.st.Delete(ctx, []string{schema.PoolKey(name)}, true)
}

// PoolRefreshStats pulls current usage stats from Ceph and writes them
// back to the pool's record.
func (e *Engine) PoolRefreshStats(ctx context.Context, name string) error {
	stats, err := e.ceph.PoolStats(ctx, name)
	if err != nil {
		return err
	}
	kv, err := e.st.Read(ctx, schema.PoolKey(name))
	if err != nil {
		return err
	}
	var p types.Pool
	if err := json.Unmarshal(kv.Value, &p); err != nil {
		return fmt.Errorf("storageengine: decode pool %s: %w", name, err)
	}
	p.Stats = types.RawStats{
		"bytes_total":  stats.SizeBytes,
		"bytes_free":   stats.FreeBytes,
		"bytes_used":   stats.UsedBytes,
		"percent_used": stats.PercentUsed,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storageengine: encode pool %s: %w", name, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.PoolKey(name), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}})
}

// --- Volumes ---

// poolSpaceFullThreshold is the fraction of a pool's total capacity that
// VolumeAdd/VolumeClone/VolumeResize refuse to cross without force (§4.F,
// §8: "with size > 80% of pool total → requires force").
const poolSpaceFullThreshold = 0.8

// checkPoolSpace refuses addBytes worth of new allocation against pool
// if it would exceed free space outright (always refused, force or not,
// since the write would simply fail), or would cross the 80%-full
// threshold (refusable only with force).
func (e *Engine) checkPoolSpace(ctx context.Context, pool string, addBytes int64, force bool) error {
	stats, err := e.ceph.PoolStats(ctx, pool)
	if err != nil {
		return err
	}
	if addBytes > stats.FreeBytes {
		return errkind.NewNotFound("storageengine.checkPoolSpace",
			fmt.Sprintf("pool %s has %d free bytes, need %d", pool, stats.FreeBytes, addBytes))
	}
	if force {
		return nil
	}
	if stats.SizeBytes > 0 && float64(stats.UsedBytes+addBytes)/float64(stats.SizeBytes) > poolSpaceFullThreshold {
		return errkind.NewConflict("storageengine.checkPoolSpace",
			fmt.Sprintf("adding %d bytes to pool %s would cross the %.0f%% full threshold; retry with force", addBytes, pool, poolSpaceFullThreshold*100))
	}
	return nil
}

// VolumeAdd creates a new RBD image of size (a go-units byte-size string
// such as "20GiB") in pool and records it in the Store. Refuses if size
// would exceed the pool's free space, or would cross its 80% full
// threshold, unless force is set.
func (e *Engine) VolumeAdd(ctx context.Context, pool, name, size string, force bool) error {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return errkind.NewInvariant("storageengine.VolumeAdd", fmt.Sprintf("invalid size %q: %v", size, err))
	}
	if err := e.checkPoolSpace(ctx, pool, bytes, force); err != nil {
		return err
	}
	if err := e.ceph.RBDCreate(ctx, pool, name, bytes); err != nil {
		return err
	}
	v := types.Volume{Pool: pool, Name: name, Stats: types.RawStats{"size": bytes}}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storageengine: encode volume %s/%s: %w", pool, name, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.VolumeKey(pool, name), Value: raw}})
}

// VolumeClone clones a protected snapshot into a new volume, used by VM
// provisioning from a golden-image template. Enforces the same pool space
// policy as VolumeAdd, sized off the source volume's recorded capacity.
func (e *Engine) VolumeClone(ctx context.Context, srcPool, srcVolume, snapName, dstPool, dstVolume string, force bool) error {
	srcKV, err := e.st.Read(ctx, schema.VolumeKey(srcPool, srcVolume))
	if err != nil {
		return err
	}
	var src types.Volume
	if err := json.Unmarshal(srcKV.Value, &src); err != nil {
		return fmt.Errorf("storageengine: decode volume %s/%s: %w", srcPool, srcVolume, err)
	}
	if err := e.checkPoolSpace(ctx, dstPool, types.ParseVolumeStats(src.Stats).SizeBytes, force); err != nil {
		return err
	}

	if err := e.ceph.RBDClone(ctx, srcPool, srcVolume, snapName, dstPool, dstVolume); err != nil {
		return err
	}
	v := types.Volume{Pool: dstPool, Name: dstVolume, Stats: src.Stats}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storageengine: encode volume %s/%s: %w", dstPool, dstVolume, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.VolumeKey(dstPool, dstVolume), Value: raw}})
}

// VolumeResize grows or shrinks a volume. Shrinking requires
// allowShrink=true to acknowledge potential data loss, mirroring rbd's own
// --allow-shrink confirmation gate. Growing enforces the same pool space
// policy as VolumeAdd. If the volume's owning VM is currently running, the
// new size is additionally pushed to the guest live via libvirt's
// blockResize (§4.F) through the attached RunningVMResizer.
func (e *Engine) VolumeResize(ctx context.Context, pool, name, size string, allowShrink, force bool) error {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return errkind.NewInvariant("storageengine.VolumeResize", fmt.Sprintf("invalid size %q: %v", size, err))
	}

	kv, err := e.st.Read(ctx, schema.VolumeKey(pool, name))
	if err != nil {
		return err
	}
	var v types.Volume
	if err := json.Unmarshal(kv.Value, &v); err != nil {
		return fmt.Errorf("storageengine: decode volume %s/%s: %w", pool, name, err)
	}
	oldBytes := types.ParseVolumeStats(v.Stats).SizeBytes
	if bytes > oldBytes {
		if err := e.checkPoolSpace(ctx, pool, bytes-oldBytes, force); err != nil {
			return err
		}
	}

	if err := e.ceph.RBDResize(ctx, pool, name, bytes, allowShrink); err != nil {
		return err
	}

	if v.Stats == nil {
		v.Stats = types.RawStats{}
	}
	v.Stats["size"] = bytes
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storageengine: encode volume %s/%s: %w", pool, name, err)
	}
	if err := e.st.Write(ctx, []store.WritePair{{Path: schema.VolumeKey(pool, name), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}}); err != nil {
		return err
	}

	if e.resizer != nil {
		if err := e.resizer.ResizeIfRunning(ctx, pool, name, bytes); err != nil {
			return err
		}
	}
	return nil
}

// VolumeRemove deletes a volume from Ceph and the Store.
func (e *Engine) VolumeRemove(ctx context.Context, pool, name string) error {
	if err := e.ceph.RBDRemove(ctx, pool, name); err != nil {
		return err
	}
	return e.st.Delete(ctx, []string{schema.VolumeKey(pool, name)}, true)
}

// --- OSDs ---

// getOSD reads and decodes a single OSD record.
func (e *Engine) getOSD(ctx context.Context, osdID int) (types.OSD, error) {
	kv, err := e.st.Read(ctx, schema.OSDKey(osdID))
	if err != nil {
		return types.OSD{}, err
	}
	var osd types.OSD
	if err := json.Unmarshal(kv.Value, &osd); err != nil {
		return types.OSD{}, fmt.Errorf("storageengine: decode osd %d: %w", osdID, err)
	}
	return osd, nil
}

// peerOSDs returns every recorded OSD (other than excludeID) that shares the
// same backing device, i.e. the rest of a split-OSD set on that device.
func (e *Engine) peerOSDs(ctx context.Context, device string, excludeID int) ([]types.OSD, error) {
	ids, err := e.st.Children(ctx, schema.OSDsPrefix())
	if err != nil {
		return nil, err
	}
	var peers []types.OSD
	for _, idStr := range ids {
		id, err := strconv.Atoi(idStr)
		if err != nil || id == excludeID {
			continue
		}
		kv, err := e.st.Read(ctx, schema.OSDKey(id))
		if err != nil {
			continue
		}
		var osd types.OSD
		if err := json.Unmarshal(kv.Value, &osd); err != nil {
			continue
		}
		if osd.Device == device {
			peers = append(peers, osd)
		}
	}
	return peers, nil
}

// OSDAdd prepares and activates a new OSD on device (optionally with a
// separate DB device), then records it with the CRUSH weight Ceph assigned.
// splitCount is the number of OSDs that will ultimately share device (1 for
// a dedicated device); when greater than 1 it drives ceph-volume's
// --osds-per-device batch mode rather than a single lvm create (§4.F).
// IsSplit reflects whether device is actually shared with a sibling OSD,
// not whether a separate DB device was supplied — a dedicated NVMe device
// with its own external DB device is not "split".
func (e *Engine) OSDAdd(ctx context.Context, node, device, dbDevice string, osdID int, weight float64, splitCount int) error {
	if splitCount < 1 {
		splitCount = 1
	}
	if err := checkBlank(device); err != nil {
		return err
	}
	if err := e.ceph.VolumeLVMCreate(ctx, device, dbDevice, splitCount); err != nil {
		return err
	}
	if err := e.ceph.CrushAddOSD(ctx, osdID, weight, node); err != nil {
		return err
	}

	peers, err := e.peerOSDs(ctx, device, osdID)
	if err != nil {
		return err
	}
	isSplit := splitCount > 1 || len(peers) > 0
	total := splitCount
	if len(peers)+1 > total {
		total = len(peers) + 1
	}

	osd := types.OSD{
		ID: osdID, Node: node, Device: device, DBDevice: dbDevice,
		IsSplit: isSplit, SplitCount: total, Weight: weight,
	}
	raw, err := json.Marshal(osd)
	if err != nil {
		return fmt.Errorf("storageengine: encode osd %d: %w", osdID, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.OSDKey(osdID), Value: raw}})
}

// OSDRefresh records the given in/up/utilization stats on an OSD's record.
func (e *Engine) OSDRefresh(ctx context.Context, osdID int, stats types.RawStats) error {
	kv, err := e.st.Read(ctx, schema.OSDKey(osdID))
	if err != nil {
		return err
	}
	var osd types.OSD
	if err := json.Unmarshal(kv.Value, &osd); err != nil {
		return fmt.Errorf("storageengine: decode osd %d: %w", osdID, err)
	}
	osd.Stats = stats
	raw, err := json.Marshal(osd)
	if err != nil {
		return fmt.Errorf("storageengine: encode osd %d: %w", osdID, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.OSDKey(osdID), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}})
}

// OSDRemove marks an OSD out, waits (bounded) for Ceph to report it safe
// to destroy, purges it, and zaps its backing device unless a peer OSD
// still shares that device. This is the one storage operation whose
// external dependency (data rebalance) can run longer than the configured
// wait, in which case it returns a Transient error the task worker retries
// rather than declaring failure (§9 design note: safe-to-destroy timeout is
// operator-configurable, default 60s). With force set, failures marking the
// OSD out, waiting for safe-to-destroy, purging, or zapping are swallowed
// rather than aborting the removal, so a stuck device doesn't block forever
// dropping the OSD's Store record and CRUSH entry.
func (e *Engine) OSDRemove(ctx context.Context, osdID int, force bool) error {
	kv, err := e.st.Read(ctx, schema.OSDKey(osdID))
	if err != nil {
		return err
	}
	var osd types.OSD
	if err := json.Unmarshal(kv.Value, &osd); err != nil {
		return fmt.Errorf("storageengine: decode osd %d: %w", osdID, err)
	}

	if err := e.ceph.OSDOut(ctx, osdID); err != nil && !force {
		return err
	}

	deadline := time.Now().Add(e.safeToDestroyTimeout)
	for {
		safe, err := e.ceph.OSDSafeToDestroy(ctx, osdID)
		if err != nil {
			if force {
				break
			}
			return err
		}
		if safe {
			break
		}
		if time.Now().After(deadline) {
			if force {
				break
			}
			return errkind.WrapTransient("storageengine.OSDRemove",
				fmt.Errorf("osd %d not safe to destroy after %s", osdID, e.safeToDestroyTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.safeToDestroyPoll):
		}
	}

	if err := e.ceph.OSDPurge(ctx, osdID); err != nil && !force {
		return err
	}

	peers, err := e.peerOSDs(ctx, osd.Device, osdID)
	if err != nil && !force {
		return err
	}
	if len(peers) == 0 {
		if err := e.ceph.VolumeLVMZap(ctx, osd.Device); err != nil && !force {
			return err
		}
	}

	return e.st.Delete(ctx, []string{schema.OSDKey(osdID)}, true)
}

// OSDReplace removes a failed OSD and adds its replacement at the same
// CRUSH position and OSD ID, preserving FSID via ceph-volume's
// --osd-id/--osd-fsid so replay of the old OSD's metadata/journal history
// stays intact, and inheriting CRUSH weight from the first surviving peer
// in its split set unless weight overrides it (§4.F).
func (e *Engine) OSDReplace(ctx context.Context, node, newDevice string, osdID int, weight float64) error {
	kv, err := e.st.Read(ctx, schema.OSDKey(osdID))
	if err != nil {
		return err
	}
	var osd types.OSD
	if err := json.Unmarshal(kv.Value, &osd); err != nil {
		return fmt.Errorf("storageengine: decode osd %d: %w", osdID, err)
	}

	peers, err := e.peerOSDs(ctx, osd.Device, osdID)
	if err != nil {
		return err
	}
	if weight == 0 {
		if len(peers) > 0 {
			weight = peers[0].Weight
		} else {
			weight = osd.Weight
		}
	}

	if err := e.OSDRemove(ctx, osdID, false); err != nil {
		return err
	}

	if err := checkBlank(newDevice); err != nil {
		return err
	}
	if err := e.ceph.VolumeLVMPrepare(ctx, newDevice, osd.DBDevice, osdID, osd.OSDFSID); err != nil {
		return err
	}
	if err := e.ceph.CrushAddOSD(ctx, osdID, weight, node); err != nil {
		return err
	}

	replaced := types.OSD{
		ID: osdID, Node: node, Device: newDevice, DBDevice: osd.DBDevice,
		IsSplit: osd.IsSplit, SplitCount: osd.SplitCount, Weight: weight,
		OSDFSID: osd.OSDFSID, ClusterFSID: osd.ClusterFSID,
	}
	raw, err := json.Marshal(replaced)
	if err != nil {
		return fmt.Errorf("storageengine: encode osd %d: %w", osdID, err)
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.OSDKey(osdID), Value: raw}})
}
