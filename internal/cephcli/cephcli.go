// Package cephcli drives ceph, rbd, and ceph-volume by exec'ing the host
// CLI tools and parsing their JSON output, the same os/exec-plus-timeout
// pattern this module uses for every other external-process integration
// (see the exec checker this is grounded on). No RADOS/RBD Go client
// exists among this module's dependencies, and wrapping librados/librbd
// would require cgo, so the CLI is the supported integration surface.
package cephcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/types"
)

// DefaultTimeout bounds any single CLI invocation; long-running transfers
// (RBDExport, RBDImport) take an explicit timeout instead.
const DefaultTimeout = 30 * time.Second

// Runner abstracts process execution so callers can fake it in tests
// without invoking real ceph binaries.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Client wraps the ceph/rbd/ceph-volume CLI trio for a single cluster.
type Client struct {
	runner    Runner
	cephConf  string
	clusterID string
}

// Option configures a Client.
type Option func(*Client)

func WithConfigFile(path string) Option { return func(c *Client) { c.cephConf = path } }

// WithRunner overrides the exec-backed Runner, letting callers outside
// this package fake ceph/rbd/ceph-volume invocations in tests.
func WithRunner(r Runner) Option { return func(c *Client) { c.runner = r } }

func New(clusterID string, opts ...Option) *Client {
	c := &Client{runner: execRunner{}, clusterID: clusterID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.cephConf != "" {
		args = append([]string{"-c", c.cephConf}, args...)
	}
	stdout, stderr, err := c.runner.Run(cctx, name, args...)
	if err != nil {
		return nil, errkind.WrapExternal(fmt.Sprintf("cephcli.%s", name), fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr)))
	}
	return stdout, nil
}

// PoolCreate creates a pool with the given PG count.
func (c *Client) PoolCreate(ctx context.Context, name string, pgCount int) error {
	_, err := c.run(ctx, 0, "ceph", "osd", "pool", "create", name, fmt.Sprintf("%d", pgCount))
	return err
}

// PoolDelete removes a pool, requiring both confirmation flags ceph
// demands to avoid an accidental destroy.
func (c *Client) PoolDelete(ctx context.Context, name string) error {
	_, err := c.run(ctx, 0, "ceph", "osd", "pool", "delete", name, name, "--yes-i-really-really-mean-it")
	return err
}

// PoolStats returns the parsed stats for one pool from `ceph df`.
func (c *Client) PoolStats(ctx context.Context, name string) (types.PoolStats, error) {
	out, err := c.run(ctx, 0, "ceph", "df", "detail", "--format", "json")
	if err != nil {
		return types.PoolStats{}, err
	}
	var resp struct {
		Pools []struct {
			Name  string `json:"name"`
			Stats struct {
				BytesUsed  int64   `json:"bytes_used"`
				MaxAvail   int64   `json:"max_avail"`
				PercentUsed float64 `json:"percent_used"`
			} `json:"stats"`
		} `json:"pools"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return types.PoolStats{}, fmt.Errorf("cephcli: parse ceph df: %w", err)
	}
	for _, p := range resp.Pools {
		if p.Name == name {
			raw := types.RawStats{
				"bytes_total":  p.Stats.BytesUsed + p.Stats.MaxAvail,
				"bytes_free":   p.Stats.MaxAvail,
				"bytes_used":   p.Stats.BytesUsed,
				"percent_used": p.Stats.PercentUsed,
			}
			return types.ParsePoolStats(raw), nil
		}
	}
	return types.PoolStats{}, errkind.NewNotFound("cephcli.PoolStats", "pool "+name+" not found")
}

// RBDCreate creates a new RBD image of sizeBytes in pool.
func (c *Client) RBDCreate(ctx context.Context, pool, volume string, sizeBytes int64) error {
	_, err := c.run(ctx, 0, "rbd", "create", fmt.Sprintf("%s/%s", pool, volume), "--size", fmt.Sprintf("%dB", sizeBytes))
	return err
}

// RBDResize grows or shrinks an existing image.
func (c *Client) RBDResize(ctx context.Context, pool, volume string, sizeBytes int64, allowShrink bool) error {
	args := []string{"resize", fmt.Sprintf("%s/%s", pool, volume), "--size", fmt.Sprintf("%d", sizeBytes/1024/1024)}
	if allowShrink {
		args = append(args, "--allow-shrink")
	}
	_, err := c.run(ctx, 0, "rbd", args...)
	return err
}

// RBDRemove deletes an image.
func (c *Client) RBDRemove(ctx context.Context, pool, volume string) error {
	_, err := c.run(ctx, 0, "rbd", "rm", fmt.Sprintf("%s/%s", pool, volume))
	return err
}

// RBDInfo returns an existing image's current size in bytes, used by the
// send-to-remote protocol's create-or-resize-to-match preflight step
// before any block transfer begins. A NotFound error means the image does
// not exist yet.
func (c *Client) RBDInfo(ctx context.Context, pool, volume string) (int64, error) {
	out, err := c.run(ctx, 0, "rbd", "info", fmt.Sprintf("%s/%s", pool, volume), "--format", "json")
	if err != nil {
		return 0, errkind.NewNotFound("cephcli.RBDInfo", fmt.Sprintf("volume %s/%s not found", pool, volume))
	}
	var resp struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, fmt.Errorf("cephcli: parse rbd info: %w", err)
	}
	return resp.Size, nil
}

// RBDClone clones a protected snapshot into a new image, used for VM
// provisioning from a template.
func (c *Client) RBDClone(ctx context.Context, srcPool, srcVolume, snapName, dstPool, dstVolume string) error {
	_, err := c.run(ctx, 0, "rbd", "clone",
		fmt.Sprintf("%s/%s@%s", srcPool, srcVolume, snapName),
		fmt.Sprintf("%s/%s", dstPool, dstVolume))
	return err
}

// RBDSnapCreate creates a named snapshot of a volume.
func (c *Client) RBDSnapCreate(ctx context.Context, pool, volume, snapName string) error {
	_, err := c.run(ctx, 0, "rbd", "snap", "create", fmt.Sprintf("%s/%s@%s", pool, volume, snapName))
	return err
}

// RBDSnapProtect protects a snapshot so it can be the parent of a clone.
func (c *Client) RBDSnapProtect(ctx context.Context, pool, volume, snapName string) error {
	_, err := c.run(ctx, 0, "rbd", "snap", "protect", fmt.Sprintf("%s/%s@%s", pool, volume, snapName))
	return err
}

// RBDSnapRemove deletes a snapshot.
func (c *Client) RBDSnapRemove(ctx context.Context, pool, volume, snapName string) error {
	_, err := c.run(ctx, 0, "rbd", "snap", "rm", fmt.Sprintf("%s/%s@%s", pool, volume, snapName))
	return err
}

// RBDSnapRollback rolls a volume back to a prior snapshot in place.
func (c *Client) RBDSnapRollback(ctx context.Context, pool, volume, snapName string) error {
	_, err := c.run(ctx, 0, "rbd", "snap", "rollback", fmt.Sprintf("%s/%s@%s", pool, volume, snapName))
	return err
}

// RBDExport writes a full image export to destPath, used by the filesystem
// backup pipeline's full-backup path. Long transfers get their own
// timeout rather than DefaultTimeout.
func (c *Client) RBDExport(ctx context.Context, pool, volume, destPath string, timeout time.Duration) error {
	_, err := c.run(ctx, timeout, "rbd", "export", fmt.Sprintf("%s/%s", pool, volume), destPath)
	return err
}

// RBDExportDiff streams an incremental export relative to fromSnap.
func (c *Client) RBDExportDiff(ctx context.Context, pool, volume, fromSnap, destPath string, timeout time.Duration) error {
	_, err := c.run(ctx, timeout, "rbd", "export-diff", "--from-snap", fromSnap, fmt.Sprintf("%s/%s", pool, volume), destPath)
	return err
}

// RBDImport imports a full or incremental export into a new or existing
// image.
func (c *Client) RBDImport(ctx context.Context, srcPath, pool, volume string, timeout time.Duration) error {
	_, err := c.run(ctx, timeout, "rbd", "import", srcPath, fmt.Sprintf("%s/%s", pool, volume))
	return err
}

// RBDImportDiff applies an incremental export-diff stream onto an
// existing image.
func (c *Client) RBDImportDiff(ctx context.Context, srcPath, pool, volume string, timeout time.Duration) error {
	_, err := c.run(ctx, timeout, "rbd", "import-diff", srcPath, fmt.Sprintf("%s/%s", pool, volume))
	return err
}

// OSDSafeToDestroy reports whether ceph currently considers osdID safe to
// remove from the CRUSH map, the gate the storage engine's OSD removal
// path polls before proceeding (§4.F).
func (c *Client) OSDSafeToDestroy(ctx context.Context, osdID int) (bool, error) {
	out, err := c.run(ctx, 0, "ceph", "osd", "safe-to-destroy", fmt.Sprintf("%d", osdID), "--format", "json")
	if err != nil {
		return false, err
	}
	var resp struct {
		SafeToDestroy []int `json:"safe_to_destroy"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return false, fmt.Errorf("cephcli: parse safe-to-destroy: %w", err)
	}
	for _, id := range resp.SafeToDestroy {
		if id == osdID {
			return true, nil
		}
	}
	return false, nil
}

// CrushAddOSD ensures a CRUSH bucket entry exists for a newly created OSD
// at the given weight.
func (c *Client) CrushAddOSD(ctx context.Context, osdID int, weight float64, bucket string) error {
	_, err := c.run(ctx, 0, "ceph", "osd", "crush", "add", fmt.Sprintf("osd.%d", osdID), fmt.Sprintf("%.4f", weight), fmt.Sprintf("host=%s", bucket))
	return err
}

// OSDOut marks an OSD out of the CRUSH map ahead of removal.
func (c *Client) OSDOut(ctx context.Context, osdID int) error {
	_, err := c.run(ctx, 0, "ceph", "osd", "out", fmt.Sprintf("osd.%d", osdID))
	return err
}

// OSDPurge removes an OSD's CRUSH entry, auth key, and OSD map entry in
// one step once it is safe to destroy.
func (c *Client) OSDPurge(ctx context.Context, osdID int) error {
	_, err := c.run(ctx, 0, "ceph", "osd", "purge", fmt.Sprintf("%d", osdID), "--yes-i-really-mean-it")
	return err
}

// ClusterHealth returns ceph's own HEALTH_OK/WARN/ERR string, used by the
// storage-health plugin (§4.I).
func (c *Client) ClusterHealth(ctx context.Context) (string, error) {
	out, err := c.run(ctx, 0, "ceph", "health", "--format", "json")
	if err != nil {
		return "", err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("cephcli: parse ceph health: %w", err)
	}
	return resp.Status, nil
}

// VolumeLVMCreate runs ceph-volume lvm create to prepare and activate a
// new OSD on a raw block device, optionally with a separate DB device. A
// splitCount greater than 1 prepares that many OSDs sharing the device via
// `lvm batch --osds-per-device` instead of a single `lvm create` (§4.F).
func (c *Client) VolumeLVMCreate(ctx context.Context, device, dbDevice string, splitCount int) error {
	if splitCount > 1 {
		args := []string{"lvm", "batch", "--yes", "--prepare", "--osds-per-device", fmt.Sprintf("%d", splitCount), device}
		if dbDevice != "" {
			args = append(args, "--block.db", dbDevice)
		}
		_, err := c.run(ctx, 2*time.Minute, "ceph-volume", args...)
		return err
	}
	args := []string{"lvm", "create", "--data", device}
	if dbDevice != "" {
		args = append(args, "--block.db", dbDevice)
	}
	_, err := c.run(ctx, 2*time.Minute, "ceph-volume", args...)
	return err
}

// VolumeLVMPrepare runs ceph-volume lvm prepare against an already-created
// LV, pinning the new OSD to osdID/osdFSID so an OSD replace preserves the
// cluster-visible ID of the OSD it's standing back up (§4.F).
func (c *Client) VolumeLVMPrepare(ctx context.Context, device, dbDevice string, osdID int, osdFSID string) error {
	args := []string{"lvm", "prepare", "--data", device, "--osd-id", fmt.Sprintf("%d", osdID), "--osd-fsid", osdFSID}
	if dbDevice != "" {
		args = append(args, "--block.db", dbDevice)
	}
	_, err := c.run(ctx, 2*time.Minute, "ceph-volume", args...)
	return err
}

// VolumeLVMZap wipes a device's LVM and partition metadata so it can be
// reused, the counterpart to VolumeLVMCreate on OSD removal.
func (c *Client) VolumeLVMZap(ctx context.Context, device string) error {
	_, err := c.run(ctx, 30*time.Second, "ceph-volume", "lvm", "zap", device, "--destroy")
	return err
}
