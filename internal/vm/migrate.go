package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/libvirtx"
	"github.com/fenwick-systems/meridian/internal/metrics"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/task"
	"github.com/fenwick-systems/meridian/internal/types"
)

// Migrator drives the store-side half of the migration protocol: the sync
// lock both source and target agents traverse, the desired-state
// transitions, and the atomic node/SR-IOV-reservation flip on success. The
// actual libvirt DomainMigrateToURI3 call is issued by the source Node
// Agent once a reconcile pass finds the VM through ListMigratingFrom — this
// keeps the coordination-layer protocol usable even when the agent side is
// a shutdown+start fallback instead of a live migration.
type Migrator struct {
	st  store.Store
	mgr *Manager
}

func NewMigrator(st store.Store, mgr *Manager) *Migrator {
	return &Migrator{st: st, mgr: mgr}
}

// SRIOVFlip describes one VF reservation change to commit in the same
// batch as the node flip, so a crash between the two can never leave a VF
// reserved by a VM that is no longer there, or a VM running without its
// reserved VF recorded.
type SRIOVFlip struct {
	Node     string
	Device   string
	Used     bool
	UsedBy   string
}

// BeginMigration validates the VM is eligible, acquires the migration sync
// lock, and performs the single transaction the protocol specifies:
// {state=migrate|migrate-live, node=target, last_node=source}. Both Node
// Agents observe this write — the source (matching last_node) drives the
// libvirt migrateToURI3 call, the target only needs its own peer2peer
// listener running. The returned lock must be held by the caller until
// CompleteMigration or FailMigration is called, then unlocked — this is
// the same exclusive-traversal rule both agents obey so only one side
// drives the transition at a time.
func (m *Migrator) BeginMigration(ctx context.Context, uuid, targetNode string, method types.MigrateMethod) (store.Lock, error) {
	lock, err := m.st.ExclusiveLock(ctx, schema.DomainMigrateSyncLockKey(uuid))
	if err != nil {
		return nil, errkind.WrapTransient("vm.BeginMigration", err)
	}

	v, err := m.mgr.Get(ctx, uuid)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if v.State != types.VMStart {
		lock.Unlock()
		return nil, errkind.NewConflict("vm.BeginMigration", fmt.Sprintf("vm %s in state %s is not eligible for migration", uuid, v.State))
	}
	if v.Node == targetNode {
		lock.Unlock()
		return nil, errkind.NewInvariant("vm.BeginMigration", "target node equals current node")
	}

	def, err := Parse(v.XML)
	if err == nil && def.RequiresShutdownMigration() {
		method = types.MigrateShutdown
	}

	state := types.VMMigrate
	if method == types.MigrateLive {
		state = types.VMMigrateLive
	}

	source := v.Node
	v.LastNode = source
	v.Node = targetNode
	v.State = state
	v.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(v)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("vm: encode %s: %w", uuid, err)
	}
	if err := m.st.Write(ctx, []store.WritePair{{Path: schema.DomainKey(uuid), Value: raw}}); err != nil {
		lock.Unlock()
		return nil, err
	}
	return lock, nil
}

// ReserveSRIOVFlips computes the VF reservation changes a migration of
// uuid onto targetNode requires: release every VF this VM currently holds
// on its source node and claim an equal number of free VFs on the target,
// per "SR-IOV VFs are node-local shared resources... Allocation MUST be
// atomic (single transaction) with the VM's node assignment." Returns no
// flips if the VM's XML declares no hostdev SR-IOV devices. The caller
// passes the result to CompleteMigration so the flip commits in the same
// store transaction as the node reassignment.
func (m *Migrator) ReserveSRIOVFlips(ctx context.Context, uuid, targetNode string) ([]SRIOVFlip, error) {
	v, err := m.mgr.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	def, err := Parse(v.XML)
	if err != nil {
		return nil, errkind.NewInvariant("vm.ReserveSRIOVFlips", "invalid domain XML: "+err.Error())
	}
	need := len(def.HostDevs)
	if need == 0 {
		return nil, nil
	}

	var flips []SRIOVFlip
	sourceNode := v.LastNode
	if sourceNode == "" {
		sourceNode = v.Node
	}
	if sourceNode != "" && sourceNode != targetNode {
		released, err := m.releaseVFsFor(ctx, uuid, sourceNode)
		if err != nil {
			return nil, err
		}
		flips = append(flips, released...)
	}

	claimed, err := m.claimFreeVFs(ctx, uuid, targetNode, need)
	if err != nil {
		return nil, err
	}
	return append(flips, claimed...), nil
}

func (m *Migrator) getVF(ctx context.Context, node, device string) (types.SRIOVVF, error) {
	kv, err := m.st.Read(ctx, schema.SRIOVVFKey(node, device))
	if err != nil {
		return types.SRIOVVF{}, err
	}
	var vf types.SRIOVVF
	if err := json.Unmarshal(kv.Value, &vf); err != nil {
		return types.SRIOVVF{}, fmt.Errorf("vm: decode sriov vf %s/%s: %w", node, device, err)
	}
	return vf, nil
}

// releaseVFsFor returns a flip clearing every VF on node this VM currently
// holds, so a crash before the flip applies leaves the VF still reserved
// rather than silently freed.
func (m *Migrator) releaseVFsFor(ctx context.Context, uuid, node string) ([]SRIOVFlip, error) {
	devices, err := m.st.Children(ctx, schema.SRIOVVFsPrefix(node))
	if err != nil {
		return nil, err
	}
	var flips []SRIOVFlip
	for _, device := range devices {
		vf, err := m.getVF(ctx, node, device)
		if err != nil {
			continue
		}
		if vf.Used && vf.UsedBy == uuid {
			flips = append(flips, SRIOVFlip{Node: node, Device: device, Used: false, UsedBy: ""})
		}
	}
	return flips, nil
}

// claimFreeVFs picks count currently-unused VFs on node for uuid,
// rejecting the migration outright if the target can't satisfy the VM's
// hostdev count rather than leaving it partially reserved.
func (m *Migrator) claimFreeVFs(ctx context.Context, uuid, node string, count int) ([]SRIOVFlip, error) {
	devices, err := m.st.Children(ctx, schema.SRIOVVFsPrefix(node))
	if err != nil {
		return nil, err
	}
	var flips []SRIOVFlip
	for _, device := range devices {
		if len(flips) == count {
			break
		}
		vf, err := m.getVF(ctx, node, device)
		if err != nil {
			continue
		}
		if !vf.Used {
			flips = append(flips, SRIOVFlip{Node: node, Device: device, Used: true, UsedBy: uuid})
		}
	}
	if len(flips) < count {
		return nil, errkind.NewConflict("vm.ReserveSRIOVFlips", fmt.Sprintf("node %s has only %d free SR-IOV VF(s), need %d", node, len(flips), count))
	}
	return flips, nil
}

// CompleteMigration is the target's write on success. For a forward
// migrate/migrate-live it writes {state=start, last_node=source},
// residency (node) having already been set by BeginMigration's single
// transaction, so Unmigrate can still swap back later. For an unmigrate
// it instead clears last_node entirely, per the "migrate → unmigrate
// leaves V.node at its original value and V.last_node=''" invariant. Any
// SR-IOV VF reservation changes the move requires are committed in the
// same batch.
func (m *Migrator) CompleteMigration(ctx context.Context, uuid string, flips []SRIOVFlip) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MigrationDuration)

	v, err := m.mgr.Get(ctx, uuid)
	if err != nil {
		metrics.MigrationsTotal.WithLabelValues("failure").Inc()
		return err
	}
	if v.State == types.VMUnmigrate {
		v.LastNode = ""
	}
	v.State = types.VMStart
	v.FailedReason = ""
	v.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vm: encode %s: %w", uuid, err)
	}

	pairs := []store.WritePair{{Path: schema.DomainKey(uuid), Value: raw}}
	for _, f := range flips {
		vf, err := m.getVF(ctx, f.Node, f.Device)
		if err != nil {
			vf = types.SRIOVVF{Node: f.Node, Device: f.Device}
		}
		vf.Used = f.Used
		vf.UsedBy = f.UsedBy
		vfRaw, err := json.Marshal(vf)
		if err != nil {
			return fmt.Errorf("vm: encode sriov flip: %w", err)
		}
		pairs = append(pairs, store.WritePair{Path: schema.SRIOVVFKey(f.Node, f.Device), Value: vfRaw})
	}

	if err := m.st.Write(ctx, pairs); err != nil {
		metrics.MigrationsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.MigrationsTotal.WithLabelValues("success").Inc()
	return nil
}

// FailMigration reverts residency to the source node the VM never
// actually left (BeginMigration's flip was provisional) and records the
// failure reason, leaving both node and last_node consistent with a VM
// that stayed put.
func (m *Migrator) FailMigration(ctx context.Context, uuid, reason string) error {
	metrics.MigrationsTotal.WithLabelValues("failure").Inc()

	v, err := m.mgr.Get(ctx, uuid)
	if err != nil {
		return err
	}
	if v.LastNode != "" {
		v.Node = v.LastNode
		v.LastNode = ""
	}
	v.State = types.VMFail
	v.FailedReason = reason
	v.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vm: encode %s: %w", uuid, err)
	}
	return m.st.Write(ctx, []store.WritePair{{Path: schema.DomainKey(uuid), Value: raw}})
}

// Unmigrate begins the reverse of a completed migration: it swaps node
// and last_node in the same single-transaction shape BeginMigration uses
// (new node = old last_node, new last_node = old node) under state
// VMUnmigrate, and returns the held sync lock for the caller to release
// once the source agent's outbound scan (ListMigratingFrom, which also
// matches VMUnmigrate) drives the actual migrateToURI3 call and
// CompleteMigration clears last_node for good.
func (m *Migrator) Unmigrate(ctx context.Context, uuid string) (store.Lock, error) {
	lock, err := m.st.ExclusiveLock(ctx, schema.DomainMigrateSyncLockKey(uuid))
	if err != nil {
		return nil, errkind.WrapTransient("vm.Unmigrate", err)
	}

	v, err := m.mgr.Get(ctx, uuid)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if v.LastNode == "" {
		lock.Unlock()
		return nil, errkind.NewInvariant("vm.Unmigrate", "vm has no prior node to return to")
	}
	v.Node, v.LastNode = v.LastNode, v.Node
	v.State = types.VMUnmigrate
	v.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(v)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("vm: encode %s: %w", uuid, err)
	}
	if err := m.st.Write(ctx, []store.WritePair{{Path: schema.DomainKey(uuid), Value: raw}}); err != nil {
		lock.Unlock()
		return nil, err
	}
	return lock, nil
}

// PollLiveMigration polls a domain's QEMU monitor for query-migrate
// progress and reports it through the given task handle until the
// migration reaches a terminal QMP status, reporting byte-granular
// progress to the Task Worker beyond what libvirt's own job-info call
// exposes. It only reads progress and never drives the migration itself.
func PollLiveMigration(ctx context.Context, qmpSocket string, th *task.Handle, interval time.Duration) error {
	if interval == 0 {
		interval = 2 * time.Second
	}

	mon, err := libvirtx.DialQMP(qmpSocket, 5*time.Second)
	if err != nil {
		return errkind.WrapTransient("vm.PollLiveMigration", err)
	}
	defer mon.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := mon.QueryMigrate()
			if err != nil {
				return errkind.WrapTransient("vm.PollLiveMigration", err)
			}

			total := int(status.TotalBytes)
			current := total - int(status.RemainingBytes)
			if total <= 0 {
				total = 1
			}
			if err := th.Update(ctx, current, total, "migrating: "+status.Status); err != nil {
				return err
			}

			switch status.Status {
			case "completed", "failed", "cancelled":
				return nil
			}
		}
	}
}
