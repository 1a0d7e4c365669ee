package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
)

// Manager drives the VM state machine: every transition is a write of a
// new desired domain.state value, guarded by the VM's exclusive lock so a
// node's reconciliation loop and a concurrent operator request cannot race
// on the same VM.
type Manager struct {
	st store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{st: st}
}

// Get reads back the full VM record.
func (m *Manager) Get(ctx context.Context, uuid string) (types.VM, error) {
	kv, err := m.st.Read(ctx, schema.DomainKey(uuid))
	if err != nil {
		return types.VM{}, err
	}
	var v types.VM
	if err := json.Unmarshal(kv.Value, &v); err != nil {
		return types.VM{}, fmt.Errorf("vm: decode %s: %w", uuid, err)
	}
	return v, nil
}

func (m *Manager) put(ctx context.Context, v types.VM) error {
	v.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vm: encode %s: %w", v.UUID, err)
	}
	return m.st.Write(ctx, []store.WritePair{{Path: schema.DomainKey(v.UUID), Value: raw}})
}

// withLock runs fn while holding the VM's exclusive lock on
// domain.state/<uuid>. The migration protocol takes a separate sync lock
// (domain.migrate.sync_lock/<uuid>), and the agent's reconciliation loop
// takes this lock only through Fail.
func (m *Manager) withLock(ctx context.Context, uuid string, fn func() error) error {
	lock, err := m.st.ExclusiveLock(ctx, schema.DomainStateKey(uuid))
	if err != nil {
		return errkind.WrapTransient("vm.withLock", err)
	}
	defer lock.Unlock()
	return fn()
}

// Define registers a new VM definition without starting it. Equivalent to
// the PVC "add" path with autostart disabled.
func (m *Manager) Define(ctx context.Context, name, xmlDoc string, meta types.VMMetadata, targetNode string) (types.VM, error) {
	def, err := Parse(xmlDoc)
	if err != nil {
		return types.VM{}, errkind.NewInvariant("vm.Define", "invalid domain XML: "+err.Error())
	}
	if def.UUID == "" {
		return types.VM{}, errkind.NewInvariant("vm.Define", "domain XML missing uuid")
	}

	v := types.VM{
		UUID:      def.UUID,
		Name:      name,
		XML:       xmlDoc,
		State:     types.VMShutdown,
		Node:      targetNode,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.put(ctx, v); err != nil {
		return types.VM{}, err
	}
	return v, nil
}

// transition validates that from is one of the allowed current states (or
// allowed is empty, meaning "any") before moving to target, and persists
// the new desired state.
func (m *Manager) transition(ctx context.Context, uuid string, allowed []types.VMState, target types.VMState) error {
	return m.withLock(ctx, uuid, func() error {
		v, err := m.Get(ctx, uuid)
		if err != nil {
			return err
		}
		if len(allowed) > 0 && !containsState(allowed, v.State) {
			return errkind.NewConflict("vm.transition", fmt.Sprintf("vm %s in state %s cannot move to %s", uuid, v.State, target))
		}
		v.State = target
		v.FailedReason = ""
		return m.put(ctx, v)
	})
}

func containsState(set []types.VMState, s types.VMState) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// Start moves a stopped/disabled VM to the start state; the owning node's
// agent observes the change and issues the libvirt create call.
func (m *Manager) Start(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, []types.VMState{types.VMShutdown, types.VMStop, types.VMDisable, types.VMFail}, types.VMStart)
}

// Restart requests a guest-initiated reboot without changing residency.
func (m *Manager) Restart(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, []types.VMState{types.VMStart}, types.VMRestart)
}

// Shutdown requests a graceful guest shutdown.
func (m *Manager) Shutdown(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, []types.VMState{types.VMStart, types.VMRestart}, types.VMShutdown)
}

// Stop forcibly powers off the VM (libvirt destroy).
func (m *Manager) Stop(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, nil, types.VMStop)
}

// Disable marks a stopped VM so it is skipped by autostart-on-node-ready
// and excluded from migration candidates.
func (m *Manager) Disable(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, []types.VMState{types.VMShutdown, types.VMStop}, types.VMDisable)
}

// Mirror marks a VM as a passive replica updated only by incoming mirror
// sends from another cluster; the owning agent must not run it.
func (m *Manager) Mirror(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, []types.VMState{types.VMShutdown, types.VMStop}, types.VMMirror)
}

// Fail records an agent-observed unrecoverable error and the reason.
func (m *Manager) Fail(ctx context.Context, uuid string, reason string) error {
	return m.withLock(ctx, uuid, func() error {
		v, err := m.Get(ctx, uuid)
		if err != nil {
			return err
		}
		v.State = types.VMFail
		v.FailedReason = reason
		return m.put(ctx, v)
	})
}

// Delete removes a VM's record entirely. Callers are responsible for
// having already stopped the domain and released its volumes via the
// storage engine; Delete only removes the coordination-layer record.
func (m *Manager) Delete(ctx context.Context, uuid string) error {
	return m.withLock(ctx, uuid, func() error {
		return m.st.Delete(ctx, []string{schema.DomainKey(uuid)}, true)
	})
}

// Provision marks a newly defined VM as ready for its first start, used by
// the provisioning pipeline once disks are created and cloud-init seed
// data (if any) is written.
func (m *Manager) Provision(ctx context.Context, uuid string) error {
	return m.transition(ctx, uuid, []types.VMState{types.VMShutdown}, types.VMProvision)
}

// Restore re-imports a VM from a filesystem backup manifest, creating the
// record if absent and leaving it in the shutdown state for the operator
// to start explicitly.
func (m *Manager) Restore(ctx context.Context, v types.VM) error {
	v.State = types.VMShutdown
	v.UpdatedAt = time.Now().UTC()
	return m.put(ctx, v)
}

// Import registers a VM discovered on a node but not yet tracked by the
// coordination service (e.g. after a fresh join), taking its observed
// libvirt state as the initial desired state.
func (m *Manager) Import(ctx context.Context, v types.VM) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	return m.put(ctx, v)
}

// SetNode updates the VM's current residency without changing its state,
// used by the fencing component to move a dead node's VMs.
func (m *Manager) SetNode(ctx context.Context, uuid, node string) error {
	return m.withLock(ctx, uuid, func() error {
		v, err := m.Get(ctx, uuid)
		if err != nil {
			return err
		}
		v.LastNode = v.Node
		v.Node = node
		return m.put(ctx, v)
	})
}

// ListByNode returns every VM currently resident on node, used by the
// fencing component to compute the set that needs reassignment when a
// node is declared dead.
func (m *Manager) ListByNode(ctx context.Context, node string) ([]types.VM, error) {
	uuids, err := m.st.Children(ctx, "domain")
	if err != nil {
		return nil, err
	}
	var out []types.VM
	for _, id := range uuids {
		v, err := m.Get(ctx, id)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				continue
			}
			return nil, err
		}
		if v.Node == node {
			out = append(out, v)
		}
	}
	return out, nil
}

// ListMigratingFrom returns every VM whose BeginMigration transaction
// recorded node as the source (v.LastNode == node) and that is still
// mid-flight (state migrate or migrate-live). v.Node already points at
// the target by this point, so this is the only way the source node's
// own reconcile pass can discover it must still drive the libvirt
// migrateToURI3 call for a domain that, to the coordination layer, looks
// like it already belongs elsewhere.
func (m *Manager) ListMigratingFrom(ctx context.Context, node string) ([]types.VM, error) {
	uuids, err := m.st.Children(ctx, "domain")
	if err != nil {
		return nil, err
	}
	var out []types.VM
	for _, id := range uuids {
		v, err := m.Get(ctx, id)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				continue
			}
			return nil, err
		}
		if v.LastNode == node && (v.State == types.VMMigrate || v.State == types.VMMigrateLive || v.State == types.VMUnmigrate) {
			out = append(out, v)
		}
	}
	return out, nil
}
