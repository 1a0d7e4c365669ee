// Package schema is the single table of path templates the rest of the
// system uses to address the Store. A few callers still pass a literal
// prefix (such as "domain" or "node") or join a child name onto a prefix
// helper themselves.
package schema

import "fmt"

// NodeKey is the root of a node's subtree: node/<hostname>.
func NodeKey(hostname string) string { return fmt.Sprintf("node/%s", hostname) }

// NodeLivenessKey is the ephemeral liveness marker under a node's subtree.
func NodeLivenessKey(hostname string) string { return fmt.Sprintf("node/%s/liveness", hostname) }

// DomainKey addresses a VM's top-level record: domain/<uuid>.
func DomainKey(uuid string) string { return fmt.Sprintf("domain/%s", uuid) }

// DomainXMLKey addresses a VM's authoritative libvirt XML.
func DomainXMLKey(uuid string) string { return fmt.Sprintf("domain.xml/%s", uuid) }

// DomainStateKey addresses a VM's desired-state key, the one every
// transition writes and the one the per-VM exclusive lock guards.
func DomainStateKey(uuid string) string { return fmt.Sprintf("domain.state/%s", uuid) }

// DomainNodeKey addresses the node a VM is (or should be) running on; Node
// Agents watch the node/* prefix of this key to learn which VMs are theirs.
func DomainNodeKey(uuid string) string { return fmt.Sprintf("domain.node/%s", uuid) }

// DomainMigrateSyncLockKey is the exclusive lock both sides of a migration
// traverse.
func DomainMigrateSyncLockKey(uuid string) string {
	return fmt.Sprintf("domain.migrate.sync_lock/%s", uuid)
}

// DomainSnapshotKey addresses one named VM snapshot's subtree.
func DomainSnapshotKey(uuid, name string) string {
	return fmt.Sprintf("domain.snapshots/%s/%s", uuid, name)
}

// DomainSnapshotsPrefix addresses the ordered-children root for a VM's
// snapshots.
func DomainSnapshotsPrefix(uuid string) string { return fmt.Sprintf("domain.snapshots/%s", uuid) }

// OSDKey addresses one OSD's subtree: osd/<id>.
func OSDKey(id int) string { return fmt.Sprintf("osd/%d", id) }

// OSDsPrefix addresses the ordered-children root of all OSDs.
func OSDsPrefix() string { return "osd" }

// PoolKey addresses one pool's subtree: pool/<name>.
func PoolKey(name string) string { return fmt.Sprintf("pool/%s", name) }

// PoolsPrefix addresses the ordered-children root of all pools.
func PoolsPrefix() string { return "pool" }

// VolumeKey addresses one volume's stats: volume/<pool>/<name>/stats.
func VolumeKey(pool, name string) string { return fmt.Sprintf("volume/%s/%s/stats", pool, name) }

// VolumesPrefix addresses the ordered-children root of a pool's volumes.
func VolumesPrefix(pool string) string { return fmt.Sprintf("volume/%s", pool) }

// SnapshotKey addresses one RBD snapshot's stats.
func SnapshotKey(pool, volume, name string) string {
	return fmt.Sprintf("snapshot/%s/%s/%s/stats", pool, volume, name)
}

// SnapshotsPrefix addresses the ordered-children root of a volume's RBD
// snapshots.
func SnapshotsPrefix(pool, volume string) string { return fmt.Sprintf("snapshot/%s/%s", pool, volume) }

// NetworkKey addresses one network's subtree: network/<vni>.
func NetworkKey(vni int) string { return fmt.Sprintf("network/%d", vni) }

// NetworksPrefix addresses the ordered-children root of all networks.
func NetworksPrefix() string { return "network" }

// SRIOVVFKey addresses one SR-IOV VF's record: sriov/<node>/<device>.
func SRIOVVFKey(node, device string) string { return fmt.Sprintf("sriov/%s/%s", node, device) }

// SRIOVVFsPrefix addresses the ordered-children root of a node's VFs.
func SRIOVVFsPrefix(node string) string { return fmt.Sprintf("sriov/%s", node) }

// TaskKey addresses one task's status blob: task/<id>.
func TaskKey(id string) string { return fmt.Sprintf("task/%s", id) }

// TasksPrefix addresses the ordered-children root of all tasks.
func TasksPrefix() string { return "task" }

// CoordinatorsPrefix is the root under which the election state machine
// registers one ephemeral coordinators/<hostname> entry per node.
func CoordinatorsPrefix() string { return "coordinators" }

// PrimaryNodeKey is base.config.primary_node.
func PrimaryNodeKey() string { return "base.config.primary_node" }

// StorageHealthKey is base.storage.health.
func StorageHealthKey() string { return "base.storage.health" }
