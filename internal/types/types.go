// Package types defines the entities of the cluster coordination core, as
// stored in the Store (see internal/store/schema for the key layout these
// values live under).
package types

import "time"

// Node identifies a physical cluster member. Identity is the hostname;
// a Node is never deleted once created.
type Node struct {
	Hostname string `json:"hostname"`

	DaemonState      NodeDaemonState      `json:"daemon_state"`
	CoordinatorState NodeCoordinatorState `json:"coordinator_state"`
	DomainState      NodeDomainState      `json:"domain_state"`

	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	Kernel       string `json:"kernel"`
	OS           string `json:"os"`

	CPUCount  int `json:"cpu_count"`
	MemoryMiB int `json:"memory_mib"`

	Load        float64            `json:"load"`
	ResourceUse map[string]float64 `json:"resource_use"`

	HealthScore  int              `json:"health_score"`
	HealthDetail []HealthDetail   `json:"health_detail"`

	CreatedAt time.Time `json:"created_at"`
}

type NodeDaemonState string

const (
	NodeDaemonInit     NodeDaemonState = "init"
	NodeDaemonRun      NodeDaemonState = "run"
	NodeDaemonShutdown NodeDaemonState = "shutdown"
	NodeDaemonStop     NodeDaemonState = "stop"
	NodeDaemonDead     NodeDaemonState = "dead"
)

type NodeCoordinatorState string

const (
	NodeCoordinatorPrimary   NodeCoordinatorState = "primary"
	NodeCoordinatorSecondary NodeCoordinatorState = "secondary"
	NodeCoordinatorNone      NodeCoordinatorState = "none"
)

type NodeDomainState string

const (
	NodeDomainReady   NodeDomainState = "ready"
	NodeDomainFlush   NodeDomainState = "flush"
	NodeDomainFlushed NodeDomainState = "flushed"
	NodeDomainUnflush NodeDomainState = "unflush"
)

// HealthDetail is one named health plugin's contribution to a node's score.
type HealthDetail struct {
	Plugin     string `json:"plugin"`
	ScoreDelta int    `json:"score_delta"`
	Message    string `json:"message"`
}

// VMState enumerates every state a VM's domain.state key may hold.
type VMState string

const (
	VMStart       VMState = "start"
	VMRestart     VMState = "restart"
	VMShutdown    VMState = "shutdown"
	VMStop        VMState = "stop"
	VMDisable     VMState = "disable"
	VMFail        VMState = "fail"
	VMMigrate     VMState = "migrate"
	VMMigrateLive VMState = "migrate-live"
	VMUnmigrate   VMState = "unmigrate"
	VMProvision   VMState = "provision"
	VMRestore     VMState = "restore"
	VMImport      VMState = "import"
	VMMirror      VMState = "mirror"
	VMDelete      VMState = "delete"
)

// NodeSelector names a strategy the VM lifecycle engine uses to pick a
// target node for provisioning or migration.
type NodeSelector string

const (
	SelectorMem     NodeSelector = "mem"
	SelectorMemProv NodeSelector = "memprov"
	SelectorLoad    NodeSelector = "load"
	SelectorVCPUs   NodeSelector = "vcpus"
	SelectorVMs     NodeSelector = "vms"
	SelectorNone    NodeSelector = "none"
)

// MigrateMethod controls whether a migration prefers libvirt live-migrate
// or falls back to an orderly shutdown+start on the target.
type MigrateMethod string

const (
	MigrateNone     MigrateMethod = "none"
	MigrateLive     MigrateMethod = "live"
	MigrateShutdown MigrateMethod = "shutdown"
)

// TagType distinguishes operator-set tags from ones the system itself
// maintains.
type TagType string

const (
	TagUser   TagType = "user"
	TagSystem TagType = "system"
)

// Tag is a single (type, protected, value) annotation on a VM.
type Tag struct {
	Name      string  `json:"name"`
	Type      TagType `json:"type"`
	Protected bool    `json:"protected"`
}

// VMMetadata holds the scheduling/operational knobs carried alongside a VM
// that are not part of its libvirt definition.
type VMMetadata struct {
	NodeLimit          []string      `json:"node_limit"`
	NodeSelector       NodeSelector  `json:"node_selector"`
	Autostart          bool          `json:"autostart"`
	MigrateMethod      MigrateMethod `json:"migrate_method"`
	MigrateMaxDowntime int           `json:"migrate_max_downtime_ms"`
	ProfileTag         string        `json:"profile_tag"`
}

// VM is the canonical in-store representation of a virtual machine (the
// "Domain" entity of the specification). XML is the authoritative
// definition; Definition is a typed projection rendered to that XML on
// write (see internal/vm.Definition) and is never re-derived from XML on
// every operation.
type VM struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`

	XML string `json:"xml"`

	State        VMState `json:"state"`
	Node         string  `json:"node"`
	LastNode     string  `json:"last_node"`
	FailedReason string  `json:"failed_reason,omitempty"`

	Tags     []Tag      `json:"tags"`
	Metadata VMMetadata `json:"metadata"`

	ConsoleLog []string `json:"console_log,omitempty"`

	Volumes []VolumeRef `json:"volumes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VolumeRef names an RBD volume a VM's definition depends on.
type VolumeRef struct {
	Pool   string `json:"pool"`
	Volume string `json:"volume"`
}

// VMSnapshot is a point-in-time, crash-consistent capture of a VM's disks
// plus its XML at that moment.
type VMSnapshot struct {
	VMUUID string `json:"vm_uuid"`
	Name   string `json:"name"`

	CreatedAt time.Time `json:"created_at"`
	XML       string    `json:"xml"`

	// RBDSnapshots holds one ref per volume, formatted "pool/volume@name".
	RBDSnapshots []string `json:"rbd_snapshots"`
}

// PoolTier names the CRUSH device class a pool targets.
type PoolTier string

const (
	TierDefault PoolTier = "default"
	TierHDD     PoolTier = "hdd"
	TierSSD     PoolTier = "ssd"
	TierNVMe    PoolTier = "nvme"
)

// Pool is a Ceph/RBD pool.
type Pool struct {
	Name  string   `json:"name"`
	Tier  PoolTier `json:"tier"`
	PGs   int      `json:"pgs"`
	Stats RawStats `json:"stats"`
}

// Volume is an RBD image within a Pool.
type Volume struct {
	Pool  string   `json:"pool"`
	Name  string   `json:"name"`
	Stats RawStats `json:"stats"`
}

// Snapshot is a named point-in-time RBD snapshot of a Volume.
type Snapshot struct {
	Pool   string   `json:"pool"`
	Volume string   `json:"volume"`
	Name   string   `json:"name"`
	Info   RawStats `json:"info"`
}

// OSD is a single Ceph object-store daemon instance.
type OSD struct {
	ID int `json:"id"`

	Node      string `json:"node"`
	Device    string `json:"device"`
	DBDevice  string `json:"db_device,omitempty"`
	IsSplit   bool   `json:"is_split"`
	// SplitCount is the number of OSDs sharing Device, i.e. the peer split
	// set size including this OSD; 1 for a dedicated device.
	SplitCount int     `json:"split_count,omitempty"`
	Weight     float64 `json:"weight,omitempty"`

	OSDFSID     string `json:"osd_fsid"`
	ClusterFSID string `json:"cluster_fsid"`

	VGName string `json:"vg_name"`
	LVName string `json:"lv_name"`

	Stats RawStats `json:"stats"`
}

// SRIOVVF is a single SR-IOV virtual function on one node's network card.
type SRIOVVF struct {
	Node   string `json:"node"`
	Device string `json:"device"`

	Used   bool   `json:"used"`
	UsedBy string `json:"used_by,omitempty"`

	VLAN       int    `json:"vlan"`
	QoS        int    `json:"qos"`
	RateMin    int    `json:"rate_min"`
	RateMax    int    `json:"rate_max"`
	LinkState  string `json:"link_state"`
	Spoofcheck bool   `json:"spoofcheck"`
	Trust      bool   `json:"trust"`
	RSSQuery   bool   `json:"rss_query_en"`

	ParentPF string `json:"parent_pf"`
	PCIAddr  string `json:"pci_address"`
}

// NetworkType distinguishes a fully managed overlay from one where only
// ACLs and bookkeeping apply to an externally bridged VLAN.
type NetworkType string

const (
	NetworkManaged NetworkType = "managed"
	NetworkBridged NetworkType = "bridged"
)

// DHCPReservation is a static mac->ip,hostname binding handed to the
// managed network's DHCP responder.
type DHCPReservation struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

// ACLDirection is the traffic direction an ACLRule applies to.
type ACLDirection string

const (
	ACLIn  ACLDirection = "in"
	ACLOut ACLDirection = "out"
)

// ACLRule is one ordered firewall rule on a Network.
type ACLRule struct {
	Order     int          `json:"order"`
	Direction ACLDirection `json:"direction"`
	Rule      string       `json:"rule"`
}

// Network is a VXLAN-identified virtual network.
type Network struct {
	VNI int `json:"vni"`

	Description string      `json:"description"`
	Type        NetworkType `json:"type"`
	MTU         int         `json:"mtu"`
	Domain      string      `json:"domain"`
	NameServers []string    `json:"name_servers"`

	IPv4Subnet  string `json:"ipv4_subnet,omitempty"`
	IPv4Gateway string `json:"ipv4_gateway,omitempty"`
	IPv6Subnet  string `json:"ipv6_subnet,omitempty"`
	IPv6Gateway string `json:"ipv6_gateway,omitempty"`

	DHCPEnabled bool              `json:"dhcp_enabled"`
	DHCPStart   string            `json:"dhcp_start,omitempty"`
	DHCPEnd     string            `json:"dhcp_end,omitempty"`
	DHCPStatic  []DHCPReservation `json:"dhcp_static"`

	ACLRules []ACLRule `json:"acl_rules"`
}

// TaskState is the lifecycle state of a long-running Task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailed  TaskState = "FAILED"
)

// Task is a long-running operation tracked through the Store so any caller
// can watch its progress.
type Task struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Worker string    `json:"worker"`
	State  TaskState `json:"state"`

	Stage      int    `json:"stage"`
	TotalStage int    `json:"total_stage"`
	Status     string `json:"status"`

	Args   []string          `json:"args,omitempty"`
	Kwargs map[string]string `json:"kwargs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RawStats is an opaque JSON blob mirrored verbatim from Ceph, per the
// design note that stats stay untyped at the store boundary and are only
// parsed into typed structs where a field is actually consumed (see
// internal/types/stats.go).
type RawStats map[string]interface{}
