package libvirtx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// MigrationStatus is the subset of QEMU's query-migrate reply the
// migration protocol needs to report progress to the Task Worker.
type MigrationStatus struct {
	Status        string `json:"status"`
	TotalBytes    int64  `json:"ram_total"`
	RemainingBytes int64 `json:"ram_remaining"`
}

// QMPMonitor polls a running domain's QEMU monitor socket directly,
// bypassing the libvirt RPC layer for telemetry libvirt itself doesn't
// expose (migration byte counters, balloon/block stats).
type QMPMonitor struct {
	mon *qmp.SocketMonitor
}

// DialQMP connects to a domain's QEMU monitor unix socket, conventionally
// /var/lib/libvirt/qemu/domain-<name>/monitor.sock.
func DialQMP(socketPath string, timeout time.Duration) (*QMPMonitor, error) {
	mon, err := qmp.NewSocketMonitor("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("libvirtx: dial qmp socket %s: %w", socketPath, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("libvirtx: qmp handshake %s: %w", socketPath, err)
	}
	return &QMPMonitor{mon: mon}, nil
}

func (q *QMPMonitor) Close() error { return q.mon.Disconnect() }

// QueryMigrate issues query-migrate and parses the reply's progress
// counters, polled by the migration protocol to report live-migration
// downtime/progress to the Task Worker without relying on libvirt's own
// (coarser) job-info call.
func (q *QMPMonitor) QueryMigrate() (MigrationStatus, error) {
	raw, err := q.mon.Run([]byte(`{"execute":"query-migrate"}`))
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("libvirtx: query-migrate: %w", err)
	}

	var resp struct {
		Return struct {
			Status string `json:"status"`
			RAM    struct {
				Total     int64 `json:"total"`
				Remaining int64 `json:"remaining"`
			} `json:"ram"`
		} `json:"return"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return MigrationStatus{}, fmt.Errorf("libvirtx: decode query-migrate reply: %w", err)
	}

	return MigrationStatus{
		Status:         resp.Return.Status,
		TotalBytes:     resp.Return.RAM.Total,
		RemainingBytes: resp.Return.RAM.Remaining,
	}, nil
}
