package health

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/client4"
	"github.com/miekg/dns"

	"github.com/fenwick-systems/meridian/internal/cephcli"
	"github.com/fenwick-systems/meridian/internal/libvirtx"
)

// DiskSpaceChecker fails when a mounted path's free space drops below a
// percentage threshold.
type DiskSpaceChecker struct {
	Path          string
	MinFreePercent float64
	ScoreDelta    int
}

func (c *DiskSpaceChecker) Name() string { return "disk-space:" + c.Path }

func (c *DiskSpaceChecker) Check(ctx context.Context) Result {
	start := time.Now()
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.Path, &stat); err != nil {
		return Result{Healthy: false, ScoreDelta: c.ScoreDelta, Message: fmt.Sprintf("statfs %s: %v", c.Path, err), CheckedAt: start, Duration: time.Since(start)}
	}
	free := float64(stat.Bfree) / float64(stat.Blocks) * 100
	if free < c.MinFreePercent {
		return Result{Healthy: false, ScoreDelta: c.ScoreDelta, Message: fmt.Sprintf("%s at %.1f%% free, below %.1f%% threshold", c.Path, free, c.MinFreePercent), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// CephHealthChecker surfaces ceph's own HEALTH_WARN/HEALTH_ERR as a score
// penalty, the cluster-wide counterpart to each node's own liveness.
type CephHealthChecker struct {
	Client         *cephcli.Client
	WarnDelta      int
	ErrDelta       int
}

func (c *CephHealthChecker) Name() string { return "ceph-cluster-health" }

func (c *CephHealthChecker) Check(ctx context.Context) Result {
	start := time.Now()
	status, err := c.Client.ClusterHealth(ctx)
	if err != nil {
		return Result{Healthy: false, ScoreDelta: c.ErrDelta, Message: "ceph health: " + err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	switch status {
	case "HEALTH_OK":
		return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
	case "HEALTH_WARN":
		return Result{Healthy: false, ScoreDelta: c.WarnDelta, Message: "ceph reports HEALTH_WARN", CheckedAt: start, Duration: time.Since(start)}
	default:
		return Result{Healthy: false, ScoreDelta: c.ErrDelta, Message: "ceph reports " + status, CheckedAt: start, Duration: time.Since(start)}
	}
}

// LibvirtChecker confirms the node's local libvirtd socket accepts
// connections, catching the case where QEMU/KVM support has silently
// wedged even though the host otherwise looks healthy.
type LibvirtChecker struct {
	ScoreDelta int
}

func (c *LibvirtChecker) Name() string { return "libvirt-connectivity" }

func (c *LibvirtChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := libvirtx.DialLocal(ctx)
	if err != nil {
		return Result{Healthy: false, ScoreDelta: c.ScoreDelta, Message: "libvirt dial: " + err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	conn.Close()
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// DHCPResponderChecker confirms the managed network's DHCP responder
// answers a DISCOVER on the given interface, used when a network's type
// is "managed" (§3 Network.Type).
type DHCPResponderChecker struct {
	Interface  string
	ScoreDelta int
}

func (c *DHCPResponderChecker) Name() string { return "dhcp-responder:" + c.Interface }

func (c *DHCPResponderChecker) Check(ctx context.Context) Result {
	start := time.Now()
	client := client4.New()

	conv, err := client.Exchange(c.Interface, client4.WithTimeout(3*time.Second))
	if err != nil || len(conv) == 0 {
		msg := "no dhcp response"
		if err != nil {
			msg = err.Error()
		}
		return Result{Healthy: false, ScoreDelta: c.ScoreDelta, Message: msg, CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// DNSReachabilityChecker confirms a network's configured nameserver
// answers an SOA query for the network's domain.
type DNSReachabilityChecker struct {
	Server     string // host:port
	Domain     string
	ScoreDelta int
}

func (c *DNSReachabilityChecker) Name() string { return "dns-reachability:" + c.Server }

func (c *DNSReachabilityChecker) Check(ctx context.Context) Result {
	start := time.Now()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(c.Domain), dns.TypeSOA)

	client := &dns.Client{Timeout: 3 * time.Second}
	_, _, err := client.ExchangeContext(ctx, m, c.Server)
	if err != nil {
		return Result{Healthy: false, ScoreDelta: c.ScoreDelta, Message: "dns exchange: " + err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}
