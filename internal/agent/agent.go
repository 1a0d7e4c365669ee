// Package agent implements the Node Agent: the per-node daemon loop that
// registers liveness and static facts, watches for VMs assigned to this
// node, reconciles observed libvirt state against desired state, and,
// when given a health registry, publishes the node's health score back to
// the Store on a fixed cadence. It publishes no other node or VM
// statistics.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/health"
	"github.com/fenwick-systems/meridian/internal/libvirtx"
	"github.com/fenwick-systems/meridian/internal/log"
	"github.com/fenwick-systems/meridian/internal/metrics"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
	"github.com/fenwick-systems/meridian/internal/vm"
)

// Agent is one node's local reconciliation loop.
type Agent struct {
	st       store.Store
	vmMgr    *vm.Manager
	migrator *vm.Migrator
	hostname string

	livenessInterval time.Duration
	reconcileEvery   time.Duration

	stopCh chan struct{}
}

func New(st store.Store, vmMgr *vm.Manager, migrator *vm.Migrator, hostname string, livenessInterval, reconcileEvery time.Duration) *Agent {
	if livenessInterval == 0 {
		livenessInterval = 5 * time.Second
	}
	if reconcileEvery == 0 {
		reconcileEvery = 10 * time.Second
	}
	return &Agent{
		st:               st,
		vmMgr:            vmMgr,
		migrator:         migrator,
		hostname:         hostname,
		livenessInterval: livenessInterval,
		reconcileEvery:   reconcileEvery,
		stopCh:           make(chan struct{}),
	}
}

// Start registers this node's static facts, begins the liveness refresh
// loop and the periodic reconcile loop, and watches domain.node/* for VMs
// assigned to this host. If registry is non-nil its
// checkers are also run on the same health.Config interval and the result
// published to this node's record.
func (a *Agent) Start(ctx context.Context, registry *health.Registry, healthCfg health.Config) error {
	if err := a.registerNode(ctx); err != nil {
		return err
	}

	go a.livenessLoop(ctx)
	go a.reconcileLoop(ctx)
	if registry != nil {
		go a.healthLoop(ctx, registry, healthCfg.Interval)
	}

	cancel, err := a.st.Watch(ctx, "domain.node", func(ev store.WatchEvent) {
		a.onDomainNodeChange(ctx, ev)
	})
	if err != nil {
		return errkind.WrapTransient("agent.Start", err)
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return nil
}

func (a *Agent) Stop() { close(a.stopCh) }

func (a *Agent) registerNode(ctx context.Context) error {
	n := types.Node{
		Hostname:     a.hostname,
		DaemonState:  types.NodeDaemonInit,
		DomainState:  types.NodeDomainReady,
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
		CPUCount:     runtime.NumCPU(),
		CreatedAt:    time.Now().UTC(),
	}
	if kern, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		n.Kernel = strings.TrimSpace(string(kern))
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("agent: encode node record: %w", err)
	}

	exists, err := a.st.Exists(ctx, schema.NodeKey(a.hostname))
	if err != nil {
		return err
	}
	if exists {
		// Preserve the existing record's history (tags, created_at): flip
		// daemon_state forward and refresh architecture, OS and CPU count,
		// rather than clobbering the record.
		kv, err := a.st.Read(ctx, schema.NodeKey(a.hostname))
		if err != nil {
			return err
		}
		var existing types.Node
		if err := json.Unmarshal(kv.Value, &existing); err != nil {
			return err
		}
		existing.DaemonState = types.NodeDaemonRun
		existing.Architecture, existing.OS, existing.CPUCount = n.Architecture, n.OS, n.CPUCount
		raw, err = json.Marshal(existing)
		if err != nil {
			return err
		}
		return a.st.Write(ctx, []store.WritePair{{Path: schema.NodeKey(a.hostname), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}})
	}

	n.DaemonState = types.NodeDaemonRun
	raw, err = json.Marshal(n)
	if err != nil {
		return err
	}
	return a.st.Write(ctx, []store.WritePair{{Path: schema.NodeKey(a.hostname), Value: raw}})
}

// livenessLoop refreshes this node's ephemeral liveness marker; its
// absence past the fencing component's confirmation delay is what marks
// the node dead.
func (a *Agent) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(a.livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.st.EphemeralRegister(ctx, schema.NodeLivenessKey(a.hostname), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
				log.Logger.Warn().Err(err).Msg("liveness refresh")
			}
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// healthLoop runs every registered checker on a fixed cadence and writes
// the resulting score and detail list back to this node's record.
func (a *Agent) healthLoop(ctx context.Context, registry *health.Registry, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			score, details := registry.RunAll(ctx)
			if err := a.publishHealth(ctx, score, details); err != nil {
				log.Logger.Warn().Err(err).Msg("publish health score")
			}
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) publishHealth(ctx context.Context, score int, details []types.HealthDetail) error {
	kv, err := a.st.Read(ctx, schema.NodeKey(a.hostname))
	if err != nil {
		return err
	}
	var n types.Node
	if err := json.Unmarshal(kv.Value, &n); err != nil {
		return err
	}
	n.HealthScore = score
	n.HealthDetail = details
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return a.st.Write(ctx, []store.WritePair{{Path: schema.NodeKey(a.hostname), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}})
}

// reconcileLoop periodically walks every VM assigned to this node and
// brings its libvirt state in line with the desired domain.state.
func (a *Agent) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(a.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) reconcileOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	vms, err := a.vmMgr.ListByNode(ctx, a.hostname)
	if err != nil {
		log.Logger.Error().Err(err).Msg("list vms for reconcile")
		return
	}

	conn, err := libvirtx.DialLocal(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("libvirt dial for reconcile")
		return
	}
	defer conn.Close()

	for _, v := range vms {
		if err := a.reconcileVM(ctx, conn, v); err != nil {
			log.Logger.Error().Err(err).Str("vm", v.UUID).Msg("reconcile vm")
		}
	}

	outbound, err := a.vmMgr.ListMigratingFrom(ctx, a.hostname)
	if err != nil {
		log.Logger.Error().Err(err).Msg("list outbound migrations")
		return
	}
	for _, v := range outbound {
		if err := a.driveMigration(ctx, conn, v); err != nil {
			log.Logger.Error().Err(err).Str("vm", v.UUID).Msg("drive migration")
		}
	}
}

func (a *Agent) reconcileVM(ctx context.Context, conn *libvirtx.Conn, v types.VM) error {
	dom, err := conn.LookupByUUID(v.UUID)
	observed := "absent"
	if err == nil {
		observed, err = conn.DomainState(dom)
		if err != nil {
			return err
		}
	}

	switch v.State {
	case types.VMStart, types.VMProvision, types.VMRestore, types.VMImport:
		if observed == "running" {
			return nil
		}
		dom, defErr := conn.DefineXML(v.XML)
		if defErr != nil {
			return a.vmMgr.Fail(ctx, v.UUID, "define failed: "+defErr.Error())
		}
		if err := conn.Create(dom); err != nil {
			return a.vmMgr.Fail(ctx, v.UUID, "create failed: "+err.Error())
		}
	case types.VMShutdown:
		if observed == "stopped" || observed == "absent" {
			return nil
		}
		return conn.Shutdown(dom)
	case types.VMStop, types.VMDisable, types.VMFail, types.VMMirror:
		if observed == "stopped" || observed == "absent" {
			return nil
		}
		return conn.Destroy(dom)
	case types.VMRestart:
		if observed == "running" {
			if err := conn.Shutdown(dom); err != nil {
				return err
			}
		}
	case types.VMMigrate, types.VMMigrateLive:
		// v.Node already equals this host by construction (reconcileVM is
		// only reached via ListByNode), which means this call is on the
		// migration target: nothing to drive here. libvirt's own
		// peer2peer migration flow defines and starts the domain once the
		// source side completes DomainMigrateToURI3; see driveMigration
		// for the source's half, reached through a separate scan.
		return nil
	}
	return nil
}

// driveMigration runs on the VM's source node (discovered via
// ListMigratingFrom since v.Node has already moved to the target in the
// coordination layer's view) and issues the actual libvirt
// migrateToURI3 call toward v.Node. On success it hands off to the
// Migrator to commit the target-side state transition; on failure it
// reverts residency via FailMigration. Neither changes anything until
// libvirt's call returns.
func (a *Agent) driveMigration(ctx context.Context, conn *libvirtx.Conn, v types.VM) error {
	if a.migrator == nil {
		return nil
	}

	dom, err := conn.LookupByUUID(v.UUID)
	if err != nil {
		return a.migrator.FailMigration(ctx, v.UUID, "domain not found on source: "+err.Error())
	}

	destURI := fmt.Sprintf("qemu+tcp://%s/system", v.Node)
	params := libvirtx.MigrateParams{
		DestURI:       destURI,
		BandwidthMiB:  0,
		MaxDowntimeMs: uint64(v.Metadata.MigrateMaxDowntime),
		Live:          v.State == types.VMMigrateLive,
	}

	if err := conn.MigrateToURI3(dom, params); err != nil {
		return a.migrator.FailMigration(ctx, v.UUID, "migration failed: "+err.Error())
	}

	flips, err := a.migrator.ReserveSRIOVFlips(ctx, v.UUID, v.Node)
	if err != nil {
		return a.migrator.FailMigration(ctx, v.UUID, "sriov vf reservation failed: "+err.Error())
	}

	return a.migrator.CompleteMigration(ctx, v.UUID, flips)
}

func (a *Agent) onDomainNodeChange(ctx context.Context, ev store.WatchEvent) {
	log.Logger.Debug().Str("path", ev.Path).Msg("domain.node changed")
	a.reconcileOnce(ctx)
}
