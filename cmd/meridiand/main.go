// Command meridiand is the per-node daemon: it wires the Raft-backed
// coordination store, the VM manager, the node agent's reconciliation
// loop, coordinator election and fencing, and the peer-cluster
// snapshot/backup/mirror API into one process. The storage engine, the
// network manager and the task worker are not started here.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenwick-systems/meridian/internal/agent"
	"github.com/fenwick-systems/meridian/internal/cephcli"
	"github.com/fenwick-systems/meridian/internal/config"
	"github.com/fenwick-systems/meridian/internal/coordinator"
	"github.com/fenwick-systems/meridian/internal/fencing"
	"github.com/fenwick-systems/meridian/internal/health"
	"github.com/fenwick-systems/meridian/internal/log"
	"github.com/fenwick-systems/meridian/internal/metrics"
	"github.com/fenwick-systems/meridian/internal/pipeline"
	"github.com/fenwick-systems/meridian/internal/pipeline/httpapi"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/vm"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meridiand",
	Short:   "Meridian node daemon: coordination, VM lifecycle, storage, and networking",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meridiand version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("data-dir", "", "Data directory for Raft log and materialized view")
	rootCmd.Flags().String("bind", "", "Raft transport bind address")
	rootCmd.Flags().Bool("coordinator", false, "Run as a Raft voter participating in coordination")
	rootCmd.Flags().StringSlice("join", nil, "Raft address of an existing coordinator to join")
	rootCmd.Flags().Bool("bootstrap", false, "Bootstrap a brand-new single-node cluster")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	var rs *store.RaftStore
	if cfg.Coordinator {
		var err error
		rs, err = store.New(store.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir})
		if err != nil {
			return fmt.Errorf("meridiand: open store: %w", err)
		}
		defer rs.Close()

		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		switch {
		case bootstrap:
			if err := rs.Bootstrap(); err != nil {
				return fmt.Errorf("meridiand: bootstrap cluster: %w", err)
			}
		case len(cfg.JoinAddrs) > 0:
			client := store.NewRemoteClient(cfg.JoinAddrs[0], cfg.NodeID)
			if err := client.Join(cfg.NodeID, cfg.BindAddr); err != nil {
				return fmt.Errorf("meridiand: join cluster via %s: %w", cfg.JoinAddrs[0], err)
			}
		}
		st = rs

		remoteAddr := cfg.FloatingUpstreamAddr
		if remoteAddr == "" {
			remoteAddr = cfg.BindAddr
		}
		remoteSrv, err := store.ServeRemote(rs, remoteAddr)
		if err != nil {
			return fmt.Errorf("meridiand: serve remote store: %w", err)
		}
		defer remoteSrv.Close()
	} else {
		if len(cfg.JoinAddrs) == 0 {
			return fmt.Errorf("meridiand: non-coordinator node requires --join")
		}
		st = store.NewRemoteClient(cfg.JoinAddrs[0], cfg.NodeID)
	}

	ceph := cephcli.New(cfg.NodeID)
	vmMgr := vm.NewManager(st)
	migrator := vm.NewMigrator(st, vmMgr)

	// storageengine.Engine and network.Manager are driven by the
	// operator-facing CLI/API surface, explicitly out of scope here (see
	// SPEC_FULL.md's "CLI/HTTP parameter parsing" non-goal) — they write
	// directly to the same Store this daemon watches, so the daemon needs
	// no reference to either to observe and act on their results.

	healthCfg := health.DefaultConfig()
	registry := health.NewRegistry(healthCfg)
	registry.Register(&health.DiskSpaceChecker{Path: cfg.DataDir, MinFreePercent: 10, ScoreDelta: 20})
	registry.Register(&health.LibvirtChecker{ScoreDelta: 40})
	registry.Register(&health.CephHealthChecker{Client: ceph, WarnDelta: 10, ErrDelta: 30})

	nodeAgent := agent.New(st, vmMgr, migrator, cfg.NodeID, cfg.LivenessInterval, 10*time.Second)
	if err := nodeAgent.Start(ctx, registry, healthCfg); err != nil {
		return fmt.Errorf("meridiand: start agent: %w", err)
	}
	defer nodeAgent.Stop()

	if rs != nil {
		fw := fencing.NewWatcher(st, rs, vmMgr, cfg.LivenessConfirmDelay)
		election := coordinator.NewElection(st, rs, cfg.NodeID, fw)
		election.OnAcquire(func(ctx context.Context) error {
			go fw.Run(ctx, 2*time.Second)
			return nil
		})
		election.OnRelease(func(ctx context.Context) error {
			fw.Stop()
			return nil
		})
		go election.Run(ctx, 1*time.Second)
		defer election.Stop()
	}

	pipe := pipeline.New(st, ceph, vmMgr, cfg.BackupPath)
	apiSrv := httpapi.NewServer(st, ceph, vmMgr, pipe, cfg.APIKey)
	go func() {
		if err := apiSrv.Start(ctx, cfg.FloatingClusterAddr); err != nil {
			log.Logger.Error().Err(err).Msg("peer api server stopped")
		}
	}()

	http.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Logger.Info().Str("node_id", cfg.NodeID).Bool("coordinator", cfg.Coordinator).Msg("meridiand started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")
	cancel()
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("bind"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetBool("coordinator"); v {
		cfg.Coordinator = v
	}
	if v, _ := cmd.Flags().GetStringSlice("join"); len(v) > 0 {
		cfg.JoinAddrs = v
	}
}
