package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/log"
	"github.com/fenwick-systems/meridian/internal/metrics"
)

// Config configures a RaftStore. NodeID and BindAddr identify this node on
// the Raft transport; DataDir holds the Raft log, stable store, snapshots,
// and the bbolt materialized view.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftStore is the concrete Store implementation: a Raft-replicated log of
// Commands applied into a local bbolt materialized view. This is the
// daemon's own stand-in for the "coordination service" the specification
// treats as an external collaborator — see SPEC_FULL.md §3.A.
type RaftStore struct {
	cfg  Config
	raft *raft.Raft
	fsm  *FSM
	view *boltView

	sessionID string

	broker *watchBroker

	mu               sync.Mutex
	sessionCallbacks []func(SessionEvent)

	stopCh chan struct{}
}

// New constructs a RaftStore but does not start or join a cluster; call
// Bootstrap for a brand-new cluster or Join to join an existing one.
func New(cfg Config) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	view, err := newBoltView(filepath.Join(cfg.DataDir, "view.db"))
	if err != nil {
		return nil, err
	}

	fsm := newFSM(view)

	s := &RaftStore{
		cfg:       cfg,
		fsm:       fsm,
		view:      view,
		sessionID: cfg.NodeID,
		broker:    newWatchBroker(view),
		stopCh:    make(chan struct{}),
	}

	fsm.onApply = s.broker.notify
	fsm.onSessionExpire = s.handleSessionExpire

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned for sub-10s failover, mirroring this module's own
	// coordinator-election latency target (§8 scenario 6: ~5s).
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("store: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("store: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("store: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("store: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("store: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("store: create raft: %w", err)
	}
	s.raft = r

	go s.watchLeadership()
	go s.sessionSweeper()

	return s, nil
}

// Bootstrap forms a brand-new single-node cluster with self as the sole
// voter. Additional coordinators join via Join.
func (s *RaftStore) Bootstrap() error {
	cfg := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(s.cfg.NodeID), Address: raft.ServerAddress(s.cfg.BindAddr)}},
	}
	return s.raft.BootstrapCluster(cfg).Error()
}

// AddVoter adds a new coordinator node to the Raft configuration; called
// by the current leader when a joining node requests membership.
func (s *RaftStore) AddVoter(nodeID, addr string) error {
	return s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// RemoveServer removes a coordinator from the Raft configuration.
func (s *RaftStore) RemoveServer(nodeID string) error {
	return s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds Raft leadership. The
// coordinator election component treats this as "is eligible to hold the
// primary marker", not as the primary marker itself.
func (s *RaftStore) IsLeader() bool { return s.raft.State() == raft.Leader }

// LeaderAddr returns the Raft transport address of the current leader, if
// known.
func (s *RaftStore) LeaderAddr() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

func (s *RaftStore) watchLeadership() {
	for {
		select {
		case isLeader := <-s.raft.LeaderCh():
			if isLeader {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
		case <-s.stopCh:
			return
		}
	}
}

// apply submits a Command to the Raft log and waits for it to be applied,
// surfacing any error the FSM returned from Apply.
func (s *RaftStore) apply(ctx context.Context, op string, data interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: encode command: %w", err)
	}
	cmd := Command{Op: op, Data: encoded}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("store: encode envelope: %w", err)
	}

	timeout := DefaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	future := s.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("store: raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return respErr
		}
	}
	return nil
}

// Read implements Store.
func (s *RaftStore) Read(ctx context.Context, path string) (KV, error) {
	rec, found, err := s.view.get(path)
	if err != nil {
		return KV{}, err
	}
	if !found {
		return KV{}, errkind.NewNotFound("store.Read", path+" not found")
	}
	return KV{Path: path, Value: rec.Value, Version: rec.Version}, nil
}

// ReadMany implements Store.
func (s *RaftStore) ReadMany(ctx context.Context, paths []string) ([]KV, error) {
	return s.view.getMany(paths)
}

// Write implements Store.
func (s *RaftStore) Write(ctx context.Context, pairs []WritePair) error {
	return s.apply(ctx, opWrite, writeCmd{Pairs: pairs})
}

// Delete implements Store.
func (s *RaftStore) Delete(ctx context.Context, paths []string, recursive bool) error {
	return s.apply(ctx, opDelete, deleteCmd{Paths: paths, Recursive: recursive})
}

// Children implements Store.
func (s *RaftStore) Children(ctx context.Context, path string) ([]string, error) {
	return s.view.children(path)
}

// Exists implements Store.
func (s *RaftStore) Exists(ctx context.Context, path string) (bool, error) {
	return s.view.exists(path)
}

// Rename implements Store.
func (s *RaftStore) Rename(ctx context.Context, pairs map[string]string) error {
	return s.apply(ctx, opRename, renameCmd{Pairs: pairs})
}

// ExclusiveLock implements Store.
func (s *RaftStore) ExclusiveLock(ctx context.Context, path string) (Lock, error) {
	if err := s.apply(ctx, opLockAcquire, lockCmd{Path: path, Owner: s.sessionID, Shared: false}); err != nil {
		return nil, err
	}
	return &raftLock{store: s, path: path}, nil
}

// ReadLock implements Store.
func (s *RaftStore) ReadLock(ctx context.Context, path string) (Lock, error) {
	if err := s.apply(ctx, opLockAcquire, lockCmd{Path: path, Owner: s.sessionID, Shared: true}); err != nil {
		return nil, err
	}
	return &raftLock{store: s, path: path}, nil
}

// WriteLock implements Store.
func (s *RaftStore) WriteLock(ctx context.Context, path string) (Lock, error) {
	return s.ExclusiveLock(ctx, path)
}

type raftLock struct {
	store *RaftStore
	path  string
}

func (l *raftLock) Unlock() error {
	return l.store.apply(context.Background(), opLockRelease, lockCmd{Path: l.path, Owner: l.store.sessionID})
}

// Watch implements Store.
func (s *RaftStore) Watch(ctx context.Context, path string, cb WatchCallback) (func(), error) {
	return s.broker.subscribe(path, cb), nil
}

// EphemeralRegister implements Store.
func (s *RaftStore) EphemeralRegister(ctx context.Context, path string, value []byte) error {
	return s.apply(ctx, opEphemeralRegister, ephemeralCmd{Path: path, Session: s.sessionID, Value: value})
}

// OnSessionEvent implements Store.
func (s *RaftStore) OnSessionEvent(cb func(SessionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCallbacks = append(s.sessionCallbacks, cb)
}

func (s *RaftStore) handleSessionExpire(session string) {
	if session != s.sessionID {
		return
	}
	s.mu.Lock()
	cbs := append([]func(SessionEvent){}, s.sessionCallbacks...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(SessionLost)
	}
}

// ExpireSession is called by whichever coordinator currently holds
// leadership when it determines (via fencing's liveness watcher) that a
// node's session should be torn down.
func (s *RaftStore) ExpireSession(ctx context.Context, session string) error {
	return s.apply(ctx, opSessionExpire, sessionExpireCmd{Session: session})
}

// sessionSweeper ticks every 2s until Close and does no work on a tick.
// Liveness is refreshed by the node agent's liveness loop, and the expiry
// decision lives in internal/fencing, which calls ExpireSession on the
// leader once a node's liveness marker has been missing past the
// confirmation delay.
func (s *RaftStore) sessionSweeper() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}
	}
}

// Close implements Store.
func (s *RaftStore) Close() error {
	close(s.stopCh)
	if err := s.raft.Shutdown().Error(); err != nil {
		log.Logger.Warn().Err(err).Msg("raft shutdown")
	}
	return s.view.close()
}
