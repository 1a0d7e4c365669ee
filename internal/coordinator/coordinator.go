// Package coordinator implements the per-node election and failover state
// machine: follower/candidate/primary/takeover/relinquish. Raft leadership
// (see internal/store) alone decides which node is primary: the Raft
// leader runs takeover and a node that loses leadership runs relinquish.
// The coordinators/<hostname> entries written during takeover carry no
// sequence number and are not read by the election.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/fencing"
	"github.com/fenwick-systems/meridian/internal/log"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
)

// LeaderChecker is the subset of *store.RaftStore the election loop needs
// to learn whether this node is currently eligible to hold primary.
type LeaderChecker interface {
	IsLeader() bool
}

// State is this node's coordinator role, mirroring types.NodeCoordinatorState
// plus the two transient states the takeover/relinquish ritual passes
// through.
type State string

const (
	StateFollower    State = "follower"
	StateCandidate   State = "candidate"
	StateTakeover    State = "takeover"
	StatePrimary     State = "primary"
	StateRelinquish  State = "relinquish"
)

// Election runs on every node and drives this node's own coordinator
// role in and out of primary as Raft leadership changes.
type Election struct {
	st       store.Store
	raft     LeaderChecker
	hostname string

	fencingWatcher *fencing.Watcher

	mu    sync.Mutex
	state State

	floatingAddr string
	onAcquire    func(ctx context.Context) error
	onRelease    func(ctx context.Context) error

	stopCh chan struct{}
}

// NewElection wires the election loop for one node. onAcquire/onRelease
// are hooks the daemon entrypoint uses to bring up/down the floating
// cluster IP and any primary-only listeners.
func NewElection(st store.Store, raft LeaderChecker, hostname string, fw *fencing.Watcher) *Election {
	return &Election{
		st:       st,
		raft:     raft,
		hostname: hostname,
		state:    StateFollower,
		fencingWatcher: fw,
		stopCh:   make(chan struct{}),
	}
}

// OnAcquire/OnRelease register the floating-IP (or other primary-only
// resource) hooks the takeover/relinquish ritual calls at the right step.
func (e *Election) OnAcquire(fn func(ctx context.Context) error) { e.onAcquire = fn }
func (e *Election) OnRelease(fn func(ctx context.Context) error) { e.onRelease = fn }

// State reports this node's current coordinator role.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run polls Raft leadership on a fixed cadence and drives the takeover or
// relinquish ritual on each transition. Polling (rather than watching
// s.raft.LeaderCh() directly) keeps this package decoupled from the
// concrete RaftStore type, at the cost of up to one tick of latency,
// within the ~5s failover budget (§8 scenario 6).
func (e *Election) Run(ctx context.Context, tick time.Duration) {
	if tick == 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reconcile(ctx)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Election) Stop() { close(e.stopCh) }

func (e *Election) reconcile(ctx context.Context) {
	eligible := e.raft.IsLeader()

	e.mu.Lock()
	cur := e.state
	e.mu.Unlock()

	switch {
	case eligible && cur != StatePrimary:
		e.takeover(ctx)
	case !eligible && cur == StatePrimary:
		e.relinquish(ctx)
	}
}

// takeover runs the five-step ritual: register this node's
// coordinators/<hostname> entry, write primary_node, start the fencing watcher, call the
// OnAcquire hook, and flip this node's own coordinator_state to primary.
// A failure in the first two steps returns the node to follower; an
// OnAcquire error is logged and takeover continues.
func (e *Election) takeover(ctx context.Context) {
	log.Logger.Info().Str("node", e.hostname).Msg("coordinator takeover")
	e.setState(StateTakeover)

	if err := e.claimSlot(ctx); err != nil {
		log.Logger.Error().Err(err).Msg("claim election slot")
		e.setState(StateFollower)
		return
	}

	if err := e.st.Write(ctx, []store.WritePair{{Path: schema.PrimaryNodeKey(), Value: []byte(e.hostname)}}); err != nil {
		log.Logger.Error().Err(err).Msg("write primary_node")
		e.setState(StateFollower)
		return
	}

	if e.fencingWatcher != nil {
		go e.fencingWatcher.Run(ctx, 0)
	}

	if e.onAcquire != nil {
		if err := e.onAcquire(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("acquire floating resources")
		}
	}

	if err := e.setNodeCoordinatorState(ctx, types.NodeCoordinatorPrimary); err != nil {
		log.Logger.Error().Err(err).Msg("set coordinator_state primary")
	}

	e.setState(StatePrimary)
	log.Logger.Info().Str("node", e.hostname).Msg("coordinator takeover complete")
}

// relinquish reverses takeover in the opposite order: demote this node's
// own record first, release floating resources, stop the fencing
// watcher, then step back to follower.
func (e *Election) relinquish(ctx context.Context) {
	log.Logger.Info().Str("node", e.hostname).Msg("coordinator relinquish")
	e.setState(StateRelinquish)

	if err := e.setNodeCoordinatorState(ctx, types.NodeCoordinatorSecondary); err != nil {
		log.Logger.Error().Err(err).Msg("set coordinator_state secondary")
	}

	if e.onRelease != nil {
		if err := e.onRelease(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("release floating resources")
		}
	}

	if e.fencingWatcher != nil {
		e.fencingWatcher.Stop()
	}

	e.setState(StateFollower)
	log.Logger.Info().Str("node", e.hostname).Msg("coordinator relinquish complete")
}

func (e *Election) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// claimSlot registers the ephemeral entry coordinators/<hostname>, whose
// value records when this node last took over. The path has no sequence
// number, so each takeover overwrites the previous entry, and nothing in
// the election reads it back.
func (e *Election) claimSlot(ctx context.Context) error {
	path := fmt.Sprintf("%s/%s", schema.CoordinatorsPrefix(), e.hostname)
	return e.st.EphemeralRegister(ctx, path, []byte(fmt.Sprintf(`{"claimed_at":%q}`, time.Now().UTC().Format(time.RFC3339))))
}

func (e *Election) setNodeCoordinatorState(ctx context.Context, cs types.NodeCoordinatorState) error {
	kv, err := e.st.Read(ctx, schema.NodeKey(e.hostname))
	if err != nil {
		return err
	}
	var n types.Node
	if err := json.Unmarshal(kv.Value, &n); err != nil {
		return err
	}
	n.CoordinatorState = cs
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return e.st.Write(ctx, []store.WritePair{{Path: schema.NodeKey(e.hostname), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}})
}

// CurrentPrimary reads the cluster's current primary_node value.
func CurrentPrimary(ctx context.Context, st store.Store) (string, error) {
	kv, err := st.Read(ctx, schema.PrimaryNodeKey())
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return "", nil
		}
		return "", err
	}
	return string(kv.Value), nil
}
