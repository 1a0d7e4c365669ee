package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
)

func newTestStore(t *testing.T) *store.RaftStore {
	t.Helper()
	s, err := store.New(store.Config{NodeID: "node-a", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap())
	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeLeaderChecker lets a test flip Raft leadership without standing up
// a multi-node cluster.
type fakeLeaderChecker struct {
	leader atomic.Bool
}

func (f *fakeLeaderChecker) IsLeader() bool { return f.leader.Load() }

func TestTakeoverWritesPrimaryNodeAndCoordinatorState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	raw, err := json.Marshal(types.Node{Hostname: "node-a", CoordinatorState: types.NodeCoordinatorSecondary})
	require.NoError(t, err)
	require.NoError(t, st.Write(ctx, []store.WritePair{{Path: schema.NodeKey("node-a"), Value: raw}}))

	raft := &fakeLeaderChecker{}
	e := NewElection(st, raft, "node-a", nil)

	var acquired bool
	e.OnAcquire(func(ctx context.Context) error { acquired = true; return nil })

	raft.leader.Store(true)
	e.reconcile(ctx)

	require.Equal(t, StatePrimary, e.State())
	require.True(t, acquired)

	primary, err := CurrentPrimary(ctx, st)
	require.NoError(t, err)
	require.Equal(t, "node-a", primary)

	kv, err := st.Read(ctx, schema.NodeKey("node-a"))
	require.NoError(t, err)
	var n types.Node
	require.NoError(t, json.Unmarshal(kv.Value, &n))
	require.Equal(t, types.NodeCoordinatorPrimary, n.CoordinatorState)
}

func TestRelinquishDemotesNodeAndReleasesResources(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	raw, err := json.Marshal(types.Node{Hostname: "node-a", CoordinatorState: types.NodeCoordinatorSecondary})
	require.NoError(t, err)
	require.NoError(t, st.Write(ctx, []store.WritePair{{Path: schema.NodeKey("node-a"), Value: raw}}))

	raft := &fakeLeaderChecker{}
	e := NewElection(st, raft, "node-a", nil)
	var released bool
	e.OnRelease(func(ctx context.Context) error { released = true; return nil })

	raft.leader.Store(true)
	e.reconcile(ctx)
	require.Equal(t, StatePrimary, e.State())

	raft.leader.Store(false)
	e.reconcile(ctx)

	require.Equal(t, StateFollower, e.State())
	require.True(t, released)

	kv, err := st.Read(ctx, schema.NodeKey("node-a"))
	require.NoError(t, err)
	var n types.Node
	require.NoError(t, json.Unmarshal(kv.Value, &n))
	require.Equal(t, types.NodeCoordinatorSecondary, n.CoordinatorState)
}

func TestReconcileIsNoopWhenStateAlreadyMatchesEligibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	raw, err := json.Marshal(types.Node{Hostname: "node-a"})
	require.NoError(t, err)
	require.NoError(t, st.Write(ctx, []store.WritePair{{Path: schema.NodeKey("node-a"), Value: raw}}))

	raft := &fakeLeaderChecker{}
	e := NewElection(st, raft, "node-a", nil)

	e.reconcile(ctx)
	require.Equal(t, StateFollower, e.State())

	primary, err := CurrentPrimary(ctx, st)
	require.NoError(t, err)
	require.Empty(t, primary, "a node that was never leader must never claim primary_node")
}

func TestCurrentPrimaryEmptyBeforeAnyTakeover(t *testing.T) {
	st := newTestStore(t)
	primary, err := CurrentPrimary(context.Background(), st)
	require.NoError(t, err)
	require.Empty(t, primary)
}
