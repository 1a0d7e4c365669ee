package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
	"github.com/fenwick-systems/meridian/internal/vm"
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

func readNode(t *testing.T, ctx context.Context, st *store.RaftStore, hostname string) types.Node {
	t.Helper()
	kv, err := st.Read(ctx, schema.NodeKey(hostname))
	require.NoError(t, err)
	var n types.Node
	require.NoError(t, json.Unmarshal(kv.Value, &n))
	return n
}

func TestRegisterNodeCreatesRunningRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	vmMgr := vm.NewManager(st)
	a := New(st, vmMgr, vm.NewMigrator(st, vmMgr), "node-a", 0, 0)

	require.NoError(t, a.registerNode(ctx))

	n := readNode(t, ctx, st, "node-a")
	require.Equal(t, types.NodeDaemonRun, n.DaemonState)
	require.Equal(t, types.NodeDomainReady, n.DomainState)
}

func TestRegisterNodePreservesExistingRecordOnRestart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	vmMgr := vm.NewManager(st)
	a := New(st, vmMgr, vm.NewMigrator(st, vmMgr), "node-a", 0, 0)

	require.NoError(t, a.registerNode(ctx))

	// Simulate an operator-set tag surviving a daemon restart.
	n := readNode(t, ctx, st, "node-a")
	n.Tags = []types.Tag{{Key: "rack", Value: "r1"}}
	n.DaemonState = types.NodeDaemonDead
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	kv, err := st.Read(ctx, schema.NodeKey("node-a"))
	require.NoError(t, err)
	require.NoError(t, st.Write(ctx, []store.WritePair{{Path: schema.NodeKey("node-a"), Value: raw, CheckVersion: true, ExpectVersion: kv.Version}}))

	require.NoError(t, a.registerNode(ctx))

	got := readNode(t, ctx, st, "node-a")
	require.Equal(t, types.NodeDaemonRun, got.DaemonState, "a second registerNode call must flip daemon_state back to run")
	require.Equal(t, []types.Tag{{Key: "rack", Value: "r1"}}, got.Tags, "restart must not clobber operator-set tags")
}

func TestPublishHealthWritesScoreAndDetail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	vmMgr := vm.NewManager(st)
	a := New(st, vmMgr, vm.NewMigrator(st, vmMgr), "node-a", 0, 0)
	require.NoError(t, a.registerNode(ctx))

	details := []types.HealthDetail{{Plugin: "disk-space:/", ScoreDelta: 20, Message: "low disk"}}
	require.NoError(t, a.publishHealth(ctx, 80, details))

	got := readNode(t, ctx, st, "node-a")
	require.Equal(t, 80, got.HealthScore)
	require.Equal(t, details, got.HealthDetail)
}
