package fencing

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
	s, err := store.New(store.Config{NodeID: "coordinator", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap())
	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeNode(t *testing.T, ctx context.Context, st *store.RaftStore, n types.Node) {
	t.Helper()
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	require.NoError(t, st.Write(ctx, []store.WritePair{{Path: schema.NodeKey(n.Hostname), Value: raw}}))
}

// remoteSession gives a node its own ephemeral/session identity, the way
// a compute node really registers liveness through a RemoteClient rather
// than sharing the coordinator's own RaftStore session.
func remoteSession(t *testing.T, st *store.RaftStore, hostname string) *store.RemoteClient {
	t.Helper()
	srv, err := store.ServeRemote(st, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	client := store.NewRemoteClient(srv.Addr(), hostname)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

const testDomainXML = `<domain type="kvm"><uuid>22222222-2222-2222-2222-222222222222</uuid><name>vm1</name><memory unit="MiB">512</memory><vcpu>1</vcpu><devices></devices></domain>`

func TestSweepDeclaresNodeDeadAfterConfirmDelay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	vmMgr := vm.NewManager(st)

	writeNode(t, ctx, st, types.Node{Hostname: "node-a", DaemonState: types.NodeDaemonRun})
	writeNode(t, ctx, st, types.Node{Hostname: "node-b", DaemonState: types.NodeDaemonRun})
	nodeB := remoteSession(t, st, "node-b")
	require.NoError(t, nodeB.EphemeralRegister(ctx, schema.NodeLivenessKey("node-b"), []byte("alive")))

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{NodeSelector: types.SelectorNone}, "node-a")
	require.NoError(t, err)
	require.NoError(t, vmMgr.Start(ctx, v.UUID))

	w := NewWatcher(st, st, vmMgr, 50*time.Millisecond)

	require.NoError(t, w.sweep(ctx))
	kv, err := st.Read(ctx, schema.NodeKey("node-a"))
	require.NoError(t, err)
	var n types.Node
	require.NoError(t, json.Unmarshal(kv.Value, &n))
	require.Equal(t, types.NodeDaemonRun, n.DaemonState, "must not declare dead before the confirmation delay elapses")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, w.sweep(ctx))

	kv, err = st.Read(ctx, schema.NodeKey("node-a"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(kv.Value, &n))
	require.Equal(t, types.NodeDaemonDead, n.DaemonState)

	got, err := vmMgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "node-b", got.Node, "the vm must be reassigned to the only other live node")
}

func TestSweepSkipsDisabledVMs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	vmMgr := vm.NewManager(st)

	writeNode(t, ctx, st, types.Node{Hostname: "node-a", DaemonState: types.NodeDaemonRun})
	writeNode(t, ctx, st, types.Node{Hostname: "node-b", DaemonState: types.NodeDaemonRun})
	nodeB := remoteSession(t, st, "node-b")
	require.NoError(t, nodeB.EphemeralRegister(ctx, schema.NodeLivenessKey("node-b"), []byte("alive")))

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{NodeSelector: types.SelectorNone}, "node-a")
	require.NoError(t, err)
	require.NoError(t, vmMgr.Start(ctx, v.UUID))
	require.NoError(t, vmMgr.Disable(ctx, v.UUID))

	w := NewWatcher(st, st, vmMgr, 10*time.Millisecond)
	require.NoError(t, w.sweep(ctx))
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, w.sweep(ctx))

	got, err := vmMgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "node-a", got.Node, "a disabled vm must stay put even after its node is declared dead")
}

func TestSweepClearsMissingOnRecoveredLiveness(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	vmMgr := vm.NewManager(st)

	writeNode(t, ctx, st, types.Node{Hostname: "node-a", DaemonState: types.NodeDaemonRun})

	w := NewWatcher(st, st, vmMgr, 30*time.Millisecond)
	require.NoError(t, w.sweep(ctx))

	_, seen := w.missing["node-a"]
	require.True(t, seen)

	nodeA := remoteSession(t, st, "node-a")
	require.NoError(t, nodeA.EphemeralRegister(ctx, schema.NodeLivenessKey("node-a"), []byte("alive")))
	require.NoError(t, w.sweep(ctx))

	_, stillMissing := w.missing["node-a"]
	require.False(t, stillMissing, "a node that reports liveness again must be cleared from the missing set")
}
