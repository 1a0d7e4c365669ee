package vm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/types"
)

func newTestStore(t *testing.T) *store.RaftStore {
	t.Helper()
	s, err := store.New(store.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap())
	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const testDomainXML = `<domain type="kvm"><uuid>11111111-1111-1111-1111-111111111111</uuid><name>vm1</name><memory unit="MiB">1024</memory><vcpu>1</vcpu><devices></devices></domain>`

func defineStartedVM(t *testing.T, ctx context.Context, mgr *Manager, node string) types.VM {
	t.Helper()
	v, err := mgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, node)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, v.UUID))
	v, err = mgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	return v
}

func TestBeginMigrationFlipsNodeAndLastNodeAtomically(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager(st)
	migrator := NewMigrator(st, mgr)

	v := defineStartedVM(t, ctx, mgr, "node-a")

	lock, err := migrator.BeginMigration(ctx, v.UUID, "node-b", types.MigrateLive)
	require.NoError(t, err)
	defer lock.Unlock()

	got, err := mgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "node-b", got.Node, "residency must already point at the target once BeginMigration returns")
	require.Equal(t, "node-a", got.LastNode, "source must be recorded so the source agent's outbound scan can find it")
	require.Equal(t, types.VMMigrateLive, got.State)
}

func TestBeginMigrationRejectsSameNode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager(st)
	migrator := NewMigrator(st, mgr)

	v := defineStartedVM(t, ctx, mgr, "node-a")

	_, err := migrator.BeginMigration(ctx, v.UUID, "node-a", types.MigrateLive)
	require.Error(t, err)
}

func TestCompleteMigrationKeepsLastNodeAndReturnsToStart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager(st)
	migrator := NewMigrator(st, mgr)

	v := defineStartedVM(t, ctx, mgr, "node-a")
	lock, err := migrator.BeginMigration(ctx, v.UUID, "node-b", types.MigrateLive)
	require.NoError(t, err)

	require.NoError(t, migrator.CompleteMigration(ctx, v.UUID, nil))
	lock.Unlock()

	got, err := mgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, types.VMStart, got.State)
	require.Equal(t, "node-b", got.Node)
	require.Equal(t, "node-a", got.LastNode, "a forward migration keeps last_node until a future Unmigrate needs it")
}

func TestFailMigrationRevertsResidency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager(st)
	migrator := NewMigrator(st, mgr)

	v := defineStartedVM(t, ctx, mgr, "node-a")
	lock, err := migrator.BeginMigration(ctx, v.UUID, "node-b", types.MigrateLive)
	require.NoError(t, err)

	require.NoError(t, migrator.FailMigration(ctx, v.UUID, "network unreachable"))
	lock.Unlock()

	got, err := mgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "node-a", got.Node, "a failed migration must leave the vm exactly where it started")
	require.Empty(t, got.LastNode)
	require.Equal(t, types.VMFail, got.State)
	require.Equal(t, "network unreachable", got.FailedReason)
}

func TestListMigratingFromFindsSourceSideOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager(st)
	migrator := NewMigrator(st, mgr)

	v := defineStartedVM(t, ctx, mgr, "node-a")
	lock, err := migrator.BeginMigration(ctx, v.UUID, "node-b", types.MigrateLive)
	require.NoError(t, err)
	defer lock.Unlock()

	fromA, err := mgr.ListMigratingFrom(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	require.Equal(t, v.UUID, fromA[0].UUID)

	fromB, err := mgr.ListMigratingFrom(ctx, "node-b")
	require.NoError(t, err)
	require.Empty(t, fromB, "the target node must not see this vm as something it needs to drive")

	byNodeB, err := mgr.ListByNode(ctx, "node-b")
	require.NoError(t, err)
	require.Len(t, byNodeB, 1, "domain.node already reports the target as current residency")
}

func TestUnmigrateSwapsNodeAndLastNode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager(st)
	migrator := NewMigrator(st, mgr)

	v := defineStartedVM(t, ctx, mgr, "node-a")
	lock, err := migrator.BeginMigration(ctx, v.UUID, "node-b", types.MigrateLive)
	require.NoError(t, err)
	require.NoError(t, migrator.CompleteMigration(ctx, v.UUID, nil))
	lock.Unlock()

	lock2, err := migrator.Unmigrate(ctx, v.UUID)
	require.NoError(t, err)
	defer lock2.Unlock()

	got, err := mgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "node-a", got.Node)
	require.Equal(t, "node-b", got.LastNode)
	require.Equal(t, types.VMUnmigrate, got.State)
}
