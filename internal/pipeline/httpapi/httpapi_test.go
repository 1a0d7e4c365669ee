package httpapi

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-systems/meridian/internal/cephcli"
	"github.com/fenwick-systems/meridian/internal/peerclient"
	"github.com/fenwick-systems/meridian/internal/pipeline"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/types"
	"github.com/fenwick-systems/meridian/internal/vm"
)

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return nil, nil, nil
}

// exportingRunner behaves like fakeRunner except it actually materializes
// the destination file for "rbd export"/"rbd export-diff", so a sending
// pipeline.Manager driven by it has a real file to open and stream.
type exportingRunner struct{}

func (exportingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	if len(args) > 0 && (args[0] == "export" || args[0] == "export-diff") {
		dest := args[len(args)-1]
		if err := os.WriteFile(dest, []byte("fake-disk-bytes-for-mirror-send"), 0640); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *vm.Manager) {
	t.Helper()
	s, err := store.New(store.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap())
	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	ceph := cephcli.New("test", cephcli.WithRunner(fakeRunner{}))
	vmMgr := vm.NewManager(s)
	pipe := pipeline.New(s, ceph, vmMgr, t.TempDir())

	srv := NewServer(s, ceph, vmMgr, pipe, "secret-key")
	ts := httptest.NewServer(srv.mux)
	t.Cleanup(ts.Close)
	return ts, vmMgr
}

const testDomainXML = `<domain type="kvm"><uuid>44444444-4444-4444-4444-444444444444</uuid><name>vm1</name><memory unit="MiB">512</memory><vcpu>1</vcpu><devices></devices></domain>`

func TestStatusReportsProtocolVersion(t *testing.T) {
	ts, _ := newTestServer(t)
	client := peerclient.New(ts.URL, "secret-key")

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.MinPeerVersion, status.Version)
	require.True(t, status.Healthy)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	client := peerclient.New(ts.URL, "wrong-key")

	_, err := client.Status(context.Background())
	require.Error(t, err)
}

func TestGetVMReturnsUUIDAndState(t *testing.T) {
	ts, vmMgr := newTestServer(t)
	ctx := context.Background()

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)

	client := peerclient.New(ts.URL, "secret-key")
	got, err := client.GetVM(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, v.UUID, got.UUID)
	require.Equal(t, string(types.VMShutdown), got.State)
}

func TestGetVMNotFoundMapsTo404(t *testing.T) {
	ts, _ := newTestServer(t)
	client := peerclient.New(ts.URL, "secret-key")

	_, err := client.GetVM(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestSetVMStateStartsDefinedVM(t *testing.T) {
	ts, vmMgr := newTestServer(t)
	ctx := context.Background()

	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)

	client := peerclient.New(ts.URL, "secret-key")
	require.NoError(t, client.SetVMState(ctx, v.UUID, string(types.VMStart)))

	got, err := vmMgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, types.VMStart, got.State)
}

func TestReceiveConfigRejectsStalePeerVersion(t *testing.T) {
	ts, vmMgr := newTestServer(t)
	ctx := context.Background()
	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)

	client := peerclient.New(ts.URL, "secret-key")
	err = client.SendConfig(ctx, v.UUID, "mr1", "", peerclient.SendConfigRequest{PeerVersion: "0.1.0", Manifest: pipeline.Manifest{}, TargetPool: "rbd"})
	require.Error(t, err)
}

func TestVolumeInfoReturns404ForAbsentVolume(t *testing.T) {
	ts, _ := newTestServer(t)
	client := peerclient.New(ts.URL, "secret-key")

	_, exists, err := client.GetVolume(context.Background(), "rbd", "does-not-exist")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFullReceivePipelineViaHTTP(t *testing.T) {
	ts, vmMgr := newTestServer(t)
	ctx := context.Background()
	v, err := vmMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)
	v.Volumes = []types.VolumeRef{{Pool: "rbd", Volume: "vm1-disk0"}}
	require.NoError(t, vmMgr.Import(ctx, v))

	client := peerclient.New(ts.URL, "secret-key")
	manifest := pipeline.Manifest{
		Name: "incoming1",
		XML:  testDomainXML,
		Volumes: []pipeline.ManifestVolume{
			{Pool: "rbd", Volume: "vm1-disk0", File: "rbd_vm1-disk0.img", SnapName: "mr1"},
		},
	}
	require.NoError(t, client.SendConfig(ctx, v.UUID, "mr1", "", peerclient.SendConfigRequest{
		PeerVersion: pipeline.MinPeerVersion, Manifest: manifest, TargetPool: "rbd-target",
	}))

	require.NoError(t, client.EnsureVolume(ctx, "rbd-target", "vm1-disk0", 11, true))
	require.NoError(t, client.SendFullImage(ctx, v.UUID, "rbd-target", "vm1-disk0", "mr1", 11, strings.NewReader("fake-bytes\n"), nil))
	require.NoError(t, client.FinalizeVolume(ctx, v.UUID, "rbd-target", "vm1-disk0", "mr1"))

	got, err := vmMgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "rbd-target", got.Volumes[0].Pool)
}

func TestMirrorCreateFullSendRoundTrip(t *testing.T) {
	ts, remoteVMMgr := newTestServer(t)
	ctx := context.Background()

	localStore, err := store.New(store.Config{NodeID: "local1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, localStore.Bootstrap())
	require.Eventually(t, func() bool { return localStore.IsLeader() }, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = localStore.Close() })

	localCeph := cephcli.New("test", cephcli.WithRunner(exportingRunner{}))
	localVMMgr := vm.NewManager(localStore)
	localPipe := pipeline.New(localStore, localCeph, localVMMgr, t.TempDir())

	v, err := localVMMgr.Define(ctx, "vm1", testDomainXML, types.VMMetadata{}, "node-a")
	require.NoError(t, err)
	v.Volumes = []types.VolumeRef{{Pool: "rbd", Volume: "vm1-disk0"}}
	require.NoError(t, localVMMgr.Import(ctx, v))

	remote := peerclient.New(ts.URL, "secret-key")
	require.NoError(t, localPipe.MirrorCreate(ctx, v.UUID, remote, "rbd-target", time.Minute, nil))

	got, err := remoteVMMgr.Get(ctx, v.UUID)
	require.NoError(t, err)
	require.Equal(t, "rbd-target", got.Volumes[0].Pool)
	require.Equal(t, v.UUID, got.UUID)
}
