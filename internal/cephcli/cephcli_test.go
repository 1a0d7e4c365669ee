package cephcli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner records the invocation and returns canned output, letting
// tests exercise Client's argument assembly and JSON parsing without
// invoking real ceph/rbd/ceph-volume binaries.
type fakeRunner struct {
	gotName string
	gotArgs []string
	stdout  []byte
	stderr  []byte
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.gotName = name
	f.gotArgs = args
	return f.stdout, f.stderr, f.err
}

func newTestClient(r *fakeRunner) *Client {
	return &Client{runner: r, clusterID: "test"}
}

func TestPoolCreatePassesNameAndPGCount(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	require.NoError(t, c.PoolCreate(context.Background(), "hot", 128))
	require.Equal(t, "ceph", r.gotName)
	require.Equal(t, []string{"osd", "pool", "create", "hot", "128"}, r.gotArgs)
}

func TestPoolStatsFindsNamedPool(t *testing.T) {
	r := &fakeRunner{stdout: []byte(`{"pools":[
		{"name":"cold","stats":{"bytes_used":10,"max_avail":90,"percent_used":10}},
		{"name":"hot","stats":{"bytes_used":50,"max_avail":50,"percent_used":50}}
	]}`)}
	c := newTestClient(r)

	stats, err := c.PoolStats(context.Background(), "hot")
	require.NoError(t, err)
	require.Equal(t, int64(100), stats.SizeBytes)
	require.Equal(t, int64(50), stats.FreeBytes)
	require.Equal(t, int64(50), stats.UsedBytes)
}

func TestPoolStatsNotFound(t *testing.T) {
	r := &fakeRunner{stdout: []byte(`{"pools":[{"name":"cold","stats":{}}]}`)}
	c := newTestClient(r)

	_, err := c.PoolStats(context.Background(), "hot")
	require.Error(t, err)
}

func TestOSDSafeToDestroyParsesList(t *testing.T) {
	r := &fakeRunner{stdout: []byte(`{"safe_to_destroy":[3,4,5]}`)}
	c := newTestClient(r)

	safe, err := c.OSDSafeToDestroy(context.Background(), 4)
	require.NoError(t, err)
	require.True(t, safe)

	safe, err = c.OSDSafeToDestroy(context.Background(), 9)
	require.NoError(t, err)
	require.False(t, safe)
}

func TestRunWrapsNonZeroExitWithStderr(t *testing.T) {
	r := &fakeRunner{err: context.DeadlineExceeded, stderr: []byte("pool already exists")}
	c := newTestClient(r)

	err := c.PoolCreate(context.Background(), "hot", 128)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pool already exists")
}

func TestVolumeLVMCreateIncludesDBDeviceWhenNotSplit(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	require.NoError(t, c.VolumeLVMCreate(context.Background(), "/dev/sdb", "/dev/sdc1", 0))
	require.Equal(t, "ceph-volume", r.gotName)
	require.Equal(t, []string{"lvm", "create", "--data", "/dev/sdb", "--block.db", "/dev/sdc1"}, r.gotArgs)
}

func TestVolumeLVMCreateUsesBatchWhenSplit(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	require.NoError(t, c.VolumeLVMCreate(context.Background(), "/dev/sdb", "", 3))
	require.Equal(t, "ceph-volume", r.gotName)
	require.Equal(t, []string{"lvm", "batch", "--yes", "--prepare", "--osds-per-device", "3", "/dev/sdb"}, r.gotArgs)
}
