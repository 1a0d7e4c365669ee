package network

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

func TestAddRejectsManagedNetworkMissingDHCPBounds(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	err := mgr.Add(context.Background(), types.Network{VNI: 100, Type: types.NetworkManaged, DHCPEnabled: true})
	require.Error(t, err)
}

func TestAddRejectsBridgedNetworkWithDHCPEnabled(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	err := mgr.Add(context.Background(), types.Network{VNI: 101, Type: types.NetworkBridged, DHCPEnabled: true})
	require.Error(t, err)
}

func TestAddRejectsDuplicateVNI(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	ctx := context.Background()
	n := types.Network{VNI: 102, Type: types.NetworkBridged}
	require.NoError(t, mgr.Add(ctx, n))
	require.Error(t, mgr.Add(ctx, n))
}

func TestAddGetRemoveRoundTrip(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	ctx := context.Background()
	n := types.Network{VNI: 103, Type: types.NetworkManaged, DHCPEnabled: true, DHCPStart: "10.0.0.10", DHCPEnd: "10.0.0.200"}
	require.NoError(t, mgr.Add(ctx, n))

	got, err := mgr.Get(ctx, 103)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.10", got.DHCPStart)

	list, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, mgr.Remove(ctx, 103))
	_, err = mgr.Get(ctx, 103)
	require.Error(t, err)
}

func TestAddDHCPReservationOnlyAppliesToManaged(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, mgr.Add(ctx, types.Network{VNI: 104, Type: types.NetworkBridged}))

	err := mgr.AddDHCPReservation(ctx, 104, types.DHCPReservation{MAC: "aa:bb", IP: "10.0.0.5"})
	require.Error(t, err)

	require.NoError(t, mgr.Add(ctx, types.Network{VNI: 105, Type: types.NetworkManaged, DHCPEnabled: true, DHCPStart: "10.0.1.10", DHCPEnd: "10.0.1.200"}))
	require.NoError(t, mgr.AddDHCPReservation(ctx, 105, types.DHCPReservation{MAC: "aa:bb", IP: "10.0.1.5", Hostname: "vm1"}))

	got, err := mgr.Get(ctx, 105)
	require.NoError(t, err)
	require.Len(t, got.DHCPStatic, 1)
	require.Equal(t, "vm1", got.DHCPStatic[0].Hostname)
}

func TestAddACLRuleAppendsInOrder(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, mgr.Add(ctx, types.Network{VNI: 106, Type: types.NetworkBridged}))

	require.NoError(t, mgr.AddACLRule(ctx, 106, types.ACLRule{Order: 1, Direction: types.ACLIn, Rule: "allow 22/tcp"}))
	require.NoError(t, mgr.AddACLRule(ctx, 106, types.ACLRule{Order: 2, Direction: types.ACLOut, Rule: "deny all"}))

	got, err := mgr.Get(ctx, 106)
	require.NoError(t, err)
	require.Len(t, got.ACLRules, 2)
	require.Equal(t, types.ACLIn, got.ACLRules[0].Direction)
}

func TestBridgeAndVXLANNaming(t *testing.T) {
	require.Equal(t, "br42", BridgeName(42))
	require.Equal(t, "vxlan42", VXLANName(42))
}

func TestNameServerListJoinsWithCommas(t *testing.T) {
	n := types.Network{NameServers: []string{"1.1.1.1", "8.8.8.8"}}
	require.Equal(t, "1.1.1.1,8.8.8.8", NameServerList(n))
}

func TestRenderDnsmasqConfigRejectsNonManaged(t *testing.T) {
	_, err := RenderDnsmasqConfig(types.Network{Type: types.NetworkBridged})
	require.Error(t, err)
}

func TestRenderDnsmasqConfigIncludesDHCPRangeAndReservations(t *testing.T) {
	n := types.Network{
		VNI: 200, Type: types.NetworkManaged, Domain: "cluster.local",
		NameServers: []string{"10.0.0.1"},
		DHCPEnabled: true, DHCPStart: "10.0.0.10", DHCPEnd: "10.0.0.200", IPv4Gateway: "10.0.0.1",
		DHCPStatic: []types.DHCPReservation{{MAC: "aa:bb:cc", IP: "10.0.0.5", Hostname: "vm1"}},
	}
	cfg, err := RenderDnsmasqConfig(n)
	require.NoError(t, err)
	require.Contains(t, cfg, "interface=br200")
	require.Contains(t, cfg, "dhcp-range=10.0.0.10,10.0.0.200,12h")
	require.Contains(t, cfg, "dhcp-option=option:router,10.0.0.1")
	require.Contains(t, cfg, "dhcp-host=aa:bb:cc,10.0.0.5,vm1")
	require.Contains(t, cfg, "domain=cluster.local")
}

func TestRenderDnsmasqConfigDisablesDHCPWhenNotEnabled(t *testing.T) {
	cfg, err := RenderDnsmasqConfig(types.Network{VNI: 201, Type: types.NetworkManaged})
	require.NoError(t, err)
	require.Contains(t, cfg, "no-dhcp-interface=br201")
}

func TestACLRulesForDirectionFilters(t *testing.T) {
	n := types.Network{ACLRules: []types.ACLRule{
		{Order: 1, Direction: types.ACLIn, Rule: "allow 22/tcp"},
		{Order: 2, Direction: types.ACLOut, Rule: "deny all"},
		{Order: 3, Direction: types.ACLIn, Rule: "allow 443/tcp"},
	}}
	in := ACLRulesForDirection(n, types.ACLIn)
	require.Len(t, in, 2)
	require.Equal(t, "allow 22/tcp", in[0].Rule)
	require.Equal(t, "allow 443/tcp", in[1].Rule)
}
