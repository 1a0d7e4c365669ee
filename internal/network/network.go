// Package network implements the VXLAN-backed managed/bridged network
// model: Store-tracked Network records, dnsmasq configuration rendering
// for managed networks' DHCP/DNS, and ACL rule bookkeeping.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
)

// Manager is the Store-backed CRUD surface for Network records. It creates
// no VXLAN interfaces or bridges on any host, which keeps network
// host-agnostic and testable.
type Manager struct {
	st store.Store
}

func NewManager(st store.Store) *Manager { return &Manager{st: st} }

func (m *Manager) Get(ctx context.Context, vni int) (types.Network, error) {
	kv, err := m.st.Read(ctx, schema.NetworkKey(vni))
	if err != nil {
		return types.Network{}, err
	}
	var n types.Network
	if err := json.Unmarshal(kv.Value, &n); err != nil {
		return types.Network{}, fmt.Errorf("network: decode vni %d: %w", vni, err)
	}
	return n, nil
}

func (m *Manager) put(ctx context.Context, n types.Network) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("network: encode vni %d: %w", n.VNI, err)
	}
	return m.st.Write(ctx, []store.WritePair{{Path: schema.NetworkKey(n.VNI), Value: raw}})
}

// Add creates a new network, validating the managed-vs-bridged invariant:
// a managed network with DHCP enabled must carry both DHCP range bounds,
// and a bridged network may not enable DHCP (bridged networks assume an
// externally managed DHCP server).
func (m *Manager) Add(ctx context.Context, n types.Network) error {
	exists, err := m.st.Exists(ctx, schema.NetworkKey(n.VNI))
	if err != nil {
		return err
	}
	if exists {
		return errkind.NewConflict("network.Add", fmt.Sprintf("vni %d already exists", n.VNI))
	}
	if err := validate(n); err != nil {
		return err
	}
	return m.put(ctx, n)
}

func validate(n types.Network) error {
	switch n.Type {
	case types.NetworkManaged:
		if n.DHCPEnabled && (n.DHCPStart == "" || n.DHCPEnd == "") {
			return errkind.NewInvariant("network.validate", "managed network with dhcp enabled requires start and end")
		}
	case types.NetworkBridged:
		if n.DHCPEnabled {
			return errkind.NewInvariant("network.validate", "bridged network cannot enable managed dhcp")
		}
	default:
		return errkind.NewInvariant("network.validate", "unknown network type "+string(n.Type))
	}
	return nil
}

// Remove deletes a network's record.
func (m *Manager) Remove(ctx context.Context, vni int) error {
	return m.st.Delete(ctx, []string{schema.NetworkKey(vni)}, true)
}

// List returns every network in VNI order.
func (m *Manager) List(ctx context.Context) ([]types.Network, error) {
	vnis, err := m.st.Children(ctx, schema.NetworksPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]types.Network, 0, len(vnis))
	for _, s := range vnis {
		var vni int
		if _, err := fmt.Sscanf(s, "%d", &vni); err != nil {
			continue
		}
		n, err := m.Get(ctx, vni)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VNI < out[j].VNI })
	return out, nil
}

// AddDHCPReservation appends a static MAC/IP reservation to a managed
// network.
func (m *Manager) AddDHCPReservation(ctx context.Context, vni int, res types.DHCPReservation) error {
	n, err := m.Get(ctx, vni)
	if err != nil {
		return err
	}
	if n.Type != types.NetworkManaged {
		return errkind.NewInvariant("network.AddDHCPReservation", "reservations only apply to managed networks")
	}
	n.DHCPStatic = append(n.DHCPStatic, res)
	return m.put(ctx, n)
}

// AddACLRule inserts an ordered ACL rule.
func (m *Manager) AddACLRule(ctx context.Context, vni int, rule types.ACLRule) error {
	n, err := m.Get(ctx, vni)
	if err != nil {
		return err
	}
	n.ACLRules = append(n.ACLRules, rule)
	return m.put(ctx, n)
}

// BridgeName derives the host bridge/VXLAN interface name for a network,
// the same "brNNN"/"vxlanNNN" convention the Node Agent's provisioning
// code expects when it renders actual link configuration.
func BridgeName(vni int) string { return fmt.Sprintf("br%d", vni) }
func VXLANName(vni int) string  { return fmt.Sprintf("vxlan%d", vni) }

// NameServerList renders a network's NameServers for dnsmasq's
// --server= directives.
func NameServerList(n types.Network) string {
	return strings.Join(n.NameServers, ",")
}
