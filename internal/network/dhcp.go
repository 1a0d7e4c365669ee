package network

import (
	"fmt"
	"strings"

	"github.com/fenwick-systems/meridian/internal/types"
)

// RenderDnsmasqConfig produces the dnsmasq configuration for a managed
// network's DHCP/DNS responder, one config file per network so the Node
// Agent can run (or reload) an isolated dnsmasq instance per VXLAN
// segment rather than one shared daemon.
func RenderDnsmasqConfig(n types.Network) (string, error) {
	if n.Type != types.NetworkManaged {
		return "", fmt.Errorf("network: dnsmasq config only applies to managed networks")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# managed network vni=%d\n", n.VNI)
	fmt.Fprintf(&b, "interface=%s\n", BridgeName(n.VNI))
	fmt.Fprintf(&b, "bind-interfaces\n")
	if n.Domain != "" {
		fmt.Fprintf(&b, "domain=%s\n", n.Domain)
		fmt.Fprintf(&b, "local=/%s/\n", n.Domain)
	}
	for _, ns := range n.NameServers {
		fmt.Fprintf(&b, "server=%s\n", ns)
	}

	if n.DHCPEnabled {
		if n.DHCPStart == "" || n.DHCPEnd == "" {
			return "", fmt.Errorf("network: dhcp enabled but start/end unset")
		}
		fmt.Fprintf(&b, "dhcp-range=%s,%s,12h\n", n.DHCPStart, n.DHCPEnd)
		if n.IPv4Gateway != "" {
			fmt.Fprintf(&b, "dhcp-option=option:router,%s\n", n.IPv4Gateway)
		}
		for _, r := range n.DHCPStatic {
			fmt.Fprintf(&b, "dhcp-host=%s,%s,%s\n", r.MAC, r.IP, r.Hostname)
		}
	} else {
		fmt.Fprintf(&b, "no-dhcp-interface=%s\n", BridgeName(n.VNI))
	}

	return b.String(), nil
}

// ACLRulesForDirection filters a network's rules to one direction, in
// their configured order, for the Node Agent's iptables/nft rendering.
func ACLRulesForDirection(n types.Network, dir types.ACLDirection) []types.ACLRule {
	var out []types.ACLRule
	for _, r := range n.ACLRules {
		if r.Direction == dir {
			out = append(out, r)
		}
	}
	return out
}
