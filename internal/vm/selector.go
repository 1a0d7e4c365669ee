// Package vm implements the VM lifecycle state machine: definition
// rendering, node selection, and the live-migration protocol.
package vm

import (
	"fmt"
	"sort"

	"github.com/fenwick-systems/meridian/internal/types"
)

// Candidate is the subset of node facts the selector strategies need.
type Candidate struct {
	Node        *types.Node
	VMCount     int
	VCPUsInUse  int
	MemProvMiB  int
}

// SelectNode picks a target node for provisioning or migration using the
// named strategy, restricted to nodeLimit if non-empty (the list of
// allowed hostnames from the VM's metadata). Ties break on hostname for
// determinism, mirroring this module's round-robin selector generalized
// from "fewest containers" to the five named metrics.
func SelectNode(selector types.NodeSelector, candidates []Candidate, nodeLimit []string) (*types.Node, error) {
	filtered := filterByLimit(candidates, nodeLimit)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("vm: no eligible node for selector %q (node_limit=%v)", selector, nodeLimit)
	}

	less, err := comparatorFor(selector)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if less(filtered[i], filtered[j]) {
			return true
		}
		if less(filtered[j], filtered[i]) {
			return false
		}
		return filtered[i].Node.Hostname < filtered[j].Node.Hostname
	})

	return filtered[0].Node, nil
}

func filterByLimit(candidates []Candidate, nodeLimit []string) []Candidate {
	if len(nodeLimit) == 0 {
		return candidates
	}
	allowed := map[string]bool{}
	for _, n := range nodeLimit {
		allowed[n] = true
	}
	var out []Candidate
	for _, c := range candidates {
		if allowed[c.Node.Hostname] {
			out = append(out, c)
		}
	}
	return out
}

// comparatorFor returns a "less" function where the first element is the
// most preferred candidate for the named strategy. SelectorNone means "any
// eligible node", implemented as a stable no-preference ordering.
func comparatorFor(selector types.NodeSelector) (func(a, b Candidate) bool, error) {
	switch selector {
	case types.SelectorMem:
		// Most free memory wins.
		return func(a, b Candidate) bool {
			return freeMemMiB(a) > freeMemMiB(b)
		}, nil
	case types.SelectorMemProv:
		// Least provisioned memory (sum of running VMs' declared memory)
		// wins — spreads by commitment rather than live usage.
		return func(a, b Candidate) bool {
			return a.MemProvMiB < b.MemProvMiB
		}, nil
	case types.SelectorLoad:
		return func(a, b Candidate) bool {
			return a.Node.Load < b.Node.Load
		}, nil
	case types.SelectorVCPUs:
		return func(a, b Candidate) bool {
			return a.VCPUsInUse < b.VCPUsInUse
		}, nil
	case types.SelectorVMs:
		return func(a, b Candidate) bool {
			return a.VMCount < b.VMCount
		}, nil
	case types.SelectorNone, "":
		return func(a, b Candidate) bool { return false }, nil
	default:
		return nil, fmt.Errorf("vm: unknown node_selector %q", selector)
	}
}

func freeMemMiB(c Candidate) int {
	free := c.Node.MemoryMiB - c.MemProvMiB
	if free < 0 {
		return 0
	}
	return free
}
