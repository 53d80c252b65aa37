package topology

import (
	"github.com/canopysh/canopy/pkg/nodeset"
)

// Hop is one slice of a dispatch: a batch of targets plus the gateway to
// reach them through. An empty Gateway means the batch is directly
// reachable from the router's root.
type Hop struct {
	Gateway string
	Targets *nodeset.NodeSet
}

// network is one routing table entry: candidate gateways and the node set
// they relay for, the full subtree hanging below them.
type network struct {
	candidates *nodeset.NodeSet
	nodes      *nodeset.NodeSet
}

// Router resolves next hops from a fixed root of a validated tree. It keeps
// a fan-in count per selected gateway so repeated resolutions spread load,
// and a set of hosts reported unreachable that candidate selection skips.
//
// A Router is loop-confined like the worker that owns it; it is not safe
// for concurrent use.
type Router struct {
	root        string
	direct      *nodeset.NodeSet
	networks    []network
	fanin       map[string]int
	unreachable *nodeset.NodeSet
}

// NewRouter builds the routing table for root. Everything one hop away is
// directly reachable; each deeper subtree maps to the gateway candidates
// its route names.
func NewRouter(root string, tree *Tree) (*Router, error) {
	if !tree.Contains(root) {
		return nil, validationErrorf("router root %q not in topology", root)
	}
	r := &Router{
		root:        root,
		direct:      nodeset.Empty(),
		fanin:       make(map[string]int),
		unreachable: nodeset.Empty(),
	}
	for _, r0 := range tree.Routes() {
		if !r0.Src.Contains(root) {
			continue
		}
		r.direct.Update(r0.Dst)
		for _, r1 := range tree.Routes() {
			if !r1.Src.SubsetOf(r0.Dst) {
				continue
			}
			r.networks = append(r.networks, network{
				candidates: r1.Src.Clone(),
				nodes:      subtreeBelow(r1, tree.Routes()),
			})
		}
	}
	return r, nil
}

// subtreeBelow collects seed's destination and everything reachable under
// it, iterating routes to a fixed point.
func subtreeBelow(seed Route, routes []Route) *nodeset.NodeSet {
	acc := seed.Dst.Clone()
	for changed := true; changed; {
		changed = false
		for _, r := range routes {
			if r.Src.SubsetOf(acc) && !r.Dst.SubsetOf(acc) {
				acc.Update(r.Dst)
				changed = true
			}
		}
	}
	return acc
}

// Root returns the node the router resolves from.
func (r *Router) Root() string { return r.root }

// MarkUnreachable records that host cannot be used as a hop anymore.
// Entries already handed out are unaffected; future resolutions skip it.
func (r *Router) MarkUnreachable(host string) {
	_ = r.unreachable.Add(host)
}

// NextHop resolves the gateway to reach dest through. Directly reachable
// destinations resolve to themselves. Among several candidate gateways the
// one with the lowest fan-in count wins; on ties the first in node order,
// so resolution is deterministic.
func (r *Router) NextHop(dest string) (string, error) {
	if dest == r.root {
		return "", &RouteError{Dest: dest, Reason: "destination is the router root"}
	}
	if r.unreachable.Contains(dest) {
		return "", &RouteError{Dest: dest, Reason: "marked unreachable"}
	}
	if r.direct.Contains(dest) {
		return dest, nil
	}
	for _, nw := range r.networks {
		if nw.nodes.Contains(dest) {
			return r.pick(nw.candidates, dest)
		}
	}
	return "", &RouteError{Dest: dest, Reason: "no route"}
}

// pick selects the least-loaded reachable candidate and charges its fan-in.
func (r *Router) pick(candidates *nodeset.NodeSet, dest string) (string, error) {
	avail := candidates.Difference(r.unreachable)
	if avail.IsEmpty() {
		return "", &RouteError{Dest: dest, Reason: "all gateways " + candidates.String() + " unreachable"}
	}
	var best string
	bestLoad := -1
	for _, gw := range avail.Nodes() {
		if load := r.fanin[gw]; bestLoad < 0 || load < bestLoad {
			best, bestLoad = gw, load
		}
	}
	r.fanin[best]++
	return best, nil
}

// Dispatch partitions targets into hops: first one direct batch, then one
// batch per routed subtree with its selected gateway. Targets no table
// entry covers fail the whole dispatch.
func (r *Router) Dispatch(targets *nodeset.NodeSet) ([]Hop, error) {
	remaining := targets.Clone()

	var hops []Hop
	direct := remaining.Intersection(r.direct)
	if remaining.Contains(r.root) {
		// Running against the local node counts as direct.
		_ = direct.Add(r.root)
	}
	if !direct.IsEmpty() {
		hops = append(hops, Hop{Targets: direct})
		remaining.DifferenceUpdate(direct)
	}

	for _, nw := range r.networks {
		part := remaining.Intersection(nw.nodes)
		if part.IsEmpty() {
			continue
		}
		gw, err := r.pick(nw.candidates, part.String())
		if err != nil {
			return nil, err
		}
		hops = append(hops, Hop{Gateway: gw, Targets: part})
		remaining.DifferenceUpdate(part)
	}

	if !remaining.IsEmpty() {
		return nil, &RouteError{Dest: remaining.String(), Reason: "no route"}
	}
	return hops, nil
}
