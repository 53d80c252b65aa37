// Package topology models the static routing structure used to reach nodes
// through chains of gateways: a graph of source-to-destination routes that
// must form a single rooted tree, and a router resolving next hops with
// fan-in balancing.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/canopysh/canopy/pkg/nodeset"
)

// ValidationError reports an invalid routes graph, found either when a
// route is added or when the graph is assembled into a tree.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid topology: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RouteError reports a failed next-hop resolution at run time.
type RouteError struct {
	Dest   string
	Reason string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("cannot route to %s: %s", e.Dest, e.Reason)
}

// Route is one edge of the graph: every member of Src can open a direct
// connection to every member of Dst.
type Route struct {
	Src *nodeset.NodeSet
	Dst *nodeset.NodeSet
}

// Graph accumulates routes before they are validated into a Tree. Routes
// are checked incrementally: a destination overlapping an earlier
// destination is rejected on the spot, so a node never ends up with two
// distinct parents.
type Graph struct {
	routes []Route
}

func NewGraph() *Graph {
	return &Graph{}
}

// AddRoute records one src to dst edge. Both sets are cloned; the caller's
// sets stay untouched.
func (g *Graph) AddRoute(src, dst *nodeset.NodeSet) error {
	if src == nil || src.IsEmpty() || dst == nil || dst.IsEmpty() {
		return validationErrorf("empty route endpoint")
	}
	if src.Intersects(dst) {
		return validationErrorf("route source %s overlaps its destination %s", src, dst)
	}
	for _, r := range g.routes {
		if dst.Intersects(r.Dst) {
			return validationErrorf("convergent routes: %s reached from both %s and %s",
				dst.Intersection(r.Dst), r.Src, src)
		}
	}
	g.routes = append(g.routes, Route{Src: src.Clone(), Dst: dst.Clone()})
	return nil
}

// AddRouteString parses both endpoints and records the route.
func (g *Graph) AddRouteString(src, dst string) error {
	srcSet, err := nodeset.Parse(src)
	if err != nil {
		return err
	}
	dstSet, err := nodeset.Parse(dst)
	if err != nil {
		return err
	}
	return g.AddRoute(srcSet, dstSet)
}

// Len returns the number of recorded routes.
func (g *Graph) Len() int { return len(g.routes) }

// NodeGroup is one vertex of the assembled tree: a node set plus its
// parent and children links. The head group has a nil parent.
type NodeGroup struct {
	Nodes    *nodeset.NodeSet
	Parent   *NodeGroup
	Children []*NodeGroup
}

// Tree is the validated, rooted form of a Graph.
type Tree struct {
	head   *NodeGroup
	groups []*NodeGroup
	routes []Route
}

// Tree validates the graph and assembles it. root must be a node somewhere
// in the resulting tree; it does not have to be in the head group, so a
// gateway can rebuild the same tree and re-root its router further down.
func (g *Graph) Tree(root string) (*Tree, error) {
	if len(g.routes) == 0 {
		return nil, validationErrorf("no routes")
	}

	// Union of all destinations. Sources outside it are head candidates.
	dests := nodeset.Empty()
	for _, r := range g.routes {
		dests.Update(r.Dst)
	}

	var head *nodeset.NodeSet
	for _, r := range g.routes {
		outside := r.Src.Difference(dests)
		switch {
		case outside.IsEmpty():
			continue
		case !outside.Equal(r.Src):
			return nil, validationErrorf("route source %s is only partially reachable", r.Src)
		case head == nil:
			head = r.Src.Clone()
		case !head.Equal(r.Src):
			return nil, validationErrorf("multiple heads: %s and %s", head, r.Src)
		}
	}
	if head == nil {
		return nil, validationErrorf("no head group, routes form a cycle")
	}

	headGroup := &NodeGroup{Nodes: head}
	groups := []*NodeGroup{headGroup}

	// One group per route destination; the parent is the group whose node
	// set contains the whole route source. Destinations are pairwise
	// disjoint, so the containing group is unique when it exists.
	routeGroups := make([]*NodeGroup, len(g.routes))
	for i, r := range g.routes {
		routeGroups[i] = &NodeGroup{Nodes: r.Dst.Clone()}
		groups = append(groups, routeGroups[i])
	}
	for i, r := range g.routes {
		var parent *NodeGroup
		if r.Src.SubsetOf(head) {
			parent = headGroup
		} else {
			for j, other := range g.routes {
				if i != j && r.Src.SubsetOf(other.Dst) {
					parent = routeGroups[j]
					break
				}
			}
		}
		if parent == nil {
			return nil, validationErrorf("route source %s spans several groups", r.Src)
		}
		routeGroups[i].Parent = parent
		parent.Children = append(parent.Children, routeGroups[i])
	}

	// Every parent chain must reach the head without revisiting a group.
	for _, grp := range groups {
		steps := 0
		for cur := grp; cur.Parent != nil; cur = cur.Parent {
			steps++
			if steps > len(groups) {
				return nil, validationErrorf("routing cycle through %s", grp.Nodes)
			}
		}
	}

	for _, grp := range groups {
		sort.Slice(grp.Children, func(i, j int) bool {
			return grp.Children[i].Nodes.String() < grp.Children[j].Nodes.String()
		})
	}

	t := &Tree{head: headGroup, groups: groups, routes: g.routes}
	if !t.Contains(root) {
		return nil, validationErrorf("root %q not in topology", root)
	}
	return t, nil
}

// Head returns the topmost group.
func (t *Tree) Head() *NodeGroup { return t.head }

// Routes returns the edges the tree was built from, in addition order.
func (t *Tree) Routes() []Route { return t.routes }

// FindGroup returns the group containing node, or nil.
func (t *Tree) FindGroup(node string) *NodeGroup {
	for _, grp := range t.groups {
		if grp.Nodes.Contains(node) {
			return grp
		}
	}
	return nil
}

// Contains reports whether node appears anywhere in the tree.
func (t *Tree) Contains(node string) bool {
	return t.FindGroup(node) != nil
}

// Nodes returns every node in the tree.
func (t *Tree) Nodes() *nodeset.NodeSet {
	all := nodeset.Empty()
	for _, grp := range t.groups {
		all.Update(grp.Nodes)
	}
	return all
}

// Gateways returns the nodes relaying traffic for deeper groups: every
// route source below the head.
func (t *Tree) Gateways() *nodeset.NodeSet {
	gws := nodeset.Empty()
	for _, r := range t.routes {
		gws.Update(r.Src)
	}
	gws.DifferenceUpdate(t.head.Nodes)
	return gws
}

// Encode renders the tree as "source: destination" lines, one per route,
// the same shape ParseRoutes accepts. Used as the configuration payload
// sent to gateways.
func (t *Tree) Encode() string {
	var b strings.Builder
	for _, r := range t.routes {
		b.WriteString(r.Src.String())
		b.WriteString(": ")
		b.WriteString(r.Dst.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// String renders the tree indented, head first.
func (t *Tree) String() string {
	var b strings.Builder
	var walk func(grp *NodeGroup, depth int)
	walk = func(grp *NodeGroup, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(grp.Nodes.String())
		b.WriteByte('\n')
		for _, child := range grp.Children {
			walk(child, depth+1)
		}
	}
	walk(t.head, 0)
	return strings.TrimRight(b.String(), "\n")
}
