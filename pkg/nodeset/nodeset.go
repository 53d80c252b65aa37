package nodeset

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// GroupResolver resolves @group tokens found while parsing a node set
// expression. An empty source selects the resolver's default source.
type GroupResolver interface {
	GroupNodes(source, group string) ([]string, error)
}

// groupDepthLimit bounds recursion through group definitions that reference
// other groups, so definition cycles surface as errors.
const groupDepthLimit = 10

type patKey struct {
	pre string
	suf string
}

// NodeSet is a set of node names. Names sharing a prefix and suffix around a
// numeric part are kept folded as prefix[ranges]suffix. Numeric identity is
// what matters for membership: "node1" and "node01" are the same node, the
// widest zero padding seen wins for rendering.
type NodeSet struct {
	plain map[string]struct{}
	pats  map[patKey]*RangeSet
}

// Empty returns a new empty node set.
func Empty() *NodeSet {
	return &NodeSet{
		plain: make(map[string]struct{}),
		pats:  make(map[patKey]*RangeSet),
	}
}

// Parse parses a node set expression such as "node[1-5,18],login[1-2],adm".
// Group tokens (@name) are rejected; use ParseWith to resolve them.
func Parse(s string) (*NodeSet, error) {
	return ParseWith(s, nil)
}

// ParseWith parses a node set expression, resolving @group and @source:group
// tokens through r.
func ParseWith(s string, r GroupResolver) (*NodeSet, error) {
	ns := Empty()
	if err := ns.add(s, r, 0); err != nil {
		return nil, err
	}
	return ns, nil
}

// MustParse parses a node set expression and panics on error.
func MustParse(s string) *NodeSet {
	ns, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ns
}

// FromNodes builds a set from individual node names or folded expressions.
func FromNodes(names []string) (*NodeSet, error) {
	ns := Empty()
	for _, n := range names {
		if err := ns.Add(n); err != nil {
			return nil, err
		}
	}
	return ns, nil
}

// Add parses an expression and merges it into the set. Group tokens are not
// resolved here; resolve them at parse time with ParseWith.
func (ns *NodeSet) Add(s string) error {
	return ns.add(s, nil, 0)
}

// Remove parses an expression and removes its nodes from the set.
func (ns *NodeSet) Remove(s string) error {
	other, err := Parse(s)
	if err != nil {
		return err
	}
	ns.DifferenceUpdate(other)
	return nil
}

func (ns *NodeSet) add(s string, r GroupResolver, depth int) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	terms, err := splitTerms(s)
	if err != nil {
		return err
	}
	for _, term := range terms {
		if err := ns.addTerm(term, r, depth); err != nil {
			return err
		}
	}
	return nil
}

func (ns *NodeSet) addTerm(term string, r GroupResolver, depth int) error {
	term = strings.TrimSpace(term)
	if term == "" {
		return parseErrorf(term, "empty node name")
	}
	if term[0] == '@' {
		return ns.addGroup(term, r, depth)
	}
	if i := strings.IndexByte(term, '['); i >= 0 {
		return ns.addPattern(term, i)
	}
	if strings.ContainsAny(term, "]@ \t") {
		return parseErrorf(term, "invalid character in node name")
	}
	pre, digits, suf := splitLastDigits(term)
	if digits == "" {
		ns.plain[term] = struct{}{}
		return nil
	}
	rs := ns.ranges(patKey{pre: pre, suf: suf})
	if err := rs.addToken(digits); err != nil {
		return err
	}
	return nil
}

func (ns *NodeSet) addGroup(term string, r GroupResolver, depth int) error {
	if r == nil {
		return parseErrorf(term, "no group resolver configured")
	}
	if depth >= groupDepthLimit {
		return parseErrorf(term, "group references nested too deeply")
	}
	source, group := "", term[1:]
	if i := strings.IndexByte(group, ':'); i >= 0 {
		source, group = group[:i], group[i+1:]
	}
	if group == "" {
		return parseErrorf(term, "empty group name")
	}
	nodes, err := r.GroupNodes(source, group)
	if err != nil {
		return errors.Wrapf(err, "resolving group %q", term)
	}
	for _, n := range nodes {
		if err := ns.add(n, r, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (ns *NodeSet) addPattern(term string, open int) error {
	end := strings.IndexByte(term, ']')
	if end < open {
		return parseErrorf(term, "unbalanced brackets")
	}
	pre, body, suf := term[:open], term[open+1:end], term[end+1:]
	if strings.ContainsAny(suf, "[]") {
		return parseErrorf(term, "only one bracket pair is supported")
	}
	if body == "" {
		return parseErrorf(term, "empty range")
	}
	rs := ns.ranges(patKey{pre: pre, suf: suf})
	for _, tok := range strings.Split(body, ",") {
		if err := rs.addToken(tok); err != nil {
			return err
		}
	}
	return nil
}

// ranges returns the range set for key, creating it if needed.
func (ns *NodeSet) ranges(key patKey) *RangeSet {
	rs, ok := ns.pats[key]
	if !ok {
		rs = EmptyRangeSet()
		ns.pats[key] = rs
	}
	return rs
}

// splitTerms splits a node set expression on commas outside brackets.
func splitTerms(s string) ([]string, error) {
	var terms []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
			if depth > 1 {
				return nil, parseErrorf(s, "nested brackets")
			}
		case ']':
			depth--
			if depth < 0 {
				return nil, parseErrorf(s, "unbalanced brackets")
			}
		case ',':
			if depth == 0 {
				terms = append(terms, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, parseErrorf(s, "unbalanced brackets")
	}
	return append(terms, s[start:]), nil
}

// splitLastDigits splits a name around its last run of digits: "node012"
// yields ("node", "012", "") and "node1-ib" yields ("node", "1", "-ib").
// The last run is the canonical folding dimension for unbracketed names.
// Names without digits return an empty digits string.
func splitLastDigits(s string) (pre, digits, suf string) {
	end := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] >= '0' && s[i] <= '9' {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return s, "", ""
	}
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	return s[:start], s[start:end], s[end:]
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Len returns the number of nodes in the set.
func (ns *NodeSet) Len() int {
	n := len(ns.plain)
	for _, rs := range ns.pats {
		n += rs.Len()
	}
	return n
}

// IsEmpty reports whether the set has no nodes.
func (ns *NodeSet) IsEmpty() bool { return ns.Len() == 0 }

// Contains reports whether the set holds the given single node name. Folded
// expressions are accepted and tested for full inclusion.
func (ns *NodeSet) Contains(node string) bool {
	if _, ok := ns.plain[node]; ok {
		return true
	}
	if strings.IndexByte(node, '[') >= 0 {
		other, err := Parse(node)
		if err != nil {
			return false
		}
		return other.Len() > 0 && other.Difference(ns).Len() == 0
	}
	// Match against every pattern shape, not just the canonical dimension,
	// so node3-ib finds node[1-5]-ib however it was folded.
	for k, rs := range ns.pats {
		if len(node) <= len(k.pre)+len(k.suf) {
			continue
		}
		if !strings.HasPrefix(node, k.pre) || !strings.HasSuffix(node, k.suf) {
			continue
		}
		mid := node[len(k.pre) : len(node)-len(k.suf)]
		if !allDigits(mid) {
			continue
		}
		if rs.Contains(atoi(mid)) {
			return true
		}
	}
	return false
}

func atoi(digits string) int {
	v := 0
	for i := 0; i < len(digits); i++ {
		v = v*10 + int(digits[i]-'0')
	}
	return v
}

// Clone returns an independent copy of the set.
func (ns *NodeSet) Clone() *NodeSet {
	c := Empty()
	for n := range ns.plain {
		c.plain[n] = struct{}{}
	}
	for k, rs := range ns.pats {
		c.pats[k] = rs.Clone()
	}
	return c
}

// Equal reports whether both sets hold the same nodes, ignoring padding.
func (ns *NodeSet) Equal(other *NodeSet) bool {
	if ns.Len() != other.Len() {
		return false
	}
	return ns.Difference(other).Len() == 0
}

// Intersects reports whether the sets share at least one node.
func (ns *NodeSet) Intersects(other *NodeSet) bool {
	return ns.Intersection(other).Len() > 0
}

// SubsetOf reports whether every node of the set is in other.
func (ns *NodeSet) SubsetOf(other *NodeSet) bool {
	return ns.Difference(other).Len() == 0
}

// Update adds every node of other to the set.
func (ns *NodeSet) Update(other *NodeSet) {
	for n := range other.plain {
		ns.plain[n] = struct{}{}
	}
	for k, rs := range other.pats {
		ns.ranges(k).Update(rs)
	}
}

// DifferenceUpdate removes every node of other from the set.
func (ns *NodeSet) DifferenceUpdate(other *NodeSet) {
	for n := range other.plain {
		delete(ns.plain, n)
	}
	for k, rs := range other.pats {
		mine, ok := ns.pats[k]
		if !ok {
			continue
		}
		mine.DifferenceUpdate(rs)
		if mine.Len() == 0 {
			delete(ns.pats, k)
		}
	}
}

// IntersectionUpdate keeps only nodes present in both sets.
func (ns *NodeSet) IntersectionUpdate(other *NodeSet) {
	for n := range ns.plain {
		if _, ok := other.plain[n]; !ok {
			delete(ns.plain, n)
		}
	}
	for k, mine := range ns.pats {
		theirs, ok := other.pats[k]
		if !ok {
			delete(ns.pats, k)
			continue
		}
		mine.IntersectionUpdate(theirs)
		if mine.Len() == 0 {
			delete(ns.pats, k)
		}
	}
}

// SymmetricDifferenceUpdate keeps nodes present in exactly one set.
func (ns *NodeSet) SymmetricDifferenceUpdate(other *NodeSet) {
	for n := range other.plain {
		if _, ok := ns.plain[n]; ok {
			delete(ns.plain, n)
		} else {
			ns.plain[n] = struct{}{}
		}
	}
	for k, theirs := range other.pats {
		mine, ok := ns.pats[k]
		if !ok {
			ns.pats[k] = theirs.Clone()
			continue
		}
		mine.SymmetricDifferenceUpdate(theirs)
		if mine.Len() == 0 {
			delete(ns.pats, k)
		}
	}
}

// Union returns a new set with the nodes of both sets.
func (ns *NodeSet) Union(other *NodeSet) *NodeSet {
	c := ns.Clone()
	c.Update(other)
	return c
}

// Difference returns a new set with the nodes of ns not in other.
func (ns *NodeSet) Difference(other *NodeSet) *NodeSet {
	c := ns.Clone()
	c.DifferenceUpdate(other)
	return c
}

// Intersection returns a new set with the nodes present in both sets.
func (ns *NodeSet) Intersection(other *NodeSet) *NodeSet {
	c := ns.Clone()
	c.IntersectionUpdate(other)
	return c
}

// SymmetricDifference returns a new set with the nodes present in exactly
// one of the sets.
func (ns *NodeSet) SymmetricDifference(other *NodeSet) *NodeSet {
	c := ns.Clone()
	c.SymmetricDifferenceUpdate(other)
	return c
}

type groupEntry struct {
	pre  string
	suf  string
	rs   *RangeSet // nil for a plain name
	name string
}

// sortedGroups returns folded groups and plain names in canonical order:
// by prefix, then suffix.
func (ns *NodeSet) sortedGroups() []groupEntry {
	entries := make([]groupEntry, 0, len(ns.pats)+len(ns.plain))
	for k, rs := range ns.pats {
		entries = append(entries, groupEntry{pre: k.pre, suf: k.suf, rs: rs})
	}
	for n := range ns.plain {
		entries = append(entries, groupEntry{pre: n, name: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pre != entries[j].pre {
			return entries[i].pre < entries[j].pre
		}
		return entries[i].suf < entries[j].suf
	})
	return entries
}

// Nodes expands the set into sorted individual node names: groups ordered by
// prefix then suffix, and values ascending within each group.
func (ns *NodeSet) Nodes() []string {
	out := make([]string, 0, ns.Len())
	for _, e := range ns.sortedGroups() {
		if e.rs == nil {
			out = append(out, e.name)
			continue
		}
		for _, v := range e.rs.Values() {
			out = append(out, e.pre+e.rs.format(v)+e.suf)
		}
	}
	return out
}

// String folds the set into its canonical form, e.g. "adm,node[1-5,18]".
// Single-value groups render without brackets.
func (ns *NodeSet) String() string {
	var b strings.Builder
	for _, e := range ns.sortedGroups() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		switch {
		case e.rs == nil:
			b.WriteString(e.name)
		case e.rs.Len() == 1:
			b.WriteString(e.pre + e.rs.format(e.rs.Values()[0]) + e.suf)
		default:
			b.WriteString(e.pre + "[" + e.rs.String() + "]" + e.suf)
		}
	}
	return b.String()
}

// Split partitions the set into at most n contiguous subsets of balanced
// size, in iteration order. Fewer than n subsets are returned when the set
// is smaller than n.
func (ns *NodeSet) Split(n int) []*NodeSet {
	if n <= 0 {
		return nil
	}
	nodes := ns.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	if n > len(nodes) {
		n = len(nodes)
	}
	out := make([]*NodeSet, 0, n)
	size := len(nodes) / n
	extra := len(nodes) % n
	i := 0
	for len(out) < n {
		take := size
		if extra > 0 {
			take++
			extra--
		}
		sub, err := FromNodes(nodes[i : i+take])
		if err != nil {
			// Nodes() output always reparses.
			panic(err)
		}
		out = append(out, sub)
		i += take
	}
	return out
}

// Pick returns a new set holding the first n nodes in iteration order.
func (ns *NodeSet) Pick(n int) *NodeSet {
	nodes := ns.Nodes()
	if n > len(nodes) {
		n = len(nodes)
	}
	if n <= 0 {
		return Empty()
	}
	sub, err := FromNodes(nodes[:n])
	if err != nil {
		panic(err)
	}
	return sub
}
