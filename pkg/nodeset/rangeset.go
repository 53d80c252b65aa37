// Package nodeset implements cluster node set arithmetic: parsing, folding
// and set algebra over names of the form prefix[a-b,c,d-e/step]suffix.
//
// Sets are not safe for concurrent mutation; callers share them read-only or
// copy them first.
package nodeset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseError reports input that does not follow the node set grammar.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Input, e.Reason)
}

func parseErrorf(input, format string, args ...interface{}) error {
	return &ParseError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// RangeSet is a set of non-negative integers with an optional zero padding
// width, e.g. "1-5,8,10-20/2" or "001-100".
type RangeSet struct {
	elems map[int]struct{}
	pad   int
}

// NewRangeSet parses a range set expression. The empty string yields an
// empty set.
func NewRangeSet(s string) (*RangeSet, error) {
	rs := EmptyRangeSet()
	if s == "" {
		return rs, nil
	}
	for _, tok := range strings.Split(s, ",") {
		if err := rs.addToken(tok); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// EmptyRangeSet returns a new empty range set.
func EmptyRangeSet() *RangeSet {
	return &RangeSet{elems: make(map[int]struct{})}
}

func (rs *RangeSet) addToken(tok string) error {
	if tok == "" {
		return parseErrorf(tok, "empty range")
	}
	step := 1
	body := tok
	if i := strings.IndexByte(tok, '/'); i >= 0 {
		body = tok[:i]
		n, err := strconv.Atoi(tok[i+1:])
		if err != nil || n <= 0 {
			return parseErrorf(tok, "invalid step")
		}
		step = n
	}
	lo, hi := body, body
	if i := strings.IndexByte(body, '-'); i >= 0 {
		lo, hi = body[:i], body[i+1:]
	}
	a, err := rs.parseBound(lo)
	if err != nil {
		return err
	}
	b, err := rs.parseBound(hi)
	if err != nil {
		return err
	}
	if b < a {
		return parseErrorf(tok, "reversed range")
	}
	for v := a; v <= b; v += step {
		rs.elems[v] = struct{}{}
	}
	return nil
}

func (rs *RangeSet) parseBound(s string) (int, error) {
	if s == "" {
		return 0, parseErrorf(s, "empty range bound")
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, parseErrorf(s, "invalid range bound")
	}
	if len(s) > 1 && s[0] == '0' && len(s) > rs.pad {
		rs.pad = len(s)
	}
	return v, nil
}

// Add inserts a single value.
func (rs *RangeSet) Add(v int) {
	if v >= 0 {
		rs.elems[v] = struct{}{}
	}
}

// Len returns the number of values in the set.
func (rs *RangeSet) Len() int { return len(rs.elems) }

// Contains reports whether v is in the set.
func (rs *RangeSet) Contains(v int) bool {
	_, ok := rs.elems[v]
	return ok
}

// Padding returns the zero padding width, or 0 when unpadded.
func (rs *RangeSet) Padding() int { return rs.pad }

// Values returns the values in ascending order.
func (rs *RangeSet) Values() []int {
	vs := make([]int, 0, len(rs.elems))
	for v := range rs.elems {
		vs = append(vs, v)
	}
	sort.Ints(vs)
	return vs
}

// Clone returns an independent copy.
func (rs *RangeSet) Clone() *RangeSet {
	c := &RangeSet{elems: make(map[int]struct{}, len(rs.elems)), pad: rs.pad}
	for v := range rs.elems {
		c.elems[v] = struct{}{}
	}
	return c
}

// Update adds every value of other to the set.
func (rs *RangeSet) Update(other *RangeSet) {
	for v := range other.elems {
		rs.elems[v] = struct{}{}
	}
	if other.pad > rs.pad {
		rs.pad = other.pad
	}
}

// DifferenceUpdate removes every value of other from the set.
func (rs *RangeSet) DifferenceUpdate(other *RangeSet) {
	for v := range other.elems {
		delete(rs.elems, v)
	}
}

// IntersectionUpdate keeps only values present in both sets.
func (rs *RangeSet) IntersectionUpdate(other *RangeSet) {
	for v := range rs.elems {
		if !other.Contains(v) {
			delete(rs.elems, v)
		}
	}
}

// SymmetricDifferenceUpdate keeps values present in exactly one set.
func (rs *RangeSet) SymmetricDifferenceUpdate(other *RangeSet) {
	for v := range other.elems {
		if rs.Contains(v) {
			delete(rs.elems, v)
		} else {
			rs.elems[v] = struct{}{}
		}
	}
	if other.pad > rs.pad {
		rs.pad = other.pad
	}
}

// Union returns a new set with the values of both sets.
func (rs *RangeSet) Union(other *RangeSet) *RangeSet {
	c := rs.Clone()
	c.Update(other)
	return c
}

// Difference returns a new set with the values of rs not in other.
func (rs *RangeSet) Difference(other *RangeSet) *RangeSet {
	c := rs.Clone()
	c.DifferenceUpdate(other)
	return c
}

// Intersection returns a new set with the values present in both sets.
func (rs *RangeSet) Intersection(other *RangeSet) *RangeSet {
	c := rs.Clone()
	c.IntersectionUpdate(other)
	return c
}

// SymmetricDifference returns a new set with the values present in exactly
// one of the sets.
func (rs *RangeSet) SymmetricDifference(other *RangeSet) *RangeSet {
	c := rs.Clone()
	c.SymmetricDifferenceUpdate(other)
	return c
}

// format renders value v honoring the padding width.
func (rs *RangeSet) format(v int) string {
	if rs.pad > 0 {
		return fmt.Sprintf("%0*d", rs.pad, v)
	}
	return strconv.Itoa(v)
}

// String folds the set into its canonical form, merging contiguous runs:
// {1,2,3,5} renders as "1-3,5". Steps are accepted on input but runs are
// always emitted stride 1.
func (rs *RangeSet) String() string {
	vs := rs.Values()
	if len(vs) == 0 {
		return ""
	}
	var b strings.Builder
	start, prev := vs[0], vs[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(rs.format(start))
		if prev != start {
			b.WriteByte('-')
			b.WriteString(rs.format(prev))
		}
	}
	for _, v := range vs[1:] {
		if v == prev+1 {
			prev = v
			continue
		}
		flush()
		start, prev = v, v
	}
	flush()
	return b.String()
}
