package task

import "bytes"

// MsgTree stores output buffers content-addressed: it is a trie keyed
// by line content, where each source's buffer is the path from the root
// to the source's current position. Sources producing byte-identical
// output therefore converge on the same trie node, and reading the tree
// back yields every distinct buffer exactly once, with the sources that
// produced it already grouped.
type MsgTree struct {
	root    *msgTreeElem
	current map[source]*msgTreeElem
}

type msgTreeElem struct {
	content  []byte
	parent   *msgTreeElem
	children []*msgTreeElem
	sources  map[source]struct{}
}

// NewMsgTree returns an empty tree.
func NewMsgTree() *MsgTree {
	return &MsgTree{
		root:    &msgTreeElem{},
		current: make(map[source]*msgTreeElem),
	}
}

// Add appends one line to src's buffer. The line is matched against the
// children of src's current position: an identical line moves src onto
// the existing child, anything else grows a new one.
func (t *MsgTree) Add(src source, line []byte) {
	elem, ok := t.current[src]
	if !ok {
		elem = t.root
	}

	var next *msgTreeElem
	for _, child := range elem.children {
		if bytes.Equal(child.content, line) {
			next = child
			break
		}
	}
	if next == nil {
		next = &msgTreeElem{
			content: append([]byte(nil), line...),
			parent:  elem,
			sources: make(map[source]struct{}),
		}
		elem.children = append(elem.children, next)
	}

	if ok {
		delete(elem.sources, src)
	}
	next.sources[src] = struct{}{}
	t.current[src] = next
}

// Message returns the full buffer recorded for src, lines joined by
// newlines, or nil when src never produced output.
func (t *MsgTree) Message(src source) []byte {
	elem, ok := t.current[src]
	if !ok {
		return nil
	}
	return elem.message()
}

func (e *msgTreeElem) message() []byte {
	var lines [][]byte
	for elem := e; elem.parent != nil; elem = elem.parent {
		lines = append(lines, elem.content)
	}
	var buf bytes.Buffer
	for i := len(lines) - 1; i >= 0; i-- {
		if i < len(lines)-1 {
			buf.WriteByte('\n')
		}
		buf.Write(lines[i])
	}
	return buf.Bytes()
}

// Walk yields each distinct buffer with the sources positioned on it,
// in first-created order. The callback's slices are shared with the
// tree and must not be retained.
func (t *MsgTree) Walk(fn func(msg []byte, sources []source)) {
	t.walk(t.root, fn)
}

func (t *MsgTree) walk(elem *msgTreeElem, fn func(msg []byte, sources []source)) {
	if len(elem.sources) > 0 {
		srcs := make([]source, 0, len(elem.sources))
		for src := range elem.sources {
			srcs = append(srcs, src)
		}
		fn(elem.message(), srcs)
	}
	for _, child := range elem.children {
		t.walk(child, fn)
	}
}

// Len returns the number of distinct buffers currently stored.
func (t *MsgTree) Len() int {
	n := 0
	t.Walk(func([]byte, []source) { n++ })
	return n
}

// Clear empties the tree.
func (t *MsgTree) Clear() {
	t.root = &msgTreeElem{}
	t.current = make(map[source]*msgTreeElem)
}
