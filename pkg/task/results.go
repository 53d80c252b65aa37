package task

import (
	"sort"
	"sync"
)

// source identifies one stream producer: a worker-local key (usually a
// node name) qualified by the worker itself, so identical keys used by
// two workers in the same run stay distinct.
type source struct {
	w   Worker
	key string
}

// resultStore aggregates everything a run produced: stdout and stderr
// buffers in content-addressed trees, exit codes, and timeout marks.
// Workers feed it through the task callbacks; one terminal mark (exit
// code or timeout) is recorded per source. Reads take the same lock so
// partial results stay consistent while a run is in flight.
type resultStore struct {
	mu       sync.Mutex
	stdout   *MsgTree
	stderr   *MsgTree
	rcs      map[source]int
	rcKeys   map[int][]source
	timedOut map[source]struct{}
	maxRC    int
	gotRC    bool
}

func newResultStore() *resultStore {
	return &resultStore{
		stdout:   NewMsgTree(),
		stderr:   NewMsgTree(),
		rcs:      make(map[source]int),
		rcKeys:   make(map[int][]source),
		timedOut: make(map[source]struct{}),
	}
}

func (s *resultStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout.Clear()
	s.stderr.Clear()
	s.rcs = make(map[source]int)
	s.rcKeys = make(map[int][]source)
	s.timedOut = make(map[source]struct{})
	s.maxRC = 0
	s.gotRC = false
}

func (s *resultStore) msgAdd(src source, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout.Add(src, line)
}

func (s *resultStore) errAdd(src source, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr.Add(src, line)
}

func (s *resultStore) rcSet(src source, rc int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.rcs[src]; ok {
		s.rcKeys[old] = removeSource(s.rcKeys[old], src)
	}
	s.rcs[src] = rc
	s.rcKeys[rc] = append(s.rcKeys[rc], src)
	if !s.gotRC || rc > s.maxRC {
		s.maxRC = rc
		s.gotRC = true
	}
}

func (s *resultStore) timeoutAdd(src source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timedOut[src] = struct{}{}
}

func removeSource(srcs []source, drop source) []source {
	for i, src := range srcs {
		if src == drop {
			return append(srcs[:i], srcs[i+1:]...)
		}
	}
	return srcs
}

// keyBuffer joins the stdout recorded for key across all workers.
func (s *resultStore) keyBuffer(tree *MsgTree, key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	tree.Walk(func(msg []byte, srcs []source) {
		for _, src := range srcs {
			if src.key == key {
				if len(out) > 0 {
					out = append(out, '\n')
				}
				out = append(out, msg...)
				break
			}
		}
	})
	return out
}

// iterBuffers walks distinct buffers, reporting each with the sorted
// keys that produced it. A non-nil match set restricts both the keys
// reported and the buffers visited.
func (s *resultStore) iterBuffers(tree *MsgTree, match map[string]struct{}, fn func(msg []byte, keys []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree.Walk(func(msg []byte, srcs []source) {
		keys := make([]string, 0, len(srcs))
		for _, src := range srcs {
			if match != nil {
				if _, ok := match[src.key]; !ok {
					continue
				}
			}
			keys = append(keys, src.key)
		}
		if len(keys) == 0 {
			return
		}
		sort.Strings(keys)
		fn(msg, keys)
	})
}

// keyRetcode returns the exit code recorded for key. When several
// workers used the key, the largest code wins.
func (s *resultStore) keyRetcode(key string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int
	found := false
	for src, rc := range s.rcs {
		if src.key != key {
			continue
		}
		if !found || rc > max {
			max = rc
		}
		found = true
	}
	return max, found
}

// iterRetcodes reports exit codes in ascending order, each with the
// sorted keys that returned it.
func (s *resultStore) iterRetcodes(match map[string]struct{}, fn func(rc int, keys []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]int, 0, len(s.rcKeys))
	for rc := range s.rcKeys {
		codes = append(codes, rc)
	}
	sort.Ints(codes)
	for _, rc := range codes {
		keys := make([]string, 0, len(s.rcKeys[rc]))
		for _, src := range s.rcKeys[rc] {
			if match != nil {
				if _, ok := match[src.key]; !ok {
					continue
				}
			}
			keys = append(keys, src.key)
		}
		if len(keys) == 0 {
			continue
		}
		sort.Strings(keys)
		fn(rc, keys)
	}
}

func (s *resultStore) maxRetcode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRC
}

func (s *resultStore) numTimeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timedOut)
}

func (s *resultStore) keysTimeout() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.timedOut))
	for src := range s.timedOut {
		keys = append(keys, src.key)
	}
	sort.Strings(keys)
	return keys
}
