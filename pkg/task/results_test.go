package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultStoreKeyBufferJoinsWorkers(t *testing.T) {
	w1 := NewExecWorker("true", ExecOptions{})
	w2 := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	s.msgAdd(src(w1, "n1"), []byte("from first"))
	s.msgAdd(src(w2, "n1"), []byte("from second"))
	s.msgAdd(src(w1, "n2"), []byte("elsewhere"))

	require.Equal(t, "from first\nfrom second", string(s.keyBuffer(s.stdout, "n1")))
	require.Equal(t, "elsewhere", string(s.keyBuffer(s.stdout, "n2")))
	require.Nil(t, s.keyBuffer(s.stdout, "n3"))
}

func TestResultStoreRetcodeReassignmentMovesBuckets(t *testing.T) {
	w := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	s.rcSet(src(w, "n1"), 0)
	s.rcSet(src(w, "n1"), 3)

	var got []int
	s.iterRetcodes(nil, func(rc int, keys []string) {
		got = append(got, rc)
		require.Equal(t, []string{"n1"}, keys)
	})
	require.Equal(t, []int{3}, got)
}

func TestResultStoreIterRetcodesAscendingSortedKeys(t *testing.T) {
	w := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	s.rcSet(src(w, "n3"), 1)
	s.rcSet(src(w, "n1"), 0)
	s.rcSet(src(w, "n2"), 0)

	var codes []int
	var keys [][]string
	s.iterRetcodes(nil, func(rc int, ks []string) {
		codes = append(codes, rc)
		keys = append(keys, append([]string(nil), ks...))
	})
	require.Equal(t, []int{0, 1}, codes)
	require.Equal(t, [][]string{{"n1", "n2"}, {"n3"}}, keys)
}

func TestResultStoreMatchRestrictsIteration(t *testing.T) {
	w := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	s.rcSet(src(w, "n1"), 0)
	s.rcSet(src(w, "n2"), 2)
	s.msgAdd(src(w, "n1"), []byte("kept"))
	s.msgAdd(src(w, "n2"), []byte("dropped"))

	match := map[string]struct{}{"n1": {}}
	var codes []int
	s.iterRetcodes(match, func(rc int, keys []string) {
		codes = append(codes, rc)
		require.Equal(t, []string{"n1"}, keys)
	})
	require.Equal(t, []int{0}, codes)

	var bufs []string
	s.iterBuffers(s.stdout, match, func(msg []byte, keys []string) {
		bufs = append(bufs, string(msg))
		require.Equal(t, []string{"n1"}, keys)
	})
	require.Equal(t, []string{"kept"}, bufs)
}

func TestResultStoreKeyRetcodeLargestAcrossWorkers(t *testing.T) {
	w1 := NewExecWorker("true", ExecOptions{})
	w2 := NewExecWorker("true", ExecOptions{})
	s := newResultStore()

	_, ok := s.keyRetcode("n1")
	require.False(t, ok)

	s.rcSet(src(w1, "n1"), 0)
	s.rcSet(src(w2, "n1"), 2)
	rc, ok := s.keyRetcode("n1")
	require.True(t, ok)
	require.Equal(t, 2, rc)
}

func TestResultStoreMaxRetcodeTracksAllSets(t *testing.T) {
	w := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	require.Zero(t, s.maxRetcode())

	s.rcSet(src(w, "n1"), 5)
	s.rcSet(src(w, "n2"), 1)
	require.Equal(t, 5, s.maxRetcode())
}

func TestResultStoreTimeouts(t *testing.T) {
	w := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	s.timeoutAdd(src(w, "n2"))
	s.timeoutAdd(src(w, "n1"))

	require.Equal(t, 2, s.numTimeout())
	require.Equal(t, []string{"n1", "n2"}, s.keysTimeout())
}

func TestResultStoreResetDropsEverything(t *testing.T) {
	w := NewExecWorker("true", ExecOptions{})
	s := newResultStore()
	s.msgAdd(src(w, "n1"), []byte("out"))
	s.errAdd(src(w, "n1"), []byte("err"))
	s.rcSet(src(w, "n1"), 7)
	s.timeoutAdd(src(w, "n2"))

	s.reset()

	require.Nil(t, s.keyBuffer(s.stdout, "n1"))
	require.Nil(t, s.keyBuffer(s.stderr, "n1"))
	require.Zero(t, s.maxRetcode())
	require.Zero(t, s.numTimeout())
	_, ok := s.keyRetcode("n1")
	require.False(t, ok)
}
