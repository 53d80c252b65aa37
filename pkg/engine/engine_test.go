package engine

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeClient drives the reactor from tests. Its pump emits optional data
// chunks and a terminal close unless holdOpen is set; onStart and onClose
// hooks run on the loop goroutine.
type fakeClient struct {
	key       string
	delayable bool
	autoclose bool
	timeout   time.Duration
	startErr  error
	holdOpen  bool
	rc        int
	chunks    []string

	onStart func(c *fakeClient, sink EventSink)
	onClose func(c *fakeClient)

	starts        int
	closes        int
	closeForce    bool
	closeTimedOut bool
	gotData       []string
	gotMsgs       []interface{}
}

func newFakeClient(key string) *fakeClient {
	return &fakeClient{key: key, delayable: true}
}

func (c *fakeClient) Key() string            { return c.key }
func (c *fakeClient) Delayable() bool        { return c.delayable }
func (c *fakeClient) Autoclose() bool        { return c.autoclose }
func (c *fakeClient) Timeout() time.Duration { return c.timeout }

func (c *fakeClient) Start(sink EventSink) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	if c.onStart != nil {
		c.onStart(c, sink)
	}
	if !c.holdOpen {
		chunks := c.chunks
		go func() {
			for _, chunk := range chunks {
				sink.Data(c, StreamStdout, []byte(chunk))
			}
			sink.Closed(c, c.rc)
		}()
	}
	return nil
}

func (c *fakeClient) Write(p []byte) error { return nil }
func (c *fakeClient) SetWriteEOF() error   { return nil }

func (c *fakeClient) Close(force, timedOut bool) {
	c.closes++
	c.closeForce = force
	c.closeTimedOut = timedOut
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *fakeClient) HandleData(stream StreamID, p []byte) {
	c.gotData = append(c.gotData, stream.String()+":"+string(p))
}

func (c *fakeClient) HandleMsg(v interface{}) {
	c.gotMsgs = append(c.gotMsgs, v)
}

// tracker counts concurrently open clients from the loop goroutine.
type tracker struct {
	order   []string
	open    int
	maxOpen int
}

func (tr *tracker) hook(c *fakeClient) {
	c.onStart = func(c *fakeClient, _ EventSink) {
		tr.order = append(tr.order, c.key)
		tr.open++
		if tr.open > tr.maxOpen {
			tr.maxOpen = tr.open
		}
	}
	c.onClose = func(*fakeClient) { tr.open-- }
}

func TestRunWithoutClients(t *testing.T) {
	eng := NewEngine(Options{})
	require.NoError(t, eng.Run(0))
}

func TestRunDispatchesDataInOrder(t *testing.T) {
	eng := NewEngine(Options{})
	c := newFakeClient("n1")
	c.chunks = []string{"hello", "world"}
	eng.Add(c)

	require.NoError(t, eng.Run(0))
	require.Equal(t, []string{"stdout:hello", "stdout:world"}, c.gotData)
	require.Equal(t, 1, c.starts)
	require.Equal(t, 1, c.closes)
	require.False(t, c.closeForce)
	require.False(t, c.closeTimedOut)
}

func TestFanoutBackfillKeepsAddOrder(t *testing.T) {
	eng := NewEngine(Options{Fanout: 2})
	tr := &tracker{}
	keys := []string{"n1", "n2", "n3", "n4", "n5"}
	clients := make([]*fakeClient, 0, len(keys))
	for _, key := range keys {
		c := newFakeClient(key)
		tr.hook(c)
		eng.Add(c)
		clients = append(clients, c)
	}

	require.NoError(t, eng.Run(0))
	require.Equal(t, keys, tr.order)
	require.Equal(t, 2, tr.maxOpen)
	for _, c := range clients {
		require.Equal(t, 1, c.closes, c.key)
	}
}

func TestNonDelayableBypassesFanout(t *testing.T) {
	eng := NewEngine(Options{Fanout: 1})
	tr := &tracker{}
	d1 := newFakeClient("d1")
	d2 := newFakeClient("d2")
	p := newFakeClient("mailbox")
	p.delayable = false
	for _, c := range []*fakeClient{d1, d2, p} {
		c.onStart = func(c *fakeClient, _ EventSink) { tr.order = append(tr.order, c.key) }
		eng.Add(c)
	}

	require.NoError(t, eng.Run(0))
	// d1 held the only fanout slot when the admission pass reached the
	// mailbox, which started anyway; d2 waited for d1 to finish.
	require.Equal(t, []string{"d1", "mailbox", "d2"}, tr.order)
	for _, c := range []*fakeClient{d1, d2, p} {
		require.Equal(t, 1, c.closes, c.key)
	}
}

func TestStartErrorClosesClient(t *testing.T) {
	eng := NewEngine(Options{})
	bad := newFakeClient("bad")
	bad.startErr = errors.New("spawn failed")
	good := newFakeClient("good")
	eng.Add(bad)
	eng.Add(good)

	require.NoError(t, eng.Run(0))
	require.Equal(t, 0, bad.starts)
	require.Equal(t, 1, bad.closes)
	require.Equal(t, 1, good.starts)
	require.Equal(t, 1, good.closes)
}

func TestClientTimeoutFreesFanoutSlot(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	eng := NewEngine(Options{Fanout: 1, Clock: clk})
	tr := &tracker{}
	stuck := newFakeClient("stuck")
	stuck.holdOpen = true
	stuck.timeout = 100 * time.Millisecond
	tr.hook(stuck)
	next := newFakeClient("next")
	tr.hook(next)
	eng.Add(stuck)
	eng.Add(next)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(0) }()

	clk.WaitForWatcherAndIncrement(100 * time.Millisecond)
	require.NoError(t, <-errCh)

	require.Equal(t, []string{"stuck", "next"}, tr.order)
	require.Equal(t, 1, stuck.closes)
	require.False(t, stuck.closeForce)
	require.True(t, stuck.closeTimedOut)
	require.Equal(t, 1, next.closes)
	require.False(t, next.closeTimedOut)
}

func TestRunTimeoutClosesStragglersAsTimedOut(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	eng := NewEngine(Options{Clock: clk})
	stuck := newFakeClient("stuck")
	stuck.holdOpen = true
	eng.Add(stuck)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(200 * time.Millisecond) }()

	clk.WaitForWatcherAndIncrement(200 * time.Millisecond)
	err := <-errCh
	require.True(t, IsTimeout(err), "got %v", err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 200*time.Millisecond, te.After)

	require.Equal(t, 1, stuck.closes)
	require.True(t, stuck.closeForce)
	require.True(t, stuck.closeTimedOut)
}

func TestClientTimeoutAtDeadlineFinishesCleanly(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	eng := NewEngine(Options{Clock: clk})
	stuck := newFakeClient("stuck")
	stuck.holdOpen = true
	stuck.timeout = 100 * time.Millisecond
	eng.Add(stuck)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(100 * time.Millisecond) }()

	// The per-client timer and the run deadline land on the same instant;
	// the timer wins and the run ends without a timeout error.
	clk.WaitForWatcherAndIncrement(100 * time.Millisecond)
	require.NoError(t, <-errCh)
	require.True(t, stuck.closeTimedOut)
	require.False(t, stuck.closeForce)
}

func TestAbortUnwindsRun(t *testing.T) {
	eng := NewEngine(Options{})
	stuck := newFakeClient("stuck")
	stuck.holdOpen = true
	started := make(chan struct{})
	stuck.onStart = func(*fakeClient, EventSink) { close(started) }
	eng.Add(stuck)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(0) }()

	<-started
	eng.Abort()
	require.ErrorIs(t, <-errCh, ErrAborted)
	require.Equal(t, 1, stuck.closes)
	require.True(t, stuck.closeForce)
	require.False(t, stuck.closeTimedOut)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	eng := NewEngine(Options{})
	stuck := newFakeClient("stuck")
	stuck.holdOpen = true
	started := make(chan struct{})
	stuck.onStart = func(*fakeClient, EventSink) { close(started) }
	eng.Add(stuck)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(0) }()
	<-started

	require.ErrorIs(t, eng.Run(0), ErrAlreadyRunning)

	eng.Abort()
	require.ErrorIs(t, <-errCh, ErrAborted)
}

func TestEngineIsReusableAcrossRuns(t *testing.T) {
	eng := NewEngine(Options{})
	first := newFakeClient("first")
	eng.Add(first)
	require.NoError(t, eng.Run(0))

	second := newFakeClient("second")
	eng.Add(second)
	require.NoError(t, eng.Run(0))

	require.Equal(t, 1, first.closes)
	require.Equal(t, 1, second.closes)
}

func TestAddFromCallbackIsAdmitted(t *testing.T) {
	eng := NewEngine(Options{})
	follow := newFakeClient("follow")
	lead := newFakeClient("lead")
	lead.onClose = func(*fakeClient) { eng.Add(follow) }
	eng.Add(lead)

	require.NoError(t, eng.Run(0))
	require.Equal(t, 1, follow.starts)
	require.Equal(t, 1, follow.closes)
}

func TestJoinWaitsForRun(t *testing.T) {
	eng := NewEngine(Options{})
	stuck := newFakeClient("stuck")
	stuck.holdOpen = true
	started := make(chan struct{})
	stuck.onStart = func(*fakeClient, EventSink) { close(started) }
	eng.Add(stuck)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(0) }()
	<-started

	joined := make(chan struct{})
	go func() {
		eng.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	eng.Abort()
	require.ErrorIs(t, <-errCh, ErrAborted)
	<-joined
}
