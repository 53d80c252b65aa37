// Package engine implements the single-threaded reactor driving canopy
// clients: admission control under a fanout ceiling, a timer queue for
// per-client and user timers, and event dispatch from transport pump
// goroutines onto one loop goroutine.
//
// All worker and handler callbacks run on the goroutine that called Run.
// The only supported ways into a running engine from other goroutines are
// Port messages and Abort.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/canopysh/canopy/pkg/logger"
	"github.com/canopysh/canopy/pkg/metrics"
)

// DefaultFanout bounds concurrent transports when no fanout is configured.
const DefaultFanout = 64

// Options configures a new engine.
type Options struct {
	// Fanout is the admission ceiling for delayable clients. Zero or
	// negative selects DefaultFanout.
	Fanout int
	// Clock drives all timers. Nil selects the wall clock.
	Clock clock.Clock
	// Metrics receives engine instrumentation. Nil disables collection.
	Metrics *metrics.EngineMetrics
	// Log overrides the engine's logger.
	Log *zap.SugaredLogger
}

type eventKind int

const (
	evData eventKind = iota
	evMsg
	evClosed
)

type event struct {
	kind   eventKind
	client Client
	stream StreamID
	data   []byte
	msg    interface{}
	rc     int
}

type clientState struct {
	c          Client
	registered bool
	timeout    *Timer
}

// Engine is the reactor. It is idle between runs; Run drives it until every
// non-autoclose client finished, the overall timeout expires, or Abort is
// called.
type Engine struct {
	log *zap.SugaredLogger
	clk clock.Clock
	met *metrics.EngineMetrics

	fanout int

	timers *timerQueue

	// Loop state, touched only on the loop goroutine while running.
	clients      map[Client]*clientState
	pending      []*clientState
	regDelayable int
	regCount     int
	liveWork     int // non-autoclose clients not yet closed

	events    chan event
	sinkDone  chan struct{}
	aborted   atomic.Bool
	abortWake chan struct{}

	mu      sync.Mutex
	running bool
	runDone chan struct{}
}

// NewEngine builds the goroutine/channel reactor backend.
func NewEngine(opts Options) *Engine {
	fanout := opts.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.NewEngineMetrics(nil)
	}
	log := opts.Log
	if log == nil {
		log = logger.New("engine")
	}
	return &Engine{
		log:       log,
		clk:       clk,
		met:       met,
		fanout:    fanout,
		timers:    newTimerQueue(clk),
		clients:   make(map[Client]*clientState),
		abortWake: make(chan struct{}, 1),
	}
}

// Fanout returns the admission ceiling.
func (e *Engine) Fanout() int { return e.fanout }

// SetFanout changes the admission ceiling. Only safe while idle.
func (e *Engine) SetFanout(n int) {
	if n > 0 {
		e.fanout = n
	}
}

// Clock returns the engine's clock.
func (e *Engine) Clock() clock.Clock { return e.clk }

// Add binds a client to the engine. While a run is in flight the client is
// admitted immediately if fanout allows, otherwise it waits for backfill.
// Call it while idle or from loop callbacks only; other goroutines reach a
// running engine through ports.
func (e *Engine) Add(c Client) {
	if _, ok := e.clients[c]; ok {
		return
	}
	st := &clientState{c: c}
	e.clients[c] = st
	e.pending = append(e.pending, st)
	if !c.Autoclose() {
		e.liveWork++
	}
	if e.isRunning() {
		e.startAll()
	}
}

// AddTimer arms a timer on the engine's queue.
func (e *Engine) AddTimer(t *Timer) error {
	return e.timers.schedule(t)
}

// Remove unregisters and closes a client, then backfills the freed fanout
// slot from the pending backlog.
func (e *Engine) Remove(c Client, didTimeout bool) {
	st, ok := e.clients[c]
	if !ok {
		return
	}
	e.drop(st)
	st.c.Close(false, didTimeout)
	e.met.ClientsClosed.Inc()
	if didTimeout {
		e.met.ClientsTimedOut.Inc()
	}
	e.startAll()
}

// drop removes the client from all engine bookkeeping without closing it.
func (e *Engine) drop(st *clientState) {
	e.unregister(st)
	delete(e.clients, st.c)
	for i, p := range e.pending {
		if p == st {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	if !st.c.Autoclose() {
		e.liveWork--
	}
}

// Clear force-closes every remaining client. With didTimeout set the
// survivors are reported as timed out, as happens when the whole run
// exceeds its deadline. Clients added by close handlers during teardown
// are torn down too.
func (e *Engine) Clear(didTimeout bool) {
	for len(e.clients) > 0 {
		var st *clientState
		for _, s := range e.clients {
			st = s
			break
		}
		e.drop(st)
		st.c.Close(true, didTimeout)
		e.met.ClientsClosed.Inc()
		if didTimeout {
			e.met.ClientsTimedOut.Inc()
		}
	}
	e.pending = nil
}

// startAll is the admission pass: non-delayable clients always start;
// delayable ones start while the registered count is under fanout. Called
// after every removal so a freed slot is refilled in the same tick.
func (e *Engine) startAll() {
	if !e.isRunning() {
		return
	}
	var keep []*clientState
	for i := 0; i < len(e.pending); i++ {
		st := e.pending[i]
		if st.c.Delayable() && e.regDelayable >= e.fanout {
			keep = append(keep, st)
			continue
		}
		e.startClient(st)
	}
	e.pending = keep
}

// startClient starts and registers one pending client. Start failures close
// the client on the spot; the worker sees its normal terminal event with
// the client's recorded error.
func (e *Engine) startClient(st *clientState) {
	if err := st.c.Start(&engineSink{events: e.events, done: e.sinkDone}); err != nil {
		e.log.Debugw("client start failed", "key", st.c.Key(), "error", err)
		delete(e.clients, st.c)
		if !st.c.Autoclose() {
			e.liveWork--
		}
		st.c.Close(false, false)
		e.met.ClientsClosed.Inc()
		return
	}
	e.register(st)
	e.met.ClientsStarted.Inc()
}

// register admits a started client: it joins the registered set and its
// timeout timer, if any, is armed.
func (e *Engine) register(st *clientState) {
	st.registered = true
	e.regCount++
	if st.c.Delayable() {
		e.regDelayable++
	}
	e.met.ClientsRegistered.Set(float64(e.regCount))
	if d := st.c.Timeout(); d > 0 {
		c := st.c
		st.timeout = NewTimer(d, 0, func(*Timer) {
			e.log.Debugw("client timeout", "key", c.Key())
			e.Remove(c, true)
		})
		// Armed at registration: time spent queued behind fanout does
		// not count against the client's timeout.
		if err := e.timers.schedule(st.timeout); err != nil {
			st.timeout = nil
		}
	}
}

func (e *Engine) unregister(st *clientState) {
	if !st.registered {
		return
	}
	st.registered = false
	e.regCount--
	if st.c.Delayable() {
		e.regDelayable--
	}
	e.met.ClientsRegistered.Set(float64(e.regCount))
	if st.timeout != nil {
		st.timeout.Invalidate()
		st.timeout = nil
	}
}

// Abort makes the current run unwind promptly, force-closing every open
// client. Safe to call from event handlers and from other goroutines; a
// no-op when idle.
func (e *Engine) Abort() {
	e.aborted.Store(true)
	select {
	case e.abortWake <- struct{}{}:
	default:
	}
}

// Join blocks until the in-flight run, if any, completes.
func (e *Engine) Join() {
	e.mu.Lock()
	done := e.runDone
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run drives the reactor until all non-autoclose clients finish. A positive
// timeout bounds the whole run; expiry closes the survivors with timeout
// semantics and returns a *TimeoutError. An aborted run returns ErrAborted.
// Only one Run may be in flight at a time.
//
// Handler panics propagate to the caller after the engine has torn down its
// clients and returned to idle.
func (e *Engine) Run(timeout time.Duration) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.runDone = make(chan struct{})
	e.mu.Unlock()

	e.aborted.Store(false)
	select {
	case <-e.abortWake:
	default:
	}
	e.events = make(chan event, 1024)
	e.sinkDone = make(chan struct{})

	defer func() {
		// Always restore idle, even when a handler panicked.
		if r := recover(); r != nil {
			e.Clear(false)
			e.finishRun()
			panic(r)
		}
		e.finishRun()
	}()

	err := e.runLoop(timeout)
	switch {
	case err == nil:
	case IsTimeout(err):
		e.Clear(true)
	default:
		e.Clear(false)
	}
	return err
}

func (e *Engine) finishRun() {
	close(e.sinkDone)
	e.timers.clear()
	e.mu.Lock()
	e.running = false
	done := e.runDone
	e.runDone = nil
	e.mu.Unlock()
	close(done)
}

// IsTimeout reports whether err is an engine run timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func (e *Engine) runLoop(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = e.clk.Now().Add(timeout)
	}

	e.startAll()

	for {
		if e.aborted.Load() {
			return ErrAborted
		}
		if e.liveWork == 0 {
			// Only autoclose clients remain; the run is over.
			e.Clear(false)
			return nil
		}
		// Timers already fired by the previous pass, so a client whose
		// timeout lands exactly on the deadline still finishes cleanly.
		if !deadline.IsZero() && !e.clk.Now().Before(deadline) {
			return &TimeoutError{After: timeout}
		}

		if err := e.wait(deadline); err != nil {
			return err
		}

		for e.timers.expired() {
			e.timers.fire()
			e.met.TimersFired.Inc()
			if e.aborted.Load() {
				return ErrAborted
			}
		}

		if err := e.drainEvents(); err != nil {
			return err
		}
	}
}

// wait blocks until an event arrives, a timer is due, the deadline passes,
// or the run is aborted.
func (e *Engine) wait(deadline time.Time) error {
	poll := NoTimerDelay
	if d := e.timers.nextFireDelay(); d != NoTimerDelay {
		poll = d
	}
	if !deadline.IsZero() {
		rem := deadline.Sub(e.clk.Now())
		if rem < 0 {
			rem = 0
		}
		if poll == NoTimerDelay || rem < poll {
			poll = rem
		}
	}

	var timerC <-chan time.Time
	if poll != NoTimerDelay {
		t := e.clk.NewTimer(poll)
		defer t.Stop()
		timerC = t.C()
	}

	select {
	case ev := <-e.events:
		e.dispatch(ev)
		if e.aborted.Load() {
			return ErrAborted
		}
	case <-timerC:
	case <-e.abortWake:
	}
	return nil
}

// drainEvents dispatches everything already queued without blocking.
func (e *Engine) drainEvents() error {
	for {
		select {
		case ev := <-e.events:
			e.dispatch(ev)
			if e.aborted.Load() {
				return ErrAborted
			}
		default:
			return nil
		}
	}
}

func (e *Engine) dispatch(ev event) {
	st, ok := e.clients[ev.client]
	if !ok || !st.registered {
		// Late event from a client already removed.
		return
	}
	switch ev.kind {
	case evData:
		e.met.BytesRead.Add(float64(len(ev.data)))
		ev.client.HandleData(ev.stream, ev.data)
	case evMsg:
		ev.client.HandleMsg(ev.msg)
	case evClosed:
		e.log.Debugw("client closed", "key", ev.client.Key(), "rc", ev.rc)
		e.Remove(ev.client, false)
	}
}

// engineSink feeds pump goroutine events into the loop. The channels are
// captured per run so sends give up once the run is finished and pumps
// never leak into a later run.
type engineSink struct {
	events chan event
	done   chan struct{}
}

func (s *engineSink) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *engineSink) Data(c Client, stream StreamID, p []byte) {
	s.send(event{kind: evData, client: c, stream: stream, data: p})
}

func (s *engineSink) Msg(c Client, v interface{}) {
	s.send(event{kind: evMsg, client: c, msg: v})
}

func (s *engineSink) Closed(c Client, rc int) {
	s.send(event{kind: evClosed, client: c, rc: rc})
}
