package task

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/sshconfig"
	"github.com/canopysh/canopy/pkg/wire"
)

// gwCause tells a worker why its gateway channel went away.
type gwCause int

const (
	gwFailed gwCause = iota
	gwTimeout
	gwAborted
)

// remoteWorker is the surface a channel routes gateway traffic to.
// Tree workers implement it; the srcid carried by each message picks
// the registration.
type remoteWorker interface {
	remoteOutput(gw, nodes string, output []byte, stderr bool)
	remoteRC(gw, nodes string, rc int)
	remoteTimeout(gw, nodes string)
	gatewayClosed(gw string, cause gwCause, reason string)
}

type channelState int

const (
	chanInit channelState = iota
	chanCfg
	chanCtl
	chanClosed
)

type channelFailure struct {
	err error
}

// channel drives one gateway: it launches the gateway executable over
// SSH and speaks the propagation protocol on its pipes. Outbound
// messages queue until the gateway acknowledged the topology; inbound
// traffic is routed to registered workers by srcid.
//
// The channel is an engine client. Control methods and message
// handling are loop-confined; only the connector and pump goroutines
// touch the transport.
type channel struct {
	task    *Task
	gateway string
	command string
	topo    string

	sw  *streamWriter
	enc *wire.Writer

	sink engine.EventSink

	mu     sync.Mutex
	proc   *sshconfig.Remote
	closed bool

	state   channelState
	cfgID   uint64
	queue   []*wire.ControlMessage
	workers map[string]remoteWorker

	errBuf     lineSplitter
	rc         int
	aborted    bool
	failReason string
}

func newChannel(t *Task, gateway, command, topo string) *channel {
	return &channel{
		task:    t,
		gateway: gateway,
		command: command,
		topo:    topo,
		sw:      newStreamWriter(),
		workers: make(map[string]remoteWorker),
	}
}

func (c *channel) Key() string            { return "gateway:" + c.gateway }
func (c *channel) Delayable() bool        { return true }
func (c *channel) Autoclose() bool        { return false }
func (c *channel) Timeout() time.Duration { return 0 }

// Start opens the session toward the gateway. The envelope and the
// topology go out immediately into the write queue; the connector
// goroutine attaches the transport underneath once the dial completes.
func (c *channel) Start(sink engine.EventSink) error {
	c.sink = sink
	c.enc = wire.NewWriter(c.sw)
	if err := c.enc.Open(); err != nil {
		return err
	}
	cfg := &wire.ConfigMessage{Gateway: c.gateway, Topology: c.topo}
	if err := c.enc.Send(cfg); err != nil {
		return err
	}
	c.cfgID = cfg.ID()
	c.state = chanCfg
	go c.connect()
	return nil
}

func (c *channel) connect() {
	r, err := c.task.Dialer().Open(sshconfig.HostSpec{Host: c.gateway}, c.command)
	if err != nil {
		c.sink.Msg(c, channelFailure{err: errors.Wrap(err, "gateway connect")})
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		r.Kill()
		return
	}
	c.proc = r
	c.mu.Unlock()

	c.sw.start(r.Stdin(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go c.readLoop(r, &wg)
	go c.drainStderr(r, &wg)
	go func() {
		wg.Wait()
		rc, _ := r.Wait()
		c.rc = rc
		r.Close()
		c.sink.Closed(c, rc)
	}()
}

// readLoop pulls protocol messages off the gateway's stdout and posts
// them to the loop. A malformed stream stops the session.
func (c *channel) readLoop(r *sshconfig.Remote, wg *sync.WaitGroup) {
	defer wg.Done()
	rd := wire.NewReader(r.Stdout())
	for {
		m, err := rd.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.sink.Msg(c, channelFailure{err: err})
			}
			return
		}
		c.sink.Msg(c, m)
	}
}

func (c *channel) drainStderr(r *sshconfig.Remote, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Stderr().Read(buf)
		if n > 0 {
			c.sink.Data(c, engine.StreamStderr, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// register routes messages carrying srcid to w.
func (c *channel) register(srcid string, w remoteWorker) {
	c.workers[srcid] = w
}

// unregister detaches a worker, usually because its targets behind
// this gateway all reported.
func (c *channel) unregister(srcid string) {
	delete(c.workers, srcid)
}

// idle reports whether no worker is registered anymore.
func (c *channel) idle() bool { return len(c.workers) == 0 }

// released reports whether the channel already shut down.
func (c *channel) released() bool { return c.state == chanClosed }

// release closes the channel cleanly, sending the session end tag.
func (c *channel) release() {
	if c.state == chanClosed {
		return
	}
	c.task.eng.Remove(c, false)
}

// sendShell asks the gateway to run command over target for srcid.
func (c *channel) sendShell(srcid, target string, params wire.ShellParams) {
	raw, err := wire.EncodeParams(params)
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.send(&wire.ControlMessage{SrcID: srcid, Action: wire.ActionShell, Target: target, Params: raw})
}

// sendWrite feeds data to the standard input of srcid's commands on
// target.
func (c *channel) sendWrite(srcid, target string, data []byte) {
	raw, err := wire.EncodeParams(wire.WriteParams{Data: data})
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.send(&wire.ControlMessage{SrcID: srcid, Action: wire.ActionWrite, Target: target, Params: raw})
}

// sendEOF closes the standard input of srcid's commands on target.
func (c *channel) sendEOF(srcid, target string) {
	c.send(&wire.ControlMessage{SrcID: srcid, Action: wire.ActionEOF, Target: target})
}

func (c *channel) send(m *wire.ControlMessage) {
	switch c.state {
	case chanClosed:
	case chanCtl:
		if err := c.enc.Send(m); err != nil {
			c.fail(err.Error())
		}
	default:
		// Queued until the gateway acknowledged the topology.
		c.queue = append(c.queue, m)
	}
}

func (c *channel) HandleData(stream engine.StreamID, p []byte) {
	c.errBuf.feed(p, c.logStderr)
}

func (c *channel) logStderr(line []byte) {
	c.task.log.Debugw("gateway stderr", "gateway", c.gateway, "line", string(line))
}

func (c *channel) HandleMsg(v interface{}) {
	switch m := v.(type) {
	case channelFailure:
		c.fail(m.err.Error())
	case *wire.StartMessage:
		if m.Version != wire.Version {
			c.fail(errors.Errorf("gateway speaks protocol %d, want %d", m.Version, wire.Version).Error())
		}
	case *wire.AckMessage:
		c.handleAck(m)
	case *wire.ErrorMessage:
		c.fail(m.Reason)
	case *wire.StdOutMessage:
		if w, ok := c.workers[m.SrcID]; ok {
			w.remoteOutput(c.gateway, m.Nodes, m.Output, false)
		}
	case *wire.StdErrMessage:
		if w, ok := c.workers[m.SrcID]; ok {
			w.remoteOutput(c.gateway, m.Nodes, m.Output, true)
		}
	case *wire.RetcodeMessage:
		if w, ok := c.workers[m.SrcID]; ok {
			w.remoteRC(c.gateway, m.Nodes, m.Retcode)
		}
	case *wire.TimeoutMessage:
		if w, ok := c.workers[m.SrcID]; ok {
			w.remoteTimeout(c.gateway, m.Nodes)
		}
	case *wire.EndMessage:
		// The gateway is going away; EOF on the pipe follows.
	}
}

// handleAck completes the setup handshake and flushes queued controls.
func (c *channel) handleAck(m *wire.AckMessage) {
	if c.state != chanCfg || m.Ack != c.cfgID {
		return
	}
	c.state = chanCtl
	queued := c.queue
	c.queue = nil
	for _, ctl := range queued {
		if err := c.enc.Send(ctl); err != nil {
			c.fail(err.Error())
			return
		}
	}
}

// fail records the reason and shuts the channel down; registered
// workers hear about it from Close.
func (c *channel) fail(reason string) {
	if c.state == chanClosed {
		return
	}
	if c.failReason == "" {
		c.failReason = reason
	}
	if c.task == nil {
		c.state = chanClosed
		return
	}
	c.task.log.Debugw("gateway channel failed", "gateway", c.gateway, "reason", reason)
	c.task.eng.Remove(c, false)
	if c.state != chanClosed {
		// Not under engine management yet, tear down directly.
		c.Close(false, false)
	}
}

// Close tears the channel down. A clean release sends the end tag and
// lets the gateway exit on EOF; forced and timed-out closes kill the
// transport. Workers still registered are told their gateway is gone.
func (c *channel) Close(force, timedOut bool) {
	if c.state == chanClosed {
		return
	}
	c.mu.Lock()
	c.closed = true
	p := c.proc
	c.mu.Unlock()

	graceful := !force && !timedOut && !c.aborted && c.failReason == ""
	if graceful {
		if c.state == chanCfg || c.state == chanCtl {
			c.enc.Close()
		}
		c.sw.SetEOF()
	} else {
		c.sw.stop()
		if p != nil {
			p.Kill()
		}
	}
	c.errBuf.flush(c.logStderr)

	cause := gwFailed
	reason := c.failReason
	switch {
	case timedOut:
		cause = gwTimeout
	case reason != "":
		cause = gwFailed
	case force || c.aborted:
		cause = gwAborted
	}
	if reason == "" {
		reason = "gateway channel closed"
	}
	workers := c.workers
	c.workers = make(map[string]remoteWorker)
	c.state = chanClosed
	for _, w := range workers {
		w.gatewayClosed(c.gateway, cause, reason)
	}
}
