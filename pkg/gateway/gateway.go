// Package gateway runs the remote end of the propagation protocol: a
// nested task fed by control messages on its standard streams instead
// of by direct calls. Relayed commands execute through the task's own
// workers, so a gateway routes onward through deeper hops exactly like
// a root controller would, and their output travels back upstream in
// groomed batches.
//
// The process never writes anything but protocol traffic to stdout;
// logs go to the configured logger sinks.
package gateway

import (
	"io"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/logger"
	"github.com/canopysh/canopy/pkg/metrics"
	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/sshconfig"
	"github.com/canopysh/canopy/pkg/task"
	"github.com/canopysh/canopy/pkg/topology"
	"github.com/canopysh/canopy/pkg/wire"
)

// Options configures a gateway session.
type Options struct {
	// Task hosts the relayed workers. Nil builds a dedicated one from
	// the fields below.
	Task *task.Task
	// Dialer reaches the next hops. Only used when Task is nil.
	Dialer *sshconfig.Dialer
	// Clock drives grooming and timeouts. Only used when Task is nil;
	// nil selects the wall clock.
	Clock clock.Clock
	// Log overrides the gateway logger.
	Log *zap.SugaredLogger
	// Metrics counts protocol traffic. Nil disables collection.
	Metrics *metrics.GatewayMetrics
}

type gwState int

const (
	gwHello gwState = iota
	gwConfig
	gwControl
	gwClosed
)

// Gateway is one upstream session: the protocol state machine, the
// workers started on the controller's behalf, and the batching that
// carries their results back.
type Gateway struct {
	task *task.Task
	log  *zap.SugaredLogger
	met  *metrics.GatewayMetrics

	enc   *wire.Writer
	state gwState
	name  string

	sessions map[string]*responder
	jobSeq   int
	fatal    error
}

// Serve speaks the propagation protocol on r and w until the
// controller ends the session or the stream breaks. It returns nil
// after a clean shutdown and the violation after a protocol error;
// either way every process started on behalf of the controller is
// gone by the time it returns.
func Serve(r io.Reader, w io.Writer, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logger.New("gateway")
	}
	t := opts.Task
	if t == nil {
		var err error
		t, err = task.New(task.Options{
			Clock:  opts.Clock,
			Dialer: opts.Dialer,
			Log:    log,
		})
		if err != nil {
			return err
		}
	}

	g := &Gateway{
		task:     t,
		log:      log,
		met:      opts.Metrics,
		enc:      wire.NewWriter(w),
		sessions: make(map[string]*responder),
	}
	if err := g.enc.Open(); err != nil {
		return errors.Wrap(err, "open session envelope")
	}

	t.AddClient(&upstream{g: g, in: r})
	err := t.Resume(0)
	if g.fatal != nil {
		return g.fatal
	}
	return err
}

// upstreamGone reports the controller stream ending, cleanly or not.
type upstreamGone struct {
	err error
}

// upstream is the engine client owning the controller's stream. It is
// not autoclose, so the run lasts exactly as long as the peer does,
// whether or not any worker is in flight.
type upstream struct {
	g    *Gateway
	in   io.Reader
	sink engine.EventSink
}

func (u *upstream) Key() string            { return "upstream" }
func (u *upstream) Delayable() bool        { return false }
func (u *upstream) Autoclose() bool        { return false }
func (u *upstream) Timeout() time.Duration { return 0 }

func (u *upstream) Start(sink engine.EventSink) error {
	u.sink = sink
	go u.readLoop()
	return nil
}

func (u *upstream) readLoop() {
	rd := wire.NewReader(u.in)
	for {
		m, err := rd.Next()
		if err != nil {
			u.sink.Msg(u, upstreamGone{err: err})
			return
		}
		u.sink.Msg(u, m)
	}
}

func (u *upstream) Write([]byte) error { return engine.ErrNotSupported }
func (u *upstream) SetWriteEOF() error { return engine.ErrNotSupported }

func (u *upstream) Close(force, timedOut bool) {
	if c, ok := u.in.(io.Closer); ok {
		c.Close()
	}
}

func (u *upstream) HandleData(engine.StreamID, []byte) {}

func (u *upstream) HandleMsg(v interface{}) { u.g.handle(v) }

func (g *Gateway) handle(v interface{}) {
	if g.state == gwClosed {
		return
	}
	if m, ok := v.(wire.Message); ok && g.met != nil {
		g.met.MessagesIn.WithLabelValues(string(m.Kind())).Inc()
	}

	switch m := v.(type) {
	case upstreamGone:
		var perr *wire.ProtocolError
		if errors.As(m.err, &perr) {
			// Malformed traffic still arrives over a working transport,
			// so the controller gets its error reply.
			g.violation(m.err)
			return
		}
		// A dead or unreadable stream cannot be answered; the session
		// is simply over.
		if m.err != nil && !errors.Is(m.err, io.EOF) {
			g.log.Warnw("upstream stream broke", "error", m.err)
		} else {
			g.log.Infow("upstream stream closed")
		}
		g.shutdown()
	case *wire.StartMessage:
		g.recvStart(m)
	case *wire.ConfigMessage:
		g.recvConfig(m)
	case *wire.ControlMessage:
		g.recvControl(m)
	case *wire.AckMessage:
		// Informational in every state.
	case *wire.ErrorMessage:
		g.log.Warnw("controller reported an error", "reason", m.Reason)
		g.shutdown()
	case *wire.EndMessage:
		g.log.Infow("session ended by controller")
		g.shutdown()
	default:
		g.violation(errors.Errorf("unexpected message %T", v))
	}
}

func (g *Gateway) recvStart(m *wire.StartMessage) {
	if g.state != gwHello {
		g.violation(errors.New("session reopened"))
		return
	}
	if m.Version != wire.Version {
		g.violation(errors.Errorf("controller speaks protocol %d, want %d", m.Version, wire.Version))
		return
	}
	g.state = gwConfig
}

func (g *Gateway) recvConfig(m *wire.ConfigMessage) {
	if g.state != gwConfig {
		g.violation(errors.New("configuration out of order"))
		return
	}
	graph, err := topology.ParseRoutes(m.Topology)
	if err != nil {
		g.violation(errors.Wrap(err, "topology"))
		return
	}
	tree, err := graph.Tree(m.Gateway)
	if err != nil {
		g.violation(errors.Wrap(err, "topology"))
		return
	}
	g.name = m.Gateway
	g.task.SetInfo("nodename", m.Gateway)
	g.task.SetTopology(tree)
	g.state = gwControl
	g.send(&wire.AckMessage{Ack: m.ID()})
	g.log.Infow("configured", "gateway", g.name, "nodes", tree.Nodes().Len())
}

func (g *Gateway) recvControl(m *wire.ControlMessage) {
	if g.state != gwControl {
		g.violation(errors.New("control before configuration"))
		return
	}
	switch m.Action {
	case wire.ActionShell:
		g.startShell(m)
	case wire.ActionWrite:
		var params wire.WriteParams
		if err := wire.DecodeParams(m.Params, &params); err != nil {
			g.violation(errors.Wrap(err, "write params"))
			return
		}
		if r := g.sessions[m.SrcID]; r != nil {
			r.worker.Write(params.Data)
		} else {
			g.log.Debugw("write for unknown worker", "srcid", m.SrcID)
		}
	case wire.ActionEOF:
		if r := g.sessions[m.SrcID]; r != nil {
			r.worker.SetWriteEOF()
		} else {
			g.log.Debugw("eof for unknown worker", "srcid", m.SrcID)
		}
	default:
		g.violation(errors.Errorf("unknown control action %q", m.Action))
	}
}

func (g *Gateway) startShell(m *wire.ControlMessage) {
	if _, ok := g.sessions[m.SrcID]; ok {
		g.violation(errors.Errorf("duplicate shell for %s", m.SrcID))
		return
	}
	var params wire.ShellParams
	if err := wire.DecodeParams(m.Params, &params); err != nil {
		g.violation(errors.Wrap(err, "shell params"))
		return
	}
	targets, err := nodeset.Parse(m.Target)
	if err != nil {
		g.violation(errors.Wrapf(err, "target %q", m.Target))
		return
	}

	// The controller's run policy travels with the shell and applies
	// to this hop and the ones below it.
	g.task.SetFanout(params.Fanout)
	if params.GatewayCommand != "" {
		g.task.SetInfo("gateway_command", params.GatewayCommand)
	}

	g.jobSeq++
	r := newResponder(g, m.SrcID, g.jobSeq)
	w, err := g.task.Shell(params.Command, task.ExecOptions{
		Nodes:   targets,
		Handler: r,
		Timeout: time.Duration(params.Timeout * float64(time.Second)),
		Stderr:  params.Stderr,
	})
	if err != nil {
		g.violation(errors.Wrapf(err, "shell for %s", m.SrcID))
		return
	}
	r.worker = w
	g.sessions[m.SrcID] = r

	delay := groomingDelay(g.task.Config())
	r.timer = engine.NewTimer(delay, delay, r.groom)
	if err := g.task.AddTimer(r.timer); err != nil {
		g.violation(errors.Wrap(err, "grooming timer"))
		return
	}
	g.log.Infow("worker accepted", "srcid", m.SrcID, "job", r.id,
		"targets", targets.Len(), "target", m.Target)
	g.log.Debugw("worker command", "srcid", m.SrcID, "command", params.Command)
}

func groomingDelay(cfg task.Config) time.Duration {
	d := time.Duration(cfg.GroomingDelay * float64(time.Second))
	if d <= 0 {
		d = 250 * time.Millisecond
	}
	return d
}

func (g *Gateway) sessionDone(r *responder) {
	delete(g.sessions, r.srcid)
	g.log.Infow("worker finished", "srcid", r.srcid, "job", r.id)
}

func (g *Gateway) send(m wire.Message) {
	if g.state == gwClosed {
		return
	}
	if err := g.enc.Send(m); err != nil {
		g.log.Errorw("send failed", "error", err)
		g.shutdown()
		return
	}
	if g.met != nil {
		g.met.MessagesOut.WithLabelValues(string(m.Kind())).Inc()
	}
}

// violation reports a broken protocol invariant to the controller and
// ends the session; Serve returns the error.
func (g *Gateway) violation(err error) {
	if g.state == gwClosed {
		return
	}
	g.log.Errorw("protocol violation", "error", err)
	g.fatal = err
	g.send(&wire.ErrorMessage{Reason: err.Error()})
	g.shutdown()
}

// shutdown ends the session envelope and aborts the whole local task,
// so nothing started on the controller's behalf outlives the link.
func (g *Gateway) shutdown() {
	if g.state == gwClosed {
		return
	}
	g.state = gwClosed
	g.enc.Close()
	g.task.Abort()
}
