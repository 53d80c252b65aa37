package task

import (
	"bytes"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/topology"
	"github.com/canopysh/canopy/pkg/wire"
)

var srcSeq atomic.Uint64

// nextSrcID tags one worker's traffic across every channel it uses.
func nextSrcID() string {
	return "w" + strconv.FormatUint(srcSeq.Add(1), 10)
}

// TreeWorker runs one command over a node set through the installed
// topology: targets one hop away get their own SSH clients, deeper
// ones are batched per next-hop gateway and relayed over a propagation
// channel. Leaf placeholders (%h, %n) expand where the command finally
// runs; pickup events fire for direct targets only.
//
// A gateway that fails mid-run is marked unreachable and its pending
// targets are dispatched once more through surviving routes; nodes
// with no route left report exit code 255 with the failure on their
// error stream.
type TreeWorker struct {
	workerBase
	command string
	nodes   *nodeset.NodeSet
	opts    ExecOptions
	srcid   string

	router    *topology.Router
	direct    []*execClient
	channels  map[string]*channel
	gwtargets map[string]*nodeset.NodeSet
	redone    *nodeset.NodeSet

	timeout   time.Duration
	topoText  string
	gwCommand string
	fanout    int
	nextRank  int

	pending    [][]byte
	pendingEOF bool
	eofSent    bool
}

func newTreeWorker(command string, opts ExecOptions) *TreeWorker {
	w := &TreeWorker{
		command:   command,
		nodes:     opts.Nodes,
		opts:      opts,
		srcid:     nextSrcID(),
		channels:  make(map[string]*channel),
		gwtargets: make(map[string]*nodeset.NodeSet),
		redone:    nodeset.Empty(),
	}
	w.handler = opts.Handler
	return w
}

// Nodes returns the worker's targets.
func (w *TreeWorker) Nodes() *nodeset.NodeSet { return w.nodes }

// Command returns the unexpanded command line.
func (w *TreeWorker) Command() string { return w.command }

func (w *TreeWorker) stderrSeparated() bool { return w.opts.Stderr }

func (w *TreeWorker) bind(t *Task) error {
	if w.task != nil {
		return nil
	}
	tree := t.Topology()
	if tree == nil {
		return errors.New("no topology installed")
	}
	root := t.Nodename()
	router, err := topology.NewRouter(root, tree)
	if err != nil {
		return err
	}
	hops, err := router.Dispatch(w.nodes)
	if err != nil {
		return err
	}
	w.router = router

	cfg := t.Config()
	w.gwCommand = cfg.GatewayCommand
	w.fanout = cfg.Fanout
	w.topoText = tree.Encode()
	w.timeout = w.opts.Timeout
	if w.timeout == 0 {
		w.timeout = t.commandTimeout()
	}

	all := w.nodes.String()
	for _, hop := range hops {
		if hop.Gateway != "" {
			w.addGatewayTargets(hop.Gateway, hop.Targets)
			continue
		}
		for _, node := range hop.Targets.Nodes() {
			cmd := expandTarget(w.command, node, w.nextRank, all)
			w.nextRank++
			var c *execClient
			if node == root {
				c = newLocalClient(w, node, cmd, w.timeout)
			} else {
				c = newRemoteClient(w, node, cmd, w.timeout, t.Dialer())
			}
			w.direct = append(w.direct, c)
		}
	}

	w.bindTask(t, w.nodes.Len())
	for _, p := range w.pending {
		w.Write(p)
	}
	w.pending = nil
	if w.pendingEOF {
		w.SetWriteEOF()
	}
	return nil
}

// addGatewayTargets books targets on gw's channel, creating it when
// none is live, and sends the shell control covering them.
func (w *TreeWorker) addGatewayTargets(gw string, targets *nodeset.NodeSet) {
	ch, ok := w.channels[gw]
	if !ok || ch.released() {
		ch = newChannel(w.task, gw, w.gwCommand, w.topoText)
		w.channels[gw] = ch
		if w.task != nil {
			// Mid-run addition; at bind time Schedule hands the
			// channel over with the other clients.
			w.task.eng.Add(ch)
		}
	}
	ch.register(w.srcid, w)

	if ts := w.gwtargets[gw]; ts != nil {
		ts.Update(targets)
	} else {
		w.gwtargets[gw] = targets.Clone()
	}

	ch.sendShell(w.srcid, targets.String(), wire.ShellParams{
		Command:        w.command,
		Timeout:        w.timeout.Seconds(),
		Stderr:         w.opts.Stderr,
		Fanout:         w.fanout,
		GatewayCommand: w.gwCommand,
	})
}

func (w *TreeWorker) clients() []engine.Client {
	gws := make([]string, 0, len(w.channels))
	for gw := range w.channels {
		gws = append(gws, gw)
	}
	sort.Strings(gws)

	// Channels are admitted ahead of direct clients so routed targets
	// are not starved behind a saturated fanout.
	cls := make([]engine.Client, 0, len(gws)+len(w.direct))
	for _, gw := range gws {
		ch := w.channels[gw]
		ch.task = w.task
		cls = append(cls, ch)
	}
	for _, c := range w.direct {
		cls = append(cls, c)
	}
	return cls
}

// Write queues p for the stdin of every live command, direct and
// routed.
func (w *TreeWorker) Write(p []byte) error {
	if w.task == nil {
		w.pending = append(w.pending, append([]byte(nil), p...))
		return nil
	}
	for _, c := range w.direct {
		if !c.done {
			c.writer.Write(p)
		}
	}
	for gw, ch := range w.channels {
		ts := w.gwtargets[gw]
		if ts == nil || ts.IsEmpty() || ch.released() {
			continue
		}
		ch.sendWrite(w.srcid, ts.String(), p)
	}
	return nil
}

// SetWriteEOF closes every command's stdin once queued writes flush.
func (w *TreeWorker) SetWriteEOF() error {
	if w.task == nil {
		w.pendingEOF = true
		return nil
	}
	if w.eofSent {
		return nil
	}
	w.eofSent = true
	for _, c := range w.direct {
		c.writer.SetEOF()
	}
	for gw, ch := range w.channels {
		ts := w.gwtargets[gw]
		if ts == nil || ts.IsEmpty() || ch.released() {
			continue
		}
		ch.sendEOF(w.srcid, ts.String())
	}
	return nil
}

// Abort drops the worker's remaining clients and channels without
// recording exit codes.
func (w *TreeWorker) Abort() {
	if w.task == nil {
		return
	}
	for _, c := range w.direct {
		if c.done {
			continue
		}
		c.aborted = true
		w.task.eng.Remove(c, false)
	}
	for _, ch := range w.channels {
		if ch.released() {
			continue
		}
		ch.aborted = true
		w.task.eng.Remove(ch, false)
	}
}

var newline = []byte{'\n'}

func (w *TreeWorker) remoteOutput(gw, nodes string, output []byte, stderr bool) {
	if len(output) == 0 {
		return
	}
	ns, err := nodeset.Parse(nodes)
	if err != nil {
		w.task.log.Debugw("unparsable nodes attribute", "gateway", gw, "nodes", nodes, "error", err)
		return
	}
	output = bytes.TrimSuffix(output, newline)
	for _, node := range ns.Nodes() {
		for _, line := range bytes.Split(output, newline) {
			if stderr {
				w.evError(w, node, line)
			} else {
				w.evRead(w, node, line)
			}
		}
	}
}

func (w *TreeWorker) remoteRC(gw, nodes string, rc int) {
	ns, err := nodeset.Parse(nodes)
	if err != nil {
		w.task.log.Debugw("unparsable nodes attribute", "gateway", gw, "nodes", nodes, "error", err)
		return
	}
	for _, node := range ns.Nodes() {
		if w.takeTarget(gw, node) {
			w.finish(w, node, rc, false, false)
		}
	}
	w.checkGateway(gw)
}

func (w *TreeWorker) remoteTimeout(gw, nodes string) {
	ns, err := nodeset.Parse(nodes)
	if err != nil {
		w.task.log.Debugw("unparsable nodes attribute", "gateway", gw, "nodes", nodes, "error", err)
		return
	}
	for _, node := range ns.Nodes() {
		if w.takeTarget(gw, node) {
			w.finish(w, node, 0, true, false)
		}
	}
	w.checkGateway(gw)
}

// takeTarget claims one node's terminal event, so duplicates from a
// confused gateway cannot double-count.
func (w *TreeWorker) takeTarget(gw, node string) bool {
	ts := w.gwtargets[gw]
	if ts == nil || !ts.Contains(node) {
		return false
	}
	ts.Remove(node)
	return true
}

// checkGateway releases gw's channel once every target behind it
// reported.
func (w *TreeWorker) checkGateway(gw string) {
	ts := w.gwtargets[gw]
	if ts == nil || !ts.IsEmpty() {
		return
	}
	delete(w.gwtargets, gw)
	ch := w.channels[gw]
	if ch == nil {
		return
	}
	delete(w.channels, gw)
	ch.unregister(w.srcid)
	if ch.idle() {
		ch.release()
	}
}

// gatewayClosed settles the targets still pending behind a gone
// gateway: timeouts and aborts are recorded as such, failures get one
// shot at another route.
func (w *TreeWorker) gatewayClosed(gw string, cause gwCause, reason string) {
	remaining := w.gwtargets[gw]
	delete(w.gwtargets, gw)
	delete(w.channels, gw)
	if remaining == nil || remaining.IsEmpty() {
		return
	}

	switch cause {
	case gwTimeout:
		for _, node := range remaining.Nodes() {
			w.finish(w, node, 0, true, false)
		}
	case gwAborted:
		for _, node := range remaining.Nodes() {
			w.finish(w, node, 0, false, true)
		}
	default:
		w.router.MarkUnreachable(gw)
		fresh := remaining.Difference(w.redone)
		for _, node := range remaining.Intersection(w.redone).Nodes() {
			w.evError(w, node, []byte("gateway "+gw+" failed: "+reason))
			w.finish(w, node, 255, false, false)
		}
		if !fresh.IsEmpty() {
			w.redone.Update(fresh)
			w.redispatch(fresh, gw, reason)
		}
	}
}

// redispatch routes targets again after their gateway failed.
func (w *TreeWorker) redispatch(targets *nodeset.NodeSet, failed, reason string) {
	hops, err := w.router.Dispatch(targets)
	if err != nil {
		msg := []byte("gateway " + failed + " failed: " + reason + "; " + err.Error())
		for _, node := range targets.Nodes() {
			w.evError(w, node, msg)
			w.finish(w, node, 255, false, false)
		}
		return
	}
	w.task.log.Debugw("redispatching targets", "failed", failed, "targets", targets.String())
	all := w.nodes.String()
	for _, hop := range hops {
		if hop.Gateway != "" {
			w.addGatewayTargets(hop.Gateway, hop.Targets)
			continue
		}
		for _, node := range hop.Targets.Nodes() {
			cmd := expandTarget(w.command, node, w.nextRank, all)
			w.nextRank++
			c := newRemoteClient(w, node, cmd, w.timeout, w.task.Dialer())
			w.direct = append(w.direct, c)
			w.task.eng.Add(c)
		}
	}
}
