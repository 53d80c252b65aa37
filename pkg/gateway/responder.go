package gateway

import (
	"sort"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/task"
	"github.com/canopysh/canopy/pkg/wire"
)

// responder relays one worker's events to the controller. Output lines
// and exit codes accumulate between grooming ticks and go upstream in
// batches, nodes with byte-identical pending output folded into a
// single message. Timeouts are reported once, at worker close, before
// the final exit codes.
type responder struct {
	task.BaseHandler
	g     *Gateway
	srcid string
	id    int

	worker task.Worker
	timer  *engine.Timer

	out  map[string][]byte
	errs map[string][]byte
	rcs  map[int]*nodeset.NodeSet
	done bool
}

func newResponder(g *Gateway, srcid string, id int) *responder {
	return &responder{
		g:     g,
		srcid: srcid,
		id:    id,
		out:   make(map[string][]byte),
		errs:  make(map[string][]byte),
		rcs:   make(map[int]*nodeset.NodeSet),
	}
}

func (r *responder) EvRead(_ task.Worker, key string, line []byte) {
	b := append(r.out[key], line...)
	r.out[key] = append(b, '\n')
}

func (r *responder) EvError(_ task.Worker, key string, line []byte) {
	b := append(r.errs[key], line...)
	r.errs[key] = append(b, '\n')
}

func (r *responder) EvHup(_ task.Worker, key string, rc int) {
	ns := r.rcs[rc]
	if ns == nil {
		ns = nodeset.Empty()
		r.rcs[rc] = ns
	}
	if err := ns.Add(key); err != nil {
		r.g.log.Debugw("unfoldable key", "srcid", r.srcid, "key", key, "error", err)
	}
}

func (r *responder) EvClose(w task.Worker) {
	r.done = true
	r.flushOutput()
	if keys := w.TimeoutKeys(); len(keys) > 0 {
		if ns, err := nodeset.FromNodes(keys); err == nil {
			r.g.send(&wire.TimeoutMessage{SrcID: r.srcid, Nodes: ns.String()})
		} else {
			r.g.log.Debugw("unfoldable timeout keys", "srcid", r.srcid, "error", err)
		}
	}
	r.flushRcs()
	if r.timer != nil {
		r.timer.Invalidate()
	}
	r.g.sessionDone(r)
}

// groom is the repeating timer callback draining accumulated results.
func (r *responder) groom(*engine.Timer) {
	if r.done {
		return
	}
	r.flushOutput()
	r.flushRcs()
}

func (r *responder) flushOutput() {
	r.flushStream(r.out, false)
	r.flushStream(r.errs, true)
}

// flushStream sends one message per distinct pending content, nodes
// sharing it folded together, and clears the accumulation.
func (r *responder) flushStream(pending map[string][]byte, stderr bool) {
	if len(pending) == 0 {
		return
	}
	nodes := make([]string, 0, len(pending))
	for node := range pending {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var order []string
	groups := make(map[string]*nodeset.NodeSet)
	for _, node := range nodes {
		content := string(pending[node])
		ns := groups[content]
		if ns == nil {
			ns = nodeset.Empty()
			groups[content] = ns
			order = append(order, content)
		}
		if err := ns.Add(node); err != nil {
			r.g.log.Debugw("unfoldable key", "srcid", r.srcid, "key", node, "error", err)
		}
		delete(pending, node)
	}

	for _, content := range order {
		if stderr {
			r.g.send(&wire.StdErrMessage{SrcID: r.srcid, Nodes: groups[content].String(), Output: []byte(content)})
		} else {
			r.g.send(&wire.StdOutMessage{SrcID: r.srcid, Nodes: groups[content].String(), Output: []byte(content)})
		}
	}
}

// flushRcs sends pending exit codes, one message per distinct code, in
// ascending code order.
func (r *responder) flushRcs() {
	if len(r.rcs) == 0 {
		return
	}
	codes := make([]int, 0, len(r.rcs))
	for rc := range r.rcs {
		codes = append(codes, rc)
	}
	sort.Ints(codes)
	for _, rc := range codes {
		r.g.send(&wire.RetcodeMessage{SrcID: r.srcid, Nodes: r.rcs[rc].String(), Retcode: rc})
		delete(r.rcs, rc)
	}
}
