package task

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/sshconfig/sshtest"
	"github.com/canopysh/canopy/pkg/topology"
	"github.com/canopysh/canopy/pkg/wire"
)

// gatewayScript plays the gateway end of the propagation protocol for
// every session the test server accepts. Hooks run on the session
// goroutine; the recorded fields are read by tests after the run.
type gatewayScript struct {
	mu       sync.Mutex
	sessions []string
	shells   []wire.ShellParams
	controls []string
	writes   []byte
	srcid    string
	target   string

	// onConfig rejects the session with an error message when false.
	onConfig func(gw string) bool
	// onShell answers one shell control; the default reports nothing.
	onShell func(gw string, ctl *wire.ControlMessage, w *wire.Writer)
	// onEOF answers the input stream closing.
	onEOF func(gw string, w *wire.Writer)
}

func (s *gatewayScript) record(ctl *wire.ControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, ctl.Action)
	s.srcid = ctl.SrcID
	s.target = ctl.Target
}

func (s *gatewayScript) handle(_ string, ch ssh.Channel) uint32 {
	rd := wire.NewReader(ch)
	w := wire.NewWriter(ch)
	if err := w.Open(); err != nil {
		return 1
	}
	gw := ""
	for {
		m, err := rd.Next()
		if err != nil {
			return 1
		}
		switch msg := m.(type) {
		case *wire.ConfigMessage:
			gw = msg.Gateway
			s.mu.Lock()
			s.sessions = append(s.sessions, gw)
			s.mu.Unlock()
			if s.onConfig != nil && !s.onConfig(gw) {
				w.Send(&wire.ErrorMessage{Reason: "rejected by " + gw})
				return 1
			}
			if err := w.Send(&wire.AckMessage{Ack: msg.ID()}); err != nil {
				return 1
			}
		case *wire.ControlMessage:
			s.record(msg)
			switch msg.Action {
			case wire.ActionShell:
				var params wire.ShellParams
				if err := wire.DecodeParams(msg.Params, &params); err != nil {
					return 1
				}
				s.mu.Lock()
				s.shells = append(s.shells, params)
				s.mu.Unlock()
				if s.onShell != nil {
					s.onShell(gw, msg, w)
				}
			case wire.ActionWrite:
				var wp wire.WriteParams
				if err := wire.DecodeParams(msg.Params, &wp); err != nil {
					return 1
				}
				s.mu.Lock()
				s.writes = append(s.writes, wp.Data...)
				s.mu.Unlock()
			case wire.ActionEOF:
				if s.onEOF != nil {
					s.onEOF(gw, w)
				}
			}
		case *wire.EndMessage:
			return 0
		}
	}
}

// perNode sends one stdout line and an exit code for every node of a
// folded target set.
func perNode(w *wire.Writer, srcid, target string, line func(node string) string, rc func(node string) int) {
	ns, err := nodeset.Parse(target)
	if err != nil {
		return
	}
	for _, node := range ns.Nodes() {
		w.Send(&wire.StdOutMessage{SrcID: srcid, Nodes: node, Output: []byte(line(node) + "\n")})
		w.Send(&wire.RetcodeMessage{SrcID: srcid, Nodes: node, Retcode: rc(node)})
	}
}

// treeTask builds a task routed through the scripted gateway server.
func treeTask(t *testing.T, script *gatewayScript, routes string) *Task {
	t.Helper()
	srv := sshtest.NewServer(t, script.handle)
	task := newTestTask(t, Options{Dialer: sshtest.Dialer(t, srv.Port())})
	task.SetInfo("nodename", "admin1")

	g, err := topology.ParseRoutes(routes)
	require.NoError(t, err)
	tree, err := g.Tree("admin1")
	require.NoError(t, err)
	task.SetTopology(tree)
	return task
}

func TestShellSelectsTreeWorkerWithTopology(t *testing.T) {
	script := &gatewayScript{}
	task := treeTask(t, script, "admin1: gw1\ngw1: leaf[1-2]\n")

	w, err := task.Shell("uptime", ExecOptions{Nodes: mustNodes(t, "leaf1")})
	require.NoError(t, err)
	require.IsType(t, &TreeWorker{}, w)

	flat := newTestTask(t, Options{})
	fw, err := flat.Shell("uptime", ExecOptions{Nodes: mustNodes(t, "leaf1")})
	require.NoError(t, err)
	require.IsType(t, &ExecWorker{}, fw)
}

func TestTreeWorkerRequiresTopology(t *testing.T) {
	task := newTestTask(t, Options{})
	w := newTreeWorker("uptime", ExecOptions{Nodes: mustNodes(t, "leaf1")})
	require.Error(t, task.Schedule(w))
}

func TestTreeRoutedTargetsReportThroughGateway(t *testing.T) {
	script := &gatewayScript{}
	script.onShell = func(gw string, ctl *wire.ControlMessage, w *wire.Writer) {
		ns, err := nodeset.Parse(ctl.Target)
		if err != nil {
			return
		}
		for _, node := range ns.Nodes() {
			w.Send(&wire.StdOutMessage{SrcID: ctl.SrcID, Nodes: node,
				Output: []byte("pong from " + node + "\n")})
			w.Send(&wire.StdErrMessage{SrcID: ctl.SrcID, Nodes: node,
				Output: []byte("warn " + node + "\n")})
		}
		w.Send(&wire.RetcodeMessage{SrcID: ctl.SrcID, Nodes: "leaf1", Retcode: 0})
		w.Send(&wire.RetcodeMessage{SrcID: ctl.SrcID, Nodes: "leaf2", Retcode: 1})
	}
	task := treeTask(t, script, "admin1: gw1\ngw1: leaf[1-2]\n")

	h := &recHandler{}
	_, err := task.Shell("uptime", ExecOptions{
		Nodes:   mustNodes(t, "leaf[1-2]"),
		Stderr:  true,
		Handler: h,
	})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	require.Equal(t, "pong from leaf1", string(task.KeyBuffer("leaf1")))
	require.Equal(t, "pong from leaf2", string(task.KeyBuffer("leaf2")))
	require.Equal(t, "warn leaf1", string(task.KeyError("leaf1")))
	rc, ok := task.KeyRetcode("leaf2")
	require.True(t, ok)
	require.Equal(t, 1, rc)
	require.Equal(t, 1, task.MaxRetcode())

	script.mu.Lock()
	defer script.mu.Unlock()
	require.Equal(t, []string{"gw1"}, script.sessions)
	require.Len(t, script.shells, 1)
	require.Equal(t, "uptime", script.shells[0].Command)
	require.True(t, script.shells[0].Stderr)
	require.Equal(t, 64, script.shells[0].Fanout)
	require.Equal(t, "canopy-gateway", script.shells[0].GatewayCommand)
	require.Equal(t, "leaf[1-2]", script.target)

	// Routed targets never report a pickup; their terminal events do
	// arrive.
	require.NotContains(t, h.events, "pickup:leaf1")
	require.Contains(t, h.events, "hup:leaf1:0")
	require.Contains(t, h.events, "hup:leaf2:1")
	require.Equal(t, "close", h.events[len(h.events)-1])
}

func TestTreeMixedDirectAndRouted(t *testing.T) {
	script := &gatewayScript{}
	script.onShell = func(gw string, ctl *wire.ControlMessage, w *wire.Writer) {
		// Relay the command line untouched, placeholders included.
		perNode(w, ctl.SrcID, ctl.Target,
			func(string) string { return "ran: " + commandOf(ctl) },
			func(string) int { return 0 })
	}
	task := treeTask(t, script, "admin1: gw1\ngw1: leaf[1-2]\n")

	_, err := task.Shell("echo direct on %h", ExecOptions{Nodes: mustNodes(t, "admin1,leaf1")})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	// The root target ran locally with its placeholder expanded; the
	// routed one crossed the wire raw.
	require.Equal(t, "direct on admin1", string(task.KeyBuffer("admin1")))
	require.Equal(t, "ran: echo direct on %h", string(task.KeyBuffer("leaf1")))
	require.Zero(t, task.MaxRetcode())
}

func commandOf(ctl *wire.ControlMessage) string {
	var params wire.ShellParams
	if err := wire.DecodeParams(ctl.Params, &params); err != nil {
		return ""
	}
	return params.Command
}

func TestTreeWriteAndEOFForwarded(t *testing.T) {
	script := &gatewayScript{}
	script.onEOF = func(gw string, w *wire.Writer) {
		script.mu.Lock()
		srcid, target, data := script.srcid, script.target, string(script.writes)
		script.mu.Unlock()
		perNode(w, srcid, target,
			func(string) string { return "got: " + strings.TrimSuffix(data, "\n") },
			func(string) int { return 0 })
	}
	task := treeTask(t, script, "admin1: gw1\ngw1: leaf[1-2]\n")

	w, err := task.Shell("cat", ExecOptions{Nodes: mustNodes(t, "leaf1")})
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("payload\n")))
	require.NoError(t, w.SetWriteEOF())
	require.NoError(t, task.Resume(0))

	require.Equal(t, "got: payload", string(task.KeyBuffer("leaf1")))
	script.mu.Lock()
	defer script.mu.Unlock()
	require.Equal(t, []string{wire.ActionShell, wire.ActionWrite, wire.ActionEOF}, script.controls)
}

func TestTreeGatewayTimeoutMessage(t *testing.T) {
	script := &gatewayScript{}
	script.onShell = func(gw string, ctl *wire.ControlMessage, w *wire.Writer) {
		w.Send(&wire.RetcodeMessage{SrcID: ctl.SrcID, Nodes: "leaf1", Retcode: 0})
		w.Send(&wire.TimeoutMessage{SrcID: ctl.SrcID, Nodes: "leaf2"})
	}
	task := treeTask(t, script, "admin1: gw1\ngw1: leaf[1-2]\n")

	h := &recHandler{}
	_, err := task.Shell("uptime", ExecOptions{Nodes: mustNodes(t, "leaf[1-2]"), Handler: h})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	require.Equal(t, 1, task.NumTimeout())
	require.Equal(t, []string{"leaf2"}, task.KeysTimeout())
	rc, ok := task.KeyRetcode("leaf1")
	require.True(t, ok)
	require.Zero(t, rc)
	_, ok = task.KeyRetcode("leaf2")
	require.False(t, ok)
	require.Contains(t, h.events, "timeout")
}

func TestTreeGatewayFailureRedispatchesThroughAlternate(t *testing.T) {
	script := &gatewayScript{}
	script.onConfig = func(gw string) bool { return gw != "gw1" }
	script.onShell = func(gw string, ctl *wire.ControlMessage, w *wire.Writer) {
		perNode(w, ctl.SrcID, ctl.Target,
			func(node string) string { return "served " + node + " via " + gw },
			func(string) int { return 0 })
	}
	task := treeTask(t, script, "admin1: gw[1-2]\ngw[1-2]: leaf[1-4]\n")

	_, err := task.Shell("uptime", ExecOptions{Nodes: mustNodes(t, "leaf[1-4]")})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	for _, node := range []string{"leaf1", "leaf2", "leaf3", "leaf4"} {
		rc, ok := task.KeyRetcode(node)
		require.True(t, ok, node)
		require.Zero(t, rc, node)
		require.Equal(t, "served "+node+" via gw2", string(task.KeyBuffer(node)))
		require.Nil(t, task.KeyError(node), node)
	}

	script.mu.Lock()
	defer script.mu.Unlock()
	require.Equal(t, []string{"gw1", "gw2"}, script.sessions)
}

func TestTreeNoRouteLeftReports255(t *testing.T) {
	script := &gatewayScript{}
	script.onConfig = func(string) bool { return false }
	task := treeTask(t, script, "admin1: gw1\ngw1: leaf[1-2]\n")

	_, err := task.Shell("uptime", ExecOptions{Nodes: mustNodes(t, "leaf[1-2]")})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	for _, node := range []string{"leaf1", "leaf2"} {
		rc, ok := task.KeyRetcode(node)
		require.True(t, ok, node)
		require.Equal(t, 255, rc, node)
		require.Contains(t, string(task.KeyError(node)), "gw1 failed")
	}
	require.Equal(t, 255, task.MaxRetcode())
}
