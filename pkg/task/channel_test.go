package task

import (
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/sshconfig/sshtest"
	"github.com/canopysh/canopy/pkg/wire"
)

// recSink captures sink traffic from a client's goroutines.
type recSink struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (s *recSink) Data(engine.Client, engine.StreamID, []byte) {}

func (s *recSink) Msg(_ engine.Client, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v)
}

func (s *recSink) Closed(engine.Client, int) {}

// fakeRemote records the worker-side callbacks of a channel.
type fakeRemote struct {
	outputs  []string
	rcs      []string
	timeouts []string
	closes   []string
}

func (f *fakeRemote) remoteOutput(gw, nodes string, output []byte, stderr bool) {
	tag := "out"
	if stderr {
		tag = "err"
	}
	f.outputs = append(f.outputs, gw+"/"+nodes+"/"+tag+":"+string(output))
}

func (f *fakeRemote) remoteRC(gw, nodes string, rc int) {
	f.rcs = append(f.rcs, gw+"/"+nodes+":"+strconv.Itoa(rc))
}

func (f *fakeRemote) remoteTimeout(gw, nodes string) {
	f.timeouts = append(f.timeouts, gw+"/"+nodes)
}

func (f *fakeRemote) gatewayClosed(gw string, cause gwCause, reason string) {
	f.closes = append(f.closes, gw+"/"+strconv.Itoa(int(cause))+":"+reason)
}

const testTopo = "admin1: gw1\ngw1: leaf[1-2]\n"

// startTestChannel brings a channel up against a transport that never
// connects, and taps its outbound stream through a pipe.
func startTestChannel(t *testing.T) (*channel, *wire.Reader) {
	t.Helper()
	task := newTestTask(t, Options{Dialer: sshtest.Dialer(t, sshtest.ClosedPort(t))})
	ch := newChannel(task, "gw1", "canopy-gateway", testTopo)
	require.NoError(t, ch.Start(&recSink{}))

	pr, pw := io.Pipe()
	ch.sw.start(pw, nil)
	return ch, wire.NewReader(pr)
}

func nextMsg(t *testing.T, rd *wire.Reader) wire.Message {
	t.Helper()
	type result struct {
		m   wire.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := rd.Next()
		done <- result{m, err}
	}()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.m
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived")
		return nil
	}
}

func TestChannelClientSurface(t *testing.T) {
	task := newTestTask(t, Options{})
	ch := newChannel(task, "gw7", "canopy-gateway", testTopo)
	require.Equal(t, "gateway:gw7", ch.Key())
	require.True(t, ch.Delayable())
	require.False(t, ch.Autoclose())
	require.Zero(t, ch.Timeout())
}

func TestChannelSendsEnvelopeAndTopology(t *testing.T) {
	ch, rd := startTestChannel(t)

	hlo, ok := nextMsg(t, rd).(*wire.StartMessage)
	require.True(t, ok)
	require.Equal(t, wire.Version, hlo.Version)

	cfg, ok := nextMsg(t, rd).(*wire.ConfigMessage)
	require.True(t, ok)
	require.Equal(t, "gw1", cfg.Gateway)
	require.Equal(t, testTopo, cfg.Topology)
	require.Equal(t, ch.cfgID, cfg.ID())
}

func TestChannelQueuesControlsUntilAck(t *testing.T) {
	ch, rd := startTestChannel(t)
	nextMsg(t, rd)
	nextMsg(t, rd)

	ch.sendShell("w1", "leaf[1-2]", wire.ShellParams{Command: "uptime", Fanout: 16})
	ch.sendEOF("w1", "leaf[1-2]")
	require.Len(t, ch.queue, 2)

	// A stale ack changes nothing.
	ch.HandleMsg(&wire.AckMessage{Ack: ch.cfgID + 100})
	require.Len(t, ch.queue, 2)

	ch.HandleMsg(&wire.AckMessage{Ack: ch.cfgID})
	require.Empty(t, ch.queue)

	ctl, ok := nextMsg(t, rd).(*wire.ControlMessage)
	require.True(t, ok)
	require.Equal(t, wire.ActionShell, ctl.Action)
	require.Equal(t, "w1", ctl.SrcID)
	require.Equal(t, "leaf[1-2]", ctl.Target)
	var params wire.ShellParams
	require.NoError(t, wire.DecodeParams(ctl.Params, &params))
	require.Equal(t, "uptime", params.Command)
	require.Equal(t, 16, params.Fanout)

	eof, ok := nextMsg(t, rd).(*wire.ControlMessage)
	require.True(t, ok)
	require.Equal(t, wire.ActionEOF, eof.Action)

	// Past the handshake, controls go straight out.
	ch.sendWrite("w1", "leaf1", []byte("data"))
	wr, ok := nextMsg(t, rd).(*wire.ControlMessage)
	require.True(t, ok)
	require.Equal(t, wire.ActionWrite, wr.Action)
	var wp wire.WriteParams
	require.NoError(t, wire.DecodeParams(wr.Params, &wp))
	require.Equal(t, "data", string(wp.Data))
}

func TestChannelRoutesBySrcID(t *testing.T) {
	ch, _ := startTestChannel(t)
	fw := &fakeRemote{}
	ch.register("w5", fw)

	ch.HandleMsg(&wire.StdOutMessage{SrcID: "w5", Nodes: "leaf1", Output: []byte("hi")})
	ch.HandleMsg(&wire.StdErrMessage{SrcID: "w5", Nodes: "leaf1", Output: []byte("bad")})
	ch.HandleMsg(&wire.RetcodeMessage{SrcID: "w5", Nodes: "leaf1", Retcode: 2})
	ch.HandleMsg(&wire.TimeoutMessage{SrcID: "w5", Nodes: "leaf2"})

	// Traffic for unknown workers is dropped.
	ch.HandleMsg(&wire.StdOutMessage{SrcID: "w9", Nodes: "leaf1", Output: []byte("lost")})
	ch.HandleMsg(&wire.RetcodeMessage{SrcID: "w9", Nodes: "leaf1", Retcode: 9})

	require.Equal(t, []string{"gw1/leaf1/out:hi", "gw1/leaf1/err:bad"}, fw.outputs)
	require.Equal(t, []string{"gw1/leaf1:2"}, fw.rcs)
	require.Equal(t, []string{"gw1/leaf2"}, fw.timeouts)
	require.Empty(t, fw.closes)
}

func TestChannelVersionMismatchFails(t *testing.T) {
	ch, _ := startTestChannel(t)
	fw := &fakeRemote{}
	ch.register("w1", fw)

	ch.HandleMsg(&wire.StartMessage{Version: wire.Version + 1})

	require.True(t, ch.released())
	require.Len(t, fw.closes, 1)
	require.Contains(t, fw.closes[0], "gw1/"+strconv.Itoa(int(gwFailed)))
	require.Contains(t, fw.closes[0], "protocol")
}

func TestChannelErrorMessageFails(t *testing.T) {
	ch, _ := startTestChannel(t)
	fw := &fakeRemote{}
	ch.register("w1", fw)

	ch.HandleMsg(&wire.ErrorMessage{Reason: "unknown target leaf9"})

	require.True(t, ch.released())
	require.Equal(t,
		[]string{"gw1/" + strconv.Itoa(int(gwFailed)) + ":unknown target leaf9"},
		fw.closes)

	// A released channel drops controls instead of queueing them.
	ch.sendShell("w1", "leaf1", wire.ShellParams{Command: "late"})
	require.Empty(t, ch.queue)
}

func TestChannelGracefulCloseSendsBye(t *testing.T) {
	ch, rd := startTestChannel(t)
	nextMsg(t, rd)
	nextMsg(t, rd)
	ch.HandleMsg(&wire.AckMessage{Ack: ch.cfgID})

	ch.Close(false, false)

	_, ok := nextMsg(t, rd).(*wire.EndMessage)
	require.True(t, ok)
	require.True(t, ch.released())
}

func TestChannelAbortSkipsBye(t *testing.T) {
	ch, _ := startTestChannel(t)
	fw := &fakeRemote{}
	ch.register("w1", fw)
	ch.aborted = true

	ch.Close(false, false)

	require.Len(t, fw.closes, 1)
	require.Contains(t, fw.closes[0], "gw1/"+strconv.Itoa(int(gwAborted)))
}

func TestChannelTimeoutTellsWorkers(t *testing.T) {
	ch, _ := startTestChannel(t)
	fw := &fakeRemote{}
	ch.register("w1", fw)

	ch.Close(false, true)

	require.Len(t, fw.closes, 1)
	require.Contains(t, fw.closes[0], "gw1/"+strconv.Itoa(int(gwTimeout)))
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	ch, _ := startTestChannel(t)
	fw := &fakeRemote{}
	ch.register("w1", fw)

	ch.Close(false, true)
	ch.Close(true, false)
	require.Len(t, fw.closes, 1)
}
