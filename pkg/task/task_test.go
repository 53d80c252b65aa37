package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/topology"
)

func TestDefaultIsASingleton(t *testing.T) {
	first := Default()
	require.Same(t, first, Default())

	first.Destroy()
	second := Default()
	require.NotSame(t, first, second)
	second.Destroy()
}

func TestConfigDefaults(t *testing.T) {
	task := newTestTask(t, Options{})
	cfg := task.Config()
	require.Equal(t, engine.DefaultFanout, cfg.Fanout)
	require.Equal(t, 10.0, cfg.ConnectTimeout)
	require.Zero(t, cfg.CommandTimeout)
	require.Equal(t, 0.25, cfg.GroomingDelay)
	require.Equal(t, "auto", cfg.Engine)
	require.Equal(t, "canopy-gateway", cfg.GatewayCommand)
}

func TestConfigDecodesWeakTypes(t *testing.T) {
	task := newTestTask(t, Options{})
	task.SetInfo("fanout", "128")
	task.SetInfo("command_timeout", 3)
	task.SetInfo("nodename", "admin1")

	cfg := task.Config()
	require.Equal(t, 128, cfg.Fanout)
	require.Equal(t, 3.0, cfg.CommandTimeout)
	require.Equal(t, "admin1", cfg.Nodename)
}

func TestInfoRoundTrip(t *testing.T) {
	task := newTestTask(t, Options{})
	require.Nil(t, task.Info("user_tag"))
	task.SetInfo("user_tag", 42)
	require.Equal(t, 42, task.Info("user_tag"))
}

func TestNodenameOverride(t *testing.T) {
	task := newTestTask(t, Options{})
	require.NotEmpty(t, task.Nodename())

	task.SetInfo("nodename", "admin1")
	require.Equal(t, "admin1", task.Nodename())
}

func TestShellRejectsEmptyCommand(t *testing.T) {
	task := newTestTask(t, Options{})
	_, err := task.Shell("", ExecOptions{})
	require.Error(t, err)
}

func TestScheduleRejectsForeignWorker(t *testing.T) {
	first := newTestTask(t, Options{})
	second := newTestTask(t, Options{})

	w := NewExecWorker("true", ExecOptions{})
	require.NoError(t, first.Schedule(w))
	require.Error(t, second.Schedule(w))
	require.NoError(t, first.Resume(0))
}

func TestRunIsShellPlusResume(t *testing.T) {
	task := newTestTask(t, Options{})
	w, err := task.Run("echo combined", ExecOptions{}, 0)
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Equal(t, "combined", string(task.KeyBuffer(LocalKey)))
}

func TestPortDeliversDuringRun(t *testing.T) {
	task := newTestTask(t, Options{})
	h := &recHandler{}
	p := task.Port(h, 4)

	sent := make(chan struct{})
	wh := &recHandler{}
	wh.onRead = func(_, line string) {
		if line == "ready" {
			go func() {
				p.Send("mail")
				close(sent)
			}()
		}
	}
	_, err := task.Shell("echo ready; sleep 0.2", ExecOptions{Handler: wh})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))
	<-sent

	require.Equal(t, []interface{}{"mail"}, h.ports)
}

func TestAddTimerFiresDuringRun(t *testing.T) {
	task := newTestTask(t, Options{})
	fired := 0
	tm := engine.NewTimer(10*time.Millisecond, 0, func(*engine.Timer) { fired++ })
	require.NoError(t, task.AddTimer(tm))

	_, err := task.Shell("sleep 0.2", ExecOptions{})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))
	require.Equal(t, 1, fired)
}

func TestTopologyInstallAndQuery(t *testing.T) {
	task := newTestTask(t, Options{})
	require.Nil(t, task.Topology())

	g, err := topology.ParseRoutes("admin1: gw[1-2]\ngw[1-2]: leaf[1-4]\n")
	require.NoError(t, err)
	tree, err := g.Tree("admin1")
	require.NoError(t, err)
	task.SetTopology(tree)
	require.Same(t, tree, task.Topology())
}

func TestClockAccessorMatchesEngine(t *testing.T) {
	task := newTestTask(t, Options{})
	require.NotNil(t, task.Clock())
	require.Same(t, task.Engine().Clock(), task.Clock())
}
